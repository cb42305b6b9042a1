package orchestrator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cascata/cascata/pkg/domain"
	"github.com/cascata/cascata/pkg/graph"
	"github.com/cascata/cascata/pkg/storage"
	"github.com/cascata/cascata/pkg/telemetry"
)

// API exposes the submission and ingestion surface over HTTP.
type API struct {
	orch     *Orchestrator
	ingestor *Ingestor
	store    *storage.TieredStore
	graph    *graph.Graph
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// NewAPI builds the HTTP surface. store and metrics may be nil; the health
// and metrics endpoints degrade accordingly.
func NewAPI(orch *Orchestrator, ingestor *Ingestor, store *storage.TieredStore, g *graph.Graph, metrics *telemetry.Metrics, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{orch: orch, ingestor: ingestor, store: store, graph: g, metrics: metrics, logger: logger}
}

// Handler returns the route multiplexer.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/submit", a.handleSubmit)
	mux.HandleFunc("POST /v1/playbooks", a.handleIngest)
	mux.HandleFunc("GET /healthz", a.handleHealth)
	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics.Handler())
	}
	return mux
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body", "")
		return
	}

	summary, err := a.orch.Submit(r.Context(), req)
	switch {
	case errors.Is(err, domain.ErrDuplicateTrace):
		// The snapshot tells the caller what the in-flight trace is doing.
		a.writeJSON(w, http.StatusConflict, summary)
		return
	case err != nil:
		a.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), req.TraceID)
		return
	}

	a.writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	var records []IngestRecord
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		a.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body", "")
		return
	}

	result, err := a.ingestor.Ingest(r.Context(), records)
	if err != nil {
		a.writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error(), "")
		return
	}

	a.writeJSON(w, http.StatusOK, result)
}

type healthResponse struct {
	Status       string `json:"status"`
	GraphNodes   int    `json:"graph_nodes"`
	QueueDepth   int    `json:"queue_depth"`
	BreakerState string `json:"breaker_state,omitempty"`
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		QueueDepth: a.orch.QueueDepth(),
	}
	if a.graph != nil {
		resp.GraphNodes = a.graph.Len()
	}
	if a.store != nil {
		resp.BreakerState = string(a.store.BreakerState())
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Error("encode response failed", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, code, message, traceID string) {
	a.writeJSON(w, status, domain.ErrorResponse{Code: code, Message: message, TraceID: traceID})
}
