package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cascata/cascata/pkg/domain"
	"github.com/cascata/cascata/pkg/engine"
	"github.com/cascata/cascata/pkg/fingerprint"
	"github.com/cascata/cascata/pkg/graph"
	"github.com/cascata/cascata/pkg/storage"
	"github.com/cascata/cascata/pkg/telemetry"
)

// Default loop tuning.
const (
	DefaultMaxInFlight    = 64
	DefaultQueueSize      = 256
	DefaultCascadeWorkers = 8
	DefaultTimeout        = 60 * time.Second
)

// SubmitRequest is one orchestration submission. Either a hex fingerprint or
// a set of indicators must be provided; indicators are fingerprinted with the
// salt context.
type SubmitRequest struct {
	TraceID     string   `json:"trace_id,omitempty"`
	Fingerprint string   `json:"fingerprint,omitempty"`
	Indicators  []string `json:"indicators,omitempty"`
	SaltContext string   `json:"salt_context,omitempty"`
	Mode        string   `json:"mode,omitempty"`
	TimeoutMS   int      `json:"timeout_ms,omitempty"`
}

// Config tunes the orchestration loop.
type Config struct {
	// MaxInFlight bounds concurrent playbook executions.
	MaxInFlight int
	// QueueSize bounds buffered cascade submissions; a full queue drops the
	// newest cascade, never a root submission.
	QueueSize      int
	CascadeWorkers int
	MaxDepth       int
	Threshold      float64
	MaxFanout      int
	DefaultTimeout time.Duration
	DefaultMode    domain.Mode
	Metrics        *telemetry.Metrics
	Logger         *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.CascadeWorkers <= 0 {
		c.CascadeWorkers = DefaultCascadeWorkers
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = graph.DefaultMaxDepth
	}
	if c.Threshold <= 0 {
		c.Threshold = graph.DefaultThreshold
	}
	if c.MaxFanout <= 0 {
		c.MaxFanout = graph.DefaultFanout
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if !c.DefaultMode.Valid() {
		c.DefaultMode = domain.ModeDefensive
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type inflightEntry struct {
	playbookID string
	mode       domain.Mode
	depth      int
	started    time.Time
}

// Orchestrator owns the submission loop.
type Orchestrator struct {
	store    storage.PlaybookStore
	graph    *graph.Graph
	executor *engine.Executor
	novelty  *fingerprint.NoveltyTracker
	config   Config
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	sem   chan struct{}
	queue chan *domain.ExecutionContext
	quit  chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]*inflightEntry
	closed   bool
}

// New wires the orchestrator and starts its cascade workers.
func New(store storage.PlaybookStore, g *graph.Graph, exec *engine.Executor, novelty *fingerprint.NoveltyTracker, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()

	o := &Orchestrator{
		store:    store,
		graph:    g,
		executor: exec,
		novelty:  novelty,
		config:   cfg,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		sem:      make(chan struct{}, cfg.MaxInFlight),
		queue:    make(chan *domain.ExecutionContext, cfg.QueueSize),
		quit:     make(chan struct{}),
		inflight: make(map[string]*inflightEntry),
	}

	o.wg.Add(cfg.CascadeWorkers)
	for i := 0; i < cfg.CascadeWorkers; i++ {
		go o.cascadeWorker()
	}

	return o
}

// Submit runs one root submission to completion. The returned summary carries
// step results, cascade decisions and the novelty score; a fingerprint with no
// playbook yields a summary with StatusMiss, not an error. Resubmitting a
// trace ID that is still running returns a snapshot and ErrDuplicateTrace.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*domain.ExecutionSummary, error) {
	fp, err := o.resolveFingerprint(req)
	if err != nil {
		return nil, err
	}

	traceID := strings.TrimSpace(req.TraceID)
	if traceID == "" {
		traceID = uuid.NewString()
	}

	mode := o.config.DefaultMode
	if req.Mode != "" {
		m := domain.Mode(req.Mode)
		if !m.Valid() {
			return nil, fmt.Errorf("unknown mode %q", req.Mode)
		}
		mode = m
	}

	entry, dup := o.registerTrace(traceID, mode)
	if dup {
		return snapshotSummary(traceID, entry), domain.ErrDuplicateTrace
	}
	defer o.releaseTrace(traceID)

	desc := o.lookup(ctx, fp)
	if desc == nil {
		o.recordSubmission("root", string(domain.StatusMiss))
		return &domain.ExecutionSummary{
			TraceID: traceID,
			Mode:    mode,
			Status:  domain.StatusMiss,
		}, nil
	}

	if req.Mode == "" && desc.DefaultMode.Valid() {
		mode = desc.DefaultMode
	}

	timeout := o.config.DefaultTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	o.mu.Lock()
	entry.playbookID = desc.ID
	entry.mode = mode
	o.mu.Unlock()

	ec := &domain.ExecutionContext{
		TraceID:     traceID,
		Fingerprint: fp,
		Descriptor:  desc,
		Mode:        mode,
		Deadline:    time.Now().Add(timeout),
		Visited:     domain.NewVisitedSet(),
	}

	summary := o.run(ctx, ec, "root")
	return summary, nil
}

// run executes one context under the in-flight bound and evaluates cascades.
func (o *Orchestrator) run(ctx context.Context, ec *domain.ExecutionContext, origin string) *domain.ExecutionSummary {
	o.acquireSlot()
	defer o.releaseSlot()

	ec.Visited.Add(ec.Descriptor.ID)

	summary := o.executor.Execute(ctx, ec)
	if o.novelty != nil {
		summary.NoveltyScore = o.novelty.Score(ec.Fingerprint, fingerprint.Entropy(ec.Fingerprint))
	}

	o.evaluateCascades(ctx, ec, summary)
	o.recordSubmission(origin, string(summary.Status))

	o.logger.Info("execution finished",
		"trace_id", ec.TraceID,
		"playbook_id", ec.Descriptor.ID,
		"status", summary.Status,
		"depth", ec.Depth,
		"steps", summary.StepsExecuted,
		"cascades_triggered", summary.CascadesTriggered,
		"cascades_dropped", summary.CascadesDropped,
	)
	return summary
}

// evaluateCascades walks the executed node's edges and enqueues children. A
// full queue sheds the newest cascade; nothing blocks here.
func (o *Orchestrator) evaluateCascades(ctx context.Context, ec *domain.ExecutionContext, summary *domain.ExecutionSummary) {
	if summary.Status == domain.StatusCancelled || ec.Expired(time.Now()) {
		return
	}
	if ec.Depth+1 >= o.config.MaxDepth {
		o.logger.Debug("cascade depth exhausted", "trace_id", ec.TraceID, "depth", ec.Depth)
		return
	}

	candidates, decisions := o.graph.CascadeCandidates(ec.Descriptor.ID, o.config.Threshold, o.config.MaxFanout, ec.Visited)

	for _, cand := range candidates {
		child := ec.Child(cand.Fingerprint, nil)
		if o.novelty != nil {
			o.novelty.LinkLineage(cand.Fingerprint, ec.Fingerprint)
		}

		select {
		case o.queue <- child:
			summary.CascadesTriggered++
		default:
			summary.CascadesDropped++
			if o.metrics != nil {
				o.metrics.RecordCascadeDrop()
			}
			o.recordSubmission("cascade", string(domain.StatusDropped))
			markDropped(decisions, cand.NodeID)
			o.logger.Warn("cascade dropped under backpressure",
				"trace_id", ec.TraceID, "target", cand.NodeID)
		}
	}
	o.publishQueueDepth()

	for _, d := range decisions {
		telemetry.RecordCascadeDecision(ctx, ec.TraceID, ec.Descriptor.ID, d.Target, d.Strength, d.Triggered, d.Reason)
	}
	summary.Cascades = decisions
}

func markDropped(decisions []domain.CascadeDecision, target string) {
	for i := range decisions {
		if decisions[i].Target == target && decisions[i].Triggered {
			decisions[i].Triggered = false
			decisions[i].Reason = "queue_full"
			return
		}
	}
}

func (o *Orchestrator) cascadeWorker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.quit:
			return
		case child := <-o.queue:
			o.publishQueueDepth()
			o.runCascade(child)
		}
	}
}

func (o *Orchestrator) runCascade(child *domain.ExecutionContext) {
	ctx := context.Background()
	if !child.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, child.Deadline)
		defer cancel()
	}

	if child.Expired(time.Now()) {
		o.recordSubmission("cascade", string(domain.StatusCancelled))
		return
	}

	desc := o.lookup(ctx, child.Fingerprint)
	if desc == nil {
		o.recordSubmission("cascade", string(domain.StatusMiss))
		o.logger.Debug("cascade target resolved to no playbook",
			"trace_id", child.TraceID, "fingerprint", child.Fingerprint.String())
		return
	}
	child.Descriptor = desc

	o.run(ctx, child, "cascade")
}

// lookup resolves the descriptor, downgrading store unavailability to a miss
// so hot-path submissions degrade instead of erroring.
func (o *Orchestrator) lookup(ctx context.Context, fp domain.Fingerprint) *domain.PlaybookDescriptor {
	desc, err := o.store.Get(ctx, fp)
	switch {
	case err == nil:
		return desc
	case errors.Is(err, domain.ErrLookupMiss):
		return nil
	case errors.Is(err, domain.ErrStoreUnavailable):
		o.logger.Warn("store unavailable, treating lookup as miss", "fingerprint", fp.String(), "error", err)
		return nil
	default:
		o.logger.Error("playbook lookup failed", "fingerprint", fp.String(), "error", err)
		return nil
	}
}

func (o *Orchestrator) resolveFingerprint(req SubmitRequest) (domain.Fingerprint, error) {
	if fpHex := strings.TrimSpace(req.Fingerprint); fpHex != "" {
		return domain.ParseFingerprint(fpHex)
	}
	if len(req.Indicators) > 0 {
		return fingerprint.Generate(req.Indicators, req.SaltContext), nil
	}
	return domain.Fingerprint{}, errors.New("submission requires a fingerprint or indicators")
}

func (o *Orchestrator) registerTrace(traceID string, mode domain.Mode) (*inflightEntry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.inflight[traceID]; ok {
		return existing, true
	}
	entry := &inflightEntry{mode: mode, started: time.Now()}
	o.inflight[traceID] = entry
	return entry, false
}

func (o *Orchestrator) releaseTrace(traceID string) {
	o.mu.Lock()
	delete(o.inflight, traceID)
	o.mu.Unlock()
}

func snapshotSummary(traceID string, entry *inflightEntry) *domain.ExecutionSummary {
	return &domain.ExecutionSummary{
		TraceID:    traceID,
		PlaybookID: entry.playbookID,
		Mode:       entry.mode,
		Status:     domain.StatusRunning,
		Depth:      entry.depth,
	}
}

func (o *Orchestrator) acquireSlot() {
	o.sem <- struct{}{}
	if o.metrics != nil {
		o.metrics.SetInFlight(len(o.sem))
	}
}

func (o *Orchestrator) releaseSlot() {
	<-o.sem
	if o.metrics != nil {
		o.metrics.SetInFlight(len(o.sem))
	}
}

func (o *Orchestrator) publishQueueDepth() {
	if o.metrics != nil {
		o.metrics.SetQueueDepth(len(o.queue))
	}
}

func (o *Orchestrator) recordSubmission(origin, status string) {
	if o.metrics != nil {
		o.metrics.RecordSubmission(origin, status)
	}
}

// QueueDepth reports buffered cascade submissions, for health reporting.
func (o *Orchestrator) QueueDepth() int {
	return len(o.queue)
}

// Close stops the cascade workers. Buffered cascades that have not started
// are discarded.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	close(o.quit)
	o.wg.Wait()
}
