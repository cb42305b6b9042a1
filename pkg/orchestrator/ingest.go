package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cascata/cascata/pkg/domain"
	"github.com/cascata/cascata/pkg/fingerprint"
	"github.com/cascata/cascata/pkg/graph"
	"github.com/cascata/cascata/pkg/storage"
)

// IngestRecord binds one descriptor to its lookup key. Either an explicit hex
// fingerprint or a set of indicators must be present; indicators are
// fingerprinted with the record's salt context.
type IngestRecord struct {
	Fingerprint string                    `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
	Indicators  []string                  `json:"indicators,omitempty" yaml:"indicators,omitempty"`
	SaltContext string                    `json:"salt_context,omitempty" yaml:"salt_context,omitempty"`
	Descriptor  domain.PlaybookDescriptor `json:"descriptor" yaml:"descriptor"`
}

// RejectedRecord explains why one record failed ingestion.
type RejectedRecord struct {
	Index      int                     `json:"index"`
	PlaybookID string                  `json:"playbook_id,omitempty"`
	Source     string                  `json:"source,omitempty"`
	Message    string                  `json:"message,omitempty"`
	Violations []domain.FieldViolation `json:"violations,omitempty"`
}

// IngestResult summarises a bulk ingestion. Rejections are per record; one bad
// descriptor never blocks the rest of the batch.
type IngestResult struct {
	Accepted int              `json:"accepted"`
	Rejected []RejectedRecord `json:"rejected,omitempty"`
}

// Ingestor writes validated descriptors through the store and keeps the
// cascade graph in sync.
type Ingestor struct {
	store  storage.PlaybookStore
	graph  *graph.Graph
	logger *slog.Logger
}

// NewIngestor wires the ingestion path.
func NewIngestor(store storage.PlaybookStore, g *graph.Graph, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{store: store, graph: g, logger: logger}
}

// Ingest validates and persists a batch of records. A store write failure
// aborts the batch; validation failures only reject the offending record.
func (in *Ingestor) Ingest(ctx context.Context, records []IngestRecord) (IngestResult, error) {
	var result IngestResult

	for i, rec := range records {
		rec := rec
		if err := storage.ValidateDescriptor(&rec.Descriptor); err != nil {
			result.Rejected = append(result.Rejected, rejectRecord(i, rec, err))
			continue
		}

		fp, err := resolveRecordFingerprint(rec)
		if err != nil {
			result.Rejected = append(result.Rejected, RejectedRecord{
				Index:      i,
				PlaybookID: rec.Descriptor.ID,
				Message:    err.Error(),
			})
			continue
		}

		if err := in.store.Put(ctx, fp, &rec.Descriptor); err != nil {
			return result, fmt.Errorf("persist playbook %q: %w", rec.Descriptor.ID, err)
		}
		in.graph.Upsert(fp, &rec.Descriptor)
		result.Accepted++

		in.logger.Debug("playbook ingested",
			"playbook_id", rec.Descriptor.ID,
			"fingerprint", fp.String(),
			"steps", len(rec.Descriptor.Steps),
			"edges", len(rec.Descriptor.CascadeEdges),
		)
	}

	in.logger.Info("ingestion batch complete",
		"accepted", result.Accepted, "rejected", len(result.Rejected))
	return result, nil
}

// IngestBundleDir loads every YAML descriptor file in a bundle directory. A
// file may hold a single record or a list. Files are processed in name order
// so reruns are deterministic.
func (in *Ingestor) IngestBundleDir(ctx context.Context, dir string) (IngestResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return IngestResult{}, fmt.Errorf("read bundle directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var result IngestResult
	for _, name := range names {
		path := filepath.Join(dir, name)
		records, err := loadBundleFile(path)
		if err != nil {
			result.Rejected = append(result.Rejected, RejectedRecord{
				Source:  name,
				Message: err.Error(),
			})
			in.logger.Warn("skipping unreadable bundle file", "file", name, "error", err)
			continue
		}

		fileResult, err := in.Ingest(ctx, records)
		if err != nil {
			return result, err
		}
		result.Accepted += fileResult.Accepted
		for _, rej := range fileResult.Rejected {
			rej.Source = name
			result.Rejected = append(result.Rejected, rej)
		}
	}

	return result, nil
}

func loadBundleFile(path string) ([]IngestRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var list []IngestRecord
	if err := yaml.Unmarshal(data, &list); err == nil && len(list) > 0 {
		return list, nil
	}

	var single IngestRecord
	if err := yaml.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return []IngestRecord{single}, nil
}

func resolveRecordFingerprint(rec IngestRecord) (domain.Fingerprint, error) {
	if fpHex := strings.TrimSpace(rec.Fingerprint); fpHex != "" {
		return domain.ParseFingerprint(fpHex)
	}
	if len(rec.Indicators) > 0 {
		return fingerprint.Generate(rec.Indicators, rec.SaltContext), nil
	}
	return domain.Fingerprint{}, errors.New("record requires a fingerprint or indicators")
}

func rejectRecord(index int, rec IngestRecord, err error) RejectedRecord {
	rejected := RejectedRecord{
		Index:      index,
		PlaybookID: rec.Descriptor.ID,
		Message:    err.Error(),
	}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		rejected.Violations = verr.Violations
		rejected.Message = "descriptor validation failed"
	}
	return rejected
}
