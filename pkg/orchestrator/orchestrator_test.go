package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascata/cascata/pkg/domain"
	"github.com/cascata/cascata/pkg/engine"
	"github.com/cascata/cascata/pkg/fingerprint"
	"github.com/cascata/cascata/pkg/graph"
	"github.com/cascata/cascata/pkg/storage"
)

// memBackend is an in-memory persistent tier for loop tests.
type memBackend struct {
	mu   sync.Mutex
	recs map[domain.Fingerprint]*domain.PlaybookDescriptor
}

func newMemBackend() *memBackend {
	return &memBackend{recs: make(map[domain.Fingerprint]*domain.PlaybookDescriptor)}
}

func (m *memBackend) Get(ctx context.Context, fp domain.Fingerprint) (*domain.PlaybookDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	desc, ok := m.recs[fp]
	if !ok {
		return nil, domain.ErrLookupMiss
	}
	return desc, nil
}

func (m *memBackend) Put(ctx context.Context, fp domain.Fingerprint, desc *domain.PlaybookDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[fp] = desc
	return nil
}

func (m *memBackend) Delete(ctx context.Context, fp domain.Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, fp)
	return nil
}

func (m *memBackend) ForEach(ctx context.Context, fn func(domain.Fingerprint, *domain.PlaybookDescriptor) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for fp, desc := range m.recs {
		if err := fn(fp, desc); err != nil {
			return err
		}
	}
	return nil
}

func (m *memBackend) Close() error { return nil }

// traceInvoker records which playbooks ran, and under which trace, and can
// block selected ones.
type traceInvoker struct {
	mu      sync.Mutex
	ran     []string
	traces  map[string]string
	started chan string
	gate    chan struct{}
	blockID string
	sleep   time.Duration
}

func newTraceInvoker() *traceInvoker {
	return &traceInvoker{
		traces:  make(map[string]string),
		started: make(chan string, 16),
	}
}

func (ti *traceInvoker) invoke(ctx context.Context, step engine.ResolvedStep) error {
	ti.mu.Lock()
	ti.ran = append(ti.ran, step.PlaybookID)
	ti.traces[step.PlaybookID] = step.TraceID
	ti.mu.Unlock()

	select {
	case ti.started <- step.PlaybookID:
	default:
	}

	if ti.blockID != "" && step.PlaybookID == ti.blockID {
		select {
		case <-ti.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if ti.sleep > 0 {
		time.Sleep(ti.sleep)
	}
	return ctx.Err()
}

func (ti *traceInvoker) executed(id string) bool {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	for _, ran := range ti.ran {
		if ran == id {
			return true
		}
	}
	return false
}

func (ti *traceInvoker) traceOf(id string) string {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.traces[id]
}

type harness struct {
	orch    *Orchestrator
	store   *storage.TieredStore
	graph   *graph.Graph
	invoker *traceInvoker
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	store, err := storage.NewTieredStore(newMemBackend(), storage.TieredConfig{})
	require.NoError(t, err)

	g := graph.New(nil)
	invoker := newTraceInvoker()
	exec := engine.NewExecutor(engine.ExecutorConfig{Invoker: invoker.invoke})

	orch := New(store, g, exec, fingerprint.NewNoveltyTracker(), cfg)
	t.Cleanup(orch.Close)

	return &harness{orch: orch, store: store, graph: g, invoker: invoker}
}

func (h *harness) register(t *testing.T, indicators []string, desc *domain.PlaybookDescriptor) domain.Fingerprint {
	t.Helper()
	fp := fingerprint.Generate(indicators, "test")
	require.NoError(t, h.store.Put(context.Background(), fp, desc))
	h.graph.Upsert(fp, desc)
	return fp
}

func simpleDescriptor(id string, edges ...domain.CascadeEdge) *domain.PlaybookDescriptor {
	return &domain.PlaybookDescriptor{
		ID: id,
		Steps: []domain.ToolStep{{
			ID:              "main",
			ToolRef:         "tools/" + id,
			Tiers:           []domain.Tier{domain.TierScript},
			DefensiveAction: "observe",
			OffensiveAction: "probe",
		}},
		CascadeEdges: edges,
	}
}

func TestSubmitMissReturnsSummaryNotError(t *testing.T) {
	h := newHarness(t, Config{})

	summary, err := h.orch.Submit(context.Background(), SubmitRequest{
		Indicators:  []string{"nothing.matches"},
		SaltContext: "test",
	})

	require.NoError(t, err)
	assert.Equal(t, domain.StatusMiss, summary.Status)
	assert.NotEmpty(t, summary.TraceID)
	assert.Empty(t, summary.PlaybookID)
}

func TestSubmitExecutesResolvedPlaybook(t *testing.T) {
	h := newHarness(t, Config{})
	h.register(t, []string{"api.internal"}, simpleDescriptor("pb-api"))

	summary, err := h.orch.Submit(context.Background(), SubmitRequest{
		Indicators:  []string{"api.internal"},
		SaltContext: "test",
	})

	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, summary.Status)
	assert.Equal(t, "pb-api", summary.PlaybookID)
	assert.Equal(t, 1, summary.StepsExecuted)
	assert.Zero(t, summary.Depth)
	assert.Greater(t, summary.NoveltyScore, 0.0)
	assert.True(t, h.invoker.executed("pb-api"))
}

func TestSubmitRequiresFingerprintOrIndicators(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.orch.Submit(context.Background(), SubmitRequest{})
	assert.Error(t, err)
}

func TestSubmitRejectsUnknownMode(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.orch.Submit(context.Background(), SubmitRequest{
		Indicators: []string{"host"},
		Mode:       "aggressive",
	})
	assert.Error(t, err)
}

func TestSubmitModeResolution(t *testing.T) {
	h := newHarness(t, Config{})

	desc := simpleDescriptor("pb-modes")
	desc.DefaultMode = domain.ModeOffensive
	h.register(t, []string{"api.internal"}, desc)

	// Descriptor default applies when the request leaves mode empty.
	summary, err := h.orch.Submit(context.Background(), SubmitRequest{
		Indicators: []string{"api.internal"}, SaltContext: "test",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ModeOffensive, summary.Mode)

	// An explicit request mode overrides the descriptor default.
	summary, err = h.orch.Submit(context.Background(), SubmitRequest{
		Indicators: []string{"api.internal"}, SaltContext: "test", Mode: "defensive",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ModeDefensive, summary.Mode)
}

func TestSubmitDuplicateTraceReturnsRunningSnapshot(t *testing.T) {
	h := newHarness(t, Config{})
	h.invoker.blockID = "pb-slow"
	h.invoker.gate = make(chan struct{})
	h.register(t, []string{"slow.host"}, simpleDescriptor("pb-slow"))

	firstDone := make(chan *domain.ExecutionSummary, 1)
	go func() {
		summary, _ := h.orch.Submit(context.Background(), SubmitRequest{
			TraceID:    "trace-dup",
			Indicators: []string{"slow.host"}, SaltContext: "test",
		})
		firstDone <- summary
	}()

	require.Eventually(t, func() bool {
		return h.invoker.executed("pb-slow")
	}, time.Second, 2*time.Millisecond)

	snapshot, err := h.orch.Submit(context.Background(), SubmitRequest{
		TraceID:    "trace-dup",
		Indicators: []string{"slow.host"}, SaltContext: "test",
	})
	require.True(t, errors.Is(err, domain.ErrDuplicateTrace))
	require.NotNil(t, snapshot)
	assert.Equal(t, domain.StatusRunning, snapshot.Status)
	assert.Equal(t, "trace-dup", snapshot.TraceID)
	assert.Equal(t, "pb-slow", snapshot.PlaybookID)

	close(h.invoker.gate)
	summary := <-firstDone
	assert.Equal(t, domain.StatusSucceeded, summary.Status)

	// The trace is free again once the original finishes.
	summary, err = h.orch.Submit(context.Background(), SubmitRequest{
		TraceID:    "trace-dup",
		Indicators: []string{"slow.host"}, SaltContext: "test",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, summary.Status)
}

func TestCascadeRunsChildPlaybook(t *testing.T) {
	h := newHarness(t, Config{})
	h.register(t, []string{"child.host"}, simpleDescriptor("pb-child"))
	h.register(t, []string{"root.host"}, simpleDescriptor("pb-root",
		domain.CascadeEdge{Target: "pb-child", Strength: 0.9},
	))

	summary, err := h.orch.Submit(context.Background(), SubmitRequest{
		Indicators: []string{"root.host"}, SaltContext: "test",
	})

	require.NoError(t, err)
	assert.Equal(t, 1, summary.CascadesTriggered)
	assert.Zero(t, summary.CascadesDropped)
	require.Len(t, summary.Cascades, 1)
	assert.True(t, summary.Cascades[0].Triggered)

	require.Eventually(t, func() bool {
		return h.invoker.executed("pb-child")
	}, time.Second, 2*time.Millisecond)
}

func TestCascadeChildInheritsTraceID(t *testing.T) {
	h := newHarness(t, Config{})
	h.register(t, []string{"grandchild.host"}, simpleDescriptor("pb-grandchild"))
	h.register(t, []string{"child.host"}, simpleDescriptor("pb-child",
		domain.CascadeEdge{Target: "pb-grandchild", Strength: 0.9},
	))
	h.register(t, []string{"root.host"}, simpleDescriptor("pb-root",
		domain.CascadeEdge{Target: "pb-child", Strength: 0.9},
	))

	summary, err := h.orch.Submit(context.Background(), SubmitRequest{
		TraceID:    "trace-root",
		Indicators: []string{"root.host"}, SaltContext: "test",
	})

	require.NoError(t, err)
	assert.Equal(t, "trace-root", summary.TraceID)

	require.Eventually(t, func() bool {
		return h.invoker.executed("pb-child") && h.invoker.executed("pb-grandchild")
	}, time.Second, 2*time.Millisecond)

	// Every level of the cascade tree stays on the submitted trace.
	assert.Equal(t, "trace-root", h.invoker.traceOf("pb-child"))
	assert.Equal(t, "trace-root", h.invoker.traceOf("pb-grandchild"))
}

func TestCascadeBelowThresholdNotTriggered(t *testing.T) {
	h := newHarness(t, Config{Threshold: 0.8})
	h.register(t, []string{"child.host"}, simpleDescriptor("pb-child"))
	h.register(t, []string{"root.host"}, simpleDescriptor("pb-root",
		domain.CascadeEdge{Target: "pb-child", Strength: 0.5},
	))

	summary, err := h.orch.Submit(context.Background(), SubmitRequest{
		Indicators: []string{"root.host"}, SaltContext: "test",
	})

	require.NoError(t, err)
	assert.Zero(t, summary.CascadesTriggered)
	require.Len(t, summary.Cascades, 1)
	assert.Equal(t, "below_threshold", summary.Cascades[0].Reason)
}

func TestCascadeDepthBoundSuppressesFanout(t *testing.T) {
	h := newHarness(t, Config{MaxDepth: 1})
	h.register(t, []string{"child.host"}, simpleDescriptor("pb-child"))
	h.register(t, []string{"root.host"}, simpleDescriptor("pb-root",
		domain.CascadeEdge{Target: "pb-child", Strength: 0.9},
	))

	summary, err := h.orch.Submit(context.Background(), SubmitRequest{
		Indicators: []string{"root.host"}, SaltContext: "test",
	})

	require.NoError(t, err)
	assert.Zero(t, summary.CascadesTriggered)
	assert.Empty(t, summary.Cascades, "depth bound short-circuits edge evaluation")
	assert.False(t, h.invoker.executed("pb-child"))
}

func TestCascadeQueueFullDropsNewest(t *testing.T) {
	h := newHarness(t, Config{QueueSize: 1, CascadeWorkers: 1})
	h.invoker.blockID = "pb-block"
	h.invoker.gate = make(chan struct{})
	defer close(h.invoker.gate)

	fpBlock := h.register(t, []string{"block.host"}, simpleDescriptor("pb-block"))
	h.register(t, []string{"child.host"}, simpleDescriptor("pb-child"))
	h.register(t, []string{"root.host"}, simpleDescriptor("pb-root",
		domain.CascadeEdge{Target: "pb-child", Strength: 0.9},
	))

	// Occupy the single worker, then fill the one-slot queue.
	occupy := func() *domain.ExecutionContext {
		return &domain.ExecutionContext{
			TraceID:       "filler",
			Fingerprint:   fpBlock,
			Visited:       domain.NewVisitedSet(),
			CascadeOrigin: true,
		}
	}
	h.orch.queue <- occupy()
	require.Eventually(t, func() bool {
		return h.invoker.executed("pb-block")
	}, time.Second, 2*time.Millisecond)
	h.orch.queue <- occupy()

	summary, err := h.orch.Submit(context.Background(), SubmitRequest{
		Indicators: []string{"root.host"}, SaltContext: "test",
	})

	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, summary.Status, "root submissions are never shed")
	assert.Zero(t, summary.CascadesTriggered)
	assert.Equal(t, 1, summary.CascadesDropped)
	require.Len(t, summary.Cascades, 1)
	assert.False(t, summary.Cascades[0].Triggered)
	assert.Equal(t, "queue_full", summary.Cascades[0].Reason)
}

func TestCancelledExecutionSuppressesCascades(t *testing.T) {
	h := newHarness(t, Config{})
	h.invoker.sleep = 30 * time.Millisecond
	h.register(t, []string{"child.host"}, simpleDescriptor("pb-child"))
	h.register(t, []string{"root.host"}, simpleDescriptor("pb-root",
		domain.CascadeEdge{Target: "pb-child", Strength: 0.9},
	))

	summary, err := h.orch.Submit(context.Background(), SubmitRequest{
		Indicators: []string{"root.host"}, SaltContext: "test",
		TimeoutMS: 1,
	})

	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, summary.Status)
	assert.Zero(t, summary.CascadesTriggered)
	assert.False(t, h.invoker.executed("pb-child"))
}
