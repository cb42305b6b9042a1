package modules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cascata/cascata/pkg/domain"
)

// fakeProvider counts lifecycle calls and can block or fail loads on demand.
type fakeProvider struct {
	mu       sync.Mutex
	sizes    map[string]int64
	loads    int
	unloads  int
	failLoad map[string]error
	gate     chan struct{}
}

func newFakeProvider(sizes map[string]int64) *fakeProvider {
	return &fakeProvider{sizes: sizes, failLoad: make(map[string]error)}
}

func (p *fakeProvider) Load(ctx context.Context, id string) (*Module, error) {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.loads++
	if err := p.failLoad[id]; err != nil {
		return nil, err
	}
	size, ok := p.sizes[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown module %q", domain.ErrModuleLoadFailed, id)
	}
	return &Module{ID: id, SizeBytes: size}, nil
}

func (p *fakeProvider) Unload(ctx context.Context, m *Module) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unloads++
	return nil
}

func (p *fakeProvider) EstimateSize(id string) (int64, error) {
	size, ok := p.sizes[id]
	if !ok {
		return 0, fmt.Errorf("%w: unknown module %q", domain.ErrModuleLoadFailed, id)
	}
	return size, nil
}

func (p *fakeProvider) loadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loads
}

func (p *fakeProvider) unloadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unloads
}

func shutdownLoader(t *testing.T, l *Loader) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Shutdown(ctx))
}

func TestLoaderConcurrentAcquiresShareOneLoad(t *testing.T) {
	provider := newFakeProvider(map[string]int64{"scan-db": 100})
	provider.gate = make(chan struct{})

	loader := NewLoader(provider, LoaderConfig{GracePeriod: time.Hour})
	defer shutdownLoader(t, loader)

	const callers = 5
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			m, err := loader.Acquire(context.Background(), "scan-db")
			if err == nil && m.ID != "scan-db" {
				err = errors.New("wrong module")
			}
			results <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(provider.gate)

	for i := 0; i < callers; i++ {
		require.NoError(t, <-results)
	}
	assert.Equal(t, 1, provider.loadCount(), "waiters share the in-flight load")

	stats := loader.Stats()
	assert.Equal(t, 1, stats.Resident)
	assert.Equal(t, int64(100), stats.ResidentBytes)
}

func TestLoaderBudgetRejectsOversizedModule(t *testing.T) {
	provider := newFakeProvider(map[string]int64{"huge": 200})
	loader := NewLoader(provider, LoaderConfig{BudgetBytes: 100})
	defer shutdownLoader(t, loader)

	_, err := loader.Acquire(context.Background(), "huge")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrBudgetExceeded))
	assert.Equal(t, 0, provider.loadCount(), "budget check precedes the load")
}

func TestLoaderBudgetKeepsReferencedModules(t *testing.T) {
	provider := newFakeProvider(map[string]int64{"a": 60, "b": 60})
	loader := NewLoader(provider, LoaderConfig{BudgetBytes: 100, GracePeriod: time.Hour})
	defer shutdownLoader(t, loader)

	ctx := context.Background()
	_, err := loader.Acquire(ctx, "a")
	require.NoError(t, err)

	// "a" still holds a reference, so nothing can be evicted for "b".
	_, err = loader.Acquire(ctx, "b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrBudgetExceeded))
}

func TestLoaderEvictsIdleModulesForBudget(t *testing.T) {
	provider := newFakeProvider(map[string]int64{"a": 60, "b": 60})
	loader := NewLoader(provider, LoaderConfig{BudgetBytes: 100, GracePeriod: time.Hour})
	defer shutdownLoader(t, loader)

	ctx := context.Background()
	_, err := loader.Acquire(ctx, "a")
	require.NoError(t, err)
	loader.Release("a")

	m, err := loader.Acquire(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", m.ID)

	stats := loader.Stats()
	assert.Equal(t, 1, stats.Resident, "idle module evicted to make room")
	assert.Equal(t, int64(60), stats.ResidentBytes)

	require.Eventually(t, func() bool {
		return provider.unloadCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestLoaderGraceUnloadsIdleModule(t *testing.T) {
	provider := newFakeProvider(map[string]int64{"a": 10})
	loader := NewLoader(provider, LoaderConfig{GracePeriod: 20 * time.Millisecond})
	defer shutdownLoader(t, loader)

	_, err := loader.Acquire(context.Background(), "a")
	require.NoError(t, err)
	loader.Release("a")

	require.Eventually(t, func() bool {
		return loader.Stats().Resident == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, provider.unloadCount())
}

func TestLoaderReacquireWithinGraceKeepsModule(t *testing.T) {
	provider := newFakeProvider(map[string]int64{"a": 10})
	loader := NewLoader(provider, LoaderConfig{GracePeriod: 30 * time.Millisecond})
	defer shutdownLoader(t, loader)

	ctx := context.Background()
	_, err := loader.Acquire(ctx, "a")
	require.NoError(t, err)
	loader.Release("a")

	_, err = loader.Acquire(ctx, "a")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	assert.Equal(t, 1, loader.Stats().Resident, "re-acquire cancels the pending grace expiry")
	assert.Equal(t, 1, provider.loadCount())
	assert.Equal(t, 0, provider.unloadCount())
}

func TestLoaderLoadFailureWrapsAndClearsEntry(t *testing.T) {
	provider := newFakeProvider(map[string]int64{"flaky": 10})
	provider.failLoad["flaky"] = errors.New("checksum mismatch")

	loader := NewLoader(provider, LoaderConfig{GracePeriod: time.Hour})
	defer shutdownLoader(t, loader)

	ctx := context.Background()
	_, err := loader.Acquire(ctx, "flaky")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrModuleLoadFailed))

	// The failed entry must not wedge future acquires.
	provider.mu.Lock()
	delete(provider.failLoad, "flaky")
	provider.mu.Unlock()

	m, err := loader.Acquire(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, "flaky", m.ID)
	assert.Equal(t, 2, provider.loadCount())
}

func TestLoaderShutdownRejectsFurtherAcquires(t *testing.T) {
	provider := newFakeProvider(map[string]int64{"a": 10})
	loader := NewLoader(provider, LoaderConfig{GracePeriod: time.Hour})

	_, err := loader.Acquire(context.Background(), "a")
	require.NoError(t, err)

	shutdownLoader(t, loader)

	_, err = loader.Acquire(context.Background(), "a")
	assert.True(t, errors.Is(err, ErrLoaderClosed))
	assert.Equal(t, 1, provider.unloadCount())
}

func TestLoaderAcquireReleaseKeepsOccupancyConsistent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ids := []string{"a", "b", "c"}
		provider := newFakeProvider(map[string]int64{"a": 10, "b": 20, "c": 30})
		loader := NewLoader(provider, LoaderConfig{GracePeriod: time.Hour})
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = loader.Shutdown(ctx)
		}()

		acquired := make(map[string]int)
		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			id := rapid.SampledFrom(ids).Draw(t, "id")
			if rapid.Bool().Draw(t, "acquire") || acquired[id] == 0 {
				_, err := loader.Acquire(context.Background(), id)
				require.NoError(t, err)
				acquired[id]++
			} else {
				loader.Release(id)
				acquired[id]--
			}
		}

		// With an hour of grace, everything ever loaded stays resident.
		wantResident := 0
		var wantBytes int64
		sizes := map[string]int64{"a": 10, "b": 20, "c": 30}
		for id := range acquired {
			wantResident++
			wantBytes += sizes[id]
		}

		stats := loader.Stats()
		assert.Equal(t, wantResident, stats.Resident)
		assert.Equal(t, wantBytes, stats.ResidentBytes)
	})
}

func TestStaticProviderCatalog(t *testing.T) {
	provider := NewStaticProvider([]StaticModule{
		{ID: "zeta", SizeBytes: 10},
		{ID: "alpha", SizeBytes: 20},
	})

	assert.Equal(t, []string{"alpha", "zeta"}, provider.Catalog())

	m, err := provider.Load(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(20), m.SizeBytes)

	_, err = provider.Load(context.Background(), "missing")
	assert.True(t, errors.Is(err, domain.ErrModuleLoadFailed))

	_, err = provider.EstimateSize("missing")
	assert.True(t, errors.Is(err, domain.ErrModuleLoadFailed))
}
