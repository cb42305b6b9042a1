package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cascata/cascata/internal/governance"
	"github.com/cascata/cascata/pkg/domain"
	"github.com/cascata/cascata/pkg/telemetry"
)

// DefaultCacheSize bounds the warm tier when no size is configured.
const DefaultCacheSize = 4096

type cacheEntry struct {
	desc     *domain.PlaybookDescriptor
	storedAt time.Time
}

// TieredConfig assembles a TieredStore.
type TieredConfig struct {
	// CacheSize is the maximum number of warm-tier entries.
	CacheSize int
	Retry     governance.RetryConfig
	Breaker   governance.CircuitBreakerConfig
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger
	// Clock overrides time.Now for TTL checks in tests.
	Clock func() time.Time
}

// TieredStore layers a bounded LRU over a persistent Backend. Reads prefer the
// warm tier; cold reads run under retry and circuit breaker governance and
// populate the cache on success. TTL is enforced at read time: an expired warm
// entry is dropped and the lookup falls through to the persistent tier.
type TieredStore struct {
	backend Backend
	cache   *lru.Cache[domain.Fingerprint, cacheEntry]
	retry   *governance.RetryPolicy
	breaker *governance.CircuitBreaker
	metrics *telemetry.Metrics
	logger  *slog.Logger
	clock   func() time.Time
}

// NewTieredStore wraps a backend with the warm tier and read governance.
func NewTieredStore(backend Backend, cfg TieredConfig) (*TieredStore, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Retry == (governance.RetryConfig{}) {
		cfg.Retry = governance.DefaultRetryConfig()
	}
	if cfg.Breaker == (governance.CircuitBreakerConfig{}) {
		cfg.Breaker = governance.DefaultCircuitBreakerConfig()
	}

	cache, err := lru.New[domain.Fingerprint, cacheEntry](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create warm tier: %w", err)
	}

	return &TieredStore{
		backend: backend,
		cache:   cache,
		retry:   governance.NewRetryPolicy(cfg.Retry),
		breaker: governance.NewCircuitBreaker(cfg.Breaker),
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
	}, nil
}

// Get resolves a fingerprint through the warm tier first. A transient backend
// failure is retried with backoff; if the backend stays unreachable the call
// returns domain.ErrStoreUnavailable and the warm tier is left untouched.
func (s *TieredStore) Get(ctx context.Context, fp domain.Fingerprint) (*domain.PlaybookDescriptor, error) {
	if entry, ok := s.cache.Get(fp); ok {
		ttl := entry.desc.TTL()
		if ttl == 0 || s.clock().Sub(entry.storedAt) < ttl {
			if s.metrics != nil {
				s.metrics.RecordCacheHit()
			}
			return entry.desc, nil
		}
		s.cache.Remove(fp)
	}
	if s.metrics != nil {
		s.metrics.RecordCacheMiss()
	}

	desc, err := s.coldRead(ctx, fp)
	if err != nil {
		return nil, err
	}

	s.cache.Add(fp, cacheEntry{desc: desc, storedAt: s.clock()})
	return desc, nil
}

// coldRead hits the persistent tier under the retry policy and circuit
// breaker. A miss completes the breaker call successfully so absent keys never
// trip the circuit.
func (s *TieredStore) coldRead(ctx context.Context, fp domain.Fingerprint) (*domain.PlaybookDescriptor, error) {
	var (
		desc   *domain.PlaybookDescriptor
		missed bool
	)

	attempt := func(ctx context.Context) error {
		d, err := s.backend.Get(ctx, fp)
		switch {
		case errors.Is(err, domain.ErrLookupMiss):
			missed = true
			return nil
		case err != nil:
			return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
		desc = d
		missed = false
		return nil
	}

	err := s.retry.Execute(ctx, func(ctx context.Context) error {
		return s.breaker.Execute(ctx, attempt)
	}, func(err error) bool {
		return errors.Is(err, domain.ErrStoreUnavailable)
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordColdRead("error")
			s.metrics.RecordStoreUnavailable()
		}
		s.logger.Warn("persistent tier unreachable", "fingerprint", fp.String(), "error", err)
		if errors.Is(err, governance.ErrCircuitOpen) || errors.Is(err, governance.ErrMaxRetriesExceeded) {
			return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
		return nil, err
	}

	if missed {
		if s.metrics != nil {
			s.metrics.RecordColdRead("miss")
		}
		return nil, domain.ErrLookupMiss
	}

	if s.metrics != nil {
		s.metrics.RecordColdRead("hit")
	}
	return desc, nil
}

// Put writes through to the persistent tier and refreshes the warm tier only
// after the durable write succeeds.
func (s *TieredStore) Put(ctx context.Context, fp domain.Fingerprint, desc *domain.PlaybookDescriptor) error {
	if err := s.backend.Put(ctx, fp, desc); err != nil {
		return err
	}
	s.cache.Add(fp, cacheEntry{desc: desc, storedAt: s.clock()})
	return nil
}

// Invalidate drops the warm-tier entry for a fingerprint. The persistent
// record is untouched.
func (s *TieredStore) Invalidate(fp domain.Fingerprint) {
	s.cache.Remove(fp)
}

// Delete removes the record from both tiers.
func (s *TieredStore) Delete(ctx context.Context, fp domain.Fingerprint) error {
	if err := s.backend.Delete(ctx, fp); err != nil {
		return err
	}
	s.cache.Remove(fp)
	return nil
}

// ForEach delegates to the persistent tier.
func (s *TieredStore) ForEach(ctx context.Context, fn func(domain.Fingerprint, *domain.PlaybookDescriptor) error) error {
	return s.backend.ForEach(ctx, fn)
}

// BreakerState exposes the cold-read breaker state for health reporting.
func (s *TieredStore) BreakerState() governance.CircuitBreakerState {
	return s.breaker.State()
}

// Close purges the warm tier and closes the backend.
func (s *TieredStore) Close() error {
	s.cache.Purge()
	return s.backend.Close()
}
