package modules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cascata/cascata/pkg/domain"
	"github.com/cascata/cascata/pkg/telemetry"
)

// ErrLoaderClosed is returned by Acquire after Shutdown.
var ErrLoaderClosed = errors.New("module loader closed")

// Default loader tuning.
const (
	DefaultGracePeriod = 30 * time.Second
	DefaultLoadTimeout = 30 * time.Second
)

// LoaderConfig tunes the loader.
type LoaderConfig struct {
	// BudgetBytes caps total resident module bytes. Zero disables the cap.
	BudgetBytes int64
	// GracePeriod is how long a zero-reference module stays resident before it
	// is unloaded, so bursty reuse avoids reload churn.
	GracePeriod time.Duration
	// LoadTimeout bounds a single provider load.
	LoadTimeout time.Duration
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
}

// Stats is a point-in-time snapshot of loader occupancy.
type Stats struct {
	Resident      int
	ResidentBytes int64
}

type acquireResult struct {
	module *Module
	err    error
}

type command interface{ isCommand() }

type acquireCmd struct {
	id    string
	reply chan acquireResult
}

type releaseCmd struct{ id string }

type loadDoneCmd struct {
	id     string
	module *Module
	err    error
}

type graceCmd struct {
	id  string
	gen int
}

type statsCmd struct{ reply chan Stats }

type shutdownCmd struct{ reply chan struct{} }

func (acquireCmd) isCommand()  {}
func (releaseCmd) isCommand()  {}
func (loadDoneCmd) isCommand() {}
func (graceCmd) isCommand()    {}
func (statsCmd) isCommand()    {}
func (shutdownCmd) isCommand() {}

// entry is the loader-private state per module. Only the owner goroutine
// touches it.
type entry struct {
	module       *Module
	estimate     int64
	refs         int
	loading      bool
	waiters      []chan acquireResult
	lastReleased time.Time
	graceGen     int
}

// Loader serialises module lifecycle through a single owner goroutine. All
// exported methods are safe for concurrent use.
type Loader struct {
	provider Provider
	config   LoaderConfig
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	cmds chan command
	done chan struct{}

	// owner-goroutine state
	entries   map[string]*entry
	usedBytes int64 // resident bytes plus in-flight load reservations
}

// NewLoader starts the loader's owner goroutine.
func NewLoader(provider Provider, cfg LoaderConfig) *Loader {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	l := &Loader{
		provider: provider,
		config:   cfg,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		cmds:     make(chan command),
		done:     make(chan struct{}),
		entries:  make(map[string]*entry),
	}
	go l.run()
	return l
}

// Acquire returns the resident module for id, loading it first if needed.
// Concurrent acquires of a loading module share the single load. The returned
// module stays resident until the caller's matching Release plus the grace
// period have both passed.
func (l *Loader) Acquire(ctx context.Context, id string) (*Module, error) {
	reply := make(chan acquireResult, 1)
	if !l.send(acquireCmd{id: id, reply: reply}) {
		return nil, ErrLoaderClosed
	}

	select {
	case res := <-reply:
		telemetry.RecordModuleAcquire(ctx, id, acquireOutcome(res.err))
		return res.module, res.err
	case <-ctx.Done():
		// The command is already in flight; if the load still completes the
		// reference must be handed back so the count stays balanced.
		go func() {
			if res := <-reply; res.err == nil {
				l.Release(id)
			}
		}()
		telemetry.RecordModuleAcquire(ctx, id, "cancelled")
		return nil, ctx.Err()
	}
}

// Release drops one reference. The module becomes unloadable once its count
// reaches zero and the grace period elapses without a re-acquire.
func (l *Loader) Release(id string) {
	l.send(releaseCmd{id: id})
}

// Stats reports current occupancy.
func (l *Loader) Stats() Stats {
	reply := make(chan Stats, 1)
	if !l.send(statsCmd{reply: reply}) {
		return Stats{}
	}
	select {
	case s := <-reply:
		return s
	case <-l.done:
		return Stats{}
	}
}

// Shutdown unloads every resident module and stops the owner goroutine.
// Pending acquires fail with ErrLoaderClosed.
func (l *Loader) Shutdown(ctx context.Context) error {
	reply := make(chan struct{})
	if !l.send(shutdownCmd{reply: reply}) {
		return nil
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loader) send(c command) bool {
	select {
	case l.cmds <- c:
		return true
	case <-l.done:
		return false
	}
}

func (l *Loader) run() {
	for cmd := range l.cmds {
		switch c := cmd.(type) {
		case acquireCmd:
			l.handleAcquire(c)
		case releaseCmd:
			l.handleRelease(c.id)
		case loadDoneCmd:
			l.handleLoadDone(c)
		case graceCmd:
			l.handleGrace(c)
		case statsCmd:
			c.reply <- l.stats()
		case shutdownCmd:
			l.handleShutdown()
			close(c.reply)
			return
		}
	}
}

func (l *Loader) handleAcquire(c acquireCmd) {
	if e, ok := l.entries[c.id]; ok {
		if e.loading {
			e.waiters = append(e.waiters, c.reply)
			return
		}
		e.refs++
		e.graceGen++ // cancel any pending grace expiry
		c.reply <- acquireResult{module: e.module}
		return
	}

	estimate, err := l.provider.EstimateSize(c.id)
	if err != nil {
		c.reply <- acquireResult{err: err}
		return
	}

	if !l.reserveBudget(estimate) {
		if l.metrics != nil {
			l.metrics.RecordBudgetRejection()
		}
		l.logger.Warn("module rejected by resident budget",
			"module", c.id, "estimate_bytes", estimate, "used_bytes", l.usedBytes, "budget_bytes", l.config.BudgetBytes)
		c.reply <- acquireResult{err: fmt.Errorf("%w: module %q needs %d bytes", domain.ErrBudgetExceeded, c.id, estimate)}
		return
	}

	l.entries[c.id] = &entry{
		loading:  true,
		estimate: estimate,
		waiters:  []chan acquireResult{c.reply},
	}
	l.usedBytes += estimate

	go func(id string) {
		ctx, cancel := context.WithTimeout(context.Background(), l.config.LoadTimeout)
		defer cancel()
		m, err := l.provider.Load(ctx, id)
		l.send(loadDoneCmd{id: id, module: m, err: err})
	}(c.id)
}

func (l *Loader) handleLoadDone(c loadDoneCmd) {
	e, ok := l.entries[c.id]
	if !ok {
		return
	}

	l.usedBytes -= e.estimate
	waiters := e.waiters
	e.waiters = nil

	if c.err != nil {
		delete(l.entries, c.id)
		if l.metrics != nil {
			l.metrics.RecordModuleLoad("error")
		}
		l.logger.Error("module load failed", "module", c.id, "error", c.err)
		err := c.err
		if !errors.Is(err, domain.ErrModuleLoadFailed) {
			err = fmt.Errorf("%w: %v", domain.ErrModuleLoadFailed, err)
		}
		for _, w := range waiters {
			w <- acquireResult{err: err}
		}
		l.publishOccupancy()
		return
	}

	e.module = c.module
	e.loading = false
	e.refs = len(waiters)
	l.usedBytes += c.module.SizeBytes

	if l.metrics != nil {
		l.metrics.RecordModuleLoad("ok")
	}
	l.logger.Debug("module loaded", "module", c.id, "size_bytes", c.module.SizeBytes, "waiters", len(waiters))

	for _, w := range waiters {
		w <- acquireResult{module: c.module}
	}
	l.publishOccupancy()
}

func (l *Loader) handleRelease(id string) {
	e, ok := l.entries[id]
	if !ok || e.loading || e.refs == 0 {
		return
	}

	e.refs--
	if e.refs > 0 {
		return
	}

	e.lastReleased = time.Now()
	e.graceGen++
	gen := e.graceGen
	time.AfterFunc(l.config.GracePeriod, func() {
		l.send(graceCmd{id: id, gen: gen})
	})
}

func (l *Loader) handleGrace(c graceCmd) {
	e, ok := l.entries[c.id]
	if !ok || e.loading || e.refs > 0 || e.graceGen != c.gen {
		return
	}
	l.unload(c.id, e, "idle")
	l.publishOccupancy()
}

// reserveBudget reports whether sizeBytes fits under the budget, evicting
// zero-reference modules in least-recently-released order to make room.
func (l *Loader) reserveBudget(sizeBytes int64) bool {
	if l.config.BudgetBytes <= 0 {
		return true
	}
	if l.usedBytes+sizeBytes <= l.config.BudgetBytes {
		return true
	}

	type idle struct {
		id string
		e  *entry
	}
	var candidates []idle
	for id, e := range l.entries {
		if !e.loading && e.refs == 0 {
			candidates = append(candidates, idle{id: id, e: e})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].e.lastReleased.Before(candidates[j].e.lastReleased)
	})

	for _, cand := range candidates {
		if l.usedBytes+sizeBytes <= l.config.BudgetBytes {
			break
		}
		l.unload(cand.id, cand.e, "evicted")
		if l.metrics != nil {
			l.metrics.RecordModuleEviction()
		}
	}
	l.publishOccupancy()

	return l.usedBytes+sizeBytes <= l.config.BudgetBytes
}

func (l *Loader) unload(id string, e *entry, reason string) {
	delete(l.entries, id)
	l.usedBytes -= e.module.SizeBytes
	if l.metrics != nil {
		l.metrics.RecordModuleUnload(reason)
	}
	l.logger.Debug("module unloaded", "module", id, "reason", reason)

	m := e.module
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), l.config.LoadTimeout)
		defer cancel()
		if err := l.provider.Unload(ctx, m); err != nil {
			l.logger.Warn("module unload failed", "module", m.ID, "error", err)
		}
	}()
}

func (l *Loader) handleShutdown() {
	for id, e := range l.entries {
		if e.loading {
			for _, w := range e.waiters {
				w <- acquireResult{err: ErrLoaderClosed}
			}
			l.usedBytes -= e.estimate
			delete(l.entries, id)
			continue
		}
		l.unload(id, e, "shutdown")
	}
	l.publishOccupancy()
	close(l.done)
}

func (l *Loader) stats() Stats {
	s := Stats{}
	for _, e := range l.entries {
		if e.module != nil {
			s.Resident++
			s.ResidentBytes += e.module.SizeBytes
		}
	}
	return s
}

func (l *Loader) publishOccupancy() {
	if l.metrics == nil {
		return
	}
	s := l.stats()
	l.metrics.SetResidentModules(s.Resident, s.ResidentBytes)
}

func acquireOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrBudgetExceeded):
		return "budget_exceeded"
	case errors.Is(err, ErrLoaderClosed):
		return "closed"
	default:
		return "load_failed"
	}
}
