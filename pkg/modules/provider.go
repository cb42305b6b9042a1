package modules

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cascata/cascata/pkg/domain"
)

// Module is a loaded resident resource. Payload is provider-specific; the
// loader only tracks identity and size.
type Module struct {
	ID        string
	SizeBytes int64
	Payload   any
}

// Provider supplies the actual module resources. Implementations must be safe
// for concurrent use; the loader may run Load and Unload for different module
// IDs at the same time, but never concurrently for the same ID.
type Provider interface {
	// Load materialises the module. A missing or corrupt resource returns an
	// error wrapping domain.ErrModuleLoadFailed.
	Load(ctx context.Context, id string) (*Module, error)

	// Unload releases the module's resources.
	Unload(ctx context.Context, m *Module) error

	// EstimateSize returns the expected resident size before loading, so the
	// budget can be checked without paying the load cost first.
	EstimateSize(id string) (int64, error)
}

// StaticModule describes one module served by a StaticProvider.
type StaticModule struct {
	ID        string `json:"id" yaml:"id" validate:"required"`
	SizeBytes int64  `json:"size_bytes" yaml:"size_bytes" validate:"gt=0"`
}

// StaticProvider serves a fixed catalog of modules declared in configuration.
// The payload is the catalog entry itself; runners that need real resources
// swap in a different Provider without touching the loader.
type StaticProvider struct {
	mu      sync.RWMutex
	catalog map[string]StaticModule
}

// NewStaticProvider builds a provider from a module catalog.
func NewStaticProvider(catalog []StaticModule) *StaticProvider {
	byID := make(map[string]StaticModule, len(catalog))
	for _, m := range catalog {
		byID[m.ID] = m
	}
	return &StaticProvider{catalog: byID}
}

// Load returns the catalog entry as a resident module.
func (p *StaticProvider) Load(ctx context.Context, id string) (*Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	entry, ok := p.catalog[id]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: module %q not in catalog", domain.ErrModuleLoadFailed, id)
	}
	return &Module{ID: entry.ID, SizeBytes: entry.SizeBytes, Payload: entry}, nil
}

// Unload is a no-op for catalog modules.
func (p *StaticProvider) Unload(ctx context.Context, m *Module) error {
	return ctx.Err()
}

// EstimateSize returns the declared size from the catalog.
func (p *StaticProvider) EstimateSize(id string) (int64, error) {
	p.mu.RLock()
	entry, ok := p.catalog[id]
	p.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: module %q not in catalog", domain.ErrModuleLoadFailed, id)
	}
	return entry.SizeBytes, nil
}

// Catalog lists the known module IDs in sorted order.
func (p *StaticProvider) Catalog() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.catalog))
	for id := range p.catalog {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
