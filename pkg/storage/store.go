package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cascata/cascata/pkg/domain"
)

// SchemaVersion is the current descriptor envelope version. Stored records
// carry their version explicitly so older engines can refuse records they do
// not understand instead of misreading them.
const SchemaVersion = 1

// PlaybookStore is the lookup surface the orchestration loop depends on.
type PlaybookStore interface {
	// Get resolves the descriptor for a fingerprint. A fingerprint with no
	// record returns domain.ErrLookupMiss; a persistent tier that stays
	// unreachable after governed retries returns domain.ErrStoreUnavailable.
	Get(ctx context.Context, fp domain.Fingerprint) (*domain.PlaybookDescriptor, error)

	// Put writes the descriptor through to the persistent tier and refreshes
	// the warm tier.
	Put(ctx context.Context, fp domain.Fingerprint, desc *domain.PlaybookDescriptor) error

	// Invalidate removes a fingerprint from the warm tier only. The persistent
	// record stays intact and the next Get repopulates the cache.
	Invalidate(fp domain.Fingerprint)

	// Delete removes the record from both tiers.
	Delete(ctx context.Context, fp domain.Fingerprint) error

	// ForEach visits every persisted record. Used at startup to rebuild the
	// cascade graph and by administrative listings.
	ForEach(ctx context.Context, fn func(domain.Fingerprint, *domain.PlaybookDescriptor) error) error

	Close() error
}

// Backend is the persistent tier beneath the warm cache.
type Backend interface {
	Get(ctx context.Context, fp domain.Fingerprint) (*domain.PlaybookDescriptor, error)
	Put(ctx context.Context, fp domain.Fingerprint, desc *domain.PlaybookDescriptor) error
	Delete(ctx context.Context, fp domain.Fingerprint) error
	ForEach(ctx context.Context, fn func(domain.Fingerprint, *domain.PlaybookDescriptor) error) error
	Close() error
}

// envelope is the versioned on-disk record format.
type envelope struct {
	SchemaVersion int                        `json:"schema_version"`
	Descriptor    *domain.PlaybookDescriptor `json:"descriptor"`
}

func encodeDescriptor(desc *domain.PlaybookDescriptor) ([]byte, error) {
	data, err := json.Marshal(envelope{SchemaVersion: SchemaVersion, Descriptor: desc})
	if err != nil {
		return nil, fmt.Errorf("encode descriptor %q: %w", desc.ID, err)
	}
	return data, nil
}

func decodeDescriptor(data []byte) (*domain.PlaybookDescriptor, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode descriptor envelope: %w", err)
	}
	if env.SchemaVersion < 1 || env.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("unsupported descriptor schema version %d", env.SchemaVersion)
	}
	if env.Descriptor == nil {
		return nil, fmt.Errorf("descriptor envelope missing payload")
	}
	return env.Descriptor, nil
}
