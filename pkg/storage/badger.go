package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/cascata/cascata/pkg/domain"
)

// BadgerBackend persists descriptor envelopes in a Badger database keyed by
// the raw 48-byte fingerprint.
type BadgerBackend struct {
	db     *badger.DB
	logger *slog.Logger
}

// BadgerConfig controls how the persistent tier is opened.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory runs the database without touching disk. Used by tests and by
	// deployments that treat the store as a rebuildable projection.
	InMemory bool
	Logger   *slog.Logger
}

// OpenBadger opens or creates the persistent tier.
func OpenBadger(cfg BadgerConfig) (*BadgerBackend, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open playbook database: %w", err)
	}

	logger.Info("playbook database opened", "path", cfg.Path, "in_memory", cfg.InMemory)
	return &BadgerBackend{db: db, logger: logger}, nil
}

// Get reads a single descriptor. A missing key maps to domain.ErrLookupMiss.
func (b *BadgerBackend) Get(ctx context.Context, fp domain.Fingerprint) (*domain.PlaybookDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var desc *domain.PlaybookDescriptor
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(fp.Bytes())
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := decodeDescriptor(val)
			if err != nil {
				return err
			}
			desc = decoded
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domain.ErrLookupMiss
	}
	if err != nil {
		return nil, fmt.Errorf("read fingerprint %s: %w", fp, err)
	}
	return desc, nil
}

// Put writes a descriptor envelope under the fingerprint key.
func (b *BadgerBackend) Put(ctx context.Context, fp domain.Fingerprint, desc *domain.PlaybookDescriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := encodeDescriptor(desc)
	if err != nil {
		return err
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(fp.Bytes(), data)
	})
	if err != nil {
		return fmt.Errorf("write fingerprint %s: %w", fp, err)
	}
	return nil
}

// Delete removes the record for a fingerprint. Deleting an absent key is not
// an error.
func (b *BadgerBackend) Delete(ctx context.Context, fp domain.Fingerprint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(fp.Bytes())
	})
	if err != nil {
		return fmt.Errorf("delete fingerprint %s: %w", fp, err)
	}
	return nil
}

// ForEach iterates every stored record in key order. Records with a key of the
// wrong width or an undecodable envelope are skipped with a warning rather
// than aborting the scan.
func (b *BadgerBackend) ForEach(ctx context.Context, fn func(domain.Fingerprint, *domain.PlaybookDescriptor) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			fp, err := domain.FingerprintFromBytes(item.Key())
			if err != nil {
				b.logger.Warn("skipping record with malformed key", "error", err)
				continue
			}

			var desc *domain.PlaybookDescriptor
			err = item.Value(func(val []byte) error {
				decoded, err := decodeDescriptor(val)
				if err != nil {
					return err
				}
				desc = decoded
				return nil
			})
			if err != nil {
				b.logger.Warn("skipping undecodable record", "fingerprint", fp.String(), "error", err)
				continue
			}

			if err := fn(fp, desc); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close flushes and closes the database.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
