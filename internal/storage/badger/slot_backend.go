package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/AltairaLabs/nma-pipeline/internal/storage"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

// SlotBackend persists one session's slots in a shared DB. Keys are
// "session/<id>/slot/<name>", values are JSON-encoded storage.SlotRecord.
type SlotBackend struct {
	db     *DB
	prefix []byte
}

// NewSlotBackend returns the backend for a session. Closing it does not
// close the shared DB.
func NewSlotBackend(db *DB, sessionID string) *SlotBackend {
	return &SlotBackend{
		db:     db,
		prefix: []byte("session/" + sessionID + "/slot/"),
	}
}

func (b *SlotBackend) key(name types.SlotName) []byte {
	k := make([]byte, 0, len(b.prefix)+len(name))
	k = append(k, b.prefix...)
	return append(k, string(name)...)
}

// LoadAll reads every slot record of the session
func (b *SlotBackend) LoadAll(ctx context.Context) ([]storage.SlotRecord, error) {
	var records []storage.SlotRecord

	err := b.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = b.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var rec storage.SlotRecord
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode slot %s: %w",
					strings.TrimPrefix(string(item.Key()), string(b.prefix)), err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	return records, nil
}

// WriteBatch commits all records in one transaction
func (b *SlotBackend) WriteBatch(ctx context.Context, records []storage.SlotRecord) error {
	err := b.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, rec := range records {
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encode slot %s: %w", rec.Name, err)
			}
			if err := txn.Set(b.key(rec.Name), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write slots: %w", err)
	}
	return nil
}

// Delete removes every slot of the session
func (b *SlotBackend) Delete(ctx context.Context) error {
	if err := b.db.DropPrefix(b.prefix); err != nil {
		return fmt.Errorf("drop session slots: %w", err)
	}
	return nil
}

// Close is a no-op; the shared DB is closed by its owner
func (b *SlotBackend) Close() error {
	return nil
}
