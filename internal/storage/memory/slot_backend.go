package memory

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/AltairaLabs/nma-pipeline/internal/storage"
)

var errBackendClosed = errors.New("slot backend is closed")

// SlotBackend implements storage.SlotBackend in process memory. It keeps
// the latest record per slot and does not survive a restart of the process,
// but it does survive a reopen of a store over the same backend.
type SlotBackend struct {
	mu      sync.RWMutex
	records map[string]storage.SlotRecord
	closed  bool
}

// NewSlotBackend creates an empty in-memory slot backend
func NewSlotBackend() *SlotBackend {
	return &SlotBackend{records: make(map[string]storage.SlotRecord)}
}

// LoadAll returns copies of every stored record
func (b *SlotBackend) LoadAll(ctx context.Context) ([]storage.SlotRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, errBackendClosed
	}

	out := make([]storage.SlotRecord, 0, len(b.records))
	for _, r := range b.records {
		r.Value = bytes.Clone(r.Value)
		out = append(out, r)
	}
	return out, nil
}

// WriteBatch stores every record under one lock
func (b *SlotBackend) WriteBatch(ctx context.Context, records []storage.SlotRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errBackendClosed
	}
	for _, r := range records {
		r.Value = bytes.Clone(r.Value)
		b.records[string(r.Name)] = r
	}
	return nil
}

// Reopen clears the closed flag so a new store can load the same records
func (b *SlotBackend) Reopen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = false
}

// Close marks the backend closed; records are kept for Reopen
func (b *SlotBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
