// Package kvstore implements the versioned slot store backing a session.
// Every write bumps a store-wide counter, so per-slot versions strictly
// increase, also across restarts of the same backend.
package kvstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/AltairaLabs/nma-pipeline/internal/storage"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

var (
	// ErrUnknownSlot is returned when a slot is not part of the schema
	ErrUnknownSlot = errors.New("unknown slot")
	// ErrInvalidValue is returned when a value does not match its slot kind
	ErrInvalidValue = errors.New("invalid slot value")
	// ErrClosed is returned by writes after Close
	ErrClosed = errors.New("store is closed")
	// ErrConflict is returned by SetBatchIf when a guarded slot moved on
	ErrConflict = errors.New("slot version changed")
)

// Entry is a slot value read together with its version
type Entry struct {
	Value   types.Value
	Version types.Version
}

type slot struct {
	// wmu serializes writers so backend order matches version order
	wmu sync.Mutex
	// mu guards value and version
	mu      sync.RWMutex
	value   types.Value
	version types.Version
}

type subscriber struct {
	id uint64
	fn func(types.Version)
}

// Store is a versioned key-value store over a fixed schema
type Store struct {
	schema  *Schema
	backend storage.SlotBackend
	logger  *slog.Logger

	// slots is built once in Open and never mutated
	slots   map[types.SlotName]*slot
	counter atomic.Uint64
	closed  atomic.Bool

	subMu     sync.RWMutex
	subs      map[types.SlotName][]subscriber
	nextSubID uint64
}

// Open loads every persisted slot from backend and seeds the version counter
// with the highest persisted version
func Open(ctx context.Context, schema *Schema, backend storage.SlotBackend, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		schema:  schema,
		backend: backend,
		logger:  logger,
		slots:   make(map[types.SlotName]*slot, len(schema.names)),
		subs:    make(map[types.SlotName][]subscriber),
	}
	for _, name := range schema.names {
		s.slots[name] = &slot{}
	}

	records, err := backend.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var maxVersion types.Version
	for _, rec := range records {
		if rec.Version > maxVersion {
			maxVersion = rec.Version
		}
		sl, ok := s.slots[rec.Name]
		if !ok {
			logger.Warn("Ignoring persisted slot not in schema", "slot", rec.Name)
			continue
		}
		sl.value = rec.Value
		sl.version = rec.Version
	}
	s.counter.Store(uint64(maxVersion))

	logger.Debug("Store opened", "slots", len(records), "version", maxVersion)
	return s, nil
}

// Schema returns the store's schema
func (s *Store) Schema() *Schema {
	return s.schema
}

// CurrentVersion returns the highest version issued so far
func (s *Store) CurrentVersion() types.Version {
	return types.Version(s.counter.Load())
}

// Get returns a slot's value and version. Unset slots return the schema
// default with version 0; unknown slots return nil with version 0.
func (s *Store) Get(name types.SlotName) (types.Value, types.Version) {
	sl, ok := s.slots[name]
	if !ok {
		return nil, types.Unset
	}

	sl.mu.RLock()
	value, version := sl.value, sl.version
	sl.mu.RUnlock()

	if version == types.Unset || isNull(value) {
		return s.schema.Default(name), version
	}
	return bytes.Clone(value), version
}

// Version returns only the version of a slot
func (s *Store) Version(name types.SlotName) types.Version {
	sl, ok := s.slots[name]
	if !ok {
		return types.Unset
	}
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return sl.version
}

// Set writes one slot and returns its new version
func (s *Store) Set(ctx context.Context, name types.SlotName, value types.Value) (types.Version, error) {
	return s.SetBatch(ctx, map[types.SlotName]types.Value{name: value})
}

// SetBatch writes several slots atomically. All values are checked first,
// then persisted with one backend write, then applied under the slots'
// write locks in sorted order, then subscribers are notified. On any error
// nothing is applied. All slots in the batch share the returned version.
func (s *Store) SetBatch(ctx context.Context, values map[types.SlotName]types.Value) (types.Version, error) {
	return s.SetBatchIf(ctx, nil, values)
}

// SetBatchIf is SetBatch that only writes when every slot in expect is
// still at the given version. Guarded slots are write-locked together with
// the written ones, so no other writer can move them between the check
// and the write. A failed check returns ErrConflict and writes nothing.
func (s *Store) SetBatchIf(ctx context.Context, expect map[types.SlotName]types.Version, values map[types.SlotName]types.Value) (types.Version, error) {
	if s.closed.Load() {
		return types.Unset, ErrClosed
	}
	if len(values) == 0 {
		return s.CurrentVersion(), nil
	}

	names := make([]types.SlotName, 0, len(values))
	var errs []error
	for name, value := range values {
		spec, ok := s.schema.Lookup(name)
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownSlot, name))
			continue
		}
		if err := spec.Kind.Check(value); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %v", ErrInvalidValue, name, err))
			continue
		}
		names = append(names, name)
	}
	lockNames := append([]types.SlotName(nil), names...)
	for name := range expect {
		if _, ok := s.slots[name]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownSlot, name))
			continue
		}
		if _, written := values[name]; !written {
			lockNames = append(lockNames, name)
		}
	}
	if len(errs) > 0 {
		return types.Unset, errors.Join(errs...)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	sort.Slice(lockNames, func(i, j int) bool { return lockNames[i] < lockNames[j] })

	for _, name := range lockNames {
		s.slots[name].wmu.Lock()
	}
	unlockWriters := func() {
		for i := len(lockNames) - 1; i >= 0; i-- {
			s.slots[lockNames[i]].wmu.Unlock()
		}
	}

	for name, want := range expect {
		if got := s.Version(name); got != want {
			unlockWriters()
			return types.Unset, fmt.Errorf("%w: %s is at %d, expected %d", ErrConflict, name, got, want)
		}
	}

	version := types.Version(s.counter.Add(1))

	records := make([]storage.SlotRecord, len(names))
	for i, name := range names {
		records[i] = storage.SlotRecord{Name: name, Value: bytes.Clone(values[name]), Version: version}
	}
	if err := s.backend.WriteBatch(ctx, records); err != nil {
		unlockWriters()
		return types.Unset, fmt.Errorf("persist slots: %w", err)
	}

	locked := make([]*slot, len(names))
	for i, name := range names {
		locked[i] = s.slots[name]
		locked[i].mu.Lock()
	}
	for i, sl := range locked {
		sl.value = records[i].Value
		sl.version = version
	}
	for i := len(locked) - 1; i >= 0; i-- {
		locked[i].mu.Unlock()
	}
	unlockWriters()

	for _, name := range names {
		s.notify(name, version)
	}
	return version, nil
}

// Snapshot reads several slots consistently: no write is applied to any
// of them between the first and the last read. Unknown slots are omitted.
func (s *Store) Snapshot(names ...types.SlotName) map[types.SlotName]Entry {
	sorted := make([]types.SlotName, 0, len(names))
	seen := make(map[types.SlotName]bool, len(names))
	for _, name := range names {
		if _, ok := s.slots[name]; ok && !seen[name] {
			seen[name] = true
			sorted = append(sorted, name)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for _, name := range sorted {
		s.slots[name].mu.RLock()
	}
	out := make(map[types.SlotName]Entry, len(sorted))
	for _, name := range sorted {
		sl := s.slots[name]
		value := sl.value
		if sl.version == types.Unset || isNull(value) {
			value = s.schema.Default(name)
		} else {
			value = bytes.Clone(value)
		}
		out[name] = Entry{Value: value, Version: sl.version}
	}
	for i := len(sorted) - 1; i >= 0; i-- {
		s.slots[sorted[i]].mu.RUnlock()
	}
	return out
}

// SnapshotAll reads every slot of the schema consistently
func (s *Store) SnapshotAll() map[types.SlotName]Entry {
	return s.Snapshot(s.schema.names...)
}

// Subscribe registers fn to be called with the new version after every
// successful write of name. Callbacks run synchronously on the writer's
// goroutine after locks are released, so they must not block for long.
func (s *Store) Subscribe(name types.SlotName, fn func(types.Version)) (func(), error) {
	if _, ok := s.slots[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSlot, name)
	}

	s.subMu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[name] = append(s.subs[name], subscriber{id: id, fn: fn})
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			list := s.subs[name]
			for i, sub := range list {
				if sub.id == id {
					s.subs[name] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}, nil
}

func (s *Store) notify(name types.SlotName, version types.Version) {
	s.subMu.RLock()
	list := append([]subscriber(nil), s.subs[name]...)
	s.subMu.RUnlock()

	for _, sub := range list {
		sub.fn(version)
	}
}

// Close rejects further writes and closes the backend
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.backend.Close()
}

func isNull(v types.Value) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}
