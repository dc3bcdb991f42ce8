// Package session maps session identifiers to their versioned stores.
// A session is created on first visit; its store outlives the process when
// the backend is durable.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AltairaLabs/nma-pipeline/internal/kvstore"
	"github.com/AltairaLabs/nma-pipeline/internal/storage"
	badgerstore "github.com/AltairaLabs/nma-pipeline/internal/storage/badger"
	"github.com/AltairaLabs/nma-pipeline/internal/storage/memory"
)

var (
	// ErrSessionNotFound is returned for IDs that were never created
	ErrSessionNotFound = errors.New("session not found")
	// ErrManagerClosed is returned after Close
	ErrManagerClosed = errors.New("session manager is closed")
)

// Session is one user's workspace: an identifier and exactly one store
type Session struct {
	ID        string
	CreatedAt time.Time
	Store     *kvstore.Store
}

// BackendFactory returns the slot backend of a session
type BackendFactory func(sessionID string) (storage.SlotBackend, error)

// MemoryBackends keeps one in-memory backend per session for the lifetime
// of the factory, so a session reopened in-process sees its earlier writes
func MemoryBackends() BackendFactory {
	var mu sync.Mutex
	backends := make(map[string]*memory.SlotBackend)
	return func(sessionID string) (storage.SlotBackend, error) {
		mu.Lock()
		defer mu.Unlock()
		b, ok := backends[sessionID]
		if !ok {
			b = memory.NewSlotBackend()
			backends[sessionID] = b
		}
		b.Reopen()
		return b, nil
	}
}

// BadgerBackends stores every session under its own key prefix in db
func BadgerBackends(db *badgerstore.DB) BackendFactory {
	return func(sessionID string) (storage.SlotBackend, error) {
		return badgerstore.NewSlotBackend(db, sessionID), nil
	}
}

// Manager creates, opens and tracks sessions
type Manager struct {
	records  storage.SessionStateStorage
	backends BackendFactory
	schema   *kvstore.Schema
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a session manager. A nil schema means the default schema.
func NewManager(records storage.SessionStateStorage, backends BackendFactory, schema *kvstore.Schema, logger *slog.Logger) *Manager {
	if schema == nil {
		schema = kvstore.DefaultSchema()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		records:  records,
		backends: backends,
		schema:   schema,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Create starts a new session with a fresh UUID
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	return m.GetOrCreate(ctx, uuid.NewString())
}

// Open returns a known session, opening its store if this process has not
// touched it yet
func (m *Manager) Open(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if s, ok := m.sessions[id]; ok {
		m.touch(ctx, id)
		return s, nil
	}

	rec, err := m.records.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s, err := m.openLocked(ctx, rec)
	if err != nil {
		return nil, err
	}
	m.touch(ctx, id)
	return s, nil
}

// GetOrCreate opens id, creating it on first visit. An empty id gets a new UUID.
func (m *Manager) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	s, err := m.Open(ctx, id)
	if err == nil || !errors.Is(err, ErrSessionNotFound) {
		return s, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}

	now := time.Now()
	rec := &storage.SessionRecord{ID: id, CreatedAt: now, LastActivity: now}
	if err := m.records.CreateSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create session %s: %w", id, err)
	}
	s, err = m.openLocked(ctx, rec)
	if err != nil {
		return nil, err
	}
	m.logger.Info("Session created", "session_id", id)
	return s, nil
}

func (m *Manager) openLocked(ctx context.Context, rec *storage.SessionRecord) (*Session, error) {
	backend, err := m.backends(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend for session %s: %w", rec.ID, err)
	}
	store, err := kvstore.Open(ctx, m.schema, backend, m.logger.With("session_id", rec.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to open store for session %s: %w", rec.ID, err)
	}
	s := &Session{ID: rec.ID, CreatedAt: rec.CreatedAt, Store: store}
	m.sessions[rec.ID] = s
	return s, nil
}

func (m *Manager) touch(ctx context.Context, id string) {
	if err := m.records.UpdateSessionActivity(ctx, id); err != nil {
		m.logger.Warn("Failed to update session activity", "session_id", id, "error", err)
	}
}

// Delete closes a session's store, drops its persisted slots when the
// backend supports it and removes the session record
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		if err := s.Store.Close(); err != nil {
			m.logger.Warn("Failed to close session store", "session_id", id, "error", err)
		}
	}

	backend, err := m.backends(id)
	if err == nil {
		if d, ok := backend.(interface{ Delete(context.Context) error }); ok {
			if err := d.Delete(ctx); err != nil {
				return fmt.Errorf("failed to delete slots of session %s: %w", id, err)
			}
		}
	}
	return m.records.DeleteSession(ctx, id)
}

// List returns the records of every known session
func (m *Manager) List(ctx context.Context) ([]*storage.SessionRecord, error) {
	return m.records.ListSessions(ctx)
}

// Loaded returns the sessions opened by this process
func (m *Manager) Loaded() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Close closes every open store
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	for id, s := range m.sessions {
		if err := s.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	m.sessions = make(map[string]*Session)
	return errors.Join(errs...)
}
