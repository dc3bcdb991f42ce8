package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/AltairaLabs/nma-pipeline/internal/storage"
)

var (
	errSessionNil      = errors.New("session cannot be nil")
	errSessionNotFound = errors.New("session not found")
)

type sessionEntry struct {
	record   storage.SessionRecord
	sequence uint64 // last issued task sequence number
}

// SessionStateStorage implements storage.SessionStateStorage using in-memory maps
type SessionStateStorage struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
	now      func() time.Time
}

// NewSessionStateStorage creates a new in-memory session state storage
func NewSessionStateStorage() *SessionStateStorage {
	return &SessionStateStorage{
		sessions: make(map[string]*sessionEntry),
		now:      time.Now,
	}
}

// withSession runs fn on an existing session under the write lock
func (s *SessionStateStorage) withSession(sessionID string, fn func(e *sessionEntry)) error {
	if sessionID == "" {
		return errSessionIDEmpty
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return errSessionNotFound
	}
	fn(e)
	return nil
}

// CreateSession stores a new session record
func (s *SessionStateStorage) CreateSession(ctx context.Context, session *storage.SessionRecord) error {
	switch {
	case session == nil:
		return errSessionNil
	case session.ID == "":
		return errSessionIDEmpty
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session with ID %s already exists", session.ID)
	}
	s.sessions[session.ID] = &sessionEntry{record: *session}
	return nil
}

// GetSession returns a copy of the session record, or nil if it is unknown
func (s *SessionStateStorage) GetSession(ctx context.Context, sessionID string) (*storage.SessionRecord, error) {
	if sessionID == "" {
		return nil, errSessionIDEmpty
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	rec := e.record
	return &rec, nil
}

// DeleteSession removes a session and its sequencing state (idempotent)
func (s *SessionStateStorage) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errSessionIDEmpty
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// ListSessions returns all sessions ordered by creation time
func (s *SessionStateStorage) ListSessions(ctx context.Context) ([]*storage.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.SessionRecord, 0, len(s.sessions))
	for _, e := range s.sessions {
		rec := e.record
		out = append(out, &rec)
	}
	slices.SortFunc(out, func(a, b *storage.SessionRecord) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// UpdateSessionActivity stamps the session's LastActivity
func (s *SessionStateStorage) UpdateSessionActivity(ctx context.Context, sessionID string) error {
	return s.withSession(sessionID, func(e *sessionEntry) {
		e.record.LastActivity = s.now()
	})
}

// GetNextSequence increments and returns the session's task sequence number
func (s *SessionStateStorage) GetNextSequence(ctx context.Context, sessionID string) (uint64, error) {
	var seq uint64
	err := s.withSession(sessionID, func(e *sessionEntry) {
		e.sequence++
		seq = e.sequence
	})
	return seq, err
}
