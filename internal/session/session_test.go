package session

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/AltairaLabs/nma-pipeline/internal/kvstore"
	badgerstore "github.com/AltairaLabs/nma-pipeline/internal/storage/badger"
	"github.com/AltairaLabs/nma-pipeline/internal/storage/memory"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

func newManager() *Manager {
	return NewManager(memory.NewSessionStateStorage(), MemoryBackends(), nil, nil)
}

func TestCreateAssignsUUID(t *testing.T) {
	m := newManager()
	defer m.Close()

	s, err := m.Create(context.Background())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := uuid.Parse(s.ID); err != nil {
		t.Errorf("session ID %q is not a UUID: %v", s.ID, err)
	}
	if s.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
	if s.Store == nil {
		t.Fatal("session has no store")
	}
}

func TestOpenUnknownSession(t *testing.T) {
	m := newManager()
	defer m.Close()

	_, err := m.Open(context.Background(), "missing")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Open() error = %v, want ErrSessionNotFound", err)
	}
}

func TestGetOrCreateReturnsSameSession(t *testing.T) {
	m := newManager()
	defer m.Close()
	ctx := context.Background()

	first, err := m.GetOrCreate(ctx, "s1")
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}
	second, err := m.GetOrCreate(ctx, "s1")
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}
	if first != second {
		t.Error("GetOrCreate returned a different session for the same ID")
	}

	records, err := m.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("List() returned %d records, want 1", len(records))
	}
}

func TestStoreSurvivesManagerRestart(t *testing.T) {
	ctx := context.Background()
	db, err := badgerstore.Open(badgerstore.InMemoryConfig())
	if err != nil {
		t.Fatalf("badger Open() error: %v", err)
	}
	defer db.Close()
	records := memory.NewSessionStateStorage()

	m := NewManager(records, BadgerBackends(db), nil, nil)
	s, err := m.GetOrCreate(ctx, "persist")
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}
	written, err := s.Store.Set(ctx, kvstore.SlotProjectTitle, types.MustEncode("Psoriasis"))
	if err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	restarted := NewManager(records, BadgerBackends(db), nil, nil)
	defer restarted.Close()
	s, err = restarted.Open(ctx, "persist")
	if err != nil {
		t.Fatalf("Open() after restart error: %v", err)
	}
	v, version := s.Store.Get(kvstore.SlotProjectTitle)
	if string(v) != `"Psoriasis"` || version != written {
		t.Errorf("Get() = %s@%d, want \"Psoriasis\"@%d", v, version, written)
	}
}

func TestDeleteDropsSession(t *testing.T) {
	m := newManager()
	defer m.Close()
	ctx := context.Background()

	s, err := m.Create(ctx)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := m.Delete(ctx, s.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := m.Open(ctx, s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Open() after Delete error = %v, want ErrSessionNotFound", err)
	}
	if len(m.Loaded()) != 0 {
		t.Error("deleted session still loaded")
	}
}

func TestClosedManager(t *testing.T) {
	m := newManager()
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if _, err := m.Create(context.Background()); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Create() after Close error = %v, want ErrManagerClosed", err)
	}
}
