package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/AltairaLabs/nma-pipeline/internal/analysis/mock"
	"github.com/AltairaLabs/nma-pipeline/internal/logging"
	"github.com/AltairaLabs/nma-pipeline/internal/session"
	"github.com/AltairaLabs/nma-pipeline/internal/storage/memory"
)

func newTestHost(t *testing.T) *Host {
	t.Helper()
	records := memory.NewSessionStateStorage()
	sessions := session.NewManager(records, session.MemoryBackends(), nil, logging.Discard())
	runner := NewRunner(mock.New(), 2)
	h := NewHost(sessions, func(string) Executor { return NewInlineExecutor(runner, 0) }, nil, nil, logging.Discard())
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestHostSessionsAreIsolated(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()

	a, err := h.Get(ctx, "")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if a.SessionID() == "" {
		t.Fatal("new session has no ID")
	}
	b, err := h.Get(ctx, "other")
	if err != nil {
		t.Fatalf("Get(other) error: %v", err)
	}

	upload(t, a, 1)
	waitIdle(t, a)
	if !a.IsReady() {
		t.Error("session a not ready")
	}
	if b.IsReady() || b.Store().CurrentVersion() != 0 {
		t.Error("upload to session a reached session b")
	}

	again, err := h.Get(ctx, a.SessionID())
	if err != nil {
		t.Fatalf("Get(a) error: %v", err)
	}
	if again != a {
		t.Error("Get() returned a different pipeline for the same session")
	}
	if len(h.Sessions()) != 2 {
		t.Errorf("Sessions() = %v, want 2", h.Sessions())
	}
}

func TestHostDelete(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()

	p, err := h.Get(ctx, "doomed")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	upload(t, p, 1)
	waitIdle(t, p)

	if err := h.Delete(ctx, "doomed"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if len(h.Sessions()) != 0 {
		t.Errorf("Sessions() = %v after delete", h.Sessions())
	}
}

func TestHostClosed(t *testing.T) {
	h := newTestHost(t)
	if err := h.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if _, err := h.Get(context.Background(), "late"); !errors.Is(err, session.ErrManagerClosed) {
		t.Errorf("Get() after Close error = %v, want ErrManagerClosed", err)
	}
}
