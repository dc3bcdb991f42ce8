package memory

import (
	"context"
	"testing"
	"time"

	"github.com/AltairaLabs/nma-pipeline/internal/storage"
)

func TestNewSessionStateStorage(t *testing.T) {
	s := NewSessionStateStorage()
	if s == nil {
		t.Fatal("expected non-nil storage")
	}
	if s.sessions == nil {
		t.Error("sessions map should be initialized")
	}
}

func TestCreateSession(t *testing.T) {
	tests := []struct {
		name    string
		session *storage.SessionRecord
		wantErr bool
		errMsg  string
	}{
		{
			name:    "nil session",
			session: nil,
			wantErr: true,
			errMsg:  "session cannot be nil",
		},
		{
			name:    "empty session ID",
			session: &storage.SessionRecord{ID: ""},
			wantErr: true,
			errMsg:  "session ID cannot be empty",
		},
		{
			name: "valid session",
			session: &storage.SessionRecord{
				ID:        "session1",
				CreatedAt: time.Now(),
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSessionStateStorage()
			err := s.CreateSession(context.Background(), tt.session)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if err.Error() != tt.errMsg {
					t.Errorf("error = %q, want %q", err.Error(), tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestCreateSessionDuplicate(t *testing.T) {
	s := NewSessionStateStorage()
	ctx := context.Background()

	if err := s.CreateSession(ctx, &storage.SessionRecord{ID: "s1"}); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if err := s.CreateSession(ctx, &storage.SessionRecord{ID: "s1"}); err == nil {
		t.Error("expected error for duplicate session")
	}
}

func TestGetSessionReturnsCopy(t *testing.T) {
	s := NewSessionStateStorage()
	ctx := context.Background()

	created := time.Now()
	_ = s.CreateSession(ctx, &storage.SessionRecord{ID: "s1", CreatedAt: created})

	got, err := s.GetSession(ctx, "s1")
	if err != nil || got == nil {
		t.Fatalf("GetSession() = %v, %v", got, err)
	}
	got.CreatedAt = time.Time{}

	again, _ := s.GetSession(ctx, "s1")
	if !again.CreatedAt.Equal(created) {
		t.Error("stored record was mutated through a returned copy")
	}

	missing, err := s.GetSession(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing session, got %v, %v", missing, err)
	}
}

func TestGetNextSequence(t *testing.T) {
	s := NewSessionStateStorage()
	ctx := context.Background()

	if _, err := s.GetNextSequence(ctx, "s1"); err == nil {
		t.Error("expected error for unknown session")
	}

	_ = s.CreateSession(ctx, &storage.SessionRecord{ID: "s1"})
	for want := uint64(1); want <= 3; want++ {
		got, err := s.GetNextSequence(ctx, "s1")
		if err != nil {
			t.Fatalf("GetNextSequence() error: %v", err)
		}
		if got != want {
			t.Errorf("sequence = %d, want %d", got, want)
		}
	}
}

func TestListSessionsOrdered(t *testing.T) {
	s := NewSessionStateStorage()
	ctx := context.Background()
	base := time.Now()

	_ = s.CreateSession(ctx, &storage.SessionRecord{ID: "b", CreatedAt: base.Add(time.Second)})
	_ = s.CreateSession(ctx, &storage.SessionRecord{ID: "a", CreatedAt: base})

	list, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions() error: %v", err)
	}
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Errorf("unexpected order: %+v", list)
	}
}

func TestSessionActivity(t *testing.T) {
	s := NewSessionStateStorage()
	ctx := context.Background()

	if err := s.UpdateSessionActivity(ctx, "s1"); err == nil {
		t.Error("expected error for unknown session")
	}

	_ = s.CreateSession(ctx, &storage.SessionRecord{ID: "s1"})
	if err := s.UpdateSessionActivity(ctx, "s1"); err != nil {
		t.Fatalf("UpdateSessionActivity() error: %v", err)
	}

	got, _ := s.GetSession(ctx, "s1")
	if got.LastActivity.IsZero() {
		t.Error("expected LastActivity to be set")
	}

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession() error: %v", err)
	}
	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Errorf("DeleteSession() must be idempotent, got %v", err)
	}
}
