package memory

import (
	"context"
	"testing"

	"github.com/AltairaLabs/nma-pipeline/internal/storage"
)

func TestSlotBackendWriteAndLoad(t *testing.T) {
	b := NewSlotBackend()
	ctx := context.Background()

	err := b.WriteBatch(ctx, []storage.SlotRecord{
		{Name: "net_data", Value: []byte(`{"a":1}`), Version: 1},
		{Name: "raw_data", Value: []byte(`{}`), Version: 1},
	})
	if err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}
	_ = b.WriteBatch(ctx, []storage.SlotRecord{{Name: "net_data", Value: []byte(`{"a":2}`), Version: 2}})

	records, err := b.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	for _, r := range records {
		if r.Name == "net_data" && (r.Version != 2 || string(r.Value) != `{"a":2}`) {
			t.Errorf("expected latest net_data record, got %+v", r)
		}
	}
}

func TestSlotBackendClosed(t *testing.T) {
	b := NewSlotBackend()
	ctx := context.Background()
	_ = b.WriteBatch(ctx, []storage.SlotRecord{{Name: "raw_data", Value: []byte(`{}`), Version: 1}})
	_ = b.Close()

	if _, err := b.LoadAll(ctx); err == nil {
		t.Error("expected error loading from closed backend")
	}
	if err := b.WriteBatch(ctx, nil); err == nil {
		t.Error("expected error writing to closed backend")
	}

	b.Reopen()
	records, err := b.LoadAll(ctx)
	if err != nil || len(records) != 1 {
		t.Errorf("expected records to survive reopen, got %v, %v", records, err)
	}
}
