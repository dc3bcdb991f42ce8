package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/nma-pipeline/internal/storage"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

func recordsByName(records []storage.SlotRecord) map[types.SlotName]storage.SlotRecord {
	out := make(map[types.SlotName]storage.SlotRecord, len(records))
	for _, r := range records {
		out[r.Name] = r
	}
	return out
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}

func TestSlotBackendInMemory(t *testing.T) {
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	b := NewSlotBackend(db, "s1")

	require.NoError(t, b.WriteBatch(ctx, []storage.SlotRecord{
		{Name: "net_data", Value: types.Value(`{"studlab":["s1"]}`), Version: 4},
		{Name: "number_outcomes", Value: types.Value(`2`), Version: 4},
	}))

	records, err := b.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	got := recordsByName(records)
	assert.Equal(t, types.Version(4), got["net_data"].Version)
	assert.JSONEq(t, `{"studlab":["s1"]}`, string(got["net_data"].Value))
}

func TestSlotBackendSessionsAreIsolated(t *testing.T) {
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	a := NewSlotBackend(db, "a")
	b := NewSlotBackend(db, "b")

	require.NoError(t, a.WriteBatch(ctx, []storage.SlotRecord{{Name: "raw_data", Value: types.Value(`{}`), Version: 1}}))

	records, err := b.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	require.NoError(t, a.Delete(ctx))
	records, err = a.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSlotBackendSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0
	db, err := Open(cfg)
	require.NoError(t, err)

	b := NewSlotBackend(db, "s1")
	require.NoError(t, b.WriteBatch(ctx, []storage.SlotRecord{
		{Name: "forest_data", Value: types.Value(`[{"columns":[],"index":[],"data":[]}]`), Version: 9},
	}))
	require.NoError(t, db.Close())

	db2, err := Open(cfg)
	require.NoError(t, err)
	defer db2.Close()

	records, err := NewSlotBackend(db2, "s1").LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, types.Version(9), records[0].Version)
}

func TestWithTxnCancelledContext(t *testing.T) {
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = NewSlotBackend(db, "s1").WriteBatch(ctx, []storage.SlotRecord{{Name: "raw_data", Value: types.Value(`{}`), Version: 1}})
	require.Error(t, err)
}
