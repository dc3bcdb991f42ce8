package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/AltairaLabs/nma-pipeline/internal/kvstore"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

// ErrorRegistry keeps the latest failure of each stage in the stage_errors
// slot. Writers are serialized; readers go straight to the store.
type ErrorRegistry struct {
	store *kvstore.Store
	mu    sync.Mutex
}

// NewErrorRegistry creates a registry over store
func NewErrorRegistry(store *kvstore.Store) *ErrorRegistry {
	return &ErrorRegistry{store: store}
}

// Records returns every stage's last error
func (r *ErrorRegistry) Records() map[types.StageID]types.ErrorRecord {
	v, _ := r.store.Get(kvstore.SlotStageErrors)
	return decodeErrors(v)
}

// Get returns the last error of a stage
func (r *ErrorRegistry) Get(stage types.StageID) (types.ErrorRecord, bool) {
	rec, ok := r.Records()[stage]
	return rec, ok
}

func decodeErrors(v types.Value) map[types.StageID]types.ErrorRecord {
	recs := make(map[types.StageID]types.ErrorRecord)
	if len(v) == 0 {
		return recs
	}
	if err := types.Decode(v, &recs); err != nil {
		return make(map[types.StageID]types.ErrorRecord)
	}
	return recs
}

// Record stores err as the stage's error, replacing any earlier one. The
// write only happens while every slot in expect is still at its version.
func (r *ErrorRegistry) Record(ctx context.Context, stage types.StageID, err error, version types.Version, expect map[types.SlotName]types.Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs := r.Records()
	recs[stage] = types.ErrorRecord{Stage: stage, Message: err.Error(), OccurredAtVersion: version}
	encoded, encErr := types.Encode(recs)
	if encErr != nil {
		return fmt.Errorf("encode stage errors: %w", encErr)
	}
	_, setErr := r.store.SetBatchIf(ctx, expect, map[types.SlotName]types.Value{kvstore.SlotStageErrors: encoded})
	return setErr
}

// CommitSuccess writes batch and clears the stage's error in the same
// store batch, guarded like Record
func (r *ErrorRegistry) CommitSuccess(ctx context.Context, stage types.StageID, batch map[types.SlotName]types.Value, expect map[types.SlotName]types.Version) (types.Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs := r.Records()
	if _, ok := recs[stage]; ok {
		delete(recs, stage)
		encoded, err := types.Encode(recs)
		if err != nil {
			return types.Unset, fmt.Errorf("encode stage errors: %w", err)
		}
		batch[kvstore.SlotStageErrors] = encoded
	}
	return r.store.SetBatchIf(ctx, expect, batch)
}

// StageView is one row of the pipeline status
type StageView struct {
	Stage          types.StageID    `json:"stage"`
	Status         types.StatusKind `json:"status"`
	Error          string           `json:"error,omitempty"`
	TriggerVersion types.Version    `json:"trigger_version"`
	Progress       *types.Progress  `json:"progress,omitempty"`
}

// blockStatuses marks stages blocked when an upstream stage failed or is
// blocked. Running and failed stages keep their own status.
func blockStatuses(reg *Registry, views map[types.StageID]*StageView) {
	for _, st := range reg.Stages() {
		v := views[st.ID]
		if v.Status == types.StatusRunning || v.Status == types.StatusFailed {
			continue
		}
		for _, up := range reg.Upstream(st.ID) {
			us := views[up].Status
			if us == types.StatusFailed || us == types.StatusBlocked {
				v.Status = types.StatusBlocked
				break
			}
		}
	}
}
