package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AltairaLabs/nma-pipeline/internal/kvstore"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

// ErrNotReady is returned by Commit while some stage has not completed
// for the current input
var ErrNotReady = errors.New("pipeline is not ready")

// State is the persisted commit state of a session
type State string

const (
	StateCollecting State = "collecting"
	StateReady      State = "ready"
	StateCommitted  State = "committed"
)

// Gate decides when results may be committed and performs the commit
type Gate struct {
	store    *kvstore.Store
	registry *Registry
	watcher  *Watcher
	metrics  *Metrics
	logger   *slog.Logger

	mu sync.Mutex
}

func newGate(store *kvstore.Store, registry *Registry, watcher *Watcher, metrics *Metrics, logger *slog.Logger) *Gate {
	return &Gate{store: store, registry: registry, watcher: watcher, metrics: metrics, logger: logger}
}

// observe reads the commit state and every stage's trigger, marker and
// outputs in one snapshot
func (g *Gate) observe() map[types.SlotName]kvstore.Entry {
	stages := g.registry.Stages()
	names := []types.SlotName{kvstore.SlotPipelineState}
	for _, st := range stages {
		names = append(names, st.Trigger(), st.Marker)
		names = append(names, st.Outputs...)
	}
	return g.store.Snapshot(names...)
}

// readyIn reports whether every marker in snap is done for its trigger's
// version and no stage is running
func (g *Gate) readyIn(snap map[types.SlotName]kvstore.Entry) bool {
	for _, st := range g.registry.Stages() {
		var m types.Marker
		if err := types.Decode(snap[st.Marker].Value, &m); err != nil {
			return false
		}
		if !m.IsDoneFor(snap[st.Trigger()].Version) {
			return false
		}
	}
	return !g.watcher.busy()
}

func versions(snap map[types.SlotName]kvstore.Entry) map[types.SlotName]types.Version {
	out := make(map[types.SlotName]types.Version, len(snap))
	for name, e := range snap {
		out[name] = e.Version
	}
	return out
}

func stateIn(snap map[types.SlotName]kvstore.Entry) State {
	var s string
	if err := types.Decode(snap[kvstore.SlotPipelineState].Value, &s); err != nil || s == "" {
		return StateCollecting
	}
	return State(s)
}

// IsReady reports whether every stage is done for its trigger slot's
// current version, read in one snapshot, and no stage is running
func (g *Gate) IsReady() bool {
	return g.readyIn(g.observe())
}

// State returns the persisted commit state
func (g *Gate) State() State {
	return stateIn(g.store.Snapshot(kvstore.SlotPipelineState))
}

// Evaluate moves collecting to ready and back as readiness changes.
// A committed pipeline stays committed until new data arrives. The state
// is only written if nothing it was derived from changed meanwhile; the
// writer of that change evaluates again.
func (g *Gate) Evaluate(ctx context.Context) (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := g.observe()
	state := stateIn(snap)
	ready := g.readyIn(snap)

	next := state
	switch {
	case state == StateCollecting && ready:
		next = StateReady
	case state == StateReady && !ready:
		next = StateCollecting
	}
	if next == state {
		return state, nil
	}

	_, err := g.store.SetBatchIf(ctx, versions(snap), map[types.SlotName]types.Value{
		kvstore.SlotPipelineState: types.MustEncode(string(next)),
	})
	if errors.Is(err, kvstore.ErrConflict) {
		return g.State(), nil
	}
	if err != nil {
		return state, err
	}
	g.logger.Info("Pipeline state changed", "from", state, "to", next)
	return next, nil
}

// Commit copies every stage output to its published slot and marks the
// results ready. Committing twice is a no-op. The copy is written only if
// no trigger, marker or output moved since readiness was checked, so an
// upload racing the commit wins and the commit reports ErrNotReady.
func (g *Gate) Commit(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := g.observe()
	if stateIn(snap) == StateCommitted {
		return nil
	}
	if !g.readyIn(snap) {
		return ErrNotReady
	}

	outputs := g.registry.Outputs()
	batch := make(map[types.SlotName]types.Value, len(outputs)+2)
	for _, name := range outputs {
		batch[kvstore.PublishedSlot(name)] = snap[name].Value
	}
	batch[kvstore.SlotResultsReady] = types.MustEncode(true)
	batch[kvstore.SlotPipelineState] = types.MustEncode(string(StateCommitted))

	if _, err := g.store.SetBatchIf(ctx, versions(snap), batch); err != nil {
		if errors.Is(err, kvstore.ErrConflict) {
			return fmt.Errorf("%w: %v", ErrNotReady, err)
		}
		return err
	}
	g.metrics.committed()
	g.logger.Info("Results committed", "outputs", len(outputs))
	return nil
}
