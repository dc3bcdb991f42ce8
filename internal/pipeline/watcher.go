package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/AltairaLabs/nma-pipeline/internal/kvstore"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

// stageState tracks the run of one stage. At most one run is in flight;
// triggers that arrive meanwhile collapse into one pending re-run.
type stageState struct {
	mu             sync.Mutex
	running        bool
	runVersion     types.Version
	pending        bool
	pendingVersion types.Version
	lastApplied    types.Version
	result         types.StageStatus
	progress       *types.Progress
}

// stageSnapshot is a copy of a stageState for readers
type stageSnapshot struct {
	Running     bool
	Pending     bool
	RunVersion  types.Version
	LastApplied types.Version
	Result      types.StageStatus
	Progress    *types.Progress
}

// Watcher starts stage runs when trigger slots change version and applies
// their results
type Watcher struct {
	store     *kvstore.Store
	registry  *Registry
	exec      Executor
	errs      *ErrorRegistry
	metrics   *Metrics
	logger    *slog.Logger
	sessionID string
	onSettled func()

	states map[types.StageID]*stageState
	unsubs []func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	activeMu sync.Mutex
	active   int
	idle     chan struct{}
}

func newWatcher(store *kvstore.Store, registry *Registry, exec Executor, errs *ErrorRegistry, metrics *Metrics, sessionID string, logger *slog.Logger) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		store:     store,
		registry:  registry,
		exec:      exec,
		errs:      errs,
		metrics:   metrics,
		logger:    logger,
		sessionID: sessionID,
		onSettled: func() {},
		states:    make(map[types.StageID]*stageState),
		ctx:       ctx,
		cancel:    cancel,
		idle:      make(chan struct{}),
	}
	close(w.idle)
	for _, st := range registry.Stages() {
		w.states[st.ID] = &stageState{result: types.Idle{}}
	}
	return w
}

// start subscribes once per stage to its trigger slot
func (w *Watcher) start() error {
	for _, st := range w.registry.Stages() {
		st := st
		unsub, err := w.store.Subscribe(st.Trigger(), func(v types.Version) {
			w.trigger(st, v)
		})
		if err != nil {
			w.stop()
			return err
		}
		w.unsubs = append(w.unsubs, unsub)
	}
	return nil
}

// resume restores stage states from the store and starts every stage
// whose marker does not match its trigger's current version
func (w *Watcher) resume() {
	errs := w.errs.Records()
	for _, st := range w.registry.Stages() {
		v := w.store.Version(st.Trigger())
		if v == types.Unset {
			continue
		}
		s := w.states[st.ID]

		if readMarker(w.store, st.Marker).IsDoneFor(v) {
			s.mu.Lock()
			s.lastApplied, s.result = v, types.Done{}
			s.mu.Unlock()
			continue
		}
		if rec, ok := errs[st.ID]; ok && rec.OccurredAtVersion >= v {
			s.mu.Lock()
			s.lastApplied, s.result = v, types.Failed{Err: errors.New(rec.Message)}
			s.mu.Unlock()
			continue
		}

		w.logger.Info("Resuming stage", "stage", st.ID, "trigger_version", v)
		w.trigger(st, v)
	}
}

func readMarker(store *kvstore.Store, slot types.SlotName) types.Marker {
	var m types.Marker
	v, _ := store.Get(slot)
	if err := types.Decode(v, &m); err != nil {
		return types.Marker{}
	}
	return m
}

// trigger handles a version change of a stage's trigger slot
func (w *Watcher) trigger(st Stage, v types.Version) {
	if w.ctx.Err() != nil {
		return
	}
	s := w.states[st.ID]
	s.mu.Lock()
	defer s.mu.Unlock()

	if v <= s.lastApplied {
		return
	}
	if s.running {
		if v <= s.runVersion {
			return
		}
		if v > s.pendingVersion {
			s.pending, s.pendingVersion = true, v
			w.logger.Debug("Coalescing trigger into pending re-run", "stage", st.ID, "trigger_version", v)
		}
		return
	}

	s.running, s.runVersion, s.progress = true, v, nil
	s.result = types.Running{}
	w.addActive()
	w.wg.Add(1)
	go w.loop(st, v)
}

func (w *Watcher) loop(st Stage, v types.Version) {
	defer w.wg.Done()
	defer w.doneActive()

	s := w.states[st.ID]
	for {
		used := w.runOnce(st, v)

		s.mu.Lock()
		if s.pending && s.pendingVersion > used && w.ctx.Err() == nil {
			v = s.pendingVersion
			s.pending, s.pendingVersion = false, 0
			s.runVersion, s.progress = v, nil
			s.result = types.Running{}
			s.mu.Unlock()
			continue
		}
		s.pending, s.pendingVersion = false, 0
		s.running = false
		if _, still := s.result.(types.Running); still {
			s.result = types.Idle{}
		}
		s.mu.Unlock()

		w.onSettled()
		return
	}
}

// runOnce executes one run and returns the trigger version it used
func (w *Watcher) runOnce(st Stage, v types.Version) types.Version {
	s := w.states[st.ID]
	snap := w.store.Snapshot(st.Inputs...)
	used := snap[st.Trigger()].Version
	if used < v {
		used = v
	}

	s.mu.Lock()
	s.runVersion = used
	s.mu.Unlock()

	logger := w.logger.With("stage", st.ID, "trigger_version", used)

	if isEmpty(snap[st.Trigger()].Value) {
		logger.Debug("Trigger slot is empty, nothing to run")
		s.mu.Lock()
		s.lastApplied, s.result = used, types.Idle{}
		s.mu.Unlock()
		return used
	}

	if w.inputsAhead(st, snap) {
		logger.Debug("Inputs are newer than the trigger, waiting for upstream")
		s.mu.Lock()
		s.lastApplied, s.result = used, types.Idle{}
		s.mu.Unlock()
		return used
	}

	inputs := make(map[types.SlotName]types.Value, len(snap))
	expect := make(map[types.SlotName]types.Version, len(snap))
	for name, e := range snap {
		inputs[name] = e.Value
		expect[name] = e.Version
	}
	expect[st.Trigger()] = used

	logger.Info("Stage run started")
	w.metrics.runStarted(st.ID)
	start := time.Now()

	progress := func(p types.Progress) {
		s.mu.Lock()
		s.progress = &p
		s.result = types.Running{Progress: &p}
		s.mu.Unlock()
	}
	outputs, err := w.exec.Execute(w.ctx, Run{SessionID: w.sessionID, Stage: st, TriggerVersion: used}, inputs, progress)
	elapsed := time.Since(start)

	if w.ctx.Err() != nil {
		w.metrics.runFinished(st.ID, resultCanceled, elapsed)
		return used
	}
	if current := w.store.Version(st.Trigger()); current > used {
		logger.Info("Discarding stale stage result", "current_version", current)
		w.metrics.runFinished(st.ID, resultDiscarded, elapsed)
		return used
	}

	// Outputs and errors are only written while every input is still at
	// the version the run read
	if err == nil {
		batch := make(map[types.SlotName]types.Value, len(outputs)+2)
		for _, name := range st.Outputs {
			batch[name] = outputs[name]
		}
		batch[st.Marker] = types.MustEncode(types.DoneMarker(used))

		_, err = w.errs.CommitSuccess(w.ctx, st.ID, batch, expect)
		switch {
		case err == nil:
			s.mu.Lock()
			s.lastApplied, s.result, s.progress = used, types.Done{}, nil
			s.mu.Unlock()
			logger.Info("Stage run completed", "duration", elapsed)
			w.metrics.runFinished(st.ID, resultDone, elapsed)
			return used
		case errors.Is(err, kvstore.ErrConflict):
			w.discard(st, used, logger, err, elapsed)
			return used
		}
		logger.Error("Failed to write stage outputs", "error", err)
	}

	recErr := w.errs.Record(w.ctx, st.ID, err, used, expect)
	if errors.Is(recErr, kvstore.ErrConflict) {
		w.discard(st, used, logger, recErr, elapsed)
		return used
	}
	logger.Warn("Stage run failed", "error", err, "duration", elapsed)
	if recErr != nil {
		logger.Error("Failed to record stage error", "error", recErr)
	}
	s.mu.Lock()
	s.lastApplied, s.result, s.progress = used, types.Failed{Err: err}, nil
	s.mu.Unlock()
	w.metrics.runFinished(st.ID, resultFailed, elapsed)
	return used
}

// inputsAhead reports whether a derived trigger is older than another
// input. The trigger then belongs to an earlier upload and the upstream
// stage will write a fresh one.
func (w *Watcher) inputsAhead(st Stage, snap map[types.SlotName]kvstore.Entry) bool {
	if !w.registry.Derived(st.Trigger()) {
		return false
	}
	trigger := snap[st.Trigger()].Version
	for _, name := range st.Inputs[1:] {
		if snap[name].Version > trigger {
			return true
		}
	}
	return false
}

// discard drops a result whose inputs moved on while it ran. The change
// that moved them triggers the next run.
func (w *Watcher) discard(st Stage, used types.Version, logger *slog.Logger, err error, elapsed time.Duration) {
	logger.Info("Discarding stage result, inputs changed", "reason", err)
	s := w.states[st.ID]
	s.mu.Lock()
	s.lastApplied, s.result, s.progress = used, types.Idle{}, nil
	s.mu.Unlock()
	w.metrics.runFinished(st.ID, resultDiscarded, elapsed)
}

func isEmpty(v types.Value) bool {
	t := bytes.TrimSpace(v)
	switch string(t) {
	case "", "null", "{}", "[]", `""`:
		return true
	}
	return false
}

// snapshot returns a copy of a stage's state
func (w *Watcher) snapshot(id types.StageID) stageSnapshot {
	s := w.states[id]
	s.mu.Lock()
	defer s.mu.Unlock()
	return stageSnapshot{
		Running:     s.running,
		Pending:     s.pending,
		RunVersion:  s.runVersion,
		LastApplied: s.lastApplied,
		Result:      s.result,
		Progress:    s.progress,
	}
}

// busy reports whether any stage is running or has a pending re-run
func (w *Watcher) busy() bool {
	for id := range w.states {
		snap := w.snapshot(id)
		if snap.Running || snap.Pending {
			return true
		}
	}
	return false
}

func (w *Watcher) addActive() {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	if w.active == 0 {
		w.idle = make(chan struct{})
	}
	w.active++
}

func (w *Watcher) doneActive() {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	w.active--
	if w.active == 0 {
		close(w.idle)
	}
}

// waitIdle blocks until no stage runs or ctx ends
func (w *Watcher) waitIdle(ctx context.Context) error {
	for {
		w.activeMu.Lock()
		active, idle := w.active, w.idle
		w.activeMu.Unlock()
		if active == 0 {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// stop unsubscribes, cancels in-flight runs and waits for them
func (w *Watcher) stop() {
	for _, unsub := range w.unsubs {
		unsub()
	}
	w.unsubs = nil
	w.cancel()
	w.wg.Wait()
}
