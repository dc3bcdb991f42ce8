package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AltairaLabs/nma-pipeline/internal/dataset"
	"github.com/AltairaLabs/nma-pipeline/internal/kvstore"
	"github.com/AltairaLabs/nma-pipeline/internal/snapshot"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

type options struct {
	registry  *Registry
	logger    *slog.Logger
	metrics   *Metrics
	sessionID string
}

// Option configures a Pipeline
type Option func(*options)

// WithRegistry replaces the default stage registry
func WithRegistry(r *Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records stage metrics
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithSessionID tags runs and log lines with the owning session
func WithSessionID(id string) Option {
	return func(o *options) { o.sessionID = id }
}

// Pipeline wires the watcher, error registry and completion gate of one
// session store
type Pipeline struct {
	id       string
	store    *kvstore.Store
	registry *Registry
	errs     *ErrorRegistry
	watcher  *Watcher
	gate     *Gate
	logger   *slog.Logger
	unsubs   []func()
	once     sync.Once
}

// Status is the view of a session's pipeline
type Status struct {
	State        State               `json:"state"`
	Ready        bool                `json:"ready"`
	ResultsReady bool                `json:"results_ready"`
	Outcomes     int                 `json:"number_outcomes"`
	Stages       []StageView         `json:"stages"`
	Errors       []types.ErrorRecord `json:"errors,omitempty"`
}

// New starts a pipeline over store. Stages whose results are missing for
// the stored input are started right away.
func New(store *kvstore.Store, exec Executor, opts ...Option) (*Pipeline, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		r, err := NewRegistry(store.Schema(), DefaultStages()...)
		if err != nil {
			return nil, fmt.Errorf("stage registry: %w", err)
		}
		o.registry = r
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	logger := o.logger
	if o.sessionID != "" {
		logger = logger.With("session_id", o.sessionID)
	}

	errs := NewErrorRegistry(store)
	watcher := newWatcher(store, o.registry, exec, errs, o.metrics, o.sessionID, logger)
	gate := newGate(store, o.registry, watcher, o.metrics, logger)

	p := &Pipeline{
		id:       o.sessionID,
		store:    store,
		registry: o.registry,
		errs:     errs,
		watcher:  watcher,
		gate:     gate,
		logger:   logger,
	}
	watcher.onSettled = p.evaluate

	for _, st := range o.registry.Stages() {
		unsub, err := store.Subscribe(st.Marker, func(types.Version) { p.evaluate() })
		if err != nil {
			p.unsubscribe()
			return nil, err
		}
		p.unsubs = append(p.unsubs, unsub)
	}
	if err := watcher.start(); err != nil {
		p.unsubscribe()
		return nil, err
	}
	watcher.resume()
	p.evaluate()
	return p, nil
}

func (p *Pipeline) evaluate() {
	if _, err := p.gate.Evaluate(context.Background()); err != nil && !errors.Is(err, kvstore.ErrClosed) {
		p.logger.Error("Failed to evaluate completion gate", "error", err)
	}
}

func (p *Pipeline) unsubscribe() {
	for _, unsub := range p.unsubs {
		unsub()
	}
	p.unsubs = nil
}

// SessionID returns the owning session, empty when none was set
func (p *Pipeline) SessionID() string {
	return p.id
}

// Store returns the session store
func (p *Pipeline) Store() *kvstore.Store {
	return p.store
}

// Registry returns the stage registry
func (p *Pipeline) Registry() *Registry {
	return p.registry
}

// Upload validates u and writes the dataset slots in one batch, which
// starts the stages. Committed results stop being current and errors of
// the previous dataset are dropped.
func (p *Pipeline) Upload(ctx context.Context, u *dataset.Upload) (types.Version, error) {
	if err := u.Validate(); err != nil {
		return types.Unset, fmt.Errorf("invalid upload: %w", err)
	}
	batch, err := u.Slots()
	if err != nil {
		return types.Unset, err
	}
	batch[kvstore.SlotPipelineState] = types.MustEncode(string(StateCollecting))
	batch[kvstore.SlotResultsReady] = types.MustEncode(false)
	batch[kvstore.SlotStageErrors] = p.store.Schema().Default(kvstore.SlotStageErrors)

	v, err := p.store.SetBatch(ctx, batch)
	if err != nil {
		return types.Unset, err
	}
	p.evaluate()
	p.logger.Info("Dataset uploaded", "version", v, "outcomes", u.NumberOutcomes, "studies", len(u.Rows))
	return v, nil
}

// Reset writes every slot's default in one batch
func (p *Pipeline) Reset(ctx context.Context) error {
	if _, err := p.store.SetBatch(ctx, p.store.Schema().Defaults()); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	p.evaluate()
	p.logger.Info("Project reset")
	return nil
}

// Save exports the project document
func (p *Pipeline) Save() snapshot.Document {
	return snapshot.Save(p.store)
}

// Load replaces the project with doc. Stages whose results are not part
// of the document run again.
func (p *Pipeline) Load(ctx context.Context, doc snapshot.Document) (*snapshot.Summary, error) {
	sum, err := snapshot.Load(ctx, p.store, doc)
	if err != nil {
		return nil, err
	}
	p.evaluate()
	p.logger.Info("Project loaded", "version", sum.Version, "outcomes", sum.Outcomes, "legacy", sum.Legacy)
	return sum, nil
}

// SetProjectTitle sanitizes and stores the project title
func (p *Pipeline) SetProjectTitle(ctx context.Context, title string) (string, error) {
	clean, err := dataset.SanitizeTitle(title)
	if err != nil {
		return "", err
	}
	if _, err := p.store.Set(ctx, kvstore.SlotProjectTitle, types.MustEncode(clean)); err != nil {
		return "", err
	}
	return clean, nil
}

// SetProtocolLink normalizes and stores the protocol link
func (p *Pipeline) SetProtocolLink(ctx context.Context, link string) (string, error) {
	clean, err := dataset.NormalizeProtocolLink(link)
	if err != nil {
		return "", err
	}
	if _, err := p.store.Set(ctx, kvstore.SlotProtocolLink, types.MustEncode(clean)); err != nil {
		return "", err
	}
	return clean, nil
}

// IsReady reports whether Commit would succeed now
func (p *Pipeline) IsReady() bool {
	return p.gate.IsReady()
}

// Commit publishes the current results
func (p *Pipeline) Commit(ctx context.Context) error {
	return p.gate.Commit(ctx)
}

// Errors returns the last error of every failed stage
func (p *Pipeline) Errors() map[types.StageID]types.ErrorRecord {
	return p.errs.Records()
}

// Status returns one row per stage plus the commit state
func (p *Pipeline) Status() Status {
	stages := p.registry.Stages()
	names := []types.SlotName{kvstore.SlotStageErrors, kvstore.SlotResultsReady, kvstore.SlotNumberOutcomes}
	for _, st := range stages {
		names = append(names, st.Trigger(), st.Marker)
	}
	snap := p.store.Snapshot(names...)
	errs := decodeErrors(snap[kvstore.SlotStageErrors].Value)

	views := make(map[types.StageID]*StageView, len(stages))
	for _, st := range stages {
		trigger := snap[st.Trigger()].Version
		ws := p.watcher.snapshot(st.ID)
		view := &StageView{Stage: st.ID, TriggerVersion: trigger}

		var marker types.Marker
		_ = types.Decode(snap[st.Marker].Value, &marker)
		rec, failed := errs[st.ID]

		switch {
		case ws.Running || ws.Pending:
			view.Status = types.StatusRunning
			view.Progress = ws.Progress
		case failed:
			view.Status = types.StatusFailed
			view.Error = rec.Message
		case marker.IsDoneFor(trigger):
			view.Status = types.StatusDone
		default:
			view.Status = types.StatusIdle
		}
		views[st.ID] = view
	}
	blockStatuses(p.registry, views)

	out := Status{State: p.gate.State(), Ready: p.gate.IsReady()}
	_ = types.Decode(snap[kvstore.SlotResultsReady].Value, &out.ResultsReady)
	_ = types.Decode(snap[kvstore.SlotNumberOutcomes].Value, &out.Outcomes)
	for _, st := range stages {
		out.Stages = append(out.Stages, *views[st.ID])
		if rec, ok := errs[st.ID]; ok {
			out.Errors = append(out.Errors, rec)
		}
	}
	return out
}

// WaitIdle blocks until no stage is running
func (p *Pipeline) WaitIdle(ctx context.Context) error {
	return p.watcher.waitIdle(ctx)
}

// Close stops the watcher and waits for in-flight runs. The store stays open.
func (p *Pipeline) Close() error {
	p.once.Do(func() {
		p.unsubscribe()
		p.watcher.stop()
	})
	return nil
}
