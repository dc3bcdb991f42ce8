package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AltairaLabs/nma-pipeline/internal/session"
)

// ExecutorFactory returns the executor used by a session's pipeline
type ExecutorFactory func(sessionID string) Executor

// Host runs one pipeline per open session
type Host struct {
	sessions *session.Manager
	newExec  ExecutorFactory
	registry *Registry
	metrics  *Metrics
	logger   *slog.Logger

	mu        sync.Mutex
	pipelines map[string]*Pipeline
}

// NewHost creates a host over a session manager
func NewHost(sessions *session.Manager, newExec ExecutorFactory, registry *Registry, metrics *Metrics, logger *slog.Logger) *Host {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		sessions:  sessions,
		newExec:   newExec,
		registry:  registry,
		metrics:   metrics,
		logger:    logger,
		pipelines: make(map[string]*Pipeline),
	}
}

// Get returns the pipeline of a session, creating the session on first
// visit. An empty id starts a new session.
func (h *Host) Get(ctx context.Context, id string) (*Pipeline, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.pipelines[id]; ok && id != "" {
		return p, nil
	}

	s, err := h.sessions.GetOrCreate(ctx, id)
	if err != nil {
		return nil, err
	}
	if p, ok := h.pipelines[s.ID]; ok {
		return p, nil
	}

	p, err := New(s.Store, h.newExec(s.ID),
		WithRegistry(h.registry),
		WithMetrics(h.metrics),
		WithLogger(h.logger),
		WithSessionID(s.ID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start pipeline for session %s: %w", s.ID, err)
	}
	h.pipelines[s.ID] = p
	return p, nil
}

// Delete stops a session's pipeline and removes the session
func (h *Host) Delete(ctx context.Context, id string) error {
	h.mu.Lock()
	p, ok := h.pipelines[id]
	delete(h.pipelines, id)
	h.mu.Unlock()

	if ok {
		_ = p.Close()
	}
	return h.sessions.Delete(ctx, id)
}

// Sessions returns the IDs of sessions with a running pipeline
func (h *Host) Sessions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.pipelines))
	for id := range h.pipelines {
		ids = append(ids, id)
	}
	return ids
}

// Close stops every pipeline and closes the session stores
func (h *Host) Close() error {
	h.mu.Lock()
	pipelines := h.pipelines
	h.pipelines = make(map[string]*Pipeline)
	h.mu.Unlock()

	var errs []error
	for _, p := range pipelines {
		errs = append(errs, p.Close())
	}
	errs = append(errs, h.sessions.Close())
	return errors.Join(errs...)
}
