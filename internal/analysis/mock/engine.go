// Package mock provides a deterministic in-process statistics engine. It
// computes simple fixed-effect summaries so every stage produces stable,
// outcome-specific tables without an external R runtime.
package mock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AltairaLabs/nma-pipeline/internal/analysis"
	"github.com/AltairaLabs/nma-pipeline/internal/dataset"
	"github.com/AltairaLabs/nma-pipeline/internal/kvstore"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

type callKey struct {
	stage   types.StageID
	outcome int
}

// Engine implements analysis.Analyzer
type Engine struct {
	delay time.Duration

	mu       sync.Mutex
	failures map[callKey]error
	calls    map[types.StageID]int
}

// Option configures an Engine
type Option func(*Engine)

// WithDelay adds latency to every call. The delay honours ctx cancellation.
func WithDelay(d time.Duration) Option {
	return func(e *Engine) { e.delay = d }
}

// New creates an engine
func New(opts ...Option) *Engine {
	e := &Engine{
		failures: make(map[callKey]error),
		calls:    make(map[types.StageID]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FailOn makes calls for (stage, outcome) return err until cleared
func (e *Engine) FailOn(stage types.StageID, outcome int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[callKey{stage, outcome}] = err
}

// ClearFailures removes every injected failure
func (e *Engine) ClearFailures() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = make(map[callKey]error)
}

// Calls returns how many times a stage was analyzed, across outcomes
func (e *Engine) Calls(stage types.StageID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[stage]
}

// Analyze implements analysis.Analyzer
func (e *Engine) Analyze(ctx context.Context, stage types.StageID, inputs map[types.SlotName]types.Value, outcome int) (map[types.SlotName]types.Value, error) {
	e.mu.Lock()
	e.calls[stage]++
	injected := e.failures[callKey{stage, outcome}]
	e.mu.Unlock()

	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if injected != nil {
		return nil, injected
	}

	var net types.Table
	if err := types.Decode(inputs[kvstore.SlotNetData], &net); err != nil {
		return nil, fmt.Errorf("net_data: %w", err)
	}

	switch stage {
	case kvstore.StageDataCheck:
		return dataCheck(net, inputs)
	case kvstore.StageNMA:
		return nma(net, outcome)
	case kvstore.StagePairwise:
		if err := requireEntry(inputs, kvstore.SlotForestData, outcome); err != nil {
			return nil, err
		}
		return pairwise(net, outcome)
	case kvstore.StageLeagueTable:
		if outcome == analysis.CombinedOutcome {
			return leagueCombined(net, inputs)
		}
		if err := requireEntry(inputs, kvstore.SlotForestDataPrws, outcome); err != nil {
			return nil, err
		}
		return league(net, outcome)
	case kvstore.StageFunnel:
		if err := requireEntry(inputs, kvstore.SlotLeagueTableData, outcome); err != nil {
			return nil, err
		}
		return funnel(net, outcome)
	default:
		return nil, fmt.Errorf("%w: %s", analysis.ErrUnsupportedStage, stage)
	}
}

func requireEntry(inputs map[types.SlotName]types.Value, slot types.SlotName, outcome int) error {
	var list []json.RawMessage
	if err := types.Decode(inputs[slot], &list); err != nil {
		return fmt.Errorf("%s: %w", slot, err)
	}
	if outcome < 0 || outcome >= len(list) {
		return fmt.Errorf("%s has no entry for outcome %d", slot, outcome+1)
	}
	return nil
}

func encodeOutputs(outputs map[types.SlotName]any) (map[types.SlotName]types.Value, error) {
	out := make(map[types.SlotName]types.Value, len(outputs))
	for name, v := range outputs {
		encoded, err := types.Encode(v)
		if err != nil {
			return nil, err
		}
		out[name] = encoded
	}
	return out, nil
}

func dataCheck(net types.Table, inputs map[types.SlotName]types.Value) (map[types.SlotName]types.Value, error) {
	first, err := dataset.Comparisons(net, 0)
	if err != nil {
		return nil, err
	}

	treatments := dataset.TreatmentsOf(first)
	positiveSE := true
	for _, c := range first {
		if c.SeTE <= 0 {
			positiveSE = false
		}
	}
	checks := map[string]bool{
		"Network has at least one comparison": len(first) > 0,
		"Network has at least two treatments": len(treatments) >= 2,
		"No negative or zero variances":       positiveSE,
		"No missing estimates":                len(first) == len(net.Data),
	}

	var failed []error
	for name, ok := range checks {
		if !ok {
			failed = append(failed, errors.New(name))
		}
	}
	if len(failed) > 0 {
		return nil, fmt.Errorf("data check failed: %w", errors.Join(failed...))
	}

	return encodeOutputs(map[types.SlotName]any{
		kvstore.SlotDataCheck: map[string]any{
			"passed":     true,
			"checks":     checks,
			"studies":    len(net.Data),
			"treatments": treatments,
		},
	})
}
