package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/AltairaLabs/nma-pipeline/internal/analysis"
	"github.com/AltairaLabs/nma-pipeline/internal/kvstore"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

// Runner turns one stage's inputs into its outputs by calling the analyzer,
// once per outcome in parallel or once for the whole dataset
type Runner struct {
	analyzer    analysis.Analyzer
	maxParallel int
}

// NewRunner creates a runner. maxParallel bounds concurrent per-outcome
// calls; values below 1 mean one at a time.
func NewRunner(analyzer analysis.Analyzer, maxParallel int) *Runner {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Runner{analyzer: analyzer, maxParallel: maxParallel}
}

// Compute runs stage over inputs. progress, if set, is called after each
// finished analyzer call. Any failed call fails the whole stage.
func (r *Runner) Compute(ctx context.Context, stage Stage, inputs map[types.SlotName]types.Value, progress func(types.Progress)) (map[types.SlotName]types.Value, error) {
	if stage.Fanout == WholeDataset {
		if progress != nil {
			progress(types.Progress{Current: 0, Total: 1})
		}
		out, err := r.analyzer.Analyze(ctx, stage.ID, inputs, analysis.CombinedOutcome)
		if err != nil {
			return nil, &analysis.Error{Stage: stage.ID, Outcome: analysis.CombinedOutcome, Err: err}
		}
		if err := checkOutputs(stage, out, stage.Outputs); err != nil {
			return nil, err
		}
		if progress != nil {
			progress(types.Progress{Current: 1, Total: 1})
		}
		return out, nil
	}

	n, err := outcomeCount(stage, inputs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", stage.ID, err)
	}

	calls := n
	combined := stage.Combined && n >= 2
	if combined {
		calls++
	}

	results := make([]map[types.SlotName]types.Value, n)
	var combinedResult map[types.SlotName]types.Value

	var mu sync.Mutex
	done := 0
	report := func() {
		if progress == nil {
			return
		}
		mu.Lock()
		done++
		p := types.Progress{Current: done, Total: calls}
		mu.Unlock()
		progress(p)
	}
	if progress != nil {
		progress(types.Progress{Current: 0, Total: calls})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxParallel)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			out, err := r.analyzer.Analyze(gctx, stage.ID, inputs, i)
			if err != nil {
				return &analysis.Error{Stage: stage.ID, Outcome: i, Err: err}
			}
			if err := checkOutputs(stage, out, stage.Outputs); err != nil {
				return err
			}
			results[i] = out
			report()
			return nil
		})
	}
	if combined {
		g.Go(func() error {
			out, err := r.analyzer.Analyze(gctx, stage.ID, inputs, analysis.CombinedOutcome)
			if err != nil {
				return &analysis.Error{Stage: stage.ID, Outcome: analysis.CombinedOutcome, Err: err}
			}
			if err := checkOutputs(stage, out, []types.SlotName{stage.CombinedOutput}); err != nil {
				return err
			}
			combinedResult = out
			report()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	outputs := make(map[types.SlotName]types.Value, len(stage.Outputs))
	for _, name := range stage.Outputs {
		list := make([]json.RawMessage, 0, calls)
		for _, res := range results {
			list = append(list, json.RawMessage(res[name]))
		}
		if combined && name == stage.CombinedOutput {
			list = append(list, json.RawMessage(combinedResult[name]))
		}
		encoded, err := types.Encode(list)
		if err != nil {
			return nil, fmt.Errorf("%s: encode %s: %w", stage.ID, name, err)
		}
		outputs[name] = encoded
	}
	return outputs, nil
}

func checkOutputs(stage Stage, out map[types.SlotName]types.Value, want []types.SlotName) error {
	for _, name := range want {
		if len(out[name]) == 0 {
			return fmt.Errorf("%s: analyzer returned no %s", stage.ID, name)
		}
	}
	return nil
}

// outcomeCount reads the stage's count list, or number_outcomes for
// stages without one
func outcomeCount(stage Stage, inputs map[types.SlotName]types.Value) (int, error) {
	if stage.Count != "" {
		var list []json.RawMessage
		if err := types.Decode(inputs[stage.Count], &list); err != nil {
			return 0, fmt.Errorf("%s: %w", stage.Count, err)
		}
		if len(list) < 1 {
			return 0, fmt.Errorf("%s is empty", stage.Count)
		}
		return len(list), nil
	}
	var n int
	if err := types.Decode(inputs[kvstore.SlotNumberOutcomes], &n); err != nil {
		return 0, fmt.Errorf("number_outcomes: %w", err)
	}
	if n < 1 {
		return 0, fmt.Errorf("number_outcomes is %d", n)
	}
	return n, nil
}
