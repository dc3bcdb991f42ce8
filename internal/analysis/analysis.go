// Package analysis defines the contract of the statistics engine that
// computes stage results. The pipeline treats it as opaque.
package analysis

import (
	"context"
	"errors"
	"fmt"

	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

// CombinedOutcome is the outcome index of whole-dataset calls: DataCheck,
// and the extra league table that combines all outcomes
const CombinedOutcome = -1

// Analyzer computes the outputs of one stage for one outcome. inputs holds
// the stage's declared input slots. The result maps output slot names to
// the entry for this outcome; the caller assembles per-outcome lists.
type Analyzer interface {
	Analyze(ctx context.Context, stage types.StageID, inputs map[types.SlotName]types.Value, outcomeIndex int) (map[types.SlotName]types.Value, error)
}

// AnalyzerFunc adapts a function to Analyzer
type AnalyzerFunc func(ctx context.Context, stage types.StageID, inputs map[types.SlotName]types.Value, outcomeIndex int) (map[types.SlotName]types.Value, error)

// Analyze calls f
func (f AnalyzerFunc) Analyze(ctx context.Context, stage types.StageID, inputs map[types.SlotName]types.Value, outcomeIndex int) (map[types.SlotName]types.Value, error) {
	return f(ctx, stage, inputs, outcomeIndex)
}

// ErrUnsupportedStage is returned by engines for stages they do not know
var ErrUnsupportedStage = errors.New("unsupported stage")

// Error is a failed analysis call
type Error struct {
	Stage   types.StageID
	Outcome int
	Err     error
}

func (e *Error) Error() string {
	if e.Outcome == CombinedOutcome {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s outcome %d: %v", e.Stage, e.Outcome+1, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
