package analysis

import (
	"context"
	"errors"
	"testing"

	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

func TestErrorMessage(t *testing.T) {
	cause := errors.New("singular matrix")

	perOutcome := &Error{Stage: "nma", Outcome: 1, Err: cause}
	if got := perOutcome.Error(); got != "nma outcome 2: singular matrix" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(perOutcome, cause) {
		t.Error("expected Error to unwrap to its cause")
	}

	combined := &Error{Stage: "data_check", Outcome: CombinedOutcome, Err: cause}
	if got := combined.Error(); got != "data_check: singular matrix" {
		t.Errorf("Error() = %q", got)
	}
}

func TestAnalyzerFunc(t *testing.T) {
	var gotStage types.StageID
	var gotOutcome int
	a := AnalyzerFunc(func(_ context.Context, stage types.StageID, _ map[types.SlotName]types.Value, outcome int) (map[types.SlotName]types.Value, error) {
		gotStage, gotOutcome = stage, outcome
		return map[types.SlotName]types.Value{"x": types.Value(`1`)}, nil
	})

	out, err := a.Analyze(context.Background(), "funnel", nil, 2)
	if err != nil || string(out["x"]) != "1" {
		t.Fatalf("Analyze() = %v, %v", out, err)
	}
	if gotStage != "funnel" || gotOutcome != 2 {
		t.Errorf("called with %s/%d", gotStage, gotOutcome)
	}
}
