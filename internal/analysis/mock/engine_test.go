package mock

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/AltairaLabs/nma-pipeline/internal/analysis"
	"github.com/AltairaLabs/nma-pipeline/internal/dataset"
	"github.com/AltairaLabs/nma-pipeline/internal/kvstore"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

func demoInputs(t *testing.T, n int) map[types.SlotName]types.Value {
	t.Helper()
	slots, err := dataset.Demo(n).Slots()
	if err != nil {
		t.Fatalf("Slots() error: %v", err)
	}
	return slots
}

// list builds a per-outcome list with n placeholder entries
func list(n int) types.Value {
	entries := make([]json.RawMessage, n)
	for i := range entries {
		entries[i] = json.RawMessage(`{}`)
	}
	return types.MustEncode(entries)
}

func TestAnalyzeStages(t *testing.T) {
	inputs := demoInputs(t, 2)
	inputs[kvstore.SlotForestData] = list(2)
	inputs[kvstore.SlotForestDataPrws] = list(2)
	inputs[kvstore.SlotLeagueTableData] = list(2)

	tests := []struct {
		name    string
		stage   types.StageID
		outcome int
		outputs []types.SlotName
	}{
		{"data check", kvstore.StageDataCheck, analysis.CombinedOutcome, []types.SlotName{kvstore.SlotDataCheck}},
		{"nma", kvstore.StageNMA, 0, []types.SlotName{kvstore.SlotForestData}},
		{"pairwise", kvstore.StagePairwise, 1, []types.SlotName{kvstore.SlotForestDataPrws}},
		{"league", kvstore.StageLeagueTable, 0, []types.SlotName{
			kvstore.SlotLeagueTableData, kvstore.SlotRankingData, kvstore.SlotConsistencyData,
			kvstore.SlotNetSplitData, kvstore.SlotNetSplitAllData,
		}},
		{"league combined", kvstore.StageLeagueTable, analysis.CombinedOutcome, []types.SlotName{kvstore.SlotLeagueTableData}},
		{"funnel", kvstore.StageFunnel, 1, []types.SlotName{kvstore.SlotFunnelData}},
	}

	engine := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := engine.Analyze(context.Background(), tt.stage, inputs, tt.outcome)
			if err != nil {
				t.Fatalf("Analyze() error: %v", err)
			}
			if len(out) != len(tt.outputs) {
				t.Errorf("got %d outputs, want %d", len(out), len(tt.outputs))
			}
			for _, name := range tt.outputs {
				if len(out[name]) == 0 {
					t.Errorf("missing output %s", name)
				}
			}
		})
	}
}

func TestOutcomesDiffer(t *testing.T) {
	inputs := demoInputs(t, 2)
	engine := New()

	first, err := engine.Analyze(context.Background(), kvstore.StageNMA, inputs, 0)
	if err != nil {
		t.Fatalf("Analyze(0) error: %v", err)
	}
	second, err := engine.Analyze(context.Background(), kvstore.StageNMA, inputs, 1)
	if err != nil {
		t.Fatalf("Analyze(1) error: %v", err)
	}
	if string(first[kvstore.SlotForestData]) == string(second[kvstore.SlotForestData]) {
		t.Error("forest data identical across outcomes")
	}

	again, _ := engine.Analyze(context.Background(), kvstore.StageNMA, inputs, 0)
	if string(first[kvstore.SlotForestData]) != string(again[kvstore.SlotForestData]) {
		t.Error("engine is not deterministic")
	}
	if got := engine.Calls(kvstore.StageNMA); got != 3 {
		t.Errorf("Calls(nma) = %d, want 3", got)
	}
}

func TestMissingUpstreamEntry(t *testing.T) {
	inputs := demoInputs(t, 2)
	inputs[kvstore.SlotForestData] = list(1)

	_, err := New().Analyze(context.Background(), kvstore.StagePairwise, inputs, 1)
	if err == nil || !strings.Contains(err.Error(), "forest_data") {
		t.Fatalf("expected forest_data error, got %v", err)
	}
}

func TestCombinedLeagueNeedsTwoOutcomes(t *testing.T) {
	inputs := demoInputs(t, 1)
	if _, err := New().Analyze(context.Background(), kvstore.StageLeagueTable, inputs, analysis.CombinedOutcome); err == nil {
		t.Fatal("expected error for single-outcome combined league table")
	}
}

func TestDataCheckRejectsSingleTreatment(t *testing.T) {
	net := types.Table{
		Columns: []string{dataset.ColStudy, dataset.ColTreat1, dataset.ColTreat2, dataset.TEColumn(0), dataset.SEColumn(0)},
		Index:   []any{0},
		Data:    [][]any{{"S1", "A", "A", 0.5, 0.0}},
	}
	inputs := map[types.SlotName]types.Value{kvstore.SlotNetData: types.MustEncode(net)}

	_, err := New().Analyze(context.Background(), kvstore.StageDataCheck, inputs, analysis.CombinedOutcome)
	if err == nil {
		t.Fatal("expected data check failure")
	}
	if !strings.Contains(err.Error(), "two treatments") {
		t.Errorf("error %q does not name the failed check", err)
	}
}

func TestFailureInjection(t *testing.T) {
	inputs := demoInputs(t, 2)
	engine := New()
	boom := errors.New("boom")

	engine.FailOn(kvstore.StageNMA, 1, boom)
	if _, err := engine.Analyze(context.Background(), kvstore.StageNMA, inputs, 0); err != nil {
		t.Errorf("outcome 0 should succeed, got %v", err)
	}
	if _, err := engine.Analyze(context.Background(), kvstore.StageNMA, inputs, 1); !errors.Is(err, boom) {
		t.Errorf("outcome 1 error = %v, want boom", err)
	}

	engine.ClearFailures()
	if _, err := engine.Analyze(context.Background(), kvstore.StageNMA, inputs, 1); err != nil {
		t.Errorf("after ClearFailures got %v", err)
	}
}

func TestDelayHonoursCancellation(t *testing.T) {
	engine := New(WithDelay(time.Minute))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := engine.Analyze(ctx, kvstore.StageNMA, demoInputs(t, 1), 0)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Analyze() error = %v, want deadline exceeded", err)
	}
}

func TestUnsupportedStage(t *testing.T) {
	_, err := New().Analyze(context.Background(), "bogus", demoInputs(t, 1), 0)
	if !errors.Is(err, analysis.ErrUnsupportedStage) {
		t.Errorf("error = %v, want ErrUnsupportedStage", err)
	}
}
