package dataset

import (
	"fmt"
	"sort"

	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

// Comparison is one row of the network table for a single outcome
type Comparison struct {
	Study  string
	Treat1 string
	Treat2 string
	TE     float64
	SeTE   float64
}

// Comparisons extracts outcome i from a wide network table. Rows whose
// estimate cells are empty are skipped; that is how studies not reporting
// an outcome are encoded.
func Comparisons(t types.Table, outcome int) ([]Comparison, error) {
	idx := make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		idx[c] = i
	}

	need := []string{ColStudy, ColTreat1, ColTreat2, TEColumn(outcome), SEColumn(outcome)}
	for _, c := range need {
		if _, ok := idx[c]; !ok {
			return nil, fmt.Errorf("network table has no %s column", c)
		}
	}

	out := make([]Comparison, 0, len(t.Data))
	for r, row := range t.Data {
		if len(row) != len(t.Columns) {
			return nil, fmt.Errorf("row %d has %d cells, want %d", r, len(row), len(t.Columns))
		}
		te, okTE := number(row[idx[TEColumn(outcome)]])
		se, okSE := number(row[idx[SEColumn(outcome)]])
		if !okTE || !okSE {
			continue
		}
		out = append(out, Comparison{
			Study:  fmt.Sprint(row[idx[ColStudy]]),
			Treat1: fmt.Sprint(row[idx[ColTreat1]]),
			Treat2: fmt.Sprint(row[idx[ColTreat2]]),
			TE:     te,
			SeTE:   se,
		})
	}
	return out, nil
}

// TreatmentsOf returns the distinct treatments of a comparison list, sorted
func TreatmentsOf(comparisons []Comparison) []string {
	set := make(map[string]struct{})
	for _, c := range comparisons {
		set[c.Treat1] = struct{}{}
		set[c.Treat2] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
