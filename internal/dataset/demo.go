package dataset

import "fmt"

var demoTreatments = []string{"PBO", "ADA", "ETN", "IXE", "SEC", "UST"}

// Demo returns a deterministic psoriasis-style network with n outcomes
// (1 <= n <= MaxOutcomes). Every study compares two of six biologics or
// placebo; effects differ per outcome so per-outcome results are distinct.
func Demo(n int) *Upload {
	if n < 1 {
		n = 1
	}
	if n > MaxOutcomes {
		n = MaxOutcomes
	}

	pairs := [][2]int{
		{1, 0}, {2, 0}, {3, 0}, {4, 0}, {5, 0},
		{3, 2}, {4, 5}, {1, 2}, {3, 5}, {4, 1},
		{1, 0}, {3, 0},
	}

	u := &Upload{NumberOutcomes: n}
	if n >= 2 {
		u.OutcomeNames = []string{"PASI90", "Adverse events"}
		u.OutcomeNames = append(u.OutcomeNames, GenericOutcomeNames(n)[2:]...)
	}
	u.EffectModifiers = []string{"age", "year"}

	for i, p := range pairs {
		row := Row{
			Study:  fmt.Sprintf("Study%02d", i+1),
			Treat1: demoTreatments[p[0]],
			Treat2: demoTreatments[p[1]],
			Modifiers: map[string]any{
				"age":  40 + i%7,
				"year": 2008 + i,
			},
		}
		for o := 0; o < n; o++ {
			te := float64(p[0]-p[1])*0.35 + float64(o)*0.1 + float64(i%3)*0.05
			se := 0.15 + float64((i+o)%4)*0.05
			row.Effects = append(row.Effects, Effect{TE: te, SeTE: se})
		}
		u.Rows = append(u.Rows, row)
	}
	return u
}
