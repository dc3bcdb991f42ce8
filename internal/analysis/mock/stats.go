package mock

import (
	"fmt"
	"math"
	"sort"

	"github.com/AltairaLabs/nma-pipeline/internal/dataset"
	"github.com/AltairaLabs/nma-pipeline/internal/kvstore"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

const z95 = 1.959964

type pair struct{ a, b string }

type pooled struct {
	te, se float64
	k      int
}

func round(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}

// poolPairs combines comparisons per treatment pair with inverse-variance
// weights. Pairs are oriented so that a < b; estimates are b relative to a.
func poolPairs(comparisons []dataset.Comparison) map[pair]pooled {
	type acc struct {
		sw, swy float64
		k       int
	}
	sums := make(map[pair]*acc)
	for _, c := range comparisons {
		p, te := pair{c.Treat2, c.Treat1}, c.TE
		if p.a > p.b {
			p, te = pair{p.b, p.a}, -te
		}
		w := 1 / (c.SeTE * c.SeTE)
		s, ok := sums[p]
		if !ok {
			s = &acc{}
			sums[p] = s
		}
		s.sw += w
		s.swy += w * te
		s.k++
	}

	out := make(map[pair]pooled, len(sums))
	for p, s := range sums {
		out[p] = pooled{te: s.swy / s.sw, se: math.Sqrt(1 / s.sw), k: s.k}
	}
	return out
}

// effect returns the pooled estimate of b versus a, if directly compared
func effect(pools map[pair]pooled, a, b string) (pooled, bool) {
	if a < b {
		p, ok := pools[pair{a, b}]
		return p, ok
	}
	p, ok := pools[pair{b, a}]
	p.te = -p.te
	return p, ok
}

func sortedPairs(pools map[pair]pooled) []pair {
	pairs := make([]pair, 0, len(pools))
	for p := range pools {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].a != pairs[j].a {
			return pairs[i].a < pairs[j].a
		}
		return pairs[i].b < pairs[j].b
	})
	return pairs
}

// reference picks the most connected treatment, alphabetical on ties
func reference(treatments []string, pools map[pair]pooled) string {
	degree := make(map[string]int)
	for p := range pools {
		degree[p.a]++
		degree[p.b]++
	}
	best := treatments[0]
	for _, t := range treatments[1:] {
		if degree[t] > degree[best] {
			best = t
		}
	}
	return best
}

func outcomeNetwork(net types.Table, outcome int) ([]dataset.Comparison, []string, map[pair]pooled, error) {
	comparisons, err := dataset.Comparisons(net, outcome)
	if err != nil {
		return nil, nil, nil, err
	}
	treatments := dataset.TreatmentsOf(comparisons)
	if len(treatments) < 2 {
		return nil, nil, nil, fmt.Errorf("outcome %d: network needs at least two treatments", outcome+1)
	}
	return comparisons, treatments, poolPairs(comparisons), nil
}

func nma(net types.Table, outcome int) (map[types.SlotName]types.Value, error) {
	_, treatments, pools, err := outcomeNetwork(net, outcome)
	if err != nil {
		return nil, err
	}
	ref := reference(treatments, pools)

	forest := types.Table{Columns: []string{"Reference", "Treatment", "TE", "seTE", "CI_lower", "CI_upper"}}
	for _, t := range treatments {
		if t == ref {
			continue
		}
		row := []any{ref, t, nil, nil, nil, nil}
		if p, ok := effect(pools, ref, t); ok {
			row = []any{ref, t, round(p.te), round(p.se), round(p.te - z95*p.se), round(p.te + z95*p.se)}
		}
		forest.Index = append(forest.Index, len(forest.Data))
		forest.Data = append(forest.Data, row)
	}
	return encodeOutputs(map[types.SlotName]any{kvstore.SlotForestData: forest})
}

func pairwise(net types.Table, outcome int) (map[types.SlotName]types.Value, error) {
	comparisons, _, pools, err := outcomeNetwork(net, outcome)
	if err != nil {
		return nil, err
	}

	forest := types.Table{Columns: []string{"studlab", "treat1", "treat2", "TE", "seTE", "CI_lower", "CI_upper"}}
	add := func(row []any) {
		forest.Index = append(forest.Index, len(forest.Data))
		forest.Data = append(forest.Data, row)
	}
	for _, c := range comparisons {
		add([]any{c.Study, c.Treat1, c.Treat2, round(c.TE), round(c.SeTE), round(c.TE - z95*c.SeTE), round(c.TE + z95*c.SeTE)})
	}
	for _, p := range sortedPairs(pools) {
		e := pools[p]
		add([]any{"Pooled", p.b, p.a, round(e.te), round(e.se), round(e.te - z95*e.se), round(e.te + z95*e.se)})
	}
	return encodeOutputs(map[types.SlotName]any{kvstore.SlotForestDataPrws: forest})
}

func cell(p pooled) string {
	return fmt.Sprintf("%.2f (%.2f, %.2f)", p.te, p.te-z95*p.se, p.te+z95*p.se)
}

func leagueGrid(treatments []string, fill func(i, j int) string) types.Table {
	t := types.Table{Columns: append([]string(nil), treatments...)}
	for i, row := range treatments {
		cells := make([]any, len(treatments))
		for j := range treatments {
			if i == j {
				cells[j] = row
				continue
			}
			cells[j] = fill(i, j)
		}
		t.Index = append(t.Index, row)
		t.Data = append(t.Data, cells)
	}
	return t
}

func league(net types.Table, outcome int) (map[types.SlotName]types.Value, error) {
	comparisons, treatments, pools, err := outcomeNetwork(net, outcome)
	if err != nil {
		return nil, err
	}

	table := leagueGrid(treatments, func(i, j int) string {
		if p, ok := effect(pools, treatments[j], treatments[i]); ok {
			return cell(p)
		}
		return ""
	})

	// P-score analogue: share of direct comparisons a treatment wins
	ranking := types.Table{Columns: []string{"treatment", "pscore"}}
	for _, t := range treatments {
		wins, total := 0, 0
		for _, other := range treatments {
			if p, ok := effect(pools, other, t); ok {
				total++
				if p.te > 0 {
					wins++
				}
			}
		}
		score := 0.0
		if total > 0 {
			score = float64(wins) / float64(total)
		}
		ranking.Index = append(ranking.Index, len(ranking.Data))
		ranking.Data = append(ranking.Data, []any{t, round(score)})
	}

	q := 0.0
	for _, c := range comparisons {
		p, _ := effect(pools, c.Treat2, c.Treat1)
		d := c.TE - p.te
		q += d * d / (c.SeTE * c.SeTE)
	}
	df := len(comparisons) - len(pools)
	consistency := types.Table{
		Columns: []string{"Q", "df"},
		Index:   []any{"Within designs"},
		Data:    [][]any{{round(q), df}},
	}

	split := types.Table{Columns: []string{"comparison", "k", "direct", "indirect"}}
	splitAll := types.Table{Columns: []string{"comparison", "k", "direct", "indirect", "nma"}}
	for _, pr := range sortedPairs(pools) {
		p := pools[pr]
		name := pr.b + ":" + pr.a
		split.Index = append(split.Index, len(split.Data))
		split.Data = append(split.Data, []any{name, p.k, round(p.te), nil})
		splitAll.Index = append(splitAll.Index, len(splitAll.Data))
		splitAll.Data = append(splitAll.Data, []any{name, p.k, round(p.te), nil, round(p.te)})
	}

	return encodeOutputs(map[types.SlotName]any{
		kvstore.SlotLeagueTableData: table,
		kvstore.SlotRankingData:     ranking,
		kvstore.SlotConsistencyData: consistency,
		kvstore.SlotNetSplitData:    split,
		kvstore.SlotNetSplitAllData: splitAll,
	})
}

// leagueCombined puts outcome 1 in the upper triangle and outcome 2 in the lower one
func leagueCombined(net types.Table, inputs map[types.SlotName]types.Value) (map[types.SlotName]types.Value, error) {
	var n int
	if err := types.Decode(inputs[kvstore.SlotNumberOutcomes], &n); err != nil {
		return nil, fmt.Errorf("number_outcomes: %w", err)
	}
	if n < 2 {
		return nil, fmt.Errorf("combined league table needs two outcomes, have %d", n)
	}

	c1, err := dataset.Comparisons(net, 0)
	if err != nil {
		return nil, err
	}
	c2, err := dataset.Comparisons(net, 1)
	if err != nil {
		return nil, err
	}
	p1, p2 := poolPairs(c1), poolPairs(c2)
	treatments := dataset.TreatmentsOf(append(append([]dataset.Comparison(nil), c1...), c2...))

	table := leagueGrid(treatments, func(i, j int) string {
		pools := p1
		if i > j {
			pools = p2
		}
		if p, ok := effect(pools, treatments[j], treatments[i]); ok {
			return cell(p)
		}
		return ""
	})
	return encodeOutputs(map[types.SlotName]any{kvstore.SlotLeagueTableData: table})
}

func funnel(net types.Table, outcome int) (map[types.SlotName]types.Value, error) {
	comparisons, _, pools, err := outcomeNetwork(net, outcome)
	if err != nil {
		return nil, err
	}

	t := types.Table{Columns: []string{"studlab", "treat1", "treat2", "TE_diff", "seTE"}}
	for _, c := range comparisons {
		p, _ := effect(pools, c.Treat2, c.Treat1)
		t.Index = append(t.Index, len(t.Data))
		t.Data = append(t.Data, []any{c.Study, c.Treat1, c.Treat2, round(c.TE - p.te), round(c.SeTE)})
	}
	return encodeOutputs(map[types.SlotName]any{kvstore.SlotFunnelData: t})
}
