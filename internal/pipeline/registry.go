// Package pipeline runs the analysis stages of a session. Stages are
// triggered by version changes of their trigger slot, write their outputs
// and done marker in one batch, and report failures to an error registry
// without stopping independent stages.
package pipeline

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/AltairaLabs/nma-pipeline/internal/kvstore"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

// Fanout says how a stage calls the analyzer
type Fanout int

const (
	// PerOutcome calls the analyzer once per outcome and writes lists
	PerOutcome Fanout = iota
	// WholeDataset calls the analyzer once with analysis.CombinedOutcome
	WholeDataset
)

// Stage is a static pipeline step
type Stage struct {
	ID types.StageID
	// Inputs are read from one snapshot; the first entry is the trigger slot
	Inputs  []types.SlotName
	Outputs []types.SlotName
	Marker  types.SlotName
	Fanout  Fanout
	// Combined adds an all-outcomes call whose result is appended to
	// CombinedOutput when there are at least two outcomes
	Combined       bool
	CombinedOutput types.SlotName
	// Count is the list input whose length is the outcome count. Empty
	// means number_outcomes, for stages fed straight from the upload.
	Count types.SlotName
}

// Trigger returns the slot whose version changes start the stage
func (s Stage) Trigger() types.SlotName {
	return s.Inputs[0]
}

// DefaultStages returns the five NMA stages. Derived stages count
// outcomes from the list they are triggered by, so the count always
// matches the entries they read.
func DefaultStages() []Stage {
	return []Stage{
		{
			ID:      kvstore.StageDataCheck,
			Inputs:  []types.SlotName{kvstore.SlotNetData, kvstore.SlotNumberOutcomes},
			Outputs: []types.SlotName{kvstore.SlotDataCheck},
			Marker:  kvstore.MarkerSlot(kvstore.StageDataCheck),
			Fanout:  WholeDataset,
		},
		{
			ID:      kvstore.StageNMA,
			Inputs:  []types.SlotName{kvstore.SlotNetData, kvstore.SlotNumberOutcomes},
			Outputs: []types.SlotName{kvstore.SlotForestData},
			Marker:  kvstore.MarkerSlot(kvstore.StageNMA),
		},
		{
			ID:      kvstore.StagePairwise,
			Inputs:  []types.SlotName{kvstore.SlotForestData, kvstore.SlotNetData, kvstore.SlotNumberOutcomes},
			Outputs: []types.SlotName{kvstore.SlotForestDataPrws},
			Marker:  kvstore.MarkerSlot(kvstore.StagePairwise),
			Count:   kvstore.SlotForestData,
		},
		{
			ID:     kvstore.StageLeagueTable,
			Inputs: []types.SlotName{kvstore.SlotForestDataPrws, kvstore.SlotNetData, kvstore.SlotNumberOutcomes},
			Outputs: []types.SlotName{
				kvstore.SlotLeagueTableData,
				kvstore.SlotRankingData,
				kvstore.SlotConsistencyData,
				kvstore.SlotNetSplitData,
				kvstore.SlotNetSplitAllData,
			},
			Marker:         kvstore.MarkerSlot(kvstore.StageLeagueTable),
			Combined:       true,
			CombinedOutput: kvstore.SlotLeagueTableData,
			Count:          kvstore.SlotForestDataPrws,
		},
		{
			ID: kvstore.StageFunnel,
			// league_table_data may carry the combined entry; ranking_data
			// is written in the same batch with one entry per outcome
			Inputs:  []types.SlotName{kvstore.SlotLeagueTableData, kvstore.SlotRankingData, kvstore.SlotNetData, kvstore.SlotNumberOutcomes},
			Outputs: []types.SlotName{kvstore.SlotFunnelData},
			Marker:  kvstore.MarkerSlot(kvstore.StageFunnel),
			Count:   kvstore.SlotRankingData,
		},
	}
}

// Registry is a validated, topologically ordered set of stages
type Registry struct {
	stages    []Stage
	byID      map[types.StageID]Stage
	producer  map[types.SlotName]types.StageID
	byTrigger map[types.SlotName][]types.StageID
}

// NewRegistry validates stages against schema and orders them
func NewRegistry(schema *kvstore.Schema, stages ...Stage) (*Registry, error) {
	r := &Registry{
		byID:      make(map[types.StageID]Stage, len(stages)),
		producer:  make(map[types.SlotName]types.StageID),
		byTrigger: make(map[types.SlotName][]types.StageID),
	}

	var errs []error
	for _, st := range stages {
		if _, dup := r.byID[st.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate stage %s", st.ID))
			continue
		}
		if len(st.Inputs) == 0 {
			errs = append(errs, fmt.Errorf("stage %s has no trigger slot", st.ID))
			continue
		}
		r.byID[st.ID] = st

		for _, name := range append(append(append([]types.SlotName(nil), st.Inputs...), st.Outputs...), st.Marker) {
			if !schema.Has(name) {
				errs = append(errs, fmt.Errorf("stage %s: %w: %s", st.ID, kvstore.ErrUnknownSlot, name))
			}
		}
		for _, out := range append(append([]types.SlotName(nil), st.Outputs...), st.Marker) {
			if other, taken := r.producer[out]; taken {
				errs = append(errs, fmt.Errorf("slot %s is written by both %s and %s", out, other, st.ID))
				continue
			}
			r.producer[out] = st.ID
		}
		if st.Count != "" && !slices.Contains(st.Inputs, st.Count) {
			errs = append(errs, fmt.Errorf("stage %s counts outcomes from %s, which is not an input", st.ID, st.Count))
		}
		r.byTrigger[st.Trigger()] = append(r.byTrigger[st.Trigger()], st.ID)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	for _, st := range stages {
		for _, in := range st.Inputs {
			if r.producer[in] == st.ID {
				errs = append(errs, fmt.Errorf("stage %s reads its own output %s", st.ID, in))
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	order, err := r.topoSort(stages)
	if err != nil {
		return nil, err
	}
	r.stages = order
	return r, nil
}

// DefaultRegistry returns the registry of DefaultStages over the default schema
func DefaultRegistry() *Registry {
	r, err := NewRegistry(kvstore.DefaultSchema(), DefaultStages()...)
	if err != nil {
		panic(fmt.Sprintf("default stages are invalid: %v", err))
	}
	return r
}

// topoSort orders stages with Kahn's algorithm, keeping declaration order
// among stages that become ready together
func (r *Registry) topoSort(stages []Stage) ([]Stage, error) {
	indegree := make(map[types.StageID]int, len(stages))
	edges := make(map[types.StageID][]types.StageID)
	for _, st := range stages {
		indegree[st.ID] += 0
		for _, up := range r.Upstream(st.ID) {
			edges[up] = append(edges[up], st.ID)
			indegree[st.ID]++
		}
	}

	pos := make(map[types.StageID]int, len(stages))
	for i, st := range stages {
		pos[st.ID] = i
	}

	var queue []types.StageID
	for _, st := range stages {
		if indegree[st.ID] == 0 {
			queue = append(queue, st.ID)
		}
	}

	order := make([]Stage, 0, len(stages))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, r.byID[id])

		var ready []types.StageID
		for _, next := range edges[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
		sort.Slice(ready, func(i, j int) bool { return pos[ready[i]] < pos[ready[j]] })
		queue = append(queue, ready...)
	}

	if len(order) != len(stages) {
		var cyclic []string
		for id, d := range indegree {
			if d > 0 {
				cyclic = append(cyclic, string(id))
			}
		}
		sort.Strings(cyclic)
		return nil, fmt.Errorf("stage dependency cycle among %v", cyclic)
	}
	return order, nil
}

// Stages returns the stages in dependency order
func (r *Registry) Stages() []Stage {
	return append([]Stage(nil), r.stages...)
}

// Stage returns a stage by ID
func (r *Registry) Stage(id types.StageID) (Stage, bool) {
	st, ok := r.byID[id]
	return st, ok
}

// Triggered returns the stages whose trigger slot is name
func (r *Registry) Triggered(name types.SlotName) []types.StageID {
	return r.byTrigger[name]
}

// Derived reports whether name is written by a stage
func (r *Registry) Derived(name types.SlotName) bool {
	_, ok := r.producer[name]
	return ok
}

// Upstream returns the stages producing any input of id, deduplicated
func (r *Registry) Upstream(id types.StageID) []types.StageID {
	st, ok := r.byID[id]
	if !ok {
		return nil
	}
	seen := make(map[types.StageID]bool)
	var out []types.StageID
	for _, in := range st.Inputs {
		p, ok := r.producer[in]
		if !ok || p == id || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// Outputs returns every output slot of every stage, in stage order
func (r *Registry) Outputs() []types.SlotName {
	var out []types.SlotName
	for _, st := range r.stages {
		out = append(out, st.Outputs...)
	}
	return out
}
