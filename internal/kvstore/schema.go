package kvstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

// Kind is the JSON shape a slot accepts
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindBool   Kind = "bool"
	KindObject Kind = "object"
	KindList   Kind = "list"
)

// Check reports whether v is valid JSON of this kind. A JSON null is
// accepted for every kind and means "reset to default" to readers.
func (k Kind) Check(v types.Value) error {
	trimmed := bytes.TrimSpace(v)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty value for %s slot", k)
	}
	if !json.Valid(trimmed) {
		return fmt.Errorf("invalid JSON for %s slot", k)
	}
	if bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	c := trimmed[0]
	ok := false
	switch k {
	case KindString:
		ok = c == '"'
	case KindBool:
		ok = c == 't' || c == 'f'
	case KindObject:
		ok = c == '{'
	case KindList:
		ok = c == '['
	case KindInt:
		var n int64
		ok = json.Unmarshal(trimmed, &n) == nil
	}
	if !ok {
		return fmt.Errorf("expected %s, got %.20s", k, trimmed)
	}
	return nil
}

// Outcome arity of a list slot
type Arity int

const (
	// ArityNone marks slots that are not indexed by outcome
	ArityNone Arity = iota
	// ArityOutcomes marks lists with exactly one entry per outcome
	ArityOutcomes
	// ArityOutcomesCombined marks lists with one entry per outcome plus a
	// trailing combined entry when there are at least two outcomes
	ArityOutcomesCombined
)

// ExpectedLen returns the list length a slot of this arity must have for n outcomes
func (a Arity) ExpectedLen(n int) int {
	if a == ArityOutcomesCombined && n >= 2 {
		return n + 1
	}
	return n
}

// SlotSpec describes one slot of the schema
type SlotSpec struct {
	Name    types.SlotName
	Kind    Kind
	Default types.Value
	Arity   Arity
}

// Slot names
const (
	SlotSchemaVersion   types.SlotName = "schema_version"
	SlotRawData         types.SlotName = "raw_data"
	SlotNetData         types.SlotName = "net_data"
	SlotNumberOutcomes  types.SlotName = "number_outcomes"
	SlotOutcomeNames    types.SlotName = "outcome_names"
	SlotEffectModifiers types.SlotName = "effect_modifiers"
	SlotProjectTitle    types.SlotName = "project_title"
	SlotProtocolLink    types.SlotName = "protocol_link"

	SlotDataCheck       types.SlotName = "data_check"
	SlotForestData      types.SlotName = "forest_data"
	SlotForestDataPrws  types.SlotName = "forest_data_prws"
	SlotLeagueTableData types.SlotName = "league_table_data"
	SlotRankingData     types.SlotName = "ranking_data"
	SlotConsistencyData types.SlotName = "consistency_data"
	SlotNetSplitData    types.SlotName = "net_split_data"
	SlotNetSplitAllData types.SlotName = "net_split_all_data"
	SlotFunnelData      types.SlotName = "funnel_data"

	SlotStageErrors   types.SlotName = "stage_errors"
	SlotPipelineState types.SlotName = "pipeline_state"
	SlotResultsReady  types.SlotName = "results_ready"
)

// CurrentSchemaVersion is written to schema_version by new stores and snapshot loads
const CurrentSchemaVersion = "3"

const (
	markerPrefix    = "done."
	publishedPrefix = "published."
)

// MarkerSlot returns the done-marker slot of a stage
func MarkerSlot(stage types.StageID) types.SlotName {
	return types.SlotName(markerPrefix + string(stage))
}

// PublishedSlot returns the committed copy of an output slot
func PublishedSlot(output types.SlotName) types.SlotName {
	return types.SlotName(publishedPrefix + string(output))
}

// Stage identifiers. Their marker slots are part of the schema.
const (
	StageDataCheck   types.StageID = "data_check"
	StageNMA         types.StageID = "nma"
	StagePairwise    types.StageID = "pairwise"
	StageLeagueTable types.StageID = "league_table"
	StageFunnel      types.StageID = "funnel"
)

// Stages lists every stage in cascade order
var Stages = []types.StageID{StageDataCheck, StageNMA, StagePairwise, StageLeagueTable, StageFunnel}

// OutputSlots lists every stage output slot; each has a published copy
var OutputSlots = []types.SlotName{
	SlotDataCheck,
	SlotForestData,
	SlotForestDataPrws,
	SlotLeagueTableData,
	SlotRankingData,
	SlotConsistencyData,
	SlotNetSplitData,
	SlotNetSplitAllData,
	SlotFunnelData,
}

// Schema is the fixed set of slots a store holds
type Schema struct {
	specs map[types.SlotName]SlotSpec
	names []types.SlotName
}

// NewSchema builds a schema, rejecting duplicate names and invalid defaults
func NewSchema(specs ...SlotSpec) (*Schema, error) {
	s := &Schema{specs: make(map[types.SlotName]SlotSpec, len(specs))}
	for _, spec := range specs {
		if _, dup := s.specs[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate slot %s", spec.Name)
		}
		if err := spec.Kind.Check(spec.Default); err != nil {
			return nil, fmt.Errorf("slot %s default: %w", spec.Name, err)
		}
		s.specs[spec.Name] = spec
		s.names = append(s.names, spec.Name)
	}
	sort.Slice(s.names, func(i, j int) bool { return s.names[i] < s.names[j] })
	return s, nil
}

// DefaultSchema returns the project schema
func DefaultSchema() *Schema {
	specs := []SlotSpec{
		{Name: SlotSchemaVersion, Kind: KindString, Default: types.Value(`"` + CurrentSchemaVersion + `"`)},
		{Name: SlotRawData, Kind: KindObject, Default: types.Value(`{}`)},
		{Name: SlotNetData, Kind: KindObject, Default: types.Value(`{}`)},
		{Name: SlotNumberOutcomes, Kind: KindInt, Default: types.Value(`0`)},
		{Name: SlotOutcomeNames, Kind: KindList, Default: types.Value(`[]`), Arity: ArityOutcomes},
		{Name: SlotEffectModifiers, Kind: KindList, Default: types.Value(`[]`)},
		{Name: SlotProjectTitle, Kind: KindString, Default: types.Value(`""`)},
		{Name: SlotProtocolLink, Kind: KindString, Default: types.Value(`""`)},
		{Name: SlotStageErrors, Kind: KindObject, Default: types.Value(`{}`)},
		{Name: SlotPipelineState, Kind: KindString, Default: types.Value(`"collecting"`)},
		{Name: SlotResultsReady, Kind: KindBool, Default: types.Value(`false`)},
	}

	outputs := []SlotSpec{
		{Name: SlotDataCheck, Kind: KindObject, Default: types.Value(`{}`)},
		{Name: SlotForestData, Kind: KindList, Default: types.Value(`[]`), Arity: ArityOutcomes},
		{Name: SlotForestDataPrws, Kind: KindList, Default: types.Value(`[]`), Arity: ArityOutcomes},
		{Name: SlotLeagueTableData, Kind: KindList, Default: types.Value(`[]`), Arity: ArityOutcomesCombined},
		{Name: SlotRankingData, Kind: KindList, Default: types.Value(`[]`), Arity: ArityOutcomes},
		{Name: SlotConsistencyData, Kind: KindList, Default: types.Value(`[]`), Arity: ArityOutcomes},
		{Name: SlotNetSplitData, Kind: KindList, Default: types.Value(`[]`), Arity: ArityOutcomes},
		{Name: SlotNetSplitAllData, Kind: KindList, Default: types.Value(`[]`), Arity: ArityOutcomes},
		{Name: SlotFunnelData, Kind: KindList, Default: types.Value(`[]`), Arity: ArityOutcomes},
	}
	for _, out := range outputs {
		specs = append(specs, out)
		pub := out
		pub.Name = PublishedSlot(out.Name)
		specs = append(specs, pub)
	}

	for _, stage := range Stages {
		specs = append(specs, SlotSpec{Name: MarkerSlot(stage), Kind: KindObject, Default: types.Value(`{}`)})
	}

	schema, err := NewSchema(specs...)
	if err != nil {
		panic(err) // static table
	}
	return schema
}

// Lookup returns the spec of a slot
func (s *Schema) Lookup(name types.SlotName) (SlotSpec, bool) {
	spec, ok := s.specs[name]
	return spec, ok
}

// Has reports whether the slot is part of the schema
func (s *Schema) Has(name types.SlotName) bool {
	_, ok := s.specs[name]
	return ok
}

// Names returns every slot name in sorted order
func (s *Schema) Names() []types.SlotName {
	return append([]types.SlotName(nil), s.names...)
}

// Default returns the default value of a slot, nil for unknown slots
func (s *Schema) Default(name types.SlotName) types.Value {
	spec, ok := s.specs[name]
	if !ok {
		return nil
	}
	return bytes.Clone(spec.Default)
}

// Defaults returns every slot's default value
func (s *Schema) Defaults() map[types.SlotName]types.Value {
	out := make(map[types.SlotName]types.Value, len(s.names))
	for _, name := range s.names {
		out[name] = s.Default(name)
	}
	return out
}
