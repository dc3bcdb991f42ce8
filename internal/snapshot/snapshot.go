// Package snapshot saves a session store to a flat project document and
// loads one back, upgrading documents written by older releases.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/AltairaLabs/nma-pipeline/internal/dataset"
	"github.com/AltairaLabs/nma-pipeline/internal/kvstore"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

// ErrInvalidDocument is returned when a document fails validation. Nothing
// is written in that case.
var ErrInvalidDocument = errors.New("invalid project document")

// Document is a project file: slot name to value, without versions
type Document map[string]json.RawMessage

const (
	legacySuffix     = "_STORAGE"
	legacyVersionKey = "nmastudio-version"
	legacyErrorsKey  = "R_errors_STORAGE"
)

// legacyNames lists legacy keys that do not follow the <slot>_STORAGE rule
var legacyNames = map[string]types.SlotName{
	"net_split_ALL_data_STORAGE": kvstore.SlotNetSplitAllData,
	legacyErrorsKey:              kvstore.SlotStageErrors,
}

// Saved reports whether a slot belongs in a project document. Done markers
// and the commit state refer to store versions and are rebuilt on load.
func Saved(name types.SlotName) bool {
	if name == kvstore.SlotPipelineState {
		return false
	}
	return !strings.HasPrefix(string(name), string(kvstore.MarkerSlot("")))
}

// Save reads every saved slot in one snapshot
func Save(store *kvstore.Store) Document {
	doc := make(Document)
	for name, e := range store.SnapshotAll() {
		if Saved(name) {
			doc[string(name)] = bytes.Clone(e.Value)
		}
	}
	return doc
}

// Write encodes doc as indented JSON
func Write(w io.Writer, doc Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	return enc.Encode(doc)
}

// Read decodes a document
func Read(r io.Reader) (Document, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: document is null", ErrInvalidDocument)
	}
	return doc, nil
}

// Summary describes a loaded document
type Summary struct {
	Version  types.Version `json:"version"`
	Outcomes int           `json:"number_outcomes"`
	Legacy   bool          `json:"legacy"`
	// Ignored lists document keys that are not slots
	Ignored []string `json:"ignored,omitempty"`
}

// Load validates doc and writes it to store in one batch. Missing slots
// take their defaults. Legacy documents get their outcome count inferred,
// generic outcome names and, when results were ready, a published set.
func Load(ctx context.Context, store *kvstore.Store, doc Document) (*Summary, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: document is empty", ErrInvalidDocument)
	}
	schema := store.Schema()
	sum := &Summary{}

	given := make(map[types.SlotName]types.Value, len(doc))
	for key, v := range doc {
		name, legacy, ok := slotName(schema, key)
		sum.Legacy = sum.Legacy || legacy
		if !ok {
			if key != legacyVersionKey {
				sum.Ignored = append(sum.Ignored, key)
			}
			continue
		}
		if !Saved(name) || name == kvstore.SlotSchemaVersion {
			continue
		}
		given[name] = v
	}
	sort.Strings(sum.Ignored)

	var errs []error
	values := schema.Defaults()
	for name, v := range given {
		if isNull(v) {
			continue
		}
		spec, _ := schema.Lookup(name)
		if err := spec.Kind.Check(v); err != nil {
			// legacy documents stored unset counts and names as {}
			if sum.Legacy && isEmptyObject(v) && (name == kvstore.SlotNumberOutcomes || name == kvstore.SlotOutcomeNames) {
				continue
			}
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		values[name] = bytes.Clone(v)
	}
	if len(errs) > 0 {
		return nil, invalid(errs)
	}

	n, err := outcomeCount(schema, values, sum.Legacy)
	if err != nil {
		return nil, invalid([]error{err})
	}
	sum.Outcomes = n
	values[kvstore.SlotNumberOutcomes] = types.MustEncode(n)

	var names []string
	if err := types.Decode(values[kvstore.SlotOutcomeNames], &names); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", kvstore.SlotOutcomeNames, err))
	}
	if len(names) == 0 && n > 0 {
		values[kvstore.SlotOutcomeNames] = types.MustEncode(dataset.GenericOutcomeNames(n))
	}
	errs = append(errs, checkArity(schema, values, n, sum.Legacy)...)

	stageErrors, err := normalizeErrors(values[kvstore.SlotStageErrors], sum.Legacy)
	if err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", kvstore.SlotStageErrors, err))
	}
	values[kvstore.SlotStageErrors] = stageErrors
	if len(errs) > 0 {
		return nil, invalid(errs)
	}

	var ready bool
	_ = types.Decode(values[kvstore.SlotResultsReady], &ready)
	if ready && !hasPublished(given) {
		for _, out := range kvstore.OutputSlots {
			values[kvstore.PublishedSlot(out)] = bytes.Clone(values[out])
		}
	}
	state := "collecting"
	if ready {
		state = "committed"
	}
	values[kvstore.SlotPipelineState] = types.MustEncode(state)
	values[kvstore.SlotSchemaVersion] = types.MustEncode(kvstore.CurrentSchemaVersion)

	v, err := store.SetBatch(ctx, values)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	sum.Version = v
	return sum, nil
}

func invalid(errs []error) error {
	return fmt.Errorf("%w: %w", ErrInvalidDocument, errors.Join(errs...))
}

// slotName maps a document key to a slot, reporting whether the key uses
// the legacy naming
func slotName(schema *kvstore.Schema, key string) (types.SlotName, bool, bool) {
	if key == legacyVersionKey {
		return "", true, false
	}
	if name, ok := legacyNames[key]; ok {
		return name, true, true
	}
	if base, ok := strings.CutSuffix(key, legacySuffix); ok {
		name := types.SlotName(base)
		return name, true, schema.Has(name)
	}
	name := types.SlotName(key)
	return name, false, schema.Has(name)
}

// outcomeCount returns the explicit count or, for legacy documents without
// one, the length of the longest per-outcome list
func outcomeCount(schema *kvstore.Schema, values map[types.SlotName]types.Value, legacy bool) (int, error) {
	var n int
	if err := types.Decode(values[kvstore.SlotNumberOutcomes], &n); err != nil {
		return 0, fmt.Errorf("%s: %w", kvstore.SlotNumberOutcomes, err)
	}
	if n < 0 || n > dataset.MaxOutcomes {
		return 0, fmt.Errorf("%s is %d, want 0 to %d", kvstore.SlotNumberOutcomes, n, dataset.MaxOutcomes)
	}
	if n > 0 || !legacy {
		return n, nil
	}

	for _, name := range schema.Names() {
		spec, _ := schema.Lookup(name)
		if spec.Arity != kvstore.ArityOutcomes || name == kvstore.SlotOutcomeNames {
			continue
		}
		if l := listLen(values[name]); l > n {
			n = l
		}
	}
	if n == 0 {
		// only a league table, which may carry a combined entry
		if l := listLen(values[kvstore.SlotLeagueTableData]); l >= 3 {
			n = l - 1
		} else {
			n = l
		}
	}
	return n, nil
}

// checkArity verifies per-outcome list lengths. Empty lists mean "not
// computed" and are always accepted. Legacy league tables may lack the
// combined entry.
func checkArity(schema *kvstore.Schema, values map[types.SlotName]types.Value, n int, legacy bool) []error {
	var errs []error
	for _, name := range schema.Names() {
		spec, _ := schema.Lookup(name)
		if spec.Arity == kvstore.ArityNone {
			continue
		}
		l := listLen(values[name])
		if l == 0 {
			continue
		}
		want := spec.Arity.ExpectedLen(n)
		if l == want || (legacy && spec.Arity == kvstore.ArityOutcomesCombined && l == n) {
			continue
		}
		errs = append(errs, fmt.Errorf("%s has %d entries, want %d for %d outcomes", name, l, want, n))
	}
	return errs
}

// normalizeErrors rewrites error records so their versions cannot match
// versions of the target store. Legacy error maps hold plain messages.
func normalizeErrors(v types.Value, legacy bool) (types.Value, error) {
	var raw map[string]json.RawMessage
	if err := types.Decode(v, &raw); err != nil {
		return nil, err
	}
	recs := make(map[types.StageID]types.ErrorRecord, len(raw))
	for key, entry := range raw {
		stage := types.StageID(key)
		var rec types.ErrorRecord
		if err := json.Unmarshal(entry, &rec); err == nil && rec.Message != "" {
			rec.Stage, rec.OccurredAtVersion = stage, types.Unset
			recs[stage] = rec
			continue
		}
		if !legacy {
			return nil, fmt.Errorf("entry %s is not an error record", key)
		}
		var msg string
		if err := json.Unmarshal(entry, &msg); err != nil {
			msg = string(entry)
		}
		if msg == "" {
			continue
		}
		recs[stage] = types.ErrorRecord{Stage: stage, Message: msg}
	}
	return types.Encode(recs)
}

func hasPublished(given map[types.SlotName]types.Value) bool {
	for _, out := range kvstore.OutputSlots {
		if v, ok := given[kvstore.PublishedSlot(out)]; ok && !isNull(v) {
			return true
		}
	}
	return false
}

func listLen(v types.Value) int {
	var list []json.RawMessage
	if err := json.Unmarshal(v, &list); err != nil {
		return 0
	}
	return len(list)
}

func isNull(v types.Value) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func isEmptyObject(v types.Value) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("{}"))
}
