// Package dataset defines the upload payload of a network meta-analysis
// project and its conversion into store slots.
package dataset

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/AltairaLabs/nma-pipeline/internal/kvstore"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

// MaxOutcomes bounds the number of outcomes per project
const MaxOutcomes = 20

// Column names of the wide network table
const (
	ColStudy  = "studlab"
	ColTreat1 = "treat1"
	ColTreat2 = "treat2"
)

// TEColumn returns the effect estimate column of outcome i (0-based)
func TEColumn(i int) string { return fmt.Sprintf("TE%d", i+1) }

// SEColumn returns the standard error column of outcome i (0-based)
func SEColumn(i int) string { return fmt.Sprintf("seTE%d", i+1) }

// Effect is one outcome's estimate for a comparison
type Effect struct {
	TE   float64 `json:"TE"`
	SeTE float64 `json:"seTE" validate:"gt=0"`
}

// Row is one two-arm comparison of one study
type Row struct {
	Study     string         `json:"studlab" validate:"required"`
	Treat1    string         `json:"treat1" validate:"required"`
	Treat2    string         `json:"treat2" validate:"required,nefield=Treat1"`
	Effects   []Effect       `json:"effects" validate:"min=1,dive"`
	Modifiers map[string]any `json:"modifiers,omitempty"`
}

// Upload is a complete dataset submitted by a user
type Upload struct {
	NumberOutcomes  int      `json:"number_outcomes" validate:"min=1,max=20"`
	OutcomeNames    []string `json:"outcome_names,omitempty" validate:"omitempty,dive,required"`
	EffectModifiers []string `json:"effect_modifiers,omitempty" validate:"omitempty,dive,required"`
	Rows            []Row    `json:"rows" validate:"min=1,dive"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and outcome-count consistency,
// reporting every problem at once
func (u *Upload) Validate() error {
	var errs []error

	if err := validate.Struct(u); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	if len(u.OutcomeNames) > 0 && len(u.OutcomeNames) != u.NumberOutcomes {
		errs = append(errs, fmt.Errorf("outcome_names has %d entries, number_outcomes is %d",
			len(u.OutcomeNames), u.NumberOutcomes))
	}
	for i, row := range u.Rows {
		if len(row.Effects) != u.NumberOutcomes {
			errs = append(errs, fmt.Errorf("rows[%d] (%s): %d effects, want %d",
				i, row.Study, len(row.Effects), u.NumberOutcomes))
		}
	}
	if len(u.Treatments()) < 2 && len(u.Rows) > 0 {
		errs = append(errs, errors.New("network needs at least two treatments"))
	}

	return errors.Join(errs...)
}

// Treatments returns the distinct treatments in sorted order
func (u *Upload) Treatments() []string {
	set := make(map[string]struct{})
	for _, r := range u.Rows {
		set[r.Treat1] = struct{}{}
		set[r.Treat2] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Names returns the outcome names, generating Outcome1..N when none were given
func (u *Upload) Names() []string {
	if len(u.OutcomeNames) == u.NumberOutcomes && u.NumberOutcomes > 0 {
		return append([]string(nil), u.OutcomeNames...)
	}
	return GenericOutcomeNames(u.NumberOutcomes)
}

// GenericOutcomeNames returns Outcome1..Outcomen
func GenericOutcomeNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("Outcome%d", i+1)
	}
	return names
}

// NetTable returns the wide network table: one row per comparison with
// TE<i>/seTE<i> columns per outcome
func (u *Upload) NetTable() types.Table {
	cols := []string{ColStudy, ColTreat1, ColTreat2}
	for i := 0; i < u.NumberOutcomes; i++ {
		cols = append(cols, TEColumn(i), SEColumn(i))
	}

	t := types.Table{Columns: cols, Index: make([]any, 0, len(u.Rows)), Data: make([][]any, 0, len(u.Rows))}
	for i, r := range u.Rows {
		row := []any{r.Study, r.Treat1, r.Treat2}
		for _, e := range r.Effects {
			row = append(row, e.TE, e.SeTE)
		}
		t.Index = append(t.Index, i)
		t.Data = append(t.Data, row)
	}
	return t
}

// RawTable returns the upload as received, including effect modifier columns
func (u *Upload) RawTable() types.Table {
	t := u.NetTable()
	if len(u.EffectModifiers) == 0 {
		return t
	}
	t.Columns = append(t.Columns, u.EffectModifiers...)
	for i, r := range u.Rows {
		for _, m := range u.EffectModifiers {
			t.Data[i] = append(t.Data[i], r.Modifiers[m])
		}
	}
	return t
}

// Slots converts a validated upload into the slot values it seeds
func (u *Upload) Slots() (map[types.SlotName]types.Value, error) {
	values := map[types.SlotName]any{
		kvstore.SlotRawData:         u.RawTable(),
		kvstore.SlotNetData:         u.NetTable(),
		kvstore.SlotNumberOutcomes:  u.NumberOutcomes,
		kvstore.SlotOutcomeNames:    u.Names(),
		kvstore.SlotEffectModifiers: nonNil(u.EffectModifiers),
	}

	out := make(map[types.SlotName]types.Value, len(values))
	for name, v := range values {
		encoded, err := types.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("slot %s: %w", name, err)
		}
		out[name] = encoded
	}
	return out, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
