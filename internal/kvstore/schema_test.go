package kvstore

import (
	"testing"

	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

func TestKindCheck(t *testing.T) {
	tests := []struct {
		kind    Kind
		value   string
		wantErr bool
	}{
		{KindString, `"x"`, false},
		{KindString, `1`, true},
		{KindInt, `2`, false},
		{KindInt, `2.5`, true},
		{KindBool, `true`, false},
		{KindBool, `"true"`, true},
		{KindObject, `{"a":1}`, false},
		{KindObject, `[]`, true},
		{KindList, ` [1,2]`, false},
		{KindList, `{}`, true},
		{KindList, `null`, false},
		{KindList, `[1,`, true},
		{KindObject, ``, true},
	}

	for _, tt := range tests {
		err := tt.kind.Check(types.Value(tt.value))
		if (err != nil) != tt.wantErr {
			t.Errorf("%s.Check(%q) error = %v, wantErr %v", tt.kind, tt.value, err, tt.wantErr)
		}
	}
}

func TestArityExpectedLen(t *testing.T) {
	tests := []struct {
		arity Arity
		n     int
		want  int
	}{
		{ArityOutcomes, 3, 3},
		{ArityOutcomesCombined, 1, 1},
		{ArityOutcomesCombined, 2, 3},
		{ArityOutcomesCombined, 0, 0},
	}
	for _, tt := range tests {
		if got := tt.arity.ExpectedLen(tt.n); got != tt.want {
			t.Errorf("ExpectedLen(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestDefaultSchema(t *testing.T) {
	s := DefaultSchema()

	for _, out := range OutputSlots {
		if !s.Has(out) {
			t.Errorf("missing output slot %s", out)
		}
		if !s.Has(PublishedSlot(out)) {
			t.Errorf("missing published slot for %s", out)
		}
	}
	for _, stage := range Stages {
		if !s.Has(MarkerSlot(stage)) {
			t.Errorf("missing marker slot for %s", stage)
		}
	}

	names := s.Names()
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("names not sorted at %d: %s >= %s", i, names[i-1], names[i])
		}
	}

	if got := string(s.Default(SlotSchemaVersion)); got != `"3"` {
		t.Errorf("schema_version default = %s", got)
	}
	if s.Default("nope") != nil {
		t.Error("unknown slot default must be nil")
	}
}

func TestNewSchemaRejectsDuplicates(t *testing.T) {
	_, err := NewSchema(
		SlotSpec{Name: "a", Kind: KindInt, Default: types.Value(`0`)},
		SlotSpec{Name: "a", Kind: KindInt, Default: types.Value(`0`)},
	)
	if err == nil {
		t.Error("expected duplicate slot error")
	}

	_, err = NewSchema(SlotSpec{Name: "b", Kind: KindInt, Default: types.Value(`"x"`)})
	if err == nil {
		t.Error("expected invalid default error")
	}
}
