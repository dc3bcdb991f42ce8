package format

import (
	"fmt"
	"strings"

	"github.com/AltairaLabs/nma-pipeline/internal/pipeline"
	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

const errorWidth = 60

// StatusTable renders one row per stage followed by the commit state
func StatusTable(st pipeline.Status, m Mode) string {
	tb := NewTable(m)
	tb.Header("Stage", "Status", "Trigger", "Progress", "Error")
	tb.Columns(
		ColumnConfig{Number: 3, Align: AlignRight},
		ColumnConfig{Number: 4, Align: AlignRight},
		ColumnConfig{Number: 5, MaxWidth: errorWidth},
	)
	for _, v := range st.Stages {
		tb.Row(v.Stage, v.Status, trigger(v.TriggerVersion), progress(v.Progress), oneLine(v.Error))
	}
	tb.Footer("state", st.State, "", fmt.Sprintf("%d outcomes", st.Outcomes), readiness(st))
	return tb.String()
}

func trigger(v types.Version) string {
	if v == types.Unset {
		return "-"
	}
	return fmt.Sprintf("v%d", v)
}

func progress(p *types.Progress) string {
	if p == nil || p.Total == 0 {
		return ""
	}
	return fmt.Sprintf("%d/%d", p.Current, p.Total)
}

func readiness(st pipeline.Status) string {
	switch {
	case st.ResultsReady:
		return "results published"
	case st.Ready:
		return "ready to commit"
	default:
		return "not ready"
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
