package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderSheetHeaderAndRows(t *testing.T) {
	rows := [][]string{
		{"", ""},
		{"Name", "Amount"},
		{"Widget", "42"},
	}

	text := renderSheet("Sales", rows)
	lines := strings.Split(text, "\n")
	require.GreaterOrEqual(t, len(lines), 4)
	assert.Equal(t, "Sheet: Sales", lines[0])
	assert.Equal(t, "| Name | Amount |", lines[2])
	assert.Equal(t, "| --- | --- |", lines[3])
	assert.Contains(t, text, "| Widget | 42 |")
}

func TestRenderSheetEmptyReturnsNothing(t *testing.T) {
	assert.Empty(t, renderSheet("Empty", nil))
	assert.Empty(t, renderSheet("Blank", [][]string{{"", ""}, {" "}}))
}

func TestRenderSheetTruncatesRows(t *testing.T) {
	rows := make([][]string, MaxSheetRows+10)
	for i := range rows {
		rows[i] = []string{"a", "b"}
	}

	text := renderSheet("Big", rows)
	assert.Contains(t, text, "(truncated at 10000 rows)")
}

func TestRenderSheetTruncatesColumns(t *testing.T) {
	wide := make([]string, MaxSheetCols+5)
	for i := range wide {
		wide[i] = "c"
	}

	text := renderSheet("Wide", [][]string{wide})
	assert.Contains(t, text, "(truncated at 100 columns)")
	header := strings.Split(text, "\n")[2]
	assert.Equal(t, MaxSheetCols+1, strings.Count(header, "|"))
}
