package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/quiverhq/quiver/pkg/store"
)

// Spreadsheet bounds. Sheets beyond these are truncated with a note in the
// rendered text.
const (
	MaxSheetRows = 10_000
	MaxSheetCols = 100
)

// SheetExtractor renders each spreadsheet sheet as one Markdown table block.
type SheetExtractor struct{}

// NewSheetExtractor creates a spreadsheet extractor.
func NewSheetExtractor() *SheetExtractor {
	return &SheetExtractor{}
}

// Extract reads an xlsx workbook and emits one block per non-empty sheet.
func (e *SheetExtractor) Extract(data []byte) ([]TextBlock, error) {
	workbook, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open spreadsheet: %w", err)
	}
	defer workbook.Close()

	var blocks []TextBlock
	for sheetIndex, sheetName := range workbook.GetSheetList() {
		rows, err := workbook.GetRows(sheetName)
		if err != nil {
			return nil, fmt.Errorf("failed to read sheet %q: %w", sheetName, err)
		}

		text := renderSheet(sheetName, rows)
		if text == "" {
			continue
		}
		blocks = append(blocks, TextBlock{
			Text: text,
			Location: store.Location{
				Kind:       store.LocationSheet,
				SheetName:  sheetName,
				SheetIndex: sheetIndex,
			},
		})
	}
	return blocks, nil
}

// renderSheet produces a Markdown table: the first non-empty row becomes the
// header. Truncation at the row/column bounds is noted in the text.
func renderSheet(name string, rows [][]string) string {
	rowsTruncated := false
	if len(rows) > MaxSheetRows {
		rows = rows[:MaxSheetRows]
		rowsTruncated = true
	}

	colsTruncated := false
	headerIdx := -1
	var rendered []string
	for i, row := range rows {
		if len(row) > MaxSheetCols {
			row = row[:MaxSheetCols]
			colsTruncated = true
		}
		if rowEmpty(row) {
			continue
		}
		if headerIdx < 0 {
			headerIdx = i
			rendered = append(rendered,
				"| "+strings.Join(row, " | ")+" |",
				"|"+strings.Repeat(" --- |", len(row)))
			continue
		}
		rendered = append(rendered, "| "+strings.Join(row, " | ")+" |")
	}
	if len(rendered) == 0 {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Sheet: %s\n\n", name)
	sb.WriteString(strings.Join(rendered, "\n"))
	if rowsTruncated {
		fmt.Fprintf(&sb, "\n\n(truncated at %d rows)", MaxSheetRows)
	}
	if colsTruncated {
		fmt.Fprintf(&sb, "\n\n(truncated at %d columns)", MaxSheetCols)
	}
	return sb.String()
}

func rowEmpty(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
