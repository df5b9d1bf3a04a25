package strategy

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

const spreadsheetSchema = `{
	"type": "object",
	"properties": {
	"sheets": {"type": "array", "items": {"type": "string"}},
	"sheet_count": {"type": "integer", "minimum": 1},
	"row_count": {"type": "integer", "minimum": 0},` + businessFieldProps + `
	},
	"required": ["sheets", "sheet_count", "row_count"]
}`

var matchSpreadsheetTypes = MatchTypes(
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.ms-excel.sheet.macroenabled.12",
	"xlsx", "xlsm",
)

// Spreadsheet flattens every sheet of an Office Open XML workbook into
// tab-separated text.
type Spreadsheet struct{}

func (Spreadsheet) Name() string                { return "spreadsheet" }
func (Spreadsheet) Matches(docType string) bool { return matchSpreadsheetTypes(docType) }
func (Spreadsheet) FieldSchema() string         { return spreadsheetSchema }

func (Spreadsheet) Process(ctx context.Context, content []byte, meta Metadata) (*Result, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("%w: open workbook: %v", ErrUnsupportedContent, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	var (
		sb   strings.Builder
		rows int
	)
	for _, sheet := range sheets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sheetRows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		fmt.Fprintf(&sb, "# %s\n", sheet)
		for _, row := range sheetRows {
			sb.WriteString(strings.Join(row, "\t"))
			sb.WriteByte('\n')
		}
		sb.WriteByte('\n')
		rows += len(sheetRows)
	}

	text := truncateString(strings.TrimSpace(sb.String()), MaxTextBytes)
	fields := mergeFields(ExtractFields(text), map[string]any{
		"sheets":      sheets,
		"sheet_count": len(sheets),
		"row_count":   rows,
	})

	return &Result{
		Text:           text,
		Fields:         fields,
		Classification: Classify(meta.Filename, text),
	}, nil
}
