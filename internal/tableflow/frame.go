// Package tableflow is the table-file analysis pipeline: nine sequential
// stages from frame loading to chart generation, with a supervisor sidecar
// scoring each completed stage.
package tableflow

import (
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"knowflow/internal/logging"
	"knowflow/internal/types"
)

// Frame is one sheet as raw cells. The header row is split off into Columns;
// typing happens later, in the data-type stage.
type Frame struct {
	Sheet   string
	Columns []string
	Rows    [][]string
}

// Column returns the cell values of one column, padding short rows with "".
func (f *Frame) Column(idx int) []string {
	out := make([]string, len(f.Rows))
	for i, row := range f.Rows {
		if idx < len(row) {
			out[i] = row[idx]
		}
	}
	return out
}

// RowCount reports the number of data rows.
func (f *Frame) RowCount() int { return len(f.Rows) }

// LoadFrames reads a table file into frames, one per sheet. The format is
// picked by extension: .csv gets a single frame named after the file, .xlsx
// one frame per sheet.
func LoadFrames(fileName string, r io.Reader) ([]Frame, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv":
		f, err := readCSV(sheetNameFor(fileName), r)
		if err != nil {
			return nil, err
		}
		return []Frame{f}, nil
	case ".xlsx", ".xlsm":
		return readWorkbook(r)
	default:
		return nil, fmt.Errorf("%w: unsupported table format %q", types.ErrValidation, filepath.Ext(fileName))
	}
}

func sheetNameFor(fileName string) string {
	base := filepath.Base(fileName)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func readCSV(sheet string, r io.Reader) (Frame, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return Frame{}, fmt.Errorf("failed to parse CSV: %w", err)
	}
	return frameFromRecords(sheet, records)
}

func readWorkbook(r io.Reader) ([]Frame, error) {
	wb, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer func() {
		if err := wb.Close(); err != nil {
			logging.Get(logging.CategoryTableFlow).Debugw("workbook close failed", "error", err)
		}
	}()

	var frames []Frame
	for _, sheet := range wb.GetSheetList() {
		rows, err := wb.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("failed to read sheet %s: %w", sheet, err)
		}
		frame, err := frameFromRecords(sheet, rows)
		if err != nil {
			// Empty sheets are common in real workbooks; skip them.
			logging.Get(logging.CategoryTableFlow).Debugw("skipping sheet", "sheet", sheet, "reason", err)
			continue
		}
		frames = append(frames, frame)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: workbook contains no non-empty sheets", types.ErrValidation)
	}
	return frames, nil
}

func frameFromRecords(sheet string, records [][]string) (Frame, error) {
	if len(records) == 0 {
		return Frame{}, fmt.Errorf("sheet %s is empty", sheet)
	}
	header := records[0]
	columns := make([]string, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if h == "" {
			h = fmt.Sprintf("column_%d", i+1)
		}
		columns[i] = h
	}
	return Frame{Sheet: sheet, Columns: columns, Rows: records[1:]}, nil
}
