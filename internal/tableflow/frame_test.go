package tableflow

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"knowflow/internal/types"
)

func TestLoadFramesCSV(t *testing.T) {
	csv := "name,age,\nalice,30,x\nbob,25,y\n"
	frames, err := LoadFrames("people.csv", strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, frames, 1)

	f := frames[0]
	assert.Equal(t, "people", f.Sheet)
	// Blank headers get positional names.
	assert.Equal(t, []string{"name", "age", "column_3"}, f.Columns)
	assert.Equal(t, 2, f.RowCount())
	assert.Equal(t, []string{"30", "25"}, f.Column(1))
}

func TestLoadFramesCSVRaggedRows(t *testing.T) {
	csv := "a,b,c\n1,2\n3,4,5\n"
	frames, err := LoadFrames("ragged.csv", strings.NewReader(csv))
	require.NoError(t, err)
	// Short rows pad with empty cells on column access.
	assert.Equal(t, []string{"", "5"}, frames[0].Column(2))
}

func TestLoadFramesWorkbook(t *testing.T) {
	wb := excelize.NewFile()
	require.NoError(t, wb.SetSheetRow("Sheet1", "A1", &[]any{"city", "population"}))
	require.NoError(t, wb.SetSheetRow("Sheet1", "A2", &[]any{"oslo", 700000}))
	_, err := wb.NewSheet("Extra")
	require.NoError(t, err)
	require.NoError(t, wb.SetSheetRow("Extra", "A1", &[]any{"only_header"}))

	var buf bytes.Buffer
	require.NoError(t, wb.Write(&buf))
	require.NoError(t, wb.Close())

	frames, err := LoadFrames("cities.xlsx", &buf)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "Sheet1", frames[0].Sheet)
	assert.Equal(t, []string{"city", "population"}, frames[0].Columns)
	assert.Equal(t, 1, frames[0].RowCount())
	// A header-only sheet still yields a frame with zero data rows.
	assert.Equal(t, "Extra", frames[1].Sheet)
	assert.Equal(t, 0, frames[1].RowCount())
}

func TestLoadFramesUnsupportedFormat(t *testing.T) {
	_, err := LoadFrames("doc.pdf", strings.NewReader("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestLoadFramesEmptyCSV(t *testing.T) {
	_, err := LoadFrames("empty.csv", strings.NewReader(""))
	require.Error(t, err)
}
