package sink

import (
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/cognicore/xmlflat/pkg/xmlflat/internalerr"
	"github.com/cognicore/xmlflat/pkg/xmlflat/store"
)

var invoices = store.Table{
	Columns: []string{"Document.Inv.Amount", "Document.Inv.Line"},
	Rows:    [][]string{{"100", "A"}, {"100", "B, with comma"}},
}

func TestCSVSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	s, err := NewCSV(dir)
	require.NoError(t, err)
	require.NoError(t, s.WriteTable("Inv", invoices))
	require.NoError(t, s.WriteTable("Cstmr/Info", store.Table{Columns: []string{"x"}}))
	require.NoError(t, s.Close())

	assert.Equal(t, []string{filepath.Join(dir, "Inv.csv"), filepath.Join(dir, "Cstmr_Info.csv")}, s.Files())

	f, err := os.Open(filepath.Join(dir, "Inv.csv"))
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, append([][]string{invoices.Columns}, invoices.Rows...), records)
}

func TestXLSXSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.xlsx")
	s := NewXLSX(path)

	long := strings.Repeat("CustomerDirectDebitInitiation", 2)
	require.NoError(t, s.WriteTable("Inv", invoices))
	require.NoError(t, s.WriteTable(long, store.Table{Columns: []string{"a"}, Rows: [][]string{{"1"}}}))
	require.NoError(t, s.WriteTable(long+"V2", store.Table{Columns: []string{"b"}}))
	require.NoError(t, s.Close())

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	sheets := f.GetSheetList()
	require.Len(t, sheets, 3)
	assert.Equal(t, "Inv", sheets[0])
	assert.Equal(t, long[:31], sheets[1])
	assert.Equal(t, long[:29]+"~2", sheets[2])

	rows, err := f.GetRows("Inv")
	require.NoError(t, err)
	assert.Equal(t, append([][]string{invoices.Columns}, invoices.Rows...), rows)
}

func TestXLSXSinkWithoutTablesWritesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.xlsx")
	require.NoError(t, NewXLSX(path).Close())
	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open("CSV", dir)
	require.NoError(t, err)
	assert.IsType(t, &CSVSink{}, s)

	s, err = Open(FormatXLSX, filepath.Join(dir, "x.xlsx"))
	require.NoError(t, err)
	assert.IsType(t, &XLSXSink{}, s)
	require.NoError(t, s.Close())

	_, err = Open("pdf", dir)
	assert.True(t, errors.Is(err, internalerr.ErrInvalidInput))
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "a_b_c", FileName("a/b c"))
	assert.Equal(t, "_", FileName(""))
}
