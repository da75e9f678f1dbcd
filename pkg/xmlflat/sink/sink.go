// Package sink writes materialized tables to files.
package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/cognicore/xmlflat/pkg/xmlflat/internalerr"
	"github.com/cognicore/xmlflat/pkg/xmlflat/store"
)

// Sink receives one table per document type.
type Sink interface {
	WriteTable(typ string, t store.Table) error
	Close() error
}

// Format names a file sink.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// Open creates a sink of the given format. CSV writes one file per type
// into target (a directory); XLSX writes a single workbook to target.
func Open(format Format, target string) (Sink, error) {
	switch Format(strings.ToLower(string(format))) {
	case FormatCSV:
		return NewCSV(target)
	case FormatXLSX:
		return NewXLSX(target), nil
	}
	return nil, fmt.Errorf("sink format %q: %w", format, internalerr.ErrInvalidInput)
}

// --- CSV ---

// CSVSink writes <dir>/<type>.csv files.
type CSVSink struct {
	dir   string
	files []string
}

// NewCSV creates dir if needed.
func NewCSV(dir string) (*CSVSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &CSVSink{dir: dir}, nil
}

// WriteTable writes the header row followed by all rows.
func (s *CSVSink) WriteTable(typ string, t store.Table) error {
	path := filepath.Join(s.dir, FileName(typ)+".csv")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(t.Columns); err != nil {
		return err
	}
	if err := w.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	s.files = append(s.files, path)
	return f.Close()
}

// Files returns the paths written so far.
func (s *CSVSink) Files() []string { return append([]string(nil), s.files...) }

// Close implements Sink.
func (s *CSVSink) Close() error { return nil }

// --- XLSX ---

const maxSheetName = 31

// XLSXSink writes one sheet per type into a workbook saved on Close.
type XLSXSink struct {
	path   string
	file   *excelize.File
	sheets map[string]bool
}

// NewXLSX creates an empty workbook that will be saved to path.
func NewXLSX(path string) *XLSXSink {
	return &XLSXSink{path: path, file: excelize.NewFile(), sheets: make(map[string]bool)}
}

// WriteTable adds a sheet named after typ.
func (s *XLSXSink) WriteTable(typ string, t store.Table) error {
	name := s.sheetName(typ)
	first := len(s.sheets) == 0
	if _, err := s.file.NewSheet(name); err != nil {
		return fmt.Errorf("add sheet %s: %w", name, err)
	}
	if first && !strings.EqualFold(name, "Sheet1") {
		if err := s.file.DeleteSheet("Sheet1"); err != nil {
			return err
		}
		idx, err := s.file.GetSheetIndex(name)
		if err != nil {
			return err
		}
		s.file.SetActiveSheet(idx)
	}
	s.sheets[strings.ToLower(name)] = true

	if err := s.setRow(name, 1, t.Columns); err != nil {
		return err
	}
	for i, row := range t.Rows {
		if err := s.setRow(name, i+2, row); err != nil {
			return err
		}
	}
	return nil
}

func (s *XLSXSink) setRow(sheet string, n int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, n)
	if err != nil {
		return err
	}
	row := make([]interface{}, len(values))
	for i, v := range values {
		row[i] = v
	}
	return s.file.SetSheetRow(sheet, cell, &row)
}

// sheetName cuts typ to the sheet name limit, replaces characters Excel
// rejects and makes the name unique (sheet names are case-insensitive).
func (s *XLSXSink) sheetName(typ string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case ':', '\\', '/', '?', '*', '[', ']':
			return '_'
		}
		return r
	}, typ)
	if name == "" {
		name = "_"
	}
	name = truncate(name, maxSheetName)
	base := name
	for i := 2; s.sheets[strings.ToLower(name)]; i++ {
		suffix := fmt.Sprintf("~%d", i)
		name = truncate(base, maxSheetName-len(suffix)) + suffix
	}
	return name
}

// Close saves the workbook. A workbook without sheets is not written.
func (s *XLSXSink) Close() error {
	defer s.file.Close()
	if len(s.sheets) == 0 {
		return nil
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	if err := s.file.SaveAs(s.path); err != nil {
		return fmt.Errorf("save %s: %w", s.path, err)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// FileName turns a type name into a safe file name.
func FileName(typ string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, typ)
	if name == "" {
		return "_"
	}
	return name
}
