// Package tabular reads roster files into raw tables and writes export
// results as delimited text or XLSX workbooks.
package tabular

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/evanschultz/tally/internal/app"
	"github.com/xuri/excelize/v2"
)

// Format identifies a supported file layout.
type Format string

// Format values.
const (
	FormatCSV  Format = "csv"
	FormatTSV  Format = "tsv"
	FormatXLSX Format = "xlsx"
)

// ErrUnsupportedFile is returned for extensions no reader handles.
var ErrUnsupportedFile = errors.New("unsupported roster file type")

// ErrSheetNotFound is returned when a requested sheet is missing.
var ErrSheetNotFound = errors.New("sheet not found")

// ReadOptions tunes how a roster file is read.
type ReadOptions struct {
	// Sheet selects an XLSX sheet. Empty uses the active sheet.
	Sheet string
	// Delimiter overrides the extension's default field separator.
	Delimiter rune
}

// Document is a raw table plus the details of where it came from.
type Document struct {
	Table  app.RawTable
	Format Format
	Sheet  string
	Sheets []string
}

// FormatFor maps a file name to its reader format.
func FormatFor(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".tsv", ".tab":
		return FormatTSV, nil
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFile, filepath.Ext(name))
	}
}

// ReadFile reads the roster file at path, choosing the reader by extension.
func ReadFile(path string, opts ReadOptions) (Document, error) {
	format, err := FormatFor(path)
	if err != nil {
		return Document{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Document{}, fmt.Errorf("open roster file: %w", err)
	}
	defer f.Close()
	return Read(f, format, opts)
}

// Read reads a roster from r in the given format.
func Read(r io.Reader, format Format, opts ReadOptions) (Document, error) {
	switch format {
	case FormatCSV, FormatTSV:
		delimiter := opts.Delimiter
		if delimiter == 0 {
			delimiter = ','
			if format == FormatTSV {
				delimiter = '\t'
			}
		}
		table, err := ReadCSV(r, delimiter)
		if err != nil {
			return Document{}, err
		}
		return Document{Table: table, Format: format}, nil
	case FormatXLSX:
		return ReadXLSX(r, opts.Sheet)
	default:
		return Document{}, fmt.Errorf("%w: %q", ErrUnsupportedFile, format)
	}
}

// ReadCSV reads a delimited table. The first record is the header row and
// each data row keeps the line it started on.
func ReadCSV(r io.Reader, delimiter rune) (app.RawTable, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return app.RawTable{}, fmt.Errorf("read delimited file: %w", err)
	}
	data = bytes.TrimPrefix(sanitizeUTF8(data), []byte("\ufeff"))

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	if delimiter != 0 {
		reader.Comma = delimiter
	}

	var table app.RawTable
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return app.RawTable{}, fmt.Errorf("parse delimited file: %w", err)
		}
		if table.Headers == nil {
			table.Headers = record
			continue
		}
		line, _ := reader.FieldPos(0)
		table.Rows = append(table.Rows, record)
		table.RowNumbers = append(table.RowNumbers, line)
	}
	return table, nil
}

// ReadXLSX reads one sheet of a workbook. An empty sheet name selects the
// active sheet, falling back to the first one.
func ReadXLSX(r io.Reader, sheet string) (Document, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return Document{}, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return Document{}, fmt.Errorf("%w: workbook has no sheets", ErrSheetNotFound)
	}
	target := strings.TrimSpace(sheet)
	if target == "" {
		target = f.GetSheetName(f.GetActiveSheetIndex())
		if target == "" {
			target = sheets[0]
		}
	}
	if !slices.Contains(sheets, target) {
		return Document{}, fmt.Errorf("%w: %q (available: %s)", ErrSheetNotFound, target, strings.Join(sheets, ", "))
	}

	rows, err := f.GetRows(target)
	if err != nil {
		return Document{}, fmt.Errorf("read sheet %q: %w", target, err)
	}
	doc := Document{Format: FormatXLSX, Sheet: target, Sheets: sheets}
	if len(rows) == 0 {
		return doc, nil
	}
	doc.Table.Headers = rows[0]
	for idx, row := range rows[1:] {
		doc.Table.Rows = append(doc.Table.Rows, row)
		doc.Table.RowNumbers = append(doc.Table.RowNumbers, idx+2)
	}
	return doc, nil
}

// sanitizeUTF8 replaces invalid byte sequences with the replacement rune.
func sanitizeUTF8(data []byte) []byte {
	if utf8.Valid(data) {
		return data
	}
	var buf bytes.Buffer
	buf.Grow(len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			buf.WriteRune(utf8.RuneError)
			data = data[1:]
			continue
		}
		buf.WriteRune(r)
		data = data[size:]
	}
	return buf.Bytes()
}
