package tabular

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/evanschultz/tally/internal/app"
	"github.com/evanschultz/tally/internal/domain"
	"github.com/xuri/excelize/v2"
)

func TestReadCSVStripsBOMAndTracksLines(t *testing.T) {
	input := "\ufeffSKU,Description,Qty\nA1,\"Bolt\nlong\",5\n\nA2,Nut,3\n"
	table, err := ReadCSV(strings.NewReader(input), ',')
	if err != nil {
		t.Fatalf("ReadCSV() error = %v", err)
	}
	if table.Headers[0] != "SKU" {
		t.Fatalf("expected BOM to be stripped, got %q", table.Headers[0])
	}
	if len(table.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(table.Rows))
	}
	if table.Rows[0][1] != "Bolt\nlong" {
		t.Fatalf("unexpected multi-line cell %q", table.Rows[0][1])
	}
	if table.RowNumbers[0] != 2 || table.RowNumbers[1] != 5 {
		t.Fatalf("unexpected row numbers %v", table.RowNumbers)
	}
}

func TestReadCSVToleratesRaggedRowsAndBadBytes(t *testing.T) {
	input := []byte("sku,qty,notes\nA1,2\nA2,3,extra,more\nA\xff3,1\n")
	table, err := ReadCSV(bytes.NewReader(input), ',')
	if err != nil {
		t.Fatalf("ReadCSV() error = %v", err)
	}
	if len(table.Rows) != 3 || len(table.Rows[0]) != 2 || len(table.Rows[1]) != 4 {
		t.Fatalf("unexpected ragged rows %#v", table.Rows)
	}
	if table.Rows[2][0] != "A\uFFFD3" {
		t.Fatalf("expected invalid byte replacement, got %q", table.Rows[2][0])
	}
}

func TestReadFileByExtension(t *testing.T) {
	dir := t.TempDir()
	tsvPath := filepath.Join(dir, "roster.tsv")
	if err := os.WriteFile(tsvPath, []byte("sku\tqty\nA1\t4\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	doc, err := ReadFile(tsvPath, ReadOptions{})
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if doc.Format != FormatTSV || doc.Table.Rows[0][1] != "4" {
		t.Fatalf("unexpected tsv document %#v", doc)
	}

	if _, err := ReadFile(filepath.Join(dir, "roster.pdf"), ReadOptions{}); !errors.Is(err, ErrUnsupportedFile) {
		t.Fatalf("expected ErrUnsupportedFile, got %v", err)
	}
}

func TestReadXLSXSelectsSheet(t *testing.T) {
	f := excelize.NewFile()
	t.Cleanup(func() { _ = f.Close() })
	if err := f.SetSheetName(f.GetSheetName(0), "Notes"); err != nil {
		t.Fatalf("SetSheetName() error = %v", err)
	}
	idx, err := f.NewSheet("Roster")
	if err != nil {
		t.Fatalf("NewSheet() error = %v", err)
	}
	f.SetActiveSheet(idx)
	rows := [][]any{
		{"Part Number", "UPC", "Qty"},
		{"P-1", "0001", 12},
		{},
		{"P-2", "", 3},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("CoordinatesToCellName() error = %v", err)
		}
		if err := f.SetSheetRow("Roster", cell, &row); err != nil {
			t.Fatalf("SetSheetRow() error = %v", err)
		}
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	data := buf.Bytes()

	doc, err := ReadXLSX(bytes.NewReader(data), "")
	if err != nil {
		t.Fatalf("ReadXLSX() error = %v", err)
	}
	if doc.Sheet != "Roster" || len(doc.Sheets) != 2 {
		t.Fatalf("unexpected sheet selection %q %v", doc.Sheet, doc.Sheets)
	}
	result, err := app.ParseAndValidate(doc.Table)
	if err != nil {
		t.Fatalf("ParseAndValidate() error = %v", err)
	}
	if len(result.Items) != 2 || result.Items[0].ExpectedQuantity != 12 || result.SkippedCount != 1 {
		t.Fatalf("unexpected import result %#v", result)
	}
	if doc.Table.RowNumbers[2] != 4 {
		t.Fatalf("unexpected row numbers %v", doc.Table.RowNumbers)
	}

	if _, err := ReadXLSX(bytes.NewReader(data), "Missing"); !errors.Is(err, ErrSheetNotFound) {
		t.Fatalf("expected ErrSheetNotFound, got %v", err)
	}
}

func exportFixture(t *testing.T, id, filename string) app.ExportResult {
	t.Helper()
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	session, err := domain.NewSession(domain.SessionInput{
		ID:     id,
		Upload: domain.UploadMetadata{Filename: filename},
		Items: []domain.RosterItem{
			{PrimaryIdentifier: "A1", Description: "Widget, blue", ExpectedQuantity: 5},
			{PrimaryIdentifier: "A2", Barcode: "0002", ExpectedQuantity: 3},
		},
	}, now)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if _, err := session.RecordCount(0, 7, "", now); err != nil {
		t.Fatalf("RecordCount() error = %v", err)
	}
	session.RecomputeProgress()
	return app.BuildExport(session, now)
}

func TestWriteXLSXRoundTrip(t *testing.T) {
	results := []app.ExportResult{
		exportFixture(t, "s1", "week1.csv"),
		exportFixture(t, "s2", "week1.csv"),
	}
	var buf bytes.Buffer
	if err := WriteXLSX(&buf, results); err != nil {
		t.Fatalf("WriteXLSX() error = %v", err)
	}

	first, err := ReadXLSX(bytes.NewReader(buf.Bytes()), "")
	if err != nil {
		t.Fatalf("ReadXLSX() error = %v", err)
	}
	if len(first.Sheets) != 2 || first.Sheets[0] != "week1" || first.Sheets[1] != "week1 (2)" {
		t.Fatalf("unexpected sheets %v", first.Sheets)
	}
	if strings.Join(first.Table.Headers, ",") != strings.Join(app.ExportColumns, ",") {
		t.Fatalf("unexpected headers %v", first.Table.Headers)
	}
	if first.Table.Rows[0][6] != "2" {
		t.Fatalf("variance cell = %q, want 2", first.Table.Rows[0][6])
	}

	reimported, err := app.ParseAndValidate(first.Table)
	if err != nil {
		t.Fatalf("ParseAndValidate() error = %v", err)
	}
	if len(reimported.Items) != 2 || reimported.Items[0].Description != "Widget, blue" || reimported.Items[1].ExpectedQuantity != 3 {
		t.Fatalf("unexpected reimport %#v", reimported.Items)
	}
}

func TestWriteFileFormats(t *testing.T) {
	dir := t.TempDir()
	result := exportFixture(t, "s1", "roster.csv")

	csvPath := filepath.Join(dir, "out", "export.csv")
	if err := WriteFile(csvPath, domain.ExportFormatCSV, []app.ExportResult{result}); err != nil {
		t.Fatalf("WriteFile(csv) error = %v", err)
	}
	doc, err := ReadFile(csvPath, ReadOptions{})
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if doc.Table.Rows[0][3] != "Widget, blue" {
		t.Fatalf("unexpected description %q", doc.Table.Rows[0][3])
	}

	err = WriteFile(filepath.Join(dir, "many.csv"), domain.ExportFormatCSV, []app.ExportResult{result, result})
	if err == nil {
		t.Fatal("expected multi-session csv export to fail")
	}

	xlsxPath := filepath.Join(dir, "export.xlsx")
	if err := WriteFile(xlsxPath, domain.ExportFormatXLSX, []app.ExportResult{result}); err != nil {
		t.Fatalf("WriteFile(xlsx) error = %v", err)
	}
	if _, err := ReadFile(xlsxPath, ReadOptions{Sheet: "roster"}); err != nil {
		t.Fatalf("ReadFile(xlsx) error = %v", err)
	}
}
