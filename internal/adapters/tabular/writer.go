package tabular

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/evanschultz/tally/internal/app"
	"github.com/evanschultz/tally/internal/domain"
	"github.com/xuri/excelize/v2"
)

// maxSheetNameLen is the longest sheet name a workbook accepts.
const maxSheetNameLen = 31

// WriteCSV writes one export result as delimited text.
func WriteCSV(w io.Writer, result app.ExportResult, delimiter rune) error {
	return app.WriteDelimitedTable(w, result, delimiter)
}

// WriteXLSX writes a workbook with one sheet per export result, in the
// same column order as the delimited export.
func WriteXLSX(w io.Writer, results []app.ExportResult) error {
	if len(results) == 0 {
		return errors.New("no export results to write")
	}
	f := excelize.NewFile()
	defer f.Close()

	defaultSheet := f.GetSheetName(0)
	used := map[string]struct{}{}
	for idx, result := range results {
		name := uniqueSheetName(result.SessionInfo, used)
		if idx == 0 {
			if err := f.SetSheetName(defaultSheet, name); err != nil {
				return fmt.Errorf("name sheet %q: %w", name, err)
			}
		} else if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet %q: %w", name, err)
		}
		if err := writeSheet(f, name, result); err != nil {
			return err
		}
	}
	f.SetActiveSheet(0)
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// WriteFile writes results to path in format. Delimited formats hold a
// single result.
func WriteFile(path string, format domain.ExportFormat, results []app.ExportResult) (err error) {
	if len(results) == 0 {
		return errors.New("no export results to write")
	}
	if format != domain.ExportFormatXLSX && len(results) > 1 {
		return fmt.Errorf("%s export holds one session, got %d", format, len(results))
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create export dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("close export file: %w", closeErr)
		}
	}()
	switch format {
	case domain.ExportFormatXLSX:
		return WriteXLSX(f, results)
	case domain.ExportFormatCSV:
		return WriteCSV(f, results[0], ',')
	default:
		return fmt.Errorf("%w: %q", app.ErrUnsupportedFormat, format)
	}
}

func writeSheet(f *excelize.File, sheet string, result app.ExportResult) error {
	header := make([]any, 0, len(app.ExportColumns))
	for _, column := range app.ExportColumns {
		header = append(header, column)
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write header on %q: %w", sheet, err)
	}
	for idx, row := range result.Results {
		cell, err := excelize.CoordinatesToCellName(1, idx+2)
		if err != nil {
			return err
		}
		values := cellValues(row)
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("write row %q on %q: %w", row.Identifier, sheet, err)
		}
	}
	return nil
}

// cellValues keeps quantities numeric so spreadsheet formulas work on them.
func cellValues(row app.ExportRow) []any {
	record := row.Record()
	values := make([]any, len(record))
	for i, v := range record {
		values[i] = v
	}
	values[4] = row.ExpectedQuantity
	if row.CountedQuantity != nil {
		values[5] = *row.CountedQuantity
	}
	if row.Variance != nil {
		values[6] = *row.Variance
	}
	return values
}

func uniqueSheetName(info app.SessionInfo, used map[string]struct{}) string {
	base := sanitizeSheetName(strings.TrimSuffix(info.Filename, filepath.Ext(info.Filename)))
	if base == "" {
		base = sanitizeSheetName(info.ID)
	}
	if base == "" {
		base = "Session"
	}
	name := truncate(base, maxSheetNameLen)
	for n := 2; ; n++ {
		if _, ok := used[strings.ToLower(name)]; !ok {
			break
		}
		suffix := " (" + strconv.Itoa(n) + ")"
		name = truncate(base, maxSheetNameLen-len(suffix)) + suffix
	}
	used[strings.ToLower(name)] = struct{}{}
	return name
}

func sanitizeSheetName(raw string) string {
	replacer := strings.NewReplacer(":", "-", "\\", "-", "/", "-", "?", "", "*", "", "[", "(", "]", ")")
	name := strings.TrimSpace(replacer.Replace(raw))
	return strings.Trim(name, "'")
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
