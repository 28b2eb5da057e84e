package app

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/evanschultz/tally/internal/domain"
)

// RawTable is a decoded tabular file: one header row plus data rows.
type RawTable struct {
	Headers []string
	Rows    [][]string
	// RowNumbers holds the source row number of each entry in Rows. When
	// empty, the header is row 1 and data rows follow consecutively.
	RowNumbers []int
}

func (t RawTable) rowNumber(idx int) int {
	if idx < len(t.RowNumbers) && t.RowNumbers[idx] > 0 {
		return t.RowNumbers[idx]
	}
	return idx + 2
}

// CanonicalField names one roster column after header resolution.
type CanonicalField string

// Canonical roster fields recognized by the importer.
const (
	FieldIdentifier          CanonicalField = "identifier"
	FieldBarcode             CanonicalField = "barcode"
	FieldAlternateIdentifier CanonicalField = "alternateIdentifier"
	FieldDescription         CanonicalField = "description"
	FieldExpectedQuantity    CanonicalField = "expectedQuantity"
)

var canonicalFieldOrder = []CanonicalField{
	FieldIdentifier,
	FieldBarcode,
	FieldAlternateIdentifier,
	FieldDescription,
	FieldExpectedQuantity,
}

var headerSynonyms = map[CanonicalField][]string{
	FieldIdentifier:          {"sku", "item_code", "product_code", "part_number", "id"},
	FieldBarcode:             {"barcode", "upc", "ean", "gtin"},
	FieldAlternateIdentifier: {"alternate_id", "alt_id", "alternate_identifier"},
	FieldDescription:         {"description", "name", "product_name"},
	FieldExpectedQuantity:    {"quantity", "qty", "expected_quantity"},
}

// HeaderSynonyms returns a copy of the header synonym table.
func HeaderSynonyms() map[CanonicalField][]string {
	out := make(map[CanonicalField][]string, len(headerSynonyms))
	for field, names := range headerSynonyms {
		out[field] = slices.Clone(names)
	}
	return out
}

// ImportResult is a validated roster ready to become a session.
type ImportResult struct {
	Items        []domain.RosterItem
	SkippedCount int
	RowCount     int
}

// ParseAndValidate maps raw headers onto canonical fields and builds roster
// items. Any duplicate primary identifier rejects the whole table.
func ParseAndValidate(table RawTable) (ImportResult, error) {
	if !slices.ContainsFunc(table.Headers, func(h string) bool { return cleanHeader(h) != "" }) {
		return ImportResult{}, domain.NewValidationError("file has no header row")
	}
	columns := resolveColumns(table.Headers)
	_, hasID := columns[FieldIdentifier]
	_, hasBarcode := columns[FieldBarcode]
	if !hasID && !hasBarcode {
		return ImportResult{}, domain.NewValidationError("missing identifier column")
	}

	type occurrence struct {
		row   int
		value string
	}
	var (
		items    = make([]domain.RosterItem, 0, len(table.Rows))
		skipped  int
		seen     = map[string][]occurrence{}
		keyOrder []string
	)
	for idx, row := range table.Rows {
		identifier := cellValue(row, columns, FieldIdentifier)
		barcode := cellValue(row, columns, FieldBarcode)
		primary := identifier
		if primary == "" {
			primary = barcode
		}
		if primary == "" {
			skipped++
			continue
		}
		key := domain.NormalizeIdentifier(primary)
		if _, ok := seen[key]; !ok {
			keyOrder = append(keyOrder, key)
		}
		seen[key] = append(seen[key], occurrence{row: table.rowNumber(idx), value: primary})

		items = append(items, domain.RosterItem{
			PrimaryIdentifier:   primary,
			AlternateIdentifier: cellValue(row, columns, FieldAlternateIdentifier),
			Barcode:             barcode,
			Description:         cellValue(row, columns, FieldDescription),
			ExpectedQuantity:    parseExpectedQuantity(cellValue(row, columns, FieldExpectedQuantity)),
		})
	}

	var issues []domain.RowIssue
	for _, key := range keyOrder {
		occurrences := seen[key]
		if len(occurrences) < 2 {
			continue
		}
		for i, occ := range occurrences {
			others := make([]string, 0, len(occurrences)-1)
			for j, other := range occurrences {
				if j != i {
					others = append(others, strconv.Itoa(other.row))
				}
			}
			issues = append(issues, domain.RowIssue{
				Row:     occ.row,
				Field:   string(FieldIdentifier),
				Value:   occ.value,
				Message: "duplicate of row " + strings.Join(others, ", "),
			})
		}
	}
	if len(issues) > 0 {
		return ImportResult{}, domain.NewValidationError("duplicate identifiers", issues...)
	}
	if len(items) == 0 {
		return ImportResult{}, domain.NewValidationError("no rows with an identifier or barcode")
	}
	return ImportResult{
		Items:        items,
		SkippedCount: skipped,
		RowCount:     len(table.Rows),
	}, nil
}

// ImportInput describes one roster file to import.
type ImportInput struct {
	Filename string
	Sheet    string
	Table    RawTable
}

// ImportRoster validates the table fully and only then replaces the active
// session with a new one built from it.
func (s *Service) ImportRoster(ctx context.Context, in ImportInput) (domain.Session, ImportResult, error) {
	result, err := ParseAndValidate(in.Table)
	if err != nil {
		return domain.Session{}, ImportResult{}, err
	}
	session, err := s.CreateSession(ctx, CreateSessionInput{
		Filename:     in.Filename,
		Sheet:        in.Sheet,
		Items:        result.Items,
		RowCount:     result.RowCount,
		SkippedCount: result.SkippedCount,
	})
	if err != nil {
		return domain.Session{}, ImportResult{}, fmt.Errorf("create session: %w", err)
	}
	return session, result, nil
}

func resolveColumns(headers []string) map[CanonicalField]int {
	lookup := map[string]CanonicalField{}
	for _, field := range canonicalFieldOrder {
		for _, name := range headerSynonyms[field] {
			lookup[name] = field
		}
	}
	columns := map[CanonicalField]int{}
	for idx, raw := range headers {
		field, ok := lookup[cleanHeader(raw)]
		if !ok {
			continue
		}
		if _, taken := columns[field]; taken {
			continue
		}
		columns[field] = idx
	}
	return columns
}

func cellValue(row []string, columns map[CanonicalField]int, field CanonicalField) string {
	idx, ok := columns[field]
	if !ok || idx >= len(row) {
		return ""
	}
	return cleanCell(row[idx])
}

// cleanHeader normalizes one header cell for synonym lookup.
// Spaces and hyphens fold to underscores so "Item Code" matches item_code.
func cleanHeader(v string) string {
	v = strings.TrimPrefix(v, "\ufeff")
	v = strings.ToLower(cleanCell(v))
	return strings.Join(strings.FieldsFunc(v, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '\t'
	}), "_")
}

// cleanCell strips spreadsheet artifacts: whitespace, a leading formula
// marker and wrapping quotes.
func cleanCell(v string) string {
	v = strings.TrimSpace(v)
	switch {
	case len(v) >= 3 && strings.HasPrefix(v, `="`) && strings.HasSuffix(v, `"`):
		v = v[2 : len(v)-1]
	case strings.HasPrefix(v, "="):
		v = v[1:]
	}
	if len(v) >= 2 {
		first, last := v[0], v[len(v)-1]
		if first == last && (first == '"' || first == '\'') {
			v = v[1 : len(v)-1]
		}
	}
	return strings.TrimSpace(v)
}

// parseExpectedQuantity never fails: anything unparseable or negative is 0.
func parseExpectedQuantity(raw string) int {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if raw == "" {
		return 0
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return max(n, 0)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > math.MaxInt32 {
		return 0
	}
	return int(f)
}

// CanonicalFields lists the canonical fields in display order.
func CanonicalFields() []CanonicalField {
	return slices.Clone(canonicalFieldOrder)
}
