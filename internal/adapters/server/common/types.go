// Package common provides transport-agnostic server contracts used by HTTP and MCP adapters.
package common

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/evanschultz/tally/internal/app"
	"github.com/evanschultz/tally/internal/domain"
)

// DefaultSearchLimit caps search results when neither request nor preferences set one.
const DefaultSearchLimit = 25

// ErrInvalidRequest reports malformed transport input.
var ErrInvalidRequest = errors.New("invalid request")

// ErrValidation reports a roster that failed import validation.
var ErrValidation = errors.New("validation failed")

// ErrInvalidQuantity reports a counted quantity that is not a whole number >= 0.
var ErrInvalidQuantity = errors.New("invalid quantity")

// ErrItemNotFound reports an identifier missing from the active roster.
var ErrItemNotFound = errors.New("item not found")

// ErrNoActiveSession reports an operation that needs an active session.
var ErrNoActiveSession = errors.New("no active session")

// ErrNotFound reports missing transport-visible resources.
var ErrNotFound = errors.New("not found")

// ErrStorage reports a persistence failure.
var ErrStorage = errors.New("storage error")

// Quantity accepts a JSON number or string so callers can forward raw
// scanner input unchanged. Parsing happens in the service.
type Quantity string

// UnmarshalJSON decodes a number or string quantity.
func (q *Quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*q = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*q = Quantity(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("quantity must be a number or string: %w", err)
	}
	*q = Quantity(n.String())
	return nil
}

// CountItemRequest records one scanned or typed identifier.
type CountItemRequest struct {
	Identifier string   `json:"identifier"`
	Quantity   Quantity `json:"quantity"`
	Notes      string   `json:"notes,omitempty"`
	Source     string   `json:"source,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// quantityOrDefault falls back to def when the request omits a quantity.
func (r CountItemRequest) quantityOrDefault(def int) string {
	if r.Quantity == "" {
		return strconv.Itoa(def)
	}
	return string(r.Quantity)
}

// SearchRequest queries the active roster.
type SearchRequest struct {
	Query string
	// IncludeDescriptions nil uses the stored preference.
	IncludeDescriptions *bool
	// Limit <= 0 uses the stored preference.
	Limit int
}

// SearchResult is one bounded page of search hits.
type SearchResult struct {
	Query     string              `json:"query"`
	Items     []domain.RosterItem `json:"items"`
	Total     int                 `json:"total"`
	Truncated bool                `json:"truncated"`
}

// ImportRequest carries an already-parsed roster table.
type ImportRequest struct {
	Filename string
	Sheet    string
	Table    app.RawTable
}

// ImportResult reports the session an import created.
type ImportResult struct {
	Session      domain.Session `json:"session"`
	ItemCount    int            `json:"itemCount"`
	RowCount     int            `json:"rowCount"`
	SkippedCount int            `json:"skippedCount"`
}

// SessionReader exposes read-only session state.
type SessionReader interface {
	ActiveSession(context.Context) (domain.Session, error)
	Statistics(context.Context) (domain.Statistics, error)
	SearchItems(context.Context, SearchRequest) (SearchResult, error)
	History(context.Context) ([]domain.Session, error)
}

// CountingService is the full transport-facing session surface.
type CountingService interface {
	SessionReader
	ImportRoster(context.Context, ImportRequest) (ImportResult, error)
	CountItem(context.Context, CountItemRequest) (app.CountResult, error)
	CompleteSession(context.Context) (domain.Session, error)
	CancelSession(context.Context) (domain.Session, error)
	ExportSession(context.Context, string) (app.ExportResult, error)
	Backup(context.Context) (app.Backup, error)
}
