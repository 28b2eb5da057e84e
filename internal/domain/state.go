package domain

import (
	"slices"
	"strings"
	"time"
)

// AppState holds process-wide counters that survive restarts.
type AppState struct {
	TotalSessionsCompleted int       `json:"totalSessionsCompleted"`
	LastActiveSessionID    string    `json:"lastActiveSessionId"`
	InitializedAt          time.Time `json:"initializedAt"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

// NewAppState initializes counters on first use.
func NewAppState(now time.Time) AppState {
	now = now.UTC()
	return AppState{InitializedAt: now, UpdatedAt: now}
}

// RecordCompletion increments the completed-session counter.
func (a *AppState) RecordCompletion(now time.Time) {
	a.TotalSessionsCompleted++
	a.UpdatedAt = now.UTC()
}

// RecordActiveSession remembers the most recently started session.
func (a *AppState) RecordActiveSession(id string, now time.Time) {
	a.LastActiveSessionID = strings.TrimSpace(id)
	a.UpdatedAt = now.UTC()
}

// ExportFormat names a table export encoding.
type ExportFormat string

const (
	ExportFormatCSV  ExportFormat = "csv"
	ExportFormatXLSX ExportFormat = "xlsx"
)

var validExportFormats = []ExportFormat{ExportFormatCSV, ExportFormatXLSX}

// Preferences are operator choices persisted alongside session state.
type Preferences struct {
	SearchIncludeDescriptions bool         `json:"searchIncludeDescriptions"`
	SearchLimit               int          `json:"searchLimit"`
	DefaultQuantity           int          `json:"defaultQuantity"`
	ExportFormat              ExportFormat `json:"exportFormat"`
}

func DefaultPreferences() Preferences {
	return Preferences{
		SearchIncludeDescriptions: true,
		SearchLimit:               25,
		DefaultQuantity:           1,
		ExportFormat:              ExportFormatCSV,
	}
}

// Normalize canonicalizes and validates preference values.
func (p Preferences) Normalize() (Preferences, error) {
	p.ExportFormat = ExportFormat(strings.ToLower(strings.TrimSpace(string(p.ExportFormat))))
	if p.ExportFormat == "" {
		p.ExportFormat = ExportFormatCSV
	}
	if !slices.Contains(validExportFormats, p.ExportFormat) {
		return Preferences{}, ErrInvalidPreferences
	}
	if p.SearchLimit < 0 || p.DefaultQuantity < 0 {
		return Preferences{}, ErrInvalidPreferences
	}
	return p, nil
}

// ParseExportFormat parses a user-supplied export format.
func ParseExportFormat(raw string) (ExportFormat, error) {
	format := ExportFormat(strings.ToLower(strings.TrimSpace(raw)))
	if !slices.Contains(validExportFormats, format) {
		return "", ErrInvalidPreferences
	}
	return format, nil
}
