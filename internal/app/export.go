package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/evanschultz/tally/internal/domain"
)

// BackupVersion defines a package constant value.
const BackupVersion = "tally.backup.v1"

// ExportColumns is the fixed column order of table exports. The names are
// importer synonyms so an export can be imported again.
var ExportColumns = []string{
	"sku",
	"barcode",
	"alternate_id",
	"description",
	"expected_quantity",
	"counted_quantity",
	"variance",
	"status",
	"counted_time",
	"notes",
}

// Row status labels used in exports.
const (
	ExportStatusCounted = "counted"
	ExportStatusPending = "pending"
)

// SessionInfo summarizes the exported session.
type SessionInfo struct {
	ID         string               `json:"id"`
	Status     domain.SessionStatus `json:"status"`
	Filename   string               `json:"filename"`
	Sheet      string               `json:"sheet,omitempty"`
	UploadedAt time.Time            `json:"uploadedAt"`
	Total      int                  `json:"total"`
	Counted    int                  `json:"counted"`
	Remaining  int                  `json:"remaining"`
	Percentage int                  `json:"percentage"`
	StartTime  time.Time            `json:"startTime"`
	EndTime    *time.Time           `json:"endTime,omitempty"`
	TimeSpent  time.Duration        `json:"timeSpent"`
}

// ExportRow is one roster item in export form.
type ExportRow struct {
	Identifier          string     `json:"identifier"`
	Barcode             string     `json:"barcode,omitempty"`
	AlternateIdentifier string     `json:"alternateIdentifier,omitempty"`
	Description         string     `json:"description"`
	ExpectedQuantity    int        `json:"expectedQuantity"`
	CountedQuantity     *int       `json:"countedQuantity"`
	Variance            *int       `json:"variance"`
	Status              string     `json:"status"`
	CountedTime         *time.Time `json:"countedTime,omitempty"`
	Notes               string     `json:"notes"`
}

// ExportResult is a session ready for serialization.
type ExportResult struct {
	SessionInfo SessionInfo `json:"sessionInfo"`
	Results     []ExportRow `json:"results"`
}

// BuildExport converts a session into export rows.
func BuildExport(session domain.Session, now time.Time) ExportResult {
	stats := domain.ComputeStatistics(session, now)
	info := SessionInfo{
		ID:         session.ID,
		Status:     session.Status,
		Filename:   session.UploadMetadata.Filename,
		Sheet:      session.UploadMetadata.Sheet,
		UploadedAt: session.UploadMetadata.UploadedAt,
		Total:      stats.Total,
		Counted:    stats.Counted,
		Remaining:  stats.Remaining,
		Percentage: stats.Percentage,
		StartTime:  session.CountProgress.StartTime,
		TimeSpent:  stats.TimeSpent,
	}
	if session.CountProgress.EndTime != nil {
		end := *session.CountProgress.EndTime
		info.EndTime = &end
	}

	rows := make([]ExportRow, 0, len(session.Items))
	for _, item := range session.Items {
		item = item.Clone()
		row := ExportRow{
			Identifier:          item.PrimaryIdentifier,
			Barcode:             item.Barcode,
			AlternateIdentifier: item.AlternateIdentifier,
			Description:         item.Description,
			ExpectedQuantity:    item.ExpectedQuantity,
			Status:              ExportStatusPending,
			Notes:               item.Notes,
		}
		if variance, ok := item.Variance(); ok {
			row.CountedQuantity = item.CountedQuantity
			row.Variance = &variance
			row.Status = ExportStatusCounted
			row.CountedTime = item.CountedTime
		}
		rows = append(rows, row)
	}
	return ExportResult{SessionInfo: info, Results: rows}
}

// ExportSession exports the active session when id is empty, otherwise the
// active session or history entry with that id.
func (s *Service) ExportSession(ctx context.Context, id string) (ExportResult, error) {
	id = strings.TrimSpace(id)
	if active, ok := s.ActiveSession(ctx); ok && (id == "" || active.ID == id) {
		return BuildExport(active, s.now()), nil
	}
	if id == "" {
		return ExportResult{}, domain.ErrNoActiveSession
	}
	for _, entry := range s.History(ctx) {
		if entry.ID == id {
			return BuildExport(entry, s.now()), nil
		}
	}
	return ExportResult{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
}

// ExportHistory exports every archived session, most recent first.
func (s *Service) ExportHistory(ctx context.Context) []ExportResult {
	history := s.History(ctx)
	now := s.now()
	out := make([]ExportResult, 0, len(history))
	for _, entry := range history {
		out = append(out, BuildExport(entry, now))
	}
	return out
}

// Record renders the row in ExportColumns order.
func (r ExportRow) Record() []string {
	record := []string{
		r.Identifier,
		r.Barcode,
		r.AlternateIdentifier,
		r.Description,
		strconv.Itoa(r.ExpectedQuantity),
		"",
		"",
		r.Status,
		"",
		r.Notes,
	}
	if r.CountedQuantity != nil {
		record[5] = strconv.Itoa(*r.CountedQuantity)
	}
	if r.Variance != nil {
		record[6] = strconv.Itoa(*r.Variance)
	}
	if r.CountedTime != nil {
		record[8] = r.CountedTime.UTC().Format(time.RFC3339)
	}
	return record
}

// WriteDelimitedTable writes the header and every row using delimiter.
// Fields holding the delimiter, quotes or line breaks are quoted.
func WriteDelimitedTable(w io.Writer, result ExportResult, delimiter rune) error {
	writer := csv.NewWriter(w)
	if delimiter != 0 {
		writer.Comma = delimiter
	}
	if err := writer.Write(ExportColumns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, row := range result.Results {
		if err := writer.Write(row.Record()); err != nil {
			return fmt.Errorf("write row %q: %w", row.Identifier, err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush table: %w", err)
	}
	return nil
}

// ToDelimitedTable renders result as comma-separated text.
func ToDelimitedTable(result ExportResult) (string, error) {
	var buf bytes.Buffer
	if err := WriteDelimitedTable(&buf, result, ','); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Backup is a full-state snapshot for disaster recovery.
type Backup struct {
	Version       string             `json:"version"`
	ExportedAt    time.Time          `json:"exportedAt"`
	ActiveSession *domain.Session    `json:"activeSession"`
	History       []domain.Session   `json:"history"`
	AppState      domain.AppState    `json:"appState"`
	Preferences   domain.Preferences `json:"preferences"`
}

// Backup captures every persisted record.
func (s *Service) Backup(ctx context.Context) (Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	backup := Backup{
		Version:     BackupVersion,
		ExportedAt:  s.now(),
		History:     s.loadHistory(ctx),
		AppState:    s.loadAppState(ctx),
		Preferences: s.loadPreferences(ctx),
	}
	if backup.History == nil {
		backup.History = []domain.Session{}
	}
	if active := s.loadActive(ctx); active != nil {
		clone := active.Clone()
		backup.ActiveSession = &clone
	}
	if err := backup.Validate(); err != nil {
		return Backup{}, err
	}
	return backup, nil
}

// Validate checks the backup's structural invariants.
func (b Backup) Validate() error {
	if b.Version != BackupVersion {
		return fmt.Errorf("unsupported backup version %q", b.Version)
	}
	if b.ActiveSession != nil && !b.ActiveSession.IsActive() {
		return errors.New("backup active session is not active")
	}
	seen := map[string]struct{}{}
	for idx, entry := range b.History {
		if entry.IsActive() {
			return fmt.Errorf("history[%d] is still active", idx)
		}
		if _, ok := seen[entry.ID]; ok {
			return fmt.Errorf("history[%d] duplicates session %q", idx, entry.ID)
		}
		seen[entry.ID] = struct{}{}
	}
	return nil
}
