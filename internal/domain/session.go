package domain

import (
	"math"
	"slices"
	"strings"
	"time"
)

// SessionStatus describes where a session sits in its lifecycle.
type SessionStatus string

// Session lifecycle states. Completed and cancelled are terminal.
const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// UploadMetadata records where a session's roster came from.
type UploadMetadata struct {
	Filename     string    `json:"filename"`
	Sheet        string    `json:"sheet,omitempty"`
	UploadedAt   time.Time `json:"uploadedAt"`
	RowCount     int       `json:"rowCount"`
	SkippedCount int       `json:"skippedCount"`
}

// CountProgress summarizes how far a count has come.
type CountProgress struct {
	Total      int           `json:"total"`
	Counted    int           `json:"counted"`
	Percentage int           `json:"percentage"`
	StartTime  time.Time     `json:"startTime"`
	EndTime    *time.Time    `json:"endTime,omitempty"`
	TimeSpent  time.Duration `json:"timeSpent"`
}

// Session is one counting pass over an imported roster.
type Session struct {
	ID             string         `json:"id"`
	Status         SessionStatus  `json:"status"`
	UploadMetadata UploadMetadata `json:"uploadMetadata"`
	Items          []RosterItem   `json:"items"`
	CountProgress  CountProgress  `json:"countProgress"`
	LastActivity   time.Time      `json:"lastActivity"`
}

type SessionInput struct {
	ID     string
	Upload UploadMetadata
	Items  []RosterItem
}

func NewSession(in SessionInput, now time.Time) (Session, error) {
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		return Session{}, ErrInvalidID
	}
	now = now.UTC()
	upload := in.Upload
	upload.Filename = strings.TrimSpace(upload.Filename)
	upload.Sheet = strings.TrimSpace(upload.Sheet)
	if upload.UploadedAt.IsZero() {
		upload.UploadedAt = now
	}
	upload.UploadedAt = upload.UploadedAt.UTC()

	items := make([]RosterItem, 0, len(in.Items))
	for _, item := range in.Items {
		items = append(items, item.Clone())
	}
	s := Session{
		ID:             in.ID,
		Status:         SessionStatusActive,
		UploadMetadata: upload,
		Items:          items,
		CountProgress:  CountProgress{StartTime: now},
		LastActivity:   now,
	}
	s.RecomputeProgress()
	return s, nil
}

// IsActive reports whether the session still accepts counts.
func (s Session) IsActive() bool {
	return s.Status == SessionStatusActive
}

// RecomputeProgress derives total, counted and percentage from the roster.
func (s *Session) RecomputeProgress() {
	counted := 0
	for _, item := range s.Items {
		if item.Counted {
			counted++
		}
	}
	s.CountProgress.Total = len(s.Items)
	s.CountProgress.Counted = counted
	s.CountProgress.Percentage = Percentage(counted, len(s.Items))
}

// Touch refreshes the last-activity timestamp.
func (s *Session) Touch(now time.Time) {
	s.LastActivity = now.UTC()
}

// Complete closes an active session as completed.
func (s *Session) Complete(now time.Time) error {
	return s.finish(SessionStatusCompleted, now)
}

// Cancel closes an active session as cancelled.
func (s *Session) Cancel(now time.Time) error {
	return s.finish(SessionStatusCancelled, now)
}

func (s *Session) finish(status SessionStatus, now time.Time) error {
	if !s.IsActive() {
		return ErrSessionClosed
	}
	end := now.UTC()
	spent := end.Sub(s.CountProgress.StartTime)
	if spent < 0 {
		spent = 0
	}
	s.CountProgress.EndTime = &end
	s.CountProgress.TimeSpent = spent
	s.RecomputeProgress()
	s.Status = status
	s.LastActivity = end
	return nil
}

// FindItem resolves an identifier to a roster index. Primary identifiers are
// checked across the whole roster first, then alternates, then barcodes.
func (s Session) FindItem(identifier string) (int, bool) {
	needle := NormalizeIdentifier(identifier)
	if needle == "" {
		return -1, false
	}
	fields := []func(RosterItem) string{
		func(item RosterItem) string { return item.PrimaryIdentifier },
		func(item RosterItem) string { return item.AlternateIdentifier },
		func(item RosterItem) string { return item.Barcode },
	}
	for _, field := range fields {
		for idx, item := range s.Items {
			if NormalizeIdentifier(field(item)) == needle {
				return idx, true
			}
		}
	}
	return -1, false
}

// RecordCount marks one roster item counted and returns whether it was
// already counted before this call.
func (s *Session) RecordCount(idx, quantity int, notes string, now time.Time) (bool, error) {
	if !s.IsActive() {
		return false, ErrSessionClosed
	}
	if idx < 0 || idx >= len(s.Items) {
		return false, ErrItemNotFound
	}
	if quantity < 0 {
		return false, ErrInvalidQuantity
	}
	now = now.UTC()
	item := &s.Items[idx]
	wasCounted := item.Counted
	qty := quantity
	item.Counted = true
	item.CountedQuantity = &qty
	item.CountedTime = &now
	item.Notes = strings.TrimSpace(notes)
	s.RecomputeProgress()
	s.Touch(now)
	return wasCounted, nil
}

// Clone returns a deep copy safe to hand to other owners.
func (s Session) Clone() Session {
	out := s
	out.Items = make([]RosterItem, len(s.Items))
	for i, item := range s.Items {
		out.Items[i] = item.Clone()
	}
	if s.CountProgress.EndTime != nil {
		end := *s.CountProgress.EndTime
		out.CountProgress.EndTime = &end
	}
	return out
}

// RosterItem is one countable row of a session roster.
type RosterItem struct {
	PrimaryIdentifier   string     `json:"primaryIdentifier"`
	AlternateIdentifier string     `json:"alternateIdentifier,omitempty"`
	Barcode             string     `json:"barcode,omitempty"`
	Description         string     `json:"description"`
	ExpectedQuantity    int        `json:"expectedQuantity"`
	Counted             bool       `json:"counted"`
	CountedQuantity     *int       `json:"countedQuantity,omitempty"`
	CountedTime         *time.Time `json:"countedTime,omitempty"`
	Notes               string     `json:"notes"`
}

// Identifiers lists the non-empty identifier fields in resolution order.
func (i RosterItem) Identifiers() []string {
	out := make([]string, 0, 3)
	for _, v := range []string{i.PrimaryIdentifier, i.AlternateIdentifier, i.Barcode} {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

// HasIdentifier reports whether any identifier field equals the normalized value.
func (i RosterItem) HasIdentifier(normalized string) bool {
	return slices.ContainsFunc(i.Identifiers(), func(v string) bool {
		return NormalizeIdentifier(v) == normalized
	})
}

// Variance is countedQuantity minus expectedQuantity, defined only once counted.
func (i RosterItem) Variance() (int, bool) {
	if !i.Counted || i.CountedQuantity == nil {
		return 0, false
	}
	return *i.CountedQuantity - i.ExpectedQuantity, true
}

func (i RosterItem) Clone() RosterItem {
	out := i
	if i.CountedQuantity != nil {
		qty := *i.CountedQuantity
		out.CountedQuantity = &qty
	}
	if i.CountedTime != nil {
		at := *i.CountedTime
		out.CountedTime = &at
	}
	return out
}

// NormalizeIdentifier trims and case-folds an identifier for comparison.
func NormalizeIdentifier(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// Percentage is round(counted/total*100), 0 when total is 0.
func Percentage(counted, total int) int {
	if total <= 0 || counted <= 0 {
		return 0
	}
	p := int(math.Round(float64(counted) / float64(total) * 100))
	return min(max(p, 0), 100)
}
