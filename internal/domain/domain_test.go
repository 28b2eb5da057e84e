package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func sampleItems() []RosterItem {
	return []RosterItem{
		{PrimaryIdentifier: "A1", Barcode: "0001", Description: "Widget", ExpectedQuantity: 5},
		{PrimaryIdentifier: "A2", AlternateIdentifier: "ALT-2", Description: "Gadget", ExpectedQuantity: 3},
	}
}

func TestNewSessionInitializesProgress(t *testing.T) {
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	s, err := NewSession(SessionInput{
		ID:     " s1 ",
		Upload: UploadMetadata{Filename: " roster.csv "},
		Items:  sampleItems(),
	}, now)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if s.ID != "s1" || s.Status != SessionStatusActive {
		t.Fatalf("unexpected session identity %q/%q", s.ID, s.Status)
	}
	if s.UploadMetadata.Filename != "roster.csv" || !s.UploadMetadata.UploadedAt.Equal(now) {
		t.Fatalf("unexpected upload metadata %#v", s.UploadMetadata)
	}
	got := s.CountProgress
	if got.Total != 2 || got.Counted != 0 || got.Percentage != 0 || !got.StartTime.Equal(now) {
		t.Fatalf("unexpected progress %#v", got)
	}
}

func TestNewSessionValidation(t *testing.T) {
	if _, err := NewSession(SessionInput{ID: "  "}, time.Now()); err != ErrInvalidID {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func TestSessionFindItemOrder(t *testing.T) {
	s, err := NewSession(SessionInput{
		ID: "s1",
		Items: []RosterItem{
			{PrimaryIdentifier: "X9", AlternateIdentifier: "B7"},
			{PrimaryIdentifier: "B7"},
			{PrimaryIdentifier: "C3", Barcode: "123"},
		},
	}, time.Now())
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}

	cases := []struct {
		name string
		in   string
		want int
		ok   bool
	}{
		{name: "primary wins over alternate", in: "b7", want: 1, ok: true},
		{name: "alternate", in: " x9 ", want: 0, ok: true},
		{name: "barcode", in: "123", want: 2, ok: true},
		{name: "missing", in: "zzz", want: -1, ok: false},
		{name: "blank", in: "   ", want: -1, ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := s.FindItem(tc.in)
			if got != tc.want || ok != tc.ok {
				t.Fatalf("FindItem(%q) = (%d, %t), want (%d, %t)", tc.in, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestSessionRecordCountDoesNotDoubleCount(t *testing.T) {
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	s, err := NewSession(SessionInput{ID: "s1", Items: sampleItems()}, now)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}

	was, err := s.RecordCount(0, 5, " first ", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("RecordCount() error = %v", err)
	}
	if was {
		t.Fatal("expected first count to report not previously counted")
	}
	if s.CountProgress.Counted != 1 || s.CountProgress.Percentage != 50 {
		t.Fatalf("unexpected progress after first count %#v", s.CountProgress)
	}

	was, err = s.RecordCount(0, 7, "", now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("RecordCount() error = %v", err)
	}
	if !was {
		t.Fatal("expected recount to report previously counted")
	}
	if s.CountProgress.Counted != 1 {
		t.Fatalf("counted = %d, want 1", s.CountProgress.Counted)
	}
	variance, ok := s.Items[0].Variance()
	if !ok || variance != 2 {
		t.Fatalf("Variance() = (%d, %t), want (2, true)", variance, ok)
	}
	if !s.LastActivity.Equal(now.Add(2 * time.Minute)) {
		t.Fatalf("unexpected last activity %v", s.LastActivity)
	}

	if _, err := s.RecordCount(1, -1, "", now); err != ErrInvalidQuantity {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
	if _, err := s.RecordCount(9, 1, "", now); err != ErrItemNotFound {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
}

func TestSessionCompleteIsTerminal(t *testing.T) {
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	s, err := NewSession(SessionInput{ID: "s1", Items: sampleItems()}, now)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if err := s.Complete(now.Add(90 * time.Second)); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if s.Status != SessionStatusCompleted || s.CountProgress.EndTime == nil {
		t.Fatalf("unexpected completed session %#v", s.CountProgress)
	}
	if s.CountProgress.TimeSpent != 90*time.Second {
		t.Fatalf("time spent = %v, want 90s", s.CountProgress.TimeSpent)
	}
	if err := s.Cancel(now); err != ErrSessionClosed {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if _, err := s.RecordCount(0, 1, "", now); err != ErrSessionClosed {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestSessionCloneIsDeep(t *testing.T) {
	now := time.Now()
	s, err := NewSession(SessionInput{ID: "s1", Items: sampleItems()}, now)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if _, err := s.RecordCount(0, 4, "", now); err != nil {
		t.Fatalf("RecordCount() error = %v", err)
	}
	clone := s.Clone()
	*clone.Items[0].CountedQuantity = 99
	clone.Items[1].Description = "changed"
	if *s.Items[0].CountedQuantity != 4 || s.Items[1].Description != "Gadget" {
		t.Fatal("expected clone mutations to leave the original untouched")
	}
}

func TestPercentageBounds(t *testing.T) {
	cases := []struct {
		counted, total, want int
	}{
		{0, 0, 0},
		{1, 2, 50},
		{1, 3, 33},
		{2, 3, 67},
		{3, 3, 100},
		{5, 3, 100},
	}
	for _, tc := range cases {
		if got := Percentage(tc.counted, tc.total); got != tc.want {
			t.Fatalf("Percentage(%d, %d) = %d, want %d", tc.counted, tc.total, got, tc.want)
		}
	}
}

func TestComputeStatistics(t *testing.T) {
	start := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	s, err := NewSession(SessionInput{ID: "s1", Items: sampleItems()}, start)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	empty := ComputeStatistics(s, start.Add(time.Minute))
	if empty.AvgTimePerItem != 0 || empty.EstimatedRemainingTime != 0 || empty.Remaining != 2 {
		t.Fatalf("unexpected statistics before counting %#v", empty)
	}

	if _, err := s.RecordCount(0, 5, "", start.Add(time.Minute)); err != nil {
		t.Fatalf("RecordCount() error = %v", err)
	}
	stats := ComputeStatistics(s, start.Add(4*time.Minute))
	if stats.Total != 2 || stats.Counted != 1 || stats.Remaining != 1 || stats.Percentage != 50 {
		t.Fatalf("unexpected counts %#v", stats)
	}
	if stats.TimeSpent != 4*time.Minute || stats.AvgTimePerItem != 4*time.Minute || stats.EstimatedRemainingTime != 4*time.Minute {
		t.Fatalf("unexpected timings %#v", stats)
	}
	if again := ComputeStatistics(s, start.Add(4*time.Minute)); again != stats {
		t.Fatalf("expected repeatable statistics, got %#v and %#v", stats, again)
	}

	if err := s.Complete(start.Add(10 * time.Minute)); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	finished := ComputeStatistics(s, start.Add(time.Hour))
	if finished.TimeSpent != 10*time.Minute {
		t.Fatalf("finished time spent = %v, want 10m", finished.TimeSpent)
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := NewValidationError("duplicate identifiers",
		RowIssue{Row: 2, Field: "sku", Value: "A1", Message: "also on row 3"},
		RowIssue{Row: 3, Field: "sku", Value: "A1", Message: "also on row 2"},
	)
	if !errors.Is(err, ErrValidation) {
		t.Fatal("expected ValidationError to match ErrValidation")
	}
	msg := err.Error()
	for _, want := range []string{"duplicate identifiers", "row 2", "row 3", `"A1"`} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
}

func TestStorageErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := &StorageError{Op: "write", Record: "history", Err: cause}
	if !errors.Is(err, ErrStorage) || !errors.Is(err, cause) {
		t.Fatalf("expected storage error to match sentinel and cause, got %v", err)
	}
	if err.Error() != "storage write history: disk full" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestPreferencesNormalize(t *testing.T) {
	p, err := Preferences{ExportFormat: " XLSX ", SearchLimit: 10}.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if p.ExportFormat != ExportFormatXLSX {
		t.Fatalf("unexpected export format %q", p.ExportFormat)
	}
	if _, err := (Preferences{ExportFormat: "pdf"}).Normalize(); err != ErrInvalidPreferences {
		t.Fatalf("expected ErrInvalidPreferences, got %v", err)
	}
	if _, err := (Preferences{SearchLimit: -1}).Normalize(); err != ErrInvalidPreferences {
		t.Fatalf("expected ErrInvalidPreferences, got %v", err)
	}
}

func TestNewAuditEventValidation(t *testing.T) {
	now := time.Now()
	if _, err := NewAuditEvent(AuditEventInput{Action: AuditActionCount}, now); err != ErrInvalidID {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
	if _, err := NewAuditEvent(AuditEventInput{ID: "e1", Action: "explode"}, now); err != ErrInvalidAuditAction {
		t.Fatalf("expected ErrInvalidAuditAction, got %v", err)
	}
	event, err := NewAuditEvent(AuditEventInput{
		ID:       "e1",
		Action:   " COUNT ",
		Metadata: map[string]string{" source ": " camera ", "": "dropped"},
	}, now)
	if err != nil {
		t.Fatalf("NewAuditEvent() error = %v", err)
	}
	if event.Action != AuditActionCount || event.Metadata["source"] != "camera" || len(event.Metadata) != 1 {
		t.Fatalf("unexpected event %#v", event)
	}
}
