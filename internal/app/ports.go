package app

import (
	"context"

	"github.com/evanschultz/tally/internal/domain"
)

// Repository persists the four session-engine records. Loads return nil
// when a record has never been written.
type Repository interface {
	LoadActiveSession(context.Context) (*domain.Session, error)
	LoadHistory(context.Context) ([]domain.Session, error)
	LoadAppState(context.Context) (*domain.AppState, error)
	LoadPreferences(context.Context) (*domain.Preferences, error)
	SaveState(context.Context, StateWrite) error
}

// StateWrite lists every record one operation changes. The repository
// commits them together or not at all.
type StateWrite struct {
	ActiveSession      *domain.Session
	ClearActiveSession bool
	History            []domain.Session
	WriteHistory       bool
	AppState           *domain.AppState
	Preferences        *domain.Preferences
}

// IsEmpty reports whether the write touches no record.
func (w StateWrite) IsEmpty() bool {
	return w.ActiveSession == nil &&
		!w.ClearActiveSession &&
		!w.WriteHistory &&
		w.AppState == nil &&
		w.Preferences == nil
}

// AuditSink receives best-effort notifications after committed mutations.
type AuditSink interface {
	RecordAuditEvent(context.Context, domain.AuditEvent) error
}

// AuditLog is implemented by sinks that can list what they recorded.
type AuditLog interface {
	ListAuditEvents(context.Context, int) ([]domain.AuditEvent, error)
}

// Logger is the structured logging surface the service writes to.
type Logger interface {
	Debug(msg any, keyvals ...any)
	Info(msg any, keyvals ...any)
	Warn(msg any, keyvals ...any)
	Error(msg any, keyvals ...any)
}
