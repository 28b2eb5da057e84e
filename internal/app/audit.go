package app

import (
	"context"

	"github.com/evanschultz/tally/internal/domain"
)

// notify reports a committed mutation to the audit sink. Failures are
// logged and never reach the caller.
func (s *Service) notify(ctx context.Context, in domain.AuditEventInput) {
	if s.audit == nil {
		return
	}
	in.ID = s.idGen()
	event, err := domain.NewAuditEvent(in, s.now())
	if err != nil {
		s.logger.Warn("audit event dropped", "action", in.Action, "err", err)
		return
	}
	if err := s.audit.RecordAuditEvent(ctx, event); err != nil {
		s.logger.Warn("audit sink failed", "action", event.Action, "session_id", event.SessionID, "err", err)
	}
}

// ListAuditEvents lists recorded audit events, newest first, when the
// configured sink keeps them.
func (s *Service) ListAuditEvents(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	log, ok := s.audit.(AuditLog)
	if !ok {
		return nil, ErrAuditUnavailable
	}
	return log.ListAuditEvents(ctx, limit)
}
