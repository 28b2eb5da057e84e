package app

import (
	"context"
	"fmt"
	"strconv"

	"github.com/evanschultz/tally/internal/domain"
)

// CreateSessionInput holds a validated roster and its upload details.
type CreateSessionInput struct {
	Filename     string
	Sheet        string
	Items        []domain.RosterItem
	RowCount     int
	SkippedCount int
}

// CreateSession starts a new active session, replacing any existing one.
// Confirming the replacement with the operator is the caller's job.
func (s *Service) CreateSession(ctx context.Context, in CreateSessionInput) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	session, err := domain.NewSession(domain.SessionInput{
		ID: s.idGen(),
		Upload: domain.UploadMetadata{
			Filename:     in.Filename,
			Sheet:        in.Sheet,
			UploadedAt:   now,
			RowCount:     in.RowCount,
			SkippedCount: in.SkippedCount,
		},
		Items: in.Items,
	}, now)
	if err != nil {
		return domain.Session{}, err
	}
	replaced := s.loadActive(ctx)
	state := s.loadAppState(ctx)
	state.RecordActiveSession(session.ID, now)

	if err := s.save(ctx, StateWrite{ActiveSession: &session, AppState: &state}); err != nil {
		return domain.Session{}, fmt.Errorf("save new session: %w", err)
	}
	if replaced != nil {
		s.logger.Warn("active session replaced", "replaced_id", replaced.ID, "session_id", session.ID)
	}
	s.logger.Info("session created", "session_id", session.ID, "filename", session.UploadMetadata.Filename, "items", len(session.Items))
	s.notify(ctx, domain.AuditEventInput{
		Action:    domain.AuditActionImport,
		SessionID: session.ID,
		Metadata: map[string]string{
			"filename": session.UploadMetadata.Filename,
			"items":    strconv.Itoa(len(session.Items)),
			"skipped":  strconv.Itoa(in.SkippedCount),
		},
	})
	return session.Clone(), nil
}

// ActiveSession returns the active session, if any. Unreadable state reads
// as no session.
func (s *Service) ActiveSession(ctx context.Context) (domain.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := s.loadActive(ctx)
	if session == nil {
		return domain.Session{}, false
	}
	return session.Clone(), true
}

// MutateActive applies mutate to the active session, recomputes progress,
// refreshes lastActivity and persists the result. Nothing is written when
// mutate fails.
func (s *Service) MutateActive(ctx context.Context, mutate func(*domain.Session) error) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateActiveLocked(ctx, mutate)
}

func (s *Service) mutateActiveLocked(ctx context.Context, mutate func(*domain.Session) error) (domain.Session, error) {
	current := s.loadActive(ctx)
	if current == nil {
		return domain.Session{}, domain.ErrNoActiveSession
	}
	working := current.Clone()
	if mutate != nil {
		if err := mutate(&working); err != nil {
			return domain.Session{}, err
		}
	}
	switch {
	case working.Status != current.Status:
		return domain.Session{}, fmt.Errorf("mutate active session: status %q -> %q: %w", current.Status, working.Status, domain.ErrSessionClosed)
	case working.ID != current.ID || working.UploadMetadata != current.UploadMetadata:
		return domain.Session{}, fmt.Errorf("mutate active session %s: %w", current.ID, domain.ErrSessionIdentity)
	}
	working.RecomputeProgress()
	working.Touch(s.now())
	if err := s.save(ctx, StateWrite{ActiveSession: &working}); err != nil {
		return domain.Session{}, fmt.Errorf("save active session: %w", err)
	}
	return working.Clone(), nil
}

// CompleteSession closes the active session, archives it, clears the active
// slot and bumps the completed counter in one write.
func (s *Service) CompleteSession(ctx context.Context) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.loadActive(ctx)
	if current == nil {
		return domain.Session{}, domain.ErrNoActiveSession
	}
	now := s.now()
	finished := current.Clone()
	if err := finished.Complete(now); err != nil {
		return domain.Session{}, err
	}
	history := appendHistory(s.loadHistory(ctx), finished, s.historyLimit)
	state := s.loadAppState(ctx)
	state.RecordCompletion(now)

	if err := s.save(ctx, StateWrite{
		ClearActiveSession: true,
		History:            history,
		WriteHistory:       true,
		AppState:           &state,
	}); err != nil {
		return domain.Session{}, fmt.Errorf("save completed session: %w", err)
	}
	s.logger.Info("session completed", "session_id", finished.ID, "counted", finished.CountProgress.Counted, "total", finished.CountProgress.Total)
	s.notify(ctx, domain.AuditEventInput{
		Action:    domain.AuditActionComplete,
		SessionID: finished.ID,
		Metadata: map[string]string{
			"counted":    strconv.Itoa(finished.CountProgress.Counted),
			"total":      strconv.Itoa(finished.CountProgress.Total),
			"time_spent": finished.CountProgress.TimeSpent.String(),
		},
	})
	return finished.Clone(), nil
}

// CancelSession discards the active session without archiving it.
func (s *Service) CancelSession(ctx context.Context) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.loadActive(ctx)
	if current == nil {
		return domain.Session{}, domain.ErrNoActiveSession
	}
	cancelled := current.Clone()
	if err := cancelled.Cancel(s.now()); err != nil {
		return domain.Session{}, err
	}
	if err := s.save(ctx, StateWrite{ClearActiveSession: true}); err != nil {
		return domain.Session{}, fmt.Errorf("clear active session: %w", err)
	}
	s.logger.Info("session cancelled", "session_id", cancelled.ID)
	s.notify(ctx, domain.AuditEventInput{
		Action:    domain.AuditActionCancel,
		SessionID: cancelled.ID,
	})
	return cancelled, nil
}

// Reset clears the active session, the history and the counters.
// Preferences are kept.
func (s *Service) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := domain.NewAppState(s.now())
	if err := s.save(ctx, StateWrite{
		ClearActiveSession: true,
		History:            []domain.Session{},
		WriteHistory:       true,
		AppState:           &state,
	}); err != nil {
		return fmt.Errorf("reset state: %w", err)
	}
	s.logger.Warn("session state reset")
	s.notify(ctx, domain.AuditEventInput{Action: domain.AuditActionReset})
	return nil
}

// AppState returns the persisted counters.
func (s *Service) AppState(ctx context.Context) domain.AppState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadAppState(ctx)
}
