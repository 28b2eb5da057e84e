package app

import (
	"context"
	"fmt"
	"strconv"

	"github.com/evanschultz/tally/internal/domain"
)

// appendHistory puts snapshot at the front and keeps the limit most recent.
func appendHistory(history []domain.Session, snapshot domain.Session, limit int) []domain.Session {
	out := make([]domain.Session, 0, min(len(history)+1, max(limit, 1)))
	out = append(out, snapshot.Clone())
	for _, entry := range history {
		if len(out) >= limit {
			break
		}
		out = append(out, entry)
	}
	return out
}

// History returns archived sessions, most recent first.
func (s *Service) History(ctx context.Context) []domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.loadHistory(ctx)
	out := make([]domain.Session, 0, len(history))
	for _, entry := range history {
		out = append(out, entry.Clone())
	}
	return out
}

// LastCompleted returns the most recent completed history entry.
func (s *Service) LastCompleted(ctx context.Context) (domain.Session, bool) {
	for _, entry := range s.History(ctx) {
		if entry.Status == domain.SessionStatusCompleted {
			return entry, true
		}
	}
	return domain.Session{}, false
}

// CleanupOlderThan drops history entries uploaded before now minus days and
// returns how many were removed. Removing nothing writes nothing.
func (s *Service) CleanupOlderThan(ctx context.Context, days int) (int, error) {
	if days < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidRetention, days)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().AddDate(0, 0, -days)
	history := s.loadHistory(ctx)
	kept := make([]domain.Session, 0, len(history))
	for _, entry := range history {
		if entry.UploadMetadata.UploadedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, entry)
	}
	removed := len(history) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := s.save(ctx, StateWrite{History: kept, WriteHistory: true}); err != nil {
		return 0, fmt.Errorf("save cleaned history: %w", err)
	}
	s.logger.Info("history cleaned", "removed", removed, "kept", len(kept), "days", days)
	s.notify(ctx, domain.AuditEventInput{
		Action: domain.AuditActionCleanup,
		Metadata: map[string]string{
			"removed": strconv.Itoa(removed),
			"days":    strconv.Itoa(days),
		},
	})
	return removed, nil
}
