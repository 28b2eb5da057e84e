package app

import (
	"context"
	"fmt"

	"github.com/evanschultz/tally/internal/domain"
)

// Preferences returns the stored preferences or the defaults.
func (s *Service) Preferences(ctx context.Context) domain.Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadPreferences(ctx)
}

// UpdatePreferences validates and stores prefs.
func (s *Service) UpdatePreferences(ctx context.Context, prefs domain.Preferences) (domain.Preferences, error) {
	normalized, err := prefs.Normalize()
	if err != nil {
		return domain.Preferences{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.save(ctx, StateWrite{Preferences: &normalized}); err != nil {
		return domain.Preferences{}, fmt.Errorf("save preferences: %w", err)
	}
	return normalized, nil
}
