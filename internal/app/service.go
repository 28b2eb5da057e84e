package app

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	charmLog "github.com/charmbracelet/log"
	"github.com/evanschultz/tally/internal/domain"
	"github.com/google/uuid"
)

// DefaultHistoryLimit caps the number of archived sessions kept.
const DefaultHistoryLimit = 50

// ServiceConfig holds configuration for service.
type ServiceConfig struct {
	HistoryLimit int
	Logger       Logger
	AuditSink    AuditSink
}

// IDGenerator returns unique identifiers for new entities.
type IDGenerator func() string

// Clock returns the current time.
type Clock func() time.Time

// Service owns the active session, the history archive and the counters.
// Mutating calls are serialized so concurrent transports never interleave
// a read-modify-write cycle.
type Service struct {
	mu           sync.Mutex
	repo         Repository
	idGen        IDGenerator
	clock        Clock
	historyLimit int
	logger       Logger
	audit        AuditSink
}

// NewService constructs a new value for this package.
func NewService(repo Repository, idGen IDGenerator, clock Clock, cfg ServiceConfig) *Service {
	if idGen == nil {
		idGen = uuid.NewString
	}
	if clock == nil {
		clock = time.Now
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = charmLog.New(io.Discard)
	}
	return &Service{
		repo:         repo,
		idGen:        idGen,
		clock:        clock,
		historyLimit: cfg.HistoryLimit,
		logger:       cfg.Logger,
		audit:        cfg.AuditSink,
	}
}

// HistoryLimit reports the configured archive cap.
func (s *Service) HistoryLimit() int {
	return s.historyLimit
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

// loadActive reads the active slot. Read failures degrade to an empty slot
// and are logged as a corruption signal.
func (s *Service) loadActive(ctx context.Context) *domain.Session {
	session, err := s.repo.LoadActiveSession(ctx)
	if err != nil {
		s.logger.Error("active session unreadable, treating slot as empty", "err", err)
		return nil
	}
	if session == nil {
		return nil
	}
	if !session.IsActive() {
		s.logger.Warn("active slot holds a closed session, ignoring it", "session_id", session.ID, "status", session.Status)
		return nil
	}
	return session
}

func (s *Service) loadHistory(ctx context.Context) []domain.Session {
	history, err := s.repo.LoadHistory(ctx)
	if err != nil {
		s.logger.Error("history unreadable, treating archive as empty", "err", err)
		return nil
	}
	return history
}

func (s *Service) loadAppState(ctx context.Context) domain.AppState {
	state, err := s.repo.LoadAppState(ctx)
	if err != nil {
		s.logger.Error("app state unreadable, reinitializing counters", "err", err)
		return domain.NewAppState(s.now())
	}
	if state == nil {
		return domain.NewAppState(s.now())
	}
	return *state
}

func (s *Service) loadPreferences(ctx context.Context) domain.Preferences {
	prefs, err := s.repo.LoadPreferences(ctx)
	if err != nil {
		s.logger.Error("preferences unreadable, using defaults", "err", err)
		return domain.DefaultPreferences()
	}
	if prefs == nil {
		return domain.DefaultPreferences()
	}
	normalized, err := prefs.Normalize()
	if err != nil {
		s.logger.Warn("stored preferences invalid, using defaults", "err", err)
		return domain.DefaultPreferences()
	}
	return normalized
}

// save commits one state write; failures are always returned.
func (s *Service) save(ctx context.Context, write StateWrite) error {
	if write.IsEmpty() {
		return nil
	}
	if err := s.repo.SaveState(ctx, write); err != nil {
		s.logger.Error("state write failed", "err", err)
		var storageErr *domain.StorageError
		if errors.As(err, &storageErr) {
			return err
		}
		return &domain.StorageError{Op: "write", Err: err}
	}
	return nil
}
