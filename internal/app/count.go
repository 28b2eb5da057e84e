package app

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/evanschultz/tally/internal/domain"
)

// CountInput is one identifier emitted by an identifier source.
type CountInput struct {
	Identifier string
	Quantity   string
	Notes      string
	// Source and Confidence only reach the audit sink.
	Source     string
	Confidence *float64
}

// CountResult reports the outcome of one count.
type CountResult struct {
	Session           domain.Session    `json:"session"`
	Item              domain.RosterItem `json:"item"`
	WasAlreadyCounted bool              `json:"wasAlreadyCounted"`
}

// ParseQuantity parses a counted quantity: a base-10 integer >= 0.
func ParseQuantity(raw string) (int, error) {
	trimmed := strings.TrimSpace(raw)
	n, err := strconv.Atoi(trimmed)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q must be a whole number of 0 or more", domain.ErrInvalidQuantity, raw)
	}
	return n, nil
}

// CountItem resolves identifier against the active roster and records the
// quantity. Any failure leaves the session unchanged.
func (s *Service) CountItem(ctx context.Context, in CountInput) (CountResult, error) {
	quantity, err := ParseQuantity(in.Quantity)
	if err != nil {
		return CountResult{}, err
	}
	if in.Confidence != nil && (*in.Confidence < 0 || *in.Confidence > 1) {
		return CountResult{}, fmt.Errorf("%w: must be between 0 and 1", domain.ErrInvalidConfidence)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		matched    domain.RosterItem
		wasCounted bool
	)
	session, err := s.mutateActiveLocked(ctx, func(session *domain.Session) error {
		idx, ok := session.FindItem(in.Identifier)
		if !ok {
			return fmt.Errorf("%w: %q is not on the roster", domain.ErrItemNotFound, strings.TrimSpace(in.Identifier))
		}
		was, err := session.RecordCount(idx, quantity, in.Notes, s.now())
		if err != nil {
			return err
		}
		wasCounted = was
		matched = session.Items[idx].Clone()
		return nil
	})
	if err != nil {
		return CountResult{}, err
	}

	s.logger.Debug("item counted", "session_id", session.ID, "identifier", matched.PrimaryIdentifier, "quantity", quantity, "recount", wasCounted)
	metadata := map[string]string{"recount": strconv.FormatBool(wasCounted)}
	if trimmed := strings.TrimSpace(in.Identifier); !strings.EqualFold(trimmed, matched.PrimaryIdentifier) {
		metadata["scanned"] = trimmed
	}
	s.notify(ctx, domain.AuditEventInput{
		Action:     domain.AuditActionCount,
		SessionID:  session.ID,
		Identifier: matched.PrimaryIdentifier,
		Quantity:   &quantity,
		Source:     in.Source,
		Confidence: in.Confidence,
		Metadata:   metadata,
	})
	return CountResult{
		Session:           session,
		Item:              matched,
		WasAlreadyCounted: wasCounted,
	}, nil
}

// Search returns roster items whose identifiers, and optionally description,
// contain term. Exact identifier matches come first, then uncounted items,
// then roster order. Callers apply their own limit.
func (s *Service) Search(ctx context.Context, term string, includeDescriptions bool) ([]domain.RosterItem, error) {
	session, ok := s.ActiveSession(ctx)
	if !ok {
		return nil, domain.ErrNoActiveSession
	}
	return SearchItems(session.Items, term, includeDescriptions), nil
}

// SearchItems is the pure search over a roster.
func SearchItems(items []domain.RosterItem, term string, includeDescriptions bool) []domain.RosterItem {
	needle := domain.NormalizeIdentifier(term)
	if needle == "" {
		return []domain.RosterItem{}
	}

	type hit struct {
		item  domain.RosterItem
		exact bool
		order int
	}
	hits := make([]hit, 0)
	for idx, item := range items {
		matched := slices.ContainsFunc(item.Identifiers(), func(v string) bool {
			return strings.Contains(domain.NormalizeIdentifier(v), needle)
		})
		if !matched && includeDescriptions {
			matched = strings.Contains(strings.ToLower(item.Description), needle)
		}
		if !matched {
			continue
		}
		hits = append(hits, hit{item: item.Clone(), exact: item.HasIdentifier(needle), order: idx})
	}
	slices.SortStableFunc(hits, func(a, b hit) int {
		if a.exact != b.exact {
			if a.exact {
				return -1
			}
			return 1
		}
		if a.item.Counted != b.item.Counted {
			if !a.item.Counted {
				return -1
			}
			return 1
		}
		return cmp.Compare(a.order, b.order)
	})

	out := make([]domain.RosterItem, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.item)
	}
	return out
}

// Statistics computes progress metrics for the active session.
func (s *Service) Statistics(ctx context.Context) (domain.Statistics, error) {
	session, ok := s.ActiveSession(ctx)
	if !ok {
		return domain.Statistics{}, domain.ErrNoActiveSession
	}
	return domain.ComputeStatistics(session, s.now()), nil
}
