package common

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/evanschultz/tally/internal/app"
	"github.com/evanschultz/tally/internal/domain"
)

// AppServiceAdapter maps transport contracts onto app.Service.
type AppServiceAdapter struct {
	service *app.Service
}

// NewAppServiceAdapter builds one common adapter over an app.Service instance.
func NewAppServiceAdapter(service *app.Service) *AppServiceAdapter {
	return &AppServiceAdapter{service: service}
}

var _ CountingService = (*AppServiceAdapter)(nil)

func (a *AppServiceAdapter) configured() error {
	if a == nil || a.service == nil {
		return fmt.Errorf("app service adapter is not configured: %w", ErrInvalidRequest)
	}
	return nil
}

// ActiveSession returns the active session or ErrNoActiveSession.
func (a *AppServiceAdapter) ActiveSession(ctx context.Context) (domain.Session, error) {
	if err := a.configured(); err != nil {
		return domain.Session{}, err
	}
	session, ok := a.service.ActiveSession(ctx)
	if !ok {
		return domain.Session{}, mapAppError("active session", domain.ErrNoActiveSession)
	}
	return session, nil
}

// Statistics returns progress metrics for the active session.
func (a *AppServiceAdapter) Statistics(ctx context.Context) (domain.Statistics, error) {
	if err := a.configured(); err != nil {
		return domain.Statistics{}, err
	}
	stats, err := a.service.Statistics(ctx)
	if err != nil {
		return domain.Statistics{}, mapAppError("statistics", err)
	}
	return stats, nil
}

// SearchItems searches the active roster and applies the result limit.
func (a *AppServiceAdapter) SearchItems(ctx context.Context, in SearchRequest) (SearchResult, error) {
	if err := a.configured(); err != nil {
		return SearchResult{}, err
	}
	if in.Limit < 0 {
		return SearchResult{}, fmt.Errorf("limit must be >= 0: %w", ErrInvalidRequest)
	}
	prefs := a.service.Preferences(ctx)
	includeDescriptions := prefs.SearchIncludeDescriptions
	if in.IncludeDescriptions != nil {
		includeDescriptions = *in.IncludeDescriptions
	}
	limit := in.Limit
	if limit == 0 {
		limit = prefs.SearchLimit
	}
	if limit == 0 {
		limit = DefaultSearchLimit
	}

	items, err := a.service.Search(ctx, in.Query, includeDescriptions)
	if err != nil {
		return SearchResult{}, mapAppError("search items", err)
	}
	out := SearchResult{
		Query: strings.TrimSpace(in.Query),
		Items: items,
		Total: len(items),
	}
	if len(items) > limit {
		out.Items = items[:limit]
		out.Truncated = true
	}
	return out, nil
}

// History lists archived sessions, most recent first.
func (a *AppServiceAdapter) History(ctx context.Context) ([]domain.Session, error) {
	if err := a.configured(); err != nil {
		return nil, err
	}
	return a.service.History(ctx), nil
}

// ImportRoster validates the table and starts a new session from it.
func (a *AppServiceAdapter) ImportRoster(ctx context.Context, in ImportRequest) (ImportResult, error) {
	if err := a.configured(); err != nil {
		return ImportResult{}, err
	}
	filename := strings.TrimSpace(in.Filename)
	if filename == "" {
		return ImportResult{}, fmt.Errorf("filename is required: %w", ErrInvalidRequest)
	}
	session, result, err := a.service.ImportRoster(ctx, app.ImportInput{
		Filename: filename,
		Sheet:    strings.TrimSpace(in.Sheet),
		Table:    in.Table,
	})
	if err != nil {
		return ImportResult{}, mapAppError("import roster", err)
	}
	return ImportResult{
		Session:      session,
		ItemCount:    len(result.Items),
		RowCount:     result.RowCount,
		SkippedCount: result.SkippedCount,
	}, nil
}

// CountItem records one count. An omitted quantity uses the stored default.
func (a *AppServiceAdapter) CountItem(ctx context.Context, in CountItemRequest) (app.CountResult, error) {
	if err := a.configured(); err != nil {
		return app.CountResult{}, err
	}
	if strings.TrimSpace(in.Identifier) == "" {
		return app.CountResult{}, fmt.Errorf("identifier is required: %w", ErrInvalidRequest)
	}
	quantity := in.quantityOrDefault(a.service.Preferences(ctx).DefaultQuantity)
	result, err := a.service.CountItem(ctx, app.CountInput{
		Identifier: in.Identifier,
		Quantity:   quantity,
		Notes:      in.Notes,
		Source:     in.Source,
		Confidence: in.Confidence,
	})
	if err != nil {
		return app.CountResult{}, mapAppError("count item", err)
	}
	return result, nil
}

// CompleteSession archives the active session.
func (a *AppServiceAdapter) CompleteSession(ctx context.Context) (domain.Session, error) {
	if err := a.configured(); err != nil {
		return domain.Session{}, err
	}
	session, err := a.service.CompleteSession(ctx)
	if err != nil {
		return domain.Session{}, mapAppError("complete session", err)
	}
	return session, nil
}

// CancelSession discards the active session.
func (a *AppServiceAdapter) CancelSession(ctx context.Context) (domain.Session, error) {
	if err := a.configured(); err != nil {
		return domain.Session{}, err
	}
	session, err := a.service.CancelSession(ctx)
	if err != nil {
		return domain.Session{}, mapAppError("cancel session", err)
	}
	return session, nil
}

// ExportSession exports the active session, or the session with id.
func (a *AppServiceAdapter) ExportSession(ctx context.Context, id string) (app.ExportResult, error) {
	if err := a.configured(); err != nil {
		return app.ExportResult{}, err
	}
	result, err := a.service.ExportSession(ctx, id)
	if err != nil {
		return app.ExportResult{}, mapAppError("export session", err)
	}
	return result, nil
}

// Backup captures every persisted record.
func (a *AppServiceAdapter) Backup(ctx context.Context) (app.Backup, error) {
	if err := a.configured(); err != nil {
		return app.Backup{}, err
	}
	backup, err := a.service.Backup(ctx)
	if err != nil {
		return app.Backup{}, mapAppError("backup", err)
	}
	return backup, nil
}

// mapAppError joins the transport sentinel matching err so adapters can
// classify it without importing app or domain errors.
func mapAppError(operation string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, domain.ErrValidation):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrValidation, err))
	case errors.Is(err, domain.ErrInvalidQuantity):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrInvalidQuantity, err))
	case errors.Is(err, domain.ErrItemNotFound):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrItemNotFound, err))
	case errors.Is(err, domain.ErrNoActiveSession), errors.Is(err, domain.ErrSessionClosed):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrNoActiveSession, err))
	case errors.Is(err, domain.ErrSessionNotFound):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrNotFound, err))
	case errors.Is(err, domain.ErrStorage):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrStorage, err))
	case errors.Is(err, domain.ErrInvalidConfidence),
		errors.Is(err, domain.ErrInvalidIdentifier),
		errors.Is(err, domain.ErrInvalidPreferences),
		errors.Is(err, domain.ErrSessionIdentity),
		errors.Is(err, app.ErrInvalidRetention),
		errors.Is(err, app.ErrUnsupportedFormat):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrInvalidRequest, err))
	default:
		return fmt.Errorf("%s: %w", operation, err)
	}
}

// ErrorCode classifies err into a stable wire code shared by every transport.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_failed"
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ErrItemNotFound):
		return "item_not_found"
	case errors.Is(err, ErrNoActiveSession):
		return "no_active_session"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrStorage):
		return "storage_error"
	default:
		return "internal_error"
	}
}

// RowIssues returns the per-row problems carried by a validation failure.
func RowIssues(err error) []domain.RowIssue {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Issues
	}
	return nil
}
