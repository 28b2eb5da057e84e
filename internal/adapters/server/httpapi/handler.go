// Package httpapi provides the REST HTTP adapter for the server surfaces.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/evanschultz/tally/internal/adapters/server/common"
	"github.com/evanschultz/tally/internal/adapters/tabular"
	"github.com/evanschultz/tally/internal/app"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// maxRequestBodyBytes limits decoded JSON payload size for fail-closed request handling.
const maxRequestBodyBytes int64 = 1 << 20

// maxImportBodyBytes limits uploaded roster files.
const maxImportBodyBytes int64 = 32 << 20

// Logger is the request logging surface.
type Logger interface {
	Info(msg any, keyvals ...any)
	Error(msg any, keyvals ...any)
}

// Handler serves the versioned API subrouter mounted under `/api/v1`.
type Handler struct {
	service common.CountingService
	logger  Logger
	router  chi.Router
}

// APIError represents one structured API failure response.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// ErrorEnvelope wraps one structured API error.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// NewHandler constructs one HTTP API adapter. A nil logger disables request logs.
func NewHandler(service common.CountingService, logger Logger) *Handler {
	h := &Handler{service: service, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if logger != nil {
		r.Use(requestLogger(logger))
	}
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, APIError{
			Code:    "not_found",
			Message: "endpoint not found",
		})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeMethodNotAllowed(w)
	})

	r.Get("/session", h.handleActiveSession)
	r.Post("/session/import", h.handleImport)
	r.Post("/session/count", h.handleCount)
	r.Get("/session/search", h.handleSearch)
	r.Get("/session/stats", h.handleStatistics)
	r.Post("/session/complete", h.handleComplete)
	r.Post("/session/cancel", h.handleCancel)
	r.Get("/history", h.handleHistory)
	r.Get("/export", h.handleExport)
	r.Get("/backup", h.handleBackup)
	h.router = r
	return h
}

// ServeHTTP routes one versioned API request to the matching handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		writeJSONError(w, http.StatusServiceUnavailable, APIError{
			Code:    "service_unavailable",
			Message: "counting service is not configured",
		})
		return
	}
	h.router.ServeHTTP(w, r)
}

// handleActiveSession serves GET `/session`.
func (h *Handler) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.ActiveSession(r.Context())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleImport serves POST `/session/import?filename=&sheet=` with the raw file as body.
func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	filename := strings.TrimSpace(r.URL.Query().Get("filename"))
	if filename == "" {
		writeJSONError(w, http.StatusBadRequest, APIError{
			Code:    "invalid_request",
			Message: "filename is required",
			Hint:    "Pass ?filename=roster.csv so the file type can be detected.",
		})
		return
	}
	format, err := tabular.FormatFor(filename)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, APIError{
			Code:    "invalid_request",
			Message: err.Error(),
		})
		return
	}

	body := http.MaxBytesReader(w, r.Body, maxImportBodyBytes)
	defer body.Close()
	doc, err := tabular.Read(body, format, tabular.ReadOptions{Sheet: r.URL.Query().Get("sheet")})
	if err != nil {
		writeErrorFrom(w, fmt.Errorf("read roster: %w", errors.Join(common.ErrInvalidRequest, err)))
		return
	}
	result, err := h.service.ImportRoster(r.Context(), common.ImportRequest{
		Filename: filepath.Base(filename),
		Sheet:    doc.Sheet,
		Table:    doc.Table,
	})
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// handleCount serves POST `/session/count`.
func (h *Handler) handleCount(w http.ResponseWriter, r *http.Request) {
	var req common.CountItemRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	result, err := h.service.CountItem(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleSearch serves GET `/session/search?q=&descriptions=&limit=`.
func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	req := common.SearchRequest{Query: query.Get("q")}
	if raw := strings.TrimSpace(query.Get("descriptions")); raw != "" {
		include, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, APIError{
				Code:    "invalid_request",
				Message: fmt.Sprintf("descriptions must be a boolean: %q", raw),
			})
			return
		}
		req.IncludeDescriptions = &include
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSONError(w, http.StatusBadRequest, APIError{
				Code:    "invalid_request",
				Message: fmt.Sprintf("limit must be a whole number >= 0: %q", raw),
			})
			return
		}
		req.Limit = limit
	}
	result, err := h.service.SearchItems(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleStatistics serves GET `/session/stats`.
func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Statistics(r.Context())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleComplete serves POST `/session/complete`.
func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.CompleteSession(r.Context())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleCancel serves POST `/session/cancel`.
func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.CancelSession(r.Context())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleHistory serves GET `/history`.
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.service.History(r.Context())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": history,
	})
}

// handleExport serves GET `/export?session_id=&format=csv|xlsx|json`.
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ExportSession(r.Context(), r.URL.Query().Get("session_id"))
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	base := exportBaseName(result.SessionInfo)
	switch format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format"))); format {
	case "", "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", base+".csv"))
		w.WriteHeader(http.StatusOK)
		h.logStreamError(r, "csv", tabular.WriteCSV(w, result, ','))
	case "xlsx":
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", base+".xlsx"))
		w.WriteHeader(http.StatusOK)
		h.logStreamError(r, "xlsx", tabular.WriteXLSX(w, []app.ExportResult{result}))
	case "json":
		writeJSON(w, http.StatusOK, result)
	default:
		writeJSONError(w, http.StatusBadRequest, APIError{
			Code:    "invalid_request",
			Message: fmt.Sprintf("unsupported export format %q", format),
			Hint:    "Use csv, xlsx or json.",
		})
	}
}

// logStreamError records a body write that failed after the status was sent.
func (h *Handler) logStreamError(r *http.Request, format string, err error) {
	if err == nil || h.logger == nil {
		return
	}
	h.logger.Error("export write failed",
		"request_id", middleware.GetReqID(r.Context()),
		"session_id", r.URL.Query().Get("session_id"),
		"format", format,
		"err", err,
	)
}

// handleBackup serves GET `/backup`.
func (h *Handler) handleBackup(w http.ResponseWriter, r *http.Request) {
	backup, err := h.service.Backup(r.Context())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="tally-backup.json"`)
	writeJSON(w, http.StatusOK, backup)
}

// exportBaseName derives a download name from the source file.
func exportBaseName(info app.SessionInfo) string {
	base := strings.TrimSuffix(filepath.Base(info.Filename), filepath.Ext(info.Filename))
	base = strings.Map(func(r rune) rune {
		if r == '"' || r == '\\' || r < 0x20 {
			return -1
		}
		return r
	}, base)
	if strings.TrimSpace(base) == "" || base == "." {
		base = "session"
	}
	return base + "-count"
}

// statusForCode maps a wire code onto its HTTP status.
func statusForCode(code string) int {
	switch code {
	case "validation_failed", "invalid_quantity", "invalid_request":
		return http.StatusBadRequest
	case "item_not_found", "not_found":
		return http.StatusNotFound
	case "no_active_session":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeErrorFrom maps adapter errors into structured HTTP responses.
func writeErrorFrom(w http.ResponseWriter, err error) {
	if err == nil {
		writeJSONError(w, http.StatusInternalServerError, APIError{
			Code:    "internal_error",
			Message: "unknown error",
		})
		return
	}
	code := common.ErrorCode(err)
	apiErr := APIError{
		Code:    code,
		Message: err.Error(),
	}
	switch code {
	case "validation_failed":
		if issues := common.RowIssues(err); len(issues) > 0 {
			apiErr.Context = map[string]any{"issues": issues}
		}
		apiErr.Hint = "Fix the listed rows and import the file again."
	case "no_active_session":
		apiErr.Hint = "Import a roster to start a counting session."
	case "storage_error":
		apiErr.Hint = "Export or back up the current data, then free storage space."
	}
	writeJSONError(w, statusForCode(code), apiErr)
}

// writeMethodNotAllowed writes a structured 405 response with `Allow` headers.
func writeMethodNotAllowed(w http.ResponseWriter, methods ...string) {
	if len(methods) > 0 {
		w.Header().Set("Allow", strings.Join(methods, ", "))
	}
	writeJSONError(w, http.StatusMethodNotAllowed, APIError{
		Code:    "method_not_allowed",
		Message: "method not allowed",
	})
}

// writeJSONError writes one structured error envelope.
func writeJSONError(w http.ResponseWriter, statusCode int, apiErr APIError) {
	writeJSON(w, statusCode, ErrorEnvelope{Error: apiErr})
}

// writeJSON writes one JSON response envelope.
func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":{"code":"encode_error","message":"%s"}}`, err.Error()), http.StatusInternalServerError)
	}
}

// decodeJSONBody decodes one required JSON request body with strict shape checks.
func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) error {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode request body: %w", errors.Join(common.ErrInvalidRequest, err))
	}
	// Reject trailing payloads so malformed JSON bodies fail closed.
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request body: trailing content: %w", common.ErrInvalidRequest)
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("request canceled: %w", ctx.Err())
	default:
		return nil
	}
}
