package httpapi

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/evanschultz/tally/internal/adapters/server/common"
	"github.com/evanschultz/tally/internal/adapters/storage/sqlite"
	"github.com/evanschultz/tally/internal/adapters/tabular"
	"github.com/evanschultz/tally/internal/app"
	"github.com/evanschultz/tally/internal/domain"
)

const rosterCSV = "SKU,Barcode,Description,Qty\nA1,0001,Widget,5\nA2,0002,Gadget,3\n"

// recordingLogger captures request log lines.
type recordingLogger struct {
	lines  []string
	errors []string
}

// Info records one log line.
func (l *recordingLogger) Info(msg any, keyvals ...any) {
	l.lines = append(l.lines, fmt.Sprint(append([]any{msg}, keyvals...)...))
}

// Error records one error line.
func (l *recordingLogger) Error(msg any, keyvals ...any) {
	l.errors = append(l.errors, fmt.Sprint(append([]any{msg}, keyvals...)...))
}

// brokenBodyWriter accepts headers but fails every body write.
type brokenBodyWriter struct {
	*httptest.ResponseRecorder
}

func (w brokenBodyWriter) Write([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

// newTestHandler builds a handler over an in-memory sqlite-backed service.
func newTestHandler(t *testing.T) (*Handler, *recordingLogger) {
	t.Helper()
	repo, err := sqlite.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() {
		_ = repo.Close()
	})
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	svc := app.NewService(repo, nil, func() time.Time { return now }, app.ServiceConfig{})
	logger := &recordingLogger{}
	return NewHandler(common.NewAppServiceAdapter(svc), logger), logger
}

// do sends one request through the handler.
func do(t *testing.T, h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// decodeBody decodes one JSON response body into the requested type.
func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return out
}

func importRoster(t *testing.T, h http.Handler) {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/session/import?filename=roster.csv", []byte(rosterCSV))
	if rec.Code != http.StatusCreated {
		t.Fatalf("import status = %d, body %s", rec.Code, rec.Body.String())
	}
}

// TestHandlerCountingFlow walks import, count, stats, complete and history.
func TestHandlerCountingFlow(t *testing.T) {
	h, logger := newTestHandler(t)

	rec := do(t, h, http.MethodPost, "/session/import?filename=roster.csv", []byte(rosterCSV))
	if rec.Code != http.StatusCreated {
		t.Fatalf("import status = %d, body %s", rec.Code, rec.Body.String())
	}
	imported := decodeBody[common.ImportResult](t, rec)
	if imported.ItemCount != 2 || imported.Session.UploadMetadata.Filename != "roster.csv" {
		t.Fatalf("unexpected import result %#v", imported)
	}

	rec = do(t, h, http.MethodPost, "/session/count", []byte(`{"identifier":"0002","quantity":4}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("count status = %d, body %s", rec.Code, rec.Body.String())
	}
	counted := decodeBody[app.CountResult](t, rec)
	if counted.Item.PrimaryIdentifier != "A2" || counted.WasAlreadyCounted {
		t.Fatalf("unexpected count result %#v", counted)
	}

	rec = do(t, h, http.MethodGet, "/session/stats", nil)
	stats := decodeBody[domain.Statistics](t, rec)
	if stats.Total != 2 || stats.Counted != 1 || stats.Percentage != 50 || stats.Remaining != 1 {
		t.Fatalf("unexpected stats %#v", stats)
	}

	rec = do(t, h, http.MethodPost, "/session/complete", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d, body %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodGet, "/history", nil)
	history := decodeBody[struct {
		Sessions []domain.Session `json:"sessions"`
	}](t, rec)
	if len(history.Sessions) != 1 || history.Sessions[0].Status != domain.SessionStatusCompleted {
		t.Fatalf("unexpected history %#v", history)
	}

	rec = do(t, h, http.MethodGet, "/session", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("session status after complete = %d, want 409", rec.Code)
	}
	if len(logger.lines) == 0 || !strings.Contains(logger.lines[0], "http request") {
		t.Fatalf("expected request log lines, got %v", logger.lines)
	}
}

// TestHandlerErrorMapping verifies structured status mapping for service errors.
func TestHandlerErrorMapping(t *testing.T) {
	h, _ := newTestHandler(t)

	cases := []struct {
		name       string
		method     string
		target     string
		body       string
		wantStatus int
		wantCode   string
	}{
		{name: "no session", method: http.MethodPost, target: "/session/count", body: `{"identifier":"A1","quantity":1}`, wantStatus: http.StatusConflict, wantCode: "no_active_session"},
		{name: "unknown field", method: http.MethodPost, target: "/session/count", body: `{"identifier":"A1","qty":1}`, wantStatus: http.StatusBadRequest, wantCode: "invalid_request"},
		{name: "trailing body", method: http.MethodPost, target: "/session/count", body: `{"identifier":"A1"}{}`, wantStatus: http.StatusBadRequest, wantCode: "invalid_request"},
		{name: "missing filename", method: http.MethodPost, target: "/session/import", body: rosterCSV, wantStatus: http.StatusBadRequest, wantCode: "invalid_request"},
		{name: "bad extension", method: http.MethodPost, target: "/session/import?filename=r.pdf", body: rosterCSV, wantStatus: http.StatusBadRequest, wantCode: "invalid_request"},
		{name: "duplicates", method: http.MethodPost, target: "/session/import?filename=r.csv", body: "sku\nA1\na1\n", wantStatus: http.StatusBadRequest, wantCode: "validation_failed"},
		{name: "bad limit", method: http.MethodGet, target: "/session/search?q=a&limit=x", wantStatus: http.StatusBadRequest, wantCode: "invalid_request"},
		{name: "unknown route", method: http.MethodGet, target: "/nope", wantStatus: http.StatusNotFound, wantCode: "not_found"},
		{name: "wrong method", method: http.MethodDelete, target: "/session", wantStatus: http.StatusMethodNotAllowed, wantCode: "method_not_allowed"},
		{name: "missing export", method: http.MethodGet, target: "/export?session_id=zzz", wantStatus: http.StatusNotFound, wantCode: "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, tc.method, tc.target, []byte(tc.body))
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.wantStatus, rec.Body.String())
			}
			got := decodeBody[ErrorEnvelope](t, rec)
			if got.Error.Code != tc.wantCode {
				t.Fatalf("code = %q, want %q", got.Error.Code, tc.wantCode)
			}
		})
	}
}

// TestHandlerValidationIssues verifies row issues reach the error context.
func TestHandlerValidationIssues(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := do(t, h, http.MethodPost, "/session/import?filename=r.csv", []byte("sku,qty\nA1,1\nB2,1\na1,2\n"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	got := decodeBody[struct {
		Error struct {
			Code    string `json:"code"`
			Context struct {
				Issues []domain.RowIssue `json:"issues"`
			} `json:"context"`
		} `json:"error"`
	}](t, rec)
	issues := got.Error.Context.Issues
	if len(issues) != 2 || issues[0].Row != 2 || issues[1].Row != 4 {
		t.Fatalf("unexpected issues %#v", issues)
	}
}

// TestHandlerSearch verifies query parsing and limit handling.
func TestHandlerSearch(t *testing.T) {
	h, _ := newTestHandler(t)
	importRoster(t, h)

	rec := do(t, h, http.MethodGet, "/session/search?q=a&limit=1&descriptions=false", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	got := decodeBody[common.SearchResult](t, rec)
	if got.Total != 2 || len(got.Items) != 1 || !got.Truncated {
		t.Fatalf("unexpected search result %#v", got)
	}

	rec = do(t, h, http.MethodGet, "/session/search?q=gadget", nil)
	got = decodeBody[common.SearchResult](t, rec)
	if got.Total != 1 || got.Items[0].PrimaryIdentifier != "A2" {
		t.Fatalf("expected description match by default, got %#v", got)
	}
}

// TestHandlerExportFormats verifies csv, xlsx and json exports.
func TestHandlerExportFormats(t *testing.T) {
	h, _ := newTestHandler(t)
	importRoster(t, h)
	do(t, h, http.MethodPost, "/session/count", []byte(`{"identifier":"A1","quantity":"7"}`))

	rec := do(t, h, http.MethodGet, "/export", nil)
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/csv") {
		t.Fatalf("csv export status/type = %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "roster-count.csv") {
		t.Fatalf("unexpected disposition %q", rec.Header().Get("Content-Disposition"))
	}
	records, err := csv.NewReader(rec.Body).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(records) != 3 || records[1][0] != "A1" || records[1][6] != "2" || records[2][7] != app.ExportStatusPending {
		t.Fatalf("unexpected csv export %v", records)
	}

	rec = do(t, h, http.MethodGet, "/export?format=xlsx", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("xlsx export status = %d", rec.Code)
	}
	doc, err := tabular.ReadXLSX(bytes.NewReader(rec.Body.Bytes()), "")
	if err != nil {
		t.Fatalf("ReadXLSX() error = %v", err)
	}
	if len(doc.Table.Rows) != 2 {
		t.Fatalf("unexpected xlsx rows %#v", doc.Table.Rows)
	}

	rec = do(t, h, http.MethodGet, "/export?format=json", nil)
	result := decodeBody[app.ExportResult](t, rec)
	if result.SessionInfo.Counted != 1 || len(result.Results) != 2 {
		t.Fatalf("unexpected json export %#v", result.SessionInfo)
	}

	rec = do(t, h, http.MethodGet, "/export?format=pdf", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("pdf export status = %d, want 400", rec.Code)
	}
}

// TestHandlerBackup verifies the backup document shape.
func TestHandlerBackup(t *testing.T) {
	h, _ := newTestHandler(t)
	importRoster(t, h)

	rec := do(t, h, http.MethodGet, "/backup", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("backup status = %d", rec.Code)
	}
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(rec.Body).Decode(&raw); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	for _, key := range []string{"version", "activeSession", "history", "appState", "preferences"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("backup missing %q", key)
		}
	}
}

// failingService returns one configured error from every call.
type failingService struct {
	common.CountingService
	err error
}

// Statistics returns the configured error.
func (f failingService) Statistics(context.Context) (domain.Statistics, error) {
	return domain.Statistics{}, f.err
}

// TestHandlerStorageErrorMapping verifies storage failures map to 500 with a hint.
func TestHandlerStorageErrorMapping(t *testing.T) {
	err := fmt.Errorf("statistics: %w", errors.Join(common.ErrStorage, &domain.StorageError{Op: "read", Record: "active_session", Err: errors.New("disk")}))
	h := NewHandler(failingService{err: err}, nil)

	rec := do(t, h, http.MethodGet, "/session/stats", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	got := decodeBody[ErrorEnvelope](t, rec)
	if got.Error.Code != "storage_error" || got.Error.Hint == "" {
		t.Fatalf("unexpected error %#v", got.Error)
	}

	rec = do(t, NewHandler(nil, nil), http.MethodGet, "/session", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("nil service status = %d, want 503", rec.Code)
	}
}

// TestHandlerExportLogsBodyWriteFailures verifies truncated downloads leave a log line.
func TestHandlerExportLogsBodyWriteFailures(t *testing.T) {
	h, logger := newTestHandler(t)
	importRoster(t, h)

	for _, format := range []string{"csv", "xlsx"} {
		t.Run(format, func(t *testing.T) {
			before := len(logger.errors)
			rec := httptest.NewRecorder()
			h.ServeHTTP(brokenBodyWriter{rec}, httptest.NewRequest(http.MethodGet, "/export?format="+format, nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			if len(logger.errors) != before+1 {
				t.Fatalf("expected one error log, got %v", logger.errors[before:])
			}
			line := logger.errors[len(logger.errors)-1]
			if !strings.Contains(line, "export write failed") || !strings.Contains(line, format) || !strings.Contains(line, "connection reset") {
				t.Fatalf("unexpected error log %q", line)
			}
		})
	}
}
