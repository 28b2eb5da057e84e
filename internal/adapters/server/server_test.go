package server

import (
	"context"
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
	"github.com/evanschultz/tally/internal/app"
)

func newTestDependencies(t *testing.T) Dependencies {
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
	return Dependencies{Service: common.NewAppServiceAdapter(svc), Storage: repo}
}

// downStorage fails every ping.
type downStorage struct{}

func (downStorage) Ping(context.Context) error {
	return errors.New("database is locked")
}

// recordingLogger captures error lines.
type recordingLogger struct {
	errors []string
}

func (l *recordingLogger) Info(any, ...any) {}

func (l *recordingLogger) Error(msg any, keyvals ...any) {
	l.errors = append(l.errors, fmt.Sprint(append([]any{msg}, keyvals...)...))
}

func getReadiness(t *testing.T, handler http.Handler) (int, readiness) {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body readiness
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return rec.Code, body
}

// TestNormalizeConfig verifies defaults and endpoint normalization.
func TestNormalizeConfig(t *testing.T) {
	cfg, err := normalizeConfig(Config{APIEndpoint: "api/", MCPEndpoint: " "})
	if err != nil {
		t.Fatalf("normalizeConfig() error = %v", err)
	}
	if cfg.HTTPBind != defaultBindAddress || cfg.ServerName != "tally" || cfg.ServerVersion != "dev" {
		t.Fatalf("unexpected defaults %#v", cfg)
	}
	if cfg.APIEndpoint != "/api" || cfg.MCPEndpoint != "/mcp" {
		t.Fatalf("unexpected endpoints %#v", cfg)
	}
	if _, err := normalizeConfig(Config{APIEndpoint: "/mcp", MCPEndpoint: "mcp/"}); err == nil {
		t.Fatal("expected colliding endpoints to fail")
	}
	if got := normalizeEndpoint("/", "/api/v1"); got != "/api/v1" {
		t.Fatalf("normalizeEndpoint(/) = %q, want fallback", got)
	}
}

// TestNewHandlerRequiresService verifies composition fails without a service.
func TestNewHandlerRequiresService(t *testing.T) {
	if _, _, err := NewHandler(Config{}, Dependencies{}); err == nil {
		t.Fatal("expected error for missing service")
	}
}

// TestNewHandlerRoutes verifies health, API, and MCP endpoints share one mux.
func TestNewHandlerRoutes(t *testing.T) {
	handler, cfg, err := NewHandler(Config{}, newTestDependencies(t))
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	server := httptest.NewServer(handler)
	defer server.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := server.Client().Get(server.URL + path)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", path, err)
		}
		var body map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
			t.Fatalf("%s = %d %#v", path, resp.StatusCode, body)
		}
		if path == "/readyz" && (body["storage"] != "ok" || body["session"] != "none") {
			t.Fatalf("unexpected readiness %#v", body)
		}
	}

	resp, err := server.Client().Get(server.URL + cfg.APIEndpoint + "/session")
	if err != nil {
		t.Fatalf("Get(session) error = %v", err)
	}
	var apiErr struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusConflict || apiErr.Error.Code != "no_active_session" {
		t.Fatalf("GET /session = %d %#v", resp.StatusCode, apiErr)
	}

	req, err := http.NewRequest(http.MethodPost, server.URL+cfg.MCPEndpoint, strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err = server.Client().Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST %s status = %d, want 200", cfg.MCPEndpoint, resp.StatusCode)
	}
}

// TestRunStopsOnCancel verifies Run shuts down cleanly when its context ends.
func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Config{HTTPBind: "127.0.0.1:0"}, newTestDependencies(t))
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

// TestReadinessReportsStorageAndSession verifies /readyz reflects storage and the active slot.
func TestReadinessReportsStorageAndSession(t *testing.T) {
	deps := newTestDependencies(t)
	handler, _, err := NewHandler(Config{}, deps)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	if _, err := deps.Service.ImportRoster(context.Background(), common.ImportRequest{
		Filename: "roster.csv",
		Table:    app.RawTable{Headers: []string{"sku", "qty"}, Rows: [][]string{{"A1", "5"}}},
	}); err != nil {
		t.Fatalf("ImportRoster() error = %v", err)
	}
	code, body := getReadiness(t, handler)
	if code != http.StatusOK || body.Storage != "ok" || body.Session != "active" {
		t.Fatalf("readyz = %d %#v", code, body)
	}

	logger := &recordingLogger{}
	deps.Storage = downStorage{}
	deps.Logger = logger
	handler, _, err = NewHandler(Config{}, deps)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	code, body = getReadiness(t, handler)
	if code != http.StatusServiceUnavailable || body.Status != "unavailable" || body.Storage != "error" {
		t.Fatalf("readyz = %d %#v", code, body)
	}
	if !strings.Contains(body.Error, "database is locked") {
		t.Fatalf("unexpected readiness error %q", body.Error)
	}
	if len(logger.errors) != 1 || !strings.Contains(logger.errors[0], "readiness check failed") {
		t.Fatalf("unexpected error logs %v", logger.errors)
	}

	deps.Storage = nil
	handler, _, err = NewHandler(Config{}, deps)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	if code, body = getReadiness(t, handler); code != http.StatusOK || body.Storage != "unchecked" {
		t.Fatalf("readyz without storage = %d %#v", code, body)
	}
}
