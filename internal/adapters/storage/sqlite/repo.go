package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/evanschultz/tally/internal/app"
	"github.com/evanschultz/tally/internal/domain"
	_ "modernc.org/sqlite"
)

// driverName defines a package constant value.
const driverName = "sqlite"

// documentVersion is the envelope version written with every document.
const documentVersion = 1

// DefaultMaxDocumentBytes bounds one encoded document.
const DefaultMaxDocumentBytes = 5 << 20

// Document keys, one per persisted record.
const (
	keyActiveSession = "active_session"
	keyHistory       = "history"
	keyAppState      = "app_state"
	keyPreferences   = "preferences"
)

// ErrDocumentTooLarge is returned when an encoded record exceeds the quota.
var ErrDocumentTooLarge = errors.New("document exceeds storage quota")

// Repository stores session-engine records as JSON documents.
type Repository struct {
	db               *sql.DB
	maxDocumentBytes int
}

// Option configures a Repository.
type Option func(*Repository)

// WithMaxDocumentBytes sets the per-document size quota. Values <= 0 keep the default.
func WithMaxDocumentBytes(n int) Option {
	return func(r *Repository) {
		if n > 0 {
			r.maxDocumentBytes = n
		}
	}
}

// Open opens the database at path, creating its directory and schema.
func Open(path string, opts ...Option) (*Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return newRepository(db, opts)
}

// OpenInMemory opens a private in-memory database.
func OpenInMemory(opts ...Option) (*Repository, error) {
	db, err := sql.Open(driverName, ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	return newRepository(db, opts)
}

func newRepository(db *sql.DB, opts []Option) (*Repository, error) {
	// One connection keeps writers ordered and in-memory databases shared.
	db.SetMaxOpenConns(1)
	repo := &Repository{db: db, maxDocumentBytes: DefaultMaxDocumentBytes}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	if err := repo.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// Close closes the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping checks that the database answers and the documents table exists.
func (r *Repository) Ping(ctx context.Context) error {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return &domain.StorageError{Op: "ping", Record: "documents", Err: err}
	}
	return nil
}

// migrate handles migrate.
func (r *Repository) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS documents (
			key TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			body TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			action TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			identifier TEXT NOT NULL DEFAULT '',
			quantity INTEGER,
			source TEXT NOT NULL DEFAULT '',
			confidence REAL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			occurred_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_session ON audit_events(session_id, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

// LoadActiveSession returns the active session, or nil when none is stored.
func (r *Repository) LoadActiveSession(ctx context.Context) (*domain.Session, error) {
	var session domain.Session
	found, err := r.loadDocument(ctx, keyActiveSession, &session)
	if err != nil || !found {
		return nil, err
	}
	return &session, nil
}

// LoadHistory returns the archived sessions, or nil when none are stored.
func (r *Repository) LoadHistory(ctx context.Context) ([]domain.Session, error) {
	var history []domain.Session
	if _, err := r.loadDocument(ctx, keyHistory, &history); err != nil {
		return nil, err
	}
	return history, nil
}

// LoadAppState returns the stored counters, or nil when none are stored.
func (r *Repository) LoadAppState(ctx context.Context) (*domain.AppState, error) {
	var state domain.AppState
	found, err := r.loadDocument(ctx, keyAppState, &state)
	if err != nil || !found {
		return nil, err
	}
	return &state, nil
}

// LoadPreferences returns the stored preferences, or nil when none are stored.
func (r *Repository) LoadPreferences(ctx context.Context) (*domain.Preferences, error) {
	var prefs domain.Preferences
	found, err := r.loadDocument(ctx, keyPreferences, &prefs)
	if err != nil || !found {
		return nil, err
	}
	return &prefs, nil
}

// SaveState commits every record in w in a single transaction.
func (r *Repository) SaveState(ctx context.Context, w app.StateWrite) (err error) {
	if w.IsEmpty() {
		return nil
	}
	type pending struct {
		key  string
		body []byte
	}
	var writes []pending
	encode := func(key string, v any) error {
		body, err := json.Marshal(v)
		if err != nil {
			return &domain.StorageError{Op: "encode", Record: key, Err: err}
		}
		if len(body) > r.maxDocumentBytes {
			return &domain.StorageError{
				Op:     "write",
				Record: key,
				Err:    fmt.Errorf("%w: %d > %d bytes", ErrDocumentTooLarge, len(body), r.maxDocumentBytes),
			}
		}
		writes = append(writes, pending{key: key, body: body})
		return nil
	}
	if w.ActiveSession != nil {
		if err := encode(keyActiveSession, w.ActiveSession); err != nil {
			return err
		}
	}
	if w.WriteHistory {
		history := w.History
		if history == nil {
			history = []domain.Session{}
		}
		if err := encode(keyHistory, history); err != nil {
			return err
		}
	}
	if w.AppState != nil {
		if err := encode(keyAppState, w.AppState); err != nil {
			return err
		}
	}
	if w.Preferences != nil {
		if err := encode(keyPreferences, w.Preferences); err != nil {
			return err
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StorageError{Op: "begin", Err: err}
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if w.ClearActiveSession && w.ActiveSession == nil {
		if _, err = tx.ExecContext(ctx, `DELETE FROM documents WHERE key = ?`, keyActiveSession); err != nil {
			return &domain.StorageError{Op: "delete", Record: keyActiveSession, Err: err}
		}
	}
	now := ts(time.Now())
	for _, write := range writes {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents(key, version, body, updated_at)
			VALUES(?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				version = excluded.version,
				body = excluded.body,
				updated_at = excluded.updated_at
		`, write.key, documentVersion, string(write.body), now)
		if err != nil {
			return &domain.StorageError{Op: "write", Record: write.key, Err: err}
		}
	}
	if err = tx.Commit(); err != nil {
		return &domain.StorageError{Op: "commit", Err: err}
	}
	return nil
}

// loadDocument decodes the document stored under key into dst. A missing
// document reports found=false.
func (r *Repository) loadDocument(ctx context.Context, key string, dst any) (bool, error) {
	var (
		version int
		body    string
	)
	err := r.db.QueryRowContext(ctx, `SELECT version, body FROM documents WHERE key = ?`, key).Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &domain.StorageError{Op: "read", Record: key, Err: err}
	}
	if version != documentVersion {
		return false, &domain.StorageError{Op: "decode", Record: key, Err: fmt.Errorf("unsupported document version %d", version)}
	}
	if err := json.Unmarshal([]byte(body), dst); err != nil {
		return false, &domain.StorageError{Op: "decode", Record: key, Err: err}
	}
	return true, nil
}

// RecordAuditEvent appends event to the audit log.
func (r *Repository) RecordAuditEvent(ctx context.Context, event domain.AuditEvent) error {
	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}
	var quantity, confidence any
	if event.Quantity != nil {
		quantity = *event.Quantity
	}
	if event.Confidence != nil {
		confidence = *event.Confidence
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_events(id, action, session_id, identifier, quantity, source, confidence, metadata_json, occurred_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, string(event.Action), event.SessionID, event.Identifier, quantity, event.Source, confidence, string(metadataJSON), ts(event.OccurredAt))
	if err != nil {
		return &domain.StorageError{Op: "write", Record: "audit_events", Err: err}
	}
	return nil
}

// ListAuditEvents lists the most recent audit events, newest first.
func (r *Repository) ListAuditEvents(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, action, session_id, identifier, quantity, source, confidence, metadata_json, occurred_at
		FROM audit_events
		ORDER BY seq DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, &domain.StorageError{Op: "read", Record: "audit_events", Err: err}
	}
	defer rows.Close()

	out := make([]domain.AuditEvent, 0)
	for rows.Next() {
		event, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "read", Record: "audit_events", Err: err}
	}
	return out, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAuditEvent(s scanner) (domain.AuditEvent, error) {
	var (
		event        domain.AuditEvent
		action       string
		quantity     sql.NullInt64
		confidence   sql.NullFloat64
		metadataJSON string
		occurredRaw  string
	)
	if err := s.Scan(
		&event.ID,
		&action,
		&event.SessionID,
		&event.Identifier,
		&quantity,
		&event.Source,
		&confidence,
		&metadataJSON,
		&occurredRaw,
	); err != nil {
		return domain.AuditEvent{}, &domain.StorageError{Op: "read", Record: "audit_events", Err: err}
	}
	event.Action = domain.AuditAction(action)
	if quantity.Valid {
		q := int(quantity.Int64)
		event.Quantity = &q
	}
	if confidence.Valid {
		c := confidence.Float64
		event.Confidence = &c
	}
	if err := json.Unmarshal([]byte(metadataJSON), &event.Metadata); err != nil {
		return domain.AuditEvent{}, &domain.StorageError{Op: "decode", Record: "audit_events", Err: err}
	}
	if len(event.Metadata) == 0 {
		event.Metadata = nil
	}
	event.OccurredAt = parseTS(occurredRaw)
	return event, nil
}

// ts handles ts.
func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTS parses input into a normalized form.
func parseTS(v string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}
