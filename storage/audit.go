package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/OpenCuff/OpenCuff/plugins"
)

// InvocationRecord is one persisted tool call.
type InvocationRecord struct {
	ID        string        `json:"id"`
	FQN       string        `json:"fqn"`
	Plugin    string        `json:"plugin"`
	Success   bool          `json:"success"`
	ErrorCode string        `json:"error_code,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	StartedAt time.Time     `json:"started_at"`
}

// EventRecord is one persisted lifecycle transition.
type EventRecord struct {
	ID        int64     `json:"id"`
	Plugin    string    `json:"plugin"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// AuditStore keeps a sqlite log of tool invocations and lifecycle events.
type AuditStore struct {
	db *sql.DB
}

var _ plugins.Recorder = (*AuditStore)(nil)

func NewAuditStore(dbPath string) (*AuditStore, error) {
	// 0700 - invocation errors can echo tool arguments
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer; recorders are called from many goroutines.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &AuditStore{db: db}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return store, nil
}

func (s *AuditStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS invocations (
		id TEXT PRIMARY KEY,
		fqn TEXT NOT NULL,
		plugin TEXT NOT NULL,
		success INTEGER NOT NULL,
		error TEXT,
		started_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_invocations_started ON invocations(started_at);
	CREATE TABLE IF NOT EXISTS lifecycle_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		plugin TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		error TEXT,
		at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_plugin ON lifecycle_events(plugin);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	if err := s.migrateSchema(); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

// migrateSchema adds columns that older databases lack.
func (s *AuditStore) migrateSchema() error {
	columns := []struct {
		table, name, ddl string
	}{
		{"invocations", "error_code", `ALTER TABLE invocations ADD COLUMN error_code TEXT DEFAULT ''`},
		{"invocations", "duration_ms", `ALTER TABLE invocations ADD COLUMN duration_ms INTEGER DEFAULT 0`},
	}

	for _, col := range columns {
		exists, err := s.columnExists(col.table, col.name)
		if err != nil {
			return fmt.Errorf("failed to check for %s column: %w", col.name, err)
		}
		switch {
		case !exists:
			if _, err := s.db.Exec(col.ddl); err != nil {
				return fmt.Errorf("failed to add %s column: %w", col.name, err)
			}
		}
	}
	return nil
}

// columnExists checks if a column exists in a table using PRAGMA table_info
func (s *AuditStore) columnExists(tableName, columnName string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid          int
			name         string
			dataType     string
			notNull      int
			defaultValue any
			pk           int
		)
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return false, err
		}
		if name == columnName {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (s *AuditStore) RecordInvocation(ctx context.Context, inv plugins.Invocation) error {
	id := inv.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invocations (id, fqn, plugin, success, error_code, error, duration_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		inv.FQN,
		inv.Plugin,
		inv.Result.Success,
		string(inv.Result.Code),
		inv.Result.Error,
		inv.Duration.Milliseconds(),
		inv.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record invocation: %w", err)
	}
	return nil
}

func (s *AuditStore) RecordTransition(ctx context.Context, t plugins.Transition) error {
	var errText string
	if t.Err != nil {
		errText = t.Err.Error()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lifecycle_events (plugin, from_state, to_state, error, at)
		VALUES (?, ?, ?, ?, ?)`,
		t.Plugin,
		t.From.String(),
		t.To.String(),
		errText,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// ListInvocations returns the newest invocations first. limit <= 0 means all.
func (s *AuditStore) ListInvocations(ctx context.Context, limit int) ([]InvocationRecord, error) {
	query := `
	SELECT id, fqn, plugin, success, error_code, error, duration_ms, started_at
	FROM invocations
	ORDER BY started_at DESC
	`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invocations: %w", err)
	}
	defer rows.Close()

	var records []InvocationRecord
	for rows.Next() {
		var (
			rec        InvocationRecord
			code, text sql.NullString
			durationMS int64
		)
		if err := rows.Scan(&rec.ID, &rec.FQN, &rec.Plugin, &rec.Success, &code, &text, &durationMS, &rec.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to scan invocation: %w", err)
		}
		rec.ErrorCode = code.String
		rec.Error = text.String
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListEvents returns lifecycle events, newest first, optionally for one plugin.
func (s *AuditStore) ListEvents(ctx context.Context, plugin string, limit int) ([]EventRecord, error) {
	query := `SELECT id, plugin, from_state, to_state, error, at FROM lifecycle_events`
	var args []any
	if plugin != "" {
		query += ` WHERE plugin = ?`
		args = append(args, plugin)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lifecycle events: %w", err)
	}
	defer rows.Close()

	var records []EventRecord
	for rows.Next() {
		var (
			rec  EventRecord
			text sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Plugin, &rec.FromState, &rec.ToState, &text, &rec.At); err != nil {
			return nil, fmt.Errorf("failed to scan lifecycle event: %w", err)
		}
		rec.Error = text.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *AuditStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
