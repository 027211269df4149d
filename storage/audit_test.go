package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/OpenCuff/OpenCuff/plugins"
)

func openStore(t *testing.T, path string) *AuditStore {
	t.Helper()
	store, err := NewAuditStore(path)
	if err != nil {
		t.Fatalf("NewAuditStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAuditStoreInvocations(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "nested", "audit.db"))
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	calls := []plugins.Invocation{
		{ID: "a", FQN: "echo.say", Plugin: "echo", Result: plugins.Success("hi"), StartedAt: base, Duration: 1500 * time.Millisecond},
		{ID: "b", FQN: "echo.say", Plugin: "echo", Result: plugins.Failure(plugins.ErrTimeout, "too slow"), StartedAt: base.Add(time.Second)},
		{FQN: "build.run", Plugin: "build", Result: plugins.Success(nil), StartedAt: base.Add(2 * time.Second)},
	}
	for _, inv := range calls {
		if err := store.RecordInvocation(ctx, inv); err != nil {
			t.Fatalf("RecordInvocation() error = %v", err)
		}
	}

	all, err := store.ListInvocations(ctx, 0)
	if err != nil {
		t.Fatalf("ListInvocations() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListInvocations(0) returned %d records", len(all))
	}
	if all[0].FQN != "build.run" || all[0].ID == "" {
		t.Errorf("newest record = %+v, want build.run with generated id", all[0])
	}

	recent, err := store.ListInvocations(ctx, 2)
	if err != nil {
		t.Fatalf("ListInvocations() error = %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("ListInvocations(2) returned %d records", len(recent))
	}
	failed := recent[1]
	if failed.ID != "b" || failed.Success || failed.ErrorCode != "TIMEOUT" || failed.Error != "too slow" {
		t.Errorf("failed record = %+v", failed)
	}

	first := all[2]
	if first.ID != "a" || !first.Success || first.Duration != 1500*time.Millisecond || !first.StartedAt.Equal(base) {
		t.Errorf("first record = %+v", first)
	}
}

func TestAuditStoreEvents(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "audit.db"))
	ctx := context.Background()

	transitions := []plugins.Transition{
		{Plugin: "a", From: plugins.StateUnloaded, To: plugins.StateInitializing},
		{Plugin: "a", From: plugins.StateInitializing, To: plugins.StateActive},
		{Plugin: "b", From: plugins.StateUnloaded, To: plugins.StateInitializing},
		{Plugin: "a", From: plugins.StateActive, To: plugins.StateError, Err: errors.New("pipe closed")},
	}
	for _, tr := range transitions {
		if err := store.RecordTransition(ctx, tr); err != nil {
			t.Fatalf("RecordTransition() error = %v", err)
		}
	}

	events, err := store.ListEvents(ctx, "a", 0)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("ListEvents(a) returned %d events", len(events))
	}
	if e := events[0]; e.FromState != "active" || e.ToState != "error" || e.Error != "pipe closed" {
		t.Errorf("newest event = %+v", e)
	}
	if e := events[2]; e.FromState != "unloaded" || e.ToState != "initializing" || e.Error != "" {
		t.Errorf("oldest event = %+v", e)
	}

	all, err := store.ListEvents(ctx, "", 2)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(all) != 2 || all[1].Plugin != "b" {
		t.Errorf("ListEvents(\"\", 2) = %+v", all)
	}
}

func TestAuditStoreMigratesOldSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	_, err = db.Exec(`CREATE TABLE invocations (
		id TEXT PRIMARY KEY,
		fqn TEXT NOT NULL,
		plugin TEXT NOT NULL,
		success INTEGER NOT NULL,
		error TEXT,
		started_at DATETIME NOT NULL
	)`)
	if err != nil {
		t.Fatalf("create old schema: %v", err)
	}
	_, err = db.Exec(`INSERT INTO invocations (id, fqn, plugin, success, error, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		"old", "echo.say", "echo", true, "", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("insert old row: %v", err)
	}
	db.Close()

	store := openStore(t, path)
	for _, col := range []string{"error_code", "duration_ms"} {
		ok, err := store.columnExists("invocations", col)
		if err != nil || !ok {
			t.Errorf("column %s after migration: %v, %v", col, ok, err)
		}
	}

	records, err := store.ListInvocations(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListInvocations() error = %v", err)
	}
	if len(records) != 1 || records[0].ID != "old" || records[0].Duration != 0 {
		t.Errorf("migrated records = %+v", records)
	}
}

func TestAuditStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := NewAuditStore(path)
	if err != nil {
		t.Fatalf("NewAuditStore() error = %v", err)
	}
	err = store.RecordInvocation(context.Background(), plugins.Invocation{
		ID: "x", FQN: "p.t", Plugin: "p", Result: plugins.Success(1), StartedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("RecordInvocation() error = %v", err)
	}
	store.Close()

	reopened := openStore(t, path)
	records, err := reopened.ListInvocations(context.Background(), 10)
	if err != nil || len(records) != 1 || records[0].ID != "x" {
		t.Errorf("after reopen: %+v, %v", records, err)
	}
}
