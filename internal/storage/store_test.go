package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agenthive/agenthive/internal/common/config"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	cfg := &config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")}
	s, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := testStore(t)
	// Open already migrated once; a second and third pass must succeed.
	for i := 0; i < 2; i++ {
		if err := s.Migrate(context.Background()); err != nil {
			t.Fatalf("re-migrate %d: %v", i, err)
		}
	}
}

func TestSchemaRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.Pool().Writer().ExecContext(ctx,
		`INSERT INTO agents (agent_id, capabilities, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		"a1", `["backend"]`, "active", now, now)
	if err != nil {
		t.Fatalf("insert agent: %v", err)
	}

	_, err = s.Pool().Writer().ExecContext(ctx,
		`INSERT INTO tasks (task_id, title, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		"t1", "demo task", "admin", now, now)
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}

	var status string
	err = s.Pool().Reader().GetContext(ctx, &status,
		`SELECT status FROM tasks WHERE task_id = ?`, "t1")
	if err != nil {
		t.Fatalf("read task: %v", err)
	}
	if status != "pending" {
		t.Errorf("default status = %q, want pending", status)
	}
}

func TestChunkDedupConstraint(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	insert := `INSERT INTO rag_chunks (chunk_id, source_type, source_ref, content, content_hash, created_at)
	           VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.Pool().Writer().ExecContext(ctx, insert, "c1", "markdown", "README.md#0", "hello", "h1", now); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := s.Pool().Writer().ExecContext(ctx, insert, "c2", "markdown", "README.md#0", "hello", "h1", now); err == nil {
		t.Fatal("expected unique (source_ref, content_hash) violation")
	}
}

func TestPing(t *testing.T) {
	s := testStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
