// Package storage owns the relational schema and the durable write path.
//
// Feature packages (agent, task, contextstore, rag, auth, security) keep
// their own repositories on top of the shared pool; this package only
// opens the pool, runs migrations, and reports health.
package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/common/config"
	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/db"
)

// Store wraps the database pool with schema management.
type Store struct {
	pool *db.Pool
	log  *logger.Logger
}

// Open connects to the configured backend: PostgreSQL when DB_HOST is set,
// otherwise the embedded SQLite file.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*Store, error) {
	log := logger.New("storage")

	var pool *db.Pool
	if cfg.UsePostgres() {
		conn, err := db.OpenPostgres(cfg.DSN(), cfg.PoolMax, cfg.PoolMin)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		pool = db.NewPool(conn, conn)
		log.Info("Connected to PostgreSQL", zap.String("host", cfg.Host), zap.String("database", cfg.DBName))
	} else {
		writer, err := db.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite writer: %w", err)
		}
		reader, err := db.OpenSQLiteReader(cfg.Path)
		if err != nil {
			writer.Close()
			return nil, fmt.Errorf("open sqlite reader: %w", err)
		}
		pool = db.NewPool(writer, reader)
		log.Info("Opened SQLite database", zap.String("path", cfg.Path))
	}

	s := &Store{pool: pool, log: log}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Pool exposes the underlying reader/writer pool for repositories.
func (s *Store) Pool() *db.Pool { return s.pool }

// Ping verifies reader connectivity, used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Reader().PingContext(ctx)
}

// Close closes the pool.
func (s *Store) Close() error { return s.pool.Close() }

// Migrate creates all tables and indexes. Every statement is idempotent so
// the schema can be re-applied on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.pool.Writer().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w\nstatement: %s", err, stmt)
		}
	}
	s.log.Debug("Schema migrated", zap.Int("statements", len(migrations)))
	return nil
}

// The schema is shared between SQLite and PostgreSQL: TEXT primary keys
// (UUIDs minted in Go) instead of autoincrement, TIMESTAMP columns, and
// JSON stored as TEXT.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		agent_id          TEXT PRIMARY KEY,
		capabilities      TEXT NOT NULL DEFAULT '[]',
		status            TEXT NOT NULL DEFAULT 'created',
		current_task      TEXT,
		working_directory TEXT NOT NULL DEFAULT '',
		role              TEXT NOT NULL DEFAULT '',
		last_active_at    TIMESTAMP,
		created_at        TIMESTAMP NOT NULL,
		updated_at        TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)`,

	`CREATE TABLE IF NOT EXISTS tokens (
		token      TEXT PRIMARY KEY,
		subject    TEXT NOT NULL,
		role       TEXT NOT NULL DEFAULT 'agent',
		issued_at  TIMESTAMP NOT NULL,
		revoked_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tokens_subject ON tokens(subject)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		id         TEXT PRIMARY KEY,
		subject    TEXT NOT NULL,
		tool       TEXT NOT NULL,
		request_id TEXT NOT NULL,
		outcome    TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_log(subject, created_at)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		task_id       TEXT PRIMARY KEY,
		title         TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT 'pending',
		priority      TEXT NOT NULL DEFAULT 'medium',
		created_by    TEXT NOT NULL,
		assigned_to   TEXT,
		parent_task   TEXT,
		tags          TEXT NOT NULL DEFAULT '[]',
		display_order INTEGER NOT NULL DEFAULT 0,
		due_date      TIMESTAMP,
		metadata      TEXT NOT NULL DEFAULT '{}',
		created_at    TIMESTAMP NOT NULL,
		updated_at    TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_to)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_order ON tasks(parent_task, display_order)`,

	`CREATE TABLE IF NOT EXISTS task_depends (
		task_id    TEXT NOT NULL,
		depends_on TEXT NOT NULL,
		position   INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (task_id, depends_on)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_depends_on ON task_depends(depends_on)`,

	`CREATE TABLE IF NOT EXISTS context_entries (
		context_key TEXT PRIMARY KEY,
		value       TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		updated_by  TEXT NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS context_history (
		id          TEXT PRIMARY KEY,
		context_key TEXT NOT NULL,
		value       TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		updated_by  TEXT NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_context_history_key ON context_history(context_key, updated_at)`,

	`CREATE TABLE IF NOT EXISTS file_claims (
		path       TEXT PRIMARY KEY,
		agent_id   TEXT NOT NULL,
		reason     TEXT NOT NULL DEFAULT '',
		claimed_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_file_claims_agent ON file_claims(agent_id)`,

	`CREATE TABLE IF NOT EXISTS agent_messages (
		message_id TEXT PRIMARY KEY,
		from_agent TEXT NOT NULL,
		to_agent   TEXT,
		content    TEXT NOT NULL,
		read_at    TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_to ON agent_messages(to_agent, created_at)`,

	`CREATE TABLE IF NOT EXISTS rag_chunks (
		chunk_id     TEXT PRIMARY KEY,
		source_type  TEXT NOT NULL,
		source_ref   TEXT NOT NULL,
		content      TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		token_count  INTEGER NOT NULL DEFAULT 0,
		created_at   TIMESTAMP NOT NULL,
		UNIQUE (source_ref, content_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rag_chunks_source ON rag_chunks(source_type, source_ref)`,

	`CREATE TABLE IF NOT EXISTS rag_meta (
		meta_key   TEXT PRIMARY KEY,
		meta_value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS security_alerts (
		id         TEXT PRIMARY KEY,
		subject    TEXT NOT NULL,
		tool       TEXT NOT NULL,
		pattern    TEXT NOT NULL,
		severity   TEXT NOT NULL,
		direction  TEXT NOT NULL,
		excerpt    TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_security_alerts_time ON security_alerts(created_at)`,
}
