// Package contextstore holds the shared project context: versioned
// key-value entries visible to every agent.
package contextstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/common/apperr"
	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/db"
	"github.com/agenthive/agenthive/internal/events"
	"github.com/agenthive/agenthive/internal/events/bus"
	"github.com/agenthive/agenthive/internal/storage/writequeue"
)

// maxValueBytes caps a single entry's JSON value.
const maxValueBytes = 64 * 1024

// Entry is one context key with its current value.
type Entry struct {
	Key         string          `json:"context_key" db:"context_key"`
	Value       json.RawMessage `json:"value" db:"value"`
	Description string          `json:"description,omitempty" db:"description"`
	UpdatedBy   string          `json:"updated_by" db:"updated_by"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Revision is one historical value of a key.
type Revision struct {
	ID          string          `json:"id" db:"id"`
	Key         string          `json:"context_key" db:"context_key"`
	Value       json.RawMessage `json:"value" db:"value"`
	Description string          `json:"description,omitempty" db:"description"`
	UpdatedBy   string          `json:"updated_by" db:"updated_by"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Store implements update/view/query over context entries.
type Store struct {
	pool     *db.Pool
	queue    *writequeue.Queue
	eventBus bus.EventBus
	log      *logger.Logger
}

// NewStore creates the context store.
func NewStore(pool *db.Pool, queue *writequeue.Queue, eventBus bus.EventBus) *Store {
	return &Store{
		pool:     pool,
		queue:    queue,
		eventBus: eventBus,
		log:      logger.New("context-store"),
	}
}

// Update upserts an entry and appends a history row in the same
// transaction.
func (s *Store) Update(ctx context.Context, subject, key string, value json.RawMessage, description string) (*Entry, error) {
	if key == "" {
		return nil, apperr.Validation("context_key", "must not be empty")
	}
	if len(value) == 0 {
		return nil, apperr.Validation("value", "must not be empty")
	}
	if len(value) > maxValueBytes {
		return nil, apperr.Validation("value", "exceeds %d bytes", maxValueBytes)
	}
	if !json.Valid(value) {
		return nil, apperr.Validation("value", "must be valid JSON")
	}

	now := time.Now().UTC()
	entry := &Entry{
		Key:         key,
		Value:       value,
		Description: description,
		UpdatedBy:   subject,
		UpdatedAt:   now,
	}
	historyID := uuid.New().String()

	err := s.queue.Submit(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE context_entries SET value = ?, description = ?, updated_by = ?, updated_at = ?
			 WHERE context_key = ?`),
			string(value), description, subject, now, key)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := tx.ExecContext(ctx, tx.Rebind(
				`INSERT INTO context_entries (context_key, value, description, updated_by, updated_at)
				 VALUES (?, ?, ?, ?, ?)`),
				key, string(value), description, subject, now); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO context_history (id, context_key, value, description, updated_by, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`),
			historyID, key, string(value), description, subject, now)
		return err
	}, func(err error) {
		if err != nil {
			return
		}
		s.publish(ctx, key, subject)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Get returns one entry.
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	r := s.pool.Reader()
	var entry entryRow
	err := r.GetContext(ctx, &entry, r.Rebind(
		`SELECT context_key, value, description, updated_by, updated_at
		 FROM context_entries WHERE context_key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "context key %q not found", key)
	}
	if err != nil {
		return nil, err
	}
	return entry.toEntry(), nil
}

// List returns every entry ordered by key.
func (s *Store) List(ctx context.Context) ([]*Entry, error) {
	var rows []entryRow
	err := s.pool.Reader().SelectContext(ctx, &rows,
		`SELECT context_key, value, description, updated_by, updated_at
		 FROM context_entries ORDER BY context_key`)
	if err != nil {
		return nil, err
	}
	return toEntries(rows), nil
}

// Query returns entries whose key matches the pattern. Patterns with glob
// metacharacters use path.Match semantics per key segment; anything else
// is a case-insensitive substring match.
func (s *Store) Query(ctx context.Context, pattern string) ([]*Entry, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if pattern == "" {
		return all, nil
	}

	isGlob := strings.ContainsAny(pattern, "*?[")
	needle := strings.ToLower(pattern)

	var matched []*Entry
	for _, e := range all {
		if isGlob {
			if ok, _ := path.Match(pattern, e.Key); ok {
				matched = append(matched, e)
			}
		} else if strings.Contains(strings.ToLower(e.Key), needle) {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

// History returns the revisions of a key, newest first.
func (s *Store) History(ctx context.Context, key string, limit int) ([]*Revision, error) {
	if limit <= 0 {
		limit = 50
	}
	r := s.pool.Reader()
	var rows []revisionRow
	err := r.SelectContext(ctx, &rows, r.Rebind(
		`SELECT id, context_key, value, description, updated_by, updated_at
		 FROM context_history WHERE context_key = ?
		 ORDER BY updated_at DESC, id LIMIT ?`), key, limit)
	if err != nil {
		return nil, err
	}
	revisions := make([]*Revision, 0, len(rows))
	for _, r := range rows {
		revisions = append(revisions, r.toRevision())
	}
	return revisions, nil
}

type entryRow struct {
	Key         string    `db:"context_key"`
	Value       string    `db:"value"`
	Description string    `db:"description"`
	UpdatedBy   string    `db:"updated_by"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r entryRow) toEntry() *Entry {
	return &Entry{
		Key:         r.Key,
		Value:       json.RawMessage(r.Value),
		Description: r.Description,
		UpdatedBy:   r.UpdatedBy,
		UpdatedAt:   r.UpdatedAt,
	}
}

func toEntries(rows []entryRow) []*Entry {
	entries := make([]*Entry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.toEntry())
	}
	return entries
}

type revisionRow struct {
	ID          string    `db:"id"`
	Key         string    `db:"context_key"`
	Value       string    `db:"value"`
	Description string    `db:"description"`
	UpdatedBy   string    `db:"updated_by"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r revisionRow) toRevision() *Revision {
	return &Revision{
		ID:          r.ID,
		Key:         r.Key,
		Value:       json.RawMessage(r.Value),
		Description: r.Description,
		UpdatedBy:   r.UpdatedBy,
		UpdatedAt:   r.UpdatedAt,
	}
}

func (s *Store) publish(ctx context.Context, key, subject string) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(events.ContextUpdated, key, map[string]any{"updated_by": subject})
	if err := s.eventBus.Publish(context.WithoutCancel(ctx), events.ContextUpdated, event); err != nil {
		s.log.Error("Event publish failed", zap.String("key", key), zap.Error(err))
	}
}
