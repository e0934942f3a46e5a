package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agenthive/agenthive/internal/common/apperr"
	"github.com/agenthive/agenthive/internal/db"
	"github.com/agenthive/agenthive/internal/storage/writequeue"
)

// Store persists agents, file claims, and messages. Mutations go through
// the write queue; reads hit the reader pool directly.
type Store struct {
	pool  *db.Pool
	queue *writequeue.Queue
}

// NewStore creates the agent store.
func NewStore(pool *db.Pool, queue *writequeue.Queue) *Store {
	return &Store{pool: pool, queue: queue}
}

type agentRow struct {
	ID           string     `db:"agent_id"`
	Capabilities string     `db:"capabilities"`
	Status       string     `db:"status"`
	CurrentTask  *string    `db:"current_task"`
	WorkingDir   string     `db:"working_directory"`
	Role         string     `db:"role"`
	LastActiveAt *time.Time `db:"last_active_at"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

func (r agentRow) toAgent() (*Agent, error) {
	var caps []string
	if r.Capabilities != "" {
		if err := json.Unmarshal([]byte(r.Capabilities), &caps); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, err, "decode capabilities for %s", r.ID)
		}
	}
	return &Agent{
		ID:           r.ID,
		Capabilities: caps,
		Status:       Status(r.Status),
		CurrentTask:  r.CurrentTask,
		WorkingDir:   r.WorkingDir,
		Role:         r.Role,
		LastActiveAt: r.LastActiveAt,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

// Transact runs op through the write queue, so mutations spanning the
// agent, token, claim and task tables commit atomically.
func (s *Store) Transact(ctx context.Context, op func(context.Context, *sqlx.Tx) error, after writequeue.Callback) error {
	return s.queue.Submit(ctx, op, after)
}

// Insert persists a new agent. Returns AlreadyExists on a duplicate id.
func (s *Store) Insert(ctx context.Context, a *Agent, after writequeue.Callback) error {
	return s.queue.Submit(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		return insertAgentTx(ctx, tx, a)
	}, after)
}

func insertAgentTx(ctx context.Context, tx *sqlx.Tx, a *Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "encode capabilities")
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO agents (agent_id, capabilities, status, current_task, working_directory, role, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, string(caps), string(a.Status), a.CurrentTask, a.WorkingDir, a.Role, a.CreatedAt, a.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.New(apperr.KindAlreadyExists, "agent %q already exists", a.ID)
	}
	return err
}

// UpdateStatus sets the agent's status and updated_at.
func (s *Store) UpdateStatus(ctx context.Context, agentID string, status Status, after writequeue.Callback) error {
	return s.queue.Submit(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		return updateStatusTx(ctx, tx, agentID, status)
	}, after)
}

func updateStatusTx(ctx context.Context, tx *sqlx.Tx, agentID string, status Status) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE agents SET status = ?, updated_at = ? WHERE agent_id = ?`),
		string(status), time.Now().UTC(), agentID)
	return err
}

// TouchActivity bumps last_active_at, used by the session monitor.
func (s *Store) TouchActivity(ctx context.Context, agentID string, at time.Time) error {
	return s.queue.Submit(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			tx.Rebind(`UPDATE agents SET last_active_at = ? WHERE agent_id = ?`), at, agentID)
		return err
	}, nil)
}

// SetCurrentTask records the task the agent is working on (nil clears it).
func (s *Store) SetCurrentTask(ctx context.Context, agentID string, taskID *string, after writequeue.Callback) error {
	now := time.Now().UTC()
	return s.queue.Submit(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE agents SET current_task = ?, updated_at = ? WHERE agent_id = ?`),
			taskID, now, agentID)
		return err
	}, after)
}

// Get loads one agent.
func (s *Store) Get(ctx context.Context, agentID string) (*Agent, error) {
	r := s.pool.Reader()
	var row agentRow
	err := r.GetContext(ctx, &row, r.Rebind(
		`SELECT agent_id, capabilities, status, current_task, working_directory, role, last_active_at, created_at, updated_at
		 FROM agents WHERE agent_id = ?`), agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "agent %q not found", agentID)
	}
	if err != nil {
		return nil, err
	}
	return row.toAgent()
}

// List returns all agents ordered by creation time.
func (s *Store) List(ctx context.Context) ([]*Agent, error) {
	var rows []agentRow
	err := s.pool.Reader().SelectContext(ctx, &rows,
		`SELECT agent_id, capabilities, status, current_task, working_directory, role, last_active_at, created_at, updated_at
		 FROM agents ORDER BY created_at, agent_id`)
	if err != nil {
		return nil, err
	}
	agents := make([]*Agent, 0, len(rows))
	for _, row := range rows {
		a, err := row.toAgent()
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// Claim atomically records an exclusive claim on path. A held path returns
// AlreadyExists naming the holder.
func (s *Store) Claim(ctx context.Context, claim *FileClaim, after writequeue.Callback) error {
	return s.queue.Submit(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO file_claims (path, agent_id, reason, claimed_at) VALUES (?, ?, ?, ?)`),
			claim.Path, claim.AgentID, claim.Reason, claim.ClaimedAt)
		if isUniqueViolation(err) {
			var holder string
			if getErr := tx.GetContext(ctx, &holder,
				tx.Rebind(`SELECT agent_id FROM file_claims WHERE path = ?`), claim.Path); getErr == nil {
				return apperr.New(apperr.KindAlreadyExists, "path %q already claimed by %q", claim.Path, holder)
			}
			return apperr.New(apperr.KindAlreadyExists, "path %q already claimed", claim.Path)
		}
		return err
	}, after)
}

// Release removes a claim. Only the holder (or an admin, enforced by the
// caller) may release; a missing claim is NotFound.
func (s *Store) Release(ctx context.Context, path, agentID string, force bool, after writequeue.Callback) error {
	return s.queue.Submit(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		var holder string
		err := tx.GetContext(ctx, &holder,
			tx.Rebind(`SELECT agent_id FROM file_claims WHERE path = ?`), path)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.KindNotFound, "no claim on %q", path)
		}
		if err != nil {
			return err
		}
		if !force && holder != agentID {
			return apperr.New(apperr.KindPermissionDenied, "path %q is claimed by %q", path, holder)
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM file_claims WHERE path = ?`), path)
		return err
	}, after)
}

// ReleaseAll drops every claim held by the agent and returns the paths.
func (s *Store) ReleaseAll(ctx context.Context, agentID string, after writequeue.Callback) ([]string, error) {
	var paths []string
	err := s.queue.Submit(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		var err error
		paths, err = releaseAllTx(ctx, tx, agentID)
		return err
	}, after)
	return paths, err
}

func releaseAllTx(ctx context.Context, tx *sqlx.Tx, agentID string) ([]string, error) {
	var paths []string
	if err := tx.SelectContext(ctx, &paths,
		tx.Rebind(`SELECT path FROM file_claims WHERE agent_id = ? ORDER BY path`), agentID); err != nil {
		return nil, err
	}
	_, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM file_claims WHERE agent_id = ?`), agentID)
	return paths, err
}

// ClaimOn returns the claim on path, or nil.
func (s *Store) ClaimOn(ctx context.Context, path string) (*FileClaim, error) {
	r := s.pool.Reader()
	var claim FileClaim
	err := r.GetContext(ctx, &claim,
		r.Rebind(`SELECT path, agent_id, reason, claimed_at FROM file_claims WHERE path = ?`), path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &claim, nil
}

// InsertMessage appends a board entry.
func (s *Store) InsertMessage(ctx context.Context, m *Message, after writequeue.Callback) error {
	return s.queue.Submit(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO agent_messages (message_id, from_agent, to_agent, content, created_at)
			 VALUES (?, ?, ?, ?, ?)`),
			m.ID, m.From, m.To, m.Content, m.CreatedAt)
		return err
	}, after)
}

// Messages returns entries addressed to the agent (direct or broadcast),
// oldest first. With unreadOnly only unread direct messages and unread
// broadcasts are returned. Fetched direct messages are marked read.
func (s *Store) Messages(ctx context.Context, agentID string, unreadOnly bool) ([]*Message, error) {
	query := `SELECT message_id, from_agent, to_agent, content, read_at, created_at
	          FROM agent_messages WHERE (to_agent = ? OR to_agent IS NULL)`
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at, message_id`

	r := s.pool.Reader()
	var rows []*Message
	if err := r.SelectContext(ctx, &rows, r.Rebind(query), agentID); err != nil {
		return nil, err
	}

	// Mark direct messages read after the fetch. Broadcasts stay unread
	// since read state is per recipient and broadcasts have many.
	ids := make([]string, 0, len(rows))
	for _, m := range rows {
		if m.To != nil && m.ReadAt == nil {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) > 0 {
		now := time.Now().UTC()
		err := s.queue.Submit(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
			query, args, err := sqlx.In(
				`UPDATE agent_messages SET read_at = ? WHERE message_id IN (?)`, now, ids)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, tx.Rebind(query), args...)
			return err
		}, nil)
		if err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
