package task

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

// Store persists tasks and their dependency edges.
type Store struct {
	pool  *db.Pool
	queue *writequeue.Queue
}

// NewStore creates the task store.
func NewStore(pool *db.Pool, queue *writequeue.Queue) *Store {
	return &Store{pool: pool, queue: queue}
}

type taskRow struct {
	ID           string     `db:"task_id"`
	Title        string     `db:"title"`
	Description  string     `db:"description"`
	Status       string     `db:"status"`
	Priority     string     `db:"priority"`
	CreatedBy    string     `db:"created_by"`
	AssignedTo   *string    `db:"assigned_to"`
	ParentTask   *string    `db:"parent_task"`
	Tags         string     `db:"tags"`
	DisplayOrder int        `db:"display_order"`
	DueDate      *time.Time `db:"due_date"`
	Metadata     string     `db:"metadata"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

const taskColumns = `task_id, title, description, status, priority, created_by,
	assigned_to, parent_task, tags, display_order, due_date, metadata, created_at, updated_at`

func (r taskRow) toTask(depends []string) (*Task, error) {
	var tags []string
	if r.Tags != "" {
		if err := json.Unmarshal([]byte(r.Tags), &tags); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, err, "decode tags for %s", r.ID)
		}
	}
	var metadata map[string]any
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &metadata); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, err, "decode metadata for %s", r.ID)
		}
	}
	return &Task{
		ID:           r.ID,
		Title:        r.Title,
		Description:  r.Description,
		Status:       Status(r.Status),
		Priority:     Priority(r.Priority),
		CreatedBy:    r.CreatedBy,
		AssignedTo:   r.AssignedTo,
		ParentTask:   r.ParentTask,
		DependsOn:    depends,
		Tags:         tags,
		DisplayOrder: r.DisplayOrder,
		DueDate:      r.DueDate,
		Metadata:     metadata,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "encode json column")
	}
	return string(raw), nil
}

// Insert persists a new task. The display order is assigned inside the
// transaction: one past the highest sibling under the same parent, so
// orders stay unique even after deletes leave gaps.
func (s *Store) Insert(ctx context.Context, t *Task, after writequeue.Callback) error {
	tags, err := encodeJSON(t.Tags)
	if err != nil {
		return err
	}
	if tags == "" {
		tags = "[]"
	}
	metadata, err := encodeJSON(t.Metadata)
	if err != nil {
		return err
	}
	if metadata == "" {
		metadata = "{}"
	}

	return s.queue.Submit(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		order, err := nextOrder(ctx, tx, t.ParentTask)
		if err != nil {
			return err
		}
		t.DisplayOrder = order

		_, err = tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO tasks (`+taskColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			t.ID, t.Title, t.Description, string(t.Status), string(t.Priority), t.CreatedBy,
			t.AssignedTo, t.ParentTask, tags, t.DisplayOrder, t.DueDate, metadata,
			t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return err
		}
		return replaceDepends(ctx, tx, t.ID, t.DependsOn)
	}, after)
}

// nextOrder returns one past the highest display order in the parent scope.
func nextOrder(ctx context.Context, tx *sqlx.Tx, parent *string) (int, error) {
	var order int
	var err error
	if parent == nil {
		err = tx.GetContext(ctx, &order,
			`SELECT COALESCE(MAX(display_order)+1, 0) FROM tasks WHERE parent_task IS NULL`)
	} else {
		err = tx.GetContext(ctx, &order, tx.Rebind(
			`SELECT COALESCE(MAX(display_order)+1, 0) FROM tasks WHERE parent_task = ?`), *parent)
	}
	return order, err
}

func sameScope(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Update rewrites every mutable column plus the dependency edges. A task
// moved under a new parent is placed after the last sibling there.
func (s *Store) Update(ctx context.Context, t *Task, after writequeue.Callback) error {
	tags, err := encodeJSON(t.Tags)
	if err != nil {
		return err
	}
	if tags == "" {
		tags = "[]"
	}
	metadata, err := encodeJSON(t.Metadata)
	if err != nil {
		return err
	}
	if metadata == "" {
		metadata = "{}"
	}

	return s.queue.Submit(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		var oldParent *string
		err := tx.GetContext(ctx, &oldParent,
			tx.Rebind(`SELECT parent_task FROM tasks WHERE task_id = ?`), t.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.KindNotFound, "task %q not found", t.ID)
		}
		if err != nil {
			return err
		}
		if !sameScope(oldParent, t.ParentTask) {
			order, err := nextOrder(ctx, tx, t.ParentTask)
			if err != nil {
				return err
			}
			t.DisplayOrder = order
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(
			`UPDATE tasks SET title = ?, description = ?, status = ?, priority = ?,
			        assigned_to = ?, parent_task = ?, tags = ?, display_order = ?,
			        due_date = ?, metadata = ?, updated_at = ?
			 WHERE task_id = ?`),
			t.Title, t.Description, string(t.Status), string(t.Priority),
			t.AssignedTo, t.ParentTask, tags, t.DisplayOrder, t.DueDate, metadata, t.UpdatedAt, t.ID)
		if err != nil {
			return err
		}
		return replaceDepends(ctx, tx, t.ID, t.DependsOn)
	}, after)
}

func replaceDepends(ctx context.Context, tx *sqlx.Tx, taskID string, depends []string) error {
	if _, err := tx.ExecContext(ctx,
		tx.Rebind(`DELETE FROM task_depends WHERE task_id = ?`), taskID); err != nil {
		return err
	}
	for i, dep := range depends {
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO task_depends (task_id, depends_on, position) VALUES (?, ?, ?)`),
			taskID, dep, i); err != nil {
			return err
		}
	}
	return nil
}

// Get loads one task with its ordered dependency list.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	r := s.pool.Reader()
	var row taskRow
	err := r.GetContext(ctx, &row,
		r.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "task %q not found", id)
	}
	if err != nil {
		return nil, err
	}
	depends, err := s.dependsOf(ctx, id)
	if err != nil {
		return nil, err
	}
	return row.toTask(depends)
}

func (s *Store) dependsOf(ctx context.Context, id string) ([]string, error) {
	r := s.pool.Reader()
	var depends []string
	err := r.SelectContext(ctx, &depends,
		r.Rebind(`SELECT depends_on FROM task_depends WHERE task_id = ? ORDER BY position`), id)
	return depends, err
}

// Exists reports whether every id names a stored task, returning the
// first missing id.
func (s *Store) Exists(ctx context.Context, ids ...string) (string, bool, error) {
	r := s.pool.Reader()
	for _, id := range ids {
		var n int
		if err := r.GetContext(ctx, &n,
			r.Rebind(`SELECT COUNT(*) FROM tasks WHERE task_id = ?`), id); err != nil {
			return "", false, err
		}
		if n == 0 {
			return id, false, nil
		}
	}
	return "", true, nil
}

// List returns tasks matching the filter, ordered by display order.
func (s *Store) List(ctx context.Context, f Filter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var where []string
	var args []any

	if f.ID != "" {
		where = append(where, `task_id = ?`)
		args = append(args, f.ID)
	}
	if f.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, string(f.Status))
	}
	if f.Priority != "" {
		where = append(where, `priority = ?`)
		args = append(args, string(f.Priority))
	}
	if f.Assignee != "" {
		where = append(where, `assigned_to = ?`)
		args = append(args, f.Assignee)
	}
	if f.Tag != "" {
		// Tags are a JSON string array; match the quoted element.
		where = append(where, `tags LIKE ?`)
		args = append(args, `%"`+f.Tag+`"%`)
	}
	if f.Text != "" {
		where = append(where, `(LOWER(title) LIKE ? OR LOWER(description) LIKE ?)`)
		needle := "%" + strings.ToLower(f.Text) + "%"
		args = append(args, needle, needle)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY display_order, created_at, task_id`

	r := s.pool.Reader()
	var rows []taskRow
	if err := r.SelectContext(ctx, &rows, r.Rebind(query), args...); err != nil {
		return nil, err
	}

	tasks := make([]*Task, 0, len(rows))
	for _, row := range rows {
		depends, err := s.dependsOf(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		t, err := row.toTask(depends)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// DeleteMany removes the tasks and their dependency edges in both
// directions, in one transaction.
func (s *Store) DeleteMany(ctx context.Context, ids []string, after writequeue.Callback) error {
	return s.queue.Submit(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, tx.Rebind(
				`DELETE FROM task_depends WHERE task_id = ? OR depends_on = ?`), id, id); err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM tasks WHERE task_id = ?`), id)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return apperr.New(apperr.KindNotFound, "task %q not found", id)
			}
		}
		return nil
	}, after)
}

// Reorder moves the task to newIndex within the scope and renumbers the
// scope densely from zero. One transaction, so concurrent reorders
// serialize through the queue.
func (s *Store) Reorder(ctx context.Context, taskID string, newIndex int, scope Scope, after writequeue.Callback) error {
	return s.queue.Submit(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		var parent *string
		err := tx.GetContext(ctx, &parent,
			tx.Rebind(`SELECT parent_task FROM tasks WHERE task_id = ?`), taskID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.KindNotFound, "task %q not found", taskID)
		}
		if err != nil {
			return err
		}

		var ids []string
		switch scope {
		case ScopeGlobal:
			err = tx.SelectContext(ctx, &ids,
				`SELECT task_id FROM tasks ORDER BY display_order, created_at, task_id`)
		case ScopeParent:
			if parent == nil {
				err = tx.SelectContext(ctx, &ids,
					`SELECT task_id FROM tasks WHERE parent_task IS NULL ORDER BY display_order, created_at, task_id`)
			} else {
				err = tx.SelectContext(ctx, &ids, tx.Rebind(
					`SELECT task_id FROM tasks WHERE parent_task = ? ORDER BY display_order, created_at, task_id`), *parent)
			}
		default:
			return apperr.Validation("scope", "must be %q or %q", ScopeParent, ScopeGlobal)
		}
		if err != nil {
			return err
		}

		// Remove the target, clamp, reinsert.
		pos := -1
		for i, id := range ids {
			if id == taskID {
				pos = i
				break
			}
		}
		if pos < 0 {
			return apperr.New(apperr.KindInternal, "task %q missing from its own scope", taskID)
		}
		ids = append(ids[:pos], ids[pos+1:]...)
		if newIndex < 0 {
			newIndex = 0
		}
		if newIndex > len(ids) {
			newIndex = len(ids)
		}
		ids = append(ids[:newIndex], append([]string{taskID}, ids[newIndex:]...)...)

		now := time.Now().UTC()
		for i, id := range ids {
			if _, err := tx.ExecContext(ctx, tx.Rebind(
				`UPDATE tasks SET display_order = ?, updated_at = ? WHERE task_id = ?`), i, now, id); err != nil {
				return err
			}
		}
		return nil
	}, after)
}

// Edges returns the parent pointer and dependency list of every task, for
// cycle detection.
func (s *Store) Edges(ctx context.Context) (parents map[string]*string, depends map[string][]string, err error) {
	var rows []struct {
		ID     string  `db:"task_id"`
		Parent *string `db:"parent_task"`
	}
	if err := s.pool.Reader().SelectContext(ctx, &rows,
		`SELECT task_id, parent_task FROM tasks`); err != nil {
		return nil, nil, err
	}
	parents = make(map[string]*string, len(rows))
	for _, r := range rows {
		parents[r.ID] = r.Parent
	}

	var deps []struct {
		ID        string `db:"task_id"`
		DependsOn string `db:"depends_on"`
	}
	if err := s.pool.Reader().SelectContext(ctx, &deps,
		`SELECT task_id, depends_on FROM task_depends ORDER BY task_id, position`); err != nil {
		return nil, nil, err
	}
	depends = make(map[string][]string)
	for _, d := range deps {
		depends[d.ID] = append(depends[d.ID], d.DependsOn)
	}
	return parents, depends, nil
}

// Children returns the direct children of a task.
func (s *Store) Children(ctx context.Context, id string) ([]string, error) {
	r := s.pool.Reader()
	var ids []string
	err := r.SelectContext(ctx, &ids,
		r.Rebind(`SELECT task_id FROM tasks WHERE parent_task = ? ORDER BY display_order`), id)
	return ids, err
}

// ReleaseAgent pushes the agent's in-progress tasks back to pending and
// clears the assignment. Returns the affected task ids.
func (s *Store) ReleaseAgent(ctx context.Context, agentID string, after writequeue.Callback) ([]string, error) {
	var ids []string
	err := s.queue.Submit(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		var err error
		ids, err = ReleaseAgentTx(ctx, tx, agentID)
		return err
	}, after)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ReleaseAgentTx is the transactional body of ReleaseAgent, for callers
// composing the release with other mutations in one commit.
func ReleaseAgentTx(ctx context.Context, tx *sqlx.Tx, agentID string) ([]string, error) {
	var ids []string
	if err := tx.SelectContext(ctx, &ids, tx.Rebind(
		`SELECT task_id FROM tasks WHERE assigned_to = ? AND status = ? ORDER BY task_id`),
		agentID, string(StatusInProgress)); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE tasks SET status = ?, assigned_to = NULL, updated_at = ?
		 WHERE assigned_to = ? AND status = ?`),
		string(StatusPending), now, agentID, string(StatusInProgress))
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Orders returns (task_id, display_order) for a parent scope, used by
// invariant checks in tests.
func (s *Store) Orders(ctx context.Context, parent *string) (map[string]int, error) {
	var rows []struct {
		ID    string `db:"task_id"`
		Order int    `db:"display_order"`
	}
	r := s.pool.Reader()
	var err error
	if parent == nil {
		err = r.SelectContext(ctx, &rows,
			`SELECT task_id, display_order FROM tasks WHERE parent_task IS NULL`)
	} else {
		err = r.SelectContext(ctx, &rows,
			r.Rebind(`SELECT task_id, display_order FROM tasks WHERE parent_task = ?`), *parent)
	}
	if err != nil {
		return nil, err
	}
	orders := make(map[string]int, len(rows))
	for _, r := range rows {
		orders[r.ID] = r.Order
	}
	return orders, nil
}
