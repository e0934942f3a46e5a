// Package task implements the task store: the status state machine,
// parent/dependency graph validation, display ordering, bulk operations,
// and search.
package task

import "time"

// Status of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no transition leaves the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// transitions is the status machine: start, finish, fail, pause, and
// cancel from either live state. Terminal states have no exits.
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusPending, StatusCancelled},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority of a task.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Task is one unit of work.
type Task struct {
	ID           string         `json:"task_id"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Status       Status         `json:"status"`
	Priority     Priority       `json:"priority"`
	CreatedBy    string         `json:"created_by"`
	AssignedTo   *string        `json:"assigned_to,omitempty"`
	ParentTask   *string        `json:"parent_task,omitempty"`
	DependsOn    []string       `json:"depends_on_tasks,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	DisplayOrder int            `json:"display_order"`
	DueDate      *time.Time     `json:"due_date,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Filter selects tasks for search and view operations. Zero values mean
// "no constraint".
type Filter struct {
	ID       string
	Status   Status
	Priority Priority
	Assignee string
	Tag      string
	Text     string // case-insensitive substring on title/description
}

// Scope of a reorder operation.
type Scope string

const (
	ScopeParent Scope = "parent" // renumber among the task's siblings
	ScopeGlobal Scope = "global" // renumber every task
)

// BulkOp is the operation applied by bulk_update_tasks.
type BulkOp string

const (
	BulkSetStatus   BulkOp = "set_status"
	BulkSetPriority BulkOp = "set_priority"
	BulkAssign      BulkOp = "assign"
	BulkDelete      BulkOp = "delete"
)

// BulkOutcome is the per-id result of a bulk operation. After the first
// failure the remaining ids are reported as skipped.
type BulkOutcome struct {
	TaskID  string `json:"task_id"`
	OK      bool   `json:"ok"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}
