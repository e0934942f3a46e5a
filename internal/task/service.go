package task

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/auth"
	"github.com/agenthive/agenthive/internal/common/apperr"
	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/events"
	"github.com/agenthive/agenthive/internal/events/bus"
)

const (
	maxTitleLen       = 500
	maxDescriptionLen = 10000
	maxTags           = 20
)

// AgentChecker verifies assignee ids. Implemented by the agent manager;
// injected to avoid a package cycle.
type AgentChecker interface {
	AgentExists(ctx context.Context, agentID string) (bool, error)
}

// Service implements the task operations on top of the store.
type Service struct {
	store    *Store
	agents   AgentChecker
	eventBus bus.EventBus
	log      *logger.Logger
}

// NewService wires the task service.
func NewService(store *Store, agents AgentChecker, eventBus bus.EventBus) *Service {
	return &Service{
		store:    store,
		agents:   agents,
		eventBus: eventBus,
		log:      logger.New("task-service"),
	}
}

// CreateRequest carries the create_task arguments.
type CreateRequest struct {
	Title       string
	Description string
	Priority    Priority
	AssignedTo  *string
	ParentTask  *string
	DependsOn   []string
	Tags        []string
	DueDate     *time.Time
	Metadata    map[string]any
}

// Create validates and persists a new task in pending state.
func (s *Service) Create(ctx context.Context, caller auth.Identity, req CreateRequest) (*Task, error) {
	if err := validateTitle(req.Title); err != nil {
		return nil, err
	}
	if err := validateDescription(req.Description); err != nil {
		return nil, err
	}
	if err := validateTags(req.Tags); err != nil {
		return nil, err
	}
	if req.Priority == "" {
		req.Priority = PriorityMedium
	}
	if !req.Priority.Valid() {
		return nil, apperr.Validation("priority", "unknown priority %q", req.Priority)
	}

	if err := s.validatePlacement(ctx, "", req.ParentTask, req.DependsOn); err != nil {
		return nil, err
	}
	if req.AssignedTo != nil {
		if err := s.checkAgent(ctx, *req.AssignedTo); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	t := &Task{
		ID:          uuid.New().String(),
		Title:       req.Title,
		Description: req.Description,
		Status:      StatusPending,
		Priority:    req.Priority,
		CreatedBy:   caller.Subject,
		AssignedTo:  req.AssignedTo,
		ParentTask:  req.ParentTask,
		DependsOn:   req.DependsOn,
		Tags:        req.Tags,
		DueDate:     req.DueDate,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.store.Insert(ctx, t, func(err error) {
		if err != nil {
			return
		}
		s.publish(ctx, events.TaskCreated, t.ID, map[string]any{
			"title":    t.Title,
			"status":   string(t.Status),
			"priority": string(t.Priority),
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("Task created", zap.String("task_id", t.ID), zap.String("created_by", caller.Subject))
	return t, nil
}

// UpdateStatus applies one FSM transition.
func (s *Service) UpdateStatus(ctx context.Context, caller auth.Identity, id string, next Status) (*Task, error) {
	if !next.Valid() {
		return nil, apperr.Validation("status", "unknown status %q", next)
	}
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := t.Status
	if from == next {
		return t, nil
	}
	if !CanTransition(from, next) {
		return nil, apperr.New(apperr.KindInvalidTransition,
			"cannot move task %q from %s to %s", id, from, next)
	}

	t.Status = next
	t.UpdatedAt = time.Now().UTC()
	err = s.store.Update(ctx, t, func(err error) {
		if err != nil {
			return
		}
		s.publish(ctx, events.TaskStatusChanged, id, map[string]any{
			"from": string(from),
			"to":   string(next),
		})
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// UpdatePatch carries the update_task_fields arguments. Nil pointers leave
// the field untouched; SetAssignedTo/SetParent/SetDueDate distinguish
// "clear it" from "leave it".
type UpdatePatch struct {
	Title       *string
	Description *string
	Priority    *Priority
	Tags        *[]string
	Metadata    *map[string]any
	DueDate     **time.Time
	AssignedTo  **string
	ParentTask  **string
	DependsOn   *[]string
}

// UpdateFields applies a partial update with full placement validation.
func (s *Service) UpdateFields(ctx context.Context, caller auth.Identity, id string, patch UpdatePatch) (*Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	changes := map[string]any{}

	if patch.Title != nil {
		if err := validateTitle(*patch.Title); err != nil {
			return nil, err
		}
		t.Title = *patch.Title
		changes["title"] = t.Title
	}
	if patch.Description != nil {
		if err := validateDescription(*patch.Description); err != nil {
			return nil, err
		}
		t.Description = *patch.Description
		changes["description"] = t.Description
	}
	if patch.Priority != nil {
		if !patch.Priority.Valid() {
			return nil, apperr.Validation("priority", "unknown priority %q", *patch.Priority)
		}
		t.Priority = *patch.Priority
		changes["priority"] = string(t.Priority)
	}
	if patch.Tags != nil {
		if err := validateTags(*patch.Tags); err != nil {
			return nil, err
		}
		t.Tags = *patch.Tags
		changes["tags"] = t.Tags
	}
	if patch.Metadata != nil {
		t.Metadata = *patch.Metadata
		changes["metadata"] = true
	}
	if patch.DueDate != nil {
		t.DueDate = *patch.DueDate
		changes["due_date"] = t.DueDate
	}
	if patch.AssignedTo != nil {
		if *patch.AssignedTo != nil {
			if err := s.checkAgent(ctx, **patch.AssignedTo); err != nil {
				return nil, err
			}
		}
		t.AssignedTo = *patch.AssignedTo
		changes["assigned_to"] = t.AssignedTo
	}

	newParent := t.ParentTask
	newDepends := t.DependsOn
	placementChanged := false
	if patch.ParentTask != nil {
		newParent = *patch.ParentTask
		placementChanged = true
	}
	if patch.DependsOn != nil {
		newDepends = *patch.DependsOn
		placementChanged = true
	}
	if placementChanged {
		if err := s.validatePlacement(ctx, id, newParent, newDepends); err != nil {
			return nil, err
		}
		t.ParentTask = newParent
		t.DependsOn = newDepends
		changes["placement"] = true
	}

	t.UpdatedAt = time.Now().UTC()
	err = s.store.Update(ctx, t, func(err error) {
		if err != nil {
			return
		}
		s.publish(ctx, events.TaskUpdated, id, changes)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Assign sets or clears the assignee without touching status.
func (s *Service) Assign(ctx context.Context, caller auth.Identity, id string, agentID *string) (*Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if agentID != nil {
		if err := s.checkAgent(ctx, *agentID); err != nil {
			return nil, err
		}
	}
	t.AssignedTo = agentID
	t.UpdatedAt = time.Now().UTC()
	err = s.store.Update(ctx, t, func(err error) {
		if err != nil {
			return
		}
		s.publish(ctx, events.TaskAssigned, id, map[string]any{"assigned_to": agentID})
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// View returns one task by id, or all tasks when id is empty.
func (s *Service) View(ctx context.Context, id string) ([]*Task, error) {
	if id != "" {
		t, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return []*Task{t}, nil
	}
	return s.store.List(ctx, Filter{})
}

// Search returns tasks matching the filter, ordered by display order.
func (s *Service) Search(ctx context.Context, f Filter) ([]*Task, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperr.Validation("status", "unknown status %q", f.Status)
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return nil, apperr.Validation("priority", "unknown priority %q", f.Priority)
	}
	return s.store.List(ctx, f)
}

// Delete removes a task together with its subtree. Refused while any
// descendant is non-terminal; the verified-terminal subtree goes with the
// task so no child is left pointing at a missing parent.
func (s *Service) Delete(ctx context.Context, caller auth.Identity, id string) error {
	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}
	descendants, err := s.terminalDescendants(ctx, id)
	if err != nil {
		return err
	}
	ids := append([]string{id}, descendants...)
	err = s.store.DeleteMany(ctx, ids, func(err error) {
		if err != nil {
			return
		}
		for _, deleted := range ids {
			s.publish(ctx, events.TaskDeleted, deleted, nil)
		}
	})
	return err
}

// Reorder moves the task to newIndex within the chosen scope.
func (s *Service) Reorder(ctx context.Context, caller auth.Identity, id string, newIndex int, scope Scope) error {
	if scope == "" {
		scope = ScopeParent
	}
	if scope != ScopeParent && scope != ScopeGlobal {
		return apperr.Validation("scope", "must be %q or %q", ScopeParent, ScopeGlobal)
	}
	if newIndex < 0 {
		return apperr.Validation("new_index", "must be non-negative")
	}
	err := s.store.Reorder(ctx, id, newIndex, scope, func(err error) {
		if err != nil {
			return
		}
		s.publish(ctx, events.TaskReordered, id, map[string]any{
			"new_index": newIndex,
			"scope":     string(scope),
		})
	})
	return err
}

// Bulk applies op to each id in order, short-circuiting on the first
// failure. The outcome vector always has one entry per input id.
func (s *Service) Bulk(ctx context.Context, caller auth.Identity, ids []string, op BulkOp, value string) []BulkOutcome {
	outcomes := make([]BulkOutcome, 0, len(ids))
	failed := false
	for _, id := range ids {
		if failed {
			outcomes = append(outcomes, BulkOutcome{TaskID: id, Skipped: true})
			continue
		}
		var err error
		switch op {
		case BulkSetStatus:
			_, err = s.UpdateStatus(ctx, caller, id, Status(value))
		case BulkSetPriority:
			p := Priority(value)
			_, err = s.UpdateFields(ctx, caller, id, UpdatePatch{Priority: &p})
		case BulkAssign:
			var assignee *string
			if value != "" {
				assignee = &value
			}
			_, err = s.Assign(ctx, caller, id, assignee)
		case BulkDelete:
			err = s.Delete(ctx, caller, id)
		default:
			err = apperr.Validation("op", "unknown bulk op %q", op)
		}
		if err != nil {
			failed = true
			outcomes = append(outcomes, BulkOutcome{TaskID: id, Error: err.Error()})
			continue
		}
		outcomes = append(outcomes, BulkOutcome{TaskID: id, OK: true})
	}
	return outcomes
}

// ReleaseAgentTasks returns the terminated agent's in-progress work to the
// pending pool.
func (s *Service) ReleaseAgentTasks(ctx context.Context, agentID string) ([]string, error) {
	ids, err := s.store.ReleaseAgent(ctx, agentID, nil)
	if err != nil {
		return nil, err
	}
	s.announceReleased(ctx, ids)
	return ids, nil
}

// ReleaseAgentTasksTx implements agent.TaskReleaser inside the caller's
// transaction. The returned announce closure publishes the status events
// and must run only after commit.
func (s *Service) ReleaseAgentTasksTx(ctx context.Context, tx *sqlx.Tx, agentID string) ([]string, func(), error) {
	ids, err := ReleaseAgentTx(ctx, tx, agentID)
	if err != nil {
		return nil, nil, err
	}
	return ids, func() { s.announceReleased(ctx, ids) }, nil
}

func (s *Service) announceReleased(ctx context.Context, ids []string) {
	for _, id := range ids {
		s.publish(ctx, events.TaskStatusChanged, id, map[string]any{
			"from": string(StatusInProgress),
			"to":   string(StatusPending),
		})
	}
}

// validatePlacement checks that parent and dependency references exist and
// that adding them introduces no cycle through the combined parent plus
// dependency graph.
func (s *Service) validatePlacement(ctx context.Context, taskID string, parent *string, depends []string) error {
	var refs []string
	if parent != nil {
		if taskID != "" && *parent == taskID {
			return apperr.New(apperr.KindInvalidRelation, "task %q cannot be its own parent", taskID)
		}
		refs = append(refs, *parent)
	}
	for _, dep := range depends {
		if taskID != "" && dep == taskID {
			return apperr.New(apperr.KindInvalidRelation, "task %q cannot depend on itself", taskID)
		}
		refs = append(refs, dep)
	}
	if len(refs) == 0 {
		return nil
	}

	if missing, ok, err := s.store.Exists(ctx, refs...); err != nil {
		return err
	} else if !ok {
		return apperr.New(apperr.KindInvalidRelation, "referenced task %q does not exist", missing)
	}

	// A new task (empty taskID) cannot close a cycle.
	if taskID == "" {
		return nil
	}

	parents, dependsEdges, err := s.store.Edges(ctx)
	if err != nil {
		return err
	}
	// Apply the proposed change before walking.
	parents[taskID] = parent
	dependsEdges[taskID] = depends

	// DFS from every proposed reference; reaching taskID means the change
	// would make taskID its own ancestor.
	seen := map[string]bool{}
	var stack []string
	stack = append(stack, refs...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == taskID {
			return apperr.New(apperr.KindInvalidRelation,
				"change would create a cycle through task %q", cur)
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if p := parents[cur]; p != nil {
			stack = append(stack, *p)
		}
		stack = append(stack, dependsEdges[cur]...)
	}
	return nil
}

// terminalDescendants walks the child tree, refusing when any descendant
// is still live, and returns the descendant ids breadth-first.
func (s *Service) terminalDescendants(ctx context.Context, id string) ([]string, error) {
	var all []string
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children, err := s.store.Children(ctx, cur)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			t, err := s.store.Get(ctx, child)
			if err != nil {
				return nil, err
			}
			if !t.Status.Terminal() {
				return nil, apperr.New(apperr.KindConflict,
					"descendant task %q is %s; only terminal subtrees can be deleted", child, t.Status)
			}
			all = append(all, child)
			queue = append(queue, child)
		}
	}
	return all, nil
}

func (s *Service) checkAgent(ctx context.Context, agentID string) error {
	if s.agents == nil {
		return nil
	}
	ok, err := s.agents.AgentExists(ctx, agentID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.KindNotFound, "agent %q not found", agentID)
	}
	return nil
}

func validateTitle(title string) error {
	if len(title) == 0 {
		return apperr.Validation("title", "must not be empty")
	}
	if len(title) > maxTitleLen {
		return apperr.Validation("title", "exceeds %d characters", maxTitleLen)
	}
	return nil
}

func validateDescription(desc string) error {
	if len(desc) > maxDescriptionLen {
		return apperr.Validation("description", "exceeds %d characters", maxDescriptionLen)
	}
	return nil
}

func validateTags(tags []string) error {
	if len(tags) > maxTags {
		return apperr.Validation("tags", "at most %d tags allowed", maxTags)
	}
	for i, tag := range tags {
		if tag == "" {
			return apperr.Validation("tags", "tag %d is empty", i)
		}
	}
	return nil
}

func (s *Service) publish(ctx context.Context, eventType, entityID string, changes map[string]any) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, entityID, changes)
	if err := s.eventBus.Publish(context.WithoutCancel(ctx), eventType, event); err != nil {
		s.log.Error("Event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}
