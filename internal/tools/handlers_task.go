package tools

import (
	"context"

	"github.com/agenthive/agenthive/internal/auth"
	"github.com/agenthive/agenthive/internal/task"
)

func registerTaskTools(r *Registry, tasks *task.Service) {
	r.Register(&Tool{
		Name:        "create_task",
		Description: "Create a task in pending state.",
		InputSchema: objectSchema([]string{"title"}, map[string]any{
			"title":            prop("string", "Task title, 1-500 characters"),
			"description":      prop("string", "Task description, up to 10000 characters"),
			"priority":         enumProp("Task priority", "low", "medium", "high", "critical"),
			"assigned_to":      prop("string", "Agent to assign"),
			"parent_task":      prop("string", "Parent task id"),
			"depends_on_tasks": arrayProp("string", "Task ids this task depends on"),
			"tags":             arrayProp("string", "Tags, up to 20"),
			"due_date":         prop("string", "RFC 3339 due date"),
			"metadata":         prop("object", "Free-form metadata"),
		}),
		Handler: func(ctx context.Context, caller auth.Identity, args map[string]any) (any, error) {
			req, err := decodeCreateRequest(args)
			if err != nil {
				return nil, err
			}
			t, err := tasks.Create(ctx, caller, req)
			if err != nil {
				return nil, err
			}
			return map[string]any{"task": t}, nil
		},
	})

	r.Register(&Tool{
		Name:        "update_task_status",
		Description: "Apply one status transition. Repeating the current status is a no-op.",
		InputSchema: objectSchema([]string{"task_id", "status"}, map[string]any{
			"task_id": prop("string", "Task to update"),
			"status":  enumProp("New status", "pending", "in_progress", "completed", "cancelled", "failed"),
		}),
		Handler: func(ctx context.Context, caller auth.Identity, args map[string]any) (any, error) {
			id, err := strArg(args, "task_id")
			if err != nil {
				return nil, err
			}
			status, err := strArg(args, "status")
			if err != nil {
				return nil, err
			}
			t, err := tasks.UpdateStatus(ctx, caller, id, task.Status(status))
			if err != nil {
				return nil, err
			}
			return map[string]any{"task": t}, nil
		},
	})

	r.Register(&Tool{
		Name:        "update_task_fields",
		Description: "Patch task fields. Passing null for assigned_to, parent_task or due_date clears the field.",
		InputSchema: objectSchema([]string{"task_id"}, map[string]any{
			"task_id":          prop("string", "Task to update"),
			"title":            prop("string", "New title"),
			"description":      prop("string", "New description"),
			"priority":         enumProp("New priority", "low", "medium", "high", "critical"),
			"tags":             arrayProp("string", "Replacement tag list"),
			"metadata":         prop("object", "Replacement metadata"),
			"due_date":         prop("string", "RFC 3339 due date, or null to clear"),
			"assigned_to":      prop("string", "New assignee, or null to unassign"),
			"parent_task":      prop("string", "New parent, or null to detach"),
			"depends_on_tasks": arrayProp("string", "Replacement dependency list"),
		}),
		Handler: func(ctx context.Context, caller auth.Identity, args map[string]any) (any, error) {
			id, err := strArg(args, "task_id")
			if err != nil {
				return nil, err
			}
			patch, err := decodeUpdatePatch(args)
			if err != nil {
				return nil, err
			}
			t, err := tasks.UpdateFields(ctx, caller, id, patch)
			if err != nil {
				return nil, err
			}
			return map[string]any{"task": t}, nil
		},
	})

	r.Register(&Tool{
		Name:        "assign_task",
		Description: "Set or clear a task's assignee without changing status.",
		InputSchema: objectSchema([]string{"task_id"}, map[string]any{
			"task_id":  prop("string", "Task to assign"),
			"agent_id": prop("string", "Assignee, or null to unassign"),
		}),
		Handler: func(ctx context.Context, caller auth.Identity, args map[string]any) (any, error) {
			id, err := strArg(args, "task_id")
			if err != nil {
				return nil, err
			}
			agentID, _, err := nullableStrArg(args, "agent_id")
			if err != nil {
				return nil, err
			}
			t, err := tasks.Assign(ctx, caller, id, agentID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"task": t}, nil
		},
	})

	r.Register(&Tool{
		Name:        "view_tasks",
		Description: "Return one task by id, or every task ordered by display order.",
		InputSchema: objectSchema(nil, map[string]any{
			"task_id": prop("string", "Task to fetch; omit for all"),
		}),
		Handler: func(ctx context.Context, _ auth.Identity, args map[string]any) (any, error) {
			id, err := optStrArg(args, "task_id")
			if err != nil {
				return nil, err
			}
			list, err := tasks.View(ctx, deref(id))
			if err != nil {
				return nil, err
			}
			return map[string]any{"tasks": list}, nil
		},
	})

	r.Register(&Tool{
		Name:        "search_tasks",
		Description: "Filter tasks by status, priority, assignee, tag, and a case-insensitive text match.",
		InputSchema: objectSchema(nil, map[string]any{
			"status":      enumProp("Status filter", "pending", "in_progress", "completed", "cancelled", "failed"),
			"priority":    enumProp("Priority filter", "low", "medium", "high", "critical"),
			"assigned_to": prop("string", "Assignee filter"),
			"tag":         prop("string", "Tag filter, exact match"),
			"text":        prop("string", "Substring match on title and description"),
		}),
		Handler: func(ctx context.Context, _ auth.Identity, args map[string]any) (any, error) {
			var f task.Filter
			status, err := optStrArg(args, "status")
			if err != nil {
				return nil, err
			}
			if status != nil {
				f.Status = task.Status(*status)
			}
			priority, err := optStrArg(args, "priority")
			if err != nil {
				return nil, err
			}
			if priority != nil {
				f.Priority = task.Priority(*priority)
			}
			assignee, err := optStrArg(args, "assigned_to")
			if err != nil {
				return nil, err
			}
			f.Assignee = deref(assignee)
			tag, err := optStrArg(args, "tag")
			if err != nil {
				return nil, err
			}
			f.Tag = deref(tag)
			text, err := optStrArg(args, "text")
			if err != nil {
				return nil, err
			}
			f.Text = deref(text)

			list, err := tasks.Search(ctx, f)
			if err != nil {
				return nil, err
			}
			return map[string]any{"tasks": list}, nil
		},
	})

	r.Register(&Tool{
		Name:        "bulk_update_tasks",
		Description: "Apply one operation to many tasks with per-id outcomes. Stops at the first failure and skips the rest.",
		InputSchema: objectSchema([]string{"task_ids", "operation"}, map[string]any{
			"task_ids":  arrayProp("string", "Tasks to update, in order"),
			"operation": enumProp("Operation", "set_status", "set_priority", "assign", "delete"),
			"value":     prop("string", "Operation argument: status, priority, or agent id"),
		}),
		Handler: func(ctx context.Context, caller auth.Identity, args map[string]any) (any, error) {
			ids, err := strSliceArg(args, "task_ids")
			if err != nil {
				return nil, err
			}
			op, err := strArg(args, "operation")
			if err != nil {
				return nil, err
			}
			value, err := optStrArg(args, "value")
			if err != nil {
				return nil, err
			}
			outcomes := tasks.Bulk(ctx, caller, ids, task.BulkOp(op), deref(value))
			return map[string]any{"results": outcomes}, nil
		},
	})

	r.Register(&Tool{
		Name:        "reorder_tasks",
		Description: "Move a task to a new index within its parent scope or the global list, renumbering densely.",
		InputSchema: objectSchema([]string{"task_id", "new_index"}, map[string]any{
			"task_id":   prop("string", "Task to move"),
			"new_index": prop("integer", "Target position, clamped to the scope size"),
			"scope":     enumProp("Reorder scope", "parent", "global"),
		}),
		Handler: func(ctx context.Context, caller auth.Identity, args map[string]any) (any, error) {
			id, err := strArg(args, "task_id")
			if err != nil {
				return nil, err
			}
			newIndex, err := intArg(args, "new_index", -1)
			if err != nil {
				return nil, err
			}
			scope, err := optStrArg(args, "scope")
			if err != nil {
				return nil, err
			}
			if err := tasks.Reorder(ctx, caller, id, newIndex, task.Scope(deref(scope))); err != nil {
				return nil, err
			}
			return map[string]any{"reordered": id}, nil
		},
	})

	r.Register(&Tool{
		Name:        "delete_task",
		Description: "Delete a task and its subtree. Refused while any descendant is still live.",
		InputSchema: objectSchema([]string{"task_id"}, map[string]any{
			"task_id": prop("string", "Task to delete"),
		}),
		Handler: func(ctx context.Context, caller auth.Identity, args map[string]any) (any, error) {
			id, err := strArg(args, "task_id")
			if err != nil {
				return nil, err
			}
			if err := tasks.Delete(ctx, caller, id); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": id}, nil
		},
	})
}

func decodeCreateRequest(args map[string]any) (task.CreateRequest, error) {
	var req task.CreateRequest
	var err error

	if req.Title, err = strArg(args, "title"); err != nil {
		return req, err
	}
	desc, err := optStrArg(args, "description")
	if err != nil {
		return req, err
	}
	req.Description = deref(desc)
	priority, err := optStrArg(args, "priority")
	if err != nil {
		return req, err
	}
	if priority != nil {
		req.Priority = task.Priority(*priority)
	}
	if req.AssignedTo, err = optStrArg(args, "assigned_to"); err != nil {
		return req, err
	}
	if req.ParentTask, err = optStrArg(args, "parent_task"); err != nil {
		return req, err
	}
	if req.DependsOn, err = strSliceArg(args, "depends_on_tasks"); err != nil {
		return req, err
	}
	if req.Tags, err = strSliceArg(args, "tags"); err != nil {
		return req, err
	}
	if req.DueDate, err = timeArg(args, "due_date"); err != nil {
		return req, err
	}
	if req.Metadata, err = mapArg(args, "metadata"); err != nil {
		return req, err
	}
	return req, nil
}

func decodeUpdatePatch(args map[string]any) (task.UpdatePatch, error) {
	var patch task.UpdatePatch

	title, err := optStrArg(args, "title")
	if err != nil {
		return patch, err
	}
	patch.Title = title
	desc, err := optStrArg(args, "description")
	if err != nil {
		return patch, err
	}
	patch.Description = desc
	priority, err := optStrArg(args, "priority")
	if err != nil {
		return patch, err
	}
	if priority != nil {
		p := task.Priority(*priority)
		patch.Priority = &p
	}
	if _, present := args["tags"]; present {
		tags, err := strSliceArg(args, "tags")
		if err != nil {
			return patch, err
		}
		patch.Tags = &tags
	}
	if _, present := args["metadata"]; present {
		meta, err := mapArg(args, "metadata")
		if err != nil {
			return patch, err
		}
		patch.Metadata = &meta
	}
	if _, present := args["due_date"]; present {
		due, err := timeArg(args, "due_date")
		if err != nil {
			return patch, err
		}
		patch.DueDate = &due
	}
	if assignee, present, err := nullableStrArg(args, "assigned_to"); err != nil {
		return patch, err
	} else if present {
		patch.AssignedTo = &assignee
	}
	if parent, present, err := nullableStrArg(args, "parent_task"); err != nil {
		return patch, err
	} else if present {
		patch.ParentTask = &parent
	}
	if _, present := args["depends_on_tasks"]; present {
		depends, err := strSliceArg(args, "depends_on_tasks")
		if err != nil {
			return patch, err
		}
		patch.DependsOn = &depends
	}
	return patch, nil
}
