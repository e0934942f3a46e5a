package tools

import (
	"context"

	"github.com/agenthive/agenthive/internal/agent"
	"github.com/agenthive/agenthive/internal/auth"
	"github.com/agenthive/agenthive/internal/common/apperr"
)

func registerAgentTools(r *Registry, agents *agent.Manager) {
	r.Register(&Tool{
		Name:        "create_agent",
		Description: "Register a new agent identity and mint its access token. Admin only.",
		InputSchema: objectSchema([]string{"agent_id"}, map[string]any{
			"agent_id":          prop("string", "Unique agent identifier"),
			"capabilities":      arrayProp("string", "Capability labels for task routing"),
			"working_directory": prop("string", "Directory the agent operates in"),
			"role":              prop("string", "Free-form role description"),
		}),
		Handler: func(ctx context.Context, caller auth.Identity, args map[string]any) (any, error) {
			id, err := strArg(args, "agent_id")
			if err != nil {
				return nil, err
			}
			capabilities, err := strSliceArg(args, "capabilities")
			if err != nil {
				return nil, err
			}
			workingDir, err := optStrArg(args, "working_directory")
			if err != nil {
				return nil, err
			}
			role, err := optStrArg(args, "role")
			if err != nil {
				return nil, err
			}
			created, token, err := agents.CreateAgent(ctx, caller, id, capabilities, deref(workingDir), deref(role))
			if err != nil {
				return nil, err
			}
			return map[string]any{"agent": created, "token": token}, nil
		},
	})

	r.Register(&Tool{
		Name:        "terminate_agent",
		Description: "Terminate an agent: revoke its token, release claims, unassign its tasks. Admin only, idempotent.",
		InputSchema: objectSchema([]string{"agent_id"}, map[string]any{
			"agent_id": prop("string", "Agent to terminate"),
		}),
		Handler: func(ctx context.Context, caller auth.Identity, args map[string]any) (any, error) {
			id, err := strArg(args, "agent_id")
			if err != nil {
				return nil, err
			}
			if err := agents.TerminateAgent(ctx, caller, id); err != nil {
				return nil, err
			}
			return map[string]any{"terminated": id}, nil
		},
	})

	r.Register(&Tool{
		Name:        "list_agents",
		Description: "List all registered agents and their status.",
		InputSchema: objectSchema(nil, map[string]any{}),
		Handler: func(ctx context.Context, _ auth.Identity, _ map[string]any) (any, error) {
			list, err := agents.ListAgents(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"agents": list}, nil
		},
	})

	r.Register(&Tool{
		Name:        "get_agent_tokens",
		Description: "Return the live token for every non-terminated agent. Admin only.",
		InputSchema: objectSchema(nil, map[string]any{}),
		Handler: func(ctx context.Context, caller auth.Identity, _ map[string]any) (any, error) {
			tokens, err := agents.GetAgentTokens(ctx, caller)
			if err != nil {
				return nil, err
			}
			return map[string]any{"tokens": tokens}, nil
		},
	})

	r.Register(&Tool{
		Name:        "send_agent_message",
		Description: "Send a direct message to another agent.",
		InputSchema: objectSchema([]string{"to", "content"}, map[string]any{
			"to":      prop("string", "Recipient agent id"),
			"content": prop("string", "Message body"),
		}),
		Handler: func(ctx context.Context, caller auth.Identity, args map[string]any) (any, error) {
			to, err := strArg(args, "to")
			if err != nil {
				return nil, err
			}
			content, err := strArg(args, "content")
			if err != nil {
				return nil, err
			}
			msg, err := agents.SendMessage(ctx, caller, &to, content)
			if err != nil {
				return nil, err
			}
			return map[string]any{"message": msg}, nil
		},
	})

	r.Register(&Tool{
		Name:        "broadcast_message",
		Description: "Send a message visible to every agent.",
		InputSchema: objectSchema([]string{"content"}, map[string]any{
			"content": prop("string", "Message body"),
		}),
		Handler: func(ctx context.Context, caller auth.Identity, args map[string]any) (any, error) {
			content, err := strArg(args, "content")
			if err != nil {
				return nil, err
			}
			msg, err := agents.SendMessage(ctx, caller, nil, content)
			if err != nil {
				return nil, err
			}
			return map[string]any{"message": msg}, nil
		},
	})

	r.Register(&Tool{
		Name:        "get_agent_messages",
		Description: "Fetch the caller's messages. Direct messages are marked read on fetch; broadcasts stay unread.",
		InputSchema: objectSchema(nil, map[string]any{
			"unread_only": prop("boolean", "Return only unread messages"),
		}),
		Handler: func(ctx context.Context, caller auth.Identity, args map[string]any) (any, error) {
			unreadOnly, err := boolArg(args, "unread_only", false)
			if err != nil {
				return nil, err
			}
			msgs, err := agents.GetMessages(ctx, caller, unreadOnly)
			if err != nil {
				return nil, err
			}
			return map[string]any{"messages": msgs}, nil
		},
	})

	r.Register(&Tool{
		Name:        "claim_file",
		Description: "Claim exclusive advisory ownership of a path. Reports the current holder when already claimed.",
		InputSchema: objectSchema([]string{"path"}, map[string]any{
			"path":   prop("string", "Path to claim"),
			"reason": prop("string", "Why the claim is needed"),
		}),
		Handler: func(ctx context.Context, caller auth.Identity, args map[string]any) (any, error) {
			path, err := strArg(args, "path")
			if err != nil {
				return nil, err
			}
			reason, err := optStrArg(args, "reason")
			if err != nil {
				return nil, err
			}
			claim, err := agents.ClaimFile(ctx, caller, path, deref(reason))
			if err != nil {
				// An existing claim is an answer, not a failure.
				if apperr.Is(err, apperr.KindAlreadyExists) {
					meta, metaErr := agents.FileMetadata(ctx, path)
					if metaErr == nil && meta.Claim != nil {
						return map[string]any{"claimed": false, "holder": meta.Claim.AgentID}, nil
					}
				}
				return nil, err
			}
			return map[string]any{"claimed": true, "claim": claim}, nil
		},
	})

	r.Register(&Tool{
		Name:        "release_file",
		Description: "Release a file claim. Allowed for the holder or an admin.",
		InputSchema: objectSchema([]string{"path"}, map[string]any{
			"path": prop("string", "Path to release"),
		}),
		Handler: func(ctx context.Context, caller auth.Identity, args map[string]any) (any, error) {
			path, err := strArg(args, "path")
			if err != nil {
				return nil, err
			}
			if err := agents.ReleaseFile(ctx, caller, path); err != nil {
				return nil, err
			}
			return map[string]any{"released": path}, nil
		},
	})

	r.Register(&Tool{
		Name:        "get_file_metadata",
		Description: "Return claim state and filesystem facts for a path.",
		InputSchema: objectSchema([]string{"path"}, map[string]any{
			"path": prop("string", "Path to inspect"),
		}),
		Handler: func(ctx context.Context, _ auth.Identity, args map[string]any) (any, error) {
			path, err := strArg(args, "path")
			if err != nil {
				return nil, err
			}
			return agents.FileMetadata(ctx, path)
		},
	})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
