package tools

import (
	"context"

	"github.com/agenthive/agenthive/internal/auth"
	"github.com/agenthive/agenthive/internal/common/apperr"
	"github.com/agenthive/agenthive/internal/contextstore"
	"github.com/agenthive/agenthive/internal/rag"
)

func registerContextTools(r *Registry, store *contextstore.Store) {
	r.Register(&Tool{
		Name:        "update_project_context",
		Description: "Set a shared context key to a JSON value. Every update appends to the key's history.",
		InputSchema: objectSchema([]string{"key", "value"}, map[string]any{
			"key":         prop("string", "Context key, e.g. deploy/region"),
			"value":       map[string]any{"description": "JSON value to store"},
			"description": prop("string", "What this key means"),
		}),
		Handler: func(ctx context.Context, caller auth.Identity, args map[string]any) (any, error) {
			key, err := strArg(args, "key")
			if err != nil {
				return nil, err
			}
			value, err := jsonValueArg(args, "value")
			if err != nil {
				return nil, err
			}
			description, err := optStrArg(args, "description")
			if err != nil {
				return nil, err
			}
			entry, err := store.Update(ctx, caller.Subject, key, value, deref(description))
			if err != nil {
				return nil, err
			}
			return map[string]any{"entry": entry}, nil
		},
	})

	r.Register(&Tool{
		Name:        "view_project_context",
		Description: "Return one context entry with optional history, or every entry.",
		InputSchema: objectSchema(nil, map[string]any{
			"key":             prop("string", "Key to fetch; omit for all entries"),
			"include_history": prop("boolean", "Include the key's revision history"),
			"history_limit":   prop("integer", "Max revisions to return, newest first"),
		}),
		Handler: func(ctx context.Context, _ auth.Identity, args map[string]any) (any, error) {
			key, err := optStrArg(args, "key")
			if err != nil {
				return nil, err
			}
			if key == nil {
				entries, err := store.List(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]any{"entries": entries}, nil
			}

			entry, err := store.Get(ctx, *key)
			if err != nil {
				return nil, err
			}
			result := map[string]any{"entry": entry}

			includeHistory, err := boolArg(args, "include_history", false)
			if err != nil {
				return nil, err
			}
			if includeHistory {
				limit, err := intArg(args, "history_limit", 0)
				if err != nil {
					return nil, err
				}
				history, err := store.History(ctx, *key, limit)
				if err != nil {
					return nil, err
				}
				result["history"] = history
			}
			return result, nil
		},
	})

	r.Register(&Tool{
		Name:        "query_project_context",
		Description: "Find context entries by key glob (deploy/*) or case-insensitive substring.",
		InputSchema: objectSchema([]string{"pattern"}, map[string]any{
			"pattern": prop("string", "Glob or substring to match against keys"),
		}),
		Handler: func(ctx context.Context, _ auth.Identity, args map[string]any) (any, error) {
			pattern, err := strArg(args, "pattern")
			if err != nil {
				return nil, err
			}
			entries, err := store.Query(ctx, pattern)
			if err != nil {
				return nil, err
			}
			return map[string]any{"entries": entries}, nil
		},
	})
}

func registerKnowledgeTools(r *Registry, engine *rag.Engine) {
	r.Register(&Tool{
		Name:        "ask_project_rag",
		Description: "Ask a question over the indexed project knowledge. Returns a synthesized answer with citations and a confidence score.",
		InputSchema: objectSchema([]string{"question"}, map[string]any{
			"question":    prop("string", "Natural-language question"),
			"max_results": prop("integer", "Max chunks to retrieve"),
			"source_type": enumProp("Restrict retrieval to one source kind", "markdown", "code", "context", "task", "message"),
		}),
		Handler: func(ctx context.Context, _ auth.Identity, args map[string]any) (any, error) {
			if engine == nil {
				return nil, apperr.New(apperr.KindUnavailable, "knowledge engine is disabled")
			}
			question, err := strArg(args, "question")
			if err != nil {
				return nil, err
			}
			maxResults, err := intArg(args, "max_results", 0)
			if err != nil {
				return nil, err
			}
			sourceType, err := optStrArg(args, "source_type")
			if err != nil {
				return nil, err
			}
			return engine.Ask(ctx, question, maxResults, rag.SourceType(deref(sourceType)))
		},
	})
}
