package tools

import (
	"github.com/agenthive/agenthive/internal/agent"
	"github.com/agenthive/agenthive/internal/contextstore"
	"github.com/agenthive/agenthive/internal/rag"
	"github.com/agenthive/agenthive/internal/task"
)

// Deps are the services the tool catalog exposes. Knowledge may be nil
// when the knowledge engine is disabled.
type Deps struct {
	Agents    *agent.Manager
	Tasks     *task.Service
	Context   *contextstore.Store
	Knowledge *rag.Engine
}

// BuildRegistry assembles the full tool catalog. Registration is static;
// nothing is added or removed after startup.
func BuildRegistry(d Deps) *Registry {
	r := NewRegistry()
	registerAgentTools(r, d.Agents)
	registerTaskTools(r, d.Tasks)
	registerContextTools(r, d.Context)
	registerKnowledgeTools(r, d.Knowledge)
	return r
}
