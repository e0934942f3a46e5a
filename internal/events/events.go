// Package events defines the event subjects and fan-out channels of the
// Agenthive change stream.
package events

import "strings"

// Fan-out channels. A dashboard subscribes to one or more of these; bus
// subjects map onto a channel by their first token.
const (
	ChannelTasks    = "tasks"
	ChannelAgents   = "agents"
	ChannelContext  = "context"
	ChannelSecurity = "security"
	ChannelRAG      = "rag"
)

// Event types for tasks
const (
	TaskCreated       = "task.created"
	TaskUpdated       = "task.updated"
	TaskStatusChanged = "task.status_changed"
	TaskReordered     = "task.reordered"
	TaskDeleted       = "task.deleted"
	TaskAssigned      = "task.assigned"
)

// Event types for agents
const (
	AgentCreated    = "agent.created"
	AgentTerminated = "agent.terminated"
	AgentStale      = "agent.stale"
	FileClaimed     = "agent.file_claimed"
	FileReleased    = "agent.file_released"
	MessageSent     = "agent.message_sent"
)

// Event types for project context
const (
	ContextUpdated = "context.updated"
)

// Event types for the security pipeline
const (
	SecurityThreatDetected = "security.threat_detected"
	SecurityCallBlocked    = "security.call_blocked"
)

// Event types for the knowledge engine
const (
	RAGCycleCompleted = "rag.cycle_completed"
	RAGQueryAnswered  = "rag.query_answered"
)

// Channels lists every fan-out channel.
func Channels() []string {
	return []string{ChannelTasks, ChannelAgents, ChannelContext, ChannelSecurity, ChannelRAG}
}

// ValidChannel reports whether name is a known fan-out channel.
func ValidChannel(name string) bool {
	switch name {
	case ChannelTasks, ChannelAgents, ChannelContext, ChannelSecurity, ChannelRAG:
		return true
	}
	return false
}

// ChannelFor maps an event type to its fan-out channel, or "" when the
// event is internal only.
func ChannelFor(eventType string) string {
	prefix, _, _ := strings.Cut(eventType, ".")
	switch prefix {
	case "task":
		return ChannelTasks
	case "agent":
		return ChannelAgents
	case "context":
		return ChannelContext
	case "security":
		return ChannelSecurity
	case "rag":
		return ChannelRAG
	}
	return ""
}

// SubjectPattern returns the bus subscription pattern covering every event
// type belonging to the channel.
func SubjectPattern(channel string) string {
	switch channel {
	case ChannelTasks:
		return "task.>"
	case ChannelAgents:
		return "agent.>"
	case ChannelContext:
		return "context.>"
	case ChannelSecurity:
		return "security.>"
	case ChannelRAG:
		return "rag.>"
	}
	return ""
}
