// Package agent manages worker identities, their file claims, and the
// inter-agent message board.
package agent

import "time"

// Status of an agent.
type Status string

const (
	StatusCreated    Status = "created"
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
)

// Agent is a logical worker identity. The token itself lives in the auth
// registry; agents only carry the subject id.
type Agent struct {
	ID           string     `json:"agent_id" db:"agent_id"`
	Capabilities []string   `json:"capabilities" db:"-"`
	Status       Status     `json:"status" db:"status"`
	CurrentTask  *string    `json:"current_task,omitempty" db:"current_task"`
	WorkingDir   string     `json:"working_directory" db:"working_directory"`
	Role         string     `json:"role,omitempty" db:"role"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty" db:"last_active_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// FileClaim is an advisory exclusive lock on a path.
type FileClaim struct {
	Path      string    `json:"path" db:"path"`
	AgentID   string    `json:"agent_id" db:"agent_id"`
	Reason    string    `json:"reason,omitempty" db:"reason"`
	ClaimedAt time.Time `json:"claimed_at" db:"claimed_at"`
}

// Message is one entry on the message board. A nil To means broadcast.
type Message struct {
	ID        string     `json:"message_id" db:"message_id"`
	From      string     `json:"from_agent" db:"from_agent"`
	To        *string    `json:"to_agent,omitempty" db:"to_agent"`
	Content   string     `json:"content" db:"content"`
	ReadAt    *time.Time `json:"read_at,omitempty" db:"read_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// FileMetadata is the get_file_metadata result: the claim, if any, plus
// filesystem facts when the path exists.
type FileMetadata struct {
	Path      string     `json:"path"`
	Claim     *FileClaim `json:"claim,omitempty"`
	Exists    bool       `json:"exists"`
	SizeBytes int64      `json:"size_bytes,omitempty"`
	ModTime   *time.Time `json:"modified_at,omitempty"`
}
