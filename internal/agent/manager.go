package agent

import (
	"context"
	"os"
	"regexp"
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

// TaskReleaser reassigns an agent's in-progress tasks back to the pending
// pool inside the caller's transaction, so termination commits as one
// unit. The announce closure publishes the task events and must run only
// after commit. Implemented by the task service; injected to avoid a
// package cycle.
type TaskReleaser interface {
	ReleaseAgentTasksTx(ctx context.Context, tx *sqlx.Tx, agentID string) (ids []string, announce func(), err error)
}

var agentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,63}$`)

// Manager implements agent lifecycle and coordination operations.
type Manager struct {
	store     *Store
	registry  *auth.Registry
	eventBus  bus.EventBus
	tasks     TaskReleaser
	maxAgents int
	log       *logger.Logger
}

// NewManager wires the agent manager. SetTaskReleaser must be called
// before TerminateAgent is used.
func NewManager(store *Store, registry *auth.Registry, eventBus bus.EventBus, maxAgents int) *Manager {
	return &Manager{
		store:     store,
		registry:  registry,
		eventBus:  eventBus,
		maxAgents: maxAgents,
		log:       logger.New("agent-manager"),
	}
}

// SetTaskReleaser injects the task service after both are constructed.
func (m *Manager) SetTaskReleaser(t TaskReleaser) { m.tasks = t }

// CreateAgent registers a new worker identity and mints its token.
// Admin only.
func (m *Manager) CreateAgent(ctx context.Context, caller auth.Identity, id string, capabilities []string, workingDir, role string) (*Agent, string, error) {
	if !caller.IsAdmin() {
		return nil, "", apperr.New(apperr.KindPermissionDenied, "create_agent requires the admin token")
	}
	if !agentIDPattern.MatchString(id) {
		return nil, "", apperr.Validation("agent_id", "must be 1-64 chars of [a-zA-Z0-9_.-], starting alphanumeric")
	}
	if id == auth.AdminSubject {
		return nil, "", apperr.Validation("agent_id", "%q is reserved", auth.AdminSubject)
	}

	active, err := m.countLive(ctx)
	if err != nil {
		return nil, "", err
	}
	if active >= m.maxAgents {
		return nil, "", apperr.New(apperr.KindResourceExhausted, "agent limit reached (%d)", m.maxAgents)
	}

	now := time.Now().UTC()
	a := &Agent{
		ID:           id,
		Capabilities: capabilities,
		Status:       StatusActive,
		WorkingDir:   workingDir,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	// Row and token commit together: a failed mint rolls the agent back.
	var (
		token      string
		applyToken func()
	)
	err = m.store.Transact(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if err := insertAgentTx(ctx, tx, a); err != nil {
			return err
		}
		var err error
		token, applyToken, err = m.registry.IssueTx(ctx, tx, id, auth.RoleAgent)
		return err
	}, func(err error) {
		if err != nil {
			return
		}
		applyToken()
		m.publish(ctx, events.AgentCreated, id, map[string]any{
			"capabilities": capabilities,
			"role":         role,
		})
	})
	if err != nil {
		return nil, "", err
	}

	m.log.Info("Agent created", zap.String("agent_id", id), zap.Strings("capabilities", capabilities))
	return a, token, nil
}

// TerminateAgent retires an agent: revoke its token, release its file
// claims, push its in-progress tasks back to pending, and broadcast the
// termination. All four mutations commit in one transaction, so a failure
// anywhere leaves the agent fully live. Terminating an already-terminated
// agent is a no-op.
func (m *Manager) TerminateAgent(ctx context.Context, caller auth.Identity, id string) error {
	if !caller.IsAdmin() {
		return apperr.New(apperr.KindPermissionDenied, "terminate_agent requires the admin token")
	}

	a, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Status == StatusTerminated {
		return nil
	}

	var (
		released      []string
		reassigned    []string
		applyRevoke   func()
		announceTasks func()
	)
	err = m.store.Transact(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		var err error
		applyRevoke, err = m.registry.RevokeSubjectTx(ctx, tx, id)
		if err != nil {
			return err
		}
		released, err = releaseAllTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if m.tasks != nil {
			reassigned, announceTasks, err = m.tasks.ReleaseAgentTasksTx(ctx, tx, id)
			if err != nil {
				return err
			}
		}
		return updateStatusTx(ctx, tx, id, StatusTerminated)
	}, func(err error) {
		if err != nil {
			return
		}
		applyRevoke()
		for _, path := range released {
			m.publish(ctx, events.FileReleased, id, map[string]any{"path": path})
		}
		if announceTasks != nil {
			announceTasks()
		}
		m.publish(ctx, events.AgentTerminated, id, map[string]any{
			"released_claims":  len(released),
			"reassigned_tasks": reassigned,
		})
	})
	if err != nil {
		return err
	}

	m.log.Info("Agent terminated",
		zap.String("agent_id", id),
		zap.Int("released_claims", len(released)),
		zap.Int("reassigned_tasks", len(reassigned)))
	return nil
}

// ListAgents returns all agents. Any authenticated subject may list.
func (m *Manager) ListAgents(ctx context.Context) ([]*Agent, error) {
	return m.store.List(ctx)
}

// GetAgent loads one agent.
func (m *Manager) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return m.store.Get(ctx, id)
}

// AgentExists reports whether id names a live (non-terminated) agent.
// The admin sentinel always exists.
func (m *Manager) AgentExists(ctx context.Context, id string) (bool, error) {
	if id == auth.AdminSubject {
		return true, nil
	}
	a, err := m.store.Get(ctx, id)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	return a.Status != StatusTerminated, nil
}

// GetAgentTokens returns the active token per live agent. Admin only.
func (m *Manager) GetAgentTokens(ctx context.Context, caller auth.Identity) (map[string]string, error) {
	if !caller.IsAdmin() {
		return nil, apperr.New(apperr.KindPermissionDenied, "get_agent_tokens requires the admin token")
	}
	agents, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	tokens := make(map[string]string)
	for _, a := range agents {
		if a.Status == StatusTerminated {
			continue
		}
		if token, ok := m.registry.TokenFor(a.ID); ok {
			tokens[a.ID] = token
		}
	}
	return tokens, nil
}

// ClaimFile takes an exclusive advisory claim on a path.
func (m *Manager) ClaimFile(ctx context.Context, caller auth.Identity, path, reason string) (*FileClaim, error) {
	if path == "" {
		return nil, apperr.Validation("path", "must not be empty")
	}
	claim := &FileClaim{
		Path:      path,
		AgentID:   caller.Subject,
		Reason:    reason,
		ClaimedAt: time.Now().UTC(),
	}
	err := m.store.Claim(ctx, claim, func(err error) {
		if err != nil {
			return
		}
		m.publish(ctx, events.FileClaimed, caller.Subject, map[string]any{"path": path})
	})
	if err != nil {
		return nil, err
	}
	return claim, nil
}

// ReleaseFile drops a claim. The holder or an admin may release.
func (m *Manager) ReleaseFile(ctx context.Context, caller auth.Identity, path string) error {
	err := m.store.Release(ctx, path, caller.Subject, caller.IsAdmin(), func(err error) {
		if err != nil {
			return
		}
		m.publish(ctx, events.FileReleased, caller.Subject, map[string]any{"path": path})
	})
	return err
}

// FileMetadata reports the claim state of a path plus filesystem facts
// when the path exists on disk.
func (m *Manager) FileMetadata(ctx context.Context, path string) (*FileMetadata, error) {
	if path == "" {
		return nil, apperr.Validation("path", "must not be empty")
	}
	claim, err := m.store.ClaimOn(ctx, path)
	if err != nil {
		return nil, err
	}
	meta := &FileMetadata{Path: path, Claim: claim}
	if info, statErr := os.Stat(path); statErr == nil && !info.IsDir() {
		meta.Exists = true
		meta.SizeBytes = info.Size()
		mod := info.ModTime().UTC()
		meta.ModTime = &mod
	}
	return meta, nil
}

// SendMessage posts a message to one agent, or to everyone when to is nil.
func (m *Manager) SendMessage(ctx context.Context, caller auth.Identity, to *string, content string) (*Message, error) {
	if content == "" {
		return nil, apperr.Validation("content", "must not be empty")
	}
	if to != nil {
		if _, err := m.store.Get(ctx, *to); err != nil {
			return nil, err
		}
	}
	msg := &Message{
		ID:        uuid.New().String(),
		From:      caller.Subject,
		To:        to,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	err := m.store.InsertMessage(ctx, msg, func(err error) {
		if err != nil {
			return
		}
		entity := ""
		if to != nil {
			entity = *to
		}
		m.publish(ctx, events.MessageSent, entity, map[string]any{
			"from":      caller.Subject,
			"broadcast": to == nil,
		})
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// GetMessages fetches the caller's inbox, marking direct messages read.
func (m *Manager) GetMessages(ctx context.Context, caller auth.Identity, unreadOnly bool) ([]*Message, error) {
	return m.store.Messages(ctx, caller.Subject, unreadOnly)
}

// MarkStale emits agent.stale for live agents with no activity since the
// cutoff. Called by the session monitor. Returns the stale ids.
func (m *Manager) MarkStale(ctx context.Context, inactiveFor time.Duration) ([]string, error) {
	agents, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-inactiveFor)
	var stale []string
	for _, a := range agents {
		if a.Status == StatusTerminated {
			continue
		}
		last := a.CreatedAt
		if a.LastActiveAt != nil {
			last = *a.LastActiveAt
		}
		if last.Before(cutoff) {
			stale = append(stale, a.ID)
			m.publish(ctx, events.AgentStale, a.ID, map[string]any{
				"last_active_at": last,
			})
		}
	}
	return stale, nil
}

// Touch records activity for a subject; unknown subjects (admin) are
// ignored.
func (m *Manager) Touch(ctx context.Context, subject string) {
	if subject == auth.AdminSubject {
		return
	}
	if err := m.store.TouchActivity(ctx, subject, time.Now().UTC()); err != nil {
		m.log.Debug("Activity touch failed", zap.String("agent_id", subject), zap.Error(err))
	}
}

func (m *Manager) countLive(ctx context.Context) (int, error) {
	agents, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range agents {
		if a.Status != StatusTerminated {
			n++
		}
	}
	return n, nil
}

func (m *Manager) publish(ctx context.Context, eventType, entityID string, changes map[string]any) {
	if m.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, entityID, changes)
	if err := m.eventBus.Publish(context.WithoutCancel(ctx), eventType, event); err != nil {
		m.log.Error("Event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}
