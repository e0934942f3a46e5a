// Package auth implements bearer token issuance, verification, and the
// audit trail for tool calls.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/common/apperr"
	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/db"
	"github.com/agenthive/agenthive/internal/storage/writequeue"
)

// Role determines which tools a subject may call.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleAgent Role = "agent"
)

// AdminSubject is the sentinel identity that always exists.
const AdminSubject = "admin"

// Identity is the resolved caller of a tool invocation.
type Identity struct {
	Subject string
	Role    Role
}

// IsAdmin reports whether the identity may call admin-only tools.
func (id Identity) IsAdmin() bool { return id.Role == RoleAdmin }

// Registry maps bearer tokens to identities. Lookups are O(1) against an
// in-memory map hydrated from the tokens table; mutations go through the
// write queue and update the map in the commit callback.
type Registry struct {
	mu        sync.RWMutex
	byToken   map[string]Identity
	bySubject map[string]string // subject -> active token

	pool  *db.Pool
	queue *writequeue.Queue
	log   *logger.Logger
}

// NewRegistry creates an empty registry; call Hydrate before serving.
func NewRegistry(pool *db.Pool, queue *writequeue.Queue) *Registry {
	return &Registry{
		byToken:   make(map[string]Identity),
		bySubject: make(map[string]string),
		pool:      pool,
		queue:     queue,
		log:       logger.New("auth"),
	}
}

// Hydrate loads all non-revoked tokens from the store.
func (r *Registry) Hydrate(ctx context.Context) error {
	rows := []struct {
		Token   string `db:"token"`
		Subject string `db:"subject"`
		Role    string `db:"role"`
	}{}
	err := r.pool.Reader().SelectContext(ctx, &rows,
		`SELECT token, subject, role FROM tokens WHERE revoked_at IS NULL`)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "hydrate token registry")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		r.byToken[row.Token] = Identity{Subject: row.Subject, Role: Role(row.Role)}
		r.bySubject[row.Subject] = row.Token
	}
	r.log.Info("Token registry hydrated", zap.Int("tokens", len(rows)))
	return nil
}

// EnsureAdmin makes sure an admin token exists. Precedence: the configured
// token, then a surviving row from a previous run, then a freshly minted
// token which is logged once so the operator can capture it.
func (r *Registry) EnsureAdmin(ctx context.Context, configured string) (string, error) {
	r.mu.RLock()
	existing, ok := r.bySubject[AdminSubject]
	r.mu.RUnlock()

	if configured != "" {
		if ok && existing == configured {
			return configured, nil
		}
		if ok {
			if err := r.Revoke(ctx, existing); err != nil {
				return "", err
			}
		}
		if err := r.insert(ctx, configured, AdminSubject, RoleAdmin); err != nil {
			return "", err
		}
		return configured, nil
	}

	if ok {
		return existing, nil
	}

	token := generateToken()
	if err := r.insert(ctx, token, AdminSubject, RoleAdmin); err != nil {
		return "", err
	}
	r.log.Warn("Generated admin token; set ADMIN_TOKEN to persist it across restarts",
		zap.String("admin_token", token))
	return token, nil
}

// Issue mints a token for subject, persists it, and returns it. An existing
// active token for the subject is revoked first so the one-token-per-subject
// invariant holds.
func (r *Registry) Issue(ctx context.Context, subject string, role Role) (string, error) {
	r.mu.RLock()
	old, hadOld := r.bySubject[subject]
	r.mu.RUnlock()
	if hadOld {
		if err := r.Revoke(ctx, old); err != nil {
			return "", err
		}
	}

	token := generateToken()
	if err := r.insert(ctx, token, subject, role); err != nil {
		return "", err
	}
	return token, nil
}

func (r *Registry) insert(ctx context.Context, token, subject string, role Role) error {
	return r.queue.Submit(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		return insertTokenTx(ctx, tx, token, subject, role)
	}, func(err error) {
		if err != nil {
			return
		}
		r.apply(token, subject, role)
	})
}

func insertTokenTx(ctx context.Context, tx *sqlx.Tx, token, subject string, role Role) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO tokens (token, subject, role, issued_at) VALUES (?, ?, ?, ?)`),
		token, subject, string(role), time.Now().UTC())
	return err
}

func revokeTokenTx(ctx context.Context, tx *sqlx.Tx, token string) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE tokens SET revoked_at = ? WHERE token = ? AND revoked_at IS NULL`),
		time.Now().UTC(), token)
	return err
}

func (r *Registry) apply(token, subject string, role Role) {
	r.mu.Lock()
	r.byToken[token] = Identity{Subject: subject, Role: role}
	r.bySubject[subject] = token
	r.mu.Unlock()
}

func (r *Registry) applyRevoke(token, subject string) {
	r.mu.Lock()
	delete(r.byToken, token)
	if r.bySubject[subject] == token {
		delete(r.bySubject, subject)
	}
	r.mu.Unlock()
}

// Verify resolves a bearer token to an identity.
func (r *Registry) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, apperr.New(apperr.KindUnauthenticated, "missing bearer token")
	}
	r.mu.RLock()
	id, ok := r.byToken[token]
	r.mu.RUnlock()
	if !ok {
		return Identity{}, apperr.New(apperr.KindUnauthenticated, "unknown or revoked token")
	}
	return id, nil
}

// Revoke marks the token revoked. The row stays in the tokens table as
// issuance history; only revoked_at changes. Unknown tokens are a no-op so
// revocation is idempotent.
func (r *Registry) Revoke(ctx context.Context, token string) error {
	r.mu.RLock()
	id, ok := r.byToken[token]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	return r.queue.Submit(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		return revokeTokenTx(ctx, tx, token)
	}, func(err error) {
		if err != nil {
			return
		}
		r.applyRevoke(token, id.Subject)
	})
}

// RevokeSubject revokes the subject's active token, if any.
func (r *Registry) RevokeSubject(ctx context.Context, subject string) error {
	r.mu.RLock()
	token, ok := r.bySubject[subject]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return r.Revoke(ctx, token)
}

// TokenFor returns the active token for a subject. Admin-only callers use
// this to recover agent credentials.
func (r *Registry) TokenFor(subject string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	token, ok := r.bySubject[subject]
	return token, ok
}

// IssueTx mints and persists a token for subject inside the caller's
// transaction, revoking any active token first. The returned apply closure
// updates the in-memory maps and must run only after commit.
func (r *Registry) IssueTx(ctx context.Context, tx *sqlx.Tx, subject string, role Role) (string, func(), error) {
	revoke, err := r.RevokeSubjectTx(ctx, tx, subject)
	if err != nil {
		return "", nil, err
	}
	token := generateToken()
	if err := insertTokenTx(ctx, tx, token, subject, role); err != nil {
		return "", nil, err
	}
	return token, func() {
		revoke()
		r.apply(token, subject, role)
	}, nil
}

// RevokeSubjectTx revokes the subject's active token inside the caller's
// transaction. The returned apply closure updates the in-memory maps and
// must run only after commit.
func (r *Registry) RevokeSubjectTx(ctx context.Context, tx *sqlx.Tx, subject string) (func(), error) {
	r.mu.RLock()
	token, ok := r.bySubject[subject]
	r.mu.RUnlock()
	if !ok {
		return func() {}, nil
	}
	if err := revokeTokenTx(ctx, tx, token); err != nil {
		return nil, err
	}
	return func() { r.applyRevoke(token, subject) }, nil
}

func generateToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the process cannot mint credentials.
		panic("crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
