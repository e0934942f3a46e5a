package auth

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/agenthive/agenthive/internal/common/apperr"
	"github.com/agenthive/agenthive/internal/common/config"
	"github.com/agenthive/agenthive/internal/storage"
	"github.com/agenthive/agenthive/internal/storage/writequeue"
)

func testRegistry(t *testing.T) (*Registry, *writequeue.Queue, *storage.Store) {
	t.Helper()
	cfg := &config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "auth.db")}
	store, err := storage.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	q := writequeue.New(store.Pool())
	q.Start()
	t.Cleanup(func() { q.Close(context.Background()) })

	return NewRegistry(store.Pool(), q), q, store
}

func TestIssueAndVerify(t *testing.T) {
	r, _, _ := testRegistry(t)
	ctx := context.Background()

	token, err := r.Issue(ctx, "agent-1", RoleAgent)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if len(token) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(token))
	}

	id, err := r.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.Subject != "agent-1" || id.Role != RoleAgent {
		t.Errorf("identity = %+v", id)
	}
	if id.IsAdmin() {
		t.Error("agent role reported as admin")
	}
}

func TestVerifyRejectsUnknownAndEmpty(t *testing.T) {
	r, _, _ := testRegistry(t)

	if _, err := r.Verify(""); !apperr.Is(err, apperr.KindUnauthenticated) {
		t.Errorf("empty token err = %v, want Unauthenticated", err)
	}
	if _, err := r.Verify("deadbeef"); !apperr.Is(err, apperr.KindUnauthenticated) {
		t.Errorf("unknown token err = %v, want Unauthenticated", err)
	}
}

func TestRevoke(t *testing.T) {
	r, _, _ := testRegistry(t)
	ctx := context.Background()

	token, err := r.Issue(ctx, "agent-1", RoleAgent)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := r.Revoke(ctx, token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := r.Verify(token); !apperr.Is(err, apperr.KindUnauthenticated) {
		t.Errorf("revoked token err = %v, want Unauthenticated", err)
	}
	// Idempotent.
	if err := r.Revoke(ctx, token); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
}

func TestReissueReplacesToken(t *testing.T) {
	r, _, _ := testRegistry(t)
	ctx := context.Background()

	first, err := r.Issue(ctx, "agent-1", RoleAgent)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	second, err := r.Issue(ctx, "agent-1", RoleAgent)
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if first == second {
		t.Fatal("expected a fresh token")
	}
	if _, err := r.Verify(first); err == nil {
		t.Error("old token still valid after reissue")
	}
	if got, ok := r.TokenFor("agent-1"); !ok || got != second {
		t.Errorf("TokenFor = %q, %v; want %q", got, ok, second)
	}
}

func TestHydrateRestoresTokens(t *testing.T) {
	r, q, store := testRegistry(t)
	ctx := context.Background()

	token, err := r.Issue(ctx, "agent-1", RoleAgent)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// A second registry over the same store sees the token after hydrate.
	fresh := NewRegistry(store.Pool(), q)
	if _, err := fresh.Verify(token); err == nil {
		t.Fatal("token visible before hydrate")
	}
	if err := fresh.Hydrate(ctx); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	id, err := fresh.Verify(token)
	if err != nil {
		t.Fatalf("verify after hydrate: %v", err)
	}
	if id.Subject != "agent-1" {
		t.Errorf("subject = %q", id.Subject)
	}
}

func TestEnsureAdmin(t *testing.T) {
	t.Run("generated when unconfigured", func(t *testing.T) {
		r, _, _ := testRegistry(t)
		token, err := r.EnsureAdmin(context.Background(), "")
		if err != nil {
			t.Fatalf("ensure admin: %v", err)
		}
		id, err := r.Verify(token)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if id.Subject != AdminSubject || !id.IsAdmin() {
			t.Errorf("identity = %+v", id)
		}

		// Stable across repeated calls.
		again, err := r.EnsureAdmin(context.Background(), "")
		if err != nil {
			t.Fatalf("second ensure: %v", err)
		}
		if again != token {
			t.Error("admin token changed between calls")
		}
	})

	t.Run("configured token wins", func(t *testing.T) {
		r, _, _ := testRegistry(t)
		if _, err := r.EnsureAdmin(context.Background(), ""); err != nil {
			t.Fatalf("bootstrap: %v", err)
		}
		token, err := r.EnsureAdmin(context.Background(), "configured-admin-token")
		if err != nil {
			t.Fatalf("ensure with config: %v", err)
		}
		if token != "configured-admin-token" {
			t.Errorf("token = %q", token)
		}
		if _, err := r.Verify("configured-admin-token"); err != nil {
			t.Errorf("configured token not usable: %v", err)
		}
	})
}

func TestRevokeKeepsHistoryRow(t *testing.T) {
	r, _, store := testRegistry(t)
	ctx := context.Background()

	token, err := r.Issue(ctx, "agent-1", RoleAgent)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := r.Revoke(ctx, token); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	// The row survives revocation as issuance history.
	var n int
	if err := store.Pool().Reader().GetContext(ctx, &n,
		`SELECT COUNT(*) FROM tokens WHERE subject = 'agent-1' AND revoked_at IS NOT NULL`); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("revoked rows = %d, want 1", n)
	}
}
