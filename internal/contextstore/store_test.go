package contextstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agenthive/agenthive/internal/common/apperr"
	"github.com/agenthive/agenthive/internal/common/config"
	"github.com/agenthive/agenthive/internal/storage"
	"github.com/agenthive/agenthive/internal/storage/writequeue"
)

func testContextStore(t *testing.T) *Store {
	t.Helper()
	cfg := &config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "context.db")}
	store, err := storage.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	q := writequeue.New(store.Pool())
	q.Start()
	t.Cleanup(func() { q.Close(context.Background()) })

	return NewStore(store.Pool(), q, nil)
}

func TestUpdateAndGet(t *testing.T) {
	s := testContextStore(t)
	ctx := context.Background()

	entry, err := s.Update(ctx, "admin", "deploy/region", json.RawMessage(`"eu-west-1"`), "target region")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if entry.UpdatedBy != "admin" {
		t.Errorf("updated_by = %q", entry.UpdatedBy)
	}

	got, err := s.Get(ctx, "deploy/region")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Value) != `"eu-west-1"` || got.Description != "target region" {
		t.Errorf("got %+v", got)
	}

	if _, err := s.Get(ctx, "missing"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("err = %v, want NotFound", err)
	}
}

func TestUpdateValidation(t *testing.T) {
	s := testContextStore(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		key   string
		value json.RawMessage
	}{
		{"empty key", "", json.RawMessage(`1`)},
		{"empty value", "k", nil},
		{"invalid json", "k", json.RawMessage(`{broken`)},
		{"oversized value", "k", json.RawMessage(`"` + strings.Repeat("x", maxValueBytes) + `"`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Update(ctx, "admin", tc.key, tc.value, ""); !apperr.Is(err, apperr.KindValidation) {
				t.Errorf("err = %v, want Validation", err)
			}
		})
	}
}

func TestHistoryAppendsOnEveryUpdate(t *testing.T) {
	s := testContextStore(t)
	ctx := context.Background()

	for _, v := range []string{`1`, `2`, `3`} {
		if _, err := s.Update(ctx, "admin", "counter", json.RawMessage(v), ""); err != nil {
			t.Fatalf("update %s: %v", v, err)
		}
	}

	// Current value is the last write.
	got, err := s.Get(ctx, "counter")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Value) != `3` {
		t.Errorf("value = %s", got.Value)
	}

	history, err := s.History(ctx, "counter", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	if string(history[0].Value) != `3` {
		t.Errorf("newest revision = %s, want 3", history[0].Value)
	}
}

func TestQuery(t *testing.T) {
	s := testContextStore(t)
	ctx := context.Background()

	keys := []string{"deploy/region", "deploy/replicas", "auth/provider"}
	for _, k := range keys {
		if _, err := s.Update(ctx, "admin", k, json.RawMessage(`true`), ""); err != nil {
			t.Fatalf("update %s: %v", k, err)
		}
	}

	cases := []struct {
		pattern string
		want    int
	}{
		{"deploy/*", 2},
		{"*/provider", 1},
		{"deploy", 2},  // substring
		{"DEPLOY", 2},  // substring is case-insensitive
		{"nothing", 0},
		{"", 3},
	}
	for _, tc := range cases {
		got, err := s.Query(ctx, tc.pattern)
		if err != nil {
			t.Fatalf("query %q: %v", tc.pattern, err)
		}
		if len(got) != tc.want {
			t.Errorf("query %q = %d entries, want %d", tc.pattern, len(got), tc.want)
		}
	}
}
