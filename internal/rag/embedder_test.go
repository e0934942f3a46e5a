package rag

import (
	"context"
	"testing"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agenthive/agenthive/internal/common/apperr"
)

func testCache(t *testing.T) *lru.Cache[string, []float32] {
	t.Helper()
	cache, err := lru.New[string, []float32](16)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return cache
}

func TestEmbedCachedRejectsWrongDimensions(t *testing.T) {
	cache := testCache(t)
	_, err := embedCached(context.Background(), cache, 3, []string{"hello"},
		func(ctx context.Context, texts []string) ([][]float32, error) {
			return [][]float32{{0.1, 0.2}}, nil
		})
	if !apperr.Is(err, apperr.KindUnavailable) {
		t.Fatalf("err = %v, want Unavailable", err)
	}
	if _, ok := cache.Get("hello"); ok {
		t.Error("malformed vector entered the cache")
	}
}

func TestEmbedCachedRejectsMissingVector(t *testing.T) {
	cache := testCache(t)
	// A sparse provider response leaves nil entries behind.
	_, err := embedCached(context.Background(), cache, 0, []string{"a", "b"},
		func(ctx context.Context, texts []string) ([][]float32, error) {
			return [][]float32{{1}, nil}, nil
		})
	if !apperr.Is(err, apperr.KindUnavailable) {
		t.Fatalf("err = %v, want Unavailable", err)
	}
}

func TestEmbedCachedServesHits(t *testing.T) {
	cache := testCache(t)
	calls := 0
	embed := func(ctx context.Context, texts []string) ([][]float32, error) {
		calls++
		vecs := make([][]float32, len(texts))
		for i := range texts {
			vecs[i] = []float32{1, 0, 0}
		}
		return vecs, nil
	}
	for i := 0; i < 2; i++ {
		vecs, err := embedCached(context.Background(), cache, 3, []string{"hello"}, embed)
		if err != nil {
			t.Fatalf("embed: %v", err)
		}
		if len(vecs) != 1 || len(vecs[0]) != 3 {
			t.Fatalf("vecs = %v", vecs)
		}
	}
	if calls != 1 {
		t.Errorf("provider called %d times, want 1", calls)
	}
}
