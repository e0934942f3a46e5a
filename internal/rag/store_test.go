package rag

import (
	"context"
	"testing"
)

func TestReplaceSourceSwapsChunks(t *testing.T) {
	store, chunker := testKnowledge(t)
	ctx := context.Background()

	seedSource(t, store, chunker, SourceMarkdown, "file:doc.md",
		"# Deploying\n\nOld deploy instructions.")
	if store.Count() != 1 {
		t.Fatalf("vectors = %d, want 1", store.Count())
	}

	seedSource(t, store, chunker, SourceMarkdown, "file:doc.md",
		"# Deploying\n\nNew deploy instructions with more detail.")
	if store.Count() != 1 {
		t.Fatalf("vectors after replace = %d, want 1", store.Count())
	}

	results, err := store.Search(ctx, "deploy", 5, "")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Chunk.Content == "" || results[0].Chunk.Heading != "Deploying" {
		t.Errorf("result chunk = %+v", results[0].Chunk)
	}

	total, err := store.ChunkTotal(ctx)
	if err != nil {
		t.Fatalf("chunk total: %v", err)
	}
	if total != 1 {
		t.Errorf("metadata rows = %d, want 1", total)
	}
}

func TestReplaceSourceDropsMalformedVectors(t *testing.T) {
	store, chunker := testKnowledge(t)
	ctx := context.Background()

	content := "# Deploying\n\nDeploy instructions.\n\n# Authentication\n\nAuth notes."
	chunks := chunker.Split(SourceMarkdown, "file:doc.md", content)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}

	// The second vector has the wrong width for the 3-dim embedder.
	vecs := [][]float32{{1, 0, 0}, {0.5, 0.5}}
	if err := store.ReplaceSource(ctx, "file:doc.md", HashContent(content), chunks, vecs); err != nil {
		t.Fatalf("replace: %v", err)
	}

	if store.Count() != 1 {
		t.Errorf("vectors = %d, want 1", store.Count())
	}
	total, err := store.ChunkTotal(ctx)
	if err != nil {
		t.Fatalf("chunk total: %v", err)
	}
	if total != 1 {
		t.Errorf("metadata rows = %d, want 1", total)
	}
}

func TestDocHashTracksContent(t *testing.T) {
	store, chunker := testKnowledge(t)
	ctx := context.Background()

	hash, err := store.DocHash(ctx, "file:doc.md")
	if err != nil {
		t.Fatalf("doc hash: %v", err)
	}
	if hash != "" {
		t.Errorf("unindexed hash = %q, want empty", hash)
	}

	content := "# Deploying\n\nDeploy instructions."
	seedSource(t, store, chunker, SourceMarkdown, "file:doc.md", content)

	hash, err = store.DocHash(ctx, "file:doc.md")
	if err != nil {
		t.Fatalf("doc hash: %v", err)
	}
	if hash != HashContent(content) {
		t.Errorf("stored hash does not match content")
	}

	refs, err := store.BaseRefs(ctx)
	if err != nil {
		t.Fatalf("base refs: %v", err)
	}
	if len(refs) != 1 || refs[0] != "file:doc.md" {
		t.Errorf("refs = %v", refs)
	}
}

func TestDeleteSource(t *testing.T) {
	store, chunker := testKnowledge(t)
	ctx := context.Background()

	seedSource(t, store, chunker, SourceMarkdown, "file:doc.md",
		"# Deploying\n\nDeploy instructions.")
	seedSource(t, store, chunker, SourceMarkdown, "file:other.md",
		"# Authentication\n\nAuth notes.")

	if err := store.DeleteSource(ctx, "file:doc.md"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if store.Count() != 1 {
		t.Errorf("vectors = %d, want 1", store.Count())
	}
	refs, err := store.BaseRefs(ctx)
	if err != nil {
		t.Fatalf("base refs: %v", err)
	}
	if len(refs) != 1 || refs[0] != "file:other.md" {
		t.Errorf("refs = %v", refs)
	}
	total, err := store.ChunkTotal(ctx)
	if err != nil {
		t.Fatalf("chunk total: %v", err)
	}
	if total != 1 {
		t.Errorf("metadata rows = %d, want 1", total)
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	store, _ := testKnowledge(t)
	results, err := store.Search(context.Background(), "anything", 5, "")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if results != nil {
		t.Errorf("results = %v, want nil", results)
	}
}
