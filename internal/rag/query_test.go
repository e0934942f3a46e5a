package rag

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agenthive/agenthive/internal/common/apperr"
	"github.com/agenthive/agenthive/internal/common/config"
	"github.com/agenthive/agenthive/internal/storage"
	"github.com/agenthive/agenthive/internal/storage/writequeue"
)

// fakeEmbedder maps keyword families onto fixed orthogonal vectors so
// similarity is fully deterministic.
type fakeEmbedder struct{}

func (fakeEmbedder) vectorFor(text string) []float32 {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "deploy"):
		return []float32{1, 0, 0}
	case strings.Contains(lower, "auth"):
		return []float32{0, 1, 0}
	default:
		return []float32{0, 0, 1}
	}
}

func (f fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return f.vectorFor(text), nil
}

func (f fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vecs[i] = f.vectorFor(t)
	}
	return vecs, nil
}

func (fakeEmbedder) Dimensions() int { return 3 }

type fakeChat struct {
	reply string
	err   error
	calls int
	last  []ChatMessage
}

func (f *fakeChat) Complete(_ context.Context, messages []ChatMessage) (string, error) {
	f.calls++
	f.last = messages
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func testKnowledge(t *testing.T) (*Store, *Chunker) {
	t.Helper()
	cfg := &config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "rag.db")}
	st, err := storage.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q := writequeue.New(st.Pool())
	q.Start()
	t.Cleanup(func() { q.Close(context.Background()) })

	store, err := NewStore(st.Pool(), q, "", fakeEmbedder{})
	if err != nil {
		t.Fatalf("new rag store: %v", err)
	}
	chunker, err := NewChunker(800, 80)
	if err != nil {
		t.Fatalf("new chunker: %v", err)
	}
	return store, chunker
}

func seedSource(t *testing.T, store *Store, chunker *Chunker, sourceType SourceType, baseRef, content string) {
	t.Helper()
	chunks := chunker.Split(sourceType, baseRef, content)
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vecs, err := fakeEmbedder{}.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if err := store.ReplaceSource(context.Background(), baseRef, HashContent(content), chunks, vecs); err != nil {
		t.Fatalf("replace %s: %v", baseRef, err)
	}
}

func seedDefault(t *testing.T, store *Store, chunker *Chunker) {
	seedSource(t, store, chunker, SourceMarkdown, "file:docs/deploy.md",
		"# Deploying\n\nRun the deploy script against the target region.")
	seedSource(t, store, chunker, SourceMarkdown, "file:docs/auth.md",
		"# Authentication\n\nAgents authenticate with bearer tokens.")
	seedSource(t, store, chunker, SourceContext, "context:deploy/region",
		"deploy/region\ntarget region\n\"eu-west-1\"")
}

func TestAskRetrievesAndSynthesizes(t *testing.T) {
	store, chunker := testKnowledge(t)
	seedDefault(t, store, chunker)
	chat := &fakeChat{reply: "Run the deploy script. [file:docs/deploy.md#0]"}
	engine := NewEngine(store, chat, nil, 13)

	answer, err := engine.Ask(context.Background(), "how do we deploy", 0, "")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if answer.LowConfidence {
		t.Fatalf("unexpected low confidence: %+v", answer)
	}
	if answer.Answer != chat.reply {
		t.Errorf("answer = %q", answer.Answer)
	}
	if answer.Confidence != 0.99 {
		t.Errorf("confidence = %v, want 0.99", answer.Confidence)
	}
	if len(answer.Sources) == 0 || !strings.HasPrefix(answer.Sources[0].SourceRef, "file:docs/deploy.md") {
		t.Errorf("sources = %+v", answer.Sources)
	}
	if len(answer.ContextKeysUsed) != 1 || answer.ContextKeysUsed[0] != "deploy/region" {
		t.Errorf("context keys = %v", answer.ContextKeysUsed)
	}
	found := false
	for _, s := range answer.SuggestedQueries {
		if strings.Contains(s, "Deploying") {
			found = true
		}
	}
	if !found {
		t.Errorf("suggestions = %v, want one about the Deploying heading", answer.SuggestedQueries)
	}
	if chat.calls != 1 {
		t.Errorf("chat called %d times", chat.calls)
	}
	// The synthesis prompt carries the retrieved excerpts.
	if !strings.Contains(chat.last[1].Content, "deploy script") {
		t.Errorf("excerpts missing from synthesis prompt")
	}
}

func TestAskLowConfidenceSkipsSynthesis(t *testing.T) {
	store, chunker := testKnowledge(t)
	seedSource(t, store, chunker, SourceMarkdown, "file:docs/deploy.md",
		"# Deploying\n\nRun the deploy script.")
	chat := &fakeChat{reply: "should not be used"}
	engine := NewEngine(store, chat, nil, 13)

	answer, err := engine.Ask(context.Background(), "something unrelated entirely", 0, "")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if !answer.LowConfidence {
		t.Fatalf("want low confidence, got %+v", answer)
	}
	if chat.calls != 0 {
		t.Errorf("chat called %d times on a low-confidence query", chat.calls)
	}
}

func TestAskSourceTypeFilter(t *testing.T) {
	store, chunker := testKnowledge(t)
	seedDefault(t, store, chunker)
	engine := NewEngine(store, &fakeChat{reply: "ok"}, nil, 13)

	answer, err := engine.Ask(context.Background(), "deploy region", 0, SourceContext)
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	for _, s := range answer.Sources {
		if s.SourceType != string(SourceContext) {
			t.Errorf("filtered query returned %q source %q", s.SourceType, s.SourceRef)
		}
	}
}

func TestAskValidation(t *testing.T) {
	store, _ := testKnowledge(t)
	engine := NewEngine(store, &fakeChat{}, nil, 13)

	if _, err := engine.Ask(context.Background(), "  ", 0, ""); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("empty question err = %v", err)
	}
	if _, err := engine.Ask(context.Background(), "q", 0, SourceType("bogus")); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("bad source type err = %v", err)
	}
}

func TestAskChatFailureStillCites(t *testing.T) {
	store, chunker := testKnowledge(t)
	seedDefault(t, store, chunker)
	chat := &fakeChat{err: errors.New("provider down")}
	engine := NewEngine(store, chat, nil, 13)

	answer, err := engine.Ask(context.Background(), "how do we deploy", 0, "")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if !answer.LowConfidence {
		t.Errorf("want low confidence when synthesis fails")
	}
	if len(answer.Sources) == 0 {
		t.Errorf("sources dropped on synthesis failure")
	}
}

func TestConfidence(t *testing.T) {
	now := time.Now()
	mk := func(sims ...float32) []Result {
		out := make([]Result, len(sims))
		for i, s := range sims {
			out[i] = Result{Similarity: s, CreatedAt: now}
		}
		return out
	}

	if got := confidence(nil); got != 0 {
		t.Errorf("empty confidence = %v", got)
	}
	// Mean of the top three, boosted.
	got := confidence(mk(0.6, 0.5, 0.4, 0.1))
	want := 0.5 * 1.15
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("confidence = %v, want %v", got, want)
	}
	// Clamped below 1.
	if got := confidence(mk(1, 1, 1)); got != 0.99 {
		t.Errorf("clamped confidence = %v, want 0.99", got)
	}
}
