package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/common/apperr"
	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/events"
	"github.com/agenthive/agenthive/internal/events/bus"
)

// Answer is the result of one knowledge query.
type Answer struct {
	Answer           string    `json:"answer"`
	Confidence       float64   `json:"confidence"`
	LowConfidence    bool      `json:"low_confidence"`
	Sources          []Citation `json:"sources"`
	SuggestedQueries []string  `json:"suggested_queries,omitempty"`
	ContextKeysUsed  []string  `json:"context_keys_used,omitempty"`
}

// Citation points an answer back at an indexed chunk.
type Citation struct {
	SourceRef  string  `json:"source_ref"`
	SourceType string  `json:"source_type"`
	Heading    string  `json:"heading,omitempty"`
	Similarity float32 `json:"similarity"`
	Excerpt    string  `json:"excerpt"`
}

const (
	minSimilarity    = 0.35
	confidenceBoost  = 1.15
	maxConfidence    = 0.99
	excerptLen       = 200
	maxSuggestions   = 3
	synthesisPrompt  = "You are a project knowledge assistant. Answer the question using only the provided excerpts. Cite the source reference in brackets after each claim. If the excerpts do not contain the answer, say so."
)

// Engine answers questions over the indexed knowledge.
type Engine struct {
	store      *Store
	chat       ChatProvider
	eventBus   bus.EventBus
	maxResults int
	log        *logger.Logger
}

// NewEngine wires a query engine. maxResults caps how many chunks a single
// question may retrieve.
func NewEngine(store *Store, chat ChatProvider, eventBus bus.EventBus, maxResults int) *Engine {
	return &Engine{
		store:      store,
		chat:       chat,
		eventBus:   eventBus,
		maxResults: maxResults,
		log:        logger.New("rag-engine"),
	}
}

// Ask retrieves the closest chunks and synthesizes an answer. topK of 0
// means the configured maximum; sourceType of "" means all sources. When
// nothing clears the similarity floor the result is marked low confidence
// and no synthesis happens.
func (e *Engine) Ask(ctx context.Context, question string, topK int, sourceType SourceType) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, apperr.Validation("question", "must not be empty")
	}
	if topK <= 0 || topK > e.maxResults {
		topK = e.maxResults
	}
	switch sourceType {
	case "", SourceMarkdown, SourceCode, SourceContext, SourceTask, SourceMessage:
	default:
		return nil, apperr.Validation("source_type", "unknown source type %q", sourceType)
	}

	results, err := e.store.Search(ctx, question, topK, sourceType)
	if err != nil {
		return nil, err
	}

	// Drop weak matches, then order deterministically.
	kept := results[:0]
	for _, r := range results {
		if r.Similarity >= minSimilarity {
			kept = append(kept, r)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Similarity != kept[j].Similarity {
			return kept[i].Similarity > kept[j].Similarity
		}
		if !kept[i].CreatedAt.Equal(kept[j].CreatedAt) {
			return kept[i].CreatedAt.After(kept[j].CreatedAt)
		}
		return len(kept[i].Chunk.SourceRef) < len(kept[j].Chunk.SourceRef)
	})

	answer := &Answer{
		Confidence:       confidence(kept),
		Sources:          citations(kept),
		SuggestedQueries: suggestions(kept),
		ContextKeysUsed:  contextKeys(kept),
	}

	if len(kept) == 0 || answer.Confidence < minSimilarity {
		answer.LowConfidence = true
		answer.Answer = "No indexed knowledge matched this question closely enough to answer."
		e.publishAnswered(ctx, question, answer)
		return answer, nil
	}

	text, err := e.chat.Complete(ctx, synthesisMessages(question, kept))
	if err != nil {
		// Retrieval still has value when the chat provider is down.
		e.log.Warn("Synthesis failed, returning excerpts only", zap.Error(err))
		answer.LowConfidence = true
		answer.Answer = "Answer synthesis is unavailable; see the cited sources."
		e.publishAnswered(ctx, question, answer)
		return answer, nil
	}
	answer.Answer = text
	e.publishAnswered(ctx, question, answer)
	return answer, nil
}

// confidence is the mean similarity of the top three matches, boosted and
// clamped to [0, 0.99].
func confidence(results []Result) float64 {
	if len(results) == 0 {
		return 0
	}
	n := len(results)
	if n > 3 {
		n = 3
	}
	var sum float64
	for _, r := range results[:n] {
		sum += float64(r.Similarity)
	}
	c := sum / float64(n) * confidenceBoost
	if c > maxConfidence {
		c = maxConfidence
	}
	if c < 0 {
		c = 0
	}
	return c
}

func citations(results []Result) []Citation {
	cites := make([]Citation, 0, len(results))
	for _, r := range results {
		excerpt := r.Chunk.Content
		if len(excerpt) > excerptLen {
			excerpt = excerpt[:excerptLen] + "..."
		}
		cites = append(cites, Citation{
			SourceRef:  r.Chunk.SourceRef,
			SourceType: string(r.Chunk.SourceType),
			Heading:    r.Chunk.Heading,
			Similarity: r.Similarity,
			Excerpt:    excerpt,
		})
	}
	return cites
}

// suggestions derives follow-up questions from the headings of matched
// chunks.
func suggestions(results []Result) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range results {
		h := strings.TrimSpace(r.Chunk.Heading)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, fmt.Sprintf("What does %q cover?", h))
		if len(out) == maxSuggestions {
			break
		}
	}
	return out
}

// contextKeys lists the shared context entries that contributed matches.
func contextKeys(results []Result) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, r := range results {
		ref := r.Chunk.SourceRef
		if i := strings.LastIndex(ref, "#"); i >= 0 {
			ref = ref[:i]
		}
		key, ok := strings.CutPrefix(ref, "context:")
		if !ok || seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func synthesisMessages(question string, results []Result) []ChatMessage {
	var sb strings.Builder
	for _, r := range results {
		fmt.Fprintf(&sb, "[%s]\n%s\n\n", r.Chunk.SourceRef, r.Chunk.Content)
	}
	user := fmt.Sprintf("Excerpts:\n\n%sQuestion: %s", sb.String(), question)
	return []ChatMessage{
		{Role: "system", Content: synthesisPrompt},
		{Role: "user", Content: user},
	}
}

func (e *Engine) publishAnswered(ctx context.Context, question string, a *Answer) {
	if e.eventBus == nil {
		return
	}
	event := bus.NewEvent(events.RAGQueryAnswered, uuid.NewString(), map[string]interface{}{
		"question":       question,
		"confidence":     a.Confidence,
		"low_confidence": a.LowConfidence,
		"sources":        len(a.Sources),
	})
	if err := e.eventBus.Publish(context.WithoutCancel(ctx), "rag.query.answered", event); err != nil {
		e.log.Warn("Query event publish failed", zap.Error(err))
	}
}
