package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agenthive/agenthive/internal/common/apperr"
)

// Embedder generates text embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// EmbedderConfig selects and configures a provider.
type EmbedderConfig struct {
	Provider   string // "openai" or "local"
	Model      string
	APIKey     string
	BaseURL    string
	Dimensions int
	CacheSize  int
}

const (
	maxBatchSize      = 100
	defaultCacheSize  = 10000
	embedRetries      = 3
	embedHTTPTimeout  = 60 * time.Second
	defaultOpenAIBase = "https://api.openai.com/v1"
	defaultLocalBase  = "http://localhost:11434"
)

// NewEmbedder builds the configured embedder.
func NewEmbedder(cfg EmbedderConfig) (Embedder, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	switch cfg.Provider {
	case "openai":
		if cfg.APIKey == "" {
			return nil, apperr.New(apperr.KindUnavailable, "openai embedding provider requires an API key")
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = defaultOpenAIBase
		}
		if cfg.Model == "" {
			cfg.Model = "text-embedding-3-small"
		}
		return &openaiEmbedder{cfg: cfg, cache: cache, client: &http.Client{Timeout: embedHTTPTimeout}}, nil
	case "local":
		if cfg.BaseURL == "" {
			cfg.BaseURL = defaultLocalBase
		}
		return &localEmbedder{cfg: cfg, cache: cache, client: &http.Client{Timeout: embedHTTPTimeout}}, nil
	default:
		return nil, apperr.New(apperr.KindValidation, "unknown embedding provider %q", cfg.Provider)
	}
}

// openaiEmbedder calls the OpenAI embeddings API with an LRU cache and
// jittered exponential backoff.
type openaiEmbedder struct {
	cfg    EmbedderConfig
	cache  *lru.Cache[string, []float32]
	client *http.Client
}

func (e *openaiEmbedder) Dimensions() int { return e.cfg.Dimensions }

func (e *openaiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *openaiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedCached(ctx, e.cache, e.cfg.Dimensions, texts, e.callAPI)
}

func (e *openaiEmbedder) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(map[string]any{
		"model": e.cfg.Model,
		"input": texts,
	})
	if err != nil {
		return nil, err
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	err = postJSONRetry(ctx, e.client, e.cfg.BaseURL+"/embeddings", e.cfg.APIKey, body, &apiResp)
	if err != nil {
		return nil, err
	}

	vecs := make([][]float32, len(texts))
	for _, item := range apiResp.Data {
		if item.Index < 0 || item.Index >= len(vecs) {
			return nil, fmt.Errorf("embedding response index %d out of range", item.Index)
		}
		vecs[item.Index] = item.Embedding
	}
	return vecs, nil
}

// localEmbedder talks to an Ollama-style /api/embed daemon.
type localEmbedder struct {
	cfg    EmbedderConfig
	cache  *lru.Cache[string, []float32]
	client *http.Client
}

func (e *localEmbedder) Dimensions() int { return e.cfg.Dimensions }

func (e *localEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *localEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedCached(ctx, e.cache, e.cfg.Dimensions, texts, e.callAPI)
}

func (e *localEmbedder) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(map[string]any{
		"model": e.cfg.Model,
		"input": texts,
	})
	if err != nil {
		return nil, err
	}

	var apiResp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	err = postJSONRetry(ctx, e.client, e.cfg.BaseURL+"/api/embed", "", body, &apiResp)
	if err != nil {
		return nil, err
	}
	if len(apiResp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding count %d does not match input %d", len(apiResp.Embeddings), len(texts))
	}
	return apiResp.Embeddings, nil
}

// embedCached serves cache hits and forwards the misses to call, in
// batches of at most maxBatchSize. Every returned vector is validated
// before it enters the cache: a provider response with missing entries or
// the wrong dimension count fails the whole batch.
func embedCached(ctx context.Context, cache *lru.Cache[string, []float32], dims int, texts []string,
	call func(ctx context.Context, texts []string) ([][]float32, error)) ([][]float32, error) {

	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if vec, ok := cache.Get(text); ok {
			results[i] = vec
		} else {
			missIdx = append(missIdx, i)
			missTexts = append(missTexts, text)
		}
	}

	for start := 0; start < len(missTexts); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(missTexts) {
			end = len(missTexts)
		}
		vecs, err := call(ctx, missTexts[start:end])
		if err != nil {
			return nil, err
		}
		for j, vec := range vecs {
			if len(vec) == 0 {
				return nil, apperr.New(apperr.KindUnavailable,
					"embedding provider returned no vector for input %d", start+j)
			}
			if dims > 0 && len(vec) != dims {
				return nil, apperr.New(apperr.KindUnavailable,
					"embedding has %d dimensions, want %d", len(vec), dims)
			}
			idx := missIdx[start+j]
			results[idx] = vec
			cache.Add(texts[idx], vec)
		}
	}
	return results, nil
}

// postJSONRetry posts the body with jittered exponential backoff and
// decodes the success response into out.
func postJSONRetry(ctx context.Context, client *http.Client, url, bearer string, body []byte, out any) error {
	var lastErr error
	for attempt := 0; attempt < embedRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(raw))
			// Client errors will not improve on retry.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return lastErr
			}
			continue
		}
		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("decode provider response: %w", err)
			continue
		}
		return nil
	}
	return apperr.Wrap(apperr.KindUnavailable, lastErr, "embedding provider unreachable after %d attempts", embedRetries)
}
