package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agenthive/agenthive/internal/common/apperr"
)

// ChatMessage is one turn of a synthesis conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatProvider turns retrieved chunks into an answer.
type ChatProvider interface {
	Complete(ctx context.Context, messages []ChatMessage) (string, error)
}

// ChatConfig selects and configures a chat provider.
type ChatConfig struct {
	Provider string // "openai" or "local"
	Model    string
	APIKey   string
	BaseURL  string
}

const chatHTTPTimeout = 120 * time.Second

// NewChatProvider builds the configured provider. Both providers speak
// the OpenAI chat-completions wire format; "local" just points it at an
// OpenAI-compatible daemon.
func NewChatProvider(cfg ChatConfig) (ChatProvider, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.APIKey == "" {
			return nil, apperr.New(apperr.KindUnavailable, "openai chat provider requires an API key")
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = defaultOpenAIBase
		}
		if cfg.Model == "" {
			cfg.Model = "gpt-4o-mini"
		}
	case "local":
		if cfg.BaseURL == "" {
			cfg.BaseURL = defaultLocalBase + "/v1"
		}
	default:
		return nil, apperr.New(apperr.KindValidation, "unknown chat provider %q", cfg.Provider)
	}
	return &openaiChat{cfg: cfg, client: &http.Client{Timeout: chatHTTPTimeout}}, nil
}

type openaiChat struct {
	cfg    ChatConfig
	client *http.Client
}

func (c *openaiChat) Complete(ctx context.Context, messages []ChatMessage) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model":       c.cfg.Model,
		"messages":    messages,
		"temperature": 0.2,
	})
	if err != nil {
		return "", err
	}

	var apiResp struct {
		Choices []struct {
			Message ChatMessage `json:"message"`
		} `json:"choices"`
	}
	err = postJSONRetry(ctx, c.client, c.cfg.BaseURL+"/chat/completions", c.cfg.APIKey, body, &apiResp)
	if err != nil {
		return "", err
	}
	if len(apiResp.Choices) == 0 {
		return "", fmt.Errorf("chat provider returned no choices")
	}
	return apiResp.Choices[0].Message.Content, nil
}
