// Package openai calls OpenAI-compatible chat completion endpoints.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/story-pipeline/internal/llm"
	"github.com/JakeFAU/story-pipeline/internal/pipeline"
)

// DefaultEndpoint is the chat completions URL used when none is configured.
const DefaultEndpoint = "https://api.groq.com/openai/v1/chat/completions"

// Config configures the client.
type Config struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// Client implements llm.Client.
type Client struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
}

var _ llm.Client = (*Client)(nil)

// New builds a client. A nil httpClient gets one with cfg.Timeout (default 60s).
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm.openai.api_key is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{endpoint: cfg.Endpoint, apiKey: cfg.APIKey, model: cfg.Model, httpClient: httpClient}, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	TopP        float64       `json:"top_p"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends one chat completion request.
func (c *Client) Complete(ctx context.Context, req llm.Request) (string, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        1,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &llm.RateLimitError{
			RetryAfter: llm.ParseRetryAfter(resp.Header.Get("Retry-After"), string(payload)),
			Err:        fmt.Errorf("chat completion status %s: %s", resp.Status, strings.TrimSpace(string(payload))),
		}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("chat completion status %s: %s", resp.Status, strings.TrimSpace(string(payload)))
		if resp.StatusCode < http.StatusInternalServerError {
			return "", pipeline.Permanent(err)
		}
		return "", err
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", llm.ErrEmptyResponse
	}
	return out.Choices[0].Message.Content, nil
}
