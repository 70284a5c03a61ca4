// Package gemini adapts the Gemini API to llm.Client. It serves as the
// large-context fallback for long articles.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/JakeFAU/story-pipeline/internal/llm"
)

// DefaultModel is used when neither the config nor the request names one.
const DefaultModel = "gemini-1.5-flash-latest"

// Config configures the client.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Client implements llm.Client on genai.
type Client struct {
	client *genai.Client
	model  string
}

var _ llm.Client = (*Client)(nil)

// New builds a client for the Gemini API backend.
func New(ctx context.Context, cfg Config, httpClient *http.Client) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm.gemini.api_key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}
	return &Client{client: client, model: cfg.Model}, nil
}

// Complete sends system messages as the system instruction and the rest as
// conversation turns.
func (c *Client) Complete(ctx context.Context, req llm.Request) (string, error) {
	model := req.Model
	if model == "" || model == "gemini" {
		model = c.model
	}
	contents, system := toContents(req.Messages)
	if len(contents) == 0 {
		return "", errors.New("request has no user message")
	}
	config := &genai.GenerateContentConfig{}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		if msg, ok := throttled(err); ok {
			return "", &llm.RateLimitError{RetryAfter: llm.ParseRetryAfter("", msg), Err: err}
		}
		return "", fmt.Errorf("generate content: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", llm.ErrEmptyResponse
	}
	return text, nil
}

func toContents(messages []llm.Message) ([]*genai.Content, string) {
	contents := make([]*genai.Content, 0, len(messages))
	var system []string
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			system = append(system, msg.Content)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}
	return contents, strings.Join(system, "\n\n")
}

func throttled(err error) (string, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return apiErr.Message, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr.Code == http.StatusTooManyRequests {
		return apiErrPtr.Message, true
	}
	return "", false
}
