// Package httpdest talks to the destination REST API.
package httpdest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/story-pipeline/internal/destination"
	"github.com/JakeFAU/story-pipeline/internal/pipeline"
)

// Config locates the API.
type Config struct {
	// RawURL receives POST {data, link} and serves GET/PATCH /{id}.
	RawURL string
	// ArticleURL receives the rewritten article.
	ArticleURL string
	APIKey     string
	Timeout    time.Duration
}

// Client implements destination.Destination over HTTP.
type Client struct {
	cfg    Config
	client *http.Client
}

// New creates a Client. A nil httpClient gets one with cfg.Timeout.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	if cfg.RawURL == "" {
		return nil, errors.New("destination raw url is required")
	}
	if cfg.ArticleURL == "" {
		return nil, errors.New("destination article url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, client: httpClient}, nil
}

type rawRequest struct {
	Data pipeline.CandidateItem `json:"data"`
	Link string                 `json:"link"`
}

// CreateRaw posts the item and returns the id the API assigned.
func (c *Client) CreateRaw(ctx context.Context, item pipeline.CandidateItem) (string, error) {
	var out struct {
		ID any `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, c.cfg.RawURL, rawRequest{Data: item, Link: item.Link}, &out); err != nil {
		return "", fmt.Errorf("create raw: %w", err)
	}
	id := idString(out.ID)
	if id == "" {
		return "", errors.New("create raw: response has no id")
	}
	return id, nil
}

// GetRaw fetches a raw record.
func (c *Client) GetRaw(ctx context.Context, id string) (pipeline.RawRecord, error) {
	var rec pipeline.RawRecord
	if err := c.do(ctx, http.MethodGet, c.recordURL(id), nil, &rec); err != nil {
		return pipeline.RawRecord{}, fmt.Errorf("get raw %s: %w", id, err)
	}
	if rec.ID == "" {
		rec.ID = id
	}
	return rec, nil
}

// MarkFailed patches the failure flag and trial count.
func (c *Client) MarkFailed(ctx context.Context, id string, trials int) error {
	body := map[string]any{"failed_to_process": true, "trial_times": trials}
	if err := c.do(ctx, http.MethodPatch, c.recordURL(id), body, nil); err != nil {
		return fmt.Errorf("mark raw %s failed: %w", id, err)
	}
	return nil
}

// CreateArticle posts the rewritten article.
func (c *Client) CreateArticle(ctx context.Context, article pipeline.Article) error {
	if err := c.do(ctx, http.MethodPost, c.cfg.ArticleURL, article, nil); err != nil {
		return fmt.Errorf("create article %s: %w", article.RawID, err)
	}
	return nil
}

func (c *Client) recordURL(id string) string {
	return strings.TrimRight(c.cfg.RawURL, "/") + "/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return destination.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: status %d: %s", method, target, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	default:
		return ""
	}
}
