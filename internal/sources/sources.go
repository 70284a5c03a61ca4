// Package sources loads scrape source configurations from the config service
// or a local YAML file.
package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/story-pipeline/internal/cache"
	"github.com/JakeFAU/story-pipeline/internal/pipeline"
)

// ErrNotFound is returned by Get when no source has the requested id.
var ErrNotFound = errors.New("source not found")

// Provider lists source configurations.
type Provider interface {
	List(ctx context.Context) ([]pipeline.SourceConfig, error)
	Get(ctx context.Context, id string) (pipeline.SourceConfig, error)
}

// Validate checks a source for the fields every scraper needs.
func Validate(src pipeline.SourceConfig) error {
	if src.ID == "" {
		return errors.New("source id is required")
	}
	switch src.Kind {
	case pipeline.SourceWebsite:
		if src.Entry == "" {
			return fmt.Errorf("source %s: entry is required", src.ID)
		}
		if src.Selectors == nil || src.Selectors.Link.IsZero() {
			return fmt.Errorf("source %s: link selector is required", src.ID)
		}
	case pipeline.SourceFeed:
		if src.Entry == "" {
			return fmt.Errorf("source %s: entry is required", src.ID)
		}
	case pipeline.SourceSocialSearch:
		if src.Search == nil || src.Search.Subreddit == "" {
			return fmt.Errorf("source %s: search.subreddit is required", src.ID)
		}
	default:
		return fmt.Errorf("source %s: unknown kind %q", src.ID, src.Kind)
	}
	return nil
}

func find(list []pipeline.SourceConfig, id string) (pipeline.SourceConfig, error) {
	for _, src := range list {
		if src.ID == id {
			return src, nil
		}
	}
	return pipeline.SourceConfig{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// keepValid drops invalid sources with a warning.
func keepValid(list []pipeline.SourceConfig, logger *zap.Logger) []pipeline.SourceConfig {
	out := make([]pipeline.SourceConfig, 0, len(list))
	for _, src := range list {
		if err := Validate(src); err != nil {
			logger.Warn("skipping invalid source", zap.Error(err))
			continue
		}
		out = append(out, src)
	}
	return out
}

// HTTPProvider reads {"items": [...]} from the config service. Responses are
// cached in the store under cache:<url>.
type HTTPProvider struct {
	url    string
	client *http.Client
	store  cache.Store
	ttl    time.Duration
	logger *zap.Logger
}

// NewHTTPProvider creates a provider for url.
func NewHTTPProvider(url string, store cache.Store, ttl time.Duration, client *http.Client, logger *zap.Logger) (*HTTPProvider, error) {
	if url == "" {
		return nil, errors.New("config url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if ttl <= 0 {
		ttl = 20 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPProvider{url: url, client: client, store: store, ttl: ttl, logger: logger}, nil
}

type itemsEnvelope struct {
	Items []pipeline.SourceConfig `json:"items"`
}

// List returns every valid source.
func (p *HTTPProvider) List(ctx context.Context) ([]pipeline.SourceConfig, error) {
	body, err := FetchAndCache(ctx, p.client, p.store, p.url, p.ttl)
	if err != nil {
		return nil, err
	}
	var env itemsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode sources from %s: %w", p.url, err)
	}
	return keepValid(env.Items, p.logger), nil
}

// Get returns the source with id.
func (p *HTTPProvider) Get(ctx context.Context, id string) (pipeline.SourceConfig, error) {
	list, err := p.List(ctx)
	if err != nil {
		return pipeline.SourceConfig{}, err
	}
	return find(list, id)
}

// FetchAndCache GETs url, serving from the store when a cached copy exists.
// Store failures degrade to an uncached fetch.
func FetchAndCache(ctx context.Context, client *http.Client, store cache.Store, url string, ttl time.Duration) ([]byte, error) {
	key := cache.ResponseKey(url)
	if store != nil {
		if body, err := store.GetCached(ctx, key); err == nil {
			return body, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if store != nil {
		_ = store.SetCached(ctx, key, body, ttl)
	}
	return body, nil
}

// FileProvider reads sources from a YAML file with a top-level "items" list.
type FileProvider struct {
	path   string
	logger *zap.Logger
}

// NewFileProvider creates a provider for path.
func NewFileProvider(path string, logger *zap.Logger) *FileProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileProvider{path: path, logger: logger}
}

// List reads the file on every call so edits apply without a restart.
func (p *FileProvider) List(_ context.Context) ([]pipeline.SourceConfig, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	var doc struct {
		Items []pipeline.SourceConfig `yaml:"items"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}
	return keepValid(doc.Items, p.logger), nil
}

// Get returns the source with id.
func (p *FileProvider) Get(ctx context.Context, id string) (pipeline.SourceConfig, error) {
	list, err := p.List(ctx)
	if err != nil {
		return pipeline.SourceConfig{}, err
	}
	return find(list, id)
}

// Static serves a fixed list, mostly for tests and one-shot runs.
type Static []pipeline.SourceConfig

// List returns the list.
func (s Static) List(_ context.Context) ([]pipeline.SourceConfig, error) {
	return []pipeline.SourceConfig(s), nil
}

// Get returns the source with id.
func (s Static) Get(_ context.Context, id string) (pipeline.SourceConfig, error) {
	return find(s, id)
}
