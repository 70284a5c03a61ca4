// Package proxy maintains the shared pool of forwarding proxies used by the
// race fetcher.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/story-pipeline/internal/cache"
	"github.com/JakeFAU/story-pipeline/internal/fetcher/race"
	"github.com/JakeFAU/story-pipeline/internal/pipeline"
	"github.com/JakeFAU/story-pipeline/internal/telemetry"
)

const (
	// ListKey holds the cached address list.
	ListKey = "proxies"
	// RecordsKey holds the cached records with latencies.
	RecordsKey = "proxy_records"
	lockKey    = "proxies:refresh"
)

// ErrNoProxies is returned when a refresh yields nothing usable.
var ErrNoProxies = errors.New("no proxies available")

// Directory is a public proxy list and the extractor that reads it.
type Directory struct {
	URL       string `mapstructure:"url" json:"url" yaml:"url"`
	Extractor string `mapstructure:"extractor" json:"extractor" yaml:"extractor"`
}

// Config controls refreshes.
type Config struct {
	Directories      []Directory
	TTL              time.Duration
	CheckURL         string
	CheckTimeout     time.Duration
	CheckConcurrency int
	LockTTL          time.Duration
	LockWait         time.Duration
	MaxProxies       int
}

// CheckFunc measures one proxy.
type CheckFunc func(ctx context.Context, proxy string) (time.Duration, error)

// Pool reads and refreshes the cached proxy list.
type Pool struct {
	cfg    Config
	store  cache.Store
	client *http.Client
	check  CheckFunc
	logger *zap.Logger
	group  singleflight.Group
}

// Option customizes a Pool.
type Option func(*Pool)

// WithHTTPClient sets the client used to download directories.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Pool) {
		p.client = c
	}
}

// WithCheck replaces the latency check.
func WithCheck(f CheckFunc) Option {
	return func(p *Pool) {
		p.check = f
	}
}

// New creates a Pool backed by store.
func New(cfg Config, store cache.Store, logger *zap.Logger, opts ...Option) (*Pool, error) {
	if store == nil {
		return nil, errors.New("proxy pool requires a store")
	}
	for _, dir := range cfg.Directories {
		if _, err := LookupExtractor(dir.Extractor); err != nil {
			return nil, err
		}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 5 * time.Second
	}
	if cfg.CheckConcurrency <= 0 {
		cfg.CheckConcurrency = 100
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:    cfg,
		store:  store,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
	p.check = p.httpCheck
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Get returns the cached list, refreshing it when absent.
func (p *Pool) Get(ctx context.Context) ([]string, error) {
	var cached []string
	ok, err := cache.GetJSON(ctx, p.store, ListKey, &cached)
	if err != nil {
		p.logger.Warn("read cached proxies", zap.Error(err))
	}
	if ok && len(cached) > 0 {
		return cached, nil
	}
	return p.Refresh(ctx)
}

// Groups returns the pool split into n groups for a race.
func (p *Pool) Groups(ctx context.Context, n int) ([][]string, error) {
	proxies, err := p.Get(ctx)
	if err != nil {
		return nil, err
	}
	return race.SplitGroups(proxies, n), nil
}

// Records returns the cached records with their last measured latency.
func (p *Pool) Records(ctx context.Context) ([]pipeline.ProxyRecord, error) {
	var records []pipeline.ProxyRecord
	if _, err := cache.GetJSON(ctx, p.store, RecordsKey, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Refresh rebuilds the list from the directories. Concurrent callers in this
// process share one refresh; other processes wait for the holder of the
// refresh claim and read its result.
func (p *Pool) Refresh(ctx context.Context) ([]string, error) {
	v, err, _ := p.group.Do("refresh", func() (any, error) {
		return p.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	proxies, _ := v.([]string)
	return proxies, nil
}

func (p *Pool) refresh(ctx context.Context) ([]string, error) {
	claimed, err := p.store.Claim(ctx, lockKey, p.cfg.LockTTL)
	if err != nil {
		p.logger.Warn("proxy refresh claim failed; refreshing anyway", zap.Error(err))
		claimed = true
	}
	if !claimed {
		if err := pipeline.Sleep(ctx, p.cfg.LockWait); err != nil {
			return nil, err
		}
		var cached []string
		if ok, err := cache.GetJSON(ctx, p.store, ListKey, &cached); err == nil && ok && len(cached) > 0 {
			return cached, nil
		}
		p.logger.Info("proxy refresh held elsewhere produced nothing yet; refreshing locally")
	}

	candidates := p.collect(ctx)
	if len(candidates) == 0 {
		return nil, ErrNoProxies
	}
	records := p.rank(ctx, candidates)
	proxies := make([]string, 0, len(records))
	for _, r := range records {
		if r.Healthy {
			proxies = append(proxies, r.Address)
		}
	}
	if len(proxies) == 0 {
		p.logger.Warn("no proxy passed the latency check; keeping unranked list",
			zap.Int("candidates", len(candidates)))
		proxies = candidates
	}
	if p.cfg.MaxProxies > 0 && len(proxies) > p.cfg.MaxProxies {
		proxies = proxies[:p.cfg.MaxProxies]
	}

	if err := cache.SetJSON(ctx, p.store, ListKey, proxies, p.cfg.TTL); err != nil {
		return nil, fmt.Errorf("cache proxies: %w", err)
	}
	if err := cache.SetJSON(ctx, p.store, RecordsKey, records, p.cfg.TTL); err != nil {
		p.logger.Warn("cache proxy records", zap.Error(err))
	}
	telemetry.SetProxyPoolSize(len(proxies))
	p.logger.Info("proxy pool refreshed",
		zap.Int("candidates", len(candidates)),
		zap.Int("usable", len(proxies)),
	)
	return proxies, nil
}

// collect downloads every directory and deduplicates the union in order.
func (p *Pool) collect(ctx context.Context) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, dir := range p.cfg.Directories {
		addrs, err := p.download(ctx, dir)
		if err != nil {
			p.logger.Warn("proxy directory failed", zap.String("url", dir.URL), zap.Error(err))
			continue
		}
		for _, addr := range addrs {
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

func (p *Pool) download(ctx context.Context, dir Directory) ([]string, error) {
	extract, err := LookupExtractor(dir.Extractor)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dir.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch directory: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch directory: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	return extract(body)
}

// rank checks every candidate in parallel and orders healthy ones by latency.
// Without a check URL every candidate is kept in directory order.
func (p *Pool) rank(ctx context.Context, candidates []string) []pipeline.ProxyRecord {
	records := make([]pipeline.ProxyRecord, len(candidates))
	for i, addr := range candidates {
		records[i] = pipeline.ProxyRecord{Address: addr, Healthy: true}
	}
	if p.cfg.CheckURL == "" {
		return records
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.CheckConcurrency)
	for i := range records {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(gctx, p.cfg.CheckTimeout)
			defer cancel()
			latency, err := p.check(checkCtx, records[i].Address)
			mu.Lock()
			defer mu.Unlock()
			records[i].LastLatency = latency
			records[i].Healthy = err == nil
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Healthy != records[j].Healthy {
			return records[i].Healthy
		}
		return records[i].LastLatency < records[j].LastLatency
	})
	return records
}

func (p *Pool) httpCheck(ctx context.Context, proxy string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.CheckURL, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := race.NewProxyClient(proxy, p.cfg.CheckTimeout).Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("check status %d", resp.StatusCode)
	}
	return time.Since(start), nil
}
