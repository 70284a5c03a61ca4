// Package race fetches a URL through many proxies at once and keeps the
// first usable response.
//
// Proxies are split into groups; one worker per group walks its proxies in
// order, trying a few user agents per proxy. The first worker to succeed wins
// a shared flag and cancels the rest. Fetch returns only after every worker
// has stopped.
package race

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/story-pipeline/internal/telemetry"
)

// ErrNotFound is returned when no proxy group produced a usable response.
var ErrNotFound = errors.New("no proxy produced a usable response")

const maxBodyBytes = 8 << 20

// DefaultUserAgents is used when no user agent list is configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Mobile/15E148",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
}

// Config controls a race.
type Config struct {
	AttemptTimeout time.Duration
	AgentsPerProxy int
	UserAgents     []string
	// MaxParallel bounds how many groups run at once. Zero runs every group.
	MaxParallel int
}

// Response is the winning response.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Proxy      string
}

// JSON decodes the body into v.
func (r Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response from %s: %w", r.URL, err)
	}
	return nil
}

// ClientFactory builds an HTTP client that routes through proxy.
type ClientFactory func(proxy string, timeout time.Duration) *http.Client

// Fetcher runs proxy races.
type Fetcher struct {
	cfg       Config
	newClient ClientFactory
	logger    *zap.Logger
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithClientFactory overrides how per-proxy clients are built.
func WithClientFactory(f ClientFactory) Option {
	return func(fetcher *Fetcher) {
		fetcher.newClient = f
	}
}

// New creates a Fetcher.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Fetcher {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 5 * time.Second
	}
	if cfg.AgentsPerProxy <= 0 {
		cfg.AgentsPerProxy = 5
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = DefaultUserAgents
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		cfg:       cfg,
		newClient: NewProxyClient,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch races the groups and returns the first usable response.
func (f *Fetcher) Fetch(ctx context.Context, target string, header http.Header, groups [][]string) (Response, error) {
	if len(groups) == 0 {
		telemetry.ObserveProxyRace("no_proxies")
		return Response{}, ErrNotFound
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		won    atomic.Bool
		winner Response
		wg     sync.WaitGroup
		sem    *semaphore.Weighted
	)
	if f.cfg.MaxParallel > 0 {
		sem = semaphore.NewWeighted(int64(f.cfg.MaxParallel))
	}

	for i, group := range groups {
		if len(group) == 0 {
			continue
		}
		if sem != nil {
			if err := sem.Acquire(raceCtx, 1); err != nil {
				break
			}
		}
		if won.Load() || raceCtx.Err() != nil {
			if sem != nil {
				sem.Release(1)
			}
			break
		}
		wg.Add(1)
		go func(idx int, proxies []string) {
			defer wg.Done()
			if sem != nil {
				defer sem.Release(1)
			}
			resp, ok := f.runGroup(raceCtx, target, header, proxies, &won)
			if !ok {
				return
			}
			if won.CompareAndSwap(false, true) {
				winner = resp
				cancel()
				f.logger.Debug("proxy race won",
					zap.String("url", target),
					zap.Int("group", idx),
					zap.String("proxy", resp.Proxy),
				)
			}
		}(i, group)
	}
	wg.Wait()

	if won.Load() {
		telemetry.ObserveProxyRace("won")
		return winner, nil
	}
	if err := ctx.Err(); err != nil {
		telemetry.ObserveProxyRace("canceled")
		return Response{}, fmt.Errorf("proxy race canceled: %w", err)
	}
	telemetry.ObserveProxyRace("not_found")
	return Response{}, ErrNotFound
}

func (f *Fetcher) runGroup(
	ctx context.Context,
	target string,
	header http.Header,
	proxies []string,
	won *atomic.Bool,
) (Response, bool) {
	for _, proxy := range proxies {
		for _, agent := range f.pickAgents() {
			if won.Load() || ctx.Err() != nil {
				return Response{}, false
			}
			resp, err := f.attempt(ctx, target, header, proxy, agent)
			if err == nil {
				return resp, true
			}
			f.logger.Debug("proxy attempt failed",
				zap.String("proxy", proxy),
				zap.Error(err),
			)
		}
	}
	return Response{}, false
}

func (f *Fetcher) attempt(ctx context.Context, target string, header http.Header, proxy, agent string) (Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target, nil)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("User-Agent", agent)

	resp, err := f.newClient(proxy, f.cfg.AttemptTimeout).Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("request via %s: %w", proxy, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, fmt.Errorf("status %d via %s", resp.StatusCode, proxy)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Response{}, fmt.Errorf("read body via %s: %w", proxy, err)
	}
	if err := usable(resp.Header.Get("Content-Type"), body); err != nil {
		return Response{}, fmt.Errorf("via %s: %w", proxy, err)
	}
	return Response{
		URL:        target,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		Proxy:      proxy,
	}, nil
}

// usable accepts HTML bodies and JSON bodies that parse.
func usable(contentType string, body []byte) error {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		if !json.Valid(bytes.TrimSpace(body)) {
			return errors.New("malformed json body")
		}
		return nil
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		return nil
	default:
		return fmt.Errorf("unexpected content type %q", contentType)
	}
}

func (f *Fetcher) pickAgents() []string {
	agents := f.cfg.UserAgents
	n := f.cfg.AgentsPerProxy
	if n >= len(agents) {
		out := append([]string(nil), agents...)
		rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out
	}
	idx := rand.Perm(len(agents))[:n]
	out := make([]string, 0, n)
	for _, i := range idx {
		out = append(out, agents[i])
	}
	return out
}

// NewProxyClient builds a client that routes every request through proxy.
func NewProxyClient(proxy string, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: timeout,
		DisableKeepAlives:   true,
	}
	if proxy != "" {
		raw := proxy
		if !strings.Contains(raw, "://") {
			raw = "http://" + raw
		}
		if u, err := url.Parse(raw); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// SplitGroups divides proxies into n groups of near-equal size, preserving order.
func SplitGroups(proxies []string, n int) [][]string {
	if len(proxies) == 0 {
		return nil
	}
	if n <= 0 {
		n = 1
	}
	if n > len(proxies) {
		n = len(proxies)
	}
	size, rem := len(proxies)/n, len(proxies)%n
	groups := make([][]string, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		end := start + size
		if i < rem {
			end++
		}
		groups = append(groups, proxies[start:end])
		start = end
	}
	return groups
}

// LoadUserAgents reads one user agent per line from path, skipping blanks and
// # comments. An empty path returns DefaultUserAgents.
func LoadUserAgents(path string) ([]string, error) {
	if path == "" {
		return DefaultUserAgents, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read user agents: %w", err)
	}
	var agents []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		agents = append(agents, line)
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("no user agents in %s", path)
	}
	return agents, nil
}
