// Package collyfetcher fetches source pages with a Colly collector.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/story-pipeline/internal/pipeline"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxBodyBytes = 10 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodyBytes truncates larger pages. Zero means 10 MiB.
	MaxBodyBytes int
}

// Fetcher implements pipeline.Fetcher. Non-2xx responses are returned with
// their status code rather than as errors so callers can decide what a 404
// means for a source.
type Fetcher struct {
	cfg    Config
	direct *http.Transport

	mu      sync.Mutex
	proxied map[string]*http.Transport
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Fetcher{
		cfg:     cfg,
		direct:  newTransport(),
		proxied: make(map[string]*http.Transport),
	}
}

// Fetch GETs request.URL, through request.Proxy when one is set.
func (f *Fetcher) Fetch(ctx context.Context, request pipeline.FetchRequest) (pipeline.FetchResponse, error) {
	transport, err := f.transportFor(request.Proxy)
	if err != nil {
		return pipeline.FetchResponse{}, err
	}
	collector := f.collector(ctx, transport)

	var (
		resp     pipeline.FetchResponse
		received bool
	)
	start := time.Now()
	collector.OnRequest(func(r *colly.Request) {
		applyHeaders(r.Headers, request.Headers)
	})
	collector.OnResponse(func(r *colly.Response) {
		resp = toFetchResponse(r, time.Since(start))
		received = true
	})

	if err := collector.Visit(request.URL); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return pipeline.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, ctxErr)
		}
		return pipeline.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, err)
	}
	if !received {
		return pipeline.FetchResponse{}, fmt.Errorf("fetch %s: no response", request.URL)
	}
	return resp, nil
}

// collector builds a fresh collector per fetch. Clones share one HTTP backend,
// so a per-proxy transport on a clone would leak into concurrent fetches.
func (f *Fetcher) collector(ctx context.Context, transport http.RoundTripper) *colly.Collector {
	opts := []colly.CollectorOption{
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(f.cfg.MaxBodyBytes),
		colly.StdlibContext(ctx),
	}
	if f.cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(f.cfg.UserAgent))
	}
	if !f.cfg.RespectRobots {
		opts = append(opts, colly.IgnoreRobotsTxt())
	}
	c := colly.NewCollector(opts...)
	c.WithTransport(transport)
	c.SetRequestTimeout(f.cfg.Timeout)
	return c
}

// transportFor returns the shared direct transport, or one cached transport
// per proxy so repeated fetches through a proxy reuse its connections.
func (f *Fetcher) transportFor(proxy string) (*http.Transport, error) {
	if proxy == "" {
		return f.direct, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.proxied[proxy]; ok {
		return t, nil
	}
	u, err := parseProxy(proxy)
	if err != nil {
		return nil, err
	}
	t := f.direct.Clone()
	t.Proxy = http.ProxyURL(u)
	f.proxied[proxy] = t
	return t, nil
}

func parseProxy(proxy string) (*url.URL, error) {
	raw := proxy
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy %q: %w", proxy, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("parse proxy %q: %w", proxy, errors.New("missing host"))
	}
	return u, nil
}

func applyHeaders(dst *http.Header, src http.Header) {
	if dst == nil {
		return
	}
	for key, values := range src {
		for i, v := range values {
			if i == 0 {
				dst.Set(key, v)
				continue
			}
			dst.Add(key, v)
		}
	}
}

func toFetchResponse(r *colly.Response, took time.Duration) pipeline.FetchResponse {
	resp := pipeline.FetchResponse{
		StatusCode: r.StatusCode,
		Body:       append([]byte(nil), r.Body...),
		Duration:   took,
		Headers:    http.Header{},
	}
	if r.Headers != nil {
		resp.Headers = r.Headers.Clone()
	}
	if r.Request != nil && r.Request.URL != nil {
		resp.URL = r.Request.URL.String()
	}
	return resp
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
