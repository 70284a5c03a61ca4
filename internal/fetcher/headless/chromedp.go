// Package headless renders JavaScript-heavy source pages with headless Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/story-pipeline/internal/pipeline"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultSettleDelay       = 500 * time.Millisecond
)

// Config controls the headless fetcher.
type Config struct {
	// MaxParallel bounds open tabs. Zero leaves tabs unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// ProxyServer routes the whole browser through one proxy.
	ProxyServer string
	// WaitSelector must be ready before the DOM is captured. Defaults to body.
	WaitSelector string
	SettleDelay  time.Duration
}

// Fetcher renders source pages in tabs of one shared browser.
type Fetcher struct {
	cfg       Config
	tabs      *semaphore.Weighted
	browser   context.Context
	closeOnce sync.Once
	shutdown  context.CancelFunc
}

// NewChromedp prepares a browser allocator. Chrome itself starts on the first
// Fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("headless max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "body"
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	if cfg.ProxyServer != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.ProxyServer))
	}
	browser, shutdown := chromedp.NewExecAllocator(context.Background(), opts...)

	f := &Fetcher{cfg: cfg, browser: browser, shutdown: shutdown}
	if cfg.MaxParallel > 0 {
		f.tabs = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}
	return f, nil
}

// Close stops the browser.
func (f *Fetcher) Close() {
	f.closeOnce.Do(f.shutdown)
}

// Fetch loads request.URL in a fresh tab and returns the rendered DOM. The
// per-request proxy is ignored; the browser proxy comes from Config.
func (f *Fetcher) Fetch(ctx context.Context, request pipeline.FetchRequest) (pipeline.FetchResponse, error) {
	if f.tabs != nil {
		if err := f.tabs.Acquire(ctx, 1); err != nil {
			return pipeline.FetchResponse{}, fmt.Errorf("wait for headless tab: %w", err)
		}
		defer f.tabs.Release(1)
	}

	tab, closeTab := chromedp.NewContext(f.browser)
	defer closeTab()
	tab, cancel := context.WithTimeout(tab, f.cfg.NavigationTimeout)
	defer cancel()
	// Chrome tabs do not follow the caller's context; tie them together.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	doc := &document{}
	chromedp.ListenTarget(tab, doc.observe)

	start := time.Now()
	page, err := f.render(tab, request)
	if err != nil {
		return pipeline.FetchResponse{}, err
	}

	status, header, location := doc.result()
	if location == "" {
		location = page.location
	}
	if location == "" {
		location = request.URL
	}
	return pipeline.FetchResponse{
		URL:          location,
		StatusCode:   status,
		Headers:      header,
		Body:         []byte(page.html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

type renderedPage struct {
	html     string
	location string
}

func (f *Fetcher) render(ctx context.Context, request pipeline.FetchRequest) (renderedPage, error) {
	var page renderedPage
	err := chromedp.Run(ctx,
		f.prepareTab(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady(f.cfg.WaitSelector, chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&page.location),
		chromedp.OuterHTML("html", &page.html, chromedp.ByQuery),
	)
	if err != nil {
		return renderedPage{}, fmt.Errorf("render %s: %w", request.URL, err)
	}
	return page, nil
}

// prepareTab applies the request's user agent and remaining headers.
func (f *Fetcher) prepareTab(header http.Header) chromedp.Action {
	agent, extra := splitUserAgent(header, f.cfg.UserAgent)
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network: %w", err)
		}
		if agent != "" {
			if err := emulation.SetUserAgentOverride(agent).Do(ctx); err != nil {
				return fmt.Errorf("override user agent: %w", err)
			}
		}
		if len(extra) > 0 {
			if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
				return fmt.Errorf("set headers: %w", err)
			}
		}
		return nil
	})
}

// splitUserAgent separates the user agent, which Chrome sets through
// emulation, from headers sent as extra HTTP headers.
func splitUserAgent(header http.Header, fallback string) (string, network.Headers) {
	agent := header.Get("User-Agent")
	if agent == "" {
		agent = fallback
	}
	extra := network.Headers{}
	for key, values := range header {
		if http.CanonicalHeaderKey(key) == "User-Agent" || len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			extra[key] = values[0]
			continue
		}
		extra[key] = append([]string(nil), values...)
	}
	return agent, extra
}

// document records the last top-level document response seen by a tab, so
// redirects report the page that was finally rendered.
type document struct {
	mu       sync.Mutex
	status   int
	header   http.Header
	location string
}

func (d *document) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	header := headerFromNetwork(resp.Response.Headers)
	d.mu.Lock()
	d.status = int(resp.Response.Status)
	d.header = header
	d.location = resp.Response.URL
	d.mu.Unlock()
}

// result reports 200 with an empty header when no document response was seen,
// which happens for pages served from Chrome's cache.
func (d *document) result() (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status := d.status
	if status == 0 {
		status = http.StatusOK
	}
	header := d.header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return status, header, d.location
}

func headerFromNetwork(h network.Headers) http.Header {
	out := make(http.Header, len(h))
	for key, value := range h {
		switch v := value.(type) {
		case string:
			out.Add(key, v)
		case []string:
			for _, entry := range v {
				out.Add(key, entry)
			}
		case []any:
			for _, entry := range v {
				out.Add(key, fmt.Sprint(entry))
			}
		default:
			out.Add(key, fmt.Sprint(v))
		}
	}
	return out
}
