// Package scraper turns a source configuration into candidate items and hands
// each one to the raw publisher.
//
// Website sources follow link selectors from an entry page, feed sources read
// RSS or Atom, and social-search sources query a search API through the proxy
// race with timeframe escalation.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/story-pipeline/internal/cache"
	"github.com/JakeFAU/story-pipeline/internal/fetcher/race"
	"github.com/JakeFAU/story-pipeline/internal/pipeline"
	"github.com/JakeFAU/story-pipeline/internal/publisher"
	"github.com/JakeFAU/story-pipeline/internal/telemetry"
)

// RawPublisher publishes one candidate item.
type RawPublisher interface {
	PublishRaw(ctx context.Context, item pipeline.CandidateItem) (publisher.Outcome, error)
}

// Racer fetches a URL through racing proxy groups.
type Racer interface {
	Fetch(ctx context.Context, target string, header http.Header, groups [][]string) (race.Response, error)
}

// ProxySource supplies proxy groups and refreshes them after a failed race.
type ProxySource interface {
	Groups(ctx context.Context, n int) ([][]string, error)
	Refresh(ctx context.Context) ([]string, error)
}

// HostWaiter paces fetches per host.
type HostWaiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config holds scraper tunables.
type Config struct {
	MinContentLength int
	BanTTL           time.Duration
	MaxLinks         int
	// SocialBaseURL is the search API root, e.g. https://oauth.reddit.com.
	SocialBaseURL string
	SocialHeaders http.Header
	// PostLinkBase prefixes social permalinks to form item links.
	PostLinkBase string
}

// Deps are the collaborators a Scraper needs. Static and Publisher are required.
type Deps struct {
	Store     cache.Store
	Publisher RawPublisher
	Static    pipeline.Fetcher
	Headless  pipeline.Fetcher
	Racer     Racer
	Proxies   ProxySource
	Hosts     HostWaiter
	Logger    *zap.Logger
}

// Report summarizes one scrape.
type Report struct {
	SourceID  string `json:"source_id"`
	Found     int    `json:"found"`
	Published int    `json:"published"`
	Skipped   int    `json:"skipped"`
	Banned    int    `json:"banned"`
	Failed    int    `json:"failed"`
}

// Scraper runs scrapes.
type Scraper struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
}

// New creates a Scraper.
func New(cfg Config, deps Deps) (*Scraper, error) {
	if deps.Store == nil {
		return nil, errors.New("scraper requires a store")
	}
	if deps.Publisher == nil {
		return nil, errors.New("scraper requires a publisher")
	}
	if deps.Static == nil {
		return nil, errors.New("scraper requires a static fetcher")
	}
	if cfg.MinContentLength <= 0 {
		cfg.MinContentLength = 200
	}
	if cfg.BanTTL <= 0 {
		cfg.BanTTL = 2 * time.Hour
	}
	if cfg.SocialBaseURL == "" {
		cfg.SocialBaseURL = "https://oauth.reddit.com"
	}
	if cfg.PostLinkBase == "" {
		cfg.PostLinkBase = "https://www.reddit.com"
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Scraper{cfg: cfg, deps: deps, log: log.Named("scraper")}, nil
}

// Scrape runs the strategy for src.Kind.
func (s *Scraper) Scrape(ctx context.Context, src pipeline.SourceConfig) (Report, error) {
	report := Report{SourceID: src.ID}
	var err error
	switch src.Kind {
	case pipeline.SourceWebsite:
		err = s.scrapeWebsite(ctx, src, &report)
	case pipeline.SourceFeed:
		err = s.scrapeFeed(ctx, src, &report)
	case pipeline.SourceSocialSearch:
		err = s.scrapeSocial(ctx, src, &report)
	default:
		err = fmt.Errorf("unknown source kind %q", src.Kind)
	}
	s.log.Info("scrape finished",
		zap.String("source", src.ID),
		zap.String("kind", string(src.Kind)),
		zap.Int("found", report.Found),
		zap.Int("published", report.Published),
		zap.Int("skipped", report.Skipped),
		zap.Int("banned", report.Banned),
		zap.Int("failed", report.Failed),
	)
	return report, err
}

// publish hands item to the raw publisher and records the outcome.
func (s *Scraper) publish(ctx context.Context, src pipeline.SourceConfig, item pipeline.CandidateItem, report *Report) {
	outcome, err := s.deps.Publisher.PublishRaw(ctx, item)
	switch outcome {
	case publisher.OutcomePublished:
		report.Published++
		telemetry.ObserveScraped(string(src.Kind), "published")
	case publisher.OutcomeSkipped:
		report.Skipped++
		telemetry.ObserveScraped(string(src.Kind), "duplicate")
	default:
		report.Failed++
		telemetry.ObserveScraped(string(src.Kind), "failed")
		s.log.Warn("raw publish failed", zap.String("link", item.Link), zap.Error(err))
	}
}

// fetchPage reads a page with the fetcher the source asks for: the proxy race
// when UseProxies is set, headless Chrome for headless sources, and the static
// collector otherwise.
func (s *Scraper) fetchPage(ctx context.Context, src pipeline.SourceConfig, target string) (pipeline.FetchResponse, error) {
	if s.deps.Hosts != nil {
		if err := s.deps.Hosts.Wait(ctx, target); err != nil {
			return pipeline.FetchResponse{}, err
		}
	}
	if src.UseProxies && s.deps.Racer != nil && s.deps.Proxies != nil {
		groups := 100
		if src.Search != nil && src.Search.ProxyGroups > 0 {
			groups = src.Search.ProxyGroups
		}
		resp, err := s.race(ctx, target, nil, groups)
		if err != nil {
			return pipeline.FetchResponse{}, err
		}
		return pipeline.FetchResponse{
			URL:        resp.URL,
			StatusCode: resp.StatusCode,
			Headers:    resp.Header,
			Body:       resp.Body,
		}, nil
	}

	fetcher := s.deps.Static
	if src.Render == pipeline.RenderHeadless && s.deps.Headless != nil {
		fetcher = s.deps.Headless
	}
	resp, err := fetcher.Fetch(ctx, pipeline.FetchRequest{URL: target})
	if err != nil {
		return pipeline.FetchResponse{}, fmt.Errorf("fetch %s: %w", target, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return pipeline.FetchResponse{}, fmt.Errorf("fetch %s: status %d", target, resp.StatusCode)
	}
	return resp, nil
}

// race runs one proxy race. When nothing wins, the pool is refreshed so the
// next race sees fresh proxies.
func (s *Scraper) race(ctx context.Context, target string, header http.Header, groups int) (race.Response, error) {
	if s.deps.Racer == nil || s.deps.Proxies == nil {
		return race.Response{}, errors.New("proxy race is not configured")
	}
	proxyGroups, err := s.deps.Proxies.Groups(ctx, groups)
	if err != nil {
		return race.Response{}, fmt.Errorf("load proxies: %w", err)
	}
	resp, err := s.deps.Racer.Fetch(ctx, target, header, proxyGroups)
	if errors.Is(err, race.ErrNotFound) {
		if _, rerr := s.deps.Proxies.Refresh(ctx); rerr != nil {
			s.log.Warn("proxy refresh after failed race", zap.Error(rerr))
		}
	}
	return resp, err
}

func (s *Scraper) minContentLength(src pipeline.SourceConfig) int {
	if src.MinContentLength > 0 {
		return src.MinContentLength
	}
	return s.cfg.MinContentLength
}

// tooShort reports whether content is at or under the source's minimum,
// counted in characters rather than bytes.
func (s *Scraper) tooShort(src pipeline.SourceConfig, content string) bool {
	return utf8.RuneCountInString(content) <= s.minContentLength(src)
}
