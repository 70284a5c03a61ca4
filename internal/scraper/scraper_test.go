package scraper

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/story-pipeline/internal/cache/memory"
	"github.com/JakeFAU/story-pipeline/internal/fetcher/race"
	"github.com/JakeFAU/story-pipeline/internal/pipeline"
	"github.com/JakeFAU/story-pipeline/internal/publisher"
)

type pageFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	calls []string
}

func newPageFetcher(pages map[string]string) *pageFetcher {
	return &pageFetcher{pages: pages}
}

func (f *pageFetcher) Fetch(_ context.Context, req pipeline.FetchRequest) (pipeline.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.URL)
	body, ok := f.pages[req.URL]
	if !ok {
		return pipeline.FetchResponse{URL: req.URL, StatusCode: http.StatusNotFound}, nil
	}
	return pipeline.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

type recordingPublisher struct {
	mu    sync.Mutex
	items []pipeline.CandidateItem
}

func (p *recordingPublisher) PublishRaw(_ context.Context, item pipeline.CandidateItem) (publisher.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = append(p.items, item)
	return publisher.OutcomePublished, nil
}

func (p *recordingPublisher) byLink(link string) (pipeline.CandidateItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, item := range p.items {
		if item.Link == link {
			return item, true
		}
	}
	return pipeline.CandidateItem{}, false
}

type stubRacer struct {
	mu      sync.Mutex
	handle  func(target string) (race.Response, error)
	targets []string
}

func (r *stubRacer) Fetch(_ context.Context, target string, _ http.Header, groups [][]string) (race.Response, error) {
	r.mu.Lock()
	r.targets = append(r.targets, target)
	r.mu.Unlock()
	if len(groups) == 0 {
		return race.Response{}, fmt.Errorf("no proxy groups for %s", target)
	}
	return r.handle(target)
}

type stubProxies struct {
	mu        sync.Mutex
	refreshes int
}

func (p *stubProxies) Groups(_ context.Context, n int) ([][]string, error) {
	if n <= 0 {
		return nil, fmt.Errorf("bad group count %d", n)
	}
	return [][]string{{"10.0.0.1:8080", "10.0.0.2:8080"}}, nil
}

func (p *stubProxies) Refresh(context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes++
	return []string{"10.0.0.3:8080"}, nil
}

var longParagraph = strings.TrimSpace(strings.Repeat("The river rose overnight and crews worked until dawn. ", 6))

func articleHTML(title, body string) string {
	return `<html><head><title>Daily News</title></head><body><h1>` + title +
		`</h1><div class="body"><p>` + body + ` <img src="/img/a.jpg"></p></div></body></html>`
}

func websiteSource() pipeline.SourceConfig {
	return pipeline.SourceConfig{
		ID:            "daily",
		Kind:          pipeline.SourceWebsite,
		Entry:         "https://news.example.com/",
		AuthorID:      "author-7",
		SubMenuListID: "menu-1",
		Selectors: &pipeline.SelectorSet{
			Version: 2,
			Link:    pipeline.Selector{CSS: "div.story a"},
			Title:   pipeline.Selector{CSS: "h1"},
			Content: pipeline.Selector{CSS: "div.body p"},
		},
	}
}

const entryHTML = `<html><body>
<div class="story"><a href="/a">A</a></div>
<div class="story"><a href="/b">B</a></div>
<div class="story"><a href="/short#comments">Short</a></div>
<div class="story"><a href="/a">A again</a></div>
<div class="story"><a href="#top">Top</a></div>
</body></html>`

func TestScrapeWebsite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New(nil)
	require.NoError(t, store.MarkProcessed(ctx, "https://news.example.com/b", time.Hour))

	fetcher := newPageFetcher(map[string]string{
		"https://news.example.com/":      entryHTML,
		"https://news.example.com/a":     articleHTML("Story A", longParagraph),
		"https://news.example.com/short": articleHTML("Short", "Too short."),
	})
	pub := &recordingPublisher{}
	s, err := New(Config{}, Deps{Store: store, Publisher: pub, Static: fetcher})
	require.NoError(t, err)

	report, err := s.Scrape(ctx, websiteSource())
	require.NoError(t, err)
	require.Equal(t, Report{SourceID: "daily", Found: 3, Published: 1, Skipped: 1, Banned: 1}, report)

	item, ok := pub.byLink("https://news.example.com/a")
	require.True(t, ok)
	require.Equal(t, "Story A", item.Title)
	require.Equal(t, longParagraph, item.RawContent)
	require.Equal(t, []string{"https://news.example.com/img/a.jpg"}, item.ImageLinks)
	require.Equal(t, "daily", item.SourceConfigID)
	require.Equal(t, "author-7", item.AuthorID)
	require.Equal(t, "menu-1", item.SubMenuListID)

	banned, err := store.Exists(ctx, "https://news.example.com/short")
	require.NoError(t, err)
	require.True(t, banned)
	require.NotContains(t, fetcher.calls, "https://news.example.com/b")
}

func TestScrapeWebsiteCountsCharactersNotBytes(t *testing.T) {
	t.Parallel()

	// 179 characters, over 300 bytes.
	accented := strings.TrimSpace(strings.Repeat("ééé ", 45))
	require.Greater(t, len(accented), 200)

	ctx := context.Background()
	store := memory.New(nil)
	fetcher := newPageFetcher(map[string]string{
		"https://news.example.com/":  `<div class="story"><a href="/a">A</a></div>`,
		"https://news.example.com/a": articleHTML("Story A", accented),
	})
	pub := &recordingPublisher{}
	s, err := New(Config{}, Deps{Store: store, Publisher: pub, Static: fetcher})
	require.NoError(t, err)

	report, err := s.Scrape(ctx, websiteSource())
	require.NoError(t, err)
	require.Equal(t, 1, report.Banned)
	require.Zero(t, report.Published)
	require.Empty(t, pub.items)

	banned, err := store.Exists(ctx, "https://news.example.com/a")
	require.NoError(t, err)
	require.True(t, banned)
}

func TestTooShortIncludesMinimum(t *testing.T) {
	t.Parallel()

	s, err := New(Config{MinContentLength: 3}, Deps{Store: memory.New(nil), Publisher: &recordingPublisher{}, Static: newPageFetcher(nil)})
	require.NoError(t, err)
	src := websiteSource()
	require.True(t, s.tooShort(src, "ééé"))
	require.False(t, s.tooShort(src, "éééé"))

	src.MinContentLength = 4
	require.True(t, s.tooShort(src, "éééé"))
}

func TestScrapeWebsiteUsesHeadlessFetcher(t *testing.T) {
	t.Parallel()

	static := newPageFetcher(nil)
	headless := newPageFetcher(map[string]string{
		"https://news.example.com/":  `<div class="story"><a href="/a">A</a></div>`,
		"https://news.example.com/a": articleHTML("Story A", longParagraph),
	})
	pub := &recordingPublisher{}
	s, err := New(Config{}, Deps{Store: memory.New(nil), Publisher: pub, Static: static, Headless: headless})
	require.NoError(t, err)

	src := websiteSource()
	src.Render = pipeline.RenderHeadless
	report, err := s.Scrape(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, 1, report.Published)
	require.Empty(t, static.calls)
	require.Len(t, headless.calls, 2)
}

func TestScrapeWebsiteEntryFailure(t *testing.T) {
	t.Parallel()

	s, err := New(Config{}, Deps{Store: memory.New(nil), Publisher: &recordingPublisher{}, Static: newPageFetcher(nil)})
	require.NoError(t, err)

	_, err = s.Scrape(context.Background(), websiteSource())
	require.ErrorContains(t, err, "status 404")

	src := websiteSource()
	src.Selectors = nil
	_, err = s.Scrape(context.Background(), src)
	require.ErrorContains(t, err, "no link selector")
}

func TestScrapeWebsiteThroughProxies(t *testing.T) {
	t.Parallel()

	pages := map[string]string{
		"https://news.example.com/":  `<div class="story"><a href="/a">A</a></div>`,
		"https://news.example.com/a": articleHTML("Story A", longParagraph),
	}
	racer := &stubRacer{handle: func(target string) (race.Response, error) {
		body, ok := pages[target]
		if !ok {
			return race.Response{}, race.ErrNotFound
		}
		return race.Response{URL: target, StatusCode: http.StatusOK, Body: []byte(body)}, nil
	}}
	static := newPageFetcher(nil)
	pub := &recordingPublisher{}
	s, err := New(Config{}, Deps{
		Store:     memory.New(nil),
		Publisher: pub,
		Static:    static,
		Racer:     racer,
		Proxies:   &stubProxies{},
	})
	require.NoError(t, err)

	src := websiteSource()
	src.UseProxies = true
	report, err := s.Scrape(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, 1, report.Published)
	require.Empty(t, static.calls)
	require.Equal(t, []string{"https://news.example.com/", "https://news.example.com/a"}, racer.targets)
}

const feedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Daily</title><link>https://news.example.com/</link>
<item><title>Long one</title><link>https://news.example.com/long</link>
<description><![CDATA[<p>%s</p><img src="https://cdn.example.com/l.jpg">]]></description></item>
<item><title>Summary</title><link>https://news.example.com/summary</link><description>Short summary.</description></item>
<item><title>Long again</title><link>https://news.example.com/long</link><description>Repeat.</description></item>
<item><title>Gone</title><link>https://news.example.com/gone</link><description>Tiny.</description></item>
</channel></rss>`

func TestScrapeFeed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New(nil)
	fetcher := newPageFetcher(map[string]string{
		"https://news.example.com/feed.xml": fmt.Sprintf(feedXML, longParagraph),
		"https://news.example.com/summary":  `<html><body><article><p>` + longParagraph + `</p></article></body></html>`,
	})
	pub := &recordingPublisher{}
	s, err := New(Config{}, Deps{Store: store, Publisher: pub, Static: fetcher})
	require.NoError(t, err)

	src := pipeline.SourceConfig{
		ID:    "daily-feed",
		Kind:  pipeline.SourceFeed,
		Entry: "https://news.example.com/feed.xml",
		Selectors: &pipeline.SelectorSet{
			Extractor: "text",
			Content:   pipeline.Selector{CSS: "article p"},
		},
	}
	report, err := s.Scrape(ctx, src)
	require.NoError(t, err)
	require.Equal(t, Report{SourceID: "daily-feed", Found: 3, Published: 2, Banned: 1}, report)

	long, ok := pub.byLink("https://news.example.com/long")
	require.True(t, ok)
	require.Equal(t, "Long one", long.Title)
	require.Equal(t, longParagraph, long.RawContent)
	require.Contains(t, long.ImageLinks, "https://cdn.example.com/l.jpg")

	summary, ok := pub.byLink("https://news.example.com/summary")
	require.True(t, ok)
	require.Equal(t, longParagraph, summary.RawContent)

	banned, err := store.Exists(ctx, "https://news.example.com/gone")
	require.NoError(t, err)
	require.True(t, banned)
}

func TestScrapeRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	s, err := New(Config{}, Deps{Store: memory.New(nil), Publisher: &recordingPublisher{}, Static: newPageFetcher(nil)})
	require.NoError(t, err)
	_, err = s.Scrape(context.Background(), pipeline.SourceConfig{ID: "x", Kind: "carrier-pigeon"})
	require.ErrorContains(t, err, "unknown source kind")
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{Publisher: &recordingPublisher{}, Static: newPageFetcher(nil)})
	require.Error(t, err)
	_, err = New(Config{}, Deps{Store: memory.New(nil), Static: newPageFetcher(nil)})
	require.Error(t, err)
	_, err = New(Config{}, Deps{Store: memory.New(nil), Publisher: &recordingPublisher{}})
	require.Error(t, err)
}
