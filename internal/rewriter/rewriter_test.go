package rewriter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/story-pipeline/internal/llm"
	"github.com/JakeFAU/story-pipeline/internal/pipeline"
	"github.com/JakeFAU/story-pipeline/internal/ratelimit"
)

type reply struct {
	text string
	err  error
}

// scriptedClient answers from a fixed script and then repeats the last reply.
type scriptedClient struct {
	mu       sync.Mutex
	replies  []reply
	requests []llm.Request
}

func (c *scriptedClient) Complete(_ context.Context, req llm.Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	idx := len(c.requests) - 1
	if idx >= len(c.replies) {
		idx = len(c.replies) - 1
	}
	return c.replies[idx].text, c.replies[idx].err
}

func (c *scriptedClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

type fixedClock time.Time

func (c fixedClock) Now() time.Time {
	return time.Time(c)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("word ", n))
}

func newRewriter(t *testing.T, primary llm.Client, opts ...Option) (*Rewriter, *sleepRecorder) {
	t.Helper()
	limiter, err := ratelimit.NewWindow("test", 1000, time.Second)
	require.NoError(t, err)
	rec := &sleepRecorder{}
	opts = append([]Option{WithSleep(rec.sleep)}, opts...)
	r, err := New(Config{MinWords: 5}, primary, limiter, fixedClock(time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)), zap.NewNop(), opts...)
	require.NoError(t, err)
	return r, rec
}

func TestRewriteUsesPrimaryAndExtractsMarkers(t *testing.T) {
	t.Parallel()

	primary := &scriptedClient{replies: []reply{{text: "{title}Storm Hits City{/title}{tags}weather, storm{/tags}\nHeavy rain flooded the downtown streets today."}}}
	r, _ := newRewriter(t, primary)

	res, err := r.Rewrite(context.Background(),
		pipeline.CandidateItem{Link: "https://a", RawContent: "rain rain rain"},
		pipeline.SourceConfig{ID: "daily", ContentPrompt: "Rewrite. Now: ___DATETIME___"})
	require.NoError(t, err)
	require.Equal(t, "Storm Hits City", res.Title)
	require.Equal(t, []string{"weather", "storm"}, res.Tags)
	require.Equal(t, "Heavy rain flooded the downtown streets today.", res.Body)

	require.Equal(t, 1, primary.calls())
	req := primary.requests[0]
	require.Equal(t, "mixtral-8x7b-32768", req.Model)
	require.Equal(t, "Rewrite. Now: 2026-10-18 12:00:00", req.Messages[0].Content)
	require.Equal(t, "rain rain rain", req.Messages[1].Content)
	require.Equal(t, 1024, req.MaxTokens)
}

func TestRewriteRetriesShortAnswers(t *testing.T) {
	t.Parallel()

	primary := &scriptedClient{replies: []reply{{text: "too short"}, {text: words(20)}}}
	r, rec := newRewriter(t, primary)

	res, err := r.Rewrite(context.Background(), pipeline.CandidateItem{RawContent: "x"}, pipeline.SourceConfig{})
	require.NoError(t, err)
	require.Equal(t, words(20), res.Body)
	require.Equal(t, 2, primary.calls())
	require.Len(t, rec.delays, 1)
}

func TestRewriteWaitsOutRateLimits(t *testing.T) {
	t.Parallel()

	throttled := &llm.RateLimitError{RetryAfter: 7 * time.Second, Err: errors.New("429")}
	primary := &scriptedClient{replies: []reply{{err: throttled}, {err: throttled}, {text: words(10)}}}
	r, rec := newRewriter(t, primary)

	_, err := r.Rewrite(context.Background(), pipeline.CandidateItem{RawContent: "x"}, pipeline.SourceConfig{})
	require.NoError(t, err)
	require.Equal(t, 3, primary.calls())
	require.Equal(t, []time.Duration{7 * time.Second, 7 * time.Second}, rec.delays)
}

func TestRewriteExhaustsAttempts(t *testing.T) {
	t.Parallel()

	primary := &scriptedClient{replies: []reply{{err: errors.New("connection reset")}}}
	r, _ := newRewriter(t, primary)

	_, err := r.Rewrite(context.Background(), pipeline.CandidateItem{RawContent: "x"}, pipeline.SourceConfig{})
	require.ErrorIs(t, err, ErrExhausted)
	require.Equal(t, 5, primary.calls())
}

func TestRewriteStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	primary := &scriptedClient{replies: []reply{{err: pipeline.Permanent(errors.New("400 bad request"))}}}
	r, _ := newRewriter(t, primary)

	_, err := r.Rewrite(context.Background(), pipeline.CandidateItem{RawContent: "x"}, pipeline.SourceConfig{})
	require.ErrorIs(t, err, ErrExhausted)
	require.Equal(t, 1, primary.calls())
}

func TestRewriteLongContentUsesFallback(t *testing.T) {
	t.Parallel()

	primary := &scriptedClient{replies: []reply{{text: words(10)}}}
	fallback := &scriptedClient{replies: []reply{{text: words(400)}}}
	r, _ := newRewriter(t, primary, WithFallback(fallback))

	res, err := r.Rewrite(context.Background(), pipeline.CandidateItem{RawContent: words(3000)}, pipeline.SourceConfig{ContentPrompt: "p"})
	require.NoError(t, err)
	require.Equal(t, 400, WordCount(res.Body))
	require.Equal(t, 1, fallback.calls())
	require.Zero(t, primary.calls())
	require.Contains(t, fallback.requests[0].Messages[0].Content, "<prompt>p</prompt>")
}

func TestRewriteFallbackFailureTruncates(t *testing.T) {
	t.Parallel()

	primary := &scriptedClient{replies: []reply{{text: words(10)}}}
	fallback := &scriptedClient{replies: []reply{{text: words(100)}}}
	r, _ := newRewriter(t, primary, WithFallback(fallback))

	_, err := r.Rewrite(context.Background(), pipeline.CandidateItem{RawContent: words(3000)}, pipeline.SourceConfig{Model: "gemini"})
	require.NoError(t, err)
	require.Equal(t, 3, fallback.calls())
	require.Equal(t, 1, primary.calls())
	require.Equal(t, "mixtral-8x7b-32768", primary.requests[0].Model)
	require.Equal(t, 2000, WordCount(primary.requests[0].Messages[1].Content))
}

type countingLimiter struct {
	mu    sync.Mutex
	calls int
}

func (l *countingLimiter) Admit(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return nil
}

func TestRewriteFallbackWaitsOutRateLimits(t *testing.T) {
	t.Parallel()

	throttled := &llm.RateLimitError{RetryAfter: 7 * time.Second, Err: errors.New("429")}
	primary := &scriptedClient{replies: []reply{{text: words(10)}}}
	fallback := &scriptedClient{replies: []reply{{err: throttled}, {err: throttled}, {err: throttled}, {text: words(400)}}}
	window := &countingLimiter{}
	r, rec := newRewriter(t, primary, WithFallback(fallback), WithFallbackLimiter(window))

	res, err := r.Rewrite(context.Background(), pipeline.CandidateItem{RawContent: words(3000)}, pipeline.SourceConfig{})
	require.NoError(t, err)
	require.Equal(t, 400, WordCount(res.Body))
	require.Equal(t, 4, fallback.calls())
	require.Zero(t, primary.calls())
	require.Equal(t, 4, window.calls)
	require.Equal(t, []time.Duration{7 * time.Second, 7 * time.Second, 7 * time.Second}, rec.delays)
}

func TestRewriteFallbackRateLimitWaitsAreBounded(t *testing.T) {
	t.Parallel()

	throttled := &llm.RateLimitError{RetryAfter: time.Second, Err: errors.New("429")}
	primary := &scriptedClient{replies: []reply{{text: words(10)}}}
	fallback := &scriptedClient{replies: []reply{{err: throttled}}}
	r, rec := newRewriter(t, primary, WithFallback(fallback))

	_, err := r.Rewrite(context.Background(), pipeline.CandidateItem{RawContent: words(3000)}, pipeline.SourceConfig{})
	require.NoError(t, err)
	require.Equal(t, 11, fallback.calls())
	require.Len(t, rec.delays, 10)
	require.Equal(t, 1, primary.calls())
	require.Equal(t, 2000, WordCount(primary.requests[0].Messages[1].Content))
}

func TestRewriteAsksForMetadataWhenTitleMissing(t *testing.T) {
	t.Parallel()

	primary := &scriptedClient{replies: []reply{
		{text: words(10)},
		{text: "not json"},
		{text: `{"title": "Harbor Reopens", "summary": "Ships return.", "tags": ["shipping"]}`},
	}}
	r, _ := newRewriter(t, primary)

	res, err := r.Rewrite(context.Background(), pipeline.CandidateItem{RawContent: "x"},
		pipeline.SourceConfig{MetadataPrompt: "Give title, summary, tags as JSON."})
	require.NoError(t, err)
	require.Equal(t, "Harbor Reopens", res.Title)
	require.Equal(t, "Ships return.", res.Excerpt)
	require.Equal(t, []string{"shipping"}, res.Tags)
	require.Equal(t, 3, primary.calls())
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	limiter, err := ratelimit.NewWindow("test", 1, time.Second)
	require.NoError(t, err)
	_, err = New(Config{}, nil, limiter, fixedClock(time.Now()), nil)
	require.Error(t, err)
	_, err = New(Config{}, &scriptedClient{}, nil, fixedClock(time.Now()), nil)
	require.Error(t, err)
}
