package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/story-pipeline/internal/cache"
	"github.com/JakeFAU/story-pipeline/internal/cache/memory"
	"github.com/JakeFAU/story-pipeline/internal/pipeline"
)

type fakeDestination struct {
	mu         sync.Mutex
	rawCalls   int
	failRaw    int
	articles   []pipeline.Article
	failAlways bool
}

func (d *fakeDestination) CreateRaw(_ context.Context, item pipeline.CandidateItem) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rawCalls++
	if d.failAlways || d.rawCalls <= d.failRaw {
		return "", errors.New("destination unavailable")
	}
	return "id-" + item.Title, nil
}

func (d *fakeDestination) GetRaw(context.Context, string) (pipeline.RawRecord, error) {
	return pipeline.RawRecord{}, errors.New("not used")
}

func (d *fakeDestination) MarkFailed(context.Context, string, int) error {
	return nil
}

func (d *fakeDestination) CreateArticle(_ context.Context, a pipeline.Article) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAlways {
		return errors.New("destination unavailable")
	}
	d.articles = append(d.articles, a)
	return nil
}

type fakeQueue struct {
	mu     sync.Mutex
	bodies map[string][]string
	// failures is how many publishes fail before the queue recovers.
	failures int
}

func (q *fakeQueue) Publish(_ context.Context, queue string, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failures > 0 {
		q.failures--
		return errors.New("broker connection lost")
	}
	if q.bodies == nil {
		q.bodies = make(map[string][]string)
	}
	q.bodies[queue] = append(q.bodies[queue], string(body))
	return nil
}

type fakeArchiver struct{}

func (fakeArchiver) Store(_ context.Context, a pipeline.Article) (string, error) {
	return "memory://articles/" + a.RawID + ".md", nil
}

func newPublisher(t *testing.T, dest *fakeDestination, opts ...Option) (*Publisher, *fakeQueue, cache.Store) {
	t.Helper()
	store := memory.New(nil)
	q := &fakeQueue{}
	p, err := New(Config{RetryDelay: 0}, dest, store, q, zap.NewNop(), opts...)
	require.NoError(t, err)
	return p, q, store
}

func TestPublishRawTwiceMakesOneCall(t *testing.T) {
	t.Parallel()

	dest := &fakeDestination{}
	p, q, _ := newPublisher(t, dest)
	item := pipeline.CandidateItem{Link: "https://news.example.com/a", Title: "a"}

	outcome, err := p.PublishRaw(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, OutcomePublished, outcome)

	outcome, err = p.PublishRaw(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, outcome)

	require.Equal(t, 1, dest.rawCalls)
	require.Equal(t, []string{"id-a"}, q.bodies["rewrite"])
}

func TestPublishRawRetries(t *testing.T) {
	t.Parallel()

	dest := &fakeDestination{failRaw: 2}
	p, q, _ := newPublisher(t, dest)

	outcome, err := p.PublishRaw(context.Background(), pipeline.CandidateItem{Link: "https://x", Title: "x"})
	require.NoError(t, err)
	require.Equal(t, OutcomePublished, outcome)
	require.Equal(t, 3, dest.rawCalls)
	require.Len(t, q.bodies["rewrite"], 1)
}

func TestPublishRawExhaustionMarksLink(t *testing.T) {
	t.Parallel()

	dest := &fakeDestination{failAlways: true}
	p, q, store := newPublisher(t, dest)
	ctx := context.Background()

	outcome, err := p.PublishRaw(ctx, pipeline.CandidateItem{Link: "https://x", Title: "x"})
	require.Error(t, err)
	require.Equal(t, OutcomeFailed, outcome)
	require.Equal(t, 3, dest.rawCalls)
	require.Empty(t, q.bodies)

	marked, err := store.Exists(ctx, "https://x")
	require.NoError(t, err)
	require.True(t, marked)
}

func TestPublishRawRetriesEnqueue(t *testing.T) {
	t.Parallel()

	dest := &fakeDestination{}
	p, q, _ := newPublisher(t, dest)
	q.failures = 1

	outcome, err := p.PublishRaw(context.Background(), pipeline.CandidateItem{Link: "https://news.example.com/a", Title: "a"})
	require.NoError(t, err)
	require.Equal(t, OutcomePublished, outcome)
	require.Equal(t, 1, dest.rawCalls)
	require.Equal(t, []string{"id-a"}, q.bodies["rewrite"])
}

func TestPublishRawRecoversUnqueuedJob(t *testing.T) {
	t.Parallel()

	dest := &fakeDestination{}
	p, q, store := newPublisher(t, dest)
	q.failures = 3
	ctx := context.Background()
	item := pipeline.CandidateItem{Link: "https://news.example.com/a", Title: "a"}

	outcome, err := p.PublishRaw(ctx, item)
	require.ErrorContains(t, err, "broker connection lost")
	require.Equal(t, OutcomeFailed, outcome)
	require.Empty(t, q.bodies["rewrite"])

	marked, err := store.Exists(ctx, item.Link)
	require.NoError(t, err)
	require.False(t, marked)

	outcome, err = p.PublishRaw(ctx, item)
	require.NoError(t, err)
	require.Equal(t, OutcomePublished, outcome)
	require.Equal(t, 1, dest.rawCalls)
	require.Equal(t, []string{"id-a"}, q.bodies["rewrite"])

	outcome, err = p.PublishRaw(ctx, item)
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, outcome)
}

func TestPublishRawRequiresLink(t *testing.T) {
	t.Parallel()

	p, _, _ := newPublisher(t, &fakeDestination{})
	_, err := p.PublishRaw(context.Background(), pipeline.CandidateItem{})
	require.Error(t, err)
}

func TestPublishArticleOnce(t *testing.T) {
	t.Parallel()

	dest := &fakeDestination{}
	p, _, _ := newPublisher(t, dest, WithArchiver(fakeArchiver{}))
	article := pipeline.Article{Title: "Storm Hits City", Content: "body"}

	outcome, err := p.PublishArticle(context.Background(), "raw-1", article)
	require.NoError(t, err)
	require.Equal(t, OutcomePublished, outcome)

	outcome, err = p.PublishArticle(context.Background(), "raw-1", article)
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, outcome)

	require.Len(t, dest.articles, 1)
	require.Equal(t, "raw-1", dest.articles[0].RawID)
	require.Equal(t, "memory://articles/raw-1.md", dest.articles[0].ArchiveURI)
}

func TestOutcomeString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "published", OutcomePublished.String())
	require.Equal(t, "skipped", OutcomeSkipped.String())
	require.Equal(t, "failed", OutcomeFailed.String())
}
