// Package publisher sends scraped items and rewritten articles to the
// destination at most once per key and hands raw items to the rewrite queue.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/story-pipeline/internal/cache"
	"github.com/JakeFAU/story-pipeline/internal/destination"
	"github.com/JakeFAU/story-pipeline/internal/pipeline"
	"github.com/JakeFAU/story-pipeline/internal/telemetry"
)

// Outcome reports what a publish call did.
type Outcome int

// Publish outcomes.
const (
	OutcomePublished Outcome = iota
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePublished:
		return "published"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Enqueuer places a job body on a named queue.
type Enqueuer interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Archiver stores a copy of a finished article and returns its URI.
type Archiver interface {
	Store(ctx context.Context, article pipeline.Article) (string, error)
}

// Config tunes retries and marker lifetimes.
type Config struct {
	Attempts     int
	RetryDelay   time.Duration
	LinkTTL      time.Duration
	ArticleTTL   time.Duration
	RewriteQueue string
}

func (c Config) withDefaults() Config {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.LinkTTL <= 0 {
		c.LinkTTL = time.Hour
	}
	if c.ArticleTTL <= 0 {
		c.ArticleTTL = 7 * 24 * time.Hour
	}
	if c.RewriteQueue == "" {
		c.RewriteQueue = "rewrite"
	}
	return c
}

// Publisher guards destination writes with store markers.
type Publisher struct {
	cfg      Config
	dest     destination.Destination
	store    cache.Store
	queue    Enqueuer
	archiver Archiver
	logger   *zap.Logger
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithArchiver stores every published article through a.
func WithArchiver(a Archiver) Option {
	return func(p *Publisher) {
		p.archiver = a
	}
}

// New builds a Publisher.
func New(cfg Config, dest destination.Destination, store cache.Store, queue Enqueuer, logger *zap.Logger, opts ...Option) (*Publisher, error) {
	if dest == nil {
		return nil, errors.New("publisher requires a destination")
	}
	if store == nil {
		return nil, errors.New("publisher requires a store")
	}
	if queue == nil {
		return nil, errors.New("publisher requires a queue")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		cfg:    cfg.withDefaults(),
		dest:   dest,
		store:  store,
		queue:  queue,
		logger: logger.Named("publisher"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// PublishRaw posts item unless its link was already seen, then enqueues a
// rewrite job for the new record. A link is marked even when every create
// attempt fails so a broken destination does not cause a resubmission storm.
// When the record exists but its job cannot be queued, the id is parked under
// a pending key and the link stays unmarked, so the next call queues the job
// without creating the record again.
func (p *Publisher) PublishRaw(ctx context.Context, item pipeline.CandidateItem) (Outcome, error) {
	if item.Link == "" {
		return OutcomeFailed, errors.New("item has no link")
	}
	seen, err := p.store.Exists(ctx, item.Link)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("check link marker: %w", err)
	}
	if seen {
		p.logger.Debug("link already published", zap.String("link", item.Link))
		telemetry.ObservePublish("raw", OutcomeSkipped.String())
		return OutcomeSkipped, nil
	}

	id, err := p.pendingID(ctx, item.Link)
	if err != nil {
		return OutcomeFailed, err
	}
	if id == "" {
		err = p.retry(ctx, func() error {
			var createErr error
			id, createErr = p.dest.CreateRaw(ctx, item)
			return createErr
		})
		if err != nil {
			p.markLink(ctx, item.Link)
			p.logger.Error("raw publish exhausted", zap.String("link", item.Link), zap.Error(err))
			telemetry.ObservePublish("raw", OutcomeFailed.String())
			return OutcomeFailed, fmt.Errorf("publish %s: %w", item.Link, err)
		}
	}

	job := pipeline.QueueJob{ID: id}
	err = p.retry(ctx, func() error {
		return p.queue.Publish(ctx, p.cfg.RewriteQueue, job.Body())
	})
	if err != nil {
		if parkErr := p.store.SetCached(ctx, cache.PendingKey(item.Link), []byte(id), p.cfg.LinkTTL); parkErr != nil {
			p.logger.Warn("park pending job failed", zap.String("link", item.Link), zap.Error(parkErr))
		}
		p.logger.Error("rewrite job not queued", zap.String("link", item.Link), zap.String("id", id), zap.Error(err))
		telemetry.ObservePublish("raw", "enqueue_failed")
		return OutcomeFailed, fmt.Errorf("enqueue rewrite job %s: %w", id, err)
	}
	p.markLink(ctx, item.Link)
	p.logger.Info("raw item published", zap.String("link", item.Link), zap.String("id", id))
	telemetry.ObservePublish("raw", OutcomePublished.String())
	return OutcomePublished, nil
}

// pendingID returns the record id parked by an earlier failed enqueue.
func (p *Publisher) pendingID(ctx context.Context, link string) (string, error) {
	raw, err := p.store.GetCached(ctx, cache.PendingKey(link))
	if errors.Is(err, cache.ErrMiss) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("check pending job: %w", err)
	}
	return string(raw), nil
}

func (p *Publisher) markLink(ctx context.Context, link string) {
	if err := p.store.MarkProcessed(ctx, link, p.cfg.LinkTTL); err != nil {
		p.logger.Warn("mark link failed", zap.String("link", link), zap.Error(err))
	}
}

// PublishArticle writes the rewritten article for rawID once.
func (p *Publisher) PublishArticle(ctx context.Context, rawID string, article pipeline.Article) (Outcome, error) {
	key := cache.ArticleKey(rawID)
	seen, err := p.store.Exists(ctx, key)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("check article marker: %w", err)
	}
	if seen {
		telemetry.ObservePublish("article", OutcomeSkipped.String())
		return OutcomeSkipped, nil
	}
	article.RawID = rawID

	if p.archiver != nil {
		uri, err := p.archiver.Store(ctx, article)
		if err != nil {
			p.logger.Warn("archive article failed", zap.String("id", rawID), zap.Error(err))
		} else {
			article.ArchiveURI = uri
		}
	}

	err = p.retry(ctx, func() error {
		return p.dest.CreateArticle(ctx, article)
	})
	if markErr := p.store.MarkProcessed(ctx, key, p.cfg.ArticleTTL); markErr != nil {
		p.logger.Warn("mark article failed", zap.String("id", rawID), zap.Error(markErr))
	}
	if err != nil {
		telemetry.ObservePublish("article", OutcomeFailed.String())
		return OutcomeFailed, fmt.Errorf("publish article %s: %w", rawID, err)
	}
	p.logger.Info("article published", zap.String("id", rawID), zap.String("title", article.Title))
	telemetry.ObservePublish("article", OutcomePublished.String())
	return OutcomePublished, nil
}

func (p *Publisher) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= p.cfg.Attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		var permanent *pipeline.PermanentError
		if errors.As(err, &permanent) || attempt == p.cfg.Attempts {
			break
		}
		p.logger.Debug("destination call failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		if sleepErr := pipeline.Sleep(ctx, p.cfg.RetryDelay); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}
