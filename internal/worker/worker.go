// Package worker holds the queue job handlers: a scan job runs the scraper
// for one source, a rewrite job turns a published raw record into an article.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/story-pipeline/internal/cache"
	"github.com/JakeFAU/story-pipeline/internal/destination"
	"github.com/JakeFAU/story-pipeline/internal/pipeline"
	"github.com/JakeFAU/story-pipeline/internal/publisher"
	"github.com/JakeFAU/story-pipeline/internal/queue"
	"github.com/JakeFAU/story-pipeline/internal/scraper"
	"github.com/JakeFAU/story-pipeline/internal/sources"
)

// DefaultTags are used when neither the rewrite nor the source supplies tags.
var DefaultTags = []string{"news", "sports", "politic"}

// SourceLookup resolves a source config by id.
type SourceLookup interface {
	Get(ctx context.Context, id string) (pipeline.SourceConfig, error)
}

// Scraper runs one source.
type Scraper interface {
	Scrape(ctx context.Context, src pipeline.SourceConfig) (scraper.Report, error)
}

// Rewriter produces article fields for a raw item.
type Rewriter interface {
	Rewrite(ctx context.Context, item pipeline.CandidateItem, src pipeline.SourceConfig) (pipeline.RewriteResult, error)
}

// ArticlePublisher writes a finished article.
type ArticlePublisher interface {
	PublishArticle(ctx context.Context, rawID string, article pipeline.Article) (publisher.Outcome, error)
}

// Enqueuer places a job body on a named queue.
type Enqueuer interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Config controls retry bookkeeping for rewrite jobs.
type Config struct {
	// MaxTrials is the number of failed rewrites after which a record is dropped.
	MaxTrials    int
	DropTTL      time.Duration
	RewriteQueue string
}

func (c Config) withDefaults() Config {
	if c.MaxTrials <= 0 {
		c.MaxTrials = 2
	}
	if c.DropTTL <= 0 {
		c.DropTTL = 7 * 24 * time.Hour
	}
	if c.RewriteQueue == "" {
		c.RewriteQueue = queue.RewriteQueue
	}
	return c
}

// ScanHandler consumes scan jobs.
type ScanHandler struct {
	sources SourceLookup
	scraper Scraper
	logger  *zap.Logger
}

// NewScanHandler builds a ScanHandler.
func NewScanHandler(src SourceLookup, s Scraper, logger *zap.Logger) *ScanHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScanHandler{sources: src, scraper: s, logger: logger.Named("scan")}
}

// Handle runs the scraper for the source id in body. Unknown sources are
// dropped; scrape errors are returned so the job is redelivered.
func (h *ScanHandler) Handle(ctx context.Context, body []byte) error {
	job, err := pipeline.ParseQueueJob(body)
	if err != nil {
		h.logger.Warn("dropping malformed scan job", zap.Error(err))
		return nil
	}
	id := job.ID
	src, err := h.sources.Get(ctx, id)
	if errors.Is(err, sources.ErrNotFound) {
		h.logger.Warn("dropping scan job for unknown source", zap.String("source", id))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load source %s: %w", id, err)
	}
	report, err := h.scraper.Scrape(ctx, src)
	if err != nil {
		return fmt.Errorf("scrape %s: %w", id, err)
	}
	h.logger.Info("scan finished",
		zap.String("source", id),
		zap.Int("found", report.Found),
		zap.Int("published", report.Published),
		zap.Int("skipped", report.Skipped),
		zap.Int("banned", report.Banned),
		zap.Int("failed", report.Failed))
	return nil
}

// RewriteHandler consumes rewrite jobs.
type RewriteHandler struct {
	cfg       Config
	dest      destination.Destination
	store     cache.Store
	sources   SourceLookup
	rewriter  Rewriter
	publisher ArticlePublisher
	queue     Enqueuer
	logger    *zap.Logger
}

// RewriteDeps are the collaborators of a RewriteHandler.
type RewriteDeps struct {
	Destination destination.Destination
	Store       cache.Store
	Sources     SourceLookup
	Rewriter    Rewriter
	Publisher   ArticlePublisher
	Queue       Enqueuer
	Logger      *zap.Logger
}

// NewRewriteHandler builds a RewriteHandler.
func NewRewriteHandler(cfg Config, deps RewriteDeps) (*RewriteHandler, error) {
	if deps.Destination == nil || deps.Store == nil || deps.Sources == nil ||
		deps.Rewriter == nil || deps.Publisher == nil || deps.Queue == nil {
		return nil, errors.New("rewrite handler is missing a dependency")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RewriteHandler{
		cfg:       cfg.withDefaults(),
		dest:      deps.Destination,
		store:     deps.Store,
		sources:   deps.Sources,
		rewriter:  deps.Rewriter,
		publisher: deps.Publisher,
		queue:     deps.Queue,
		logger:    logger.Named("rewrite"),
	}, nil
}

// Handle rewrites the raw record whose id is body. A failed rewrite is
// recorded on the record and requeued until MaxTrials, then dropped.
func (h *RewriteHandler) Handle(ctx context.Context, body []byte) error {
	job, err := pipeline.ParseQueueJob(body)
	if err != nil {
		h.logger.Warn("dropping malformed rewrite job", zap.Error(err))
		return nil
	}
	id := job.ID
	logger := h.logger.With(zap.String("id", id))

	done, err := h.store.Exists(ctx, cache.ArticleKey(id))
	if err != nil {
		return fmt.Errorf("check article marker: %w", err)
	}
	if done {
		logger.Debug("article already handled")
		return nil
	}

	rec, err := h.dest.GetRaw(ctx, id)
	if errors.Is(err, destination.ErrNotFound) {
		logger.Warn("dropping rewrite job for missing record")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load raw record %s: %w", id, err)
	}

	src, err := h.sources.Get(ctx, rec.Data.SourceConfigID)
	if errors.Is(err, sources.ErrNotFound) {
		logger.Warn("dropping rewrite job for unknown source", zap.String("source", rec.Data.SourceConfigID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load source %s: %w", rec.Data.SourceConfigID, err)
	}

	res, err := h.rewriter.Rewrite(ctx, rec.Data, src)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("rewrite %s: %w", id, err)
		}
		return h.recordFailure(ctx, rec, err)
	}

	outcome, err := h.publisher.PublishArticle(ctx, id, BuildArticle(rec, src, res))
	if err != nil {
		logger.Error("article publish failed", zap.Error(err))
		return nil
	}
	logger.Info("rewrite job finished", zap.Stringer("outcome", outcome))
	return nil
}

func (h *RewriteHandler) recordFailure(ctx context.Context, rec pipeline.RawRecord, cause error) error {
	trials := rec.TrialTimes + 1
	logger := h.logger.With(zap.String("id", rec.ID), zap.Int("trials", trials), zap.Error(cause))
	if err := h.dest.MarkFailed(ctx, rec.ID, trials); err != nil {
		return fmt.Errorf("mark %s failed: %w", rec.ID, err)
	}
	if trials < h.cfg.MaxTrials {
		logger.Warn("rewrite failed, requeueing")
		if err := h.queue.Publish(ctx, h.cfg.RewriteQueue, pipeline.QueueJob{ID: rec.ID}.Body()); err != nil {
			return fmt.Errorf("requeue %s: %w", rec.ID, err)
		}
		return nil
	}
	logger.Error("rewrite failed permanently, dropping")
	if err := h.store.MarkProcessed(ctx, cache.ArticleKey(rec.ID), h.cfg.DropTTL); err != nil {
		return fmt.Errorf("mark %s processed: %w", rec.ID, err)
	}
	return nil
}

// BuildArticle merges the rewrite with the raw record and source defaults.
func BuildArticle(rec pipeline.RawRecord, src pipeline.SourceConfig, res pipeline.RewriteResult) pipeline.Article {
	article := pipeline.Article{
		RawID:         rec.ID,
		Title:         firstNonEmpty(res.Title, rec.Data.Title),
		AuthorID:      firstNonEmpty(src.AuthorID, rec.Data.DeveloperID),
		Content:       res.Body,
		SubMenuListID: firstNonEmpty(src.SubMenuListID, rec.Data.SubMenuListID),
		Excerpt:       res.Excerpt,
		ImageLinks:    rec.Data.ImageLinks,
	}
	switch {
	case len(res.Tags) > 0:
		article.Tags = res.Tags
	case len(src.Tags) > 0:
		article.Tags = src.Tags
	default:
		article.Tags = append([]string(nil), DefaultTags...)
	}
	if article.ImageLinks == nil {
		article.ImageLinks = []string{}
	}
	return article
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
