// Package scheduler queues scan jobs and refreshes the proxy pool on cron
// schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/story-pipeline/internal/pipeline"
	"github.com/JakeFAU/story-pipeline/internal/queue"
)

// SourceLister lists the configured sources.
type SourceLister interface {
	List(ctx context.Context) ([]pipeline.SourceConfig, error)
}

// Enqueuer puts a job on a named queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, body []byte) error
}

// ProxyRefresher reloads the proxy pool.
type ProxyRefresher interface {
	Refresh(ctx context.Context) ([]string, error)
}

// Config holds the cron specs. Specs use six fields (seconds first); an empty
// spec disables that job.
type Config struct {
	ScanSpec         string
	ProxyRefreshSpec string
	ScanQueue        string
	RunTimeout       time.Duration
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cfg     Config
	cron    *cron.Cron
	sources SourceLister
	queue   Enqueuer
	proxies ProxyRefresher
	log     *zap.Logger
}

// New creates a Scheduler. proxies may be nil when no proxy pool is configured.
func New(cfg Config, sources SourceLister, q Enqueuer, proxies ProxyRefresher, logger *zap.Logger) (*Scheduler, error) {
	if sources == nil {
		return nil, errors.New("scheduler requires a source lister")
	}
	if q == nil {
		return nil, errors.New("scheduler requires a queue")
	}
	if cfg.ScanQueue == "" {
		cfg.ScanQueue = queue.ScrapeQueue
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:     cfg,
		cron:    cron.New(cron.WithSeconds()),
		sources: sources,
		queue:   q,
		proxies: proxies,
		log:     logger.Named("scheduler"),
	}, nil
}

// Start registers the configured jobs and starts the cron runner.
func (s *Scheduler) Start() error {
	if s.cfg.ScanSpec != "" {
		if _, err := s.cron.AddFunc(s.cfg.ScanSpec, s.runScan); err != nil {
			return fmt.Errorf("schedule scan %q: %w", s.cfg.ScanSpec, err)
		}
	}
	if s.cfg.ProxyRefreshSpec != "" && s.proxies != nil {
		if _, err := s.cron.AddFunc(s.cfg.ProxyRefreshSpec, s.runProxyRefresh); err != nil {
			return fmt.Errorf("schedule proxy refresh %q: %w", s.cfg.ProxyRefreshSpec, err)
		}
	}
	s.cron.Start()
	s.log.Info("scheduler started",
		zap.String("scan", s.cfg.ScanSpec),
		zap.String("proxy_refresh", s.cfg.ProxyRefreshSpec))
	return nil
}

// Stop halts the runner and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// ScanAll enqueues one scan job per source and returns how many were queued.
// A failed enqueue does not stop the remaining sources.
func (s *Scheduler) ScanAll(ctx context.Context) (int, error) {
	list, err := s.sources.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sources: %w", err)
	}
	queued := 0
	var errs []error
	for _, src := range list {
		if err := s.queue.Enqueue(ctx, s.cfg.ScanQueue, pipeline.QueueJob{ID: src.ID}.Body()); err != nil {
			errs = append(errs, fmt.Errorf("enqueue scan %s: %w", src.ID, err))
			continue
		}
		queued++
	}
	return queued, errors.Join(errs...)
}

// ErrUnknownSource is returned by ScanOne for an id no source carries.
var ErrUnknownSource = errors.New("unknown source")

// ScanOne enqueues a scan job for a single source.
func (s *Scheduler) ScanOne(ctx context.Context, id string) error {
	list, err := s.sources.List(ctx)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}
	for _, src := range list {
		if src.ID != id {
			continue
		}
		if err := s.queue.Enqueue(ctx, s.cfg.ScanQueue, pipeline.QueueJob{ID: src.ID}.Body()); err != nil {
			return fmt.Errorf("enqueue scan %s: %w", src.ID, err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownSource, id)
}

func (s *Scheduler) runScan() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	defer cancel()

	queued, err := s.ScanAll(ctx)
	if err != nil {
		s.log.Error("scheduled scan failed", zap.Int("queued", queued), zap.Error(err))
		return
	}
	s.log.Info("scheduled scan queued", zap.Int("queued", queued))
}

func (s *Scheduler) runProxyRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	defer cancel()

	proxies, err := s.proxies.Refresh(ctx)
	if err != nil {
		s.log.Warn("scheduled proxy refresh failed", zap.Error(err))
		return
	}
	s.log.Info("proxy pool refreshed", zap.Int("proxies", len(proxies)))
}
