package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/story-pipeline/internal/api"
	"github.com/JakeFAU/story-pipeline/internal/cache"
	rediscache "github.com/JakeFAU/story-pipeline/internal/cache/redis"
	"github.com/JakeFAU/story-pipeline/internal/config"
	"github.com/JakeFAU/story-pipeline/internal/destination"
	pgdest "github.com/JakeFAU/story-pipeline/internal/destination/postgres"
	"github.com/JakeFAU/story-pipeline/internal/dispatcher"
	headlessfetcher "github.com/JakeFAU/story-pipeline/internal/fetcher/headless"
	"github.com/JakeFAU/story-pipeline/internal/pipeline"
	"github.com/JakeFAU/story-pipeline/internal/proxy"
	"github.com/JakeFAU/story-pipeline/internal/publisher"
	"github.com/JakeFAU/story-pipeline/internal/queue"
	"github.com/JakeFAU/story-pipeline/internal/scheduler"
	"github.com/JakeFAU/story-pipeline/internal/scraper"
	"github.com/JakeFAU/story-pipeline/internal/sources"
	"github.com/JakeFAU/story-pipeline/internal/worker"
)

// ErrConsumerDisabled is returned when a queue has no handler configured.
var ErrConsumerDisabled = errors.New("consumer not configured")

type binding struct {
	handler   queue.Handler
	opts      queue.Options
	autostart bool
}

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	store   cache.Store
	redis   *rediscache.Store
	broker  queue.Broker
	dest    destination.Destination
	pg      *pgdest.Store
	gcs     *storage.Client
	sources sources.Provider
	proxies *proxy.Pool

	headless       *headlessfetcher.Fetcher
	scraper        *scraper.Scraper
	publisher      *publisher.Publisher
	scanHandler    *worker.ScanHandler
	rewriteHandler *worker.RewriteHandler

	bindings  map[string]binding
	dispatch  *dispatcher.Dispatcher
	scheduler *scheduler.Scheduler
	apiServer *api.Server

	tracerShutdown func(context.Context) error
	closeOnce      sync.Once
}

// NewApp creates an empty App. Build fills in the dependencies.
func NewApp(cfg *config.Config, logger *zap.Logger) *App {
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("cache", cfg.Cache.Backend),
		zap.String("queue", cfg.Queue.Backend),
		zap.String("destination", cfg.Destination.Backend),
	)
	return &App{
		cfg:      cfg,
		logger:   logger,
		bindings: make(map[string]binding),
	}
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run serves the API, runs autostart consumers and the scheduler, and blocks
// until the context is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	autostart := a.autostartQueues()
	if len(autostart) == 0 {
		a.logger.Info("no consumers set to autostart")
	}
	consumersDone := make(chan struct{})
	go func() {
		defer close(consumersDone)
		if len(autostart) == 0 {
			<-ctx.Done()
			a.dispatch.Shutdown()
			return
		}
		a.dispatch.Run(ctx, autostart...)
	}()
	if err := a.scheduler.Start(); err != nil {
		stop()
		<-consumersDone
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.scheduler.Stop()
	<-consumersDone

	return a.Close(shutdownCtx)
}

// autostartQueues lists the bound queues whose consumers start with serve.
func (a *App) autostartQueues() []string {
	var names []string
	for name, b := range a.bindings {
		if b.autostart {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ScanAll enqueues a scrape job for every source.
func (a *App) ScanAll(ctx context.Context) (int, error) {
	return a.scheduler.ScanAll(ctx)
}

// ScanOne enqueues a scrape job for one source.
func (a *App) ScanOne(ctx context.Context, id string) error {
	return a.scheduler.ScanOne(ctx, id)
}

// ScanInline scrapes sources in-process without going through the queue. An
// empty id scrapes every source.
func (a *App) ScanInline(ctx context.Context, id string) ([]scraper.Report, error) {
	var list []pipeline.SourceConfig
	if id != "" {
		src, err := a.sources.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		list = append(list, src)
	} else {
		var err error
		if list, err = a.sources.List(ctx); err != nil {
			return nil, fmt.Errorf("list sources: %w", err)
		}
	}

	reports := make([]scraper.Report, 0, len(list))
	var errs []error
	for _, src := range list {
		report, err := a.scraper.Scrape(ctx, src)
		if err != nil {
			a.logger.Warn("inline scrape failed", zap.String("source", src.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("scrape %s: %w", src.ID, err))
			continue
		}
		reports = append(reports, report)
	}
	return reports, errors.Join(errs...)
}

// Consume runs one queue's consumer in the foreground. Unless forever is set it
// returns once the queue has been idle for the configured window.
func (a *App) Consume(ctx context.Context, queueName string, forever bool) error {
	b, ok := a.bindings[queueName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConsumerDisabled, queueName)
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := b.opts
	opts.StopWhenIdle = !forever
	a.logger.Info("consuming", zap.String("queue", queueName), zap.Bool("forever", forever))
	return queue.NewConsumer(a.broker, a.logger).Run(ctx, queueName, b.handler, opts)
}

// Close gracefully shuts down the application. Calls after the first are no-ops.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeInfrastructure()
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
	return nil
}

func (a *App) closeInfrastructure() {
	if a.headless != nil {
		a.headless.Close()
	}
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.logger.Warn("queue broker close failed", zap.Error(err))
		}
	}
	if a.pg != nil {
		a.pg.Close()
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("storage client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("cache close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}
