// Package server builds the application's dependencies from configuration and
// runs them.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/story-pipeline/internal/api"
	"github.com/JakeFAU/story-pipeline/internal/archive"
	gcsarchive "github.com/JakeFAU/story-pipeline/internal/archive/gcs"
	localarchive "github.com/JakeFAU/story-pipeline/internal/archive/local"
	memoryarchive "github.com/JakeFAU/story-pipeline/internal/archive/memory"
	"github.com/JakeFAU/story-pipeline/internal/cache"
	badgercache "github.com/JakeFAU/story-pipeline/internal/cache/badger"
	memorycache "github.com/JakeFAU/story-pipeline/internal/cache/memory"
	rediscache "github.com/JakeFAU/story-pipeline/internal/cache/redis"
	"github.com/JakeFAU/story-pipeline/internal/clock/system"
	"github.com/JakeFAU/story-pipeline/internal/config"
	"github.com/JakeFAU/story-pipeline/internal/destination"
	httpdest "github.com/JakeFAU/story-pipeline/internal/destination/http"
	memorydest "github.com/JakeFAU/story-pipeline/internal/destination/memory"
	pgdest "github.com/JakeFAU/story-pipeline/internal/destination/postgres"
	"github.com/JakeFAU/story-pipeline/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/story-pipeline/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/story-pipeline/internal/fetcher/headless"
	"github.com/JakeFAU/story-pipeline/internal/fetcher/race"
	"github.com/JakeFAU/story-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/story-pipeline/internal/id/uuid"
	"github.com/JakeFAU/story-pipeline/internal/llm"
	"github.com/JakeFAU/story-pipeline/internal/llm/gemini"
	"github.com/JakeFAU/story-pipeline/internal/llm/openai"
	"github.com/JakeFAU/story-pipeline/internal/logging"
	"github.com/JakeFAU/story-pipeline/internal/pipeline"
	"github.com/JakeFAU/story-pipeline/internal/proxy"
	"github.com/JakeFAU/story-pipeline/internal/publisher"
	"github.com/JakeFAU/story-pipeline/internal/queue"
	kafkaqueue "github.com/JakeFAU/story-pipeline/internal/queue/kafka"
	memoryqueue "github.com/JakeFAU/story-pipeline/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/story-pipeline/internal/queue/pubsub"
	"github.com/JakeFAU/story-pipeline/internal/ratelimit"
	"github.com/JakeFAU/story-pipeline/internal/rewriter"
	"github.com/JakeFAU/story-pipeline/internal/scheduler"
	"github.com/JakeFAU/story-pipeline/internal/scraper"
	"github.com/JakeFAU/story-pipeline/internal/sources"
	"github.com/JakeFAU/story-pipeline/internal/telemetry"
	"github.com/JakeFAU/story-pipeline/internal/worker"
)

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := NewApp(cfg, logger)
	if err := app.build(ctx); err != nil {
		app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	if cfg.Telemetry.Tracing {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Version)
		if err != nil {
			return fmt.Errorf("tracer init failed: %w", err)
		}
		a.tracerShutdown = tp.Shutdown
	}

	a.logger.Info("building application dependencies")
	if err := setupCache(ctx, a); err != nil {
		return err
	}
	if err := setupBroker(ctx, a); err != nil {
		return err
	}
	if err := setupDestination(ctx, a); err != nil {
		return err
	}
	archiver, err := setupArchive(ctx, a)
	if err != nil {
		return err
	}
	if err := setupSources(a); err != nil {
		return err
	}
	if err := setupProxies(a); err != nil {
		return err
	}
	if err := setupPublisher(a, archiver); err != nil {
		return err
	}
	if err := setupScraper(a); err != nil {
		return err
	}
	if err := setupHandlers(ctx, a); err != nil {
		return err
	}

	var refresher scheduler.ProxyRefresher
	if a.proxies != nil {
		refresher = a.proxies
	}
	a.scheduler, err = scheduler.New(scheduler.Config{
		ScanSpec:         cfg.Schedule.Scan,
		ProxyRefreshSpec: cfg.Schedule.ProxyRefresh,
		ScanQueue:        queue.ScrapeQueue,
	}, a.sources, a.dispatch, refresher, a.logger)
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}

	a.apiServer = api.NewServer(api.Config{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, a.scheduler, a.dispatch, a.store, a.readyChecks(), a.logger)
	return nil
}

func setupCache(ctx context.Context, app *App) error {
	switch app.cfg.Cache.Backend {
	case "redis":
		store, err := rediscache.New(ctx, rediscache.Config{
			URL:      app.cfg.Cache.Redis.URL,
			Addr:     app.cfg.Cache.Redis.Addr,
			Password: app.cfg.Cache.Redis.Password,
			DB:       app.cfg.Cache.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("redis cache init failed: %w", err)
		}
		app.store = store
		app.redis = store
		app.logger.Info("using redis cache backend")
	case "badger":
		store, err := badgercache.Open(badgercache.Config{
			Dir:      app.cfg.Cache.Badger.Dir,
			InMemory: app.cfg.Cache.Badger.InMemory,
		})
		if err != nil {
			return fmt.Errorf("badger cache init failed: %w", err)
		}
		app.store = store
		app.logger.Info("using badger cache backend", zap.String("dir", app.cfg.Cache.Badger.Dir))
	default:
		app.store = memorycache.New(system.New())
		app.logger.Info("using in-memory cache backend")
	}
	return nil
}

func setupBroker(ctx context.Context, app *App) error {
	switch app.cfg.Queue.Backend {
	case "pubsub":
		c := app.cfg.Queue.PubSub
		broker, err := pubsubqueue.New(ctx, pubsubqueue.Config{
			ProjectID:          c.ProjectID,
			SubscriptionSuffix: c.SubscriptionSuffix,
			AckDeadline:        c.AckDeadline,
			CreateMissing:      c.CreateMissing,
		}, app.logger)
		if err != nil {
			return fmt.Errorf("pubsub broker init failed: %w", err)
		}
		app.broker = broker
		app.logger.Info("using pubsub queue backend", zap.String("project", c.ProjectID))
	case "kafka":
		c := app.cfg.Queue.Kafka
		broker, err := kafkaqueue.New(kafkaqueue.Config{
			Brokers:     c.Brokers,
			GroupPrefix: c.GroupPrefix,
			TopicPrefix: c.TopicPrefix,
		}, app.logger)
		if err != nil {
			return fmt.Errorf("kafka broker init failed: %w", err)
		}
		app.broker = broker
		app.logger.Info("using kafka queue backend", zap.Strings("brokers", c.Brokers))
	default:
		app.broker = memoryqueue.NewBroker()
		app.logger.Warn("using in-memory queue backend; jobs do not survive restarts")
	}
	return nil
}

func setupDestination(ctx context.Context, app *App) error {
	ids := uuid.NewUUIDGenerator()
	switch app.cfg.Destination.Backend {
	case "http":
		c := app.cfg.Destination.HTTP
		client, err := httpdest.New(httpdest.Config{
			RawURL:     c.RawURL,
			ArticleURL: c.ArticleURL,
			APIKey:     c.APIKey,
			Timeout:    c.Timeout,
		}, nil)
		if err != nil {
			return fmt.Errorf("http destination init failed: %w", err)
		}
		app.dest = client
		app.logger.Info("using http destination", zap.String("raw_url", c.RawURL))
	case "postgres":
		c := app.cfg.Destination.Postgres
		store, err := pgdest.New(ctx, pgdest.Config{
			DSN:             c.DSN,
			RawTable:        c.RawTable,
			ArticleTable:    c.ArticleTable,
			MaxConns:        c.MaxConns,
			MinConns:        c.MinConns,
			MaxConnLifetime: c.MaxConnLifetime,
		}, ids)
		if err != nil {
			return fmt.Errorf("postgres destination init failed: %w", err)
		}
		app.pg = store
		app.dest = store
		if c.EnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("postgres schema init failed: %w", err)
			}
		}
		app.logger.Info("using postgres destination")
	default:
		app.dest = memorydest.New(ids)
		app.logger.Warn("using in-memory destination")
	}
	return nil
}

func setupArchive(ctx context.Context, app *App) (*archive.Archiver, error) {
	var blobs pipeline.BlobStore
	switch app.cfg.Archive.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.gcs = client
		blobs, err = gcsarchive.New(client, gcsarchive.Config{
			Bucket: app.cfg.Archive.GCS.Bucket,
			Prefix: app.cfg.Archive.GCS.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		app.logger.Info("archiving articles to GCS", zap.String("bucket", app.cfg.Archive.GCS.Bucket))
	case "local":
		store, err := localarchive.New(localarchive.Config{BaseDir: app.cfg.Archive.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		blobs = store
		app.logger.Info("archiving articles locally", zap.String("dir", app.cfg.Archive.Local.BaseDir))
	case "memory":
		blobs = memoryarchive.NewBlobStore()
		app.logger.Info("archiving articles in memory")
	default:
		app.logger.Info("article archive disabled")
		return nil, nil
	}
	archiver, err := archive.New(blobs, sha256.New(), system.New(), app.cfg.Archive.Prefix)
	if err != nil {
		return nil, fmt.Errorf("archiver init failed: %w", err)
	}
	return archiver, nil
}

func setupSources(app *App) error {
	c := app.cfg.Sources
	switch {
	case c.URL != "":
		provider, err := sources.NewHTTPProvider(c.URL, app.store, c.CacheTTL,
			&http.Client{Timeout: app.cfg.Fetch.Timeout}, app.logger)
		if err != nil {
			return fmt.Errorf("source provider init failed: %w", err)
		}
		app.sources = provider
		app.logger.Info("loading sources from config service", zap.String("url", c.URL))
	case c.File != "":
		app.sources = sources.NewFileProvider(c.File, app.logger)
		app.logger.Info("loading sources from file", zap.String("path", c.File))
	default:
		app.sources = sources.Static(nil)
		app.logger.Warn("no sources configured")
	}
	return nil
}

func setupProxies(app *App) error {
	if !app.cfg.Proxy.Enabled {
		app.logger.Info("proxy pool disabled")
		return nil
	}
	c := app.cfg.Proxy
	pool, err := proxy.New(proxy.Config{
		Directories:      c.Directories,
		TTL:              c.TTL,
		CheckURL:         c.CheckURL,
		CheckTimeout:     c.CheckTimeout,
		CheckConcurrency: c.CheckConcurrency,
		LockTTL:          c.LockTTL,
		LockWait:         c.LockWait,
		MaxProxies:       c.MaxProxies,
	}, app.store, app.logger)
	if err != nil {
		return fmt.Errorf("proxy pool init failed: %w", err)
	}
	app.proxies = pool
	app.logger.Info("proxy pool enabled", zap.Int("directories", len(c.Directories)))
	return nil
}

func setupPublisher(app *App, archiver *archive.Archiver) error {
	var opts []publisher.Option
	if archiver != nil {
		opts = append(opts, publisher.WithArchiver(archiver))
	}
	c := app.cfg.Publisher
	pub, err := publisher.New(publisher.Config{
		Attempts:     c.Attempts,
		RetryDelay:   c.RetryDelay,
		LinkTTL:      c.LinkTTL,
		ArticleTTL:   c.ArticleTTL,
		RewriteQueue: queue.RewriteQueue,
	}, app.dest, app.store, app.broker, app.logger, opts...)
	if err != nil {
		return fmt.Errorf("publisher init failed: %w", err)
	}
	app.publisher = pub
	return nil
}

func setupScraper(app *App) error {
	f := app.cfg.Fetch
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:     f.UserAgent,
		RespectRobots: f.RespectRobots,
		Timeout:       f.Timeout,
	})

	var headless pipeline.Fetcher = headlessfetcher.NewNoop()
	if f.Headless.Enabled {
		chrome, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       f.Headless.MaxParallel,
			UserAgent:         f.UserAgent,
			NavigationTimeout: f.Headless.NavigationTimeout,
			ProxyServer:       f.Headless.ProxyServer,
			WaitSelector:      f.Headless.WaitSelector,
			SettleDelay:       f.Headless.SettleDelay,
		})
		if err != nil {
			return fmt.Errorf("headless fetcher init failed: %w", err)
		}
		app.headless = chrome
		headless = chrome
		app.logger.Info("using headless fetcher", zap.Int("max_parallel", f.Headless.MaxParallel))
	}

	deps := scraper.Deps{
		Store:     app.store,
		Publisher: app.publisher,
		Static:    static,
		Headless:  headless,
		Hosts:     ratelimit.NewDomainLimiter(ratelimit.DomainConfig{DefaultRPS: f.DomainRPS, DefaultBurst: f.DomainBurst}),
		Logger:    app.logger,
	}
	if app.proxies != nil {
		agents, err := race.LoadUserAgents(f.UserAgentsFile)
		if err != nil {
			return err
		}
		deps.Racer = race.New(race.Config{
			AttemptTimeout: f.AttemptTimeout,
			AgentsPerProxy: f.AgentsPerProxy,
			UserAgents:     agents,
			MaxParallel:    f.MaxParallel,
		}, app.logger)
		deps.Proxies = app.proxies
	}

	s := app.cfg.Scraper
	var err error
	app.scraper, err = scraper.New(scraper.Config{
		MinContentLength: s.MinContentLength,
		BanTTL:           s.BanTTL,
		MaxLinks:         s.MaxLinks,
		SocialBaseURL:    s.SocialBaseURL,
		SocialHeaders:    scraper.SocialHeaders(s.SocialToken),
		PostLinkBase:     s.PostLinkBase,
	}, deps)
	if err != nil {
		return fmt.Errorf("scraper init failed: %w", err)
	}
	return nil
}

func setupRewriter(ctx context.Context, app *App) (*rewriter.Rewriter, error) {
	c := app.cfg.LLM
	if c.OpenAI.APIKey == "" {
		return nil, nil
	}
	primary, err := openai.New(openai.Config{
		Endpoint: c.OpenAI.Endpoint,
		APIKey:   c.OpenAI.APIKey,
		Model:    app.cfg.Rewriter.PrimaryModel,
		Timeout:  c.OpenAI.Timeout,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("openai client init failed: %w", err)
	}

	var opts []rewriter.Option
	if c.Gemini.APIKey != "" {
		var fallback llm.Client
		fallback, err = gemini.New(ctx, gemini.Config{
			APIKey:  c.Gemini.APIKey,
			Model:   c.Gemini.Model,
			BaseURL: c.Gemini.BaseURL,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("gemini client init failed: %w", err)
		}
		window, err := ratelimit.NewWindow("gemini", c.Gemini.RateLimit.Limit, c.Gemini.RateLimit.Period)
		if err != nil {
			return nil, fmt.Errorf("gemini rate limiter init failed: %w", err)
		}
		opts = append(opts, rewriter.WithFallback(fallback), rewriter.WithFallbackLimiter(window))
		app.logger.Info("large-context fallback enabled")
	}

	rl := app.cfg.Rewriter.RateLimit
	var limiter ratelimit.Admitter
	if rl.Shared && app.redis != nil {
		limiter, err = ratelimit.NewRedisWindow(app.redis.Client(), "ratelimit:rewriter", rl.Limit, rl.Period)
	} else {
		limiter, err = ratelimit.NewWindow("rewriter", rl.Limit, rl.Period)
	}
	if err != nil {
		return nil, fmt.Errorf("rate limiter init failed: %w", err)
	}

	r := app.cfg.Rewriter
	return rewriter.New(rewriter.Config{
		PrimaryModel:      r.PrimaryModel,
		LargeContextWords: r.LargeContextWords,
		TruncateWords:     r.TruncateWords,
		FallbackAttempts:  r.FallbackAttempts,
		FallbackMinWords:  r.FallbackMinWords,
		Attempts:          r.Attempts,
		MinWords:          r.MinWords,
		MaxRateLimitWaits: r.MaxRateLimitWaits,
		MetadataAttempts:  r.MetadataAttempts,
		Temperature:       r.Temperature,
		MaxTokens:         r.MaxTokens,
		BackoffBase:       r.BackoffBase,
		BackoffMax:        r.BackoffMax,
	}, primary, limiter, system.New(), app.logger, opts...)
}

func setupHandlers(ctx context.Context, app *App) error {
	consumer := queue.NewConsumer(app.broker, app.logger)
	app.dispatch = dispatcher.New(app.broker, consumer, app.logger)

	app.scanHandler = worker.NewScanHandler(app.sources, app.scraper, app.logger)
	app.bind(queue.ScrapeQueue, app.scanHandler.Handle, app.cfg.Consumers.Scrape)

	rw, err := setupRewriter(ctx, app)
	if err != nil {
		return err
	}
	if rw == nil {
		app.logger.Warn("llm.openai.api_key not set; rewrite consumer disabled")
		return nil
	}
	app.rewriteHandler, err = worker.NewRewriteHandler(worker.Config{
		MaxTrials:    app.cfg.Consumers.MaxTrials,
		DropTTL:      app.cfg.Consumers.DropTTL,
		RewriteQueue: queue.RewriteQueue,
	}, worker.RewriteDeps{
		Destination: app.dest,
		Store:       app.store,
		Sources:     app.sources,
		Rewriter:    rw,
		Publisher:   app.publisher,
		Queue:       app.broker,
		Logger:      app.logger,
	})
	if err != nil {
		return fmt.Errorf("rewrite handler init failed: %w", err)
	}
	app.bind(queue.RewriteQueue, app.rewriteHandler.Handle, app.cfg.Consumers.Rewrite)
	return nil
}

func (a *App) bind(name string, handler queue.Handler, c config.ConsumerConfig) {
	b := binding{handler: handler, opts: consumerOptions(c), autostart: c.Autostart}
	a.bindings[name] = b
	a.dispatch.Register(name, b.handler, b.opts)
}

func consumerOptions(c config.ConsumerConfig) queue.Options {
	return queue.Options{
		StopWhenIdle:  c.StopWhenIdle,
		IdleWindow:    c.IdleWindow,
		PollWait:      c.PollWait,
		RetryDelay:    c.RetryDelay,
		MaxDeliveries: c.MaxDeliveries,
		Prefetch:      c.Prefetch,
	}
}

func (a *App) readyChecks() map[string]api.ReadyCheck {
	return map[string]api.ReadyCheck{
		"cache": func(ctx context.Context) error {
			_, err := a.store.Exists(ctx, cache.ProcessedKey("readyz"))
			return err
		},
		"sources": func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			_, err := a.sources.List(ctx)
			return err
		},
	}
}

// compile-time checks for the backends selected above.
var (
	_ destination.Destination = (*pgdest.Store)(nil)
	_ destination.Destination = (*httpdest.Client)(nil)
	_ queue.Broker            = (*pubsubqueue.Broker)(nil)
	_ queue.Broker            = (*kafkaqueue.Broker)(nil)
	_ cache.Store             = (*badgercache.Store)(nil)
)
