// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/story-pipeline/internal/proxy"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Proxy       ProxyConfig       `mapstructure:"proxy"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	Sources     SourcesConfig     `mapstructure:"sources"`
	Scraper     ScraperConfig     `mapstructure:"scraper"`
	Rewriter    RewriterConfig    `mapstructure:"rewriter"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Destination DestinationConfig `mapstructure:"destination"`
	Publisher   PublisherConfig   `mapstructure:"publisher"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Schedule    ScheduleConfig    `mapstructure:"schedule"`
	Consumers   ConsumersConfig   `mapstructure:"consumers"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CacheConfig selects the dedup/cache store.
type CacheConfig struct {
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
	Badger  struct {
		Dir      string `mapstructure:"dir"`
		InMemory bool   `mapstructure:"in_memory"`
	} `mapstructure:"badger"`
}

// RedisConfig addresses a Redis server. URL wins over Addr.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueueConfig selects the work-queue broker.
type QueueConfig struct {
	Backend string `mapstructure:"backend"`
	PubSub  struct {
		ProjectID          string        `mapstructure:"project_id"`
		SubscriptionSuffix string        `mapstructure:"subscription_suffix"`
		AckDeadline        time.Duration `mapstructure:"ack_deadline"`
		CreateMissing      bool          `mapstructure:"create_missing"`
	} `mapstructure:"pubsub"`
	Kafka struct {
		Brokers     []string `mapstructure:"brokers"`
		GroupPrefix string   `mapstructure:"group_prefix"`
		TopicPrefix string   `mapstructure:"topic_prefix"`
	} `mapstructure:"kafka"`
}

// ProxyConfig configures the proxy pool.
type ProxyConfig struct {
	Enabled          bool              `mapstructure:"enabled"`
	Directories      []proxy.Directory `mapstructure:"directories"`
	TTL              time.Duration     `mapstructure:"ttl"`
	CheckURL         string            `mapstructure:"check_url"`
	CheckTimeout     time.Duration     `mapstructure:"check_timeout"`
	CheckConcurrency int               `mapstructure:"check_concurrency"`
	LockTTL          time.Duration     `mapstructure:"lock_ttl"`
	LockWait         time.Duration     `mapstructure:"lock_wait"`
	MaxProxies       int               `mapstructure:"max_proxies"`
}

// FetchConfig governs the static, headless, and proxy-race fetchers.
type FetchConfig struct {
	UserAgent      string         `mapstructure:"user_agent"`
	UserAgentsFile string         `mapstructure:"user_agents_file"`
	RespectRobots  bool           `mapstructure:"respect_robots"`
	Timeout        time.Duration  `mapstructure:"timeout"`
	AttemptTimeout time.Duration  `mapstructure:"attempt_timeout"`
	AgentsPerProxy int            `mapstructure:"agents_per_proxy"`
	MaxParallel    int            `mapstructure:"max_parallel"`
	DomainRPS      float64        `mapstructure:"domain_rps"`
	DomainBurst    int            `mapstructure:"domain_burst"`
	Headless       HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig configures chromedp rendering.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ProxyServer       string        `mapstructure:"proxy_server"`
	WaitSelector      string        `mapstructure:"wait_selector"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
}

// SourcesConfig locates the source configurations. URL wins over File.
type SourcesConfig struct {
	URL      string        `mapstructure:"url"`
	File     string        `mapstructure:"file"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// ScraperConfig holds scraper tunables.
type ScraperConfig struct {
	MinContentLength int           `mapstructure:"min_content_length"`
	BanTTL           time.Duration `mapstructure:"ban_ttl"`
	MaxLinks         int           `mapstructure:"max_links"`
	SocialBaseURL    string        `mapstructure:"social_base_url"`
	SocialToken      string        `mapstructure:"social_token"`
	PostLinkBase     string        `mapstructure:"post_link_base"`
}

// RewriterConfig holds rewrite limits and the shared rate window.
type RewriterConfig struct {
	PrimaryModel      string        `mapstructure:"primary_model"`
	LargeContextWords int           `mapstructure:"large_context_words"`
	TruncateWords     int           `mapstructure:"truncate_words"`
	FallbackAttempts  int           `mapstructure:"fallback_attempts"`
	FallbackMinWords  int           `mapstructure:"fallback_min_words"`
	Attempts          int           `mapstructure:"attempts"`
	MinWords          int           `mapstructure:"min_words"`
	MaxRateLimitWaits int           `mapstructure:"max_rate_limit_waits"`
	MetadataAttempts  int           `mapstructure:"metadata_attempts"`
	Temperature       float64       `mapstructure:"temperature"`
	MaxTokens         int           `mapstructure:"max_tokens"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	RateLimit         struct {
		Limit  int           `mapstructure:"limit"`
		Period time.Duration `mapstructure:"period"`
		// Shared counts admissions in the Redis cache so every process
		// draws from one window.
		Shared bool `mapstructure:"shared"`
	} `mapstructure:"rate_limit"`
}

// LLMConfig configures the generative service clients.
type LLMConfig struct {
	OpenAI struct {
		Endpoint string        `mapstructure:"endpoint"`
		APIKey   string        `mapstructure:"api_key"`
		Timeout  time.Duration `mapstructure:"timeout"`
	} `mapstructure:"openai"`
	Gemini struct {
		APIKey    string `mapstructure:"api_key"`
		Model     string `mapstructure:"model"`
		BaseURL   string `mapstructure:"base_url"`
		RateLimit struct {
			Limit  int           `mapstructure:"limit"`
			Period time.Duration `mapstructure:"period"`
		} `mapstructure:"rate_limit"`
	} `mapstructure:"gemini"`
}

// DestinationConfig selects where raw items and articles are written.
type DestinationConfig struct {
	Backend string `mapstructure:"backend"`
	HTTP    struct {
		RawURL     string        `mapstructure:"raw_url"`
		ArticleURL string        `mapstructure:"article_url"`
		APIKey     string        `mapstructure:"api_key"`
		Timeout    time.Duration `mapstructure:"timeout"`
	} `mapstructure:"http"`
	Postgres struct {
		DSN             string        `mapstructure:"dsn"`
		RawTable        string        `mapstructure:"raw_table"`
		ArticleTable    string        `mapstructure:"article_table"`
		MaxConns        int32         `mapstructure:"max_conns"`
		MinConns        int32         `mapstructure:"min_conns"`
		MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
		EnsureSchema    bool          `mapstructure:"ensure_schema"`
	} `mapstructure:"postgres"`
}

// PublisherConfig controls publish retries and marker TTLs.
type PublisherConfig struct {
	Attempts   int           `mapstructure:"attempts"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	LinkTTL    time.Duration `mapstructure:"link_ttl"`
	ArticleTTL time.Duration `mapstructure:"article_ttl"`
}

// ArchiveConfig selects the article archive. Backend "none" disables it.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Prefix  string `mapstructure:"prefix"`
	GCS     struct {
		Bucket string `mapstructure:"bucket"`
		Prefix string `mapstructure:"prefix"`
	} `mapstructure:"gcs"`
	Local struct {
		BaseDir string `mapstructure:"base_dir"`
	} `mapstructure:"local"`
}

// ScheduleConfig holds six-field cron specs. Empty disables a job.
type ScheduleConfig struct {
	Scan         string `mapstructure:"scan"`
	ProxyRefresh string `mapstructure:"proxy_refresh"`
}

// ConsumersConfig configures the scrape and rewrite consumers.
type ConsumersConfig struct {
	Scrape  ConsumerConfig `mapstructure:"scrape"`
	Rewrite ConsumerConfig `mapstructure:"rewrite"`
	// MaxTrials is how many failed rewrites a raw record gets.
	MaxTrials int           `mapstructure:"max_trials"`
	DropTTL   time.Duration `mapstructure:"drop_ttl"`
}

// ConsumerConfig mirrors queue.Options.
type ConsumerConfig struct {
	Autostart     bool          `mapstructure:"autostart"`
	StopWhenIdle  bool          `mapstructure:"stop_when_idle"`
	IdleWindow    time.Duration `mapstructure:"idle_window"`
	PollWait      time.Duration `mapstructure:"poll_wait"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	MaxDeliveries int           `mapstructure:"max_deliveries"`
	Prefetch      int           `mapstructure:"prefetch"`
}

// TelemetryConfig names the service for tracing.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
	Tracing     bool   `mapstructure:"tracing"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PIPELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.badger.dir", "data/cache")
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.pubsub.ack_deadline", "60s")
	v.SetDefault("queue.pubsub.create_missing", true)
	v.SetDefault("queue.kafka.group_prefix", "story-pipeline-")

	v.SetDefault("proxy.ttl", "1h")
	v.SetDefault("proxy.check_timeout", "5s")
	v.SetDefault("proxy.check_concurrency", 50)
	v.SetDefault("proxy.lock_ttl", "2m")
	v.SetDefault("proxy.lock_wait", "5s")

	v.SetDefault("fetch.user_agent", "story-pipeline/0.1")
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.attempt_timeout", "5s")
	v.SetDefault("fetch.agents_per_proxy", 2)
	v.SetDefault("fetch.domain_rps", 1.0)
	v.SetDefault("fetch.domain_burst", 2)
	v.SetDefault("fetch.headless.max_parallel", 1)
	v.SetDefault("fetch.headless.navigation_timeout", "25s")

	v.SetDefault("sources.cache_ttl", "20m")

	v.SetDefault("scraper.min_content_length", 200)
	v.SetDefault("scraper.ban_ttl", "2h")
	v.SetDefault("scraper.social_base_url", "https://oauth.reddit.com")
	v.SetDefault("scraper.post_link_base", "https://www.reddit.com")

	v.SetDefault("rewriter.primary_model", "mixtral-8x7b-32768")
	v.SetDefault("rewriter.large_context_words", 2500)
	v.SetDefault("rewriter.truncate_words", 2000)
	v.SetDefault("rewriter.attempts", 5)
	v.SetDefault("rewriter.min_words", 50)
	v.SetDefault("rewriter.temperature", 1.0)
	v.SetDefault("rewriter.max_tokens", 1024)
	v.SetDefault("rewriter.rate_limit.limit", 30)
	v.SetDefault("rewriter.rate_limit.period", "1m")

	v.SetDefault("llm.openai.timeout", "60s")
	v.SetDefault("llm.gemini.rate_limit.limit", 15)
	v.SetDefault("llm.gemini.rate_limit.period", "1m")

	v.SetDefault("destination.backend", "memory")
	v.SetDefault("destination.http.timeout", "30s")

	v.SetDefault("publisher.attempts", 3)
	v.SetDefault("publisher.retry_delay", "2s")
	v.SetDefault("publisher.link_ttl", "1h")
	v.SetDefault("publisher.article_ttl", "168h")

	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "articles")
	v.SetDefault("archive.local.base_dir", "data/archive")

	v.SetDefault("consumers.max_trials", 2)
	v.SetDefault("consumers.drop_ttl", "168h")
	for _, name := range []string{"scrape", "rewrite"} {
		v.SetDefault("consumers."+name+".autostart", true)
		v.SetDefault("consumers."+name+".idle_window", "10s")
		v.SetDefault("consumers."+name+".poll_wait", "3s")
		v.SetDefault("consumers."+name+".retry_delay", "5s")
		v.SetDefault("consumers."+name+".max_deliveries", 5)
		v.SetDefault("consumers."+name+".prefetch", 1)
	}

	v.SetDefault("telemetry.service_name", "story-pipeline")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.tracing", true)
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", field, strings.Join(allowed, ", "), value)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}

	if err := oneOf("cache.backend", c.Cache.Backend, "memory", "redis", "badger"); err != nil {
		errs = append(errs, err)
	}
	if c.Cache.Backend == "redis" && c.Cache.Redis.URL == "" && c.Cache.Redis.Addr == "" {
		errs = append(errs, errors.New("cache.redis.url or cache.redis.addr is required"))
	}
	if c.Cache.Backend == "badger" && c.Cache.Badger.Dir == "" && !c.Cache.Badger.InMemory {
		errs = append(errs, errors.New("cache.badger.dir is required unless in_memory is set"))
	}

	if err := oneOf("queue.backend", c.Queue.Backend, "memory", "pubsub", "kafka"); err != nil {
		errs = append(errs, err)
	}
	if c.Queue.Backend == "pubsub" && c.Queue.PubSub.ProjectID == "" {
		errs = append(errs, errors.New("queue.pubsub.project_id is required"))
	}
	if c.Queue.Backend == "kafka" && len(c.Queue.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("queue.kafka.brokers is required"))
	}

	if err := oneOf("destination.backend", c.Destination.Backend, "memory", "http", "postgres"); err != nil {
		errs = append(errs, err)
	}
	if c.Destination.Backend == "http" && (c.Destination.HTTP.RawURL == "" || c.Destination.HTTP.ArticleURL == "") {
		errs = append(errs, errors.New("destination.http.raw_url and article_url are required"))
	}
	if c.Destination.Backend == "postgres" && c.Destination.Postgres.DSN == "" {
		errs = append(errs, errors.New("destination.postgres.dsn is required"))
	}

	if err := oneOf("archive.backend", c.Archive.Backend, "none", "memory", "local", "gcs"); err != nil {
		errs = append(errs, err)
	}
	if c.Archive.Backend == "gcs" && c.Archive.GCS.Bucket == "" {
		errs = append(errs, errors.New("archive.gcs.bucket is required"))
	}

	if c.Proxy.Enabled && len(c.Proxy.Directories) == 0 {
		errs = append(errs, errors.New("proxy.directories must list at least one directory when proxies are enabled"))
	}
	if c.Fetch.Headless.Enabled && c.Fetch.Headless.MaxParallel <= 0 {
		errs = append(errs, errors.New("fetch.headless.max_parallel must be > 0 when headless is enabled"))
	}
	if c.Rewriter.RateLimit.Limit <= 0 || c.Rewriter.RateLimit.Period <= 0 {
		errs = append(errs, errors.New("rewriter.rate_limit.limit and period must be > 0"))
	}
	if c.LLM.Gemini.APIKey != "" && (c.LLM.Gemini.RateLimit.Limit <= 0 || c.LLM.Gemini.RateLimit.Period <= 0) {
		errs = append(errs, errors.New("llm.gemini.rate_limit.limit and period must be > 0"))
	}
	if c.Rewriter.RateLimit.Shared && c.Cache.Backend != "redis" {
		errs = append(errs, errors.New("rewriter.rate_limit.shared requires the redis cache backend"))
	}
	return errors.Join(errs...)
}
