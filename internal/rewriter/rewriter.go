// Package rewriter turns raw scraped text into a structured article through
// a generative text service.
package rewriter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/story-pipeline/internal/llm"
	"github.com/JakeFAU/story-pipeline/internal/pipeline"
	"github.com/JakeFAU/story-pipeline/internal/ratelimit"
	"github.com/JakeFAU/story-pipeline/internal/telemetry"
)

// FallbackModelName selects the large-context client from a source config.
const FallbackModelName = "gemini"

// ErrExhausted is returned when no acceptable rewrite was produced.
var ErrExhausted = errors.New("rewrite attempts exhausted")

var errTooShort = errors.New("rewrite too short")

// Config tunes model routing and retries.
type Config struct {
	PrimaryModel      string
	LargeContextWords int
	TruncateWords     int
	FallbackAttempts  int
	FallbackMinWords  int
	Attempts          int
	MinWords          int
	MaxRateLimitWaits int
	MetadataAttempts  int
	Temperature       float64
	MaxTokens         int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

func (c Config) withDefaults() Config {
	if c.PrimaryModel == "" {
		c.PrimaryModel = "mixtral-8x7b-32768"
	}
	if c.LargeContextWords <= 0 {
		c.LargeContextWords = 2500
	}
	if c.TruncateWords <= 0 {
		c.TruncateWords = 2000
	}
	if c.FallbackAttempts <= 0 {
		c.FallbackAttempts = 3
	}
	if c.FallbackMinWords <= 0 {
		c.FallbackMinWords = 300
	}
	if c.Attempts <= 0 {
		c.Attempts = 5
	}
	if c.MinWords <= 0 {
		c.MinWords = 50
	}
	if c.MaxRateLimitWaits <= 0 {
		c.MaxRateLimitWaits = 10
	}
	if c.MetadataAttempts <= 0 {
		c.MetadataAttempts = 3
	}
	if c.Temperature <= 0 {
		c.Temperature = 1
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	return c
}

// Rewriter routes content between a primary and a large-context client.
type Rewriter struct {
	cfg      Config
	primary  llm.Client
	fallback llm.Client
	limiter  ratelimit.Admitter
	// fallbackLimiter defaults to limiter.
	fallbackLimiter ratelimit.Admitter
	retry           pipeline.RetryPolicy
	clock           pipeline.Clock
	sleep           func(context.Context, time.Duration) error
	logger          *zap.Logger
}

// Option customizes a Rewriter.
type Option func(*Rewriter)

// WithFallback sets the large-context client.
func WithFallback(c llm.Client) Option {
	return func(r *Rewriter) {
		r.fallback = c
	}
}

// WithFallbackLimiter admits large-context calls through their own window.
func WithFallbackLimiter(l ratelimit.Admitter) Option {
	return func(r *Rewriter) {
		r.fallbackLimiter = l
	}
}

// WithRetryPolicy overrides the backoff between failed primary calls.
func WithRetryPolicy(p pipeline.RetryPolicy) Option {
	return func(r *Rewriter) {
		r.retry = p
	}
}

// WithSleep replaces the wait used for backoff and rate-limit pauses.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(r *Rewriter) {
		r.sleep = fn
	}
}

// New builds a Rewriter. Every primary call is admitted through limiter.
func New(cfg Config, primary llm.Client, limiter ratelimit.Admitter, clock pipeline.Clock, logger *zap.Logger, opts ...Option) (*Rewriter, error) {
	if primary == nil {
		return nil, errors.New("rewriter requires a primary client")
	}
	if limiter == nil {
		return nil, errors.New("rewriter requires a rate limiter")
	}
	if clock == nil {
		return nil, errors.New("rewriter requires a clock")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	r := &Rewriter{
		cfg:     cfg,
		primary: primary,
		limiter: limiter,
		retry:   pipeline.NewRetryPolicy(cfg.Attempts, cfg.BackoffBase, cfg.BackoffMax),
		clock:   clock,
		sleep:   pipeline.Sleep,
		logger:  logger.Named("rewriter"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.fallbackLimiter == nil {
		r.fallbackLimiter = limiter
	}
	return r, nil
}

// Rewrite produces the article fields for item using src's prompts.
func (r *Rewriter) Rewrite(ctx context.Context, item pipeline.CandidateItem, src pipeline.SourceConfig) (pipeline.RewriteResult, error) {
	logger := r.logger.With(zap.String("link", item.Link), zap.String("source", src.ID))
	prompt := ExpandPrompt(src.ContentPrompt, r.clock.Now())
	content := item.RawContent

	model := src.Model
	if model == "" {
		model = r.cfg.PrimaryModel
	}

	var (
		text string
		err  error
	)
	if model == FallbackModelName || WordCount(content) > r.cfg.LargeContextWords {
		text, err = r.viaFallback(ctx, prompt, content)
		if err != nil {
			logger.Info("large-context rewrite failed, truncating for primary model",
				zap.Int("words", WordCount(content)), zap.Error(err))
			content = Truncate(content, r.cfg.TruncateWords)
			if model == FallbackModelName {
				model = r.cfg.PrimaryModel
			}
		}
	}
	if text == "" {
		text, err = r.viaPrimary(ctx, model, prompt, content)
		if err != nil {
			telemetry.ObserveRewrite("primary", "exhausted")
			return pipeline.RewriteResult{}, err
		}
	}

	res := ExtractFields(text)
	if res.Title == "" && src.MetadataPrompt != "" {
		meta := r.metadata(ctx, src.MetadataPrompt, res.Body)
		res.Title = meta.Title
		if res.Excerpt == "" {
			res.Excerpt = meta.Summary
		}
		if len(res.Tags) == 0 {
			res.Tags = meta.Tags
		}
	}
	logger.Info("item rewritten", zap.String("title", res.Title), zap.Int("words", WordCount(res.Body)))
	return res, nil
}

// viaFallback admits each call through the fallback limiter. Rate-limit
// waits do not consume one of the FallbackAttempts.
func (r *Rewriter) viaFallback(ctx context.Context, prompt, content string) (string, error) {
	if r.fallback == nil {
		return "", errors.New("no large-context client configured")
	}
	req := llm.Request{
		Model: FallbackModelName,
		Messages: []llm.Message{
			{Role: "user", Content: fmt.Sprintf("<prompt>%s</prompt>\n<context>%s</context>", prompt, content)},
		},
	}
	attempt, waits := 0, 0
	var lastErr error
	for attempt < r.cfg.FallbackAttempts {
		if err := r.fallbackLimiter.Admit(ctx); err != nil {
			return "", err
		}
		text, err := r.fallback.Complete(ctx, req)

		var throttled *llm.RateLimitError
		if errors.As(err, &throttled) {
			waits++
			telemetry.ObserveRewrite("fallback", "rate_limited")
			if waits > r.cfg.MaxRateLimitWaits {
				return "", fmt.Errorf("%w: %w", ErrExhausted, err)
			}
			r.logger.Debug("fallback rate limited", zap.Duration("retry_after", throttled.RetryAfter))
			if sleepErr := r.sleep(ctx, throttled.RetryAfter); sleepErr != nil {
				return "", sleepErr
			}
			continue
		}

		attempt++
		if err == nil && WordCount(text) > r.cfg.FallbackMinWords {
			telemetry.ObserveRewrite("fallback", "ok")
			return text, nil
		}
		if err == nil {
			err = errTooShort
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("fallback canceled: %w", ctx.Err())
		}
		lastErr = err
		telemetry.ObserveRewrite("fallback", "retry")
	}
	return "", fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}

// viaPrimary retries failed or short answers with backoff. Rate-limit waits
// do not consume an attempt but are bounded separately.
func (r *Rewriter) viaPrimary(ctx context.Context, model, prompt, content string) (string, error) {
	req := llm.Request{
		Model: model,
		Messages: []llm.Message{
			{Role: "system", Content: prompt},
			{Role: "user", Content: content},
		},
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxTokens,
	}
	attempt, waits := 0, 0
	var lastErr error
	for attempt < r.cfg.Attempts {
		if err := r.limiter.Admit(ctx); err != nil {
			return "", err
		}
		text, err := r.primary.Complete(ctx, req)

		var throttled *llm.RateLimitError
		if errors.As(err, &throttled) {
			waits++
			telemetry.ObserveRewrite("primary", "rate_limited")
			if waits > r.cfg.MaxRateLimitWaits {
				return "", fmt.Errorf("%w: %w", ErrExhausted, err)
			}
			r.logger.Debug("rate limited", zap.Duration("retry_after", throttled.RetryAfter))
			if sleepErr := r.sleep(ctx, throttled.RetryAfter); sleepErr != nil {
				return "", sleepErr
			}
			continue
		}

		attempt++
		if err == nil && WordCount(text) >= r.cfg.MinWords {
			telemetry.ObserveRewrite("primary", "ok")
			return text, nil
		}
		if err == nil {
			err = errTooShort
		}
		lastErr = err
		telemetry.ObserveRewrite("primary", "retry")
		if !r.retry.ShouldRetry(err, attempt) {
			break
		}
		if sleepErr := r.sleep(ctx, r.retry.Backoff(attempt)); sleepErr != nil {
			return "", sleepErr
		}
	}
	return "", fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}

// metadata asks for {title, summary, tags}. Failures yield empty metadata.
func (r *Rewriter) metadata(ctx context.Context, prompt, body string) Metadata {
	req := llm.Request{
		Model: r.cfg.PrimaryModel,
		Messages: []llm.Message{
			{Role: "system", Content: ExpandPrompt(prompt, r.clock.Now())},
			{Role: "user", Content: body},
		},
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxTokens,
	}
	for attempt := 1; attempt <= r.cfg.MetadataAttempts; attempt++ {
		if err := r.limiter.Admit(ctx); err != nil {
			return Metadata{}
		}
		text, err := r.primary.Complete(ctx, req)
		if err != nil {
			var throttled *llm.RateLimitError
			if errors.As(err, &throttled) {
				if r.sleep(ctx, throttled.RetryAfter) != nil {
					return Metadata{}
				}
			}
			continue
		}
		if meta := ParseMetadata(text); !meta.empty() {
			return meta
		}
	}
	r.logger.Debug("metadata prompt produced nothing usable")
	return Metadata{}
}
