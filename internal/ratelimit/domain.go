package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/story-pipeline/internal/telemetry"
)

// DomainLimiter paces page fetches per host with a token bucket each.
type DomainLimiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// DomainConfig holds per-host limiter settings.
type DomainConfig struct {
	DefaultRPS   float64
	DefaultBurst int
}

// NewDomainLimiter creates a DomainLimiter. A non-positive rate disables pacing.
func NewDomainLimiter(cfg DomainConfig) *DomainLimiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &DomainLimiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until a token is available for the URL's host. Hosts are keyed
// case-insensitively and URLs without a scheme share the bucket of their host.
func (l *DomainLimiter) Wait(ctx context.Context, rawURL string) error {
	host := telemetry.SanitizeSite(rawURL)
	limiter := l.forHost(host)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", host, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		telemetry.ObserveRateLimitDelay("domain:"+host, waited)
	}
	return nil
}

func (l *DomainLimiter) forHost(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[host] = limiter
	}
	return limiter
}
