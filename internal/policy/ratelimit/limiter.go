// Package ratelimit throttles outbound calls with one token bucket per remote host.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
	"golang.org/x/time/rate"
)

// Config holds rate limiter configuration.
type Config struct {
	// RequestsPerSecond is the sustained rate per host. Zero or less disables limiting.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// Limiter manages per-host rate limits.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	now      func() time.Time
	sleep    crawler.SleepFunc
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock swaps the time source and sleeper, mostly for tests.
func WithClock(now func() time.Time, sleep crawler.SleepFunc) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

// New creates a new Limiter.
func New(cfg Config, opts ...Option) *Limiter {
	limit := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
		now:      time.Now,
		sleep:    crawler.SleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Wait blocks until a token is available for key or ctx ends.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	lim := l.limiterFor(key)
	now := l.now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return fmt.Errorf("rate limit wait: burst %d too small", l.burst)
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	metrics.ObserveRateLimitDelay(key, delay)
	if err := l.sleep(ctx, delay); err != nil {
		r.CancelAt(l.now())
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

func (l *Limiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	return lim
}

// HostKey reduces a URL to the host used as a limiter key.
func HostKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}

// Source wraps a crawler.Source so every remote call waits for a token first.
type Source struct {
	next    crawler.Source
	limiter *Limiter
	key     string
}

// NewSource throttles next under key, usually the host of the remote site.
func NewSource(next crawler.Source, limiter *Limiter, key string) *Source {
	return &Source{next: next, limiter: limiter, key: key}
}

// FetchItem waits for a token and delegates.
func (s *Source) FetchItem(ctx context.Context, key string) (crawler.ExtractedItem, error) {
	if err := s.limiter.Wait(ctx, s.key); err != nil {
		return crawler.ExtractedItem{}, err
	}
	return s.next.FetchItem(ctx, key) //nolint:wrapcheck
}

// FetchPage waits for a token and delegates.
func (s *Source) FetchPage(ctx context.Context, target crawler.Target, page int) (crawler.Page, error) {
	if err := s.limiter.Wait(ctx, s.key); err != nil {
		return crawler.Page{}, err
	}
	return s.next.FetchPage(ctx, target, page) //nolint:wrapcheck
}

// PerformAction waits for a token and delegates.
func (s *Source) PerformAction(ctx context.Context, kind crawler.ActionKind, id string) (bool, error) {
	if err := s.limiter.Wait(ctx, s.key); err != nil {
		return false, err
	}
	return s.next.PerformAction(ctx, kind, id) //nolint:wrapcheck
}
