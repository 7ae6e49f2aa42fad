// Package ratelimit paces outbound work with one token bucket per key.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/marketpulse/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// Name labels the wait-time metric.
	Name  string
	RPS   float64
	Burst int
}

// Limiter manages one token bucket per key (a domain, or a delivery channel).
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	name     string
	rate     rate.Limit
	burst    int
}

// New creates a Limiter. A non-positive RPS disables limiting.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	name := cfg.Name
	if name == "" {
		name = "default"
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		name:     name,
		rate:     r,
		burst:    burst,
	}
}

// Wait blocks until the domain of rawURL has a token.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	return l.WaitKey(ctx, Domain(rawURL))
}

// WaitKey blocks until key has a token or ctx is done.
func (l *Limiter) WaitKey(ctx context.Context, key string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", key, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(l.name, waited)
	}
	return nil
}

// Domain returns the lowercase host of rawURL, or "unknown".
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
