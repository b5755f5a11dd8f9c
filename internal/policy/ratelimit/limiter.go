// Package ratelimit implements the single global token bucket that throttles
// every outbound fetch.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
)

// Limiter wraps one token bucket shared by all workers.
type Limiter struct {
	limiter *rate.Limiter
	observe func(time.Duration)
}

// Config holds rate limiter configuration.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	// OnDelay, when set, receives every wait longer than a millisecond.
	OnDelay func(time.Duration)
}

// New creates a new Limiter. A non-positive rate disables throttling.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiter: rate.NewLimiter(r, burst),
		observe: cfg.OnDelay,
	}
}

// Wait blocks until a token is available, respecting the context.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond && l.observe != nil {
		l.observe(d)
	}
	return nil
}

type throttledFetcher struct {
	next    harvest.Fetcher
	limiter *Limiter
}

// Wrap returns a Fetcher that waits on the limiter before delegating.
// A canceled wait surfaces as a transient result so the item can be retried
// or recorded like any other network failure.
func Wrap(next harvest.Fetcher, l *Limiter) harvest.Fetcher {
	return &throttledFetcher{next: next, limiter: l}
}

func (f *throttledFetcher) Fetch(ctx context.Context, url string) harvest.FetchResult {
	if err := f.limiter.Wait(ctx); err != nil {
		return harvest.Transient(url, 0, "canceled")
	}
	return f.next.Fetch(ctx, url)
}
