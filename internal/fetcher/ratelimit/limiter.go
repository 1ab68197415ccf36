// Package ratelimit bounds the request rate a Fetcher sends to each host.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rankwatch/rankwatch/internal/metrics"
	"github.com/rankwatch/rankwatch/internal/ranking"
)

// Config holds rate limiter configuration. A non-positive RPS disables limiting.
type Config struct {
	RPS   float64
	Burst int
}

// Limiter keeps one token bucket per host.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	metrics.Init()
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

// Wait blocks until a token is available for the host of rawURL.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// Fetcher delays each request of the wrapped Fetcher through a Limiter.
type Fetcher struct {
	next    ranking.Fetcher
	limiter *Limiter
}

// Wrap returns next guarded by limiter.
func Wrap(next ranking.Fetcher, limiter *Limiter) *Fetcher {
	return &Fetcher{next: next, limiter: limiter}
}

// Fetch implements ranking.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, req ranking.FetchRequest) (ranking.FetchResponse, error) {
	if err := f.limiter.Wait(ctx, req.URL); err != nil {
		return ranking.FetchResponse{}, err
	}
	resp, err := f.next.Fetch(ctx, req)
	if err != nil {
		return resp, fmt.Errorf("rate limited fetch: %w", err)
	}
	return resp, nil
}
