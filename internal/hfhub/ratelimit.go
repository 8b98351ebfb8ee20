package hfhub

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiterPool manages per-host rate limiters. Every request the client
// sends to a host passes through that host's limiter, so API calls, LFS
// transfers and downloads share one budget.
type RateLimiterPool struct {
	limiters map[string]*rate.Limiter
	rates    map[string]int
	mu       sync.Mutex
}

// NewRateLimiterPool creates an empty pool.
func NewRateLimiterPool() *RateLimiterPool {
	return &RateLimiterPool{
		limiters: make(map[string]*rate.Limiter),
		rates:    make(map[string]int),
	}
}

// GetOrCreate returns the limiter for a host, creating it on first use.
// A host keeps the rate it was created with even when a different rate is
// requested later.
func (p *RateLimiterPool) GetOrCreate(host string, requestsPerMinute int) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limiter, exists := p.limiters[host]; exists {
		if existing, ok := p.rates[host]; ok && existing != requestsPerMinute {
			slog.Warn("Rate limiter already exists with a different rate, keeping the existing one",
				"host", host,
				"existing_rpm", existing,
				"requested_rpm", requestsPerMinute)
		}
		return limiter
	}

	rps := float64(requestsPerMinute) / 60.0
	burst := max(5, requestsPerMinute/5)
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	p.limiters[host] = limiter
	p.rates[host] = requestsPerMinute

	slog.Debug("Created rate limiter",
		"host", host,
		"rpm", requestsPerMinute,
		"rps", rps,
		"burst", burst)

	return limiter
}

// Wait blocks until the host's limiter admits the next request.
func (p *RateLimiterPool) Wait(ctx context.Context, host string, requestsPerMinute int) error {
	return p.GetOrCreate(host, requestsPerMinute).Wait(ctx)
}
