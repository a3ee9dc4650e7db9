// Package resilience protects subscriber endpoints from the dispatch stage:
// a per-endpoint token bucket (golang.org/x/time/rate) paces outbound calls and
// a per-host circuit breaker (github.com/sony/gobreaker) stops calling hosts
// that keep failing.
package resilience

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiterConfig defines the rate limiting parameters.
//
// RequestsPerSecond controls the steady-state rate of allowed requests.
// BurstSize allows temporary spikes above the rate limit.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 100,
		BurstSize:         10,
	}
}

// RateLimiterManager maintains one limiter per endpoint, created on first use.
type RateLimiterManager struct {
	config   RateLimiterConfig
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

func NewRateLimiterManager(config RateLimiterConfig) *RateLimiterManager {
	return &RateLimiterManager{
		config:   config,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (m *RateLimiterManager) limiter(key string) *rate.Limiter {
	m.mu.RLock()
	limiter, exists := m.limiters[key]
	m.mu.RUnlock()

	if exists {
		return limiter
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if limiter, exists = m.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(m.config.RequestsPerSecond), m.config.BurstSize)
	m.limiters[key] = limiter
	return limiter
}

// Allow reports whether a request for key may go out right now.
func (m *RateLimiterManager) Allow(key string) bool {
	return m.limiter(key).Allow()
}

// Wait blocks until a request for key may go out or ctx is done.
func (m *RateLimiterManager) Wait(ctx context.Context, key string) error {
	return m.limiter(key).Wait(ctx)
}
