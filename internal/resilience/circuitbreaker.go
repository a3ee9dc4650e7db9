package resilience

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// A breaker opens once a host fails FailureRatio of at least MinRequests calls
// within Interval. It stays open for Timeout, then lets MaxRequests trial calls
// through half-open; one failure there opens it again.

// CircuitBreakerConfig defines the circuit breaker behavior.
//
// MaxRequests is the maximum number of requests allowed in half-open state.
// Interval is the cyclic period for clearing internal counts while closed.
// Timeout is how long to wait in open state before transitioning to half-open.
// FailureRatio is the failure percentage threshold to trip the breaker (0.0-1.0).
// MinRequests is the minimum requests needed before failure ratio is evaluated.
type CircuitBreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:  5,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  3,
	}
}

// CircuitBreakerState represents the current state of a circuit breaker.
type CircuitBreakerState string

const (
	CircuitBreakerStateClosed   CircuitBreakerState = "closed"
	CircuitBreakerStateOpen     CircuitBreakerState = "open"
	CircuitBreakerStateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerManager guards outbound webhook calls with one breaker per
// destination host, so a failing subscriber host does not hold back deliveries
// to healthy ones. Transport errors and 5xx answers count as failures.
type CircuitBreakerManager struct {
	config   CircuitBreakerConfig
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
	mu       sync.RWMutex

	onStateChange func(host string, from, to CircuitBreakerState)
}

func NewCircuitBreakerManager(config CircuitBreakerConfig) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		config:   config,
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
	}
}

// OnStateChange registers a callback for breaker transitions. Register it
// before the first Do.
func (m *CircuitBreakerManager) OnStateChange(fn func(host string, from, to CircuitBreakerState)) {
	m.onStateChange = fn
}

// Do runs call through the breaker of the host endpointURL points at. The
// response is returned as is, 5xx included, so the caller can classify it.
// While the breaker refuses calls, call is not run and the error satisfies
// IsOpen.
func (m *CircuitBreakerManager) Do(endpointURL string, call func() (*http.Response, error)) (*http.Response, error) {
	host := HostKey(endpointURL)

	done, err := m.breaker(host).Allow()
	if err != nil {
		return nil, fmt.Errorf("circuit breaker open for %s: %w", host, err)
	}

	resp, err := call()
	done(err == nil && resp.StatusCode < http.StatusInternalServerError)
	return resp, err
}

func (m *CircuitBreakerManager) breaker(host string) *gobreaker.TwoStepCircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[host]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, exists = m.breakers[host]; exists {
		return cb
	}

	cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: m.config.MaxRequests,
		Interval:    m.config.Interval,
		Timeout:     m.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < m.config.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= m.config.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if m.onStateChange != nil {
				m.onStateChange(name, toState(from), toState(to))
			}
		},
	})
	m.breakers[host] = cb
	return cb
}

// HostKey returns the host[:port] of rawURL, or rawURL itself when it has no
// host. Breakers and per-host metrics are keyed by it.
func HostKey(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		return u.Host
	}
	return rawURL
}

// IsOpen reports whether err came from a breaker refusing the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func toState(s gobreaker.State) CircuitBreakerState {
	switch s {
	case gobreaker.StateOpen:
		return CircuitBreakerStateOpen
	case gobreaker.StateHalfOpen:
		return CircuitBreakerStateHalfOpen
	default:
		return CircuitBreakerStateClosed
	}
}
