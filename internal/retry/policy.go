// Package retry holds the backoff policy shared by the fan-out and dispatch stages.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes how a failed message is delayed before it is redelivered.
//
// Delay(n) = Base * Multiplier^n, capped at MaxDelay, where n is the ordinal of the
// retry being scheduled (1 for the first retry). A message that has already been
// retried MaxRetries times is dead-lettered instead.
type Policy struct {
	Base       time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     float64
	MaxRetries int
	// Priority is the broker priority given to retry copies.
	Priority uint8
	// ThrottleMultiplier stretches the delay when the endpoint answered 429.
	ThrottleMultiplier float64
}

func FanoutPolicy() Policy {
	return Policy{
		Base:               15 * time.Second,
		MaxDelay:           1 * time.Hour,
		Multiplier:         2.0,
		MaxRetries:         5,
		Priority:           10,
		ThrottleMultiplier: 1.0,
	}
}

func DispatchPolicy() Policy {
	return Policy{
		Base:               30 * time.Second,
		MaxDelay:           1 * time.Hour,
		Multiplier:         2.0,
		MaxRetries:         5,
		Priority:           10,
		ThrottleMultiplier: 2.0,
	}
}

// CanRetry reports whether a message that was already retried retryCount times
// may be retried again.
func (p Policy) CanRetry(retryCount int) bool {
	return retryCount < p.MaxRetries
}

func (p Policy) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	delay := float64(p.Base) * math.Pow(p.Multiplier, float64(retry))

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter > 0 {
		jitterRange := delay * p.Jitter
		jitterOffset := (rand.Float64()*2 - 1) * jitterRange
		delay += jitterOffset
	}

	return time.Duration(delay)
}

// ThrottledDelay is Delay for a 429 answer. A Retry-After hint wins when it asks
// for more time than the policy would give.
func (p Policy) ThrottledDelay(retry int, retryAfter time.Duration) time.Duration {
	delay := p.Delay(retry)
	if p.ThrottleMultiplier > 1 {
		delay = time.Duration(float64(delay) * p.ThrottleMultiplier)
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if retryAfter > delay {
		delay = retryAfter
	}
	return delay
}
