// Package resilience holds the retry and circuit-breaker primitives shared by
// the relay loop and the upstream client.
package resilience

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the upstream connect breaker.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	FailureRatio     float64
	MinRequests      uint32
	IsSuccessful     func(err error) bool
}

// DefaultBreakerConfig returns settings sized for a single upstream endpoint:
// the breaker only reacts to sustained connect-level failure, never to
// per-request status classification.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      3,
		Interval:         10 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.5,
		MinRequests:      10,
		IsSuccessful:     func(err error) bool { return err == nil },
	}
}

// CircuitBreaker wraps gobreaker with the threshold semantics above.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewCircuitBreaker builds a breaker from cfg.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			if counts.ConsecutiveFailures >= cfg.FailureThreshold {
				return true
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		IsSuccessful: cfg.IsSuccessful,
	}
	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn under the breaker.
func (c *CircuitBreaker) Execute(fn func() (any, error)) (any, error) {
	return c.cb.Execute(fn)
}

// State exposes the breaker state for the admin surface.
func (c *CircuitBreaker) State() gobreaker.State { return c.cb.State() }

// ErrOpenState reports whether err is the breaker rejecting fast.
func ErrOpenState(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}

// NewRetryPolicy builds a failsafe retry policy with capped exponential
// backoff, used where a short self-contained retry is enough (guest token
// fetch). The relay loop has its own failover semantics and does not use it.
func NewRetryPolicy[R any](maxRetries int, baseDelay, maxDelay time.Duration) retrypolicy.RetryPolicy[R] {
	return retrypolicy.NewBuilder[R]().
		WithMaxRetries(maxRetries).
		WithBackoff(baseDelay, maxDelay).
		Build()
}

// GrowDelay computes baseDelay * 2^attempt capped at maxDelay, for failures
// that deserve a growing wait (rate limiting).
func GrowDelay(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	delay := baseDelay * time.Duration(1<<attempt)
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// WaitWithContext sleeps for delay unless ctx ends first.
func WaitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryBudget is a token bucket bounding concurrent retries so a failing
// upstream is not hammered by every in-flight request at once.
type RetryBudget struct {
	capacity    atomic.Int64
	maxCapacity int64
}

// NewRetryBudget creates a budget with maxCapacity tokens.
func NewRetryBudget(maxCapacity int64) *RetryBudget {
	if maxCapacity <= 0 {
		maxCapacity = 50
	}
	rb := &RetryBudget{maxCapacity: maxCapacity}
	rb.capacity.Store(maxCapacity)
	return rb
}

// TryAcquire takes one token, reporting false when the budget is spent.
func (rb *RetryBudget) TryAcquire() bool {
	for {
		current := rb.capacity.Load()
		if current <= 0 {
			return false
		}
		if rb.capacity.CompareAndSwap(current, current-1) {
			return true
		}
	}
}

// Release returns one token.
func (rb *RetryBudget) Release() {
	for {
		current := rb.capacity.Load()
		if current >= rb.maxCapacity {
			return
		}
		if rb.capacity.CompareAndSwap(current, current+1) {
			return
		}
	}
}

// Available returns the tokens currently held.
func (rb *RetryBudget) Available() int64 { return rb.capacity.Load() }
