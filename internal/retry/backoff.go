// Package retry provides the shared exponential-backoff-with-jitter policies
// used by the dispatcher, queue consumers, and API clients.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// Policy describes one named backoff schedule.
type Policy struct {
	Name            string        `yaml:"name"`
	Base            time.Duration `yaml:"base"`
	ExponentialBase float64       `yaml:"exponential_base"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	MaxRetries      int           `yaml:"max_retries"`
	Jitter          bool          `yaml:"jitter"`
}

// The three named policies. Aggressive is used for 429-class transient
// errors against the orchestrator; conservative disables jitter so its
// schedule is deterministic.
var (
	Default = Policy{
		Name: "default", Base: 2 * time.Second, ExponentialBase: 2,
		MaxDelay: 300 * time.Second, MaxRetries: 5, Jitter: true,
	}
	Aggressive = Policy{
		Name: "aggressive", Base: 1 * time.Second, ExponentialBase: 1.5,
		MaxDelay: 600 * time.Second, MaxRetries: 10, Jitter: true,
	}
	Conservative = Policy{
		Name: "conservative", Base: 5 * time.Second, ExponentialBase: 2,
		MaxDelay: 300 * time.Second, MaxRetries: 3, Jitter: false,
	}
)

// NextDelay computes the wait before retry number attempt (0-based).
// delay = min(max_delay, base · exponential_base^attempt), plus jitter
// drawn uniformly from [0, 0.25·delay] when enabled.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.Base) * math.Pow(p.ExponentialBase, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		delay += rand.Float64() * 0.25 * delay
	}
	return time.Duration(delay)
}

// Exhausted reports whether attempt (0-based count of retries already made)
// has consumed the policy's retry budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxRetries
}

// RetryableStatus classifies an HTTP status code received from the executor
// driver or orchestrator API. Connection errors and timeouts are always
// retryable; of the 4xx family only 408 and 429 are.
func RetryableStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

// RetryableError classifies transport-level errors: network failures and
// deadline expiry retry; everything else does not.
func RetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Do runs fn until it succeeds, the policy is exhausted, or ctx is done.
// fn's error is inspected with retryable; a nil retryable means every error
// retries. The last error is returned on exhaustion.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func() error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if p.Exhausted(attempt) {
			return lastErr
		}
		select {
		case <-time.After(p.NextDelay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
