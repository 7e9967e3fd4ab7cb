package executor

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"kse/internal/config"
	"kse/internal/domain"
)

// RetryPolicy decides how often and how long to wait between attempts of
// one spec. Sleep and Rand are injectable so tests can run without a clock.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter spreads each delay by up to ±Jitter of its value.
	Jitter float64
	// RetryFailures also retries ordinary failures; rate-limit failures
	// are always retried.
	RetryFailures bool

	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64
}

// PolicyFromConfig builds a retry policy from the executor config.
func PolicyFromConfig(c config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   c.MaxAttempts,
		BaseDelay:     c.BaseDelay,
		MaxDelay:      c.MaxDelay,
		Jitter:        c.Jitter,
		RetryFailures: c.RetryFailures,
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// ShouldRetry reports whether another attempt follows a failed attempt.
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if err == nil || attempt >= p.attempts() {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rl *domain.RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	return p.RetryFailures
}

// Delay is the wait before attempt+1. It doubles per attempt up to MaxDelay;
// a larger retry-after hint on a rate-limit error replaces the computed
// value.
func (p RetryPolicy) Delay(attempt int, err error) time.Duration {
	d := p.BaseDelay
	if d > 0 && attempt > 1 {
		d = time.Duration(float64(d) * math.Pow(2, float64(attempt-1)))
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 && d > 0 {
		r := rand.Float64
		if p.Rand != nil {
			r = p.Rand
		}
		d = time.Duration(float64(d) * (1 + p.Jitter*(2*r()-1)))
	}
	var rl *domain.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > d {
		d = rl.RetryAfter
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
