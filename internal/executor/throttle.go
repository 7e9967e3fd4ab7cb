package executor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle gates spec attempts for one run. Each rate-limit signal halves
// the number of attempts allowed in flight, down to one, and spaces out
// admissions by the retry-after hint.
type Throttle struct {
	mu       sync.Mutex
	width    int
	inFlight int
	wake     chan struct{}
	limiter  *rate.Limiter
}

func NewThrottle(width int) *Throttle {
	if width <= 0 {
		width = 1
	}
	return &Throttle{
		width:   width,
		wake:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
}

// Acquire blocks until an attempt may start.
func (t *Throttle) Acquire(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	for {
		t.mu.Lock()
		if t.inFlight < t.width {
			t.inFlight++
			t.mu.Unlock()
			return nil
		}
		wake := t.wake
		t.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

func (t *Throttle) Release() {
	t.mu.Lock()
	if t.inFlight > 0 {
		t.inFlight--
	}
	close(t.wake)
	t.wake = make(chan struct{})
	t.mu.Unlock()
}

// Backoff records a rate-limit signal.
func (t *Throttle) Backoff(hint time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.width > 1 {
		t.width /= 2
	}
	if hint > 0 {
		t.limiter.SetLimit(rate.Every(hint))
	}
}

// Width is the current number of attempts allowed in flight.
func (t *Throttle) Width() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.width
}
