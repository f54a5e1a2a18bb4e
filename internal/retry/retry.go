// Package retry runs an operation under a bounded attempt budget with
// exponential or linear backoff between attempts.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/alanyoungcy/swapbot/internal/clock"
)

// Policy describes an attempt budget and the delay schedule between attempts.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Base is the delay after the first failed attempt.
	Base time.Duration
	// Max caps a single delay. Zero means no practical cap.
	Max time.Duration
	// Linear switches the schedule from Base*2^(n-1) to Base*n.
	Linear bool
	// Sleep waits between attempts. Defaults to clock.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Delay returns the wait after failed attempt n (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.Base <= 0 {
		return 0
	}
	if p.Linear {
		d := p.Base * time.Duration(attempt)
		if p.Max > 0 && d > p.Max {
			return p.Max
		}
		return d
	}
	max := p.Max
	if max <= 0 {
		max = p.Base << 20
	}
	b := &backoff.Backoff{Min: p.Base, Max: max, Factor: 2}
	return b.ForAttempt(float64(attempt - 1))
}

// ExhaustedError wraps the last failure once every attempt has been used.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do calls fn until it succeeds, returns an error retryable rejects, or the
// budget runs out. A nil retryable treats every error as retryable. Errors
// that are not retried are returned unchanged.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, retryable func(error) bool) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = clock.Sleep
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return fmt.Errorf("retry: interrupted after attempt %d: %w", attempt-1, err)
			}
			return err
		}
		last = fn(ctx, attempt)
		if last == nil {
			return nil
		}
		if retryable != nil && !retryable(last) {
			return last
		}
		if attempt == attempts {
			break
		}
		wait := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, last, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return fmt.Errorf("retry: interrupted after attempt %d: %w", attempt, err)
		}
	}
	return &ExhaustedError{Attempts: attempts, Err: last}
}
