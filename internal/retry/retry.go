// Package retry runs an operation under a bounded attempt policy.
//
// Only errors the policy marks retryable trigger another attempt; every other
// error ends the loop immediately. The default predicate retries ErrPending,
// which is what a poll step returns while the upstream job is still running.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrPending marks an attempt that completed cleanly but whose result is not ready yet.
var ErrPending = errors.New("not ready")

// Pending wraps ErrPending with the observed status.
func Pending(status string) error {
	return fmt.Errorf("%w: status=%q", ErrPending, status)
}

// Policy configures Do.
//
// Edge cases:
//   - MaxAttempts < 1 is treated as 1.
//   - A nil Delay means no pause between attempts.
//   - A nil Retryable retries ErrPending only.
//   - A nil Sleep uses a timer that returns early on ctx cancellation.
type Policy struct {
	MaxAttempts int
	Delay       func(attempt int) time.Duration
	Retryable   func(err error) bool

	// Sleep returns false when ctx was cancelled during the wait.
	Sleep func(ctx context.Context, d time.Duration) bool

	// OnRetry is called after a retryable failure, before sleeping.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Fixed returns a policy of n attempts with a constant pause between them.
func Fixed(n int, every time.Duration) Policy {
	return Policy{
		MaxAttempts: n,
		Delay:       func(int) time.Duration { return every },
	}
}

// ExhaustedError is returned when the last allowed attempt still failed retryably.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Do calls fn until it succeeds, returns a non-retryable error, or the attempts run out.
// fn receives the 1-based attempt number. There is no pause after the final attempt.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = func(err error) bool { return errors.Is(err, ErrPending) }
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if attempt >= maxAttempts {
			return &ExhaustedError{Attempts: attempt, Last: err}
		}

		var wait time.Duration
		if p.Delay != nil {
			wait = p.Delay(attempt)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		if wait > 0 && !sleep(ctx, wait) {
			return ctx.Err()
		}
	}
}

// SleepContext waits for d or until ctx is done. It returns false on cancellation.
func SleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
