package resilience

import (
	"context"
	"errors"
	"time"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryPolicy defines exponential retry behavior for transient failures.
// MaxRetries counts retries after the first attempt, so a policy with
// MaxRetries 3 runs at most four attempts.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	Multiplier float64
	MaxBackoff time.Duration

	// Retryable reports whether err is worth another attempt. Nil retries everything.
	Retryable func(err error) bool
	// OnRetry runs before each backoff sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
	Sleep   SleepFunc
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff, Multiplier: 2}
}

// NoRetry runs the operation exactly once.
func NoRetry() RetryPolicy {
	return RetryPolicy{}
}

// Delay returns the backoff before retry number attempt (zero based).
func (r RetryPolicy) Delay(attempt int) time.Duration {
	mult := r.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := r.Backoff
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * mult)
		if r.MaxBackoff > 0 && d >= r.MaxBackoff {
			return r.MaxBackoff
		}
	}
	if r.MaxBackoff > 0 && d > r.MaxBackoff {
		return r.MaxBackoff
	}
	return d
}

// Do runs fn until it succeeds, the retry budget is spent, the error is not
// retryable, or ctx is done. The last error is returned.
func (r RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	var err error
	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err == nil {
				return cerr
			}
			return errors.Join(err, cerr)
		}
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if attempt == r.MaxRetries || errors.Is(err, context.Canceled) {
			return err
		}
		if r.Retryable != nil && !r.Retryable(err) {
			return err
		}
		delay := r.Delay(attempt)
		if r.OnRetry != nil {
			r.OnRetry(attempt+1, err, delay)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return errors.Join(err, serr)
		}
	}
	return err
}

// SleepContext blocks for d unless ctx finishes first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
