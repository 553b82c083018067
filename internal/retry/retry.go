package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Policy is an explicit retry schedule handed to callers as configuration.
//
// Attempt n (1-based) that fails waits Base*2^(n-1), capped at MaxDelay and
// scaled by a jitter factor in [1-Jitter, 1+Jitter]. An error carrying a
// RetryAfter hint overrides the computed delay (still capped).
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	MaxDelay    time.Duration
	Jitter      float64

	// Retryable decides whether an error is worth another attempt. Nil means
	// everything except NoRetry errors and context cancellation.
	Retryable func(error) bool

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Default returns the policy used when config leaves fields empty.
func Default() Policy {
	return Policy{MaxAttempts: 3, Base: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Jitter: 0.3}
}

// Once never retries.
func Once() Policy { return Policy{MaxAttempts: 1} }

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// WithAttempts returns a copy with MaxAttempts raised to at least n.
func (p Policy) WithAttempts(n int) Policy {
	if p.MaxAttempts < n {
		p.MaxAttempts = n
	}
	return p
}

// Delay returns how long to wait after the given failed attempt.
func (p Policy) Delay(attempt int, err error) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}

	var ra RetryAfterError
	if errors.As(err, &ra) && ra.RetryAfter() > 0 {
		return min(ra.RetryAfter(), p.MaxDelay)
	}

	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 {
		f := 1 - p.Jitter + rand.Float64()*2*p.Jitter
		d = time.Duration(float64(d) * f)
	}
	return min(d, p.MaxDelay)
}

func (p Policy) retryable(err error) bool {
	if err == nil || IsNoRetry(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.normalized()
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err != nil {
				return err
			}
			return cerr
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt == p.MaxAttempts || !p.retryable(err) {
			return err
		}
		if serr := sleep(ctx, p.Delay(attempt, err)); serr != nil {
			return err
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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

// NoRetry marks an error as permanent.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

// After attaches a suggested delay (e.g. from a Retry-After header).
func After(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	if d < 0 {
		d = 0
	}
	return retryAfterError{err: err, after: d}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("%v (retry after %s)", e.err, e.after) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
