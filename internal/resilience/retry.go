package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy configures exponential backoff with optional full jitter.
type Policy struct {
	// Retries is the number of attempts after the first one
	Retries  int
	MinDelay time.Duration
	MaxDelay time.Duration
	Factor   float64
	// Jitter waits a uniformly random fraction of the computed delay
	Jitter bool

	// Rand returns a value in [0, 1); tests replace it
	Rand func() float64
}

// DefaultPolicy returns 3 retries, 200ms doubling up to 4s, full jitter.
func DefaultPolicy() Policy {
	return Policy{
		Retries:  3,
		MinDelay: 200 * time.Millisecond,
		MaxDelay: 4 * time.Second,
		Factor:   2,
		Jitter:   true,
	}
}

// NoRetry runs the function exactly once.
func NoRetry() Policy {
	return Policy{}
}

// Delay returns the nominal wait before retry number attempt (0-based),
// before jitter is applied.
func (p Policy) Delay(attempt int) time.Duration {
	delay := p.MinDelay
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * factor)
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

func (p Policy) wait(attempt int) time.Duration {
	delay := p.Delay(attempt)
	if !p.Jitter {
		return delay
	}
	random := p.Rand
	if random == nil {
		random = rand.Float64
	}
	return time.Duration(random() * float64(delay))
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Retry returns the wrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Retry runs fn until it succeeds, the retry budget is spent, the error is
// permanent or the circuit is open, or ctx is done. The final error is
// returned as-is.
func Retry(ctx context.Context, policy Policy, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= policy.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			var p *permanentError
			errors.As(lastErr, &p)
			return p.err
		}
		if IsCircuitOpen(lastErr) {
			return lastErr
		}
		if attempt == policy.Retries {
			break
		}

		timer := time.NewTimer(policy.wait(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}

// Do is Retry for functions that return a value.
func Do[T any](ctx context.Context, policy Policy, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := Retry(ctx, policy, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

// Call wraps fn in the breaker and retries it under policy. A breaker that
// opens mid-way stops the retries.
func Call[T any](ctx context.Context, b *Breaker, policy Policy, fn func(context.Context) (T, error)) (T, error) {
	return Do(ctx, policy, func(ctx context.Context) (T, error) {
		return Execute(ctx, b, fn)
	})
}
