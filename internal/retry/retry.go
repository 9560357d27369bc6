package retry

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
)

// Options is pure configuration for bounded retry with capped
// exponential backoff. No jitter: delay before attempt k+1 is
// min(InitialDelay * Multiplier^(k-1), MaxDelay).
type Options struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func (o Options) normalized() Options {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = 100 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.Multiplier < 1 {
		o.Multiplier = 2
	}
	return o
}

// Delay returns the wait inserted before attempt number attempt,
// where attempts are numbered from 1 and attempt 1 has no wait.
func (o Options) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	o = o.normalized()
	delay := float64(o.InitialDelay) * math.Pow(o.Multiplier, float64(attempt-2))
	if delay > float64(o.MaxDelay) {
		delay = float64(o.MaxDelay)
	}
	return time.Duration(delay)
}

// Do runs fn up to MaxAttempts times. The error from the final failed
// attempt is returned as-is so callers can classify the root cause.
func Do(ctx context.Context, opts Options, log *zap.Logger, fn func() error) error {
	_, err := DoWithResult(ctx, opts, log, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for operations that produce a value.
func DoWithResult[T any](ctx context.Context, opts Options, log *zap.Logger, fn func() (T, error)) (T, error) {
	opts = opts.normalized()
	var zero T
	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if wait := opts.Delay(attempt); wait > 0 {
			if log != nil {
				log.Debug("retrying operation",
					zap.Int("attempt", attempt),
					zap.Duration("delay", wait),
					zap.Error(lastErr),
				)
			}
			select {
			case <-ctx.Done():
				return zero, lastErr
			case <-time.After(wait):
			}
		}
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return zero, lastErr
}
