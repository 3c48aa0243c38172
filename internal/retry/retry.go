// Package retry waits for startup dependencies (database, Redis) with
// exponential backoff, so the service tolerates being started before them.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// StartupPolicy is used for dependencies dialled while the server boots.
func StartupPolicy() Policy {
	return Policy{Attempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn until it succeeds, returns a permanent error, the attempts
// run out or ctx is done. Delays double from BaseDelay with ±25% jitter,
// capped at MaxDelay. Each failed attempt is logged at warn level.
func Do(ctx context.Context, p Policy, name string, logger *slog.Logger, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)
	delay := p.BaseDelay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == attempts {
			break
		}

		sleep := jittered(delay)
		if logger != nil {
			logger.Warn("dependency not ready, retrying",
				"dependency", name,
				"attempt", attempt,
				"retry_in", sleep.String(),
				"error", err,
			)
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}

func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := int64(d / 4)
	return d - time.Duration(jitter) + time.Duration(rand.Int64N(2*jitter+1))
}
