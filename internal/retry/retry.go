// Package retry runs an operation with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Config describes the retry behavior. Zero values pick defaults.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFactor   float64
}

// Permanent wraps an error that must not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Do calls fn until it succeeds, returns a Permanent error, runs out of
// attempts, or ctx is done. The last error is returned unwrapped.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.JitterFactor < 0 {
		cfg.JitterFactor = 0
	}

	backoff := cfg.InitialBackoff
	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return errors.Join(err, ctxErr)
			}
			return ctxErr
		}

		if err = fn(ctx); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		sleep := applyJitter(backoff, cfg.JitterFactor)
		if sleep > cfg.MaxBackoff {
			sleep = cfg.MaxBackoff
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}

		if backoff < cfg.MaxBackoff {
			backoff *= 2
			if backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}
	}
	return err
}

func applyJitter(d time.Duration, factor float64) time.Duration {
	delta := int64(float64(d) * factor)
	if delta <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*delta)-delta)
}
