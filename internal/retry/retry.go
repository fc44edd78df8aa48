// Package retry provides bounded retries with exponential backoff and jitter,
// plus the backoff schedule used for sync attempts.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0, v%n < n
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

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Policy bounds a retry loop. BaseDelay doubles after every failed attempt
// with +-25% jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Do calls fn with the 1-based attempt number until it succeeds, returns a
// permanent error, the attempts are exhausted, or ctx is cancelled.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := p.BaseDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Jitter(delay)):
		}
		delay *= 2
	}

	return err
}

// Jitter spreads d by +-25%.
func Jitter(d time.Duration) time.Duration {
	j := d / 4
	return d - j + time.Duration(cryptoInt64n(int64(2*j+1)))
}

// Exponential returns unit * 2^attempt, the deterministic schedule used for
// sync retries (attempt 1 -> 2 units, 2 -> 4, 3 -> 8).
func Exponential(attempt int, unit time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	return unit * time.Duration(1<<attempt)
}
