// Package retry wraps calls to the issue tracker and other network-bound
// tools with a fixed exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
)

// ErrTimeout marks a child process that was killed for running too long.
var ErrTimeout = errors.New("process timed out")

// Policy configures retry behavior.
type Policy struct {
	// MaxAttempts counts the first call. Values below 1 are treated as 1.
	MaxAttempts int
	// Base is the unit the backoff is multiplied by (default 1s):
	// the wait after failed attempt n is Base * 2^n.
	Base time.Duration
	// Sleep waits between attempts. Tests substitute a recorder.
	Sleep func(ctx context.Context, d time.Duration) error
	// Retryable classifies errors. Defaults to IsRetryable.
	Retryable func(error) bool
}

// DefaultPolicy is 3 attempts waiting 2s then 4s.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Base: time.Second}
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsRetryable reports whether err looks transient: a timeout, an i/o error
// or a failed TCP dial.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"timeout", "i/o", "dial tcp"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// Do calls fn until it succeeds, fails with a non-retryable error, or the
// policy's attempts are spent. There is no wait after the last attempt.
func Do[T any](ctx context.Context, p Policy, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	maxAttempts := max(p.MaxAttempts, 1)
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	var result T
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, lastErr = fn(ctx)
		if lastErr == nil {
			return result, nil
		}
		if !retryable(lastErr) {
			return result, lastErr
		}
		if attempt == maxAttempts {
			break
		}

		wait := base << attempt
		clog.FromContext(ctx).With("operation", operation).
			With("attempt", attempt).
			With("max_attempts", maxAttempts).
			With("backoff", wait).
			Warnf("Transient failure, retrying: %v", lastErr)

		if err := sleep(ctx, wait); err != nil {
			return result, err
		}
	}

	return result, &ExhaustedError{Operation: operation, Attempts: maxAttempts, Err: lastErr}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
