// Package backoff holds the bounded-retry primitives shared by the engine's
// optimistic updates and the dispatch layer.
package backoff

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

// Strategy names how the delay grows between attempts.
type Strategy string

const (
	Constant    Strategy = "constant"
	Linear      Strategy = "linear"
	Exponential Strategy = "exponential"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int           `mapstructure:"max_attempts" json:"max_attempts"`
	Strategy    Strategy      `mapstructure:"strategy" json:"strategy"`
	Delay       time.Duration `mapstructure:"delay" json:"delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" json:"max_delay"`
}

// DefaultConflictPolicy is used for optimistic version conflicts.
func DefaultConflictPolicy() Policy {
	return Policy{MaxAttempts: 5, Strategy: Exponential, Delay: 5 * time.Millisecond, MaxDelay: 200 * time.Millisecond}
}

// DefaultDispatchPolicy is used for sending tasks to external executors.
func DefaultDispatchPolicy() Policy {
	return Policy{MaxAttempts: 3, Strategy: Exponential, Delay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// IsRetryable classifies whether err is worth another attempt. Deadlines,
// network errors, retryable OrchestraError codes and untyped errors whose
// text names a transient condition are retried; anything else is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var oe *schema.OrchestraError
	if errors.As(err, &oe) {
		return oe.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

var transientPatterns = []string{
	"connection refused", "connection reset", "broken pipe", "eof",
	"i/o timeout", "temporary failure", "service unavailable", "too many requests",
	"database is locked", "database table is locked",
}

// Compute returns the delay before attempt (0-based).
func (p Policy) Compute(attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch p.Strategy {
	case Exponential:
		delay = p.Delay
		for i := 0; i < attempt; i++ {
			delay *= 2
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				break
			}
		}
	case Linear:
		delay = p.Delay * time.Duration(attempt+1)
	default:
		delay = p.Delay
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Wait sleeps for delay or returns early with ctx.Err().
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry calls fn until it succeeds, returns a non-retryable error, or the
// policy's attempts are exhausted. The last error is returned.
func Retry(ctx context.Context, p Policy, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt == attempts-1 {
			break
		}
		if werr := Wait(ctx, p.Compute(attempt)); werr != nil {
			return werr
		}
	}
	return err
}
