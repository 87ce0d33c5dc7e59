// Package retry provides the bounded fixed-interval polling primitive used for
// every wait on asynchronous remote state in this system.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/gluk-w/appmirror/internal/remote"
)

// Policy bounds a wait. Both fields come from configuration
// (APPMIRROR_WAIT_ATTEMPTS, APPMIRROR_WAIT_INTERVAL).
type Policy struct {
	Attempts int
	Interval time.Duration
}

// DefaultPolicy waits up to a minute in one-second steps.
var DefaultPolicy = Policy{Attempts: 60, Interval: time.Second}

// Condition reports whether the awaited state has been reached. A non-nil error
// stops the wait immediately and is returned as is.
type Condition func(ctx context.Context) (bool, error)

// Poll evaluates cond up to p.Attempts times, sleeping p.Interval between
// attempts. It returns a Timeout error when the bound is exhausted and the
// context error (wrapped) when ctx ends first. Only the calling goroutine is
// suspended.
func Poll(ctx context.Context, p Policy, what string, cond Condition) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(p.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("waiting for %s: %w", what, ctx.Err())
		case <-timer.C:
		}
	}
	return remote.Errorf(remote.KindTimeout, "wait", what, "gave up after %d attempts at %s", attempts, p.Interval)
}
