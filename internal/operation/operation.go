// Package operation runs mutating work against the remote controller off the
// caller's goroutine, with cancellation, one-shot credential retry, and a
// follow-up reconciliation of the affected scope.
//
// Operations never publish ChangeEvents. The refresh requested after an
// operation is what reports the transitions it caused.
package operation

import (
	"context"
	"fmt"

	"github.com/gluk-w/appmirror/internal/proxycache"
	"github.com/gluk-w/appmirror/internal/remote"
	"github.com/gluk-w/appmirror/internal/retry"
)

// Operation is one unit of mutating work.
type Operation interface {
	// Name is a short verb used in logs and metrics ("start", "bind").
	Name() string
	// Target is the workload the operation mutates, or "" for resource-only
	// work. Failures are recorded on the target's proxy.
	Target() string
	// Run performs the work. It must call Checkpoint between remote calls.
	Run(ctx context.Context, env *Env) error
}

// Env is what an operation may touch.
type Env struct {
	Client remote.Client
	Cache  *proxycache.Cache
	// Wait bounds every poll an operation performs.
	Wait retry.Policy
}

// Checkpoint returns a wrapped context error once ctx is canceled.
func Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("operation canceled: %w", err)
	}
	return nil
}
