package operation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gluk-w/appmirror/internal/events"
	"github.com/gluk-w/appmirror/internal/logutil"
	"github.com/gluk-w/appmirror/internal/metrics"
	"github.com/gluk-w/appmirror/internal/proxycache"
	"github.com/gluk-w/appmirror/internal/refresh"
	"github.com/gluk-w/appmirror/internal/remote"
	"github.com/gluk-w/appmirror/internal/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Runner wraps each run of an operation; auth.Reauthenticator supplies
// one-shot credential retry.
type Runner interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

type directRunner struct{}

func (directRunner) Do(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// Options tune an Executor. Zero values select defaults.
type Options struct {
	Workers int64
	Wait    retry.Policy
	Runner  Runner
	Metrics *metrics.Metrics
	// RefreshTimeout bounds the follow-up pass.
	RefreshTimeout time.Duration
}

// Executor runs operations on a bounded pool of background workers.
type Executor struct {
	env            *Env
	runner         Runner
	coord          *refresh.Coordinator
	bus            *events.Bus
	sem            *semaphore.Weighted
	log            zerolog.Logger
	metrics        *metrics.Metrics
	refreshTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewExecutor(client remote.Client, cache *proxycache.Cache, coord *refresh.Coordinator, bus *events.Bus, log zerolog.Logger, opts Options) *Executor {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Wait.Attempts <= 0 {
		opts.Wait = retry.DefaultPolicy
	}
	if opts.Runner == nil {
		opts.Runner = directRunner{}
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 2 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		env:            &Env{Client: client, Cache: cache, Wait: opts.Wait},
		runner:         opts.Runner,
		coord:          coord,
		bus:            bus,
		sem:            semaphore.NewWeighted(opts.Workers),
		log:            log.With().Str("component", "operation").Logger(),
		metrics:        opts.Metrics,
		refreshTimeout: opts.RefreshTimeout,
		ctx:            ctx,
		cancel:         cancel,
	}
}

type submitConfig struct {
	// created is set when Submit added the target's proxy.
	created          bool
	expect           events.Type
	suppressNotFound bool
	afterIdle        bool
}

// SubmitOption adjusts one submission.
type SubmitOption func(*submitConfig)

// ExpectEvent makes the future complete only once an event of type t for the
// operation's target has been observed. The wait re-requests the refresh
// scope on every attempt and is bounded by the executor's wait policy.
func ExpectEvent(t events.Type) SubmitOption {
	return func(c *submitConfig) { c.expect = t }
}

// SuppressNotFound treats a NotFound failure as a completed transition.
func SuppressNotFound() SubmitOption {
	return func(c *submitConfig) { c.suppressNotFound = true }
}

// AfterIdle delays the run until no reconciliation pass is in flight.
func AfterIdle() SubmitOption {
	return func(c *submitConfig) { c.afterIdle = true }
}

// Future is the pending result of a submitted operation.
type Future struct {
	id     string
	op     string
	done   chan struct{}
	cancel context.CancelFunc

	err        error
	refreshErr error
}

func (f *Future) ID() string { return f.id }

// Done is closed when the operation and its follow-up refresh have finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Cancel requests cancellation; the operation stops at its next checkpoint.
func (f *Future) Cancel() { f.cancel() }

// Wait blocks until the operation completes or ctx ends, and returns the
// operation's error.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the result of a completed operation.
func (f *Future) Err() error {
	<-f.done
	return f.err
}

// RefreshErr returns the error of the follow-up pass, if any. It does not
// change the operation's own result.
func (f *Future) RefreshErr() error {
	<-f.done
	return f.refreshErr
}

// Submit schedules op and returns immediately. When scope is not
// refresh.NoRefresh, a pass of that scope follows the operation, including
// after failure or cancellation so partially applied work is mirrored.
// Validation and Conflict failures made no remote change and skip it; a proxy
// Submit created for such an operation is dropped again unless a pass has
// observed the target meanwhile.
func (e *Executor) Submit(op Operation, scope refresh.Scope, opts ...SubmitOption) *Future {
	var cfg submitConfig
	for _, o := range opts {
		o(&cfg)
	}
	ctx, cancel := context.WithCancel(e.ctx)
	f := &Future{
		id:     uuid.NewString(),
		op:     op.Name(),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	if target := op.Target(); target != "" {
		cfg.created = e.env.Cache.Create(target)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(f.done)
		defer cancel()
		f.err, f.refreshErr = e.execute(ctx, f.id, op, scope, cfg)
	}()
	return f
}

// Run submits op and waits for it.
func (e *Executor) Run(ctx context.Context, op Operation, scope refresh.Scope, opts ...SubmitOption) error {
	f := e.Submit(op, scope, opts...)
	err := f.Wait(ctx)
	if ctx.Err() != nil {
		f.Cancel()
	}
	return err
}

func (e *Executor) execute(ctx context.Context, id string, op Operation, scope refresh.Scope, cfg submitConfig) (error, error) {
	target := op.Target()
	log := e.log.With().Str("op", op.Name()).Str("id", id).Str("target", logutil.SanitizeForLog(target)).Logger()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("operation %s not started: %w", op.Name(), err), nil
	}
	defer e.sem.Release(1)

	var seen atomic.Bool
	if cfg.expect != "" {
		sub := e.bus.SubscribeTypes(func(ev events.ChangeEvent) {
			if target == "" || ev.Workload == target {
				seen.Store(true)
			}
		}, cfg.expect)
		defer e.bus.Unsubscribe(sub)
	}

	if cfg.afterIdle {
		if err := e.coord.WaitIdle(ctx); err != nil {
			return err, nil
		}
	}

	start := time.Now()
	err := e.run(ctx, op)
	if err != nil && cfg.suppressNotFound && remote.IsNotFound(err) {
		log.Debug().Err(err).Msg("target already gone")
		err = nil
	}
	e.metrics.OperationDone(op.Name(), err)

	rejected := remote.IsValidation(err) || remote.IsConflict(err)
	switch {
	case target == "":
	case rejected && cfg.created && e.env.Cache.Discard(target):
		log.Debug().Msg("dropped proxy of rejected operation")
	case err != nil:
		e.env.Cache.SetError(target, err.Error())
	default:
		e.env.Cache.SetError(target, "")
	}
	if err != nil {
		log.Warn().Err(err).Dur("took", time.Since(start)).Msg("operation failed")
	} else {
		log.Info().Dur("took", time.Since(start)).Msg("operation done")
	}

	var refreshErr error
	if !scope.IsZero() && !rejected {
		rctx, rcancel := context.WithTimeout(e.ctx, e.refreshTimeout)
		refreshErr = e.coord.Refresh(rctx, scope)
		rcancel()
		if refreshErr != nil {
			log.Warn().Err(refreshErr).Str("scope", scope.String()).Msg("follow-up refresh failed")
		}
	}

	if err == nil && cfg.expect != "" && !scope.IsZero() {
		err = retry.Poll(ctx, e.env.Wait, string(cfg.expect), func(ctx context.Context) (bool, error) {
			if seen.Load() {
				return true, nil
			}
			if rerr := e.coord.Refresh(ctx, scope); rerr != nil {
				if errors.Is(rerr, context.Canceled) {
					return false, rerr
				}
				log.Debug().Err(rerr).Msg("refresh while waiting for event failed")
			}
			return seen.Load(), nil
		})
	}
	return err, refreshErr
}

// run executes op once, with one credential retry.
func (e *Executor) run(ctx context.Context, op Operation) error {
	if err := Checkpoint(ctx); err != nil {
		return err
	}
	if target := op.Target(); target != "" {
		if err := e.env.Cache.Busy(target); err != nil {
			return err
		}
	}
	return e.runner.Do(ctx, func(ctx context.Context) error {
		return op.Run(ctx, e.env)
	})
}

// Close cancels outstanding operations and waits for them to return.
func (e *Executor) Close() {
	e.cancel()
	e.wg.Wait()
}
