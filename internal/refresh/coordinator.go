// Package refresh reconciles the proxy cache against the remote controller.
//
// A Coordinator runs at most one pass at a time. Requests that arrive while a
// pass is running merge into a single pending pass that starts as soon as the
// current one ends; every requester is told the result of the pass that
// covered its request. Only the coordinator publishes ChangeEvents.
package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gluk-w/appmirror/internal/events"
	"github.com/gluk-w/appmirror/internal/metrics"
	"github.com/gluk-w/appmirror/internal/proxycache"
	"github.com/gluk-w/appmirror/internal/remote"
	"github.com/gluk-w/appmirror/internal/retry"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Runner wraps each remote fetch; auth.Reauthenticator supplies one-shot
// credential retry.
type Runner interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

type directRunner struct{}

func (directRunner) Do(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// Options tune a Coordinator. Zero values select defaults.
type Options struct {
	Runner  Runner
	Metrics *metrics.Metrics
	// StaleAfter is the age beyond which a held guard is reported.
	StaleAfter time.Duration
	// Wait bounds WaitIdle.
	Wait retry.Policy
}

type pendingPass struct {
	scope   Scope
	waiters []chan error
}

// Coordinator is the single reconciliation lane of one server connection.
type Coordinator struct {
	client  remote.Client
	cache   *proxycache.Cache
	bus     *events.Bus
	log     zerolog.Logger
	runner  Runner
	metrics *metrics.Metrics
	stale   time.Duration
	wait    retry.Policy

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
	current Scope
	pending *pendingPass
	passes  int
	sched   *cron.Cron

	// beforePass runs at the start of every pass (tests).
	beforePass func(Scope)
}

func New(client remote.Client, cache *proxycache.Cache, bus *events.Bus, log zerolog.Logger, opts Options) *Coordinator {
	if opts.Runner == nil {
		opts.Runner = directRunner{}
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 10 * time.Minute
	}
	if opts.Wait.Attempts <= 0 {
		opts.Wait = retry.DefaultPolicy
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		client:  client,
		cache:   cache,
		bus:     bus,
		log:     log.With().Str("component", "refresh").Logger(),
		runner:  opts.Runner,
		metrics: opts.Metrics,
		stale:   opts.StaleAfter,
		wait:    opts.Wait,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Request asks for a pass of the given scope without waiting for it. The
// returned channel receives the result of the pass that covers the request.
func (c *Coordinator) Request(scope Scope) <-chan error {
	done := make(chan error, 1)
	if scope.IsZero() {
		done <- nil
		return done
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		done <- fmt.Errorf("refresh coordinator closed: %w", c.ctx.Err())
		return done
	}
	if !c.running {
		c.running = true
		c.current = scope
		go c.loop(scope, []chan error{done})
		return done
	}
	if c.pending == nil {
		c.pending = &pendingPass{scope: scope}
	} else {
		c.pending.scope = merge(c.pending.scope, scope)
		c.metrics.Coalesced()
	}
	c.pending.waiters = append(c.pending.waiters, done)
	return done
}

// Refresh requests a pass and blocks until it has completed or ctx ends.
func (c *Coordinator) Refresh(ctx context.Context, scope Scope) error {
	select {
	case err := <-c.Request(scope):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether a pass is in flight.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Current returns the scope of the pass in flight.
func (c *Coordinator) Current() (Scope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.running
}

// Passes returns how many passes have run.
func (c *Coordinator) Passes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.passes
}

// WaitIdle polls until no pass is in flight, within the configured bound.
func (c *Coordinator) WaitIdle(ctx context.Context) error {
	return retry.Poll(ctx, c.wait, "refresh idle", func(context.Context) (bool, error) {
		return !c.Running(), nil
	})
}

// CredentialsUpdated announces renewed controller credentials.
func (c *Coordinator) CredentialsUpdated() {
	c.bus.Publish(events.ChangeEvent{Type: events.CredentialsUpdated})
}

// Close stops the schedule and fails requests made afterwards. A pass in
// flight is canceled.
func (c *Coordinator) Close() {
	c.mu.Lock()
	sched := c.sched
	c.sched = nil
	c.mu.Unlock()
	if sched != nil {
		<-sched.Stop().Done()
	}
	c.cancel()
}

func (c *Coordinator) loop(scope Scope, waiters []chan error) {
	for {
		err := c.runPass(scope)
		for _, w := range waiters {
			w <- err
		}

		c.mu.Lock()
		if c.pending == nil {
			c.running = false
			c.mu.Unlock()
			return
		}
		scope, waiters = c.pending.scope, c.pending.waiters
		c.pending = nil
		c.current = scope
		c.mu.Unlock()
	}
}

func (c *Coordinator) runPass(scope Scope) error {
	c.mu.Lock()
	c.passes++
	hook := c.beforePass
	c.mu.Unlock()
	if hook != nil {
		hook(scope)
	}

	start := time.Now()
	var err error
	if scope.IsAll() {
		err = c.passAll(c.ctx)
	} else {
		err = c.passOne(c.ctx, scope.Name())
	}
	c.metrics.ObservePass(scope.label(), time.Since(start), err)
	if err != nil {
		c.log.Warn().Err(err).Str("scope", scope.String()).Msg("refresh pass failed")
		return fmt.Errorf("refresh %s: %w", scope, err)
	}
	c.log.Debug().Str("scope", scope.String()).Dur("took", time.Since(start)).Msg("refresh pass done")
	return nil
}

// passAll fetches everything before touching the cache, so a fetch failure
// leaves the cache unchanged.
func (c *Coordinator) passAll(ctx context.Context) error {
	var (
		workloads []remote.Workload
		resources []remote.Resource
	)
	if err := c.runner.Do(ctx, func(ctx context.Context) error {
		var err error
		workloads, err = c.client.ListWorkloads(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := c.runner.Do(ctx, func(ctx context.Context) error {
		var err error
		resources, err = c.client.ListResources(ctx)
		return err
	}); err != nil {
		return err
	}

	var (
		out     []events.ChangeEvent
		added   []string
		deleted []string
		seen    = make(map[string]bool, len(workloads))
	)
	for _, w := range workloads {
		seen[w.Name] = true
	}
	for _, w := range sortByName(workloads) {
		ev, ok := c.apply(w)
		if !ok {
			continue
		}
		if ev.Type == events.AppListChanged {
			added = append(added, w.Name)
		}
		out = append(out, ev)
	}

	for _, name := range c.cache.Names() {
		if seen[name] {
			continue
		}
		p, _ := c.cache.Get(name)
		if !c.cache.Remove(name) {
			c.log.Info().Str("workload", name).Str("guard", p.Guard.String()).Msg("removal deferred by guard")
			continue
		}
		// a proxy that was never observed remotely has no transition to report
		if p.Observed != nil {
			deleted = append(deleted, name)
		}
	}

	resAdded, resDeleted := c.cache.SetResources(resources)
	if len(resAdded) > 0 || len(resDeleted) > 0 {
		out = append(out, events.ChangeEvent{
			Type:    events.ServicesUpdated,
			Added:   resAdded,
			Deleted: resDeleted,
		})
	}
	out = append(out, events.ChangeEvent{
		Type:    events.ServerRefreshed,
		Added:   added,
		Deleted: deleted,
	})

	c.reportStaleGuards()
	for _, ev := range out {
		c.bus.Publish(ev)
	}
	return nil
}

// passOne reconciles a single workload. No ServerRefreshed is published.
func (c *Coordinator) passOne(ctx context.Context, name string) error {
	var w remote.Workload
	err := c.runner.Do(ctx, func(ctx context.Context) error {
		var err error
		w, err = c.client.GetWorkload(ctx, name)
		return err
	})
	if remote.IsNotFound(err) {
		prev, ok := c.cache.Get(name)
		if !ok {
			return nil
		}
		if !c.cache.Remove(name) {
			c.log.Info().Str("workload", name).Str("guard", prev.Guard.String()).Msg("removal deferred by guard")
			return nil
		}
		if prev.Observed == nil {
			return nil
		}
		ev := events.ChangeEvent{
			Type:     events.AppChanged,
			Workload: name,
			Deleted:  []string{name},
		}
		ev.Unbound = missing(prev.Observed.Resources, nil)
		c.bus.Publish(ev)
		return nil
	}
	if err != nil {
		return err
	}

	if ev, ok := c.apply(w); ok {
		c.bus.Publish(ev)
	}
	return nil
}

// apply merges one authoritative snapshot and returns the event describing
// the transition, if any. A name never observed before is reported as
// AppListChanged.
func (c *Coordinator) apply(w remote.Workload) (events.ChangeEvent, bool) {
	if cur, ok := c.cache.Get(w.Name); ok && cur.Observed != nil {
		if _, changed := classify(*cur.Observed, w); !changed && !cur.RemovalPending {
			return events.ChangeEvent{}, false
		}
	}

	prev, existed := c.cache.Upsert(w)
	if !existed || prev.Observed == nil {
		return events.ChangeEvent{
			Type:     events.AppListChanged,
			Workload: w.Name,
			Added:    []string{w.Name},
		}, true
	}
	ch, ok := classify(*prev.Observed, w)
	if !ok {
		return events.ChangeEvent{}, false
	}
	return events.ChangeEvent{
		Type:     ch.typ,
		Workload: w.Name,
		Unbound:  ch.unbound,
	}, true
}

func (c *Coordinator) reportStaleGuards() {
	stale := c.cache.StaleGuards(c.stale)
	c.metrics.SetStaleGuards(len(stale))
	for _, p := range stale {
		c.log.Error().
			Str("workload", p.Name).
			Str("guard", p.Guard.String()).
			Time("since", p.GuardedAt).
			Msg("guard held past staleness window; an operation did not release it")
	}
}

func sortByName(ws []remote.Workload) []remote.Workload {
	byName := make(map[string]remote.Workload, len(ws))
	for _, w := range ws {
		byName[w.Name] = w
	}
	out := make([]remote.Workload, 0, len(ws))
	for _, name := range remote.SortedNames(ws) {
		out = append(out, byName[name])
	}
	return out
}
