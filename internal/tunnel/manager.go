// Package tunnel forwards local TCP ports to remote resources through the
// hosting workload, and closes each tunnel when the remote entities it depends
// on go away.
//
// A tunnel is keyed by resource name. It lives until Stop, until the resource
// is deleted, until the resource is unbound from the hosting workload, or until
// the hosting workload itself is removed. Unbinding the resource from any other
// workload leaves it open.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/gluk-w/appmirror/internal/events"
	"github.com/gluk-w/appmirror/internal/metrics"
	"github.com/gluk-w/appmirror/internal/operation"
	"github.com/gluk-w/appmirror/internal/proxycache"
	"github.com/gluk-w/appmirror/internal/refresh"
	"github.com/gluk-w/appmirror/internal/remote"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Close reasons recorded in the journal.
const (
	ReasonExplicit        = "explicit"
	ReasonResourceDeleted = "resource_deleted"
	ReasonUnbound         = "unbound"
	ReasonHostingRemoved  = "hosting_removed"
	ReasonShutdown        = "shutdown"
)

// AgentPort is the port the tunnel agent listens on in the hosting workload.
const AgentPort = 8443

// Descriptor describes one open tunnel.
type Descriptor struct {
	Resource        string    `json:"resource" yaml:"resource"`
	LocalPort       int       `json:"local_port" yaml:"local_port"`
	URL             string    `json:"url,omitempty" yaml:"url,omitempty"`
	HostingWorkload string    `json:"hosting_workload" yaml:"hosting_workload"`
	CreatedAt       time.Time `json:"created_at" yaml:"created_at"`
}

// Executor runs the operations a tunnel start needs.
type Executor interface {
	Run(ctx context.Context, op operation.Operation, scope refresh.Scope, opts ...operation.SubmitOption) error
}

// Journal records tunnel lifetimes. database.Store implements it.
type Journal interface {
	OpenTunnel(resource, hosting string, port int, url string, at time.Time) (uint, error)
	CloseTunnel(id uint, reason string, at time.Time) error
}

// Options tune a Manager.
type Options struct {
	// Hosting describes the workload that brokers tunnels. Only Name is
	// required.
	Hosting remote.Descriptor
	Journal Journal
	Metrics *metrics.Metrics
}

// pendingStart is the context shared by every caller waiting on one open. It
// is cancelled once the last of them gives up.
type pendingStart struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// mark is the teardown state an open started from.
type mark struct {
	stops, stopAll uint64
	known          bool
}

type active struct {
	desc      Descriptor
	listener  net.Listener
	ch        remote.Channel
	cancel    context.CancelFunc
	done      chan struct{}
	journalID uint
}

// Manager owns every open tunnel. No other component holds a tunnel's
// listener or channel.
type Manager struct {
	cache   *proxycache.Cache
	exec    Executor
	hosting remote.Descriptor
	journal Journal
	metrics *metrics.Metrics
	log     zerolog.Logger

	group singleflight.Group
	ctx   context.Context
	done  context.CancelFunc

	mu      sync.Mutex
	tunnels map[string]*active
	pending map[string]*pendingStart
	// stops counts teardowns per resource, stopAll counts StopAll calls. An
	// open that saw either change while it ran does not register its tunnel.
	stops   map[string]uint64
	stopAll uint64

	bus *events.Bus
	sub events.Subscription
}

func New(cache *proxycache.Cache, exec Executor, log zerolog.Logger, opts Options) *Manager {
	hosting := opts.Hosting
	if hosting.Instances == 0 {
		hosting.Instances = 1
	}
	ctx, done := context.WithCancel(context.Background())
	return &Manager{
		cache:   cache,
		exec:    exec,
		hosting: hosting,
		journal: opts.Journal,
		metrics: opts.Metrics,
		log:     log.With().Str("component", "tunnel").Logger(),
		ctx:     ctx,
		done:    done,
		tunnels: make(map[string]*active),
		pending: make(map[string]*pendingStart),
		stops:   make(map[string]uint64),
	}
}

// HostingWorkload returns the name of the workload tunnels go through.
func (m *Manager) HostingWorkload() string { return m.hosting.Name }

// ErrTornDown is returned by Start when the tunnel was stopped, or the
// resource or hosting workload went away, while it was being opened.
var ErrTornDown = errors.New("tunnel torn down while opening")

// Start opens a tunnel to resource, or returns the existing one. Concurrent
// calls for the same resource share one attempt and one remote channel. The
// attempt runs until it finishes or every caller waiting on it has given up.
// Any failure leaves no listener or channel behind.
func (m *Manager) Start(ctx context.Context, resource string) (Descriptor, error) {
	for {
		if d, ok := m.Get(resource); ok {
			return d, nil
		}
		d, err := m.await(ctx, resource)
		// the attempt we joined was abandoned by its other callers; start over
		if errors.Is(err, context.Canceled) && ctx.Err() == nil && m.ctx.Err() == nil {
			continue
		}
		return d, err
	}
}

func (m *Manager) await(ctx context.Context, resource string) (Descriptor, error) {
	p := m.join(resource)
	defer m.leave(resource, p)

	ch := m.group.DoChan(resource, func() (any, error) {
		if d, ok := m.Get(resource); ok {
			return d, nil
		}
		return m.open(p.ctx, resource)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return Descriptor{}, r.Err
		}
		return r.Val.(Descriptor), nil
	case <-ctx.Done():
		return Descriptor{}, ctx.Err()
	}
}

func (m *Manager) join(resource string) *pendingStart {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[resource]
	if !ok {
		ctx, cancel := context.WithCancel(m.ctx)
		p = &pendingStart{ctx: ctx, cancel: cancel}
		m.pending[resource] = p
	}
	p.waiters++
	return p
}

func (m *Manager) leave(resource string, p *pendingStart) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.waiters--
	if p.waiters > 0 {
		return
	}
	p.cancel()
	if m.pending[resource] == p {
		delete(m.pending, resource)
	}
}

func (m *Manager) markOf(resource string) mark {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, known := m.cache.Resource(resource)
	return mark{stops: m.stops[resource], stopAll: m.stopAll, known: known}
}

// torn reports why a tunnel opened from mk must not be registered. The
// caller holds m.mu.
func (m *Manager) torn(resource string, mk mark) error {
	if mk.known {
		if _, ok := m.cache.Resource(resource); !ok {
			return remote.NewError(remote.KindNotFound, "open-tunnel", resource, ErrTornDown)
		}
	}
	if m.stops[resource] != mk.stops || m.stopAll != mk.stopAll {
		return remote.NewError(remote.KindConflict, "open-tunnel", resource, ErrTornDown)
	}
	return nil
}

func (m *Manager) open(ctx context.Context, resource string) (Descriptor, error) {
	mk := m.markOf(resource)
	hosting := m.hosting.Name
	scope := refresh.Workload(hosting)
	if err := m.exec.Run(ctx, operation.EnsureStarted{Desc: m.hosting}, scope); err != nil {
		return Descriptor{}, fmt.Errorf("start hosting workload %s: %w", hosting, err)
	}
	if err := m.exec.Run(ctx, operation.EnsureBound{Workload: hosting, Resource: resource}, scope); err != nil {
		return Descriptor{}, fmt.Errorf("bind %s to %s: %w", resource, hosting, err)
	}

	look := &lookupResource{name: resource}
	if err := m.exec.Run(ctx, look, refresh.NoRefresh); err != nil {
		return Descriptor{}, err
	}
	dial := &openChannel{hosting: hosting, resource: resource}
	if err := m.exec.Run(ctx, dial, refresh.NoRefresh); err != nil {
		return Descriptor{}, fmt.Errorf("open tunnel channel for %s: %w", resource, err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		dial.ch.Close()
		return Descriptor{}, fmt.Errorf("listen on 127.0.0.1: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	tctx, cancel := context.WithCancel(context.Background())
	a := &active{
		desc: Descriptor{
			Resource:        resource,
			LocalPort:       port,
			URL:             ConnectionURL(look.res, port),
			HostingWorkload: hosting,
			CreatedAt:       time.Now(),
		},
		listener: ln,
		ch:       dial.ch,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	if err := m.torn(resource, mk); err != nil {
		m.mu.Unlock()
		cancel()
		ln.Close()
		dial.ch.Close()
		m.log.Info().Str("resource", resource).Err(err).Msg("tunnel discarded")
		return Descriptor{}, err
	}
	if m.journal != nil {
		id, err := m.journal.OpenTunnel(resource, hosting, port, a.desc.URL, a.desc.CreatedAt)
		if err != nil {
			m.log.Warn().Err(err).Str("resource", resource).Msg("journal open failed")
		}
		a.journalID = id
	}
	m.tunnels[resource] = a
	n := len(m.tunnels)
	m.mu.Unlock()
	m.metrics.SetOpenTunnels(n)

	go m.acceptLoop(tctx, a)
	m.log.Info().Str("resource", resource).Int("port", port).Str("hosting", hosting).Msg("tunnel open")
	return a.desc, nil
}

// Stop closes the tunnel for resource. It is a no-op when none is open.
func (m *Manager) Stop(resource string) bool {
	return m.stop(resource, ReasonExplicit)
}

// IsOpen reports whether a tunnel for resource is open.
func (m *Manager) IsOpen(resource string) bool {
	_, ok := m.Get(resource)
	return ok
}

// Get returns the descriptor of the open tunnel for resource.
func (m *Manager) Get(resource string) (Descriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.tunnels[resource]
	if !ok {
		return Descriptor{}, false
	}
	return a.desc, true
}

// List returns every open tunnel ordered by resource name.
func (m *Manager) List() []Descriptor {
	m.mu.Lock()
	out := make([]Descriptor, 0, len(m.tunnels))
	for _, a := range m.tunnels {
		out = append(out, a.desc)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out
}

// StopAll closes every tunnel.
func (m *Manager) StopAll(reason string) int {
	m.mu.Lock()
	all := m.tunnels
	m.tunnels = make(map[string]*active)
	m.stopAll++
	m.mu.Unlock()
	m.metrics.SetOpenTunnels(0)

	for _, a := range all {
		m.shutdown(a, reason)
	}
	if len(all) > 0 {
		m.log.Info().Int("count", len(all)).Str("reason", reason).Msg("stopped all tunnels")
	}
	return len(all)
}

// Close detaches from the event bus and closes every tunnel.
func (m *Manager) Close() {
	m.mu.Lock()
	bus, sub := m.bus, m.sub
	m.bus = nil
	m.mu.Unlock()
	if bus != nil {
		bus.Unsubscribe(sub)
	}
	m.done()
	m.StopAll(ReasonShutdown)
}

func (m *Manager) stop(resource, reason string) bool {
	m.mu.Lock()
	m.stops[resource]++
	a, ok := m.tunnels[resource]
	if ok {
		delete(m.tunnels, resource)
	}
	n := len(m.tunnels)
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.metrics.SetOpenTunnels(n)
	m.shutdown(a, reason)
	m.log.Info().Str("resource", resource).Str("reason", reason).Msg("tunnel closed")
	return true
}

func (m *Manager) shutdown(a *active, reason string) {
	a.cancel()
	a.listener.Close()
	<-a.done
	if err := a.ch.Close(); err != nil {
		m.log.Debug().Err(err).Str("resource", a.desc.Resource).Msg("channel close")
	}
	if m.journal != nil && a.journalID != 0 {
		if err := m.journal.CloseTunnel(a.journalID, reason, time.Now()); err != nil {
			m.log.Warn().Err(err).Str("resource", a.desc.Resource).Msg("journal close failed")
		}
	}
}

// acceptLoop accepts local connections and forwards each over its own
// stream of the tunnel channel.
func (m *Manager) acceptLoop(ctx context.Context, a *active) {
	defer close(a.done)
	for {
		if ctx.Err() != nil {
			return
		}
		if tl, ok := a.listener.(*net.TCPListener); ok {
			tl.SetDeadline(time.Now().Add(time.Second))
		}
		conn, err := a.listener.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() == nil {
				m.log.Warn().Err(err).Str("resource", a.desc.Resource).Msg("tunnel accept error")
			}
			return
		}
		go m.forward(ctx, conn, a)
	}
}

func (m *Manager) forward(ctx context.Context, local net.Conn, a *active) {
	defer local.Close()
	stream, err := a.ch.Open(ctx)
	if err != nil {
		m.log.Warn().Err(err).Str("resource", a.desc.Resource).Msg("open tunnel stream failed")
		return
	}
	defer stream.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(stream, local)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(local, stream)
		done <- struct{}{}
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// lookupResource fetches a resource with current credentials.
type lookupResource struct {
	name string
	res  remote.Resource
}

func (o *lookupResource) Name() string   { return "lookup-resource" }
func (o *lookupResource) Target() string { return "" }

func (o *lookupResource) Run(ctx context.Context, env *operation.Env) error {
	rs, err := env.Client.ListResources(ctx)
	if err != nil {
		return err
	}
	i := slices.IndexFunc(rs, func(r remote.Resource) bool { return r.Name == o.name })
	if i < 0 {
		return remote.NewError(remote.KindNotFound, "lookup-resource", o.name, nil)
	}
	o.res = rs[i]
	return nil
}

// openChannel obtains the remote channel; its Target makes a guarded hosting
// workload refuse new tunnels.
type openChannel struct {
	hosting, resource string
	ch                remote.Channel
}

func (o *openChannel) Name() string   { return "open-tunnel" }
func (o *openChannel) Target() string { return o.hosting }

func (o *openChannel) Run(ctx context.Context, env *operation.Env) error {
	ch, err := env.Client.OpenTunnelChannel(ctx, o.resource)
	if err != nil {
		return err
	}
	if err := operation.Checkpoint(ctx); err != nil {
		ch.Close()
		return err
	}
	o.ch = ch
	return nil
}
