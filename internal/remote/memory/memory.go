// Package memory implements remote.Client entirely in process. It backs local
// development (APPMIRROR_BACKEND=memory) and is the controller double used by
// the tests of every component above the remote boundary.
package memory

import (
	"context"
	"fmt"
	"io"
	"maps"
	"net"
	"slices"
	"sort"
	"sync"

	"github.com/gluk-w/appmirror/internal/remote"
)

// Operation names accepted by FailNext and Calls.
const (
	OpListWorkloads     = "ListWorkloads"
	OpGetWorkload       = "GetWorkload"
	OpCreateWorkload    = "CreateWorkload"
	OpDeleteWorkload    = "DeleteWorkload"
	OpUpdateWorkload    = "UpdateWorkload"
	OpBindResource      = "BindResource"
	OpUnbindResource    = "UnbindResource"
	OpListResources     = "ListResources"
	OpCreateResource    = "CreateResource"
	OpDeleteResource    = "DeleteResource"
	OpAuthenticate      = "Authenticate"
	OpOpenTunnelChannel = "OpenTunnelChannel"
)

// ChannelHandler serves the remote end of one tunnel stream.
type ChannelHandler func(resource string, conn net.Conn)

// EchoHandler writes back every byte it reads.
func EchoHandler(_ string, conn net.Conn) {
	defer conn.Close()
	io.Copy(conn, conn)
}

// Controller is an in-process remote controller.
type Controller struct {
	mu        sync.Mutex
	workloads map[string]*remote.Workload
	resources map[string]*remote.Resource
	stopLag   map[string]int

	password     string
	sessionValid bool
	tokenSeq     int

	failures map[string][]error
	calls    map[string]int
	opens    map[string]int
	handler  ChannelHandler
	lag      int
}

// Option configures a Controller.
type Option func(*Controller)

// WithPassword makes Authenticate accept only the given password.
func WithPassword(password string) Option {
	return func(c *Controller) { c.password = password }
}

// WithChannelHandler replaces the default echo handler for tunnel streams.
func WithChannelHandler(h ChannelHandler) Option {
	return func(c *Controller) { c.handler = h }
}

// WithStopLag keeps a stopped workload in StateStopping for n reads before it
// reports StateStopped.
func WithStopLag(n int) Option {
	return func(c *Controller) { c.lag = n }
}

// New returns an empty controller with a valid session.
func New(opts ...Option) *Controller {
	c := &Controller{
		workloads:    make(map[string]*remote.Workload),
		resources:    make(map[string]*remote.Resource),
		stopLag:      make(map[string]int),
		sessionValid: true,
		failures:     make(map[string][]error),
		calls:        make(map[string]int),
		opens:        make(map[string]int),
		handler:      EchoHandler,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Controller) BackendName() string { return "memory" }

// FailNext makes the next n calls of op fail with err.
func (c *Controller) FailNext(op string, err error, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n; i++ {
		c.failures[op] = append(c.failures[op], err)
	}
}

// ExpireSession invalidates the current session: every call except
// Authenticate fails with an authentication error until Authenticate succeeds.
func (c *Controller) ExpireSession() {
	c.mu.Lock()
	c.sessionValid = false
	c.mu.Unlock()
}

// Calls returns how many times op has been invoked.
func (c *Controller) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// ChannelOpens returns how many tunnel channels were opened for resource.
func (c *Controller) ChannelOpens(resource string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens[resource]
}

// check records the call and returns an injected or session failure.
// Caller holds c.mu.
func (c *Controller) check(op, name string) error {
	c.calls[op]++
	if q := c.failures[op]; len(q) > 0 {
		err := q[0]
		c.failures[op] = q[1:]
		return err
	}
	if !c.sessionValid && op != OpAuthenticate {
		return remote.Errorf(remote.KindAuthentication, op, name, "session expired")
	}
	return nil
}

func (c *Controller) ListWorkloads(ctx context.Context) ([]remote.Workload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(OpListWorkloads, ""); err != nil {
		return nil, err
	}
	names := slices.Sorted(maps.Keys(c.workloads))
	out := make([]remote.Workload, 0, len(names))
	for _, n := range names {
		out = append(out, c.read(n))
	}
	return out, nil
}

func (c *Controller) GetWorkload(ctx context.Context, name string) (remote.Workload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(OpGetWorkload, name); err != nil {
		return remote.Workload{}, err
	}
	if _, ok := c.workloads[name]; !ok {
		return remote.Workload{}, remote.NewError(remote.KindNotFound, OpGetWorkload, name, nil)
	}
	return c.read(name), nil
}

// read returns a snapshot of the workload, advancing any pending stop.
func (c *Controller) read(name string) remote.Workload {
	w := c.workloads[name]
	if w.State == remote.StateStopping {
		if c.stopLag[name] <= 0 {
			w.State = remote.StateStopped
			delete(c.stopLag, name)
		} else {
			c.stopLag[name]--
		}
	}
	return w.Clone()
}

func (c *Controller) CreateWorkload(ctx context.Context, desc remote.Descriptor) error {
	if err := remote.ValidateDescriptor(desc); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(OpCreateWorkload, desc.Name); err != nil {
		return err
	}
	if _, ok := c.workloads[desc.Name]; ok {
		return remote.Errorf(remote.KindConflict, OpCreateWorkload, desc.Name, "workload already exists")
	}
	for _, r := range desc.Resources {
		if _, ok := c.resources[r]; !ok {
			return remote.Errorf(remote.KindNotFound, OpCreateWorkload, desc.Name, "resource %s does not exist", r)
		}
	}
	w := &remote.Workload{
		Name:      desc.Name,
		State:     remote.StateStopped,
		Instances: desc.Instances,
		MemoryMB:  desc.MemoryMB,
		Env:       maps.Clone(desc.Env),
		Resources: slices.Clone(desc.Resources),
		Routes:    slices.Clone(desc.Routes),
	}
	if desc.Started {
		w.State = remote.StateStarted
		w.RunningInstances = w.Instances
	}
	c.workloads[desc.Name] = w
	return nil
}

func (c *Controller) DeleteWorkload(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(OpDeleteWorkload, name); err != nil {
		return err
	}
	if _, ok := c.workloads[name]; !ok {
		return remote.NewError(remote.KindNotFound, OpDeleteWorkload, name, nil)
	}
	delete(c.workloads, name)
	delete(c.stopLag, name)
	return nil
}

func (c *Controller) UpdateWorkload(ctx context.Context, name string, f remote.Fields) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(OpUpdateWorkload, name); err != nil {
		return err
	}
	w, ok := c.workloads[name]
	if !ok {
		return remote.NewError(remote.KindNotFound, OpUpdateWorkload, name, nil)
	}
	if f.Instances != nil {
		if *f.Instances < 0 {
			return remote.Errorf(remote.KindValidation, OpUpdateWorkload, name, "instances must not be negative")
		}
		w.Instances = *f.Instances
		if w.State == remote.StateStarted {
			w.RunningInstances = w.Instances
		}
	}
	if f.MemoryMB != nil {
		w.MemoryMB = *f.MemoryMB
	}
	if f.Env != nil {
		w.Env = maps.Clone(f.Env)
	}
	if f.Routes != nil {
		w.Routes = slices.Clone(f.Routes)
	}
	if f.Debug != nil {
		w.Debug = *f.Debug
	}
	if f.State != nil {
		switch *f.State {
		case remote.StateStarted:
			w.State = remote.StateStarted
			w.RunningInstances = w.Instances
		case remote.StateStopped:
			w.RunningInstances = 0
			if c.lag > 0 {
				w.State = remote.StateStopping
				c.stopLag[name] = c.lag
			} else {
				w.State = remote.StateStopped
			}
		default:
			return remote.Errorf(remote.KindValidation, OpUpdateWorkload, name, "cannot request state %s", *f.State)
		}
	}
	return nil
}

func (c *Controller) BindResource(ctx context.Context, workload, resource string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(OpBindResource, workload); err != nil {
		return err
	}
	w, ok := c.workloads[workload]
	if !ok {
		return remote.NewError(remote.KindNotFound, OpBindResource, workload, nil)
	}
	if _, ok := c.resources[resource]; !ok {
		return remote.NewError(remote.KindNotFound, OpBindResource, resource, nil)
	}
	if !w.HasResource(resource) {
		w.Resources = append(w.Resources, resource)
	}
	return nil
}

func (c *Controller) UnbindResource(ctx context.Context, workload, resource string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(OpUnbindResource, workload); err != nil {
		return err
	}
	w, ok := c.workloads[workload]
	if !ok {
		return remote.NewError(remote.KindNotFound, OpUnbindResource, workload, nil)
	}
	w.Resources = slices.DeleteFunc(w.Resources, func(r string) bool { return r == resource })
	return nil
}

func (c *Controller) ListResources(ctx context.Context) ([]remote.Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(OpListResources, ""); err != nil {
		return nil, err
	}
	out := make([]remote.Resource, 0, len(c.resources))
	for _, r := range c.resources {
		cp := *r
		cp.Credentials = maps.Clone(r.Credentials)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *Controller) CreateResource(ctx context.Context, desc remote.ResourceDescriptor) error {
	if err := remote.ValidateName(desc.Name); err != nil {
		return remote.NewError(remote.KindValidation, OpCreateResource, desc.Name, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(OpCreateResource, desc.Name); err != nil {
		return err
	}
	if _, ok := c.resources[desc.Name]; ok {
		return remote.Errorf(remote.KindConflict, OpCreateResource, desc.Name, "resource already exists")
	}
	creds := maps.Clone(desc.Credentials)
	if creds == nil {
		creds = make(map[string]string)
	}
	if creds[remote.CredName] == "" {
		creds[remote.CredName] = fmt.Sprintf("d%s", desc.Name)
	}
	c.resources[desc.Name] = &remote.Resource{
		Name:        desc.Name,
		Kind:        desc.Kind,
		Plan:        desc.Plan,
		Credentials: creds,
	}
	return nil
}

func (c *Controller) DeleteResource(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(OpDeleteResource, name); err != nil {
		return err
	}
	if _, ok := c.resources[name]; !ok {
		return remote.NewError(remote.KindNotFound, OpDeleteResource, name, nil)
	}
	delete(c.resources, name)
	for _, w := range c.workloads {
		w.Resources = slices.DeleteFunc(w.Resources, func(r string) bool { return r == name })
	}
	return nil
}

func (c *Controller) Authenticate(ctx context.Context, creds remote.Credentials) (remote.Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(OpAuthenticate, creds.Username); err != nil {
		return remote.Credentials{}, err
	}
	if c.password != "" && creds.Password != c.password {
		return remote.Credentials{}, remote.Errorf(remote.KindAuthentication, OpAuthenticate, creds.Username, "invalid password")
	}
	c.sessionValid = true
	c.tokenSeq++
	creds.Token = fmt.Sprintf("token-%d", c.tokenSeq)
	return creds, nil
}

func (c *Controller) OpenTunnelChannel(ctx context.Context, resource string) (remote.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(OpOpenTunnelChannel, resource); err != nil {
		return nil, err
	}
	if _, ok := c.resources[resource]; !ok {
		return nil, remote.NewError(remote.KindNotFound, OpOpenTunnelChannel, resource, nil)
	}
	c.opens[resource]++
	return &pipeChannel{resource: resource, handler: c.handler}, nil
}

// pipeChannel hands each stream to the controller's handler over net.Pipe.
type pipeChannel struct {
	resource string
	handler  ChannelHandler

	mu     sync.Mutex
	closed bool
	conns  []net.Conn
}

func (p *pipeChannel) Open(ctx context.Context) (net.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, remote.Errorf(remote.KindNetwork, "open stream", p.resource, "channel closed")
	}
	local, far := net.Pipe()
	p.conns = append(p.conns, local, far)
	go p.handler(p.resource, far)
	return local, nil
}

func (p *pipeChannel) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, c := range p.conns {
		c.Close()
	}
	p.conns = nil
	return nil
}
