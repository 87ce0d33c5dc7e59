// Package proxycache holds the local mirror of remote workloads.
//
// Reads are lock-free: every mutation builds a new immutable snapshot under the
// cache's single mutex and publishes it atomically. Mutations are serialized
// through that mutex, which is the only writer-side critical section shared by
// the operation executor and the refresh coordinator.
package proxycache

import (
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gluk-w/appmirror/internal/remote"
)

// Guard marks a proxy as the target of an in-flight destructive operation.
// A proxy holds at most one guard, so replace and undeploy can never overlap.
type Guard int

const (
	GuardNone Guard = iota
	GuardReplacing
	GuardUndeploying
)

func (g Guard) String() string {
	switch g {
	case GuardReplacing:
		return "pending-replace"
	case GuardUndeploying:
		return "pending-undeploy"
	default:
		return "none"
	}
}

func (g Guard) MarshalText() ([]byte, error) { return []byte(g.String()), nil }

func (g *Guard) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending-replace":
		*g = GuardReplacing
	case "pending-undeploy":
		*g = GuardUndeploying
	default:
		*g = GuardNone
	}
	return nil
}

// Proxy is the local representation of one remote workload. Values returned by
// the cache are copies; mutate the cache only through its methods.
type Proxy struct {
	Name     string             `json:"name" yaml:"name"`
	Desired  *remote.Descriptor `json:"desired,omitempty" yaml:"desired,omitempty"`
	Observed *remote.Workload   `json:"observed,omitempty" yaml:"observed,omitempty"`
	State    remote.State       `json:"state" yaml:"state"`

	Guard     Guard     `json:"guard" yaml:"guard"`
	GuardedAt time.Time `json:"guarded_at,omitempty" yaml:"guarded_at,omitempty"`

	ErrorMessage string `json:"error,omitempty" yaml:"error,omitempty"`
	// RemovalPending is set when a remove was deferred by a guard.
	RemovalPending bool `json:"removal_pending,omitempty" yaml:"removal_pending,omitempty"`
}

func (p Proxy) clone() Proxy {
	if p.Observed != nil {
		w := p.Observed.Clone()
		p.Observed = &w
	}
	if p.Desired != nil {
		d := *p.Desired
		d.Env = maps.Clone(d.Env)
		d.Resources = slices.Clone(d.Resources)
		d.Routes = slices.Clone(d.Routes)
		d.Ports = slices.Clone(d.Ports)
		p.Desired = &d
	}
	return p
}

type snapshot struct {
	proxies   map[string]Proxy
	resources map[string]remote.Resource
	keys      map[string]string
}

func (s *snapshot) copy() *snapshot {
	return &snapshot{
		proxies:   maps.Clone(s.proxies),
		resources: maps.Clone(s.resources),
		keys:      maps.Clone(s.keys),
	}
}

// Cache maps workload names to proxies.
type Cache struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
	now  func() time.Time
}

// New returns an empty cache.
func New() *Cache {
	c := &Cache{now: time.Now}
	c.snap.Store(&snapshot{
		proxies:   map[string]Proxy{},
		resources: map[string]remote.Resource{},
		keys:      map[string]string{},
	})
	return c
}

// mutate applies fn to a private copy of the current snapshot and publishes it.
func (c *Cache) mutate(fn func(s *snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.snap.Load().copy()
	fn(next)
	c.snap.Store(next)
}

// Get returns the named proxy. It never blocks.
func (c *Cache) Get(name string) (Proxy, bool) {
	p, ok := c.snap.Load().proxies[name]
	if !ok {
		return Proxy{}, false
	}
	return p.clone(), true
}

// Names returns the cached workload names in ascending order.
func (c *Cache) Names() []string {
	return slices.Sorted(maps.Keys(c.snap.Load().proxies))
}

// List returns every proxy ordered by name.
func (c *Cache) List() []Proxy {
	s := c.snap.Load()
	out := make([]Proxy, 0, len(s.proxies))
	for _, name := range slices.Sorted(maps.Keys(s.proxies)) {
		out = append(out, s.proxies[name].clone())
	}
	return out
}

// Len returns the number of cached proxies.
func (c *Cache) Len() int { return len(c.snap.Load().proxies) }

// GetOrCreate returns the named proxy, creating an empty one in StateUnknown
// when absent.
func (c *Cache) GetOrCreate(name string) Proxy {
	if p, ok := c.Get(name); ok {
		return p
	}
	var out Proxy
	c.mutate(func(s *snapshot) {
		p, ok := s.proxies[name]
		if !ok {
			p = Proxy{Name: name, State: remote.StateUnknown}
			s.proxies[name] = p
		}
		out = p.clone()
	})
	return out
}

// Create adds an empty proxy in StateUnknown unless name is cached. It
// reports whether it added one.
func (c *Cache) Create(name string) bool {
	if _, ok := c.Get(name); ok {
		return false
	}
	created := false
	c.mutate(func(s *snapshot) {
		if _, ok := s.proxies[name]; !ok {
			s.proxies[name] = Proxy{Name: name, State: remote.StateUnknown}
			created = true
		}
	})
	return created
}

// Discard deletes the named proxy if no pass has observed it and it is not
// guarded. It reports whether the proxy was deleted.
func (c *Cache) Discard(name string) bool {
	removed := false
	c.mutate(func(s *snapshot) {
		p, ok := s.proxies[name]
		if !ok || p.Observed != nil || p.Guard != GuardNone {
			return
		}
		drop(s, name)
		removed = true
	})
	return removed
}

// Upsert merges an authoritative snapshot into the named proxy, creating it if
// absent. Desired is left untouched. It returns the proxy as it was before the
// merge and whether it existed.
func (c *Cache) Upsert(w remote.Workload) (prev Proxy, existed bool) {
	c.mutate(func(s *snapshot) {
		p, ok := s.proxies[w.Name]
		prev, existed = p.clone(), ok
		if !ok {
			p = Proxy{Name: w.Name}
		}
		obs := w.Clone()
		p.Observed = &obs
		p.State = w.State
		p.RemovalPending = false
		s.proxies[w.Name] = p
	})
	return prev, existed
}

// Remove deletes the named proxy. A guarded proxy is kept and marked
// RemovalPending; the next reconciliation pass retries. It reports whether the
// proxy was actually deleted.
func (c *Cache) Remove(name string) bool {
	removed := false
	c.mutate(func(s *snapshot) {
		p, ok := s.proxies[name]
		if !ok {
			return
		}
		if p.Guard != GuardNone {
			p.RemovalPending = true
			s.proxies[name] = p
			return
		}
		drop(s, name)
		removed = true
	})
	return removed
}

func drop(s *snapshot, name string) {
	delete(s.proxies, name)
	for k, v := range s.keys {
		if v == name {
			delete(s.keys, k)
		}
	}
}

// SetDesired records the descriptor the caller wants enforced.
func (c *Cache) SetDesired(name string, desc remote.Descriptor) {
	c.mutate(func(s *snapshot) {
		p, ok := s.proxies[name]
		if !ok {
			p = Proxy{Name: name}
		}
		d := desc
		p.Desired = &d
		s.proxies[name] = p.clone()
	})
}

// SetError records msg as the last failure on the named proxy. An empty msg
// clears it. Absent proxies are ignored.
func (c *Cache) SetError(name, msg string) {
	c.mutate(func(s *snapshot) {
		p, ok := s.proxies[name]
		if !ok || p.ErrorMessage == msg {
			return
		}
		p.ErrorMessage = msg
		s.proxies[name] = p
	})
}

// Tag places guard on the named proxy, creating the proxy if needed. A proxy
// that already holds a guard is busy: Tag returns a Conflict error.
func (c *Cache) Tag(name string, guard Guard) error {
	if guard == GuardNone {
		return remote.Errorf(remote.KindValidation, "tag", name, "cannot tag with %s", guard)
	}
	var err error
	c.mutate(func(s *snapshot) {
		p, ok := s.proxies[name]
		if !ok {
			p = Proxy{Name: name, State: remote.StateUnknown}
		}
		if p.Guard != GuardNone {
			err = remote.Errorf(remote.KindConflict, "tag", name, "busy: %s in progress", p.Guard)
			return
		}
		p.Guard = guard
		p.GuardedAt = c.now()
		s.proxies[name] = p
	})
	return err
}

// Untag releases guard. Releasing a guard the proxy does not hold is a no-op,
// so callers may untag unconditionally on every exit path.
func (c *Cache) Untag(name string, guard Guard) {
	c.mutate(func(s *snapshot) {
		p, ok := s.proxies[name]
		if !ok || p.Guard != guard {
			return
		}
		p.Guard = GuardNone
		p.GuardedAt = time.Time{}
		s.proxies[name] = p
	})
}

// Busy returns a Conflict error when the named proxy holds a guard.
func (c *Cache) Busy(name string) error {
	p, ok := c.snap.Load().proxies[name]
	if !ok || p.Guard == GuardNone {
		return nil
	}
	return remote.Errorf(remote.KindConflict, "check", name, "busy: %s in progress", p.Guard)
}

// StaleGuards returns proxies whose guard has been held longer than window.
func (c *Cache) StaleGuards(window time.Duration) []Proxy {
	now := c.now()
	var out []Proxy
	for _, p := range c.List() {
		if p.Guard != GuardNone && now.Sub(p.GuardedAt) > window {
			out = append(out, p)
		}
	}
	return out
}

// SetResources replaces the mirrored resource set and reports which names
// appeared and which disappeared. The first call reports everything as added.
func (c *Cache) SetResources(rs []remote.Resource) (added, deleted []string) {
	c.mutate(func(s *snapshot) {
		next := make(map[string]remote.Resource, len(rs))
		for _, r := range rs {
			r.Credentials = maps.Clone(r.Credentials)
			next[r.Name] = r
			if _, ok := s.resources[r.Name]; !ok {
				added = append(added, r.Name)
			}
		}
		for name := range s.resources {
			if _, ok := next[name]; !ok {
				deleted = append(deleted, name)
			}
		}
		s.resources = next
	})
	sort.Strings(added)
	sort.Strings(deleted)
	return added, deleted
}

// Resources returns the mirrored resources ordered by name.
func (c *Cache) Resources() []remote.Resource {
	s := c.snap.Load()
	out := make([]remote.Resource, 0, len(s.resources))
	for _, name := range slices.Sorted(maps.Keys(s.resources)) {
		r := s.resources[name]
		r.Credentials = maps.Clone(r.Credentials)
		out = append(out, r)
	}
	return out
}

// Resource returns one mirrored resource.
func (c *Cache) Resource(name string) (remote.Resource, bool) {
	r, ok := c.snap.Load().resources[name]
	r.Credentials = maps.Clone(r.Credentials)
	return r, ok
}
