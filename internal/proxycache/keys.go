package proxycache

// Correlation keys are opaque identifiers owned by the surrounding tooling
// (a project, a launch configuration). The cache only maps them to workload
// names; a key disappears with the proxy it points to.

// BindKey associates key with the named workload, replacing any earlier
// association of the key.
func (c *Cache) BindKey(key, name string) {
	c.mutate(func(s *snapshot) {
		s.keys[key] = name
	})
}

// UnbindKey drops key.
func (c *Cache) UnbindKey(key string) {
	c.mutate(func(s *snapshot) {
		delete(s.keys, key)
	})
}

// ByKey returns the proxy the key is bound to.
func (c *Cache) ByKey(key string) (Proxy, bool) {
	name, ok := c.snap.Load().keys[key]
	if !ok {
		return Proxy{}, false
	}
	return c.Get(name)
}

// GetOrCreateByKey returns the proxy bound to key. When the key is unbound it
// binds it to name and returns GetOrCreate(name).
func (c *Cache) GetOrCreateByKey(key, name string) Proxy {
	if p, ok := c.ByKey(key); ok {
		return p
	}
	var out Proxy
	c.mutate(func(s *snapshot) {
		if bound, ok := s.keys[key]; ok {
			if p, ok := s.proxies[bound]; ok {
				out = p.clone()
				return
			}
		}
		s.keys[key] = name
		p, ok := s.proxies[name]
		if !ok {
			p = Proxy{Name: name}
			s.proxies[name] = p
		}
		out = p.clone()
	})
	return out
}
