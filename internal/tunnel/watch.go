package tunnel

import (
	"slices"

	"github.com/gluk-w/appmirror/internal/events"
)

// Watch subscribes the manager to reconciliation events. Handlers run after
// the cache has been updated for the pass that produced the event.
func (m *Manager) Watch(bus *events.Bus) {
	sub := bus.Subscribe(m.onEvent)
	m.mu.Lock()
	m.bus, m.sub = bus, sub
	m.mu.Unlock()
}

func (m *Manager) onEvent(ev events.ChangeEvent) {
	hosting := m.hosting.Name
	switch {
	case ev.Type == events.ServerRefreshed && slices.Contains(ev.Deleted, hosting),
		ev.Workload == hosting && slices.Contains(ev.Deleted, hosting):
		m.StopAll(ReasonHostingRemoved)

	case ev.Workload == hosting && len(ev.Unbound) > 0:
		for _, r := range ev.Unbound {
			m.stop(r, m.unboundReason(r))
		}

	case ev.Workload == "" && ev.Type == events.ServicesUpdated:
		for _, r := range ev.Deleted {
			m.stop(r, ReasonResourceDeleted)
		}
	}
}

// unboundReason tells a plain unbind from the unbind a resource deletion
// causes; the cache already reflects the whole pass.
func (m *Manager) unboundReason(resource string) string {
	if _, ok := m.cache.Resource(resource); !ok {
		return ReasonResourceDeleted
	}
	return ReasonUnbound
}
