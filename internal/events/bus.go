package events

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Listener receives events synchronously on the publishing goroutine and must
// return promptly.
type Listener func(ChangeEvent)

// Subscription identifies a registered listener.
type Subscription string

type entry struct {
	id    Subscription
	fn    Listener
	types []Type
}

// maxHistory limits the number of retained events.
const maxHistory = 200

// Bus delivers ChangeEvents to listeners in registration order. The listener
// list is copied under the lock and invoked outside it, so a listener may
// subscribe or unsubscribe from within its callback.
type Bus struct {
	log zerolog.Logger

	mu        sync.Mutex
	listeners []entry
	history   []ChangeEvent
	counter   func(Type)
}

// NewBus returns an empty bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{log: log.With().Str("component", "events").Logger()}
}

// OnPublish registers a hook invoked once per published event (metrics).
func (b *Bus) OnPublish(fn func(Type)) {
	b.mu.Lock()
	b.counter = fn
	b.mu.Unlock()
}

// Subscribe registers fn for every event type.
func (b *Bus) Subscribe(fn Listener) Subscription {
	return b.SubscribeTypes(fn)
}

// SubscribeTypes registers fn for the given event types only. No types means
// all types.
func (b *Bus) SubscribeTypes(fn Listener, types ...Type) Subscription {
	id := Subscription(uuid.NewString())
	b.mu.Lock()
	b.listeners = append(b.listeners, entry{id: id, fn: fn, types: slices.Clone(types)})
	b.mu.Unlock()
	return id
}

// Unsubscribe removes a listener. Unknown IDs are ignored.
func (b *Bus) Unsubscribe(id Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = slices.DeleteFunc(b.listeners, func(e entry) bool { return e.id == id })
}

// Publish delivers ev to every matching listener before returning.
func (b *Bus) Publish(ev ChangeEvent) {
	if ev.Status == "" {
		ev.Status = StatusOK
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > maxHistory {
		b.history = b.history[len(b.history)-maxHistory:]
	}
	listeners := make([]entry, len(b.listeners))
	copy(listeners, b.listeners)
	counter := b.counter
	b.mu.Unlock()

	b.log.Debug().Str("type", string(ev.Type)).Str("workload", ev.Workload).Msg("publish")
	if counter != nil {
		counter(ev.Type)
	}
	for _, l := range listeners {
		if len(l.types) > 0 && !slices.Contains(l.types, ev.Type) {
			continue
		}
		b.deliver(l, ev)
	}
}

func (b *Bus) deliver(l entry, ev ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("type", string(ev.Type)).Msg("listener panicked")
		}
	}()
	l.fn(ev)
}

// Recent returns up to n of the most recently published events, oldest first.
func (b *Bus) Recent(n int) []ChangeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	out := make([]ChangeEvent, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

// Channel subscribes a buffered channel. Events are dropped for a slow reader
// rather than blocking the publisher. The returned cancel func unsubscribes and
// closes the channel.
func (b *Bus) Channel(buffer int) (<-chan ChangeEvent, func()) {
	ch := make(chan ChangeEvent, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	id := b.Subscribe(func(ev ChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
			b.log.Warn().Str("type", string(ev.Type)).Msg("dropping event for slow subscriber")
		}
	})
	cancel := func() {
		b.Unsubscribe(id)
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
	return ch, cancel
}
