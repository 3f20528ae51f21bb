package conn

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/vietddude/gatekeeper/internal/core/domain"
	"github.com/vietddude/gatekeeper/internal/metrics"
)

// Listener receives connection events. A returned error is logged at the
// emission site and never propagated.
type Listener func(domain.ConnectionEvent) error

// subscriptionQueueSize bounds the per-listener backlog. A listener that
// falls this far behind starts losing the newest events.
const subscriptionQueueSize = 64

// subscription is one listener with its own delivery queue. A dedicated
// goroutine drains the queue, so a single listener sees events in the order
// they were published.
type subscription struct {
	fn Listener
	ch chan domain.ConnectionEvent
}

// eventBus fans events out to per-type listener sets. Each listener gets its
// own serial queue: listeners run concurrently with each other but receive
// their events in publication order, and a slow or panicking listener never
// blocks siblings or the emitter.
type eventBus struct {
	mu        sync.Mutex
	log       *slog.Logger
	seq       int
	listeners map[domain.EventType]map[int]*subscription
}

func newEventBus() *eventBus {
	return &eventBus{
		log:       slog.Default(),
		listeners: make(map[domain.EventType]map[int]*subscription),
	}
}

// subscribe registers a listener for one event type and returns its disposer.
// Each subscription is its own set entry; disposing twice is harmless.
func (b *eventBus) subscribe(t domain.EventType, l Listener) func() {
	sub := &subscription{fn: l, ch: make(chan domain.ConnectionEvent, subscriptionQueueSize)}
	go b.drain(sub)

	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.listeners[t]
	if set == nil {
		set = make(map[int]*subscription)
		b.listeners[t] = set
	}
	b.seq++
	id := b.seq
	set[id] = sub

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		set, ok := b.listeners[t]
		if !ok {
			return
		}
		if sub, ok := set[id]; ok {
			delete(set, id)
			close(sub.ch)
		}
	}
}

// publish stamps the event and enqueues it for all listeners of its type.
// Enqueueing happens under the lock so concurrent publishers cannot race a
// close, and a full queue drops the event rather than blocking.
func (b *eventBus) publish(ev domain.ConnectionEvent) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	metrics.EventsEmitted.WithLabelValues(string(ev.Type)).Inc()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.listeners[ev.Type] {
		select {
		case sub.ch <- ev:
		default:
			b.log.Warn("Event listener queue full, dropping event", "type", string(ev.Type))
		}
	}
}

// drain delivers queued events to one listener until its queue is closed.
func (b *eventBus) drain(sub *subscription) {
	for ev := range sub.ch {
		b.invoke(sub.fn, ev)
	}
}

func (b *eventBus) invoke(l Listener, ev domain.ConnectionEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Event listener panicked", "type", string(ev.Type), "panic", r)
		}
	}()
	if err := l(ev); err != nil {
		b.log.Warn("Event listener failed", "type", string(ev.Type), "error", err)
	}
}

// clear drops every listener and stops their queues. Used during cleanup.
func (b *eventBus) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, set := range b.listeners {
		for _, sub := range set {
			close(sub.ch)
		}
	}
	b.listeners = make(map[domain.EventType]map[int]*subscription)
}
