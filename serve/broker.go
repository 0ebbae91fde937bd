package serve

import (
	"sync"

	"github.com/everydev1618/toolbox/sandbox"
)

const (
	maxSubscribers   = 50
	subscriberBuffer = 64
)

// Subscription is one SSE client. An empty tool receives every event.
type Subscription struct {
	tool   string
	events chan sandbox.Event
}

func (s *Subscription) wants(e sandbox.Event) bool {
	return s.tool == "" || s.tool == e.ToolName
}

// EventBroker fans sandbox lifecycle events out to SSE clients, each
// filtered to the tool it asked for.
type EventBroker struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	// dropped counts events a slow subscriber missed.
	dropped uint64
}

// NewEventBroker creates a new broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		subs: make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a client for events about tool, or about every tool
// when tool is empty. It returns nil once the broker is full or closed. The
// caller must call Unsubscribe when done.
func (b *EventBroker) Subscribe(tool string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || len(b.subs) >= maxSubscribers {
		return nil
	}

	sub := &Subscription{tool: tool, events: make(chan sandbox.Event, subscriberBuffer)}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (b *EventBroker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.events)
	}
}

// Close ends every subscription; later Subscribe calls return nil.
func (b *EventBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for sub := range b.subs {
		close(sub.events)
		delete(b.subs, sub)
	}
}

// Publish delivers e to every subscriber whose filter matches. A subscriber
// with a full buffer misses the event.
func (b *EventBroker) Publish(e sandbox.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		if !sub.wants(e) {
			continue
		}
		select {
		case sub.events <- e:
		default:
			b.dropped++
		}
	}
}

// Dropped returns how many events slow subscribers missed.
func (b *EventBroker) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Subscribers returns the number of connected clients.
func (b *EventBroker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
