package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// It decouples the sync core from presentation consumers: the Directory and
// Timeline publish state-change events here, and views subscribe without
// holding references into the core.
//
// Subscribers are grouped by namespace so a publish walks one map entry per
// distinct prefix rather than every subscriber.
type Bus struct {
	mu     sync.RWMutex
	groups map[string]map[uint64]chan Event
	nextID uint64
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		groups: make(map[string]map[uint64]chan Event),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of
// evt.Kind. Delivery is non-blocking; a subscriber with a full buffer misses
// the event rather than stalling the publisher.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for namespace, group := range b.groups {
		if !strings.HasPrefix(evt.Kind, namespace) {
			continue
		}
		for _, ch := range group {
			select {
			case ch <- evt:
			default:
			}
		}
	}
}

// Subscribe returns a channel receiving events whose kind starts with the
// given namespace prefix, plus an unsubscribe function. Unsubscribing one
// subscriber never affects others registered for the same namespace.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	group, ok := b.groups[namespace]
	if !ok {
		group = make(map[uint64]chan Event)
		b.groups[namespace] = group
	}
	group[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if group, ok := b.groups[namespace]; ok {
			delete(group, id)
			if len(group) == 0 {
				delete(b.groups, namespace)
			}
		}
		b.mu.Unlock()
	}
}
