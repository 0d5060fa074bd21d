// Package bus carries daemon events between packages and out to
// gateway clients. Delivery is best effort; a slow subscriber loses
// events rather than stalling the publisher.
package bus

import (
	"strings"
	"sync"
	"time"
)

type subscriber struct {
	prefix string
	ch     chan Event
}

// Bus is an in-process publish/subscribe hub with prefix filtering on
// event kinds.
type Bus struct {
	mu   sync.RWMutex
	subs []*subscriber
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Emit publishes a payload under the given kind, stamping the current time.
func (b *Bus) Emit(kind string, payload any) {
	b.Publish(Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Publish delivers an event to every subscriber whose prefix matches
// the event kind. Subscribers with a full buffer are skipped.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub == nil || !strings.HasPrefix(evt.Kind, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Subscribe registers interest in all kinds starting with prefix (the
// empty prefix matches everything). bufSize bounds how far the
// subscriber may lag before events are dropped. The returned cancel
// func detaches the subscription; it is safe to call more than once.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	sub := &subscriber{prefix: prefix, ch: make(chan Event, bufSize)}

	b.mu.Lock()
	slot := -1
	for i, s := range b.subs {
		if s == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		slot = len(b.subs)
		b.subs = append(b.subs, nil)
	}
	b.subs[slot] = sub
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		if slot < len(b.subs) && b.subs[slot] == sub {
			b.subs[slot] = nil
		}
		b.mu.Unlock()
	}
}
