// Package bus is the in-process pub/sub channel for server lifecycle events.
// Publishing never blocks: a subscriber that falls behind loses events, which
// is fine because nothing on the bus carries protocol state.
package bus

import (
	"strings"
	"sync"
	"time"
)

// Kind names an event. Kinds form dot-separated namespaces so subscribers can
// listen to a whole family with a prefix.
type Kind string

const (
	// RequestHandled fires after the dispatcher finishes one request.
	RequestHandled Kind = "rpc.request"
	// Subscribed and Unsubscribed bracket a watch subscription's lifetime.
	Subscribed   Kind = "watch.subscribed"
	Unsubscribed Kind = "watch.unsubscribed"
	// NotificationSent fires for every message notification written.
	NotificationSent Kind = "watch.notification"
	// WatchFailed fires when a subscription worker dies on an error.
	WatchFailed Kind = "watch.error"
	// SessionClosed fires once when the inbound stream reaches EOF.
	SessionClosed Kind = "session.closed"
	// StatusChanged carries a status.Change payload.
	StatusChanged Kind = "session.status_changed"
)

// Event is one published occurrence.
type Event struct {
	Kind    Kind
	At      time.Time
	Payload any
}

type subscriber struct {
	prefix string
	ch     chan Event
}

// Bus fans events out to prefix-matched subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Publish delivers evt to every subscriber whose prefix matches evt.Kind,
// stamping At if the caller left it zero. Full subscribers are skipped.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(string(evt.Kind), sub.prefix) {
			select {
			case sub.ch <- evt:
			default:
			}
		}
	}
}

// Subscribe registers interest in all kinds starting with prefix. The
// returned cancel function removes the subscription; the channel is never
// closed, so consumers select on it together with their own done signal.
func (b *Bus) Subscribe(prefix string, buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscriber{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
