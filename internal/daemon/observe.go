package daemon

import (
	"sync"

	"go.uber.org/zap"

	"github.com/imsglab/imsg/internal/bus"
	"github.com/imsglab/imsg/internal/status"
)

// Observer consumes the event bus for logging and end-of-run accounting.
// Nothing on this path touches the protocol stream.
type Observer struct {
	bus    *bus.Bus
	logger *zap.Logger

	mu            sync.Mutex
	requests      int64
	notifications int64
	subscriptions int64

	unsub func()
	quit  chan struct{}
}

// NewObserver creates an observer over the given bus.
func NewObserver(b *bus.Bus, logger *zap.Logger) *Observer {
	return &Observer{bus: b, logger: logger}
}

// Start begins consuming events. Must be balanced with Stop.
func (o *Observer) Start() {
	ch, unsub := o.bus.Subscribe("", 256)
	o.unsub = unsub
	o.quit = make(chan struct{})
	go func() {
		for {
			select {
			case evt := <-ch:
				o.handle(evt)
			case <-o.quit:
				return
			}
		}
	}()
}

func (o *Observer) handle(evt bus.Event) {
	o.mu.Lock()
	switch evt.Kind {
	case bus.RequestHandled:
		o.requests++
	case bus.NotificationSent:
		o.notifications++
	case bus.Subscribed:
		o.subscriptions++
	}
	o.mu.Unlock()

	switch evt.Kind {
	case bus.StatusChanged:
		if change, ok := evt.Payload.(status.Change); ok {
			o.logger.Info("state changed",
				zap.String("from", string(change.From)),
				zap.String("to", string(change.To)))
		}
	case bus.WatchFailed:
		o.logger.Warn("subscription terminated", zap.Any("subscription", evt.Payload))
	}
}

// Stop unsubscribes and logs the session counters.
func (o *Observer) Stop() {
	if o.unsub != nil {
		o.unsub()
		close(o.quit)
	}

	o.mu.Lock()
	requests, notifications, subscriptions := o.requests, o.notifications, o.subscriptions
	o.mu.Unlock()
	o.logger.Info("session summary",
		zap.Int64("requests", requests),
		zap.Int64("notifications", notifications),
		zap.Int64("subscriptions", subscriptions))
}

// Counters returns the accumulated totals. Used by tests.
func (o *Observer) Counters() (requests, notifications, subscriptions int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requests, o.notifications, o.subscriptions
}
