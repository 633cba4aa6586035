package rpc

import (
	"context"
	"sync"
)

// Subscriptions allocates subscription ids and owns the per-subscription
// worker lifetimes. Ids are per-process: clients resubscribe after a
// reconnect and must treat the values as opaque.
type Subscriptions struct {
	mu     sync.Mutex
	nextID int64
	subs   map[int64]context.CancelFunc
	wg     sync.WaitGroup
}

// NewSubscriptions creates an empty table. The first allocated id is 1.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{nextID: 1, subs: make(map[int64]context.CancelFunc)}
}

// Add allocates the next id and a context for its worker. The worker must be
// started through Go so shutdown can wait for it.
func (s *Subscriptions) Add(parent context.Context) (int64, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = cancel
	s.mu.Unlock()
	return id, ctx
}

// Go runs the worker for id, removing the table entry when it exits.
func (s *Subscriptions) Go(id int64, worker func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.remove(id)
		worker()
	}()
}

// Cancel stops the worker for id. Cancelling an unknown id is a no-op so that
// unsubscribe stays idempotent.
func (s *Subscriptions) Cancel(id int64) {
	s.mu.Lock()
	cancel, ok := s.subs[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// CancelAll stops every worker and waits for them to exit.
func (s *Subscriptions) CancelAll() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.subs))
	for _, cancel := range s.subs {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	s.wg.Wait()
}

// Active returns the number of live subscriptions.
func (s *Subscriptions) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// remove drops the table entry and releases its context, so a worker that
// exits on its own (terminal watcher error) does not pin the derived context
// until session end.
func (s *Subscriptions) remove(id int64) {
	s.mu.Lock()
	cancel, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}
