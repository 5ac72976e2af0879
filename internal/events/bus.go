package events

import (
	"context"
	"fmt"
	"sync"
)

// Handler receives one envelope per committed event. Handlers must not
// block: slow consumers buffer internally and drop or resynchronize via
// sequence-based replay.
type Handler func(env Envelope)

// Bus fans committed events out to in-process subscribers keyed by project.
// Publish happens after the producing transaction commits.
type Bus interface {
	// Publish delivers the envelope to every subscriber bound to its project.
	Publish(ctx context.Context, env Envelope) error
	// Subscribe binds a handler to a set of project channels. A failed
	// subscribe leaves no partial registration behind, so a retry covers
	// the same set.
	Subscribe(ctx context.Context, projectIDs []string, fn Handler) (*Subscription, error)
	// Close tears down all subscriptions.
	Close() error
}

// Subscription is a handle to one logical subscriber. Unsubscribe is safe to
// call more than once; only the first call has effect.
type Subscription struct {
	cancel func()
	once   sync.Once
}

// Unsubscribe detaches the handler from the bus.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// MemoryBus is an in-process Bus for single-process deployments and tests.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*memorySub
	closed bool
}

type memorySub struct {
	projects map[string]bool
	fn       Handler
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]*memorySub)}
}

// Publish invokes every handler whose project set contains the envelope's
// project. Dispatch happens outside the lock so a handler may unsubscribe
// itself.
func (b *MemoryBus) Publish(ctx context.Context, env Envelope) error {
	b.mu.RLock()
	var handlers []Handler
	if !b.closed {
		for _, sub := range b.subs {
			if sub.projects[env.ProjectID] {
				handlers = append(handlers, sub.fn)
			}
		}
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(env)
	}
	return nil
}

// Subscribe binds fn to the given projects.
func (b *MemoryBus) Subscribe(ctx context.Context, projectIDs []string, fn Handler) (*Subscription, error) {
	if len(projectIDs) == 0 {
		return nil, fmt.Errorf("subscribe: at least one project channel is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("subscribe: bus is closed")
	}

	projects := make(map[string]bool, len(projectIDs))
	for _, id := range projectIDs {
		projects[id] = true
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = &memorySub{projects: projects, fn: fn}

	return &Subscription{cancel: func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}}, nil
}

// Close drops all subscribers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int]*memorySub)
	return nil
}

// SubscriberCount returns the number of live subscriptions.
func (b *MemoryBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// NopBus discards publishes and accepts no subscribers. Used where events
// are disabled.
type NopBus struct{}

// Publish does nothing.
func (NopBus) Publish(ctx context.Context, env Envelope) error { return nil }

// Subscribe returns an inert subscription.
func (NopBus) Subscribe(ctx context.Context, projectIDs []string, fn Handler) (*Subscription, error) {
	return &Subscription{cancel: func() {}}, nil
}

// Close does nothing.
func (NopBus) Close() error { return nil }
