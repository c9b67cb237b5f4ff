// Package bus provides the notification system used between depot
// components. A Bus[T] distributes a payload pointer to an ordered set of
// subscriptions; workers, archives, tool transactions and item pipelines all
// report progress, errors and completion through buses rather than calling
// each other directly.
//
// Publishing is serialized per bus and re-entrant per goroutine: a handler may
// publish on the bus that invoked it, or call into a component that does,
// without deadlocking. A publish from another goroutine waits for the running
// dispatch, whatever context it carries. Subscribe and Unsubscribe never block
// on a dispatch in progress; their effect is queued and merged before and
// after each dispatch.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

type entry[T any] struct {
	sub     Subscription[T]
	removed atomic.Bool
}

type mutation[T any] struct {
	add bool
	sub Subscription[T]
}

// Bus is a thread-safe publish/subscribe event. The zero value is ready to use.
// A Bus must not be copied after first use.
type Bus[T any] struct {
	dispatch dispatchLock

	mu      sync.Mutex
	live    []*entry[T] // copy-on-write; dispatch iterates a snapshot
	current *entry[T]

	pendingMu sync.Mutex
	pending   []mutation[T]

	cancelled atomic.Bool
}

// New returns an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{}
}

// Subscribe registers sub. Registering an identity that is already live is a
// no-op. When a dispatch is running the subscription first receives the next
// publish.
func (b *Bus[T]) Subscribe(sub Subscription[T]) {
	if sub.IsNull() {
		return
	}
	b.pendingMu.Lock()
	b.pending = append(b.pending, mutation[T]{add: true, sub: sub})
	b.pendingMu.Unlock()

	b.tryMerge()
}

// Unsubscribe removes every subscription with the same identity as sub. A
// matching subscription is not invoked again, including by a dispatch that is
// currently running and has not reached it yet.
func (b *Bus[T]) Unsubscribe(sub Subscription[T]) {
	if sub.IsNull() {
		return
	}
	b.pendingMu.Lock()
	b.pending = append(b.pending, mutation[T]{add: false, sub: sub})
	b.pendingMu.Unlock()

	b.mu.Lock()
	for _, e := range b.live {
		if e.sub.Equal(sub) {
			e.removed.Store(true)
		}
	}
	b.mu.Unlock()

	b.tryMerge()
}

// Publish invokes every live subscription in registration order with v and
// ctx. A publish made by a handler of this bus, on the handler's goroutine,
// is nested: it runs immediately instead of waiting for the outer dispatch.
func (b *Bus[T]) Publish(ctx context.Context, v *T) {
	if ctx == nil {
		ctx = context.Background()
	}
	b.dispatch.lock()
	defer b.dispatch.unlock()

	b.merge()
	b.deliver(ctx, v)
	b.merge()
}

// Fire publishes the zero value of T. It is meant for signal buses such as
// Bus[struct{}].
func (b *Bus[T]) Fire(ctx context.Context) {
	var zero T
	b.Publish(ctx, &zero)
}

// Reset cancels the handler currently being invoked (if it is cancelable),
// skips the rest of the running dispatch and drops every live and pending
// subscription. It may be called concurrently with Publish and from inside a
// handler. Calling Reset on an empty bus does nothing.
func (b *Bus[T]) Reset() {
	b.cancelled.Store(true)
	defer b.cancelled.Store(false)

	b.pendingMu.Lock()
	b.mu.Lock()
	cur := b.current
	live := b.live
	b.live = nil
	b.pending = nil
	for _, e := range live {
		e.removed.Store(true)
	}
	b.mu.Unlock()
	b.pendingMu.Unlock()

	if cur != nil && cur.sub.cancel != nil {
		cur.sub.cancel()
	}
}

// Flush merges queued subscribe/unsubscribe requests into the live list.
func (b *Bus[T]) Flush() {
	b.merge()
}

// Len returns the number of active subscriptions after merging queued changes.
func (b *Bus[T]) Len() int {
	b.merge()

	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.live {
		if !e.removed.Load() {
			n++
		}
	}
	return n
}

// Subscriptions returns the active subscriptions in registration order.
func (b *Bus[T]) Subscriptions() []Subscription[T] {
	b.merge()

	b.mu.Lock()
	defer b.mu.Unlock()
	subs := make([]Subscription[T], 0, len(b.live))
	for _, e := range b.live {
		if !e.removed.Load() {
			subs = append(subs, e.sub)
		}
	}
	return subs
}

// Merge subscribes every active subscription of other to b.
func (b *Bus[T]) Merge(other *Bus[T]) {
	if other == nil || other == b {
		return
	}
	for _, sub := range other.Subscriptions() {
		b.Subscribe(sub)
	}
}

// Remove unsubscribes from b every active subscription of other.
func (b *Bus[T]) Remove(other *Bus[T]) {
	if other == nil {
		return
	}
	for _, sub := range other.Subscriptions() {
		b.Unsubscribe(sub)
	}
}

// Clone returns a new bus carrying the same subscriptions as b.
func (b *Bus[T]) Clone() *Bus[T] {
	c := New[T]()
	c.Merge(b)
	return c
}

func (b *Bus[T]) deliver(ctx context.Context, v *T) {
	b.mu.Lock()
	snapshot := b.live
	b.mu.Unlock()

	for _, e := range snapshot {
		if b.cancelled.Load() {
			return
		}
		if e.removed.Load() {
			continue
		}

		b.mu.Lock()
		prev := b.current
		b.current = e
		b.mu.Unlock()

		e.sub.Call(ctx, v)

		b.mu.Lock()
		b.current = prev
		b.mu.Unlock()
	}
}

// tryMerge merges pending mutations when no dispatch is running.
func (b *Bus[T]) tryMerge() {
	if !b.dispatch.tryLock() {
		return
	}
	defer b.dispatch.unlock()
	b.merge()
}

func (b *Bus[T]) merge() {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	if len(b.pending) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	live := make([]*entry[T], 0, len(b.live)+len(b.pending))
	live = append(live, b.live...)
	for _, m := range b.pending {
		if m.add {
			if indexOf(live, m.sub) < 0 {
				live = append(live, &entry[T]{sub: m.sub})
			}
			continue
		}
		kept := live[:0:0]
		for _, e := range live {
			if e.sub.Equal(m.sub) {
				e.removed.Store(true)
				continue
			}
			kept = append(kept, e)
		}
		live = kept
	}
	b.live = live
	b.pending = nil
}

func indexOf[T any](live []*entry[T], sub Subscription[T]) int {
	for i, e := range live {
		if e.sub.Equal(sub) {
			return i
		}
	}
	return -1
}
