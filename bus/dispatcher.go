package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrDispatcherClosed is returned by Future.Wait when the task was dropped
// because the dispatcher shut down before running it.
var ErrDispatcherClosed = errors.New("bus: dispatcher closed")

// ownerKey marks a context as running on a dispatcher's owner goroutine. The
// value is that goroutine's id.
type ownerKey struct {
	d *Dispatcher
}

// Future completes when a posted task has run (or was dropped).
type Future struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the task has run or was dropped.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task completes or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type task struct {
	fn  func(ctx context.Context)
	fut *Future
}

// Dispatcher is a task queue drained by a single owner goroutine, typically
// the one that renders progress to the user. Other goroutines Post work to it
// and optionally wait on the returned Future.
type Dispatcher struct {
	mu     sync.Mutex
	queue  []task
	closed bool
	notify chan struct{}
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{notify: make(chan struct{}, 1)}
}

// Post enqueues fn to run on the owner goroutine.
func (d *Dispatcher) Post(fn func(ctx context.Context)) *Future {
	fut := newFuture()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		fut.complete(ErrDispatcherClosed)
		return fut
	}
	d.queue = append(d.queue, task{fn: fn, fut: fut})
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
	return fut
}

// Drain runs every queued task on the calling goroutine and returns how many
// ran. Tasks posted while draining run in the same call.
func (d *Dispatcher) Drain(ctx context.Context) int {
	ctx = context.WithValue(ctx, ownerKey{d}, goid())
	n := 0
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return n
		}
		t := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		t.fn(ctx)
		t.fut.complete(nil)
		n++
	}
}

// Run drains the queue whenever work is posted until ctx is done, then closes
// the dispatcher.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.Close()
	for {
		d.Drain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.notify:
		}
	}
}

// Close drops queued tasks and rejects new ones. Waiters on dropped tasks get
// ErrDispatcherClosed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	queue := d.queue
	d.queue = nil
	d.mu.Unlock()

	for _, t := range queue {
		t.fut.complete(ErrDispatcherClosed)
	}
}

// OnOwner reports whether ctx belongs to a task running on d's owner
// goroutine and the caller is that goroutine. A task context handed to
// another goroutine is not on the owner.
func (d *Dispatcher) OnOwner(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	id, ok := ctx.Value(ownerKey{d}).(uint64)
	return ok && id == goid()
}

// marshaled invokes fn on a dispatcher's owner goroutine and waits for it.
type marshaled[T any] struct {
	d  *Dispatcher
	fn func(ctx context.Context, v *T)

	mu   sync.Mutex
	stop chan struct{}
}

func (m *marshaled[T]) call(ctx context.Context, v *T) {
	if m.d.OnOwner(ctx) {
		m.fn(ctx, v)
		return
	}

	stop := make(chan struct{})
	m.mu.Lock()
	m.stop = stop
	m.mu.Unlock()

	fut := m.d.Post(func(owner context.Context) { m.fn(owner, v) })
	select {
	case <-fut.Done():
	case <-stop:
	case <-ctx.Done():
	}

	m.mu.Lock()
	if m.stop == stop {
		m.stop = nil
	}
	m.mu.Unlock()
}

// Cancel releases a publisher waiting on the owner goroutine.
func (m *marshaled[T]) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
}

// Marshal returns a cancelable subscription that runs fn on d's owner
// goroutine. The publishing goroutine waits until fn has run, unless the bus
// is Reset meanwhile, in which case the wait is abandoned. When the publish
// already happens on the owner goroutine fn runs inline. A key whose dynamic
// value is not comparable yields the null subscription.
func Marshal[T any, K comparable](d *Dispatcher, key K, fn func(ctx context.Context, v *T)) Subscription[T] {
	if d == nil || fn == nil || !comparableValue(key) {
		return Subscription[T]{}
	}
	m := &marshaled[T]{d: d, fn: fn}
	return Subscription[T]{
		id:     identity{kind: kindKey, obj: key},
		fn:     m.call,
		cancel: m.Cancel,
	}
}
