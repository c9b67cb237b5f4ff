package bus

import (
	"context"
	"sync"
	"time"
)

// ThrottleConfig controls the behavior of Throttle.
type ThrottleConfig[T any, K comparable] struct {
	// CoalesceInterval is how often to flush coalesced payloads.
	// Default: 100ms
	CoalesceInterval time.Duration

	// Key groups payloads; only the latest payload per key is kept within
	// each interval. Required.
	Key func(*T) K

	// Passthrough, if set, selects payloads that are forwarded immediately
	// instead of being coalesced.
	Passthrough func(*T) bool
}

// Throttle is a Handler that coalesces high-frequency payloads (typically
// progress) per key and republishes the latest one per key onto a target bus
// at a fixed interval. Subscribe it with Object(throttle).
type Throttle[T any, K comparable] struct {
	target   *Bus[T]
	key      func(*T) K
	pass     func(*T) bool
	interval time.Duration

	mu      sync.Mutex
	pending map[K]T
	order   []K
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewThrottle creates a Throttle that flushes onto target.
func NewThrottle[T any, K comparable](target *Bus[T], cfg ThrottleConfig[T, K]) *Throttle[T, K] {
	interval := cfg.CoalesceInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	t := &Throttle[T, K]{
		target:   target,
		key:      cfg.Key,
		pass:     cfg.Passthrough,
		interval: interval,
		pending:  make(map[K]T),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go t.run()

	return t
}

// Handle records v. Passthrough payloads are published immediately; others
// replace any pending payload with the same key.
func (t *Throttle[T, K]) Handle(ctx context.Context, v *T) {
	if v == nil {
		return
	}
	if t.pass != nil && t.pass(v) {
		t.target.Publish(ctx, v)
		return
	}

	k := t.key(v)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	if _, ok := t.pending[k]; !ok {
		t.order = append(t.order, k)
	}
	t.pending[k] = *v
}

// Close flushes pending payloads and stops the background ticker.
// It is safe to call Close multiple times.
func (t *Throttle[T, K]) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	close(t.stopCh)
	<-t.doneCh
}

func (t *Throttle[T, K]) run() {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.flush()
		case <-t.stopCh:
			t.flush()
			return
		}
	}
}

// flush publishes pending payloads in first-seen key order.
func (t *Throttle[T, K]) flush() {
	t.mu.Lock()
	if len(t.order) == 0 {
		t.mu.Unlock()
		return
	}
	pending, order := t.pending, t.order
	t.pending = make(map[K]T)
	t.order = nil
	t.mu.Unlock()

	ctx := context.Background()
	for _, k := range order {
		v := pending[k]
		t.target.Publish(ctx, &v)
	}
}
