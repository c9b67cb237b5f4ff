package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fileProgress struct {
	file string
	done uint64
	last bool
}

type recorder[T any] struct {
	mu  sync.Mutex
	got []T
}

func (r *recorder[T]) Handle(_ context.Context, v *T) {
	r.mu.Lock()
	r.got = append(r.got, *v)
	r.mu.Unlock()
}

func (r *recorder[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.got...)
}

func newProgressThrottle(t *testing.T, interval time.Duration) (*Throttle[fileProgress, string], *recorder[fileProgress]) {
	t.Helper()
	target := New[fileProgress]()
	rec := &recorder[fileProgress]{}
	target.Subscribe(Object[fileProgress](rec))

	th := NewThrottle(target, ThrottleConfig[fileProgress, string]{
		CoalesceInterval: interval,
		Key:              func(p *fileProgress) string { return p.file },
		Passthrough:      func(p *fileProgress) bool { return p.last },
	})
	return th, rec
}

func TestThrottle_PassthroughImmediate(t *testing.T) {
	th, rec := newProgressThrottle(t, time.Hour)
	defer th.Close()

	th.Handle(context.Background(), &fileProgress{file: "a.pak", done: 10, last: true})
	th.Handle(context.Background(), &fileProgress{file: "b.pak", done: 20, last: true})

	got := rec.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].file != "a.pak" || got[1].file != "b.pak" {
		t.Errorf("unexpected order: %+v", got)
	}
}

func TestThrottle_Coalescing(t *testing.T) {
	th, rec := newProgressThrottle(t, 100*time.Millisecond)
	defer th.Close()

	for i := uint64(0); i < 10; i++ {
		th.Handle(context.Background(), &fileProgress{file: "a.pak", done: i})
	}

	time.Sleep(30 * time.Millisecond)
	if n := len(rec.snapshot()); n != 0 {
		t.Errorf("expected 0 events before flush, got %d", n)
	}

	time.Sleep(150 * time.Millisecond)

	got := rec.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 coalesced event, got %d", len(got))
	}
	if got[0].done != 9 {
		t.Errorf("expected last done=9, got %d", got[0].done)
	}
}

func TestThrottle_CoalescingPerKey(t *testing.T) {
	th, rec := newProgressThrottle(t, time.Hour)

	for i := uint64(0); i < 5; i++ {
		th.Handle(context.Background(), &fileProgress{file: "a.pak", done: i})
		th.Handle(context.Background(), &fileProgress{file: "b.pak", done: 100 + i})
	}
	th.Close()

	got := rec.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 coalesced events (one per key), got %d", len(got))
	}
	if got[0].file != "a.pak" || got[0].done != 4 {
		t.Errorf("a.pak: got %+v", got[0])
	}
	if got[1].file != "b.pak" || got[1].done != 104 {
		t.Errorf("b.pak: got %+v", got[1])
	}
}

func TestThrottle_FlushOnClose(t *testing.T) {
	th, rec := newProgressThrottle(t, 10*time.Second)

	th.Handle(context.Background(), &fileProgress{file: "x.pak", done: 7})
	th.Close()

	got := rec.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 flushed event on close, got %d", len(got))
	}
	if got[0].file != "x.pak" || got[0].done != 7 {
		t.Errorf("got %+v", got[0])
	}
}

func TestThrottle_CloseIdempotent(t *testing.T) {
	th, _ := newProgressThrottle(t, 50*time.Millisecond)

	th.Close()
	th.Close()

	// Handle after close is dropped.
	th.Handle(context.Background(), &fileProgress{file: "late.pak"})
}

func TestThrottle_DefaultCoalesceInterval(t *testing.T) {
	th := NewThrottle(New[fileProgress](), ThrottleConfig[fileProgress, string]{
		Key: func(p *fileProgress) string { return p.file },
	})
	defer th.Close()

	if th.interval != 100*time.Millisecond {
		t.Errorf("default interval = %v, want 100ms", th.interval)
	}
}

func TestThrottle_SubscribedToSourceBus(t *testing.T) {
	th, rec := newProgressThrottle(t, time.Hour)

	source := New[fileProgress]()
	source.Subscribe(Object[fileProgress](th))

	source.Publish(context.Background(), &fileProgress{file: "a.pak", done: 1})
	source.Publish(context.Background(), &fileProgress{file: "a.pak", done: 2})
	source.Publish(context.Background(), &fileProgress{file: "a.pak", done: 3, last: true})

	if got := rec.snapshot(); len(got) != 1 || !got[0].last {
		t.Fatalf("expected only the passthrough event before close, got %+v", got)
	}

	th.Close()

	got := rec.snapshot()
	if len(got) != 2 || got[1].done != 2 {
		t.Errorf("expected coalesced done=2 after close, got %+v", got)
	}
}
