package pipeline

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/petal-labs/depot/core"
	"github.com/petal-labs/depot/item"
)

func TestRunner_RunsItemsConcurrently(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addItem("demo")

	r := NewRunner(2)
	for _, id := range []core.ItemID{"game", "demo"} {
		h := f.handle(func(cfg *HandleConfig) { cfg.ItemID = id })
		if err := h.Start(ctx); err != nil {
			t.Fatalf("Start %s: %v", id, err)
		}
		if err := r.Go(ctx, h); err != nil {
			t.Fatalf("Go %s: %v", id, err)
		}
	}
	if err := r.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := r.Running(); len(got) != 0 {
		t.Errorf("Running after Wait = %v", got)
	}

	for _, id := range []core.ItemID{"game", "demo"} {
		info := f.infoOf(id)
		if !info.Flags.Has(item.FlagInstalled) {
			t.Errorf("%s flags = %s, want installed", id, info.Flags)
		}
		f.assertInstalled(info.InstallDir)
	}
}

func TestRunner_RejectsDuplicateItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.provider.gate = make(chan struct{})

	r := NewRunner(0)
	h := f.handle()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Go(ctx, h); err != nil {
		t.Fatalf("Go: %v", err)
	}

	checkCode(t, r.Go(ctx, f.handle()), core.ErrInvalid)

	got, ok := r.Handle("game")
	if !ok || got != h {
		t.Errorf("Handle(game) = %p, %v, want %p", got, ok, h)
	}
	waitUntil(t, func() bool { return slices.Equal(r.Running(), []core.ItemID{"game"}) })

	close(f.provider.gate)
	if err := r.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestRunner_Cancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.provider.gate = make(chan struct{})

	r := NewRunner(0)
	h := f.handle()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Go(ctx, h); err != nil {
		t.Fatalf("Go: %v", err)
	}
	waitUntil(t, h.Pausable)

	if r.Cancel("ghost") {
		t.Error("Cancel of an unknown item reported success")
	}
	if !r.Cancel("game") {
		t.Error("Cancel(game) = false")
	}

	checkCode(t, r.Wait(), core.ErrStopped)
	if got := h.Last().base().Result(); got != ResultStopped {
		t.Errorf("result = %v, want %v", got, ResultStopped)
	}
}

// startLimited runs game and demo through a runner limited to one slot while
// downloads are held at the gate, and waits until one of them holds the slot.
func startLimited(t *testing.T, f *fixture) (r *Runner, running, queued core.ItemID) {
	t.Helper()
	ctx := context.Background()
	f.addItem("demo")
	f.provider.gate = make(chan struct{})

	r = NewRunner(1)
	for _, id := range []core.ItemID{"game", "demo"} {
		h := f.handle(func(cfg *HandleConfig) { cfg.ItemID = id })
		if err := h.Start(ctx); err != nil {
			t.Fatalf("Start %s: %v", id, err)
		}
		returned := make(chan error, 1)
		go func() { returned <- r.Go(ctx, h) }()
		select {
		case err := <-returned:
			if err != nil {
				t.Fatalf("Go %s: %v", id, err)
			}
		case <-time.After(waitFor):
			t.Fatalf("Go %s blocked on the limit", id)
		}
	}

	waitUntil(t, func() bool { return len(r.Running()) == 1 })
	running = r.Running()[0]
	q := r.Queued()
	if len(q) != 1 || q[0] == running {
		t.Fatalf("Queued = %v with %s running, want the other item", q, running)
	}
	if _, ok := r.Handle(q[0]); !ok {
		t.Errorf("Handle(%s) should find the queued handle", q[0])
	}
	return r, running, q[0]
}

func TestRunner_QueuesPastLimit(t *testing.T) {
	f := newFixture(t)
	r, running, queued := startLimited(t, f)

	// The queued handle has not started any stage.
	if f.infoOf(queued).Flags.Has(item.FlagDownloading) {
		t.Errorf("%s is downloading while queued", queued)
	}

	close(f.provider.gate)
	if err := r.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	for _, id := range []core.ItemID{running, queued} {
		f.assertInstalled(f.infoOf(id).InstallDir)
	}
	if len(r.Running()) != 0 || len(r.Queued()) != 0 {
		t.Errorf("Running = %v, Queued = %v after Wait", r.Running(), r.Queued())
	}
}

func TestRunner_CancelQueued(t *testing.T) {
	f := newFixture(t)
	r, running, queued := startLimited(t, f)

	if !r.Cancel(queued) {
		t.Fatalf("Cancel(%s) = false", queued)
	}
	waitUntil(t, func() bool { return len(r.Queued()) == 0 })

	close(f.provider.gate)
	checkCode(t, r.Wait(), core.ErrStopped)

	f.assertInstalled(f.infoOf(running).InstallDir)
	if f.infoOf(queued).Flags.Has(item.FlagInstalled) {
		t.Errorf("%s installed after being cancelled while queued", queued)
	}
}

func TestRunner_ContextCancelsQueued(t *testing.T) {
	f := newFixture(t)
	f.addItem("demo")
	f.provider.gate = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	r := NewRunner(1)
	for _, id := range []core.ItemID{"game", "demo"} {
		h := f.handle(func(cfg *HandleConfig) { cfg.ItemID = id })
		if err := h.Start(ctx); err != nil {
			t.Fatalf("Start %s: %v", id, err)
		}
		if err := r.Go(ctx, h); err != nil {
			t.Fatalf("Go %s: %v", id, err)
		}
	}
	waitUntil(t, func() bool { return len(r.Running()) == 1 && len(r.Queued()) == 1 })

	cancel()
	checkCode(t, r.Wait(), core.ErrStopped)
}
