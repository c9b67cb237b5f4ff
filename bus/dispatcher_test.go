package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDispatcher_DrainRunsInOrder(t *testing.T) {
	d := NewDispatcher()
	var order []int

	f1 := d.Post(func(context.Context) { order = append(order, 1) })
	f2 := d.Post(func(context.Context) { order = append(order, 2) })

	if n := d.Drain(context.Background()); n != 2 {
		t.Fatalf("Drain ran %d tasks, want 2", n)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("order = %v", order)
	}
	for _, f := range []*Future{f1, f2} {
		if err := f.Wait(context.Background()); err != nil {
			t.Errorf("Wait: %v", err)
		}
	}
}

func TestDispatcher_CloseDropsQueued(t *testing.T) {
	d := NewDispatcher()
	ran := false
	f := d.Post(func(context.Context) { ran = true })
	d.Close()

	if err := f.Wait(context.Background()); !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("Wait = %v, want ErrDispatcherClosed", err)
	}
	if ran {
		t.Error("dropped task ran")
	}
	if err := d.Post(func(context.Context) {}).Wait(context.Background()); !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("Post after close: %v", err)
	}
}

func TestMarshal_RunsOnOwner(t *testing.T) {
	d := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	b := New[int]()
	var onOwner bool
	b.Subscribe(Marshal(d, "ui", func(ctx context.Context, v *int) {
		onOwner = d.OnOwner(ctx)
		*v = 99
	}))

	v := 1
	b.Publish(context.Background(), &v)

	if v != 99 {
		t.Errorf("v = %d, want 99 (publisher must wait for owner)", v)
	}
	if !onOwner {
		t.Error("handler did not run on the owner goroutine")
	}
}

func TestMarshal_InlineOnOwner(t *testing.T) {
	d := NewDispatcher()
	b := New[int]()
	var calls int
	b.Subscribe(Marshal(d, "ui", func(context.Context, *int) { calls++ }))

	// Publishing from a task already on the owner must not wait on itself.
	d.Post(func(ctx context.Context) {
		v := 1
		b.Publish(ctx, &v)
	})
	d.Drain(context.Background())

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestMarshal_ResetReleasesPublisher(t *testing.T) {
	d := NewDispatcher() // never drained
	b := New[int]()
	sub := Marshal(d, "ui", func(context.Context, *int) {})
	if !sub.Cancelable() {
		t.Fatal("marshaled subscription should be cancelable")
	}
	b.Subscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		v := 1
		b.Publish(context.Background(), &v)
	}()

	// Wait until the publisher is parked on the dispatcher.
	deadline := time.Now().Add(2 * time.Second)
	for {
		d.mu.Lock()
		queued := len(d.queue)
		d.mu.Unlock()
		if queued > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	b.Reset()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher still blocked after Reset")
	}
}

func TestDispatcher_OwnerContextOnOtherGoroutine(t *testing.T) {
	d := NewDispatcher()
	var (
		onOwner  bool
		offOwner = make(chan bool, 1)
	)
	d.Post(func(ctx context.Context) {
		onOwner = d.OnOwner(ctx)
		go func() { offOwner <- d.OnOwner(ctx) }()
		<-time.After(10 * time.Millisecond)
	})
	d.Drain(context.Background())

	if !onOwner {
		t.Error("task context should be on the owner")
	}
	select {
	case got := <-offOwner:
		if got {
			t.Error("task context used on another goroutine should not be on the owner")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not report")
	}
	if d.OnOwner(context.Background()) {
		t.Error("plain context should not be on the owner")
	}
}
