package pipeline

import (
	"context"
	"errors"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/depot/core"
)

// Runner runs many item handles concurrently, one goroutine per handle. With
// a limit, handles past it stay queued until a running one finishes.
type Runner struct {
	g   errgroup.Group
	sem chan struct{}

	mu      sync.Mutex
	entries map[core.ItemID]*runEntry
	errs    []error
}

type runEntry struct {
	h       *Handle
	running bool
	dropped bool
	drop    chan struct{}
}

// NewRunner creates a runner that runs at most limit handles at once. A limit
// below one means no limit.
func NewRunner(limit int) *Runner {
	r := &Runner{entries: make(map[core.ItemID]*runEntry)}
	if limit > 0 {
		r.sem = make(chan struct{}, limit)
	}
	return r
}

// Go schedules h to run until its queue drains and returns without waiting
// for a free slot. Only one handle per item may be queued or running.
func (r *Runner) Go(ctx context.Context, h *Handle) error {
	id := h.ItemID()
	e := &runEntry{h: h, drop: make(chan struct{})}
	r.mu.Lock()
	if _, ok := r.entries[id]; ok {
		r.mu.Unlock()
		return core.NewError(core.ErrInvalid, "pipeline: item %s is already running", id)
	}
	r.entries[id] = e
	r.mu.Unlock()

	r.g.Go(func() error {
		err := r.run(ctx, e)
		r.mu.Lock()
		delete(r.entries, id)
		if err != nil {
			r.errs = append(r.errs, err)
		}
		r.mu.Unlock()
		return nil
	})
	return nil
}

func (r *Runner) run(ctx context.Context, e *runEntry) error {
	id := e.h.ItemID()
	if r.sem != nil {
		select {
		case r.sem <- struct{}{}:
			defer func() { <-r.sem }()
		case <-e.drop:
			return core.NewError(core.ErrStopped, "pipeline: item %s cancelled while queued", id)
		case <-ctx.Done():
			return core.WrapError(core.ErrStopped, ctx.Err(), "pipeline: item %s", id)
		}
	}

	r.mu.Lock()
	if e.dropped {
		r.mu.Unlock()
		return core.NewError(core.ErrStopped, "pipeline: item %s cancelled while queued", id)
	}
	e.running = true
	r.mu.Unlock()
	return e.h.Run(ctx)
}

// Handle returns the queued or running handle of an item.
func (r *Runner) Handle(id core.ItemID) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.h, true
}

// Running returns the ids of the items holding a slot, sorted.
func (r *Runner) Running() []core.ItemID {
	return r.ids(true)
}

// Queued returns the ids of the items waiting for a slot, sorted.
func (r *Runner) Queued() []core.ItemID {
	return r.ids(false)
}

func (r *Runner) ids(running bool) []core.ItemID {
	r.mu.Lock()
	ids := make([]core.ItemID, 0, len(r.entries))
	for id, e := range r.entries {
		if e.running == running {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Cancel cancels the handle of an item. A queued handle is dropped before it
// ever runs.
func (r *Runner) Cancel(id core.ItemID) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	var h *Handle
	if ok {
		h = r.cancelLocked(e)
	}
	r.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
	return ok
}

// CancelAll cancels every queued and running handle.
func (r *Runner) CancelAll() {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.entries))
	for _, e := range r.entries {
		if h := r.cancelLocked(e); h != nil {
			handles = append(handles, h)
		}
	}
	r.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}
}

// cancelLocked drops a queued entry, or returns the handle of a running one
// for the caller to cancel outside the lock.
func (r *Runner) cancelLocked(e *runEntry) *Handle {
	if e.running {
		return e.h
	}
	if !e.dropped {
		e.dropped = true
		close(e.drop)
	}
	return nil
}

// Wait blocks until every handle finished and returns their errors joined.
func (r *Runner) Wait() error {
	_ = r.g.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	err := errors.Join(r.errs...)
	r.errs = nil
	return err
}
