package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/depot/bus"
	"github.com/petal-labs/depot/core"
	"github.com/petal-labs/depot/runtime"
)

// Config wires a Controller to its collaborators.
type Config struct {
	Source    Source
	Processor Processor
	Merger    Merger

	// Parts stores per-worker output. Defaults to MemoryParts.
	Parts PartStore

	// RunID identifies the run in emitted events. Defaults to a new UUID.
	RunID string

	// ItemID and Stage, when set, tag emitted events with the owning item.
	ItemID core.ItemID
	Stage  core.Stage

	// Emit receives lifecycle events. When nil, the emitter attached to the
	// Start context is used.
	Emit runtime.EventEmitter

	Logger *slog.Logger
}

type worker struct {
	id     int
	status WorkerStatus
	file   int
	done   uint64
	part   Part
}

// Controller distributes files over a fixed set of workers. A Controller runs
// once: Start (or Run) may only be called on a fresh controller.
type Controller struct {
	// Progress carries the aggregate progress of all workers.
	Progress bus.Bus[core.Progress]
	// WorkerError carries each failure reported by a worker, exactly once.
	WorkerError bus.Bus[WorkerError]
	// Complete is published after the merge step succeeded.
	Complete bus.Bus[Summary]

	cfg    Config
	logger *slog.Logger
	emit   runtime.EventEmitter

	mu       sync.Mutex
	cond     *sync.Cond
	state    State
	ctx      context.Context
	files    []File
	next     int
	segments []*Segment // by file index
	workers  []*worker
	running  int
	paused   bool
	stopReq  bool
	firstErr *WorkerError
	done     uint64
	total    uint64
	started  time.Time

	wg          sync.WaitGroup
	waitCh      chan struct{}
	waitOnce    sync.Once
	signalOnce  sync.Once
	postOnce    sync.Once
	result      error
	releaseStop func() bool
}

// NewController creates an idle controller.
func NewController(cfg Config) *Controller {
	if cfg.Parts == nil {
		cfg.Parts = MemoryParts{}
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		cfg:    cfg,
		logger: logger.With("run_id", cfg.RunID),
		emit:   cfg.Emit,
		state:  StateIdle,
		waitCh: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// RunID returns the identifier used in emitted events.
func (c *Controller) RunID() string {
	return c.cfg.RunID
}

// Start scans the source and spawns workers goroutines. Cancelling ctx
// requests a stop.
func (c *Controller) Start(ctx context.Context, workers int) error {
	if workers < 1 {
		return ErrNoWorkers
	}
	if c.cfg.Source == nil || c.cfg.Processor == nil || c.cfg.Merger == nil {
		return core.NewError(core.ErrInvalid, "pool: source, processor and merger are required")
	}

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrRunning
	}
	c.state = StateRunning
	c.ctx = ctx
	if c.emit == nil {
		c.emit = runtime.EmitterFromContext(ctx)
	}
	c.started = time.Now()
	c.mu.Unlock()

	files, err := c.cfg.Source.Scan(ctx)
	if err != nil {
		c.setState(StateError)
		c.signalDone()
		return fmt.Errorf("pool: scan: %w", err)
	}

	parts := make([]Part, 0, workers)
	for id := 1; id <= workers; id++ {
		p, err := c.cfg.Parts.Create(id)
		if err != nil {
			for _, p := range parts {
				_ = p.Close()
			}
			c.setState(StateError)
			c.signalDone()
			return err
		}
		parts = append(parts, p)
	}

	c.mu.Lock()
	c.files = make([]File, len(files))
	for i, f := range files {
		f.Index = i
		c.files[i] = f
		if f.Size > 0 {
			c.total += uint64(f.Size)
		}
	}
	c.segments = make([]*Segment, len(files))
	c.workers = make([]*worker, workers)
	for i := range c.workers {
		c.workers[i] = &worker{id: i + 1, status: WorkerIdle, file: -1, part: parts[i]}
	}
	c.running = workers
	c.mu.Unlock()

	c.releaseStop = context.AfterFunc(ctx, c.Stop)

	c.logger.Info("pool started", "workers", workers, "files", len(files), "bytes", c.total)
	c.emit(c.event(runtime.EventPoolStarted).
		WithPayload("workers", workers).
		WithPayload("files", len(files)))

	c.wg.Add(workers)
	for _, w := range c.workers {
		go c.work(ctx, w)
	}
	return nil
}

// Run starts the pool and waits for it to finish.
func (c *Controller) Run(ctx context.Context, workers int) error {
	if err := c.Start(ctx, workers); err != nil {
		return err
	}
	return c.Wait()
}

func (c *Controller) work(ctx context.Context, w *worker) {
	defer c.wg.Done()
	defer c.EndTask(w.id)

	for {
		f, ok := c.NewTask(w.id)
		if !ok {
			return
		}

		offset := w.part.Size()
		err := c.cfg.Processor.Process(ctx, w.id, f, w.part, func(n int64) {
			c.ReportProgress(w.id, n)
		})
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				c.Stop()
				return
			}
			c.ReportError(w.id, err)
			return
		}

		c.mu.Lock()
		c.segments[f.Index] = &Segment{
			File:     f,
			WorkerID: w.id,
			Offset:   offset,
			Length:   w.part.Size() - offset,
		}
		c.mu.Unlock()
	}
}

// NewTask hands the next unclaimed file to worker id. It returns false when
// the queue is exhausted or a stop was requested; this is the only place a
// worker observes stop. A paused pool blocks the caller here until Resume or
// Stop.
func (c *Controller) NewTask(id int) (File, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.workerLocked(id)
	if w == nil {
		return File{}, false
	}

	for c.paused && !c.stopReq {
		w.status = WorkerPaused
		c.cond.Wait()
	}
	if c.stopReq {
		if w.status != WorkerFailed {
			w.status = WorkerStopped
		}
		w.file = -1
		return File{}, false
	}
	if c.next >= len(c.files) {
		w.status = WorkerIdle
		w.file = -1
		return File{}, false
	}

	f := c.files[c.next]
	c.next++
	w.status = WorkerRunning
	w.file = f.Index
	return f, true
}

// EndTask marks worker id as finished. When the last worker ends, Wait is
// released.
func (c *Controller) EndTask(id int) {
	c.mu.Lock()
	w := c.workerLocked(id)
	if w == nil {
		c.mu.Unlock()
		return
	}
	w.file = -1
	if w.status == WorkerRunning || w.status == WorkerPaused {
		w.status = WorkerIdle
	}
	c.running--
	last := c.running == 0
	c.mu.Unlock()

	if last {
		c.signalDone()
	}
}

// ReportProgress adds n processed bytes for worker id and publishes the
// aggregate progress.
func (c *Controller) ReportProgress(id int, n int64) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	if w := c.workerLocked(id); w != nil {
		w.done += uint64(n)
	}
	c.done += uint64(n)
	p := core.NewProgress(c.done, c.total)
	c.mu.Unlock()

	c.Progress.Publish(context.Background(), &p)
}

// ReportError records a failure of worker id, marks it in error, publishes it
// on WorkerError and requests a stop of the other workers. Workers already
// processing a file finish it first.
func (c *Controller) ReportError(id int, err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	w := c.workerLocked(id)
	if w == nil {
		c.mu.Unlock()
		return
	}
	we := WorkerError{WorkerID: id, Err: err}
	if w.file >= 0 && w.file < len(c.files) {
		we.File = c.files[w.file]
	}
	w.status = WorkerFailed
	if c.firstErr == nil {
		first := we
		c.firstErr = &first
	}
	c.requestStopLocked()
	c.mu.Unlock()

	c.logger.Warn("worker failed", "worker_id", id, "file", we.File.Name, "error", err)
	c.emit(c.event(runtime.EventWorkerFailed).
		WithWorker(id).
		WithPayload("file", we.File.Name).
		WithError(err))

	c.WorkerError.Publish(context.Background(), &we)
	c.signalDone()
}

// Pause asks workers to stop taking new files. It has no effect unless the
// pool is running.
func (c *Controller) Pause() {
	c.mu.Lock()
	if c.state != StateRunning || c.stopReq {
		c.mu.Unlock()
		return
	}
	c.paused = true
	c.state = StatePaused
	c.mu.Unlock()

	c.emit(c.event(runtime.EventPoolPaused))
}

// Resume releases workers blocked by Pause.
func (c *Controller) Resume() {
	c.mu.Lock()
	if c.state != StatePaused {
		c.mu.Unlock()
		return
	}
	c.paused = false
	c.state = StateRunning
	c.cond.Broadcast()
	c.mu.Unlock()

	c.emit(c.event(runtime.EventPoolResumed))
}

// Stop requests every worker to exit at its next file boundary and wakes Wait.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.requestStopLocked()
	c.mu.Unlock()
	c.signalDone()
}

func (c *Controller) requestStopLocked() {
	c.stopReq = true
	c.paused = false
	c.cond.Broadcast()
}

func (c *Controller) signalDone() {
	c.signalOnce.Do(func() { close(c.waitCh) })
}

// Wait blocks until all workers have ended or a stop was requested, joins the
// workers and, when every file was processed, runs the merge step. A stop
// that arrives once every file is done does not discard the result. It
// returns the first WorkerError, ErrStopped, or the merge error.
func (c *Controller) Wait() error {
	if c.State() == StateIdle {
		return core.NewError(core.ErrInvalid, "pool: not started")
	}
	c.waitOnce.Do(func() {
		<-c.waitCh
		c.wg.Wait()
		if c.releaseStop != nil {
			c.releaseStop()
		}
		c.result = c.finish()
	})
	return c.result
}

func (c *Controller) finish() error {
	c.mu.Lock()
	state := c.state
	firstErr := c.firstErr
	stopped := c.stopReq
	complete := c.next >= len(c.files)
	for _, s := range c.segments {
		if s == nil {
			complete = false
			break
		}
	}
	c.mu.Unlock()

	if state == StateError && firstErr == nil {
		// Start failed before workers were spawned.
		return core.NewError(core.ErrInvalid, "pool: start failed")
	}

	defer c.closeParts()

	switch {
	case firstErr != nil:
		c.setState(StateError)
		c.emit(c.event(runtime.EventPoolStopped).WithError(firstErr))
		return firstErr
	case !complete:
		c.setState(StateStopped)
		c.logger.Info("pool stopped")
		c.emit(c.event(runtime.EventPoolStopped))
		return ErrStopped
	}

	if stopped {
		c.logger.Info("stop requested after every file completed, merging")
	}

	var err error
	c.postOnce.Do(func() { err = c.postProcessing() })
	if err != nil {
		c.setState(StateError)
		c.emit(c.event(runtime.EventPoolStopped).WithError(err))
		return err
	}

	c.setState(StateCompleted)
	summary := Summary{RunID: c.cfg.RunID, Files: len(c.files), Bytes: c.total}
	c.logger.Info("pool completed", "files", summary.Files, "elapsed", time.Since(c.started))
	c.emit(c.event(runtime.EventPoolCompleted).
		WithPayload("files", summary.Files).
		WithPayload("bytes", summary.Bytes))
	c.Complete.Publish(context.Background(), &summary)
	return nil
}

// postProcessing merges every segment in original file order.
func (c *Controller) postProcessing() error {
	c.mu.Lock()
	chunks := make([]Chunk, len(c.segments))
	for i, s := range c.segments {
		part := c.workers[s.WorkerID-1].part
		chunks[i] = Chunk{
			Segment: *s,
			Reader:  io.NewSectionReader(part, s.Offset, s.Length),
		}
	}
	ctx := c.ctx
	c.mu.Unlock()

	if err := c.cfg.Merger.Merge(context.WithoutCancel(ctx), chunks); err != nil {
		return fmt.Errorf("pool: merge: %w", err)
	}
	return nil
}

func (c *Controller) closeParts() {
	c.mu.Lock()
	workers := c.workers
	c.mu.Unlock()
	for _, w := range workers {
		if err := w.part.Close(); err != nil {
			c.logger.Debug("close part", "worker_id", w.id, "error", err)
		}
	}
}

// Status returns the state of worker id (1-based).
func (c *Controller) Status(id int) (WorkerInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.workerLocked(id)
	if w == nil {
		return WorkerInfo{}, false
	}
	return WorkerInfo{ID: w.id, Status: w.status, File: w.file, Done: w.done}, true
}

// Workers returns the state of every worker.
func (c *Controller) Workers() []WorkerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	infos := make([]WorkerInfo, len(c.workers))
	for i, w := range c.workers {
		infos[i] = WorkerInfo{ID: w.id, Status: w.status, File: w.file, Done: w.done}
	}
	return infos
}

// State returns the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the aggregate progress so far.
func (c *Controller) Snapshot() core.Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return core.NewProgress(c.done, c.total)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) workerLocked(id int) *worker {
	if id < 1 || id > len(c.workers) {
		return nil
	}
	return c.workers[id-1]
}

func (c *Controller) event(kind runtime.EventKind) runtime.Event {
	e := runtime.NewEvent(kind, c.cfg.RunID).WithElapsed(time.Since(c.started))
	if c.cfg.ItemID != "" {
		e = e.WithItem(c.cfg.ItemID, c.cfg.Stage)
	}
	return e
}
