// Package pipeline sequences the lifecycle of a content item through its
// stages: download, an optional tool download, then a plain or staged
// install. Each item has a Handle that owns the current stage, the pause
// state and the queue of tasks; tasks run one at a time on the goroutine
// that called Handle.Run.
//
// Errors follow the handle's pause-on-error policy. With the policy off, the
// failing stage is rolled back and the run ends with the error. With it on,
// the handle pauses and the stage resumes from where it stopped once the
// handle is unpaused.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/depot/archive"
	"github.com/petal-labs/depot/bus"
	"github.com/petal-labs/depot/core"
	"github.com/petal-labs/depot/item"
	"github.com/petal-labs/depot/runtime"
	"github.com/petal-labs/depot/tool"
)

// ErrRunning is returned by Run when the handle is already running.
var ErrRunning = errors.New("pipeline: handle already running")

// ArchiveFactory creates the archive collaborator for an item.
type ArchiveFactory func(info item.Info) archive.Archive

// HandleConfig wires a Handle to its collaborators.
type HandleConfig struct {
	ItemID core.ItemID
	Items  item.Store
	Tools  tool.Service

	// NewArchive creates archives. Defaults to a Container served by a
	// FileProvider at the branch source.
	NewArchive ArchiveFactory

	// DataDir holds downloaded archives, one directory per item.
	DataDir string

	// PauseOnError selects the error policy. It can be changed later with
	// SetPauseOnError.
	PauseOnError bool

	// Workers and Level configure the compression pool of save stages.
	Workers int
	Level   int
	// SourceFS opens the directory a save stage packs. Defaults to os.DirFS.
	SourceFS func(dir string) fs.FS

	// ProgressInterval is how often progress is turned into events.
	// Default: 250ms
	ProgressInterval time.Duration

	Emit   runtime.EventEmitter
	Logger *slog.Logger
}

// Handle is the per-item pipeline.
type Handle struct {
	// Events receives a runtime.Event for every stage change.
	Events bus.Bus[runtime.Event]
	// Progress, Errors, Providers and Complete forward the buses of the
	// current task.
	Progress  bus.Bus[core.Progress]
	Errors    bus.Bus[error]
	Providers bus.Bus[core.ProviderEvent]
	Complete  bus.Bus[string]

	itemID     core.ItemID
	items      item.Store
	tools      tool.Service
	newArchive ArchiveFactory
	dataDir    string
	workers    int
	level      int
	sourceFS   func(dir string) fs.FS
	interval   time.Duration
	emitFn     runtime.EventEmitter
	logger     *slog.Logger

	progressOut bus.Bus[core.Progress]

	mu           sync.Mutex
	runID        string
	running      bool
	cancelled    bool
	stage        core.Stage
	current      Task
	last         Task
	resumable    Task
	queue        []Task
	pausable     bool
	paused       bool
	pauseOnError bool
	wake         chan struct{}
}

// NewHandle creates a handle for cfg.ItemID.
func NewHandle(cfg HandleConfig) (*Handle, error) {
	if cfg.ItemID == "" {
		return nil, core.NewError(core.ErrBadID, "pipeline: item id is required")
	}
	if cfg.Items == nil || cfg.Tools == nil {
		return nil, core.NewError(core.ErrInvalid, "pipeline: item store and tool service are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewArchive == nil {
		logger := cfg.Logger
		cfg.NewArchive = func(info item.Info) archive.Archive {
			return archive.NewContainer(archive.ContainerConfig{
				Providers: []archive.Provider{archive.FileProvider{Path: info.Branch.Source}},
				Logger:    logger,
			})
		}
	}
	if cfg.SourceFS == nil {
		cfg.SourceFS = os.DirFS
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 250 * time.Millisecond
	}

	h := &Handle{
		itemID:       cfg.ItemID,
		items:        cfg.Items,
		tools:        cfg.Tools,
		newArchive:   cfg.NewArchive,
		dataDir:      cfg.DataDir,
		workers:      cfg.Workers,
		level:        cfg.Level,
		sourceFS:     cfg.SourceFS,
		interval:     cfg.ProgressInterval,
		logger:       cfg.Logger.With("item_id", cfg.ItemID),
		stage:        core.StageNone,
		pauseOnError: cfg.PauseOnError,
		wake:         make(chan struct{}, 1),
	}
	external := cfg.Emit
	h.emitFn = runtime.SequencedEmitter(func(e runtime.Event) {
		h.Events.Publish(context.Background(), &e)
		if external != nil {
			external(e)
		}
	})
	h.progressOut.Subscribe(bus.Method(h, (*Handle).onProgressFlush))
	return h, nil
}

// ItemID returns the item the handle drives.
func (h *Handle) ItemID() core.ItemID { return h.itemID }

// RunID returns the id of the current or last run.
func (h *Handle) RunID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runID
}

// Stage returns the current stage.
func (h *Handle) Stage() core.Stage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stage
}

// Current returns the running task, or nil.
func (h *Handle) Current() Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Last returns the most recently finished task, or nil.
func (h *Handle) Last() Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// ArchivePath is where the archive of a branch build is downloaded to.
func (h *Handle) ArchivePath(branch core.Branch, build core.Build) string {
	return filepath.Join(h.dataDir, string(h.itemID), fmt.Sprintf("%d_%d.dpot", branch, build))
}

// Start queues a download of the item's current branch build.
func (h *Handle) Start(ctx context.Context) error {
	info, err := h.items.Get(ctx, h.itemID)
	if err != nil {
		return err
	}
	h.GoToStageDownload(h.ArchivePath(info.Branch.ID, info.Branch.Build), info.Branch.ID, info.Branch.Build)
	return nil
}

// GoToStageDownload queues a download of the archive at path.
func (h *Handle) GoToStageDownload(path string, branch core.Branch, build core.Build) {
	h.enqueue(newDownloadTask(h, path, branch, build))
}

// GoToStageDownloadTools queues a wait on tool transaction ttid, after which
// the item is installed from path.
func (h *Handle) GoToStageDownloadTools(ttid tool.TransactionID, path string, branch core.Branch, build core.Build) {
	h.enqueue(newToolDownloadTask(h, ttid, path, branch, build))
}

// GoToStageInstall queues a plain install from the archive at path.
func (h *Handle) GoToStageInstall(path string, branch core.Branch) {
	h.enqueue(newInstallTask(h, path, branch, 0, false))
}

// GoToStageInstallComplex queues a staged install of a branch build.
func (h *Handle) GoToStageInstallComplex(branch core.Branch, build core.Build) {
	h.enqueue(newInstallTask(h, h.ArchivePath(branch, build), branch, build, true))
}

// GoToStageSave queues packing src into an archive at dst. An empty src
// packs the item's install directory.
func (h *Handle) GoToStageSave(src, dst string) {
	h.enqueue(newSaveTask(h, src, dst))
}

func (h *Handle) enqueue(t Task) {
	h.mu.Lock()
	h.queue = append(h.queue, t)
	h.mu.Unlock()
	h.signal()
}

func (h *Handle) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// routeInstall queues the install stage the item's flags call for.
func (h *Handle) routeInstall(info item.Info, path string, branch core.Branch, build core.Build) {
	if info.Flags.Has(item.FlagInstallComplex) {
		h.GoToStageInstallComplex(branch, build)
		return
	}
	h.GoToStageInstall(path, branch)
}

// CompleteStage ends the current stage. With close set the item returns to
// idle and queued stages are dropped; otherwise the item is complete once no
// further stage is queued.
func (h *Handle) CompleteStage(close bool) {
	h.mu.Lock()
	if close {
		h.queue = nil
		h.stage = core.StageNone
	} else if len(h.queue) == 0 {
		h.stage = core.StageComplete
	}
	stage := h.stage
	h.mu.Unlock()

	if stage == core.StageComplete {
		h.emit(runtime.EventItemCompleted, stage)
	}
}

// ResetStage rolls the item back to a state from which the stage can be
// retried. With close set queued stages are dropped.
func (h *Handle) ResetStage(close bool) {
	h.mu.Lock()
	from := h.stage
	h.pausable = false
	h.paused = false
	if close {
		h.queue = nil
	}
	h.stage = core.StageNone
	h.mu.Unlock()

	h.delFlags(context.Background(), item.FlagDownloading|item.FlagInstalling|item.FlagPaused)
	h.emitEvent(h.event(runtime.EventStageReset, core.StageNone).WithPayload("from", string(from)))
}

// SetPaused pauses or resumes the item. Pausing is refused while the item is
// not pausable unless forced. Resuming after a pause-on-error restarts the
// failed stage.
func (h *Handle) SetPaused(paused, forced bool) bool {
	h.mu.Lock()
	if paused && !forced && !h.pausable {
		h.mu.Unlock()
		return false
	}
	if h.paused == paused {
		h.mu.Unlock()
		return true
	}
	h.paused = paused
	task := h.current
	stage := h.stage
	if !paused && h.resumable != nil {
		h.queue = append(h.queue, h.resumable.restart())
		h.resumable = nil
		h.signal()
	}
	h.mu.Unlock()

	ctx := context.Background()
	if paused {
		h.addFlags(ctx, item.FlagPaused)
		if task != nil {
			task.Pause()
		}
		h.emit(runtime.EventItemPaused, stage)
	} else {
		h.delFlags(ctx, item.FlagPaused)
		if task != nil {
			task.Unpause()
		}
		h.emit(runtime.EventItemResumed, stage)
	}
	return true
}

// Paused reports whether the item is paused.
func (h *Handle) Paused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

// SetPausable marks whether the current stage can be paused.
func (h *Handle) SetPausable(pausable bool) {
	h.mu.Lock()
	h.pausable = pausable
	h.mu.Unlock()
}

// Pausable reports whether the current stage can be paused.
func (h *Handle) Pausable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pausable
}

// ShouldPauseOnError reports the current error policy.
func (h *Handle) ShouldPauseOnError() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pauseOnError
}

// SetPauseOnError changes the error policy for errors that arrive later.
func (h *Handle) SetPauseOnError(pause bool) {
	h.mu.Lock()
	h.pauseOnError = pause
	h.mu.Unlock()
}

// Cancel stops the current stage, rolls it back and drops queued stages.
func (h *Handle) Cancel() {
	h.mu.Lock()
	h.cancelled = true
	task := h.current
	parked := h.resumable
	h.resumable = nil
	h.queue = nil
	stage := h.stage
	h.mu.Unlock()
	h.signal()

	switch {
	case task != nil:
		task.Cancel()
	case parked != nil:
		parked.base().Stop()
		h.SetPausable(false)
		h.ResetStage(true)
	}
	h.emit(runtime.EventItemStopped, stage)
}

// Run executes queued stages until none remain. It returns the error of the
// last failed stage, a STOPPED error after Cancel, or nil. A handle paused on
// error keeps Run waiting until it is resumed or cancelled.
func (h *Handle) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrRunning
	}
	h.running = true
	h.cancelled = false
	h.last = nil
	h.runID = uuid.NewString()
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
	}()

	throttle := bus.NewThrottle(&h.progressOut, bus.ThrottleConfig[core.Progress, core.ItemID]{
		CoalesceInterval: h.interval,
		Key:              func(*core.Progress) core.ItemID { return h.itemID },
		Passthrough:      func(p *core.Progress) bool { return p.Flags != 0 },
	})
	sub := bus.Object[core.Progress](throttle)
	h.Progress.Subscribe(sub)
	defer func() {
		h.Progress.Unsubscribe(sub)
		throttle.Close()
	}()

	started := time.Now()
	h.emit(runtime.EventItemRunStarted, h.Stage())
	for {
		t, ok := h.next(ctx)
		if !ok {
			break
		}
		h.runTask(ctx, t)
	}
	err := h.outcome(ctx)

	status := "success"
	switch {
	case core.CodeOf(err) == core.ErrStopped:
		status = "stopped"
	case err != nil:
		status = "failed"
	}
	h.emitEvent(h.event(runtime.EventItemRunFinished, h.Stage()).
		WithElapsed(time.Since(started)).
		WithPayload("status", status).
		WithError(err))
	return err
}

// next pops the next queued task. While the handle is paused on error it
// waits for a resume, a cancel or ctx.
func (h *Handle) next(ctx context.Context) (Task, bool) {
	for {
		h.mu.Lock()
		if len(h.queue) > 0 {
			t := h.queue[0]
			h.queue = h.queue[1:]
			h.current = t
			h.stage = t.Stage()
			h.mu.Unlock()
			return t, true
		}
		if h.resumable == nil || !h.paused {
			h.mu.Unlock()
			return nil, false
		}
		h.mu.Unlock()

		select {
		case <-h.wake:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (h *Handle) runTask(ctx context.Context, t Task) {
	b := t.base()
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.bind(cancel)
	b.wire(h)
	defer b.unwire()

	h.enterStage(ctx, t)
	started := time.Now()
	err := t.Run(tctx)

	var handled handledError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		b.Stop()
	case b.IsStopped():
	case errors.As(err, &handled):
	default:
		b.fail(tctx, err)
	}

	h.mu.Lock()
	h.current = nil
	h.last = t
	parked := false
	if err != nil && !b.IsStopped() && b.Result() != ResultError {
		// The error policy paused the handle and the task cannot resume by
		// itself. If the handle was resumed in the meantime, retry now.
		if h.paused {
			h.resumable = t
			parked = true
		} else {
			h.queue = append(h.queue, t.restart())
		}
	}
	h.mu.Unlock()

	if err == nil && b.Result() == ResultNone {
		b.setResult(ResultSuccess)
	}
	h.leaveStage(t, time.Since(started), err != nil, parked)
}

func (h *Handle) enterStage(ctx context.Context, t Task) {
	switch t.Stage() {
	case core.StageDownload:
		h.addFlags(ctx, item.FlagDownloading)
	case core.StageInstall, core.StageInstallComplex:
		h.addFlags(ctx, item.FlagInstalling)
	}
	h.emit(runtime.EventStageStarted, t.Stage())
}

func (h *Handle) leaveStage(t Task, elapsed time.Duration, failed, parked bool) {
	b := t.base()
	switch b.Result() {
	case ResultStopped:
		return
	case ResultError:
		h.emitEvent(h.event(runtime.EventStageFailed, t.Stage()).WithElapsed(elapsed).WithError(b.Err()))
	default:
		if failed {
			h.emitEvent(h.event(runtime.EventStageFailed, t.Stage()).
				WithElapsed(elapsed).
				WithError(b.Err()).
				WithPayload("paused", parked))
			return
		}
		h.emitEvent(h.event(runtime.EventStageCompleted, t.Stage()).WithElapsed(elapsed))
	}
}

func (h *Handle) outcome(ctx context.Context) error {
	h.mu.Lock()
	last, cancelled := h.last, h.cancelled
	h.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return core.WrapError(core.ErrStopped, err, "pipeline: item %s", h.itemID)
	}
	if cancelled {
		return core.NewError(core.ErrStopped, "pipeline: item %s cancelled", h.itemID)
	}
	if last == nil {
		return nil
	}
	b := last.base()
	switch b.Result() {
	case ResultError:
		return fmt.Errorf("pipeline: item %s: %s: %w", h.itemID, last.Stage(), b.Err())
	case ResultStopped:
		return core.NewError(core.ErrStopped, "pipeline: item %s stopped", h.itemID)
	}
	return nil
}

func (h *Handle) onProgressFlush(ctx context.Context, p *core.Progress) {
	h.mu.Lock()
	stage := h.stage
	h.mu.Unlock()
	h.emitEvent(h.event(runtime.EventItemProgress, stage).
		WithPayload("done", p.Done).
		WithPayload("total", p.Total).
		WithPayload("percent", p.Percent))
}

func (h *Handle) event(kind runtime.EventKind, stage core.Stage) runtime.Event {
	return runtime.NewEvent(kind, h.RunID()).WithItem(h.itemID, stage)
}

func (h *Handle) emit(kind runtime.EventKind, stage core.Stage) {
	h.emitEvent(h.event(kind, stage))
}

func (h *Handle) emitEvent(e runtime.Event) {
	h.emitFn(e)
}

func (h *Handle) addFlags(ctx context.Context, f item.Flag) {
	if err := h.items.AddFlags(context.WithoutCancel(ctx), h.itemID, f); err != nil {
		h.logger.Warn("failed to set item flags", "flags", f.String(), "error", err)
	}
}

func (h *Handle) delFlags(ctx context.Context, f item.Flag) {
	if err := h.items.DelFlags(context.WithoutCancel(ctx), h.itemID, f); err != nil {
		h.logger.Warn("failed to clear item flags", "flags", f.String(), "error", err)
	}
}

func (h *Handle) setPercent(ctx context.Context, percent uint8) {
	if err := h.items.SetPercent(context.WithoutCancel(ctx), h.itemID, percent); err != nil {
		h.logger.Warn("failed to set item progress", "percent", percent, "error", err)
	}
}

// handledError marks an error that already went through the error policy.
type handledError struct {
	err error
}

func (e handledError) Error() string { return e.err.Error() }
func (e handledError) Unwrap() error { return e.err }
