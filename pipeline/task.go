package pipeline

import (
	"context"
	"sync"

	"github.com/petal-labs/depot/bus"
	"github.com/petal-labs/depot/core"
)

// Result is the outcome of a task.
type Result string

const (
	ResultNone    Result = "none"
	ResultSuccess Result = "success"
	ResultStopped Result = "stopped"
	ResultError   Result = "error"
)

// Task is one stage of an item pipeline. Tasks are created by the Handle's
// GoToStage methods and run one at a time on the handle's goroutine.
type Task interface {
	Stage() core.Stage
	Run(ctx context.Context) error
	Pause()
	Unpause()
	Cancel()

	base() *BaseTask
	// restart returns a fresh task for the same stage, used to resume after
	// a pause-on-error.
	restart() Task
}

// BaseTask carries the state shared by every task: its stage, the sticky
// stopped flag, the result and the buses the handle proxies outward.
type BaseTask struct {
	stage  core.Stage
	handle *Handle

	// Errors, Progress, Providers and Complete are the task's own buses.
	// The handle forwards them to its buses while the task is current.
	Errors    bus.Bus[error]
	Progress  bus.Bus[core.Progress]
	Providers bus.Bus[core.ProviderEvent]
	Complete  bus.Bus[string]

	mu      sync.Mutex
	stopped bool
	inError bool
	reports int
	result  Result
	err     error
	cancel  context.CancelFunc
}

func newBaseTask(h *Handle, stage core.Stage) BaseTask {
	return BaseTask{stage: stage, handle: h, result: ResultNone}
}

func (t *BaseTask) base() *BaseTask { return t }

// Stage returns the stage the task runs.
func (t *BaseTask) Stage() core.Stage { return t.stage }

// Handle returns the handle the task belongs to.
func (t *BaseTask) Handle() *Handle { return t.handle }

// Result returns the task outcome so far.
func (t *BaseTask) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err returns the last error the task failed with.
func (t *BaseTask) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// IsStopped reports whether Stop was called.
func (t *BaseTask) IsStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// reportCount returns how many errors went through the error policy.
func (t *BaseTask) reportCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reports
}

func (t *BaseTask) isInError() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inError
}

// setResult records r unless the task was already stopped.
func (t *BaseTask) setResult(r Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result == ResultStopped {
		return
	}
	t.result = r
}

func (t *BaseTask) bind(cancel context.CancelFunc) {
	t.mu.Lock()
	t.cancel = cancel
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		cancel()
	}
}

// Stop marks the task stopped and cancels its context. The result becomes
// ResultStopped and is never overwritten afterwards.
func (t *BaseTask) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.result = ResultStopped
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Pause is a no-op for tasks without a pausable transfer.
func (t *BaseTask) Pause() {}

// Unpause is a no-op for tasks without a pausable transfer.
func (t *BaseTask) Unpause() {}

// Cancel stops the task and rolls the stage back.
func (t *BaseTask) Cancel() {
	t.handle.SetPausable(false)
	t.Stop()
	t.handle.ResetStage(true)
}

// onError applies the handle's error policy. The pause-on-error setting is
// read when the error arrives, so changing it mid-run affects only later
// errors.
func (t *BaseTask) onError(ctx context.Context, err *error) {
	if err == nil || *err == nil {
		return
	}
	h := t.handle
	h.logger.Warn("item task error",
		"stage", t.stage,
		"error", *err,
	)

	t.mu.Lock()
	t.err = *err
	t.reports++
	t.mu.Unlock()

	h.SetPausable(false)
	if !h.ShouldPauseOnError() {
		t.mu.Lock()
		t.inError = true
		t.mu.Unlock()
		t.setResult(ResultError)
		h.ResetStage(true)
		return
	}
	h.SetPaused(true, true)
}

// fail publishes err on the task's error bus, which runs the error policy
// and forwards the error to the handle.
func (t *BaseTask) fail(ctx context.Context, err error) {
	t.Errors.Publish(ctx, &err)
}

func (t *BaseTask) wire(h *Handle) {
	t.Errors.Subscribe(bus.Method(t, (*BaseTask).onError))
	t.Errors.Subscribe(bus.Proxy(&h.Errors))
	t.Progress.Subscribe(bus.Proxy(&h.Progress))
	t.Providers.Subscribe(bus.Proxy(&h.Providers))
	t.Complete.Subscribe(bus.Proxy(&h.Complete))
}

func (t *BaseTask) unwire() {
	t.Errors.Reset()
	t.Progress.Reset()
	t.Providers.Reset()
	t.Complete.Reset()
}
