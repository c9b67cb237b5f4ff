package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/petal-labs/depot/bus"
	"github.com/petal-labs/depot/core"
	"github.com/petal-labs/depot/pipeline"
	"github.com/petal-labs/depot/runtime"
)

const progressKey = "cli.progress"

// runOptions controls how handles are driven.
type runOptions struct {
	// parallel caps the handles running at once (0 = unlimited).
	parallel int
	// retries is how often an item paused on error is resumed before it is
	// cancelled.
	retries int
	backoff time.Duration
	quiet   bool
}

// runHandles runs every queued handle to completion and renders their
// lifecycle to out. Rendering happens on the calling goroutine through a
// bus.Dispatcher. SIGINT and SIGTERM cancel every handle.
func runHandles(ctx context.Context, e *env, handles []*pipeline.Handle, out io.Writer, opts runOptions) error {
	ctx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	runner := pipeline.NewRunner(opts.parallel)
	retry := newRetryPolicy(runner, opts.retries, opts.backoff, e.logger)
	retrySub := bus.Method(retry, (*retryPolicy).onEvent)
	e.Events.Subscribe(retrySub)
	defer e.Events.Unsubscribe(retrySub)

	dispatcher := bus.NewDispatcher()
	if !opts.quiet {
		view := newProgressView(out)
		viewSub := bus.Marshal(dispatcher, progressKey, view.onEvent)
		e.Events.Subscribe(viewSub)
		defer e.Events.Unsubscribe(viewSub)
		defer view.finish()
	}

	for _, h := range handles {
		if err := runner.Go(ctx, h); err != nil {
			dispatcher.Close()
			runner.CancelAll()
			_ = runner.Wait()
			return failed(err, "starting %s", h.ItemID())
		}
	}

	drainCtx, stopDrain := context.WithCancel(context.Background())
	var (
		runErr error
		wg     sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		runErr = runner.Wait()
		stopDrain()
	}()
	go func() {
		select {
		case <-ctx.Done():
			runner.CancelAll()
		case <-drainCtx.Done():
		}
	}()

	_ = dispatcher.Run(drainCtx)
	wg.Wait()
	dispatcher.Drain(context.Background())
	return runErr
}

// retryPolicy resumes items that paused on error, a bounded number of times
// per item, and cancels them once the budget is spent.
type retryPolicy struct {
	runner  *pipeline.Runner
	limit   int
	backoff time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	attempts map[core.ItemID]int
}

func newRetryPolicy(r *pipeline.Runner, limit int, backoff time.Duration, logger *slog.Logger) *retryPolicy {
	return &retryPolicy{
		runner:   r,
		limit:    limit,
		backoff:  backoff,
		logger:   logger,
		attempts: make(map[core.ItemID]int),
	}
}

func (p *retryPolicy) onEvent(_ context.Context, e *runtime.Event) {
	if e.Kind != runtime.EventItemPaused {
		return
	}
	h, ok := p.runner.Handle(e.ItemID)
	if !ok {
		return
	}

	p.mu.Lock()
	attempt := p.attempts[e.ItemID] + 1
	p.attempts[e.ItemID] = attempt
	p.mu.Unlock()

	if attempt > p.limit {
		p.logger.Warn("giving up on paused item", "item_id", e.ItemID, "attempts", attempt-1)
		h.Cancel()
		return
	}
	p.logger.Info("resuming paused item", "item_id", e.ItemID, "attempt", attempt)
	go func() {
		time.Sleep(p.backoff)
		h.SetPaused(false, true)
	}()
}

// progressView prints stage transitions, and a live progress line on
// terminals. It only runs on the dispatcher owner goroutine.
type progressView struct {
	out     io.Writer
	live    bool
	color   bool
	pending bool
}

func newProgressView(out io.Writer) *progressView {
	tty := isTerminal(out)
	return &progressView{out: out, live: tty, color: tty}
}

func (v *progressView) line(format string, args ...any) {
	if v.pending {
		printf(v.out, "\r\x1b[K")
		v.pending = false
	}
	printf(v.out, format+"\n", args...)
}

func (v *progressView) onEvent(_ context.Context, e *runtime.Event) {
	if e.ItemID == "" {
		return
	}
	switch e.Kind {
	case runtime.EventStageStarted:
		v.line("%s: %s started", e.ItemID, e.Stage)
	case runtime.EventStageCompleted:
		v.line("%s: %s %s in %s", e.ItemID, e.Stage, colorize("done", ansiGreen, v.color), e.Elapsed.Round(time.Millisecond))
	case runtime.EventStageFailed:
		v.line("%s: %s %s: %s", e.ItemID, e.Stage, colorize("failed", ansiRed, v.color), payloadText(e, "error"))
	case runtime.EventItemPaused:
		v.line("%s: %s", e.ItemID, colorize("paused", ansiYellow, v.color))
	case runtime.EventItemResumed:
		v.line("%s: resumed", e.ItemID)
	case runtime.EventItemStopped:
		v.line("%s: %s", e.ItemID, colorize("stopped", ansiYellow, v.color))
	case runtime.EventItemRunFinished:
		v.line("%s: finished (%s) after %s", e.ItemID, payloadText(e, "status"), e.Elapsed.Round(time.Millisecond))
	case runtime.EventItemProgress:
		if !v.live {
			return
		}
		p := eventProgress(e)
		printf(v.out, "\r\x1b[K%s: %s %s %s", e.ItemID, e.Stage, progressBar(p.Percent, 30), formatProgress(p))
		v.pending = true
	}
}

func (v *progressView) finish() {
	if v.pending {
		printf(v.out, "\n")
		v.pending = false
	}
}

func eventProgress(e *runtime.Event) core.Progress {
	var p core.Progress
	p.Done, _ = e.Payload["done"].(uint64)
	p.Total, _ = e.Payload["total"].(uint64)
	p.Percent, _ = e.Payload["percent"].(uint8)
	return p
}

func payloadText(e *runtime.Event, key string) string {
	v, ok := e.Payload[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
