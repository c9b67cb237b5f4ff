package bus

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/petal-labs/depot/core"
	"github.com/petal-labs/depot/runtime"
)

// RunStatus is the state of a journaled run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunPaused  RunStatus = "paused"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunStopped RunStatus = "stopped"
)

// Finished reports whether no further status change is expected.
func (s RunStatus) Finished() bool {
	switch s {
	case RunSuccess, RunFailed, RunStopped:
		return true
	}
	return false
}

// ParseRunStatus returns the status with the given name.
func ParseRunStatus(name string) (RunStatus, bool) {
	s := RunStatus(name)
	switch s {
	case RunRunning, RunPaused, RunSuccess, RunFailed, RunStopped:
		return s, true
	}
	return "", false
}

// Run summarizes one journaled run: an item pipeline run, a standalone pool
// run or a tool transaction. It is derived from the run's events as they are
// appended.
type Run struct {
	ID     string
	ItemID core.ItemID
	// Stage is the last stage that started, completed or failed.
	Stage   core.Stage
	Status  RunStatus
	Error   string
	Started time.Time
	Updated time.Time
	Events  int
	LastSeq uint64
}

// apply folds e into the summary. Events without a sequence number get the
// next one of the run, which is written back to e.
func (r *Run) apply(e *runtime.Event) {
	if r.Events == 0 {
		r.ID = e.RunID
		r.Started = e.Time
		r.Status = RunRunning
	}
	if e.Seq == 0 {
		e.Seq = r.LastSeq + 1
	}
	r.Events++
	r.LastSeq = max(r.LastSeq, e.Seq)
	if e.Time.After(r.Updated) {
		r.Updated = e.Time
	}
	if r.ItemID == "" {
		r.ItemID = e.ItemID
	}

	switch e.Kind {
	case runtime.EventStageStarted, runtime.EventStageCompleted, runtime.EventStageFailed:
		r.Stage = e.Stage
	case runtime.EventItemPaused:
		r.setStatus(RunPaused)
	case runtime.EventItemResumed:
		r.setStatus(RunRunning)
	case runtime.EventItemRunFinished:
		status, _ := ParseRunStatus(payloadString(e, "status"))
		if !status.Finished() {
			status = RunFailed
		}
		r.Status = status
		r.Error = payloadString(e, "error")
	case runtime.EventPoolCompleted, runtime.EventPoolStopped:
		// Pools of a save stage report through the item run instead.
		if e.ItemID != "" {
			return
		}
		r.finishWith(e, RunSuccess)
	case runtime.EventToolTransaction:
		switch payloadString(e, "status") {
		case "completed":
			r.finishWith(e, RunSuccess)
		case "failed":
			r.finishWith(e, RunFailed)
		}
	}
}

func (r *Run) setStatus(s RunStatus) {
	if !r.Status.Finished() {
		r.Status = s
	}
}

func (r *Run) finishWith(e *runtime.Event, ok RunStatus) {
	r.Error = payloadString(e, "error")
	switch {
	case r.Error != "":
		r.Status = RunFailed
	case e.Kind == runtime.EventPoolStopped:
		r.Status = RunStopped
	default:
		r.Status = ok
	}
}

func payloadString(e *runtime.Event, key string) string {
	v, ok := e.Payload[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// EventFilter narrows the events of a run.
type EventFilter struct {
	// AfterSeq skips events with Seq <= AfterSeq.
	AfterSeq uint64
	// Limit caps the number of events (0 = no limit).
	Limit int
	// Kinds keeps only these kinds (empty = all).
	Kinds []runtime.EventKind
	// Stage keeps only events of this stage (empty = all).
	Stage core.Stage
}

func (f EventFilter) match(e runtime.Event) bool {
	if e.Seq <= f.AfterSeq {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind) {
		return false
	}
	return f.Stage == "" || e.Stage == f.Stage
}

// RunFilter narrows the run list.
type RunFilter struct {
	ItemID core.ItemID
	Status RunStatus
	// Limit caps the number of runs, newest first (0 = no limit).
	Limit int
}

func (f RunFilter) match(r Run) bool {
	if f.ItemID != "" && r.ItemID != f.ItemID {
		return false
	}
	return f.Status == "" || r.Status == f.Status
}

// Retention bounds the finished runs a journal keeps. Runs that are still
// running or paused are never dropped.
type Retention struct {
	// KeepRuns keeps at most this many finished runs per item; runs without an
	// item share one budget (0 = all).
	KeepRuns int
	// MaxAge drops finished runs not updated for this long (0 = forever).
	MaxAge time.Duration
}

func (r Retention) enabled() bool {
	return r.KeepRuns > 0 || r.MaxAge > 0
}

// expired returns the ids of the runs r drops, given the finished runs of
// one item sorted newest first.
func (r Retention) expired(finished []Run, now time.Time) []string {
	var ids []string
	for i, run := range finished {
		tooMany := r.KeepRuns > 0 && i >= r.KeepRuns
		tooOld := r.MaxAge > 0 && now.Sub(run.Updated) > r.MaxAge
		if tooMany || tooOld {
			ids = append(ids, run.ID)
		}
	}
	return ids
}

// newestFirst orders runs by last update, newest first.
func newestFirst(a, b Run) int {
	if c := b.Updated.Compare(a.Updated); c != 0 {
		return c
	}
	return b.Started.Compare(a.Started)
}

// Journal persists lifecycle events grouped into runs, so past installs,
// saves and tool transactions can be inspected later (depot events).
type Journal interface {
	// Append stores an event and updates the summary of its run. When the
	// event finishes the run, the retention policy is applied to the runs of
	// the same item.
	Append(ctx context.Context, e runtime.Event) error

	// Events returns the events of a run in sequence order.
	Events(ctx context.Context, runID string, f EventFilter) ([]runtime.Event, error)

	// Run returns the summary of a run. Unknown ids yield a BADID error.
	Run(ctx context.Context, runID string) (Run, error)

	// Runs returns run summaries, newest first.
	Runs(ctx context.Context, f RunFilter) ([]Run, error)

	// Prune applies the retention policy to every item and returns how many
	// runs were dropped.
	Prune(ctx context.Context) (int, error)
}

func unknownRun(runID string) error {
	return core.NewError(core.ErrBadID, "journal: unknown run %q", runID)
}

// Emitter returns a runtime.EventEmitter that publishes onto b.
func Emitter(b *Bus[runtime.Event]) runtime.EventEmitter {
	return func(e runtime.Event) {
		b.Publish(context.Background(), &e)
	}
}
