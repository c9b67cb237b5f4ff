package bus

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/petal-labs/depot/core"
	"github.com/petal-labs/depot/runtime"
)

// MemJournal keeps the journal in memory, for commands run without a
// database.
type MemJournal struct {
	retention Retention
	now       func() time.Time

	mu     sync.RWMutex
	runs   map[string]*Run
	events map[string][]runtime.Event
}

// NewMemJournal creates an empty in-memory journal.
func NewMemJournal(retention Retention) *MemJournal {
	return &MemJournal{
		retention: retention,
		now:       time.Now,
		runs:      make(map[string]*Run),
		events:    make(map[string][]runtime.Event),
	}
}

func (j *MemJournal) Append(_ context.Context, e runtime.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if e.Seq != 0 && slices.ContainsFunc(j.events[e.RunID], func(x runtime.Event) bool { return x.Seq == e.Seq }) {
		return core.NewError(core.ErrInvalid, "journal: duplicate event %s #%d", e.RunID, e.Seq)
	}
	run, ok := j.runs[e.RunID]
	if !ok {
		run = &Run{}
		j.runs[e.RunID] = run
	}
	wasFinished := run.Status.Finished()
	run.apply(&e)
	j.events[e.RunID] = append(j.events[e.RunID], e)

	if !wasFinished && run.Status.Finished() && j.retention.enabled() {
		j.pruneLocked(run.ItemID)
	}
	return nil
}

func (j *MemJournal) Events(_ context.Context, runID string, f EventFilter) ([]runtime.Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	events := slices.Clone(j.events[runID])
	slices.SortStableFunc(events, func(a, b runtime.Event) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	var out []runtime.Event
	for _, e := range events {
		if !f.match(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (j *MemJournal) Run(_ context.Context, runID string) (Run, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	run, ok := j.runs[runID]
	if !ok {
		return Run{}, unknownRun(runID)
	}
	return *run, nil
}

func (j *MemJournal) Runs(_ context.Context, f RunFilter) ([]Run, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []Run
	for _, run := range j.runs {
		if f.match(*run) {
			out = append(out, *run)
		}
	}
	slices.SortFunc(out, newestFirst)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (j *MemJournal) Prune(_ context.Context) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.retention.enabled() {
		return 0, nil
	}

	items := make(map[core.ItemID]struct{})
	for _, run := range j.runs {
		items[run.ItemID] = struct{}{}
	}
	n := 0
	for id := range items {
		n += j.pruneLocked(id)
	}
	return n, nil
}

func (j *MemJournal) pruneLocked(itemID core.ItemID) int {
	var finished []Run
	for _, run := range j.runs {
		if run.ItemID == itemID && run.Status.Finished() {
			finished = append(finished, *run)
		}
	}
	slices.SortFunc(finished, newestFirst)

	expired := j.retention.expired(finished, j.now())
	for _, id := range expired {
		delete(j.runs, id)
		delete(j.events, id)
	}
	return len(expired)
}

var _ Journal = (*MemJournal)(nil)
