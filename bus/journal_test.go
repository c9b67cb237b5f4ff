package bus

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/depot/core"
	"github.com/petal-labs/depot/runtime"
)

var journalStart = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type journalCase struct {
	name string
	open func(t *testing.T, r Retention) Journal
}

func journalCases() []journalCase {
	return []journalCase{
		{"memory", func(t *testing.T, r Retention) Journal {
			return NewMemJournal(r)
		}},
		{"sqlite", func(t *testing.T, r Retention) Journal {
			t.Helper()
			j, err := NewSQLiteJournal(SQLiteJournalConfig{
				DSN:       filepath.Join(t.TempDir(), "journal.db"),
				Retention: r,
			})
			if err != nil {
				t.Fatalf("NewSQLiteJournal() error = %v", err)
			}
			t.Cleanup(func() { _ = j.Close() })
			return j
		}},
	}
}

func setJournalNow(j Journal, now time.Time) {
	switch j := j.(type) {
	case *MemJournal:
		j.now = func() time.Time { return now }
	case *SQLiteJournal:
		j.now = func() time.Time { return now }
	}
}

// itemEvent builds an event of an item pipeline run, offset seconds after
// journalStart.
func itemEvent(kind runtime.EventKind, runID string, id core.ItemID, stage core.Stage, seq uint64, offset int) runtime.Event {
	e := runtime.NewEvent(kind, runID).WithItem(id, stage)
	e.Seq = seq
	e.Time = journalStart.Add(time.Duration(offset) * time.Second)
	return e
}

func appendAll(t *testing.T, j Journal, events ...runtime.Event) {
	t.Helper()
	for _, e := range events {
		if err := j.Append(context.Background(), e); err != nil {
			t.Fatalf("Append(%s #%d) error = %v", e.Kind, e.Seq, err)
		}
	}
}

// installRun journals a download and install of id that ends with status.
func installRun(t *testing.T, j Journal, runID string, id core.ItemID, offset int, status RunStatus) {
	t.Helper()
	finished := itemEvent(runtime.EventItemRunFinished, runID, id, core.StageInstall, 6, offset+5).
		WithPayload("status", string(status))
	if status == RunFailed {
		finished = finished.WithPayload("error", "disk full")
	}
	appendAll(t, j,
		itemEvent(runtime.EventItemRunStarted, runID, id, core.StageNone, 1, offset),
		itemEvent(runtime.EventStageStarted, runID, id, core.StageDownload, 2, offset+1),
		itemEvent(runtime.EventStageCompleted, runID, id, core.StageDownload, 3, offset+2),
		itemEvent(runtime.EventStageStarted, runID, id, core.StageInstall, 4, offset+3),
		itemEvent(runtime.EventItemCompleted, runID, id, core.StageInstall, 5, offset+4),
		finished,
	)
}

func runIDs(runs []Run) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}

func TestJournal_InstallRunSummary(t *testing.T) {
	for _, tc := range journalCases() {
		t.Run(tc.name, func(t *testing.T) {
			j := tc.open(t, Retention{})
			installRun(t, j, "run-1", "game", 0, RunSuccess)

			run, err := j.Run(context.Background(), "run-1")
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if run.ItemID != "game" || run.Status != RunSuccess || run.Stage != core.StageInstall {
				t.Fatalf("Run() = %+v, want game/success/install", run)
			}
			if run.Events != 6 || run.LastSeq != 6 {
				t.Fatalf("Events/LastSeq = %d/%d, want 6/6", run.Events, run.LastSeq)
			}
			if !run.Started.Equal(journalStart) || !run.Updated.Equal(journalStart.Add(5*time.Second)) {
				t.Fatalf("Started/Updated = %v/%v", run.Started, run.Updated)
			}
		})
	}
}

func TestJournal_PauseResumeAndFailure(t *testing.T) {
	for _, tc := range journalCases() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			j := tc.open(t, Retention{})
			appendAll(t, j,
				itemEvent(runtime.EventItemRunStarted, "run-1", "game", core.StageNone, 1, 0),
				itemEvent(runtime.EventStageStarted, "run-1", "game", core.StageDownload, 2, 1),
				itemEvent(runtime.EventItemPaused, "run-1", "game", core.StageDownload, 3, 2),
			)
			if run, _ := j.Run(ctx, "run-1"); run.Status != RunPaused {
				t.Fatalf("status after pause = %q, want paused", run.Status)
			}

			appendAll(t, j,
				itemEvent(runtime.EventItemResumed, "run-1", "game", core.StageDownload, 4, 3),
			)
			if run, _ := j.Run(ctx, "run-1"); run.Status != RunRunning {
				t.Fatalf("status after resume = %q, want running", run.Status)
			}

			appendAll(t, j,
				itemEvent(runtime.EventStageFailed, "run-1", "game", core.StageDownload, 5, 4).
					WithPayload("error", "transport: reset"),
				itemEvent(runtime.EventItemRunFinished, "run-1", "game", core.StageDownload, 6, 5).
					WithPayload("status", "failed").WithPayload("error", "transport: reset"),
				// A late pause does not reopen a finished run.
				itemEvent(runtime.EventItemPaused, "run-1", "game", core.StageDownload, 7, 6),
			)
			run, err := j.Run(ctx, "run-1")
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if run.Status != RunFailed || run.Error != "transport: reset" || run.Stage != core.StageDownload {
				t.Fatalf("Run() = %+v, want failed in download", run)
			}
		})
	}
}

func TestJournal_EventFilters(t *testing.T) {
	for _, tc := range journalCases() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			j := tc.open(t, Retention{})
			installRun(t, j, "run-1", "game", 0, RunSuccess)

			tests := []struct {
				name   string
				filter EventFilter
				want   []uint64
			}{
				{"all", EventFilter{}, []uint64{1, 2, 3, 4, 5, 6}},
				{"after", EventFilter{AfterSeq: 4}, []uint64{5, 6}},
				{"limit", EventFilter{AfterSeq: 1, Limit: 2}, []uint64{2, 3}},
				{"stage", EventFilter{Stage: core.StageDownload}, []uint64{2, 3}},
				{"kinds", EventFilter{Kinds: []runtime.EventKind{runtime.EventStageStarted, runtime.EventItemRunFinished}}, []uint64{2, 4, 6}},
				{"kind and stage", EventFilter{Kinds: []runtime.EventKind{runtime.EventStageStarted}, Stage: core.StageInstall}, []uint64{4}},
			}
			for _, tt := range tests {
				events, err := j.Events(ctx, "run-1", tt.filter)
				if err != nil {
					t.Fatalf("%s: Events() error = %v", tt.name, err)
				}
				got := make([]uint64, len(events))
				for i, e := range events {
					got[i] = e.Seq
				}
				if !equalSeqs(got, tt.want) {
					t.Errorf("%s: seqs = %v, want %v", tt.name, got, tt.want)
				}
			}

			events, _ := j.Events(ctx, "run-1", EventFilter{Kinds: []runtime.EventKind{runtime.EventItemRunFinished}})
			if len(events) != 1 || events[0].ItemID != "game" || events[0].Payload["status"] != "success" {
				t.Fatalf("finished event = %+v", events)
			}
		})
	}
}

func equalSeqs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestJournal_RunsNewestFirst(t *testing.T) {
	for _, tc := range journalCases() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			j := tc.open(t, Retention{})
			installRun(t, j, "game-1", "game", 0, RunSuccess)
			installRun(t, j, "editor-1", "editor", 10, RunFailed)
			installRun(t, j, "game-2", "game", 20, RunStopped)

			tests := []struct {
				name   string
				filter RunFilter
				want   []string
			}{
				{"all", RunFilter{}, []string{"game-2", "editor-1", "game-1"}},
				{"item", RunFilter{ItemID: "game"}, []string{"game-2", "game-1"}},
				{"status", RunFilter{Status: RunFailed}, []string{"editor-1"}},
				{"limit", RunFilter{Limit: 1}, []string{"game-2"}},
				{"no match", RunFilter{ItemID: "game", Status: RunPaused}, []string{}},
			}
			for _, tt := range tests {
				runs, err := j.Runs(ctx, tt.filter)
				if err != nil {
					t.Fatalf("%s: Runs() error = %v", tt.name, err)
				}
				if got := strings.Join(runIDs(runs), ","); got != strings.Join(tt.want, ",") {
					t.Errorf("%s: runs = %s, want %s", tt.name, got, strings.Join(tt.want, ","))
				}
			}
		})
	}
}

func TestJournal_UnknownRun(t *testing.T) {
	for _, tc := range journalCases() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			j := tc.open(t, Retention{})
			_, err := j.Run(ctx, "ghost")
			if core.CodeOf(err) != core.ErrBadID {
				t.Fatalf("Run(ghost) code = %q, want BADID (err %v)", core.CodeOf(err), err)
			}
			events, err := j.Events(ctx, "ghost", EventFilter{})
			if err != nil || len(events) != 0 {
				t.Fatalf("Events(ghost) = %v, %v; want none", events, err)
			}
		})
	}
}

func TestJournal_RejectsDuplicateSeq(t *testing.T) {
	for _, tc := range journalCases() {
		t.Run(tc.name, func(t *testing.T) {
			j := tc.open(t, Retention{})
			e := itemEvent(runtime.EventItemRunStarted, "run-1", "game", core.StageNone, 1, 0)
			appendAll(t, j, e)
			if err := j.Append(context.Background(), e); err == nil {
				t.Fatal("expected error for duplicate seq")
			}
		})
	}
}

func TestJournal_ToolTransactionGetsSequence(t *testing.T) {
	for _, tc := range journalCases() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			j := tc.open(t, Retention{})
			tx := func(status string, offset int) runtime.Event {
				e := runtime.NewEvent(runtime.EventToolTransaction, "tx-1").
					WithPayload("kind", "acquire").
					WithPayload("status", status)
				e.Time = journalStart.Add(time.Duration(offset) * time.Second)
				return e
			}
			appendAll(t, j, tx("opened", 0), tx("completed", 1))

			events, err := j.Events(ctx, "tx-1", EventFilter{})
			if err != nil {
				t.Fatalf("Events() error = %v", err)
			}
			if len(events) != 2 || events[0].Seq != 1 || events[1].Seq != 2 {
				t.Fatalf("events = %+v, want seqs 1 and 2", events)
			}
			run, _ := j.Run(ctx, "tx-1")
			if run.Status != RunSuccess || run.ItemID != "" {
				t.Fatalf("Run() = %+v, want a successful run without item", run)
			}

			appendAll(t, j, tx("opened", 2), tx("failed", 3).WithPayload("error", "checksum mismatch"))
			run, _ = j.Run(ctx, "tx-1")
			if run.Status != RunFailed || run.Error != "checksum mismatch" {
				t.Fatalf("Run() = %+v, want failed", run)
			}
		})
	}
}

func TestJournal_StandalonePoolRun(t *testing.T) {
	for _, tc := range journalCases() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			j := tc.open(t, Retention{})
			started := runtime.NewEvent(runtime.EventPoolStarted, "save-1")
			started.Seq, started.Time = 1, journalStart
			stopped := runtime.NewEvent(runtime.EventPoolStopped, "save-1")
			stopped.Seq, stopped.Time = 2, journalStart.Add(time.Second)
			appendAll(t, j, started, stopped)

			run, _ := j.Run(ctx, "save-1")
			if run.Status != RunStopped {
				t.Fatalf("status = %q, want stopped", run.Status)
			}

			// Pools of an item stage leave the item run to its pipeline.
			appendAll(t, j,
				itemEvent(runtime.EventItemRunStarted, "run-1", "game", core.StageNone, 1, 0),
				itemEvent(runtime.EventPoolCompleted, "run-1", "game", core.StageSave, 2, 1),
			)
			run, _ = j.Run(ctx, "run-1")
			if run.Status != RunRunning {
				t.Fatalf("item run status = %q, want running", run.Status)
			}
		})
	}
}

func TestJournal_KeepRunsPerItem(t *testing.T) {
	for _, tc := range journalCases() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			j := tc.open(t, Retention{KeepRuns: 2})
			installRun(t, j, "game-1", "game", 0, RunFailed)
			installRun(t, j, "editor-1", "editor", 5, RunSuccess)
			installRun(t, j, "game-2", "game", 10, RunFailed)
			// A run in progress does not count against the budget.
			appendAll(t, j, itemEvent(runtime.EventItemRunStarted, "game-live", "game", core.StageNone, 1, 16))
			installRun(t, j, "game-3", "game", 20, RunSuccess)

			runs, err := j.Runs(ctx, RunFilter{})
			if err != nil {
				t.Fatalf("Runs() error = %v", err)
			}
			if got, want := strings.Join(runIDs(runs), ","), "game-3,game-live,game-2,editor-1"; got != want {
				t.Fatalf("runs = %s, want %s", got, want)
			}
			if _, err := j.Run(ctx, "game-1"); core.CodeOf(err) != core.ErrBadID {
				t.Fatalf("Run(game-1) err = %v, want BADID", err)
			}
			if events, _ := j.Events(ctx, "game-1", EventFilter{}); len(events) != 0 {
				t.Fatalf("events of dropped run = %d, want 0", len(events))
			}
		})
	}
}

func TestJournal_PruneMaxAge(t *testing.T) {
	for _, tc := range journalCases() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			j := tc.open(t, Retention{MaxAge: time.Hour})
			setJournalNow(j, journalStart)
			installRun(t, j, "game-1", "game", 0, RunSuccess)
			installRun(t, j, "editor-1", "editor", 0, RunFailed)
			appendAll(t, j, itemEvent(runtime.EventItemRunStarted, "game-2", "game", core.StageNone, 1, 60))

			setJournalNow(j, journalStart.Add(2*time.Hour))
			n, err := j.Prune(ctx)
			if err != nil {
				t.Fatalf("Prune() error = %v", err)
			}
			if n != 2 {
				t.Fatalf("Prune() = %d, want 2", n)
			}
			runs, _ := j.Runs(ctx, RunFilter{})
			if got := strings.Join(runIDs(runs), ","); got != "game-2" {
				t.Fatalf("runs = %s, want the running game-2 only", got)
			}
		})
	}
}

func TestJournal_PruneWithoutRetention(t *testing.T) {
	for _, tc := range journalCases() {
		t.Run(tc.name, func(t *testing.T) {
			j := tc.open(t, Retention{})
			installRun(t, j, "game-1", "game", 0, RunSuccess)
			n, err := j.Prune(context.Background())
			if err != nil || n != 0 {
				t.Fatalf("Prune() = %d, %v; want 0, nil", n, err)
			}
		})
	}
}

func TestJournalWriter_RecordsPublishedEvents(t *testing.T) {
	j := NewMemJournal(Retention{})
	b := New[runtime.Event]()
	b.Subscribe(Object[runtime.Event](NewJournalWriter(j, nil)))
	emit := runtime.SequencedEmitter(Emitter(b))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	emit(runtime.NewEvent(runtime.EventItemRunStarted, "run-1").WithItem("game", core.StageNone))
	emit(runtime.NewEvent(runtime.EventStageStarted, "run-1").WithItem("game", core.StageDownload))
	// The stop of a handle that never ran has no run to belong to.
	emit(runtime.NewEvent(runtime.EventItemStopped, "").WithItem("game", core.StageNone))
	// A cancelled publisher context still reaches the journal.
	e := runtime.NewEvent(runtime.EventItemRunFinished, "run-1").WithItem("game", core.StageDownload).
		WithPayload("status", "stopped")
	e.Seq = 3
	b.Publish(ctx, &e)

	run, err := j.Run(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.Events != 3 || run.LastSeq != 3 || run.Status != RunStopped {
		t.Fatalf("Run() = %+v, want 3 events ending stopped", run)
	}
	runs, _ := j.Runs(context.Background(), RunFilter{})
	if len(runs) != 1 {
		t.Fatalf("Runs() = %d, want 1", len(runs))
	}
}

type failingJournal struct{ Journal }

func (failingJournal) Append(context.Context, runtime.Event) error {
	return errors.New("disk full")
}

func TestJournalWriter_LogsAppendErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	w := NewJournalWriter(failingJournal{}, logger)

	e := runtime.NewEvent(runtime.EventItemRunStarted, "run-1").WithItem("game", core.StageNone)
	w.Handle(context.Background(), &e)

	out := buf.String()
	for _, want := range []string{"failed to journal event", "run_id=run-1", "item_id=game", "disk full"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q, got: %s", want, out)
		}
	}
}
