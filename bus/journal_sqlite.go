package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/petal-labs/depot/core"
	"github.com/petal-labs/depot/runtime"

	_ "modernc.org/sqlite"
)

const sqliteJournalSchema = `
CREATE TABLE IF NOT EXISTS journal_runs (
	id         TEXT PRIMARY KEY,
	item_id    TEXT    NOT NULL DEFAULT '',
	stage      TEXT    NOT NULL DEFAULT '',
	status     TEXT    NOT NULL,
	error      TEXT    NOT NULL DEFAULT '',
	started_ns INTEGER NOT NULL,
	updated_ns INTEGER NOT NULL,
	events     INTEGER NOT NULL DEFAULT 0,
	last_seq   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_journal_runs_item ON journal_runs(item_id, updated_ns);
CREATE TABLE IF NOT EXISTS journal_events (
	run_id    TEXT    NOT NULL,
	seq       INTEGER NOT NULL,
	kind      TEXT    NOT NULL,
	item_id   TEXT    NOT NULL DEFAULT '',
	stage     TEXT    NOT NULL DEFAULT '',
	worker_id INTEGER NOT NULL DEFAULT 0,
	time_ns   INTEGER NOT NULL,
	elapsed   INTEGER NOT NULL DEFAULT 0,
	payload   TEXT    NOT NULL DEFAULT '{}',
	trace_id  TEXT    NOT NULL DEFAULT '',
	span_id   TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_journal_events_kind ON journal_events(run_id, kind);
`

// SQLiteJournalConfig configures the SQLite journal.
type SQLiteJournalConfig struct {
	// DSN is the database connection string.
	DSN       string
	Retention Retention
}

// SQLiteJournal keeps the journal in a SQLite database in WAL mode, next to
// the item and tool tables. Writes are serialized within the process.
type SQLiteJournal struct {
	db        *sql.DB
	retention Retention
	now       func() time.Time

	mu sync.Mutex
}

// NewSQLiteJournal opens (or creates) the journal tables at cfg.DSN.
func NewSQLiteJournal(cfg SQLiteJournalConfig) (*SQLiteJournal, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("journal: sqlite dsn is required")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteJournalSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: create schema: %w", err)
	}
	return &SQLiteJournal{db: db, retention: cfg.Retention, now: time.Now}, nil
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

func (j *SQLiteJournal) Append(ctx context.Context, e runtime.Event) error {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("journal: marshal payload: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("journal: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	run, err := scanRun(tx.QueryRowContext(ctx, selectRun+` WHERE id = ?`, e.RunID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		run = Run{}
	case err != nil:
		return err
	}
	wasFinished := run.Status.Finished()
	run.apply(&e)

	if _, err := tx.ExecContext(ctx, `
INSERT INTO journal_events (run_id, seq, kind, item_id, stage, worker_id, time_ns, elapsed, payload, trace_id, span_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, int64(e.Seq), string(e.Kind), string(e.ItemID), string(e.Stage), e.WorkerID,
		e.Time.UnixNano(), int64(e.Elapsed), string(payloadJSON), e.TraceID, e.SpanID,
	); err != nil {
		return fmt.Errorf("journal: append %s #%d: %w", e.RunID, e.Seq, err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO journal_runs (id, item_id, stage, status, error, started_ns, updated_ns, events, last_seq)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	item_id = excluded.item_id,
	stage = excluded.stage,
	status = excluded.status,
	error = excluded.error,
	updated_ns = excluded.updated_ns,
	events = excluded.events,
	last_seq = excluded.last_seq`,
		run.ID, string(run.ItemID), string(run.Stage), string(run.Status), run.Error,
		run.Started.UnixNano(), run.Updated.UnixNano(), run.Events, int64(run.LastSeq),
	); err != nil {
		return fmt.Errorf("journal: update run %s: %w", run.ID, err)
	}

	if !wasFinished && run.Status.Finished() && j.retention.enabled() {
		if _, err := j.pruneItem(ctx, tx, run.ItemID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("journal: commit: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) Events(ctx context.Context, runID string, f EventFilter) ([]runtime.Event, error) {
	query := `SELECT run_id, seq, kind, item_id, stage, worker_id, time_ns, elapsed, payload, trace_id, span_id
FROM journal_events WHERE run_id = ? AND seq > ?`
	args := []any{runID, int64(f.AfterSeq)}
	if f.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(f.Stage))
	}
	if len(f.Kinds) > 0 {
		query += ` AND kind IN (?` + strings.Repeat(", ?", len(f.Kinds)-1) + `)`
		for _, k := range f.Kinds {
			args = append(args, string(k))
		}
	}
	query += ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: events of %s: %w", runID, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

const selectRun = `SELECT id, item_id, stage, status, error, started_ns, updated_ns, events, last_seq FROM journal_runs`

func (j *SQLiteJournal) Run(ctx context.Context, runID string) (Run, error) {
	run, err := scanRun(j.db.QueryRowContext(ctx, selectRun+` WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, unknownRun(runID)
	}
	return run, err
}

func (j *SQLiteJournal) Runs(ctx context.Context, f RunFilter) ([]Run, error) {
	var (
		where []string
		args  []any
	)
	if f.ItemID != "" {
		where = append(where, "item_id = ?")
		args = append(args, string(f.ItemID))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := selectRun
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY updated_ns DESC, started_ns DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: runs: %w", err)
	}
	return out, nil
}

func (j *SQLiteJournal) Prune(ctx context.Context) (int, error) {
	if !j.retention.enabled() {
		return 0, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("journal: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	items, err := distinctItems(ctx, tx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, id := range items {
		n, err := j.pruneItem(ctx, tx, id)
		if err != nil {
			return 0, err
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("journal: commit: %w", err)
	}
	return total, nil
}

func distinctItems(ctx context.Context, tx *sql.Tx) ([]core.ItemID, error) {
	rows, err := tx.QueryContext(ctx, `SELECT DISTINCT item_id FROM journal_runs`)
	if err != nil {
		return nil, fmt.Errorf("journal: items: %w", err)
	}
	defer rows.Close()

	var ids []core.ItemID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("journal: scan item: %w", err)
		}
		ids = append(ids, core.ItemID(id))
	}
	return ids, rows.Err()
}

// pruneItem drops the finished runs of one item that the retention policy
// expires, with their events.
func (j *SQLiteJournal) pruneItem(ctx context.Context, tx *sql.Tx, itemID core.ItemID) (int, error) {
	rows, err := tx.QueryContext(ctx, selectRun+` WHERE item_id = ? AND status IN (?, ?, ?)
ORDER BY updated_ns DESC, started_ns DESC`,
		string(itemID), string(RunSuccess), string(RunFailed), string(RunStopped))
	if err != nil {
		return 0, fmt.Errorf("journal: finished runs of %q: %w", itemID, err)
	}
	var finished []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		finished = append(finished, run)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("journal: finished runs of %q: %w", itemID, err)
	}

	expired := j.retention.expired(finished, j.now())
	for _, id := range expired {
		if _, err := tx.ExecContext(ctx, `DELETE FROM journal_events WHERE run_id = ?`, id); err != nil {
			return 0, fmt.Errorf("journal: drop events of %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM journal_runs WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("journal: drop run %s: %w", id, err)
		}
	}
	return len(expired), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r                Run
		itemID, stage    string
		status           string
		started, updated int64
		lastSeq          int64
	)
	if err := row.Scan(&r.ID, &itemID, &stage, &status, &r.Error, &started, &updated, &r.Events, &lastSeq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("journal: scan run: %w", err)
	}
	r.ItemID = core.ItemID(itemID)
	r.Stage = core.Stage(stage)
	r.Status = RunStatus(status)
	r.Started = time.Unix(0, started)
	r.Updated = time.Unix(0, updated)
	r.LastSeq = uint64(lastSeq) // #nosec G115 -- written from a uint64
	return r, nil
}

func scanEvents(rows *sql.Rows) ([]runtime.Event, error) {
	var events []runtime.Event
	for rows.Next() {
		var (
			e                    runtime.Event
			seq, timeNS, elapsed int64
			kind, itemID, stage  string
			payloadJSON          string
		)
		if err := rows.Scan(&e.RunID, &seq, &kind, &itemID, &stage, &e.WorkerID,
			&timeNS, &elapsed, &payloadJSON, &e.TraceID, &e.SpanID); err != nil {
			return nil, fmt.Errorf("journal: scan event: %w", err)
		}
		e.Seq = uint64(seq) // #nosec G115 -- written from a uint64
		e.Kind = runtime.EventKind(kind)
		e.ItemID = core.ItemID(itemID)
		e.Stage = core.Stage(stage)
		e.Time = time.Unix(0, timeNS)
		e.Elapsed = time.Duration(elapsed)
		e.Payload = map[string]any{}
		if payloadJSON != "" && payloadJSON != "{}" {
			if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
				return nil, fmt.Errorf("journal: unmarshal payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

var _ Journal = (*SQLiteJournal)(nil)
