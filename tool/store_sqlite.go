package tool

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petal-labs/depot/core"
)

const sqliteStoreSchema = `
CREATE TABLE IF NOT EXISTS tool_records (
	id TEXT PRIMARY KEY,
	payload BLOB NOT NULL,
	installed INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);`

// SQLiteStoreConfig configures the SQLite-backed tool store.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteStore persists tool records in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed tool store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("tool: sqlite store dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("tool: sqlite store open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tool: sqlite store set WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteStoreSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tool: sqlite store create schema: %w", err)
	}

	if err := ensureSQLiteColumns(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

// List returns all records in id order.
func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, errors.New("tool: sqlite store is nil")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT payload
FROM tool_records
ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("tool: sqlite list records: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("tool: sqlite scan record: %w", err)
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tool: sqlite record rows: %w", err)
	}
	return recs, nil
}

// Get returns a record by id.
func (s *SQLiteStore) Get(ctx context.Context, id core.ToolID) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	if s == nil || s.db == nil {
		return Record{}, false, errors.New("tool: sqlite store is nil")
	}

	row := s.db.QueryRowContext(ctx, `
SELECT payload
FROM tool_records
WHERE id = ?`, string(id))

	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("tool: sqlite get record: %w", err)
	}

	rec, err := decodeRecord(payload)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Upsert inserts or updates a record by id.
func (s *SQLiteStore) Upsert(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return errors.New("tool: sqlite store is nil")
	}
	if strings.TrimSpace(string(rec.ID)) == "" {
		return errors.New("tool: record id is required")
	}

	now := time.Now().UTC()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("tool: sqlite encode record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO tool_records (id, payload, installed, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	payload = excluded.payload,
	installed = excluded.installed,
	updated_at = excluded.updated_at`,
		string(rec.ID),
		payload,
		boolToInt(rec.Installed),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("tool: sqlite upsert record: %w", err)
	}
	return nil
}

// Delete removes a record by id. Deleting a missing id is a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, id core.ToolID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return errors.New("tool: sqlite store is nil")
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM tool_records WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("tool: sqlite delete record: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func decodeRecord(payload []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, fmt.Errorf("tool: sqlite decode record: %w", err)
	}
	return rec, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// ensureSQLiteColumns upgrades databases created before the installed column
// existed.
func ensureSQLiteColumns(db *sql.DB) error {
	columns, err := sqliteTableColumns(db, "tool_records")
	if err != nil {
		return err
	}
	if !columns["id"] {
		return errors.New("tool: sqlite schema missing tool_records.id column")
	}
	if !columns["installed"] {
		if _, err := db.Exec(`ALTER TABLE tool_records ADD COLUMN installed INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("tool: sqlite add installed column: %w", err)
		}
	}
	return nil
}

func sqliteTableColumns(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query(`PRAGMA table_info(` + table + `)`)
	if err != nil {
		return nil, fmt.Errorf("tool: sqlite inspect schema for %s: %w", table, err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("tool: sqlite scan schema for %s: %w", table, err)
		}
		columns[strings.ToLower(strings.TrimSpace(name))] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tool: sqlite schema rows for %s: %w", table, err)
	}
	return columns, nil
}

var _ Store = (*SQLiteStore)(nil)
