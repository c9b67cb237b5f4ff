package item

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petal-labs/depot/core"

	_ "modernc.org/sqlite"
)

const sqliteItemSchema = `
CREATE TABLE IF NOT EXISTS items (
	id          TEXT PRIMARY KEY,
	name        TEXT    NOT NULL DEFAULT '',
	install_dir TEXT    NOT NULL DEFAULT '',
	branch      INTEGER NOT NULL DEFAULT 0,
	build       INTEGER NOT NULL DEFAULT 0,
	tools       TEXT    NOT NULL DEFAULT '[]',
	preorder    INTEGER NOT NULL DEFAULT 0,
	source      TEXT    NOT NULL DEFAULT '',
	flags       INTEGER NOT NULL DEFAULT 0,
	percent     INTEGER NOT NULL DEFAULT 0,
	updated_at  TEXT    NOT NULL
);`

// SQLiteStore persists items in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) an item store at dsn.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("item: sqlite store dsn is required")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("item: sqlite store open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("item: sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteItemSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("item: sqlite store create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectItem = `SELECT id, name, install_dir, branch, build, tools, preorder, source, flags, percent FROM items`

func (s *SQLiteStore) Get(ctx context.Context, id core.ItemID) (Info, error) {
	row := s.db.QueryRowContext(ctx, selectItem+` WHERE id = ?`, string(id))
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Info{}, badID(id)
	}
	return it, err
}

func (s *SQLiteStore) List(ctx context.Context) ([]Info, error) {
	rows, err := s.db.QueryContext(ctx, selectItem+` ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("item: sqlite list: %w", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("item: sqlite rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Put(ctx context.Context, info Info) error {
	if strings.TrimSpace(string(info.ID)) == "" {
		return errors.New("item: id is required")
	}
	tools, err := json.Marshal(info.Branch.Tools)
	if err != nil {
		return fmt.Errorf("item: encode tools: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO items (id, name, install_dir, branch, build, tools, preorder, source, flags, percent, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	install_dir = excluded.install_dir,
	branch = excluded.branch,
	build = excluded.build,
	tools = excluded.tools,
	preorder = excluded.preorder,
	source = excluded.source,
	flags = excluded.flags,
	percent = excluded.percent,
	updated_at = excluded.updated_at`,
		string(info.ID), info.Name, info.InstallDir,
		int64(info.Branch.ID), int64(info.Branch.Build), string(tools),
		boolToInt(info.Branch.Preorder), info.Branch.Source,
		int64(info.Flags), int64(info.Percent), now(),
	)
	if err != nil {
		return fmt.Errorf("item: sqlite put %s: %w", info.ID, err)
	}
	return nil
}

func (s *SQLiteStore) SetPercent(ctx context.Context, id core.ItemID, percent uint8) error {
	return s.exec(ctx, id, `UPDATE items SET percent = ?, updated_at = ? WHERE id = ?`, int64(min(percent, 100)), now(), string(id))
}

func (s *SQLiteStore) AddFlags(ctx context.Context, id core.ItemID, flags Flag) error {
	return s.exec(ctx, id, `UPDATE items SET flags = flags | ?, updated_at = ? WHERE id = ?`, int64(flags), now(), string(id))
}

func (s *SQLiteStore) DelFlags(ctx context.Context, id core.ItemID, flags Flag) error {
	return s.exec(ctx, id, `UPDATE items SET flags = flags & ~?, updated_at = ? WHERE id = ?`, int64(flags), now(), string(id))
}

func (s *SQLiteStore) exec(ctx context.Context, id core.ItemID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("item: sqlite update %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("item: sqlite update %s: %w", id, err)
	}
	if n == 0 {
		return badID(id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (Info, error) {
	var (
		it             Info
		id             string
		branch, build  int64
		tools          string
		preorder       int64
		flags, percent int64
	)
	err := row.Scan(&id, &it.Name, &it.InstallDir, &branch, &build, &tools, &preorder, &it.Branch.Source, &flags, &percent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Info{}, err
		}
		return Info{}, fmt.Errorf("item: sqlite scan: %w", err)
	}
	it.ID = core.ItemID(id)
	it.Branch.ID = core.Branch(branch)
	it.Branch.Build = core.Build(build)
	it.Branch.Preorder = preorder != 0
	it.Flags = Flag(flags)
	it.Percent = uint8(percent)
	if tools != "" && tools != "null" {
		if err := json.Unmarshal([]byte(tools), &it.Branch.Tools); err != nil {
			return Info{}, fmt.Errorf("item: decode tools: %w", err)
		}
	}
	return it, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

var _ Store = (*SQLiteStore)(nil)
