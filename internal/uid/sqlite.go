package uid

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLReserver keeps the next free id in a single-row sqlite table.
type SQLReserver struct {
	db *sql.DB
}

func NewSQLReserver(path string) (*SQLReserver, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("uid database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLReserver{db: db}, nil
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS next_uid (id INTEGER PRIMARY KEY CHECK (id = 1), uid INTEGER NOT NULL)`,
		`INSERT OR IGNORE INTO next_uid (id, uid) VALUES (1, 1)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("uid schema: %w", err)
		}
	}
	return nil
}

func (r *SQLReserver) Reserve(ctx context.Context, size uint64) (uint64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	var start uint64
	if err := tx.QueryRowContext(ctx, `SELECT uid FROM next_uid WHERE id = 1`).Scan(&start); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE next_uid SET uid = ? WHERE id = 1`, start+size); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return start, nil
}

func (r *SQLReserver) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}
