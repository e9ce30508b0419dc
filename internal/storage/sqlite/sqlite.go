// Package sqlite 基于 SQLite 的日志后端，每次追加写入一行
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/taoyao-code/enso-gateway/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS logs (
	name TEXT PRIMARY KEY,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS log_chunks (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	data BLOB NOT NULL,
	FOREIGN KEY (name) REFERENCES logs(name)
);
CREATE INDEX IF NOT EXISTS idx_log_chunks_name ON log_chunks(name, seq);
`

// Backend SQLite 日志后端
type Backend struct {
	db *sql.DB
}

var _ storage.Backend = (*Backend)(nil)

// Open 打开或创建数据库
func Open(path string) (*Backend, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// 追加写与整理都是单写者
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Name() string { return "sqlite" }

// Ping 健康检查
func (b *Backend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *Backend) Exists(ctx context.Context, name string) (bool, error) {
	return exists(ctx, b.db, name)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func exists(ctx context.Context, q querier, name string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM logs WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (b *Backend) Size(ctx context.Context, name string) (int64, error) {
	var size int64
	err := b.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(LENGTH(data)), 0) FROM log_chunks WHERE name = ?`, name).Scan(&size)
	return size, err
}

func (b *Backend) Append(ctx context.Context, name string, data []byte) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO logs (name) VALUES (?)`, name); err != nil {
			return err
		}
		if data == nil {
			data = []byte{}
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO log_chunks (name, data) VALUES (?, ?)`, name, data)
		return err
	})
}

func (b *Backend) Read(ctx context.Context, name string) ([]byte, error) {
	ok, err := b.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storage.ErrNotExist
	}

	rows, err := b.db.QueryContext(ctx, `SELECT data FROM log_chunks WHERE name = ? ORDER BY seq`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []byte{}
	for rows.Next() {
		var chunk []byte
		if err := rows.Scan(&chunk); err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, rows.Err()
}

func (b *Backend) Create(ctx context.Context, name string) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO logs (name) VALUES (?)`, name); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM log_chunks WHERE name = ?`, name)
		return err
	})
}

// Rename 在一个事务内替换目标
func (b *Backend) Rename(ctx context.Context, from, to string) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := exists(ctx, tx, from)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: %w", from, storage.ErrNotExist)
		}
		stmts := []struct {
			query string
			args  []any
		}{
			{`DELETE FROM log_chunks WHERE name = ?`, []any{to}},
			{`DELETE FROM logs WHERE name = ?`, []any{to}},
			{`INSERT INTO logs (name) VALUES (?)`, []any{to}},
			{`UPDATE log_chunks SET name = ? WHERE name = ?`, []any{to, from}},
			{`DELETE FROM logs WHERE name = ?`, []any{from}},
		}
		for _, s := range stmts {
			if _, err := tx.ExecContext(ctx, s.query, s.args...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Backend) Remove(ctx context.Context, name string) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM log_chunks WHERE name = ?`, name); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM logs WHERE name = ?`, name)
		return err
	})
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
