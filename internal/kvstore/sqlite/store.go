// Package sqlite provides the durable kvstore.Store backend on top of the
// pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/any-hub/offline-hub/internal/kvstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	bucket TEXT NOT NULL,
	key    BLOB NOT NULL,
	value  BLOB NOT NULL,
	PRIMARY KEY (bucket, key)
) WITHOUT ROWID;
`

// Store provides SQLite-backed key-value persistence.
type Store struct {
	sqlDB *sql.DB
}

// Open opens (or creates) the SQLite file at path and ensures the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}

	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接避免 SQLITE_BUSY，同时保证 Update 中的事务串行。
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE bucket = ? AND key = ?`,
		bucket, []byte(key),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kvstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%q: %w", bucket, key, err)
	}
	return value, nil
}

func (s *Store) Put(ctx context.Context, bucket, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO kv (bucket, key, value) VALUES (?, ?, ?)
ON CONFLICT (bucket, key) DO UPDATE SET value = excluded.value
`, bucket, []byte(key), value)
	if err != nil {
		return fmt.Errorf("put %s/%q: %w", bucket, key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM kv WHERE bucket = ? AND key = ?`, bucket, []byte(key)); err != nil {
		return fmt.Errorf("delete %s/%q: %w", bucket, key, err)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, bucket, prefix string, fn func(key string, value []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	query, args := rangeQuery(`SELECT key, value FROM kv`, bucket, prefix)
	rows, err := s.sqlDB.QueryContext(ctx, query+` ORDER BY key ASC`, args...)
	if err != nil {
		return fmt.Errorf("scan %s/%q: %w", bucket, prefix, err)
	}

	// 先读完结果集再回调，避免单连接下回调里再次访问数据库时死锁。
	type pair struct {
		key   []byte
		value []byte
	}
	var items []pair
	for rows.Next() {
		var item pair
		if err := rows.Scan(&item.key, &item.value); err != nil {
			rows.Close()
			return fmt.Errorf("scan row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate rows: %w", err)
	}
	rows.Close()

	for _, item := range items {
		if err := fn(string(item.key), item.value); err != nil {
			if errors.Is(err, kvstore.ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (s *Store) DeleteRange(ctx context.Context, bucket, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	query, args := rangeQuery(`DELETE FROM kv`, bucket, prefix)
	if _, err := s.sqlDB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete range %s/%q: %w", bucket, prefix, err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, fn func(tx kvstore.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := &kvstore.Batch{}
	if err := fn(batch); err != nil {
		return err
	}
	if batch.Len() == 0 {
		return nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	err = batch.Each(func(bucket, key string, value []byte, isDelete bool) error {
		if isDelete {
			_, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE bucket = ? AND key = ?`, bucket, []byte(key))
			return err
		}
		if value == nil {
			value = []byte{}
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO kv (bucket, key, value) VALUES (?, ?, ?)
ON CONFLICT (bucket, key) DO UPDATE SET value = excluded.value
`, bucket, []byte(key), value)
		return err
	})
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply batch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// rangeQuery 拼接 bucket + 前缀范围条件，key 以 BLOB 存储因此比较按字节序。
func rangeQuery(base, bucket, prefix string) (string, []any) {
	query := base + ` WHERE bucket = ?`
	args := []any{bucket}
	if prefix == "" {
		return query, args
	}
	query += ` AND key >= ?`
	args = append(args, []byte(prefix))
	if end := kvstore.PrefixEnd([]byte(prefix)); end != nil {
		query += ` AND key < ?`
		args = append(args, end)
	}
	return query, args
}

var _ kvstore.Store = (*Store)(nil)
