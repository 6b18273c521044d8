package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/medvault/internal/dbx"
)

// SQLiteRepository stamps every write with updated_at (unix millis).
type SQLiteRepository struct {
	db  dbx.DBTX
	now func() time.Time
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

func (r *SQLiteRepository) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.db.QueryRowContext(ctx, `select value from metadata where key=?`, key).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("metadata %q: get: %w", key, err)
	}
	return value, nil
}

func (r *SQLiteRepository) Set(ctx context.Context, key string, value []byte) error {
	_, err := r.db.ExecContext(ctx,
		`insert into metadata (key, value, updated_at) values (?, ?, ?)
		on conflict(key) do update set value=excluded.value, updated_at=excluded.updated_at`,
		key, value, r.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("metadata %q: set: %w", key, err)
	}
	return nil
}

func (r *SQLiteRepository) SetIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`insert into metadata (key, value, updated_at) values (?, ?, ?) on conflict(key) do nothing`,
		key, value, r.now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("metadata %q: set if absent: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("metadata %q: rows affected: %w", key, err)
	}
	return n == 1, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")

	if _, err := r.db.ExecContext(ctx, `delete from metadata where key in (`+marks+`)`, args...); err != nil {
		return fmt.Errorf("metadata %q: delete: %w", keys, err)
	}
	return nil
}
