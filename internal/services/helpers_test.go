package services

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/medvault/internal/dbx"
	"github.com/dmitrijs2005/medvault/internal/logging"
	"github.com/dmitrijs2005/medvault/internal/repositories/files"
)

var (
	testLog = logging.Discard()
	errBoom = errors.New("boom")
	t0      = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := dbx.InitDatabase(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// failingMeta is a metadata.Repository whose every call fails.
type failingMeta struct{}

func (failingMeta) Get(context.Context, string) ([]byte, error) { return nil, errBoom }
func (failingMeta) Set(context.Context, string, []byte) error   { return errBoom }
func (failingMeta) SetIfAbsent(context.Context, string, []byte) (bool, error) {
	return false, errBoom
}
func (failingMeta) Delete(context.Context, ...string) error { return errBoom }

func fileRepo(db *sql.DB) *files.SQLiteRepository {
	return files.NewSQLiteRepository(db)
}
