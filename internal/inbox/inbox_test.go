package inbox

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/medvault/internal/common"
	"github.com/dmitrijs2005/medvault/internal/logging"
	"github.com/dmitrijs2005/medvault/internal/models"
	"github.com/dmitrijs2005/medvault/internal/services"
)

type recorder struct {
	mu    sync.Mutex
	got   []string
	calls int
	err   error
}

func (r *recorder) SelectFile(_ context.Context, src services.Source) (*models.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	rc, err := src.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	r.got = append(r.got, src.Name()+":"+string(data))
	return &models.FileRecord{ID: "id"}, nil
}

func (r *recorder) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recorder) snapshot() ([]string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...), r.calls
}

func start(t *testing.T, dir string, sub Submitter, rescan time.Duration) {
	t.Helper()
	w := NewWatcher(Options{Dir: dir, Settle: 20 * time.Millisecond, Rescan: rescan}, sub, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestWatcher_SubmitsNewFileAndRemovesIt(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	start(t, dir, rec, time.Hour)

	path := filepath.Join(dir, "report.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF"), 0o600))

	require.Eventually(t, func() bool { return !exists(path) }, 3*time.Second, 10*time.Millisecond)
	got, _ := rec.snapshot()
	assert.Equal(t, []string{"report.pdf:%PDF"}, got)
}

func TestWatcher_PicksUpExistingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "old.pdf")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o600))

	rec := &recorder{}
	start(t, dir, rec, time.Hour)

	require.Eventually(t, func() bool { return !exists(path) }, 3*time.Second, 10*time.Millisecond)
}

func TestWatcher_IgnoresHiddenAndTempFiles(t *testing.T) {
	dir := t.TempDir()
	hidden := filepath.Join(dir, ".tmp-123")
	backup := filepath.Join(dir, "notes.txt~")
	require.NoError(t, os.WriteFile(hidden, []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(backup, []byte("x"), 0o600))

	rec := &recorder{}
	start(t, dir, rec, 30*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	_, calls := rec.snapshot()
	assert.Zero(t, calls)
	assert.True(t, exists(hidden))
	assert.True(t, exists(backup))
}

func TestWatcher_WaitsForConsent(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{err: common.ErrConsentRequired}
	start(t, dir, rec, 40*time.Millisecond)

	path := filepath.Join(dir, "scan.png")
	require.NoError(t, os.WriteFile(path, []byte("png"), 0o600))

	require.Eventually(t, func() bool {
		_, calls := rec.snapshot()
		return calls >= 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, exists(path), "kept while consent is missing")

	rec.setErr(nil)
	require.Eventually(t, func() bool { return !exists(path) }, 3*time.Second, 10*time.Millisecond)
}

func TestWatcher_RejectedFileRetriedOnlyAfterChange(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{err: errors.New("unreadable")}
	start(t, dir, rec, 30*time.Millisecond)

	path := filepath.Join(dir, "bad.pdf")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o600))

	require.Eventually(t, func() bool {
		_, calls := rec.snapshot()
		return calls >= 1
	}, 3*time.Second, 10*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	_, calls := rec.snapshot()
	assert.Equal(t, 1, calls, "unchanged file is not resubmitted")
	assert.True(t, exists(path))

	rec.setErr(nil)
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o600))
	require.NoError(t, os.Chtimes(path, later, later))

	require.Eventually(t, func() bool { return !exists(path) }, 3*time.Second, 10*time.Millisecond)
	got, _ := rec.snapshot()
	assert.Equal(t, []string{"bad.pdf:v2"}, got)
}

func TestWatcher_MissingDir(t *testing.T) {
	w := NewWatcher(Options{Dir: filepath.Join(t.TempDir(), "nope")}, &recorder{}, logging.Discard())
	require.Error(t, w.Run(context.Background()))
}
