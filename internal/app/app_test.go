package app

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/medvault/internal/common"
	"github.com/dmitrijs2005/medvault/internal/config"
	"github.com/dmitrijs2005/medvault/internal/cryptox"
	"github.com/dmitrijs2005/medvault/internal/models"
	"github.com/dmitrijs2005/medvault/internal/repositories/jobs"
	"github.com/dmitrijs2005/medvault/internal/services"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c := &config.Config{}
	c.LoadDefaults()
	c.DataDir = t.TempDir()
	c.Passphrase = "correct horse"
	c.HTTPAddr = "127.0.0.1:0"
	c.LogLevel = "error"
	c.ConsentLatency = 0
	c.LoginDelay = 0
	return c
}

func TestNewApp_RunAndStop(t *testing.T) {
	c := testConfig(t)
	c.SeedDemoFiles = true
	c.InboxDir = filepath.Join(c.DataDir, "inbox")

	app, err := NewApp(context.Background(), c, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Len(t, app.catalog.List(), 3)
	require.NotNil(t, app.inbox)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.Nil(t, app.db, "resources released")
}

func TestNewApp_SeedOnlyOnce(t *testing.T) {
	c := testConfig(t)
	c.SeedDemoFiles = true

	app, err := NewApp(context.Background(), c, &bytes.Buffer{})
	require.NoError(t, err)
	require.NoError(t, app.close())

	app, err = NewApp(context.Background(), c, &bytes.Buffer{})
	require.NoError(t, err)
	defer app.close()
	assert.Len(t, app.catalog.List(), 3)
}

func TestNewApp_WrongPassphrase(t *testing.T) {
	c := testConfig(t)

	app, err := NewApp(context.Background(), c, &bytes.Buffer{})
	require.NoError(t, err)
	require.NoError(t, app.close())

	c.Passphrase = "wrong"
	_, err = NewApp(context.Background(), c, &bytes.Buffer{})
	require.ErrorIs(t, err, cryptox.ErrWrongPassphrase)
}

func TestNewApp_UnknownTransport(t *testing.T) {
	c := testConfig(t)
	c.Transport = "carrier-pigeon"

	_, err := NewApp(context.Background(), c, &bytes.Buffer{})
	require.Error(t, err)
}

func TestNewApp_RejectsInvalidConfig(t *testing.T) {
	t.Run("unknown category", func(t *testing.T) {
		c := testConfig(t)
		c.DefaultCategory = "xray"

		_, err := NewApp(context.Background(), c, &bytes.Buffer{})
		require.ErrorIs(t, err, config.ErrInvalid)
	})

	t.Run("empty consent text", func(t *testing.T) {
		c := testConfig(t)
		c.ConsentText = ""

		_, err := NewApp(context.Background(), c, &bytes.Buffer{})
		require.ErrorIs(t, err, config.ErrInvalid)
	})
}

func TestNewApp_CategoryAlias(t *testing.T) {
	c := testConfig(t)
	c.DefaultCategory = "laboratory"

	app, err := NewApp(context.Background(), c, &bytes.Buffer{})
	require.NoError(t, err)
	defer app.close()

	rec, err := app.store.Persist(context.Background(), services.ReaderSource{Filename: "cbc.pdf", Data: []byte("%PDF-1.7")})
	require.NoError(t, err)
	assert.Equal(t, models.CategoryLabResult, rec.Category)
}

func TestApp_ResumeSync(t *testing.T) {
	c := testConfig(t)
	app, err := NewApp(context.Background(), c, &bytes.Buffer{})
	require.NoError(t, err)
	defer app.close()
	ctx := context.Background()
	repo := jobs.NewSQLiteRepository(app.db)

	require.NoError(t, app.resumeSync(ctx))
	n, err := repo.CountOutstanding(ctx, common.SyncJobKind)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing pending")

	require.NoError(t, app.catalog.Add(ctx, models.FileRecord{ID: "p1", DisplayName: "a.enc", Category: models.CategoryOther}))
	require.NoError(t, app.resumeSync(ctx))
	n, err = repo.CountOutstanding(ctx, common.SyncJobKind)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func stubTerminal(t *testing.T, tty bool, pw []byte, err error) {
	t.Helper()
	origRead, origTTY := readPassword, isTerminal
	t.Cleanup(func() { readPassword, isTerminal = origRead, origTTY })
	isTerminal = func(int) bool { return tty }
	readPassword = func(int) ([]byte, error) { return pw, err }
}

func TestPassphrase(t *testing.T) {
	t.Run("configured", func(t *testing.T) {
		stubTerminal(t, false, nil, nil)
		pw, err := passphrase("secret", &bytes.Buffer{})
		require.NoError(t, err)
		assert.Equal(t, []byte("secret"), pw)
	})

	t.Run("prompted", func(t *testing.T) {
		stubTerminal(t, true, []byte("typed"), nil)
		var out bytes.Buffer
		pw, err := passphrase("", &out)
		require.NoError(t, err)
		assert.Equal(t, []byte("typed"), pw)
		assert.Contains(t, out.String(), "passphrase")
	})

	t.Run("no terminal", func(t *testing.T) {
		stubTerminal(t, false, nil, nil)
		_, err := passphrase("", &bytes.Buffer{})
		require.ErrorIs(t, err, errNoPassphrase)
	})

	t.Run("read error", func(t *testing.T) {
		boom := errors.New("boom")
		stubTerminal(t, true, nil, boom)
		_, err := passphrase("", &bytes.Buffer{})
		require.ErrorIs(t, err, boom)
	})

	t.Run("empty", func(t *testing.T) {
		stubTerminal(t, true, []byte{}, nil)
		_, err := passphrase("", &bytes.Buffer{})
		require.Error(t, err)
	})
}
