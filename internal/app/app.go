// Package app wires medvault together and runs it until a shutdown signal.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/medvault/internal/common"
	"github.com/dmitrijs2005/medvault/internal/config"
	"github.com/dmitrijs2005/medvault/internal/cryptox"
	"github.com/dmitrijs2005/medvault/internal/dbx"
	"github.com/dmitrijs2005/medvault/internal/filex"
	"github.com/dmitrijs2005/medvault/internal/httpapi"
	"github.com/dmitrijs2005/medvault/internal/inbox"
	"github.com/dmitrijs2005/medvault/internal/logging"
	"github.com/dmitrijs2005/medvault/internal/netx"
	"github.com/dmitrijs2005/medvault/internal/repositories/files"
	"github.com/dmitrijs2005/medvault/internal/repositories/jobs"
	"github.com/dmitrijs2005/medvault/internal/repositories/metadata"
	"github.com/dmitrijs2005/medvault/internal/services"
	"github.com/dmitrijs2005/medvault/internal/transport"
	"github.com/dmitrijs2005/medvault/internal/workflow"
)

const probeService = "medvault.sync"

type App struct {
	config *config.Config
	logger logging.Logger

	db      *sql.DB
	keyring *cryptox.FileKeyring
	probe   netx.Probe

	store     services.SecureFileStore
	catalog   *services.Catalog
	scheduler *services.Scheduler
	worker    *services.SyncWorker
	flow      *workflow.Workflow
	api       *httpapi.Server
	inbox     *inbox.Watcher
}

// NewApp opens storage and builds every component. Prompts, if any, go to
// out.
func NewApp(ctx context.Context, c *config.Config, out io.Writer) (_ *App, err error) {
	logger := logging.New(os.Stdout, c.LogFormat, c.LogLevel)
	if err := c.Validate(); err != nil {
		return nil, err
	}

	app := &App{config: c, logger: logger, probe: netx.AlwaysReachable}
	defer func() {
		if err != nil {
			err = multierr.Append(err, app.close())
		}
	}()

	if _, err := filex.EnsureDir(c.DataDir); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	storageDir, err := filex.EnsureDir(c.StoragePath())
	if err != nil {
		return nil, fmt.Errorf("storage dir: %w", err)
	}

	app.db, err = dbx.InitDatabase(ctx, c.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	pw, err := passphrase(c.Passphrase, out)
	if err != nil {
		return nil, err
	}
	app.keyring, err = cryptox.OpenFileKeyring(c.KeyringPath(), pw)
	common.WipeByteArray(pw)
	if err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}

	store := services.NewSecureFileStore(services.FileStoreOptions{
		Dir:                storageDir,
		BaseLabel:          c.BaseLabel,
		DefaultCategory:    c.Category(),
		DefaultDescription: c.DefaultDescription,
	}, app.keyring, logger.With("module", "file_store"))
	app.store = store
	if n, err := store.SweepPartials(ctx); err != nil {
		logger.Warn(ctx, "sweeping partial writes failed", "error", err)
	} else if n > 0 {
		logger.Info(ctx, "removed partial writes", "count", n)
	}

	app.catalog = services.NewFileCatalog(files.NewSQLiteRepository(app.db), logger.With("module", "catalog"))
	if err := app.catalog.Load(ctx); err != nil {
		return nil, err
	}
	if c.SeedDemoFiles && len(app.catalog.List()) == 0 {
		if err := app.catalog.SeedDemo(ctx, uuid.NewString); err != nil {
			return nil, err
		}
	}

	jobRepo := jobs.NewSQLiteRepository(app.db)
	app.scheduler = services.NewSyncScheduler(jobRepo, logger.With("module", "scheduler"))

	uploader, err := transport.New(ctx, c.Transport, transport.Options{S3: c.S3, UploadURL: c.UploadURL})
	if err != nil {
		return nil, err
	}
	if c.ReachabilityAddr != "" {
		p, err := netx.NewGRPCHealthProbe(c.ReachabilityAddr, probeService, 0)
		if err != nil {
			return nil, err
		}
		app.probe = p
	}
	app.worker = services.NewSyncWorker(services.SyncWorkerConfig{
		PollInterval: c.SyncPollInterval,
		Lease:        c.SyncLease,
		MaxAttempts:  c.SyncMaxAttempts,
		BaseBackoff:  c.SyncBaseBackoff,
		MaxBackoff:   c.SyncMaxBackoff,
	}, jobRepo, app.catalog, uploader, app.probe, nil, logger.With("module", "sync_worker")).WithWake(app.scheduler.Wake())

	gate, err := services.NewSessionGate(ctx, app.db, services.StubAuthenticator{Delay: c.LoginDelay},
		c.SessionSecret, c.SessionTTL, logger.With("module", "session"))
	if err != nil {
		return nil, err
	}
	consent := services.NewConsentStore(metadata.NewSQLiteRepository(app.db), c.ConsentText, c.ConsentLatency,
		logger.With("module", "consent"))

	app.flow = workflow.New(workflow.Deps{
		Consent:   consent,
		Store:     store,
		Catalog:   app.catalog,
		Scheduler: app.scheduler,
		Gate:      gate,
	}, c.WorkerPoolSize, logger.With("module", "workflow"))

	app.api = httpapi.NewServer(httpapi.Options{
		Addr:      c.HTTPAddr,
		RateLimit: c.RateLimit,
		RateBurst: c.RateBurst,
	}, gate, app.flow, app.catalog, store, logger)

	if c.InboxDir != "" {
		dir, err := filex.EnsureDir(c.InboxDir)
		if err != nil {
			return nil, fmt.Errorf("inbox dir: %w", err)
		}
		app.inbox = inbox.NewWatcher(inbox.Options{Dir: dir, Rescan: c.InboxRescan}, app.flow, logger)
	}

	return app, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// resumeSync requests a sync for files left pending by an earlier run.
func (app *App) resumeSync(ctx context.Context) error {
	pending, err := app.catalog.Pending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	app.logger.Info(ctx, "files awaiting sync", "count", len(pending))
	return app.scheduler.EnqueueSync(ctx)
}

// Run serves until ctx is done or a shutdown signal arrives, then releases
// everything.
func (app *App) Run(ctx context.Context) (err error) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...", "transport", app.config.Transport)
	app.initSignalHandler(cancelFunc)

	defer func() {
		err = multierr.Append(err, app.close())
	}()

	if err := app.resumeSync(ctx); err != nil {
		app.logger.Warn(ctx, "resuming sync failed", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.api.Run(ctx) })
	g.Go(func() error { return app.worker.Run(ctx) })
	if app.inbox != nil {
		g.Go(func() error { return app.inbox.Run(ctx) })
	}

	err = g.Wait()
	app.logger.Info(context.Background(), "Stopped app")
	return err
}

func (app *App) close() error {
	var err error
	if app.flow != nil {
		err = multierr.Append(err, app.flow.Close())
		app.flow = nil
	}
	if c, ok := app.probe.(interface{ Close() error }); ok {
		err = multierr.Append(err, c.Close())
		app.probe = netx.AlwaysReachable
	}
	if app.keyring != nil {
		app.keyring.Close()
		app.keyring = nil
	}
	if app.db != nil {
		err = multierr.Append(err, app.db.Close())
		app.db = nil
	}
	return err
}
