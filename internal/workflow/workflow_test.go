package workflow

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/medvault/internal/common"
	"github.com/dmitrijs2005/medvault/internal/cryptox"
	"github.com/dmitrijs2005/medvault/internal/dbx"
	"github.com/dmitrijs2005/medvault/internal/logging"
	"github.com/dmitrijs2005/medvault/internal/models"
	"github.com/dmitrijs2005/medvault/internal/repositories/files"
	"github.com/dmitrijs2005/medvault/internal/repositories/jobs"
	"github.com/dmitrijs2005/medvault/internal/services"
)

var errBoom = errors.New("boom")

type fakeConsent struct {
	mu         sync.Mutex
	text       string
	accepted   bool
	fetchErr   error
	acceptErr  error
	acceptRuns int
}

func (f *fakeConsent) FetchText(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text, f.fetchErr
}

func (f *fakeConsent) RecordAcceptance(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acceptRuns++
	if f.acceptErr != nil {
		return false, f.acceptErr
	}
	f.accepted = true
	return true, nil
}

func (f *fakeConsent) Status(ctx context.Context) (models.ConsentStatus, error) {
	text, err := f.FetchText(ctx)
	if err != nil {
		return models.ConsentStatus{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return models.ConsentStatus{Content: text, Accepted: f.accepted}, nil
}

type countingScheduler struct{ n atomic.Int32 }

func (s *countingScheduler) EnqueueSync(context.Context) error {
	s.n.Add(1)
	return nil
}

type gate struct{ err error }

func (g gate) Authorize(context.Context) error { return g.err }

// blockingStore waits for ctx before failing, to observe cancellation.
type blockingStore struct {
	services.SecureFileStore
	entered chan struct{}
}

func (b *blockingStore) Persist(ctx context.Context, _ services.Source) (*models.FileRecord, error) {
	close(b.entered)
	<-ctx.Done()
	return nil, ctx.Err()
}

// failingCatalog accepts reads but refuses Add.
type failingCatalog struct {
	services.FileCatalog
}

func (failingCatalog) Add(context.Context, models.FileRecord) error { return errBoom }

// staleCatalog runs onStale once, after the snapshot it is about to return
// has been taken, so the caller receives a snapshot that is already old.
type staleCatalog struct {
	services.FileCatalog
	armed   atomic.Bool
	onStale func()
}

func (c *staleCatalog) Snapshot() services.Snapshot {
	snap := c.FileCatalog.Snapshot()
	if c.armed.CompareAndSwap(true, false) {
		c.onStale()
	}
	return snap
}

type fixture struct {
	wf        *Workflow
	consent   *fakeConsent
	catalog   *services.Catalog
	store     services.SecureFileStore
	scheduler *countingScheduler
	dir       string
	deps      Deps
}

func newFixture(t *testing.T, mutate ...func(*Deps)) *fixture {
	t.Helper()
	db, err := dbx.InitDatabase(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := logging.Discard()
	f := &fixture{
		consent:   &fakeConsent{text: "Please read it carefully."},
		catalog:   services.NewFileCatalog(files.NewSQLiteRepository(db), log),
		scheduler: &countingScheduler{},
		dir:       t.TempDir(),
	}
	f.store = services.NewSecureFileStore(services.FileStoreOptions{Dir: f.dir}, cryptox.NewMemoryKeyring(), log)

	f.deps = Deps{
		Consent:   f.consent,
		Store:     f.store,
		Catalog:   f.catalog,
		Scheduler: f.scheduler,
		Gate:      gate{},
	}
	for _, m := range mutate {
		m(&f.deps)
	}
	f.wf = New(f.deps, 2, log)
	t.Cleanup(func() { _ = f.wf.Close() })
	return f
}

func (f *fixture) ready(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.wf.Start(ctx))
	require.NoError(t, f.wf.AcceptConsent(ctx))
}

func dirEntries(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(entries)
}

func report() services.Source {
	return services.ReaderSource{Filename: "report.pdf", Data: []byte("%PDF-1.7 results")}
}

func TestWorkflow_ScenarioA_ConsentShownNotAccepted(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.wf.Start(context.Background()))

	s := f.wf.State()
	assert.Equal(t, "Please read it carefully.", s.ConsentContent)
	assert.False(t, s.Accepted)
	assert.False(t, s.CanUpload())
	assert.Equal(t, PhaseAwaitingAcceptance, s.Phase)
}

func TestWorkflow_ScenarioB_AcceptEnablesUpload(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	s := f.wf.State()
	assert.True(t, s.Accepted)
	assert.True(t, s.CanUpload())
	assert.Equal(t, PhaseReady, s.Phase)
}

func TestWorkflow_ScenarioC_UploadAppendsAndSchedulesOnce(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	ctx := context.Background()

	existing := models.FileRecord{ID: "seed", DisplayName: "file1.pdf", Category: models.CategoryPrescription}
	require.NoError(t, f.catalog.Add(ctx, existing))

	rec, err := f.wf.SelectFile(ctx, report())
	require.NoError(t, err)
	assert.False(t, rec.Uploaded)

	list := f.catalog.List()
	require.Len(t, list, 2)
	assert.Equal(t, rec.ID, list[1].ID, "appended at the end")
	assert.EqualValues(t, 1, f.scheduler.n.Load())

	require.Eventually(t, func() bool { return len(f.wf.State().Files) == 2 }, 2*time.Second, 10*time.Millisecond)
	s := f.wf.State()
	assert.Equal(t, PhaseReady, s.Phase)
	assert.Empty(t, s.Error)

	var plain bytes.Buffer
	require.NoError(t, f.store.Open(ctx, *rec, &plain))
	assert.Equal(t, "%PDF-1.7 results", plain.String())
}

func TestWorkflow_ScenarioD_UnreadableSource(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	_, err := f.wf.SelectFile(context.Background(), services.ReaderSource{Filename: "empty.pdf"})
	require.ErrorIs(t, err, common.ErrUnreadableSource)

	s := f.wf.State()
	assert.Equal(t, PhaseError, s.Phase)
	assert.Contains(t, s.Error, "Failed to upload file: ")
	assert.Empty(t, f.catalog.List())
	assert.Zero(t, f.scheduler.n.Load())
}

func TestWorkflow_ConsentGateRejectsUpload(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.wf.Start(context.Background()))
	before := f.wf.State()

	_, err := f.wf.SelectFile(context.Background(), report())
	require.ErrorIs(t, err, common.ErrConsentRequired)

	assert.Empty(t, f.catalog.List())
	assert.Zero(t, dirEntries(t, f.dir))
	after := f.wf.State()
	assert.Equal(t, before.Phase, after.Phase)
	assert.Empty(t, after.Error)
	assert.Empty(t, after.Files)
}

func TestWorkflow_AcceptTwiceRecordsOnce(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	require.NoError(t, f.wf.AcceptConsent(context.Background()))
	assert.True(t, f.wf.State().Accepted)
	assert.Equal(t, 1, f.consent.acceptRuns)
}

func TestWorkflow_AcceptBeforeConsentLoaded(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.wf.AcceptConsent(context.Background()), ErrInvalidTransition)
}

func TestWorkflow_ConsentErrorsAndRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.consent.fetchErr = errBoom
	require.ErrorIs(t, f.wf.Start(ctx), errBoom)
	assert.Equal(t, MsgConsentLoadFailed, f.wf.State().Error)

	f.consent.fetchErr = nil
	require.NoError(t, f.wf.Retry(ctx))
	assert.Equal(t, PhaseAwaitingAcceptance, f.wf.State().Phase)
	assert.Empty(t, f.wf.State().Error)

	f.consent.acceptErr = errBoom
	require.ErrorIs(t, f.wf.AcceptConsent(ctx), errBoom)
	assert.Equal(t, MsgConsentWriteFailed, f.wf.State().Error)
	assert.False(t, f.wf.State().Accepted)

	f.consent.acceptErr = nil
	require.NoError(t, f.wf.Retry(ctx))
	assert.True(t, f.wf.State().Accepted)
	assert.Equal(t, PhaseReady, f.wf.State().Phase)
}

type flakySource struct {
	fail atomic.Bool
}

func (s *flakySource) Name() string { return "flaky.pdf" }
func (s *flakySource) Open() (io.ReadCloser, error) {
	if s.fail.Load() {
		return nil, errBoom
	}
	return io.NopCloser(bytes.NewReader([]byte("ok"))), nil
}

func TestWorkflow_RetryUpload(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	ctx := context.Background()

	src := &flakySource{}
	src.fail.Store(true)
	_, err := f.wf.SelectFile(ctx, src)
	require.Error(t, err)
	assert.Equal(t, ActionSelectFile, f.wf.State().Failed)

	src.fail.Store(false)
	require.NoError(t, f.wf.Retry(ctx))
	assert.Len(t, f.catalog.List(), 1)
	assert.Equal(t, PhaseReady, f.wf.State().Phase)

	require.NoError(t, f.wf.Retry(ctx), "nothing to retry")
	assert.Len(t, f.catalog.List(), 1)
}

func TestWorkflow_CatalogFailureRemovesStoredFile(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Catalog = failingCatalog{FileCatalog: d.Catalog}
	})
	f.ready(t)

	_, err := f.wf.SelectFile(context.Background(), report())
	require.ErrorIs(t, err, errBoom)
	assert.Zero(t, dirEntries(t, f.dir))
	assert.Zero(t, f.scheduler.n.Load())
}

func TestWorkflow_RequiresSession(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Gate = gate{err: common.ErrorUnauthorized} })
	ctx := context.Background()

	require.ErrorIs(t, f.wf.Start(ctx), common.ErrorUnauthorized)
	require.ErrorIs(t, f.wf.AcceptConsent(ctx), common.ErrorUnauthorized)
	_, err := f.wf.SelectFile(ctx, report())
	require.ErrorIs(t, err, common.ErrorUnauthorized)
	require.ErrorIs(t, f.wf.LoadFiles(ctx), common.ErrorUnauthorized)
	assert.Equal(t, PhaseIdle, f.wf.State().Phase)
}

func TestWorkflow_SubscribeSeesWholeStates(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := f.wf.Subscribe(ctx)
	first := <-updates
	assert.Equal(t, PhaseIdle, first.Phase)

	require.NoError(t, f.wf.Start(ctx))

	require.Eventually(t, func() bool {
		select {
		case s := <-updates:
			return s.Phase == PhaseAwaitingAcceptance && s.ConsentContent != ""
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWorkflow_CloseAbandonsInFlightUpload(t *testing.T) {
	bs := &blockingStore{entered: make(chan struct{})}
	f := newFixture(t, func(d *Deps) {
		bs.SecureFileStore = d.Store
		d.Store = bs
	})
	f.ready(t)

	errs := make(chan error, 1)
	go func() {
		_, err := f.wf.SelectFile(context.Background(), report())
		errs <- err
	}()
	<-bs.entered

	require.NoError(t, f.wf.Close())

	select {
	case err := <-errs:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("upload did not stop")
	}
	assert.Empty(t, f.catalog.List())

	_, err := f.wf.SelectFile(context.Background(), report())
	require.Error(t, err)
}

func TestWorkflow_ConcurrentUploads(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.wf.SelectFile(context.Background(), report())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, f.catalog.List(), 6)
	assert.Equal(t, 6, dirEntries(t, f.dir))
	s := f.wf.State()
	assert.Equal(t, PhaseReady, s.Phase)
	assert.Zero(t, s.Uploads)
}

func TestWorkflow_EnqueuedSyncSurvivesClose(t *testing.T) {
	db, err := dbx.InitDatabase(context.Background(), ":memory:")
	require.NoError(t, err)
	defer db.Close()

	repo := jobs.NewSQLiteRepository(db)
	f := newFixture(t, func(d *Deps) {
		d.Scheduler = services.NewSyncScheduler(repo, logging.Discard())
	})
	f.ready(t)

	_, err = f.wf.SelectFile(context.Background(), report())
	require.NoError(t, err)
	require.NoError(t, f.wf.Close())

	n, err := repo.CountOutstanding(context.Background(), common.SyncJobKind)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWorkflow_StaleCatalogReadDoesNotRevertFiles(t *testing.T) {
	sc := &staleCatalog{}
	f := newFixture(t, func(d *Deps) {
		sc.FileCatalog = d.Catalog
		d.Catalog = sc
	})
	ctx := context.Background()

	rec := models.FileRecord{ID: "r1", DisplayName: "file1.pdf", Category: models.CategoryOther}
	require.NoError(t, f.catalog.Add(ctx, rec))
	require.NoError(t, f.wf.LoadFiles(ctx))
	require.Eventually(t, func() bool { return len(f.wf.State().Files) == 1 }, 2*time.Second, 5*time.Millisecond)

	uploaded := func() bool {
		s := f.wf.State()
		return len(s.Files) == 1 && s.Files[0].Uploaded
	}
	sc.onStale = func() {
		require.NoError(t, f.catalog.MarkUploaded(ctx, rec.ID))
		require.Eventually(t, uploaded, 2*time.Second, 5*time.Millisecond)
	}
	sc.armed.Store(true)

	require.NoError(t, f.wf.LoadFiles(ctx))
	assert.False(t, sc.armed.Load(), "stale read happened")
	assert.True(t, f.catalog.List()[0].Uploaded)
	assert.True(t, uploaded(), "uploaded flag went back to false")
}

func TestWorkflow_CloseRacesWithNewWork(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.wf.SelectFile(context.Background(), report())
		}()
	}
	require.NoError(t, f.wf.Close())

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("uploads did not return after close")
	}

	err := f.wf.submit(context.Background(), func(context.Context) error {
		t.Error("work ran after close")
		return nil
	})
	require.ErrorIs(t, err, common.ErrClosed)
}
