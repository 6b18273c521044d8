package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/medvault/internal/common"
	"github.com/dmitrijs2005/medvault/internal/logging"
	"github.com/dmitrijs2005/medvault/internal/models"
	"github.com/dmitrijs2005/medvault/internal/services"
)

var ErrInvalidTransition = errors.New("action not allowed in current phase")

// Authorizer gates every action behind a live session.
type Authorizer interface {
	Authorize(ctx context.Context) error
}

// Deps are the services the workflow orchestrates.
type Deps struct {
	Consent   services.ConsentStore
	Store     services.SecureFileStore
	Catalog   services.FileCatalog
	Scheduler services.SyncScheduler
	Gate      Authorizer
}

type envelope struct {
	ev   Event
	done chan State
}

// Workflow is the single writer of State.
type Workflow struct {
	deps Deps
	log  logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	pool   *errgroup.Group
	events chan envelope
	loop   sync.WaitGroup

	// closing orders pool.Go against pool.Wait in Close.
	closing sync.RWMutex
	closed  bool

	mu         sync.Mutex
	state      State
	subs       map[int]chan State
	nextSub    int
	lastSource services.Source
	watching   bool
}

// New starts a workflow. poolSize bounds the blocking work in flight.
// Close releases it.
func New(deps Deps, poolSize int, log logging.Logger) *Workflow {
	if poolSize <= 0 {
		poolSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	pool, ctx := errgroup.WithContext(ctx)
	pool.SetLimit(poolSize)

	w := &Workflow{
		deps:   deps,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		pool:   pool,
		events: make(chan envelope),
		state:  initialState(),
		subs:   make(map[int]chan State),
	}

	w.loop.Add(1)
	go w.run()
	return w
}

func (w *Workflow) run() {
	defer w.loop.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case env := <-w.events:
			w.mu.Lock()
			next := Reduce(w.state, env.ev)
			w.state = next
			w.publish(next)
			w.mu.Unlock()
			env.done <- next.clone()
		}
	}
}

// dispatch applies ev and waits until the new state is published.
func (w *Workflow) dispatch(ev Event) (State, error) {
	env := envelope{ev: ev, done: make(chan State, 1)}
	select {
	case <-w.ctx.Done():
		return State{}, common.ErrClosed
	case w.events <- env:
	}
	return <-env.done, nil
}

// publish hands s to subscribers, dropping stale values. w.mu must be held.
func (w *Workflow) publish(s State) {
	for _, ch := range w.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s.clone():
		default:
		}
	}
}

// State returns a copy of the current state.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.clone()
}

// Subscribe delivers the current state and every later one until ctx is
// done or the workflow closes.
func (w *Workflow) Subscribe(ctx context.Context) <-chan State {
	ch := make(chan State, 1)

	w.mu.Lock()
	id := w.nextSub
	w.nextSub++
	w.subs[id] = ch
	ch <- w.state.clone()
	w.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-w.ctx.Done():
		}
		w.mu.Lock()
		delete(w.subs, id)
		close(ch)
		w.mu.Unlock()
	}()
	return ch
}

// submit runs fn on the pool and waits for its error. Waiting stops early
// when ctx is done; fn itself only stops when the workflow closes.
func (w *Workflow) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	w.closing.RLock()
	if w.closed || w.ctx.Err() != nil {
		w.closing.RUnlock()
		return common.ErrClosed
	}
	res := make(chan error, 1)
	w.pool.Go(func() error {
		res <- fn(w.ctx)
		// failures are reported through state, never by tearing down the pool
		return nil
	})
	w.closing.RUnlock()

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start loads the consent text and begins following the catalog.
func (w *Workflow) Start(ctx context.Context) error {
	if err := w.deps.Gate.Authorize(ctx); err != nil {
		return err
	}
	if err := w.LoadFiles(ctx); err != nil {
		return err
	}
	if _, err := w.dispatch(ConsentRequested{}); err != nil {
		return err
	}

	return w.submit(ctx, func(ctx context.Context) error {
		st, err := w.deps.Consent.Status(ctx)
		if err != nil {
			w.log.Warn(ctx, "loading consent failed", "error", err)
			_, _ = w.dispatch(ConsentLoadFailed{Err: err})
			return err
		}
		_, err = w.dispatch(ConsentLoaded{Status: st})
		return err
	})
}

// AcceptConsent records the user's acceptance. Accepting twice is a no-op.
func (w *Workflow) AcceptConsent(ctx context.Context) error {
	if err := w.deps.Gate.Authorize(ctx); err != nil {
		return err
	}

	cur := w.State()
	if cur.Accepted {
		return nil
	}
	if cur.ConsentContent == "" {
		return fmt.Errorf("%w: consent not loaded", ErrInvalidTransition)
	}

	if _, err := w.dispatch(AcceptRequested{}); err != nil {
		return err
	}

	return w.submit(ctx, func(ctx context.Context) error {
		ok, err := w.deps.Consent.RecordAcceptance(ctx)
		if err == nil && !ok {
			err = errors.New("consent rejected")
		}
		if err != nil {
			w.log.Warn(ctx, "writing consent failed", "error", err)
			_, _ = w.dispatch(ConsentAcceptFailed{Err: err})
			return err
		}
		_, err = w.dispatch(ConsentAccepted{})
		return err
	})
}

// SelectFile stores src encrypted, registers it in the catalog and
// requests a sync. Without accepted consent it fails with
// common.ErrConsentRequired and changes nothing.
func (w *Workflow) SelectFile(ctx context.Context, src services.Source) (*models.FileRecord, error) {
	if err := w.deps.Gate.Authorize(ctx); err != nil {
		return nil, err
	}
	if !w.State().CanUpload() {
		return nil, common.ErrConsentRequired
	}

	w.mu.Lock()
	w.lastSource = src
	w.mu.Unlock()

	if _, err := w.dispatch(UploadStarted{}); err != nil {
		return nil, err
	}

	var rec *models.FileRecord
	err := w.submit(ctx, func(ctx context.Context) error {
		r, err := w.upload(ctx, src)
		if err != nil {
			w.log.Warn(ctx, "upload failed", "source", src.Name(), "error", err)
			_, _ = w.dispatch(UploadFailed{Err: err})
			return err
		}
		rec = r
		_, err = w.dispatch(UploadSucceeded{Record: *r})
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (w *Workflow) upload(ctx context.Context, src services.Source) (*models.FileRecord, error) {
	rec, err := w.deps.Store.Persist(ctx, src)
	if err != nil {
		return nil, err
	}

	if err := w.deps.Catalog.Add(ctx, *rec); err != nil {
		// keep store and catalog in step: no entry, no file
		if rmErr := w.deps.Store.Remove(ctx, *rec); rmErr != nil {
			w.log.Error(ctx, "removing unregistered file failed", "file", rec.DisplayName, "error", rmErr)
		}
		return nil, err
	}

	if err := w.deps.Scheduler.EnqueueSync(ctx); err != nil {
		// the file is safe locally; the next request or restart picks it up
		w.log.Warn(ctx, "sync request failed", "error", err)
	}

	w.log.Info(ctx, "file uploaded", "id", rec.ID, "name", rec.DisplayName)
	return rec, nil
}

// LoadFiles publishes the catalog and keeps following it. Repeated calls
// only refresh the list.
func (w *Workflow) LoadFiles(ctx context.Context) error {
	if err := w.deps.Gate.Authorize(ctx); err != nil {
		return err
	}

	w.mu.Lock()
	start := !w.watching
	w.watching = true
	w.mu.Unlock()

	if start {
		updates := w.deps.Catalog.Subscribe(w.ctx)
		go func() {
			for snap := range updates {
				if _, err := w.dispatch(FilesChanged{Version: snap.Version, Files: snap.Files}); err != nil {
					return
				}
			}
		}()
	}

	snap := w.deps.Catalog.Snapshot()
	_, err := w.dispatch(FilesChanged{Version: snap.Version, Files: snap.Files})
	return err
}

// Retry re-runs the action that last failed. Without a failure it does
// nothing.
func (w *Workflow) Retry(ctx context.Context) error {
	switch w.State().Failed {
	case ActionStart:
		return w.Start(ctx)
	case ActionAccept:
		return w.AcceptConsent(ctx)
	case ActionSelectFile:
		w.mu.Lock()
		src := w.lastSource
		w.mu.Unlock()
		if src == nil {
			return nil
		}
		_, err := w.SelectFile(ctx, src)
		return err
	default:
		return nil
	}
}

// Close abandons in-flight work and stops the workflow. Durable sync
// requests already enqueued are unaffected.
func (w *Workflow) Close() error {
	w.cancel()
	w.closing.Lock()
	w.closed = true
	w.closing.Unlock()
	err := w.pool.Wait()
	w.loop.Wait()
	return err
}
