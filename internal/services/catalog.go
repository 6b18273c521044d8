package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/medvault/internal/common"
	"github.com/dmitrijs2005/medvault/internal/logging"
	"github.com/dmitrijs2005/medvault/internal/models"
	"github.com/dmitrijs2005/medvault/internal/repositories/files"
)

// Snapshot is one published state of the catalog. Version grows by one on
// every change, so a consumer can tell an older snapshot from a newer one.
type Snapshot struct {
	Version uint64
	Files   []models.FileRecord
}

// FileCatalog is the ordered registry of stored files.
//
// The SQLite table is the source of truth; readers get an immutable
// in-memory snapshot that is replaced whole on every change.
type FileCatalog interface {
	// List returns the current records in insertion order.
	List() []models.FileRecord
	// Snapshot returns the current records together with their version.
	Snapshot() Snapshot
	// Subscribe delivers the current snapshot and then every change until
	// ctx is done. Slow subscribers only see the latest snapshot.
	Subscribe(ctx context.Context) <-chan Snapshot
	// Add appends rec. A known ID yields common.ErrAlreadyExists.
	Add(ctx context.Context, rec models.FileRecord) error
	// MarkUploaded flips uploaded to true. It never clears the flag.
	MarkUploaded(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*models.FileRecord, error)
	Pending(ctx context.Context) ([]models.FileRecord, error)
}

// Catalog implements FileCatalog over a files.Repository.
type Catalog struct {
	repo files.Repository
	log  logging.Logger

	snap atomic.Pointer[Snapshot]

	mu     sync.Mutex // serialises writers and subscriber bookkeeping
	nextID int
	subs   map[int]chan Snapshot
}

func NewFileCatalog(repo files.Repository, log logging.Logger) *Catalog {
	c := &Catalog{
		repo: repo,
		log:  log,
		subs: make(map[int]chan Snapshot),
	}
	c.snap.Store(&Snapshot{Files: []models.FileRecord{}})
	return c
}

// Load replaces the snapshot with the records stored on disk.
func (c *Catalog) Load(ctx context.Context) error {
	recs, err := c.repo.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("%w: load catalog: %w", common.ErrPersistence, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.publish(recs)
	c.log.Info(ctx, "catalog loaded", "files", len(recs))
	return nil
}

// demoFiles are placeholders for files that already live on the backend.
var demoFiles = []models.FileRecord{
	{DisplayName: "file1.pdf", Location: "/mock/path/file1.pdf", Category: models.CategoryPrescription},
	{DisplayName: "file2.pdf", Location: "/mock/path/file2.pdf", Category: models.CategoryOther},
	{DisplayName: "file3.pdf", Location: "/mock/path/file3.pdf", Category: models.CategoryLabResult},
}

// SeedDemo adds the demo records when the catalog is empty. They are marked
// uploaded since there is no local ciphertext behind them.
func (c *Catalog) SeedDemo(ctx context.Context, newID func() string) error {
	if len(c.current()) > 0 {
		return nil
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	for _, d := range demoFiles {
		rec := d
		rec.ID = newID()
		rec.Uploaded = true
		rec.CreatedAt = now
		if err := c.Add(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (c *Catalog) List() []models.FileRecord {
	return models.CloneRecords(c.current())
}

func (c *Catalog) Snapshot() Snapshot {
	s := c.snap.Load()
	return Snapshot{Version: s.Version, Files: models.CloneRecords(s.Files)}
}

// current is the shared record slice. It must not be modified.
func (c *Catalog) current() []models.FileRecord {
	return c.snap.Load().Files
}

func (c *Catalog) Subscribe(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 1)

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	ch <- c.Snapshot()
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.subs, id)
		close(ch)
		c.mu.Unlock()
	}()

	return ch
}

func (c *Catalog) Add(ctx context.Context, rec models.FileRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.current()
	for _, r := range cur {
		if r.ID == rec.ID {
			return fmt.Errorf("file %s: %w", rec.ID, common.ErrAlreadyExists)
		}
	}

	if err := c.repo.Insert(ctx, &rec); err != nil {
		if errors.Is(err, common.ErrAlreadyExists) {
			return err
		}
		return fmt.Errorf("%w: %w", common.ErrPersistence, err)
	}

	next := make([]models.FileRecord, len(cur), len(cur)+1)
	copy(next, cur)
	c.publish(append(next, rec))

	c.log.Debug(ctx, "file added to catalog", "id", rec.ID, "name", rec.DisplayName)
	return nil
}

func (c *Catalog) MarkUploaded(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.repo.MarkUploaded(ctx, id); err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return err
		}
		return fmt.Errorf("%w: %w", common.ErrPersistence, err)
	}

	cur := c.current()
	for i, r := range cur {
		if r.ID != id {
			continue
		}
		if r.Uploaded {
			return nil
		}
		next := models.CloneRecords(cur)
		next[i].Uploaded = true
		c.publish(next)
		c.log.Debug(ctx, "file marked uploaded", "id", id)
		return nil
	}
	return nil
}

func (c *Catalog) Get(ctx context.Context, id string) (*models.FileRecord, error) {
	for _, r := range c.current() {
		if r.ID == id {
			rec := r
			return &rec, nil
		}
	}
	return c.repo.GetByID(ctx, id)
}

func (c *Catalog) Pending(ctx context.Context) ([]models.FileRecord, error) {
	recs, err := c.repo.GetAllPendingUpload(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrPersistence, err)
	}
	return recs, nil
}

// publish swaps in recs under the next version and hands the result to
// every subscriber. c.mu must be held.
func (c *Catalog) publish(recs []models.FileRecord) {
	next := &Snapshot{Version: c.snap.Load().Version + 1, Files: recs}
	c.snap.Store(next)
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- Snapshot{Version: next.Version, Files: models.CloneRecords(recs)}:
		default:
		}
	}
}
