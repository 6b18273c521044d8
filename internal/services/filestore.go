package services

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/medvault/internal/common"
	"github.com/dmitrijs2005/medvault/internal/cryptox"
	"github.com/dmitrijs2005/medvault/internal/filex"
	"github.com/dmitrijs2005/medvault/internal/logging"
	"github.com/dmitrijs2005/medvault/internal/models"
)

const (
	encExt          = ".enc"
	timestampLayout = "20060102_150405"
)

// SecureFileStore encrypts content and keeps it in the storage directory.
type SecureFileStore interface {
	// Persist reads src fully, encrypts it under the keyring master key and
	// stores it under a fresh name. Every failure wraps common.ErrStorageWrite;
	// a source that cannot be opened or is empty also wraps
	// common.ErrUnreadableSource. A failed call leaves no file behind.
	Persist(ctx context.Context, src Source) (*models.FileRecord, error)
	// Open decrypts a stored record into w.
	Open(ctx context.Context, rec models.FileRecord, w io.Writer) error
	// Remove deletes the ciphertext of rec. A missing file is not an error.
	Remove(ctx context.Context, rec models.FileRecord) error
	// SweepPartials removes leftovers of interrupted writes.
	SweepPartials(ctx context.Context) (int, error)
}

// FileStoreOptions configures the records Persist produces.
type FileStoreOptions struct {
	Dir                string
	BaseLabel          string
	DefaultCategory    models.Category
	DefaultDescription string
}

type secureFileStore struct {
	opts FileStoreOptions
	keys cryptox.KeyStore
	log  logging.Logger
	now  func() time.Time

	mu       sync.Mutex
	reserved map[string]struct{}
}

func NewSecureFileStore(opts FileStoreOptions, keys cryptox.KeyStore, log logging.Logger) SecureFileStore {
	if opts.BaseLabel == "" {
		opts.BaseLabel = "medical_file"
	}
	if opts.DefaultCategory == "" {
		opts.DefaultCategory = models.CategoryOther
	}
	return &secureFileStore{
		opts:     opts,
		keys:     keys,
		log:      log,
		now:      time.Now,
		reserved: make(map[string]struct{}),
	}
}

func storageError(err error) error {
	return fmt.Errorf("%w: %w", common.ErrStorageWrite, err)
}

func unreadable(name string, err error) error {
	return fmt.Errorf("%w: %w: %s: %w", common.ErrStorageWrite, common.ErrUnreadableSource, name, err)
}

func (s *secureFileStore) Persist(ctx context.Context, src Source) (*models.FileRecord, error) {
	s.log.Debug(ctx, "starting file encryption and storage", "source", src.Name())

	if err := ctx.Err(); err != nil {
		return nil, storageError(err)
	}

	rc, err := src.Open()
	if err != nil {
		return nil, unreadable(src.Name(), err)
	}
	defer rc.Close()

	br := bufio.NewReader(rc)
	if _, err := br.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty content")
		}
		return nil, unreadable(src.Name(), err)
	}

	key, err := s.keys.GetOrCreate(common.MasterKeyName)
	if err != nil {
		return nil, storageError(fmt.Errorf("get master key: %w", err))
	}

	createdAt := s.now()
	name, err := s.reserve(createdAt)
	if err != nil {
		return nil, storageError(err)
	}
	defer s.release(name)

	dest := filepath.Join(s.opts.Dir, name)
	err = filex.WriteAtomic(dest, 0o600, func(w io.Writer) error {
		return key.EncryptStream(w, &ctxReader{ctx: ctx, r: br}, []byte(name))
	})
	if err != nil {
		s.log.Warn(ctx, "file storage failed", "source", src.Name(), "error", err)
		return nil, storageError(err)
	}

	s.log.Info(ctx, "file encrypted and stored", "name", name)

	return &models.FileRecord{
		ID:          uuid.NewString(),
		DisplayName: name,
		Location:    dest,
		Description: s.opts.DefaultDescription,
		Category:    s.opts.DefaultCategory,
		Uploaded:    false,
		CreatedAt:   createdAt.UTC().Truncate(time.Millisecond),
	}, nil
}

// reserve picks <base>_<timestamp>.enc, adding _<n> until the name is free
// both on disk and among writes still in flight.
func (s *secureFileStore) reserve(at time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stem := s.opts.BaseLabel + "_" + at.Format(timestampLayout)
	for n := 0; ; n++ {
		name := stem + encExt
		if n > 0 {
			name = stem + "_" + strconv.Itoa(n) + encExt
		}
		if _, busy := s.reserved[name]; busy {
			continue
		}
		_, err := os.Stat(filepath.Join(s.opts.Dir, name))
		if errors.Is(err, os.ErrNotExist) {
			s.reserved[name] = struct{}{}
			return name, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", name, err)
		}
	}
}

func (s *secureFileStore) release(name string) {
	s.mu.Lock()
	delete(s.reserved, name)
	s.mu.Unlock()
}

func (s *secureFileStore) Open(ctx context.Context, rec models.FileRecord, w io.Writer) error {
	key, err := s.keys.GetOrCreate(common.MasterKeyName)
	if err != nil {
		return fmt.Errorf("get master key: %w", err)
	}

	f, err := os.Open(rec.Location)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", common.ErrIO, rec.DisplayName, err)
	}
	defer f.Close()

	name := filepath.Base(rec.Location)
	return key.DecryptStream(w, &ctxReader{ctx: ctx, r: f}, []byte(name))
}

func (s *secureFileStore) Remove(ctx context.Context, rec models.FileRecord) error {
	if filepath.Dir(rec.Location) != filepath.Clean(s.opts.Dir) {
		return fmt.Errorf("%w: %s is outside the storage dir", common.ErrIO, rec.Location)
	}
	if err := os.Remove(rec.Location); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %w", common.ErrIO, rec.DisplayName, err)
	}
	s.log.Debug(ctx, "stored file removed", "name", rec.DisplayName)
	return nil
}

func (s *secureFileStore) SweepPartials(ctx context.Context) (int, error) {
	n, err := filex.SweepTemp(s.opts.Dir)
	if n > 0 {
		s.log.Info(ctx, "removed partial writes", "count", n)
	}
	return n, err
}

// ctxReader stops a long read once ctx is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
