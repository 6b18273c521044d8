// Package transport holds the pluggable backends that receive encrypted
// files during background sync. Only ciphertext ever leaves the device.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/dmitrijs2005/medvault/internal/common"
	"github.com/dmitrijs2005/medvault/internal/config"
	"github.com/dmitrijs2005/medvault/internal/models"
)

var ErrUnknownTransport = errors.New("unknown transport")

// Object is one encrypted file handed to an Uploader.
type Object struct {
	Key    string
	Record models.FileRecord
	Body   io.Reader
	Size   int64
}

// ObjectKey is the remote name of a record's ciphertext.
func ObjectKey(prefix string, rec models.FileRecord) string {
	return prefix + rec.ID + ".enc"
}

// Uploader ships one object to the remote backend. Errors should wrap
// common.ErrPermanentSync when retrying cannot help; anything else is
// treated as transient.
type Uploader interface {
	Name() string
	Upload(ctx context.Context, obj Object) error
}

// Options carries everything a Factory may need.
type Options struct {
	S3         config.S3Config
	UploadURL  string
	HTTPClient *http.Client
}

type Factory func(ctx context.Context, opts Options) (Uploader, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		"noop": func(context.Context, Options) (Uploader, error) { return Noop{}, nil },
		"s3": func(ctx context.Context, opts Options) (Uploader, error) {
			return NewS3Uploader(ctx, opts.S3)
		},
		"http": func(_ context.Context, opts Options) (Uploader, error) {
			return NewHTTPUploader(opts.UploadURL, opts.HTTPClient)
		},
	}
)

// Register adds or replaces a named factory.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New builds the uploader registered under name.
func New(ctx context.Context, name string, opts Options) (Uploader, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, name)
	}
	return f(ctx, opts)
}

// Names lists the registered transports, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Noop accepts everything. It is the default while no real backend exists.
type Noop struct{}

func (Noop) Name() string { return "noop" }

func (Noop) Upload(ctx context.Context, obj Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := io.Copy(io.Discard, obj.Body)
	return err
}

// IsPermanent reports whether err should stop retrying.
func IsPermanent(err error) bool {
	return errors.Is(err, common.ErrPermanentSync) || errors.Is(err, common.ErrorUnauthorized)
}

// permanentStatus reports HTTP statuses retrying cannot fix.
func permanentStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return false
	case code >= 400 && code < 500:
		return true
	default:
		return false
	}
}

func classify(err error, permanent bool) error {
	if permanent {
		return fmt.Errorf("%w: %w", common.ErrPermanentSync, err)
	}
	return fmt.Errorf("%w: %w", common.ErrTransientSync, err)
}
