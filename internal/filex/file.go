// Package filex holds the small file-system helpers shared by the keyring
// and the encrypted file store: directory setup and crash-safe writes.
package filex

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
)

// TempPrefix marks in-progress writes. Files carrying it are never
// referenced by the catalog and may be swept at startup.
const TempPrefix = ".tmp-"

// EnsureDir creates dir (relative paths resolve against the working
// directory) with owner-only permissions and returns its absolute path.
func EnsureDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("abs %s: %w", dir, err)
	}

	if err := os.MkdirAll(abs, 0o700); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", abs, err)
	}

	return abs, nil
}

// WriteAtomic creates a temp file next to dest, lets fill write into it,
// fsyncs it and renames it over dest. On any failure the temp file is
// removed and dest is left untouched.
func WriteAtomic(dest string, perm os.FileMode, fill func(w io.Writer) error) (err error) {
	dir := filepath.Dir(dest)

	tmp, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp in %s: %w", dir, err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		// Close may already have happened; only removal matters here.
		_ = tmp.Close()
		if rmErr := os.Remove(tmp.Name()); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = multierr.Append(err, fmt.Errorf("remove temp: %w", rmErr))
		}
	}()

	if err = fill(tmp); err != nil {
		return err
	}
	if err = tmp.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("fsync temp: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err = os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("rename into %s: %w", dest, err)
	}

	committed = true
	return nil
}

// SweepTemp removes leftovers of interrupted WriteAtomic calls in dir and
// reports how many were deleted. A missing dir is not an error.
func SweepTemp(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read dir %s: %w", dir, err)
	}

	var (
		removed int
		errs    error
	)
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), TempPrefix) {
			continue
		}
		if rmErr := os.Remove(filepath.Join(dir, e.Name())); rmErr != nil {
			errs = multierr.Append(errs, rmErr)
			continue
		}
		removed++
	}
	return removed, errs
}
