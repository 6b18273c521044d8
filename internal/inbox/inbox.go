// Package inbox turns files dropped into a directory into uploads.
//
// A file is submitted once it has been quiet for the settle period. On
// success it is removed from the inbox. Files refused because there is no
// session or no consent yet stay put and are retried on the next rescan;
// files that fail for other reasons are retried only after they change.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dmitrijs2005/medvault/internal/common"
	"github.com/dmitrijs2005/medvault/internal/logging"
	"github.com/dmitrijs2005/medvault/internal/models"
	"github.com/dmitrijs2005/medvault/internal/services"
)

// Submitter accepts a picked file.
type Submitter interface {
	SelectFile(ctx context.Context, src services.Source) (*models.FileRecord, error)
}

type Options struct {
	Dir    string
	Settle time.Duration
	Rescan time.Duration
}

type Watcher struct {
	opts   Options
	submit Submitter
	log    logging.Logger

	seen   map[string]time.Time // path -> last event
	failed map[string]time.Time // path -> mod time that failed
}

func NewWatcher(opts Options, submit Submitter, log logging.Logger) *Watcher {
	if opts.Settle <= 0 {
		opts.Settle = 500 * time.Millisecond
	}
	if opts.Rescan <= 0 {
		opts.Rescan = 30 * time.Second
	}
	return &Watcher{
		opts:   opts,
		submit: submit,
		log:    log.With("module", "inbox"),
		seen:   make(map[string]time.Time),
		failed: make(map[string]time.Time),
	}
}

// Run watches the inbox until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.opts.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.opts.Dir, err)
	}
	w.log.Info(ctx, "watching inbox", "dir", w.opts.Dir)

	w.scan(ctx)

	tick := time.NewTicker(w.opts.Settle / 2)
	defer tick.Stop()
	lastScan := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 && candidate(event.Name) {
				w.seen[event.Name] = time.Now()
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn(ctx, "watcher error", "error", err)

		case now := <-tick.C:
			if now.Sub(lastScan) >= w.opts.Rescan {
				lastScan = now
				w.scan(ctx)
			}
			for path, at := range w.seen {
				if now.Sub(at) >= w.opts.Settle {
					delete(w.seen, path)
					w.process(ctx, path)
				}
			}
		}
	}
}

func candidate(path string) bool {
	base := filepath.Base(path)
	return !strings.HasPrefix(base, ".") && !strings.HasSuffix(base, "~")
}

// scan queues files already sitting in the inbox.
func (w *Watcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.opts.Dir)
	if err != nil {
		w.log.Warn(ctx, "inbox scan failed", "error", err)
		return
	}
	for _, e := range entries {
		path := filepath.Join(w.opts.Dir, e.Name())
		if e.IsDir() || !candidate(path) {
			continue
		}
		if _, queued := w.seen[path]; !queued {
			w.seen[path] = time.Time{}
		}
	}
}

func (w *Watcher) process(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		delete(w.failed, path)
		return
	}
	if mt, ok := w.failed[path]; ok && mt.Equal(info.ModTime()) {
		return
	}

	rec, err := w.submit.SelectFile(ctx, services.FileSource{Path: path})
	switch {
	case err == nil:
		delete(w.failed, path)
		if err := os.Remove(path); err != nil {
			// never submit the same content twice
			w.failed[path] = info.ModTime()
			w.log.Error(ctx, "removing submitted file failed", "path", path, "error", err)
		}
		w.log.Info(ctx, "inbox file submitted", "path", path, "id", rec.ID)

	case errors.Is(err, common.ErrConsentRequired), errors.Is(err, common.ErrorUnauthorized):
		w.log.Info(ctx, "inbox file waiting", "path", path, "reason", err)

	case ctx.Err() != nil:
		// shutting down; the file is picked up on the next start

	default:
		w.failed[path] = info.ModTime()
		w.log.Warn(ctx, "inbox file rejected", "path", path, "error", err)
	}
}
