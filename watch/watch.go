// Package watch keeps a collection in sync with a directory tree: file
// writes are debounced, re-embedded and applied as watch-mode upserts so
// the daemon's warm cache absorbs single-file edits without a reload.
package watch

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vecfs/vecfs/model"
)

// DefaultDebounce is how long a path must stay quiet before it is
// re-embedded. Editors fire several events per save.
const DefaultDebounce = 500 * time.Millisecond

// Embedder turns a changed file into points for the collection.
// Returning no points skips the file.
type Embedder interface {
	Embed(ctx context.Context, path string) ([]model.Point, error)
}

// Upserter is the subset of the store the watcher writes through.
type Upserter interface {
	UpsertPoints(ctx context.Context, name string, points []model.Point, watchMode bool) error
}

// Options configures a Watcher.
type Options struct {
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watcher applies file changes under a directory to one collection.
type Watcher struct {
	dir        string
	collection string
	embedder   Embedder
	upserter   Upserter
	debounce   time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// New creates a watcher for dir feeding the named collection.
func New(dir, collection string, embedder Embedder, upserter Upserter, optFns ...func(o *Options)) *Watcher {
	opts := Options{
		Debounce: DefaultDebounce,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Watcher{
		dir:        dir,
		collection: collection,
		embedder:   embedder,
		upserter:   upserter,
		debounce:   opts.Debounce,
		logger:     opts.Logger,
		pending:    make(map[string]*time.Timer),
	}
}

// Run watches until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	// fsnotify watches are per-directory; the whole tree is registered
	// up front and new directories as they appear.
	if err := addTree(fsw, w.dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			w.cancelPending()
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if event.Op&fsnotify.Create != 0 {
					if err := addTree(fsw, event.Name); err != nil {
						w.logger.Warn("watch add failed", "dir", event.Name, "error", err)
					}
				}
				continue
			}
			w.schedule(ctx, event.Name)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "dir", w.dir, "error", err)
		}
	}
}

func addTree(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return fsw.Add(path)
	})
}

// schedule (re)arms the debounce timer for a path.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.apply(ctx, path)
	})
}

func (w *Watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) apply(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}

	points, err := w.embedder.Embed(ctx, path)
	if err != nil {
		w.logger.Warn("embed failed", "path", path, "error", err)
		return
	}
	if len(points) == 0 {
		return
	}

	if err := w.upserter.UpsertPoints(ctx, w.collection, points, true); err != nil {
		w.logger.Warn("watch upsert failed",
			"collection", w.collection, "path", path, "error", err)
		return
	}

	w.logger.Debug("watch upsert applied",
		"collection", w.collection, "path", path, "points", len(points))
}
