package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/pharmrag/internal/loader"
)

const defaultDebounce = 500 * time.Millisecond

// IngestFunc receives the base name and content of a settled file.
type IngestFunc func(ctx context.Context, filename string, data []byte) error

// Watcher ingests files dropped into a directory. Several events for the
// same path inside the debounce window collapse into one ingestion.
type Watcher struct {
	dir      string
	ingest   IngestFunc
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

func New(dir string, debounce time.Duration, ingest IngestFunc) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		dir:      dir,
		ingest:   ingest,
		debounce: debounce,
		pending:  make(map[string]*time.Timer),
	}
}

// Run blocks until ctx is done. Files already present are ingested once at
// startup.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	logger := logutil.GetLogger(ctx).With(zap.String("dir", w.dir))
	logger.Info("watching drop folder", zap.Strings("extensions", loader.Extensions()))

	if err := w.scan(ctx); err != nil {
		logger.Error("initial scan failed", zap.Error(err))
	}

	defer w.drain()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !loader.Supported(event.Name) {
				continue
			}
			w.schedule(ctx, event.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Error("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) scan(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !loader.Supported(entry.Name()) {
			continue
		}
		w.schedule(ctx, filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok && t.Stop() {
		t.Reset(w.debounce)
		return
	}
	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.pending[path] == t {
			delete(w.pending, path)
		}
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		w.ingestFile(ctx, path)
	})
	w.pending[path] = t
}

// drain cancels timers that have not fired and waits for running ingests.
func (w *Watcher) drain() {
	w.mu.Lock()
	for path, t := range w.pending {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.pending, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Watcher) ingestFile(ctx context.Context, path string) {
	logger := logutil.GetLogger(ctx).With(zap.String("path", path))
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Error("read dropped file failed", zap.Error(err))
		}
		return
	}
	if err := w.ingest(ctx, filepath.Base(path), data); err != nil {
		logger.Error("ingest dropped file failed", zap.Error(err))
		return
	}
	logger.Info("dropped file ingested", zap.Int("bytes", len(data)))
}
