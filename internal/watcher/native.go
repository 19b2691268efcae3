package watcher

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	hearth "github.com/hearth-dev/hearth/internal/errors"
)

// recordBuffer bounds the raw record stream between the OS event loop and
// the debouncer.
const recordBuffer = 256

// nativeWatcher wraps fsnotify. OS notification semantics vary: flags for
// "created vs renamed" may be absent or ambiguous, so classification falls
// back to an existence probe where needed.
type nativeWatcher struct {
	watcher *fsnotify.Watcher
	filters []PathFilter
	out     chan ChangeRecord

	// dirs is the set of directories currently attached. A removed or
	// renamed directory no longer exists on disk, so a stat probe cannot
	// identify it; this set can.
	mu   sync.Mutex
	dirs map[string]struct{}

	stopOnce sync.Once
	stopErr  error
}

func newNativeWatcher(opts Options) (*nativeWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		// Descriptor exhaustion or missing permission. Fatal to the dev
		// server; the caller decides whether polling is an acceptable
		// fallback, not us.
		return nil, hearth.NewWatchSetupError("cannot create filesystem watcher", err)
	}

	return &nativeWatcher{
		watcher: fsw,
		filters: opts.Filters,
		out:     make(chan ChangeRecord, recordBuffer),
		dirs:    make(map[string]struct{}),
	}, nil
}

// Start attaches the given roots (recursively) and begins emitting records.
func (w *nativeWatcher) Start(ctx context.Context, paths []string) (<-chan ChangeRecord, error) {
	for _, root := range paths {
		if err := w.addRecursive(root); err != nil {
			return nil, hearth.NewWatchSetupError("cannot watch path", err).WithPath(root)
		}
	}

	go w.watchLoop(ctx)

	return w.out, nil
}

// Stop releases the fsnotify descriptor. Idempotent.
func (w *nativeWatcher) Stop() error {
	w.stopOnce.Do(func() {
		w.stopErr = w.watcher.Close()
	})
	return w.stopErr
}

func (w *nativeWatcher) addRecursive(root string) error {
	return walkDirs(root, func(dir string) error {
		if hiddenPath(dir) {
			return nil
		}
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.mu.Lock()
		w.dirs[dir] = struct{}{}
		w.mu.Unlock()
		return nil
	})
}

func (w *nativeWatcher) knownDir(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.dirs[path]
	return ok
}

// forgetDir detaches a directory and everything beneath it from the set.
func (w *nativeWatcher) forgetDir(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.dirs, path)
	prefix := path + string(filepath.Separator)
	for dir := range w.dirs {
		if strings.HasPrefix(dir, prefix) {
			delete(w.dirs, dir)
		}
	}
}

func (w *nativeWatcher) watchLoop(ctx context.Context) {
	defer close(w.out)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Transient notification errors are not fatal; the stream
			// continues and the debouncer smooths over any gap.
		}
	}
}

func (w *nativeWatcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	path := event.Name

	// A created directory must be attached so mutations beneath it are
	// seen, but directory events themselves never become records.
	if event.Op&fsnotify.Create != 0 && isDir(path) {
		if !hiddenPath(path) {
			_ = w.addRecursive(path)
		}
		return
	}

	// A remove or rename of a directory leaves nothing to stat, so the
	// attached set decides. Still a directory event, still no record.
	if w.knownDir(path) {
		if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			w.forgetDir(path)
		}
		return
	}
	if isDir(path) {
		return
	}

	if !acceptPath(path, w.filters) {
		return
	}

	kind, ok := classify(event.Op, path)
	if !ok {
		return
	}

	record := ChangeRecord{
		Path:       path,
		Kind:       kind,
		ObservedAt: time.Now(),
	}

	select {
	case w.out <- record:
	case <-ctx.Done():
	}
}

// classify maps an fsnotify op to a ChangeKind, resolving ambiguity with an
// existence probe: a "renamed" path that still exists on disk is the
// destination of a rename (Created); one that does not is the source
// (Deleted). Events with no usable flags are probed the same way to decide
// Modified vs Deleted.
func classify(op fsnotify.Op, path string) (ChangeKind, bool) {
	switch {
	case op&fsnotify.Create != 0:
		return KindCreated, true
	case op&fsnotify.Write != 0:
		return KindModified, true
	case op&fsnotify.Remove != 0:
		return KindDeleted, true
	case op&fsnotify.Rename != 0:
		if exists(path) {
			return KindCreated, true
		}
		return KindDeleted, true
	case op&fsnotify.Chmod != 0:
		// Metadata-only change; content is untouched.
		return 0, false
	default:
		if exists(path) {
			return KindModified, true
		}
		return KindDeleted, true
	}
}
