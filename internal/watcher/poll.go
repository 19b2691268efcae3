package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	hearth "github.com/hearth-dev/hearth/internal/errors"
)

// pollWatcher is the fallback for filesystems without native notification.
// It scans the watched roots at a fixed interval and diffs modification
// times against the previous scan.
type pollWatcher struct {
	interval time.Duration
	filters  []PathFilter
	out      chan ChangeRecord

	mutex    sync.Mutex
	snapshot map[string]time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

func newPollWatcher(opts Options) *pollWatcher {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &pollWatcher{
		interval: interval,
		filters:  opts.Filters,
		out:      make(chan ChangeRecord, recordBuffer),
		snapshot: make(map[string]time.Time),
		stop:     make(chan struct{}),
	}
}

// Start takes an initial snapshot and begins the scan loop. An unreadable
// root is a setup failure, matching the native watcher's contract.
func (w *pollWatcher) Start(ctx context.Context, paths []string) (<-chan ChangeRecord, error) {
	for _, root := range paths {
		if _, err := os.Stat(root); err != nil {
			return nil, hearth.NewWatchSetupError("cannot watch path", err).WithPath(root)
		}
	}

	w.snapshot = w.scan(paths)

	go w.pollLoop(ctx, paths)

	return w.out, nil
}

// Stop halts the scan loop. Idempotent.
func (w *pollWatcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	return nil
}

func (w *pollWatcher) pollLoop(ctx context.Context, paths []string) {
	defer close(w.out)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.diff(ctx, w.scan(paths))
		}
	}
}

// scan walks the roots and records modification times for accepted files.
func (w *pollWatcher) scan(paths []string) map[string]time.Time {
	current := make(map[string]time.Time, len(w.snapshot))
	for _, root := range paths {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if hiddenPath(path) {
					return filepath.SkipDir
				}
				return nil
			}
			if !acceptPath(path, w.filters) {
				return nil
			}
			if info, err := d.Info(); err == nil {
				current[path] = info.ModTime()
			}
			return nil
		})
	}
	return current
}

// diff emits records for paths that appeared, changed, or vanished since
// the previous scan, then swaps in the new snapshot.
func (w *pollWatcher) diff(ctx context.Context, current map[string]time.Time) {
	w.mutex.Lock()
	previous := w.snapshot
	w.snapshot = current
	w.mutex.Unlock()

	now := time.Now()

	for path, modTime := range current {
		prevMod, seen := previous[path]
		switch {
		case !seen:
			w.emit(ctx, ChangeRecord{Path: path, Kind: KindCreated, ObservedAt: now})
		case !modTime.Equal(prevMod):
			w.emit(ctx, ChangeRecord{Path: path, Kind: KindModified, ObservedAt: now})
		}
	}

	for path := range previous {
		if _, ok := current[path]; !ok {
			w.emit(ctx, ChangeRecord{Path: path, Kind: KindDeleted, ObservedAt: now})
		}
	}
}

func (w *pollWatcher) emit(ctx context.Context, record ChangeRecord) {
	select {
	case w.out <- record:
	case <-ctx.Done():
	case <-w.stop:
	}
}

// walkDirs calls fn for every directory under root, root included.
func walkDirs(root string, fn func(dir string) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if hiddenPath(path) {
			return filepath.SkipDir
		}
		return fn(path)
	})
}
