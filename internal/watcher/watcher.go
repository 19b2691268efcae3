// Package watcher implements the change-detection front of the incremental
// pipeline: a Watcher emits raw ChangeRecords for filesystem mutations under
// one or more roots, and a Debouncer coalesces bursts of records into
// discrete ChangeBatches.
//
// Two watcher implementations exist behind one interface: a native one built
// on fsnotify, and a polling fallback for filesystems where inotify-style
// notification is unavailable (network mounts, some containers). Selection
// happens once at startup.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Watcher emits a ChangeRecord for every relevant filesystem mutation under
// its roots. Directory events and hidden paths are filtered out before they
// ever become records.
type Watcher interface {
	// Start begins watching the given root paths and returns the record
	// stream. A failure to create the underlying OS resource is returned as
	// a fatal watch setup error; it is never silently retried.
	Start(ctx context.Context, paths []string) (<-chan ChangeRecord, error)

	// Stop releases OS resources. Safe to call more than once.
	Stop() error
}

// Options configures watcher construction.
type Options struct {
	// UsePolling forces the polling implementation.
	UsePolling bool
	// PollInterval is the scan interval for the polling implementation.
	PollInterval time.Duration
	// Filters are additional path filters; a path is watched only if every
	// filter accepts it.
	Filters []PathFilter
}

// New selects a watcher implementation by platform capability. Native
// notification is preferred; the polling fallback is used only when forced
// by configuration or when the native resource cannot be created on a
// platform where polling is the designed fallback.
func New(opts Options) (Watcher, error) {
	if opts.UsePolling {
		return newPollWatcher(opts), nil
	}
	return newNativeWatcher(opts)
}

// hiddenPath reports whether any element of the path starts with a dot.
// Editor lockfiles and VCS internals live in hidden trees and must never
// reach the pipeline.
func hiddenPath(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if len(part) > 1 && strings.HasPrefix(part, ".") && part != ".." {
			return true
		}
	}
	return false
}

// acceptPath applies the hidden-path rule plus any configured filters.
func acceptPath(path string, filters []PathFilter) bool {
	if hiddenPath(path) {
		return false
	}
	for _, filter := range filters {
		if !filter(path) {
			return false
		}
	}
	return true
}

// exists probes the final OS state for a path. Used to resolve ambiguous
// rename and flagless notifications.
func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// isDir reports whether the path currently names a directory.
func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// ExcludeGlobs builds a filter rejecting paths whose base name matches any
// of the given glob patterns.
func ExcludeGlobs(patterns []string) PathFilter {
	return func(path string) bool {
		base := filepath.Base(path)
		for _, pattern := range patterns {
			if matched, _ := filepath.Match(pattern, base); matched {
				return false
			}
		}
		return true
	}
}
