// Package build contains the incremental build orchestrator: it maps change
// batches to the minimal set of affected build tasks, applies cache
// invalidation up front, and executes the tasks on a bounded worker pool
// with per-item failure isolation.
package build

import (
	"context"

	"github.com/hearth-dev/hearth/internal/watcher"
)

// Task is the unit of rebuild work. CacheKey identifies the derived
// artifact; Dependencies are the tokens recorded with the artifact so later
// invalidation cascades correctly.
type Task struct {
	SourcePath   string
	CacheKey     string
	Dependencies []string
}

// Resolver maps filesystem changes to the build tasks they affect.
type Resolver interface {
	// ResolveChange returns the tasks a single change record fans out to,
	// plus any coarse dependency tokens (beyond the path itself) that must
	// be invalidated — a created or deleted post moves the post count, for
	// example.
	ResolveChange(record watcher.ChangeRecord) (tasks []Task, tokens []string)

	// ResolveAll enumerates every task for a full build.
	ResolveAll() ([]Task, error)
}

// Builder produces the artifact bytes for one task.
type Builder interface {
	BuildArtifact(ctx context.Context, task Task) ([]byte, error)
}

// ReloadNotifier receives the keys that changed after a batch with at least
// one successful task.
type ReloadNotifier interface {
	Notify(affectedKeys []string)
}
