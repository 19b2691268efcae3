package build

import (
	"context"
	stderrors "errors"
	"runtime"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hearth-dev/hearth/internal/cache"
	hearth "github.com/hearth-dev/hearth/internal/errors"
	"github.com/hearth-dev/hearth/internal/logging"
	"github.com/hearth-dev/hearth/internal/watcher"
)

// Options tunes the orchestrator's worker pool and chunking.
type Options struct {
	Workers     int
	ChunkSize   int
	TaskTimeout time.Duration
}

// Result collects the outcome of one batch or full build. A single task
// failure never cancels its siblings; failures are aggregated here and
// reported after the batch.
type Result struct {
	Succeeded []string
	Changed   []string
	Failed    []hearth.FileError
	Duration  time.Duration
}

// Orchestrator turns ChangeBatches (or a full-build request) into a minimal,
// deduplicated set of task executions against the dependency-tracked cache.
//
// Batches are processed strictly in emission order by the single Process
// consumer; a batch arriving mid-rebuild queues behind the channel rather
// than merging or cancelling in-flight work.
type Orchestrator struct {
	cache    *cache.DependencyCache
	resolver Resolver
	builder  Builder
	notifier ReloadNotifier
	logger   logging.Logger

	workers     int
	chunkSize   int
	taskTimeout time.Duration
}

// New creates an orchestrator. The notifier may be nil for one-shot builds.
func New(store *cache.DependencyCache, resolver Resolver, builder Builder, notifier ReloadNotifier, logger logging.Logger, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 50
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.NopLogger{}
	}

	return &Orchestrator{
		cache:       store,
		resolver:    resolver,
		builder:     builder,
		notifier:    notifier,
		logger:      logger.WithComponent("build"),
		workers:     opts.Workers,
		chunkSize:   opts.ChunkSize,
		taskTimeout: opts.TaskTimeout,
	}
}

// Process consumes batches until the channel closes or the context is
// cancelled. It is the pipeline's single batch consumer, which is what
// guarantees batches apply in the order the debouncer emitted them.
func (o *Orchestrator) Process(ctx context.Context, batches <-chan watcher.ChangeBatch) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-batches:
			if !ok {
				return
			}
			result := o.RebuildBatch(ctx, batch)
			o.report(ctx, batch, result)
		}
	}
}

// RebuildBatch maps one batch to its affected tasks, invalidates the cache,
// and rebuilds. All invalidation is applied before any task starts, so no
// worker can read an entry that is about to be removed.
func (o *Orchestrator) RebuildBatch(ctx context.Context, batch watcher.ChangeBatch) Result {
	start := time.Now()

	// Resolve the fan-out first; resolution never touches the cache.
	var tasks []Task
	tokens := make([]string, 0, len(batch.Records))
	for _, record := range batch.Records {
		recordTasks, extraTokens := o.resolver.ResolveChange(record)
		tasks = append(tasks, recordTasks...)
		tokens = append(tokens, record.Path)
		tokens = append(tokens, extraTokens...)
	}
	tasks = dedupeTasks(tasks)

	// Snapshot the artifacts about to be invalidated so a failed rebuild
	// can restore the stale-but-valid prior instead of leaving a hole.
	priors := make(map[string]prior, len(tasks))
	for _, task := range tasks {
		if value, deps, ok := o.cache.Peek(task.CacheKey); ok {
			priors[task.CacheKey] = prior{value: value, deps: deps}
		}
	}

	removed := 0
	for _, token := range tokens {
		removed += len(o.cache.InvalidateDependency(token))
	}
	o.logger.Debug(ctx, "cache invalidated",
		"tokens", len(tokens), "entries_removed", removed, "tasks", len(tasks))

	result := o.execute(ctx, tasks, priors)
	result.Duration = time.Since(start)

	if o.notifier != nil && len(result.Changed) > 0 {
		o.notifier.Notify(result.Changed)
	}

	return result
}

// BuildAll runs every task the resolver knows about, in fixed-size chunks
// to cap peak memory on large trees, with a small yield between chunks so a
// full build does not starve the rest of the process. Failing to enumerate
// the tree at all is fatal to the build cycle; individual task failures are
// not.
func (o *Orchestrator) BuildAll(ctx context.Context) (Result, error) {
	start := time.Now()

	tasks, err := o.resolver.ResolveAll()
	if err != nil {
		return Result{}, hearth.NewBuildError(hearth.ErrCodeBuildFailed, "cannot enumerate build tasks", err)
	}
	tasks = dedupeTasks(tasks)

	var result Result
	for offset := 0; offset < len(tasks); offset += o.chunkSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		end := offset + o.chunkSize
		if end > len(tasks) {
			end = len(tasks)
		}

		chunk := o.execute(ctx, tasks[offset:end], nil)
		result.Succeeded = append(result.Succeeded, chunk.Succeeded...)
		result.Changed = append(result.Changed, chunk.Changed...)
		result.Failed = append(result.Failed, chunk.Failed...)

		runtime.Gosched()
	}

	result.Duration = time.Since(start)

	return result, nil
}

type prior struct {
	value []byte
	deps  []string
}

// execute runs tasks on a bounded pool. Worker closures always return nil:
// per-item errors are collected, never propagated, so one bad file cannot
// cancel its siblings through the group context.
func (o *Orchestrator) execute(ctx context.Context, tasks []Task, priors map[string]prior) Result {
	var result Result

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(o.workers)

	type outcome struct {
		task    Task
		err     error
		changed bool
	}
	outcomes := make([]outcome, len(tasks))

	for i, task := range tasks {
		i, task := i, task
		group.Go(func() error {
			taskCtx, cancel := context.WithTimeout(groupCtx, o.taskTimeout)
			defer cancel()

			artifact, err := o.builder.BuildArtifact(taskCtx, task)
			if err != nil {
				if stderrors.Is(err, context.DeadlineExceeded) {
					err = hearth.NewBuildError(hearth.ErrCodeBuildTimeout, "task timed out", err).WithPath(task.SourcePath)
				}
				outcomes[i] = outcome{task: task, err: err}
				return nil
			}

			changed := true
			if prev, ok := priors[task.CacheKey]; ok {
				changed = xxhash.Sum64(prev.value) != xxhash.Sum64(artifact)
			}

			o.cache.Store(task.CacheKey, artifact, task.Dependencies)
			outcomes[i] = outcome{task: task, changed: changed}
			return nil
		})
	}
	_ = group.Wait()

	for _, oc := range outcomes {
		if oc.task.CacheKey == "" {
			continue
		}
		if oc.err != nil {
			result.Failed = append(result.Failed, hearth.FileError{
				Path:      oc.task.SourcePath,
				Err:       oc.err,
				Timestamp: time.Now(),
			})
			// Put the stale artifact back so the page stays servable.
			if prev, ok := priors[oc.task.CacheKey]; ok {
				o.cache.Store(oc.task.CacheKey, prev.value, prev.deps)
			}
			continue
		}
		result.Succeeded = append(result.Succeeded, oc.task.CacheKey)
		if oc.changed {
			result.Changed = append(result.Changed, oc.task.CacheKey)
		}
	}

	return result
}

// report logs the post-batch summary: one line on success, the aggregated
// failure list otherwise. Recoverable errors never propagate past here.
func (o *Orchestrator) report(ctx context.Context, batch watcher.ChangeBatch, result Result) {
	if len(result.Failed) == 0 {
		o.logger.Info(ctx, "rebuild complete",
			"paths", len(batch.Records),
			"rebuilt", len(result.Succeeded),
			"changed", len(result.Changed),
			"duration", result.Duration.String())
		return
	}

	collector := hearth.NewBuildErrorCollector()
	for _, fe := range result.Failed {
		collector.Add(fe.Path, fe.Err)
	}

	if len(result.Succeeded) == 0 {
		o.logger.Error(ctx, nil, "rebuild failed for every file; clients not reloaded",
			"failed", len(result.Failed), "summary", collector.Summary())
		return
	}

	o.logger.Warn(ctx, nil, "rebuild partially failed",
		"rebuilt", len(result.Succeeded),
		"failed", len(result.Failed),
		"summary", collector.Summary())
}

// dedupeTasks keeps the first task seen per cache key, preserving order.
func dedupeTasks(tasks []Task) []Task {
	seen := make(map[string]bool, len(tasks))
	out := tasks[:0:0]
	for _, task := range tasks {
		if task.CacheKey == "" || seen[task.CacheKey] {
			continue
		}
		seen[task.CacheKey] = true
		out = append(out, task)
	}
	return out
}
