package build

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearth-dev/hearth/internal/cache"
	hearth "github.com/hearth-dev/hearth/internal/errors"
	"github.com/hearth-dev/hearth/internal/watcher"
)

// stubResolver fans every changed path out to one task keyed on the path.
type stubResolver struct {
	all   []Task
	extra []string
}

func (r *stubResolver) ResolveChange(record watcher.ChangeRecord) ([]Task, []string) {
	return []Task{{
		SourcePath:   record.Path,
		CacheKey:     "page:" + record.Path,
		Dependencies: []string{record.Path},
	}}, r.extra
}

func (r *stubResolver) ResolveAll() ([]Task, error) {
	return r.all, nil
}

// stubBuilder returns configurable bytes per key and fails listed keys.
type stubBuilder struct {
	mutex  sync.Mutex
	output map[string][]byte
	fail   map[string]bool
	delay  time.Duration
	built  []string
}

func (b *stubBuilder) BuildArtifact(ctx context.Context, task Task) ([]byte, error) {
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mutex.Lock()
	b.built = append(b.built, task.CacheKey)
	fail := b.fail[task.CacheKey]
	out, ok := b.output[task.CacheKey]
	b.mutex.Unlock()

	if fail {
		return nil, hearth.NewBuildError(hearth.ErrCodeBuildFailed, "boom", nil).WithPath(task.SourcePath)
	}
	if !ok {
		out = []byte("artifact:" + task.CacheKey)
	}
	return out, nil
}

func (b *stubBuilder) builtKeys() []string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return append([]string(nil), b.built...)
}

type stubNotifier struct {
	mutex sync.Mutex
	calls [][]string
}

func (n *stubNotifier) Notify(affectedKeys []string) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.calls = append(n.calls, append([]string(nil), affectedKeys...))
}

func (n *stubNotifier) notifications() [][]string {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.calls
}

func batchOf(paths ...string) watcher.ChangeBatch {
	records := make([]watcher.ChangeRecord, len(paths))
	for i, path := range paths {
		records[i] = watcher.ChangeRecord{Path: path, Kind: watcher.KindModified, ObservedAt: time.Now()}
	}
	return watcher.ChangeBatch{Records: records, EmittedAt: time.Now()}
}

func TestRebuildBatchStoresArtifacts(t *testing.T) {
	store := cache.NewDependencyCache(100, time.Hour)
	builder := &stubBuilder{}
	o := New(store, &stubResolver{}, builder, nil, nil, Options{Workers: 2})

	result := o.RebuildBatch(context.Background(), batchOf("a.md", "b.md"))

	assert.ElementsMatch(t, []string{"page:a.md", "page:b.md"}, result.Succeeded)
	assert.Empty(t, result.Failed)
	assert.Equal(t, []byte("artifact:page:a.md"), store.Retrieve("page:a.md"))
	assert.Equal(t, []byte("artifact:page:b.md"), store.Retrieve("page:b.md"))
}

func TestPerItemFailureIsolation(t *testing.T) {
	store := cache.NewDependencyCache(100, time.Hour)
	builder := &stubBuilder{fail: map[string]bool{"page:4.md": true}}
	notifier := &stubNotifier{}
	o := New(store, &stubResolver{}, builder, notifier, nil, Options{Workers: 4})

	paths := make([]string, 10)
	for i := range paths {
		paths[i] = fmt.Sprintf("%d.md", i)
	}

	result := o.RebuildBatch(context.Background(), batchOf(paths...))

	assert.Len(t, result.Succeeded, 9, "one failure must not cancel siblings")
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "4.md", result.Failed[0].Path)
	assert.True(t, hearth.IsRecoverable(result.Failed[0].Err))

	// Clients still reload for the nine pages that did change.
	calls := notifier.notifications()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0], 9)

	assert.Nil(t, store.Retrieve("page:4.md"))
	assert.NotNil(t, store.Retrieve("page:5.md"))
}

func TestFailedRebuildRestoresPriorArtifact(t *testing.T) {
	store := cache.NewDependencyCache(100, time.Hour)
	builder := &stubBuilder{}
	o := New(store, &stubResolver{}, builder, nil, nil, Options{Workers: 1})

	// Seed a good artifact.
	o.RebuildBatch(context.Background(), batchOf("a.md"))
	require.Equal(t, []byte("artifact:page:a.md"), store.Retrieve("page:a.md"))

	// The next rebuild of the same key fails; the stale artifact must
	// remain servable.
	builder.fail = map[string]bool{"page:a.md": true}
	result := o.RebuildBatch(context.Background(), batchOf("a.md"))

	require.Len(t, result.Failed, 1)
	assert.Equal(t, []byte("artifact:page:a.md"), store.Retrieve("page:a.md"))

	// And its dependencies still invalidate it.
	removed := store.InvalidateDependency("a.md")
	assert.Equal(t, []string{"page:a.md"}, removed)
}

func TestNotifyOnlyWhenOutputChanged(t *testing.T) {
	store := cache.NewDependencyCache(100, time.Hour)
	builder := &stubBuilder{output: map[string][]byte{"page:a.md": []byte("same")}}
	notifier := &stubNotifier{}
	o := New(store, &stubResolver{}, builder, notifier, nil, Options{Workers: 1})

	// First build: no prior, counts as changed.
	o.RebuildBatch(context.Background(), batchOf("a.md"))
	require.Len(t, notifier.notifications(), 1)

	// Identical output on rebuild: a save with no effective change must
	// not reload the browser.
	result := o.RebuildBatch(context.Background(), batchOf("a.md"))
	assert.Len(t, result.Succeeded, 1)
	assert.Empty(t, result.Changed)
	assert.Len(t, notifier.notifications(), 1, "no broadcast for an unchanged artifact")
}

func TestInvalidationAppliedBeforeRebuild(t *testing.T) {
	store := cache.NewDependencyCache(100, time.Hour)

	// Two entries built from the same input; only one is re-resolved, the
	// other must still be invalidated before the batch completes.
	store.Store("page:a.md", []byte("old-a"), []string{"shared.md"})
	store.Store("index:extra", []byte("old-idx"), []string{"shared.md"})

	builder := &stubBuilder{}
	o := New(store, &stubResolver{}, builder, nil, nil, Options{Workers: 1})

	o.RebuildBatch(context.Background(), batchOf("shared.md"))

	assert.False(t, store.Contains("index:extra"), "entries derived from the changed path are removed even without a rebuild task")
}

func TestExtraTokensInvalidate(t *testing.T) {
	store := cache.NewDependencyCache(100, time.Hour)
	store.Store("index:archive", []byte("idx"), []string{"post-count"})

	builder := &stubBuilder{}
	o := New(store, &stubResolver{extra: []string{"post-count"}}, builder, nil, nil, Options{Workers: 1})

	o.RebuildBatch(context.Background(), batchOf("new.md"))

	assert.False(t, store.Contains("index:archive"))
}

func TestTaskTimeout(t *testing.T) {
	store := cache.NewDependencyCache(100, time.Hour)
	builder := &stubBuilder{delay: 200 * time.Millisecond}
	o := New(store, &stubResolver{}, builder, nil, nil, Options{Workers: 1, TaskTimeout: 30 * time.Millisecond})

	result := o.RebuildBatch(context.Background(), batchOf("slow.md"))

	require.Len(t, result.Failed, 1)
	var he *hearth.HearthError
	require.ErrorAs(t, result.Failed[0].Err, &he)
	assert.Equal(t, hearth.ErrCodeBuildTimeout, he.Code)
}

func TestBuildAll(t *testing.T) {
	store := cache.NewDependencyCache(200, time.Hour)

	all := make([]Task, 0, 120)
	for i := 0; i < 120; i++ {
		key := fmt.Sprintf("page:%d", i)
		all = append(all, Task{CacheKey: key, Dependencies: []string{fmt.Sprintf("%d.md", i)}})
	}

	builder := &stubBuilder{}
	o := New(store, &stubResolver{all: all}, builder, nil, nil, Options{Workers: 4, ChunkSize: 50})

	result, err := o.BuildAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.Succeeded, 120)
	assert.Equal(t, 120, store.Statistics().Count)
}

func TestBuildAllBeyondCacheCapacity(t *testing.T) {
	store := cache.NewDependencyCache(100, time.Hour)

	all := make([]Task, 0, 120)
	for i := 0; i < 120; i++ {
		all = append(all, Task{CacheKey: fmt.Sprintf("page:%d", i)})
	}

	builder := &stubBuilder{}
	o := New(store, &stubResolver{all: all}, builder, nil, nil, Options{Workers: 4, ChunkSize: 50})

	result, err := o.BuildAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.Succeeded, 120, "every task runs even when the cache cannot hold all results")

	// The cache holds the 100 most recent insertions. Chunks complete in
	// order, so the 20 evicted entries all come from the first chunk.
	stats := store.Statistics()
	assert.Equal(t, 100, stats.Count)
	assert.Equal(t, int64(20), stats.Evictions)
	for i := 50; i < 120; i++ {
		assert.True(t, store.Contains(fmt.Sprintf("page:%d", i)), "entry %d from a later chunk must survive", i)
	}
}

func TestDedupeTasks(t *testing.T) {
	tasks := []Task{
		{CacheKey: "a", SourcePath: "first"},
		{CacheKey: "b"},
		{CacheKey: "a", SourcePath: "second"},
		{CacheKey: "c"},
		{CacheKey: "b"},
	}

	deduped := dedupeTasks(tasks)

	require.Len(t, deduped, 3)
	assert.Equal(t, "a", deduped[0].CacheKey)
	assert.Equal(t, "first", deduped[0].SourcePath, "first task per key wins")
	assert.Equal(t, "b", deduped[1].CacheKey)
	assert.Equal(t, "c", deduped[2].CacheKey)
}

func TestProcessConsumesInOrder(t *testing.T) {
	store := cache.NewDependencyCache(100, time.Hour)
	builder := &stubBuilder{}
	o := New(store, &stubResolver{}, builder, nil, nil, Options{Workers: 1})

	batches := make(chan watcher.ChangeBatch, 3)
	batches <- batchOf("a.md")
	batches <- batchOf("b.md")
	batches <- batchOf("c.md")
	close(batches)

	o.Process(context.Background(), batches)

	assert.Equal(t, []string{"page:a.md", "page:b.md", "page:c.md"}, builder.builtKeys())
}
