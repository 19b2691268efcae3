package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeKindString(t *testing.T) {
	assert.Equal(t, "created", KindCreated.String())
	assert.Equal(t, "modified", KindModified.String())
	assert.Equal(t, "deleted", KindDeleted.String())
	assert.Equal(t, "renamed", KindRenamed.String())
}

func TestHiddenPath(t *testing.T) {
	tests := []struct {
		path   string
		hidden bool
	}{
		{"content/post.md", false},
		{".git/objects/ab", true},
		{"content/.post.md.swp", true},
		{"content/sub/.hidden/x.md", true},
		{"./content/post.md", false},
		{"../content/post.md", false},
		{"content", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.hidden, hiddenPath(tt.path), "path %q", tt.path)
	}
}

func TestExcludeGlobs(t *testing.T) {
	filter := ExcludeGlobs([]string{"*.bak", "*~", "*.swp"})

	assert.True(t, filter("content/post.md"))
	assert.False(t, filter("content/post.md.bak"))
	assert.False(t, filter("content/post.md~"))
	assert.False(t, filter("templates/page.html.swp"))
}

func TestAcceptPath(t *testing.T) {
	filters := []PathFilter{ExcludeGlobs([]string{"*.bak"})}

	assert.True(t, acceptPath("content/post.md", filters))
	assert.False(t, acceptPath("content/post.md.bak", filters))
	assert.False(t, acceptPath(".git/config", filters))
}

func TestClassify(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "exists.md")
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0644))
	missing := filepath.Join(dir, "gone.md")

	tests := []struct {
		name string
		op   fsnotify.Op
		path string
		kind ChangeKind
		ok   bool
	}{
		{"create", fsnotify.Create, existing, KindCreated, true},
		{"write", fsnotify.Write, existing, KindModified, true},
		{"remove", fsnotify.Remove, missing, KindDeleted, true},
		{"rename destination still on disk", fsnotify.Rename, existing, KindCreated, true},
		{"rename source gone", fsnotify.Rename, missing, KindDeleted, true},
		{"chmod skipped", fsnotify.Chmod, existing, 0, false},
		{"flagless existing probes modified", 0, existing, KindModified, true},
		{"flagless missing probes deleted", 0, missing, KindDeleted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, ok := classify(tt.op, tt.path)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.kind, kind)
			}
		})
	}
}

func TestNewSelectsImplementation(t *testing.T) {
	polling, err := New(Options{UsePolling: true, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	_, ok := polling.(*pollWatcher)
	assert.True(t, ok)
	assert.NoError(t, polling.Stop())

	native, err := New(Options{})
	require.NoError(t, err)
	_, ok = native.(*nativeWatcher)
	assert.True(t, ok)
	assert.NoError(t, native.Stop())
	assert.NoError(t, native.Stop(), "Stop is idempotent")
}

func TestDirectoryRemovalEmitsNoRecord(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "posts")
	require.NoError(t, os.MkdirAll(sub, 0755))
	file := filepath.Join(sub, "a.md")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	w, err := newNativeWatcher(Options{})
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, w.addRecursive(root))
	require.NoError(t, os.RemoveAll(sub))

	ctx := context.Background()

	// The directory is gone from disk, so only the attached set can tell
	// it apart from a deleted file. No record may come out for it.
	w.handleEvent(ctx, fsnotify.Event{Name: sub, Op: fsnotify.Remove})
	select {
	case record := <-w.out:
		t.Fatalf("directory removal produced a record: %+v", record)
	default:
	}
	assert.False(t, w.knownDir(sub), "removed directory is detached")

	// A renamed-away directory gets the same treatment.
	drafts := filepath.Join(root, "drafts")
	require.NoError(t, os.MkdirAll(drafts, 0755))
	require.NoError(t, w.addRecursive(root))
	require.NoError(t, os.Rename(drafts, filepath.Join(t.TempDir(), "drafts")))
	w.handleEvent(ctx, fsnotify.Event{Name: drafts, Op: fsnotify.Rename})
	select {
	case record := <-w.out:
		t.Fatalf("directory rename produced a record: %+v", record)
	default:
	}
	assert.False(t, w.knownDir(drafts))

	// File deletions still come through.
	w.handleEvent(ctx, fsnotify.Event{Name: file, Op: fsnotify.Remove})
	select {
	case record := <-w.out:
		assert.Equal(t, KindDeleted, record.Kind)
		assert.Equal(t, file, record.Path)
	default:
		t.Fatal("file removal produced no record")
	}
}

func TestPollWatcherDetectsChanges(t *testing.T) {
	dir := t.TempDir()
	seed := filepath.Join(dir, "seed.md")
	require.NoError(t, os.WriteFile(seed, []byte("seed"), 0644))

	w := newPollWatcher(Options{UsePolling: true, PollInterval: 20 * time.Millisecond})
	defer w.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	records, err := w.Start(ctx, []string{dir})
	require.NoError(t, err)

	// Let the first scan establish the baseline.
	time.Sleep(60 * time.Millisecond)

	created := filepath.Join(dir, "new.md")
	require.NoError(t, os.WriteFile(created, []byte("new"), 0644))

	got := waitForRecord(t, records, created)
	assert.Equal(t, KindCreated, got.Kind)

	require.NoError(t, os.Remove(seed))
	got = waitForRecord(t, records, seed)
	assert.Equal(t, KindDeleted, got.Kind)
}

func TestPollWatcherUnreadableRoot(t *testing.T) {
	w := newPollWatcher(Options{UsePolling: true, PollInterval: 20 * time.Millisecond})
	defer w.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := w.Start(ctx, []string{filepath.Join(t.TempDir(), "does-not-exist")})
	require.Error(t, err)
}

func waitForRecord(t *testing.T, records <-chan ChangeRecord, path string) ChangeRecord {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case record, ok := <-records:
			if !ok {
				t.Fatalf("record stream closed before seeing %s", path)
			}
			if record.Path == path {
				return record
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a record for %s", path)
		}
	}
}
