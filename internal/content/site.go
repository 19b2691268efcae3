package content

import (
	"context"
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hearth-dev/hearth/internal/build"
	hearth "github.com/hearth-dev/hearth/internal/errors"
	"github.com/hearth-dev/hearth/internal/watcher"
)

// Cache key prefixes and coarse dependency tokens. Keys identify derived
// artifacts; tokens identify inputs whose change invalidates them.
const (
	pageKeyPrefix = "page:"
	archiveKey    = "index:archive"
	tagKeyPrefix  = "index:tag:"

	// TokenPostCount is invalidated whenever a post appears or disappears,
	// which is what the listing pages actually depend on beyond the posts
	// themselves.
	TokenPostCount = "post-count"
)

var sourceExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
	".html":     true,
}

// Post is one entry in a listing page.
type Post struct {
	SourcePath string
	Slug       string
	Title      string
	Tags       []string
}

// Site maps between source files and derived artifacts. It implements both
// build.Resolver (what does this change affect) and build.Builder (produce
// the artifact for a task).
type Site struct {
	contentDir   string
	templatesDir string
	parser       Parser
	renderer     Renderer
	readTimeout  time.Duration
}

// NewSite creates the site mapping.
func NewSite(contentDir, templatesDir string, parser Parser, renderer Renderer, readTimeout time.Duration) *Site {
	if readTimeout <= 0 {
		readTimeout = 5 * time.Second
	}
	return &Site{
		contentDir:   contentDir,
		templatesDir: templatesDir,
		parser:       parser,
		renderer:     renderer,
		readTimeout:  readTimeout,
	}
}

// PageKey returns the cache key for the page rendered from a source path.
func (s *Site) PageKey(sourcePath string) string {
	return pageKeyPrefix + s.slugFor(sourcePath)
}

// SlugFor returns the URL slug for a source path.
func (s *Site) SlugFor(sourcePath string) string {
	return s.slugFor(sourcePath)
}

func (s *Site) slugFor(sourcePath string) string {
	rel, err := filepath.Rel(s.contentDir, sourcePath)
	if err != nil {
		rel = sourcePath
	}
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	return Slugify(filepath.ToSlash(rel))
}

// KeyForSlug returns the page cache key for a URL slug.
func KeyForSlug(slug string) string {
	return pageKeyPrefix + slug
}

// ArchiveKey returns the cache key of the archive listing.
func ArchiveKey() string {
	return archiveKey
}

// TagKey returns the cache key of one tag listing.
func TagKey(tag string) string {
	return tagKeyPrefix + Slugify(tag)
}

func (s *Site) isSourcePath(path string) bool {
	if !sourceExtensions[filepath.Ext(path)] {
		return false
	}
	rel, err := filepath.Rel(s.contentDir, path)
	return err == nil && !strings.HasPrefix(rel, "..")
}

func (s *Site) isTemplatePath(path string) bool {
	rel, err := filepath.Rel(s.templatesDir, path)
	return err == nil && !strings.HasPrefix(rel, "..")
}

// ResolveChange implements build.Resolver.
//
// A changed post fans out to its own page plus the listing pages that
// mention it; a deleted post cannot be rebuilt, so only the listings are. A
// template change affects every artifact rendered through the template set.
func (s *Site) ResolveChange(record watcher.ChangeRecord) ([]build.Task, []string) {
	switch {
	case s.isTemplatePath(record.Path):
		// Reparse the template set before any rebuild runs; every
		// artifact rendered through it is stale.
		if reloader, ok := s.renderer.(interface{ Reload() error }); ok {
			_ = reloader.Reload()
		}
		tasks, err := s.ResolveAll()
		if err != nil {
			tasks = nil
		}
		return tasks, []string{s.templatesDir}

	case s.isSourcePath(record.Path):
		tasks := s.indexTasks()
		var tokens []string
		if record.Kind == watcher.KindCreated || record.Kind == watcher.KindDeleted {
			tokens = append(tokens, TokenPostCount)
		}
		if record.Kind != watcher.KindDeleted {
			tasks = append([]build.Task{s.pageTask(record.Path)}, tasks...)
		}
		return tasks, tokens

	default:
		return nil, nil
	}
}

// ResolveAll implements build.Resolver for full builds.
func (s *Site) ResolveAll() ([]build.Task, error) {
	sources, err := s.sourceFiles()
	if err != nil {
		return nil, err
	}

	tasks := make([]build.Task, 0, len(sources)+1)
	for _, src := range sources {
		tasks = append(tasks, s.pageTask(src))
	}
	tasks = append(tasks, s.indexTasks()...)

	return tasks, nil
}

func (s *Site) pageTask(sourcePath string) build.Task {
	return build.Task{
		SourcePath:   sourcePath,
		CacheKey:     s.PageKey(sourcePath),
		Dependencies: []string{sourcePath, s.templatesDir},
	}
}

// indexTasks returns the statically-known fan-out: the archive page plus a
// page per tag currently in use. Listing pages depend on every post path so
// an edited title invalidates them, and on the post-count token so adds and
// removes do too.
func (s *Site) indexTasks() []build.Task {
	posts, err := s.listPosts(context.Background())
	if err != nil {
		posts = nil
	}

	deps := make([]string, 0, len(posts)+2)
	deps = append(deps, TokenPostCount, s.templatesDir)
	tags := make(map[string][]Post)
	for _, post := range posts {
		deps = append(deps, post.SourcePath)
		for _, tag := range post.Tags {
			tags[tag] = append(tags[tag], post)
		}
	}

	tasks := []build.Task{{
		CacheKey:     archiveKey,
		Dependencies: deps,
	}}

	tagNames := make([]string, 0, len(tags))
	for tag := range tags {
		tagNames = append(tagNames, tag)
	}
	sort.Strings(tagNames)
	for _, tag := range tagNames {
		tagDeps := make([]string, 0, len(tags[tag])+2)
		tagDeps = append(tagDeps, TokenPostCount, s.templatesDir)
		for _, post := range tags[tag] {
			tagDeps = append(tagDeps, post.SourcePath)
		}
		tasks = append(tasks, build.Task{
			CacheKey:     TagKey(tag),
			Dependencies: tagDeps,
		})
	}

	return tasks
}

// BuildArtifact implements build.Builder.
func (s *Site) BuildArtifact(ctx context.Context, task build.Task) ([]byte, error) {
	switch {
	case strings.HasPrefix(task.CacheKey, pageKeyPrefix):
		return s.buildPage(ctx, task.SourcePath)
	case task.CacheKey == archiveKey:
		return s.buildArchive(ctx)
	case strings.HasPrefix(task.CacheKey, tagKeyPrefix):
		return s.buildTag(ctx, strings.TrimPrefix(task.CacheKey, tagKeyPrefix))
	default:
		return nil, hearth.NewInternalError(hearth.ErrCodeInternalFailure, "unknown cache key: "+task.CacheKey, nil)
	}
}

func (s *Site) buildPage(ctx context.Context, sourcePath string) ([]byte, error) {
	doc, err := s.parseFile(ctx, sourcePath)
	if err != nil {
		return nil, err
	}

	title := doc.Title()
	if title == "" {
		title = s.slugFor(sourcePath)
	}

	return s.renderer.Render(ctx, "page", map[string]interface{}{
		"Title": title,
		"Body":  string(doc.Body),
		"Meta":  doc.FrontMatter,
		"Slug":  s.slugFor(sourcePath),
	})
}

func (s *Site) buildArchive(ctx context.Context) ([]byte, error) {
	posts, err := s.listPosts(ctx)
	if err != nil {
		return nil, err
	}
	return s.renderer.Render(ctx, "archive", map[string]interface{}{
		"Posts": posts,
		"Count": len(posts),
	})
}

func (s *Site) buildTag(ctx context.Context, tagSlug string) ([]byte, error) {
	posts, err := s.listPosts(ctx)
	if err != nil {
		return nil, err
	}

	var matched []Post
	for _, post := range posts {
		for _, tag := range post.Tags {
			if Slugify(tag) == tagSlug {
				matched = append(matched, post)
				break
			}
		}
	}

	return s.renderer.Render(ctx, "tag", map[string]interface{}{
		"Tag":   tagSlug,
		"Posts": matched,
		"Count": len(matched),
	})
}

// listPosts walks the content directory, parsing front matter for titles
// and tags. Unparseable files are skipped here; they surface as failures
// when their own page task runs.
func (s *Site) listPosts(ctx context.Context) ([]Post, error) {
	sources, err := s.sourceFiles()
	if err != nil {
		return nil, err
	}

	posts := make([]Post, 0, len(sources))
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := s.parseFile(ctx, src)
		if err != nil {
			continue
		}
		title := doc.Title()
		if title == "" {
			title = s.slugFor(src)
		}
		posts = append(posts, Post{
			SourcePath: src,
			Slug:       s.slugFor(src),
			Title:      title,
			Tags:       doc.Tags(),
		})
	}

	sort.Slice(posts, func(i, j int) bool { return posts[i].Slug < posts[j].Slug })

	return posts, nil
}

func (s *Site) sourceFiles() ([]string, error) {
	var sources []string
	err := filepath.WalkDir(s.contentDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == s.contentDir {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != s.contentDir {
				return filepath.SkipDir
			}
			return nil
		}
		if sourceExtensions[filepath.Ext(path)] && !strings.HasPrefix(d.Name(), ".") {
			sources = append(sources, path)
		}
		return nil
	})
	if err != nil {
		return nil, hearth.NewIOError(hearth.ErrCodeFileNotFound, "cannot scan content directory", err).WithPath(s.contentDir)
	}
	return sources, nil
}

// parseFile reads and parses one source file under the configured read
// timeout. A timeout or read failure is a per-item build error.
func (s *Site) parseFile(ctx context.Context, path string) (*Document, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := os.ReadFile(path)
		done <- result{data, err}
	}()

	select {
	case <-readCtx.Done():
		return nil, hearth.NewBuildError(hearth.ErrCodeBuildTimeout, "read timed out", readCtx.Err()).WithPath(path)
	case res := <-done:
		if res.err != nil {
			return nil, hearth.NewIOError(hearth.ErrCodeFileNotFound, "cannot read source", res.err).WithPath(path)
		}
		doc, err := s.parser.Parse(res.data)
		if err != nil {
			var he *hearth.HearthError
			if stderrors.As(err, &he) {
				return nil, he.WithPath(path)
			}
			return nil, hearth.NewBuildError(hearth.ErrCodeParseFailed, "parse failed", err).WithPath(path)
		}
		return doc, nil
	}
}
