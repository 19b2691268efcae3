package content

import (
	"bytes"
	"context"
	"html/template"
	"path/filepath"
	"sync"

	hearth "github.com/hearth-dev/hearth/internal/errors"
)

// builtinTemplates back every template name so a site without a templates
// directory still serves. The substitution language itself belongs to the
// renderer, not the pipeline.
const builtinTemplates = `
{{define "page"}}<!DOCTYPE html>
<html><head><title>{{.Title}}</title></head>
<body><article><h1>{{.Title}}</h1>{{.Body}}</article></body></html>{{end}}

{{define "archive"}}<!DOCTYPE html>
<html><head><title>Archive</title></head>
<body><h1>Archive ({{.Count}})</h1><ul>{{range .Posts}}<li><a href="/{{.Slug}}">{{.Title}}</a></li>{{end}}</ul></body></html>{{end}}

{{define "tag"}}<!DOCTYPE html>
<html><head><title>Tag: {{.Tag}}</title></head>
<body><h1>Tag: {{.Tag}}</h1><ul>{{range .Posts}}<li><a href="/{{.Slug}}">{{.Title}}</a></li>{{end}}</ul></body></html>{{end}}
`

// TemplateRenderer is the default Renderer, backed by html/template files in
// the site's templates directory. Files override the built-in definitions by
// name; reloads happen when the watcher reports a template change.
type TemplateRenderer struct {
	dir string

	mutex sync.RWMutex
	tmpl  *template.Template
}

// NewTemplateRenderer creates a renderer rooted at dir. The directory may
// not exist; built-in templates cover every name the Site asks for.
func NewTemplateRenderer(dir string) (*TemplateRenderer, error) {
	r := &TemplateRenderer{dir: dir}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload reparses the template set from disk.
func (r *TemplateRenderer) Reload() error {
	tmpl, err := template.New("hearth").Parse(builtinTemplates)
	if err != nil {
		return hearth.NewInternalError(hearth.ErrCodeInternalFailure, "builtin templates failed to parse", err)
	}

	pattern := filepath.Join(r.dir, "*.html")
	if matches, _ := filepath.Glob(pattern); len(matches) > 0 {
		tmpl, err = tmpl.ParseGlob(pattern)
		if err != nil {
			return hearth.NewBuildError(hearth.ErrCodeRenderFailed, "cannot parse templates", err).WithPath(r.dir)
		}
	}

	r.mutex.Lock()
	r.tmpl = tmpl
	r.mutex.Unlock()

	return nil
}

// Render executes the named template.
func (r *TemplateRenderer) Render(ctx context.Context, templateName string, data map[string]interface{}) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mutex.RLock()
	tmpl := r.tmpl
	r.mutex.RUnlock()

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, templateName, data); err != nil {
		return nil, hearth.NewBuildError(hearth.ErrCodeRenderFailed, "template execution failed", err)
	}

	return buf.Bytes(), nil
}
