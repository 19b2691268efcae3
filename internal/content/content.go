// Package content holds the collaborators the incremental pipeline drives:
// the front-matter parser, the template renderer, and the Site mapping that
// resolves a changed source file to the cache keys and build tasks it
// affects. The pipeline consumes these through narrow interfaces; the
// markdown grammar itself is out of scope and the body passes through
// untouched.
package content

import "context"

// Document is the parsed form of one source file.
type Document struct {
	FrontMatter map[string]interface{}
	Body        []byte
}

// Parser turns raw source bytes into a Document.
type Parser interface {
	Parse(src []byte) (*Document, error)
}

// Renderer renders a named template with a context map.
type Renderer interface {
	Render(ctx context.Context, templateName string, data map[string]interface{}) ([]byte, error)
}

// Title returns the front-matter title, or the empty string.
func (d *Document) Title() string {
	if d.FrontMatter == nil {
		return ""
	}
	if title, ok := d.FrontMatter["title"].(string); ok {
		return title
	}
	return ""
}

// Tags returns the front-matter tag list, tolerating both a YAML sequence
// and a single scalar.
func (d *Document) Tags() []string {
	if d.FrontMatter == nil {
		return nil
	}
	switch v := d.FrontMatter["tags"].(type) {
	case []interface{}:
		tags := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				tags = append(tags, s)
			}
		}
		return tags
	case string:
		return []string{v}
	default:
		return nil
	}
}
