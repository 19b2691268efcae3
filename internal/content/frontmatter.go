package content

import (
	"bytes"

	"gopkg.in/yaml.v3"

	hearth "github.com/hearth-dev/hearth/internal/errors"
)

var frontMatterDelimiter = []byte("---")

// FrontMatterParser is the default Parser. It splits a leading YAML front
// matter block (delimited by --- lines) from the body and carries the body
// through verbatim.
type FrontMatterParser struct{}

// NewFrontMatterParser creates the default parser.
func NewFrontMatterParser() *FrontMatterParser {
	return &FrontMatterParser{}
}

// Parse splits and decodes front matter. A document without a front matter
// block parses successfully with a nil FrontMatter map; malformed YAML in a
// present block is a recoverable parse error.
func (p *FrontMatterParser) Parse(src []byte) (*Document, error) {
	block, body, ok := splitFrontMatter(src)
	if !ok {
		return &Document{Body: src}, nil
	}

	meta := make(map[string]interface{})
	if err := yaml.Unmarshal(block, &meta); err != nil {
		return nil, hearth.NewBuildError(hearth.ErrCodeParseFailed, "malformed front matter", err)
	}

	return &Document{FrontMatter: meta, Body: body}, nil
}

// splitFrontMatter returns the YAML block and the remaining body. The block
// must start on the first line.
func splitFrontMatter(src []byte) (block, body []byte, ok bool) {
	trimmed := bytes.TrimPrefix(src, []byte("\xef\xbb\xbf")) // strip UTF-8 BOM

	if !bytes.HasPrefix(trimmed, frontMatterDelimiter) {
		return nil, nil, false
	}
	rest := trimmed[len(frontMatterDelimiter):]
	if len(rest) == 0 || (rest[0] != '\n' && !bytes.HasPrefix(rest, []byte("\r\n"))) {
		return nil, nil, false
	}
	rest = bytes.TrimPrefix(rest, []byte("\r"))
	rest = bytes.TrimPrefix(rest, []byte("\n"))

	end := bytes.Index(rest, append([]byte("\n"), frontMatterDelimiter...))
	if end < 0 {
		return nil, nil, false
	}

	block = rest[:end]
	body = rest[end+1+len(frontMatterDelimiter):]
	body = bytes.TrimPrefix(body, []byte("\r"))
	body = bytes.TrimPrefix(body, []byte("\n"))

	return block, body, true
}
