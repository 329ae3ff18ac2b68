// Package markdown converts markdown notes into the plain text that gets chunked and embedded.
package markdown

import (
	"bytes"
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	"github.com/hrygo/memosense/store"
)

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// PlainText renders markdown source as plain text. Blocks are separated by a blank line
// so that paragraph boundaries survive for the chunker. Markup, raw HTML and link targets are dropped.
func PlainText(source []byte) string {
	doc := md.Parser().Parse(text.NewReader(source))

	var buf bytes.Buffer
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			if entering {
				buf.Write(node.Segment.Value(source))
				if node.HardLineBreak() || node.SoftLineBreak() {
					buf.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				buf.Write(node.Value)
			}
		case *ast.AutoLink:
			if entering {
				buf.Write(node.Label(source))
			}
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					segment := lines.At(i)
					buf.Write(segment.Value(source))
				}
				endBlock(&buf)
			}
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph, *ast.Heading, *ast.TextBlock:
			if !entering {
				endBlock(&buf)
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(buf.String())
}

// endBlock terminates the current block with exactly one blank line.
func endBlock(buf *bytes.Buffer) {
	trimmed := bytes.TrimRight(buf.Bytes(), " \t\n")
	buf.Truncate(len(trimmed))
	if buf.Len() > 0 {
		buf.WriteString("\n\n")
	}
}

// ContentProvider strips markdown from note sources of the wrapped provider.
// File sources are returned unchanged.
type ContentProvider struct {
	base store.ContentProvider
}

func NewContentProvider(base store.ContentProvider) *ContentProvider {
	return &ContentProvider{base: base}
}

func (p *ContentProvider) GetText(ctx context.Context, sourceID string) (string, error) {
	content, err := p.base.GetText(ctx, sourceID)
	if err != nil {
		return "", err
	}
	if store.ResolveSourceType(ctx, p.base, sourceID) != store.SourceTypeNote {
		return content, nil
	}
	return PlainText([]byte(content)), nil
}

func (p *ContentProvider) SourceType(ctx context.Context, sourceID string) (store.SourceType, error) {
	return store.ResolveSourceType(ctx, p.base, sourceID), nil
}

func (p *ContentProvider) ListSources(ctx context.Context) ([]string, error) {
	lister, ok := p.base.(store.SourceLister)
	if !ok {
		return nil, errors.New("content provider cannot list sources")
	}
	return lister.ListSources(ctx)
}
