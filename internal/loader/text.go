package loader

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

type textLoader struct{}

type markdownLoader struct{}

func init() {
	Register(".txt", textLoader{}, "text/plain")
	Register(".md", markdownLoader{}, "text/plain")
	Register(".markdown", markdownLoader{}, "text/plain")
}

func (textLoader) Load(ctx context.Context, data []byte, filename string) ([]Unit, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("text is not valid utf-8")
	}
	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	content = strings.TrimPrefix(content, "\ufeff")
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	return []Unit{{Text: content, Metadata: map[string]interface{}{}}}, nil
}

// Load flattens markdown into plain paragraphs separated by blank lines so
// the chunker can split on block boundaries.
func (markdownLoader) Load(ctx context.Context, data []byte, filename string) ([]Unit, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("markdown is not valid utf-8")
	}
	source := []byte(strings.ReplaceAll(string(data), "\r\n", "\n"))
	doc := goldmark.New().Parser().Parse(text.NewReader(source))
	var blocks []string
	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		var block string
		switch n := node.(type) {
		case *ast.FencedCodeBlock:
			block = blockLines(n, source)
		case *ast.CodeBlock:
			block = blockLines(n, source)
		default:
			block = extractText(n, source)
		}
		if block != "" {
			blocks = append(blocks, block)
		}
	}
	if len(blocks) == 0 {
		return nil, nil
	}
	return []Unit{{Text: strings.Join(blocks, "\n\n"), Metadata: map[string]interface{}{}}}, nil
}

func blockLines(n ast.Node, source []byte) string {
	var sb strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		sb.Write(line.Value(source))
	}
	return strings.TrimSpace(sb.String())
}

func extractText(n ast.Node, source []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if node.Kind() == ast.KindParagraph || node.Kind() == ast.KindListItem {
				sb.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}
		if t, ok := node.(*ast.Text); ok {
			sb.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteByte(' ')
			}
		}
		return ast.WalkContinue, nil
	})
	return collapseWhitespace(sb.String())
}
