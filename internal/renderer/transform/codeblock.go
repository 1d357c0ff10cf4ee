// Package transform rewrites fenced code blocks claimed by host processors into
// placeholder nodes whose content is produced outside the goldmark pipeline.
package transform

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"

	"github.com/euforicio/d2vault/internal/host"
)

// Matcher reports whether a normalized fence language has a processor.
type Matcher func(lang string) bool

var blocksKey = parser.NewContextKey()

// CodeBlockTransformer replaces matching ```lang fences with CodeBlock placeholders.
type CodeBlockTransformer struct {
	match Matcher
}

// NewCodeBlockTransformer constructs an AST transformer. A nil matcher makes it a no-op.
func NewCodeBlockTransformer(match Matcher) parser.ASTTransformer {
	return &CodeBlockTransformer{match: match}
}

// Transform implements parser.ASTTransformer.
func (t *CodeBlockTransformer) Transform(node *ast.Document, reader text.Reader, pc parser.Context) {
	if t.match == nil || node == nil {
		return
	}
	var blocks []*CodeBlock
	t.walk(node, reader, &blocks)
	pc.Set(blocksKey, blocks)
}

// Blocks returns the placeholders created while parsing with pc, in document order.
func Blocks(pc parser.Context) []*CodeBlock {
	if v := pc.Get(blocksKey); v != nil {
		if blocks, ok := v.([]*CodeBlock); ok {
			return blocks
		}
	}
	return nil
}

func (t *CodeBlockTransformer) walk(parent ast.Node, reader text.Reader, out *[]*CodeBlock) {
	for child := parent.FirstChild(); child != nil; {
		next := child.NextSibling()

		if fenced, ok := child.(*ast.FencedCodeBlock); ok {
			lang := NormalizeLanguage(string(fenced.Language(reader.Source())))
			if lang != "" && t.match(lang) {
				placeholder := &CodeBlock{
					Language: lang,
					Source:   blockSource(fenced, reader),
					Element:  host.NewElement(),
				}
				placeholder.SetBlankPreviousLines(fenced.HasBlankPreviousLines())
				copyAttributes(fenced, placeholder)
				parent.ReplaceChild(parent, fenced, placeholder)
				*out = append(*out, placeholder)
				child = next
				continue
			}
		}

		if child.HasChildren() {
			t.walk(child, reader, out)
		}
		child = next
	}
}

// NormalizeLanguage lower-cases and trims a fence info language.
func NormalizeLanguage(lang string) string {
	return strings.ToLower(strings.TrimSpace(lang))
}

func blockSource(block *ast.FencedCodeBlock, reader text.Reader) string {
	var buf bytes.Buffer
	for i := 0; i < block.Lines().Len(); i++ {
		segment := block.Lines().At(i)
		buf.Write(segment.Value(reader.Source()))
	}
	return buf.String()
}

func copyAttributes(src ast.Node, dst ast.Node) {
	if src == nil || dst == nil {
		return
	}
	if src.Attributes() == nil {
		return
	}
	for _, attr := range src.Attributes() {
		dst.SetAttribute(attr.Name, attr.Value)
	}
}

// CodeBlock stands in for a fenced block until its processor fills the element.
type CodeBlock struct {
	ast.BaseBlock
	Language string
	Source   string
	Element  *host.Element
}

// KindCodeBlock represents a processed code block node kind.
var KindCodeBlock = ast.NewNodeKind("ProcessedCodeBlock")

// Kind implements ast.Node.
func (b *CodeBlock) Kind() ast.NodeKind {
	return KindCodeBlock
}

// IsRaw marks the node as raw HTML.
func (b *CodeBlock) IsRaw() bool {
	return true
}

// Dump aids debugging.
func (b *CodeBlock) Dump(source []byte, level int) {
	info := map[string]string{
		"Language": b.Language,
		"Source":   fmt.Sprintf("%d bytes", len(b.Source)),
	}
	if b.Element != nil {
		info["State"] = b.Element.State().String()
	}
	ast.DumpHelper(b, source, level, info, nil)
}

// CodeBlockRenderer writes placeholder elements into HTML output.
type CodeBlockRenderer struct{}

// NewCodeBlockRenderer returns a renderer for CodeBlock nodes.
func NewCodeBlockRenderer() renderer.NodeRenderer {
	return &CodeBlockRenderer{}
}

// RegisterFuncs implements renderer.NodeRenderer.
func (r *CodeBlockRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(KindCodeBlock, r.renderCodeBlock)
}

func (r *CodeBlockRenderer) renderCodeBlock(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkSkipChildren, nil
	}
	block := node.(*CodeBlock)

	state := host.StatePending
	content := ""
	if block.Element != nil {
		state = block.Element.State()
		content = block.Element.HTML()
	}

	var attrs strings.Builder
	fmt.Fprintf(&attrs, ` class="block-language-%s"`, util.EscapeHTML([]byte(block.Language)))
	fmt.Fprintf(&attrs, ` data-state="%s"`, state)
	if block.Source != "" {
		fmt.Fprintf(&attrs, ` data-source-b64="%s"`, base64.StdEncoding.EncodeToString([]byte(block.Source)))
	}

	if _, err := w.WriteString(`<div` + attrs.String() + `>`); err != nil {
		return ast.WalkStop, err
	}
	if _, err := w.WriteString(content); err != nil {
		return ast.WalkStop, err
	}
	if _, err := w.WriteString("</div>\n"); err != nil {
		return ast.WalkStop, err
	}
	return ast.WalkSkipChildren, nil
}
