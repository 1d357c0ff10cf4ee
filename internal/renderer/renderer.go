// Package renderer converts vault notes to HTML with caching and syntax
// highlighting, and hosts code block processors registered by plugins.
package renderer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	goldmarkmeta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	gmrenderer "github.com/yuin/goldmark/renderer"
	htmlrenderer "github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
	"go.abhg.dev/goldmark/anchor"
	"golang.org/x/sync/errgroup"

	"github.com/euforicio/d2vault/internal/host"
	"github.com/euforicio/d2vault/internal/metrics"
	"github.com/euforicio/d2vault/internal/renderer/transform"
)

// Metadata captures optional frontmatter data rendered alongside a document.
type Metadata struct {
	Raw         map[string]any
	Title       string
	Description string
	Tags        []string
}

// IsZero reports whether the metadata carries any meaningful values.
func (m Metadata) IsZero() bool {
	if m.Title != "" || m.Description != "" || len(m.Tags) > 0 {
		return false
	}
	return len(m.Raw) == 0
}

// Document represents a rendered markdown file.
//
//nolint:govet // field order optimized for readability, not memory
type Document struct {
	HTML     string
	Metadata Metadata
	Modified time.Time
	Raw      string
	// Blocks counts processed code blocks per fence language.
	Blocks map[string]int
}

type cacheEntry struct {
	modTime time.Time
	doc     Document
}

type cacheKey string

// Service renders markdown into HTML with caching.
// It uses Goldmark for markdown parsing with GitHub-flavored markdown extensions,
// syntax highlighting, and automatic link transformation for vault navigation.
// Fenced blocks whose language has a registered processor are handed to that
// processor, one independent attempt per block.
// Rendered documents are cached by path and modification time for improved performance.
type Service struct {
	md          goldmark.Markdown
	logger      *slog.Logger
	cache       sync.Map // map[cacheKey]cacheEntry
	contexts    sync.Map // map[cacheKey]*host.RenderContext
	procMu      sync.RWMutex
	processors  map[string]*registration
	concurrency int
}

type registration struct {
	processor host.Processor
}

// contextKey for storing document path
var docPathKey = parser.NewContextKey()

// linkTransformer rewrites .md links to /page/ routes and image paths to /resource/ routes
type linkTransformer struct{}

func (t *linkTransformer) Transform(node *ast.Document, _ text.Reader, pc parser.Context) {
	// Get current document path from context (vault-relative path)
	currentPath := ""
	if v := pc.Get(docPathKey); v != nil {
		if str, ok := v.(string); ok {
			currentPath = str
		}
	}

	// Get directory of current document (vault-relative)
	currentDir := path.Dir(currentPath)

	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch typed := n.(type) {
		case *ast.Link:
			t.transformLink(typed, currentDir)
		case *ast.Image:
			t.transformImage(typed, currentDir)
		}

		return ast.WalkContinue, nil
	})
}

func (t *linkTransformer) transformLink(link *ast.Link, currentDir string) {
	dest := string(link.Destination)
	if dest == "" || t.isExternalLink(dest) || strings.HasPrefix(dest, "#") || strings.HasPrefix(dest, "/page/") {
		return
	}

	if !strings.HasSuffix(dest, ".md") {
		return
	}

	link.Destination = []byte("/page/" + normalizeVaultPath(dest, currentDir))
}

func (t *linkTransformer) transformImage(img *ast.Image, currentDir string) {
	dest := string(img.Destination)
	if dest == "" || t.isExternalLink(dest) || strings.HasPrefix(dest, "data:") ||
		strings.HasPrefix(dest, "/resource/") || strings.HasPrefix(dest, "/static/") {
		return
	}

	img.Destination = []byte("/resource/" + normalizeVaultPath(dest, currentDir))
}

func (t *linkTransformer) isExternalLink(dest string) bool {
	return strings.HasPrefix(dest, "http://") || strings.HasPrefix(dest, "https://")
}

func normalizeVaultPath(dest, currentDir string) string {
	if !strings.HasPrefix(dest, "/") {
		if currentDir != "" && currentDir != "." {
			dest = path.Join(currentDir, dest)
		}
		dest = path.Clean(dest)
	}

	return strings.TrimPrefix(dest, "/")
}

// NewService constructs a markdown renderer with GitHub-flavored markdown support.
// The renderer includes:
//   - GitHub-flavored markdown extensions (tables, strikethrough, task lists, autolinks, etc.)
//   - Syntax highlighting with the github-dark theme
//   - YAML frontmatter parsing for document metadata
//   - Automatic link transformation for .md files to /page/ routes
//   - Code block processors registered through RegisterCodeBlockProcessor
//   - Raw HTML rendering enabled (notes are local and trusted)
//
// If logger is nil, the default slog logger is used.
func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		logger:      logger.With("component", "renderer"),
		processors:  make(map[string]*registration),
		concurrency: runtime.GOMAXPROCS(0),
	}

	highlight := highlighting.NewHighlighting(
		highlighting.WithStyle(HighlightStyle),
		highlighting.WithFormatOptions(
			html.WithLineNumbers(false),
			html.WithClasses(true),
		),
	)

	s.md = goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			goldmarkmeta.Meta,
			highlight,
			&anchor.Extender{
				Position: anchor.After, // Place anchor link after heading text
			},
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
			parser.WithAttribute(), // Enable attribute syntax for blocks and inlines
			parser.WithASTTransformers(
				util.Prioritized(&linkTransformer{}, 100),
				util.Prioritized(transform.NewCodeBlockTransformer(s.hasProcessor), 200),
			),
		),
		goldmark.WithRendererOptions(
			htmlrenderer.WithUnsafe(),
			htmlrenderer.WithXHTML(),
			gmrenderer.WithNodeRenderers(
				util.Prioritized(transform.NewCodeBlockRenderer(), 100),
			),
		),
	)

	return s
}

// RegisterCodeBlockProcessor routes fenced blocks tagged lang to p. Registering
// replaces an earlier processor for the same language. Cached documents are
// dropped so the next render runs the new processor.
func (s *Service) RegisterCodeBlockProcessor(lang string, p host.Processor) func() {
	key := transform.NormalizeLanguage(lang)
	reg := &registration{processor: p}

	s.procMu.Lock()
	s.processors[key] = reg
	s.procMu.Unlock()
	s.purge()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.procMu.Lock()
			if s.processors[key] == reg {
				delete(s.processors, key)
			}
			s.procMu.Unlock()
			s.purge()
		})
	}
}

func (s *Service) hasProcessor(lang string) bool {
	_, ok := s.processor(lang)
	return ok
}

func (s *Service) processor(lang string) (host.Processor, bool) {
	s.procMu.RLock()
	defer s.procMu.RUnlock()
	reg, ok := s.processors[lang]
	if !ok {
		return nil, false
	}
	return reg.processor, true
}

// Render converts markdown content to HTML, caching results by path and modification time.
// If a cached entry exists with a matching modification time, it is returned immediately.
// Otherwise, the markdown is parsed, processed code blocks are dispatched concurrently,
// and the result is rendered and cached. The previous render context of the path is
// unloaded before the new one is populated.
// The path parameter is used for cache key generation and relative link resolution.
func (s *Service) Render(ctx context.Context, path string, modTime time.Time, content []byte) (Document, error) {
	key := cacheKey(path)

	if entry, ok := s.cache.Load(key); ok {
		if cached, ok := entry.(cacheEntry); ok {
			if !cached.modTime.IsZero() && modTime.Equal(cached.modTime) {
				return cached.doc, nil
			}
		}
	}

	parserCtx := parser.NewContext()
	parserCtx.Set(docPathKey, path)
	root := s.md.Parser().Parse(text.NewReader(content), parser.WithContext(parserCtx))

	rc := host.NewRenderContext(path)
	if prev, loaded := s.contexts.Swap(key, rc); loaded {
		prev.(*host.RenderContext).Unload()
	}

	blocks := transform.Blocks(parserCtx)
	s.dispatch(ctx, rc, blocks)

	buf := bytes.NewBuffer(nil)
	if err := s.md.Renderer().Render(buf, content, root); err != nil {
		return Document{}, fmt.Errorf("render markdown: %w", err)
	}

	metadata := extractMetadata(parserCtx)
	doc := Document{
		HTML:     buf.String(),
		Metadata: metadata,
		Modified: modTime,
		Raw:      string(content),
		Blocks:   countBlocks(blocks),
	}

	// A render superseded by a newer one for the same path leaves the cache to
	// it. Failed or unfinished blocks are retried on the next render.
	if current, ok := s.contexts.Load(key); !ok || current != rc {
		return doc, nil
	}
	if allSettled(blocks) {
		s.cache.Store(key, cacheEntry{modTime: modTime, doc: doc})
	} else {
		s.cache.Delete(key)
	}
	return doc, nil
}

// allSettled reports whether every block reached Bound.
func allSettled(blocks []*transform.CodeBlock) bool {
	for _, b := range blocks {
		if b.Element.State() != host.StateBound {
			return false
		}
	}
	return true
}

// dispatch runs each block's processor in its own goroutine. Processors report
// failures through their element, so one block never affects its siblings.
func (s *Service) dispatch(ctx context.Context, rc *host.RenderContext, blocks []*transform.CodeBlock) {
	if len(blocks) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, block := range blocks {
		g.Go(func() error {
			s.handleBlock(ctx, rc, block)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) handleBlock(ctx context.Context, rc *host.RenderContext, block *transform.CodeBlock) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "code block processor panicked",
				slog.String("lang", block.Language),
				slog.String("path", rc.Path()),
				slog.Any("panic", r),
			)
			block.Element.SetText(fmt.Sprintf("%s processor failed: %v", block.Language, r))
			block.Element.Transition(host.StateError)
		}
	}()

	p, ok := s.processor(block.Language)
	if !ok {
		// Unregistered between parse and dispatch: show the source as-is.
		block.Element.SetText(block.Source)
		return
	}
	metrics.CodeBlocksProcessed.WithLabelValues(block.Language).Inc()
	p.Handle(ctx, block.Source, block.Element, rc)
}

func countBlocks(blocks []*transform.CodeBlock) map[string]int {
	if len(blocks) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, b := range blocks {
		counts[b.Language]++
	}
	return counts
}

// Invalidate removes the cached entry for the given path and unloads the
// children of its last render.
// This should be called when a document is updated or deleted to ensure
// the next Render call processes the latest content.
func (s *Service) Invalidate(path string) {
	key := cacheKey(path)
	s.cache.Delete(key)
	if rc, loaded := s.contexts.LoadAndDelete(key); loaded {
		rc.(*host.RenderContext).Unload()
	}
}

// Close unloads every live render context.
func (s *Service) Close() {
	s.purge()
}

func (s *Service) purge() {
	s.cache.Range(func(k, _ any) bool {
		s.cache.Delete(k)
		return true
	})
	s.contexts.Range(func(k, v any) bool {
		if _, loaded := s.contexts.LoadAndDelete(k); loaded {
			v.(*host.RenderContext).Unload()
		}
		return true
	})
}

func extractMetadata(ctx parser.Context) Metadata {
	raw := goldmarkmeta.Get(ctx)
	var meta Metadata
	if raw == nil {
		return meta
	}

	meta.Raw = make(map[string]any)
	for k, v := range raw {
		meta.Raw[k] = v
		switch k {
		case "title":
			if str, ok := toString(v); ok {
				meta.Title = str
			}
		case "description", "summary":
			if str, ok := toString(v); ok {
				meta.Description = str
			}
		case "tags", "keywords":
			meta.Tags = toStringSlice(v)
		}
	}

	if len(meta.Raw) == 0 {
		meta.Raw = nil
	}

	return meta
}

func toString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case fmt.Stringer:
		return val.String(), true
	default:
		return "", false
	}
}

func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if str, ok := toString(item); ok {
				out = append(out, str)
			}
		}
		return out
	case []string:
		return append([]string(nil), vv...)
	default:
		if str, ok := toString(v); ok {
			return []string{str}
		}
		return nil
	}
}
