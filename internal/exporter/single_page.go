package exporter

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	pdf "github.com/stephenafamo/goldmark-pdf"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"

	"github.com/euforicio/d2vault/internal/buildinfo"
	"github.com/euforicio/d2vault/internal/renderer"
	"github.com/euforicio/d2vault/internal/vault"
)

// Format represents an export format.
type Format string

const (
	// FormatHTML exports as HTML.
	FormatHTML Format = "html"
	// FormatMarkdown exports as markdown.
	FormatMarkdown Format = "markdown"
	// FormatPlainText exports as plain text.
	FormatPlainText Format = "txt"
	// FormatPDF exports as PDF.
	FormatPDF Format = "pdf"
)

var formatAliases = map[string]Format{
	"md":   FormatMarkdown,
	"text": FormatPlainText,
	"htm":  FormatHTML,
}

// ValidFormats returns the list of supported export formats.
func ValidFormats() []Format {
	return []Format{FormatHTML, FormatMarkdown, FormatPlainText, FormatPDF}
}

// ParseFormat normalizes a user-supplied format name, accepting short aliases
// such as "md".
func ParseFormat(raw string) (Format, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if alias, ok := formatAliases[name]; ok {
		return alias, nil
	}
	for _, valid := range ValidFormats() {
		if Format(name) == valid {
			return valid, nil
		}
	}
	return "", fmt.Errorf("unsupported format: %s", raw)
}

// IsValidFormat checks if the given format is valid.
func IsValidFormat(format string) bool {
	_, err := ParseFormat(format)
	return err == nil
}

type source struct {
	modTime time.Time
	path    string
	raw     []byte
}

type noteView struct {
	Modified  time.Time
	Title     string
	Generator string
	Metadata  renderer.Metadata
	HTML      template.HTML
	Highlight template.CSS
}

func (e *Exporter) exportHTML(ctx context.Context, page source, w io.Writer) error {
	doc, err := e.renderer.Render(ctx, page.path, page.modTime, page.raw)
	if err != nil {
		return fmt.Errorf("render html: %w", err)
	}

	title := doc.Metadata.Title
	if title == "" {
		title = vault.TitleFromPath(page.path)
	}

	highlight, err := renderer.HighlightCSS()
	if err != nil {
		return err
	}

	return e.templates.render(w, "note", noteView{
		Title:     title,
		Highlight: template.CSS(highlight), //nolint:gosec // generated by chroma
		Metadata:  doc.Metadata,
		Modified:  doc.Modified,
		Generator: "d2vault " + buildinfo.Summary(),
		HTML:      template.HTML(doc.HTML), //nolint:gosec // HTML from trusted renderer
	})
}

func (e *Exporter) exportMarkdown(page source, w io.Writer) error {
	_, err := w.Write(page.raw)
	return err
}

func (e *Exporter) exportPlainText(ctx context.Context, page source, w io.Writer) error {
	doc, err := e.renderer.Render(ctx, page.path, page.modTime, page.raw)
	if err != nil {
		return fmt.Errorf("render text: %w", err)
	}

	text, err := htmlToText(doc.HTML)
	if err != nil {
		return fmt.Errorf("extract text: %w", err)
	}
	_, err = io.WriteString(w, text)
	return err
}

// exportPDF embeds rendered diagrams as images first. If the PDF renderer
// rejects the rewritten markdown, the note is converted again from its source.
func (e *Exporter) exportPDF(ctx context.Context, page source, w io.Writer) error {
	enc := &diagramEncoder{diagrams: e.diagrams, logger: e.logger}
	encoded, err := enc.encode(ctx, page.raw)
	if err != nil {
		return fmt.Errorf("embed diagrams: %w", err)
	}

	var buf bytes.Buffer
	if err := convertPDF(encoded, &buf); err != nil {
		if bytes.Equal(encoded, page.raw) {
			return err
		}
		e.logger.WarnContext(ctx, "pdf with embedded diagrams failed, retrying from source",
			"path", page.path, "err", err)
		buf.Reset()
		if err := convertPDF(page.raw, &buf); err != nil {
			return err
		}
	}

	_, err = buf.WriteTo(w)
	return err
}

func convertPDF(markdown []byte, w io.Writer) error {
	// The PDF renderer has no hard wraps option.
	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			meta.Meta,
			highlighting.NewHighlighting(
				highlighting.WithStyle("monokai"),
			),
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRenderer(pdf.New()),
	)

	if err := md.Convert(markdown, w); err != nil {
		return fmt.Errorf("convert markdown to PDF: %w", err)
	}
	return nil
}

// htmlToText returns the readable text of rendered markup. Diagram drawings
// and heading anchors are dropped; failure text in placeholders is kept.
func htmlToText(markup string) (string, error) {
	dom, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return "", err
	}
	dom.Find("script, style, svg, a.anchor").Remove()

	var (
		out   strings.Builder
		blank bool
	)
	for _, line := range strings.Split(dom.Text(), "\n") {
		line = strings.TrimRight(line, " \t\r")
		if line == "" {
			blank = out.Len() > 0
			continue
		}
		if blank {
			out.WriteByte('\n')
			blank = false
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return strings.TrimSpace(out.String()), nil
}

// ContentType returns the MIME type for the given format.
func ContentType(format Format) string {
	switch format {
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatMarkdown:
		return "text/markdown; charset=utf-8"
	case FormatPlainText:
		return "text/plain; charset=utf-8"
	case FormatPDF:
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

// FileExtension returns the file extension for the given format.
func FileExtension(format Format) string {
	switch format {
	case FormatHTML:
		return ".html"
	case FormatMarkdown:
		return ".md"
	case FormatPlainText:
		return ".txt"
	case FormatPDF:
		return ".pdf"
	default:
		return ""
	}
}
