package renderer

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/styles"
)

// HighlightStyle is the chroma style used for fenced code.
const HighlightStyle = "github-dark"

var highlightCSS = sync.OnceValues(func() (string, error) {
	style := styles.Get(HighlightStyle)
	if style == nil {
		return "", fmt.Errorf("chroma style %q not found", HighlightStyle)
	}
	formatter := html.New(
		html.WithClasses(true),
		html.ClassPrefix(""),
	)
	var buf bytes.Buffer
	if err := formatter.WriteCSS(&buf, style); err != nil {
		return "", fmt.Errorf("generate highlight css: %w", err)
	}
	return buf.String(), nil
})

// HighlightCSS returns the stylesheet for the class names emitted by the
// highlighter.
func HighlightCSS() (string, error) {
	return highlightCSS()
}
