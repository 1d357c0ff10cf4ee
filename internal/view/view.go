// Package view writes diagram output or failure text into a placeholder element.
package view

import (
	"errors"
	"regexp"
	"strings"

	"github.com/euforicio/d2vault/internal/host"
)

// Error prefixes shown to readers.
const (
	RenderErrorPrefix = "D2 render error: "
	InitErrorPrefix   = "D2 init error: "
)

// HostClass is the class of the container wrapping a bound diagram.
const HostClass = "d2-host"

const responsiveStyle = "max-width:100%;height:auto;display:block"

// ErrNoSVG is returned when markup has no svg element to bind.
var ErrNoSVG = errors.New("render produced no svg element")

var (
	svgOpenTag  = regexp.MustCompile(`(?i)<svg\b[^>]*>`)
	sizingAttrs = regexp.MustCompile(`(?i)\s(?:width|height|style)\s*=\s*(?:"[^"]*"|'[^']*')`)
)

// Binder places rendered diagrams into elements.
type Binder struct{}

// NewBinder returns a Binder.
func NewBinder() *Binder {
	return &Binder{}
}

// Bind replaces el's content with a host container holding markup. Anything
// before the first svg tag, such as an XML prolog, is dropped and the top-level
// svg is made responsive. Nested svg elements are left alone.
func (b *Binder) Bind(el *host.Element, markup string) error {
	loc := svgOpenTag.FindStringIndex(markup)
	if loc == nil {
		return ErrNoSVG
	}

	tag := markup[loc[0]:loc[1]]
	selfClosing := strings.HasSuffix(tag, "/>")
	attrs := tag[len("<svg") : len(tag)-1]
	if selfClosing {
		attrs = attrs[:len(attrs)-1]
	}
	attrs = sizingAttrs.ReplaceAllString(attrs, "")

	var sb strings.Builder
	sb.Grow(len(markup) + 96)
	sb.WriteString(`<div class="`)
	sb.WriteString(HostClass)
	sb.WriteString(`">`)
	sb.WriteString(`<svg width="100%" height="auto" style="`)
	sb.WriteString(responsiveStyle)
	sb.WriteString(`"`)
	sb.WriteString(attrs)
	if selfClosing {
		sb.WriteString("/>")
	} else {
		sb.WriteString(">")
	}
	sb.WriteString(markup[loc[1]:])
	sb.WriteString(`</div>`)

	el.Empty()
	el.SetHTML(sb.String())
	el.Transition(host.StateBound)
	return nil
}

// Fail sets el's text to prefix followed by err's message.
func (b *Binder) Fail(el *host.Element, prefix string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	el.Empty()
	el.SetText(prefix + msg)
	el.Transition(host.StateError)
}
