// Package host defines the contract between the document pipeline and code block
// processors. Processors never see goldmark or HTTP types; they receive the fence
// source, a placeholder element and the render context owning its lifecycle.
package host

import (
	"context"
	"html"
	"sync"
)

// State tracks one code block occurrence from placeholder to final output.
type State int

// Occurrence states. Bound and Error are terminal.
const (
	StatePending State = iota
	StateLoading
	StateRendering
	StateBound
	StateError
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateLoading:
		return "loading"
	case StateRendering:
		return "rendering"
	case StateBound:
		return "bound"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateBound || s == StateError
}

var transitions = map[State][]State{
	StatePending:   {StateLoading, StateError},
	StateLoading:   {StateRendering, StateError},
	StateRendering: {StateBound, StateError},
}

// Element is the placeholder that replaces a fenced code block in the rendered
// document. Its content is either raw HTML or plain text, never both.
type Element struct {
	mu     sync.Mutex
	html   string
	text   string
	isHTML bool
	state  State
}

// NewElement returns an empty placeholder in the pending state.
func NewElement() *Element {
	return &Element{}
}

// Empty clears any content.
func (e *Element) Empty() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.html, e.text, e.isHTML = "", "", false
}

// SetText replaces the content with plain text.
func (e *Element) SetText(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.html, e.text, e.isHTML = "", text, false
}

// SetHTML replaces the content with trusted markup.
func (e *Element) SetHTML(markup string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.html, e.text, e.isHTML = markup, "", true
}

// Text returns the plain text content, or "" when the element holds markup.
func (e *Element) Text() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.text
}

// HTML returns the element content ready to be written into a document.
func (e *Element) HTML() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isHTML {
		return e.html
	}
	return html.EscapeString(e.text)
}

// State returns the current occurrence state.
func (e *Element) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Transition moves the element to next and reports whether the move was allowed.
func (e *Element) Transition(next State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, allowed := range transitions[e.state] {
		if allowed == next {
			e.state = next
			return true
		}
	}
	return false
}

// Processor handles one fenced code block occurrence. Implementations must not
// panic or block forever on a sibling's failure; errors are reported through el.
type Processor interface {
	Handle(ctx context.Context, source string, el *Element, rc *RenderContext)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, source string, el *Element, rc *RenderContext)

// Handle implements Processor.
func (f ProcessorFunc) Handle(ctx context.Context, source string, el *Element, rc *RenderContext) {
	f(ctx, source, el, rc)
}

// Registry accepts code block processors keyed by fence language. The returned
// function removes the registration.
type Registry interface {
	RegisterCodeBlockProcessor(lang string, p Processor) (unregister func())
}

// Notifier shows transient, user-visible messages.
type Notifier interface {
	Notice(ctx context.Context, msg string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, msg string)

// Notice implements Notifier.
func (f NotifierFunc) Notice(ctx context.Context, msg string) {
	f(ctx, msg)
}
