package host

import (
	"context"
	"sync"
)

// Child is a lifecycle object bound to a render context. Load runs when the
// child is attached; Unload runs when the document is re-rendered or removed.
type Child interface {
	Load(ctx context.Context)
	Unload()
}

// RenderContext owns the children created while rendering one document.
type RenderContext struct {
	path     string
	mu       sync.Mutex
	children []Child
	closed   bool
}

// NewRenderContext creates a context for the document at path.
func NewRenderContext(path string) *RenderContext {
	return &RenderContext{path: path}
}

// Path returns the vault-relative document path.
func (rc *RenderContext) Path() string {
	return rc.path
}

// AddChild attaches c and loads it. A child added after Unload still loads,
// so its element reaches a terminal state, and is unloaded right after.
func (rc *RenderContext) AddChild(ctx context.Context, c Child) {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		c.Load(ctx)
		c.Unload()
		return
	}
	rc.children = append(rc.children, c)
	rc.mu.Unlock()

	c.Load(ctx)
}

// Len returns the number of attached children.
func (rc *RenderContext) Len() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.children)
}

// Unload tears down every child in reverse attach order. It is idempotent.
func (rc *RenderContext) Unload() {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	rc.closed = true
	children := rc.children
	rc.children = nil
	rc.mu.Unlock()

	for i := len(children) - 1; i >= 0; i-- {
		children[i].Unload()
	}
}
