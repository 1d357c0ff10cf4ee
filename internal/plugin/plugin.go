// Package plugin registers the D2 code block processor with a host pipeline.
// It owns the process-scoped loader, dispatcher and binder between Load and
// Unload.
package plugin

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/euforicio/d2vault/internal/dispatch"
	"github.com/euforicio/d2vault/internal/engine"
	"github.com/euforicio/d2vault/internal/host"
	"github.com/euforicio/d2vault/internal/view"
)

// Language is the fence tag the plugin handles.
const Language = "d2"

// Options configure a Plugin.
type Options struct {
	// PluginDir is the vault-relative directory holding the runtime assets.
	PluginDir   string
	Provisioner engine.Provisioner
	ResourceURL func(rel string) string
	// Module overrides the in-process engine module.
	Module  engine.ModuleFunc
	Timeout time.Duration
	Logger  *slog.Logger
}

// Plugin renders d2 fences into inline SVG.
type Plugin struct {
	logger     *slog.Logger
	loader     *engine.Loader
	dispatcher *dispatch.Dispatcher
	binder     *view.Binder

	mu         sync.Mutex
	registry   host.Registry
	unregister func()
}

// ErrNotLoaded is returned by Reload before the plugin was ever loaded.
var ErrNotLoaded = errors.New("plugin is not loaded")

// New builds a plugin. Nothing is downloaded or loaded until the first block
// is handled.
func New(opts Options) *Plugin {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loader := engine.NewLoader(engine.LoaderOptions{
		Provisioner: opts.Provisioner,
		PluginDir:   opts.PluginDir,
		Module:      opts.Module,
		ResourceURL: opts.ResourceURL,
		Logger:      logger,
	})
	return &Plugin{
		logger:     logger.With("component", "plugin"),
		loader:     loader,
		dispatcher: dispatch.New(loader, dispatch.WithTimeout(opts.Timeout), dispatch.WithLogger(logger)),
		binder:     view.NewBinder(),
	}
}

// Load subscribes the plugin to d2 fences on reg. Loading twice is a no-op.
func (p *Plugin) Load(reg host.Registry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unregister != nil {
		return
	}
	p.registry = reg
	p.unregister = reg.RegisterCodeBlockProcessor(Language, p)
	p.logger.Debug("plugin loaded", slog.String("language", Language))
}

// Reload unloads the plugin and loads it again on the registry it was last
// loaded on. The engine is dropped, so the next d2 block provisions and loads
// it afresh.
func (p *Plugin) Reload() error {
	p.mu.Lock()
	reg := p.registry
	p.mu.Unlock()
	if reg == nil {
		return ErrNotLoaded
	}
	p.Unload()
	p.Load(reg)
	return nil
}

// Unload removes the subscription and drops the engine.
func (p *Plugin) Unload() {
	p.mu.Lock()
	unregister := p.unregister
	p.unregister = nil
	p.mu.Unlock()

	if unregister != nil {
		unregister()
	}
	p.loader.Close()
	p.logger.Debug("plugin unloaded")
}

// Dispatcher exposes the render dispatcher for exports that bypass the host.
func (p *Plugin) Dispatcher() *dispatch.Dispatcher {
	return p.dispatcher
}

// RuntimeURL returns the cache-busted runtime script URL once the engine is ready.
func (p *Plugin) RuntimeURL() string {
	return p.loader.RuntimeURL()
}

// Handle implements host.Processor. Failures are written into el; nothing is
// returned to the host.
func (p *Plugin) Handle(ctx context.Context, source string, el *host.Element, rc *host.RenderContext) {
	el.Transition(host.StateLoading)

	eng, err := p.loader.EnsureReady(ctx)
	if err != nil {
		p.logger.Warn("engine not ready", slog.String("path", rc.Path()), slog.Any("err", err))
		p.binder.Fail(el, view.InitErrorPrefix, err)
		return
	}

	rc.AddChild(ctx, &renderChild{plugin: p, engine: eng, source: source, el: el, path: rc.Path()})
}

// renderChild runs one diagram render while attached to a render context.
type renderChild struct {
	plugin *Plugin
	engine engine.Engine
	source string
	el     *host.Element
	path   string

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (c *renderChild) Load(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	c.el.Transition(host.StateRendering)

	svg, err := c.plugin.dispatcher.RenderWith(ctx, c.engine, c.source)
	if err == nil {
		err = c.plugin.binder.Bind(c.el, svg)
	}
	if err != nil {
		if !errors.Is(err, dispatch.ErrCompileOrRender) && !errors.Is(err, view.ErrNoSVG) {
			c.plugin.logger.Warn("diagram render failed", slog.String("path", c.path), slog.Any("err", err))
		}
		c.plugin.binder.Fail(c.el, view.RenderErrorPrefix, err)
	}
}

func (c *renderChild) Unload() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}
