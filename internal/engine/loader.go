package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/euforicio/d2vault/internal/assets"
	"github.com/euforicio/d2vault/internal/metrics"
)

// Provisioner makes the runtime assets available before the engine loads.
type Provisioner interface {
	Ensure(ctx context.Context, dir string) error
}

// ModuleFunc brings in the engine module. runtimeURL is the cache-busted
// resource URL of the provisioned runtime script.
type ModuleFunc func(ctx context.Context, runtimeURL string) (any, error)

// LoaderOptions configure a Loader.
type LoaderOptions struct {
	Provisioner Provisioner
	PluginDir   string
	// RuntimeFile defaults to assets.RuntimeScript.
	RuntimeFile string
	// Module defaults to DefaultModule.
	Module ModuleFunc
	// ResourceURL maps a vault-relative path to its served URL.
	ResourceURL func(rel string) string
	Logger      *slog.Logger
	Now         func() time.Time
}

const loadKey = "engine"

// Loader owns the process-wide engine. Concurrent EnsureReady calls share one
// load; a failed load leaves the loader empty so a later call retries.
type Loader struct {
	opts   LoaderOptions
	logger *slog.Logger
	group  singleflight.Group

	mu         sync.RWMutex
	engine     Engine
	runtimeURL string
	generation uint64
}

// NewLoader returns an empty loader.
func NewLoader(opts LoaderOptions) *Loader {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RuntimeFile == "" {
		opts.RuntimeFile = assets.RuntimeScript
	}
	if opts.Module == nil {
		opts.Module = DefaultModule(opts.Logger)
	}
	if opts.ResourceURL == nil {
		opts.ResourceURL = func(rel string) string { return "/resource/" + rel }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Loader{opts: opts, logger: opts.Logger.With("component", "engine")}
}

// Ready reports whether an engine has been loaded.
func (l *Loader) Ready() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.engine != nil
}

// RuntimeURL returns the cache-busted runtime script URL, or "" before the
// engine is ready.
func (l *Loader) RuntimeURL() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.runtimeURL
}

// EnsureReady returns the loaded engine, loading it on first use. The load
// itself is not bound to ctx; a caller whose ctx ends stops waiting while the
// shared load continues for the others.
func (l *Loader) EnsureReady(ctx context.Context) (Engine, error) {
	if eng := l.current(); eng != nil {
		return eng, nil
	}

	ch := l.group.DoChan(loadKey, func() (any, error) {
		l.mu.RLock()
		eng, gen := l.engine, l.generation
		l.mu.RUnlock()
		if eng != nil {
			return eng, nil
		}
		return l.load(context.WithoutCancel(ctx), gen)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Engine), nil
	}
}

// Close drops the engine. A load still in flight is discarded when it ends.
func (l *Loader) Close() {
	l.mu.Lock()
	l.engine = nil
	l.runtimeURL = ""
	l.generation++
	l.mu.Unlock()
	l.group.Forget(loadKey)
}

func (l *Loader) current() Engine {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.engine
}

func (l *Loader) load(ctx context.Context, gen uint64) (Engine, error) {
	start := time.Now()

	if l.opts.Provisioner != nil {
		if err := l.opts.Provisioner.Ensure(ctx, l.opts.PluginDir); err != nil {
			metrics.EngineLoadsTotal.WithLabelValues("error").Inc()
			l.logger.Warn("runtime provisioning failed", slog.Any("err", err))
			return nil, err
		}
	}

	rel := path.Join(l.opts.PluginDir, l.opts.RuntimeFile)
	runtimeURL := l.opts.ResourceURL(rel) + "?v=" + strconv.FormatInt(l.opts.Now().UnixMilli(), 10)

	module, err := l.opts.Module(ctx, runtimeURL)
	if err != nil {
		metrics.EngineLoadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: load module: %w", ErrEngineLoad, err)
	}
	eng, err := Adapt(module)
	if err != nil {
		metrics.EngineLoadsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.generation != gen {
		metrics.EngineLoadsTotal.WithLabelValues("discarded").Inc()
		return nil, fmt.Errorf("%w: loader closed during load", ErrEngineLoad)
	}
	if l.engine == nil {
		l.engine = eng
		l.runtimeURL = runtimeURL
	}
	metrics.EngineLoadsTotal.WithLabelValues("ok").Inc()
	l.logger.Info("engine ready", slog.String("runtime", runtimeURL), slog.Duration("elapsed", time.Since(start)))
	return l.engine, nil
}
