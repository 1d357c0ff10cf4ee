// Package dispatch turns one diagram source into SVG markup using the loaded
// engine. Each call compiles and renders independently; nothing is shared
// between diagrams except the engine itself.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/euforicio/d2vault/internal/engine"
	"github.com/euforicio/d2vault/internal/metrics"
)

// DefaultTimeout bounds one compile+render call.
const DefaultTimeout = 12 * time.Second

// ErrCompileOrRender matches every *RenderError.
var ErrCompileOrRender = errors.New("d2 compile or render failed")

// Stage names where a render attempt failed.
type Stage string

// Failure stages.
const (
	StageCompile Stage = "compile"
	StageRender  Stage = "render"
)

// RenderError reports an engine failure. Its message is the engine's own
// description so callers can show it verbatim after their prefix.
type RenderError struct {
	Stage Stage
	Err   error
}

func (e *RenderError) Error() string {
	return e.Err.Error()
}

// Is matches ErrCompileOrRender.
func (e *RenderError) Is(target error) bool {
	return target == ErrCompileOrRender
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// Readier yields a ready engine.
type Readier interface {
	EnsureReady(ctx context.Context) (engine.Engine, error)
}

// Dispatcher runs compile+render for single diagrams.
type Dispatcher struct {
	loader  Readier
	logger  *slog.Logger
	timeout time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout overrides DefaultTimeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(ds *Dispatcher) {
		if d > 0 {
			ds.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ds *Dispatcher) { ds.logger = l }
}

// New returns a dispatcher drawing its engine from loader.
func New(loader Readier, opts ...Option) *Dispatcher {
	d := &Dispatcher{loader: loader, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "dispatch")
	return d
}

// Render ensures the engine is ready, then compiles source and renders it with
// the options the compile step derived from source. Readiness errors are
// returned unchanged; engine failures are *RenderError.
func (d *Dispatcher) Render(ctx context.Context, source string) (string, error) {
	eng, err := d.loader.EnsureReady(ctx)
	if err != nil {
		return "", err
	}
	return d.RenderWith(ctx, eng, source)
}

// RenderWith runs compile+render on an already loaded engine.
func (d *Dispatcher) RenderWith(ctx context.Context, eng engine.Engine, source string) (string, error) {
	if strings.TrimSpace(source) == "" {
		return "", d.fail(&RenderError{Stage: StageCompile, Err: engine.ErrEmptyDiagram}, 0)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	compiled, err := eng.Compile(ctx, source)
	if err != nil {
		return "", d.fail(&RenderError{Stage: StageCompile, Err: d.timeoutAware(ctx, err)}, time.Since(start))
	}
	svg, err := eng.Render(ctx, compiled)
	if err != nil {
		return "", d.fail(&RenderError{Stage: StageRender, Err: d.timeoutAware(ctx, err)}, time.Since(start))
	}

	elapsed := time.Since(start)
	metrics.DiagramRendersTotal.WithLabelValues("ok").Inc()
	metrics.DiagramRenderDuration.Observe(elapsed.Seconds())
	d.logger.Debug("diagram rendered", slog.Duration("elapsed", elapsed), slog.Int("bytes", len(svg)))
	return string(svg), nil
}

func (d *Dispatcher) timeoutAware(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("render timed out after %s: %w", d.timeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("render timed out after %s", d.timeout)
	}
	return err
}

func (d *Dispatcher) fail(err *RenderError, elapsed time.Duration) error {
	metrics.DiagramRendersTotal.WithLabelValues("error").Inc()
	if elapsed > 0 {
		metrics.DiagramRenderDuration.Observe(elapsed.Seconds())
	}
	d.logger.Debug("diagram failed", slog.String("stage", string(err.Stage)), slog.Any("err", err.Err))
	return err
}
