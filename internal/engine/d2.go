package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"oss.terrastruct.com/d2/d2graph"
	"oss.terrastruct.com/d2/d2layouts/d2dagrelayout"
	"oss.terrastruct.com/d2/d2layouts/d2elklayout"
	"oss.terrastruct.com/d2/d2lib"
	"oss.terrastruct.com/d2/d2renderers/d2svg"
	d2log "oss.terrastruct.com/d2/lib/log"
	"oss.terrastruct.com/d2/lib/textmeasure"
)

// D2 is the in-process D2 compiler. Layout choices are left to the source
// diagram (via d2-config vars) or environment variables such as D2_LAYOUT.
type D2 struct {
	logger *slog.Logger

	// ruler is not safe for concurrent use.
	mu    sync.Mutex
	ruler *textmeasure.Ruler
}

// NewD2 creates an engine with its own text ruler.
func NewD2(logger *slog.Logger) (*D2, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ruler, err := textmeasure.NewRuler()
	if err != nil {
		return nil, fmt.Errorf("init ruler: %w", err)
	}
	return &D2{logger: logger, ruler: ruler}, nil
}

// DefaultModule returns the module shape for the in-process engine.
func DefaultModule(logger *slog.Logger) ModuleFunc {
	return func(context.Context, string) (any, error) {
		return Namespace{D2: func() (Engine, error) {
			return NewD2(logger)
		}}, nil
	}
}

// Compile parses and lays out source. The returned render options start empty
// and are filled from the diagram's own configuration, so no two diagrams
// share option state.
func (e *D2) Compile(ctx context.Context, source string) (*Compiled, error) {
	if strings.TrimSpace(source) == "" {
		return nil, ErrEmptyDiagram
	}
	ctx = d2log.With(ctx, e.logger)

	renderOpts := &d2svg.RenderOpts{}

	e.mu.Lock()
	defer e.mu.Unlock()

	compileOpts := &d2lib.CompileOptions{
		Ruler:          e.ruler,
		LayoutResolver: layoutResolver,
	}
	diagram, _, err := d2lib.Compile(ctx, source, compileOpts, renderOpts)
	if err != nil {
		return nil, err
	}
	if diagram == nil {
		return nil, errors.New("d2 compiler returned nil diagram")
	}
	return &Compiled{Diagram: diagram, RenderOptions: renderOpts}, nil
}

// Render produces the SVG for c using c's own render options.
func (e *D2) Render(ctx context.Context, c *Compiled) ([]byte, error) {
	if c == nil || c.Diagram == nil {
		return nil, errors.New("nothing compiled to render")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	svg, err := d2svg.Render(c.Diagram, c.RenderOptions)
	if err != nil {
		return nil, fmt.Errorf("render svg: %w", err)
	}
	return svg, nil
}

func layoutResolver(engine string) (d2graph.LayoutGraph, error) {
	switch strings.ToLower(engine) {
	case "", "dagre":
		return func(ctx context.Context, g *d2graph.Graph) error {
			return d2dagrelayout.Layout(ctx, g, nil)
		}, nil
	case "elk":
		return func(ctx context.Context, g *d2graph.Graph) error {
			return d2elklayout.Layout(ctx, g, nil)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported D2 layout %q", engine)
	}
}
