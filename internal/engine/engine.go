// Package engine loads the D2 diagram engine once per process and exposes it
// behind a small compile/render interface.
package engine

import (
	"context"
	"errors"
	"fmt"

	"oss.terrastruct.com/d2/d2renderers/d2svg"
	"oss.terrastruct.com/d2/d2target"
)

var (
	// ErrEngineLoad is returned when the engine module could not be loaded or
	// exposes no usable constructor.
	ErrEngineLoad = errors.New("engine load failed")
	// ErrEmptyDiagram is returned when the supplied diagram body is empty.
	ErrEmptyDiagram = errors.New("empty d2 diagram")
)

// Engine compiles D2 source and renders compiled diagrams to SVG.
type Engine interface {
	Compile(ctx context.Context, source string) (*Compiled, error)
	Render(ctx context.Context, c *Compiled) ([]byte, error)
}

// Compiled is one diagram together with the render options derived from its
// own source. Render must be called with exactly these options.
type Compiled struct {
	Diagram       *d2target.Diagram
	RenderOptions *d2svg.RenderOpts
}

// Constructor instantiates an engine with default options.
type Constructor func() (Engine, error)

// Namespace is a module shape exposing the constructor as a field.
type Namespace struct {
	D2 Constructor
}

type factory interface {
	NewEngine() (Engine, error)
}

// Adapt normalizes a loaded module into an engine instance. It accepts a
// constructor function, a Namespace (or pointer to one) or any value with a
// NewEngine method, and calls the constructor exactly once.
func Adapt(module any) (Engine, error) {
	ctor, err := constructorOf(module)
	if err != nil {
		return nil, err
	}
	eng, err := ctor()
	if err != nil {
		return nil, fmt.Errorf("%w: construct engine: %w", ErrEngineLoad, err)
	}
	if eng == nil {
		return nil, fmt.Errorf("%w: constructor returned no engine", ErrEngineLoad)
	}
	return eng, nil
}

func constructorOf(module any) (Constructor, error) {
	var ctor Constructor
	switch m := module.(type) {
	case Constructor:
		ctor = m
	case func() (Engine, error):
		ctor = m
	case Namespace:
		ctor = m.D2
	case *Namespace:
		if m != nil {
			ctor = m.D2
		}
	case factory:
		ctor = m.NewEngine
	}
	if ctor == nil {
		return nil, fmt.Errorf("%w: module loaded but no constructor (got %T)", ErrEngineLoad, module)
	}
	return ctor, nil
}
