package jsbridge

import (
	"time"

	"github.com/dop251/goja"
)

// Script is a compiled unit bound to the context that compiled it.
type Script struct {
	ctx  *Context
	unit *Unit
}

// Compile parses code once so that it can be run repeatedly.
func (ctx *Context) Compile(code string, opts ...EvalOption) (*Script, error) {
	if err := ctx.check(); err != nil {
		return nil, err
	}
	options := EvalOptions{filename: "<eval>"}
	for _, fn := range opts {
		fn(&options)
	}

	unit, err := ctx.engine.Compile(code, options.filename)
	if err != nil {
		return nil, ctx.translateError(err, options.filename)
	}
	return &Script{ctx: ctx, unit: unit}, nil
}

// Origin returns the origin name the script was compiled with.
func (s *Script) Origin() string { return s.unit.Origin }

// Source returns the script source text.
func (s *Script) Source() string { return s.unit.Source }

// Run executes the script in its context.
func (s *Script) Run() (Value, error) {
	start := time.Now()
	val, err := s.ctx.run(s.unit.Origin, func() (goja.Value, error) {
		return s.ctx.engine.Run(s.unit)
	})
	s.ctx.rt.metrics.observeEval(start, err)
	return val, err
}

// Evaluate runs the script and converts the completion value to its Go form.
func (s *Script) Evaluate() (interface{}, error) {
	val, err := s.Run()
	if err != nil {
		return nil, err
	}
	return s.ctx.ToHost(val)
}
