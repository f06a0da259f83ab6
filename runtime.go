package jsbridge

import (
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Runtime represents one embedding of the engine in the process. It owns the descriptor
// table, the context registry and the ambient services (logging, metrics, hooks) shared by
// all of its contexts. Several runtimes can exist at the same time but they cannot exchange
// objects. Script execution inside a runtime is single-threaded.
type Runtime struct {
	cfg      Config
	logger   *zap.Logger
	table    *DescriptorTable
	registry *Registry
	metrics  *Metrics
	hook     Hook
	filter   *HookFilter
	resolver NameResolver
	dispatch *Dispatcher
	engines  func(cfg *Config) Engine

	mu       sync.Mutex
	entered  []*Context
	deadline time.Time
	budget   time.Duration
	closed   bool
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithConfig replaces the default configuration.
func WithConfig(cfg *Config) RuntimeOption {
	return func(r *Runtime) {
		if cfg != nil {
			r.cfg = *cfg
		}
	}
}

// WithLogger sets the logger; the default discards everything.
func WithLogger(logger *zap.Logger) RuntimeOption {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithHook sets the default hook for descriptors that do not carry their own.
func WithHook(hook Hook) RuntimeOption {
	return func(r *Runtime) {
		r.hook = hook
	}
}

// WithHookFilter replaces the default excluded-name filter.
func WithHookFilter(filter *HookFilter) RuntimeOption {
	return func(r *Runtime) {
		r.filter = filter
	}
}

// WithMetrics registers the runtime metrics with reg.
func WithMetrics(reg prometheus.Registerer) RuntimeOption {
	return func(r *Runtime) {
		r.metrics = NewMetrics(reg)
	}
}

// WithDescriptorTable shares a descriptor table between runtimes.
func WithDescriptorTable(table *DescriptorTable) RuntimeOption {
	return func(r *Runtime) {
		if table != nil {
			r.table = table
		}
	}
}

// WithNameResolver sets the default unknown-name resolver for new contexts.
func WithNameResolver(resolver NameResolver) RuntimeOption {
	return func(r *Runtime) {
		r.resolver = resolver
	}
}

// WithEngineFactory replaces the engine used for new contexts.
func WithEngineFactory(factory func(cfg *Config) Engine) RuntimeOption {
	return func(r *Runtime) {
		if factory != nil {
			r.engines = factory
		}
	}
}

// NewRuntime creates a new runtime.
func NewRuntime(opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		cfg:      *DefaultConfig(),
		logger:   zap.NewNop(),
		table:    NewDescriptorTable(),
		registry: newRegistry(),
		hook:     NopHook{},
		filter:   DefaultHookFilter(),
		engines: func(cfg *Config) Engine {
			return newGojaEngine(cfg.MaxCallStackSize)
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.dispatch = &Dispatcher{rt: r}
	return r
}

// Config returns a copy of the runtime configuration.
func (r *Runtime) Config() Config { return r.cfg }

// Logger returns the runtime logger.
func (r *Runtime) Logger() *zap.Logger { return r.logger }

// Descriptors returns the descriptor table.
func (r *Runtime) Descriptors() *DescriptorTable { return r.table }

// Registry returns the context registry.
func (r *Runtime) Registry() *Registry { return r.registry }

// Dispatcher returns the host-side dispatcher.
func (r *Runtime) Dispatcher() *Dispatcher { return r.dispatch }

// Metrics returns the runtime metrics, or nil when none were configured.
func (r *Runtime) Metrics() *Metrics { return r.metrics }

// Register adds descriptors to the runtime's descriptor table.
func (r *Runtime) Register(descs ...*Descriptor) error {
	for _, d := range descs {
		if err := r.table.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// RunGC asks every isolate of the runtime to collect garbage.
func (r *Runtime) RunGC() {
	runtime.GC()
}

// Close tears down every context of the runtime.
func (r *Runtime) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	for _, ctx := range r.registry.roots() {
		ctx.Close()
	}
}

var errRuntimeClosed = errors.New("jsbridge: runtime is closed")

func (r *Runtime) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// enter pushes ctx on the stack of contexts executing script.
func (r *Runtime) enter(ctx *Context) {
	r.mu.Lock()
	r.entered = append(r.entered, ctx)
	r.mu.Unlock()
}

func (r *Runtime) leave() {
	r.mu.Lock()
	if n := len(r.entered); n > 0 {
		r.entered[n-1] = nil
		r.entered = r.entered[:n-1]
	}
	r.mu.Unlock()
}

// activeDeadline returns the instant every running script must finish by and the timeout
// it was derived from; the zero time means no deadline is armed.
func (r *Runtime) activeDeadline() (time.Time, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deadline, r.budget
}

func (r *Runtime) swapDeadline(at time.Time, budget time.Duration) (time.Time, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prevAt, prevBudget := r.deadline, r.budget
	r.deadline, r.budget = at, budget
	return prevAt, prevBudget
}

// current returns the context whose script is running, or nil.
func (r *Runtime) current() *Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.entered); n > 0 {
		return r.entered[n-1]
	}
	return nil
}
