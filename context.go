package jsbridge

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"weak"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ContextState is the lifecycle state of a Context.
type ContextState int32

const (
	StateCreated ContextState = iota
	StateActive
	StateTornDown
)

func (s ContextState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateTornDown:
		return "torn-down"
	}
	return fmt.Sprintf("ContextState(%d)", int32(s))
}

// Context represents one isolated global scope bound to a Go global object.
type Context struct {
	rt         *Runtime
	id         uint64
	tag        string
	origin     string
	parent     *Context
	global     interface{}
	globalDesc *Descriptor
	logger     *zap.Logger

	engine   Engine
	vm       *goja.Runtime
	state    atomic.Int32
	timeout  time.Duration
	hooks    atomic.Bool
	resolver NameResolver
	toolkit  string

	handles   *handleStore
	classes   map[*Descriptor]*classBinding
	wrappers  map[interface{}]weak.Pointer[goja.Object]
	foreign   map[*goja.Object]*goja.Object
	recordKey *goja.Symbol
	causeKey  *goja.Symbol
	helpers   *helpers
	armed     time.Time
}

// ContextOption configures a new Context.
type ContextOption func(*contextOptions)

type contextOptions struct {
	parent     *Context
	tag        string
	origin     string
	timeout    *time.Duration
	hooks      *bool
	resolver   NameResolver
	toolkit    *string
	descriptor *Descriptor
}

// WithParent embeds the new context in parent (frame embedding). The child inherits the
// parent's origin unless WithOrigin is given and is torn down with it.
func WithParent(parent *Context) ContextOption {
	return func(o *contextOptions) { o.parent = parent }
}

// WithTag labels the context; the tag is forwarded to hooks (e.g. "Top", "Iframe").
func WithTag(tag string) ContextOption {
	return func(o *contextOptions) { o.tag = tag }
}

// WithOrigin sets the origin used by the default cross-origin predicate.
func WithOrigin(origin string) ContextOption {
	return func(o *contextOptions) { o.origin = origin }
}

// WithTimeout bounds every evaluation in the context.
func WithTimeout(d time.Duration) ContextOption {
	return func(o *contextOptions) { o.timeout = &d }
}

// WithHooks enables or disables hook dispatch.
func WithHooks(enabled bool) ContextOption {
	return func(o *contextOptions) { o.hooks = &enabled }
}

// WithResolver sets the unknown-name resolver consulted for undeclared globals.
func WithResolver(resolver NameResolver) ContextOption {
	return func(o *contextOptions) { o.resolver = resolver }
}

// WithToolkit installs the toolkit object under name; empty disables it.
func WithToolkit(name string) ContextOption {
	return func(o *contextOptions) { o.toolkit = &name }
}

// WithGlobalDescriptor binds the global object with an explicit descriptor instead of the
// one registered for its type.
func WithGlobalDescriptor(d *Descriptor) ContextOption {
	return func(o *contextOptions) { o.descriptor = d }
}

// NewContext creates a new context whose global scope is bound to global. A nil global
// gives a plain script global.
func (r *Runtime) NewContext(global interface{}, opts ...ContextOption) (*Context, error) {
	if r.isClosed() {
		return nil, errRuntimeClosed
	}

	var o contextOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.parent != nil {
		if o.parent.rt != r {
			return nil, errors.New("jsbridge: parent context belongs to another runtime")
		}
		if err := o.parent.check(); err != nil {
			return nil, err
		}
	}
	if global != nil {
		if owner, ok := r.registry.ByGlobal(global); ok {
			return nil, fmt.Errorf("jsbridge: global object is already bound to context %d", owner.id)
		}
	}

	engine := r.engines(&r.cfg)
	ctx := &Context{
		rt:       r,
		tag:      o.tag,
		parent:   o.parent,
		global:   global,
		engine:   engine,
		vm:       engine.VM(),
		timeout:  r.cfg.Timeout,
		resolver: r.resolver,
		toolkit:  r.cfg.Toolkit,
		handles:  newHandleStore(),
		classes:  make(map[*Descriptor]*classBinding),
		wrappers: make(map[interface{}]weak.Pointer[goja.Object]),
		foreign:  make(map[*goja.Object]*goja.Object),
	}
	ctx.state.Store(int32(StateCreated))
	ctx.hooks.Store(r.cfg.Hooks)

	switch {
	case o.origin != "":
		ctx.origin = o.origin
	case o.parent != nil:
		ctx.origin = o.parent.origin
	case r.cfg.Origin != "":
		ctx.origin = r.cfg.Origin
	default:
		ctx.origin = uuid.NewString()
	}
	if o.timeout != nil {
		ctx.timeout = *o.timeout
	}
	if o.hooks != nil {
		ctx.hooks.Store(*o.hooks)
	}
	if o.resolver != nil {
		ctx.resolver = o.resolver
	}
	if o.toolkit != nil {
		ctx.toolkit = *o.toolkit
	}

	ctx.id = r.registry.add(ctx)
	ctx.logger = r.logger.With(zap.Uint64("context", ctx.id), zap.String("tag", ctx.tag))

	if err := ctx.init(o.descriptor); err != nil {
		r.registry.remove(ctx)
		ctx.state.Store(int32(StateTornDown))
		return nil, err
	}

	ctx.state.Store(int32(StateActive))
	r.metrics.contextOpened()
	ctx.logger.Debug("context created", zap.String("origin", ctx.origin))
	return ctx, nil
}

// init prepares the isolate: private symbols, helpers, global binding and toolkit.
func (ctx *Context) init(desc *Descriptor) error {
	ctx.recordKey = goja.NewSymbol("jsbridge.record")
	ctx.causeKey = goja.NewSymbol("jsbridge.cause")

	h, err := newHelpers(ctx.vm)
	if err != nil {
		return fmt.Errorf("failed to install helpers: %w", err)
	}
	ctx.helpers = h

	if err := ctx.bindGlobal(desc); err != nil {
		return err
	}

	if ctx.toolkit != "" {
		if err := ctx.installToolkit(ctx.toolkit); err != nil {
			return fmt.Errorf("failed to install toolkit: %w", err)
		}
	}
	return nil
}

// =============================================================================
// IDENTITY & LIFECYCLE
// =============================================================================

// ID returns the registry id of the context.
func (ctx *Context) ID() uint64 { return ctx.id }

// Tag returns the context tag.
func (ctx *Context) Tag() string { return ctx.tag }

// Origin returns the context origin.
func (ctx *Context) Origin() string { return ctx.origin }

// Parent returns the embedding context, or nil.
func (ctx *Context) Parent() *Context { return ctx.parent }

// Runtime returns the owning runtime.
func (ctx *Context) Runtime() *Runtime { return ctx.rt }

// Logger returns the context logger.
func (ctx *Context) Logger() *zap.Logger { return ctx.logger }

// State returns the lifecycle state.
func (ctx *Context) State() ContextState { return ContextState(ctx.state.Load()) }

// GlobalObject returns the Go object bound as the global.
func (ctx *Context) GlobalObject() interface{} { return ctx.global }

// HandleCount returns the number of live handles into this context.
func (ctx *Context) HandleCount() int { return ctx.handles.Count() }

func (ctx *Context) check() error {
	if ctx == nil || ctx.State() == StateTornDown {
		return ErrUseAfterTeardown
	}
	return nil
}

// Close tears the context down. Children are torn down first; every handle into the
// context becomes invalid.
func (ctx *Context) Close() {
	if !ctx.state.CompareAndSwap(int32(StateActive), int32(StateTornDown)) {
		return
	}

	for _, child := range ctx.rt.registry.Children(ctx) {
		child.Close()
	}

	ctx.rt.registry.remove(ctx)
	ctx.handles.Clear()
	ctx.classes = nil
	ctx.wrappers = nil
	ctx.foreign = nil
	ctx.vm.Interrupt(ErrUseAfterTeardown)

	ctx.rt.metrics.contextClosed()
	ctx.logger.Debug("context torn down")
}

// =============================================================================
// EVALUATION
// =============================================================================

// EvalOptions holds per-evaluation settings.
type EvalOptions struct {
	filename string
	await    bool
}

type EvalOption func(*EvalOptions)

// EvalFileName sets the origin name attached to the compiled unit for stack traces.
func EvalFileName(filename string) EvalOption {
	return func(flags *EvalOptions) {
		flags.filename = filename
	}
}

// EvalAwait unwraps a settled promise result.
func EvalAwait(await bool) EvalOption {
	return func(flags *EvalOptions) {
		flags.await = await
	}
}

// Eval compiles and runs code against the global scope and returns the script value.
func (ctx *Context) Eval(code string, opts ...EvalOption) (Value, error) {
	options := EvalOptions{filename: "<eval>"}
	for _, fn := range opts {
		fn(&options)
	}

	start := time.Now()
	val, err := ctx.eval(code, options)
	ctx.rt.metrics.observeEval(start, err)
	return val, err
}

func (ctx *Context) eval(code string, options EvalOptions) (Value, error) {
	if err := ctx.check(); err != nil {
		return Value{}, err
	}

	unit, err := ctx.engine.Compile(code, options.filename)
	if err != nil {
		return Value{}, ctx.translateError(err, options.filename)
	}

	val, err := ctx.run(options.filename, func() (goja.Value, error) {
		return ctx.engine.Run(unit)
	})
	if err != nil || !options.await {
		return val, err
	}
	return ctx.await(val)
}

// Evaluate runs code and converts the completion value to its Go form.
func (ctx *Context) Evaluate(code string, opts ...EvalOption) (interface{}, error) {
	val, err := ctx.Eval(code, opts...)
	if err != nil {
		return nil, err
	}
	return ctx.ToHost(val)
}

// EvalFile runs the file at filePath with the path as origin name.
func (ctx *Context) EvalFile(filePath string, opts ...EvalOption) (Value, error) {
	b, err := os.ReadFile(filePath)
	if err != nil {
		return Value{}, err
	}
	opts = append([]EvalOption{EvalFileName(filePath)}, opts...)
	return ctx.Eval(string(b), opts...)
}

// await returns the settled result of a promise value; other values pass through.
func (ctx *Context) await(val Value) (Value, error) {
	obj, ok := val.ref.(*goja.Object)
	if !ok {
		return val, nil
	}
	p, ok := obj.Export().(*goja.Promise)
	if !ok {
		return val, nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return Value{ctx: ctx, ref: p.Result()}, nil
	case goja.PromiseStateRejected:
		return Value{}, ctx.scriptError(p.Result(), "")
	}
	return val, errors.New("jsbridge: promise is still pending")
}

// run executes fn as a script entry: the context becomes current, the watchdog guards the
// outermost entry and engine failures are translated.
func (ctx *Context) run(origin string, fn func() (goja.Value, error)) (Value, error) {
	if err := ctx.check(); err != nil {
		return Value{}, err
	}

	ctx.rt.enter(ctx)
	defer ctx.rt.leave()

	defer ctx.arm(true, origin)()

	v, err := fn()
	if err != nil {
		return Value{}, ctx.translateError(err, origin)
	}
	return Value{ctx: ctx, ref: v}, nil
}

// try runs an engine operation as ctx, converting engine panics to errors. ctx becomes the
// current context and its engine inherits any running deadline.
func (ctx *Context) try(fn func()) error {
	if err := ctx.check(); err != nil {
		return err
	}

	ctx.rt.enter(ctx)
	defer ctx.rt.leave()

	return ctx.reach(fn)
}

// reach runs fn on ctx on behalf of the current context: the caller stays the accessor
// for cross-origin checks while ctx's engine inherits the caller's deadline.
func (ctx *Context) reach(fn func()) error {
	if err := ctx.check(); err != nil {
		return err
	}
	defer ctx.arm(false, "")()

	return ctx.guard(fn)
}

// arm points the engine watchdog at the runtime-wide deadline. The outermost entry of the
// context's own script narrows that deadline with the context timeout. The returned
// function disarms the watchdog and restores the previous deadline.
func (ctx *Context) arm(own bool, origin string) func() {
	at, budget := ctx.rt.activeDeadline()
	if own && ctx.armed.IsZero() && ctx.timeout > 0 {
		if mine := time.Now().Add(ctx.timeout); at.IsZero() || mine.Before(at) {
			at, budget = mine, ctx.timeout
		}
	}
	// already armed for this deadline or an earlier one
	if at.IsZero() || (!ctx.armed.IsZero() && !at.Before(ctx.armed)) {
		return func() {}
	}

	prevAt, prevBudget := ctx.rt.swapDeadline(at, budget)
	prevArmed := ctx.armed
	ctx.armed = at
	cancel := ctx.engine.InstallWatchdog(max(time.Until(at), time.Millisecond))

	return func() {
		fired := cancel()
		ctx.armed = prevArmed
		ctx.rt.swapDeadline(prevAt, prevBudget)
		if fired {
			ctx.logger.Warn("script terminated by watchdog", zap.Duration("timeout", budget), zap.String("origin", origin))
		}
	}
}

// guard converts engine panics raised by fn into errors without entering ctx.
func (ctx *Context) guard(fn func()) (err error) {
	defer func() {
		if x := recover(); x != nil {
			switch x := x.(type) {
			case *goja.Exception:
				err = ctx.scriptError(x.Value(), x.String())
			case *goja.InterruptedError:
				err = ctx.interruptError(x)
			case goja.Value:
				err = ctx.scriptError(x, "")
			case convError:
				err = x.err
			default:
				panic(x)
			}
		}
	}()

	fn()
	return nil
}

// =============================================================================
// GLOBAL DELEGATION
// =============================================================================

// Global returns a live handle to the global scope.
func (ctx *Context) Global() *Object {
	if ctx.check() != nil {
		return nil
	}
	return newObject(ctx, ctx.vm.GlobalObject())
}

// Get reads a global. Undeclared names fail with *NameNotFoundError; declared globals
// holding undefined return nil.
func (ctx *Context) Get(name string) (interface{}, error) {
	var v goja.Value
	if err := ctx.try(func() { v = ctx.vm.GlobalObject().Get(name) }); err != nil {
		return nil, err
	}
	if v == nil {
		return nil, &NameNotFoundError{Name: name}
	}
	return ctx.toHost(v)
}

// Set assigns or creates a global binding.
func (ctx *Context) Set(name string, value interface{}) error {
	if err := ctx.check(); err != nil {
		return err
	}
	v, err := ctx.toScript(value)
	if err != nil {
		return err
	}
	return ctx.translateError(ctx.vm.GlobalObject().Set(name, v), "")
}

// Delete removes a global binding.
func (ctx *Context) Delete(name string) error {
	if !ctx.Has(name) {
		return &NameNotFoundError{Name: name}
	}
	return ctx.translateError(ctx.vm.GlobalObject().Delete(name), "")
}

// Has reports whether name resolves in the global scope.
func (ctx *Context) Has(name string) bool {
	if ctx.check() != nil {
		return false
	}
	var ok bool
	_ = ctx.try(func() { ok = ctx.helpers.has(ctx.vm.GlobalObject(), name) })
	return ok
}

// =============================================================================
// TIMEOUT, GC, HOOKS
// =============================================================================

// SetTimeout bounds every subsequent evaluation; zero disables the watchdog.
func (ctx *Context) SetTimeout(d time.Duration) { ctx.timeout = d }

// Timeout returns the current evaluation bound.
func (ctx *Context) Timeout() time.Duration { return ctx.timeout }

// CollectGarbage hints the collector; it never invalidates live handles.
func (ctx *Context) CollectGarbage() {
	if ctx.check() == nil {
		ctx.engine.RequestGC()
	}
}

// EnableHooks switches hook dispatch on or off.
func (ctx *Context) EnableHooks(enabled bool) { ctx.hooks.Store(enabled) }

// HooksEnabled reports whether hooks fire in this context.
func (ctx *Context) HooksEnabled() bool { return ctx.hooks.Load() }

// =============================================================================
// HELPERS
// =============================================================================

const helperSource = `(function() {
	return {
		typedArrayTag: function(v) {
			if (ArrayBuffer.isView(v) && !(v instanceof DataView)) {
				return v[Symbol.toStringTag];
			}
			return undefined;
		},
		has: function(o, k) { return k in o; },
		stringify: function(v) { return JSON.stringify(v); }
	};
})()`

// helpers are small script functions used for checks the engine API does not offer.
type helpers struct {
	vm            *goja.Runtime
	typedArrayTag goja.Callable
	hasFn         goja.Callable
	stringify     goja.Callable
}

func newHelpers(vm *goja.Runtime) (*helpers, error) {
	v, err := vm.RunString(helperSource)
	if err != nil {
		return nil, err
	}
	obj := v.ToObject(vm)
	h := &helpers{vm: vm}
	for name, dst := range map[string]*goja.Callable{
		"typedArrayTag": &h.typedArrayTag,
		"has":           &h.hasFn,
		"stringify":     &h.stringify,
	} {
		fn, ok := goja.AssertFunction(obj.Get(name))
		if !ok {
			return nil, fmt.Errorf("helper %s is not a function", name)
		}
		*dst = fn
	}
	return h, nil
}

func (h *helpers) typedArrayKind(obj *goja.Object) ArrayKind {
	v, err := h.typedArrayTag(goja.Undefined(), obj)
	if err != nil || isUndefined(v) {
		return 0
	}
	kind, _ := ParseArrayKind(v.String())
	return kind
}

func (h *helpers) has(obj *goja.Object, name string) bool {
	v, err := h.hasFn(goja.Undefined(), obj, h.vm.ToValue(name))
	return err == nil && v.ToBoolean()
}

func (ctx *Context) jsonStringify(v goja.Value) (string, error) {
	if err := ctx.check(); err != nil {
		return "", err
	}
	out, err := ctx.helpers.stringify(goja.Undefined(), v)
	if err != nil {
		return "", ctx.translateError(err, "")
	}
	if isUndefined(out) {
		return "", nil
	}
	return out.String(), nil
}
