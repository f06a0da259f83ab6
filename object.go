package jsbridge

import (
	"fmt"
	"runtime"

	"github.com/dop251/goja"
)

// handle is a Go-side reference into engine heap state. While a handle is live its object
// is pinned in the owning Context's handle store, so engine GC never reclaims it. A handle
// is released explicitly, when the Go wrapper is collected, or when the Context is torn down.
type handle struct {
	ctx *Context
	obj *goja.Object
	id  uint64
}

func (h *handle) init(ctx *Context, obj *goja.Object) {
	h.ctx = ctx
	h.obj = obj
	h.id = ctx.handles.Store(obj)
}

// track releases the handle slot once the Go wrapper becomes unreachable.
func track[T any](wrapper *T, h *handle) *T {
	runtime.AddCleanup(wrapper, h.ctx.handles.release, h.id)
	return wrapper
}

func (h *handle) check() error {
	if err := h.ctx.check(); err != nil {
		return err
	}
	if _, ok := h.ctx.handles.Load(h.id); !ok {
		return fmt.Errorf("%w: handle was released", ErrUseAfterTeardown)
	}
	return nil
}

// Context returns the owning context.
func (h *handle) Context() *Context { return h.ctx }

// Release unpins the object. Any later use of the handle fails.
func (h *handle) Release() { h.ctx.handles.Delete(h.id) }

// Value returns the handle as a script value.
func (h *handle) Value() Value { return Value{ctx: h.ctx, ref: h.obj} }

func (h *handle) scriptRef() (*Context, goja.Value, error) {
	if err := h.check(); err != nil {
		return nil, nil, err
	}
	return h.ctx, h.obj, nil
}

// scriptRef is implemented by every handle type.
type scriptRef interface {
	scriptRef() (*Context, goja.Value, error)
}

// =============================================================================
// OBJECT
// =============================================================================

// Object is a live view of a script object: every read re-converts the current engine
// value, nothing is snapshotted.
type Object struct {
	handle
}

func newObject(ctx *Context, obj *goja.Object) *Object {
	o := &Object{}
	o.init(ctx, obj)
	return track(o, &o.handle)
}

// Get reads a property. A property that exists nowhere on the prototype chain fails with
// *NameNotFoundError; a property holding undefined returns nil.
func (o *Object) Get(name string) (interface{}, error) {
	v, err := o.GetValue(name)
	if err != nil {
		return nil, err
	}
	return o.ctx.toHost(v.ref)
}

// GetValue reads a property without converting it.
func (o *Object) GetValue(name string) (Value, error) {
	if err := o.check(); err != nil {
		return Value{}, err
	}
	var v goja.Value
	if err := o.ctx.try(func() { v = o.obj.Get(name) }); err != nil {
		return Value{}, err
	}
	if v == nil {
		return Value{}, &NameNotFoundError{Name: name}
	}
	return Value{ctx: o.ctx, ref: v}, nil
}

// Set assigns a property.
func (o *Object) Set(name string, value interface{}) error {
	if err := o.check(); err != nil {
		return err
	}
	v, err := o.ctx.toScript(value)
	if err != nil {
		return err
	}
	var setErr error
	if err := o.ctx.try(func() { setErr = o.obj.Set(name, v) }); err != nil {
		return err
	}
	return o.ctx.translateError(setErr, "")
}

// Delete removes an own property.
func (o *Object) Delete(name string) error {
	if err := o.check(); err != nil {
		return err
	}
	var delErr error
	if err := o.ctx.try(func() { delErr = o.obj.Delete(name) }); err != nil {
		return err
	}
	return o.ctx.translateError(delErr, "")
}

// Has reports whether name is reachable on the object (the script `in` operator).
func (o *Object) Has(name string) bool {
	if o.check() != nil {
		return false
	}
	var ok bool
	_ = o.ctx.try(func() { ok = o.ctx.helpers.has(o.obj, name) })
	return ok
}

// Keys returns the enumerable own property names.
func (o *Object) Keys() ([]string, error) {
	if err := o.check(); err != nil {
		return nil, err
	}
	var keys []string
	err := o.ctx.try(func() { keys = o.obj.Keys() })
	return keys, err
}

// Call invokes the method name with the object as receiver.
func (o *Object) Call(method string, args ...interface{}) (interface{}, error) {
	v, err := o.Invoke(method, args...)
	if err != nil {
		return nil, err
	}
	return o.ctx.toHost(v.ref)
}

// Invoke is like Call but returns the unconverted result.
func (o *Object) Invoke(method string, args ...interface{}) (Value, error) {
	fv, err := o.GetValue(method)
	if err != nil {
		return Value{}, err
	}
	fn, ok := goja.AssertFunction(fv.ref)
	if !ok {
		return Value{}, NewThrowError("TypeError", "%s is not a function", method)
	}
	return o.ctx.callFunction(fn, o.obj, args)
}

// Equal reports whether both handles reference the same script object.
func (o *Object) Equal(other *Object) bool {
	if o == nil || other == nil {
		return o == other
	}
	return o.ctx == other.ctx && o.obj == other.obj
}

// ClassName returns the Symbol.toStringTag of the object, or the engine class name.
func (o *Object) ClassName() string {
	if o.check() != nil {
		return ""
	}
	var name string
	_ = o.ctx.try(func() {
		if tag := o.obj.GetSymbol(goja.SymToStringTag); tag != nil && !goja.IsUndefined(tag) {
			name = tag.String()
			return
		}
		name = o.obj.ClassName()
	})
	return name
}

// String returns the script string conversion of the object.
func (o *Object) String() string {
	if o.check() != nil {
		return "[released object]"
	}
	var s string
	if err := o.ctx.try(func() { s = o.obj.String() }); err != nil {
		return "[object " + o.obj.ClassName() + "]"
	}
	return s
}

// JSON returns JSON.stringify(object).
func (o *Object) JSON() (string, error) {
	if err := o.check(); err != nil {
		return "", err
	}
	return o.ctx.jsonStringify(o.obj)
}

// Materialize copies the object recursively into a map.
func (o *Object) Materialize() (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := o.ctx.Unmarshal(o.Value(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// FUNCTION
// =============================================================================

// Function is a live handle to a script function.
type Function struct {
	handle
	fn goja.Callable
}

func newFunction(ctx *Context, obj *goja.Object) *Function {
	f := &Function{}
	f.init(ctx, obj)
	f.fn, _ = goja.AssertFunction(obj)
	return track(f, &f.handle)
}

// Name returns the function name.
func (f *Function) Name() string {
	if f.check() != nil {
		return ""
	}
	return stringProp(f.obj, "name")
}

// Call invokes the function with an undefined receiver.
func (f *Function) Call(args ...interface{}) (interface{}, error) {
	return f.CallWith(nil, args...)
}

// CallWith invokes the function with the given receiver.
func (f *Function) CallWith(this interface{}, args ...interface{}) (interface{}, error) {
	v, err := f.Invoke(this, args...)
	if err != nil {
		return nil, err
	}
	return f.ctx.toHost(v.ref)
}

// Invoke is like CallWith but returns the unconverted result.
func (f *Function) Invoke(this interface{}, args ...interface{}) (Value, error) {
	if err := f.check(); err != nil {
		return Value{}, err
	}
	thisVal, err := f.ctx.toScript(this)
	if err != nil {
		return Value{}, err
	}
	return f.ctx.callFunction(f.fn, thisVal, args)
}

// New constructs an instance with the function as constructor.
func (f *Function) New(args ...interface{}) (*Object, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.ctx.construct(f.obj, args)
}

// New constructs a script object from ctor. A single []interface{} argument is used as the
// whole argument list.
func New(ctor *Function, args ...interface{}) (*Object, error) {
	if ctor == nil {
		return nil, fmt.Errorf("jsbridge: nil constructor")
	}
	return ctor.New(args...)
}

// callFunction converts args and calls fn as a script entry.
func (ctx *Context) callFunction(fn goja.Callable, this goja.Value, args []interface{}) (Value, error) {
	argv, err := ctx.scriptArgs(args)
	if err != nil {
		return Value{}, err
	}
	return ctx.run("", func() (goja.Value, error) {
		return fn(this, argv...)
	})
}

// construct runs `new ctor(...args)`.
func (ctx *Context) construct(ctor goja.Value, args []interface{}) (*Object, error) {
	if len(args) == 1 {
		if list, ok := args[0].([]interface{}); ok {
			args = list
		}
	}
	argv, err := ctx.scriptArgs(args)
	if err != nil {
		return nil, err
	}
	v, err := ctx.run("", func() (goja.Value, error) {
		return ctx.vm.New(ctor, argv...)
	})
	if err != nil {
		return nil, err
	}
	return newObject(ctx, v.ref.(*goja.Object)), nil
}

func (ctx *Context) scriptArgs(args []interface{}) ([]goja.Value, error) {
	argv := make([]goja.Value, len(args))
	for i, a := range args {
		v, err := ctx.toScript(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		argv[i] = v
	}
	return argv, nil
}

// =============================================================================
// PROMISE
// =============================================================================

// PromiseState is the settlement state of a promise.
type PromiseState int

const (
	PromisePending PromiseState = iota
	PromiseFulfilled
	PromiseRejected
)

func (s PromiseState) String() string {
	switch s {
	case PromiseFulfilled:
		return "fulfilled"
	case PromiseRejected:
		return "rejected"
	}
	return "pending"
}

// Promise is a live handle to a script promise.
type Promise struct {
	handle
	p *goja.Promise
}

func newPromise(ctx *Context, obj *goja.Object) *Promise {
	p := &Promise{}
	p.init(ctx, obj)
	p.p, _ = obj.Export().(*goja.Promise)
	return track(p, &p.handle)
}

// State returns the settlement state.
func (p *Promise) State() PromiseState {
	if p.p == nil {
		return PromisePending
	}
	switch p.p.State() {
	case goja.PromiseStateFulfilled:
		return PromiseFulfilled
	case goja.PromiseStateRejected:
		return PromiseRejected
	}
	return PromisePending
}

// Result returns the fulfilled value, or the rejection as *ScriptError.
func (p *Promise) Result() (interface{}, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	switch p.State() {
	case PromiseFulfilled:
		return p.ctx.toHost(p.p.Result())
	case PromiseRejected:
		return nil, p.ctx.scriptError(p.p.Result(), "")
	}
	return nil, fmt.Errorf("jsbridge: promise is still pending")
}

// Then registers settlement callbacks (Go funcs or script functions; nil skips one) and
// returns the derived promise.
func (p *Promise) Then(onFulfilled, onRejected interface{}) (*Promise, error) {
	args := []interface{}{onFulfilled}
	if onRejected != nil {
		args = append(args, onRejected)
	}
	return p.chain("then", args)
}

// Catch registers a rejection callback.
func (p *Promise) Catch(onRejected interface{}) (*Promise, error) {
	return p.chain("catch", []interface{}{onRejected})
}

func (p *Promise) chain(method string, args []interface{}) (*Promise, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(p.obj.Get(method))
	if !ok {
		return nil, fmt.Errorf("jsbridge: promise has no %s method", method)
	}
	v, err := p.ctx.callFunction(fn, p.obj, args)
	if err != nil {
		return nil, err
	}
	obj, ok := v.ref.(*goja.Object)
	if !ok {
		return nil, &ConversionError{Type: v.Kind().String(), Reason: "expected a promise"}
	}
	return newPromise(p.ctx, obj), nil
}
