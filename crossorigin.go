package jsbridge

import (
	"github.com/dop251/goja"
)

// CrossOriginChecker is implemented by host objects that decide cross-context access
// themselves. accessor is the global object of the context attempting the access.
type CrossOriginChecker interface {
	CheckCrossOrigin(accessor interface{}) bool
}

// checkOrigin decides whether accessor may touch host (owned by target). Same-context
// access is always allowed; a host implementing CrossOriginChecker decides itself;
// otherwise the origins must match.
func (d *Dispatcher) checkOrigin(accessor, target *Context, host interface{}, name string) error {
	if accessor == nil || accessor == target {
		return nil
	}
	if checker, ok := host.(CrossOriginChecker); ok {
		if checker.CheckCrossOrigin(accessor.global) {
			return nil
		}
	} else if accessor.origin == target.origin {
		return nil
	}
	return &CrossOriginError{Name: name, Accessor: accessor.origin, Target: target.origin}
}

// foreignObject is the script view, inside ctx, of an object owned by another context.
// Every operation first runs the cross-origin predicate of the owning context's global.
type foreignObject struct {
	ctx    *Context
	target *Context
	obj    *goja.Object
}

func (f *foreignObject) guard(name string) {
	if err := f.target.check(); err != nil {
		f.ctx.throw(err)
	}
	if err := f.ctx.rt.dispatch.checkOrigin(f.ctx, f.target, f.target.global, name); err != nil {
		f.ctx.throw(err)
	}
}

func (f *foreignObject) Get(key string) goja.Value {
	f.guard(key)
	var v goja.Value
	if err := f.target.reach(func() { v = f.obj.Get(key) }); err != nil {
		f.ctx.throw(err)
	}
	if v == nil {
		return nil
	}
	return f.ctx.importValue(f.target, v)
}

func (f *foreignObject) Set(key string, val goja.Value) bool {
	f.guard(key)
	v := f.target.importValue(f.ctx, val)
	var setErr error
	if err := f.target.reach(func() { setErr = f.obj.Set(key, v) }); err != nil {
		f.ctx.throw(err)
	}
	if setErr != nil {
		f.ctx.throw(f.target.translateError(setErr, ""))
	}
	return true
}

func (f *foreignObject) Has(key string) bool {
	f.guard(key)
	var ok bool
	if err := f.target.reach(func() { ok = f.target.helpers.has(f.obj, key) }); err != nil {
		f.ctx.throw(err)
	}
	return ok
}

func (f *foreignObject) Delete(key string) bool {
	f.guard(key)
	var delErr error
	if err := f.target.reach(func() { delErr = f.obj.Delete(key) }); err != nil {
		f.ctx.throw(err)
	}
	return delErr == nil
}

func (f *foreignObject) Keys() []string {
	f.guard("")
	var keys []string
	if err := f.target.reach(func() { keys = f.obj.Keys() }); err != nil {
		f.ctx.throw(err)
	}
	return keys
}

// importValue makes v, a value of src, usable in ctx. Primitives are copied; objects are
// proxied, and a proxy of one of ctx's own objects is unwrapped.
func (ctx *Context) importValue(src *Context, v goja.Value) goja.Value {
	if v == nil || isUndefined(v) {
		return goja.Undefined()
	}
	if goja.IsNull(v) {
		return goja.Null()
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		if _, ok := v.(*goja.Symbol); ok {
			// symbols are realm-bound
			return goja.Undefined()
		}
		return ctx.vm.ToValue(v.Export())
	}

	if obj.ExportType() == foreignType {
		if f, ok := obj.Export().(*foreignObject); ok {
			if f.target == ctx {
				return f.obj
			}
			return ctx.importValue(f.target, f.obj)
		}
	}

	if p, ok := ctx.foreign[obj]; ok {
		return p
	}

	var proxy *goja.Object
	if fn, ok := goja.AssertFunction(obj); ok {
		proxy = ctx.foreignFunction(src, obj, fn)
	} else {
		proxy = ctx.vm.NewDynamicObject(&foreignObject{ctx: ctx, target: src, obj: obj})
	}
	if ctx.foreign != nil {
		ctx.foreign[obj] = proxy
	}
	return proxy
}

// foreignFunction wraps a function of src so that calling it from ctx passes the
// cross-origin check and converts arguments and result across the boundary.
func (ctx *Context) foreignFunction(src *Context, obj *goja.Object, fn goja.Callable) *goja.Object {
	var (
		name   string
		length int64
	)
	_ = src.guard(func() {
		name = stringProp(obj, "name")
		if l := obj.Get("length"); l != nil {
			length = l.ToInteger()
		}
	})

	return ctx.nativeFunc(name, int(length), func(fc goja.FunctionCall) goja.Value {
		if err := src.check(); err != nil {
			ctx.throw(err)
		}
		if err := ctx.rt.dispatch.checkOrigin(ctx, src, src.global, name); err != nil {
			ctx.throw(err)
		}

		this := src.importValue(ctx, fc.This)
		args := make([]goja.Value, len(fc.Arguments))
		for i, a := range fc.Arguments {
			args[i] = src.importValue(ctx, a)
		}

		var (
			out     goja.Value
			callErr error
		)
		if err := src.try(func() {
			if out, callErr = fn(this, args...); callErr != nil {
				callErr = src.translateError(callErr, "")
			}
		}); err != nil {
			ctx.throw(err)
		}
		if callErr != nil {
			ctx.throw(callErr)
		}
		return ctx.importValue(src, out)
	})
}
