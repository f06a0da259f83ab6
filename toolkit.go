package jsbridge

import (
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// installToolkit defines the toolkit object under name in the global scope:
//
//	version        the library version
//	engine         the engine name
//	print(...)     logs its arguments without calling into script
//	nativeWrapper  wraps {name, length, cb} in a function that reads as native code
//	hook           gets or sets hook dispatch for the context
func (ctx *Context) installToolkit(name string) error {
	vm := ctx.vm
	tk := vm.NewObject()

	if err := tk.DefineDataProperty("version", vm.ToValue(Version), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return err
	}
	if err := tk.DefineDataProperty("engine", vm.ToValue(EngineName), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return err
	}

	printFn := ctx.nativeFunc("print", 0, func(fc goja.FunctionCall) goja.Value {
		parts := make([]string, len(fc.Arguments))
		for i, arg := range fc.Arguments {
			parts[i] = describe(arg)
		}
		ctx.logger.Info(strings.Join(parts, " "), zap.String("source", "print"))
		return goja.Undefined()
	})
	if err := tk.DefineDataProperty("print", printFn, goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
		return err
	}

	wrapper := ctx.nativeFunc("nativeWrapper", 1, func(fc goja.FunctionCall) goja.Value {
		return ctx.nativeWrapper(fc.Argument(0))
	})
	if err := tk.DefineDataProperty("nativeWrapper", wrapper, goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
		return err
	}

	getHook := ctx.nativeFunc("get hook", 0, func(goja.FunctionCall) goja.Value {
		return vm.ToValue(ctx.HooksEnabled())
	})
	setHook := ctx.nativeFunc("set hook", 1, func(fc goja.FunctionCall) goja.Value {
		ctx.EnableHooks(fc.Argument(0).ToBoolean())
		return goja.Undefined()
	})
	if err := tk.DefineAccessorProperty("hook", getHook, setHook, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
		return err
	}

	return vm.GlobalObject().DefineDataProperty(name, tk, goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_FALSE)
}

// nativeWrapper builds a native function forwarding to opts.cb with the receiver and
// arguments it was called with.
func (ctx *Context) nativeWrapper(opts goja.Value) goja.Value {
	obj, ok := opts.(*goja.Object)
	if !ok {
		ctx.throw(NewThrowError("TypeError", "nativeWrapper expects an object"))
	}
	cb, ok := goja.AssertFunction(obj.Get("cb"))
	if !ok {
		ctx.throw(NewThrowError("TypeError", "nativeWrapper: cb is not a function"))
	}

	name := stringProp(obj, "name")
	length := 0
	if l := obj.Get("length"); l != nil && !isUndefined(l) {
		length = int(l.ToInteger())
	}

	return ctx.nativeFunc(name, length, func(fc goja.FunctionCall) goja.Value {
		out, err := cb(fc.This, fc.Arguments...)
		if err != nil {
			ctx.throw(ctx.translateError(err, ""))
		}
		return out
	})
}

// describe renders v for logging. Objects are named by their tag; no user code runs.
func describe(v goja.Value) string {
	obj, ok := v.(*goja.Object)
	if !ok {
		if v == nil {
			return "undefined"
		}
		if _, isSym := v.(*goja.Symbol); isSym {
			return "Symbol()"
		}
		return v.String()
	}
	if _, isFn := goja.AssertFunction(obj); isFn {
		return "[function]"
	}
	if tag := obj.GetSymbol(goja.SymToStringTag); tag != nil && !isUndefined(tag) {
		if _, isObj := tag.(*goja.Object); !isObj {
			return "[object " + tag.String() + "]"
		}
	}
	return "[object " + obj.ClassName() + "]"
}
