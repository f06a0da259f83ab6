/*
Package jsbridge embeds a JavaScript engine in a Go process and bridges values, functions and
classes between the two worlds.

A Runtime owns the descriptor table, the context registry, logging and metrics. Each Context
binds one Go object as the script global and runs scripts in its own engine isolate:

	rt := jsbridge.NewRuntime()
	defer rt.Close()

	ctx, err := rt.NewContext(nil)
	if err != nil {
		return err
	}
	v, err := ctx.Evaluate("1 + 1") // int64(2)

Go types are exposed to script through descriptors built with NewClassBuilder or derived by
reflection with ReflectDescriptor. Script values returned to Go are converted to plain Go
values (bool, int64, float64, string, nil, Null) or live handles (*Object, *Array, *Function,
*Promise, *TypedArray) that stay bound to their Context.
*/
package jsbridge

// Version is reported by the script toolkit object.
const Version = "0.4.0"
