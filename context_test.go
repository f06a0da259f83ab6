package jsbridge_test

import (
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/buke/jsbridge"
	"github.com/stretchr/testify/require"
)

func TestContextBasics(t *testing.T) {
	rt := jsbridge.NewRuntime()
	defer rt.Close()
	ctx, err := rt.NewContext(nil, jsbridge.WithTag("Top"), jsbridge.WithOrigin("https://a.example"))
	require.NoError(t, err)
	defer ctx.Close()

	require.Same(t, rt, ctx.Runtime())
	require.NotZero(t, ctx.ID())
	require.EqualValues(t, "Top", ctx.Tag())
	require.EqualValues(t, "https://a.example", ctx.Origin())
	require.Nil(t, ctx.Parent())
	require.Nil(t, ctx.GlobalObject())
	require.NotNil(t, ctx.Logger())
	require.Equal(t, jsbridge.StateActive, ctx.State())
	require.EqualValues(t, "active", ctx.State().String())

	found, ok := rt.Registry().Lookup(ctx.ID())
	require.True(t, ok)
	require.Same(t, ctx, found)

	// contexts without an explicit origin get a unique one
	other, err := rt.NewContext(nil)
	require.NoError(t, err)
	defer other.Close()
	require.NotEmpty(t, other.Origin())
	require.NotEqual(t, ctx.Origin(), other.Origin())
}

func TestContextEvaluation(t *testing.T) {
	rt := jsbridge.NewRuntime()
	defer rt.Close()
	ctx, err := rt.NewContext(nil)
	require.NoError(t, err)
	defer ctx.Close()

	t.Run("Eval", func(t *testing.T) {
		v, err := ctx.Eval(`1 + 2`)
		require.NoError(t, err)
		require.True(t, v.IsNumber())
		require.EqualValues(t, 3, v.ToInt64())
		require.EqualValues(t, "3", v.String())
	})

	t.Run("Conversions", func(t *testing.T) {
		cases := []struct {
			code  string
			check func(t *testing.T, v interface{})
		}{
			{`undefined`, func(t *testing.T, v interface{}) { require.Nil(t, v) }},
			{`null`, func(t *testing.T, v interface{}) { require.Equal(t, jsbridge.Null, v) }},
			{`true`, func(t *testing.T, v interface{}) { require.Equal(t, true, v) }},
			{`42`, func(t *testing.T, v interface{}) { require.Equal(t, int64(42), v) }},
			{`1.5`, func(t *testing.T, v interface{}) { require.Equal(t, 1.5, v) }},
			{`"hello"`, func(t *testing.T, v interface{}) { require.Equal(t, "hello", v) }},
			{`12345678901234567890n`, func(t *testing.T, v interface{}) {
				want, _ := new(big.Int).SetString("12345678901234567890", 10)
				require.Equal(t, 0, want.Cmp(v.(*big.Int)))
			}},
			{`new Date(86400000)`, func(t *testing.T, v interface{}) {
				require.True(t, v.(time.Time).Equal(time.UnixMilli(86400000)))
			}},
			{`[1, 2, 3]`, func(t *testing.T, v interface{}) { require.EqualValues(t, 3, v.(*jsbridge.Array).Len()) }},
			{`({a: 1})`, func(t *testing.T, v interface{}) { require.IsType(t, &jsbridge.Object{}, v) }},
			{`(function f() {})`, func(t *testing.T, v interface{}) { require.EqualValues(t, "f", v.(*jsbridge.Function).Name()) }},
			{`Promise.resolve(1)`, func(t *testing.T, v interface{}) { require.IsType(t, &jsbridge.Promise{}, v) }},
			{`new Uint8Array(4)`, func(t *testing.T, v interface{}) { require.EqualValues(t, 4, v.(*jsbridge.TypedArray).Len()) }},
			{`new Uint8Array([1, 2]).buffer`, func(t *testing.T, v interface{}) { require.Equal(t, []byte{1, 2}, v) }},
		}
		for _, tc := range cases {
			t.Run(tc.code, func(t *testing.T) {
				v, err := ctx.Evaluate(tc.code)
				require.NoError(t, err)
				tc.check(t, v)
			})
		}
	})

	t.Run("Symbol", func(t *testing.T) {
		_, err := ctx.Evaluate(`Symbol("x")`)
		require.Error(t, err)
		require.True(t, errors.Is(err, jsbridge.ErrConversion))
	})

	t.Run("CompileError", func(t *testing.T) {
		_, err := ctx.Eval(`let x = ;`, jsbridge.EvalFileName("broken.js"))
		require.Error(t, err)
		require.True(t, errors.Is(err, jsbridge.ErrCompile))

		var compileErr *jsbridge.CompileError
		require.True(t, errors.As(err, &compileErr))
		require.EqualValues(t, "broken.js", compileErr.Origin)
		require.Contains(t, err.Error(), "SyntaxError")
	})

	t.Run("ScriptError", func(t *testing.T) {
		_, err := ctx.Eval(`throw new RangeError("too far")`)
		require.Error(t, err)
		require.True(t, errors.Is(err, jsbridge.ErrScript))

		var se *jsbridge.ScriptError
		require.True(t, errors.As(err, &se))
		require.EqualValues(t, "RangeError", se.Name)
		require.EqualValues(t, "too far", se.Message)
		require.EqualValues(t, "RangeError: too far", se.Error())
	})

	t.Run("ThrownPrimitive", func(t *testing.T) {
		_, err := ctx.Eval(`throw "plain"`)
		var se *jsbridge.ScriptError
		require.True(t, errors.As(err, &se))
		require.EqualValues(t, "Error", se.Name)
		require.EqualValues(t, "plain", se.Message)
	})

	t.Run("Await", func(t *testing.T) {
		v, err := ctx.Eval(`Promise.resolve(7)`, jsbridge.EvalAwait(true))
		require.NoError(t, err)
		require.EqualValues(t, 7, v.ToInt64())

		_, err = ctx.Eval(`Promise.reject(new TypeError("nope"))`, jsbridge.EvalAwait(true))
		var se *jsbridge.ScriptError
		require.True(t, errors.As(err, &se))
		require.EqualValues(t, "TypeError", se.Name)

		_, err = ctx.Eval(`new Promise(function() {})`, jsbridge.EvalAwait(true))
		require.Error(t, err)
	})

	t.Run("EvalFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "script.js")
		require.NoError(t, os.WriteFile(path, []byte(`var fromFile = 6 * 7; fromFile`), 0o600))

		v, err := ctx.EvalFile(path)
		require.NoError(t, err)
		require.EqualValues(t, 42, v.ToInt64())

		_, err = ctx.EvalFile(filepath.Join(t.TempDir(), "missing.js"))
		require.Error(t, err)
	})
}

func TestContextGlobals(t *testing.T) {
	rt := jsbridge.NewRuntime()
	defer rt.Close()
	ctx, err := rt.NewContext(nil)
	require.NoError(t, err)
	defer ctx.Close()

	require.NoError(t, ctx.Set("answer", 42))
	require.True(t, ctx.Has("answer"))
	v, err := ctx.Get("answer")
	require.NoError(t, err)
	require.EqualValues(t, 42, v)

	v, err = ctx.Evaluate(`answer + 1`)
	require.NoError(t, err)
	require.EqualValues(t, 43, v)

	// declared but undefined
	_, err = ctx.Eval(`var nothing;`)
	require.NoError(t, err)
	v, err = ctx.Get("nothing")
	require.NoError(t, err)
	require.Nil(t, v)

	_, err = ctx.Get("undeclared")
	require.True(t, errors.Is(err, jsbridge.ErrNameNotFound))
	var nf *jsbridge.NameNotFoundError
	require.True(t, errors.As(err, &nf))
	require.EqualValues(t, "undeclared", nf.Name)
	require.EqualValues(t, "undeclared is not defined", nf.Error())

	require.NoError(t, ctx.Delete("answer"))
	require.False(t, ctx.Has("answer"))
	require.True(t, errors.Is(ctx.Delete("answer"), jsbridge.ErrNameNotFound))

	global := ctx.Global()
	require.NotNil(t, global)
	require.True(t, global.Has("Object"))
}

func TestContextTimeout(t *testing.T) {
	rt := jsbridge.NewRuntime()
	defer rt.Close()
	ctx, err := rt.NewContext(nil, jsbridge.WithTimeout(50*time.Millisecond))
	require.NoError(t, err)
	defer ctx.Close()

	require.Equal(t, 50*time.Millisecond, ctx.Timeout())

	start := time.Now()
	_, err = ctx.Eval(`for (;;) {}`)
	require.Error(t, err)
	require.True(t, errors.Is(err, jsbridge.ErrTerminated))
	require.Less(t, time.Since(start), 5*time.Second)

	var terminated *jsbridge.TerminatedError
	require.True(t, errors.As(err, &terminated))
	require.Equal(t, 50*time.Millisecond, terminated.Timeout)

	// script cannot catch the termination
	_, err = ctx.Eval(`try { for (;;) {} } catch (e) { "caught" }`)
	require.True(t, errors.Is(err, jsbridge.ErrTerminated))

	// the context stays usable
	v, err := ctx.Evaluate(`1 + 1`)
	require.NoError(t, err)
	require.EqualValues(t, 2, v)

	ctx.SetTimeout(0)
	v, err = ctx.Evaluate(`var n = 0; for (var i = 0; i < 1000; i++) { n += i; } n`)
	require.NoError(t, err)
	require.EqualValues(t, 499500, v)
}

func TestContextTeardown(t *testing.T) {
	rt := jsbridge.NewRuntime()
	defer rt.Close()

	parent, err := rt.NewContext(nil, jsbridge.WithOrigin("https://parent.example"), jsbridge.WithTag("Top"))
	require.NoError(t, err)
	child, err := rt.NewContext(nil, jsbridge.WithParent(parent), jsbridge.WithTag("Iframe"))
	require.NoError(t, err)

	require.Same(t, parent, child.Parent())
	require.EqualValues(t, "https://parent.example", child.Origin())
	require.Equal(t, []*jsbridge.Context{child}, rt.Registry().Children(parent))

	obj, err := child.Evaluate(`({x: 1})`)
	require.NoError(t, err)
	require.EqualValues(t, 1, child.HandleCount())

	parent.Close()
	require.Equal(t, jsbridge.StateTornDown, parent.State())
	require.Equal(t, jsbridge.StateTornDown, child.State())
	require.Zero(t, child.HandleCount())

	_, err = child.Eval(`1`)
	require.True(t, errors.Is(err, jsbridge.ErrUseAfterTeardown))
	_, err = obj.(*jsbridge.Object).Get("x")
	require.True(t, errors.Is(err, jsbridge.ErrUseAfterTeardown))
	require.Nil(t, parent.Global())
	require.False(t, parent.Has("Object"))

	// closing twice is harmless
	parent.Close()

	_, err = rt.NewContext(nil, jsbridge.WithParent(parent))
	require.True(t, errors.Is(err, jsbridge.ErrUseAfterTeardown))
}

func TestContextGlobalObject(t *testing.T) {
	rt := jsbridge.NewRuntime()
	defer rt.Close()

	win := &testWindow{Name: "main"}
	ctx, err := rt.NewContext(win)
	require.NoError(t, err)
	defer ctx.Close()

	require.Same(t, win, ctx.GlobalObject())
	owner, ok := rt.Registry().ByGlobal(win)
	require.True(t, ok)
	require.Same(t, ctx, owner)

	v, err := ctx.Evaluate(`Name`)
	require.NoError(t, err)
	require.EqualValues(t, "main", v)

	v, err = ctx.Evaluate(`Alert("hi")`)
	require.NoError(t, err)
	require.EqualValues(t, "main: hi", v)
	require.Equal(t, []string{"hi"}, win.alerts)

	v, err = ctx.Evaluate(`this.Alert("again"); this.Name = "renamed"; Name`)
	require.NoError(t, err)
	require.EqualValues(t, "renamed", v)
	require.EqualValues(t, "renamed", win.Name)

	// the global itself converts back to the Go object
	v, err = ctx.Evaluate(`this`)
	require.NoError(t, err)
	require.Same(t, win, v)

	// a Go global can only be bound once
	_, err = rt.NewContext(win)
	require.Error(t, err)
}

func TestContextCollectGarbage(t *testing.T) {
	rt := jsbridge.NewRuntime()
	defer rt.Close()
	ctx, err := rt.NewContext(nil)
	require.NoError(t, err)
	defer ctx.Close()

	v, err := ctx.Evaluate(`({kept: true})`)
	require.NoError(t, err)
	obj := v.(*jsbridge.Object)

	ctx.CollectGarbage()
	rt.RunGC()

	kept, err := obj.Get("kept")
	require.NoError(t, err)
	require.Equal(t, true, kept)
}

type testWindow struct {
	Name   string
	alerts []string
}

func (w *testWindow) Alert(msg string) string {
	w.alerts = append(w.alerts, msg)
	return w.Name + ": " + msg
}

func TestContextTimeoutAcrossFrames(t *testing.T) {
	rt := jsbridge.NewRuntime()
	defer rt.Close()
	top, err := rt.NewContext(nil, jsbridge.WithTimeout(100*time.Millisecond))
	require.NoError(t, err)
	frame, err := rt.NewContext(nil, jsbridge.WithParent(top))
	require.NoError(t, err)

	_, err = frame.Eval(`
		function spin() { for (;;) {} }
		var slow = { get value() { for (;;) {} } };
	`)
	require.NoError(t, err)
	require.NoError(t, top.Set("frame", frame))
	require.NoError(t, top.ExposeAs("runInFrame", func(call *jsbridge.PendingCall) (interface{}, error) {
		return frame.Evaluate(`for (;;) {}`)
	}))

	for _, code := range []string{
		`frame.spin()`,
		`frame.slow.value`,
		`try { frame.spin() } catch (e) { "caught" }`,
		`runInFrame()`,
	} {
		start := time.Now()
		_, err := top.Eval(code)
		require.ErrorIs(t, err, jsbridge.ErrTerminated, code)
		require.Less(t, time.Since(start), 5*time.Second, code)

		var terminated *jsbridge.TerminatedError
		require.True(t, errors.As(err, &terminated), code)
		require.Equal(t, 100*time.Millisecond, terminated.Timeout, code)
	}

	// neither context is left interrupted
	v, err := top.Evaluate(`frame.spin.name`)
	require.NoError(t, err)
	require.EqualValues(t, "spin", v)
	v, err = frame.Evaluate(`1 + 1`)
	require.NoError(t, err)
	require.EqualValues(t, 2, v)
}

func TestContextCloseDuringScript(t *testing.T) {
	rt := jsbridge.NewRuntime()
	defer rt.Close()

	for _, code := range []string{
		`closeSelf(); 1`,
		`try { closeSelf(); for (;;) {} } catch (e) { "caught" }`,
	} {
		ctx, err := rt.NewContext(nil, jsbridge.WithTimeout(time.Minute))
		require.NoError(t, err)
		require.NoError(t, ctx.ExposeAs("closeSelf", func(call *jsbridge.PendingCall) (interface{}, error) {
			call.Context.Close()
			return nil, nil
		}))

		_, err = ctx.Eval(code)
		require.ErrorIs(t, err, jsbridge.ErrUseAfterTeardown, code)
		require.False(t, errors.Is(err, jsbridge.ErrTerminated), code)

		var teardown *jsbridge.TeardownError
		require.True(t, errors.As(err, &teardown), code)
		require.Equal(t, jsbridge.StateTornDown, ctx.State())
	}
}
