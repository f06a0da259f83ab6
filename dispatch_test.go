package jsbridge_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/buke/jsbridge"
	"github.com/stretchr/testify/require"
)

type navigator struct {
	userAgent string
	language  string
	plugins   []string
}

func navigatorClass(hook jsbridge.Hook) *jsbridge.Descriptor {
	self := func(call *jsbridge.PendingCall) *navigator { return call.Self.(*navigator) }

	return jsbridge.NewClassBuilder("Navigator").
		For(&navigator{}).
		Hook(hook).
		Attribute("userAgent", func(call *jsbridge.PendingCall) (interface{}, error) {
			return self(call).userAgent, nil
		}, nil, jsbridge.AtPrototype(), jsbridge.WithSideEffect(jsbridge.SideEffectNone)).
		Attribute("language", func(call *jsbridge.PendingCall) (interface{}, error) {
			return self(call).language, nil
		}, func(call *jsbridge.PendingCall) (interface{}, error) {
			return nil, call.BindValue(&self(call).language)
		}).
		Method("javaEnabled", func(call *jsbridge.PendingCall) (interface{}, error) {
			return false, nil
		}, jsbridge.AtPrototype()).
		Method("addPlugin", func(call *jsbridge.PendingCall) (interface{}, error) {
			var name string
			if err := call.Bind(0, &name); err != nil {
				return nil, err
			}
			if name == "" {
				return nil, jsbridge.NewThrowError("RangeError", "empty plugin name")
			}
			n := self(call)
			n.plugins = append(n.plugins, name)
			return len(n.plugins), nil
		}, jsbridge.AtPrototype(), jsbridge.WithLength(1), jsbridge.WithSideEffect(jsbridge.SideEffectToReceiver)).
		Constant("MAX_TOUCH", 5, jsbridge.AtInterface(), jsbridge.WithAttr(jsbridge.AttrReadOnly|jsbridge.AttrDontDelete)).
		MustBuild()
}

func newNavigatorContext(t *testing.T, hook jsbridge.Hook, opts ...jsbridge.ContextOption) (*jsbridge.Runtime, *jsbridge.Context, *navigator) {
	t.Helper()
	rt := jsbridge.NewRuntime()
	ctx, err := rt.NewContext(nil, opts...)
	require.NoError(t, err)

	require.NoError(t, ctx.Expose(navigatorClass(hook)))
	nav := &navigator{userAgent: "Mozilla/5.0", language: "en-US"}
	require.NoError(t, ctx.Set("navigator", nav))
	return rt, ctx, nav
}

// TestDispatcherHostSide tests Go-initiated operations on exposed objects.
func TestDispatcherHostSide(t *testing.T) {
	rt, ctx, nav := newNavigatorContext(t, nil)
	defer rt.Close()
	d := rt.Dispatcher()

	t.Run("Get", func(t *testing.T) {
		ua, err := d.Get(ctx, nav, "userAgent")
		require.NoError(t, err)
		require.EqualValues(t, "Mozilla/5.0", ua)

		max, err := d.Get(ctx, nav, "MAX_TOUCH")
		require.NoError(t, err)
		require.EqualValues(t, 5, max)

		method, err := d.Get(ctx, nav, "javaEnabled")
		require.NoError(t, err)
		fn, ok := method.(*jsbridge.Function)
		require.True(t, ok)
		require.EqualValues(t, "javaEnabled", fn.Name())

		_, err = d.Get(ctx, nav, "missing")
		require.ErrorIs(t, err, jsbridge.ErrNameNotFound)

		_, err = d.Get(ctx, nil, "userAgent")
		require.ErrorIs(t, err, jsbridge.ErrIllegalInvocation)
	})

	t.Run("Set", func(t *testing.T) {
		require.NoError(t, d.Set(ctx, nav, "language", "de-DE"))
		require.EqualValues(t, "de-DE", nav.language)

		seen, err := ctx.Evaluate(`navigator.language`)
		require.NoError(t, err)
		require.EqualValues(t, "de-DE", seen)

		err = d.Set(ctx, nav, "userAgent", "curl")
		require.ErrorIs(t, err, jsbridge.ErrReadOnly)

		err = d.Set(ctx, nav, "MAX_TOUCH", 10)
		require.ErrorIs(t, err, jsbridge.ErrReadOnly)

		err = d.Set(ctx, nav, "language", 42)
		require.ErrorIs(t, err, jsbridge.ErrConversion)

		var nf *jsbridge.NameNotFoundError
		err = d.Set(ctx, nav, "missing", 1)
		require.True(t, errors.As(err, &nf))
		require.EqualValues(t, "missing", nf.Name)
	})

	t.Run("Call", func(t *testing.T) {
		n, err := d.Call(ctx, nav, "addPlugin", "pdf")
		require.NoError(t, err)
		require.EqualValues(t, 1, n)
		require.Equal(t, []string{"pdf"}, nav.plugins)

		_, err = d.Call(ctx, nav, "addPlugin", "")
		var te *jsbridge.ThrowError
		require.True(t, errors.As(err, &te))
		require.EqualValues(t, "RangeError", te.ErrorName())

		// attributes holding non-functions cannot be called
		_, err = d.Call(ctx, nav, "userAgent")
		require.Error(t, err)
		require.Contains(t, err.Error(), "is not a function")
	})

	t.Run("Delete", func(t *testing.T) {
		err := d.Delete(ctx, nav, "MAX_TOUCH")
		require.ErrorIs(t, err, jsbridge.ErrReadOnly)

		require.NoError(t, d.Delete(ctx, nav, "language"))
		kind, err := ctx.Evaluate(`typeof navigator.language`)
		require.NoError(t, err)
		require.EqualValues(t, "undefined", kind)

		err = d.Delete(ctx, nav, "missing")
		require.ErrorIs(t, err, jsbridge.ErrNameNotFound)
	})

	t.Run("Construct", func(t *testing.T) {
		_, err := d.Construct(ctx, "Navigator", true)
		require.Error(t, err)
		require.Contains(t, err.Error(), "Illegal constructor")

		_, err = d.Construct(ctx, "NoSuchClass", true)
		require.ErrorIs(t, err, jsbridge.ErrNameNotFound)
	})

	t.Run("TornDown", func(t *testing.T) {
		ctx2, err := rt.NewContext(nil)
		require.NoError(t, err)
		ctx2.Close()
		_, err = d.Get(ctx2, nav, "userAgent")
		require.ErrorIs(t, err, jsbridge.ErrUseAfterTeardown)
	})
}

// TestDispatcherResolver tests the fallback to the name resolver for undeclared names.
func TestDispatcherResolver(t *testing.T) {
	resolver := jsbridge.NameResolverFunc(func(ctx *jsbridge.Context, name string) (interface{}, bool) {
		switch name {
		case "vendor":
			return "Example Inc.", true
		case "shout":
			return func(s string) string { return strings.ToUpper(s) }, true
		}
		return nil, false
	})

	rt, ctx, nav := newNavigatorContext(t, nil, jsbridge.WithResolver(resolver))
	defer rt.Close()
	d := rt.Dispatcher()

	vendor, err := d.Get(ctx, nav, "vendor")
	require.NoError(t, err)
	require.EqualValues(t, "Example Inc.", vendor)

	loud, err := d.Call(ctx, nav, "shout", "hi")
	require.NoError(t, err)
	require.EqualValues(t, "HI", loud)

	_, err = d.Call(ctx, nav, "vendor")
	require.Error(t, err)

	_, err = d.Get(ctx, nav, "unknown")
	require.ErrorIs(t, err, jsbridge.ErrNameNotFound)

	// undeclared globals in script resolve the same way
	result, err := ctx.Evaluate(`shout(vendor)`)
	require.NoError(t, err)
	require.EqualValues(t, "EXAMPLE INC.", result)
}

// TestDispatcherPrecedence tests that instance entries shadow prototype entries of the same name.
func TestDispatcherPrecedence(t *testing.T) {
	d := jsbridge.NewClassBuilder("Layered").
		For(&navigator{}).
		Attribute("kind", func(call *jsbridge.PendingCall) (interface{}, error) {
			return "instance", nil
		}, nil).
		Attribute("kind", func(call *jsbridge.PendingCall) (interface{}, error) {
			return "prototype", nil
		}, nil, jsbridge.AtPrototype(), jsbridge.WithReceiverCheck()).
		MustBuild()

	rt := jsbridge.NewRuntime()
	defer rt.Close()
	ctx, err := rt.NewContext(nil)
	require.NoError(t, err)
	require.NoError(t, ctx.Expose(d))

	layered := &navigator{}
	require.NoError(t, ctx.Set("layered", layered))

	kind, err := rt.Dispatcher().Get(ctx, layered, "kind")
	require.NoError(t, err)
	require.EqualValues(t, "instance", kind)

	result, err := ctx.Evaluate(`
		const protoKind = Object.getOwnPropertyDescriptor(Layered.prototype, "kind").get;
		[layered.kind, protoKind.call(layered)].join("|")
	`)
	require.NoError(t, err)
	require.EqualValues(t, "instance|prototype", result)
}

// TestDispatcherScriptSide tests receiver checks and error mapping of script accesses.
func TestDispatcherScriptSide(t *testing.T) {
	rt, ctx, nav := newNavigatorContext(t, nil)
	defer rt.Close()

	testCases := []struct {
		code     string
		expected interface{}
	}{
		{`navigator.userAgent`, "Mozilla/5.0"},
		{`navigator.javaEnabled()`, false},
		{`navigator.addPlugin("flash")`, int64(1)},
		{`navigator.addPlugin.length`, int64(1)},
		{`Navigator.MAX_TOUCH`, int64(5)},
		{`navigator instanceof Navigator`, true},
		{`Object.prototype.toString.call(navigator)`, "[object Navigator]"},
		{`try { navigator.addPlugin("") } catch (e) { e.name + ": " + e.message }`, "RangeError: empty plugin name"},
		{`try { new Navigator() } catch (e) { e.name + ": " + e.message }`, "TypeError: Illegal constructor"},
		{`navigator.userAgent = "changed"; navigator.userAgent`, "Mozilla/5.0"},
		{`(function() { "use strict"; try { navigator.userAgent = "x"; return "assigned"; } catch (e) { return e.name; } })()`, "TypeError"},
	}
	for _, tc := range testCases {
		result, err := ctx.Evaluate(tc.code)
		require.NoError(t, err, tc.code)
		require.Equal(t, tc.expected, result, tc.code)
	}
	require.Equal(t, []string{"flash"}, nav.plugins)

	// prototype accessors reject foreign receivers without crashing
	result, err := ctx.Evaluate(`
		const desc = Object.getOwnPropertyDescriptor(Navigator.prototype, "userAgent");
		try { desc.get.call({}); "no error" } catch (e) { e.name }
	`)
	require.NoError(t, err)
	require.NotEqual(t, "no error", result)
}

// TestDispatcherAfter tests after-callbacks registered by Go callbacks.
func TestDispatcherAfter(t *testing.T) {
	var order []string

	hook := jsbridge.HookFunc(func(ev *jsbridge.HookEvent) error {
		order = append(order, "hook:"+ev.Name)
		return nil
	})

	d := jsbridge.NewClassBuilder("Tracker").
		For(&navigator{}).
		Hook(hook).
		Method("track", func(call *jsbridge.PendingCall) (interface{}, error) {
			order = append(order, "callback")
			call.After(func(result interface{}, err error) {
				order = append(order, "after")
				require.EqualValues(t, "tracked", result)
				require.NoError(t, err)
			})
			return "tracked", nil
		}).
		MustBuild()

	rt := jsbridge.NewRuntime()
	defer rt.Close()
	ctx, err := rt.NewContext(nil, jsbridge.WithHooks(true))
	require.NoError(t, err)
	require.NoError(t, ctx.Expose(d))

	tracker := &navigator{}
	require.NoError(t, ctx.Set("tracker", tracker))

	result, err := ctx.Evaluate(`tracker.track()`)
	require.NoError(t, err)
	require.EqualValues(t, "tracked", result)
	require.Equal(t, []string{"callback", "after", "hook:track"}, order)

	order = nil
	_, err = rt.Dispatcher().Call(ctx, tracker, "track")
	require.NoError(t, err)
	require.Equal(t, []string{"callback", "after", "hook:track"}, order)
}

// TestDispatcherPanics tests that panics in Go callbacks surface as script errors.
func TestDispatcherPanics(t *testing.T) {
	d := jsbridge.NewClassBuilder("Fragile").
		For(&navigator{}).
		Method("explode", func(call *jsbridge.PendingCall) (interface{}, error) {
			panic("kaboom")
		}).
		Method("fail", func(call *jsbridge.PendingCall) (interface{}, error) {
			panic(errors.New("wrapped"))
		}).
		MustBuild()

	rt := jsbridge.NewRuntime()
	defer rt.Close()
	ctx, err := rt.NewContext(nil)
	require.NoError(t, err)
	require.NoError(t, ctx.Expose(d))

	fragile := &navigator{}
	require.NoError(t, ctx.Set("fragile", fragile))

	result, err := ctx.Evaluate(`try { fragile.explode() } catch (e) { e.message }`)
	require.NoError(t, err)
	require.EqualValues(t, "panic in explode: kaboom", result)

	_, err = rt.Dispatcher().Call(ctx, fragile, "fail")
	require.Error(t, err)
	require.Contains(t, err.Error(), "panic in fail: wrapped")

	// the context stays usable
	result, err = ctx.Evaluate(`1 + 1`)
	require.NoError(t, err)
	require.EqualValues(t, 2, result)
}
