package jsbridge_test

import (
	"errors"
	"testing"

	"github.com/buke/jsbridge"
	"github.com/stretchr/testify/require"
)

func newValueContext(t *testing.T) (*jsbridge.Runtime, *jsbridge.Context) {
	t.Helper()
	rt := jsbridge.NewRuntime()
	ctx, err := rt.NewContext(nil)
	require.NoError(t, err)
	return rt, ctx
}

// TestValueKinds tests the classification of every script value kind.
func TestValueKinds(t *testing.T) {
	rt, ctx := newValueContext(t)
	defer rt.Close()

	testCases := []struct {
		code string
		kind jsbridge.Kind
		name string
	}{
		{`undefined`, jsbridge.KindUndefined, "undefined"},
		{`null`, jsbridge.KindNull, "null"},
		{`true`, jsbridge.KindBool, "boolean"},
		{`1.5`, jsbridge.KindNumber, "number"},
		{`10n`, jsbridge.KindBigInt, "bigint"},
		{`"s"`, jsbridge.KindString, "string"},
		{`Symbol("s")`, jsbridge.KindSymbol, "symbol"},
		{`({})`, jsbridge.KindObject, "object"},
		{`[1]`, jsbridge.KindArray, "array"},
		{`(() => 1)`, jsbridge.KindFunction, "function"},
		{`new Float64Array(2)`, jsbridge.KindTypedArray, "typedarray"},
		{`Promise.resolve(1)`, jsbridge.KindPromise, "promise"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := ctx.Eval(tc.code)
			require.NoError(t, err)
			require.Equal(t, tc.kind, v.Kind())
			require.EqualValues(t, tc.name, v.Kind().String())
		})
	}

	require.EqualValues(t, "unknown", jsbridge.Kind(99).String())

	t.Run("Predicates", func(t *testing.T) {
		fn, err := ctx.Eval(`(function f() {})`)
		require.NoError(t, err)
		require.True(t, fn.IsFunction())
		require.True(t, fn.IsObject())
		require.False(t, fn.IsArray())

		s, err := ctx.Eval(`"text"`)
		require.NoError(t, err)
		require.True(t, s.IsString())
		require.False(t, s.IsObject())
		require.False(t, s.IsNumber())
	})
}

// TestValueConversions tests the scalar To* methods and String.
func TestValueConversions(t *testing.T) {
	rt, ctx := newValueContext(t)
	defer rt.Close()

	eval := func(code string) jsbridge.Value {
		t.Helper()
		v, err := ctx.Eval(code)
		require.NoError(t, err)
		return v
	}

	require.True(t, eval(`"non-empty"`).ToBool())
	require.False(t, eval(`""`).ToBool())
	require.False(t, eval(`0`).ToBool())
	require.True(t, eval(`({})`).ToBool())

	require.EqualValues(t, 42, eval(`"42"`).ToInt64())
	require.EqualValues(t, -3, eval(`-3.9`).ToInt64())
	require.EqualValues(t, 2.5, eval(`"2.5"`).ToFloat64())

	require.EqualValues(t, "1,2", eval(`[1, 2]`).String())
	require.EqualValues(t, "undefined", eval(`undefined`).String())
	require.EqualValues(t, "[object Object]", eval(`({})`).String())

	// the zero Value behaves as undefined
	var zero jsbridge.Value
	require.True(t, zero.IsUndefined())
	require.False(t, zero.ToBool())
	require.EqualValues(t, 0, zero.ToInt64())
	require.EqualValues(t, "undefined", zero.String())
	_, err := zero.Export()
	require.True(t, errors.Is(err, jsbridge.ErrUseAfterTeardown))
}

func TestValueStrictEquals(t *testing.T) {
	rt, ctx := newValueContext(t)
	defer rt.Close()

	_, err := ctx.Eval(`var shared = {}`)
	require.NoError(t, err)

	a, err := ctx.Eval(`shared`)
	require.NoError(t, err)
	b, err := ctx.Eval(`shared`)
	require.NoError(t, err)
	c, err := ctx.Eval(`({})`)
	require.NoError(t, err)

	require.True(t, a.StrictEquals(b))
	require.False(t, a.StrictEquals(c))

	one, _ := ctx.Eval(`1`)
	oneStr, _ := ctx.Eval(`"1"`)
	require.False(t, one.StrictEquals(oneStr))

	nan, _ := ctx.Eval(`NaN`)
	require.False(t, nan.StrictEquals(nan))

	var zero jsbridge.Value
	undef, _ := ctx.Eval(`undefined`)
	require.True(t, zero.StrictEquals(undef))
}

func TestValueJSONStringify(t *testing.T) {
	rt, ctx := newValueContext(t)
	defer rt.Close()

	v, err := ctx.Eval(`({a: [1, "x"], b: {c: null}})`)
	require.NoError(t, err)
	s, err := v.JSONStringify()
	require.NoError(t, err)
	require.JSONEq(t, `{"a":[1,"x"],"b":{"c":null}}`, s)

	fn, err := ctx.Eval(`(function() {})`)
	require.NoError(t, err)
	s, err = fn.JSONStringify()
	require.NoError(t, err)
	require.Empty(t, s)

	cyclic, err := ctx.Eval(`var o = {}; o.o = o; o`)
	require.NoError(t, err)
	_, err = cyclic.JSONStringify()
	require.Error(t, err)
}

// TestValueExport tests Export on values of every kind.
func TestValueExport(t *testing.T) {
	rt, ctx := newValueContext(t)
	defer rt.Close()

	v, err := ctx.Eval(`null`)
	require.NoError(t, err)
	got, err := v.Export()
	require.NoError(t, err)
	require.Equal(t, jsbridge.Null, got)
	require.EqualValues(t, "null", jsbridge.Null.String())

	v, err = ctx.Eval(`-0`)
	require.NoError(t, err)
	got, err = v.Export()
	require.NoError(t, err)
	require.IsType(t, float64(0), got)

	v, err = ctx.Eval(`2 ** 60`)
	require.NoError(t, err)
	got, err = v.Export()
	require.NoError(t, err)
	require.IsType(t, float64(0), got)

	v, err = ctx.Eval(`2 ** 40`)
	require.NoError(t, err)
	got, err = v.Export()
	require.NoError(t, err)
	require.EqualValues(t, int64(1)<<40, got)

	require.Same(t, ctx, v.Context())
	require.NotNil(t, v.Ref())
}
