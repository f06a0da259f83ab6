package jsbridge

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/dop251/goja"
)

// Marshaler is the interface implemented by types that can marshal themselves into a JavaScript value.
type Marshaler interface {
	MarshalJS(ctx *Context) (Value, error)
}

// Unmarshaler is the interface implemented by types that can unmarshal a JavaScript value into themselves.
type Unmarshaler interface {
	UnmarshalJS(ctx *Context, val Value) error
}

const maxSafeInteger = 1<<53 - 1

var (
	promiseType     = reflect.TypeOf((*goja.Promise)(nil))
	timeType        = reflect.TypeOf(time.Time{})
	arrayBufferType = reflect.TypeOf(goja.ArrayBuffer{})
	foreignType     = reflect.TypeOf((*foreignObject)(nil))
	valueType       = reflect.TypeOf(Value{})
)

// =============================================================================
// GO -> SCRIPT
// =============================================================================

// ToScript converts a Go value to its script form.
//
// ToScript uses the following type mappings:
//   - nil -> undefined, Null -> null
//   - bool, integers, floats, string -> primitive (uint64 beyond 2^53 and *big.Int -> BigInt)
//   - []byte -> ArrayBuffer (copied)
//   - time.Time -> Date
//   - slice/array -> Array, map -> Object (copied)
//   - func -> function calling back into Go
//   - pointer to struct, or any value whose type is registered -> host instance wrapper
//   - non-registered struct -> Object (copied; "js" and "json" tags are honored)
//   - error -> Error instance
//   - Value and handles -> the referenced script value
//   - *Descriptor -> the class constructor, *Context -> that context's global
//
// Types implementing the Marshaler interface are marshaled using their MarshalJS method.
func (ctx *Context) ToScript(v interface{}) (Value, error) {
	if err := ctx.check(); err != nil {
		return Value{}, err
	}
	var out goja.Value
	err := ctx.try(func() {
		var err error
		if out, err = ctx.toScript(v); err != nil {
			panic(convError{err})
		}
	})
	if err != nil {
		return Value{}, err
	}
	return Value{ctx: ctx, ref: out}, nil
}

// Marshal is ToScript under the name used by the Unmarshal counterpart.
func (ctx *Context) Marshal(v interface{}) (Value, error) {
	return ctx.ToScript(v)
}

// convError carries a conversion failure out of ctx.try.
type convError struct{ err error }

func (ctx *Context) toScript(v interface{}) (goja.Value, error) {
	switch x := v.(type) {
	case nil:
		return goja.Undefined(), nil
	case NullType:
		return goja.Null(), nil
	case goja.Value:
		return x, nil
	case Value:
		if x.ref == nil {
			return goja.Undefined(), nil
		}
		if x.ctx == nil || x.ctx == ctx {
			return x.ref, nil
		}
		if err := x.ctx.check(); err != nil {
			return nil, err
		}
		return ctx.importValue(x.ctx, x.ref), nil
	case scriptRef:
		src, ref, err := x.scriptRef()
		if err != nil {
			return nil, err
		}
		if src == ctx {
			return ref, nil
		}
		return ctx.importValue(src, ref), nil
	case Marshaler:
		val, err := x.MarshalJS(ctx)
		if err != nil {
			return nil, err
		}
		return ctx.toScript(val)
	case *Descriptor:
		b, err := ctx.classFor(x)
		if err != nil {
			return nil, err
		}
		return b.ctor, nil
	case *Context:
		return ctx.contextGlobal(x)
	case HostFunc:
		return ctx.hostFunction("", 0, x), nil
	case func(*PendingCall) (interface{}, error):
		return ctx.hostFunction("", 0, x), nil
	case time.Time:
		return ctx.vm.New(ctx.vm.Get("Date"), ctx.vm.ToValue(x.UnixMilli()))
	case []byte:
		buf := make([]byte, len(x))
		copy(buf, x)
		return ctx.vm.ToValue(ctx.vm.NewArrayBuffer(buf)), nil
	case *big.Int:
		if x == nil {
			return goja.Null(), nil
		}
		return ctx.vm.ToValue(x), nil
	case string:
		return ctx.vm.ToValue(x), nil
	case bool:
		return ctx.vm.ToValue(x), nil
	}

	if _, ok := ctx.rt.table.LookupValue(v); ok {
		return ctx.wrapHost(v)
	}

	switch x := v.(type) {
	case EngineError:
		return ctx.newError(x.ErrorName(), x.Error(), x), nil
	case error:
		return ctx.throwable(x), nil
	}

	return ctx.marshal(reflect.ValueOf(v))
}

// marshal recursively marshals a Go value to JavaScript
func (ctx *Context) marshal(rv reflect.Value) (goja.Value, error) {
	if !rv.IsValid() {
		return goja.Undefined(), nil
	}
	if rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return goja.Undefined(), nil
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Bool:
		return ctx.vm.ToValue(rv.Bool()), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return ctx.vm.ToValue(rv.Int()), nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > maxSafeInteger {
			return ctx.vm.ToValue(new(big.Int).SetUint64(u)), nil
		}
		return ctx.vm.ToValue(int64(u)), nil

	case reflect.Float32, reflect.Float64:
		return ctx.vm.ToValue(rv.Float()), nil

	case reflect.String:
		return ctx.vm.ToValue(rv.String()), nil

	case reflect.Slice:
		if rv.IsNil() {
			return goja.Null(), nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			buf := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(buf), rv)
			return ctx.vm.ToValue(ctx.vm.NewArrayBuffer(buf)), nil
		}
		return ctx.marshalSequence(rv)

	case reflect.Array:
		return ctx.marshalSequence(rv)

	case reflect.Map:
		if rv.IsNil() {
			return goja.Null(), nil
		}
		return ctx.marshalMap(rv)

	case reflect.Ptr:
		if rv.IsNil() {
			return goja.Null(), nil
		}
		if rv.Elem().Kind() == reflect.Struct {
			return ctx.wrapHost(rv.Interface())
		}
		return ctx.toScript(rv.Elem().Interface())

	case reflect.Struct:
		return ctx.marshalStruct(rv)

	case reflect.Func:
		if rv.IsNil() {
			return goja.Null(), nil
		}
		fn := rv
		return ctx.hostFunction(funcName(fn), arity(fn.Type(), 0), func(call *PendingCall) (interface{}, error) {
			return callReflect(call, fn)
		}), nil
	}

	return nil, &ConversionError{Type: rv.Type().String(), Reason: "no script counterpart"}
}

// marshalSequence marshals a Go slice or array to a JavaScript Array
func (ctx *Context) marshalSequence(rv reflect.Value) (goja.Value, error) {
	items := make([]interface{}, rv.Len())
	for i := range items {
		elem, err := ctx.toScript(rv.Index(i).Interface())
		if err != nil {
			return nil, fmt.Errorf("array element %d: %w", i, err)
		}
		items[i] = elem
	}
	return ctx.vm.NewArray(items...), nil
}

// marshalMap marshals a Go map to a JavaScript Object; keys are written in sorted order
func (ctx *Context) marshalMap(rv reflect.Value) (goja.Value, error) {
	keys := rv.MapKeys()
	names := make([]string, len(keys))
	for i, key := range keys {
		names[i] = fmt.Sprintf("%v", key.Interface())
	}
	order := make([]int, len(keys))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return names[order[a]] < names[order[b]] })

	obj := ctx.vm.NewObject()
	for _, i := range order {
		val, err := ctx.toScript(rv.MapIndex(keys[i]).Interface())
		if err != nil {
			return nil, fmt.Errorf("map value for key %s: %w", names[i], err)
		}
		if err := obj.Set(names[i], val); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

// marshalStruct copies the exported fields of a Go struct into a JavaScript Object
func (ctx *Context) marshalStruct(rv reflect.Value) (goja.Value, error) {
	rt := rv.Type()
	obj := ctx.vm.NewObject()

	for i := 0; i < rv.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		name, skip := parseFieldTagForProperty(field)
		if skip {
			continue
		}
		val, err := ctx.toScript(rv.Field(i).Interface())
		if err != nil {
			return nil, fmt.Errorf("struct field %s: %w", field.Name, err)
		}
		if err := obj.Set(name, val); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

// contextGlobal returns the global of other as seen from ctx.
func (ctx *Context) contextGlobal(other *Context) (goja.Value, error) {
	if err := other.check(); err != nil {
		return nil, err
	}
	if other == ctx {
		return ctx.vm.GlobalObject(), nil
	}
	return ctx.importValue(other, other.vm.GlobalObject()), nil
}

// =============================================================================
// SCRIPT -> GO
// =============================================================================

// ToHost converts a script value to its Go form: undefined -> nil, null -> Null,
// booleans and strings as is, integral numbers within ±2^53 -> int64, other numbers ->
// float64, BigInt -> *big.Int, Date -> time.Time, ArrayBuffer -> []byte (copied), wrapped
// host instances -> the wrapped Go value. Other objects become live handles: *Function,
// *Array, *TypedArray, *Promise or *Object. Symbols fail with *ConversionError.
func (ctx *Context) ToHost(val Value) (interface{}, error) {
	src := ctx
	if val.ctx != nil {
		src = val.ctx
	}
	if err := src.check(); err != nil {
		return nil, err
	}
	return src.toHost(val.ref)
}

func (ctx *Context) toHost(v goja.Value) (interface{}, error) {
	if isUndefined(v) {
		return nil, nil
	}
	if goja.IsNull(v) {
		return Null, nil
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		if _, ok := v.(*goja.Symbol); ok {
			return nil, &ConversionError{Type: "symbol", Reason: "symbols have no Go counterpart"}
		}
		switch x := v.Export().(type) {
		case float64:
			if x == math.Trunc(x) && math.Abs(x) <= maxSafeInteger && !(x == 0 && math.Signbit(x)) {
				return int64(x), nil
			}
			return x, nil
		default:
			return x, nil
		}
	}

	if inst, ok := ctx.record(obj); ok {
		return inst.host, nil
	}

	switch obj.ExportType() {
	case foreignType:
		f := obj.Export().(*foreignObject)
		if err := f.target.check(); err != nil {
			return nil, err
		}
		return f.target.toHost(f.obj)
	case timeType:
		if t, ok := obj.Export().(time.Time); ok {
			return t, nil
		}
		return nil, nil
	case arrayBufferType:
		data := obj.Export().(goja.ArrayBuffer).Bytes()
		buf := make([]byte, len(data))
		copy(buf, data)
		return buf, nil
	}

	switch kindOf(ctx.helpers, obj) {
	case KindFunction:
		return newFunction(ctx, obj), nil
	case KindArray:
		return newArray(ctx, obj), nil
	case KindTypedArray:
		return newTypedArray(ctx, obj, ctx.helpers.typedArrayKind(obj)), nil
	case KindPromise:
		return newPromise(ctx, obj), nil
	}
	return newObject(ctx, obj), nil
}

// Unmarshal stores the script value in the value pointed to by v.
// If v is nil or not a pointer, Unmarshal returns an error.
//
// Unmarshal uses the inverse of the encodings that ToScript uses, with the following additional rules:
//   - JavaScript null/undefined -> Go nil pointer or zero value
//   - JavaScript Array or typed array -> Go slice/array
//   - JavaScript Object -> Go map/struct
//   - JavaScript number -> Go numeric types (with appropriate conversion)
//   - JavaScript BigInt -> Go uint64/int64/*big.Int
//   - JavaScript ArrayBuffer or typed array -> Go []byte
//   - wrapped host instance -> the Go value when its type is assignable
//   - any value -> Value, *Object, *Function, *Array, *TypedArray, *Promise handles
//
// When unmarshaling into an interface{}, Unmarshal stores one of:
//   - nil for JavaScript null/undefined
//   - bool for JavaScript boolean
//   - int64 for JavaScript integer numbers
//   - float64 for JavaScript floating-point numbers
//   - string for JavaScript string
//   - *big.Int for JavaScript BigInt
//   - the host value for wrapped host instances
//   - *Function for functions and *Promise for promises
//   - []interface{} for JavaScript Array
//   - map[string]interface{} for JavaScript Object
//
// Types implementing the Unmarshaler interface are unmarshaled using their UnmarshalJS method.
func (ctx *Context) Unmarshal(val Value, v interface{}) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("unmarshal target must be a non-nil pointer")
	}
	src := ctx
	if val.ctx != nil {
		src = val.ctx
	}
	if err := src.check(); err != nil {
		return err
	}
	ref := val.ref
	if ref == nil {
		ref = goja.Undefined()
	}
	return src.try(func() {
		if err := src.unmarshal(ref, rv.Elem()); err != nil {
			panic(convError{err})
		}
	})
}

// unmarshal recursively unmarshals a JavaScript value to Go
func (ctx *Context) unmarshal(v goja.Value, rv reflect.Value) error {
	jsVal := Value{ctx: ctx, ref: v}

	// Check if type implements Unmarshaler interface
	if rv.CanAddr() {
		if unmarshaler, ok := rv.Addr().Interface().(Unmarshaler); ok {
			return unmarshaler.UnmarshalJS(ctx, jsVal)
		}
	}

	if ok, err := ctx.unmarshalHandle(v, rv); ok || err != nil {
		return err
	}

	obj, isObj := v.(*goja.Object)
	if isObj {
		if inst, ok := ctx.record(obj); ok {
			hv := reflect.ValueOf(inst.host)
			switch {
			case hv.Type().AssignableTo(rv.Type()):
				rv.Set(hv)
				return nil
			case hv.Kind() == reflect.Ptr && hv.Elem().Type().AssignableTo(rv.Type()):
				rv.Set(hv.Elem())
				return nil
			}
		}
		if obj.ExportType() == foreignType {
			f := obj.Export().(*foreignObject)
			if err := f.target.check(); err != nil {
				return err
			}
			return f.target.unmarshal(f.obj, rv)
		}
	}

	// Handle pointer types
	if rv.Kind() == reflect.Ptr {
		if jsVal.IsNull() || jsVal.IsUndefined() {
			rv.Set(reflect.Zero(rv.Type()))
			return nil
		}
		if rv.Type() == reflect.TypeOf((*big.Int)(nil)) {
			b, ok := v.Export().(*big.Int)
			if !ok {
				return ctx.unmarshalError(jsVal, "*big.Int")
			}
			rv.Set(reflect.ValueOf(b))
			return nil
		}
		if rv.IsNil() {
			rv.Set(reflect.New(rv.Type().Elem()))
		}
		return ctx.unmarshal(v, rv.Elem())
	}

	switch rv.Kind() {
	case reflect.Bool:
		if !jsVal.IsBool() {
			return ctx.unmarshalError(jsVal, "bool")
		}
		rv.SetBool(jsVal.ToBool())

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		var n int64
		switch {
		case jsVal.IsNumber():
			n = v.ToInteger()
		case jsVal.IsBigInt():
			b := v.Export().(*big.Int)
			if !b.IsInt64() {
				return &ConversionError{Type: "bigint", Reason: "value out of range for " + rv.Type().String()}
			}
			n = b.Int64()
		default:
			return ctx.unmarshalError(jsVal, rv.Type().String())
		}
		if rv.OverflowInt(n) {
			return &ConversionError{Type: "number", Reason: fmt.Sprintf("%d overflows Go %s", n, rv.Type())}
		}
		rv.SetInt(n)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		var u uint64
		switch {
		case jsVal.IsNumber():
			n := v.ToInteger()
			if n < 0 {
				return &ConversionError{Type: "number", Reason: "cannot unmarshal negative number into Go " + rv.Type().String()}
			}
			u = uint64(n)
		case jsVal.IsBigInt():
			b := v.Export().(*big.Int)
			if !b.IsUint64() {
				return &ConversionError{Type: "bigint", Reason: "value out of range for " + rv.Type().String()}
			}
			u = b.Uint64()
		default:
			return ctx.unmarshalError(jsVal, rv.Type().String())
		}
		if rv.OverflowUint(u) {
			return &ConversionError{Type: "number", Reason: fmt.Sprintf("%d overflows Go %s", u, rv.Type())}
		}
		rv.SetUint(u)

	case reflect.Float32, reflect.Float64:
		if !jsVal.IsNumber() {
			return ctx.unmarshalError(jsVal, "float")
		}
		rv.SetFloat(v.ToFloat())

	case reflect.String:
		if !jsVal.IsString() {
			return ctx.unmarshalError(jsVal, "string")
		}
		rv.SetString(v.String())

	case reflect.Slice:
		return ctx.unmarshalSlice(jsVal, rv)

	case reflect.Array:
		return ctx.unmarshalArray(jsVal, rv)

	case reflect.Map:
		return ctx.unmarshalMap(jsVal, rv)

	case reflect.Struct:
		if rv.Type() == timeType {
			if !isObj || obj.ExportType() != timeType {
				return ctx.unmarshalError(jsVal, "time.Time")
			}
			if t, ok := obj.Export().(time.Time); ok {
				rv.Set(reflect.ValueOf(t))
			}
			return nil
		}
		return ctx.unmarshalStruct(jsVal, rv)

	case reflect.Interface:
		val, err := ctx.unmarshalInterface(v, make(map[*goja.Object]bool))
		if err != nil {
			return err
		}
		if val == nil {
			rv.Set(reflect.Zero(rv.Type()))
			return nil
		}
		gv := reflect.ValueOf(val)
		if !gv.Type().AssignableTo(rv.Type()) {
			return &ConversionError{Type: gv.Type().String(), Reason: "does not implement " + rv.Type().String()}
		}
		rv.Set(gv)

	case reflect.Func:
		if jsVal.IsNull() || jsVal.IsUndefined() {
			rv.Set(reflect.Zero(rv.Type()))
			return nil
		}
		if !jsVal.IsFunction() {
			return ctx.unmarshalError(jsVal, rv.Type().String())
		}
		return ctx.vm.ExportTo(v, rv.Addr().Interface())

	default:
		return &ConversionError{Type: rv.Type().String(), Reason: "unsupported Go type"}
	}

	return nil
}

func (ctx *Context) unmarshalError(jsVal Value, goType string) error {
	return &ConversionError{
		Type:   jsVal.Kind().String(),
		Reason: fmt.Sprintf("cannot unmarshal JavaScript %s into Go %s", jsVal.String(), goType),
	}
}

// unmarshalHandle fills handle-typed targets; it reports whether rv was one.
func (ctx *Context) unmarshalHandle(v goja.Value, rv reflect.Value) (bool, error) {
	switch rv.Type() {
	case valueType:
		rv.Set(reflect.ValueOf(Value{ctx: ctx, ref: v}))
		return true, nil
	case contextType:
		obj, ok := v.(*goja.Object)
		switch {
		case ok && obj == ctx.vm.GlobalObject():
			rv.Set(reflect.ValueOf(ctx))
			return true, nil
		case ok && obj.ExportType() == foreignType:
			f := obj.Export().(*foreignObject)
			if f.obj == f.target.vm.GlobalObject() {
				rv.Set(reflect.ValueOf(f.target))
				return true, nil
			}
		case isUndefined(v) || goja.IsNull(v):
			rv.Set(reflect.Zero(rv.Type()))
			return true, nil
		}
		return true, &ConversionError{Type: kindOf(ctx.helpers, v).String(), Reason: "not a context global"}
	}

	var build func(obj *goja.Object) (interface{}, bool)
	switch rv.Type() {
	case reflect.TypeOf((*Object)(nil)):
		build = func(obj *goja.Object) (interface{}, bool) { return newObject(ctx, obj), true }
	case reflect.TypeOf((*Function)(nil)):
		build = func(obj *goja.Object) (interface{}, bool) {
			if _, ok := goja.AssertFunction(obj); !ok {
				return nil, false
			}
			return newFunction(ctx, obj), true
		}
	case reflect.TypeOf((*Array)(nil)):
		build = func(obj *goja.Object) (interface{}, bool) {
			if obj.ClassName() != "Array" {
				return nil, false
			}
			return newArray(ctx, obj), true
		}
	case reflect.TypeOf((*TypedArray)(nil)):
		build = func(obj *goja.Object) (interface{}, bool) {
			kind := ctx.helpers.typedArrayKind(obj)
			if kind == 0 {
				return nil, false
			}
			return newTypedArray(ctx, obj, kind), true
		}
	case reflect.TypeOf((*Promise)(nil)):
		build = func(obj *goja.Object) (interface{}, bool) {
			if obj.ExportType() != promiseType {
				return nil, false
			}
			return newPromise(ctx, obj), true
		}
	default:
		return false, nil
	}

	if isUndefined(v) || goja.IsNull(v) {
		rv.Set(reflect.Zero(rv.Type()))
		return true, nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return true, ctx.unmarshalError(Value{ctx: ctx, ref: v}, rv.Type().String())
	}
	h, ok := build(obj)
	if !ok {
		return true, ctx.unmarshalError(Value{ctx: ctx, ref: v}, rv.Type().String())
	}
	rv.Set(reflect.ValueOf(h))
	return true, nil
}

// arrayLike returns the length of an Array or typed array value.
func (ctx *Context) arrayLike(jsVal Value) (*goja.Object, int, bool) {
	obj, ok := jsVal.ref.(*goja.Object)
	if !ok {
		return nil, 0, false
	}
	if obj.ClassName() != "Array" && ctx.helpers.typedArrayKind(obj) == 0 {
		return nil, 0, false
	}
	return obj, int(obj.Get("length").ToInteger()), true
}

// unmarshalSlice unmarshals a JavaScript Array to a Go slice
func (ctx *Context) unmarshalSlice(jsVal Value, rv reflect.Value) error {
	if jsVal.IsNull() || jsVal.IsUndefined() {
		rv.Set(reflect.Zero(rv.Type()))
		return nil
	}

	// Handle ArrayBuffer and byte views as []byte
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		if obj, ok := jsVal.ref.(*goja.Object); ok && (obj.ExportType() == arrayBufferType || ctx.helpers.typedArrayKind(obj) != 0) {
			var data []byte
			var err error
			if ab, isBuf := obj.Export().(goja.ArrayBuffer); isBuf {
				data = ab.Bytes()
			} else {
				err = ctx.vm.ExportTo(obj, &data)
			}
			if err == nil {
				buf := reflect.MakeSlice(rv.Type(), len(data), len(data))
				reflect.Copy(buf, reflect.ValueOf(data))
				rv.Set(buf)
				return nil
			}
		}
	}

	obj, length, ok := ctx.arrayLike(jsVal)
	if !ok {
		return ctx.unmarshalError(jsVal, rv.Type().String())
	}

	slice := reflect.MakeSlice(rv.Type(), length, length)
	for i := 0; i < length; i++ {
		elem := obj.Get(strconv.Itoa(i))
		if elem == nil {
			elem = goja.Undefined()
		}
		if err := ctx.unmarshal(elem, slice.Index(i)); err != nil {
			return fmt.Errorf("array element %d: %w", i, err)
		}
	}
	rv.Set(slice)
	return nil
}

// unmarshalArray unmarshals a JavaScript Array to a Go array
func (ctx *Context) unmarshalArray(jsVal Value, rv reflect.Value) error {
	obj, length, ok := ctx.arrayLike(jsVal)
	if !ok {
		return ctx.unmarshalError(jsVal, rv.Type().String())
	}

	// Use the smaller of the two lengths to avoid index out of bounds
	maxLen := length
	if rv.Len() < maxLen {
		maxLen = rv.Len()
	}
	for i := 0; i < maxLen; i++ {
		elem := obj.Get(strconv.Itoa(i))
		if elem == nil {
			elem = goja.Undefined()
		}
		if err := ctx.unmarshal(elem, rv.Index(i)); err != nil {
			return fmt.Errorf("array element %d: %w", i, err)
		}
	}
	return nil
}

// unmarshalMap unmarshals a JavaScript Object to a Go map
func (ctx *Context) unmarshalMap(jsVal Value, rv reflect.Value) error {
	if jsVal.IsNull() || jsVal.IsUndefined() {
		rv.Set(reflect.Zero(rv.Type()))
		return nil
	}
	obj, ok := jsVal.ref.(*goja.Object)
	if !ok {
		return ctx.unmarshalError(jsVal, rv.Type().String())
	}

	if rv.IsNil() {
		rv.Set(reflect.MakeMap(rv.Type()))
	}

	keyType := rv.Type().Key()
	valueType := rv.Type().Elem()

	for _, prop := range obj.Keys() {
		// Convert property name to the map's key type
		keyVal := reflect.New(keyType).Elem()
		switch keyType.Kind() {
		case reflect.String:
			keyVal.SetString(prop)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			intVal, err := strconv.ParseInt(prop, 10, 64)
			if err != nil || keyVal.OverflowInt(intVal) {
				continue // Skip non-numeric keys for numeric key types
			}
			keyVal.SetInt(intVal)
		default:
			return &ConversionError{Type: keyType.String(), Reason: "unsupported map key type"}
		}

		valueVal := reflect.New(valueType).Elem()
		val := obj.Get(prop)
		if val == nil {
			val = goja.Undefined()
		}
		if err := ctx.unmarshal(val, valueVal); err != nil {
			return fmt.Errorf("map value for key %s: %w", prop, err)
		}
		rv.SetMapIndex(keyVal, valueVal)
	}
	return nil
}

// unmarshalStruct unmarshals a JavaScript Object to a Go struct
func (ctx *Context) unmarshalStruct(jsVal Value, rv reflect.Value) error {
	obj, ok := jsVal.ref.(*goja.Object)
	if !ok {
		return ctx.unmarshalError(jsVal, rv.Type().String())
	}

	rt := rv.Type()
	for i := 0; i < rv.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		name, skip := parseFieldTagForProperty(field)
		if skip {
			continue
		}
		prop := obj.Get(name)
		if prop == nil {
			continue
		}
		if err := ctx.unmarshal(prop, rv.Field(i)); err != nil {
			return fmt.Errorf("struct field %s: %w", field.Name, err)
		}
	}
	return nil
}

var errCyclic = errors.New("cyclic object value")

// unmarshalInterface converts a script value to the Go form documented on Unmarshal.
func (ctx *Context) unmarshalInterface(v goja.Value, seen map[*goja.Object]bool) (interface{}, error) {
	if isUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return ctx.toHost(v)
	}

	if inst, ok := ctx.record(obj); ok {
		return inst.host, nil
	}
	switch obj.ExportType() {
	case foreignType:
		f := obj.Export().(*foreignObject)
		if err := f.target.check(); err != nil {
			return nil, err
		}
		return f.target.unmarshalInterface(f.obj, make(map[*goja.Object]bool))
	case timeType, arrayBufferType:
		return ctx.toHost(obj)
	}

	if seen[obj] {
		return nil, &ConversionError{Type: "object", Reason: errCyclic.Error()}
	}
	seen[obj] = true
	defer delete(seen, obj)

	switch kindOf(ctx.helpers, obj) {
	case KindFunction:
		return newFunction(ctx, obj), nil
	case KindPromise:
		return newPromise(ctx, obj), nil
	case KindArray, KindTypedArray:
		length := int(obj.Get("length").ToInteger())
		slice := make([]interface{}, length)
		for i := 0; i < length; i++ {
			val, err := ctx.unmarshalInterface(obj.Get(strconv.Itoa(i)), seen)
			if err != nil {
				return nil, fmt.Errorf("array element %d: %w", i, err)
			}
			slice[i] = val
		}
		return slice, nil
	}

	result := make(map[string]interface{})
	for _, prop := range obj.Keys() {
		val, err := ctx.unmarshalInterface(obj.Get(prop), seen)
		if err != nil {
			return nil, fmt.Errorf("map value for key %s: %w", prop, err)
		}
		result[prop] = val
	}
	return result, nil
}
