package jsbridge

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/dop251/goja"
)

// ArrayKind is the element kind of a typed array.
type ArrayKind int

const (
	ArrayUint8 ArrayKind = iota + 1
	ArrayInt8
	ArrayUint16
	ArrayInt16
	ArrayUint32
	ArrayInt32
	ArrayUint8Clamped
	ArrayFloat32
	ArrayFloat64
)

var arrayKindNames = map[ArrayKind]string{
	ArrayUint8:        "Uint8Array",
	ArrayInt8:         "Int8Array",
	ArrayUint16:       "Uint16Array",
	ArrayInt16:        "Int16Array",
	ArrayUint32:       "Uint32Array",
	ArrayInt32:        "Int32Array",
	ArrayUint8Clamped: "Uint8ClampedArray",
	ArrayFloat32:      "Float32Array",
	ArrayFloat64:      "Float64Array",
}

// String returns the script constructor name of the kind.
func (k ArrayKind) String() string {
	if name, ok := arrayKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ArrayKind(%d)", int(k))
}

// ParseArrayKind maps a constructor name such as "Uint8Array" to its kind.
func ParseArrayKind(name string) (ArrayKind, bool) {
	for k, n := range arrayKindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// TypedArray is a live handle to a script typed array.
type TypedArray struct {
	handle
	kind ArrayKind
}

func newTypedArray(ctx *Context, obj *goja.Object, kind ArrayKind) *TypedArray {
	ta := &TypedArray{kind: kind}
	ta.init(ctx, obj)
	return track(ta, &ta.handle)
}

// NewTypedArray creates a typed array of kind holding elems, which must be a slice or
// array of numbers.
func (ctx *Context) NewTypedArray(kind ArrayKind, elems interface{}) (*TypedArray, error) {
	if err := ctx.check(); err != nil {
		return nil, err
	}
	name, ok := arrayKindNames[kind]
	if !ok {
		return nil, fmt.Errorf("jsbridge: unknown typed array kind %d", int(kind))
	}

	rv := reflect.ValueOf(elems)
	if elems != nil && rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, &ConversionError{Type: rv.Type().String(), Reason: "typed array elements must be a sequence"}
	}
	values := make([]interface{}, 0)
	if elems != nil {
		for i := 0; i < rv.Len(); i++ {
			e := rv.Index(i)
			if e.Kind() == reflect.Interface {
				e = e.Elem()
			}
			switch e.Kind() {
			case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
				reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
				reflect.Float32, reflect.Float64:
				values = append(values, e.Interface())
			default:
				return nil, &ConversionError{Type: fmt.Sprintf("%v", e.Type()), Reason: fmt.Sprintf("element %d of %s is not a number", i, name)}
			}
		}
	}

	var obj *goja.Object
	err := ctx.try(func() {
		var err error
		obj, err = ctx.vm.New(ctx.vm.Get(name), ctx.vm.NewArray(values...))
		if err != nil {
			panic(ctx.vm.NewGoError(err))
		}
	})
	if err != nil {
		return nil, err
	}
	return newTypedArray(ctx, obj, kind), nil
}

// Kind returns the element kind.
func (ta *TypedArray) Kind() ArrayKind { return ta.kind }

// Len returns the number of elements.
func (ta *TypedArray) Len() int {
	if ta.check() != nil {
		return 0
	}
	var n int64
	_ = ta.ctx.try(func() { n = ta.obj.Get("length").ToInteger() })
	return int(n)
}

// Get returns element i as int64 or float64.
func (ta *TypedArray) Get(i int) (interface{}, error) {
	if err := ta.check(); err != nil {
		return nil, err
	}
	if i < 0 || i >= ta.Len() {
		return nil, errors.New("index subscript out of range")
	}
	var v goja.Value
	if err := ta.ctx.try(func() { v = ta.obj.Get(strconv.Itoa(i)) }); err != nil {
		return nil, err
	}
	return ta.ctx.toHost(v)
}

// Set stores value at index i with the element kind's conversion rules.
func (ta *TypedArray) Set(i int, value interface{}) error {
	if err := ta.check(); err != nil {
		return err
	}
	if i < 0 || i >= ta.Len() {
		return errors.New("index subscript out of range")
	}
	v, err := ta.ctx.toScript(value)
	if err != nil {
		return err
	}
	var setErr error
	if err := ta.ctx.try(func() { setErr = ta.obj.Set(strconv.Itoa(i), v) }); err != nil {
		return err
	}
	return ta.ctx.translateError(setErr, "")
}

// Subarray returns a view of elements [start, end) sharing the same backing store.
func (ta *TypedArray) Subarray(start, end int) (*TypedArray, error) {
	v, err := (&Object{handle: ta.handle}).Invoke("subarray", start, end)
	if err != nil {
		return nil, err
	}
	obj, ok := v.ref.(*goja.Object)
	if !ok {
		return nil, &ConversionError{Type: v.Kind().String(), Reason: "subarray did not return an object"}
	}
	return newTypedArray(ta.ctx, obj, ta.kind), nil
}

// Values copies the elements into a slice.
func (ta *TypedArray) Values() ([]interface{}, error) {
	n := ta.Len()
	out := make([]interface{}, n)
	for i := 0; i < n; i++ {
		v, err := ta.Get(i)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// String renders the array as Kind([e0,e1,...]).
func (ta *TypedArray) String() string {
	var sb strings.Builder
	sb.WriteString(ta.kind.String())
	sb.WriteString("([")
	if ta.check() == nil {
		n := ta.Len()
		for i := 0; i < n; i++ {
			if i > 0 {
				sb.WriteByte(',')
			}
			var s string
			_ = ta.ctx.try(func() { s = ta.obj.Get(strconv.Itoa(i)).String() })
			sb.WriteString(s)
		}
	}
	sb.WriteString("])")
	return sb.String()
}
