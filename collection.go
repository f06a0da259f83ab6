package jsbridge

import (
	"errors"
	"strconv"

	"github.com/dop251/goja"
)

// Array is a lazy, live view of a script array.
type Array struct {
	handle
}

func newArray(ctx *Context, obj *goja.Object) *Array {
	a := &Array{}
	a.init(ctx, obj)
	return track(a, &a.handle)
}

// Len
//
//	@Description: get the current length of the array
//	@receiver a :
//	@return int
func (a *Array) Len() int {
	if a.check() != nil {
		return 0
	}
	var n int64
	_ = a.ctx.try(func() { n = a.obj.Get("length").ToInteger() })
	return int(n)
}

// Index
//
//	@Description: get the element at index, converted to its Go form
//	@receiver a :
//	@param index :
//	@return interface{}, error
func (a *Array) Index(index int) (interface{}, error) {
	if index < 0 {
		return nil, errors.New("the input index value is a negative number")
	}
	if index >= a.Len() {
		return nil, errors.New("index subscript out of range")
	}
	var v goja.Value
	if err := a.ctx.try(func() { v = a.obj.Get(strconv.Itoa(index)) }); err != nil {
		return nil, err
	}
	return a.ctx.toHost(v)
}

// SetIndex
//
//	@Description: assign the element at index; the array grows when index == Len()
//	@receiver a :
//	@param index :
//	@param value :
//	@return error
func (a *Array) SetIndex(index int, value interface{}) error {
	if err := a.check(); err != nil {
		return err
	}
	if index < 0 {
		return errors.New("the input index value is a negative number")
	}
	v, err := a.ctx.toScript(value)
	if err != nil {
		return err
	}
	var setErr error
	if err := a.ctx.try(func() { setErr = a.obj.Set(strconv.Itoa(index), v) }); err != nil {
		return err
	}
	return a.ctx.translateError(setErr, "")
}

// Push
//
//	@Description: add one or more elements after the array, returns the new array length
//	@receiver a :
//	@param elements :
//	@return int, error
func (a *Array) Push(elements ...interface{}) (int, error) {
	v, err := (&Object{handle: a.handle}).Invoke("push", elements...)
	if err != nil {
		return 0, err
	}
	return int(v.ToInt64()), nil
}

// Materialize
//
//	@Description: copy the array recursively into a slice
//	@receiver a :
//	@return []interface{}, error
func (a *Array) Materialize() ([]interface{}, error) {
	var out []interface{}
	if err := a.ctx.Unmarshal(a.Value(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Object
//
//	@Description: get an object view of the array for property access
//	@receiver a :
//	@return *Object
func (a *Array) Object() *Object {
	if a.check() != nil {
		return nil
	}
	return newObject(a.ctx, a.obj)
}
