package jsbridge

import (
	"github.com/dop251/goja"
)

// PendingCall describes one in-flight crossing into Go: a property read or write, a method
// call or a construction. It is created per call and must not be retained after the
// callback returns.
type PendingCall struct {
	Context    *Context
	Self       interface{}   // Go receiver, nil for static entries and plain functions
	Name       string        // member or function name
	Args       []interface{} // arguments converted to their Go form
	Value      interface{}   // value being assigned (setters only)
	Op         Op
	Construct  bool // the call constructs an instance
	IsNew      bool // construction used `new`
	SideEffect SideEffect

	raw      []goja.Value
	rawThis  goja.Value
	rawValue goja.Value
	after    []func(result interface{}, err error)
}

// NumArgs returns the number of arguments passed by the caller.
func (call *PendingCall) NumArgs() int {
	if call.raw != nil {
		return len(call.raw)
	}
	return len(call.Args)
}

// Arg returns argument i in its Go form, or nil when it was not passed.
func (call *PendingCall) Arg(i int) interface{} {
	if i < 0 || i >= len(call.Args) {
		return nil
	}
	return call.Args[i]
}

// Bind decodes argument i into target, which must be a non-nil pointer.
func (call *PendingCall) Bind(i int, target interface{}) error {
	if i < 0 || i >= call.NumArgs() {
		return call.Context.Unmarshal(Value{ctx: call.Context, ref: goja.Undefined()}, target)
	}
	if call.raw != nil {
		return call.Context.Unmarshal(Value{ctx: call.Context, ref: call.raw[i]}, target)
	}
	return call.bindHost(call.Args[i], target)
}

// BindValue decodes the assigned value of a setter call into target.
func (call *PendingCall) BindValue(target interface{}) error {
	if call.rawValue != nil {
		return call.Context.Unmarshal(Value{ctx: call.Context, ref: call.rawValue}, target)
	}
	return call.bindHost(call.Value, target)
}

// bindHost decodes a Go value passed by host-side dispatch by routing it through the
// engine form, so both entry paths share one set of conversion rules.
func (call *PendingCall) bindHost(v interface{}, target interface{}) error {
	sv, err := call.Context.ToScript(v)
	if err != nil {
		return err
	}
	return call.Context.Unmarshal(sv, target)
}

// This returns the engine receiver of the call (undefined for host-side dispatch).
func (call *PendingCall) This() Value {
	if call.rawThis == nil {
		return Value{ctx: call.Context, ref: goja.Undefined()}
	}
	return Value{ctx: call.Context, ref: call.rawThis}
}

// After registers fn to run once the callback has completed, before hooks fire.
func (call *PendingCall) After(fn func(result interface{}, err error)) {
	call.after = append(call.after, fn)
}

func (call *PendingCall) runAfter(result interface{}, err error) {
	for _, fn := range call.after {
		fn(result, err)
	}
	call.after = nil
}
