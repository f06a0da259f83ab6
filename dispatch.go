package jsbridge

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// Dispatcher routes get, set, delete, call and construct operations on exposed host
// objects to their descriptor entries. Script-side accessors and methods installed by
// the exposure layer call into it; Go code can use the exported methods to run the same
// operations (hooks included) without going through script.
type Dispatcher struct {
	rt *Runtime
}

// =============================================================================
// HOST-SIDE OPERATIONS
// =============================================================================

// Get reads name on self. Resolution order: instance entries, prototype entries,
// interface entries, then the context's name resolver.
func (d *Dispatcher) Get(ctx *Context, self interface{}, name string) (interface{}, error) {
	desc, m, err := d.lookup(ctx, self, name)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return d.resolveName(ctx, name)
	}

	if m.method != nil {
		h, err := ctx.ScriptHandle(self)
		if err != nil {
			return nil, err
		}
		return h.Get(name)
	}

	e := m.attr
	if e.Constant {
		return e.Value, nil
	}
	if !e.readable() {
		return nil, nil
	}
	if err := d.hostChecks(ctx, self, e.CrossOriginCheck, name); err != nil {
		return nil, err
	}

	call := &PendingCall{Context: ctx, Self: self, Name: name, Op: OpGet, SideEffect: e.SideEffect}
	if e.Location == LocationInterface {
		call.Self = nil
	}
	return d.invoke(call, desc, ctx.attributeGetter(e))
}

// Set assigns name on self.
func (d *Dispatcher) Set(ctx *Context, self interface{}, name string, value interface{}) error {
	desc, m, err := d.lookup(ctx, self, name)
	if err != nil {
		return err
	}
	if m == nil {
		return &NameNotFoundError{Name: name}
	}

	if m.method != nil || m.attr.Constant {
		if (m.method != nil && m.method.Attr&AttrReadOnly != 0) || (m.attr != nil && !m.attr.writable()) {
			return fmt.Errorf("%w: %s.%s", ErrReadOnly, desc.name, name)
		}
		h, err := ctx.ScriptHandle(self)
		if err != nil {
			return err
		}
		return h.Set(name, value)
	}

	e := m.attr
	if !e.writable() || e.Attr&AttrReadOnly != 0 {
		return fmt.Errorf("%w: %s.%s", ErrReadOnly, desc.name, name)
	}
	if err := d.hostChecks(ctx, self, e.CrossOriginCheck, name); err != nil {
		return err
	}

	call := &PendingCall{Context: ctx, Self: self, Name: name, Value: value, Op: OpSet, SideEffect: e.SideEffect}
	if e.Location == LocationInterface {
		call.Self = nil
	}
	_, err = d.invoke(call, desc, ctx.attributeSetter(e))
	return err
}

// Delete removes name from the script view of self.
func (d *Dispatcher) Delete(ctx *Context, self interface{}, name string) error {
	desc, m, err := d.lookup(ctx, self, name)
	if err != nil {
		return err
	}
	if m == nil {
		return &NameNotFoundError{Name: name}
	}

	var attr PropAttr
	if m.attr != nil {
		attr = m.attr.Attr
	} else {
		attr = m.method.Attr
	}
	immutable := desc.immutable&ImmutableInstance != 0 && m.location() == LocationInstance ||
		desc.immutable&ImmutablePrototype != 0 && m.location() != LocationInstance
	if attr&AttrDontDelete != 0 || immutable {
		return fmt.Errorf("%w: %s.%s cannot be deleted", ErrReadOnly, desc.name, name)
	}

	h, err := ctx.ScriptHandle(self)
	if err != nil {
		return err
	}
	call := &PendingCall{Context: ctx, Self: self, Name: name, Op: OpDelete, SideEffect: SideEffectToReceiver}
	_, err = d.invoke(call, desc, func(*PendingCall) (interface{}, error) {
		target := h.obj
		switch m.location() {
		case LocationPrototype:
			if b, ok := ctx.classes[m.owner]; ok {
				target = b.proto
			}
		case LocationInterface:
			if b, ok := ctx.classes[m.owner]; ok {
				target = b.ctor
			}
		}
		var delErr error
		if err := ctx.try(func() { delErr = target.Delete(name) }); err != nil {
			return nil, err
		}
		return nil, ctx.translateError(delErr, "")
	})
	return err
}

// Call invokes the method name on self.
func (d *Dispatcher) Call(ctx *Context, self interface{}, name string, args ...interface{}) (interface{}, error) {
	desc, m, err := d.lookup(ctx, self, name)
	if err != nil {
		return nil, err
	}
	if m == nil {
		v, err := d.resolveName(ctx, name)
		if err != nil {
			return nil, err
		}
		return d.callValue(ctx, name, v, args)
	}

	if m.attr != nil {
		v, err := d.Get(ctx, self, name)
		if err != nil {
			return nil, err
		}
		return d.callValue(ctx, name, v, args)
	}

	e := m.method
	if err := d.hostChecks(ctx, self, e.CrossOriginCheck, name); err != nil {
		return nil, err
	}
	call := &PendingCall{Context: ctx, Self: self, Name: name, Args: args, Op: OpCall, SideEffect: e.SideEffect}
	if e.Location == LocationInterface {
		call.Self = nil
	}
	return d.invoke(call, desc, ctx.methodFunc(e))
}

// Construct creates a host instance of the class registered under name, honoring its
// construction policy. The instance is not wrapped for script.
func (d *Dispatcher) Construct(ctx *Context, name string, isNew bool, args ...interface{}) (interface{}, error) {
	if err := ctx.check(); err != nil {
		return nil, err
	}
	desc, ok := ctx.rt.table.LookupName(name)
	if !ok && ctx.resolver != nil {
		if v, found := ctx.resolver.Resolve(ctx, name); found {
			desc, ok = v.(*Descriptor)
		}
	}
	if !ok {
		return nil, &NameNotFoundError{Name: name}
	}
	if err := constructError(desc, isNew); err != nil {
		return nil, err
	}

	call := &PendingCall{Context: ctx, Name: desc.name, Args: args, Op: OpConstruct, Construct: true, IsNew: isNew}
	host, err := d.invoke(call, desc, constructorFunc(desc))
	if err != nil {
		return nil, err
	}
	if host == nil {
		return nil, NewThrowError("TypeError", "%s constructor returned no instance", desc.name)
	}
	return host, nil
}

// lookup finds the descriptor of self and resolves name on it. A nil member means the
// name is not declared.
func (d *Dispatcher) lookup(ctx *Context, self interface{}, name string) (*Descriptor, *member, error) {
	if err := ctx.check(); err != nil {
		return nil, nil, err
	}
	if self == nil {
		return nil, nil, ErrIllegalInvocation
	}

	var desc *Descriptor
	if ctx.globalDesc != nil && ctx.isGlobal(self) {
		desc = ctx.globalDesc
	} else {
		var err error
		if desc, err = ctx.rt.table.derive(reflect.TypeOf(self)); err != nil {
			return nil, nil, &ConversionError{Type: fmt.Sprintf("%T", self), Reason: err.Error()}
		}
	}

	m, ok := desc.resolve(name)
	if !ok {
		return desc, nil, nil
	}
	return desc, &m, nil
}

func (d *Dispatcher) resolveName(ctx *Context, name string) (interface{}, error) {
	if ctx.resolver != nil {
		if v, ok := ctx.resolver.Resolve(ctx, name); ok {
			return v, nil
		}
	}
	return nil, &NameNotFoundError{Name: name}
}

func (d *Dispatcher) callValue(ctx *Context, name string, v interface{}, args []interface{}) (interface{}, error) {
	switch fn := v.(type) {
	case *Function:
		return fn.Call(args...)
	case HostFunc:
		return d.invoke(&PendingCall{Context: ctx, Name: name, Args: args, Op: OpCall}, nil, fn)
	case func(*PendingCall) (interface{}, error):
		return d.invoke(&PendingCall{Context: ctx, Name: name, Args: args, Op: OpCall}, nil, fn)
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Func && !rv.IsNil() {
		return d.invoke(&PendingCall{Context: ctx, Name: name, Args: args, Op: OpCall}, nil, func(call *PendingCall) (interface{}, error) {
			return callReflect(call, rv)
		})
	}
	return nil, NewThrowError("TypeError", "%s is not a function", name)
}

// hostChecks runs the cross-origin predicate for a Go-initiated operation.
func (d *Dispatcher) hostChecks(ctx *Context, self interface{}, crossOrigin bool, name string) error {
	if !crossOrigin {
		return nil
	}
	accessor := d.rt.current()
	if accessor == nil {
		accessor = ctx
	}
	return d.checkOrigin(accessor, ctx, self, name)
}

// =============================================================================
// INVOKE & HOOKS
// =============================================================================

// invoke runs fn for call, then the call's after-callbacks, then the hook of desc.
// Panics raised by fn are returned as errors; a termination stays a termination.
func (d *Dispatcher) invoke(call *PendingCall, desc *Descriptor, fn HostFunc) (result interface{}, err error) {
	ctx := call.Context
	func() {
		defer func() {
			if x := recover(); x != nil {
				switch x := x.(type) {
				case *goja.InterruptedError:
					err = ctx.interruptError(x)
				case *goja.Exception:
					err = ctx.scriptError(x.Value(), x.String())
				case goja.Value:
					err = ctx.scriptError(x, "")
				case convError:
					err = x.err
				case error:
					err = fmt.Errorf("panic in %s: %w", call.Name, x)
				default:
					err = fmt.Errorf("panic in %s: %v", call.Name, x)
				}
				result = nil
			}
		}()
		result, err = fn(call)
	}()

	call.runAfter(result, err)
	d.fire(call, desc, result, err)

	typeName := ""
	if desc != nil {
		typeName = desc.name
	}
	d.rt.metrics.RecordDispatch(call.Op, typeName, err)
	return result, err
}

// fire delivers the hook event for a completed call. Hook failures are logged only.
func (d *Dispatcher) fire(call *PendingCall, desc *Descriptor, result interface{}, err error) {
	ctx := call.Context
	if desc == nil || desc.noHook || !ctx.HooksEnabled() || d.rt.filter.Skip(call.Name) {
		return
	}
	hook := desc.hook
	if hook == nil {
		hook = d.rt.hook
	}
	if hook == nil {
		return
	}

	ev := &HookEvent{
		Op:         call.Op,
		Tag:        ctx.tag,
		TypeName:   desc.name,
		Name:       call.Name,
		Self:       call.Self,
		Args:       call.Args,
		Value:      call.Value,
		Result:     result,
		Err:        err,
		SideEffect: call.SideEffect,
		IsNew:      call.IsNew,
	}
	if call.Op == OpConstruct {
		ev.Name = ""
	}

	defer func() {
		if x := recover(); x != nil {
			ctx.logger.Warn("hook panicked",
				zap.String("op", call.Op.String()),
				zap.String("type", desc.name),
				zap.String("name", call.Name),
				zap.Any("panic", x),
			)
		}
	}()
	if herr := hook.Observe(ev); herr != nil {
		ctx.logger.Warn("hook failed",
			zap.String("op", call.Op.String()),
			zap.String("type", desc.name),
			zap.String("name", call.Name),
			zap.Error(herr),
		)
	}
}

// =============================================================================
// SCRIPT-SIDE OPERATIONS
// =============================================================================

// receiver validates the script receiver of an entry declared by owner. A checked entry
// accepts only genuine instances; an unchecked one also accepts objects inheriting from
// an instance. Interface entries have no receiver.
func (ctx *Context) receiver(owner *Descriptor, loc Location, check bool, this goja.Value) (*instance, error) {
	if loc == LocationInterface {
		return nil, nil
	}

	obj, ok := this.(*goja.Object)
	if !ok {
		// sloppy-mode calls of global functions arrive without a receiver
		if isUndefined(this) || goja.IsNull(this) {
			if inst, ok := ctx.record(ctx.vm.GlobalObject()); ok && inst.desc.IsA(owner) {
				return inst, nil
			}
		}
		if check {
			return nil, ErrIllegalInvocation
		}
		return nil, nil
	}

	if inst, ok := ctx.record(obj); ok && inst.desc.IsA(owner) {
		return inst, nil
	}
	if check {
		return nil, ErrIllegalInvocation
	}
	if inst := ctx.inheritedRecord(obj); inst != nil && inst.desc.IsA(owner) {
		return inst, nil
	}
	return nil, nil
}

// scriptChecks runs the receiver and cross-origin checks of a script-side access and fills
// in call.Self. A failed check reaches the hook before it is thrown.
func (d *Dispatcher) scriptChecks(ctx *Context, owner *Descriptor, call *PendingCall, loc Location, check, crossOrigin bool) *Descriptor {
	inst, err := ctx.receiver(owner, loc, check, call.rawThis)
	if err != nil {
		d.fire(call, owner, nil, err)
		ctx.throw(err)
	}
	typeDesc := owner
	if inst != nil {
		typeDesc = inst.desc
		call.Self = inst.host
	}
	if crossOrigin {
		accessor := d.rt.current()
		if accessor == nil {
			accessor = ctx
		}
		if err := d.checkOrigin(accessor, ctx, call.Self, call.Name); err != nil {
			d.fire(call, typeDesc, nil, err)
			ctx.throw(err)
		}
	}
	return typeDesc
}

func (d *Dispatcher) scriptGet(ctx *Context, owner *Descriptor, e *AttributeEntry, this goja.Value) goja.Value {
	call := &PendingCall{Context: ctx, Name: e.Name, Op: OpGet, SideEffect: e.SideEffect, rawThis: this}
	typeDesc := d.scriptChecks(ctx, owner, call, e.Location, e.ReceiverCheck, e.CrossOriginCheck)
	return ctx.result(d.invoke(call, typeDesc, ctx.attributeGetter(e)))
}

func (d *Dispatcher) scriptSet(ctx *Context, owner *Descriptor, e *AttributeEntry, this, value goja.Value) {
	call := &PendingCall{
		Context:    ctx,
		Name:       e.Name,
		Value:      ctx.hostArg(value),
		Op:         OpSet,
		SideEffect: e.SideEffect,
		rawThis:    this,
		rawValue:   value,
	}
	typeDesc := d.scriptChecks(ctx, owner, call, e.Location, e.ReceiverCheck, e.CrossOriginCheck)
	if _, err := d.invoke(call, typeDesc, ctx.attributeSetter(e)); err != nil {
		ctx.throw(err)
	}
}

func (d *Dispatcher) scriptCall(ctx *Context, owner *Descriptor, m *MethodEntry, fc goja.FunctionCall) goja.Value {
	call := &PendingCall{
		Context:    ctx,
		Name:       m.Name,
		Args:       ctx.hostArgs(fc.Arguments),
		Op:         OpCall,
		SideEffect: m.SideEffect,
		raw:        fc.Arguments,
		rawThis:    fc.This,
	}
	typeDesc := d.scriptChecks(ctx, owner, call, m.Location, m.ReceiverCheck, m.CrossOriginCheck)
	return ctx.result(d.invoke(call, typeDesc, ctx.methodFunc(m)))
}

// scriptInvoke runs a callable host instance.
func (d *Dispatcher) scriptInvoke(ctx *Context, inst *instance, fc goja.FunctionCall) goja.Value {
	caller := inst.host.(Caller)
	call := &PendingCall{
		Context: ctx,
		Self:    inst.host,
		Name:    inst.desc.name,
		Args:    ctx.hostArgs(fc.Arguments),
		Op:      OpCall,
		raw:     fc.Arguments,
		rawThis: fc.This,
	}
	return ctx.result(d.invoke(call, inst.desc, caller.CallJS))
}

func (d *Dispatcher) scriptConstruct(ctx *Context, b *classBinding, cc goja.ConstructorCall) *goja.Object {
	desc := b.desc
	isNew := cc.NewTarget != nil
	if err := constructError(desc, isNew); err != nil {
		ctx.throw(err)
	}

	call := &PendingCall{
		Context:   ctx,
		Name:      desc.name,
		Args:      ctx.hostArgs(cc.Arguments),
		Op:        OpConstruct,
		Construct: true,
		IsNew:     isNew,
		raw:       cc.Arguments,
		rawThis:   cc.This,
	}
	host, err := d.invoke(call, desc, constructorFunc(desc))
	if err != nil {
		ctx.throw(err)
	}
	if host == nil {
		ctx.throw(NewThrowError("TypeError", "%s constructor returned no instance", desc.name))
	}

	if obj := ctx.cached(host); obj != nil {
		return obj
	}

	target := desc
	if hd, ok := ctx.rt.table.LookupValue(host); ok && hd.IsA(desc) {
		target = hd
	}
	tb, err := ctx.classFor(target)
	if err != nil {
		ctx.throw(err)
	}
	proto := tb.proto
	if isNew && cc.NewTarget != b.ctor {
		// script subclass: keep the prototype chosen by new.target
		proto = cc.This.Prototype()
	}
	obj, err := ctx.wrapInstance(host, target, proto)
	if err != nil {
		ctx.throw(err)
	}
	return obj
}

// constructError applies the construction policy.
func constructError(desc *Descriptor, isNew bool) error {
	switch {
	case desc.construct == ConstructNone || (desc.constructor == nil && desc.typ == nil):
		return NewThrowError("TypeError", "Illegal constructor")
	case isNew && !desc.construct.allows(true):
		return NewThrowError("TypeError", "%s is not a constructor", desc.name)
	case !isNew && !desc.construct.allows(false):
		return NewThrowError("TypeError", "Failed to construct '%s': Please use the 'new' operator, this DOM object constructor cannot be called as a function.", desc.name)
	}
	return nil
}

// constructorFunc returns the Go constructor of desc, or one allocating a zero value of
// its bound type.
func constructorFunc(desc *Descriptor) HostFunc {
	if desc.constructor != nil {
		return desc.constructor
	}
	typ := desc.typ
	return func(*PendingCall) (interface{}, error) {
		if typ.Kind() == reflect.Ptr {
			return reflect.New(typ.Elem()).Interface(), nil
		}
		return reflect.New(typ).Elem().Interface(), nil
	}
}

// =============================================================================
// CALLBACKS
// =============================================================================

func (ctx *Context) attributeGetter(e *AttributeEntry) HostFunc {
	if e.Callback == CallbackScript {
		return ctx.scriptCallback(e.ScriptGetter)
	}
	return e.Getter
}

func (ctx *Context) attributeSetter(e *AttributeEntry) HostFunc {
	if e.Callback == CallbackScript {
		return ctx.scriptCallback(e.ScriptSetter)
	}
	return e.Setter
}

func (ctx *Context) methodFunc(m *MethodEntry) HostFunc {
	if m.Callback == CallbackScript {
		return ctx.scriptCallback(m.Script)
	}
	return m.Func
}

// scriptCallback returns a HostFunc calling the script function at the dotted path,
// resolved against the global scope at call time.
func (ctx *Context) scriptCallback(path string) HostFunc {
	return func(call *PendingCall) (interface{}, error) {
		fnVal, err := ctx.resolvePath(path)
		if err != nil {
			return nil, err
		}
		fn, ok := goja.AssertFunction(fnVal)
		if !ok {
			return nil, NewThrowError("TypeError", "%s is not a function", path)
		}

		var args []goja.Value
		switch {
		case call.Op == OpSet && call.rawValue != nil:
			args = []goja.Value{call.rawValue}
		case call.Op == OpSet:
			v, err := ctx.toScript(call.Value)
			if err != nil {
				return nil, err
			}
			args = []goja.Value{v}
		case call.raw != nil:
			args = call.raw
		default:
			if args, err = ctx.scriptArgs(call.Args); err != nil {
				return nil, err
			}
		}

		this := call.rawThis
		if this == nil {
			if call.Self != nil {
				if this, err = ctx.toScript(call.Self); err != nil {
					return nil, err
				}
			} else {
				this = goja.Undefined()
			}
		}

		out, err := fn(this, args...)
		if err != nil {
			return nil, ctx.translateError(err, "")
		}
		return Value{ctx: ctx, ref: out}, nil
	}
}

// resolvePath walks a dotted property path from the global object.
func (ctx *Context) resolvePath(path string) (goja.Value, error) {
	var cur goja.Value = ctx.vm.GlobalObject()
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(*goja.Object)
		if !ok {
			return nil, &NameNotFoundError{Name: path}
		}
		if cur = obj.Get(part); cur == nil {
			return nil, &NameNotFoundError{Name: path}
		}
	}
	return cur, nil
}

// hostFunction exposes fn as a plain script function.
func (ctx *Context) hostFunction(name string, length int, fn HostFunc) *goja.Object {
	return ctx.nativeFunc(name, length, func(fc goja.FunctionCall) goja.Value {
		call := &PendingCall{
			Context: ctx,
			Name:    name,
			Args:    ctx.hostArgs(fc.Arguments),
			Op:      OpCall,
			raw:     fc.Arguments,
			rawThis: fc.This,
		}
		return ctx.result(ctx.rt.dispatch.invoke(call, nil, fn))
	})
}

// nativeFunc creates a native function with the given name and length.
func (ctx *Context) nativeFunc(name string, length int, fn func(goja.FunctionCall) goja.Value) *goja.Object {
	obj := ctx.vm.ToValue(fn).(*goja.Object)
	_ = obj.DefineDataProperty("name", ctx.vm.ToValue(name), goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_FALSE)
	_ = obj.DefineDataProperty("length", ctx.vm.ToValue(length), goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_FALSE)
	return obj
}

// result converts a callback outcome back to script, throwing on error.
func (ctx *Context) result(v interface{}, err error) goja.Value {
	if err != nil {
		ctx.throw(err)
	}
	out, err := ctx.toScript(v)
	if err != nil {
		ctx.throw(err)
	}
	return out
}

func (ctx *Context) hostArg(v goja.Value) interface{} {
	hv, err := ctx.toHost(v)
	if err != nil {
		return Value{ctx: ctx, ref: v}
	}
	return hv
}

func (ctx *Context) hostArgs(args []goja.Value) []interface{} {
	out := make([]interface{}, len(args))
	for i, a := range args {
		out[i] = ctx.hostArg(a)
	}
	return out
}
