package jsbridge

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"weak"

	"github.com/dop251/goja"
)

// Caller is implemented by host objects that script can invoke like a function.
type Caller interface {
	CallJS(call *PendingCall) (interface{}, error)
}

// Indexer is implemented by host objects exposed with index and length access.
type Indexer interface {
	Len() int
	Index(i int) interface{}
}

// IndexSetter makes an Indexer writable by index.
type IndexSetter interface {
	SetIndex(i int, v interface{}) error
}

// classBinding is the per-context materialization of a descriptor.
type classBinding struct {
	desc  *Descriptor
	ctor  *goja.Object
	proto *goja.Object
}

// instance links a script object to the Go value it exposes.
type instance struct {
	ctx  *Context
	host interface{}
	desc *Descriptor
	obj  *goja.Object
}

// =============================================================================
// RECORDS & IDENTITY
// =============================================================================

// record returns the instance exposed by obj itself. Objects that merely inherit from an
// instance, or carry a copied record, are rejected.
func (ctx *Context) record(obj *goja.Object) (*instance, bool) {
	inst := ctx.inheritedRecord(obj)
	if inst == nil || inst.obj != obj {
		return nil, false
	}
	return inst, true
}

// inheritedRecord returns the instance found on obj or its prototype chain.
func (ctx *Context) inheritedRecord(obj *goja.Object) *instance {
	if obj == nil || ctx.recordKey == nil {
		return nil
	}
	v := obj.GetSymbol(ctx.recordKey)
	if v == nil {
		return nil
	}
	inst, _ := v.Export().(*instance)
	if inst == nil || inst.ctx != ctx {
		return nil
	}
	return inst
}

// cached returns the live wrapper of host, if script still references one.
func (ctx *Context) cached(host interface{}) *goja.Object {
	key, ok := identityKey(host)
	if !ok || ctx.wrappers == nil {
		return nil
	}
	wp, ok := ctx.wrappers[key]
	if !ok {
		return nil
	}
	if obj := wp.Value(); obj != nil {
		return obj
	}
	delete(ctx.wrappers, key)
	return nil
}

func (ctx *Context) isGlobal(v interface{}) bool {
	key, ok := identityKey(v)
	if !ok {
		return false
	}
	gk, ok := identityKey(ctx.global)
	return ok && key == gk
}

// =============================================================================
// CLASSES
// =============================================================================

// classFor materializes d (and its effective ancestors) in the context. The descriptor is
// registered and frozen on first use.
func (ctx *Context) classFor(d *Descriptor) (*classBinding, error) {
	if ctx.classes == nil {
		return nil, ErrUseAfterTeardown
	}
	if b, ok := ctx.classes[d]; ok {
		return b, nil
	}
	if d.undetectable {
		if _, ok := ctx.engine.(UndetectableMarker); !ok {
			return nil, fmt.Errorf("%w: %s instances cannot be made undetectable by this engine", ErrUnsupported, d.Name())
		}
	}
	if err := ctx.rt.table.Register(d); err != nil {
		return nil, err
	}
	d.freeze()

	var parent *classBinding
	if p := d.EffectiveParent(); p != nil {
		var err error
		if parent, err = ctx.classFor(p); err != nil {
			return nil, err
		}
	}

	b := &classBinding{desc: d}
	b.ctor = ctx.vm.ToValue(func(cc goja.ConstructorCall) *goja.Object {
		return ctx.rt.dispatch.scriptConstruct(ctx, b, cc)
	}).(*goja.Object)
	b.proto = b.ctor.Get("prototype").(*goja.Object)
	// cached before the entries so that self-referencing constants resolve
	ctx.classes[d] = b

	if err := ctx.installClass(b, parent); err != nil {
		delete(ctx.classes, d)
		return nil, fmt.Errorf("failed to materialize class %s: %w", d.name, err)
	}
	return b, nil
}

func (ctx *Context) installClass(b *classBinding, parent *classBinding) error {
	d := b.desc
	vm := ctx.vm

	if err := b.ctor.DefineDataProperty("name", vm.ToValue(d.name), goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_FALSE); err != nil {
		return err
	}
	if err := b.ctor.DefineDataProperty("length", vm.ToValue(d.length), goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_FALSE); err != nil {
		return err
	}
	if parent != nil {
		if err := b.proto.SetPrototype(parent.proto); err != nil {
			return err
		}
		if err := b.ctor.SetPrototype(parent.ctor); err != nil {
			return err
		}
	}
	if d.noCtorEntry {
		if err := b.proto.Delete("constructor"); err != nil {
			return err
		}
	}
	if err := b.proto.DefineDataPropertySymbol(goja.SymToStringTag, vm.ToValue(d.name), goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_FALSE); err != nil {
		return err
	}

	immutable := d.immutable&ImmutablePrototype != 0
	for i := range d.attributes {
		e := &d.attributes[i]
		var holder *goja.Object
		switch e.Location {
		case LocationPrototype:
			holder = b.proto
		case LocationInterface:
			holder = b.ctor
		default:
			continue
		}
		if err := ctx.installAttribute(holder, d, e, immutable); err != nil {
			return err
		}
	}
	for i := range d.methods {
		m := &d.methods[i]
		var holder *goja.Object
		switch m.Location {
		case LocationPrototype:
			holder = b.proto
		case LocationInterface:
			holder = b.ctor
		default:
			continue
		}
		if err := ctx.installMethod(holder, d, m, immutable); err != nil {
			return err
		}
	}

	return ctx.installArrayProto(b.proto, d.arrayProto)
}

// installArrayProto copies the selected Array.prototype members onto proto.
func (ctx *Context) installArrayProto(proto *goja.Object, flags ArrayProto) error {
	if flags == 0 {
		return nil
	}
	arrayProto := ctx.vm.Get("Array").ToObject(ctx.vm).Get("prototype").ToObject(ctx.vm)

	if flags&ArrayIterator != 0 {
		if err := proto.DefineDataPropertySymbol(goja.SymIterator, arrayProto.Get("values"), goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_FALSE); err != nil {
			return err
		}
	}
	for _, m := range []struct {
		flag ArrayProto
		name string
	}{
		{ArrayEntries, "entries"},
		{ArrayKeys, "keys"},
		{ArrayValues, "values"},
		{ArrayForEach, "forEach"},
	} {
		if flags&m.flag == 0 {
			continue
		}
		if err := proto.DefineDataProperty(m.name, arrayProto.Get(m.name), goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_FALSE); err != nil {
			return err
		}
	}
	return nil
}

func entryFlags(attr PropAttr, immutable bool) (configurable, enumerable goja.Flag) {
	configurable, enumerable = goja.FLAG_TRUE, goja.FLAG_TRUE
	if immutable || attr&AttrDontDelete != 0 {
		configurable = goja.FLAG_FALSE
	}
	if attr&AttrDontEnum != 0 {
		enumerable = goja.FLAG_FALSE
	}
	return configurable, enumerable
}

func (ctx *Context) installAttribute(holder *goja.Object, owner *Descriptor, e *AttributeEntry, immutable bool) error {
	configurable, enumerable := entryFlags(e.Attr, immutable)

	if e.Constant {
		v, err := ctx.toScript(e.Value)
		if err != nil {
			return fmt.Errorf("constant %s.%s: %w", owner.name, e.Name, err)
		}
		writable := goja.FLAG_TRUE
		if e.Attr&AttrReadOnly != 0 {
			writable = goja.FLAG_FALSE
		}
		return holder.DefineDataProperty(e.Name, v, writable, configurable, enumerable)
	}

	d := ctx.rt.dispatch
	var getter, setter goja.Value
	if e.readable() {
		getter = ctx.nativeFunc("get "+e.Name, 0, func(fc goja.FunctionCall) goja.Value {
			return d.scriptGet(ctx, owner, e, fc.This)
		})
	}
	if e.writable() && e.Attr&AttrReadOnly == 0 {
		setter = ctx.nativeFunc("set "+e.Name, 1, func(fc goja.FunctionCall) goja.Value {
			d.scriptSet(ctx, owner, e, fc.This, fc.Argument(0))
			return goja.Undefined()
		})
	}
	return holder.DefineAccessorProperty(e.Name, getter, setter, configurable, enumerable)
}

func (ctx *Context) installMethod(holder *goja.Object, owner *Descriptor, m *MethodEntry, immutable bool) error {
	configurable, enumerable := entryFlags(m.Attr, immutable)
	writable := goja.FLAG_TRUE
	if m.Attr&AttrReadOnly != 0 {
		writable = goja.FLAG_FALSE
	}

	d := ctx.rt.dispatch
	fn := ctx.nativeFunc(m.Name, m.Length, func(fc goja.FunctionCall) goja.Value {
		return d.scriptCall(ctx, owner, m, fc)
	})
	return holder.DefineDataProperty(m.Name, fn, writable, configurable, enumerable)
}

// =============================================================================
// INSTANCES
// =============================================================================

// wrapHost returns the script object exposing v, creating it on first use. Another
// context's global is surfaced through a cross-context proxy.
func (ctx *Context) wrapHost(v interface{}) (goja.Value, error) {
	if owner, ok := ctx.rt.registry.ByGlobal(v); ok {
		return ctx.contextGlobal(owner)
	}
	if obj := ctx.cached(v); obj != nil {
		return obj, nil
	}

	desc, err := ctx.rt.table.derive(reflect.TypeOf(v))
	if err != nil {
		return nil, &ConversionError{Type: fmt.Sprintf("%T", v), Reason: err.Error()}
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Struct {
		p := reflect.New(rv.Type())
		p.Elem().Set(rv)
		v = p.Interface()
	}

	b, err := ctx.classFor(desc)
	if err != nil {
		return nil, err
	}
	return ctx.wrapInstance(v, desc, b.proto)
}

// wrapInstance creates the script object for host with the given prototype.
func (ctx *Context) wrapInstance(host interface{}, desc *Descriptor, proto *goja.Object) (*goja.Object, error) {
	inst := &instance{ctx: ctx, host: host, desc: desc}

	var holder *goja.Object
	switch h := host.(type) {
	case Caller:
		inst.obj = ctx.nativeFunc(desc.name, desc.length, func(fc goja.FunctionCall) goja.Value {
			return ctx.rt.dispatch.scriptInvoke(ctx, inst, fc)
		})
		if err := inst.obj.SetPrototype(proto); err != nil {
			return nil, err
		}
		holder = inst.obj
	case Indexer:
		// dynamic arrays cannot hold accessors or symbols; a shadow prototype carries them
		holder = ctx.vm.CreateObject(proto)
		inst.obj = ctx.vm.NewDynamicArray(&indexedArray{ctx: ctx, host: h})
		if err := inst.obj.SetPrototype(holder); err != nil {
			return nil, err
		}
	default:
		inst.obj = ctx.vm.CreateObject(proto)
		holder = inst.obj
	}

	if err := ctx.bindInstance(inst, holder); err != nil {
		return nil, err
	}
	return inst.obj, nil
}

// bindInstance attaches the record and the instance-level entries to holder.
func (ctx *Context) bindInstance(inst *instance, holder *goja.Object) error {
	if err := holder.DefineDataPropertySymbol(ctx.recordKey, ctx.vm.ToValue(inst), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
		return err
	}

	immutable := inst.desc.immutable&ImmutableInstance != 0
	seen := make(map[string]bool)
	for cur := inst.desc; cur != nil; cur = cur.EffectiveParent() {
		for i := range cur.attributes {
			e := &cur.attributes[i]
			if e.Location != LocationInstance || seen[e.Name] {
				continue
			}
			seen[e.Name] = true
			if err := ctx.installAttribute(holder, cur, e, immutable); err != nil {
				return err
			}
		}
		for i := range cur.methods {
			m := &cur.methods[i]
			if m.Location != LocationInstance || seen[m.Name] {
				continue
			}
			seen[m.Name] = true
			if err := ctx.installMethod(holder, cur, m, immutable); err != nil {
				return err
			}
		}
	}

	if inst.desc.undetectable {
		if marker, ok := ctx.engine.(UndetectableMarker); !ok || !marker.MarkUndetectable(inst.obj) {
			return fmt.Errorf("%w: %s instance cannot be made undetectable", ErrUnsupported, inst.desc.Name())
		}
	}

	if key, ok := identityKey(inst.host); ok && ctx.wrappers != nil {
		ctx.wrappers[key] = weak.Make(inst.obj)
	}
	return nil
}

// indexedArray adapts an Indexer to goja.DynamicArray.
type indexedArray struct {
	ctx  *Context
	host Indexer
}

func (a *indexedArray) Len() int { return a.host.Len() }

func (a *indexedArray) Get(i int) goja.Value {
	if i < 0 || i >= a.host.Len() {
		return nil
	}
	v, err := a.ctx.toScript(a.host.Index(i))
	if err != nil {
		a.ctx.throw(err)
	}
	return v
}

func (a *indexedArray) Set(i int, v goja.Value) bool {
	setter, ok := a.host.(IndexSetter)
	if !ok {
		return false
	}
	if err := setter.SetIndex(i, a.ctx.hostArg(v)); err != nil {
		a.ctx.throw(err)
	}
	return true
}

func (a *indexedArray) SetLen(int) bool { return false }

// =============================================================================
// GLOBAL BINDING
// =============================================================================

// bindGlobal binds the engine global to the context's Go global object.
func (ctx *Context) bindGlobal(desc *Descriptor) error {
	g := ctx.vm.GlobalObject()

	if ctx.global == nil {
		if desc != nil {
			return errors.New("jsbridge: a global descriptor requires a global object")
		}
		if ctx.resolver != nil {
			return g.SetPrototype(ctx.namedProperties(g.Prototype()))
		}
		return nil
	}

	if desc == nil {
		var err error
		if desc, err = ctx.rt.table.derive(reflect.TypeOf(ctx.global)); err != nil {
			return &ConversionError{Type: fmt.Sprintf("%T", ctx.global), Reason: err.Error()}
		}
	}
	ctx.globalDesc = desc

	b, err := ctx.classFor(desc)
	if err != nil {
		return err
	}
	proto := b.proto
	if ctx.resolver != nil {
		proto = ctx.namedProperties(proto)
	}
	if err := g.SetPrototype(proto); err != nil {
		return err
	}

	if err := ctx.bindInstance(&instance{ctx: ctx, host: ctx.global, desc: desc, obj: g}, g); err != nil {
		return err
	}
	if desc.exposed {
		return g.DefineDataProperty(desc.name, b.ctor, goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_FALSE)
	}
	return nil
}

// namedProperties returns an object that resolves undeclared globals through the context
// resolver; it sits between the global object and proto.
func (ctx *Context) namedProperties(proto *goja.Object) *goja.Object {
	obj := ctx.vm.NewDynamicObject(&namedProperties{
		ctx:       ctx,
		proto:     proto,
		resolving: make(map[string]bool),
	})
	if proto != nil {
		_ = obj.SetPrototype(proto)
	}
	return obj
}

type namedProperties struct {
	ctx       *Context
	proto     *goja.Object
	resolving map[string]bool
}

// declared reports whether key is found further up the chain; such names never reach the
// resolver.
func (n *namedProperties) declared(key string) bool {
	return n.proto != nil && n.ctx.helpers.has(n.proto, key)
}

func (n *namedProperties) Get(key string) goja.Value {
	if n.resolving[key] || n.declared(key) {
		return nil
	}
	n.resolving[key] = true
	defer delete(n.resolving, key)

	v, ok := n.ctx.resolver.Resolve(n.ctx, key)
	if !ok {
		return nil
	}
	out, err := n.ctx.toScript(v)
	if err != nil {
		n.ctx.throw(err)
	}
	return out
}

func (n *namedProperties) Has(key string) bool {
	if n.resolving[key] || n.declared(key) {
		return false
	}
	n.resolving[key] = true
	defer delete(n.resolving, key)

	_, ok := n.ctx.resolver.Resolve(n.ctx, key)
	return ok
}

func (n *namedProperties) Set(string, goja.Value) bool { return false }
func (n *namedProperties) Delete(string) bool          { return false }
func (n *namedProperties) Keys() []string              { return nil }

// =============================================================================
// EXPOSURE API
// =============================================================================

// Named binds Value under Name when exposed.
type Named struct {
	Name  string
	Value interface{}
}

// As is shorthand for Named{name, v}.
func As(name string, v interface{}) Named {
	return Named{Name: name, Value: v}
}

// Expose makes items reachable from the global scope. An item may be a *Descriptor
// (its constructor under the class name), a reflect.Type (reflected on first use), a named
// Go function (bound under its Go name), a Named or a map[string]interface{}.
func (ctx *Context) Expose(items ...interface{}) error {
	return ctx.exposeInto(nil, items)
}

// ExposeAs binds v under name in the global scope.
func (ctx *Context) ExposeAs(name string, v interface{}) error {
	return ctx.exposeInto(nil, []interface{}{Named{Name: name, Value: v}})
}

// ExposeIn is Expose into the namespace object ns instead of the global scope.
func (ctx *Context) ExposeIn(ns *Object, items ...interface{}) error {
	if ns == nil {
		return errors.New("jsbridge: nil namespace")
	}
	if err := ns.check(); err != nil {
		return err
	}
	if ns.ctx != ctx {
		return errors.New("jsbridge: namespace belongs to another context")
	}
	return ctx.exposeInto(ns.obj, items)
}

func (ctx *Context) exposeInto(target *goja.Object, items []interface{}) error {
	return ctx.try(func() {
		if target == nil {
			target = ctx.vm.GlobalObject()
		}
		for _, item := range items {
			if err := ctx.exposeItem(target, item); err != nil {
				panic(convError{err})
			}
		}
	})
}

func (ctx *Context) exposeItem(target *goja.Object, item interface{}) error {
	switch x := item.(type) {
	case *Descriptor:
		if x.global && x != ctx.globalDesc {
			return fmt.Errorf("jsbridge: %s is a global class of another context", x.name)
		}
		b, err := ctx.classFor(x)
		if err != nil {
			return err
		}
		return target.DefineDataProperty(x.name, b.ctor, goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_FALSE)

	case reflect.Type:
		desc, ok := ctx.rt.table.Lookup(x)
		if !ok {
			var err error
			if desc, err = ReflectDescriptor(x); err != nil {
				return err
			}
		}
		return ctx.exposeItem(target, desc)

	case Named:
		if x.Name == "" {
			return errors.New("jsbridge: exposed name must not be empty")
		}
		v, err := ctx.exposedValue(x.Name, x.Value)
		if err != nil {
			return fmt.Errorf("expose %s: %w", x.Name, err)
		}
		return target.DefineDataProperty(x.Name, v, goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_TRUE)

	case map[string]interface{}:
		names := make([]string, 0, len(x))
		for name := range x {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := ctx.exposeItem(target, Named{Name: name, Value: x[name]}); err != nil {
				return err
			}
		}
		return nil
	}

	if rv := reflect.ValueOf(item); rv.Kind() == reflect.Func && !rv.IsNil() {
		name := funcName(rv)
		if name == "" {
			return errors.New("jsbridge: anonymous functions must be exposed with a name")
		}
		return ctx.exposeItem(target, Named{Name: name, Value: item})
	}
	return &ConversionError{Type: fmt.Sprintf("%T", item), Reason: "cannot be exposed without a name"}
}

// exposedValue converts v, naming functions after the binding.
func (ctx *Context) exposedValue(name string, v interface{}) (goja.Value, error) {
	switch fn := v.(type) {
	case HostFunc:
		return ctx.hostFunction(name, 0, fn), nil
	case func(*PendingCall) (interface{}, error):
		return ctx.hostFunction(name, 0, fn), nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Func && !rv.IsNil() {
		return ctx.hostFunction(name, arity(rv.Type(), 0), func(call *PendingCall) (interface{}, error) {
			return callReflect(call, rv)
		}), nil
	}
	return ctx.toScript(v)
}

// funcName returns the Go name of a top-level function or method value, or "" for
// closures.
func funcName(fn reflect.Value) string {
	f := runtime.FuncForPC(fn.Pointer())
	if f == nil {
		return ""
	}
	name := strings.TrimSuffix(f.Name(), "-fm")
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	// closures are named funcN, nested ones just N
	if digits := strings.TrimPrefix(name, "func"); digits != "" && strings.Trim(digits, "0123456789") == "" {
		return ""
	}
	return name
}

// ScriptHandle returns a live handle to the script object exposing host. host must be
// the context's global or an object that script still references.
func (ctx *Context) ScriptHandle(host interface{}) (*Object, error) {
	if err := ctx.check(); err != nil {
		return nil, err
	}
	if ctx.isGlobal(host) {
		return newObject(ctx, ctx.vm.GlobalObject()), nil
	}
	if obj := ctx.cached(host); obj != nil {
		return newObject(ctx, obj), nil
	}
	return nil, &ConversionError{Type: fmt.Sprintf("%T", host), Reason: "no script object in this context"}
}

// New constructs an object with `new`. ctor may be a *Function, a *Descriptor, a class
// or global name, or a Value holding a constructor.
func (ctx *Context) New(ctor interface{}, args ...interface{}) (*Object, error) {
	if err := ctx.check(); err != nil {
		return nil, err
	}

	var target goja.Value
	switch c := ctor.(type) {
	case *Function:
		return c.New(args...)
	case *Descriptor:
		b, err := ctx.classFor(c)
		if err != nil {
			return nil, err
		}
		target = b.ctor
	case string:
		if d, ok := ctx.rt.table.LookupName(c); ok {
			b, err := ctx.classFor(d)
			if err != nil {
				return nil, err
			}
			target = b.ctor
			break
		}
		if err := ctx.try(func() { target = ctx.vm.GlobalObject().Get(c) }); err != nil {
			return nil, err
		}
		if target == nil {
			return nil, &NameNotFoundError{Name: c}
		}
	case Value:
		v, err := ctx.toScript(c)
		if err != nil {
			return nil, err
		}
		target = v
	default:
		return nil, &ConversionError{Type: fmt.Sprintf("%T", ctor), Reason: "not a constructor"}
	}
	return ctx.construct(target, args)
}
