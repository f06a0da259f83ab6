package jsbridge

import (
	"fmt"
	"reflect"
	"sync/atomic"
)

// =============================================================================
// DESCRIPTOR FLAGS
// =============================================================================

// ConstructPolicy controls how a class constructor may be invoked.
type ConstructPolicy int

const (
	ConstructNone ConstructPolicy = 0 // both `new X()` and `X()` throw
	ConstructNew  ConstructPolicy = 1 // only `new X()`
	ConstructCall ConstructPolicy = 2 // only `X()`
	ConstructAll  ConstructPolicy = 3 // both
)

func (p ConstructPolicy) allows(isNew bool) bool {
	if isNew {
		return p&ConstructNew != 0
	}
	return p&ConstructCall != 0
}

// ArrayProto selects the Array.prototype members copied onto a class prototype.
type ArrayProto int

const (
	ArrayIterator ArrayProto = 1 << iota
	ArrayEntries
	ArrayKeys
	ArrayValues
	ArrayForEach
)

// Immutability makes entries non-configurable at the given level.
type Immutability int

const (
	ImmutableInstance Immutability = 1 << iota
	ImmutablePrototype
)

// PropAttr holds property visibility attributes.
type PropAttr int

const (
	AttrNone       PropAttr = 0
	AttrReadOnly   PropAttr = 1
	AttrDontEnum   PropAttr = 2
	AttrDontDelete PropAttr = 4
)

// Location is where an entry is installed.
type Location int

const (
	LocationInstance  Location = 0 // own property of every instance
	LocationPrototype Location = 1 // property of the class prototype
	LocationInterface Location = 2 // property of the constructor (static)
)

func (l Location) String() string {
	switch l {
	case LocationInstance:
		return "instance"
	case LocationPrototype:
		return "prototype"
	case LocationInterface:
		return "interface"
	}
	return fmt.Sprintf("Location(%d)", int(l))
}

// SideEffect classifies what an operation may mutate. It is forwarded to hooks.
type SideEffect int

const (
	SideEffectHas        SideEffect = 0
	SideEffectNone       SideEffect = 1
	SideEffectToReceiver SideEffect = 2
)

// CallbackKind tells whether an entry is implemented in Go or by a script function.
type CallbackKind int

const (
	CallbackHost   CallbackKind = 0
	CallbackScript CallbackKind = 1
)

// HostFunc is the signature of every Go callback reachable from script.
type HostFunc func(call *PendingCall) (interface{}, error)

// =============================================================================
// ENTRIES
// =============================================================================

// AttributeEntry describes an accessor or constant property.
type AttributeEntry struct {
	Name             string
	Getter           HostFunc
	Setter           HostFunc
	ScriptGetter     string      // dotted script path, used when Callback is CallbackScript
	ScriptSetter     string      // dotted script path, used when Callback is CallbackScript
	Value            interface{} // constant value when Constant is set
	Constant         bool
	Callback         CallbackKind
	Location         Location
	Attr             PropAttr
	ReceiverCheck    bool
	CrossOriginCheck bool
	SideEffect       SideEffect
}

func (e *AttributeEntry) readable() bool {
	return e.Constant || e.Getter != nil || e.ScriptGetter != ""
}

func (e *AttributeEntry) writable() bool {
	if e.Constant {
		return e.Attr&AttrReadOnly == 0
	}
	return e.Setter != nil || e.ScriptSetter != ""
}

// MethodEntry describes a method property.
type MethodEntry struct {
	Name             string
	Func             HostFunc
	Script           string // dotted script path, used when Callback is CallbackScript
	Callback         CallbackKind
	Length           int
	Location         Location
	Attr             PropAttr
	ReceiverCheck    bool
	CrossOriginCheck bool
	SideEffect       SideEffect
}

// EntryOption adjusts an attribute or method entry.
type EntryOption func(*entryOptions)

type entryOptions struct {
	location      Location
	attr          PropAttr
	receiverCheck bool
	crossOrigin   bool
	sideEffect    SideEffect
	length        int
}

// AtInstance installs the entry on every instance (the default).
func AtInstance() EntryOption { return func(o *entryOptions) { o.location = LocationInstance } }

// AtPrototype installs the entry on the class prototype.
func AtPrototype() EntryOption { return func(o *entryOptions) { o.location = LocationPrototype } }

// AtInterface installs the entry on the constructor.
func AtInterface() EntryOption { return func(o *entryOptions) { o.location = LocationInterface } }

// WithAttr sets visibility attributes.
func WithAttr(attr PropAttr) EntryOption { return func(o *entryOptions) { o.attr = attr } }

// WithReceiverCheck rejects receivers that are not genuine instances.
func WithReceiverCheck() EntryOption { return func(o *entryOptions) { o.receiverCheck = true } }

// WithCrossOriginCheck runs the owner's cross-origin predicate before every access.
func WithCrossOriginCheck() EntryOption { return func(o *entryOptions) { o.crossOrigin = true } }

// WithSideEffect classifies the entry for hooks.
func WithSideEffect(s SideEffect) EntryOption { return func(o *entryOptions) { o.sideEffect = s } }

// WithLength sets the declared arity of a method.
func WithLength(n int) EntryOption { return func(o *entryOptions) { o.length = n } }

func applyEntryOptions(opts []EntryOption) entryOptions {
	var o entryOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// =============================================================================
// DESCRIPTOR
// =============================================================================

// Descriptor is the immutable exposure record of a Go type. Build one with NewClassBuilder
// or ReflectDescriptor. A descriptor freezes the first time a context materializes it.
type Descriptor struct {
	id           int
	name         string
	typ          reflect.Type
	exposed      bool
	global       bool
	construct    ConstructPolicy
	length       int
	arrayProto   ArrayProto
	immutable    Immutability
	noCtorEntry  bool
	parent       *Descriptor
	skipInherit  bool
	undetectable bool
	noHook       bool
	hook         Hook
	constructor  HostFunc
	attributes   []AttributeEntry
	methods      []MethodEntry
	frozen       atomic.Bool
}

func (d *Descriptor) Name() string                     { return d.name }
func (d *Descriptor) Type() reflect.Type               { return d.typ }
func (d *Descriptor) Exposed() bool                    { return d.exposed }
func (d *Descriptor) IsGlobal() bool                   { return d.global }
func (d *Descriptor) ConstructPolicy() ConstructPolicy { return d.construct }
func (d *Descriptor) Length() int                      { return d.length }
func (d *Descriptor) ArrayProto() ArrayProto           { return d.arrayProto }
func (d *Descriptor) Immutable() Immutability          { return d.immutable }
func (d *Descriptor) HasConstructorEntry() bool        { return !d.noCtorEntry }
func (d *Descriptor) Parent() *Descriptor              { return d.parent }
func (d *Descriptor) SkipInherit() bool                { return d.skipInherit }
func (d *Descriptor) Undetectable() bool               { return d.undetectable }
func (d *Descriptor) Frozen() bool                     { return d.frozen.Load() }

// Attributes returns a copy of the attribute table.
func (d *Descriptor) Attributes() []AttributeEntry {
	return append([]AttributeEntry(nil), d.attributes...)
}

// Methods returns a copy of the method table.
func (d *Descriptor) Methods() []MethodEntry {
	return append([]MethodEntry(nil), d.methods...)
}

// EffectiveParent is the parent the script prototype chain links to: with SkipInherit the
// declared parent is skipped and its own parent is used instead (exactly one hop).
func (d *Descriptor) EffectiveParent() *Descriptor {
	if d.parent == nil {
		return nil
	}
	if d.skipInherit {
		return d.parent.parent
	}
	return d.parent
}

// IsA reports whether d is other or inherits from it through the effective chain.
func (d *Descriptor) IsA(other *Descriptor) bool {
	for cur := d; cur != nil; cur = cur.EffectiveParent() {
		if cur == other {
			return true
		}
	}
	return false
}

func (d *Descriptor) freeze() { d.frozen.Store(true) }

// member is a resolved entry together with the descriptor that declares it.
type member struct {
	attr   *AttributeEntry
	method *MethodEntry
	owner  *Descriptor
}

func (m member) location() Location {
	if m.attr != nil {
		return m.attr.Location
	}
	return m.method.Location
}

func (d *Descriptor) find(name string, loc Location) (member, bool) {
	for i := range d.attributes {
		if e := &d.attributes[i]; e.Name == name && e.Location == loc {
			return member{attr: e, owner: d}, true
		}
	}
	for i := range d.methods {
		if m := &d.methods[i]; m.Name == name && m.Location == loc {
			return member{method: m, owner: d}, true
		}
	}
	return member{}, false
}

// resolve looks a name up in resolution order: instance entries along the chain, then
// prototype entries along the chain, then the interface entries of d itself.
func (d *Descriptor) resolve(name string) (member, bool) {
	for _, loc := range [...]Location{LocationInstance, LocationPrototype} {
		for cur := d; cur != nil; cur = cur.EffectiveParent() {
			if m, ok := cur.find(name, loc); ok {
				return m, true
			}
		}
	}
	return d.find(name, LocationInterface)
}

// =============================================================================
// CLASS BUILDER - FLUENT API FOR BUILDING DESCRIPTORS
// =============================================================================

// ClassBuilder provides a fluent API for building descriptors.
type ClassBuilder struct {
	d   *Descriptor
	err error
}

// NewClassBuilder creates a builder for an exposed class named name. Construction is
// disallowed until Construct is called.
func NewClassBuilder(name string) *ClassBuilder {
	return &ClassBuilder{d: &Descriptor{name: name, exposed: true}}
}

// For binds the descriptor to the dynamic type of sample (usually a pointer to struct).
func (cb *ClassBuilder) For(sample interface{}) *ClassBuilder {
	if t, ok := sample.(reflect.Type); ok {
		cb.d.typ = t
	} else {
		cb.d.typ = reflect.TypeOf(sample)
	}
	return cb
}

// Constructor sets the Go constructor. Without one, construction allocates a zero value
// of the bound type.
func (cb *ClassBuilder) Constructor(fn HostFunc) *ClassBuilder {
	cb.d.constructor = fn
	return cb
}

// Construct sets the construction policy.
func (cb *ClassBuilder) Construct(p ConstructPolicy) *ClassBuilder {
	cb.d.construct = p
	return cb
}

// Length sets the constructor's declared arity.
func (cb *ClassBuilder) Length(n int) *ClassBuilder {
	cb.d.length = n
	return cb
}

// Exposed controls whether the class is reachable as a global construct by name.
func (cb *ClassBuilder) Exposed(exposed bool) *ClassBuilder {
	cb.d.exposed = exposed
	return cb
}

// Global marks the type as a global-scope binding target.
func (cb *ClassBuilder) Global() *ClassBuilder {
	cb.d.global = true
	return cb
}

// ArrayProto installs a subset of the array protocol on the prototype.
func (cb *ClassBuilder) ArrayProto(flags ArrayProto) *ClassBuilder {
	cb.d.arrayProto = flags
	return cb
}

// Immutable makes instance and/or prototype entries non-configurable.
func (cb *ClassBuilder) Immutable(flags Immutability) *ClassBuilder {
	cb.d.immutable = flags
	return cb
}

// NoConstructorEntry removes the prototype's "constructor" property.
func (cb *ClassBuilder) NoConstructorEntry() *ClassBuilder {
	cb.d.noCtorEntry = true
	return cb
}

// Extends sets the parent descriptor.
func (cb *ClassBuilder) Extends(parent *Descriptor) *ClassBuilder {
	cb.d.parent = parent
	return cb
}

// SkipInherit links the script prototype chain to the grandparent instead of the parent.
func (cb *ClassBuilder) SkipInherit() *ClassBuilder {
	cb.d.skipInherit = true
	return cb
}

// Undetectable marks instances as undetectable: typeof reports "undefined" and they compare
// loosely equal to null and undefined. Only engines implementing UndetectableMarker can do
// this; elsewhere binding the class fails with ErrUnsupported.
func (cb *ClassBuilder) Undetectable() *ClassBuilder {
	cb.d.undetectable = true
	return cb
}

// Hook sets a class-specific hook.
func (cb *ClassBuilder) Hook(h Hook) *ClassBuilder {
	cb.d.hook = h
	return cb
}

// NoHook disables hooks for the class.
func (cb *ClassBuilder) NoHook() *ClassBuilder {
	cb.d.noHook = true
	return cb
}

// Attribute adds an accessor. Pass nil getter for a write-only attribute and nil setter for
// a read-only one.
func (cb *ClassBuilder) Attribute(name string, getter, setter HostFunc, opts ...EntryOption) *ClassBuilder {
	o := applyEntryOptions(opts)
	return cb.addAttribute(AttributeEntry{
		Name:   name,
		Getter: getter,
		Setter: setter,
	}, o)
}

// StaticAttribute adds an accessor on the constructor.
func (cb *ClassBuilder) StaticAttribute(name string, getter, setter HostFunc, opts ...EntryOption) *ClassBuilder {
	return cb.Attribute(name, getter, setter, append(opts, AtInterface())...)
}

// ScriptAttribute adds an accessor implemented by script functions at the given dotted
// paths (resolved against the context global at call time).
func (cb *ClassBuilder) ScriptAttribute(name, getterPath, setterPath string, opts ...EntryOption) *ClassBuilder {
	o := applyEntryOptions(opts)
	return cb.addAttribute(AttributeEntry{
		Name:         name,
		ScriptGetter: getterPath,
		ScriptSetter: setterPath,
		Callback:     CallbackScript,
	}, o)
}

// Constant adds a data property holding value.
func (cb *ClassBuilder) Constant(name string, value interface{}, opts ...EntryOption) *ClassBuilder {
	o := applyEntryOptions(opts)
	return cb.addAttribute(AttributeEntry{
		Name:     name,
		Value:    value,
		Constant: true,
	}, o)
}

func (cb *ClassBuilder) addAttribute(e AttributeEntry, o entryOptions) *ClassBuilder {
	e.Location = o.location
	e.Attr = o.attr
	e.ReceiverCheck = o.receiverCheck
	e.CrossOriginCheck = o.crossOrigin
	e.SideEffect = o.sideEffect
	if !e.Constant && e.Callback == CallbackHost && e.Getter == nil && e.Setter == nil {
		cb.fail(fmt.Errorf("attribute %s.%s has neither getter nor setter", cb.d.name, e.Name))
	}
	cb.d.attributes = append(cb.d.attributes, e)
	return cb
}

// Method adds a method.
func (cb *ClassBuilder) Method(name string, fn HostFunc, opts ...EntryOption) *ClassBuilder {
	if fn == nil {
		cb.fail(fmt.Errorf("method %s.%s has no implementation", cb.d.name, name))
	}
	return cb.addMethod(MethodEntry{Name: name, Func: fn}, applyEntryOptions(opts))
}

// StaticMethod adds a method on the constructor.
func (cb *ClassBuilder) StaticMethod(name string, fn HostFunc, opts ...EntryOption) *ClassBuilder {
	return cb.Method(name, fn, append(opts, AtInterface())...)
}

// ScriptMethod adds a method implemented by the script function at path.
func (cb *ClassBuilder) ScriptMethod(name, path string, opts ...EntryOption) *ClassBuilder {
	return cb.addMethod(MethodEntry{Name: name, Script: path, Callback: CallbackScript}, applyEntryOptions(opts))
}

func (cb *ClassBuilder) addMethod(m MethodEntry, o entryOptions) *ClassBuilder {
	m.Location = o.location
	m.Attr = o.attr
	m.ReceiverCheck = o.receiverCheck
	m.CrossOriginCheck = o.crossOrigin
	m.SideEffect = o.sideEffect
	m.Length = o.length
	cb.d.methods = append(cb.d.methods, m)
	return cb
}

func (cb *ClassBuilder) fail(err error) {
	if cb.err == nil {
		cb.err = err
	}
}

// Build validates and returns the descriptor.
func (cb *ClassBuilder) Build() (*Descriptor, error) {
	if cb.err != nil {
		return nil, cb.err
	}
	d := cb.d
	if d.name == "" {
		return nil, fmt.Errorf("class name must not be empty")
	}
	if d.skipInherit && d.parent == nil {
		return nil, fmt.Errorf("class %s skips inheritance without a parent", d.name)
	}
	for p := d.parent; p != nil; p = p.parent {
		if p == d {
			return nil, fmt.Errorf("class %s inherits from itself", d.name)
		}
	}

	seen := make(map[string]bool)
	key := func(name string, loc Location) string { return loc.String() + "/" + name }
	for _, e := range d.attributes {
		if seen[key(e.Name, e.Location)] {
			return nil, fmt.Errorf("duplicate entry %s.%s at %s level", d.name, e.Name, e.Location)
		}
		seen[key(e.Name, e.Location)] = true
	}
	for _, m := range d.methods {
		if seen[key(m.Name, m.Location)] {
			return nil, fmt.Errorf("duplicate entry %s.%s at %s level", d.name, m.Name, m.Location)
		}
		seen[key(m.Name, m.Location)] = true
	}

	// the builder may be reused; the built descriptor must not alias its slices
	out := &Descriptor{
		name:         d.name,
		typ:          d.typ,
		exposed:      d.exposed,
		global:       d.global,
		construct:    d.construct,
		length:       d.length,
		arrayProto:   d.arrayProto,
		immutable:    d.immutable,
		noCtorEntry:  d.noCtorEntry,
		parent:       d.parent,
		skipInherit:  d.skipInherit,
		undetectable: d.undetectable,
		noHook:       d.noHook,
		hook:         d.hook,
		constructor:  d.constructor,
		attributes:   append([]AttributeEntry(nil), d.attributes...),
		methods:      append([]MethodEntry(nil), d.methods...),
	}
	return out, nil
}

// MustBuild is like Build but panics on error.
func (cb *ClassBuilder) MustBuild() *Descriptor {
	d, err := cb.Build()
	if err != nil {
		panic(err)
	}
	return d
}
