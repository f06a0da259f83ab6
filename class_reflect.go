package jsbridge

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/dop251/goja"
)

// =============================================================================
// REFLECTION-BASED DESCRIPTORS
// =============================================================================

// ReflectOptions configures automatic descriptor derivation.
type ReflectOptions struct {
	// Name overrides the class name (default: the struct type name)
	Name string

	// Exposed controls global visibility of the class (default: true)
	Exposed bool

	// Construct is the construction policy (default: ConstructNew)
	Construct ConstructPolicy

	// Parent is the parent descriptor
	Parent *Descriptor

	// Location is where fields and methods are installed (default: prototype)
	Location Location

	// MethodPrefix filters methods by prefix (empty = all methods)
	MethodPrefix string

	// IgnoredMethods lists method names to skip
	IgnoredMethods []string

	// IgnoredFields lists field names to skip
	IgnoredFields []string
}

// ReflectOption configures ReflectOptions using functional options pattern
type ReflectOption func(*ReflectOptions)

// WithClassName overrides the derived class name.
func WithClassName(name string) ReflectOption {
	return func(opts *ReflectOptions) {
		opts.Name = name
	}
}

// WithExposed controls whether the class is reachable by name.
func WithExposed(exposed bool) ReflectOption {
	return func(opts *ReflectOptions) {
		opts.Exposed = exposed
		if !exposed {
			opts.Construct = ConstructNone
		}
	}
}

// WithConstructPolicy sets the construction policy.
func WithConstructPolicy(p ConstructPolicy) ReflectOption {
	return func(opts *ReflectOptions) {
		opts.Construct = p
	}
}

// WithBase sets the parent descriptor.
func WithBase(parent *Descriptor) ReflectOption {
	return func(opts *ReflectOptions) {
		opts.Parent = parent
	}
}

// WithMembersAt installs derived members at loc instead of the prototype.
func WithMembersAt(loc Location) ReflectOption {
	return func(opts *ReflectOptions) {
		opts.Location = loc
	}
}

// WithMethodPrefix filters methods by name prefix
func WithMethodPrefix(prefix string) ReflectOption {
	return func(opts *ReflectOptions) {
		opts.MethodPrefix = prefix
	}
}

// WithIgnoredMethods specifies method names to skip
func WithIgnoredMethods(methods ...string) ReflectOption {
	return func(opts *ReflectOptions) {
		opts.IgnoredMethods = append(opts.IgnoredMethods, methods...)
	}
}

// WithIgnoredFields specifies field names to skip
func WithIgnoredFields(fields ...string) ReflectOption {
	return func(opts *ReflectOptions) {
		opts.IgnoredFields = append(opts.IgnoredFields, fields...)
	}
}

// ReflectDescriptor derives a descriptor from a Go struct type: exported fields become
// accessors, exported methods of the pointer type become methods, and the constructor
// fills fields from positional arguments or from a single options object.
//
// Example usage:
//
//	d, err := jsbridge.ReflectDescriptor(&Point{})
//	if err != nil { return err }
//	err = ctx.Expose(d)
func ReflectDescriptor(structType interface{}, options ...ReflectOption) (*Descriptor, error) {
	opts := &ReflectOptions{
		Exposed:   true,
		Construct: ConstructNew,
		Location:  LocationPrototype,
	}
	for _, option := range options {
		option(opts)
	}

	typ, err := getReflectType(structType)
	if err != nil {
		return nil, err
	}

	className := opts.Name
	if className == "" {
		className = typ.Name()
	}
	if className == "" {
		return nil, errors.New("cannot determine class name from anonymous type")
	}

	builder := NewClassBuilder(className).
		For(reflect.PointerTo(typ)).
		Exposed(opts.Exposed).
		Construct(opts.Construct).
		Constructor(reflectConstructor(typ))
	if opts.Parent != nil {
		builder.Extends(opts.Parent)
	}

	if err := addReflectionProperties(builder, typ, opts); err != nil {
		return nil, fmt.Errorf("failed to add properties: %w", err)
	}
	if err := addReflectionMethods(builder, typ, opts); err != nil {
		return nil, fmt.Errorf("failed to add methods: %w", err)
	}
	return builder.Build()
}

// getReflectType extracts the struct type from a reflect.Type, a struct or a struct pointer.
func getReflectType(structType interface{}) (reflect.Type, error) {
	var typ reflect.Type
	if t, ok := structType.(reflect.Type); ok {
		typ = t
	} else {
		typ = reflect.TypeOf(structType)
	}
	if typ == nil {
		return nil, errors.New("cannot get type from nil value")
	}
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return nil, errors.New("value must be a struct or pointer to struct")
	}
	return typ, nil
}

// reflectConstructor allocates a new struct and initializes it from the call arguments.
func reflectConstructor(typ reflect.Type) HostFunc {
	return func(call *PendingCall) (interface{}, error) {
		instance := reflect.New(typ)
		if call.NumArgs() > 0 {
			if err := initializeFromArgs(call, instance.Elem()); err != nil {
				return nil, fmt.Errorf("constructor initialization failed: %w", err)
			}
		}
		return instance.Interface(), nil
	}
}

// initializeFromArgs picks named mode for a single plain-object argument and positional
// mode otherwise.
func initializeFromArgs(call *PendingCall, val reflect.Value) error {
	if call.NumArgs() == 1 && call.raw != nil {
		if obj, ok := call.raw[0].(*goja.Object); ok && kindOf(call.Context.helpers, obj) == KindObject {
			if _, isInstance := call.Context.record(obj); !isInstance {
				return initializeFromObjectArgs(call, obj, val)
			}
		}
	}
	return initializeFromPositionalArgs(call, val)
}

func initializeFromPositionalArgs(call *PendingCall, val reflect.Value) error {
	typ := val.Type()
	argIndex := 0
	for i := 0; i < typ.NumField() && argIndex < call.NumArgs(); i++ {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}
		if _, skip := parseFieldTagForProperty(field); skip {
			continue
		}
		fieldValue := val.Field(i)
		if err := call.Bind(argIndex, fieldValue.Addr().Interface()); err != nil {
			return fmt.Errorf("failed to set field %s: %w", field.Name, err)
		}
		argIndex++
	}
	return nil
}

func initializeFromObjectArgs(call *PendingCall, obj *goja.Object, val reflect.Value) error {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}
		propName, skip := parseFieldTagForProperty(field)
		if skip {
			continue
		}
		prop := obj.Get(propName)
		if prop == nil {
			continue
		}
		if err := call.Context.unmarshal(prop, val.Field(i)); err != nil {
			return fmt.Errorf("failed to set field %s from property %s: %w", field.Name, propName, err)
		}
	}
	return nil
}

// parseFieldTagForProperty returns the script name of a field from its "js" or "json" tag.
func parseFieldTagForProperty(field reflect.StructField) (string, bool) {
	for _, key := range [...]string{"js", "json"} {
		tag := field.Tag.Get(key)
		if tag == "" {
			continue
		}
		if tag == "-" {
			return "", true
		}
		if idx := strings.Index(tag, ","); idx != -1 {
			tag = tag[:idx]
		}
		if tag == "" {
			break
		}
		return tag, false
	}
	return field.Name, false
}

// addReflectionMethods adds the exported methods of *typ.
func addReflectionMethods(builder *ClassBuilder, typ reflect.Type, opts *ReflectOptions) error {
	ptrTyp := reflect.PointerTo(typ)

	for i := 0; i < ptrTyp.NumMethod(); i++ {
		method := ptrTyp.Method(i)

		if opts.MethodPrefix != "" && !strings.HasPrefix(method.Name, opts.MethodPrefix) {
			continue
		}
		if contains(opts.IgnoredMethods, method.Name) || isSpecialMethod(method.Name) {
			continue
		}

		builder.Method(method.Name, ReflectMethod(method.Name),
			withLocation(opts.Location), WithLength(arity(method.Type, 1)))
	}
	return nil
}

// addReflectionProperties adds an accessor per exported field.
func addReflectionProperties(builder *ClassBuilder, typ reflect.Type, opts *ReflectOptions) error {
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() || field.Anonymous {
			continue
		}
		if contains(opts.IgnoredFields, field.Name) {
			continue
		}
		propName, skip := parseFieldTagForProperty(field)
		if skip {
			continue
		}
		builder.Attribute(propName, fieldGetter(field), fieldSetter(field), withLocation(opts.Location))
	}
	return nil
}

func withLocation(loc Location) EntryOption {
	return func(o *entryOptions) { o.location = loc }
}

// ReflectMethod returns a HostFunc calling the named Go method on the receiver.
func ReflectMethod(name string) HostFunc {
	return func(call *PendingCall) (interface{}, error) {
		if call.Self == nil {
			return nil, ErrIllegalInvocation
		}
		method := reflect.ValueOf(call.Self).MethodByName(name)
		if !method.IsValid() {
			return nil, fmt.Errorf("%T has no method %s", call.Self, name)
		}
		return callReflect(call, method)
	}
}

// ReflectField returns getter and setter HostFuncs for the named struct field.
func ReflectField(name string) (getter, setter HostFunc) {
	lookup := func(call *PendingCall) (reflect.Value, error) {
		rv := reflect.ValueOf(call.Self)
		if rv.Kind() == reflect.Ptr {
			if rv.IsNil() {
				return reflect.Value{}, ErrIllegalInvocation
			}
			rv = rv.Elem()
		}
		if rv.Kind() != reflect.Struct {
			return reflect.Value{}, ErrIllegalInvocation
		}
		f := rv.FieldByName(name)
		if !f.IsValid() {
			return reflect.Value{}, fmt.Errorf("%T has no field %s", call.Self, name)
		}
		return f, nil
	}
	getter = func(call *PendingCall) (interface{}, error) {
		f, err := lookup(call)
		if err != nil {
			return nil, err
		}
		return f.Interface(), nil
	}
	setter = func(call *PendingCall) (interface{}, error) {
		f, err := lookup(call)
		if err != nil {
			return nil, err
		}
		if !f.CanSet() {
			return nil, fmt.Errorf("%w: field %s", ErrReadOnly, name)
		}
		tmp := reflect.New(f.Type())
		if err := call.BindValue(tmp.Interface()); err != nil {
			return nil, fmt.Errorf("failed to unmarshal value for field %s: %w", name, err)
		}
		f.Set(tmp.Elem())
		return nil, nil
	}
	return getter, setter
}

func fieldGetter(field reflect.StructField) HostFunc {
	g, _ := ReflectField(field.Name)
	return g
}

func fieldSetter(field reflect.StructField) HostFunc {
	_, s := ReflectField(field.Name)
	return s
}

// =============================================================================
// REFLECTIVE CALLS
// =============================================================================

var (
	contextType     = reflect.TypeOf((*Context)(nil))
	pendingCallType = reflect.TypeOf((*PendingCall)(nil))
	errorType       = reflect.TypeOf((*error)(nil)).Elem()
)

// arity counts the script-visible parameters of a func type, skipping the first skip
// parameters (receivers) and an injected *Context or *PendingCall.
func arity(ft reflect.Type, skip int) int {
	n := ft.NumIn() - skip
	if ft.NumIn() > skip {
		if in := ft.In(skip); in == contextType || in == pendingCallType {
			n--
		}
	}
	if ft.IsVariadic() {
		n--
	}
	if n < 0 {
		n = 0
	}
	return n
}

// callReflect calls fn with arguments converted to its parameter types. A leading
// *Context or *PendingCall parameter is injected; missing arguments are zero values and
// extra arguments are ignored, as script callers expect.
func callReflect(call *PendingCall, fn reflect.Value) (interface{}, error) {
	ft := fn.Type()
	in := make([]reflect.Value, 0, ft.NumIn())

	first := 0
	if ft.NumIn() > 0 {
		switch ft.In(0) {
		case contextType:
			in = append(in, reflect.ValueOf(call.Context))
			first = 1
		case pendingCallType:
			in = append(in, reflect.ValueOf(call))
			first = 1
		}
	}

	fixed := ft.NumIn()
	if ft.IsVariadic() {
		fixed--
	}

	argIndex := 0
	for i := first; i < fixed; i++ {
		arg := reflect.New(ft.In(i))
		if argIndex < call.NumArgs() {
			if err := call.Bind(argIndex, arg.Interface()); err != nil {
				return nil, fmt.Errorf("failed to convert argument %d: %w", argIndex, err)
			}
		}
		in = append(in, arg.Elem())
		argIndex++
	}
	if ft.IsVariadic() {
		elem := ft.In(ft.NumIn() - 1).Elem()
		for ; argIndex < call.NumArgs(); argIndex++ {
			arg := reflect.New(elem)
			if err := call.Bind(argIndex, arg.Interface()); err != nil {
				return nil, fmt.Errorf("failed to convert argument %d: %w", argIndex, err)
			}
			in = append(in, arg.Elem())
		}
	}

	return convertResults(fn.Call(in))
}

// convertResults maps Go results to one value: a trailing error becomes the error,
// multiple values become a slice.
func convertResults(results []reflect.Value) (interface{}, error) {
	if n := len(results); n > 0 && results[n-1].Type() == errorType {
		if !results[n-1].IsNil() {
			return nil, results[n-1].Interface().(error)
		}
		results = results[:n-1]
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0].Interface(), nil
	default:
		out := make([]interface{}, len(results))
		for i, r := range results {
			out[i] = r.Interface()
		}
		return out, nil
	}
}

// =============================================================================
// UTILITY FUNCTIONS
// =============================================================================

// contains checks if a slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// isSpecialMethod checks if a method name should be skipped during reflection binding
func isSpecialMethod(name string) bool {
	specialMethods := []string{
		"String",           // fmt.Stringer
		"Error",            // error interface
		"GoString",         // fmt.GoStringer
		"Format",           // fmt.Formatter
		"MarshalJS",        // Marshaler
		"UnmarshalJS",      // Unmarshaler
		"CheckCrossOrigin", // CrossOriginChecker
		"Len",              // Indexer
		"Index",            // Indexer
		"SetIndex",         // IndexSetter
		"CallJS",           // Caller
	}
	return contains(specialMethods, name)
}
