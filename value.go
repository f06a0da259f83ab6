package jsbridge

import (
	"math/big"

	"github.com/dop251/goja"
)

// Kind classifies a script value.
type Kind int

const (
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindNumber
	KindBigInt
	KindString
	KindSymbol
	KindObject
	KindArray
	KindFunction
	KindTypedArray
	KindPromise
)

var kindNames = [...]string{
	KindUndefined:  "undefined",
	KindNull:       "null",
	KindBool:       "boolean",
	KindNumber:     "number",
	KindBigInt:     "bigint",
	KindString:     "string",
	KindSymbol:     "symbol",
	KindObject:     "object",
	KindArray:      "array",
	KindFunction:   "function",
	KindTypedArray: "typedarray",
	KindPromise:    "promise",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// NullType is the type of Null.
type NullType struct{}

func (NullType) String() string { return "null" }

// Null is the Go form of script null. Script undefined is Go nil.
var Null = NullType{}

// Value is a script value bound to the Context that produced it.
type Value struct {
	ctx *Context
	ref goja.Value
}

// Context returns the owning context.
func (v Value) Context() *Context { return v.ctx }

// Ref returns the underlying engine value.
func (v Value) Ref() goja.Value { return v.ref }

// Kind classifies the value.
func (v Value) Kind() Kind {
	if v.ctx == nil {
		return kindOf(nil, v.ref)
	}
	return kindOf(v.ctx.helpers, v.ref)
}

func (v Value) IsUndefined() bool  { return v.Kind() == KindUndefined }
func (v Value) IsNull() bool       { return v.Kind() == KindNull }
func (v Value) IsBool() bool       { return v.Kind() == KindBool }
func (v Value) IsNumber() bool     { return v.Kind() == KindNumber }
func (v Value) IsBigInt() bool     { return v.Kind() == KindBigInt }
func (v Value) IsString() bool     { return v.Kind() == KindString }
func (v Value) IsFunction() bool   { return v.Kind() == KindFunction }
func (v Value) IsArray() bool      { return v.Kind() == KindArray }
func (v Value) IsTypedArray() bool { return v.Kind() == KindTypedArray }
func (v Value) IsPromise() bool    { return v.Kind() == KindPromise }

// IsObject reports whether the value is any kind of object, functions included.
func (v Value) IsObject() bool {
	_, ok := v.ref.(*goja.Object)
	return ok
}

// String returns the script string conversion of the value.
func (v Value) String() string {
	if v.ref == nil {
		return "undefined"
	}
	return v.ref.String()
}

// ToBool returns the script truthiness of the value.
func (v Value) ToBool() bool {
	return v.ref != nil && v.ref.ToBoolean()
}

// ToInt64 returns the script integer conversion of the value.
func (v Value) ToInt64() int64 {
	if v.ref == nil {
		return 0
	}
	return v.ref.ToInteger()
}

// ToFloat64 returns the script number conversion of the value.
func (v Value) ToFloat64() float64 {
	if v.ref == nil {
		return 0
	}
	return v.ref.ToFloat()
}

// Export converts the value to its Go form.
func (v Value) Export() (interface{}, error) {
	if v.ctx == nil {
		return nil, ErrUseAfterTeardown
	}
	return v.ctx.ToHost(v)
}

// StrictEquals reports script `===` equality.
func (v Value) StrictEquals(other Value) bool {
	if v.ref == nil || other.ref == nil {
		return isUndefined(v.ref) && isUndefined(other.ref)
	}
	return v.ref.StrictEquals(other.ref)
}

// JSONStringify returns JSON.stringify(value), or "" when it produces undefined.
func (v Value) JSONStringify() (string, error) {
	if v.ctx == nil {
		return "", ErrUseAfterTeardown
	}
	return v.ctx.jsonStringify(v.ref)
}

func isUndefined(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v)
}

// kindOf classifies an engine value; helpers may be nil when the context is gone.
func kindOf(h *helpers, v goja.Value) Kind {
	if isUndefined(v) {
		return KindUndefined
	}
	if goja.IsNull(v) {
		return KindNull
	}

	if obj, ok := v.(*goja.Object); ok {
		if _, ok := goja.AssertFunction(obj); ok {
			return KindFunction
		}
		switch obj.ClassName() {
		case "Array":
			return KindArray
		case "Promise":
			return KindPromise
		}
		if obj.ExportType() == promiseType {
			return KindPromise
		}
		if h != nil && h.typedArrayKind(obj) != 0 {
			return KindTypedArray
		}
		return KindObject
	}

	switch v.Export().(type) {
	case bool:
		return KindBool
	case int64, float64:
		return KindNumber
	case string:
		return KindString
	case *big.Int:
		return KindBigInt
	}
	if _, ok := v.(*goja.Symbol); ok {
		return KindSymbol
	}
	return KindObject
}
