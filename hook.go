package jsbridge

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Op identifies an intercepted operation.
type Op int

const (
	OpGet Op = iota
	OpSet
	OpDelete
	OpCall
	OpConstruct
)

func (op Op) String() string {
	switch op {
	case OpGet:
		return "getter"
	case OpSet:
		return "setter"
	case OpDelete:
		return "delete"
	case OpCall:
		return "method"
	case OpConstruct:
		return "construct"
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

// HookEvent describes one completed operation on an exposed object.
type HookEvent struct {
	Op         Op
	Tag        string // context tag
	TypeName   string // class name of the receiver
	Name       string // member name, empty for constructors
	Self       interface{}
	Args       []interface{}
	Value      interface{} // assigned value for setters
	Result     interface{}
	Err        error
	SideEffect SideEffect
	IsNew      bool
}

// Hook observes operations on exposed objects. A hook never alters the result of the
// operation; a returned error or a panic is logged and discarded.
type Hook interface {
	Observe(ev *HookEvent) error
}

// HookFunc adapts a function to Hook.
type HookFunc func(ev *HookEvent) error

func (f HookFunc) Observe(ev *HookEvent) error { return f(ev) }

// NopHook ignores every event.
type NopHook struct{}

func (NopHook) Observe(*HookEvent) error { return nil }

// MultiHook fans an event out to several hooks. All hooks run; the first error is returned.
type MultiHook []Hook

func (m MultiHook) Observe(ev *HookEvent) error {
	var first error
	for _, h := range m {
		if h == nil {
			continue
		}
		if err := h.Observe(ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// =============================================================================
// LOG HOOK
// =============================================================================

// LogHook writes one line per event through zap.
type LogHook struct {
	Logger *zap.Logger
}

func (h *LogHook) Observe(ev *HookEvent) error {
	if h.Logger == nil {
		return nil
	}
	h.Logger.Info(FormatEvent(ev),
		zap.String("tag", ev.Tag),
		zap.Stringer("op", ev.Op),
		zap.Int("side_effect", int(ev.SideEffect)),
	)
	return nil
}

// FormatEvent renders an event as a single trace line, e.g.
//
//	Top getter: Navigator.userAgent -> Mozilla/5.0
//	Top method: Document.createElement(div) -> [object HTMLDivElement]
//	Top construct: new Image(1, 2) -> [object Image]
func FormatEvent(ev *HookEvent) string {
	var sb strings.Builder
	if ev.Tag != "" {
		sb.WriteString(ev.Tag)
		sb.WriteByte(' ')
	}
	sb.WriteString(ev.Op.String())
	sb.WriteString(": ")

	switch ev.Op {
	case OpGet:
		fmt.Fprintf(&sb, "%s.%s -> %s", ev.TypeName, ev.Name, formatHostValue(ev.Result))
	case OpSet:
		fmt.Fprintf(&sb, "%s.%s = %s", ev.TypeName, ev.Name, formatHostValue(ev.Value))
	case OpDelete:
		fmt.Fprintf(&sb, "%s.%s", ev.TypeName, ev.Name)
	case OpCall:
		fmt.Fprintf(&sb, "%s.%s(%s) -> %s", ev.TypeName, ev.Name, formatArgs(ev.Args), formatHostValue(ev.Result))
	case OpConstruct:
		if ev.IsNew {
			sb.WriteString("new ")
		}
		fmt.Fprintf(&sb, "%s(%s) -> %s", ev.TypeName, formatArgs(ev.Args), formatHostValue(ev.Result))
	}

	if ev.Err != nil {
		sb.WriteString(", error: ")
		sb.WriteString(ev.Err.Error())
	}
	return sb.String()
}

func formatArgs(args []interface{}) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = formatHostValue(a)
	}
	return strings.Join(parts, ", ")
}

// formatHostValue renders a value without calling into script.
func formatHostValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "undefined"
	case NullType:
		return "null"
	case string:
		return x
	case *Object:
		return "[object " + x.ClassName() + "]"
	case *Function:
		return "[function]"
	case *Array:
		return fmt.Sprintf("[array(%d)]", x.Len())
	case *TypedArray:
		return x.Kind().String() + "(...)"
	case *Promise:
		return "[object Promise]"
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprintf("%v", v)
}

// =============================================================================
// NAME FILTER
// =============================================================================

// ObfuscatedPrefix is the identifier prefix produced by common minifiers; such names are
// never hooked.
const ObfuscatedPrefix = "a1_0x"

var defaultExcludedNames = []string{
	"dir", "dirxml", "profile", "profileEnd", "clear", "table", "keys", "values",
	"debug", "undebug", "inspect", "copy", "queryObjects", "monitor", "unmonitor",
	"$", "$$", "$_", "$0", "$1", "$2", "$3", "$4", "$x",
	"DataView", "String", "Array", "Date", "Object", "window", "Symbol", "Number",
	"Function", "Symbol.toPrimitive", "Symbol.toStringTag", "parseFloat", "parseInt",
	"Math", "BigInt", "RegExp", "console", "isNaN", "Boolean", "faker", "unescape",
	"NaN", "Infinity", "_cf_chl_opt", "decodeURIComponent",
}

// HookFilter decides which member names are exempt from hooks.
type HookFilter struct {
	names    map[string]struct{}
	prefixes []string
}

// NewHookFilter creates a filter skipping the given names and name prefixes.
func NewHookFilter(names []string, prefixes ...string) *HookFilter {
	f := &HookFilter{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		f.names[n] = struct{}{}
	}
	f.prefixes = append(f.prefixes, prefixes...)
	return f
}

// DefaultHookFilter skips well-known engine and console globals and obfuscated names.
func DefaultHookFilter() *HookFilter {
	return NewHookFilter(defaultExcludedNames, ObfuscatedPrefix)
}

// Skip reports whether hooks must not fire for name.
func (f *HookFilter) Skip(name string) bool {
	if f == nil {
		return false
	}
	if _, ok := f.names[name]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
