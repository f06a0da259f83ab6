package jsbridge

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// Sentinel errors. Every concrete error type below matches one of them with errors.Is.
var (
	ErrCompile           = errors.New("jsbridge: compile error")
	ErrScript            = errors.New("jsbridge: uncaught script exception")
	ErrTerminated        = errors.New("jsbridge: execution terminated")
	ErrNameNotFound      = errors.New("jsbridge: name not found")
	ErrConversion        = errors.New("jsbridge: unsupported conversion")
	ErrUseAfterTeardown  = errors.New("jsbridge: context has been torn down")
	ErrCrossOriginDenied = errors.New("jsbridge: cross-origin access denied")
	ErrIllegalInvocation = errors.New("jsbridge: illegal invocation")
	ErrReadOnly          = errors.New("jsbridge: property is read-only")
	ErrDescriptorFrozen  = errors.New("jsbridge: descriptor is frozen")
	ErrUnsupported       = errors.New("jsbridge: not supported by the engine")
)

// CompileError is returned when source text fails to parse.
type CompileError struct {
	Origin  string // Script origin name
	Message string // Parser message
	cause   error
}

func (err *CompileError) Error() string {
	if err.Origin != "" {
		return fmt.Sprintf("SyntaxError: %s (origin: %s)", err.Message, err.Origin)
	}
	return "SyntaxError: " + err.Message
}

func (err *CompileError) Is(target error) bool { return target == ErrCompile }

func (err *CompileError) Unwrap() error { return err.cause }

// ScriptError represents an uncaught script exception with detailed information.
type ScriptError struct {
	Name    string // Error name (e.g., "TypeError", "ReferenceError")
	Message string // Error message
	Stack   string // Stack trace
	Cause   error  // Go error the exception was raised from, if any
	Value   Value  // The thrown value
}

// Error implements the error interface.
func (err *ScriptError) Error() string {
	if err.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %s)", err.Name, err.Message, err.Cause)
	}
	return fmt.Sprintf("%s: %s", err.Name, err.Message)
}

func (err *ScriptError) Is(target error) bool { return target == ErrScript }

func (err *ScriptError) Unwrap() error { return err.Cause }

// TerminatedError is returned when the watchdog stopped a running script.
type TerminatedError struct {
	Timeout time.Duration
	cause   *goja.InterruptedError
}

func (err *TerminatedError) Error() string {
	if err.Timeout > 0 {
		return fmt.Sprintf("execution terminated after %s", err.Timeout)
	}
	return "execution terminated"
}

func (err *TerminatedError) Is(target error) bool { return target == ErrTerminated }

func (err *TerminatedError) interruption() *goja.InterruptedError { return err.cause }

// TeardownError is returned when script was cut short because its context was closed.
type TeardownError struct {
	cause *goja.InterruptedError
}

func (err *TeardownError) Error() string { return "execution aborted: context torn down" }

func (err *TeardownError) Is(target error) bool { return target == ErrUseAfterTeardown }

func (err *TeardownError) interruption() *goja.InterruptedError { return err.cause }

// interruption is implemented by errors that must stay uncatchable when they cross back
// into script.
type interruption interface {
	interruption() *goja.InterruptedError
}

// interruptError classifies an engine interrupt by the value it was raised with.
func (ctx *Context) interruptError(x *goja.InterruptedError) error {
	switch reason := x.Value().(type) {
	case error:
		if errors.Is(reason, ErrUseAfterTeardown) {
			return &TeardownError{cause: x}
		}
	case watchdogReason:
		timeout := reason.timeout
		if _, budget := ctx.rt.activeDeadline(); budget > 0 {
			timeout = budget
		}
		return &TerminatedError{Timeout: timeout, cause: x}
	}
	return &TerminatedError{Timeout: ctx.timeout, cause: x}
}

// NameNotFoundError is returned when a name resolves nowhere.
type NameNotFoundError struct {
	Name string
}

func (err *NameNotFoundError) Error() string {
	return fmt.Sprintf("%s is not defined", err.Name)
}

func (err *NameNotFoundError) Is(target error) bool { return target == ErrNameNotFound }

// ConversionError is returned when a value has no counterpart on the other side.
type ConversionError struct {
	Type   string
	Reason string
}

func (err *ConversionError) Error() string {
	if err.Reason != "" {
		return fmt.Sprintf("cannot convert %s: %s", err.Type, err.Reason)
	}
	return fmt.Sprintf("cannot convert %s", err.Type)
}

func (err *ConversionError) Is(target error) bool { return target == ErrConversion }

// CrossOriginError is returned when an origin predicate rejects an access.
type CrossOriginError struct {
	Name     string
	Accessor string
	Target   string
}

func (err *CrossOriginError) Error() string {
	if err.Name != "" {
		return fmt.Sprintf("blocked a frame with origin %q from accessing %q on origin %q", err.Accessor, err.Name, err.Target)
	}
	return fmt.Sprintf("blocked a frame with origin %q from accessing a cross-origin frame %q", err.Accessor, err.Target)
}

func (err *CrossOriginError) Is(target error) bool { return target == ErrCrossOriginDenied }

// EngineError marks a Go error that should surface in script as a regular Error instance
// (with name, message and stack) instead of an opaque wrapped Go error.
type EngineError interface {
	error
	ErrorName() string
}

// ThrowError is the stock EngineError.
type ThrowError struct {
	Name    string
	Message string
}

// NewThrowError creates an error that script sees as `new <name>(message)`.
// An empty name means "Error".
func NewThrowError(name, format string, args ...interface{}) *ThrowError {
	return &ThrowError{Name: name, Message: fmt.Sprintf(format, args...)}
}

func (err *ThrowError) Error() string { return err.Message }

func (err *ThrowError) ErrorName() string {
	if err.Name == "" {
		return "Error"
	}
	return err.Name
}

// =============================================================================
// EXCEPTION BRIDGE
// =============================================================================

var nativeErrorNames = map[string]bool{
	"Error":          true,
	"TypeError":      true,
	"RangeError":     true,
	"ReferenceError": true,
	"SyntaxError":    true,
	"EvalError":      true,
	"URIError":       true,
}

// translateError maps engine failures to the package error kinds.
func (ctx *Context) translateError(err error, origin string) error {
	if err == nil {
		return nil
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return ctx.interruptError(interrupted)
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		return ctx.scriptError(exception.Value(), exception.String())
	}

	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return &CompileError{Origin: origin, Message: syntax.Message, cause: err}
	}

	var reference *goja.CompilerReferenceError
	if errors.As(err, &reference) {
		return &CompileError{Origin: origin, Message: reference.Message, cause: err}
	}

	return err
}

// scriptError builds a ScriptError from a thrown value.
func (ctx *Context) scriptError(val goja.Value, fallbackStack string) *ScriptError {
	se := &ScriptError{Value: Value{ctx: ctx, ref: val}}

	if obj, ok := val.(*goja.Object); ok {
		se.Name = stringProp(obj, "name")
		se.Message = stringProp(obj, "message")
		se.Stack = stringProp(obj, "stack")

		if cause := obj.GetSymbol(ctx.causeKey); cause != nil {
			se.Cause, _ = cause.Export().(error)
		} else if se.Name == "GoError" {
			if v := obj.Get("value"); v != nil {
				se.Cause, _ = v.Export().(error)
			}
		}
	}

	if se.Name == "" {
		se.Name = "Error"
		if val != nil {
			se.Message = val.String()
		}
	}
	if se.Stack == "" {
		se.Stack = fallbackStack
	}
	return se
}

func stringProp(obj *goja.Object, name string) string {
	v := obj.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

// throw raises err as a script exception from inside a native function. Termination and
// teardown are re-raised as interrupts so that script cannot catch them.
func (ctx *Context) throw(err error) {
	var interrupted interruption
	if errors.As(err, &interrupted) && interrupted.interruption() != nil {
		panic(interrupted.interruption())
	}
	panic(ctx.throwable(err))
}

// throwable converts a Go error into the value script code will catch.
func (ctx *Context) throwable(err error) goja.Value {
	var se *ScriptError
	if errors.As(err, &se) {
		if se.Value.ctx == ctx && se.Value.ref != nil {
			return se.Value.ref
		}
		return ctx.newError(se.Name, se.Message, se.Cause)
	}

	var engineErr EngineError
	if errors.As(err, &engineErr) {
		return ctx.newError(engineErr.ErrorName(), engineErr.Error(), err)
	}

	var nf *NameNotFoundError
	if errors.As(err, &nf) {
		return ctx.newError("ReferenceError", nf.Error(), err)
	}

	var co *CrossOriginError
	if errors.As(err, &co) {
		return ctx.newError("SecurityError", co.Error(), err)
	}

	var ce *ConversionError
	if errors.As(err, &ce) {
		return ctx.newError("TypeError", err.Error(), err)
	}

	switch {
	case errors.Is(err, ErrIllegalInvocation):
		return ctx.newError("TypeError", "Illegal invocation", err)
	case errors.Is(err, ErrReadOnly):
		return ctx.newError("TypeError", err.Error(), err)
	case errors.Is(err, ErrUseAfterTeardown):
		return ctx.newError("Error", err.Error(), err)
	}

	return ctx.vm.NewGoError(err)
}

// newError creates an Error instance carrying a synthesized stack. A non-native name keeps
// the Error prototype and overrides the name property.
func (ctx *Context) newError(name, message string, cause error) *goja.Object {
	ctorName := name
	if !nativeErrorNames[name] {
		ctorName = "Error"
	}

	obj, err := ctx.vm.New(ctx.vm.Get(ctorName), ctx.vm.ToValue(message))
	if err != nil {
		obj = ctx.vm.NewObject()
		_ = obj.Set("message", message)
	}
	if ctorName != name {
		_ = obj.DefineDataProperty("name", ctx.vm.ToValue(name), goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_FALSE)
	}
	_ = obj.DefineDataProperty("stack", ctx.vm.ToValue(ctx.synthesizeStack(name, message)), goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_FALSE)
	if cause != nil {
		_ = obj.DefineDataPropertySymbol(ctx.causeKey, ctx.vm.ToValue(cause), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
	}
	return obj
}

// synthesizeStack renders "Name: message" followed by the current script frames.
func (ctx *Context) synthesizeStack(name, message string) string {
	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteString(": ")
	sb.WriteString(message)

	frames := ctx.vm.CaptureCallStack(0, nil)
	written := 0
	for i := range frames {
		pos := frames[i].Position()
		fn := frames[i].FuncName()
		if pos.Filename == "" && pos.Line == 0 && fn != "" {
			continue // native frame
		}
		if fn == "" {
			fn = "<anonymous>"
		}
		sb.WriteString("\n    at ")
		sb.WriteString(fn)
		if pos.Filename != "" {
			fmt.Fprintf(&sb, " (%s:%d:%d)", pos.Filename, pos.Line, pos.Column)
		}
		written++
	}
	if written == 0 {
		sb.WriteString("\n    at <anonymous>")
	}
	return sb.String()
}
