package jsbridge

import (
	"runtime"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// Engine is the narrow surface the bridge needs from a script engine isolate.
type Engine interface {
	// Compile parses source under the given origin name.
	Compile(source, origin string) (*Unit, error)
	// Run executes a compiled unit in the isolate's global scope.
	Run(unit *Unit) (goja.Value, error)
	// RequestGC asks the collector to run; it is only a hint.
	RequestGC()
	// InstallWatchdog arms a timer that terminates the running script after d. The returned
	// cancel function disarms it, clears any pending termination and reports whether it fired.
	InstallWatchdog(d time.Duration) (cancel func() bool)
	// VM exposes the isolate for object-level operations.
	VM() *goja.Runtime
}

// UndetectableMarker is implemented by engines that can give objects the "undetectable"
// behavior (typeof "undefined", loosely equal to null and undefined).
type UndetectableMarker interface {
	MarkUndetectable(obj *goja.Object) bool
}

// Unit is a compiled script.
type Unit struct {
	Origin  string
	Source  string
	program *goja.Program
}

// EngineName is reported by the toolkit object.
const EngineName = "goja"

type gojaEngine struct {
	vm *goja.Runtime
}

func newGojaEngine(maxCallStack int) *gojaEngine {
	vm := goja.New()
	if maxCallStack > 0 {
		vm.SetMaxCallStackSize(maxCallStack)
	}
	return &gojaEngine{vm: vm}
}

func (e *gojaEngine) VM() *goja.Runtime { return e.vm }

func (e *gojaEngine) Compile(source, origin string) (*Unit, error) {
	prg, err := goja.Compile(origin, source, false)
	if err != nil {
		return nil, err
	}
	return &Unit{Origin: origin, Source: source, program: prg}, nil
}

func (e *gojaEngine) Run(unit *Unit) (goja.Value, error) {
	return e.vm.RunProgram(unit.program)
}

func (e *gojaEngine) RequestGC() {
	runtime.GC()
}

// watchdogReason is the interrupt value attached to a watchdog termination.
type watchdogReason struct {
	timeout time.Duration
}

func (e *gojaEngine) InstallWatchdog(d time.Duration) func() bool {
	var (
		once  sync.Once
		fired bool
		done  = make(chan struct{})
	)

	timer := time.AfterFunc(d, func() {
		defer close(done)
		fired = true
		e.vm.Interrupt(watchdogReason{timeout: d})
	})

	return func() bool {
		once.Do(func() {
			if !timer.Stop() {
				// the callback is running or has run; wait so its interrupt cannot land later
				<-done
			}
			e.vm.ClearInterrupt()
		})
		return fired
	}
}
