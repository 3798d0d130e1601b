// Package unrecoverable handles kernel-fatal conditions: API misuse and
// invariant violations that must never be silently tolerated.
//
// The first fault latches the kernel into panic mode and invokes the
// process-wide fault handler once. Faults propagate as a *Fault panic so
// that the task runtime and the interrupt dispatcher can tell them apart
// from ordinary task panics, which are recoverable.
package unrecoverable

import (
	"fmt"
	"sync/atomic"
)

// Fault is the panic value raised by Die. It is never recovered into
// normal control flow; catching code may only record it and halt the
// offending context.
type Fault struct {
	Reason string
}

func (f *Fault) Error() string { return "unrecoverable: " + f.Reason }

// FaultInfo contains details about the first fault.
type FaultInfo struct {
	Reason string
	Stack  []byte
}

var (
	panicActive atomic.Bool
	faultDone   atomic.Bool

	faultHandler atomic.Value // func(FaultInfo)
)

// InPanicMode reports whether the kernel is in panic mode.
func InPanicMode() bool {
	return panicActive.Load()
}

// ClearPanicMode re-arms fault latching. On hardware the equivalent is a
// reset; the host simulation exposes it so a supervisor (or a test) can
// observe a fault and start over.
func ClearPanicMode() {
	panicActive.Store(false)
	faultDone.Store(false)
}

// SetFaultHandler installs a process-wide fault handler.
//
// The handler is invoked at most once per panic-mode episode (on the first
// fault). It must not panic and must not block.
func SetFaultHandler(fn func(FaultInfo)) {
	faultHandler.Store(fn)
}

// Die reports an unrecoverable kernel condition and never returns.
func Die(format string, args ...any) {
	reason := fmt.Sprintf(format, args...)
	panicActive.Store(true)
	if faultDone.CompareAndSwap(false, true) {
		info := FaultInfo{Reason: reason, Stack: captureStack()}
		if v := faultHandler.Load(); v != nil {
			if fn, ok := v.(func(FaultInfo)); ok && fn != nil {
				fn(info)
			}
		}
	}
	panic(&Fault{Reason: reason})
}

// AsFault reports whether a recovered panic value is a kernel fault.
func AsFault(r any) (*Fault, bool) {
	f, ok := r.(*Fault)
	return f, ok
}
