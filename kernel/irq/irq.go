// Package irq is the simulated interrupt controller.
//
// Handlers run synchronously on the goroutine that raises the line, which
// reproduces the defining property of the real machine: an interrupt can
// preempt task code at any instant, including mid critical-section. The
// kernel never masks lines; handlers are restricted by construction to the
// non-blocking *AllowISR entry points of the synchronization layer.
package irq

import (
	"sync/atomic"

	"ember/kernel/unrecoverable"
)

// NumLines is the number of interrupt lines the controller dispatches.
const NumLines = 16

// LineTick is the line conventionally wired to the 1 ms timebase.
const LineTick = 0

var (
	handlers [NumLines]atomic.Value // func()
	active   atomic.Int32
)

// Register installs the handler for a line, replacing any previous one.
func Register(line int, fn func()) {
	if line < 0 || line >= NumLines {
		unrecoverable.Die("irq: register on invalid line %d", line)
	}
	handlers[line].Store(fn)
}

// Trigger raises a line, running its handler in ISR context. A line with
// no handler is spurious and ignored.
func Trigger(line int) {
	if line < 0 || line >= NumLines {
		unrecoverable.Die("irq: trigger on invalid line %d", line)
	}
	v := handlers[line].Load()
	if v == nil {
		return
	}
	if fn, ok := v.(func()); ok && fn != nil {
		Dispatch(fn)
	}
}

// Dispatch runs fn in ISR context.
//
// A kernel fault raised inside the handler has already been recorded in
// panic mode, so it is absorbed here rather than torn through the raising
// goroutine; anything else propagates unchanged.
func Dispatch(fn func()) {
	active.Add(1)
	defer func() {
		active.Add(-1)
		if r := recover(); r != nil {
			if _, ok := unrecoverable.AsFault(r); ok {
				return
			}
			panic(r)
		}
	}()
	fn()
}

// Active reports whether at least one handler is currently executing.
func Active() bool {
	return active.Load() > 0
}
