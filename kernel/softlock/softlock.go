// Package softlock implements the two-tier access primitive the
// synchronization layer is built on.
//
// A SoftLock owns exactly one instance of a primitive's internal state and
// grants each caller one of two access shapes. Full access is exclusive
// and may mutate everything. PendOnly access is what a preempting context
// gets when a full-access section is already open: a narrow view of the
// state, limited to atomically-safe deferred contributions, that completes
// in bounded time and never blocks or spins. The next full-access entrant
// merges pended contributions before running its own section, so full
// access always observes fully-merged state and no update is ever lost.
//
// Interrupts are never masked anywhere in this design; this protocol is
// what stands in for the traditional interrupt-disable critical section.
package softlock

import (
	"runtime"
	"sync/atomic"

	"ember/kernel/unrecoverable"
)

// Pendable binds a state type to its pend-only view. P must expose only
// operations that are safe under preemption: atomic counter bumps and
// lock-free pushes.
type Pendable[P any] interface {
	// PendAccess returns the restricted view handed to PendOnly grants.
	PendAccess() P
	// RunPendedOp merges deferred contributions into canonical state and
	// re-evaluates derived effects (e.g. waking a parked waiter). It runs
	// with full access held and must use atomic swaps to collect pended
	// values, since new contributions may land while it executes.
	RunPendedOp()
}

// acquireAttempts bounds a task-context acquire. On a single core a task
// can only ever contend with a bounded ISR section, so exhausting the
// bound means the caller is re-acquiring a lock it already holds.
const acquireAttempts = 1 << 22

// SoftLock guards one instance of T. The zero value is ready to use when
// T's zero value is.
type SoftLock[T any, P any, PT interface {
	Pendable[P]
	*T
}] struct {
	full   atomic.Bool
	pended atomic.Bool
	inner  T
}

// MustWithFullAccess runs fn with full access from task context.
//
// Contention can only come from a preempting ISR's bounded section, so the
// acquire busy-waits briefly; a stalled acquire is a programming error
// (reentrant acquisition) and dies fatally.
func (l *SoftLock[T, P, PT]) MustWithFullAccess(fn func(*T)) {
	for i := 0; !l.full.CompareAndSwap(false, true); i++ {
		if i >= acquireAttempts {
			unrecoverable.Die("softlock: full access acquire stalled; reentrant acquisition?")
		}
		runtime.Gosched()
	}
	defer l.releaseFull()
	l.drainPended()
	fn(&l.inner)
}

// WithAccess grants full access if the critical section is uncontended,
// and pend-only access otherwise. Usable from task or ISR context; the
// pend path is non-blocking and bounded.
func (l *SoftLock[T, P, PT]) WithAccess(full func(*T), pend func(P)) {
	if l.full.CompareAndSwap(false, true) {
		defer l.releaseFull()
		l.drainPended()
		full(&l.inner)
		return
	}
	pend(PT(&l.inner).PendAccess())
	l.pended.Store(true)
	// The holder may release between the failed acquire above and the
	// flag store, without observing the flag. Mirror the release-side
	// re-check: winning this re-entry merges the contribution now;
	// losing it means another entrant holds the lock and will.
	if l.full.CompareAndSwap(false, true) {
		defer l.releaseFull()
		l.drainPended()
	}
}

// drainPended merges contributions recorded by earlier PendOnly grants.
// Full access must be held.
func (l *SoftLock[T, P, PT]) drainPended() {
	if l.pended.Swap(false) {
		PT(&l.inner).RunPendedOp()
	}
}

// releaseFull closes the critical section. An ISR may pend a contribution
// between the last drain and the store below, so re-check and re-enter;
// losing the re-entry race is fine, the winner drains on entry.
func (l *SoftLock[T, P, PT]) releaseFull() {
	for {
		l.full.Store(false)
		if !l.pended.Load() {
			return
		}
		if !l.full.CompareAndSwap(false, true) {
			return
		}
		l.drainPended()
	}
}
