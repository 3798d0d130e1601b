package sync

import (
	"sync/atomic"

	"ember/kernel/sched"
	"ember/kernel/softlock"
	"ember/kernel/task"
	"ember/kernel/waitq"
)

// Mutex is an exclusive lock with priority-ordered wakeup and sticky
// poisoning.
//
// Contending tasks queue in strict priority order (arrival order breaking
// ties) and release hands ownership directly to the highest-priority
// waiter, with no re-contention. A task that unwinds while holding the
// lock poisons it: the flag is observable through IsPoisoned forever but
// never prevents further locking, and the next waiter is still woken.
//
// The mutex is not reentrant: locking it again from the task that already
// holds it deadlocks. The zero value is an unlocked mutex.
type Mutex struct {
	lock softlock.SoftLock[mutexState, mutexPend, *mutexState]
}

type mutexState struct {
	held     bool
	poisoned bool
	waiters  waitq.Queue[struct{}]
}

// mutexPend is empty: the mutex has no ISR-callable operations, so a
// pend-only grant has nothing it may do.
type mutexPend struct{}

func (st *mutexState) PendAccess() mutexPend { return mutexPend{} }

func (st *mutexState) RunPendedOp() {}

// MutexGuard is the scope-bound witness of lock ownership. Release it
// exactly once via Unlock; the task runtime releases (and poisons) guards
// still held when their owner unwinds.
type MutexGuard struct {
	m        *Mutex
	owner    *task.Task
	released atomic.Bool
}

// Lock acquires the mutex, blocking while another task holds it.
//
// Must not be called in ISR context.
func (m *Mutex) Lock() *MutexGuard {
	cur := sched.MustCurrent("sync.Mutex.Lock")

	acquired := false
	m.lock.MustWithFullAccess(func(st *mutexState) {
		if !st.held {
			st.held = true
			acquired = true
			return
		}
		cur.SetState(task.Blocked)
		st.waiters.Push(cur, struct{}{})
	})
	if !acquired {
		// Ownership is transferred before the wakeup, so returning from
		// the park is already holding the lock.
		sched.Park()
	}

	g := &MutexGuard{m: m, owner: cur}
	cur.PushGuard(g)
	return g
}

// IsPoisoned reports whether a holder ever unwound while holding the
// lock. The flag is sticky: once set it never resets.
func (m *Mutex) IsPoisoned() bool {
	poisoned := false
	m.lock.MustWithFullAccess(func(st *mutexState) {
		poisoned = st.poisoned
	})
	return poisoned
}

// Unlock releases the lock, waking the highest-priority waiter if any.
// Releasing an already-released guard is a no-op.
func (g *MutexGuard) Unlock() {
	g.release(false)
}

// ReleaseUnwound releases the lock on the abnormal exit path: the poison
// flag is set permanently and the next waiter is still woken.
func (g *MutexGuard) ReleaseUnwound() {
	g.release(true)
}

func (g *MutexGuard) release(unwound bool) {
	if !g.released.CompareAndSwap(false, true) {
		return
	}
	if !unwound {
		// The unwind path drains the owner's guard list itself.
		g.owner.PopGuard(g)
	}
	g.m.lock.MustWithFullAccess(func(st *mutexState) {
		if unwound {
			st.poisoned = true
		}
		if next, _, ok := st.waiters.Pop(); ok {
			// Direct hand-off: held stays true for the new owner.
			sched.ReadyAllowISR(next)
			return
		}
		st.held = false
	})
}
