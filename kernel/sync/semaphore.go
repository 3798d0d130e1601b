package sync

import (
	"sync/atomic"

	"ember/kernel/sched"
	"ember/kernel/softlock"
	"ember/kernel/task"
	"ember/kernel/unrecoverable"
	"ember/kernel/waitq"
)

// Semaphore is a bounded counting resource. The count stays in
// [0, max]; Up past the maximum is absorbed rather than accumulated.
// Waiters queue in the same priority order as the Mutex.
type Semaphore struct {
	lock softlock.SoftLock[semState, semPend, *semState]
}

type semState struct {
	// count and max are canonical state, touched under full access only.
	count uint32
	max   uint32
	// pendingUps receives Up contributions posted under contention.
	pendingUps atomic.Uint32
	waiters    waitq.Queue[struct{}]
}

type semPend struct {
	pendingUps *atomic.Uint32
}

func (p semPend) up() { saturatingInc(p.pendingUps) }

func (st *semState) PendAccess() semPend {
	return semPend{pendingUps: &st.pendingUps}
}

func (st *semState) RunPendedOp() {
	for n := st.pendingUps.Swap(0); n > 0; n-- {
		st.upOne()
	}
}

// upOne releases one unit: a waiting task gets it by direct hand-off
// (count unchanged), otherwise the count grows up to the cap.
func (st *semState) upOne() {
	if w, _, ok := st.waiters.Pop(); ok {
		sched.ReadyAllowISR(w)
		return
	}
	if st.count < st.max {
		st.count++
	}
}

// NewSemaphore creates a semaphore with the given maximum and initial
// count. initial must not exceed max.
func NewSemaphore(max, initial uint32) *Semaphore {
	if initial > max {
		unrecoverable.Die("sync: semaphore initial count %d exceeds max %d", initial, max)
	}
	s := &Semaphore{}
	s.lock.MustWithFullAccess(func(st *semState) {
		st.count = initial
		st.max = max
	})
	return s
}

// Down acquires one unit, blocking while the count is zero.
//
// Must not be called in ISR context.
func (s *Semaphore) Down() {
	cur := sched.MustCurrent("sync.Semaphore.Down")

	acquired := false
	s.lock.MustWithFullAccess(func(st *semState) {
		if st.count > 0 {
			st.count--
			acquired = true
			return
		}
		cur.SetState(task.Blocked)
		st.waiters.Push(cur, struct{}{})
	})
	if !acquired {
		// Woken by an Up that handed its unit over directly.
		sched.Park()
	}
}

// TryDownAllowISR acquires one unit without blocking. It succeeds and
// decrements only when full access is granted and the count is positive;
// in every other case it fails with no side effect. ISR-safe.
func (s *Semaphore) TryDownAllowISR() bool {
	ok := false
	s.lock.WithAccess(func(st *semState) {
		if st.count > 0 {
			st.count--
			ok = true
		}
	}, func(semPend) {
		// A pend-only grant cannot read the canonical count; the try
		// fails and the caller may retry.
	})
	return ok
}

// UpAllowISR releases one unit, waking the highest-priority waiter if
// any. Callable from task or ISR context; under contention the release is
// pended and merged by the next full-access entrant, never lost.
func (s *Semaphore) UpAllowISR() {
	s.lock.WithAccess(func(st *semState) {
		st.upOne()
	}, func(p semPend) {
		p.up()
	})
}
