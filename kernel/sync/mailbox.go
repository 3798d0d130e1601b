package sync

import (
	"sync/atomic"

	"ember/kernel/ktime"
	"ember/kernel/sched"
	"ember/kernel/softlock"
	"ember/kernel/task"
	"ember/kernel/unrecoverable"
)

// foreverTicks is the timeout Wait loops on: far beyond any plausible
// uptime, so externally the wait blocks until notified.
const foreverTicks = 100_000_000

// Mailbox is a single-waiter counting notifier.
//
// At most one task may wait on it at a time, and a second waiter is a
// fatal programming error; arbitrarily many tasks and ISRs may notify.
// Notifications posted with no waiter present accumulate in a counter, so
// a wait that finds a positive count returns immediately; the counter
// saturates at its maximum rather than wrapping. The zero value is an
// empty mailbox ready for use.
type Mailbox struct {
	lock softlock.SoftLock[mailboxState, mailboxPend, *mailboxState]
}

type mailboxState struct {
	// count is the number of notifications posted but not yet consumed.
	count atomic.Uint32
	// pendingCount receives notifications posted under contention; they
	// merge into count at the next full-access entry.
	pendingCount atomic.Uint32
	// waitTask is the sole waiter. The spin cell is a sanity check only;
	// full-access serialization already makes the slot exclusive.
	waitTask softlock.Spin[*task.Task]
	// taskNotified distinguishes waking by notification from waking by
	// timeout.
	taskNotified atomic.Bool
}

type mailboxPend struct {
	pendingCount *atomic.Uint32
}

func (p mailboxPend) notify() { saturatingInc(p.pendingCount) }

func (st *mailboxState) PendAccess() mailboxPend {
	return mailboxPend{pendingCount: &st.pendingCount}
}

func (st *mailboxState) RunPendedOp() {
	// Collect with a swap: another ISR may bump pendingCount while this
	// runs, and a load/store pair would drop its contribution.
	pended := st.pendingCount.Swap(0)
	if pended == 0 {
		return
	}
	saturatingAdd(&st.count, pended)

	// A pend-only grant was recorded, so count is now positive; if a task
	// is parked on the mailbox, wake it on the notifier's behalf.
	if w := st.takeWaiter(); w != nil {
		ktime.RemoveSleeperAllowISR(w)
		st.count.Add(^uint32(0))
		st.taskNotified.Store(true)
	}
}

// takeWaiter clears and returns the wait slot.
func (st *mailboxState) takeWaiter() *task.Task {
	slot := st.waitTask.LockNowOrDie()
	defer st.waitTask.Unlock()
	w := *slot
	*slot = nil
	return w
}

// Wait blocks the calling task until notified, consuming one notification.
// If the counter is positive it consumes one and returns immediately.
//
// Must not be called in ISR context.
func (m *Mailbox) Wait() {
	for !m.WaitUntilTimeout(foreverTicks) {
	}
}

// WaitUntilTimeout behaves like Wait but gives up after timeoutMS
// milliseconds. It reports whether the task was woken by a notification
// (true) rather than by the timeout (false); consuming an already-posted
// notification counts as notified.
//
// Must not be called in ISR context. A second waiter dies fatally.
func (m *Mailbox) WaitUntilTimeout(timeoutMS uint32) bool {
	cur := sched.MustCurrent("sync.Mailbox.WaitUntilTimeout")

	shouldBlock := true
	m.lock.MustWithFullAccess(func(st *mailboxState) {
		slot := st.waitTask.LockNowOrDie()
		defer st.waitTask.Unlock()

		if *slot != nil {
			unrecoverable.Die("sync: mailbox already has a waiting task %q", (*slot).Name())
		}

		if st.count.Load() > 0 {
			st.count.Add(^uint32(0))
			shouldBlock = false
			return
		}

		st.taskNotified.Store(false)
		cur.SetState(task.Blocked)
		*slot = cur
		ktime.AddSleeper(cur, ktime.Ticks()+uint64(timeoutMS))
	})

	if !shouldBlock {
		// A posted notification was consumed without blocking.
		return true
	}

	sched.Park()

	// Woken by either a notify or the timeout; full-access serialization
	// decided which. The slot is still occupied if the timeout won.
	notified := false
	m.lock.MustWithFullAccess(func(st *mailboxState) {
		st.takeWaiter()
		notified = st.taskNotified.Load()
	})
	return notified
}

// NotifyAllowISR wakes the waiting task if there is one, or otherwise
// records the notification in the counter. Callable from task or ISR
// context; under contention the notification is pended and merged by the
// next full-access entrant, never lost.
func (m *Mailbox) NotifyAllowISR() {
	m.lock.WithAccess(func(st *mailboxState) {
		if w := st.takeWaiter(); w != nil {
			// Direct hand-off: pull the waiter out of the sleep queue
			// before its timeout fires; no counter change.
			ktime.RemoveSleeperAllowISR(w)
			st.taskNotified.Store(true)
			return
		}
		saturatingInc(&st.count)
		st.taskNotified.Store(true)
	}, func(p mailboxPend) {
		p.notify()
	})
}
