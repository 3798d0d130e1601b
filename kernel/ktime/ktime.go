// Package ktime provides the kernel timebase: a monotonic tick counter
// (1 ms per tick by convention) and the time-ordered sleep queue that
// timed waits register in.
//
// The tick handler runs in ISR context. The sleep queue therefore lives
// behind a soft-lock: when the tick preempts an open full-access section,
// it only bumps a pending-tick counter, and the holder drains the due
// sleepers on its way out. Likewise a notify path that needs to pull a
// task out of the sleep queue mid-contention pends a removal request
// instead of waiting.
package ktime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"

	"ember/kernel/irq"
	"ember/kernel/sched"
	"ember/kernel/softlock"
	"ember/kernel/task"
	"ember/kernel/unrecoverable"
)

// TickHz is the documented tick rate: one tick per millisecond.
const TickHz = 1000

var ticks atomic.Uint64

// Ticks returns the current tick count.
func Ticks() uint64 {
	return ticks.Load()
}

type sleeper struct {
	t   *task.Task
	due uint64
}

type removeNode struct {
	t    *task.Task
	next *removeNode
}

type removeList struct {
	head atomic.Pointer[removeNode]
}

func (l *removeList) push(t *task.Task) {
	n := &removeNode{t: t}
	for {
		head := l.head.Load()
		n.next = head
		if l.head.CompareAndSwap(head, n) {
			return
		}
	}
}

type sleepState struct {
	q deque.Deque[sleeper]

	pendTicks   atomic.Uint32
	pendRemoves removeList
}

type sleepPend struct {
	ticks   *atomic.Uint32
	removes *removeList
}

func (p sleepPend) tick() { p.ticks.Add(1) }

func (p sleepPend) remove(t *task.Task) { p.removes.push(t) }

func (st *sleepState) PendAccess() sleepPend {
	return sleepPend{ticks: &st.pendTicks, removes: &st.pendRemoves}
}

func (st *sleepState) RunPendedOp() {
	for n := st.pendRemoves.head.Swap(nil); n != nil; n = n.next {
		st.removeAndWake(n.t)
	}
	if st.pendTicks.Swap(0) > 0 {
		st.wakeDue(Ticks())
	}
}

// index returns the queue position of t, or -1.
func (st *sleepState) index(t *task.Task) int {
	return st.q.Index(func(e sleeper) bool { return e.t == t })
}

// removeAndWake pulls t out of the queue and readies it. Idempotent: the
// timeout path and an early notify may both request removal of the same
// task, and only the side that finds it acts.
func (st *sleepState) removeAndWake(t *task.Task) {
	i := st.index(t)
	if i < 0 {
		return
	}
	st.q.Remove(i)
	sched.ReadyAllowISR(t)
}

// wakeDue readies every sleeper whose deadline has passed. Waking by
// timeout does not mark the task notified; the primitive it parked on
// reads its own wake-cause flag after resuming.
func (st *sleepState) wakeDue(now uint64) {
	for st.q.Len() > 0 && st.q.Front().due <= now {
		e := st.q.PopFront()
		sched.ReadyAllowISR(e.t)
	}
}

var sleep softlock.SoftLock[sleepState, sleepPend, *sleepState]

// HandleTick advances the timebase by one tick and wakes due sleepers.
// ISR-safe; wired to irq.LineTick by StartHostTicker.
func HandleTick() {
	ticks.Add(1)
	sleep.WithAccess(func(st *sleepState) {
		st.wakeDue(Ticks())
	}, func(p sleepPend) {
		p.tick()
	})
}

// AddSleeper registers the task to be woken at tick wakeAt. Task context
// only; the caller holds its primitive's full access, which is what keeps
// the task from being woken before it parks. A task may be in the sleep
// queue at most once.
func AddSleeper(t *task.Task, wakeAt uint64) {
	sleep.MustWithFullAccess(func(st *sleepState) {
		if st.index(t) >= 0 {
			unrecoverable.Die("ktime: task %q already in sleep queue", t.Name())
		}
		at := st.q.Len()
		for i := 0; i < st.q.Len(); i++ {
			if st.q.At(i).due > wakeAt {
				at = i
				break
			}
		}
		st.q.Insert(at, sleeper{t: t, due: wakeAt})
	})
}

// RemoveSleeperAllowISR pulls t out of the sleep queue early and readies
// it; a task no longer queued (timeout won the race) is a no-op. ISR-safe.
func RemoveSleeperAllowISR(t *task.Task) {
	sleep.WithAccess(func(st *sleepState) {
		st.removeAndWake(t)
	}, func(p sleepPend) {
		p.remove(t)
	})
}

var tickerOnce sync.Once

// StartHostTicker wires HandleTick to irq.LineTick and starts a 1 ms host
// ticker raising it, mirroring the hardware SysTick. Idempotent.
func StartHostTicker() {
	tickerOnce.Do(func() {
		irq.Register(irq.LineTick, HandleTick)
		go func() {
			t := time.NewTicker(time.Second / TickHz)
			defer t.Stop()
			for range t.C {
				irq.Trigger(irq.LineTick)
			}
		}()
	})
}
