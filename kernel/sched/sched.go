// Package sched is the kernel scheduler: strict priority, single core,
// with interrupts never masked.
//
// Exactly one task is Running at a time. A task keeps the core until it
// reaches a suspension point (yield, park, exit); the scheduler then
// dispatches the highest-priority Ready task. Wakeups may arrive from ISR
// context at any instant, including while the scheduler itself is inside
// the ready queue's critical section, so the ready queue lives behind a
// soft-lock whose pend path is a lock-free push.
//
// On the host, the synchronous yield trap is a channel handoff: the task
// goroutine hands the core to the scheduler goroutine and does not return
// from the trap until it is rechosen to run.
package sched

import (
	"sync"
	"sync/atomic"

	"ember/kernel/irq"
	"ember/kernel/softlock"
	"ember/kernel/task"
	"ember/kernel/unrecoverable"
	"ember/kernel/waitq"
)

// DefaultPriority is the priority Spawn assigns when the caller passes a
// negative value.
const DefaultPriority = 8

type pendNode struct {
	t    *task.Task
	next *pendNode
}

// pendList collects ISR-side ready requests while the ready queue's full
// section is open.
type pendList struct {
	head atomic.Pointer[pendNode]
}

func (l *pendList) push(t *task.Task) {
	n := &pendNode{t: t}
	for {
		head := l.head.Load()
		n.next = head
		if l.head.CompareAndSwap(head, n) {
			return
		}
	}
}

func (l *pendList) take() *pendNode {
	return l.head.Swap(nil)
}

type readyState struct {
	q    waitq.Queue[struct{}]
	pend pendList
}

type readyPend struct {
	pend *pendList
}

func (p readyPend) push(t *task.Task) { p.pend.push(t) }

func (st *readyState) PendAccess() readyPend {
	return readyPend{pend: &st.pend}
}

func (st *readyState) RunPendedOp() {
	// The pend list is LIFO; re-reverse so equal-priority tasks keep
	// arrival order.
	var nodes []*pendNode
	for n := st.pend.take(); n != nil; n = n.next {
		nodes = append(nodes, n)
	}
	for i := len(nodes) - 1; i >= 0; i-- {
		st.q.Push(nodes[i].t, struct{}{})
	}
}

type scheduler struct {
	ready   softlock.SoftLock[readyState, readyPend, *readyState]
	current atomic.Pointer[task.Task]

	// trap is the synchronous yield trap: the running task sends exactly
	// one token per dispatch when it gives the core back.
	trap chan struct{}
	// kick wakes an idle scheduler after an ISR readies a task.
	kick chan struct{}
}

var (
	s = &scheduler{
		trap: make(chan struct{}),
		kick: make(chan struct{}, 1),
	}
	loopOnce sync.Once
)

func ensureLoop() {
	loopOnce.Do(func() {
		go loop()
	})
}

func loop() {
	for {
		t := takeReady()
		if t == nil {
			<-s.kick
			continue
		}
		t.SetState(task.Running)
		s.current.Store(t)
		t.SignalResume()
		<-s.trap
		s.current.Store(nil)
	}
}

func takeReady() *task.Task {
	var t *task.Task
	s.ready.MustWithFullAccess(func(st *readyState) {
		t, _, _ = st.q.Pop()
	})
	return t
}

// Spawn creates a task and makes it Ready. A negative priority selects
// DefaultPriority. Restartable tasks redeploy from their entry point after
// an unwind.
func Spawn(name string, entry func(), priority int, restartable bool) *task.Task {
	if entry == nil {
		unrecoverable.Die("sched: spawn %q with nil entry", name)
	}
	if priority < 0 {
		priority = DefaultPriority
	}
	ensureLoop()
	t := task.New(name, entry, priority, restartable)
	go taskMain(t)
	ReadyAllowISR(t)
	return t
}

func taskMain(t *task.Task) {
	t.AwaitResume()
	for {
		panicked, fault := runEntry(t)
		if panicked && !fault && t.Restartable() && !unrecoverable.InPanicMode() {
			// Redeploy from the entry point with fresh per-invocation
			// state: back to Ready, wait to be rechosen.
			t.SetState(task.Ready)
			readyFromTask(t)
			s.trap <- struct{}{}
			t.AwaitResume()
			continue
		}
		break
	}
	t.MarkExited()
	s.trap <- struct{}{}
}

// runEntry runs the task's entry point once, standing in for the stack
// unwinder: on panic every still-held guard is released (poisoning where
// the guard calls for it) before the task terminates or redeploys.
func runEntry(t *task.Task) (panicked, fault bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			t.ReleaseGuardsUnwound()
			if _, ok := unrecoverable.AsFault(r); ok {
				fault = true
			}
		}
	}()
	t.Entry()()
	return
}

// Current returns the Running task, or nil from ISR or host context.
func Current() *task.Task {
	return s.current.Load()
}

// MustCurrent returns the Running task or dies: op is task-only and was
// invoked from ISR or host context. The ISR accounting only sharpens the
// diagnostic; the fatal condition is the absence of a running task.
func MustCurrent(op string) *task.Task {
	t := s.current.Load()
	if t == nil {
		if irq.Active() {
			unrecoverable.Die("%s: task-only operation in interrupt context", op)
		}
		unrecoverable.Die("%s: task-only operation outside task context", op)
	}
	return t
}

// Yield is the synchronous reschedule trap. The calling task goes back to
// Ready and the call does not return until the scheduler rechooses it.
func Yield() {
	t := MustCurrent("sched.Yield")
	t.SetState(task.Ready)
	readyFromTask(t)
	s.trap <- struct{}{}
	t.AwaitResume()
}

// Park suspends the calling task, which must already have been moved to
// Blocked and registered on a wait slot under the owning primitive's full
// access. It returns when a notify or timeout path readies the task.
func Park() {
	t := MustCurrent("sched.Park")
	s.trap <- struct{}{}
	t.AwaitResume()
}

// ChangeCurrentPriority updates the calling task's priority and triggers
// an immediate reschedule so the change takes effect now.
func ChangeCurrentPriority(priority int) {
	t := MustCurrent("sched.ChangeCurrentPriority")
	t.SetPriority(priority)
	Yield()
}

// ReadyAllowISR moves t to Ready and hands it to the scheduler. Callable
// from any context; under contention the request is pended and merged at
// the next full-access entry, so a wakeup is never lost.
func ReadyAllowISR(t *task.Task) {
	t.SetState(task.Ready)
	s.ready.WithAccess(func(st *readyState) {
		st.q.Push(t, struct{}{})
	}, func(p readyPend) {
		p.push(t)
	})
	kick()
}

// readyFromTask re-enqueues the calling task from task context.
func readyFromTask(t *task.Task) {
	s.ready.MustWithFullAccess(func(st *readyState) {
		st.q.Push(t, struct{}{})
	})
	kick()
}

func kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}
