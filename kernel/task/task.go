// Package task defines the task control block and its state machine.
//
// A *Task is shared: a primitive's wait slot, the sleep queue, and the
// scheduler may all hold the same pointer concurrently. Removal from any
// of those places is serialized through the owning primitive's full-access
// section, so only one side acts on a task per wake episode.
package task

import "sync/atomic"

// State is a task's scheduling state.
type State int32

const (
	// Ready means the task is runnable and queued for the scheduler.
	Ready State = iota
	// Running means the scheduler has dispatched the task; at most one
	// task is Running at a time.
	Running
	// Blocked means the task is parked on a wait slot, possibly also in
	// the sleep queue.
	Blocked
	// Exited means the task terminated and will not run again.
	Exited
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// Guard is a held resource that must be released if the owning task
// unwinds. Implementations release on the abnormal path (for a mutex this
// also sets the poison flag).
type Guard interface {
	ReleaseUnwound()
}

var nextID atomic.Uint32

// Task is a priority-scheduled unit of application execution.
//
// Lower numeric priority values run first.
type Task struct {
	id          uint32
	name        string
	entry       func()
	restartable bool

	priority atomic.Int32
	state    atomic.Int32

	// resume carries the scheduler's dispatch token; capacity one so a
	// wakeup issued just before the task parks is not lost.
	resume chan struct{}
	done   chan struct{}

	// guards is the LIFO of held scoped resources. It is only touched
	// from the task's own goroutine.
	guards []Guard
}

// New creates a task control block. The task does not run until the
// scheduler readies and dispatches it.
func New(name string, entry func(), priority int, restartable bool) *Task {
	t := &Task{
		id:          nextID.Add(1),
		name:        name,
		entry:       entry,
		restartable: restartable,
		resume:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	t.priority.Store(int32(priority))
	t.state.Store(int32(Blocked))
	return t
}

// ID returns the task's process-unique identifier.
func (t *Task) ID() uint32 { return t.id }

// Name returns the task's diagnostic name.
func (t *Task) Name() string { return t.name }

// Entry returns the task's entry point.
func (t *Task) Entry() func() { return t.entry }

// Restartable reports whether the task redeploys from its entry point
// after an unwind.
func (t *Task) Restartable() bool { return t.restartable }

// Priority returns the task's current priority.
func (t *Task) Priority() int { return int(t.priority.Load()) }

// SetPriority updates the task's priority. Wait queues snapshot priority
// at enqueue time; a change takes effect at the next blocking point.
func (t *Task) SetPriority(p int) { t.priority.Store(int32(p)) }

// State returns the task's scheduling state.
func (t *Task) State() State { return State(t.state.Load()) }

// SetState moves the task to state s. Callers serialize transitions
// through the scheduler or a primitive's full-access section.
func (t *Task) SetState(s State) { t.state.Store(int32(s)) }

// SignalResume hands the task its dispatch token. Scheduler use only.
func (t *Task) SignalResume() {
	select {
	case t.resume <- struct{}{}:
	default:
	}
}

// AwaitResume blocks the task goroutine until the scheduler dispatches it.
func (t *Task) AwaitResume() { <-t.resume }

// MarkExited records final termination and releases Join callers.
func (t *Task) MarkExited() {
	t.SetState(Exited)
	close(t.done)
}

// Join blocks until the task has exited. Host-side surface: tests and the
// simulator use it, kernel code does not.
func (t *Task) Join() { <-t.done }

// PushGuard records a held scoped resource.
func (t *Task) PushGuard(g Guard) {
	t.guards = append(t.guards, g)
}

// PopGuard removes a released resource from the held list.
func (t *Task) PopGuard(g Guard) {
	for i := len(t.guards) - 1; i >= 0; i-- {
		if t.guards[i] == g {
			t.guards = append(t.guards[:i], t.guards[i+1:]...)
			return
		}
	}
}

// ReleaseGuardsUnwound releases every still-held resource in LIFO order.
// The task runtime calls it while recovering the task's panic, standing in
// for the unwinder's drop pass.
func (t *Task) ReleaseGuardsUnwound() {
	for i := len(t.guards) - 1; i >= 0; i-- {
		t.guards[i].ReleaseUnwound()
	}
	t.guards = t.guards[:0]
}
