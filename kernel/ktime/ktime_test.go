package ktime

import (
	"runtime"
	"testing"

	"ember/kernel/irq"
	"ember/kernel/sched"
	"ember/kernel/task"
)

func TestHandleTickAdvancesTimebase(t *testing.T) {
	before := Ticks()
	for i := 0; i < 5; i++ {
		HandleTick()
	}
	if got := Ticks() - before; got != 5 {
		t.Fatalf("Ticks advanced by %d, want 5", got)
	}
}

// pumpUntilExited drives the tick line until the task exits, returning
// the number of ticks delivered.
func pumpUntilExited(tk *task.Task) int {
	n := 0
	for tk.State() != task.Exited {
		irq.Dispatch(HandleTick)
		n++
		runtime.Gosched()
	}
	return n
}

func TestSleeperWakesAtDeadline(t *testing.T) {
	const delay = 30

	tk := sched.Spawn("sleeper", func() {
		cur := sched.MustCurrent("test")
		cur.SetState(task.Blocked)
		AddSleeper(cur, Ticks()+delay)
		sched.Park()
	}, sched.DefaultPriority, false)

	pumped := pumpUntilExited(tk)
	if pumped < delay {
		t.Fatalf("sleeper woke after %d ticks, want at least %d", pumped, delay)
	}
}

// spawnSleeper parks a task on a far-future deadline and closes the
// returned channel once it is registered in the sleep queue, so removal
// cannot race the registration. A wakeup landing between registration and
// the park is absorbed by the buffered resume token.
func spawnSleeper(name string) (*task.Task, <-chan struct{}) {
	registered := make(chan struct{})
	tk := sched.Spawn(name, func() {
		cur := sched.MustCurrent("test")
		cur.SetState(task.Blocked)
		AddSleeper(cur, Ticks()+1_000_000)
		close(registered)
		sched.Park()
	}, sched.DefaultPriority, false)
	return tk, registered
}

func TestRemoveSleeperWakesEarly(t *testing.T) {
	tk, registered := spawnSleeper("sleeper")
	<-registered
	irq.Dispatch(func() { RemoveSleeperAllowISR(tk) })
	tk.Join()
}

func TestRemoveSleeperIsIdempotent(t *testing.T) {
	tk, registered := spawnSleeper("sleeper")
	<-registered
	irq.Dispatch(func() { RemoveSleeperAllowISR(tk) })
	// The second removal must find nothing and do nothing.
	irq.Dispatch(func() { RemoveSleeperAllowISR(tk) })
	tk.Join()

	// A task that was never queued is likewise a no-op.
	stranger := task.New("stranger", func() {}, sched.DefaultPriority, false)
	RemoveSleeperAllowISR(stranger)
}
