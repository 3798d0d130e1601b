package sync

import (
	"runtime"

	"ember/kernel/irq"
	"ember/kernel/ktime"
	"ember/kernel/task"
)

// waitBlocked spins until the task has parked on a primitive.
func waitBlocked(tk *task.Task) {
	for tk.State() != task.Blocked {
		runtime.Gosched()
	}
}

// pumpTicksUntilExited drives the tick line until the task exits,
// returning the number of ticks delivered.
func pumpTicksUntilExited(tk *task.Task) int {
	n := 0
	for tk.State() != task.Exited {
		irq.Dispatch(ktime.HandleTick)
		n++
		runtime.Gosched()
	}
	return n
}
