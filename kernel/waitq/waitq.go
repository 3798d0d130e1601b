// Package waitq provides the priority-ordered wait queue shared by the
// scheduler's ready queue and the blocking primitives.
//
// Queues are not self-synchronizing: every caller operates under the
// owning soft-lock's full access.
package waitq

import (
	"github.com/gammazero/deque"

	"ember/kernel/task"
)

type entry[V any] struct {
	t   *task.Task
	pri int
	seq uint64
	v   V
}

// Queue orders waiting tasks by priority (lower numeric value first) with
// arrival order breaking ties. Each entry may carry a payload, used by the
// channel to keep a blocked producer's value with its wait slot. The zero
// value is an empty queue.
type Queue[V any] struct {
	d   deque.Deque[entry[V]]
	seq uint64
}

// Push enqueues t with payload v. Priority is snapshotted at enqueue time.
func (q *Queue[V]) Push(t *task.Task, v V) {
	e := entry[V]{t: t, pri: t.Priority(), seq: q.seq, v: v}
	q.seq++

	// Insert after all entries of equal or higher urgency so ties keep
	// arrival order.
	at := q.d.Len()
	for i := 0; i < q.d.Len(); i++ {
		if q.d.At(i).pri > e.pri {
			at = i
			break
		}
	}
	q.d.Insert(at, e)
}

// Pop removes and returns the highest-priority waiter.
func (q *Queue[V]) Pop() (*task.Task, V, bool) {
	if q.d.Len() == 0 {
		var zero V
		return nil, zero, false
	}
	e := q.d.PopFront()
	return e.t, e.v, true
}

// Len returns the number of waiting tasks.
func (q *Queue[V]) Len() int {
	return q.d.Len()
}
