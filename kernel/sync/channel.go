package sync

import (
	"github.com/gammazero/deque"

	"ember/kernel/sched"
	"ember/kernel/softlock"
	"ember/kernel/task"
	"ember/kernel/unrecoverable"
	"ember/kernel/waitq"
)

// Channel is a fixed-capacity FIFO connecting producers and consumers.
//
// Capacity is set at construction and the buffer never holds more than
// that many elements. Blocked producers park with their value attached;
// a consume that frees a slot moves the highest-priority blocked
// producer's value into the buffer and wakes it, so element order is the
// order in which producers were admitted.
type Channel[E any] struct {
	lock softlock.SoftLock[chanState[E], chanPend, *chanState[E]]
}

type chanState[E any] struct {
	buf      deque.Deque[E]
	capacity int

	// producers carry the value each blocked producer is waiting to
	// deliver; consumers carry nothing.
	producers waitq.Queue[E]
	consumers waitq.Queue[struct{}]
}

// chanPend is empty: a pend-only grant cannot place or remove an element,
// so contended try operations fail instead of pending.
type chanPend struct{}

func (st *chanState[E]) PendAccess() chanPend { return chanPend{} }

func (st *chanState[E]) RunPendedOp() {}

// wakeConsumer readies the highest-priority blocked consumer, if any.
func (st *chanState[E]) wakeConsumer() {
	if w, _, ok := st.consumers.Pop(); ok {
		sched.ReadyAllowISR(w)
	}
}

// NewChannel creates a channel with the given fixed capacity.
func NewChannel[E any](capacity int) *Channel[E] {
	if capacity <= 0 {
		unrecoverable.Die("sync: channel capacity must be positive, got %d", capacity)
	}
	c := &Channel[E]{}
	c.lock.MustWithFullAccess(func(st *chanState[E]) {
		st.capacity = capacity
	})
	return c
}

// Produce enqueues v at the tail, blocking while the buffer is full.
//
// Must not be called in ISR context.
func (c *Channel[E]) Produce(v E) {
	cur := sched.MustCurrent("sync.Channel.Produce")

	done := false
	c.lock.MustWithFullAccess(func(st *chanState[E]) {
		if st.buf.Len() < st.capacity {
			st.buf.PushBack(v)
			st.wakeConsumer()
			done = true
			return
		}
		cur.SetState(task.Blocked)
		st.producers.Push(cur, v)
	})
	if !done {
		// The value travels with the wait slot; by the time a consume
		// wakes this task the element is already in the buffer.
		sched.Park()
	}
}

// TryProduceAllowISR enqueues v without blocking. On failure (buffer
// full, or pend-only access under contention) it hands back the rejected
// value unchanged and reports false, leaving the buffer untouched.
// ISR-safe.
func (c *Channel[E]) TryProduceAllowISR(v E) (E, bool) {
	ok := false
	c.lock.WithAccess(func(st *chanState[E]) {
		if st.buf.Len() < st.capacity {
			st.buf.PushBack(v)
			st.wakeConsumer()
			ok = true
		}
	}, func(chanPend) {})
	if !ok {
		return v, false
	}
	var zero E
	return zero, true
}

// Consume dequeues the head element, blocking while the buffer is empty.
// Freeing a slot admits the highest-priority blocked producer.
//
// Must not be called in ISR context.
func (c *Channel[E]) Consume() E {
	cur := sched.MustCurrent("sync.Channel.Consume")

	var v E
	for {
		got := false
		c.lock.MustWithFullAccess(func(st *chanState[E]) {
			if st.buf.Len() > 0 {
				v = st.buf.PopFront()
				got = true
				if pt, pv, ok := st.producers.Pop(); ok {
					st.buf.PushBack(pv)
					sched.ReadyAllowISR(pt)
					// The admitted element can satisfy another parked
					// consumer; it must not sit in the buffer unannounced.
					st.wakeConsumer()
				}
				return
			}
			cur.SetState(task.Blocked)
			st.consumers.Push(cur, struct{}{})
		})
		if got {
			return v
		}
		// Another consumer may take the element between the wakeup and
		// re-entry; re-queue in that case.
		sched.Park()
	}
}
