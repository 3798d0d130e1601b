// Package sync provides the blocking synchronization objects built on the
// soft-lock: a single-waiter notifier (Mailbox), a priority-ordered mutex
// with poisoning (Mutex), a bounded counting resource (Semaphore), and a
// fixed-capacity producer/consumer buffer (Channel).
//
// Every blocking operation suspends only the calling task. The *AllowISR
// operations are safe in interrupt context: when they preempt an open
// full-access section on the same primitive they fall back to pend-only
// access, which never blocks and never spins; pended contributions are
// merged into canonical state by the next full-access entrant.
package sync

import "sync/atomic"

// saturatingInc bumps c by one, clamping at the maximum instead of
// wrapping under sustained unconsumed contributions.
func saturatingInc(c *atomic.Uint32) {
	for {
		v := c.Load()
		if v == ^uint32(0) {
			return
		}
		if c.CompareAndSwap(v, v+1) {
			return
		}
	}
}

// saturatingAdd bumps c by n with the same clamp.
func saturatingAdd(c *atomic.Uint32, n uint32) {
	for {
		v := c.Load()
		next := v + n
		if next < v {
			next = ^uint32(0)
		}
		if c.CompareAndSwap(v, next) {
			return
		}
	}
}
