package softlock

import (
	"sync/atomic"

	"ember/kernel/unrecoverable"
)

// Spin is a sanity-check cell for a field that full-access serialization
// already makes exclusive. Observing contention on it means the access
// discipline was violated, which is fatal rather than waited out.
type Spin[T any] struct {
	locked atomic.Bool
	val    T
}

// TryLock attempts to take the cell, returning the value pointer on
// success. The caller must Unlock.
func (s *Spin[T]) TryLock() (*T, bool) {
	if !s.locked.CompareAndSwap(false, true) {
		return nil, false
	}
	return &s.val, true
}

// LockNowOrDie takes the cell or dies. Used where the caller holds full
// access and the cell therefore must be free.
func (s *Spin[T]) LockNowOrDie() *T {
	p, ok := s.TryLock()
	if !ok {
		unrecoverable.Die("softlock: spin cell contended; access discipline violated")
	}
	return p
}

// Unlock releases the cell.
func (s *Spin[T]) Unlock() {
	if !s.locked.CompareAndSwap(true, false) {
		unrecoverable.Die("softlock: unlock of a free spin cell")
	}
}
