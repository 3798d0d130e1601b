package sync

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ember/kernel/sched"
	"ember/kernel/task"
)

func TestLockUnlockRoundTrip(t *testing.T) {
	var m Mutex
	held := false

	tk := sched.Spawn("locker", func() {
		g := m.Lock()
		held = true
		g.Unlock()
	}, sched.DefaultPriority, false)
	tk.Join()

	require.True(t, held)
	require.False(t, m.IsPoisoned())
}

func TestUnlockTwiceIsNoOp(t *testing.T) {
	var m Mutex
	relocked := false

	tk := sched.Spawn("locker", func() {
		g := m.Lock()
		g.Unlock()
		g.Unlock()
		// The extra release must not have corrupted the lock state.
		g2 := m.Lock()
		relocked = true
		g2.Unlock()
	}, sched.DefaultPriority, false)
	tk.Join()

	require.True(t, relocked)
}

func TestWaitersWakeInPriorityOrder(t *testing.T) {
	var m Mutex
	var order []string
	var children []*task.Task

	contend := func(name string) func() {
		return func() {
			g := m.Lock()
			order = append(order, name)
			g.Unlock()
		}
	}
	parent := sched.Spawn("parent", func() {
		g := m.Lock()
		children = append(children,
			sched.Spawn("low", contend("low"), 9, false),
			sched.Spawn("mid", contend("mid"), 6, false),
			sched.Spawn("high", contend("high"), 2, false),
		)
		// Dropping below every child lets all three park on the lock
		// before it is released.
		sched.ChangeCurrentPriority(10)
		g.Unlock()
	}, 5, false)
	parent.Join()
	for _, c := range children {
		c.Join()
	}

	require.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestUnwindPoisonsAndHandsOff(t *testing.T) {
	var m Mutex
	var waiter *task.Task
	acquired := false

	holder := sched.Spawn("holder", func() {
		m.Lock()
		waiter = sched.Spawn("waiter", func() {
			g := m.Lock()
			acquired = true
			g.Unlock()
		}, 6, false)
		// Let the waiter park, then unwind while holding the lock.
		sched.ChangeCurrentPriority(10)
		panic("holder fails")
	}, 5, false)
	holder.Join()
	waiter.Join()

	require.True(t, acquired, "waiter never received the lock from the unwound holder")
	require.True(t, m.IsPoisoned())
}

func TestPoisonIsStickyAndObservationalOnly(t *testing.T) {
	var m Mutex

	victim := sched.Spawn("victim", func() {
		m.Lock()
		panic("unwind while holding")
	}, sched.DefaultPriority, false)
	victim.Join()

	require.True(t, m.IsPoisoned())

	relocked := false
	tk := sched.Spawn("successor", func() {
		g := m.Lock()
		relocked = true
		g.Unlock()
	}, sched.DefaultPriority, false)
	tk.Join()

	require.True(t, relocked, "poisoning must not prevent further locking")
	require.True(t, m.IsPoisoned(), "poison flag must never reset")
}
