package sync

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"ember/kernel/irq"
	"ember/kernel/sched"
	"ember/kernel/task"
	"ember/kernel/unrecoverable"
)

func TestNotifyThenWaitDoesNotBlock(t *testing.T) {
	var m Mailbox
	done := false

	tk := sched.Spawn("waiter", func() {
		m.NotifyAllowISR()
		m.Wait()
		done = true
	}, sched.DefaultPriority, false)
	tk.Join()

	require.True(t, done, "Wait blocked despite a posted notification")
}

func TestNotificationsAccumulate(t *testing.T) {
	var m Mailbox
	consumed := 0

	for i := 0; i < 3; i++ {
		irq.Dispatch(m.NotifyAllowISR)
	}
	tk := sched.Spawn("drainer", func() {
		for i := 0; i < 3; i++ {
			m.Wait()
			consumed++
		}
	}, sched.DefaultPriority, false)
	tk.Join()

	require.Equal(t, 3, consumed)
}

func TestWaitUntilTimeoutExpires(t *testing.T) {
	const timeout = 50
	var m Mailbox
	notified := true

	tk := sched.Spawn("waiter", func() {
		notified = m.WaitUntilTimeout(timeout)
	}, sched.DefaultPriority, false)
	pumped := pumpTicksUntilExited(tk)

	require.False(t, notified, "timed-out wait reported a notification")
	require.GreaterOrEqual(t, pumped, timeout, "waiter woke before the deadline")
}

func TestNotifyBeforeTimeout(t *testing.T) {
	var m Mailbox
	notified := false

	tk := sched.Spawn("waiter", func() {
		notified = m.WaitUntilTimeout(1_000_000)
	}, sched.DefaultPriority, false)
	waitBlocked(tk)
	irq.Dispatch(m.NotifyAllowISR)
	tk.Join()

	require.True(t, notified, "notified wait reported a timeout")
}

func TestSecondWaiterIsFatal(t *testing.T) {
	defer unrecoverable.ClearPanicMode()

	var m Mailbox
	var waiter, offender *task.Task

	// The parent outranks both children until it drops priority, so the
	// first waiter is guaranteed to park before the second one tries.
	parent := sched.Spawn("parent", func() {
		waiter = sched.Spawn("first", func() { m.Wait() }, 6, false)
		offender = sched.Spawn("second", func() {
			m.WaitUntilTimeout(1_000_000)
		}, 7, false)
		sched.ChangeCurrentPriority(10)
	}, 5, false)
	parent.Join()
	offender.Join()

	require.True(t, unrecoverable.InPanicMode(), "second waiter did not trip the kernel fault")
	unrecoverable.ClearPanicMode()

	m.NotifyAllowISR()
	waiter.Join()
}

func TestNotifyStormLosesNothing(t *testing.T) {
	const (
		notifiers         = 8
		perNotifier       = 2000
		total       int32 = notifiers * perNotifier
	)
	oldProcs := runtime.GOMAXPROCS(4)
	defer runtime.GOMAXPROCS(oldProcs)

	var m Mailbox
	var consumed atomic.Int32

	tk := sched.Spawn("drainer", func() {
		for consumed.Load() < total {
			m.Wait()
			consumed.Add(1)
		}
	}, sched.DefaultPriority, false)

	var g errgroup.Group
	for i := 0; i < notifiers; i++ {
		g.Go(func() error {
			for j := 0; j < perNotifier; j++ {
				irq.Dispatch(m.NotifyAllowISR)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	tk.Join()

	require.Equal(t, total, consumed.Load())
}
