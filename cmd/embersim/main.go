// Command embersim runs the kernel on the host with a simulated device:
// an interrupt line delivers samples into a bounded channel, worker tasks
// drain it, and a monitor task sleeps on a mailbox the device notifies.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"ember/internal/buildinfo"
	"ember/kernel/irq"
	"ember/kernel/ktime"
	"ember/kernel/sched"
	ksync "ember/kernel/sync"
)

// lineDevice is the interrupt line the simulated sampling device raises.
const lineDevice = 1

func main() {
	var (
		budget  = flag.Uint64("ticks", 3000, "Stop after N kernel ticks.")
		depth   = flag.Int("depth", 8, "Sample channel capacity.")
		workers = flag.Int("workers", 3, "Number of drain tasks.")
		devHz   = flag.Int("dev-hz", 500, "Device interrupt rate.")
		version = flag.Bool("version", false, "Print build identifier and exit.")
	)
	flag.Parse()

	if *version {
		fmt.Println(buildinfo.Short())
		return
	}
	if *depth <= 0 || *workers <= 0 || *devHz <= 0 {
		fmt.Fprintln(os.Stderr, "embersim: depth, workers and dev-hz must be positive")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	samples := ksync.NewChannel[int](*depth)
	permits := ksync.NewSemaphore(uint32(*workers), uint32((*workers+1)/2))
	var inbox ksync.Mailbox
	var tally ksync.Mutex

	var (
		seq       int
		produced  atomic.Uint64
		dropped   atomic.Uint64
		consumed  atomic.Uint64
		sampleSum atomic.Uint64
		wakeups   atomic.Uint64
		quiets    atomic.Uint64
	)

	// The device handler runs in ISR context: it may only try-produce and
	// notify. A full buffer drops the sample, as real hardware would.
	irq.Register(lineDevice, func() {
		seq++
		if _, ok := samples.TryProduceAllowISR(seq); ok {
			produced.Add(1)
			inbox.NotifyAllowISR()
			return
		}
		dropped.Add(1)
	})

	ktime.StartHostTicker()
	go func() {
		t := time.NewTicker(time.Second / time.Duration(*devHz))
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				irq.Trigger(lineDevice)
			}
		}
	}()

	for i := 0; i < *workers; i++ {
		sched.Spawn(fmt.Sprintf("drain-%d", i), func() {
			for {
				permits.Down()
				v := samples.Consume()
				g := tally.Lock()
				consumed.Add(1)
				sampleSum.Add(uint64(v))
				g.Unlock()
				permits.UpAllowISR()
			}
		}, sched.DefaultPriority, true)
	}

	// The monitor dozes on the mailbox and tallies how often the device
	// woke it versus how often the timeout did.
	sched.Spawn("monitor", func() {
		for {
			if inbox.WaitUntilTimeout(100) {
				wakeups.Add(1)
			} else {
				quiets.Add(1)
			}
		}
	}, 4, true)

	start := ktime.Ticks()
	for ktime.Ticks()-start < *budget {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "embersim: interrupted")
			os.Exit(130)
		case <-time.After(10 * time.Millisecond):
		}
	}
	stop()

	fmt.Printf("embersim %s: %d ticks\n", buildinfo.Short(), ktime.Ticks()-start)
	fmt.Printf("  device:  %d delivered, %d dropped\n", produced.Load(), dropped.Load())
	fmt.Printf("  workers: %d consumed, sample sum %d\n", consumed.Load(), sampleSum.Load())
	fmt.Printf("  monitor: %d wakeups, %d quiet periods\n", wakeups.Load(), quiets.Load())
}
