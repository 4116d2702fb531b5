package proc

import "spinlock"

// ticksLock protects ticks, the kernel's only notion of wall-clock
// time: a free-running counter driven by a simulated clock interrupt.
// sleep(n) is the sole syscall with a timeout, and it is expressed
// entirely in terms of this counter (spec: "sleep(&ticks, &tickslock)
// woken by the clock ISR").
var (
	ticksLock = spinlock.Mkspinlock("tickslock")
	ticks     uint64
)

// Ticks returns the current tick count.
func Ticks() uint64 {
	h := &spinlock.Hart_t{}
	ticksLock.Acquire(h)
	defer ticksLock.Release(h)
	return ticks
}

// TickChan is the wait channel sleep(n) and Tick both name, standing
// in for the address of the ticks variable a real kernel sleeps on.
var TickChan = &ticks

// clockHart drives ticksLock from the simulated clock interrupt,
// which, like the disk completion handler, runs on no process's
// behalf and so carries its own interrupt bookkeeping.
var clockHart = &spinlock.Hart_t{ID: -3}

// Tick advances the clock by one and wakes anyone sleeping on it,
// the body of a real clockintr() handler reduced to its sleep/wakeup
// essence (no actual timer-interrupt preemption is modeled here).
// It is called from the boot glue's timer goroutine, never from a
// process.
func Tick() {
	ticksLock.Acquire(clockHart)
	ticks++
	ticksLock.Release(clockHart)
	wakeup(clockHart, nil, TickChan)
}

// TicksLocker adapts ticksLock to the Locker interface Sleep expects.
type ticksLocker struct{}

func (ticksLocker) LockHart(h *spinlock.Hart_t)   { ticksLock.Acquire(h) }
func (ticksLocker) UnlockHart(h *spinlock.Hart_t) { ticksLock.Release(h) }

// TicksLocker is the Locker sleep(n) passes to Sleep when blocking on
// TickChan.
var TicksLocker Locker = ticksLocker{}
