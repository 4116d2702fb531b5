// Package sleeplock implements the long-held lock built on top of
// spinlock and proc: a lock that may be held across a blocking disk
// operation, unlike a spinlock, because the holder sleeps rather than
// spins while waiting for it.
package sleeplock

import (
	"proc"
	"spinlock"
)

// Sleeplock_t guards a resource that may need to be held across I/O:
// inode contents and buffer-cache block contents both use one. Inner
// is the spinlock protecting locked/owner themselves, never the
// resource the sleep-lock guards.
type Sleeplock_t struct {
	Inner  *spinlock.Spinlock_t
	locked bool
	owner  int
	Name   string
}

// Mksleeplock builds a named, initially-unlocked sleep-lock.
func Mksleeplock(name string) *Sleeplock_t {
	return &Sleeplock_t{Inner: spinlock.Mkspinlock(name + ".inner"), Name: name}
}

// Acquiresleep acquires l.Inner, sleeps on l while it is locked by
// someone else, then claims it for p and releases l.Inner. Callers
// must not hold any spinlock when calling this: sleeping while a
// spinlock is held is forbidden per the concurrency model.
func Acquiresleep(l *Sleeplock_t, p *proc.Proc_t) {
	h := p.CurHart()
	l.Inner.Acquire(h)
	for l.locked {
		proc.Sleep(p, l, proc.SpinLocker{L: l.Inner})
		// Sleep may have moved p to another hart; l.Inner is now held
		// by that one.
		h = p.CurHart()
	}
	l.locked = true
	l.owner = p.Pid
	l.Inner.Release(h)
}

// Releasesleep clears ownership and wakes anyone sleeping on l.
func Releasesleep(l *Sleeplock_t, p *proc.Proc_t) {
	h := p.CurHart()
	l.Inner.Acquire(h)
	l.locked = false
	l.owner = 0
	l.Inner.Release(h)
	proc.Wakeup(p, l)
}

// Holdingsleep reports whether p holds l.
func Holdingsleep(l *Sleeplock_t, p *proc.Proc_t) bool {
	h := p.CurHart()
	l.Inner.Acquire(h)
	r := l.locked && l.owner == p.Pid
	l.Inner.Release(h)
	return r
}
