// Package accnt tracks per-process CPU accounting, the numbers the
// sysinfo system call and exit status reporting draw on.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"
)

// Accnt_t accumulates the user and system time a process has
// consumed. The embedded mutex lets callers take a consistent
// snapshot of both fields when reporting usage.
type Accnt_t struct {
	Userns int64 // nanoseconds of user-mode time
	Sysns  int64 // nanoseconds of kernel-mode time
	sync.Mutex
}

// Utadd credits delta nanoseconds of user time.
func (a *Accnt_t) Utadd(delta int) {
	atomic.AddInt64(&a.Userns, int64(delta))
}

// Systadd credits delta nanoseconds of system time.
func (a *Accnt_t) Systadd(delta int) {
	atomic.AddInt64(&a.Sysns, int64(delta))
}

// Now returns the current time in nanoseconds, the clock accounting
// uses for start/stop timestamps.
func (a *Accnt_t) Now() int64 {
	return time.Now().UnixNano()
}

// Io_time backs out time spent blocked on disk I/O from the system
// time total, so a process waiting on a slow disk isn't charged for
// CPU it never used.
func (a *Accnt_t) Io_time(since int64) {
	a.Systadd(-int(a.Now() - since))
}

// Sleep_time backs out time spent voluntarily sleeping, the sleep(2)
// syscall's contribution to system time.
func (a *Accnt_t) Sleep_time(since int64) {
	a.Systadd(-int(a.Now() - since))
}

// Snapshot returns a consistent (userns, sysns) pair for reporting.
func (a *Accnt_t) Snapshot() (int64, int64) {
	a.Lock()
	defer a.Unlock()
	return atomic.LoadInt64(&a.Userns), atomic.LoadInt64(&a.Sysns)
}
