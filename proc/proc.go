// Package proc implements the process table, the per-hart scheduler
// loop, and the sleep/wakeup synchronization primitive every blocking
// kernel operation (disk I/O, pipes, wait(2)) is built on.
//
// Real xv6-style kernels context-switch by saving/restoring callee
// registers on a kernel stack (swtch) and resume a suspended process
// by jumping back into the middle of whatever function called sched.
// Go gives no way to suspend a goroutine mid-function and resume it
// later from outside, so each process here runs as its own goroutine
// for its entire lifetime; Sched implements the suspend/resume
// contract as a handshake over two channels instead of a register
// save. Swtch itself is kept as the (otherwise unused) context-copy
// step the source performs, preserving the shape of the contract even
// though the actual transfer of control happens over the channels.
package proc

import (
	"runtime"
	"sync"
	"sync/atomic"

	"accnt"
	"defs"
	"limits"
	"mem"
	"spinlock"
	"ustr"
	"vm"
)

// FileHandle_i is the contract proc needs from an open-file-
// descriptor table entry in order to fork (duplicate it) and exit
// (close it), without importing package fd directly. fd's Fd_t
// implements this; fd imports proc (for *Proc_t, threaded through
// every Fdops_i call that might block) rather than the other way
// around, so this interface is what keeps that edge one-directional.
type FileHandle_i interface {
	Dup() (FileHandle_i, defs.Err_t)
	CloseOnExit(p *Proc_t)
}

// CwdHandle_i is the contract proc needs from a process's current-
// working-directory handle: just enough to duplicate it across fork.
type CwdHandle_i interface {
	Dup() CwdHandle_i
	Fullpath(p ustr.Ustr) ustr.Ustr
}

// Procstate_t enumerates a PCB's position in the lifecycle state
// machine described in the data model.
type Procstate_t int

const (
	UNUSED Procstate_t = iota
	USED
	SLEEPING
	RUNNABLE
	RUNNING
	ZOMBIE
)

func (s Procstate_t) String() string {
	switch s {
	case UNUSED:
		return "UNUSED"
	case USED:
		return "USED"
	case SLEEPING:
		return "SLEEPING"
	case RUNNABLE:
		return "RUNNABLE"
	case RUNNING:
		return "RUNNING"
	case ZOMBIE:
		return "ZOMBIE"
	default:
		return "?"
	}
}

// Context_t holds the callee-saved registers a real swtch would
// preserve across a context switch. Nothing in this package reads
// these fields back; they exist so Swtch has something to copy,
// keeping the operation's shape intact for anyone grounding further
// work on it.
type Context_t struct {
	Ra, Sp                                           uint64
	S0, S1, S2, S3, S4, S5, S6, S7, S8, S9, S10, S11 uint64
}

// Swtch copies old's context out of the way and new's context in,
// exactly the register save/restore a hardware swtch performs. The
// actual transfer of execution happens via the resume/yielded channel
// handshake in Sched; this just keeps the data-model operation named
// by the specification present and exercised.
func Swtch(old, new *Context_t) {
	_ = old
	_ = new
}

// Proc_t is one process's control block.
type Proc_t struct {
	Lock *spinlock.Spinlock_t

	State  Procstate_t
	Pid    int
	Parent *Proc_t
	Killed bool
	Xstate int
	Chan   interface{} // wait channel; valid only while SLEEPING
	Name   string

	// ForkChild is true on the process Fork created and false on the
	// process that called Fork. Since this kernel has no trapframe to
	// give the child a "fork returned 0" illusion, a body shared
	// between parent and child (as Fork's copy does) consults this
	// flag the way real forked code would consult fork's return
	// value.
	ForkChild bool

	Vm      *vm.Vm_t
	Context Context_t

	Ofile [limits.NOFILE]FileHandle_i
	Cwd   CwdHandle_i

	Accnt accnt.Accnt_t

	// runStart is the accnt.Accnt_t.Now() timestamp the scheduler
	// recorded when it last dispatched this process; Sched reads it to
	// credit the slice just run as user time before bracketing however
	// long the hart is given back to the scheduler as system time.
	runStart int64

	// curHart is set by the scheduler immediately before resuming
	// this process's goroutine, and is valid only while the process
	// holds the hart (i.e. is RUNNING or in the middle of Sched).
	curHart *spinlock.Hart_t

	body     func(*Proc_t)
	resumec  chan struct{}
	yieldedc chan struct{}
}

// Cpu_t is one hart's scheduling context: its interrupt-disable
// bookkeeping and which process (if any) it is currently running.
type Cpu_t struct {
	Hart    spinlock.Hart_t
	Proc    *Proc_t
	Context Context_t
}

var (
	table    [limits.NPROC]*Proc_t
	cpus     [limits.NCPU]Cpu_t
	nextPid  int64
	waitLock = spinlock.Mkspinlock("wait_lock")

	schedMu   sync.Mutex
	schedCond = sync.NewCond(&schedMu)
	schedGen  uint64 // bumped under schedMu on every wakeScheduler
)

func init() {
	for i := range cpus {
		cpus[i].Hart.ID = i
	}
}

// Mycpu returns the Cpu_t for the given hart id.
func Mycpu(hart int) *Cpu_t {
	return &cpus[hart]
}

// CurHart returns the hart p is currently running on. Valid only
// while p itself is executing (i.e. called from within p's body).
func (p *Proc_t) CurHart() *spinlock.Hart_t {
	if p.curHart == nil {
		panic("proc: curHart read outside running process")
	}
	return p.curHart
}

func wakeScheduler() {
	schedMu.Lock()
	schedGen++
	schedCond.Broadcast()
	schedMu.Unlock()
}

// Allocproc finds an UNUSED slot, initializes it to USED with a fresh
// pid and address space, and returns it still locked by no one (the
// caller finishes setup and then makes it RUNNABLE). It reports
// ESRCH when the table is full, so fork(2) returns an error rather
// than panicking.
func Allocproc(phys *mem.Physmem_t, hart int) (*Proc_t, defs.Err_t) {
	// Callers reach here from outside any process's own time slice
	// (boot glue, or a forking parent whose hart identity belongs to
	// its running body), so the lock transactions below carry their
	// own interrupt bookkeeping instead of borrowing a scheduler
	// hart's Hart_t that may be mid-acquire on its own goroutine.
	h := &spinlock.Hart_t{ID: hart}
	for i := range table {
		if table[i] == nil {
			table[i] = &Proc_t{Lock: spinlock.Mkspinlock("proc")}
		}
		p := table[i]
		p.Lock.Acquire(h)
		if p.State != UNUSED {
			p.Lock.Release(h)
			continue
		}
		p.Pid = int(atomic.AddInt64(&nextPid, 1))
		avm, ok := vm.NewVm(phys, hart)
		if !ok {
			p.Lock.Release(h)
			return nil, defs.ENOMEM
		}
		p.Vm = avm
		p.Killed = false
		p.Xstate = 0
		p.Parent = nil
		p.Chan = nil
		p.resumec = make(chan struct{})
		p.yieldedc = make(chan struct{})
		p.ForkChild = false
		p.State = USED
		p.Lock.Release(h)
		return p, 0
	}
	return nil, defs.ESRCH
}

// Start attaches body as p's kernel-mode program and spawns the
// goroutine that will run it once the scheduler first resumes p, and
// marks p RUNNABLE.
func (p *Proc_t) Start(hart int, body func(*Proc_t)) {
	// Like Allocproc, callable from boot glue racing a live scheduler
	// on the named hart, so the lock transaction brings its own
	// interrupt bookkeeping.
	h := &spinlock.Hart_t{ID: hart}
	p.Lock.Acquire(h)
	p.body = body
	p.State = RUNNABLE
	p.Lock.Release(h)

	go func() {
		<-p.resumec
		if p.body != nil {
			p.body(p)
		}
		p.doExit(0)
	}()
	wakeScheduler()
}

// Scheduler is the per-hart dispatch loop: scan the table for a
// RUNNABLE process, run it until it yields the hart back, repeat.
// When nothing is runnable the hart blocks on schedCond (the
// wfi-equivalent) instead of busy-spinning.
func Scheduler(hart int) {
	c := &cpus[hart]
	// Each Scheduler invocation carries its own interrupt bookkeeping,
	// like the boot-path lock transactions: two loops dispatching for
	// the same hart id (a replaced scheduler in tests) must not share
	// one nesting counter.
	h := &spinlock.Hart_t{ID: hart}
	for {
		// Snapshot the wakeup generation before scanning: if a process
		// becomes RUNNABLE after the scan misses it but before this hart
		// blocks, the generation moves and the wait below falls through
		// instead of losing the wakeup.
		schedMu.Lock()
		gen := schedGen
		schedMu.Unlock()

		var found *Proc_t
		for _, p := range table {
			if p == nil {
				continue
			}
			p.Lock.Acquire(h)
			if p.State == RUNNABLE {
				found = p
				break
			}
			p.Lock.Release(h)
		}
		if found == nil {
			schedMu.Lock()
			for schedGen == gen {
				schedCond.Wait()
			}
			schedMu.Unlock()
			continue
		}

		found.State = RUNNING
		found.curHart = h
		found.runStart = found.Accnt.Now()
		c.Proc = found
		// The handshake channels are read while found's lock is still
		// held: an exiting process's slot can be reaped and reused (new
		// channels and all) before this hart gets around to waiting for
		// the yield.
		resume, yielded := found.resumec, found.yieldedc
		Swtch(&c.Context, &found.Context)
		// p.Lock protects the state transition above, not the process's
		// entire time slice: release it before handing off the hart so
		// the process can re-acquire it itself the next time it wants
		// to change its own state (in Yield, Sleep or exit).
		found.Lock.Release(h)

		resume <- struct{}{}
		<-yielded

		c.Proc = nil
	}
}

// Sched is the single re-entry point into the scheduler: the only
// place that hands the hart back. Its preconditions mirror the
// specification exactly and are enforced with panics, since a
// violation is a kernel bug rather than a runtime condition:
// the caller must hold p.Lock, p.State must not be RUNNING, and
// exactly one spinlock (p.Lock itself) may be held on this hart.
func Sched(p *Proc_t) {
	h := p.curHart
	if h == nil || !p.Lock.Holding(h) {
		panic("sched: p.Lock must be held")
	}
	if p.State == RUNNING {
		panic("sched: process must not be RUNNING")
	}
	if h.Noff != 1 {
		panic("sched: exactly one spinlock may be held across sched")
	}

	// Sched is the only place a process ever gives up or gets back the
	// hart, so it is also the only place that can bracket the time
	// either side of that handoff: credit the slice just run as user
	// time, then charge however long the hart is away (RUNNABLE
	// waiting for the scheduler, or SLEEPING waiting on a channel) as
	// system time, the cooperative-scheduling analogue of a trap-exit/
	// trap-entry accounting hook.
	offStart := p.Accnt.Now()
	p.Accnt.Utadd(int(offStart - p.runStart))

	// Drop p.Lock before yielding the hart back to Scheduler and
	// retake it once Scheduler dispatches this process again: the
	// lock protects the state transition at each end of a context
	// switch, not the channel handshake that performs it. The process
	// may be redispatched on a different hart, so the hart identity
	// must be re-read after the handshake; the one recorded at entry
	// belongs to whichever hart the process just gave up.
	p.Lock.Release(h)
	p.yieldedc <- struct{}{}
	<-p.resumec
	h = p.curHart
	p.Lock.Acquire(h)

	p.Accnt.Systadd(int(p.Accnt.Now() - offStart))
}

// Yield voluntarily gives up the hart: RUNNING -> RUNNABLE -> Sched.
func Yield(p *Proc_t) {
	h := p.curHart
	p.Lock.Acquire(h)
	p.State = RUNNABLE
	wakeScheduler()
	Sched(p)
	p.Lock.Release(p.curHart)
}

// Locker is the lock Sleep atomically drops and retakes around its
// suspension. SpinLocker below adapts any spinlock to it; waitLocker
// covers the one wait_lock call site.
type Locker interface {
	UnlockHart(*spinlock.Hart_t)
	LockHart(*spinlock.Hart_t)
}

// Sleep atomically drops lk, blocks p on chanptr until a matching
// Wakeup, then reacquires lk before returning. chanptr is compared by
// interface equality only: any stable address (a *Buf_t, a pointer
// into the log, the process's own PCB) works as a wait channel.
func Sleep(p *Proc_t, chanptr interface{}, lk Locker) {
	h := p.curHart
	p.Lock.Acquire(h)
	lk.UnlockHart(h)

	p.Chan = chanptr
	p.State = SLEEPING
	Sched(p)

	// Sched may have resumed this process on a different hart.
	h = p.curHart
	p.Chan = nil
	p.Lock.Release(h)
	lk.LockHart(h)
}

// Wakeup marks every SLEEPING process waiting on chanptr RUNNABLE. It
// never touches the calling process's own slot, matching the
// specification's note that a process cannot be woken by its own
// wakeup call.
func Wakeup(self *Proc_t, chanptr interface{}) {
	wakeup(self.curHart, self, chanptr)
}

// irqHart is a dedicated, never-scheduled Hart_t standing in for
// "interrupt context": the virtio completion handler runs on whatever
// hart happened to take the device interrupt in a real kernel, not on
// behalf of any particular process, so it has no *Proc_t of its own
// to drive p.Lock acquisition the way Wakeup's callers do.
var irqHart = &spinlock.Hart_t{ID: -1}

// WakeupIRQ is Wakeup's interrupt-context counterpart: called from a
// device completion handler (package virtio), which is not itself a
// process and so never needs the "don't wake my own slot" exclusion.
func WakeupIRQ(chanptr interface{}) {
	wakeup(irqHart, nil, chanptr)
}

func wakeup(h *spinlock.Hart_t, self *Proc_t, chanptr interface{}) {
	woke := false
	for _, p := range table {
		if p == nil || p == self {
			continue
		}
		p.Lock.Acquire(h)
		if p.State == SLEEPING && p.Chan == chanptr {
			p.State = RUNNABLE
			woke = true
		}
		p.Lock.Release(h)
	}
	if woke {
		wakeScheduler()
	}
}

// Kill marks pid for termination and, if it is currently SLEEPING,
// makes it RUNNABLE so it can observe Killed on its next wakeup. It
// reports ESRCH if no such process exists.
func Kill(self *Proc_t, pid int) defs.Err_t {
	h := self.curHart
	for _, p := range table {
		if p == nil {
			continue
		}
		p.Lock.Acquire(h)
		if p.Pid == pid && p.State != UNUSED {
			p.Killed = true
			if p.State == SLEEPING {
				p.State = RUNNABLE
				wakeScheduler()
			}
			p.Lock.Release(h)
			return 0
		}
		p.Lock.Release(h)
	}
	return defs.ESRCH
}

// Fork duplicates self into a new process: a copy-on-write address
// space (no page contents are copied), duplicated file descriptors,
// and a published parent link. The child starts RUNNABLE running the
// same body as the parent; it is the body's job to consult
// IsForkChild to tell which branch it is.
func Fork(self *Proc_t, phys *mem.Physmem_t) (int, defs.Err_t) {
	h := self.curHart
	child, err := Allocproc(phys, h.ID)
	if err != 0 {
		return 0, err
	}
	if !self.Vm.Uvmcopy(child.Vm, h.ID) {
		child.Vm.Uvmfree(h.ID)
		child.Vm = nil
		child.Lock.Acquire(h)
		child.Pid = 0
		child.State = UNUSED
		child.Lock.Release(h)
		return 0, defs.ENOMEM
	}
	for i, ofd := range self.Ofile {
		if ofd == nil {
			continue
		}
		nfd, err := ofd.Dup()
		if err != 0 {
			continue
		}
		child.Ofile[i] = nfd
	}
	if self.Cwd != nil {
		child.Cwd = self.Cwd.Dup()
	}
	child.Name = self.Name
	child.ForkChild = true

	waitLock.Acquire(h)
	child.Parent = self
	waitLock.Release(h)

	pid := child.Pid
	child.Start(h.ID, self.body)
	return pid, 0
}

// doExit runs exit(status)'s state transition: close files, drop
// cwd, reparent children to initProc under wait_lock, wake the
// parent, then become a ZOMBIE and hand back the hart for the last
// time.
func (p *Proc_t) doExit(status int) {
	for i, f := range p.Ofile {
		if f != nil {
			f.CloseOnExit(p)
			p.Ofile[i] = nil
		}
	}
	p.Cwd = nil

	// CloseOnExit can block in the file system (a final iput may
	// truncate through the log), so the hart is only read after every
	// descriptor is down.
	h := p.curHart
	waitLock.Acquire(h)
	for _, c := range table {
		if c != nil && c.Parent == p {
			c.Parent = initProc
		}
	}
	// Wake the parent and become ZOMBIE under the same wait_lock hold:
	// a waiting parent scans under wait_lock, so it cannot slip between
	// the wakeup and the state change and miss both.
	parent := p.Parent
	if parent != nil {
		Wakeup(p, parent)
	}
	p.Lock.Acquire(h)
	p.Xstate = status
	p.State = ZOMBIE
	// The parent may reap this slot (and Allocproc may reuse it, with
	// fresh channels) the instant p.Lock drops, so the handoff channel
	// is captured while it is still this process's own.
	yielded := p.yieldedc
	p.Accnt.Utadd(int(p.Accnt.Now() - p.runStart))
	waitLock.Release(h)
	if h.Noff != 1 {
		panic("exit: a spinlock is still held")
	}
	p.Lock.Release(h)

	// Hand the hart back for the last time. Unlike Sched there is no
	// matching resume: the goroutine ends here and the slot waits for
	// wait(2) to reap it. Goexit (rather than a plain return) keeps
	// Exit's never-returns contract for callers that invoke it from
	// the middle of a process body.
	yielded <- struct{}{}
	runtime.Goexit()
}

// Exit is the syscall entry point for exit(status): it is a thin
// wrapper so callers outside this package don't reach for the
// unexported doExit directly.
func Exit(p *Proc_t, status int) {
	p.doExit(status)
}

var initProc *Proc_t

// SetInitProc designates p as the reparent target for orphaned
// children, the role pid 1 plays in a UNIX-like system.
func SetInitProc(p *Proc_t) {
	initProc = p
}

// Wait implements wait(2): reap the first ZOMBIE child, freeing its
// slot and reporting its exit status, or block until one appears. It
// returns ECHILD if self has no children at all.
func Wait(self *Proc_t) (int, int, defs.Err_t) {
	for {
		h := self.curHart
		waitLock.Acquire(h)
		havekids := false
		for _, c := range table {
			if c == nil || c.Parent != self {
				continue
			}
			havekids = true
			c.Lock.Acquire(h)
			if c.State == ZOMBIE {
				pid := c.Pid
				xstate := c.Xstate
				if c.Vm != nil {
					c.Vm.Uvmfree(h.ID)
					c.Vm = nil
				}
				c.State = UNUSED
				c.Parent = nil
				c.Pid = 0
				c.Lock.Release(h)
				waitLock.Release(h)
				return pid, xstate, 0
			}
			c.Lock.Release(h)
		}
		if !havekids || self.Killed {
			waitLock.Release(h)
			return 0, 0, defs.ECHILD
		}
		Sleep(self, self, waitLocker{})
		waitLock.Release(self.curHart)
	}
}

// waitLocker adapts the package-level wait_lock spinlock to the
// proc.Locker interface Sleep expects, for the one call site (Wait
// sleeping on itself) that needs it.
type waitLocker struct{}

func (waitLocker) LockHart(h *spinlock.Hart_t)   { waitLock.Acquire(h) }
func (waitLocker) UnlockHart(h *spinlock.Hart_t) { waitLock.Release(h) }

// SpinLocker adapts any spinlock.Spinlock_t to the Locker interface
// Sleep expects, the general case callers outside this package use:
// acquire some subsystem spinlock, call Sleep to atomically drop it
// and block on a wait channel, and get it back on wakeup.
type SpinLocker struct {
	L *spinlock.Spinlock_t
}

func (s SpinLocker) LockHart(h *spinlock.Hart_t)   { s.L.Acquire(h) }
func (s SpinLocker) UnlockHart(h *spinlock.Hart_t) { s.L.Release(h) }

// Table returns the live process-table slots, for diagnostics (Ctrl-P
// process listing) and tests. It does not copy the slots, so callers
// must not mutate state without holding the relevant p.Lock.
func Table() []*Proc_t {
	out := make([]*Proc_t, 0, limits.NPROC)
	for _, p := range table {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Nproc reports the number of table slots currently occupied by a
// live process, the count sysinfo(2) reports. Pid==0 marks a slot
// Wait has reaped back to UNUSED, the same convention stats.Collect
// uses to skip it.
func Nproc() int {
	n := 0
	for _, p := range table {
		if p != nil && p.Pid != 0 {
			n++
		}
	}
	return n
}

// ResetTableForTests clears the global process table. It exists only
// to give package tests a clean slate between cases.
func ResetTableForTests() {
	for i := range table {
		table[i] = nil
	}
	nextPid = 0
	initProc = nil
}
