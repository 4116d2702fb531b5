// Package pipe implements an anonymous pipe: a single fixed-size
// circular buffer shared by a read end and a write end, blocking
// either side via proc.Sleep/Wakeup when the buffer is empty or full
// rather than spinning.
package pipe

import (
	"sync/atomic"

	"defs"
	"fdops"
	"proc"
	"spinlock"
)

// PIPESIZE is the pipe's backing buffer capacity in bytes.
const PIPESIZE = 512

// Pipe_t is the shared state between a pipe's two ends: a circular
// buffer addressed by ever-increasing head/tail counters (taken mod
// the buffer size), so Full/Empty never have to special-case "head ==
// tail means empty or full".
type Pipe_t struct {
	Lock *spinlock.Spinlock_t

	buf        [PIPESIZE]uint8
	head, tail int

	readOpen, writeOpen bool
}

// NewPipe returns a fresh pipe with both ends open.
func NewPipe() *Pipe_t {
	return &Pipe_t{Lock: spinlock.Mkspinlock("pipe"), readOpen: true, writeOpen: true}
}

func (pp *Pipe_t) full() bool  { return pp.head-pp.tail == PIPESIZE }
func (pp *Pipe_t) empty() bool { return pp.head == pp.tail }

// Write copies src's bytes into the pipe, blocking while the buffer
// is full and the read end is still open. It returns EPIPE once the
// read end has closed out from under it.
func (pp *Pipe_t) Write(src fdops.Uio_i, p *proc.Proc_t) (int, defs.Err_t) {
	pp.Lock.Acquire(p.CurHart())
	// Sleeping below can move p across harts; the release must name
	// whichever hart p holds at return, not the one that acquired.
	defer func() { pp.Lock.Release(p.CurHart()) }()

	total := 0
	for total < src.Totalsz() {
		if !pp.readOpen {
			return total, defs.EPIPE
		}
		if p.Killed {
			return total, defs.EINTR
		}
		if pp.full() {
			proc.Wakeup(p, &pp.tail)
			proc.Sleep(p, &pp.head, proc.SpinLocker{L: pp.Lock})
			continue
		}
		var one [1]uint8
		if _, err := src.Uioread(one[:]); err != 0 {
			return total, err
		}
		pp.buf[pp.head%PIPESIZE] = one[0]
		pp.head++
		total++
	}
	proc.Wakeup(p, &pp.tail)
	return total, 0
}

// Read drains up to dst's capacity from the pipe, blocking while the
// buffer is empty and the write end is still open. Once the write end
// has closed, a drained-empty buffer returns (0, 0): EOF.
func (pp *Pipe_t) Read(dst fdops.Uio_i, p *proc.Proc_t) (int, defs.Err_t) {
	pp.Lock.Acquire(p.CurHart())
	defer func() { pp.Lock.Release(p.CurHart()) }()

	for pp.empty() && pp.writeOpen {
		if p.Killed {
			return 0, defs.EINTR
		}
		proc.Sleep(p, &pp.tail, proc.SpinLocker{L: pp.Lock})
	}

	total := 0
	for total < dst.Remain() && !pp.empty() {
		one := [1]uint8{pp.buf[pp.tail%PIPESIZE]}
		if _, err := dst.Uiowrite(one[:]); err != 0 {
			return total, err
		}
		pp.tail++
		total++
	}
	proc.Wakeup(p, &pp.head)
	return total, 0
}

// CloseReader marks the read end closed, waking any writer blocked on
// buffer space so it can observe EPIPE.
func (pp *Pipe_t) CloseReader(p *proc.Proc_t) {
	h := p.CurHart()
	pp.Lock.Acquire(h)
	pp.readOpen = false
	pp.Lock.Release(h)
	proc.Wakeup(p, &pp.tail)
}

// CloseWriter marks the write end closed, waking any reader blocked
// on data so it can observe EOF.
func (pp *Pipe_t) CloseWriter(p *proc.Proc_t) {
	h := p.CurHart()
	pp.Lock.Acquire(h)
	pp.writeOpen = false
	pp.Lock.Release(h)
	proc.Wakeup(p, &pp.head)
}

// ReadEnd_t and WriteEnd_t are the two fdops.Fdops_i values a pipe(2)
// call installs behind its pair of returned descriptors. Each is just
// identity (which half of the pipe this descriptor is) plus a
// reference count of how many descriptor-table entries still point
// at it, so dup(2)/fork and close(2) can tell the last reference from
// any other. Reopen/Close run with no *proc.Proc_t to serialize
// through a hart-keyed spinlock, and dup'd descriptors on different
// harts can legitimately close concurrently, so the count itself is
// atomic rather than lock-guarded.
type ReadEnd_t struct {
	pp  *Pipe_t
	ref *int32
}

type WriteEnd_t struct {
	pp  *Pipe_t
	ref *int32
}

// NewPipePair builds a fresh pipe and returns its two Fdops_i ends,
// each starting with a single reference.
func NewPipePair() (*ReadEnd_t, *WriteEnd_t) {
	pp := NewPipe()
	rref, wref := int32(1), int32(1)
	return &ReadEnd_t{pp: pp, ref: &rref}, &WriteEnd_t{pp: pp, ref: &wref}
}

var (
	_ fdops.Fdops_i = (*ReadEnd_t)(nil)
	_ fdops.Fdops_i = (*WriteEnd_t)(nil)
)

func (r *ReadEnd_t) Read(dst fdops.Uio_i, p *proc.Proc_t) (int, defs.Err_t) {
	return r.pp.Read(dst, p)
}

func (r *ReadEnd_t) Write(src fdops.Uio_i, p *proc.Proc_t) (int, defs.Err_t) {
	return 0, defs.EINVAL
}

// Close drops this descriptor's reference on the read end, closing it
// against the writer once the last reference goes away.
func (r *ReadEnd_t) Close(p *proc.Proc_t) defs.Err_t {
	if atomic.AddInt32(r.ref, -1) == 0 {
		r.pp.CloseReader(p)
	}
	return 0
}

func (r *ReadEnd_t) Reopen() defs.Err_t {
	atomic.AddInt32(r.ref, 1)
	return 0
}

func (r *ReadEnd_t) Lseek(off int, whence int) (int, defs.Err_t) {
	return 0, defs.ESPIPE
}

func (r *ReadEnd_t) Fstat(st fdops.Stat_i) defs.Err_t {
	st.Wmode(uint(defs.T_PIPE))
	return 0
}

func (w *WriteEnd_t) Read(dst fdops.Uio_i, p *proc.Proc_t) (int, defs.Err_t) {
	return 0, defs.EINVAL
}

func (w *WriteEnd_t) Write(src fdops.Uio_i, p *proc.Proc_t) (int, defs.Err_t) {
	return w.pp.Write(src, p)
}

// Close drops this descriptor's reference on the write end, closing
// it against the reader once the last reference goes away.
func (w *WriteEnd_t) Close(p *proc.Proc_t) defs.Err_t {
	if atomic.AddInt32(w.ref, -1) == 0 {
		w.pp.CloseWriter(p)
	}
	return 0
}

func (w *WriteEnd_t) Reopen() defs.Err_t {
	atomic.AddInt32(w.ref, 1)
	return 0
}

func (w *WriteEnd_t) Lseek(off int, whence int) (int, defs.Err_t) {
	return 0, defs.ESPIPE
}

func (w *WriteEnd_t) Fstat(st fdops.Stat_i) defs.Err_t {
	st.Wmode(uint(defs.T_PIPE))
	return 0
}
