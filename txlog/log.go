// Package txlog implements a write-ahead redo log giving crash-atomicity
// to groups of buffer writes spanning multiple disk blocks: a file
// system operation records every block it dirties between Begin_op
// and End_op, and those blocks only become visible at their real
// on-disk locations once the whole group's log header has been
// committed.
package txlog

import (
	"bio"
	"limits"
	"proc"
	"spinlock"
	"util"
)

// header_t mirrors the on-disk log header: the count of blocks
// currently logged and which real block each one belongs at. It is
// marshalled into the first byte of the log area's header block.
type header_t struct {
	n     int
	block [limits.LOGSIZE]uint64
}

func (h *header_t) decode(b *bio.Buf_t) {
	h.n = util.Readn(b.Data[:], 4, 0)
	for i := 0; i < h.n; i++ {
		h.block[i] = uint64(util.Readn(b.Data[:], 4, 4+4*i))
	}
}

func (h *header_t) encode(b *bio.Buf_t) {
	util.Writen(b.Data[:], 4, 0, h.n)
	for i := 0; i < h.n; i++ {
		util.Writen(b.Data[:], 4, 4+4*i, int(h.block[i]))
	}
}

// Log_t is one device's write-ahead log: the region of the disk it
// occupies ([start, start+size)), the in-memory header tracking the
// current (uncommitted) transaction, and the outstanding/committing
// bookkeeping Begin_op/End_op coordinate concurrent file system calls
// through.
type Log_t struct {
	lock *spinlock.Spinlock_t

	bc    *bio.Bcache_t
	dev   int
	start uint64
	size  int
	// capacity is how many distinct blocks one boot's worth of log can
	// actually hold: the in-memory header tops out at limits.LOGSIZE,
	// and the on-disk region holds size-1 data slots after the header
	// block, whichever is smaller.
	capacity int

	outstanding int
	committing  bool
	h           header_t
}

// NewLog opens the log region [start, start+size) on dev, replaying
// any committed-but-not-installed transaction left by an unclean
// shutdown before returning.
func NewLog(bc *bio.Bcache_t, dev int, start uint64, size int, p *proc.Proc_t) *Log_t {
	l := &Log_t{
		lock:     spinlock.Mkspinlock("log"),
		bc:       bc,
		dev:      dev,
		start:    start,
		size:     size,
		capacity: min(limits.LOGSIZE, size-1),
	}
	if l.capacity < limits.MAXOPBLOCKS {
		panic("log: region too small for a single operation")
	}
	l.recoverFromLog(p)
	return l
}

func (l *Log_t) readHead(p *proc.Proc_t) {
	b := l.bc.Bread(l.dev, l.start, p)
	l.h.decode(b)
	l.bc.Brelse(b, p)
}

// writeHead is the true commit point: once this write lands, recovery
// will redo the logged blocks even across a crash.
func (l *Log_t) writeHead(p *proc.Proc_t) {
	b := l.bc.Bread(l.dev, l.start, p)
	l.h.encode(b)
	l.bc.Bwrite(b, p)
	l.bc.Brelse(b, p)
}

// installTrans copies every logged block from its slot in the log
// region to its real on-disk location. recovering distinguishes the
// boot-time replay (where the destination buffer isn't otherwise
// pinned) from a normal commit's install step (where Log_write already
// pinned it).
func (l *Log_t) installTrans(recovering bool, p *proc.Proc_t) {
	for tail := 0; tail < l.h.n; tail++ {
		lbuf := l.bc.Bread(l.dev, l.start+1+uint64(tail), p)
		dbuf := l.bc.Bread(l.dev, l.h.block[tail], p)
		dbuf.Data = lbuf.Data
		l.bc.Bwrite(dbuf, p)
		if !recovering {
			l.bc.Bunpin(dbuf, p)
		}
		l.bc.Brelse(lbuf, p)
		l.bc.Brelse(dbuf, p)
	}
}

func (l *Log_t) recoverFromLog(p *proc.Proc_t) {
	l.readHead(p)
	l.installTrans(true, p)
	l.h.n = 0
	l.writeHead(p)
}

// Begin_op marks the start of a file system call that may write
// through the log. It blocks while a commit is in progress, or while
// admitting this call could overrun the log's capacity, matching the
// bound MAXOPBLOCKS*(outstanding+1) <= LOGSIZE.
func Begin_op(l *Log_t, p *proc.Proc_t) {
	h := p.CurHart()
	l.lock.Acquire(h)
	for {
		if l.committing {
			proc.Sleep(p, l, proc.SpinLocker{L: l.lock})
			h = p.CurHart()
		} else if l.h.n+(l.outstanding+1)*limits.MAXOPBLOCKS > l.capacity {
			proc.Sleep(p, l, proc.SpinLocker{L: l.lock})
			h = p.CurHart()
		} else {
			l.outstanding++
			l.lock.Release(h)
			return
		}
	}
}

// End_op marks the end of a file system call. The last outstanding
// call commits the accumulated transaction; commit runs without the
// log lock held, since it may itself sleep inside buffer I/O.
func End_op(l *Log_t, p *proc.Proc_t) {
	h := p.CurHart()
	l.lock.Acquire(h)
	l.outstanding--
	if l.committing {
		panic("log: End_op: already committing")
	}
	doCommit := false
	if l.outstanding == 0 {
		doCommit = true
		l.committing = true
	} else {
		// Begin_op may be waiting on log space that this call's
		// reservation was holding back.
		proc.Wakeup(p, l)
	}
	l.lock.Release(h)

	if doCommit {
		l.commit(p)
		// commit blocks in buffer I/O, so p may be on a new hart now.
		h = p.CurHart()
		l.lock.Acquire(h)
		l.committing = false
		proc.Wakeup(p, l)
		l.lock.Release(h)
	}
}

func (l *Log_t) writeLog(p *proc.Proc_t) {
	for tail := 0; tail < l.h.n; tail++ {
		to := l.bc.Bread(l.dev, l.start+1+uint64(tail), p)
		from := l.bc.Bread(l.dev, l.h.block[tail], p)
		to.Data = from.Data
		l.bc.Bwrite(to, p)
		l.bc.Brelse(from, p)
		l.bc.Brelse(to, p)
	}
}

func (l *Log_t) commit(p *proc.Proc_t) {
	if l.h.n == 0 {
		return
	}
	l.writeLog(p)
	l.writeHead(p)
	l.installTrans(false, p)
	l.h.n = 0
	l.writeHead(p)
}

// Log_write replaces Bwrite for any block modified inside a
// Begin_op/End_op pair: it records the block's number in the
// transaction's header and pins it in the buffer cache so it can't be
// evicted before commit copies it into the log, absorbing repeat
// writes to the same block within one transaction rather than
// recording it twice.
func Log_write(l *Log_t, b *bio.Buf_t, p *proc.Proc_t) {
	h := p.CurHart()
	l.lock.Acquire(h)
	defer l.lock.Release(h)

	if l.h.n >= l.capacity {
		panic("log: Log_write: transaction too big")
	}
	if l.outstanding < 1 {
		panic("log: Log_write: outside of a transaction")
	}

	i := 0
	for ; i < l.h.n; i++ {
		if l.h.block[i] == b.Blockno {
			break
		}
	}
	l.h.block[i] = b.Blockno
	if i == l.h.n {
		l.bc.Bpin(b, p)
		l.h.n++
	}
}
