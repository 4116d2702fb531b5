// Package bio implements the buffer cache: NBUF disk-block buffers
// partitioned across BNUM hash buckets, each independently locked, so
// that most cache hits and misses never contend on a single global
// lock. Eviction (the rare case where a new (dev, blockno) pair must
// steal a buffer from another bucket) is serialized by one package-
package bio

import (
	"sync/atomic"

	"limits"
	"proc"
	"sleeplock"
	"spinlock"
)

// BSIZE is the disk block size this kernel's on-disk format uses,
// fixed at 1024 bytes by the external-interfaces contract regardless
// of what block size any particular reference kernel happens to use.
const BSIZE = 1024

// Buf_t is one cached disk block. Lock guards the block's contents
// and may be held across the blocking disk operation that fills or
// drains it; the bucket spinlock (not stored here) guards only
// Dev/Blockno/Refcnt/Timestamp identity and list linkage.
type Buf_t struct {
	Dev       int
	Blockno   uint64
	Valid     bool
	Refcnt    int
	Timestamp int64
	Lock      *sleeplock.Sleeplock_t
	Data      [BSIZE]byte

	// Disk is true while a request for this buffer is outstanding at
	// the block driver; the driver clears it and wakes anyone
	// sleeping on the buffer's address once the device completes it.
	Disk bool

	next, prev *Buf_t
}

// Disk_i is the contract the block driver (package virtio) satisfies:
// perform a synchronous read or write of b, blocking the calling
// process until the device completes it.
type Disk_i interface {
	Rw(p *proc.Proc_t, b *Buf_t, write bool)
}

// bucket_t is one hash bucket: a sentinel-headed doubly linked list
// ordered by recency (head.next is most recently used), guarded by
// its own spinlock.
type bucket_t struct {
	Lock *spinlock.Spinlock_t
	head *Buf_t
}

func (bk *bucket_t) insertFront(b *Buf_t) {
	b.next = bk.head.next
	b.prev = bk.head
	bk.head.next.prev = b
	bk.head.next = b
}

func (bk *bucket_t) remove(b *Buf_t) {
	b.prev.next = b.next
	b.next.prev = b.prev
	b.next, b.prev = nil, nil
}

// Bcache_t is the buffer cache: the static NBUF-buffer pool, the
// BNUM buckets it is partitioned across, and the global lock that
// serializes cross-bucket eviction.
type Bcache_t struct {
	Lock    *spinlock.Spinlock_t
	buckets [limits.BNUM]bucket_t
	bufs    [limits.NBUF]Buf_t
	disk    Disk_i
	ticks   int64
}

// NewBcache builds a cache backed by disk, distributing the NBUF
// static buffers evenly across the BNUM buckets.
func NewBcache(disk Disk_i) *Bcache_t {
	bc := &Bcache_t{Lock: spinlock.Mkspinlock("bcache"), disk: disk}
	for i := range bc.buckets {
		bc.buckets[i].Lock = spinlock.Mkspinlock("bcache.bucket")
		sentinel := &Buf_t{}
		sentinel.next, sentinel.prev = sentinel, sentinel
		bc.buckets[i].head = sentinel
	}
	for i := range bc.bufs {
		b := &bc.bufs[i]
		b.Lock = sleeplock.Mksleeplock("buf")
		bi := i % limits.BNUM
		bc.buckets[bi].insertFront(b)
	}
	return bc
}

func bucketOf(blockno uint64) int {
	return int(blockno % limits.BNUM)
}

// tick is the LRU clock. Brelse stamps under a bucket lock while
// evictInto stamps under the global lock, so the counter itself is
// atomic rather than belonging to either.
func (bc *Bcache_t) tick() int64 {
	return atomic.AddInt64(&bc.ticks, 1)
}

// Bget returns a buffer for (dev, blockno) with its reference count
// incremented and its sleep-lock held. A cache hit is served entirely
// under one bucket's lock; a miss falls through to eviction.
func (bc *Bcache_t) Bget(dev int, blockno uint64, p *proc.Proc_t) *Buf_t {
	h := p.CurHart()
	bi := bucketOf(blockno)
	bk := &bc.buckets[bi]

	bk.Lock.Acquire(h)
	for b := bk.head.next; b != bk.head; b = b.next {
		if b.Dev == dev && b.Blockno == blockno {
			b.Refcnt++
			bk.Lock.Release(h)
			sleeplock.Acquiresleep(b.Lock, p)
			return b
		}
	}
	bk.Lock.Release(h)

	return bc.evictInto(dev, blockno, bi, p)
}

// evictInto runs the miss path under the global eviction lock: it
// rechecks the target bucket (another hart may have fetched the same
// block while we dropped its lock above), then scans every bucket for
// the globally least-recently-used unreferenced buffer and relocates
// it into the target bucket. Starvation (no unreferenced buffer
// anywhere) indicates a kernel bug, so it panics rather than blocking
// forever.
func (bc *Bcache_t) evictInto(dev int, blockno uint64, target int, p *proc.Proc_t) *Buf_t {
	h := p.CurHart()
	bc.Lock.Acquire(h)

	tb := &bc.buckets[target]
	tb.Lock.Acquire(h)
	for b := tb.head.next; b != tb.head; b = b.next {
		if b.Dev == dev && b.Blockno == blockno {
			b.Refcnt++
			tb.Lock.Release(h)
			// The sleep-lock may be contended, so every spinlock must
			// be down before going after it.
			bc.Lock.Release(h)
			sleeplock.Acquiresleep(b.Lock, p)
			return b
		}
	}
	tb.Lock.Release(h)

	for {
		srcIdx := -1
		var victim *Buf_t
		var bestTs int64
		for i := range bc.buckets {
			bk := &bc.buckets[i]
			bk.Lock.Acquire(h)
			for b := bk.head.next; b != bk.head; b = b.next {
				if b.Refcnt == 0 && (victim == nil || b.Timestamp < bestTs) {
					victim = b
					bestTs = b.Timestamp
					srcIdx = i
				}
			}
			bk.Lock.Release(h)
		}
		if victim == nil {
			panic("bio: buffer cache starvation")
		}

		sk := &bc.buckets[srcIdx]
		sk.Lock.Acquire(h)
		stillFree := victim.Refcnt == 0
		if stillFree {
			sk.remove(victim)
		}
		sk.Lock.Release(h)
		if !stillFree {
			continue
		}

		victim.Dev = dev
		victim.Blockno = blockno
		victim.Valid = false
		victim.Refcnt = 1
		victim.Timestamp = bc.tick()

		tk := &bc.buckets[target]
		tk.Lock.Acquire(h)
		tk.insertFront(victim)
		tk.Lock.Release(h)

		bc.Lock.Release(h)
		sleeplock.Acquiresleep(victim.Lock, p)
		return victim
	}
}

// Bread returns a locked, referenced, valid buffer for (dev,
// blockno), reading through to disk on a cache miss.
func (bc *Bcache_t) Bread(dev int, blockno uint64, p *proc.Proc_t) *Buf_t {
	b := bc.Bget(dev, blockno, p)
	if !b.Valid {
		bc.disk.Rw(p, b, false)
		b.Valid = true
	}
	return b
}

// Bwrite writes b to disk. The caller must already hold b's
// sleep-lock; writing out a buffer no one holds is a programmer
// error, not a runtime condition.
func (bc *Bcache_t) Bwrite(b *Buf_t, p *proc.Proc_t) {
	if !sleeplock.Holdingsleep(b.Lock, p) {
		panic("bio: Bwrite without sleep-lock held")
	}
	bc.disk.Rw(p, b, true)
}

// Brelse releases b's sleep-lock and drops its reference. A buffer
// that reaches refcount zero is timestamped for LRU eviction.
func (bc *Bcache_t) Brelse(b *Buf_t, p *proc.Proc_t) {
	h := p.CurHart()
	sleeplock.Releasesleep(b.Lock, p)
	bk := &bc.buckets[bucketOf(b.Blockno)]
	bk.Lock.Acquire(h)
	b.Refcnt--
	if b.Refcnt == 0 {
		b.Timestamp = bc.tick()
	}
	bk.Lock.Release(h)
}

// Bpin increments b's reference count without taking its sleep-lock,
// the operation the log uses to keep a dirty buffer from being
// evicted between log_write and commit.
func (bc *Bcache_t) Bpin(b *Buf_t, p *proc.Proc_t) {
	h := p.CurHart()
	bk := &bc.buckets[bucketOf(b.Blockno)]
	bk.Lock.Acquire(h)
	b.Refcnt++
	bk.Lock.Release(h)
}

// Bunpin is the inverse of Bpin.
func (bc *Bcache_t) Bunpin(b *Buf_t, p *proc.Proc_t) {
	h := p.CurHart()
	bk := &bc.buckets[bucketOf(b.Blockno)]
	bk.Lock.Acquire(h)
	b.Refcnt--
	bk.Lock.Release(h)
}
