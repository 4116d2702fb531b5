// Package mem implements the kernel's physical page allocator: 4 KiB
// frames handed out from per-hart free lists, backed by a
// reference-counted frame table that makes copy-on-write sharing
// (package vm) possible.
//
// A real kernel's "physical memory" is whatever DRAM the boot loader
// reports; this one simulates it as a slab of Go-owned byte pages, so
// a physical address (Pa_t) is simply a page-aligned index into that
// slab rather than a machine address. Everything built on top
// (refcounting, per-hart free lists, the scribble-on-alloc/free
// poisoning) behaves exactly as it would over real DRAM.
package mem

import (
	"sync"
	"sync/atomic"
)

// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT = 12

// PGSIZE is the size of one physical frame in bytes.
const PGSIZE = 1 << PGSHIFT

// Pa_t is a physical address. It is always page-aligned when it
// identifies a frame.
type Pa_t uintptr

// Pg_t is one page's worth of bytes, the unit Kalloc hands out.
type Pg_t [PGSIZE]byte

// allocJunk is scribbled over a freshly allocated page so that code
// relying on implicit zeroing (instead of calling Uvmalloc's
// zero-filling path) notices garbage instead of all-zero memory.
const allocJunk = 0x5a

// freeJunk is scribbled over a page when its last reference drops, so
// a dangling reference to freed memory reads recognizable garbage
// instead of data that happens to look valid.
const freeJunk = 0xf7

// percpuCap is the number of frames a per-hart free list holds before
// new frees spill to the global list, bounding how much memory one
// hart can hoard from the others.
const percpuCap = 1024

const noFrame = ^uint32(0)

// physpg_t is the per-frame bookkeeping record.
type physpg_t struct {
	refcnt int32
	nexti  uint32 // next free frame, or noFrame
}

type freelist_t struct {
	sync.Mutex
	head uint32
	len  int
}

// Physmem_t is the system's physical frame allocator: a frame table
// shared by all harts, a global overflow free list, and one free list
// per hart for the contention-free common case.
type Physmem_t struct {
	pgs    []physpg_t
	pages  [][PGSIZE]byte
	global freelist_t
	percpu [8]freelist_t // indexed by hart id; see limits.NCPU
}

// NewPhysmem creates a physical memory pool of nframes frames, all
// initially free on the global list.
func NewPhysmem(nframes int) *Physmem_t {
	if nframes <= 0 {
		panic("NewPhysmem: nframes must be positive")
	}
	p := &Physmem_t{
		pgs:   make([]physpg_t, nframes),
		pages: make([][PGSIZE]byte, nframes),
	}
	for i := 0; i < nframes; i++ {
		if i == nframes-1 {
			p.pgs[i].nexti = noFrame
		} else {
			p.pgs[i].nexti = uint32(i + 1)
		}
	}
	p.global.head = 0
	p.global.len = nframes
	return p
}

func (p *Physmem_t) idx(pa Pa_t) uint32 {
	if pa%PGSIZE != 0 {
		panic("mem: unaligned physical address")
	}
	i := uint32(pa / PGSIZE)
	if int(i) >= len(p.pgs) {
		panic("mem: physical address out of range")
	}
	return i
}

// Dmap returns the kernel's direct mapping of a physical frame: the
// byte slice backing it. On real hardware this would be a pointer
// into a permanently-mapped window; here the frame data lives
// entirely in Go memory, so Dmap is simply an index into it.
func (p *Physmem_t) Dmap(pa Pa_t) *Pg_t {
	return (*Pg_t)(&p.pages[p.idx(pa)])
}

// Refcnt returns the current reference count of the frame at pa.
func (p *Physmem_t) Refcnt(pa Pa_t) int {
	return int(atomic.LoadInt32(&p.pgs[p.idx(pa)].refcnt))
}

// Refup increments the reference count of the frame at pa, the
// operation fork's copy-on-write setup uses to record an additional
// mapping of a shared frame.
func (p *Physmem_t) Refup(pa Pa_t) {
	i := p.idx(pa)
	c := atomic.AddInt32(&p.pgs[i].refcnt, 1)
	if c <= 0 {
		panic("mem: refup on unreferenced frame")
	}
}

func popfree(fl *freelist_t, pgs []physpg_t) (uint32, bool) {
	fl.Lock()
	defer fl.Unlock()
	if fl.head == noFrame {
		return 0, false
	}
	idx := fl.head
	fl.head = pgs[idx].nexti
	fl.len--
	return idx, true
}

func pushfree(fl *freelist_t, pgs []physpg_t, idx uint32) {
	fl.Lock()
	pgs[idx].nexti = fl.head
	fl.head = idx
	fl.len++
	fl.Unlock()
}

func (p *Physmem_t) hartlist(hart int) *freelist_t {
	if hart < 0 || hart >= len(p.percpu) {
		panic("mem: hart id out of range")
	}
	return &p.percpu[hart]
}

// Kalloc hands a fresh frame to the given hart: first from its own
// free list, then by stealing from the global list or another hart's
// list in order. The returned page is poisoned with allocJunk rather
// than zeroed; callers that need zero-filled memory (e.g. Uvmalloc)
// must zero it themselves.
func (p *Physmem_t) Kalloc(hart int) (Pa_t, *Pg_t, bool) {
	mine := p.hartlist(hart)
	idx, ok := popfree(mine, p.pgs)
	if !ok {
		idx, ok = popfree(&p.global, p.pgs)
	}
	if !ok {
		for h := range p.percpu {
			if h == hart {
				continue
			}
			if idx, ok = popfree(&p.percpu[h], p.pgs); ok {
				break
			}
		}
	}
	if !ok {
		return 0, nil, false
	}
	if atomic.LoadInt32(&p.pgs[idx].refcnt) != 0 {
		panic("mem: allocated frame had nonzero refcount")
	}
	atomic.StoreInt32(&p.pgs[idx].refcnt, 1)
	pg := &p.pages[idx]
	for i := range pg {
		pg[i] = allocJunk
	}
	return Pa_t(idx) * PGSIZE, (*Pg_t)(pg), true
}

// Kfree drops hart's reference to the frame at pa. When the
// reference count reaches zero the frame is poisoned and returned to
// hart's free list (spilling to the global list once percpuCap is
// exceeded).
func (p *Physmem_t) Kfree(hart int, pa Pa_t) {
	i := p.idx(pa)
	c := atomic.AddInt32(&p.pgs[i].refcnt, -1)
	if c < 0 {
		panic("mem: double free")
	}
	if c > 0 {
		return
	}
	pg := &p.pages[i]
	for j := range pg {
		pg[j] = freeJunk
	}
	mine := p.hartlist(hart)
	mine.Lock()
	spill := mine.len >= percpuCap
	mine.Unlock()
	if spill {
		pushfree(&p.global, p.pgs, i)
	} else {
		pushfree(mine, p.pgs, i)
	}
}

// Kref increments the reference count of the frame at pa without
// allocating or mapping it, the step Uvmcopy takes for every
// present user PTE it shares into the child instead of copying.
func (p *Physmem_t) Kref(pa Pa_t) {
	p.Refup(pa)
}

// Nfree reports the number of free bytes across every hart's free
// list and the global overflow list.
func (p *Physmem_t) Nfree() int {
	total := 0
	p.global.Lock()
	total += p.global.len
	p.global.Unlock()
	for h := range p.percpu {
		p.percpu[h].Lock()
		total += p.percpu[h].len
		p.percpu[h].Unlock()
	}
	return total * PGSIZE
}
