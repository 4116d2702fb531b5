// Package vm implements per-process virtual address spaces over the
// sv39 three-level page table format: three 9-bit radix levels over a
// 12-bit page offset. Every user mapping additionally carries a
// software "COW" bit stolen from sv39's reserved-for-software PTE
// bits, which is what lets fork share frames instead of copying them
// and lets the page-fault handler tell a legitimate COW fault from a
// protection violation.
package vm

import (
	"sync"
	"unsafe"

	"defs"
	"mem"
	"util"
)

// PGSIZE/PGSHIFT mirror package mem's; duplicated here as untyped
// constants so PTE arithmetic reads without a package-qualifier on
// every line.
const (
	PGSHIFT = 12
	PGSIZE  = 1 << PGSHIFT
)

// PTE permission and status bits, sv39 layout: V R W X U G A D occupy
// bits 0-7; bits 8-9 are reserved for software use and this kernel
// spends one of them on the copy-on-write marker.
const (
	PTE_V   Pte_t = 1 << 0
	PTE_R   Pte_t = 1 << 1
	PTE_W   Pte_t = 1 << 2
	PTE_X   Pte_t = 1 << 3
	PTE_U   Pte_t = 1 << 4
	PTE_G   Pte_t = 1 << 5
	PTE_A   Pte_t = 1 << 6
	PTE_D   Pte_t = 1 << 7
	PTE_COW Pte_t = 1 << 8
)

// Pte_t is one page table entry.
type Pte_t uint64

// Pagetable_t is a single page-table page: 512 eight-byte entries
// fill exactly one PGSIZE frame.
type Pagetable_t [512]Pte_t

// TRAMPOLINE and TRAPFRAME are the two fixed virtual addresses every
// address space reserves at its top: the shared trampoline page
// (present, executable, never user-accessible; the actual trampoline
// code is supplied by the trap-entry assembly, outside this
// package's scope) and, for user spaces, the trapframe immediately
// below it.
const (
	MAXVA      = uint64(1) << 38
	TRAMPOLINE = MAXVA - PGSIZE
	TRAPFRAME  = TRAMPOLINE - PGSIZE
)

func pte2pa(pte Pte_t) mem.Pa_t {
	return mem.Pa_t((pte >> 10) << PGSHIFT)
}

func pa2pte(pa mem.Pa_t) Pte_t {
	return Pte_t(pa>>PGSHIFT) << 10
}

func pagetable(phys *mem.Physmem_t, pa mem.Pa_t) *Pagetable_t {
	return (*Pagetable_t)(unsafe.Pointer(phys.Dmap(pa)))
}

func pxshift(level int) uint {
	return uint(PGSHIFT + 9*level)
}

func pagetableIndex(va uint64, level int) uint64 {
	return (va >> pxshift(level)) & 0x1ff
}

// Vm_t is one process's address space: the root of its sv39 page
// table plus the lock serializing modifications to it (mapping,
// unmapping and COW-fault resolution alike).
type Vm_t struct {
	sync.Mutex
	Phys      *mem.Physmem_t
	Root      mem.Pa_t
	Sz        uint64 // highest mapped user address, rounded to PGSIZE
	pgfltaken bool
}

// NewVm allocates an empty address space: a zeroed root page table
// page and nothing mapped.
func NewVm(phys *mem.Physmem_t, hart int) (*Vm_t, bool) {
	pa, _, ok := phys.Kalloc(hart)
	if !ok {
		return nil, false
	}
	pt := pagetable(phys, pa)
	for i := range pt {
		pt[i] = 0
	}
	return &Vm_t{Phys: phys, Root: pa}, true
}

// LockPmap acquires the address-space lock for page-table
// modification, marking that a fault handler (or equivalent caller)
// is in progress.
func (vm *Vm_t) LockPmap() {
	vm.Lock()
	vm.pgfltaken = true
}

// UnlockPmap releases the lock taken by LockPmap.
func (vm *Vm_t) UnlockPmap() {
	vm.pgfltaken = false
	vm.Unlock()
}

func (vm *Vm_t) lockassertPmap() {
	if !vm.pgfltaken {
		panic("vm: pmap lock must be held")
	}
}

// Walk returns a pointer to the PTE mapping va, descending through
// the three sv39 levels. When alloc is true, missing intermediate
// page-table pages are allocated (and zeroed) as needed; when false,
// a miss at any level returns ok=false.
func (vm *Vm_t) Walk(va uint64, alloc bool, hart int) (*Pte_t, bool) {
	if va >= MAXVA {
		panic("vm: walk on out-of-range address")
	}
	pa := vm.Root
	for level := 2; level > 0; level-- {
		pt := pagetable(vm.Phys, pa)
		idx := pagetableIndex(va, level)
		pte := &pt[idx]
		if *pte&PTE_V == 0 {
			if !alloc {
				return nil, false
			}
			npa, _, ok := vm.Phys.Kalloc(hart)
			if !ok {
				return nil, false
			}
			npt := pagetable(vm.Phys, npa)
			for i := range npt {
				npt[i] = 0
			}
			*pte = pa2pte(npa) | PTE_V
		}
		pa = pte2pa(*pte)
	}
	pt := pagetable(vm.Phys, pa)
	return &pt[pagetableIndex(va, 0)], true
}

// Walkaddr translates a user virtual address to its backing physical
// frame. It requires the PTE be valid and user-accessible; it does
// not resolve page faults (callers needing fault resolution go
// through HandlePageFault first).
func (vm *Vm_t) Walkaddr(va uint64) (mem.Pa_t, bool) {
	pte, ok := vm.Walk(va, false, 0)
	if !ok || pte == nil {
		return 0, false
	}
	if *pte&PTE_V == 0 || *pte&PTE_U == 0 {
		return 0, false
	}
	return pte2pa(*pte), true
}

// Mappages installs a single PGSIZE mapping va -> pa with the given
// permission bits. It panics if va is already mapped: remapping
// silently would hide a double-allocation bug.
func (vm *Vm_t) Mappages(va uint64, pa mem.Pa_t, perm Pte_t, hart int) bool {
	pte, ok := vm.Walk(va, true, hart)
	if !ok {
		return false
	}
	if *pte&PTE_V != 0 {
		panic("vm: remap of already-mapped page")
	}
	*pte = pa2pte(pa) | perm | PTE_V
	return true
}

// Uvmunmap removes npages mappings starting at va. If freeFrames is
// set, each unmapped frame's reference is dropped via Kfree; the
// caller must not set it for pages (like a COW sibling's frame) still
// referenced elsewhere.
func (vm *Vm_t) Uvmunmap(va uint64, npages int, freeFrames bool, hart int) {
	if va%PGSIZE != 0 {
		panic("vm: unmap of unaligned address")
	}
	for i := 0; i < npages; i++ {
		a := va + uint64(i)*PGSIZE
		pte, ok := vm.Walk(a, false, hart)
		if !ok || pte == nil || *pte&PTE_V == 0 {
			continue
		}
		if freeFrames {
			vm.Phys.Kfree(hart, pte2pa(*pte))
		}
		*pte = 0
	}
}

// Uvmalloc grows the address space from oldsz to newsz, mapping fresh
// zero-filled, user-writable-and-executable pages for the new range.
// On allocation failure it rolls back everything it mapped so the
// address space is left exactly as it was.
func (vm *Vm_t) Uvmalloc(oldsz, newsz uint64, hart int) (uint64, bool) {
	if newsz <= oldsz {
		return oldsz, true
	}
	start := util.Roundup(oldsz, uint64(PGSIZE))
	for a := start; a < newsz; a += PGSIZE {
		pa, pg, ok := vm.Phys.Kalloc(hart)
		if !ok {
			vm.Uvmdealloc(a, oldsz, hart)
			return oldsz, false
		}
		for i := range pg {
			pg[i] = 0
		}
		if !vm.Mappages(a, pa, PTE_R|PTE_W|PTE_X|PTE_U, hart) {
			vm.Phys.Kfree(hart, pa)
			vm.Uvmdealloc(a, oldsz, hart)
			return oldsz, false
		}
	}
	vm.Sz = newsz
	return newsz, true
}

// Uvmdealloc shrinks the address space from oldsz down to newsz,
// freeing the frames backing the removed range. Used directly by
// sbrk(2) for negative increments, and by Uvmalloc to unwind a
// partial allocation.
func (vm *Vm_t) Uvmdealloc(oldsz, newsz uint64, hart int) uint64 {
	if newsz >= oldsz {
		return oldsz
	}
	lo := util.Roundup(newsz, uint64(PGSIZE))
	hi := util.Roundup(oldsz, uint64(PGSIZE))
	if hi > lo {
		vm.Uvmunmap(lo, int((hi-lo)/PGSIZE), true, hart)
	}
	vm.Sz = newsz
	return newsz
}

// Uvmcopy implements fork's copy-on-write address-space duplication:
// for every present user page in vm, it clears the writable bit,
// marks the PTE COW, bumps the frame's refcount, and installs an
// identical mapping in child. No page contents are copied; the first
// write to a shared page by either process later triggers
// HandlePageFault to actually duplicate it.
func (vm *Vm_t) Uvmcopy(child *Vm_t, hart int) bool {
	for va := uint64(0); va < vm.Sz; va += PGSIZE {
		pte, ok := vm.Walk(va, false, hart)
		if !ok || pte == nil || *pte&PTE_V == 0 {
			continue
		}
		if *pte&PTE_W != 0 {
			*pte = (*pte &^ PTE_W) | PTE_COW
		}
		pa := pte2pa(*pte)
		perm := *pte & (PTE_V | PTE_R | PTE_W | PTE_X | PTE_U | PTE_COW | PTE_A | PTE_D)
		if !child.Mappages(va, pa, perm, hart) {
			child.Uvmunmap(0, int(va/PGSIZE), true, hart)
			return false
		}
		vm.Phys.Kref(pa)
	}
	child.Sz = vm.Sz
	return true
}

// Uvmfree tears down the entire user region (freeing its frames) and
// then recursively frees the page-table pages themselves.
func (vm *Vm_t) Uvmfree(hart int) {
	if vm.Sz > 0 {
		vm.Uvmunmap(0, int(util.Roundup(vm.Sz, uint64(PGSIZE))/PGSIZE), true, hart)
	}
	vm.freewalk(vm.Root, 2, hart)
}

func (vm *Vm_t) freewalk(pa mem.Pa_t, level int, hart int) {
	pt := pagetable(vm.Phys, pa)
	if level > 0 {
		for _, pte := range pt {
			if pte&PTE_V != 0 && pte&(PTE_R|PTE_W|PTE_X) == 0 {
				vm.freewalk(pte2pa(pte), level-1, hart)
			}
		}
	}
	vm.Phys.Kfree(hart, pa)
}

// HandlePageFault resolves a fault at va. It returns defs.EFAULT when
// va lies outside the process, the fault is not a recognized COW
// fault, or allocation fails; in every such case the caller kills
// the process rather than retrying.
func (vm *Vm_t) HandlePageFault(va uint64, hart int) defs.Err_t {
	vm.LockPmap()
	defer vm.UnlockPmap()
	return vm.handlePageFaultLocked(va, hart)
}

func (vm *Vm_t) handlePageFaultLocked(va uint64, hart int) defs.Err_t {
	if va >= vm.Sz {
		return defs.EFAULT
	}
	page := va &^ (PGSIZE - 1)
	pte, ok := vm.Walk(page, false, hart)
	if !ok || pte == nil {
		return defs.EFAULT
	}
	if *pte&PTE_COW == 0 {
		return defs.EFAULT
	}
	oldpa := pte2pa(*pte)
	var newpa mem.Pa_t
	if vm.Phys.Refcnt(oldpa) == 1 {
		// Uniquely owned: no one else can be sharing it, so just
		// upgrade the mapping in place instead of copying.
		newpa = oldpa
	} else {
		pa, pg, ok := vm.Phys.Kalloc(hart)
		if !ok {
			return defs.ENOMEM
		}
		*pg = *vm.Phys.Dmap(oldpa)
		vm.Phys.Kfree(hart, oldpa)
		newpa = pa
	}
	oldflags := *pte & (PTE_X | PTE_A | PTE_D)
	*pte = pa2pte(newpa) | PTE_V | PTE_R | PTE_W | PTE_U | oldflags
	return 0
}

// Copyout copies len(src) bytes from kernel memory into the user
// address space at dstva, resolving any copy-on-write fault the
// write provokes along the way (a write into a COW page must
// duplicate it before the copy, exactly like a user-mode store
// would).
func (vm *Vm_t) Copyout(dstva uint64, src []byte, hart int) bool {
	n := len(src)
	for n > 0 {
		page := dstva &^ (PGSIZE - 1)
		off := dstva - page
		pa, ok := vm.resolveWrite(page, hart)
		if !ok {
			return false
		}
		frame := vm.Phys.Dmap(pa)
		ncopy := uint64(PGSIZE) - off
		if ncopy > uint64(n) {
			ncopy = uint64(n)
		}
		copy(frame[off:off+ncopy], src[:ncopy])
		src = src[ncopy:]
		n -= int(ncopy)
		dstva = page + PGSIZE
	}
	return true
}

func (vm *Vm_t) resolveWrite(page uint64, hart int) (mem.Pa_t, bool) {
	pte, ok := vm.Walk(page, false, hart)
	needFault := !ok || pte == nil || *pte&PTE_V == 0 || *pte&PTE_COW != 0
	if needFault {
		if err := vm.HandlePageFault(page, hart); err != 0 {
			return 0, false
		}
		pte, ok = vm.Walk(page, false, hart)
		if !ok || pte == nil {
			return 0, false
		}
	}
	if *pte&PTE_U == 0 {
		return 0, false
	}
	return pte2pa(*pte), true
}

// Copyin copies len(dst) bytes from the user address space at srcva
// into dst.
func (vm *Vm_t) Copyin(dst []byte, srcva uint64, hart int) bool {
	n := len(dst)
	for n > 0 {
		page := srcva &^ (PGSIZE - 1)
		off := srcva - page
		pa, ok := vm.Walkaddr(page)
		if !ok {
			return false
		}
		frame := vm.Phys.Dmap(pa)
		ncopy := uint64(PGSIZE) - off
		if ncopy > uint64(n) {
			ncopy = uint64(n)
		}
		copy(dst[:ncopy], frame[off:off+ncopy])
		dst = dst[ncopy:]
		n -= int(ncopy)
		srcva = page + PGSIZE
	}
	return true
}

// Copyinstr copies a NUL-terminated string from user memory at srcva
// into dst, stopping at the first NUL or when dst fills up. It
// returns the number of bytes copied (including the NUL, if found)
// and whether a terminator was found within len(dst).
func (vm *Vm_t) Copyinstr(dst []byte, srcva uint64, hart int) (int, bool) {
	got := 0
	for got < len(dst) {
		page := srcva &^ (PGSIZE - 1)
		off := srcva - page
		pa, ok := vm.Walkaddr(page)
		if !ok {
			return got, false
		}
		frame := vm.Phys.Dmap(pa)
		for off < PGSIZE && got < len(dst) {
			c := frame[off]
			dst[got] = c
			got++
			off++
			srcva++
			if c == 0 {
				return got, true
			}
		}
	}
	return got, false
}
