// Package virtio implements a legacy virtio-mmio block device driver:
// a split-ring queue of NUM descriptors, three per outstanding
// request (header, data, status), with interrupt-driven completion.
//
// There is no real MMIO bus in this simulation, so the "device" side
// of the ring is a goroutine backed by the disk image itself rather
// than a piece of hardware the driver pokes registers at. The
// driver/device split, the descriptor bitmap, and the sleep-until-
// completion contract are the standard legacy virtio-blk ones:
// allocate a 3-descriptor chain (sleeping if none is free), publish
// it, notify the device, then sleep on the buffer itself until the
// device's completion handler clears buf.Disk and wakes it.
package virtio

import (
	"os"

	"golang.org/x/sys/unix"

	"bio"
	"proc"
	"spinlock"
)

// NUM is the number of descriptors in the queue. Every request
// consumes three, so NUM/3 requests may be outstanding at once.
const NUM = 24

// irqHart is a dedicated, never-scheduled Hart_t used only to drive
// d.Lock's acquire/release bookkeeping from the completion handler,
// which runs in simulated interrupt context rather than on behalf of
// any process.
var irqHart = &spinlock.Hart_t{ID: -2}

// Disk_t is one virtio-mmio block device: the descriptor free-bitmap
// and per-descriptor completion bookkeeping, plus the mmap'd disk
// image the "device" goroutine reads and writes directly, the same
// DMA-style shared-memory contract a real virtio device has with its
// driver.
type Disk_t struct {
	Lock *spinlock.Spinlock_t

	free       [NUM]bool
	infoBuf    [NUM]*bio.Buf_t
	infoWrite  [NUM]bool
	infoStatus [NUM]uint8

	img  *os.File
	data []byte

	notify   chan uint32 // driver -> device: head descriptor published
	usedRing chan uint32 // device -> completion handler: head descriptor done
}

// Open maps path as the backing disk image, creating and sizing it to
// nblocks bio.BSIZE-byte blocks if it doesn't already exist, and
// starts the device and completion-handler goroutines.
func Open(path string, nblocks int) (*Disk_t, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	size := int64(nblocks) * bio.BSIZE
	if fi, statErr := f.Stat(); statErr == nil && fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
	}
	// Best-effort: not every filesystem backing the image supports
	// fallocate (tmpfs notably doesn't on some kernels); Truncate
	// above already guarantees the image is the right size either way.
	_ = unix.Fallocate(int(f.Fd()), 0, 0, size)

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	d := &Disk_t{
		Lock:     spinlock.Mkspinlock("virtio_disk"),
		img:      f,
		data:     data,
		notify:   make(chan uint32, NUM),
		usedRing: make(chan uint32, NUM),
	}
	for i := range d.free {
		d.free[i] = true
	}
	go d.deviceLoop()
	go d.completionPump()
	return d, nil
}

// Close tears down the mapping and the backing file. Callers must
// stop issuing Rw calls first; Close does not drain in-flight
// requests.
func (d *Disk_t) Close() error {
	if err := unix.Munmap(d.data); err != nil {
		return err
	}
	return d.img.Close()
}

func (d *Disk_t) allocDesc() (int, bool) {
	for i := range d.free {
		if d.free[i] {
			d.free[i] = false
			return i, true
		}
	}
	return 0, false
}

func (d *Disk_t) freeDesc(i int) {
	if d.free[i] {
		panic("virtio: freeDesc: already free")
	}
	d.free[i] = true
	d.infoBuf[i] = nil
	d.infoWrite[i] = false
	d.infoStatus[i] = 0
}

func (d *Disk_t) alloc3Desc() ([3]int, bool) {
	var idx [3]int
	for i := 0; i < 3; i++ {
		id, ok := d.allocDesc()
		if !ok {
			for j := 0; j < i; j++ {
				d.freeDesc(idx[j])
			}
			return idx, false
		}
		idx[i] = id
	}
	return idx, true
}

// Rw issues a synchronous read or write of b, blocking the calling
// process until the device completes it. It satisfies bio.Disk_i.
func (d *Disk_t) Rw(p *proc.Proc_t, b *bio.Buf_t, write bool) {
	h := p.CurHart()
	d.Lock.Acquire(h)

	var idx [3]int
	for {
		var ok bool
		idx, ok = d.alloc3Desc()
		if ok {
			break
		}
		proc.Sleep(p, &d.free, proc.SpinLocker{L: d.Lock})
		h = p.CurHart()
	}

	head := idx[0]
	d.infoBuf[head] = b
	d.infoWrite[head] = write
	d.infoStatus[head] = 0xff // device writes 0 on success
	b.Disk = true

	d.Lock.Release(h)

	// Publish the chain head and notify the device. A real driver
	// brackets both steps with memory fences so the device never
	// observes avail.idx advance before the descriptor it points at is
	// fully written; ordinary goroutine scheduling gives us the same
	// ordering here since the device only ever reads infoBuf/infoWrite
	// after receiving on notify.
	d.notify <- uint32(head)

	d.Lock.Acquire(h)
	waitStart := p.Accnt.Now()
	for b.Disk {
		proc.Sleep(p, b, proc.SpinLocker{L: d.Lock})
		h = p.CurHart()
	}
	p.Accnt.Io_time(waitStart)
	d.freeDesc(idx[0])
	d.freeDesc(idx[1])
	d.freeDesc(idx[2])
	d.Lock.Release(h)

	proc.Wakeup(p, &d.free)
}

// deviceLoop stands in for the virtio device: it performs the actual
// transfer against the mmap'd image and hands the completed chain
// head to the completion pump, the used-ring's role in the real
// protocol.
func (d *Disk_t) deviceLoop() {
	for head := range d.notify {
		i := int(head)
		b := d.infoBuf[i]
		off := int64(b.Blockno) * bio.BSIZE
		if d.infoWrite[i] {
			copy(d.data[off:off+bio.BSIZE], b.Data[:])
		} else {
			copy(b.Data[:], d.data[off:off+bio.BSIZE])
		}
		d.infoStatus[i] = 0
		d.usedRing <- head
	}
}

// completionPump is the interrupt handler: for every entry the device
// places in the used ring, verify its status, clear the buffer's
// disk-pending flag, and wake whoever is sleeping on it.
func (d *Disk_t) completionPump() {
	for head := range d.usedRing {
		d.Lock.Acquire(irqHart)
		i := int(head)
		if d.infoStatus[i] != 0 {
			panic("virtio: completion with nonzero status")
		}
		b := d.infoBuf[i]
		b.Disk = false
		d.Lock.Release(irqHart)
		proc.WakeupIRQ(b)
	}
}
