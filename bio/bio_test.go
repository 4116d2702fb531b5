package bio

import (
	"testing"

	"limits"
	"mem"
	"proc"
)

// memDisk is a Disk_i backed by plain Go maps, standing in for the
// virtio driver in these unit tests.
type memDisk struct {
	blocks map[uint64][BSIZE]byte
}

func newMemDisk() *memDisk {
	return &memDisk{blocks: make(map[uint64][BSIZE]byte)}
}

func (d *memDisk) Rw(p *proc.Proc_t, b *Buf_t, write bool) {
	if write {
		d.blocks[b.Blockno] = b.Data
	} else {
		b.Data = d.blocks[b.Blockno]
	}
}

func startTestProc(t *testing.T) *proc.Proc_t {
	t.Helper()
	proc.ResetTableForTests()
	phys := mem.NewPhysmem(64)
	go proc.Scheduler(0)
	p, err := proc.Allocproc(phys, 0)
	if err != 0 {
		t.Fatalf("Allocproc: %v", err)
	}
	proc.SetInitProc(p)
	return p
}

func TestBreadBwriteRoundtrip(t *testing.T) {
	p := startTestProc(t)
	disk := newMemDisk()
	bc := NewBcache(disk)

	done := make(chan struct{})
	p.Start(0, func(self *proc.Proc_t) {
		b := bc.Bread(0, 5, self)
		copy(b.Data[:], "hello block")
		bc.Bwrite(b, self)
		bc.Brelse(b, self)

		b2 := bc.Bread(0, 5, self)
		if string(b2.Data[:11]) != "hello block" {
			t.Errorf("roundtrip mismatch: %q", b2.Data[:11])
		}
		bc.Brelse(b2, self)
		close(done)
	})
	<-done
}

func TestBgetSameBlockReturnsSameBuffer(t *testing.T) {
	p := startTestProc(t)
	bc := NewBcache(newMemDisk())

	done := make(chan struct{})
	p.Start(0, func(self *proc.Proc_t) {
		b1 := bc.Bget(1, 9, self)
		bc.Brelse(b1, self)
		b2 := bc.Bget(1, 9, self)
		if b1 != b2 {
			t.Errorf("expected the same buffer for repeated Bget")
		}
		bc.Brelse(b2, self)
		close(done)
	})
	<-done
}

func TestEvictionCyclesThroughAllBuffers(t *testing.T) {
	p := startTestProc(t)
	bc := NewBcache(newMemDisk())

	done := make(chan struct{})
	p.Start(0, func(self *proc.Proc_t) {
		// Touch more distinct blocks than there are buffers, each
		// released immediately, to exercise the eviction path without
		// ever exhausting the cache.
		for i := 0; i < limits.NBUF*2; i++ {
			b := bc.Bget(0, uint64(i), self)
			bc.Brelse(b, self)
		}
		close(done)
	})
	<-done
}
