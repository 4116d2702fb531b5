package mem

import "testing"

func TestKallocKfreeRefcount(t *testing.T) {
	p := NewPhysmem(16)
	start := p.Nfree()

	pa, pg, ok := p.Kalloc(0)
	if !ok {
		t.Fatalf("Kalloc failed with free frames available")
	}
	for _, b := range pg {
		if b != allocJunk {
			t.Fatalf("freshly allocated page not poisoned with allocJunk")
		}
	}
	if p.Refcnt(pa) != 1 {
		t.Fatalf("refcnt = %d, want 1", p.Refcnt(pa))
	}

	p.Kref(pa)
	if p.Refcnt(pa) != 2 {
		t.Fatalf("refcnt after Kref = %d, want 2", p.Refcnt(pa))
	}

	p.Kfree(0, pa)
	if p.Refcnt(pa) != 1 {
		t.Fatalf("refcnt after one Kfree = %d, want 1", p.Refcnt(pa))
	}
	if p.Nfree() != start-PGSIZE {
		t.Fatalf("Nfree = %d, want %d", p.Nfree(), start-PGSIZE)
	}

	p.Kfree(0, pa)
	if p.Nfree() != start {
		t.Fatalf("Nfree after final free = %d, want %d", p.Nfree(), start)
	}
}

func TestKfreeDoubleFreePanics(t *testing.T) {
	p := NewPhysmem(4)
	pa, _, _ := p.Kalloc(0)
	p.Kfree(0, pa)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on double free")
		}
	}()
	p.Kfree(0, pa)
}

func TestKallocStealsAcrossHarts(t *testing.T) {
	p := NewPhysmem(1)
	pa, _, ok := p.Kalloc(3)
	if !ok {
		t.Fatalf("Kalloc on hart 3 failed")
	}
	p.Kfree(3, pa)

	// The only free frame now lives on hart 3's list; hart 0 must
	// steal it rather than fail.
	if _, _, ok := p.Kalloc(0); !ok {
		t.Fatalf("Kalloc on hart 0 should have stolen hart 3's free frame")
	}
}

func TestKallocExhaustion(t *testing.T) {
	p := NewPhysmem(2)
	if _, _, ok := p.Kalloc(0); !ok {
		t.Fatalf("first Kalloc should succeed")
	}
	if _, _, ok := p.Kalloc(0); !ok {
		t.Fatalf("second Kalloc should succeed")
	}
	if _, _, ok := p.Kalloc(0); ok {
		t.Fatalf("Kalloc should fail once frames are exhausted")
	}
}
