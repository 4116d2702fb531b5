package pipe

import (
	"sort"
	"sync"
	"testing"

	"defs"
	"fdops"
	"mem"
	"proc"
)

// sliceUio is a minimal fdops.Uio_i over a plain byte slice, standing
// in for the user-memory-backed Uio_i a syscall would hand Read/Write
// in the live kernel.
type sliceUio struct {
	buf []uint8
	off int
}

func (u *sliceUio) Uioread(dst []uint8) (int, defs.Err_t) {
	n := copy(dst, u.buf[u.off:])
	u.off += n
	return n, 0
}

func (u *sliceUio) Uiowrite(src []uint8) (int, defs.Err_t) {
	n := copy(u.buf[u.off:], src)
	u.off += n
	return n, 0
}

func (u *sliceUio) Remain() int  { return len(u.buf) - u.off }
func (u *sliceUio) Totalsz() int { return len(u.buf) }

var _ fdops.Uio_i = (*sliceUio)(nil)

func startHart(t *testing.T) {
	t.Helper()
	proc.ResetTableForTests()
	go proc.Scheduler(0)
}

func newProc(t *testing.T, phys *mem.Physmem_t) *proc.Proc_t {
	t.Helper()
	p, err := proc.Allocproc(phys, 0)
	if err != 0 {
		t.Fatalf("Allocproc: %v", err)
	}
	return p
}

// TestPingPong runs a writer and a reader as two independent
// processes handing one message off across NewPipePair's two ends.
func TestPingPong(t *testing.T) {
	startHart(t)
	phys := mem.NewPhysmem(64)

	r, w := NewPipePair()

	msg := []byte("ping")
	got := make([]byte, len(msg))

	writer := newProc(t, phys)
	reader := newProc(t, phys)

	readerDone := make(chan struct{})
	reader.Start(0, func(self *proc.Proc_t) {
		dst := &sliceUio{buf: got}
		total := 0
		for total < len(got) {
			n, err := r.Read(dst, self)
			if err != 0 {
				t.Errorf("Read: %v", err)
				break
			}
			if n == 0 {
				break
			}
			total += n
		}
		close(readerDone)
	})

	writerDone := make(chan struct{})
	writer.Start(0, func(self *proc.Proc_t) {
		src := &sliceUio{buf: msg}
		if _, err := w.Write(src, self); err != 0 {
			t.Errorf("Write: %v", err)
		}
		if err := w.Close(self); err != 0 {
			t.Errorf("Close: %v", err)
		}
		close(writerDone)
	})

	<-writerDone
	<-readerDone

	if string(got) != string(msg) {
		t.Fatalf("got %q, want %q", got, msg)
	}
}

// TestReadAfterWriteCloseDrainsThenEOF checks that a reader observes
// every byte already written before seeing EOF, and EOF (0, 0) rather
// than an error once the write end is gone and the buffer is empty.
func TestReadAfterWriteCloseDrainsThenEOF(t *testing.T) {
	startHart(t)
	phys := mem.NewPhysmem(64)

	r, w := NewPipePair()
	p := newProc(t, phys)

	done := make(chan struct{})
	p.Start(0, func(self *proc.Proc_t) {
		src := &sliceUio{buf: []byte("hi")}
		if _, err := w.Write(src, self); err != 0 {
			t.Errorf("Write: %v", err)
		}
		if err := w.Close(self); err != 0 {
			t.Errorf("Close: %v", err)
		}

		buf := make([]byte, 2)
		dst := &sliceUio{buf: buf}
		n, err := r.Read(dst, self)
		if err != 0 || n != 2 {
			t.Errorf("Read: n=%d err=%v", n, err)
		}

		eofDst := &sliceUio{buf: make([]byte, 1)}
		n, err = r.Read(eofDst, self)
		if err != 0 || n != 0 {
			t.Errorf("Read after close: n=%d err=%v, want EOF", n, err)
		}
		close(done)
	})
	<-done
}

// readByte reads one byte from a pipe's read end, reporting EOF the
// same way a syscall-level reader would: (0, 0, false).
func readByte(r *ReadEnd_t, p *proc.Proc_t) (byte, bool) {
	buf := make([]byte, 1)
	dst := &sliceUio{buf: buf}
	n, err := r.Read(dst, p)
	if err != 0 || n == 0 {
		return 0, false
	}
	return buf[0], true
}

// TestPrimeSieveChain mirrors the recursive structure of the classic
// primes pipeline: the first number read on a
// stage's input is prime, and every later number not a multiple of it
// is forwarded to a freshly spawned next stage, until the input drains
// and the chain closes downstream.
func TestPrimeSieveChain(t *testing.T) {
	startHart(t)
	phys := mem.NewPhysmem(128)

	var numbers []byte
	for n := byte(2); n <= 35; n++ {
		numbers = append(numbers, n)
	}

	primesCh := make(chan byte, len(numbers))
	var wg sync.WaitGroup

	var spawnStage func(in *ReadEnd_t)
	spawnStage = func(in *ReadEnd_t) {
		wg.Add(1)
		p := newProc(t, phys)
		p.Start(0, func(self *proc.Proc_t) {
			defer wg.Done()
			prime, ok := readByte(in, self)
			if !ok {
				return
			}
			primesCh <- prime

			outR, outW := NewPipePair()
			spawned := false
			for {
				n, ok := readByte(in, self)
				if !ok {
					break
				}
				if n%prime != 0 {
					if !spawned {
						spawnStage(outR)
						spawned = true
					}
					src := &sliceUio{buf: []byte{n}}
					if _, err := outW.Write(src, self); err != 0 {
						t.Errorf("sieve stage %d: forward write: %v", prime, err)
					}
				}
			}
			outW.Close(self)
			if !spawned {
				outR.Close(self)
			}
		})
	}

	source := newProc(t, phys)
	r0, w0 := NewPipePair()
	spawnStage(r0)

	srcDone := make(chan struct{})
	source.Start(0, func(self *proc.Proc_t) {
		src := &sliceUio{buf: numbers}
		if _, err := w0.Write(src, self); err != 0 {
			t.Errorf("source write: %v", err)
		}
		w0.Close(self)
		close(srcDone)
	})
	<-srcDone

	wg.Wait()
	close(primesCh)

	var got []byte
	for p := range primesCh {
		got = append(got, p)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })

	want := []byte{2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31}
	if len(got) != len(want) {
		t.Fatalf("got %v primes, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

// TestWriteAfterReadCloseReturnsEPIPE checks that writing into a pipe
// whose read end has already closed fails with EPIPE instead of
// blocking forever.
func TestWriteAfterReadCloseReturnsEPIPE(t *testing.T) {
	startHart(t)
	phys := mem.NewPhysmem(64)

	r, w := NewPipePair()
	p := newProc(t, phys)

	done := make(chan struct{})
	p.Start(0, func(self *proc.Proc_t) {
		if err := r.Close(self); err != 0 {
			t.Errorf("Close: %v", err)
		}
		src := &sliceUio{buf: []byte("x")}
		if _, err := w.Write(src, self); err != defs.EPIPE {
			t.Errorf("Write after reader closed: err=%v, want EPIPE", err)
		}
		close(done)
	})
	<-done
}
