package scall

import (
	"sync/atomic"
	"testing"
	"time"

	"bio"
	"defs"
	"fd"
	"fs"
	"mem"
	"proc"
	"ustr"
	"util"
)

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

func run(p *proc.Proc_t, fn func(*proc.Proc_t)) {
	done := make(chan struct{})
	p.Start(0, func(self *proc.Proc_t) {
		fn(self)
		close(done)
	})
	<-done
}

const (
	fsmagic = 0x10203040
	ipbTest = bio.BSIZE / (2 + 2 + 2 + 2 + 4 + 4*13)

	testNinodes     = 32
	testNlog        = 20
	testLogstart    = 2
	testInodeBlocks = (testNinodes + ipbTest - 1) / ipbTest
	testInodestart  = testLogstart + testNlog
	testBmapstart   = testInodestart + testInodeBlocks
	testDataStart   = testBmapstart + 1
	testSize        = testDataStart + 300
)

type memDisk struct {
	blocks map[uint64][bio.BSIZE]byte
}

func (d *memDisk) Rw(p *proc.Proc_t, b *bio.Buf_t, write bool) {
	if write {
		d.blocks[b.Blockno] = b.Data
	} else {
		b.Data = d.blocks[b.Blockno]
	}
}

// mkRawDisk lays out a from-scratch disk image by hand, the same
// minimal encoding mkfs itself writes: a superblock, a zeroed log
// header, and a bitmap with every metadata block pre-marked in use.
func mkRawDisk() *memDisk {
	d := &memDisk{blocks: make(map[uint64][bio.BSIZE]byte)}

	var sbBlk [bio.BSIZE]byte
	util.Writen(sbBlk[:], 4, 0, fsmagic)
	util.Writen(sbBlk[:], 4, 4, testSize)
	util.Writen(sbBlk[:], 4, 8, testSize-testDataStart)
	util.Writen(sbBlk[:], 4, 12, testNinodes)
	util.Writen(sbBlk[:], 4, 16, testNlog)
	util.Writen(sbBlk[:], 4, 20, testLogstart)
	util.Writen(sbBlk[:], 4, 24, testInodestart)
	util.Writen(sbBlk[:], 4, 28, testBmapstart)
	d.blocks[1] = sbBlk

	var bmBlk [bio.BSIZE]byte
	for b := uint32(0); b < testDataStart; b++ {
		bmBlk[b/8] |= 1 << (b % 8)
	}
	d.blocks[uint64(testBmapstart)] = bmBlk

	return d
}

func mountTestFs(p *proc.Proc_t) *fs.Fs_t {
	bc := bio.NewBcache(mkRawDisk())
	fsys := fs.NewFs(bc, 0, p)

	fsys.Begin_op(p)
	root := fsys.Ialloc(defs.T_DIR, p)
	fsys.Ilock(root, p)
	root.Nlink = 1
	fsys.Iupdate(root, p)
	if err := fsys.Dirlink(root, ustr.MkUstrDot(), root.Inum(), p); err != 0 {
		panic("mountTestFs: dirlink .")
	}
	if err := fsys.Dirlink(root, ustr.DotDot, root.Inum(), p); err != 0 {
		panic("mountTestFs: dirlink ..")
	}
	fsys.Iunlockput(root, p)
	fsys.End_op(p)

	return fsys
}

// rootCwdForTest opens the mounted root directory and wraps it in a
// Cwd_t, the same handle cmd/kernel installs on the init process
// before any path-based syscall can resolve a relative path.
func rootCwdForTest(fsys *fs.Fs_t, p *proc.Proc_t) *fd.Cwd_t {
	fsys.Begin_op(p)
	root, err := fsys.Namei(ustr.MkUstrRoot(), p)
	fsys.End_op(p)
	if err != 0 {
		panic("rootCwdForTest: namei /")
	}
	rootFile := fs.NewFile(fsys, root, true, false, false)
	return fd.MkRootCwd(&fd.Fd_t{Fops: rootFile, Perms: fd.FD_READ})
}

func TestArgAccessors(t *testing.T) {
	tf := &Trapframe_t{Args: [6]uint64{0xffffffffffffffff, 42, 0x1000}}
	if got := Argint(tf, 0); got != -1 {
		t.Fatalf("Argint(0) = %d, want -1", got)
	}
	if got := Argint(tf, 1); got != 42 {
		t.Fatalf("Argint(1) = %d, want 42", got)
	}
	if got := Argaddr(tf, 2); got != 0x1000 {
		t.Fatalf("Argaddr(2) = %#x, want 0x1000", got)
	}
}

func TestSysGetpid(t *testing.T) {
	startHart(t)
	phys := mem.NewPhysmem(64)
	p := newProc(t, phys)

	run(p, func(self *proc.Proc_t) {
		got := sysGetpid(self, &Trapframe_t{})
		if got != int64(self.Pid) {
			t.Fatalf("sysGetpid = %d, want %d", got, self.Pid)
		}
	})
}

func TestSysSbrkGrowsThenShrinks(t *testing.T) {
	startHart(t)
	phys := mem.NewPhysmem(64)
	p := newProc(t, phys)

	run(p, func(self *proc.Proc_t) {
		const pgsize = 4096
		pgsizeVar := int64(pgsize)
		negPgsize := uint64(-pgsizeVar)
		old := sysSbrk(self, &Trapframe_t{Args: [6]uint64{pgsize}})
		if old != 0 {
			t.Fatalf("first sbrk returned %d, want 0", old)
		}
		if self.Vm.Sz != pgsize {
			t.Fatalf("Vm.Sz = %d, want %d", self.Vm.Sz, pgsize)
		}

		old2 := sysSbrk(self, &Trapframe_t{Args: [6]uint64{negPgsize}})
		if old2 != pgsize {
			t.Fatalf("shrink sbrk returned %d, want %d", old2, pgsize)
		}
		if self.Vm.Sz != 0 {
			t.Fatalf("Vm.Sz after shrink = %d, want 0", self.Vm.Sz)
		}
	})
}

func TestPipeWriteReadRoundtripThroughSyscalls(t *testing.T) {
	startHart(t)
	phys := mem.NewPhysmem(64)
	p := newProc(t, phys)

	run(p, func(self *proc.Proc_t) {
		const pgsize = 4096
		sysSbrk(self, &Trapframe_t{Args: [6]uint64{pgsize}})
		fdsva := uint64(0)

		if ret := sysPipe(self, &Trapframe_t{Args: [6]uint64{fdsva}}); ret != 0 {
			t.Fatalf("sysPipe: %d", ret)
		}
		var fdsbuf [16]byte
		if !self.Vm.Copyin(fdsbuf[:], fdsva, self.CurHart().ID) {
			t.Fatalf("Copyin fd pair failed")
		}
		rfd := int64(0)
		wfd := int64(0)
		for i := 0; i < 8; i++ {
			rfd |= int64(fdsbuf[i]) << (8 * uint(i))
			wfd |= int64(fdsbuf[8+i]) << (8 * uint(i))
		}

		msgva := uint64(8)
		msg := []byte("ping")
		if !self.Vm.Copyout(msgva, msg, self.CurHart().ID) {
			t.Fatalf("Copyout message failed")
		}
		n := sysWrite(self, &Trapframe_t{Args: [6]uint64{uint64(wfd), msgva, uint64(len(msg))}})
		if n != int64(len(msg)) {
			t.Fatalf("sysWrite = %d, want %d", n, len(msg))
		}

		readva := uint64(64)
		rn := sysRead(self, &Trapframe_t{Args: [6]uint64{uint64(rfd), readva, uint64(len(msg))}})
		if rn != int64(len(msg)) {
			t.Fatalf("sysRead = %d, want %d", rn, len(msg))
		}
		var got [4]byte
		if !self.Vm.Copyin(got[:], readva, self.CurHart().ID) {
			t.Fatalf("Copyin readback failed")
		}
		if string(got[:]) != "ping" {
			t.Fatalf("got %q, want %q", got, "ping")
		}

		if ret := sysClose(self, &Trapframe_t{Args: [6]uint64{uint64(rfd)}}); ret != 0 {
			t.Fatalf("sysClose(r): %d", ret)
		}
		if ret := sysClose(self, &Trapframe_t{Args: [6]uint64{uint64(wfd)}}); ret != 0 {
			t.Fatalf("sysClose(w): %d", ret)
		}
	})
}

// TestConcurrentSbrkReturnsToInitialFreeCount: two processes racing
// sbrk growth/shrink cycles must leave the free
// frame count exactly where it started once both finish, since each
// grow is undone by a matching shrink. The baseline is captured after
// one warm-up cycle per process: the first grow also populates the
// intermediate page-table pages, which a shrink deliberately leaves in
// place for the next grow to reuse.
func TestConcurrentSbrkReturnsToInitialFreeCount(t *testing.T) {
	startHart(t)
	phys := mem.NewPhysmem(64)
	p1 := newProc(t, phys)
	p2 := newProc(t, phys)

	const iters = 50
	const pgsize = 4096
	pgsizeVar := int64(pgsize)
		negPgsize := uint64(-pgsizeVar)

	cycle := func(self *proc.Proc_t, i int) bool {
		old := sysSbrk(self, &Trapframe_t{Args: [6]uint64{pgsize}})
		if old < 0 {
			t.Errorf("sbrk grow failed on iteration %d", i)
			return false
		}
		back := sysSbrk(self, &Trapframe_t{Args: [6]uint64{negPgsize}})
		if back < 0 {
			t.Errorf("sbrk shrink failed on iteration %d", i)
			return false
		}
		return true
	}

	warm := make(chan struct{}, 2)
	var release uint32
	done1 := make(chan struct{})
	done2 := make(chan struct{})
	body := func(done chan struct{}) func(*proc.Proc_t) {
		return func(self *proc.Proc_t) {
			if !cycle(self, -1) {
				close(done)
				return
			}
			warm <- struct{}{}
			for atomic.LoadUint32(&release) == 0 {
				proc.Yield(self)
			}
			for i := 0; i < iters; i++ {
				if !cycle(self, i) {
					break
				}
			}
			close(done)
		}
	}
	p1.Start(0, body(done1))
	p2.Start(0, body(done2))
	<-warm
	<-warm

	initial := phys.Nfree()
	atomic.StoreUint32(&release, 1)
	<-done1
	<-done2

	if got := phys.Nfree(); got != initial {
		t.Fatalf("Nfree() = %d after concurrent sbrk churn, want %d", got, initial)
	}
}

func TestOpenWriteFstatThroughFs(t *testing.T) {
	startHart(t)
	phys := mem.NewPhysmem(64)
	p := newProc(t, phys)

	run(p, func(self *proc.Proc_t) {
		fsys := mountTestFs(self)
		Init(fsys, phys)

		self.Cwd = rootCwdForTest(fsys, self)

		const pgsize = 4096
		sysSbrk(self, &Trapframe_t{Args: [6]uint64{pgsize}})

		pathva := uint64(0)
		path := []byte("/hello\x00")
		if !self.Vm.Copyout(pathva, path, self.CurHart().ID) {
			t.Fatalf("Copyout path failed")
		}

		fdn := sysOpen(self, &Trapframe_t{Args: [6]uint64{pathva, uint64(defs.O_CREAT | defs.O_RDWR)}})
		if fdn < 0 {
			t.Fatalf("sysOpen: %d", fdn)
		}

		dataVa := uint64(64)
		data := []byte("hello, file system")
		self.Vm.Copyout(dataVa, data, self.CurHart().ID)
		wn := sysWrite(self, &Trapframe_t{Args: [6]uint64{uint64(fdn), dataVa, uint64(len(data))}})
		if wn != int64(len(data)) {
			t.Fatalf("sysWrite = %d, want %d", wn, len(data))
		}

		statVa := uint64(256)
		if ret := sysFstat(self, &Trapframe_t{Args: [6]uint64{uint64(fdn), statVa}}); ret != 0 {
			t.Fatalf("sysFstat: %d", ret)
		}
		var statbuf [40]byte
		self.Vm.Copyin(statbuf[:], statVa, self.CurHart().ID)
		size := uint64(0)
		for i := 0; i < 8; i++ {
			size |= uint64(statbuf[32+i]) << (8 * uint(i))
		}
		if size != uint64(len(data)) {
			t.Fatalf("fstat size = %d, want %d", size, len(data))
		}
	})
}

func TestSysSleepWakesAfterTicks(t *testing.T) {
	startHart(t)
	phys := mem.NewPhysmem(64)
	p := newProc(t, phys)

	// Stand-in for the boot glue's clock goroutine.
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				proc.Tick()
				time.Sleep(time.Millisecond)
			}
		}
	}()
	defer close(stop)

	run(p, func(self *proc.Proc_t) {
		before := proc.Ticks()
		if ret := sysSleep(self, &Trapframe_t{Args: [6]uint64{3}}); ret != 0 {
			t.Errorf("sysSleep: %d", ret)
		}
		if got := proc.Ticks() - before; got < 3 {
			t.Errorf("woke after %d ticks, want at least 3", got)
		}
	})
}

func TestSysSysinfoReportsFreememAndNproc(t *testing.T) {
	startHart(t)
	phys := mem.NewPhysmem(64)
	Init(nil, phys)
	p := newProc(t, phys)

	run(p, func(self *proc.Proc_t) {
		const pgsize = 4096
		sysSbrk(self, &Trapframe_t{Args: [6]uint64{pgsize}})

		infoVa := uint64(0)
		if ret := sysSysinfo(self, &Trapframe_t{Args: [6]uint64{infoVa}}); ret != 0 {
			t.Fatalf("sysSysinfo: %d", ret)
		}

		var buf [16]byte
		if !self.Vm.Copyin(buf[:], infoVa, self.CurHart().ID) {
			t.Fatalf("Copyin sysinfo buffer failed")
		}
		freemem := uint64(0)
		nproc := uint64(0)
		for i := 0; i < 8; i++ {
			freemem |= uint64(buf[i]) << (8 * uint(i))
			nproc |= uint64(buf[8+i]) << (8 * uint(i))
		}
		if freemem != uint64(physmem.Nfree()) {
			t.Fatalf("sysinfo freemem = %d, want %d", freemem, physmem.Nfree())
		}
		if nproc != uint64(proc.Nproc()) || nproc == 0 {
			t.Fatalf("sysinfo nproc = %d, want %d (nonzero)", nproc, proc.Nproc())
		}
	})
}
