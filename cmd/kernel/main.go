// Command kernel boots the simulated machine: it maps physical
// memory, attaches the virtio disk backing a fs.Fs_t, spawns one
// scheduler per simulated hart, and starts the init process with its
// current directory rooted at the mounted filesystem's root inode.
//
// There is no real hardware underneath this, so "boot" means standing
// up the same objects a real RISC-V boot path would hand the kernel
// (a Physmem_t describing DRAM, a Disk_t behind an MMIO window) and
// letting proc.Scheduler take over from there, the same division of
// labor entry.S/start.c hands off to main.c in the source kernel.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"bio"
	"fd"
	"fs"
	"limits"
	"mem"
	"proc"
	"scall"
	"ustr"
	"virtio"
)

func main() {
	var (
		diskPath = flag.String("disk", "fs.img", "path to the disk image built by mkfs")
		nharts   = flag.Int("harts", 2, "number of simulated harts (capped at limits.NCPU)")
		nframes  = flag.Int("memframes", 4096, "number of physical page frames to simulate")
		nblocks  = flag.Int("diskblocks", 4096, "disk image size in blocks, if it needs creating")
	)
	flag.Parse()

	if *nharts < 1 || *nharts > limits.NCPU {
		fmt.Fprintf(os.Stderr, "kernel: -harts must be in [1, %d]\n", limits.NCPU)
		os.Exit(1)
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)

	phys := mem.NewPhysmem(*nframes)

	disk, err := virtio.Open(*diskPath, *nblocks)
	if err != nil {
		logger.Fatalf("kernel: opening disk image %q: %v", *diskPath, err)
	}

	bc := bio.NewBcache(disk)

	// The clock "ISR": one tick per 100ms, the granularity sleep(2)
	// and uptime(2) observe.
	go func() {
		for range time.Tick(100 * time.Millisecond) {
			proc.Tick()
		}
	}()

	var eg errgroup.Group
	for h := 0; h < *nharts; h++ {
		hart := h
		eg.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("hart %d: %v", hart, r)
				}
			}()
			logger.Printf("[hart%d] scheduler online", hart)
			proc.Scheduler(hart)
			return nil
		})
	}

	initp, aerr := proc.Allocproc(phys, 0)
	if aerr != 0 {
		logger.Fatalf("kernel: allocating init process: %v", aerr)
	}
	initp.Name = "init"
	proc.SetInitProc(initp)

	booted := make(chan struct{})
	initp.Start(0, func(self *proc.Proc_t) {
		rootfs := fs.NewFs(bc, 0, self)
		scall.Init(rootfs, phys)

		rootfs.Begin_op(self)
		rootip, nerr := rootfs.Namei(ustr.MkUstrRoot(), self)
		rootfs.End_op(self)
		if nerr != 0 {
			panic("kernel: root inode missing from disk image; run mkfs first")
		}
		rootFile := fs.NewFile(rootfs, rootip, true, false, false)
		self.Cwd = fd.MkRootCwd(&fd.Fd_t{Fops: rootFile, Perms: fd.FD_READ})

		logger.Printf("[hart0] init process %d running, root inode %d", self.Pid, rootip.Inum())
		close(booted)

		// The init body itself (forking a shell, reaping orphans) is an
		// exec-dependent boot sequence out of scope here (scall.sysExec
		// is a stub); init simply idles so the scheduler has a live
		// RUNNING process to account time against.
		for {
			proc.Yield(self)
		}
	})

	<-booted
	logger.Printf("kernel: boot complete, %d hart(s) online, disk %q", *nharts, *diskPath)

	if err := eg.Wait(); err != nil {
		logger.Fatalf("kernel: %v", err)
	}
}
