// Package fdops defines the interface an open file description must
// implement to sit behind a file descriptor: regular files, pipes and
// device files all satisfy it, letting package fd and the syscall
// layer stay ignorant of which kind of object a descriptor refers to.
package fdops

import (
	"defs"
	"proc"
)

// Uio_i abstracts a source or destination for a read/write transfer,
// so file system and pipe code can move bytes without knowing whether
// the other end lives in user memory or in a kernel-only test buffer.
type Uio_i interface {
	Uioread(dst []uint8) (int, defs.Err_t)
	Uiowrite(src []uint8) (int, defs.Err_t)
	Remain() int
	Totalsz() int
}

// Fdops_i is the operation set every open file description exposes.
// Read, Write and Close take the calling process so an implementation
// backed by a pipe or a device can block on proc.Sleep/Wakeup; Reopen,
// Lseek and Fstat never block and need no process context.
type Fdops_i interface {
	Read(dst Uio_i, p *proc.Proc_t) (int, defs.Err_t)
	Write(src Uio_i, p *proc.Proc_t) (int, defs.Err_t)
	Close(p *proc.Proc_t) defs.Err_t
	Reopen() defs.Err_t
	Lseek(off int, whence int) (int, defs.Err_t)
	Fstat(st Stat_i) defs.Err_t
}

// Stat_i is the subset of stat.Stat_t that fdops needs to populate,
// kept as an interface here so this package need not import stat and
// create a cycle back through fs.
type Stat_i interface {
	Wdev(uint)
	Wino(uint)
	Wmode(uint)
	Wnlink(uint)
	Wsize(uint)
}
