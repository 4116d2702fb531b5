package fs

import (
	"sync"
	"sync/atomic"

	"defs"
	"fdops"
	"proc"
)

// File_t is an open file description backing a regular inode: the
// fdops.Fdops_i an open(2) of a T_FILE or T_DEV inode installs behind
// a file descriptor. Offset tracking and append-mode are exactly the
// concerns fdops leaves to the implementor; everything else forwards
// straight to the mounted Fs_t's Readi/Writei/Stati.
//
// dup(2)/fork share one File_t (fd.Copyfd copies the Fd_t wrapper, not
// the Fops it points at), so ref counts descriptor-table references to
// this description the way a real open-file-table entry does; the
// backing inode is iput exactly once, when the last descriptor
// referencing this File_t closes.
type File_t struct {
	sync.Mutex // serializes concurrent reads/writes sharing one offset
	fs         *Fs_t
	ip         *Inode_t
	off        uint32
	append     bool
	readable   bool
	writable   bool
	ref        int32
}

// NewFile wraps an already-Idup'd, unlocked ip as an open file
// description. The caller must have obtained ip via Ialloc/Namei/Idup
// so it carries its own inode-table reference.
func NewFile(fsys *Fs_t, ip *Inode_t, readable, writable, appendMode bool) *File_t {
	return &File_t{fs: fsys, ip: ip, readable: readable, writable: writable, append: appendMode, ref: 1}
}

var _ fdops.Fdops_i = (*File_t)(nil)

func (f *File_t) Read(dst fdops.Uio_i, p *proc.Proc_t) (int, defs.Err_t) {
	if !f.readable {
		return 0, defs.EPERM
	}
	f.Lock()
	defer f.Unlock()

	f.fs.Ilock(f.ip, p)
	n, err := f.fs.Readi(f.ip, dst, f.off, uint32(dst.Remain()), p)
	f.fs.Iunlock(f.ip, p)
	if err != 0 {
		return 0, err
	}
	f.off += n
	return int(n), 0
}

func (f *File_t) Write(src fdops.Uio_i, p *proc.Proc_t) (int, defs.Err_t) {
	if !f.writable {
		return 0, defs.EPERM
	}
	f.Lock()
	defer f.Unlock()

	f.fs.Begin_op(p)
	f.fs.Ilock(f.ip, p)
	if f.append {
		f.off = f.ip.Size
	}
	n, err := f.fs.Writei(f.ip, src, f.off, uint32(src.Totalsz()), p)
	f.fs.Iunlock(f.ip, p)
	f.fs.End_op(p)
	if err != 0 {
		return int(n), err
	}
	f.off += n
	return int(n), 0
}

// Close drops this descriptor's reference on the open file
// description. Only the last reference (ref reaching zero) actually
// iputs the backing inode; every earlier Close just lets go of one
// descriptor-table entry, the same "ref count the open file, not each
// descriptor" discipline pipe.ReadEnd_t/WriteEnd_t already follow.
func (f *File_t) Close(p *proc.Proc_t) defs.Err_t {
	if atomic.AddInt32(&f.ref, -1) > 0 {
		return 0
	}
	f.fs.Begin_op(p)
	f.fs.Iput(f.ip, p)
	f.fs.End_op(p)
	return 0
}

// Reopen registers one more descriptor-table reference on this open
// file description, the operation fd.Copyfd (dup2, fork) relies on.
// It is atomic rather than itableLock-guarded since Fdops_i gives
// Reopen no *proc.Proc_t to acquire a hart-keyed spinlock with, and
// this count is private to File_t rather than shared with Iget/Iput's
// inode-table bookkeeping.
func (f *File_t) Reopen() defs.Err_t {
	atomic.AddInt32(&f.ref, 1)
	return 0
}

// Lseek repositions the file offset. SEEK_SET/SEEK_CUR/SEEK_END match
// the conventional whence values 0/1/2.
func (f *File_t) Lseek(off int, whence int) (int, defs.Err_t) {
	f.Lock()
	defer f.Unlock()

	switch whence {
	case 0:
		f.off = uint32(off)
	case 1:
		f.off = uint32(int(f.off) + off)
	case 2:
		f.off = uint32(int(f.ip.Size) + off)
	default:
		return 0, defs.EINVAL
	}
	return int(f.off), 0
}

// Fstat copies the backing inode's metadata out. Fdops_i gives Fstat
// no process argument to lock the inode with, so this reads the
// cached fields directly rather than going through Ilock/Iunlock; the
// fields Stati copies only change under a held lock elsewhere, so a
// concurrent fstat(2) can race a concurrent write by at most one
// generation, the same looseness xv6's own fstat has.
func (f *File_t) Fstat(st fdops.Stat_i) defs.Err_t {
	f.fs.Stati(f.ip, st)
	return 0
}
