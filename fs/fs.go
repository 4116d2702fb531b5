// Package fs implements the on-disk inode and block allocator and the
// directory layer built on top of it: everything between the write-
// ahead log and path resolution. Every mutating operation here must
// run inside a log transaction (Begin_op/End_op held by the caller),
// since iput may truncate and balloc/bfree/iupdate all write through
// the log.
package fs

import (
	"fdops"

	"bio"
	"defs"
	"limits"
	"proc"
	"sleeplock"
	"spinlock"
	"txlog"
	"util"
)

const (
	// NDIRECT is the number of direct block pointers an inode carries.
	NDIRECT = 12
	// NINDIRECT is the number of block pointers reachable through the
	// single indirect block at addrs[NDIRECT].
	NINDIRECT = bio.BSIZE / 4
	// MAXFILE is the largest file size expressible, in blocks.
	MAXFILE = NDIRECT + NINDIRECT

	// DIRSIZ is the maximum length of one path component stored in a
	// directory entry.
	DIRSIZ = 14
	// direntsz is the on-disk size of one directory entry: a uint16
	// inode number followed by a DIRSIZ-byte name.
	direntsz = 2 + DIRSIZ

	// dinodesz is the on-disk size of one inode record.
	dinodesz = 2 + 2 + 2 + 2 + 4 + 4*(NDIRECT+1)
	// ipb is the number of inode records per disk block.
	ipb = bio.BSIZE / dinodesz
	// bpb is the number of bitmap bits (free-block flags) per block.
	bpb = bio.BSIZE * 8

	// ROOTINO is the inode number of the root directory.
	ROOTINO = 1
	// FSMAGIC identifies a disk image as belonging to this filesystem.
	FSMAGIC = 0x10203040
)

type superblock_t struct {
	Magic      uint32
	Size       uint32 // total blocks, including boot/super/log/inode/bitmap
	Nblocks    uint32 // number of data blocks
	Ninodes    uint32
	Nlog       uint32
	Logstart   uint32
	Inodestart uint32
	Bmapstart  uint32
}

const superblocksz = 8 * 4

func (sb *superblock_t) decode(b []byte) {
	sb.Magic = uint32(util.Readn(b, 4, 0))
	sb.Size = uint32(util.Readn(b, 4, 4))
	sb.Nblocks = uint32(util.Readn(b, 4, 8))
	sb.Ninodes = uint32(util.Readn(b, 4, 12))
	sb.Nlog = uint32(util.Readn(b, 4, 16))
	sb.Logstart = uint32(util.Readn(b, 4, 20))
	sb.Inodestart = uint32(util.Readn(b, 4, 24))
	sb.Bmapstart = uint32(util.Readn(b, 4, 28))
}

func (sb *superblock_t) encode(b []byte) {
	util.Writen(b, 4, 0, int(sb.Magic))
	util.Writen(b, 4, 4, int(sb.Size))
	util.Writen(b, 4, 8, int(sb.Nblocks))
	util.Writen(b, 4, 12, int(sb.Ninodes))
	util.Writen(b, 4, 16, int(sb.Nlog))
	util.Writen(b, 4, 20, int(sb.Logstart))
	util.Writen(b, 4, 24, int(sb.Inodestart))
	util.Writen(b, 4, 28, int(sb.Bmapstart))
}

func (sb *superblock_t) bblock(b uint32) uint64 { return uint64(b/bpb) + uint64(sb.Bmapstart) }
func (sb *superblock_t) iblock(inum uint32) uint64 {
	return uint64(inum/uint32(ipb)) + uint64(sb.Inodestart)
}

// dinode_t is the on-disk inode record: type, device major/minor (for
// T_DEV inodes), link count, size, and the direct/indirect block
// pointer array.
type dinode_t struct {
	Type  int16
	Major int16
	Minor int16
	Nlink int16
	Size  uint32
	Addrs [NDIRECT + 1]uint32
}

func (d *dinode_t) decode(b []byte) {
	d.Type = int16(util.Readn(b, 2, 0))
	d.Major = int16(util.Readn(b, 2, 2))
	d.Minor = int16(util.Readn(b, 2, 4))
	d.Nlink = int16(util.Readn(b, 2, 6))
	d.Size = uint32(util.Readn(b, 4, 8))
	for i := range d.Addrs {
		d.Addrs[i] = uint32(util.Readn(b, 4, 12+4*i))
	}
}

func (d *dinode_t) encode(b []byte) {
	util.Writen(b, 2, 0, int(d.Type))
	util.Writen(b, 2, 2, int(d.Major))
	util.Writen(b, 2, 4, int(d.Minor))
	util.Writen(b, 2, 6, int(d.Nlink))
	util.Writen(b, 4, 8, int(d.Size))
	for i, a := range d.Addrs {
		util.Writen(b, 4, 12+4*i, int(a))
	}
}

// Inode_t is the in-memory representation of an inode table entry.
// Dev/inum/ref are guarded by the package's itable lock; every other
// field is guarded by Lock and valid only once Valid is true.
type Inode_t struct {
	Lock *sleeplock.Sleeplock_t

	dev   int
	inum  uint32
	ref   int
	valid bool

	Type  int16
	Major int16
	Minor int16
	Nlink int16
	Size  uint32
	Addrs [NDIRECT + 1]uint32
}

// Dev returns the device the inode lives on.
func (ip *Inode_t) Dev() int { return ip.dev }

// Inum returns the inode's on-disk number.
func (ip *Inode_t) Inum() uint32 { return ip.inum }

// kbuf_t is a fdops.Uio_i backed by a plain kernel byte slice, used
// for directory-entry and metadata transfers that never cross into
// user memory.
type kbuf_t struct {
	buf []uint8
	off int
}

func mkKbuf(b []uint8) *kbuf_t { return &kbuf_t{buf: b} }

func (k *kbuf_t) Uioread(dst []uint8) (int, defs.Err_t) {
	n := copy(dst, k.buf[k.off:])
	k.off += n
	return n, 0
}

func (k *kbuf_t) Uiowrite(src []uint8) (int, defs.Err_t) {
	n := copy(k.buf[k.off:], src)
	k.off += n
	return n, 0
}

func (k *kbuf_t) Remain() int  { return len(k.buf) - k.off }
func (k *kbuf_t) Totalsz() int { return len(k.buf) }

var _ fdops.Uio_i = (*kbuf_t)(nil)

// Fs_t is the mounted filesystem: the superblock, the device number,
// the buffer cache and log it's built on, and the in-memory inode
// table every Inode_t handle is drawn from.
type Fs_t struct {
	dev int
	sb  superblock_t
	bc  *bio.Bcache_t
	lg  *txlog.Log_t

	itableLock *spinlock.Spinlock_t
	itable     [limits.NINODE]Inode_t
}

// NewFs mounts the filesystem found on dev, reading the superblock
// from block 1 and opening (and replaying) the log described there.
func NewFs(bc *bio.Bcache_t, dev int, p *proc.Proc_t) *Fs_t {
	b := bc.Bread(dev, 1, p)
	var sb superblock_t
	sb.decode(b.Data[:superblocksz])
	bc.Brelse(b, p)

	if sb.Magic != FSMAGIC {
		panic("fs: invalid file system magic")
	}

	fs := &Fs_t{
		dev:        dev,
		sb:         sb,
		bc:         bc,
		itableLock: spinlock.Mkspinlock("itable"),
	}
	fs.lg = txlog.NewLog(bc, dev, uint64(sb.Logstart), int(sb.Nlog), p)
	for i := range fs.itable {
		fs.itable[i].Lock = sleeplock.Mksleeplock("inode")
	}
	return fs
}

// Begin_op/End_op forward to the mounted log, so callers never need
// to reach past Fs_t to start or end a transaction.
func (fs *Fs_t) Begin_op(p *proc.Proc_t) { txlog.Begin_op(fs.lg, p) }
func (fs *Fs_t) End_op(p *proc.Proc_t)   { txlog.End_op(fs.lg, p) }

func (fs *Fs_t) bzero(bno uint64, p *proc.Proc_t) {
	b := fs.bc.Bread(fs.dev, bno, p)
	for i := range b.Data {
		b.Data[i] = 0
	}
	txlog.Log_write(fs.lg, b, p)
	fs.bc.Brelse(b, p)
}

// Balloc scans the free-block bitmap for a zero bit, marks it used
// under the log, zeroes the new block, and returns its number.
func (fs *Fs_t) Balloc(p *proc.Proc_t) uint32 {
	for b := uint32(0); b < fs.sb.Size; b += bpb {
		bp := fs.bc.Bread(fs.dev, fs.sb.bblock(b), p)
		for bi := 0; bi < bpb && b+uint32(bi) < fs.sb.Size; bi++ {
			m := byte(1 << (bi % 8))
			if bp.Data[bi/8]&m == 0 {
				bp.Data[bi/8] |= m
				txlog.Log_write(fs.lg, bp, p)
				fs.bc.Brelse(bp, p)
				fs.bzero(uint64(b)+uint64(bi), p)
				return b + uint32(bi)
			}
		}
		fs.bc.Brelse(bp, p)
	}
	panic("fs: Balloc: out of blocks")
}

// Bfree clears b's bit in the free-block bitmap. Freeing an
// already-free block is a kernel bug.
func (fs *Fs_t) Bfree(b uint32, p *proc.Proc_t) {
	bp := fs.bc.Bread(fs.dev, fs.sb.bblock(b), p)
	bi := b % bpb
	m := byte(1 << (bi % 8))
	if bp.Data[bi/8]&m == 0 {
		panic("fs: Bfree: freeing free block")
	}
	bp.Data[bi/8] &^= m
	txlog.Log_write(fs.lg, bp, p)
	fs.bc.Brelse(bp, p)
}

// Ialloc allocates an inode of the given type on the mounted device,
// returning a referenced but unlocked handle.
func (fs *Fs_t) Ialloc(typ int16, p *proc.Proc_t) *Inode_t {
	for inum := uint32(1); inum < fs.sb.Ninodes; inum++ {
		bp := fs.bc.Bread(fs.dev, fs.sb.iblock(inum), p)
		off := (inum % uint32(ipb)) * uint32(dinodesz)
		var d dinode_t
		d.decode(bp.Data[off : off+dinodesz])
		if d.Type == 0 {
			d = dinode_t{Type: typ}
			d.encode(bp.Data[off : off+dinodesz])
			txlog.Log_write(fs.lg, bp, p)
			fs.bc.Brelse(bp, p)
			return fs.Iget(inum, p)
		}
		fs.bc.Brelse(bp, p)
	}
	panic("fs: Ialloc: no inodes")
}

// Iupdate writes ip's in-memory fields back to its disk record. The
// caller must hold ip.Lock.
func (fs *Fs_t) Iupdate(ip *Inode_t, p *proc.Proc_t) {
	bp := fs.bc.Bread(fs.dev, fs.sb.iblock(ip.inum), p)
	off := (ip.inum % uint32(ipb)) * uint32(dinodesz)
	d := dinode_t{Type: ip.Type, Major: ip.Major, Minor: ip.Minor, Nlink: ip.Nlink, Size: ip.Size, Addrs: ip.Addrs}
	d.encode(bp.Data[off : off+dinodesz])
	txlog.Log_write(fs.lg, bp, p)
	fs.bc.Brelse(bp, p)
}

// Iget finds or creates the in-memory table entry for (dev, inum) and
// bumps its reference count. It does not lock the inode or read it
// from disk.
func (fs *Fs_t) Iget(inum uint32, p *proc.Proc_t) *Inode_t {
	h := p.CurHart()
	fs.itableLock.Acquire(h)
	defer fs.itableLock.Release(h)

	var empty *Inode_t
	for i := range fs.itable {
		ip := &fs.itable[i]
		if ip.ref > 0 && ip.dev == fs.dev && ip.inum == inum {
			ip.ref++
			return ip
		}
		if empty == nil && ip.ref == 0 {
			empty = ip
		}
	}
	if empty == nil {
		panic("fs: Iget: no inodes")
	}
	empty.dev = fs.dev
	empty.inum = inum
	empty.ref = 1
	empty.valid = false
	return empty
}

// Idup bumps ip's reference count, the idiom for stashing a second
// long-lived handle on an inode someone else already holds.
func (fs *Fs_t) Idup(ip *Inode_t, p *proc.Proc_t) *Inode_t {
	h := p.CurHart()
	fs.itableLock.Acquire(h)
	ip.ref++
	fs.itableLock.Release(h)
	return ip
}

// Ilock locks ip, reading it from disk on first use.
func (fs *Fs_t) Ilock(ip *Inode_t, p *proc.Proc_t) {
	if ip.ref < 1 {
		panic("fs: Ilock: unreferenced inode")
	}
	sleeplock.Acquiresleep(ip.Lock, p)
	if !ip.valid {
		bp := fs.bc.Bread(fs.dev, fs.sb.iblock(ip.inum), p)
		off := (ip.inum % uint32(ipb)) * uint32(dinodesz)
		var d dinode_t
		d.decode(bp.Data[off : off+dinodesz])
		ip.Type, ip.Major, ip.Minor, ip.Nlink, ip.Size, ip.Addrs = d.Type, d.Major, d.Minor, d.Nlink, d.Size, d.Addrs
		fs.bc.Brelse(bp, p)
		ip.valid = true
		if ip.Type == 0 {
			panic("fs: Ilock: no type")
		}
	}
}

// Iunlock releases ip's sleep-lock.
func (fs *Fs_t) Iunlock(ip *Inode_t, p *proc.Proc_t) {
	if ip.ref < 1 || !sleeplock.Holdingsleep(ip.Lock, p) {
		panic("fs: Iunlock: not held")
	}
	sleeplock.Releasesleep(ip.Lock, p)
}

// Iput drops a reference to ip. If this was the last reference to a
// valid, unlinked inode, its contents and disk record are freed; the
// caller must be inside a transaction.
func (fs *Fs_t) Iput(ip *Inode_t, p *proc.Proc_t) {
	h := p.CurHart()
	fs.itableLock.Acquire(h)
	if ip.ref == 1 && ip.valid && ip.Nlink == 0 {
		// ref == 1 means nobody else can hold ip locked, so this
		// cannot block even though itableLock is still held.
		sleeplock.Acquiresleep(ip.Lock, p)
		fs.itableLock.Release(h)

		fs.Itrunc(ip, p)
		ip.Type = 0
		fs.Iupdate(ip, p)
		ip.valid = false

		sleeplock.Releasesleep(ip.Lock, p)
		// Itrunc/Iupdate went through the disk; rejoin on whichever
		// hart p came back on.
		h = p.CurHart()
		fs.itableLock.Acquire(h)
	}
	ip.ref--
	fs.itableLock.Release(h)
}

// Iunlockput is the common unlock-then-drop-reference sequence.
func (fs *Fs_t) Iunlockput(ip *Inode_t, p *proc.Proc_t) {
	fs.Iunlock(ip, p)
	fs.Iput(ip, p)
}

// Bmap returns the disk block holding the bn'th block of ip's
// contents, allocating it (and, if needed, the indirect block) on
// first reference.
func (fs *Fs_t) Bmap(ip *Inode_t, bn uint32, p *proc.Proc_t) uint32 {
	if bn < NDIRECT {
		addr := ip.Addrs[bn]
		if addr == 0 {
			addr = fs.Balloc(p)
			ip.Addrs[bn] = addr
		}
		return addr
	}
	bn -= NDIRECT
	if bn >= NINDIRECT {
		panic("fs: Bmap: out of range")
	}

	addr := ip.Addrs[NDIRECT]
	if addr == 0 {
		addr = fs.Balloc(p)
		ip.Addrs[NDIRECT] = addr
	}
	bp := fs.bc.Bread(fs.dev, uint64(addr), p)
	off := int(bn) * 4
	a := uint32(util.Readn(bp.Data[:], 4, off))
	if a == 0 {
		a = fs.Balloc(p)
		util.Writen(bp.Data[:], 4, off, int(a))
		txlog.Log_write(fs.lg, bp, p)
	}
	fs.bc.Brelse(bp, p)
	return a
}

// Itrunc frees every block ip owns (direct, indirect, and the
// indirect block itself), leaving ip empty. The caller must hold
// ip.Lock.
func (fs *Fs_t) Itrunc(ip *Inode_t, p *proc.Proc_t) {
	for i := 0; i < NDIRECT; i++ {
		if ip.Addrs[i] != 0 {
			fs.Bfree(ip.Addrs[i], p)
			ip.Addrs[i] = 0
		}
	}
	if ip.Addrs[NDIRECT] != 0 {
		bp := fs.bc.Bread(fs.dev, uint64(ip.Addrs[NDIRECT]), p)
		for j := 0; j < NINDIRECT; j++ {
			a := uint32(util.Readn(bp.Data[:], 4, j*4))
			if a != 0 {
				fs.Bfree(a, p)
			}
		}
		fs.bc.Brelse(bp, p)
		fs.Bfree(ip.Addrs[NDIRECT], p)
		ip.Addrs[NDIRECT] = 0
	}
	ip.Size = 0
	fs.Iupdate(ip, p)
}

// Stati copies ip's metadata into st. The caller must hold ip.Lock.
func (fs *Fs_t) Stati(ip *Inode_t, st fdops.Stat_i) {
	st.Wdev(uint(ip.dev))
	st.Wino(uint(ip.inum))
	st.Wmode(uint(ip.Type))
	st.Wnlink(uint(ip.Nlink))
	st.Wsize(uint(ip.Size))
}

// Readi transfers up to n bytes of ip's contents starting at off into
// dst. The caller must hold ip.Lock.
func (fs *Fs_t) Readi(ip *Inode_t, dst fdops.Uio_i, off, n uint32, p *proc.Proc_t) (uint32, defs.Err_t) {
	if off > ip.Size || off+n < off {
		return 0, 0
	}
	if off+n > ip.Size {
		n = ip.Size - off
	}

	var tot uint32
	for tot < n {
		bp := fs.bc.Bread(fs.dev, uint64(fs.Bmap(ip, off/bio.BSIZE, p)), p)
		m := util.Min(n-tot, bio.BSIZE-off%bio.BSIZE)
		if _, err := dst.Uiowrite(bp.Data[off%bio.BSIZE : off%bio.BSIZE+m]); err != 0 {
			fs.bc.Brelse(bp, p)
			return tot, err
		}
		fs.bc.Brelse(bp, p)
		tot += m
		off += m
	}
	return tot, 0
}

// Writei transfers up to n bytes from src into ip's contents starting
// at off, growing ip.Size and always persisting the inode (bmap may
// have extended Addrs even when Size itself didn't change). The
// caller must hold ip.Lock and be inside a transaction.
func (fs *Fs_t) Writei(ip *Inode_t, src fdops.Uio_i, off, n uint32, p *proc.Proc_t) (uint32, defs.Err_t) {
	if off > ip.Size || off+n < off {
		return 0, defs.EINVAL
	}
	if uint64(off)+uint64(n) > uint64(MAXFILE)*bio.BSIZE {
		return 0, defs.EINVAL
	}

	var tot uint32
	for tot < n {
		bp := fs.bc.Bread(fs.dev, uint64(fs.Bmap(ip, off/bio.BSIZE, p)), p)
		m := util.Min(n-tot, bio.BSIZE-off%bio.BSIZE)
		if _, err := src.Uioread(bp.Data[off%bio.BSIZE : off%bio.BSIZE+m]); err != 0 {
			fs.bc.Brelse(bp, p)
			break
		}
		txlog.Log_write(fs.lg, bp, p)
		fs.bc.Brelse(bp, p)
		tot += m
		off += m
	}

	if off > ip.Size {
		ip.Size = off
	}
	fs.Iupdate(ip, p)
	return tot, 0
}
