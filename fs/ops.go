package fs

import (
	"defs"
	"proc"
	"ustr"
)

// Create resolves path's parent directory and creates a new inode of
// the given type named by path's final component, failing with EEXIST
// if anything already answers to that name. Directories get their
// "." and ".." entries wired up and their parent's link count bumped.
// Must run inside a transaction.
func (fs *Fs_t) Create(path ustr.Ustr, typ int16, major, minor int16, p *proc.Proc_t) (*Inode_t, defs.Err_t) {
	dp, name, err := fs.Nameiparent(path, p)
	if err != 0 {
		return nil, err
	}
	fs.Ilock(dp, p)

	if existing, _, lerr := fs.Dirlookup(dp, name, p); lerr == 0 {
		fs.Iunlockput(dp, p)
		fs.Ilock(existing, p)
		if typ == defs.T_FILE && (existing.Type == defs.T_FILE || existing.Type == defs.T_DEV) {
			return existing, 0
		}
		fs.Iunlockput(existing, p)
		return nil, defs.EEXIST
	}

	ip := fs.Ialloc(typ, p)
	fs.Ilock(ip, p)
	ip.Major = major
	ip.Minor = minor
	ip.Nlink = 1
	fs.Iupdate(ip, p)

	if typ == defs.T_DIR {
		dp.Nlink++
		fs.Iupdate(dp, p)
		if err := fs.Dirlink(ip, ustr.MkUstrDot(), ip.Inum(), p); err != 0 {
			panic("fs: Create: dirlink .")
		}
		if err := fs.Dirlink(ip, ustr.DotDot, dp.Inum(), p); err != 0 {
			panic("fs: Create: dirlink ..")
		}
	}

	if err := fs.Dirlink(dp, name, ip.Inum(), p); err != 0 {
		panic("fs: Create: dirlink")
	}
	fs.Iunlockput(dp, p)
	return ip, 0
}

// isDirEmpty reports whether dp (locked, a directory) holds only the
// "." and ".." entries.
func (fs *Fs_t) isDirEmpty(dp *Inode_t, p *proc.Proc_t) bool {
	var scratch [direntsz]byte
	for off := uint32(2 * direntsz); off < dp.Size; off += direntsz {
		kb := mkKbuf(scratch[:])
		n, err := fs.Readi(dp, kb, off, direntsz, p)
		if err != 0 || n != direntsz {
			panic("fs: isDirEmpty: short read")
		}
		if decodeDirent(scratch[:]).Inum != 0 {
			return false
		}
	}
	return true
}

// Unlink removes path's directory entry, freeing the target inode
// once its link count and reference count both reach zero. Removing a
// non-empty directory is rejected. Must run inside a transaction.
func (fs *Fs_t) Unlink(path ustr.Ustr, p *proc.Proc_t) defs.Err_t {
	dp, name, err := fs.Nameiparent(path, p)
	if err != 0 {
		return err
	}
	fs.Ilock(dp, p)
	defer fs.Iunlockput(dp, p)

	if name.Isdot() || name.Isdotdot() {
		return defs.EPERM
	}

	ip, off, err := fs.Dirlookup(dp, name, p)
	if err != 0 {
		return defs.ENOENT
	}
	fs.Ilock(ip, p)

	if ip.Nlink < 1 {
		panic("fs: Unlink: nlink < 1")
	}
	if ip.Type == defs.T_DIR && !fs.isDirEmpty(ip, p) {
		fs.Iunlockput(ip, p)
		return defs.ENOTEMPTY
	}

	var zero [direntsz]byte
	kb := mkKbuf(zero[:])
	if n, werr := fs.Writei(dp, kb, off, direntsz, p); werr != 0 || n != direntsz {
		panic("fs: Unlink: clear dirent")
	}
	if ip.Type == defs.T_DIR {
		dp.Nlink--
		fs.Iupdate(dp, p)
	}
	ip.Nlink--
	fs.Iupdate(ip, p)
	fs.Iunlockput(ip, p)
	return 0
}

// Link creates newpath as another directory entry naming the same
// inode oldpath already resolves to, bumping its link count. Linking
// a directory is rejected, matching the source's own restriction
// against creating cycles a purely local namei cannot detect. Must
// run inside a transaction.
func (fs *Fs_t) Link(oldpath, newpath ustr.Ustr, p *proc.Proc_t) defs.Err_t {
	ip, err := fs.Namei(oldpath, p)
	if err != 0 {
		return defs.ENOENT
	}
	fs.Ilock(ip, p)
	if ip.Type == defs.T_DIR {
		fs.Iunlockput(ip, p)
		return defs.EPERM
	}
	ip.Nlink++
	fs.Iupdate(ip, p)
	fs.Iunlock(ip, p)

	dp, name, perr := fs.Nameiparent(newpath, p)
	if perr != 0 {
		fs.Ilock(ip, p)
		ip.Nlink--
		fs.Iupdate(ip, p)
		fs.Iunlockput(ip, p)
		return perr
	}
	fs.Ilock(dp, p)
	if dp.Dev() != ip.Dev() {
		fs.Iunlockput(dp, p)
		fs.Ilock(ip, p)
		ip.Nlink--
		fs.Iupdate(ip, p)
		fs.Iunlockput(ip, p)
		return defs.EXDEV
	}
	if lerr := fs.Dirlink(dp, name, ip.Inum(), p); lerr != 0 {
		fs.Iunlockput(dp, p)
		fs.Ilock(ip, p)
		ip.Nlink--
		fs.Iupdate(ip, p)
		fs.Iunlockput(ip, p)
		return lerr
	}
	fs.Iunlockput(dp, p)
	fs.Iput(ip, p)
	return 0
}

// Stat resolves path and copies its metadata out. Matches the
// spec's external fstat/stat contract via fdops.Stat_i.
func (fs *Fs_t) Stat(path ustr.Ustr, st interface {
	Wdev(uint)
	Wino(uint)
	Wmode(uint)
	Wnlink(uint)
	Wsize(uint)
}, p *proc.Proc_t) defs.Err_t {
	ip, err := fs.Namei(path, p)
	if err != 0 {
		return err
	}
	fs.Ilock(ip, p)
	fs.Stati(ip, st)
	fs.Iunlockput(ip, p)
	return 0
}
