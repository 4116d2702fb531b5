package fs

import (
	"defs"
	"proc"
	"ustr"
	"util"
)

// Dirent_t is one directory entry: an inode number (0 meaning the
// slot is free) and the path component it names.
type Dirent_t struct {
	Inum uint16
	Name ustr.Ustr
}

func decodeDirent(b []byte) Dirent_t {
	inum := uint16(util.Readn(b, 2, 0))
	name := ustr.MkUstrSlice(b[2:direntsz])
	nm := make(ustr.Ustr, len(name))
	copy(nm, name)
	return Dirent_t{Inum: inum, Name: nm}
}

func encodeDirent(b []byte, inum uint16, name ustr.Ustr) {
	util.Writen(b, 2, 0, int(inum))
	for i := range b[2:direntsz] {
		b[2+i] = 0
	}
	copy(b[2:direntsz], name)
}

// namecmp compares a directory entry's stored name (NUL-padded, not
// NUL-terminated if it fills the slot) against a path component.
func namecmp(stored, name ustr.Ustr) bool {
	for i := 0; i < DIRSIZ; i++ {
		var a, b uint8
		if i < len(stored) {
			a = stored[i]
		}
		if i < len(name) {
			b = name[i]
		}
		if a != b {
			return false
		}
	}
	return true
}

// Dirlookup scans directory dp for name, returning the matching
// inode (iget'd but unlocked) and the byte offset of its dirent. The
// caller must hold dp.Lock and dp must be a directory.
func (fs *Fs_t) Dirlookup(dp *Inode_t, name ustr.Ustr, p *proc.Proc_t) (*Inode_t, uint32, defs.Err_t) {
	if dp.Type != defs.T_DIR {
		panic("fs: Dirlookup: not a directory")
	}

	var scratch [direntsz]byte
	for off := uint32(0); off < dp.Size; off += direntsz {
		kb := mkKbuf(scratch[:])
		n, err := fs.Readi(dp, kb, off, direntsz, p)
		if err != 0 || n != direntsz {
			panic("fs: Dirlookup: short read")
		}
		de := decodeDirent(scratch[:])
		if de.Inum == 0 {
			continue
		}
		if namecmp(de.Name, name) {
			return fs.Iget(uint32(de.Inum), p), off, 0
		}
	}
	return nil, 0, defs.ENOENT
}

// Dirlink writes a new (name, inum) entry into directory dp, into the
// first empty slot or appended past the end. It rejects a name that
// already exists.
func (fs *Fs_t) Dirlink(dp *Inode_t, name ustr.Ustr, inum uint32, p *proc.Proc_t) defs.Err_t {
	if existing, _, err := fs.Dirlookup(dp, name, p); err == 0 {
		fs.Iput(existing, p)
		return defs.EEXIST
	}

	var scratch [direntsz]byte
	off := uint32(0)
	for ; off < dp.Size; off += direntsz {
		kb := mkKbuf(scratch[:])
		n, err := fs.Readi(dp, kb, off, direntsz, p)
		if err != 0 || n != direntsz {
			panic("fs: Dirlink: short read")
		}
		de := decodeDirent(scratch[:])
		if de.Inum == 0 {
			break
		}
	}

	encodeDirent(scratch[:], uint16(inum), name)
	kb := mkKbuf(scratch[:])
	if n, err := fs.Writei(dp, kb, off, direntsz, p); err != 0 || n != direntsz {
		panic("fs: Dirlink: write failed")
	}
	return 0
}

// skipelem copies the next '/'-separated component of path into name
// and returns what remains of path after it (with any further leading
// slashes stripped). It returns ok=false once path is exhausted.
func skipelem(path ustr.Ustr) (name ustr.Ustr, rest ustr.Ustr, ok bool) {
	for len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if len(path) == 0 {
		return nil, nil, false
	}
	i := 0
	for i < len(path) && path[i] != '/' {
		i++
	}
	name = path[:i]
	rest = path[i:]
	for len(rest) > 0 && rest[0] == '/' {
		rest = rest[1:]
	}
	return name, rest, true
}

// namex is Namei/Nameiparent's shared walk. path is always treated as
// absolute (relative paths are joined against the caller's cwd by
// fd.Cwd_t.Fullpath before reaching this layer, so there is no
// separate "start at cwd" branch to take here). When parent is true,
// the walk stops one element early and returns the parent directory,
// copying the final component into *name. Must run inside a
// transaction, since the iput calls along intermediate directories
// may truncate.
func (fs *Fs_t) namex(path ustr.Ustr, parent bool, p *proc.Proc_t) (*Inode_t, ustr.Ustr, defs.Err_t) {
	ip := fs.Iget(ROOTINO, p)

	var name ustr.Ustr
	rest := path
	var ok bool
	name, rest, ok = skipelem(rest)
	for ok {
		fs.Ilock(ip, p)
		if ip.Type != defs.T_DIR {
			fs.Iunlockput(ip, p)
			return nil, nil, defs.ENOTDIR
		}

		if parent && len(rest) == 0 {
			fs.Iunlock(ip, p)
			return ip, name, 0
		}

		next, _, err := fs.Dirlookup(ip, name, p)
		if err != 0 {
			fs.Iunlockput(ip, p)
			return nil, nil, defs.ENOENT
		}
		fs.Iunlockput(ip, p)
		ip = next

		name, rest, ok = skipelem(rest)
	}

	if parent {
		fs.Iput(ip, p)
		return nil, nil, defs.ENOENT
	}
	return ip, nil, 0
}

// Namei resolves path to its inode.
func (fs *Fs_t) Namei(path ustr.Ustr, p *proc.Proc_t) (*Inode_t, defs.Err_t) {
	ip, _, err := fs.namex(path, false, p)
	return ip, err
}

// Nameiparent resolves path's containing directory, returning the
// final path component in name.
func (fs *Fs_t) Nameiparent(path ustr.Ustr, p *proc.Proc_t) (*Inode_t, ustr.Ustr, defs.Err_t) {
	return fs.namex(path, true, p)
}
