// Package stat defines the wire layout fstat(2) copies out to user
// space.
package stat

import "unsafe"

// Stat_t mirrors the fields the fstat system call reports for a file.
// Accessors rather than exported fields keep the wire layout explicit
// and stable regardless of how the Go struct happens to be padded.
type Stat_t struct {
	dev   uint
	ino   uint
	mode  uint
	nlink uint
	size  uint
}

// Wdev stores the device identifier.
func (st *Stat_t) Wdev(v uint) { st.dev = v }

// Wino stores the inode number.
func (st *Stat_t) Wino(v uint) { st.ino = v }

// Wmode stores the file type (T_DIR/T_FILE/T_DEV from package defs).
func (st *Stat_t) Wmode(v uint) { st.mode = v }

// Wnlink stores the hard-link count.
func (st *Stat_t) Wnlink(v uint) { st.nlink = v }

// Wsize stores the file size in bytes.
func (st *Stat_t) Wsize(v uint) { st.size = v }

// Dev returns the stored device identifier.
func (st *Stat_t) Dev() uint { return st.dev }

// Ino returns the stored inode number.
func (st *Stat_t) Ino() uint { return st.ino }

// Mode returns the stored file type.
func (st *Stat_t) Mode() uint { return st.mode }

// Nlink returns the stored link count.
func (st *Stat_t) Nlink() uint { return st.nlink }

// Size returns the stored file size.
func (st *Stat_t) Size() uint { return st.size }

// Bytes exposes the struct's raw representation, the form copyout
// writes into the user buffer passed to fstat(2).
func (st *Stat_t) Bytes() []uint8 {
	const sz = unsafe.Sizeof(*st)
	sl := (*[sz]uint8)(unsafe.Pointer(st))
	return sl[:]
}
