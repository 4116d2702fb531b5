// Package fd implements the per-process open-file-descriptor table
// entry and the process's current-working-directory handle.
package fd

import (
	"sync"

	"defs"
	"fdops"
	"proc"
	"ustr"
)

// File descriptor permission bits, stored alongside the operations
// interface so dup/fcntl-style calls can inspect them without
// consulting the underlying object.
const (
	FD_READ    = 0x1
	FD_WRITE   = 0x2
	FD_CLOEXEC = 0x4
)

// Fd_t is one process's handle on an open file description. Fops is
// stored as an interface value (a pointer under the hood), so copying
// an Fd_t does not duplicate the underlying object; Copyfd below
// exists to ask the object itself to produce a new reference.
type Fd_t struct {
	Fops  fdops.Fdops_i
	Perms int
}

// Copyfd duplicates fd by asking the underlying object to register
// one more reference (Reopen), the operation dup(2) and fork's
// descriptor-table copy both rely on.
func Copyfd(f *Fd_t) (*Fd_t, defs.Err_t) {
	nfd := &Fd_t{}
	*nfd = *f
	if err := nfd.Fops.Reopen(); err != 0 {
		return nil, err
	}
	return nfd, 0
}

// Dup satisfies proc.FileHandle_i, letting package proc duplicate an
// open file description across fork without importing package fd.
func (f *Fd_t) Dup() (proc.FileHandle_i, defs.Err_t) {
	return Copyfd(f)
}

// ClosePanic closes f and panics if the underlying object reports
// failure: a close() that was always going to succeed (no pending
// writeback, no reference-count underflow) failing indicates a
// kernel bug, not a condition callers should handle.
func ClosePanic(f *Fd_t, p *proc.Proc_t) {
	if f.Fops.Close(p) != 0 {
		panic("fd: close must succeed")
	}
}

// CloseOnExit satisfies proc.FileHandle_i: a process tearing down its
// descriptor table on exit closes every live entry the same way
// ClosePanic does.
func (f *Fd_t) CloseOnExit(p *proc.Proc_t) {
	ClosePanic(f, p)
}

// Cwd_t tracks a process's current working directory: the open
// handle on it plus the canonical path string used to resolve
// relative paths and to answer getcwd-style queries.
type Cwd_t struct {
	sync.Mutex // serializes concurrent chdir(2) calls
	Fd   *Fd_t
	Path ustr.Ustr
}

// Fullpath joins cwd with p, unless p is already absolute.
func (cwd *Cwd_t) Fullpath(p ustr.Ustr) ustr.Ustr {
	if p.IsAbsolute() {
		return p
	}
	full := append(append(ustr.Ustr{}, cwd.Path...), '/')
	return append(full, p...)
}

// MkRootCwd builds a Cwd_t rooted at "/" around an already-open
// handle on the root directory.
func MkRootCwd(f *Fd_t) *Cwd_t {
	return &Cwd_t{Fd: f, Path: ustr.MkUstrRoot()}
}

// MkCwd builds a Cwd_t around an already-open handle on path's
// directory, the form chdir(2) installs once the new directory has
// been resolved and verified.
func MkCwd(f *Fd_t, path ustr.Ustr) *Cwd_t {
	return &Cwd_t{Fd: f, Path: path}
}

// Dup satisfies proc.CwdHandle_i, letting package proc duplicate a
// process's working-directory handle across fork without importing
// package fd. The returned Cwd_t references the same open directory
// (one more Reopen reference) at the same path; it is an independent
// Cwd_t so the child can chdir without disturbing the parent.
func (cwd *Cwd_t) Dup() proc.CwdHandle_i {
	cwd.Lock()
	defer cwd.Unlock()
	nfd, err := Copyfd(cwd.Fd)
	if err != 0 {
		panic("fd: Cwd_t.Dup: reopen root handle failed")
	}
	return &Cwd_t{Fd: nfd, Path: append(ustr.Ustr{}, cwd.Path...)}
}
