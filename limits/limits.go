// Package limits centralizes the system-wide constants that size the
// kernel's static tables. xv6-style kernels fix these at compile
// time rather than discovering them dynamically; that choice is kept
// here.
package limits

// NCPU bounds the number of harts the scheduler round-robins across.
const NCPU = 8

// NPROC is the number of static process-table slots.
const NPROC = 64

// NOFILE is the number of file descriptors a single process may hold
// open simultaneously.
const NOFILE = 16

// NFILE is the system-wide ceiling on open file objects.
const NFILE = 100

// NBUF is the number of buffer-cache slots.
const NBUF = 64

// BNUM is the number of buffer-cache hash buckets; NBUF need not be a
// multiple of BNUM.
const BNUM = 13

// NINODE is the number of in-memory inode-table slots.
const NINODE = 50

// LOGSIZE is the maximum number of distinct blocks a single boot's
// worth of log may hold (one fewer data slot than this after the
// header block).
const LOGSIZE = NBUF

// MAXOPBLOCKS bounds the number of distinct blocks a single file
// system transaction (begin_op/end_op pair) may dirty.
const MAXOPBLOCKS = 10

// MAXARG is the maximum number of exec() arguments.
const MAXARG = 32

// MAXPATH is the maximum path length the kernel will resolve.
const MAXPATH = 128

// KSTACKSIZE is the size, in bytes, of one process's kernel stack.
const KSTACKSIZE = 4096 * 4
