// Command mkfs builds a bootable disk image for the kernel: it lays
// out the superblock, write-ahead log area, inode blocks, and free-
// block bitmap directly as bytes, then copies a skeleton directory
// tree in as the root filesystem's initial contents. It never mounts
// the image through the kernel's own fs package: it is a standalone
// host tool that understands the on-disk format well enough to write
// it cold, before any code able to read it exists.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"defs"
	"ustr"
	"util"
)

// On-disk layout constants, mirroring bio.BSIZE/fs.DIRSIZ/fs.NDIRECT.
// mkfs keeps its own copy of these rather than importing package fs:
// the two are never linked into the same binary, and a standalone
// image-builder should not need a live itable/log/buffer-cache stack
// just to encode a superblock.
const (
	bsize   = 1024
	dirsiz  = 14
	ndirect = 12

	direntsz = 2 + dirsiz
	dinodesz = 2 + 2 + 2 + 2 + 4 + 4*(ndirect+1)
	ipb      = bsize / dinodesz
	bpb      = bsize * 8

	rootino = 1
	fsmagic = 0x10203040

	superblk = 1
	logstart = 2
)

// image is the in-progress disk image, held entirely in memory and
// written out (and Fallocate-preallocated) in one pass at the end.
type image struct {
	blocks [][bsize]byte
	// freebit tracks which blocks are already spoken for, so
	// allocblock never hands out a metadata block as a data block.
	freebit []bool
}

func newImage(nblocks int) *image {
	return &image{
		blocks:  make([][bsize]byte, nblocks),
		freebit: make([]bool, nblocks),
	}
}

func (im *image) mark(b uint32) {
	im.freebit[b] = true
}

// allocblock returns the first free block at or past dataStart,
// marking it used.
func (im *image) allocblock(dataStart uint32) uint32 {
	for b := dataStart; int(b) < len(im.blocks); b++ {
		if !im.freebit[b] {
			im.mark(b)
			return b
		}
	}
	panic("mkfs: out of blocks")
}

type superblock struct {
	magic, size, nblocks, ninodes, nlog, logstart, inodestart, bmapstart uint32
}

func (sb *superblock) encode(b []byte) {
	util.Writen(b, 4, 0, int(sb.magic))
	util.Writen(b, 4, 4, int(sb.size))
	util.Writen(b, 4, 8, int(sb.nblocks))
	util.Writen(b, 4, 12, int(sb.ninodes))
	util.Writen(b, 4, 16, int(sb.nlog))
	util.Writen(b, 4, 20, int(sb.logstart))
	util.Writen(b, 4, 24, int(sb.inodestart))
	util.Writen(b, 4, 28, int(sb.bmapstart))
}

type dinode struct {
	typ, major, minor, nlink int16
	size                     uint32
	addrs                    [ndirect + 1]uint32
}

func (d *dinode) encode(b []byte) {
	util.Writen(b, 2, 0, int(d.typ))
	util.Writen(b, 2, 2, int(d.major))
	util.Writen(b, 2, 4, int(d.minor))
	util.Writen(b, 2, 6, int(d.nlink))
	util.Writen(b, 4, 8, int(d.size))
	for i, a := range d.addrs {
		util.Writen(b, 4, 12+4*i, int(a))
	}
}

// fsBuilder assembles an image in memory, tracking the root inode's
// growing block list and size as directory entries are appended.
type fsBuilder struct {
	im        *image
	sb        superblock
	dataStart uint32
	rootAddrs [ndirect + 1]uint32
	rootSize  uint32
	nextInode uint32
}

func newBuilder(ninodes, nlogblks, ndatablks int) *fsBuilder {
	ninodeblks := (ninodes + ipb - 1) / ipb
	inodestart := uint32(logstart + nlogblks)
	bmapstart := inodestart + uint32(ninodeblks)

	// One bitmap block covers bpb blocks; size the bitmap region to
	// cover every block up to and including the data area, the same
	// bound fs.Balloc iterates against at run time.
	total := bmapstart + 1 + uint32(ndatablks)
	nbitmapblks := (total + bpb - 1) / bpb
	dataStart := bmapstart + nbitmapblks
	size := dataStart + uint32(ndatablks)

	im := newImage(int(size))
	for b := uint32(0); b < dataStart; b++ {
		im.mark(b)
	}

	sb := superblock{
		magic:      fsmagic,
		size:       size,
		nblocks:    size - dataStart,
		ninodes:    uint32(ninodes),
		nlog:       uint32(nlogblks),
		logstart:   logstart,
		inodestart: inodestart,
		bmapstart:  bmapstart,
	}

	b := &fsBuilder{im: im, sb: sb, dataStart: dataStart, nextInode: rootino + 1}
	b.writeSuper()
	b.initRoot()
	return b
}

func (b *fsBuilder) writeSuper() {
	b.sb.encode(b.im.blocks[superblk][:32])
}

// writeBitmap records every spoken-for block in the on-disk bitmap. It
// must run after all allocation is done: the root directory and every
// skeleton file claim data blocks well after newBuilder laid out the
// metadata region.
func (b *fsBuilder) writeBitmap() {
	for bi := uint32(0); bi < b.sb.size; bi++ {
		if !b.im.freebit[bi] {
			continue
		}
		blk := b.sb.bmapstart + bi/bpb
		byteoff := (bi % bpb) / 8
		b.im.blocks[blk][byteoff] |= 1 << (bi % 8)
	}
}

func (b *fsBuilder) writeInode(inum uint32, d *dinode) {
	blk := b.sb.inodestart + inum/uint32(ipb)
	off := (inum % uint32(ipb)) * uint32(dinodesz)
	d.encode(b.im.blocks[blk][off : off+dinodesz])
}

// appendDirent grows the root directory inode by one entry, both in
// the builder's addrs/size bookkeeping and on the eventual disk image.
// name is run through the same NFC normalization the live kernel
// applies to every path component, so a name written here compares
// equal to the same name arriving through a namei lookup later.
func (b *fsBuilder) appendDirent(inum uint32, name string) {
	norm := ustr.MkUstrSlice(append([]byte(name), 0))
	var rec [direntsz]byte
	util.Writen(rec[:], 2, 0, int(inum))
	copy(rec[2:2+dirsiz], norm)

	off := b.rootSize
	bn := off / bsize
	if b.rootAddrs[bn] == 0 {
		b.rootAddrs[bn] = b.im.allocblock(b.dataStart)
	}
	copy(b.im.blocks[b.rootAddrs[bn]][off%bsize:], rec[:])
	b.rootSize += direntsz
}

// initRoot allocates the root inode and wires up "." and "..".
func (b *fsBuilder) initRoot() {
	b.appendDirent(rootino, ".")
	b.appendDirent(rootino, "..")
	b.writeInode(rootino, &dinode{
		typ: defs.T_DIR, nlink: 1, size: b.rootSize, addrs: b.rootAddrs,
	})
}

// writeFile allocates a new inode holding data, linked into the root
// directory under name, and returns its inode number.
func (b *fsBuilder) writeFile(name string, data []byte) uint32 {
	inum := b.allocInode()
	var addrs [ndirect + 1]uint32
	nblk := (len(data) + bsize - 1) / bsize
	if nblk > ndirect {
		panic("mkfs: skeleton file too large for direct blocks only")
	}
	for i := 0; i < nblk; i++ {
		bn := b.im.allocblock(b.dataStart)
		addrs[i] = bn
		lo := i * bsize
		hi := lo + bsize
		if hi > len(data) {
			hi = len(data)
		}
		copy(b.im.blocks[bn][:], data[lo:hi])
	}
	b.writeInode(inum, &dinode{typ: defs.T_FILE, nlink: 1, size: uint32(len(data)), addrs: addrs})

	b.appendDirent(inum, name)
	b.refreshRoot()
	return inum
}

func (b *fsBuilder) allocInode() uint32 {
	inum := b.nextInode
	b.nextInode++
	return inum
}

func (b *fsBuilder) refreshRoot() {
	b.writeInode(rootino, &dinode{
		typ: defs.T_DIR, nlink: 1, size: b.rootSize, addrs: b.rootAddrs,
	})
}

// addSkeleton walks skeldir on the host and replicates it as files
// directly under the root directory (subdirectories are flattened,
// since nested mkdir during image construction buys nothing a real
// boot-time mkdir(2) can't do once the kernel is up).
func addSkeleton(b *fsBuilder, skeldir string) error {
	return filepath.WalkDir(skeldir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(path, skeldir), string(filepath.Separator))
		if len(rel) > dirsiz {
			log.Printf("mkfs: skipping %q: name longer than %d bytes", rel, dirsiz)
			return nil
		}
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return rerr
		}
		b.writeFile(rel, data)
		return nil
	})
}

// flush preallocates image with Fallocate and writes every block.
func flush(path string, im *image) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	sz := int64(len(im.blocks) * bsize)
	// Best-effort, like the kernel's own image open: tmpfs on some
	// kernels rejects fallocate, and the WriteAt loop below sizes the
	// image regardless.
	_ = unix.Fallocate(int(f.Fd()), 0, 0, sz)
	for i := range im.blocks {
		if _, err := f.WriteAt(im.blocks[i][:], int64(i)*bsize); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	var (
		out      = flag.String("out", "fs.img", "path of the disk image to create")
		ninodes  = flag.Int("ninodes", 200, "number of inodes to reserve")
		nlogblks = flag.Int("nlog", 30, "number of log blocks")
		ndata    = flag.Int("ndata", 1000, "number of data blocks")
		skeldir  = flag.String("skel", "", "optional host directory copied into the root directory")
	)
	flag.Parse()

	b := newBuilder(*ninodes, *nlogblks, *ndata)

	if *skeldir != "" {
		if err := addSkeleton(b, *skeldir); err != nil {
			fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
			os.Exit(1)
		}
	}
	b.writeBitmap()

	if err := flush(*out, b.im); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}
	log.Printf("mkfs: wrote %s: %d blocks, %d inodes, root dir with %d entries",
		*out, len(b.im.blocks), *ninodes, b.rootSize/direntsz)
}
