// Package vfs mounts a CPIO archive — either a RAM-resident Multiboot
// module or an on-disk image read through the VirtIO block driver — into
// a flat, immutable VNode tree, and exposes the small open/read/close
// surface the BSD syscall layer needs (spec.md §4.4). File-descriptor
// naming (Fd_t, permission-less here since write support is a Non-goal)
// follows the teacher's fd.Fd_t; the VNode/arena split follows spec.md
// §9's guidance to realize the cyclic VFS-tree-in-a-pool idiom as an
// arena of integer-free, pointer-stable Go values rather than
// borrow-checked references.
package vfs

import (
	"strings"

	"github.com/tinted-software/machboot/internal/cpio"
	"github.com/tinted-software/machboot/internal/defs"
	"github.com/tinted-software/machboot/internal/virtio"
)

// Type_t is the kind of a VNode.
type Type_t int

const (
	Tfile Type_t = iota
	Tdir
	Trandom
	Tconsole
)

// VNode is constructed once at mount time and never mutated afterward,
// per spec.md §3's "once published, immutable for the remainder of
// uptime" invariant.
type VNode struct {
	Type Type_t
	Name string
	Size int
	Dev  uint // defs.Mkdev(major, minor); meaningful for Trandom/Tconsole

	// dataOffset is a byte offset: into the RAM archive when
	// isBlockBacked is false, or into the logical block-device archive
	// (translated to sector/offset on every read) when true.
	dataOffset    int
	isBlockBacked bool

	Children []*VNode
}

// Mount_t is one mounted archive: either backed by a RAM buffer (the
// Multiboot ramdisk module) or by a VirtIO block device, per spec.md
// §4.4's two mount backends.
type Mount_t struct {
	root *VNode

	ram   []byte
	block *virtio.Block_t

	entropy uint64
}

// MountRAM builds the VNode tree from an in-memory CPIO archive — the
// Multiboot ramdisk module spec.md §6 requires to contain usr/lib/dyld.
func MountRAM(archive []byte) *Mount_t {
	m := &Mount_t{ram: archive, entropy: 0x9E3779B97F4A7C15}
	m.root = buildTree(cpio.Scan(archive), false)
	return m
}

// blockDiscoveryBudget bounds how many bytes of the block device's CPIO
// image are read sequentially at mount time purely to discover record
// headers (names, sizes, offsets). Runtime Read calls on a block-backed
// VNode re-read their data through the block driver rather than serving
// this discovery buffer, exercising spec.md §4.4's sector-translation
// path on every access — the discovery prefetch only ever feeds the
// parser that has to run once to build the tree.
const blockDiscoveryBudget = 4 << 20 // 4 MiB of headers+names, plenty for a few dozen entries

// MountBlock builds the VNode tree by reading blockDiscoveryBudget bytes
// of the on-disk CPIO image sequentially (spec.md §4.4's second backend),
// then discards the discovery buffer: each VNode's Read call below
// re-fetches its bytes through the block device's sector-granular
// protocol, never from this buffer.
func MountBlock(dev *virtio.Block_t) (*Mount_t, bool) {
	buf := make([]byte, blockDiscoveryBudget)
	sectors := blockDiscoveryBudget / 512
	for i := 0; i < sectors; i++ {
		if !dev.Read(uint64(i), 1, buf[i*512:(i+1)*512]) {
			if i == 0 {
				return nil, false
			}
			buf = buf[:i*512]
			break
		}
	}
	m := &Mount_t{block: dev, entropy: 0x9E3779B97F4A7C15}
	m.root = buildTree(cpio.Scan(buf), true)
	return m, true
}

func buildTree(records []cpio.Record, blockBacked bool) *VNode {
	root := &VNode{Type: Tdir, Name: "/"}
	for _, r := range records {
		root.Children = append(root.Children, &VNode{
			Type:          Tfile,
			Name:          normalize(r.Name),
			Size:          r.Size,
			dataOffset:    r.DataOffset,
			isBlockBacked: blockBacked,
		})
	}
	root.Children = append(root.Children,
		&VNode{Type: Trandom, Name: "dev/random", Dev: defs.Mkdev(defs.D_RANDOM, 0)},
		&VNode{Type: Trandom, Name: "dev/urandom", Dev: defs.Mkdev(defs.D_RANDOM, 1)},
	)
	return root
}

func normalize(path string) string {
	path = strings.TrimPrefix(path, "/")
	for strings.HasPrefix(path, "./") {
		path = path[2:]
	}
	return path
}

// Lookup linear-scans the flat child table for a matching name, per
// spec.md §4.4's open() contract.
func (m *Mount_t) Lookup(path string) (*VNode, bool) {
	path = normalize(path)
	for _, c := range m.root.Children {
		if c.Name == path {
			return c, true
		}
	}
	return nil, false
}

// Read fills buf starting at offset, clamped to size-offset, and returns
// the number of bytes copied. Random VNodes ignore offset entirely.
func (m *Mount_t) Read(v *VNode, offset int, buf []byte) (int, defs.Err_t) {
	switch v.Type {
	case Trandom:
		m.fillRandom(buf)
		return len(buf), 0
	case Tfile:
		return m.readFile(v, offset, buf)
	default:
		return 0, defs.EINVAL
	}
}

func (m *Mount_t) readFile(v *VNode, offset int, buf []byte) (int, defs.Err_t) {
	if offset >= v.Size {
		return 0, 0
	}
	n := len(buf)
	if offset+n > v.Size {
		n = v.Size - offset
	}
	if n <= 0 {
		return 0, 0
	}

	if !v.isBlockBacked {
		copy(buf[:n], m.ram[v.dataOffset+offset:v.dataOffset+offset+n])
		return n, 0
	}

	return m.readBlock(v.dataOffset+offset, buf[:n]), 0
}

// readBlock translates an absolute archive byte offset into a run of
// 512-byte sector reads, per spec.md §4.4.
func (m *Mount_t) readBlock(offset int, buf []byte) int {
	got := 0
	for got < len(buf) {
		sector := uint64((offset + got) / 512)
		inSector := (offset + got) % 512
		var sec [512]byte
		if !m.block.Read(sector, 1, sec[:]) {
			break
		}
		n := copy(buf[got:], sec[inSector:])
		got += n
	}
	return got
}

// fillRandom serves /dev/random and /dev/urandom with a deterministic
// splitmix64 stream. There is no hardware entropy source wired in this
// kernel (Non-goals exclude anything beyond reaching dyld's entry point),
// so this is a placeholder stream, not a security primitive.
func (m *Mount_t) fillRandom(buf []byte) {
	for i := 0; i < len(buf); {
		m.entropy += 0x9E3779B97F4A7C15
		z := m.entropy
		z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
		z = (z ^ (z >> 27)) * 0x94D049BB133111EB
		z = z ^ (z >> 31)
		for shift := 0; shift < 8 && i < len(buf); shift++ {
			buf[i] = byte(z >> (shift * 8))
			i++
		}
	}
}

const maxFds = 64

// Fd_t is one open-file-table entry: a VNode plus a byte cursor, per
// spec.md §3 ("pairs a VNode pointer with a byte offset").
type Fd_t struct {
	Node   *VNode
	Offset int
	inUse  bool
}

// Table_t is the fixed-size file-descriptor table spec.md §4.4 describes.
// fds 0/1/2 are reserved for stdin/stdout/stderr; NewTable fills those
// slots with console VNodes.
type Table_t struct {
	mount *Mount_t
	fds   [maxFds]Fd_t
}

// NewTable returns an fd table bound to mount, with fds 0/1/2 already
// populated with the console VNode (stdin/stdout/stderr all route to the
// same console device, distinguished only by minor number).
func NewTable(mount *Mount_t) *Table_t {
	t := &Table_t{mount: mount}
	for i := 0; i < 3; i++ {
		t.fds[i] = Fd_t{
			Node:  &VNode{Type: Tconsole, Name: "console", Dev: defs.Mkdev(defs.D_CONSOLE, i)},
			inUse: true,
		}
	}
	return t
}

// Open normalizes path, looks it up, and allocates the first free
// descriptor ≥ 3.
func (t *Table_t) Open(path string) (int, defs.Err_t) {
	v, ok := t.mount.Lookup(path)
	if !ok {
		return -1, defs.ENOENT
	}
	for i := 3; i < maxFds; i++ {
		if !t.fds[i].inUse {
			t.fds[i] = Fd_t{Node: v, inUse: true}
			return i, 0
		}
	}
	return -1, defs.ENOHEAP
}

// Read reads from fd's current offset, advancing it by the number of
// bytes actually copied.
func (t *Table_t) Read(fd int, buf []byte) (int, defs.Err_t) {
	if fd < 3 || fd >= maxFds || !t.fds[fd].inUse {
		return -1, defs.EBADF
	}
	entry := &t.fds[fd]
	n, err := t.mount.Read(entry.Node, entry.Offset, buf)
	if err != 0 {
		return -1, err
	}
	entry.Offset += n
	return n, 0
}

// ReadAt satisfies internal/vm.FileReader for file-backed mmap, reading
// without disturbing the fd's own cursor.
func (t *Table_t) ReadAt(fd int, offset int, buf []byte) (int, bool) {
	if fd < 3 || fd >= maxFds || !t.fds[fd].inUse {
		return 0, false
	}
	n, err := t.mount.Read(t.fds[fd].Node, offset, buf)
	return n, err == 0
}

// Close clears fd's slot.
func (t *Table_t) Close(fd int) defs.Err_t {
	if fd < 3 || fd >= maxFds || !t.fds[fd].inUse {
		return defs.EBADF
	}
	t.fds[fd] = Fd_t{}
	return 0
}
