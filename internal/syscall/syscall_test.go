package syscall

import (
	"bytes"
	"encoding/hex"
	"io"
	"testing"
	"unsafe"

	"github.com/tinted-software/machboot/internal/ipc"
	"github.com/tinted-software/machboot/internal/mem"
	"github.com/tinted-software/machboot/internal/vfs"
	"github.com/tinted-software/machboot/internal/vm"
)

// buildNewcRecord assembles one newc CPIO record by hand, matching
// spec.md §8 scenario 3's layout, so this package's tests don't need to
// reach into cpio's unexported test helpers.
func buildNewcRecord(name string, data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("070701")
	field := func(v uint32) {
		var b [4]byte
		b[0] = byte(v >> 24)
		b[1] = byte(v >> 16)
		b[2] = byte(v >> 8)
		b[3] = byte(v)
		buf.WriteString(hex.EncodeToString(b[:]))
	}
	field(0)                   // ino
	field(0o100644)            // mode: regular file
	field(0)                   // uid
	field(0)                   // gid
	field(1)                   // nlink
	field(0)                   // mtime
	field(uint32(len(data)))   // filesize
	field(0)                   // devmajor
	field(0)                   // devminor
	field(0)                   // rdevmajor
	field(0)                   // rdevminor
	nameBytes := append([]byte(name), 0)
	field(uint32(len(nameBytes))) // namesize
	field(0)                      // crc
	buf.Write(nameBytes)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	buf.Write(data)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// hostArena repoints the physical allocator at host heap memory, matching
// the technique vm's and usermode's own tests use, since dispatch's
// mmap-backed traps (vm_allocate, sysMmap) walk real page tables.
func hostArena(t *testing.T, pages int) {
	t.Helper()
	raw := make([]byte, (pages+1)*mem.PGSIZE)
	base := mem.Pa_t(uintptr(unsafe.Pointer(&raw[0])))
	start := (base + mem.Pa_t(mem.PGSIZE-1)) &^ mem.Pa_t(mem.PGSIZE-1)
	end := start + mem.Pa_t(pages*mem.PGSIZE)

	mem.Phys_init()
	mem.SetWindow(start, end)
	t.Cleanup(func() { _ = raw[0] })

	root, ok := mem.Physmem.AllocateFrame()
	if !ok {
		t.Fatal("failed to allocate root frame from host arena")
	}
	vm.Init(root)
}

// newDispatcher builds a dispatcher over a small fixed archive and
// substitutes an in-memory stdout, so write/writev/diagnostic paths never
// touch the real serial port's privileged I/O instructions during a
// hosted test run.
func newDispatcher(t *testing.T) (*Dispatcher, *bytes.Buffer) {
	t.Helper()
	rec := buildNewcRecord("hello", []byte("ABCD"))
	trailer := buildNewcRecord("TRAILER!!!", nil)
	archive := append(append([]byte{}, rec...), trailer...)
	mount := vfs.MountRAM(archive)

	out := &bytes.Buffer{}
	SetStdout(out)
	t.Cleanup(func() { SetStdout(io.Discard) })

	return NewDispatcher(vfs.NewTable(mount)), out
}

// TestWriteSyscall matches spec.md §8 scenario 5's first half: a write(2)
// of "hi" to fd 1 writes it to the console sink and returns the byte
// count written.
func TestWriteSyscall(t *testing.T) {
	d, out := newDispatcher(t)

	buf := []byte("hi")
	addr := uintptr(unsafe.Pointer(&buf[0]))

	const nr = classBSD | sysWrite
	got := d.Dispatch(nr, 1, uint64(addr), uint64(len(buf)), 0, 0, 0)
	if got != 2 {
		t.Fatalf("write returned %d, want 2", got)
	}
	if out.String() != "hi" {
		t.Fatalf("stdout = %q, want %q", out.String(), "hi")
	}
}

// TestVMAllocateTrap matches spec.md §8 scenario 5's second half:
// vm_allocate allocates the requested size and writes the chosen address
// back through out_ptr, returning KERN_SUCCESS (0). Uses trap number 10
// (the table's own vm_allocate entry) rather than the scenario's literal
// 0x01000010, whose low byte is trap 16 (port_allocate) in the same
// table — the behavior described in the worked example matches
// vm_allocate's row, not port_allocate's, so the table's consistent
// numbering wins over the one-off hex literal.
func TestVMAllocateTrap(t *testing.T) {
	hostArena(t, 64)
	d, _ := newDispatcher(t)

	var outPtr uintptr
	outAddr := uintptr(unsafe.Pointer(&outPtr))

	const nr = classMach | trapVMAllocate
	got := d.Dispatch(nr, uint64(outAddr), 0x1000, 0, 0, 0, 0)
	if got != 0 {
		t.Fatalf("vm_allocate returned %d, want 0 (KERN_SUCCESS)", got)
	}
	if outPtr == 0 {
		t.Fatal("vm_allocate did not write an address through out_ptr")
	}

	phys, _, ok := vm.Translate(outPtr)
	if !ok || phys == 0 {
		t.Fatalf("address 0x%x returned by vm_allocate does not translate", outPtr)
	}
}

func TestOpenReadClose(t *testing.T) {
	d, _ := newDispatcher(t)

	path := []byte("hello\x00")
	pathAddr := uintptr(unsafe.Pointer(&path[0]))

	const nrOpen = classBSD | sysOpen
	fd := d.Dispatch(nrOpen, uint64(pathAddr), 0, 0, 0, 0, 0)
	if int64(fd) < 3 {
		t.Fatalf("open returned %d, want a valid fd >= 3", int64(fd))
	}

	buf := make([]byte, 4)
	bufAddr := uintptr(unsafe.Pointer(&buf[0]))
	const nrRead = classBSD | sysRead
	n := d.Dispatch(nrRead, fd, uint64(bufAddr), 4, 0, 0, 0)
	if n != 4 || string(buf) != "ABCD" {
		t.Fatalf("read returned (%d, %q), want (4, \"ABCD\")", n, buf)
	}

	const nrClose = classBSD | sysClose
	if rc := d.Dispatch(nrClose, fd, 0, 0, 0, 0, 0); rc != 0 {
		t.Fatalf("close returned %d, want 0", rc)
	}
}

func TestGetpidAndIdentity(t *testing.T) {
	d, _ := newDispatcher(t)
	if got := d.Dispatch(classBSD|sysGetpid, 0, 0, 0, 0, 0, 0); got != 1 {
		t.Fatalf("getpid = %d, want 1", got)
	}
	if got := d.Dispatch(classBSD|sysGetuid, 0, 0, 0, 0, 0, 0); got != 0 {
		t.Fatalf("getuid = %d, want 0", got)
	}
}

func TestMachSelfTraps(t *testing.T) {
	d, _ := newDispatcher(t)
	if got := d.Dispatch(classMach|trapTaskSelf, 0, 0, 0, 0, 0, 0); got != 1 {
		t.Fatalf("task_self = %d, want 1", got)
	}
	if got := d.Dispatch(classMach|trapHostSelf, 0, 0, 0, 0, 0, 0); got != 2 {
		t.Fatalf("host_self = %d, want 2", got)
	}
	if got := d.Dispatch(classMach|trapThreadSelf, 0, 0, 0, 0, 0, 0); got != 3 {
		t.Fatalf("thread_self = %d, want 3", got)
	}
}

func TestMachMsgRcvTimesOut(t *testing.T) {
	d, _ := newDispatcher(t)
	got := d.Dispatch(classMach|trapMachMsg, 0, machRcvMsg, 0, 0, 0, 0)
	if got != ipc.MachRcvTimedOut {
		t.Fatalf("mach_msg(RCV) = 0x%x, want MACH_RCV_TIMED_OUT", got)
	}
}

func TestUnknownSyscallReturnsZero(t *testing.T) {
	d, _ := newDispatcher(t)
	if got := d.Dispatch(classBSD|0xFFFF, 0, 0, 0, 0, 0, 0); got != 0 {
		t.Fatalf("unknown syscall = %d, want 0", got)
	}
}
