package usermode

import (
	"testing"
	"unsafe"

	"github.com/tinted-software/machboot/internal/bootcfg"
	"github.com/tinted-software/machboot/internal/mem"
	"github.com/tinted-software/machboot/internal/vm"
)

// hostArena repoints the physical allocator at ordinary Go heap memory, the
// same technique vm's own tests use, so BuildStack/MapCommpage's
// unsafe.Pointer writes land on addressable memory instead of the fixed
// low-memory physical range this package assumes on real hardware.
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

// hostAddr translates a virtual address BuildStack/MapCommpage wrote
// through back to the host pointer backing it, the same way
// TestMapCommpage already does for the commpage — frame, argvAddr, and
// appleAddr are virtual addresses with no MMU actually translating them
// in a hosted test binary, so dereferencing them directly would segfault
// rather than fail an assertion.
func hostAddr(t *testing.T, virt uintptr) uintptr {
	t.Helper()
	phys, _, ok := vm.Translate(virt)
	if !ok {
		t.Fatalf("address 0x%x did not translate", virt)
	}
	return uintptr(phys) + virt%uintptr(mem.PGSIZE)
}

func readU64(t *testing.T, virt uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(hostAddr(t, virt)))
}

// TestBuildStackLayout matches spec.md §4.6's KernelArgs table: the seven
// 64-bit words at frame..frame+48, a 16-byte-aligned stack pointer, and a
// path string reachable through the argv[0] word.
func TestBuildStackLayout(t *testing.T) {
	hostArena(t, 64)

	const textBase = uintptr(0x0000_0001_0000_0000)
	const path = "/sbin/init"

	frame := BuildStack(textBase, path)

	if frame%16 != 0 {
		t.Fatalf("KernelArgs frame 0x%x not 16-byte aligned", frame)
	}

	if got := readU64(t, frame+0); got != uint64(textBase) {
		t.Fatalf("mh word = 0x%x, want 0x%x", got, textBase)
	}
	if got := readU64(t, frame+8); got != 1 {
		t.Fatalf("argc word = %d, want 1", got)
	}

	argvAddr := uintptr(readU64(t, frame+16))
	b := (*[32]byte)(unsafe.Pointer(hostAddr(t, argvAddr)))
	if string(b[:len(path)]) != path {
		t.Fatalf("argv[0] = %q, want %q", b[:len(path)], path)
	}
	if b[len(path)] != 0 {
		t.Fatal("argv[0] not NUL terminated")
	}

	if got := readU64(t, frame+24); got != 0 {
		t.Fatalf("argv terminator = 0x%x, want 0", got)
	}
	if got := readU64(t, frame+32); got != 0 {
		t.Fatalf("envp terminator = 0x%x, want 0", got)
	}

	appleAddr := uintptr(readU64(t, frame+40))
	ab := (*[64]byte)(unsafe.Pointer(hostAddr(t, appleAddr)))
	wantApple := "executable_path=" + path
	if string(ab[:len(wantApple)]) != wantApple {
		t.Fatalf("apple[0] = %q, want %q", ab[:len(wantApple)], wantApple)
	}
	if got := readU64(t, frame+48); got != 0 {
		t.Fatalf("apple terminator = 0x%x, want 0", got)
	}
}

// TestMapCommpage checks the fixed address, signature, and version fields
// spec.md §4.6 requires.
func TestMapCommpage(t *testing.T) {
	hostArena(t, 64)

	MapCommpage()

	phys, flags, ok := vm.Translate(bootcfg.Default.CommpageAddr)
	if !ok {
		t.Fatal("commpage address did not translate after MapCommpage")
	}
	if phys == 0 {
		t.Fatal("commpage mapped to the zero frame")
	}
	if flags&mem.PTE_U == 0 {
		t.Fatalf("commpage flags 0x%x missing User", flags)
	}

	page := uintptr(phys)
	sig := (*[11]byte)(unsafe.Pointer(page))
	if string(sig[:]) != commpageSig {
		t.Fatalf("commpage signature = %q, want %q", sig[:], commpageSig)
	}

	version := *(*uint16)(unsafe.Pointer(page + commpageVersionOff))
	if version != commpageVersion {
		t.Fatalf("commpage version = %d, want %d", version, commpageVersion)
	}

	caps := (*[8]byte)(unsafe.Pointer(page + commpageCapsOff))
	for i, c := range caps {
		if c != 0 {
			t.Fatalf("commpage cap byte %d = 0x%x, want 0", i, c)
		}
	}
}
