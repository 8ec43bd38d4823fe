// Package usermode builds the dyld KernelArgs stack frame, maps the
// commpage, and performs the iretq descent to ring 3, per spec.md §4.6.
// The stack-frame and commpage byte layouts are written at fixed offsets
// with unsafe.Pointer, the same direct-cast idiom the vm package uses for
// page tables — justified here because this is kernel-authored memory,
// not externally supplied bytes (contrast with macho's length-checked
// parsing of file-supplied data).
package usermode

import (
	"unsafe"

	"github.com/tinted-software/machboot/internal/bootcfg"
	"github.com/tinted-software/machboot/internal/gdt"
	"github.com/tinted-software/machboot/internal/lowlevel"
	"github.com/tinted-software/machboot/internal/mem"
	"github.com/tinted-software/machboot/internal/vm"
)

const (
	userCS = gdt.SelUserCode | 3
	userSS = gdt.SelUserData | 3

	rflagsDefault = 0x202
)

// BuildStack maps a zero-filled user stack at bootcfg's configured top,
// writes the path and apple[0] strings, then the seven KernelArgs words,
// and returns the 16-byte-aligned stack pointer, per spec.md §4.6's
// table.
func BuildStack(textBase uintptr, path string) uintptr {
	top := bootcfg.Default.UserStackTop
	size := bootcfg.Default.UserStackSize

	pages := (size + mem.PGSIZE - 1) / mem.PGSIZE
	length := pages * mem.PGSIZE
	base := top - uintptr(length)
	vm.Mmap(base, length, mem.PTE_W|mem.PTE_U, -1, 0)

	// Lay out the string area working down from the stack top.
	appleStr := "executable_path=" + path
	cursor := top

	cursor -= uintptr(len(appleStr) + 1)
	appleAddr := cursor
	writeCString(appleAddr, appleStr)

	cursor -= uintptr(len(path) + 1)
	pathAddr := cursor
	writeCString(pathAddr, path)

	// Fold the seven-word frame's size into the alignment computation
	// before masking, rather than masking first and subtracting after:
	// subtracting a non-multiple-of-16 size (56) from an already-masked
	// address would push frame back off 16-byte alignment for any top.
	frame := (top - 0x200 - 56) &^ 0xF

	writeU64(frame+0, uint64(textBase))
	writeU64(frame+8, 1) // argc
	writeU64(frame+16, uint64(pathAddr))
	writeU64(frame+24, 0) // argv terminator
	writeU64(frame+32, 0) // envp terminator
	writeU64(frame+40, uint64(appleAddr))
	writeU64(frame+48, 0) // apple terminator

	return frame
}

func writeU64(addr uintptr, v uint64) {
	*(*uint64)(unsafe.Pointer(backing(addr))) = v
}

func writeCString(addr uintptr, s string) {
	for i := 0; i <= len(s); i++ {
		c := byte(0)
		if i < len(s) {
			c = s[i]
		}
		*(*byte)(unsafe.Pointer(backing(addr + uintptr(i)))) = c
	}
}

// backing returns the address of the byte that user address virt maps
// to inside its physical frame, the frame-side access MapCommpage uses.
func backing(virt uintptr) uintptr {
	phys, _, _ := vm.Translate(virt)
	return uintptr(phys) + virt%uintptr(mem.PGSIZE)
}

const (
	commpageSig        = "commpage 64"
	commpageVersionOff = 0x1E
	commpageCapsOff    = 0x10
	commpageVersion    = 1
)

// MapCommpage maps the fixed-address commpage with User|Execute
// permission and writes the signature, version, and zeroed capability
// bits, per spec.md §4.6.
func MapCommpage() {
	frame, ok := mem.Physmem.AllocateFrame()
	if !ok {
		return
	}
	vm.Map(bootcfg.Default.CommpageAddr, frame, mem.PTE_P|mem.PTE_U)

	page := uintptr(frame)
	b := (*[mem.PGSIZE]byte)(unsafe.Pointer(page))
	copy(b[:], commpageSig)
	for i := commpageCapsOff; i < commpageCapsOff+8; i++ {
		b[i] = 0
	}
	*(*uint16)(unsafe.Pointer(page + commpageVersionOff)) = commpageVersion
}

// Enter descends to ring 3 at entry with the given stack pointer, per
// spec.md §4.6's segment and RFLAGS configuration. Does not return.
func Enter(entry, sp uintptr) {
	lowlevel.Iretq(uint64(userSS), uint64(sp), rflagsDefault, uint64(userCS), uint64(entry))
}
