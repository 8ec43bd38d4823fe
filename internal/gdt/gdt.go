// Package gdt builds the kernel's Global Descriptor Table and Task State
// Segment: null, kernel-code, kernel-data, user-data, user-code, and a
// 16-byte TSS descriptor pair, ordered so SYSRET's (STAR[63:48]+8, +16)
// arithmetic lands on the user descriptors with RPL=3 once OR'd with 3
// (spec.md §3, §4.6). Field naming follows the teacher's Pa_t/flags-style
// bit-packing idiom (mem.go's PTE_* constants) applied to descriptor
// bits instead of page-table bits.
package gdt

import (
	"unsafe"

	"github.com/tinted-software/machboot/internal/lowlevel"
)

// Selector indices into the GDT, in slot order. The TSS occupies two
// consecutive 8-byte slots (5 and 6) because it is a 16-byte descriptor.
const (
	SelNull     uint16 = 0x00
	SelKernCode uint16 = 0x08
	SelKernData uint16 = 0x10
	SelUserData uint16 = 0x18 // RPL bits OR'd in by callers: 0x1B
	SelUserCode uint16 = 0x20 // RPL bits OR'd in by callers: 0x23
	SelTSS      uint16 = 0x28
)

const (
	numSlots = 7 // null, kcode, kdata, udata, ucode, tss-lo, tss-hi
)

// descriptor is one 64-bit GDT entry.
type descriptor uint64

const (
	flagPresent    = 1 << 47
	flagUser       = 1 << 44 // descriptor type: code/data (not system)
	flagExecutable = 1 << 43
	flagRW         = 1 << 41 // readable (code) / writable (data)
	flagLongMode   = 1 << 53
	flagGranular   = 1 << 55
	dpl3           = 3 << 45
)

func codeDescriptor(dpl uint64) descriptor {
	return descriptor(flagPresent | flagUser | flagExecutable | flagRW | flagLongMode | (dpl << 45))
}

func dataDescriptor(dpl uint64) descriptor {
	return descriptor(flagPresent | flagUser | flagRW | (dpl << 45))
}

// TSS_t is the Task State Segment. Only RSP0 (the kernel stack loaded on a
// ring 3 -> ring 0 transition) and IST1 (the double-fault stack) are
// meaningful; iopbOffset is set to sizeof(TSS) to disable the I/O
// permission bitmap entirely, per spec.md §3.
type TSS_t struct {
	reserved0  uint32
	RSP0       uint64
	rsp1       uint64
	rsp2       uint64
	reserved1  uint64
	IST1       uint64
	ist2       uint64
	ist3       uint64
	ist4       uint64
	ist5       uint64
	ist6       uint64
	ist7       uint64
	reserved2  uint64
	reserved3  uint16
	iopbOffset uint16
}

// Table_t is the whole GDT plus the one TSS it describes.
type Table_t struct {
	entries [numSlots]uint64
	tss     TSS_t
}

var table Table_t

// tssDescriptor builds the two 64-bit slots of a 16-byte TSS descriptor
// for the given base address and limit.
func tssDescriptor(base uintptr, limit uint32) (uint64, uint64) {
	b := uint64(base)
	lo := uint64(limit&0xFFFF) |
		((b & 0xFFFFFF) << 16) |
		(0x89 << 40) | // present, DPL=0, type=0x9 (64-bit TSS available)
		(((uint64(limit) >> 16) & 0xF) << 48) |
		(((b >> 24) & 0xFF) << 56)
	hi := b >> 32
	return lo, hi
}

// Init populates the GDT/TSS and loads GDTR, segment selectors, and the
// task register. rsp0 is the kernel stack used on every ring transition;
// ist1 is the dedicated double-fault stack (spec.md §3, §4.8).
func Init(rsp0, ist1 uintptr) {
	table.tss = TSS_t{
		RSP0:       uint64(rsp0),
		IST1:       uint64(ist1),
		iopbOffset: uint16(unsafe.Sizeof(TSS_t{})),
	}

	table.entries[0] = 0 // null
	table.entries[1] = uint64(codeDescriptor(0))
	table.entries[2] = uint64(dataDescriptor(0))
	table.entries[3] = uint64(dataDescriptor(3))
	table.entries[4] = uint64(codeDescriptor(3))
	lo, hi := tssDescriptor(uintptr(unsafe.Pointer(&table.tss)), uint32(unsafe.Sizeof(TSS_t{})-1))
	table.entries[5] = lo
	table.entries[6] = hi

	base := uintptr(unsafe.Pointer(&table.entries[0]))
	limit := uint16(unsafe.Sizeof(table.entries) - 1)
	lowlevel.Lgdt(base, limit)
	lowlevel.Ltr(SelTSS)
}

// SetRSP0 updates the kernel stack pointer loaded on the next ring
// transition. Exposed separately from Init so the boot sequence can
// install the real per-boot stack once it is known.
func SetRSP0(rsp0 uintptr) {
	table.tss.RSP0 = uint64(rsp0)
}
