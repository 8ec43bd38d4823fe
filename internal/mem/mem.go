// Package mem implements the physical memory manager: a bump allocator
// over a fixed RAM window that hands out zeroed 4 KiB frames and never
// frees them. Types and naming follow the teacher's mem package (Pa_t,
// PTE_* flag constants, Physmem_t), trimmed to the leak-tolerant,
// single-address-space contract this kernel actually needs — no
// refcounting, no per-CPU free lists, no page-map bookkeeping, since there
// is exactly one address space and nothing is ever torn down.
package mem

import (
	"fmt"
	"sync"
)

// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

// PGOFFSET masks the in-page offset of an address.
const PGOFFSET Pa_t = 0xfff

// PGMASK masks the page-aligned part of an address.
const PGMASK Pa_t = ^PGOFFSET

// Page-table entry flag bits, matching the teacher's PTE_* constants.
const (
	PTE_P    Pa_t = 1 << 0 // present
	PTE_W    Pa_t = 1 << 1 // writable
	PTE_U    Pa_t = 1 << 2 // user accessible
	PTE_PCD  Pa_t = 1 << 4 // cache disable
	PTE_PS   Pa_t = 1 << 7 // page size (2 MiB mapping at the PD level)
	PTE_ADDR Pa_t = PGMASK
)

// Pa_t is a physical address, or (when used as the contents of a page
// table entry) a physical address OR'd with PTE_* flag bits. Kept as a
// distinct type from uintptr so the two address spaces are never silently
// interchanged.
type Pa_t uintptr

// Physical RAM window the bump allocator draws from: 128 MiB to 512 MiB,
// per spec. Real deployments would read this from the Multiboot memory
// map; the kernel treats the window as fixed because it never needs more
// than dyld's bring-up requires.
const (
	ramStart Pa_t = 0x0800_0000
	ramEnd   Pa_t = 0x2000_0000
)

// Physmem_t is the global physical memory allocator. nextFree only ever
// advances; free_frame is a documented no-op (see FreeFrame).
type Physmem_t struct {
	mu       sync.Mutex
	nextFree Pa_t
}

// Physmem is the global physical memory allocator instance, matching the
// teacher's package-level singleton idiom (mem.Physmem).
var Physmem = &Physmem_t{nextFree: ramStart}

// windowStart and windowEnd bound the range Phys_init and AllocateFrame(s)
// draw from. They default to the real RAM window but can be repointed at a
// host-backed buffer by SetWindow, which the vm package's tests need since
// they cast allocated frames through unsafe.Pointer and must land on
// addressable memory when run outside a freestanding kernel image.
var windowStart, windowEnd = ramStart, ramEnd

// SetWindow repoints the bump allocator at [start, end) and resets
// nextFree to start. Only meant for tests that need AllocateFrame to hand
// out addresses backed by real host memory.
func SetWindow(start, end Pa_t) {
	Physmem.mu.Lock()
	windowStart, windowEnd = start, end
	Physmem.nextFree = start
	Physmem.mu.Unlock()
}

// zeroer is provided by the VMM's direct-map translation; Phys_init does
// not need it directly because AllocateFrame calls it on every frame it
// hands out.
var zeroer func(Pa_t)

// SetZeroer installs the callback used to zero a freshly allocated frame.
// The VMM supplies this at init time because only it knows how to reach a
// physical page from Go code (through the direct map); mem stays ignorant
// of virtual addressing, matching the teacher's layering where mem.Dmap is
// the only VMM-shaped dependency mem itself exposes, never consumes.
func SetZeroer(f func(Pa_t)) {
	zeroer = f
}

// Phys_init resets the allocator to the start of its RAM window. Returns
// the allocator for chaining, mirroring the teacher's Phys_init.
func Phys_init() *Physmem_t {
	phys := Physmem
	phys.mu.Lock()
	phys.nextFree = windowStart
	start, end := windowStart, windowEnd
	phys.mu.Unlock()
	fmt.Printf("pmm: reserved %v MiB [0x%x, 0x%x)\n", (end-start)>>20, start, end)
	return phys
}

// AllocateFrame returns one zeroed, 4 KiB-aligned physical frame, or ok=false
// if the RAM window is exhausted. Never panics.
func (phys *Physmem_t) AllocateFrame() (Pa_t, bool) {
	phys.mu.Lock()
	defer phys.mu.Unlock()
	if phys.nextFree+Pa_t(PGSIZE) > windowEnd {
		return 0, false
	}
	p := phys.nextFree
	phys.nextFree += Pa_t(PGSIZE)
	if zeroer != nil {
		zeroer(p)
	}
	return p, true
}

// AllocateFrames returns n contiguous zeroed frames, or ok=false if the
// request would cross the end of the RAM window. On failure nextFree is
// left unadvanced (no partial commit), unlike AllocateFrame's single-frame
// case where there is nothing to partially commit.
func (phys *Physmem_t) AllocateFrames(n int) (Pa_t, bool) {
	if n <= 0 {
		panic("bad frame count")
	}
	phys.mu.Lock()
	defer phys.mu.Unlock()
	need := Pa_t(n * PGSIZE)
	if phys.nextFree+need > windowEnd {
		return 0, false
	}
	base := phys.nextFree
	phys.nextFree += need
	if zeroer != nil {
		for i := 0; i < n; i++ {
			zeroer(base + Pa_t(i*PGSIZE))
		}
	}
	return base, true
}

// FreeFrame is a documented no-op: the PMM is leak-tolerant by design (see
// spec.md §4.1). Kept as a named function rather than silently dropped so
// call sites read the same as a real allocator's.
func (phys *Physmem_t) FreeFrame(Pa_t) {
}

// Next reports the current bump-allocation watermark, for diagnostics and
// tests only.
func (phys *Physmem_t) Next() Pa_t {
	phys.mu.Lock()
	defer phys.mu.Unlock()
	return phys.nextFree
}
