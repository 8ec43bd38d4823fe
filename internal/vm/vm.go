// Package vm is the virtual memory manager. It walks and mutates the
// 4-level x86-64 page hierarchy in place, splits 2 MiB huge pages on
// demand, and services an mmap-shaped allocator on top of the physical
// frame allocator in mem. Naming and the table-walk idiom are grounded on
// the teacher's vm.as.go (Pa_t-typed addresses, PTE_* flags, Dmap-style
// physical translation) but collapsed from the teacher's per-process
// Vm_t/COW model down to the single shared hierarchy this kernel's
// Non-goals call for (spec.md §1: no multiple address spaces).
package vm

import (
	"sync"
	"unsafe"

	"github.com/tinted-software/machboot/internal/mem"
	"github.com/tinted-software/machboot/internal/util"
)

// Number of page-table entries per table and the shift/mask used at each
// of the four levels of the hierarchy.
const (
	entsPerTable = 512
	pml4Shift    = 39
	pdptShift    = 30
	pdShift      = 21
	ptShift      = 12
	idxMask      = 0x1FF
	hugePageSize = 2 << 20
)

// root is the physical address of the PML4 installed by the boot
// environment (CR3). The kernel treats this hierarchy as its sole address
// space; Init records it once.
var root mem.Pa_t

// mu serializes all table mutations; there is only one CPU, but keeping a
// lock documents the invariant for anyone who later adds concurrency (see
// spec.md §5).
var mu sync.Mutex

// table views a physical frame as a raw array of 512 page-table entries.
// Valid only because low memory is identity-mapped by the boot
// environment, exactly as spec.md §4.2 describes; asTable is never applied to
// an address outside that window.
type table = *[entsPerTable]mem.Pa_t

func asTable(p mem.Pa_t) table {
	return (*[entsPerTable]mem.Pa_t)(unsafe.Pointer(uintptr(p)))
}

// Init records the boot-installed PML4 physical address as the kernel's
// sole address space and wires mem's frame zeroer to the identity map.
func Init(cr3 mem.Pa_t) {
	root = cr3
	mem.SetZeroer(func(p mem.Pa_t) {
		pg := (*[mem.PGSIZE]byte)(unsafe.Pointer(uintptr(p)))
		for i := range pg {
			pg[i] = 0
		}
	})
}

func index(virt uintptr, shift uint) int {
	return int((virt>>shift)&idxMask)
}

// Invlpg invalidates the TLB entry for a virtual address. Production code
// wires this to lowlevel.Invlpg at boot (cpuinit.Init); left as a no-op
// variable by default so this package's tests can run on any host.
var Invlpg = func(uintptr) {}

// walk descends the 4-level hierarchy for virt, allocating and zeroing
// intermediate tables on demand, and splitting a huge PD entry if one is
// found in the way of a 4 KiB mapping. It returns a pointer to the leaf PTE
// (at the PT level) or ok=false if a frame allocation failed partway.
func walk(virt uintptr) (*mem.Pa_t, bool) {
	cur := asTable(root)
	for _, shift := range []uint{pml4Shift, pdptShift, pdShift} {
		i := index(virt, shift)
		e := cur[i]
		if e&mem.PTE_P == 0 {
			frame, ok := mem.Physmem.AllocateFrame()
			if !ok {
				return nil, false
			}
			cur[i] = frame | mem.PTE_P | mem.PTE_W | mem.PTE_U
			cur = asTable(frame)
			continue
		}
		if shift == pdShift && e&mem.PTE_PS != 0 {
			if split, ok := splitHuge(cur, i); ok {
				cur = split
				continue
			}
			return nil, false
		}
		cur = asTable(e & mem.PTE_ADDR)
	}
	i := index(virt, ptShift)
	return &cur[i], true
}

// splitHuge replaces the 2 MiB PD entry at pd[i] with a freshly allocated
// PT populated with 512 4 KiB entries that reproduce the huge mapping's
// flags (minus PS), per spec.md §4.2 step 3. Returns the new PT.
func splitHuge(pd table, i int) (table, bool) {
	hugeEntry := pd[i]
	hugeBase := hugeEntry & mem.PTE_ADDR
	flags := (hugeEntry &^ mem.PTE_ADDR) &^ mem.PTE_PS

	ptFrame, ok := mem.Physmem.AllocateFrame()
	if !ok {
		return nil, false
	}
	pt := asTable(ptFrame)
	for j := 0; j < entsPerTable; j++ {
		pt[j] = (hugeBase + mem.Pa_t(j*mem.PGSIZE)) | flags
	}
	pd[i] = ptFrame | mem.PTE_P | mem.PTE_W | mem.PTE_U
	return pt, true
}

// Map installs a 4 KiB mapping virt -> phys with the given flags,
// allocating intermediate tables and splitting huge pages as needed. flags
// must include mem.PTE_U for user-accessible regions. Invalidates the TLB
// entry for virt on success.
func Map(virt uintptr, phys mem.Pa_t, flags mem.Pa_t) bool {
	mu.Lock()
	defer mu.Unlock()
	pte, ok := walk(virt)
	if !ok {
		return false
	}
	*pte = phys | flags | mem.PTE_P
	Invlpg(virt)
	return true
}

// Translate walks the hierarchy read-only and returns the mapped physical
// address and flags for virt, or ok=false if unmapped. Used by tests and
// by usermode to reach the frame behind a user address.
func Translate(virt uintptr) (mem.Pa_t, mem.Pa_t, bool) {
	mu.Lock()
	defer mu.Unlock()
	cur := asTable(root)
	for _, shift := range []uint{pml4Shift, pdptShift, pdShift} {
		e := cur[index(virt, shift)]
		if e&mem.PTE_P == 0 {
			return 0, 0, false
		}
		if shift == pdShift && e&mem.PTE_PS != 0 {
			off := mem.Pa_t(virt) & (hugePageSize - 1) & mem.PGMASK
			return e&mem.PTE_ADDR + off, (e &^ mem.PTE_ADDR) &^ mem.PTE_PS, true
		}
		cur = asTable(e & mem.PTE_ADDR)
	}
	pte := cur[index(virt, ptShift)]
	if pte&mem.PTE_P == 0 {
		return 0, 0, false
	}
	return pte & mem.PTE_ADDR, pte &^ mem.PTE_ADDR, true
}

// Region_t records one mmap-created virtual region for bookkeeping; no
// munmap is supported so these are never removed, only appended or left as
// holes when the fixed-capacity table overflows.
type Region_t struct {
	Virt           uintptr
	Length         int
	Flags          mem.Pa_t
	BackingFd      int
	BackingOffset  int
	inUse          bool
}

const maxRegions = 256

var (
	regions     [maxRegions]Region_t
	nextMmapVa  uintptr = 1 << 30 // 1 GiB, per spec.md §4.2
)

// FileReader abstracts the VFS read used to populate a file-backed mmap
// region without vm importing vfs (which would create an import cycle,
// since vfs's random/file VNodes are themselves reached only through fds
// the syscall layer owns).
type FileReader interface {
	ReadAt(fd int, offset int, buf []byte) (int, bool)
}

var fileReader FileReader

// SetFileReader installs the VFS-backed reader used for fd >= 0 mmaps.
func SetFileReader(r FileReader) {
	fileReader = r
}

// Mmap implements the mmap-shaped allocator of spec.md §4.2: if addr is 0
// it picks the next address from the bump cursor, maps len bytes in
// PGSIZE-rounded pages, optionally populates them by reading len bytes
// from fd at offset, and records the region. Never fails partially in the
// sense of unwinding a partial mapping; a failed frame allocation simply
// leaves the partial mapping in place, matching spec.md §4.2's documented
// acceptable-leak behavior.
func Mmap(addr uintptr, length int, flags mem.Pa_t, fd int, offset int) uintptr {
	mu.Lock()
	base := addr
	if base == 0 {
		base = nextMmapVa
		nextMmapVa += uintptr(util.Roundup(length, mem.PGSIZE))
	}
	mu.Unlock()

	pages := util.Roundup(length, mem.PGSIZE) / mem.PGSIZE
	for i := 0; i < pages; i++ {
		frame, ok := mem.Physmem.AllocateFrame()
		if !ok {
			break
		}
		if !Map(base+uintptr(i*mem.PGSIZE), frame, flags|mem.PTE_P|mem.PTE_W|mem.PTE_U) {
			break
		}
	}

	if fd >= 0 && fileReader != nil {
		buf := make([]byte, length)
		if n, ok := fileReader.ReadAt(fd, offset, buf); ok {
			dst := (*[1 << 30]byte)(unsafe.Pointer(base))[:n:n]
			copy(dst, buf[:n])
		}
	}

	recordRegion(base, length, flags, fd, offset)
	return base
}

func recordRegion(virt uintptr, length int, flags mem.Pa_t, fd, offset int) {
	mu.Lock()
	defer mu.Unlock()
	for i := range regions {
		if !regions[i].inUse {
			regions[i] = Region_t{
				Virt: virt, Length: length, Flags: flags,
				BackingFd: fd, BackingOffset: offset, inUse: true,
			}
			return
		}
	}
	// region table full: drop the tracking record silently, per spec.md §7.
}

// Regions returns a snapshot of the in-use region records, for /proc-less
// diagnostics and tests.
func Regions() []Region_t {
	mu.Lock()
	defer mu.Unlock()
	var out []Region_t
	for _, r := range regions {
		if r.inUse {
			out = append(out, r)
		}
	}
	return out
}
