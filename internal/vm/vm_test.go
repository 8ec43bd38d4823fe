package vm

import (
	"testing"
	"unsafe"

	"github.com/tinted-software/machboot/internal/mem"
	"github.com/tinted-software/machboot/internal/util"
)

// hostArena carves out a page-aligned window of ordinary Go heap memory and
// repoints mem's bump allocator at it, so walk's unsafe.Pointer casts land
// on addressable memory instead of the fixed low-memory physical range this
// package assumes on real hardware. Mirrors the teacher pack's own
// vmm-table tests (gopher-os's pdt_test.go backs page tables with a host
// array and takes its address via unsafe.Pointer the same way).
func hostArena(t *testing.T, pages int) {
	t.Helper()
	raw := make([]byte, (pages+1)*mem.PGSIZE)
	base := mem.Pa_t(uintptr(unsafe.Pointer(&raw[0])))
	start := (base + mem.Pa_t(mem.PGSIZE-1)) &^ mem.Pa_t(mem.PGSIZE-1)
	end := start + mem.Pa_t(pages*mem.PGSIZE)

	mem.Phys_init()
	mem.SetWindow(start, end)

	// Keep raw reachable for the lifetime of the test; without this the
	// only references to the backing array live inside page-table
	// entries as bare integers, which the garbage collector doesn't
	// trace.
	t.Cleanup(func() { _ = raw[0] })
}

func newRoot(t *testing.T) mem.Pa_t {
	t.Helper()
	root, ok := mem.Physmem.AllocateFrame()
	if !ok {
		t.Fatal("failed to allocate root frame from host arena")
	}
	Init(root)
	return root
}

// TestHugePageSplit matches spec.md §8 scenario 2 verbatim: a PD entry of
// 0x0020_0087 (2 MiB mapping at 0x0020_0000, flags P|W|U|PS) in the way of
// map(0x0020_1000, 0x5000_0000, 7) is replaced by a freshly allocated PT
// whose entries reproduce the huge page everywhere except the newly
// requested slot.
func TestHugePageSplit(t *testing.T) {
	hostArena(t, 64)
	newRoot(t)

	const virt = uintptr(0x0020_1000)

	// Walk down to the PD by hand, installing a huge 0x0020_0087 entry at
	// the index map() will find in its way — exactly spec.md's scenario.
	pml4 := asTable(root)
	i0 := index(virt, pml4Shift)
	pdptFrame, ok := mem.Physmem.AllocateFrame()
	if !ok {
		t.Fatal("alloc pdpt")
	}
	pml4[i0] = pdptFrame | mem.PTE_P | mem.PTE_W | mem.PTE_U

	pdpt := asTable(pdptFrame)
	i1 := index(virt, pdptShift)
	pdFrame, ok := mem.Physmem.AllocateFrame()
	if !ok {
		t.Fatal("alloc pd")
	}
	pdpt[i1] = pdFrame | mem.PTE_P | mem.PTE_W | mem.PTE_U

	pd := asTable(pdFrame)
	i2 := index(virt, pdShift)
	pd[i2] = mem.Pa_t(0x0020_0087)

	if ok := Map(virt, mem.Pa_t(0x5000_0000), mem.Pa_t(7)); !ok {
		t.Fatal("map failed")
	}

	entry := pd[i2]
	if entry&mem.PTE_PS != 0 {
		t.Fatalf("pd entry still marked huge: 0x%x", entry)
	}
	if entry&mem.PTE_P == 0 {
		t.Fatalf("pd entry not present after split: 0x%x", entry)
	}

	pt := asTable(entry & mem.PTE_ADDR)
	if got := pt[0]; got != mem.Pa_t(0x0020_0007) {
		t.Fatalf("pt[0] = 0x%x, want 0x0020_0007", got)
	}
	if got := pt[1]; got != mem.Pa_t(0x5000_0007) {
		t.Fatalf("pt[1] = 0x%x, want 0x5000_0007", got)
	}
	if got := pt[2]; got != mem.Pa_t(0x0020_2007) {
		t.Fatalf("pt[2] = 0x%x, want 0x0020_2007", got)
	}

	phys, flags, ok := Translate(virt)
	if !ok {
		t.Fatal("translate failed after split")
	}
	if phys != mem.Pa_t(0x5000_0000) {
		t.Fatalf("translate phys = 0x%x, want 0x5000_0000", phys)
	}
	if flags&mem.PTE_P == 0 || flags&mem.PTE_W == 0 || flags&mem.PTE_U == 0 {
		t.Fatalf("translate flags = 0x%x, missing P|W|U", flags)
	}
}

// TestMapTranslateRoundTrip checks spec.md §8's general invariant: for
// every v in a mapped region, translate(v) returns the mapped phys with
// flags that are a superset of what was requested, OR'd with Present.
func TestMapTranslateRoundTrip(t *testing.T) {
	hostArena(t, 64)
	newRoot(t)

	cases := []struct {
		virt  uintptr
		phys  mem.Pa_t
		flags mem.Pa_t
	}{
		{0x0000_1000, 0x0900_0000, mem.PTE_W},
		{0x4000_2000, 0x0900_1000, mem.PTE_W | mem.PTE_U},
		{0x0000_7fff_f000, 0x0900_2000, mem.PTE_U},
	}

	for _, c := range cases {
		if ok := Map(c.virt, c.phys, c.flags); !ok {
			t.Fatalf("map(0x%x) failed", c.virt)
		}
		phys, flags, ok := Translate(c.virt)
		if !ok {
			t.Fatalf("translate(0x%x) failed after map", c.virt)
		}
		if phys != c.phys {
			t.Fatalf("translate(0x%x) phys = 0x%x, want 0x%x", c.virt, phys, c.phys)
		}
		if flags&mem.PTE_P == 0 {
			t.Fatalf("translate(0x%x) missing Present", c.virt)
		}
		if flags&c.flags != c.flags {
			t.Fatalf("translate(0x%x) flags 0x%x do not contain requested 0x%x", c.virt, flags, c.flags)
		}
	}
}

// TestTranslateUnmappedFails confirms translate reports ok=false (never
// panics) for an address nothing has mapped.
func TestTranslateUnmappedFails(t *testing.T) {
	hostArena(t, 16)
	newRoot(t)

	if _, _, ok := Translate(0x1234_5000); ok {
		t.Fatal("expected translate of unmapped address to fail")
	}
}

// TestMmapRecordsRegion matches spec.md §4.2's mmap contract: addr=0 picks
// the next address from the bump cursor, maps length rounded up to whole
// pages, and records the region for later lookup via Regions.
func TestMmapRecordsRegion(t *testing.T) {
	hostArena(t, 64)
	newRoot(t)

	base := Mmap(0, 5000, mem.PTE_W|mem.PTE_U, -1, 0)
	if base == 0 {
		t.Fatal("mmap returned nil address")
	}

	phys, flags, ok := Translate(base)
	if !ok {
		t.Fatal("mmap'd address does not translate")
	}
	if phys == 0 {
		t.Fatal("mmap'd address translated to the zero frame")
	}
	if flags&mem.PTE_W == 0 || flags&mem.PTE_U == 0 {
		t.Fatalf("mmap'd flags 0x%x missing requested W|U", flags)
	}

	found := false
	for _, r := range Regions() {
		if r.Virt == base {
			found = true
			if r.Length != 5000 {
				t.Fatalf("region length = %d, want 5000", r.Length)
			}
		}
	}
	if !found {
		t.Fatal("mmap did not record a region at its returned address")
	}

	base2 := Mmap(0, mem.PGSIZE, mem.PTE_W, -1, 0)
	want := base + uintptr(util.Roundup(5000, mem.PGSIZE))
	if base2 != want {
		t.Fatalf("second mmap at 0x%x, want 0x%x (bump cursor did not advance by the rounded first region)", base2, want)
	}
}
