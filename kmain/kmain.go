// Package kmain orchestrates the boot sequence: CPU bring-up, driver
// init, ramdisk/block VFS mount, the two Mach-O loads (dyld and the main
// executable), VMM setup for the user stack and commpage, and the iretq
// descent into dyld, per spec.md §1 and §6. Ordering follows gopher-os's
// own kernel/kmain.Kmain — one non-returning orchestration function that
// halts on any boot-time invariant violation rather than trying to
// recover, since there is no second chance to reach dyld's entry point.
package kmain

import (
	"fmt"
	"unsafe"

	"github.com/tinted-software/machboot/internal/bootcfg"
	"github.com/tinted-software/machboot/internal/console"
	"github.com/tinted-software/machboot/internal/cpuinit"
	"github.com/tinted-software/machboot/internal/idt"
	"github.com/tinted-software/machboot/internal/lowlevel"
	"github.com/tinted-software/machboot/internal/macho"
	"github.com/tinted-software/machboot/internal/mem"
	"github.com/tinted-software/machboot/internal/multiboot"
	"github.com/tinted-software/machboot/internal/syscall"
	"github.com/tinted-software/machboot/internal/usermode"
	"github.com/tinted-software/machboot/internal/vfs"
	"github.com/tinted-software/machboot/internal/virtio"
	"github.com/tinted-software/machboot/internal/vm"
)

// Dispatcher is the syscall dispatcher the SYSCALL entry stub (the
// bootloader's assembly trampoline, out of scope here) tail-calls into
// after swapping GS and saving the caller's scratch registers, per
// spec.md §4.7.
var Dispatcher *syscall.Dispatcher

// frameMapper implements macho.Mapper by allocating physical frames for
// each segment and copying its file bytes in through the identity
// mapping of low memory, the same direct-physical-address idiom vm's
// page-table walk already relies on.
type frameMapper struct{}

func (frameMapper) MapSegment(virt uintptr, length int, data []byte) bool {
	pages := (length + mem.PGSIZE - 1) / mem.PGSIZE
	for i := 0; i < pages; i++ {
		frame, ok := mem.Physmem.AllocateFrame()
		if !ok {
			return false
		}
		if !vm.Map(virt+uintptr(i*mem.PGSIZE), frame, mem.PTE_P|mem.PTE_W|mem.PTE_U) {
			return false
		}
		page := bytesAt(uintptr(frame), mem.PGSIZE)
		for j := range page {
			page[j] = 0
		}
		start := i * mem.PGSIZE
		if start >= len(data) {
			continue
		}
		end := start + mem.PGSIZE
		if end > len(data) {
			end = len(data)
		}
		copy(page, data[start:end])
	}
	return true
}

// Kmain is the kernel entry point. magic/infoAddr are the Multiboot
// contract of spec.md §6; rsp0/ist1/syscallEntry are supplied by the
// bootloader's assembly trampoline (out of scope per spec.md §1), which
// must also call idt.SetStubs before invoking Kmain. Never returns.
func Kmain(magic uint32, infoAddr, rsp0, ist1, syscallEntry uintptr) {
	cpuinit.Init(rsp0, ist1, syscallEntry)

	console.Init()
	idt.Out = console.Writer{}
	syscall.SetStdout(console.Writer{})

	mem.Phys_init()

	mount := mountRamdisk(magic, infoAddr)
	fds := vfs.NewTable(mount)
	vm.SetFileReader(fds)

	dyldBytes, ok := readWhole(mount, bootcfg.Default.DyldPath)
	if !ok {
		halt("dyld image %q not found in mounted archive", bootcfg.Default.DyldPath)
	}
	mainBytes, ok := readWhole(mount, bootcfg.Default.MainExecutablePath)
	if !ok {
		halt("main executable %q not found in mounted archive", bootcfg.Default.MainExecutablePath)
	}

	mainExe := loadImage(mainBytes, 0)
	dyld := loadImage(dyldBytes, bootcfg.Default.DyldSlide)

	fmt.Fprintf(console.Writer{}, "machboot: main text_base=0x%x dyld entry=0x%x\n",
		mainExe.TextBase, dyld.EntryPoint)

	Dispatcher = syscall.NewDispatcher(fds)

	usermode.MapCommpage()
	sp := usermode.BuildStack(mainExe.TextBase, bootcfg.Default.MainExecutablePath)

	usermode.Enter(dyld.EntryPoint, sp)
}

// mountRamdisk locates the Multiboot ramdisk module spec.md §6 requires
// and mounts it, falling back to the VirtIO block device's CPIO image
// (spec.md §4.4's second backend) when no ramdisk module is present.
func mountRamdisk(magic uint32, infoAddr uintptr) *vfs.Mount_t {
	mod, ok := multiboot.Ramdisk(magic, infoAddr, bootcfg.Default.RamdiskModuleIndex)
	if ok {
		archive := bytesAt(mod.Start, int(mod.End-mod.Start))
		return vfs.MountRAM(archive)
	}

	blk, ok := virtio.Open()
	if !ok {
		halt("no Multiboot ramdisk module and no VirtIO block device found")
	}
	mount, ok := vfs.MountBlock(blk)
	if !ok {
		halt("failed to read CPIO image from VirtIO block device")
	}
	return mount
}

// loadImage slices a possibly-FAT image down to its x86_64 slice and
// loads it at slide, halting on any parse or mapping failure since dyld
// bring-up has no fallback path.
func loadImage(b []byte, slide uintptr) macho.Result_t {
	thin, ok := macho.Slice(b)
	if !ok {
		halt("Mach-O image has no x86_64 slice")
	}
	res, ok := macho.Load(thin, slide, frameMapper{})
	if !ok {
		halt("Mach-O image failed to load")
	}
	return res
}

// readWhole reads a mounted VNode's full contents in one call; every
// image this kernel loads is small enough to fit in a single buffer, so
// there is no streaming path to maintain.
func readWhole(mount *vfs.Mount_t, path string) ([]byte, bool) {
	v, ok := mount.Lookup(path)
	if !ok {
		return nil, false
	}
	buf := make([]byte, v.Size)
	n, err := mount.Read(v, 0, buf)
	if err != 0 || n != v.Size {
		return nil, false
	}
	return buf, true
}

func bytesAt(addr uintptr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}

func halt(format string, args ...any) {
	fmt.Fprintf(console.Writer{}, "machboot: fatal: "+format+"\n", args...)
	for {
		lowlevel.Hlt()
	}
}
