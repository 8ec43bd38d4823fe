// Package multiboot reads the Multiboot 1 or 2 info structure the
// bootloader hands to kmain and locates the ramdisk module, per spec.md
// §6. The unsafe.Pointer-over-a-physical-address idiom and the
// tag-walking loop for the MB2 case follow gopher-os's
// hal/multiboot.findTagByType, generalized to also accept the MB1
// fixed-offset layout spec.md §6 requires support for.
package multiboot

import "unsafe"

// Acceptable magics, per spec.md §6.
const (
	Magic1 = 0x2BADB002
	Magic2 = 0x36D76289
)

// Module_t is one Multiboot module's byte range.
type Module_t struct {
	Start uintptr
	End   uintptr
}

func u32At(addr uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(addr))
}

// Modules returns every module the bootloader passed in the info
// structure at infoAddr, dispatching on magic. Returns nil for an
// unrecognized magic.
func Modules(magic uint32, infoAddr uintptr) []Module_t {
	switch magic {
	case Magic1:
		return modulesMB1(infoAddr)
	case Magic2:
		return modulesMB2(infoAddr)
	default:
		return nil
	}
}

// MB1 multiboot_info layout: flags(0), mem_lower(4), mem_upper(8),
// boot_device(12), cmdline(16), mods_count(20), mods_addr(24). Each
// module entry is {mod_start, mod_end, string, reserved}, 16 bytes.
func modulesMB1(info uintptr) []Module_t {
	modsCount := u32At(info + 20)
	modsAddr := uintptr(u32At(info + 24))

	mods := make([]Module_t, 0, modsCount)
	for i := uint32(0); i < modsCount; i++ {
		entry := modsAddr + uintptr(i)*16
		mods = append(mods, Module_t{
			Start: uintptr(u32At(entry)),
			End:   uintptr(u32At(entry + 4)),
		})
	}
	return mods
}

const (
	mb2TagEnd    = 0
	mb2TagModule = 3
)

// MB2 info structure: total_size(0), reserved(4), then 8-byte-aligned
// tags of {type(4), size(4), ...}. A module tag (type=3) is followed by
// {mod_start(4), mod_end(4), string...}.
func modulesMB2(info uintptr) []Module_t {
	var mods []Module_t
	totalSize := u32At(info)
	end := info + uintptr(totalSize)

	ptr := info + 8
	for ptr < end {
		tagType := u32At(ptr)
		size := u32At(ptr + 4)
		if tagType == mb2TagEnd {
			break
		}
		if tagType == mb2TagModule {
			mods = append(mods, Module_t{
				Start: uintptr(u32At(ptr + 8)),
				End:   uintptr(u32At(ptr + 12)),
			})
		}
		if size < 8 {
			break
		}
		ptr += uintptr((size + 7) &^ 7)
	}
	return mods
}

// Ramdisk returns the module at the given index (bootcfg's
// RamdiskModuleIndex tunable), or ok=false if the bootloader passed
// fewer modules than that.
func Ramdisk(magic uint32, infoAddr uintptr, index int) (Module_t, bool) {
	mods := Modules(magic, infoAddr)
	if index < 0 || index >= len(mods) {
		return Module_t{}, false
	}
	return mods[index], true
}
