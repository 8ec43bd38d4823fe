// Package bootcfg holds the handful of boot-time tunables a real
// deployment would want adjustable, named the way the teacher's
// limits.Syslimit_t names its system-wide limits instead of scattering
// magic numbers across call sites.
package bootcfg

// Config_t groups every tunable this kernel's boot path reads.
type Config_t struct {
	// RamdiskModuleIndex selects which Multiboot module is the ramdisk
	// when more than one is passed by the bootloader.
	RamdiskModuleIndex int

	// PCISlotMin/PCISlotMax bound the bus-0 slot scan the VirtIO block
	// driver performs looking for vendor 0x1AF4 device 0x1001.
	PCISlotMin int
	PCISlotMax int

	// UserStackTop and UserStackSize describe the stack KernelArgs is
	// built on top of.
	UserStackTop  uintptr
	UserStackSize int

	// MmapBase is the first address Mmap hands out when called with
	// addr=0.
	MmapBase uintptr

	// CommpageAddr is the fixed address of the one-page commpage.
	CommpageAddr uintptr

	// VirtioPollIterations bounds the busy-wait on a completed request.
	VirtioPollIterations int

	// DyldSlide is added to every virtual address the dyld image's load
	// commands name. Non-goals exclude ASLR, so this is a fixed bias
	// rather than a randomized one: dyld's own __TEXT segment is built
	// position-independent starting near vmaddr 0, and this places it
	// well above the main executable's fixed 4 GiB load address and the
	// user stack, and below the commpage.
	DyldSlide uintptr

	// DyldPath and MainExecutablePath locate the two Mach-O images inside
	// the mounted ramdisk/block archive.
	DyldPath          string
	MainExecutablePath string
}

// Default matches every constant spec.md names explicitly.
var Default = Config_t{
	RamdiskModuleIndex: 0,

	PCISlotMin: 0,
	PCISlotMax: 32,

	UserStackTop:  0x2000_0000,
	UserStackSize: 16 * 1024,

	MmapBase: 1 << 30,

	CommpageAddr: 0x7FFF_FFE0_0000,

	VirtioPollIterations: 10_000_000,

	DyldSlide: 0x0000_7FFF_5000_0000,

	DyldPath:           "usr/lib/dyld",
	MainExecutablePath: "sbin/init",
}
