// Package lowlevel declares the handful of architecture primitives that
// cannot be expressed in portable Go: port I/O, MSR access, descriptor
// table loads, TLB invalidation, and the ring-3 descent. Per spec.md §9
// ("Design Notes"), this irreducible assembly is kept in one file and
// treated as part of the core's external contract — the bootloader and
// ISR/SYSCALL trampolines documented in spec.md §1 as out of scope supply
// the other half of that contract (entry stubs that call into this
// package's Go-side handlers).
//
// Every function below is implemented in lowlevel_amd64.s; this file only
// carries the Go-visible signatures and doc comments, mirroring how the
// teacher keeps its runtime-primitive declarations (mem.Pg2bytes and
// friends) separate from their unsafe implementations.
package lowlevel

// Outb writes a byte to an x86 I/O port.
func Outb(port uint16, val uint8)

// Inb reads a byte from an x86 I/O port.
func Inb(port uint16) uint8

// Outl writes a 32-bit word to an x86 I/O port; used for PCI
// CONFIG_ADDRESS/CONFIG_DATA access (spec.md §4.3).
func Outl(port uint16, val uint32)

// Inl reads a 32-bit word from an x86 I/O port.
func Inl(port uint16) uint32

// Wrmsr writes val to the model-specific register msr.
func Wrmsr(msr uint32, val uint64)

// Rdmsr reads the model-specific register msr.
func Rdmsr(msr uint32) uint64

// Lgdt loads the GDTR from the descriptor {limit, base}.
func Lgdt(base uintptr, limit uint16)

// Lidt loads the IDTR from the descriptor {limit, base}.
func Lidt(base uintptr, limit uint16)

// Ltr loads the task register with the given GDT selector.
func Ltr(selector uint16)

// Invlpg invalidates the TLB entry mapping the given virtual address.
func Invlpg(virt uintptr)

// Cr2 returns the faulting address recorded by the last page fault.
func Cr2() uintptr

// Cr3 returns the physical address of the currently loaded PML4.
func Cr3() uintptr

// WriteCr4FSGSBASE sets CR4.FSGSBASE (bit 16), enabling the RDFSBASE /
// WRFSBASE / RDGSBASE / WRGSBASE instructions dyld's thread-local-storage
// bring-up depends on.
func WriteCr4FSGSBASE()

// Iretq loads DS/ES/FS/GS with the given data selector (ss) and
// performs the iretq descent to ring 3 with the given stack frame
// {ss, sp, rflags, cs, entry}, per spec.md §4.6. Does not return.
func Iretq(ss, sp, rflags, cs, entry uint64)

// Hlt executes a single hlt instruction.
func Hlt()

// Pause executes a single pause instruction, used by the VirtIO driver's
// bounded completion spin (spec.md §4.3).
func Pause()
