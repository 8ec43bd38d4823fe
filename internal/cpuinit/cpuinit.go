// Package cpuinit brings up the CPU state the rest of the kernel assumes:
// GDT/TSS, IDT, the SYSCALL/SYSRET MSRs, and FSGSBASE. It is the
// orchestration point for spec.md §4's "Boot-time CPU state bring-up"
// component, wiring together gdt, idt, and lowlevel in the order spec.md
// §1 lists them.
package cpuinit

import (
	"github.com/tinted-software/machboot/internal/gdt"
	"github.com/tinted-software/machboot/internal/idt"
	"github.com/tinted-software/machboot/internal/lowlevel"
	"github.com/tinted-software/machboot/internal/mem"
	"github.com/tinted-software/machboot/internal/vm"
)

const (
	msrEFER  = 0xC0000080
	msrSTAR  = 0xC0000081
	msrLSTAR = 0xC0000082
	msrFMASK = 0xC0000084

	eferSCE = 1 << 0 // SYSCALL Enable
)

// Init installs the GDT/TSS at the given kernel stacks, the IDT (stubs
// already registered via idt.SetStubs by the bootloader trampoline),
// configures STAR/LSTAR/FMASK for SYSCALL/SYSRET per spec.md §6, and
// enables FSGSBASE.
//
//   - rsp0: kernel stack loaded into TSS.RSP0 for every ring transition.
//   - ist1: dedicated double-fault stack.
//   - syscallEntry: address of the bootloader-supplied SYSCALL entry stub.
func Init(rsp0, ist1 uintptr, syscallEntry uintptr) {
	gdt.Init(rsp0, ist1)
	idt.Init()

	// STAR[63:48] selects the base for SYSRET's user CS/SS, computed as
	// STAR[63:48]+8 (SS) and +16 (CS), OR'd with 3 for RPL — the GDT
	// ordering in gdt.Init (kernel-data, user-data, user-code) makes
	// SelKernData+8 == SelUserData and SelKernData+16 == SelUserCode, per
	// spec.md §3 and §6. STAR[47:32] is the kernel CS/SS base for SYSCALL.
	star := (uint64(gdt.SelKernData) << 48) | (uint64(gdt.SelKernCode) << 32)
	lowlevel.Wrmsr(msrSTAR, star)
	lowlevel.Wrmsr(msrLSTAR, uint64(syscallEntry))
	lowlevel.Wrmsr(msrFMASK, 0)

	efer := lowlevel.Rdmsr(msrEFER)
	lowlevel.Wrmsr(msrEFER, efer|eferSCE)

	lowlevel.WriteCr4FSGSBASE()

	vm.Invlpg = lowlevel.Invlpg
	vm.Init(mem.Pa_t(lowlevel.Cr3()))
}
