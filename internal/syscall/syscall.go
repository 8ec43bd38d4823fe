// Package syscall decodes the XNU syscall-class encoding and dispatches to
// the minimal Mach trap / BSD syscall / MDEP surface dyld's bring-up path
// exercises, per spec.md §4.7. Trap and syscall numbers are the real
// Darwin ABI values (bsd/kern/syscalls.master, osfmk/kern/syscall_sw.c)
// so a userspace binary compiled against the genuine headers issues
// numbers this table already recognizes.
package syscall

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/tinted-software/machboot/internal/defs"
	"github.com/tinted-software/machboot/internal/ipc"
	"github.com/tinted-software/machboot/internal/lowlevel"
	"github.com/tinted-software/machboot/internal/mem"
	"github.com/tinted-software/machboot/internal/vfs"
	"github.com/tinted-software/machboot/internal/vm"
)

// stdout is where fd 1/2 writes and unknown-syscall diagnostics go.
// Defaults to io.Discard, matching idt.Out's convention, so this package
// stays safely importable from a hosted test binary that never calls
// SetStdout; kmain installs the real console writer at boot.
var stdout io.Writer = io.Discard

// SetStdout overrides the writer fd 1/2 and diagnostics go to. kmain
// calls this once at boot with console.Writer{}; tests substitute their
// own in-memory sink.
func SetStdout(w io.Writer) {
	stdout = w
}

// Number-space class masks, per spec.md §4.7.
const (
	classMach = 0x01000000
	classBSD  = 0x02000000
	classMDEP = 0x03000000
	classMask = 0xFF000000
)

// Mach trap numbers (osfmk/kern/syscall_sw.c's mach_trap_table indices).
const (
	trapVMAllocate       = 10
	trapVMDeallocate     = 12
	trapVMProtect        = 14
	trapVMMap            = 15
	trapPortAllocate     = 16
	trapPortDeallocate   = 18
	trapModRefs          = 19
	trapInsertRight      = 21
	trapPortConstruct    = 24
	trapReplyPort        = 26
	trapThreadSelf       = 27
	trapTaskSelf         = 28
	trapHostSelf         = 29
	trapMachMsg          = 31
	trapMachMsgOverwrite = 32
	trapSemaphoreSignal  = 33
	trapSemaphoreWait    = 36
)

// BSD syscall numbers (bsd/kern/syscalls.master).
const (
	sysExit                  = 1
	sysRead                  = 3
	sysWrite                 = 4
	sysOpen                  = 5
	sysClose                 = 6
	sysGetpid                = 20
	sysGetuid                = 24
	sysGeteuid               = 25
	sysSigaction             = 46
	sysSigprocmask           = 48
	sysIoctl                 = 54
	sysGetegid               = 43
	sysGetgid                = 47
	sysMunmap                = 73
	sysMprotect              = 74
	sysFcntl                 = 92
	sysWritev                = 121
	sysIssetugid             = 327
	sysCsops                 = 169
	sysGetrlimit             = 194
	sysSetrlimit             = 195
	sysMmap                  = 197
	sysSysctl                = 202
	sysSharedRegionCheckNp   = 294
	sysStat64                = 338
	sysFstat64               = 339
	sysThreadSelfid          = 372
	sysGetentropy            = 500
)

// MDEP trap numbers.
const (
	mdepThreadFastSetCthreadSelf = 3
)

const (
	msrKernelGSBase = 0xC0000102
)

// sysctlEntry answers one {mib0,mib1} pair with a canned value, per
// spec.md §4.7's synthetic kernel/hardware metadata table.
type sysctlEntry struct {
	mib0, mib1 int32
	str        string
	word       uint64
	isStr      bool
}

var sysctlTable = []sysctlEntry{
	{1, 1, "Darwin", 0, true},     // CTL_KERN, KERN_OSTYPE
	{1, 2, "23.0.0", 0, true},     // CTL_KERN, KERN_OSRELEASE
	{6, 3, "", 1, false},          // CTL_HW, HW_NCPU
	{6, 24, "", 1 << 30, false},   // CTL_HW, HW_MEMSIZE (1 GiB)
	{6, 7, "", 4096, false},       // CTL_HW, HW_PAGESIZE
}

// Dispatcher is the per-boot (there is only ever one) syscall dispatch
// state: the fd table, the brk watermark, and the tracked signal mask.
// All of it is process-wide and unsynchronized, per spec.md §5's
// single-execution-context contract.
type Dispatcher struct {
	Fds *vfs.Table_t

	brk     uintptr
	sigmask uint64
}

// NewDispatcher binds a dispatcher to the given fd table.
func NewDispatcher(fds *vfs.Table_t) *Dispatcher {
	return &Dispatcher{Fds: fds, brk: 0}
}

// Dispatch decodes nr's class, strips it, and routes to the matching
// trap/syscall/MDEP table, per spec.md §4.7. Unknown numbers log and
// return 0.
func (d *Dispatcher) Dispatch(nr uint64, a1, a2, a3, a4, a5, a6 uint64) uint64 {
	num := uint32(nr &^ classMask)

	switch uint32(nr) & classMask {
	case classBSD:
		return d.bsd(num, a1, a2, a3, a4, a5, a6)
	case classMDEP:
		return d.mdep(num, a1, a2, a3, a4, a5, a6)
	case classMach, 0:
		return d.mach(num, a1, a2, a3, a4, a5, a6)
	default:
		fmt.Fprintf(stdout, "syscall: unknown class in 0x%x\n", nr)
		return 0
	}
}

func (d *Dispatcher) mach(num uint32, a1, a2, a3, a4, a5, a6 uint64) uint64 {
	switch num {
	case trapVMAllocate:
		size := uintptr(a2)
		addr := vm.Mmap(0, int(size), mem.PTE_W|mem.PTE_U, -1, 0)
		writeU64(uintptr(a1), uint64(addr))
		return 0
	case trapVMDeallocate, trapVMProtect, trapVMMap:
		return 0
	case trapPortAllocate:
		writeU32(uintptr(a3), ipc.Allocate())
		return 0
	case trapPortDeallocate:
		ipc.Deallocate(uint32(a2))
		return 0
	case trapModRefs:
		ipc.ModRefs(uint32(a2))
		return 0
	case trapInsertRight:
		return 0
	case trapPortConstruct:
		writeU32(uintptr(a4), ipc.Allocate())
		return 0
	case trapReplyPort:
		return uint64(ipc.Allocate())
	case trapThreadSelf:
		return ipc.ThreadSelf
	case trapTaskSelf:
		return ipc.TaskSelf
	case trapHostSelf:
		return ipc.HostSelf
	case trapMachMsg:
		return d.machMsg(a2)
	case trapMachMsgOverwrite:
		return d.machMsg(a2)
	case trapSemaphoreSignal, trapSemaphoreWait:
		return 0
	default:
		fmt.Fprintf(stdout, "syscall: unknown mach trap %d\n", num)
		return 0
	}
}

// Mach message option bits, per spec.md §4.7.
const (
	machSendMsg = 0x00000001
	machRcvMsg  = 0x00000002
)

func (d *Dispatcher) machMsg(option uint64) uint64 {
	if option&machRcvMsg != 0 {
		return ipc.MachRcvTimedOut
	}
	return 0
}

func (d *Dispatcher) bsd(num uint32, a1, a2, a3, a4, a5, a6 uint64) uint64 {
	switch num {
	case sysExit:
		fmt.Fprintf(stdout, "exit(%d)\n", int32(a1))
		for {
			lowlevel.Hlt()
		}
	case sysRead:
		return d.read(int(a1), uintptr(a2), int(a3))
	case sysWrite:
		return d.write(int(a1), uintptr(a2), int(a3))
	case sysOpen:
		path := readCString(uintptr(a1))
		fd, err := d.Fds.Open(path)
		if err != 0 {
			return negErrno(err)
		}
		return uint64(fd)
	case sysClose:
		if err := d.Fds.Close(int(a1)); err != 0 {
			return negErrno(err)
		}
		return 0
	case sysGetpid:
		return 1
	case sysGetuid, sysGeteuid, sysGetgid, sysGetegid:
		return 0
	case sysMmap:
		length := int(a2)
		flags := mem.Pa_t(0)
		if a3&0x2 != 0 { // PROT_WRITE
			flags |= mem.PTE_W
		}
		flags |= mem.PTE_U
		fd := int(int32(a5))
		addr := vm.Mmap(uintptr(a1), length, flags, fd, int(a6))
		return uint64(addr)
	case sysMunmap, sysMprotect:
		return 0
	case 17: // historic "break": brk
		return d.brkCall(uintptr(a1))
	case sysSigprocmask:
		if a3 != 0 {
			writeU64(uintptr(a3), d.sigmask)
		}
		if a2 != 0 {
			d.sigmask = uint64(readU32(uintptr(a2)))
		}
		return 0
	case sysSigaction:
		return 0
	case sysIoctl, sysFcntl:
		return 0
	case sysCsops, sysIssetugid:
		return 0
	case sysSharedRegionCheckNp:
		writeU64(uintptr(a1), 0)
		return 0
	case sysSysctl:
		return d.sysctl(a1, a2, a3, a4)
	case sysStat64, sysFstat64:
		d.statFill(uintptr(a2))
		return 0
	case sysWritev:
		return d.writev(int(a1), uintptr(a2), int(a3))
	case sysGetentropy:
		fillEntropy(uintptr(a1), int(a2))
		return 0
	case sysGetrlimit:
		writeU64(uintptr(a2), 8<<20)   // rlim_cur
		writeU64(uintptr(a2)+8, 8<<20) // rlim_max
		return 0
	case sysSetrlimit:
		return 0
	case sysThreadSelfid:
		return 1
	default:
		fmt.Fprintf(stdout, "syscall: unknown bsd syscall %d\n", num)
		return 0
	}
}

func (d *Dispatcher) mdep(num uint32, a1, a2, a3, a4, a5, a6 uint64) uint64 {
	switch num {
	case mdepThreadFastSetCthreadSelf:
		lowlevel.Wrmsr(msrKernelGSBase, a1)
		return 0
	default:
		fmt.Fprintf(stdout, "syscall: unknown mdep trap %d\n", num)
		return 0
	}
}

func negErrno(e defs.Err_t) uint64 {
	return uint64(-int64(e))
}

func (d *Dispatcher) read(fd int, bufAddr uintptr, n int) uint64 {
	buf := bytesAt(bufAddr, n)
	if fd == 0 {
		// stdin has no backing device; serve the same entropy stream
		// dev/random uses rather than block, matching spec.md §4.7's
		// "unknown fd -> random bytes" fallback.
		fillEntropy(bufAddr, n)
		return uint64(n)
	}
	got, err := d.Fds.Read(fd, buf)
	if err != 0 {
		return negErrno(err)
	}
	return uint64(got)
}

func (d *Dispatcher) write(fd int, bufAddr uintptr, n int) uint64 {
	buf := bytesAt(bufAddr, n)
	switch fd {
	case 1, 2:
		stdout.Write(buf)
		return uint64(n)
	default:
		return negErrno(defs.EBADF)
	}
}

// iovec mirrors struct iovec: {base *byte, len uint64}, 16 bytes.
func (d *Dispatcher) writev(fd int, iovAddr uintptr, iovcnt int) uint64 {
	if fd != 1 && fd != 2 {
		return negErrno(defs.EBADF)
	}
	total := 0
	for i := 0; i < iovcnt; i++ {
		entry := iovAddr + uintptr(i*16)
		base := uintptr(readU64(entry))
		length := int(readU64(entry + 8))
		stdout.Write(bytesAt(base, length))
		total += length
	}
	return uint64(total)
}

func (d *Dispatcher) brkCall(newBrk uintptr) uint64 {
	if newBrk == 0 {
		return uint64(d.brk)
	}
	d.brk = newBrk
	return uint64(d.brk)
}

func (d *Dispatcher) sysctl(mibAddr, mibLen, oldpAddr, oldlenpAddr uint64) uint64 {
	if mibLen < 2 {
		return negErrno(defs.EINVAL)
	}
	mib0 := int32(readU32(uintptr(mibAddr)))
	mib1 := int32(readU32(uintptr(mibAddr) + 4))
	for _, e := range sysctlTable {
		if e.mib0 == mib0 && e.mib1 == mib1 {
			if e.isStr {
				writeCString(uintptr(oldpAddr), e.str)
			} else {
				writeU64(uintptr(oldpAddr), e.word)
			}
			if oldlenpAddr != 0 {
				writeU64(uintptr(oldlenpAddr), uint64(len(e.str)+1))
			}
			return 0
		}
	}
	return negErrno(defs.EINVAL)
}

// statFill writes {st_mode at +4 (16-bit), st_size at +96 (64-bit)}, per
// spec.md §4.7, zeroing the rest of the 144-byte stat64 struct.
func (d *Dispatcher) statFill(addr uintptr) {
	b := bytesAt(addr, 144)
	for i := range b {
		b[i] = 0
	}
	*(*uint16)(unsafe.Pointer(addr + 4)) = 0100644 // S_IFREG | 0644
	*(*uint64)(unsafe.Pointer(addr + 96)) = 0
}

func fillEntropy(addr uintptr, n int) {
	buf := bytesAt(addr, n)
	var x uint64 = 0x2545F4914F6CDD1D
	for i := 0; i < n; {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		for shift := 0; shift < 8 && i < n; shift++ {
			buf[i] = byte(x >> (shift * 8))
			i++
		}
	}
}

func bytesAt(addr uintptr, n int) []byte {
	if n <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

func readCString(addr uintptr) string {
	n := 0
	for *(*byte)(unsafe.Pointer(addr + uintptr(n))) != 0 {
		n++
	}
	return string(bytesAt(addr, n))
}

func writeCString(addr uintptr, s string) {
	b := bytesAt(addr, len(s)+1)
	copy(b, s)
	b[len(s)] = 0
}

func readU64(addr uintptr) uint64 { return *(*uint64)(unsafe.Pointer(addr)) }
func writeU64(addr uintptr, v uint64) {
	if addr == 0 {
		return
	}
	*(*uint64)(unsafe.Pointer(addr)) = v
}
func readU32(addr uintptr) uint32 { return *(*uint32)(unsafe.Pointer(addr)) }
func writeU32(addr uintptr, v uint32) {
	if addr == 0 {
		return
	}
	*(*uint32)(unsafe.Pointer(addr)) = v
}
