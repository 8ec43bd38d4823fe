// Package virtio drives a single VirtIO block device queue: device-status
// handshake, one virtqueue, and a strictly one-in-flight polled read
// protocol, per spec.md §4.3. Queue discipline (descriptor/avail/used
// ring layout, status bit ordering) is specified precisely; discovery of
// the device's config pointers is internal/pci's job, mirroring the
// teacher's split between pci.olddiski.go's Disk_i contract and the
// driver loop that actually issues requests (ufs.driver.go's
// Start/Complete shape).
package virtio

import (
	"sync/atomic"
	"unsafe"

	"github.com/tinted-software/machboot/internal/bootcfg"
	"github.com/tinted-software/machboot/internal/lowlevel"
	"github.com/tinted-software/machboot/internal/mem"
	"github.com/tinted-software/machboot/internal/pci"
)

const (
	statusAck       = 1
	statusDriver    = 2
	statusFeatures  = 8
	statusDriverOK  = 128

	// Offsets into the virtio-pci common config struct.
	offDeviceFeature  = 4
	offGuestFeature   = 12
	offQueueSelect    = 22
	offQueueSize      = 24
	offQueueEnable    = 28
	offQueueNotifyOff = 30
	offQueueDesc      = 32
	offQueueDriver    = 40
	offQueueDevice    = 48
	offDeviceStatus   = 20

	descNext  = uint16(1)
	descWrite = uint16(2)

	reqTypeIn = uint32(0)

	sectorSize = 512
)

func mmio32(addr uintptr) *uint32 { return (*uint32)(unsafe.Pointer(addr)) }
func mmio16(addr uintptr) *uint16 { return (*uint16)(unsafe.Pointer(addr)) }
func mmio8(addr uintptr) *byte    { return (*byte)(unsafe.Pointer(addr)) }
func mmio64(addr uintptr) *uint64 { return (*uint64)(unsafe.Pointer(addr)) }

// descriptor mirrors the 16-byte VirtIO descriptor-ring entry layout.
type descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Block_t is the driver state for one queue: the located PCI device
// config pointers plus the physical addresses of the three rings.
type Block_t struct {
	dev *pci.Device_t

	queueSize   uint16
	descTable   uintptr
	availRing   uintptr
	usedRing    uintptr
	lastUsedIdx uint16
}

// Open locates the VirtIO block device via internal/pci, resets it, and
// completes the device-status handshake and queue-0 setup, per spec.md
// §4.3. Returns ok=false if no matching device is present or queue setup
// fails for lack of physical memory.
func Open() (*Block_t, bool) {
	dev, ok := pci.Find(bootcfg.Default.PCISlotMin, bootcfg.Default.PCISlotMax)
	if !ok {
		return nil, false
	}
	b := &Block_t{dev: dev}
	if !b.initDevice() {
		return nil, false
	}
	return b, true
}

func (b *Block_t) common(off uintptr) uintptr { return b.dev.Common.Addr + off }

func (b *Block_t) initDevice() bool {
	common := b.dev.Common.Addr

	*mmio8(common + offDeviceStatus) = 0
	*mmio8(common+offDeviceStatus) |= statusAck
	*mmio8(common+offDeviceStatus) |= statusDriver

	// Feature negotiation: accept whatever the device offers, we only
	// use the legacy block-read path.
	*mmio32(common + offDeviceFeature) = 0
	features := *mmio32(common + offDeviceFeature)
	*mmio32(common + offGuestFeature) = features

	*mmio8(common+offDeviceStatus) |= statusFeatures

	*mmio16(common + offQueueSelect) = 0
	qsize := *mmio16(common + offQueueSize)
	if qsize == 0 {
		return false
	}
	b.queueSize = qsize

	descBytes := int(qsize) * 16
	availBytes := 4 + int(qsize)*2
	usedBytes := 4 + int(qsize)*8

	descFrame, ok := mem.Physmem.AllocateFrames(pagesFor(descBytes))
	if !ok {
		return false
	}
	availFrame, ok := mem.Physmem.AllocateFrames(pagesFor(availBytes))
	if !ok {
		return false
	}
	usedFrame, ok := mem.Physmem.AllocateFrames(pagesFor(usedBytes))
	if !ok {
		return false
	}

	b.descTable = uintptr(descFrame)
	b.availRing = uintptr(availFrame)
	b.usedRing = uintptr(usedFrame)

	*mmio64(common + offQueueDesc) = uint64(descFrame)
	*mmio64(common + offQueueDriver) = uint64(availFrame)
	*mmio64(common + offQueueDevice) = uint64(usedFrame)
	*mmio16(common + offQueueEnable) = 1

	*mmio8(common+offDeviceStatus) |= statusDriverOK
	return true
}

func pagesFor(n int) int {
	pages := (n + mem.PGSIZE - 1) / mem.PGSIZE
	if pages == 0 {
		pages = 1
	}
	return pages
}

func (b *Block_t) descAt(i uint16) *descriptor {
	return (*descriptor)(unsafe.Pointer(b.descTable + uintptr(i)*16))
}

func (b *Block_t) availIdxPtr() *uint16  { return mmio16(b.availRing + 2) }
func (b *Block_t) availRingAt(i uint16) *uint16 {
	return mmio16(b.availRing + 4 + uintptr(i%b.queueSize)*2)
}
func (b *Block_t) usedIdxPtr() *uint16 { return mmio16(b.usedRing + 2) }

// blkReqHeader mirrors the VirtIO block request header: type, reserved,
// sector.
type blkReqHeader struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

// Read issues a blocking, polled read of count 512-byte sectors starting
// at sector into buf, per spec.md §4.3's three-descriptor chain. The
// driver is strictly one-in-flight: every call reuses descriptors 0/1/2.
// Returns ok=false on a non-zero completion status or on timeout.
func (b *Block_t) Read(sector uint64, count int, buf []byte) bool {
	if len(buf) < count*sectorSize {
		return false
	}

	hdrFrame, ok := mem.Physmem.AllocateFrame()
	if !ok {
		return false
	}
	hdr := (*blkReqHeader)(unsafe.Pointer(uintptr(hdrFrame)))
	hdr.Type = reqTypeIn
	hdr.Reserved = 0
	hdr.Sector = sector

	statusFrame, ok := mem.Physmem.AllocateFrame()
	if !ok {
		return false
	}
	*mmio8(uintptr(statusFrame)) = 0xFF

	bufAddr := uintptr(unsafe.Pointer(&buf[0]))

	*b.descAt(0) = descriptor{
		Addr: uint64(hdrFrame), Len: 16, Flags: descNext, Next: 1,
	}
	*b.descAt(1) = descriptor{
		Addr: uint64(bufAddr), Len: uint32(count * sectorSize),
		Flags: descNext | descWrite, Next: 2,
	}
	*b.descAt(2) = descriptor{
		Addr: uint64(statusFrame), Len: 1, Flags: descWrite,
	}

	avail := *b.availIdxPtr()
	*b.availRingAt(avail) = 0
	// Compiler fence: the descriptor chain and ring slot must be
	// visible before avail.idx advances, per spec.md §5's ordering
	// guarantee (no further fence is needed before the MMIO notify,
	// which has inherent ordering to the device). avail.flags (always 0)
	// and avail.idx share one 32-bit word, published with a single
	// atomic store that is ordered after the stores above.
	atomic.StoreUint32((*uint32)(unsafe.Pointer(b.availRing)), uint32(avail+1)<<16)

	b.notify()

	for i := 0; i < bootcfg.Default.VirtioPollIterations; i++ {
		if *b.usedIdxPtr() != b.lastUsedIdx {
			b.lastUsedIdx++
			return *mmio8(uintptr(statusFrame)) == 0
		}
		lowlevel.Pause()
	}
	return false
}

func (b *Block_t) notify() {
	addr := b.dev.Notify.Addr + uintptr(uint32(*mmio16(b.dev.Common.Addr+offQueueNotifyOff))*b.dev.Notify.NotifyOffMultiplier)
	*mmio16(addr) = 0
}
