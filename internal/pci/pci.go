// Package pci implements the legacy CONFIG_ADDRESS/CONFIG_DATA mechanism
// used to find the VirtIO block device and walk its capability chain,
// per spec.md §4.3. The Disk_i-shaped split between discovery (this
// package) and queue discipline (internal/virtio) follows the teacher's
// pci.olddiski.go, which keeps the bus-level plumbing separate from the
// driver loop that actually issues requests.
package pci

import "github.com/tinted-software/machboot/internal/lowlevel"

const (
	configAddress = 0xCF8
	configData    = 0xCFC

	vendorVirtio = 0x1AF4
	deviceVirtioBlock = 0x1001

	capPointerOffset = 0x34
	capIDVendor      = 0x09

	cfgTypeCommon = 1
	cfgTypeNotify = 2
	cfgTypeISR    = 3
	cfgTypeDevice = 4
)

func address(bus, slot, fn, offset int) uint32 {
	return 1<<31 | uint32(bus)<<16 | uint32(slot)<<11 | uint32(fn)<<8 | uint32(offset&0xFC)
}

func readDword(bus, slot, fn, offset int) uint32 {
	lowlevel.Outl(configAddress, address(bus, slot, fn, offset))
	return lowlevel.Inl(configData)
}

func writeDword(bus, slot, fn, offset int, val uint32) {
	lowlevel.Outl(configAddress, address(bus, slot, fn, offset))
	lowlevel.Outl(configData, val)
}

func readByte(bus, slot, fn, offset int) byte {
	dw := readDword(bus, slot, fn, offset&^3)
	return byte(dw >> uint((offset&3)*8))
}

// CapConfig_t is a materialized VirtIO PCI capability: the MMIO address
// of a config struct (Common/Notify/ISR/Device) at bar_base+bar_offset,
// per spec.md §4.3.
type CapConfig_t struct {
	Type   byte
	BAR    byte
	Addr   uintptr
	Length uint32

	// NotifyOffMultiplier is only meaningful for the Notify capability
	// (cfgTypeNotify); captured from capability byte 16.
	NotifyOffMultiplier uint32
}

// Device_t is the located VirtIO block device's BARs and capability set,
// handed to internal/virtio to drive the queue.
type Device_t struct {
	Bus, Slot, Fn int
	BAR           [6]uint32

	Common CapConfig_t
	Notify CapConfig_t
	ISR    CapConfig_t
	Device CapConfig_t
}

func (d *Device_t) barBase(bar byte) uintptr {
	if int(bar) >= len(d.BAR) {
		return 0
	}
	// Assume 32-bit memory BARs (bit0=0 selects memory space, bits
	// 2:1 select the type); low 4 bits are decode-type flags, not
	// part of the address.
	return uintptr(d.BAR[bar] &^ 0xF)
}

// Find scans bus 0, slots [slotMin, slotMax) for the VirtIO block device,
// enables I/O space, memory space, and bus mastering, and walks its
// capability chain to materialize the Common/Notify/ISR/Device config
// pointers. Returns ok=false if no matching device is present.
func Find(slotMin, slotMax int) (*Device_t, bool) {
	const bus, fn = 0, 0
	for slot := slotMin; slot < slotMax; slot++ {
		idReg := readDword(bus, slot, fn, 0)
		vendor := uint16(idReg)
		device := uint16(idReg >> 16)
		if vendor != vendorVirtio || device != deviceVirtioBlock {
			continue
		}

		dev := &Device_t{Bus: bus, Slot: slot, Fn: fn}
		for i := range dev.BAR {
			dev.BAR[i] = readDword(bus, slot, fn, 0x10+4*i)
		}

		cmd := readDword(bus, slot, fn, 0x04)
		writeDword(bus, slot, fn, 0x04, cmd|0x7)

		dev.walkCapabilities()
		return dev, true
	}
	return nil, false
}

func (d *Device_t) walkCapabilities() {
	ptr := int(readByte(d.Bus, d.Slot, d.Fn, capPointerOffset))
	for ptr != 0 {
		id := readByte(d.Bus, d.Slot, d.Fn, ptr)
		next := readByte(d.Bus, d.Slot, d.Fn, ptr+1)
		if id == capIDVendor {
			cfgType := readByte(d.Bus, d.Slot, d.Fn, ptr+3)
			bar := readByte(d.Bus, d.Slot, d.Fn, ptr+4)
			barOffset := readDword(d.Bus, d.Slot, d.Fn, ptr+8)
			length := readDword(d.Bus, d.Slot, d.Fn, ptr+12)

			cap := CapConfig_t{
				Type:   cfgType,
				BAR:    bar,
				Addr:   d.barBase(bar) + uintptr(barOffset),
				Length: length,
			}
			if cfgType == cfgTypeNotify {
				cap.NotifyOffMultiplier = readDword(d.Bus, d.Slot, d.Fn, ptr+16)
			}

			switch cfgType {
			case cfgTypeCommon:
				d.Common = cap
			case cfgTypeNotify:
				d.Notify = cap
			case cfgTypeISR:
				d.ISR = cap
			case cfgTypeDevice:
				d.Device = cap
			}
		}
		ptr = int(next)
	}
}
