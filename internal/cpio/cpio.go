// Package cpio parses the "newc" CPIO archive format used for both the
// in-RAM ramdisk (spec.md §6, "Ramdisk format") and the on-disk block
// device image: a flat sequence of 110-byte ASCII-hex headers, a padded
// name, and padded file data, terminated by a "TRAILER!!!" record.
package cpio

import (
	"encoding/hex"
	"strings"

	"github.com/tinted-software/machboot/internal/util"
)

const (
	magic      = "070701"
	headerSize = 110
	trailer    = "TRAILER!!!"

	modeRegularMask = 0o170000
	modeRegular     = 0o100000
)

// Record describes one archive entry as found during a scan: its name and
// the byte range (relative to the archive start) holding its data, so
// callers decide for themselves whether to memcpy it (RAM-backed) or
// translate the range into sectors (block-backed), per spec.md §4.4.
type Record struct {
	Name       string
	Mode       uint32
	DataOffset int
	Size       int
}

// header mirrors the 110-byte newc header, each field a fixed-width
// ASCII-hex string, decoded in place with encoding/hex rather than a
// struct cast (spec.md §9 warns against pointer-cast parsing of untrusted
// bytes; these fields aren't even fixed-width binary, they're hex text).
type header struct {
	Magic     [6]byte
	Ino       [8]byte
	Mode      [8]byte
	UID       [8]byte
	GID       [8]byte
	NLink     [8]byte
	MTime     [8]byte
	FileSize  [8]byte
	DevMajor  [8]byte
	DevMinor  [8]byte
	RDevMajor [8]byte
	RDevMinor [8]byte
	NameSize  [8]byte
	CRC       [8]byte
}

func hexField(b []byte) (uint32, bool) {
	var dst [4]byte
	if _, err := hex.Decode(dst[:], b); err != nil {
		return 0, false
	}
	return util.Be32(dst[:]), true
}

// Scan walks the archive starting at offset 0 and returns every regular
// file record up to (but not including) the TRAILER!!! record. Malformed
// or truncated headers stop the scan early and return what was found so
// far, rather than panicking — CPIO content originates from a ramdisk the
// bootloader supplied, and spec.md §7 treats boot-time data problems as
// fatal at the call site, not inside the parser.
func Scan(archive []byte) []Record {
	var records []Record
	off := 0
	for {
		if off+headerSize > len(archive) {
			break
		}
		var h header
		raw := archive[off : off+headerSize]
		copy(h.Magic[:], raw[0:6])
		if string(h.Magic[:]) != magic {
			break
		}
		copy(h.Mode[:], raw[14:22])
		copy(h.FileSize[:], raw[54:62])
		copy(h.NameSize[:], raw[94:102])

		mode, ok := hexField(h.Mode[:])
		if !ok {
			break
		}
		fileSize, ok := hexField(h.FileSize[:])
		if !ok {
			break
		}
		nameSize, ok := hexField(h.NameSize[:])
		if !ok {
			break
		}

		nameStart := off + headerSize
		nameEnd := nameStart + int(nameSize)
		if nameEnd > len(archive) {
			break
		}
		name := strings.TrimRight(string(archive[nameStart:nameEnd]), "\x00")

		dataStart := util.Roundup(nameEnd, 4)
		dataEnd := dataStart + int(fileSize)
		if dataEnd > len(archive) {
			break
		}

		if name == trailer {
			break
		}
		if mode&modeRegularMask == modeRegular {
			records = append(records, Record{
				Name: name, Mode: mode,
				DataOffset: dataStart, Size: int(fileSize),
			})
		}

		off = util.Roundup(dataEnd, 4)
	}
	return records
}

// Find returns the data bytes for the named record, or ok=false if the
// archive contains no such regular file.
func Find(archive []byte, name string) ([]byte, bool) {
	for _, r := range Scan(archive) {
		if r.Name == name {
			return archive[r.DataOffset : r.DataOffset+r.Size], true
		}
	}
	return nil, false
}
