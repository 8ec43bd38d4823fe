// Command mkramdisk packs a host directory tree into the newc CPIO
// ramdisk image internal/cpio parses, mirroring the teacher's
// mkfs.go: a host-side tool that walks a skeleton directory and emits
// the on-disk format the kernel mounts at boot, just for CPIO's flat
// archive rather than biscuit's own block filesystem.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	magic      = "070701"
	modeRegular = 0o100644
	trailer    = "TRAILER!!!"
)

func hexField(v uint32) string {
	var b [4]byte
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
	return hex.EncodeToString(b[:])
}

func roundup(v, b int) int { return (v + b - 1) / b * b }

// writeRecord appends one newc header, padded name, and padded data to w.
func writeRecord(w io.Writer, name string, data []byte) error {
	nameBytes := append([]byte(name), 0)

	var hdr strings.Builder
	hdr.WriteString(magic)
	hdr.WriteString(hexField(0))                     // ino
	hdr.WriteString(hexField(modeRegular))            // mode
	hdr.WriteString(hexField(0))                      // uid
	hdr.WriteString(hexField(0))                      // gid
	hdr.WriteString(hexField(1))                      // nlink
	hdr.WriteString(hexField(0))                      // mtime
	hdr.WriteString(hexField(uint32(len(data))))      // filesize
	hdr.WriteString(hexField(0))                      // devmajor
	hdr.WriteString(hexField(0))                      // devminor
	hdr.WriteString(hexField(0))                      // rdevmajor
	hdr.WriteString(hexField(0))                      // rdevminor
	hdr.WriteString(hexField(uint32(len(nameBytes)))) // namesize
	hdr.WriteString(hexField(0))                      // crc

	if _, err := io.WriteString(w, hdr.String()); err != nil {
		return err
	}
	if _, err := w.Write(nameBytes); err != nil {
		return err
	}
	pad := roundup(len(hdr.String())+len(nameBytes), 4) - (len(hdr.String()) + len(nameBytes))
	if _, err := w.Write(make([]byte, pad)); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	pad = roundup(len(data), 4) - len(data)
	_, err := w.Write(make([]byte, pad))
	return err
}

func addTree(w io.Writer, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(path, root), "/")
		if rel == "" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "mkramdisk: %s (%d bytes)\n", rel, len(data))
		return writeRecord(w, rel, data)
	})
}

func main() {
	out := flag.String("o", "ramdisk.img", "output ramdisk image path")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: mkramdisk -o ramdisk.img <skel dir>")
		os.Exit(1)
	}

	f, err := os.Create(*out)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mkramdisk:", err)
		os.Exit(1)
	}
	defer f.Close()

	if err := addTree(f, flag.Arg(0)); err != nil {
		fmt.Fprintln(os.Stderr, "mkramdisk:", err)
		os.Exit(1)
	}
	if err := writeRecord(f, trailer, nil); err != nil {
		fmt.Fprintln(os.Stderr, "mkramdisk:", err)
		os.Exit(1)
	}
}
