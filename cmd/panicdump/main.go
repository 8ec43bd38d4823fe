// Command panicdump turns a serial-captured trap dump (the `rip=0x...`
// lines idt.Dispatch prints under each "*** trap:" header) into a postmortem report: the
// faulting instruction disassembled out of the kernel ELF, and a pprof
// profile.Profile with one sample per captured frame so the trap can be
// opened in `pprof -http` against the kernel binary. Grounded on
// chentry.go's pattern of a host tool that opens the kernel's own ELF
// with debug/elf to inspect it.
package main

import (
	"bufio"
	"debug/elf"
	"flag"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/google/pprof/profile"
	"golang.org/x/arch/x86/x86asm"
)

var ripLine = regexp.MustCompile(`rip=0x([0-9a-fA-F]+)`)

// scanRIPs pulls every captured fault RIP out of a serial dump, in the
// order idt.Dispatch printed them.
func scanRIPs(r *bufio.Scanner) []uint64 {
	var rips []uint64
	for r.Scan() {
		m := ripLine.FindStringSubmatch(r.Text())
		if m == nil {
			continue
		}
		v, err := strconv.ParseUint(m[1], 16, 64)
		if err != nil {
			continue
		}
		rips = append(rips, v)
	}
	return rips
}

// textBytesAt returns the kernel ELF's file bytes backing the .text (or
// whichever loadable section contains) the virtual address rip, along
// with rip's offset within that slice.
func textBytesAt(f *elf.File, rip uint64) ([]byte, int, bool) {
	for _, sec := range f.Sections {
		if sec.Flags&elf.SHF_EXECINSTR == 0 {
			continue
		}
		if rip < sec.Addr || rip >= sec.Addr+sec.Size {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return nil, 0, false
		}
		return data, int(rip - sec.Addr), true
	}
	return nil, 0, false
}

// disassembleAt decodes the single instruction at rip, reading up to 15
// bytes of context (x86's maximum instruction length).
func disassembleAt(f *elf.File, rip uint64) (string, bool) {
	data, off, ok := textBytesAt(f, rip)
	if !ok || off >= len(data) {
		return "", false
	}
	end := off + 15
	if end > len(data) {
		end = len(data)
	}
	inst, err := x86asm.Decode(data[off:end], 64)
	if err != nil {
		return "", false
	}
	return x86asm.GNUSyntax(inst, rip, nil), true
}

// buildProfile produces a minimal pprof profile.Profile with one sample
// per captured RIP, letting `pprof -http` resolve symbols against the
// kernel binary passed to it on the command line.
func buildProfile(rips []uint64) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "faults", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "faults", Unit: "count"},
		Period:     1,
	}
	for i, rip := range rips {
		loc := &profile.Location{ID: uint64(i + 1), Address: rip}
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{1},
		})
	}
	return p
}

func main() {
	kernelPath := flag.String("kernel", "", "path to the kernel ELF image")
	dumpPath := flag.String("dump", "", "path to a captured serial trap dump")
	out := flag.String("out", "panic.pb.gz", "pprof profile output path")
	flag.Parse()

	if *kernelPath == "" || *dumpPath == "" {
		fmt.Fprintln(os.Stderr, "usage: panicdump -kernel <elf> -dump <serial.log> [-out panic.pb.gz]")
		os.Exit(1)
	}

	dumpFile, err := os.Open(*dumpPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "panicdump:", err)
		os.Exit(1)
	}
	defer dumpFile.Close()

	rips := scanRIPs(bufio.NewScanner(dumpFile))
	if len(rips) == 0 {
		fmt.Fprintln(os.Stderr, "panicdump: no trap frames found in dump")
		os.Exit(1)
	}

	f, err := elf.Open(*kernelPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "panicdump:", err)
		os.Exit(1)
	}
	defer f.Close()

	for _, rip := range rips {
		if text, ok := disassembleAt(f, rip); ok {
			fmt.Printf("0x%016x: %s\n", rip, text)
		} else {
			fmt.Printf("0x%016x: <no mapped .text>\n", rip)
		}
	}

	out_, err := os.Create(*out)
	if err != nil {
		fmt.Fprintln(os.Stderr, "panicdump:", err)
		os.Exit(1)
	}
	defer out_.Close()

	if err := buildProfile(rips).Write(out_); err != nil {
		fmt.Fprintln(os.Stderr, "panicdump: writing profile:", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "panicdump: wrote %d frames to %s\n", len(rips), *out)
}
