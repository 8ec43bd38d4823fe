package cpio

import (
	"bytes"
	"encoding/hex"
	"testing"
)

// buildRecord assembles one newc record by hand: namesize is len(name)+1
// (the name plus its NUL), the name is padded to a 4-byte boundary, and
// filesize is len(data).
func buildRecord(name string, data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(magic)
	field := func(v uint32) {
		var b [4]byte
		b[0] = byte(v >> 24)
		b[1] = byte(v >> 16)
		b[2] = byte(v >> 8)
		b[3] = byte(v)
		buf.WriteString(hex.EncodeToString(b[:]))
	}
	field(0)                      // ino
	field(modeRegular | 0o644)    // mode
	field(0)                      // uid
	field(0)                      // gid
	field(1)                      // nlink
	field(0)                      // mtime
	field(uint32(len(data)))      // filesize
	field(0)                      // devmajor
	field(0)                      // devminor
	field(0)                      // rdevmajor
	field(0)                      // rdevminor
	nameBytes := append([]byte(name), 0)
	field(uint32(len(nameBytes))) // namesize
	field(0)                      // crc
	buf.Write(nameBytes)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	buf.Write(data)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func buildTrailer() []byte {
	return buildRecord("TRAILER!!!", nil)
}

func TestFindFile(t *testing.T) {
	archive := append(buildRecord("hello", []byte("ABCD")), buildTrailer()...)
	data, ok := Find(archive, "hello")
	if !ok {
		t.Fatal("expected to find hello")
	}
	if string(data) != "ABCD" {
		t.Fatalf("got %q want ABCD", data)
	}
}

func TestFindFileMissing(t *testing.T) {
	archive := append(buildRecord("hello", []byte("ABCD")), buildTrailer()...)
	if _, ok := Find(archive, "nope"); ok {
		t.Fatal("expected miss")
	}
}

func TestScanMultipleRecords(t *testing.T) {
	archive := buildRecord("a", []byte("1"))
	archive = append(archive, buildRecord("b", []byte("2222"))...)
	archive = append(archive, buildTrailer()...)

	recs := Scan(archive)
	if len(recs) != 2 {
		t.Fatalf("got %d records want 2", len(recs))
	}
	if recs[0].Name != "a" || recs[1].Name != "b" {
		t.Fatalf("unexpected names: %+v", recs)
	}
}

func TestScanStopsAtTrailer(t *testing.T) {
	archive := buildRecord("a", []byte("1"))
	archive = append(archive, buildTrailer()...)
	archive = append(archive, buildRecord("ghost", []byte("x"))...)

	recs := Scan(archive)
	for _, r := range recs {
		if r.Name == "ghost" {
			t.Fatal("trailer did not stop the scan")
		}
	}
}

func TestScanTruncatedHeaderStopsGracefully(t *testing.T) {
	archive := buildRecord("a", []byte("1"))
	archive = archive[:len(archive)-80] // truncate mid-record
	recs := Scan(archive)
	if len(recs) != 0 {
		t.Fatalf("expected no records from truncated archive, got %d", len(recs))
	}
}
