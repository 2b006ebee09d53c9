package login

import (
	"bytes"
	"compress/zlib"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/seolan-project/seolan/internal/codec"
	"github.com/seolan-project/seolan/internal/config"
)

func TestFilePacketLayout(t *testing.T) {
	dir := t.TempDir()
	content := []byte("item 1001 sword of dawn\nitem 1002 oak shield\n")
	if err := os.WriteFile(filepath.Join(dir, "item.dat"), content, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	svc := NewMetaService(dir, []string{"item.dat"})
	key := codec.StaticKey("testkey12")

	pkt, err := svc.FilePacket("item.dat", key[:])
	if err != nil {
		t.Fatalf("FilePacket: %v", err)
	}
	codec.CryptStatic(pkt, key[:])

	if pkt[0] != codec.FrameMagic || pkt[3] != 0x6F {
		t.Fatalf("frame starts %02X .. %02X, want AA .. 6F", pkt[0], pkt[3])
	}
	if plen := int(pkt[1])<<8 | int(pkt[2]); plen != len(pkt)-3 {
		t.Fatalf("length field = %d, want %d", plen, len(pkt)-3)
	}
	if pkt[4] != 0x00 || pkt[5] != 0x00 {
		t.Fatalf("mode bytes = %02X %02X, want 00 00", pkt[4], pkt[5])
	}

	nameLen := int(pkt[6])
	if got := string(pkt[7 : 7+nameLen]); got != "item.dat" {
		t.Fatalf("name = %q, want %q", got, "item.dat")
	}

	off := 7 + nameLen
	crc := uint32(pkt[off])<<24 | uint32(pkt[off+1])<<16 | uint32(pkt[off+2])<<8 | uint32(pkt[off+3])
	if want := crc32.ChecksumIEEE(content); crc != want {
		t.Fatalf("crc = %08X, want %08X", crc, want)
	}
	off += 4

	clen := int(pkt[off])<<8 | int(pkt[off+1])
	off += 2
	zr, err := zlib.NewReader(bytes.NewReader(pkt[off : off+clen]))
	if err != nil {
		t.Fatalf("zlib header: %v", err)
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}
	if !bytes.Equal(plain, content) {
		t.Fatalf("decompressed payload does not match the fixture")
	}

	if pkt[off+clen] != 0x00 {
		t.Fatalf("terminator = %02X, want 00", pkt[off+clen])
	}
}

func TestFilePacketRejectsPathEscapes(t *testing.T) {
	svc := NewMetaService(t.TempDir(), nil)
	key := codec.StaticKey("testkey12")

	for _, name := range []string{"", "../shadow", "sub/item.dat", `..\shadow`, "a..b/c"} {
		if _, err := svc.FilePacket(name, key[:]); err == nil {
			t.Fatalf("FilePacket(%q) succeeded, want error", name)
		}
	}
}

func TestFilePacketMissingFile(t *testing.T) {
	svc := NewMetaService(t.TempDir(), nil)
	key := codec.StaticKey("testkey12")

	if _, err := svc.FilePacket("nope.dat", key[:]); err == nil {
		t.Fatalf("FilePacket on a missing file succeeded, want error")
	}
}

func TestListPacketLayout(t *testing.T) {
	dir := t.TempDir()
	content := []byte("alpha")
	if err := os.WriteFile(filepath.Join(dir, "a.dat"), content, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	svc := NewMetaService(dir, []string{"a.dat", "missing.dat"})
	key := codec.StaticKey("testkey12")

	pkt := svc.ListPacket(key[:])
	codec.CryptStatic(pkt, key[:])

	if pkt[3] != 0x6F || pkt[4] != 0x00 || pkt[5] != 0x01 {
		t.Fatalf("header = %02X %02X %02X, want 6F 00 01", pkt[3], pkt[4], pkt[5])
	}
	if count := int(pkt[6])<<8 | int(pkt[7]); count != 2 {
		t.Fatalf("entry count = %d, want 2", count)
	}

	off := 8
	nl := int(pkt[off])
	off++
	if got := string(pkt[off : off+nl]); got != "a.dat" {
		t.Fatalf("first entry name = %q", got)
	}
	off += nl
	crc := uint32(pkt[off])<<24 | uint32(pkt[off+1])<<16 | uint32(pkt[off+2])<<8 | uint32(pkt[off+3])
	if want := crc32.ChecksumIEEE(content); crc != want {
		t.Fatalf("first entry crc = %08X, want %08X", crc, want)
	}
	off += 4

	nl = int(pkt[off])
	off++
	if got := string(pkt[off : off+nl]); got != "missing.dat" {
		t.Fatalf("second entry name = %q", got)
	}
	off += nl
	crc = uint32(pkt[off])<<24 | uint32(pkt[off+1])<<16 | uint32(pkt[off+2])<<8 | uint32(pkt[off+3])
	if crc != 0 {
		t.Fatalf("missing file crc = %08X, want 0", crc)
	}
}

func TestNewMetaServiceCapsFileList(t *testing.T) {
	files := make([]string, config.MetaMax+5)
	for i := range files {
		files[i] = "f.dat"
	}
	svc := NewMetaService(t.TempDir(), files)
	if len(svc.files) != config.MetaMax {
		t.Fatalf("len(files) = %d, want %d", len(svc.files), config.MetaMax)
	}
}
