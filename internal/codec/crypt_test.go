package codec

import (
	"bytes"
	"testing"
)

func TestHashHex(t *testing.T) {
	got := HashHex([]byte("hello"))
	want := "5d41402abc4b2a76b9719d911017c592"
	if got != want {
		t.Fatalf("HashHex = %q, want %q", got, want)
	}
}

func TestOpcodeClasses(t *testing.T) {
	if DynamicClientOpcode(2) {
		t.Fatalf("opcode 2 from client should use the static key")
	}
	if !DynamicClientOpcode(99) {
		t.Fatalf("opcode 99 from client should use the session key")
	}
	if DynamicServerOpcode(2) {
		t.Fatalf("opcode 2 from server should use the static key")
	}
	if !DynamicServerOpcode(99) {
		t.Fatalf("opcode 99 from server should use the session key")
	}
}

func TestPopulateTable(t *testing.T) {
	tbl := PopulateTable([]byte("testkey"))

	inner := HashHex([]byte("testkey"))
	outer := HashHex([]byte(inner))
	if string(tbl[:32]) != outer {
		t.Fatalf("table prefix = %q, want %q", tbl[:32], outer)
	}

	// Each further block hashes the whole table built so far.
	second := HashHex(tbl[:32])
	if string(tbl[32:64]) != second {
		t.Fatalf("table second block = %q, want %q", tbl[32:64], second)
	}

	for i, b := range tbl[:1024] {
		if !(b >= '0' && b <= '9' || b >= 'a' && b <= 'f') {
			t.Fatalf("table byte %d = 0x%02X, want hex digit", i, b)
		}
	}
	if tbl[1024] != 0 {
		t.Fatalf("table terminator = 0x%02X, want 0", tbl[1024])
	}

	again := PopulateTable([]byte("testkey"))
	if tbl != again {
		t.Fatalf("table generation is not deterministic")
	}
}

func TestDynamicCipherInvolution(t *testing.T) {
	key := []byte("testkey\x00\x00")
	original := []byte("Hello, world!!")

	total := 5 + len(original)
	frame := make([]byte, total)
	frame[0] = FrameMagic
	frame[1] = byte(total >> 8)
	frame[2] = byte(total)
	frame[3] = 0x01
	frame[4] = 0x07
	copy(frame[5:], original)
	header := append([]byte(nil), frame[:5]...)

	CryptDynamic(frame, key)
	if bytes.Equal(frame[5:], original) {
		t.Fatalf("cipher left the data region unchanged")
	}
	if !bytes.Equal(frame[:5], header) {
		t.Fatalf("cipher touched the frame header")
	}
	CryptDynamic(frame, key)
	if !bytes.Equal(frame[5:], original) {
		t.Fatalf("double application did not restore the data: got %x", frame[5:])
	}
}

func TestAppendPacketIndexes(t *testing.T) {
	frame := []byte{FrameMagic, 0x00, 0x06, 0x02, 0x00, 0x01, 0x02, 0x03, 0x04}
	out := AppendPacketIndexes(frame)

	if len(out) != len(frame)+TrailerSize {
		t.Fatalf("frame length = %d, want %d", len(out), len(frame)+TrailerSize)
	}
	if out[1] != 0x00 || out[2] != 0x09 {
		t.Fatalf("length field = %02X %02X, want 00 09", out[1], out[2])
	}
	trailer := out[len(out)-3:]
	want := []byte{0x13, 0x03, 0x60}
	if !bytes.Equal(trailer, want) {
		t.Fatalf("trailer = %x, want %x", trailer, want)
	}
}

func TestSealStaticRoundTrip(t *testing.T) {
	key := StaticKey("abcdefghi")
	frame := NewFrame(0x02).
		WriteU8(0x02).
		WriteString("welcome").
		SealStatic(key[:])

	if frame[len(frame)-3] != 0x13 || frame[len(frame)-2] != 0x03 || frame[len(frame)-1] != 0x60 {
		t.Fatalf("trailer was enciphered: %x", frame[len(frame)-3:])
	}

	CryptStatic(frame, key[:])
	if got := string(frame[5 : 5+len("welcome")]); got != "welcome" {
		t.Fatalf("decrypted payload = %q, want %q", got, "welcome")
	}
}

func TestSealDynamicRoundTrip(t *testing.T) {
	table := PopulateTable([]byte("charname"))
	frame := NewFrame(0x63).
		WriteU8(0x00).
		WriteString("session payload").
		SealDynamic(&table)

	key := GenerateKey(frame, &table, false)
	CryptDynamic(frame, key[:])
	if got := string(frame[5 : 5+len("session payload")]); got != "session payload" {
		t.Fatalf("decrypted payload = %q, want %q", got, "session payload")
	}
}

func TestGenerateKeyDirectionMasks(t *testing.T) {
	table := PopulateTable([]byte("charname"))
	frame := NewFrame(0x63).WriteU8(0x00).WriteString("data").Indexed()

	fromClient := GenerateKey(frame, &table, true)
	fromServer := GenerateKey(frame, &table, false)
	if fromClient == fromServer {
		t.Fatalf("direction masks should derive different keys")
	}
}

func TestGenerateKeyShortFrame(t *testing.T) {
	table := PopulateTable([]byte("charname"))
	frame := []byte{FrameMagic, 0x00, 0x40, 0x63}

	var zero [KeySize]byte
	if got := GenerateKey(frame, &table, true); got != zero {
		t.Fatalf("short frame should yield the zero key, got %x", got)
	}
}
