// Package codec implements the client wire protocol primitives: the 0xAA
// frame format, the static and session XOR ciphers, the MD5-derived key
// table, and the 3-byte packet-index trailer.
package codec

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
)

// Client-sent opcodes that stay on the static key. Everything else arriving
// from a client is enciphered with the session key.
var clientStaticOpcodes = []byte{2, 3, 4, 11, 21, 38, 58, 66, 67, 75, 80, 87, 98, 113, 115, 123}

// Server-sent opcodes that stay on the static key.
var serverStaticOpcodes = []byte{2, 3, 10, 64, 68, 94, 96, 98, 102, 111}

const (
	// TableSize is the size of the key lookup table: 1024 usable bytes
	// plus a NUL terminator.
	TableSize = 0x401

	// KeySize holds a 9-byte cipher key plus a NUL terminator.
	KeySize = 10
)

// Table is the per-session key lookup table built from a name string.
type Table [TableSize]byte

// DynamicClientOpcode reports whether a client-sent opcode is enciphered
// with the session key rather than the static key.
func DynamicClientOpcode(op byte) bool {
	return bytes.IndexByte(clientStaticOpcodes, op) < 0
}

// DynamicServerOpcode reports whether a server-sent opcode is enciphered
// with the session key rather than the static key.
func DynamicServerOpcode(op byte) bool {
	return bytes.IndexByte(serverStaticOpcodes, op) < 0
}

// HashHex returns the lowercase hex MD5 digest of input. Stored passwords
// and the key table both build on this digest form.
func HashHex(input []byte) string {
	d := md5.Sum(input)
	return hex.EncodeToString(d[:])
}

func hashInto(input []byte, out []byte) {
	d := md5.Sum(input)
	hex.Encode(out[:32], d[:])
}

// PopulateTable builds the 1024-byte key lookup table from a name string.
// The first 32 bytes are the hex digest of the hex digest of the name; each
// further 32-byte block is the hex digest of the entire table built so far.
func PopulateTable(name []byte) Table {
	var t Table
	var h [32]byte
	hashInto(name, h[:])
	hashInto(h[:], h[:])
	copy(t[:32], h[:])
	n := 32
	for i := 0; i < 31; i++ {
		hashInto(t[:n], h[:])
		copy(t[n:n+32], h[:])
		n += 32
	}
	// t[1024] stays NUL
	return t
}

// Fixed packet-index values. Random indexes are disabled, matching the
// reference deployment, so every trailer carries the same pair.
const (
	trailerK1 = byte((0x1337 & (0x7FFF%0x9B + 0x64)) ^ 0x21)
	trailerK2 = uint16((0x1337&0x7FFF + 0x100) ^ 0x7424)
)

// AppendPacketIndexes appends the 3-byte index trailer to a frame and bumps
// the big-endian length field to cover it. The returned slice is the full
// frame; the trailer itself is transmitted and never enciphered.
func AppendPacketIndexes(frame []byte) []byte {
	psize := (int(frame[1])<<8 | int(frame[2])) + 3
	frame = append(frame, byte(trailerK2&0xFF), trailerK1, byte(trailerK2>>8))
	frame[1] = byte(psize >> 8)
	frame[2] = byte(psize)
	return frame
}

// GenerateKey derives the 9-byte session key from a frame's index trailer
// and the session table. fromClient selects the unmasking constants for the
// packet's direction of travel. The frame must carry the trailer; a short
// frame yields the zero key.
func GenerateKey(frame []byte, table *Table, fromClient bool) [KeySize]byte {
	var key [KeySize]byte
	psize := int(frame[1])<<8 | int(frame[2])
	if len(frame) < psize+3 {
		return key
	}
	k1 := uint32(frame[psize+1])
	k2 := uint32(frame[psize+2])<<8 | uint32(frame[psize])
	if fromClient {
		k1 ^= 0x25
		k2 ^= 0x2361
	} else {
		k1 ^= 0x21
		k2 ^= 0x7424
	}
	k1 *= k1
	for i := 0; i < 9; i++ {
		key[i] = table[(k1*uint32(i)+k2)&0x3FF]
		k1 += 3
	}
	return key
}

// CryptDynamic XORs the frame's data region in place with a 9-byte key.
// The walk covers bytes [5, length) where length is the frame's big-endian
// length field, leaving the opcode, increment byte and trailer clear.
// Applying it twice with the same key restores the original bytes.
func CryptDynamic(frame []byte, key []byte) {
	if len(frame) < 5 || len(key) < 9 {
		return
	}
	plen := int(frame[1])<<8 | int(frame[2])
	if plen < 5 {
		return
	}
	plen -= 5
	if len(frame) < 5+plen {
		return
	}
	data := frame[5 : 5+plen]
	inc := frame[4]
	var group uint32
	groupCount := 0
	for i := range data {
		data[i] ^= key[i%9]
		if g := byte(group); g != inc {
			data[i] ^= g
		}
		data[i] ^= inc
		groupCount++
		if groupCount == 9 {
			group++
			groupCount = 0
		}
	}
}

// CryptStatic XORs the frame's data region with the configured static key.
// The cipher walk is identical to CryptDynamic.
func CryptStatic(frame []byte, key []byte) {
	CryptDynamic(frame, key)
}

// StaticKey pads a configured xor key string to the length the cipher walks.
func StaticKey(s string) [KeySize]byte {
	var k [KeySize]byte
	copy(k[:KeySize-1], s)
	return k
}
