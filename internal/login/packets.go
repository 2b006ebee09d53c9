// Package login implements the login authority: the public client
// listener, the canned packet vocabulary, the persistent link to the
// character directory, and the meta file service.
package login

import (
	"github.com/seolan-project/seolan/internal/codec"
)

// Client opcodes dispatched from payload offset 3.
const (
	opVersion    = 0x00
	opRegister   = 0x02
	opLogin      = 0x03
	opCreateChar = 0x04
	opHeartbeat  = 0x10
	opChangePass = 0x26
	opMeta       = 0x7B
)

// Message codes for BuildMessage.
const (
	MsgOK        = 0x00
	MsgError     = 0x03
	MsgPassError = 0x05
)

// Banner greets every accepted client before the first packet.
var Banner = []byte{
	0xAA, 0x00, 0x13, 0x7E, 0x1B,
	'C', 'O', 'N', 'N', 'E', 'C', 'T', 'E', 'D', ' ',
	'S', 'E', 'R', 'V', 'E', 'R', 0x0A,
}

// heartbeatReply is the canned answer to a 0x10 keepalive.
var heartbeatReply = []byte{0xAA, 0x00, 0x07, 0x60, 0x00, 0x55, 0xE0, 0xD8, 0xA2, 0xA0}

// ValidName reports whether s is a well-formed character name:
// 3 to 12 ASCII letters.
func ValidName(s string) bool {
	if len(s) < 3 || len(s) > 12 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('a' <= c && c <= 'z' || 'A' <= c && c <= 'Z') {
			return false
		}
	}
	return true
}

// ValidPassword reports whether s is a well-formed password:
// 3 to 8 ASCII letters or digits.
func ValidPassword(s string) bool {
	if len(s) < 3 || len(s) > 8 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9') {
			return false
		}
	}
	return true
}

// VersionOK builds the 20-byte version acceptance carrying the static key
// back to the client. Sent raw: no trailer, no cipher, because the client
// has no key material yet.
func VersionOK(xorKey string) []byte {
	buf := make([]byte, 20)
	buf[0] = 0xAA
	buf[2] = 0x11
	buf[5] = 0x27
	buf[6] = 0x4F
	buf[7] = 0x8A
	buf[8] = 0x4A
	buf[10] = 0x09
	n := len(xorKey)
	if n > 9 {
		n = 9
	}
	copy(buf[11:11+n], xorKey[:n])
	return buf
}

// VersionPatch builds the 47-byte version-mismatch answer pointing the
// client at the patch URL. Also raw.
func VersionPatch(version uint16, url string) []byte {
	buf := make([]byte, 47)
	buf[0] = 0xAA
	buf[2] = 0x29
	buf[4] = 0x02
	buf[5] = byte(version >> 8)
	buf[6] = byte(version)
	buf[7] = 0x01
	buf[8] = 0x23
	n := len(url)
	if n > 38 {
		n = 38
	}
	copy(buf[9:9+n], url[:n])
	return buf
}

// BuildMessage builds the canned-message packet: a result code and a
// length-prefixed text, trailer on and static-crypted.
func BuildMessage(code byte, text string, xorKey []byte) []byte {
	return codec.NewFrame(0x02).
		WriteU8(0x02).
		WriteU8(code).
		WriteU8(byte(len(text))).
		WriteString(text).
		SealStatic(xorKey)
}

// SessionOK is the small acknowledgement that precedes the redirect after
// a successful auth.
func SessionOK(xorKey []byte) []byte {
	return codec.NewFrame(0x02).
		WriteU8(0x17).
		WriteZeros(3).
		SealStatic(xorKey)
}

// Redirect builds the map hand-off packet: the worker address bytes
// passed through verbatim from the directory record, the port big-endian,
// the static key the client must keep using, the character name, and the
// session id. Trailer on, no cipher.
func Redirect(mapIP [4]byte, mapPort uint16, name, xorKey string, sessionID uint32) []byte {
	if len(xorKey) > 9 {
		xorKey = xorKey[:9]
	}
	return codec.NewFrame(0x03).
		WriteBytes(mapIP[:]).
		WriteU16BE(mapPort).
		WriteU8(byte(len(name) + 16)).
		WriteU16BE(uint16(len(xorKey))).
		WriteString(xorKey).
		WriteU8(byte(len(name))).
		WriteString(name).
		WriteU32BE(sessionID).
		Indexed()
}

// HandshakeFrame builds the 69-byte interserver handshake: an 0xAA frame
// with opcode 0xFF carrying the 32-byte link credentials, static-crypted.
func HandshakeFrame(id, pw string, key []byte) []byte {
	var cred [64]byte
	copy(cred[0:32], id)
	copy(cred[32:64], pw)
	frame := codec.NewFrame(0xFF).
		WriteU8(0x00).
		WriteBytes(cred[:]).
		Raw()
	codec.CryptStatic(frame, key)
	return frame
}
