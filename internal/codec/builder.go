package codec

import "fmt"

// FrameBuilder assembles client-bound frames. The header is seeded up front
// and the length field filled in by the finishing call, so handlers only
// write opcode-specific payload bytes.
type FrameBuilder struct {
	buf []byte
}

// NewFrame starts a frame with the given opcode at byte 3.
func NewFrame(opcode byte) *FrameBuilder {
	return &FrameBuilder{buf: []byte{FrameMagic, 0, 0, opcode}}
}

// WriteU8 appends a single byte.
func (b *FrameBuilder) WriteU8(v byte) *FrameBuilder {
	b.buf = append(b.buf, v)
	return b
}

// WriteU16BE appends a uint16 in big-endian order.
func (b *FrameBuilder) WriteU16BE(v uint16) *FrameBuilder {
	b.buf = append(b.buf, byte(v>>8), byte(v))
	return b
}

// WriteU16LE appends a uint16 in little-endian order.
func (b *FrameBuilder) WriteU16LE(v uint16) *FrameBuilder {
	b.buf = append(b.buf, byte(v), byte(v>>8))
	return b
}

// WriteU32BE appends a uint32 in big-endian order.
func (b *FrameBuilder) WriteU32BE(v uint32) *FrameBuilder {
	b.buf = append(b.buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	return b
}

// WriteString appends the raw bytes of s with no length prefix.
func (b *FrameBuilder) WriteString(s string) *FrameBuilder {
	b.buf = append(b.buf, s...)
	return b
}

// WriteBytes appends raw bytes.
func (b *FrameBuilder) WriteBytes(p []byte) *FrameBuilder {
	b.buf = append(b.buf, p...)
	return b
}

// WriteZeros appends n zero bytes.
func (b *FrameBuilder) WriteZeros(n int) *FrameBuilder {
	b.buf = append(b.buf, make([]byte, n)...)
	return b
}

// Len returns the current frame size including the header.
func (b *FrameBuilder) Len() int {
	return len(b.buf)
}

func (b *FrameBuilder) setLength() {
	n := len(b.buf) - HeaderSize
	b.buf[1] = byte(n >> 8)
	b.buf[2] = byte(n)
}

// Raw finishes the frame with only the length field set: no trailer and no
// cipher. Used for the version exchange, which happens before any key
// material exists.
func (b *FrameBuilder) Raw() []byte {
	b.setLength()
	return b.buf
}

// Indexed finishes the frame with the index trailer appended but no cipher
// applied.
func (b *FrameBuilder) Indexed() []byte {
	b.setLength()
	b.buf = AppendPacketIndexes(b.buf)
	return b.buf
}

// SealStatic finishes the frame with the trailer appended and the static
// cipher applied over the data region.
func (b *FrameBuilder) SealStatic(key []byte) []byte {
	frame := b.Indexed()
	CryptStatic(frame, key)
	return frame
}

// SealDynamic finishes the frame with the trailer appended and the session
// cipher applied, deriving the key from the trailer and table.
func (b *FrameBuilder) SealDynamic(table *Table) []byte {
	frame := b.Indexed()
	key := GenerateKey(frame, table, false)
	CryptDynamic(frame, key[:])
	return frame
}

// String returns a hex dump of the frame under construction for debugging.
func (b *FrameBuilder) String() string {
	return fmt.Sprintf("FrameBuilder[%d bytes]: %x", len(b.buf), b.buf)
}
