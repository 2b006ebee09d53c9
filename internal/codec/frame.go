package codec

import (
	"errors"
	"fmt"
	"io"
)

const (
	// FrameMagic is the first byte of every client-facing frame.
	FrameMagic = 0xAA

	// HeaderSize covers the magic byte and the big-endian length field.
	HeaderSize = 3

	// TrailerSize is the length of the packet-index trailer.
	TrailerSize = 3
)

// ErrFraming is returned when a stream does not follow the client frame
// format. The connection is not recoverable past this point.
var ErrFraming = errors.New("invalid client framing")

// ReadFrame reads one client frame: the magic byte, a big-endian u16 length,
// and that many payload bytes. The returned slice is the complete frame
// including the 3-byte header, which is the shape every cipher routine
// expects.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}
	if hdr[0] != FrameMagic {
		return nil, fmt.Errorf("%w: bad magic 0x%02X", ErrFraming, hdr[0])
	}
	length := int(hdr[1])<<8 | int(hdr[2])
	if length == 0 {
		return nil, fmt.Errorf("%w: zero length", ErrFraming)
	}
	frame := make([]byte, HeaderSize+length)
	copy(frame, hdr[:])
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		return nil, fmt.Errorf("failed to read frame payload (%d bytes): %w", length, err)
	}
	return frame, nil
}

// WriteFrame writes a complete frame to w. The frame's length field must
// already describe its payload.
func WriteFrame(w io.Writer, frame []byte) error {
	if len(frame) < HeaderSize || frame[0] != FrameMagic {
		return fmt.Errorf("%w: refusing to send malformed frame", ErrFraming)
	}
	if got := int(frame[1])<<8 | int(frame[2]); HeaderSize+got != len(frame) {
		return fmt.Errorf("%w: length field %d does not match frame size %d", ErrFraming, got, len(frame))
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}
