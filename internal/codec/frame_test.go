package codec

import (
	"bytes"
	"errors"
	"testing"
)

func TestReadFrameRoundTrip(t *testing.T) {
	frame := NewFrame(0x00).WriteU8(0x00).WriteU16BE(750).WriteU8(0).WriteU16BE(1).Raw()

	var buf bytes.Buffer
	if err := WriteFrame(&buf, frame); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Fatalf("frame round trip mismatch: got %x want %x", got, frame)
	}
}

func TestReadFrameBadMagic(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x55, 0x00, 0x02, 0x01, 0x02})
	if _, err := ReadFrame(buf); !errors.Is(err, ErrFraming) {
		t.Fatalf("ReadFrame error = %v, want ErrFraming", err)
	}
}

func TestReadFrameZeroLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{FrameMagic, 0x00, 0x00})
	if _, err := ReadFrame(buf); !errors.Is(err, ErrFraming) {
		t.Fatalf("ReadFrame error = %v, want ErrFraming", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	buf := bytes.NewBuffer([]byte{FrameMagic, 0x00, 0x10, 0x01, 0x02})
	if _, err := ReadFrame(buf); err == nil {
		t.Fatalf("ReadFrame should fail on a truncated payload")
	}
}

func TestWriteFrameValidatesLength(t *testing.T) {
	frame := []byte{FrameMagic, 0x00, 0x09, 0x01}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, frame); !errors.Is(err, ErrFraming) {
		t.Fatalf("WriteFrame error = %v, want ErrFraming", err)
	}
}
