package login

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"

	"github.com/seolan-project/seolan/internal/codec"
	"github.com/seolan-project/seolan/internal/config"
)

// MetaService serves game metadata files to clients: zlib-compressed
// contents plus a CRC so the client can skip files it already has.
type MetaService struct {
	dir   string
	files []string
}

// NewMetaService creates a service over the configured directory and file
// list. The list is capped at the protocol's table size.
func NewMetaService(dir string, files []string) *MetaService {
	if len(files) > config.MetaMax {
		files = files[:config.MetaMax]
	}
	return &MetaService{dir: dir, files: files}
}

// read loads one meta file. Names that could escape the directory are
// treated as unreadable.
func (m *MetaService) read(name string) ([]byte, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return nil, fmt.Errorf("invalid meta file name %q", name)
	}
	return os.ReadFile(filepath.Join(m.dir, name))
}

// FilePacket builds the mode-0 reply for one file: its name, the CRC of
// the raw contents, and the zlib-compressed bytes.
func (m *MetaService) FilePacket(name string, key []byte) ([]byte, error) {
	data, err := m.read(name)
	if err != nil {
		return nil, err
	}

	crc := crc32.ChecksumIEEE(data)

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	zw.Write(data)
	zw.Close()
	compressed := buf.Bytes()

	return codec.NewFrame(0x6F).
		WriteU8(0x00).
		WriteU8(0x00).
		WriteU8(byte(len(name))).
		WriteString(name).
		WriteU32BE(crc).
		WriteU16BE(uint16(len(compressed))).
		WriteBytes(compressed).
		WriteU8(0x00).
		SealStatic(key), nil
}

// ListPacket builds the mode-1 reply: every configured file name with the
// CRC of its current contents. Unreadable files list with a zero CRC.
func (m *MetaService) ListPacket(key []byte) []byte {
	b := codec.NewFrame(0x6F).
		WriteU8(0x00).
		WriteU8(0x01).
		WriteU16BE(uint16(len(m.files)))

	for _, name := range m.files {
		data, err := m.read(name)
		if err != nil {
			data = nil
		}
		b.WriteU8(byte(len(name))).
			WriteString(name).
			WriteU32BE(crc32.ChecksumIEEE(data))
	}
	return b.SealStatic(key)
}
