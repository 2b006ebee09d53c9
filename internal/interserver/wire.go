// Package interserver implements the little-endian record protocol spoken
// between the login authority, the character directory, and the map workers.
// Records are `[u16 LE cmd][payload]` with per-command fixed lengths, or
// `[u16 LE cmd][u32 LE total][payload]` for variable-length commands.
package interserver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Record commands the login authority sends to the character directory.
const (
	CmdKeepalive  uint16 = 0x1000 // link keepalive, sent every 30s
	CmdNameCheck  uint16 = 0x1001 // is this character name taken
	CmdCreateChar uint16 = 0x1002 // finalize character creation
	CmdAuthChar   uint16 = 0x1003 // authenticate + route a character
	CmdChangePass uint16 = 0x1004 // change account password
)

// Record commands the character directory sends to the login authority.
const (
	CmdLinkReserved uint16 = 0x2000 // legacy handshake slot, parsed and discarded
	CmdNameResult   uint16 = 0x2001 // name-check answer
	CmdCreateResult uint16 = 0x2002 // creation answer
	CmdAuthResult   uint16 = 0x2003 // auth answer with map endpoint
	CmdPassResult   uint16 = 0x2004 // password-change answer
)

// Record commands a map worker sends to the character directory.
const (
	CmdWorkerHello   uint16 = 0x3000 // worker handshake with credentials
	CmdMapList       uint16 = 0x3001 // map ids this worker hosts
	CmdAuthorizeAck  uint16 = 0x3002 // worker accepted an authorize record
	CmdLoadChar      uint16 = 0x3003 // request character snapshot
	CmdSaveChar      uint16 = 0x3004 // persist character snapshot
	CmdLogout        uint16 = 0x3005 // character logged out
	CmdSaveQuit      uint16 = 0x3007 // persist snapshot and clear online state
	CmdDeletePost    uint16 = 0x3008 // delete a board post
	CmdShowBoard     uint16 = 0x3009 // request a page of board rows
	CmdReadPost      uint16 = 0x300A // request one post body
	CmdOnlineListReq uint16 = 0x300B // request the online user list
	CmdMailWrite     uint16 = 0x300C // send personal mail
	CmdBoardWrite    uint16 = 0x300D // write a board post
	CmdMailCheck     uint16 = 0x300E // query the new-mail flag
	CmdReadPostEcho  uint16 = 0x300F // read echo, passed through
)

// Record commands the character directory sends to a map worker.
const (
	CmdHelloResult      uint16 = 0x3800 // handshake answer with slot index
	CmdMapListAck       uint16 = 0x3801 // accepted map count
	CmdAuthorize        uint16 = 0x3802 // expect this character from this address
	CmdCharSnapshot     uint16 = 0x3803 // character snapshot for a session
	CmdKick             uint16 = 0x3804 // force this character offline
	CmdDeletePostResult uint16 = 0x3808 // board-scoped delete answer
	CmdBoardRows        uint16 = 0x3809 // page of board rows
	CmdOnlineList       uint16 = 0x380A // online user names
	CmdBoardWriteResult uint16 = 0x380B // board-write receipt
	CmdMailWriteResult  uint16 = 0x380C // mail-write receipt
	CmdMailCheckResult  uint16 = 0x380D // new-mail flag answer
	CmdMailNotify       uint16 = 0x380E // new mail arrived
	CmdPostBody         uint16 = 0x380F // one post body
)

// Fixed field widths shared by the record layouts.
const (
	NameLen       = 16
	CredentialLen = 32
	TitleLen      = 64
	MailBodyLen   = 3984
	PostBodyLen   = 4032
)

// LenVariable marks a command whose record carries its own u32 total length.
const LenVariable = -1

// MaxRecordLen bounds variable-length records. Snapshot records are the
// largest legitimate payload and stay well under this.
const MaxRecordLen = 8 << 20

// LengthTable maps a command to its record length. Commands absent from the
// table are protocol errors on that link.
type LengthTable map[uint16]int

// LoginToCharLens covers records read by the directory from the login link.
var LoginToCharLens = LengthTable{
	CmdKeepalive:  3,
	CmdNameCheck:  20,
	CmdCreateChar: 43,
	CmdAuthChar:   40,
	CmdChangePass: 52,
}

// CharToLoginLens covers records read by the login authority from the
// directory link.
var CharToLoginLens = LengthTable{
	CmdLinkReserved: 69,
	CmdNameResult:   5,
	CmdCreateResult: 5,
	CmdAuthResult:   27,
	CmdPassResult:   5,
}

// WorkerToCharLens covers records read by the directory from a worker link.
var WorkerToCharLens = LengthTable{
	CmdWorkerHello:   72,
	CmdMapList:       LenVariable,
	CmdAuthorizeAck:  20,
	CmdLoadChar:      24,
	CmdSaveChar:      LenVariable,
	CmdLogout:        6,
	CmdSaveQuit:      LenVariable,
	CmdDeletePost:    28,
	CmdShowBoard:     38,
	CmdReadPost:      34,
	CmdOnlineListReq: 4,
	CmdMailWrite:     4086,
	CmdBoardWrite:    4124,
	CmdMailCheck:     20,
	CmdReadPostEcho:  4124,
}

// CharToWorkerLens covers records read by a worker from the directory link.
// Read echoes keep their worker-space command when relayed.
var CharToWorkerLens = LengthTable{
	CmdHelloResult:      4,
	CmdMapListAck:       LenVariable,
	CmdAuthorize:        38,
	CmdCharSnapshot:     LenVariable,
	CmdKick:             6,
	CmdDeletePostResult: 5,
	CmdBoardRows:        LenVariable,
	CmdOnlineList:       LenVariable,
	CmdBoardWriteResult: 6,
	CmdMailWriteResult:  6,
	CmdMailCheckResult:  8,
	CmdMailNotify:       6,
	CmdPostBody:         LenVariable,
	CmdReadPostEcho:     4124,
}

// Wire errors. An unknown command or malformed length is unrecoverable on a
// byte stream, so callers drop the link.
var (
	ErrUnknownCommand = errors.New("unknown record command")
	ErrRecordTooLarge = errors.New("record too large")
	ErrShortRecord    = errors.New("record too short")
)

// Cmd returns the command word of a record.
func Cmd(rec []byte) uint16 {
	if len(rec) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(rec)
}

// ReadRecord reads one record from r, validating its command against lens.
// The returned slice is the full record including the command word, so field
// offsets match the documented layouts.
func ReadRecord(r io.Reader, lens LengthTable) ([]byte, error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fmt.Errorf("failed to read record command: %w", err)
	}
	cmd := binary.LittleEndian.Uint16(head[:])

	want, ok := lens[cmd]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%04X", ErrUnknownCommand, cmd)
	}

	if want != LenVariable {
		rec := make([]byte, want)
		copy(rec, head[:])
		if _, err := io.ReadFull(r, rec[2:]); err != nil {
			return nil, fmt.Errorf("failed to read record 0x%04X body: %w", cmd, err)
		}
		return rec, nil
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("failed to read record 0x%04X length: %w", cmd, err)
	}
	total := binary.LittleEndian.Uint32(lenBuf[:])
	if total < 6 {
		return nil, fmt.Errorf("%w: 0x%04X declares %d bytes", ErrShortRecord, cmd, total)
	}
	if total > MaxRecordLen {
		return nil, fmt.Errorf("%w: 0x%04X declares %d bytes (max %d)", ErrRecordTooLarge, cmd, total, MaxRecordLen)
	}

	rec := make([]byte, total)
	copy(rec, head[:])
	copy(rec[2:], lenBuf[:])
	if _, err := io.ReadFull(r, rec[6:]); err != nil {
		return nil, fmt.Errorf("failed to read record 0x%04X body: %w", cmd, err)
	}
	return rec, nil
}

// WriteRecord writes one complete record to w.
func WriteRecord(w io.Writer, rec []byte) error {
	if len(rec) < 2 {
		return fmt.Errorf("%w: %d bytes", ErrShortRecord, len(rec))
	}
	if _, err := w.Write(rec); err != nil {
		return fmt.Errorf("failed to write record 0x%04X: %w", Cmd(rec), err)
	}
	return nil
}

// newRecord allocates a zeroed fixed-size record with the command word set.
func newRecord(cmd uint16, size int) []byte {
	rec := make([]byte, size)
	binary.LittleEndian.PutUint16(rec, cmd)
	return rec
}

// newVarRecord allocates a variable record with command and total set.
func newVarRecord(cmd uint16, total int) []byte {
	rec := make([]byte, total)
	binary.LittleEndian.PutUint16(rec, cmd)
	binary.LittleEndian.PutUint32(rec[2:], uint32(total))
	return rec
}

// putName copies s into dst, truncating at the field width. dst is assumed
// zeroed, giving NUL padding.
func putName(dst []byte, s string) {
	n := len(s)
	if n > len(dst) {
		n = len(dst)
	}
	copy(dst, s[:n])
}

// trimName returns the string up to the first NUL.
func trimName(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// checkRecord validates command and exact length of a fixed-size record.
func checkRecord(rec []byte, cmd uint16, size int) error {
	if len(rec) != size {
		return fmt.Errorf("%w: 0x%04X has %d bytes, want %d", ErrShortRecord, cmd, len(rec), size)
	}
	if Cmd(rec) != cmd {
		return fmt.Errorf("%w: got 0x%04X, want 0x%04X", ErrUnknownCommand, Cmd(rec), cmd)
	}
	return nil
}
