// Package session implements the fd-keyed buffered session layer the
// client-facing listeners run on: growable read/write FIFOs with bounds
// checking, per-session callbacks, and manager-driven I/O.
package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Buffer size constants.
const (
	// RFifoSize is the initial read buffer capacity.
	RFifoSize = 16 * 1024

	// WFifoSize is the initial write buffer capacity.
	WFifoSize = 16 * 1024

	// MaxRData caps read buffer growth. Interserver bursts (map lists and
	// the like) can exceed the initial capacity; dropping bytes in a
	// stream protocol corrupts all later framing, so the buffer grows to
	// this limit and the connection is closed rather than truncated.
	MaxRData = 64 * 1024

	// MaxWData caps write buffer growth. Must hold a worst-case
	// compressed character snapshot committed in one piece.
	MaxWData = 4 * 1024 * 1024

	// MaxSessions caps concurrently open sessions.
	MaxSessions = 1024
)

// Session errors. Call sites wrap these with fd and offset detail.
var (
	ErrReadOutOfBounds       = errors.New("read out of bounds")
	ErrSkipOutOfBounds       = errors.New("skip out of bounds")
	ErrWriteCommitTooLarge   = errors.New("write commit too large")
	ErrWritePositionOverflow = errors.New("write position overflow")
	ErrWriteBufferTooLarge   = errors.New("write buffer too large")
	ErrSessionNotFound       = errors.New("session not found")
	ErrMaxSessionsExceeded   = errors.New("maximum sessions exceeded")
	ErrDuplicateFD           = errors.New("duplicate fd")
)

// EOF reason codes stored on a session once it is going away.
const (
	EOFServer = 1
	EOFWrite  = 2
	EOFRead   = 3
	EOFPeer   = 4
)

// ParseStatus is returned by a Parse callback.
type ParseStatus int

const (
	// ParseOK means the callback consumed what it could; the loop checks
	// progress and calls again while data remains.
	ParseOK ParseStatus = iota

	// ParseMore means the callback needs more bytes than are buffered.
	ParseMore
)

// Callbacks hook a protocol handler into a session's lifecycle. Parse runs
// once more after eof is set so handlers can release per-session state.
type Callbacks struct {
	Accept   func(*Session)
	Parse    func(*Session) ParseStatus
	Timeout  func(*Session)
	Shutdown func(*Session)
}

// Session is the state for a single connection: an fd, the socket, and the
// read/write FIFOs the protocol handlers operate on.
type Session struct {
	fd      int
	addr    net.Addr
	addrRaw uint32

	mu             sync.Mutex
	conn           net.Conn
	rdata          []byte
	rdataPos       int
	rdataSize      int
	wdata          []byte
	wdataSize      int
	eof            int
	increment      byte
	lastActivity   time.Time
	suppressNotify bool
	shutdownDone   bool
	callbacks      Callbacks
	data           any

	// writeNotify wakes the session's writer. Capacity one: a pending
	// wakeup covers any number of commits.
	writeNotify chan struct{}
	done        chan struct{}
}

func newSession(fd int) *Session {
	return &Session{
		fd:           fd,
		rdata:        make([]byte, 0, RFifoSize),
		wdata:        make([]byte, 0, WFifoSize),
		lastActivity: time.Now(),
		writeNotify:  make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// FD returns the session's stable identifier. It is not a kernel fd.
func (s *Session) FD() int { return s.fd }

// Addr returns the peer address, or nil before an outbound connect.
func (s *Session) Addr() net.Addr { return s.addr }

// AddrRaw returns the peer IPv4 address in wire byte order.
func (s *Session) AddrRaw() uint32 { return s.addrRaw }

// Data returns the protocol state attached to the session.
func (s *Session) Data() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// SetData attaches protocol state to the session.
func (s *Session) SetData(v any) {
	s.mu.Lock()
	s.data = v
	s.mu.Unlock()
}

// EOF returns the session's eof code, zero while healthy.
func (s *Session) EOF() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eof
}

// SetEOF marks the session for teardown. The first code wins.
func (s *Session) SetEOF(code int) {
	s.mu.Lock()
	if s.eof == 0 {
		s.eof = code
	}
	s.mu.Unlock()
}

// NextIncrement returns the packet increment counter and advances it.
func (s *Session) NextIncrement() byte {
	s.mu.Lock()
	v := s.increment
	s.increment++
	s.mu.Unlock()
	return v
}

// Available returns the number of unread bytes in the read buffer.
func (s *Session) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rdataSize - s.rdataPos
}

// ReadU8 reads a byte at pos from the read head.
func (s *Session) ReadU8(pos int) (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.rdataPos + pos
	if pos < 0 || p >= s.rdataSize {
		return 0, fmt.Errorf("%w: fd=%d pos=%d size=%d", ErrReadOutOfBounds, s.fd, pos, s.rdataSize)
	}
	return s.rdata[p], nil
}

// ReadU16 reads a little-endian uint16 at pos from the read head.
func (s *Session) ReadU16(pos int) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.rdataPos + pos
	if pos < 0 || p+2 > s.rdataSize {
		return 0, fmt.Errorf("%w: fd=%d pos=%d size=%d", ErrReadOutOfBounds, s.fd, pos, s.rdataSize)
	}
	return uint16(s.rdata[p]) | uint16(s.rdata[p+1])<<8, nil
}

// ReadU32 reads a little-endian uint32 at pos from the read head.
func (s *Session) ReadU32(pos int) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.rdataPos + pos
	if pos < 0 || p+4 > s.rdataSize {
		return 0, fmt.Errorf("%w: fd=%d pos=%d size=%d", ErrReadOutOfBounds, s.fd, pos, s.rdataSize)
	}
	return uint32(s.rdata[p]) | uint32(s.rdata[p+1])<<8 |
		uint32(s.rdata[p+2])<<16 | uint32(s.rdata[p+3])<<24, nil
}

// ReadBytes copies len(dst) bytes at pos from the read head into dst.
func (s *Session) ReadBytes(pos int, dst []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.rdataPos + pos
	if pos < 0 || p+len(dst) > s.rdataSize {
		return fmt.Errorf("%w: fd=%d pos=%d n=%d size=%d", ErrReadOutOfBounds, s.fd, pos, len(dst), s.rdataSize)
	}
	copy(dst, s.rdata[p:p+len(dst)])
	return nil
}

// Skip advances the read head by n bytes, compacting when the buffer is
// fully drained.
func (s *Session) Skip(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	newPos := s.rdataPos + n
	if n < 0 || newPos > s.rdataSize {
		return fmt.Errorf("%w: fd=%d skip=%d available=%d", ErrSkipOutOfBounds, s.fd, n, s.rdataSize-s.rdataPos)
	}
	s.rdataPos = newPos
	if s.rdataPos == s.rdataSize {
		s.rdataPos = 0
		s.rdataSize = 0
		s.rdata = s.rdata[:0]
	}
	return nil
}

// FlushReadBuffer compacts the read buffer by moving unread bytes to the
// front.
func (s *Session) FlushReadBuffer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.rdataPos == s.rdataSize:
		s.rdataPos = 0
		s.rdataSize = 0
		s.rdata = s.rdata[:0]
	case s.rdataPos > 0:
		copy(s.rdata, s.rdata[s.rdataPos:s.rdataSize])
		s.rdataSize -= s.rdataPos
		s.rdataPos = 0
		s.rdata = s.rdata[:s.rdataSize]
	}
}

// appendRData appends freshly read bytes, enforcing the growth cap.
func (s *Session) appendRData(p []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rdataSize+len(p) > MaxRData {
		return false
	}
	s.rdata = append(s.rdata[:s.rdataSize], p...)
	s.rdataSize += len(p)
	s.lastActivity = time.Now()
	return true
}

// EnsureWDataCapacity reserves room for n more bytes in the write buffer.
func (s *Session) EnsureWDataCapacity(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.growWData(s.wdataSize + n)
}

// growWData extends the logical write window to at least end bytes.
// Callers hold s.mu.
func (s *Session) growWData(end int) error {
	if end > MaxWData {
		return fmt.Errorf("%w: fd=%d requested=%d max=%d", ErrWriteBufferTooLarge, s.fd, end, MaxWData)
	}
	if end > len(s.wdata) {
		grown := end + 1024
		if grown > MaxWData {
			grown = MaxWData
		}
		s.wdata = append(s.wdata, make([]byte, grown-len(s.wdata))...)
	}
	return nil
}

// WriteU8 stores a byte at pos past the committed write region.
func (s *Session) WriteU8(pos int, v byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos < 0 {
		return fmt.Errorf("%w: fd=%d pos=%d", ErrWritePositionOverflow, s.fd, pos)
	}
	p := s.wdataSize + pos
	if err := s.growWData(p + 1); err != nil {
		return err
	}
	s.wdata[p] = v
	return nil
}

// WriteU16 stores a little-endian uint16 at pos past the committed region.
func (s *Session) WriteU16(pos int, v uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos < 0 {
		return fmt.Errorf("%w: fd=%d pos=%d", ErrWritePositionOverflow, s.fd, pos)
	}
	p := s.wdataSize + pos
	if err := s.growWData(p + 2); err != nil {
		return err
	}
	s.wdata[p] = byte(v)
	s.wdata[p+1] = byte(v >> 8)
	return nil
}

// WriteU32 stores a little-endian uint32 at pos past the committed region.
func (s *Session) WriteU32(pos int, v uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos < 0 {
		return fmt.Errorf("%w: fd=%d pos=%d", ErrWritePositionOverflow, s.fd, pos)
	}
	p := s.wdataSize + pos
	if err := s.growWData(p + 4); err != nil {
		return err
	}
	s.wdata[p] = byte(v)
	s.wdata[p+1] = byte(v >> 8)
	s.wdata[p+2] = byte(v >> 16)
	s.wdata[p+3] = byte(v >> 24)
	return nil
}

// WriteBytes copies src into the write buffer at pos past the committed
// region.
func (s *Session) WriteBytes(pos int, src []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos < 0 {
		return fmt.Errorf("%w: fd=%d pos=%d", ErrWritePositionOverflow, s.fd, pos)
	}
	p := s.wdataSize + pos
	if err := s.growWData(p + len(src)); err != nil {
		return err
	}
	copy(s.wdata[p:p+len(src)], src)
	return nil
}

// CommitWrite publishes n staged bytes and wakes the writer unless
// notifications are suppressed.
func (s *Session) CommitWrite(n int) error {
	s.mu.Lock()
	newSize := s.wdataSize + n
	if n < 0 || newSize > MaxWData {
		s.mu.Unlock()
		return fmt.Errorf("%w: fd=%d requested=%d max=%d", ErrWriteBufferTooLarge, s.fd, n, MaxWData)
	}
	if newSize > len(s.wdata) {
		available := len(s.wdata) - s.wdataSize
		s.mu.Unlock()
		return fmt.Errorf("%w: fd=%d requested=%d available=%d", ErrWriteCommitTooLarge, s.fd, n, available)
	}
	s.wdataSize = newSize
	notify := !s.suppressNotify
	s.mu.Unlock()
	if notify {
		s.notifyWrite()
	}
	return nil
}

// SetSuppressNotify toggles write-notification suppression. Bulk writers
// suppress around a packet batch to coalesce into a single flush;
// re-enabling fires one wakeup if data is pending.
func (s *Session) SetSuppressNotify(v bool) {
	s.mu.Lock()
	s.suppressNotify = v
	pending := !v && s.wdataSize > 0
	s.mu.Unlock()
	if pending {
		s.notifyWrite()
	}
}

func (s *Session) notifyWrite() {
	select {
	case s.writeNotify <- struct{}{}:
	default:
	}
}

// takeWData swaps out the committed write region for flushing.
func (s *Session) takeWData() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wdataSize == 0 {
		return nil
	}
	out := make([]byte, s.wdataSize)
	copy(out, s.wdata[:s.wdataSize])
	for i := range s.wdata[:s.wdataSize] {
		s.wdata[i] = 0
	}
	s.wdataSize = 0
	return out
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}
