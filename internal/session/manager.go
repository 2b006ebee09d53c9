package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/seolan-project/seolan/internal/protect"
	"github.com/seolan-project/seolan/internal/util"
)

// Maintenance intervals for the manager's timer loop.
const (
	tickInterval       = 10 * time.Millisecond
	ddosPruneEvery     = time.Second
	throttleResetEvery = 10 * time.Minute
	idleCheckEvery     = time.Second
)

// Manager owns the session table and drives accept loops, outbound
// connects, per-session I/O, and the maintenance timers.
type Manager struct {
	mu       sync.RWMutex
	sessions map[int]*Session
	defaults Callbacks

	nextFD atomic.Int64

	guard    *protect.DDoSGuard
	throttle *protect.Throttle
	acl      *protect.AccessList

	idleTimeout time.Duration

	pendingMu sync.Mutex
	pending   []pendingConnect

	logger zerolog.Logger
}

// pendingConnect is an outbound session waiting for its dial.
type pendingConnect struct {
	s    *Session
	addr string
}

// NewManager creates a manager wired to the given protections. Any of them
// may be nil to disable that check.
func NewManager(guard *protect.DDoSGuard, throttle *protect.Throttle, acl *protect.AccessList) *Manager {
	m := &Manager{
		sessions: make(map[int]*Session),
		guard:    guard,
		throttle: throttle,
		acl:      acl,
		logger:   util.ComponentLogger("session"),
	}
	m.nextFD.Store(1)
	return m
}

// SetIdleTimeout enables idle teardown for sessions quiet longer than d.
// Zero disables the check.
func (m *Manager) SetIdleTimeout(d time.Duration) {
	m.mu.Lock()
	m.idleTimeout = d
	m.mu.Unlock()
}

// SetDefaultCallbacks sets the callbacks applied to every subsequently
// created session.
func (m *Manager) SetDefaultCallbacks(cb Callbacks) {
	m.mu.Lock()
	m.defaults = cb
	m.mu.Unlock()
}

func (m *Manager) defaultCallbacks() Callbacks {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaults
}

// AllocateFD returns a fresh fd, monotonically increasing for the process
// lifetime.
func (m *Manager) AllocateFD() int {
	return int(m.nextFD.Add(1) - 1)
}

// Insert stores a session under its fd.
func (m *Manager) Insert(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) >= MaxSessions {
		return fmt.Errorf("%w: limit=%d", ErrMaxSessionsExceeded, MaxSessions)
	}
	if _, exists := m.sessions[s.fd]; exists {
		return fmt.Errorf("%w: fd=%d", ErrDuplicateFD, s.fd)
	}
	m.sessions[s.fd] = s
	return nil
}

// Get returns the session stored under fd.
func (m *Manager) Get(fd int) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[fd]
	return s, ok
}

// Remove drops the session stored under fd.
func (m *Manager) Remove(fd int) {
	m.mu.Lock()
	delete(m.sessions, fd)
	m.mu.Unlock()
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// FDs returns a snapshot of the live fds.
func (m *Manager) FDs() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fds := make([]int, 0, len(m.sessions))
	for fd := range m.sessions {
		fds = append(fds, fd)
	}
	return fds
}

// setup registers an accepted connection and returns its session.
func (m *Manager) setup(conn net.Conn) (*Session, error) {
	fd := m.AllocateFD()
	s := newSession(fd)
	s.conn = conn
	s.addr = conn.RemoteAddr()
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		s.addrRaw = protect.WireIP(tcp.IP)
	}
	s.callbacks = m.defaultCallbacks()
	if err := m.Insert(s); err != nil {
		return nil, err
	}
	m.logger.Info().Int("fd", fd).Stringer("addr", s.addr).Msg("new connection")
	return s, nil
}

// Serve accepts connections on ln until ctx is done. Peers that are
// access-listed, locked out, or throttled are refused before a session is
// allocated.
func (m *Manager) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	m.logger.Info().Stringer("addr", ln.Addr()).Msg("listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.logger.Error().Err(err).Msg("accept error")
			return err
		}

		var ipNet uint32
		if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
			ipNet = protect.WireIP(tcp.IP)
		}
		if !m.acl.Allowed(ipNet) {
			m.logger.Warn().Stringer("addr", conn.RemoteAddr()).Msg("refused by access list")
			conn.Close()
			continue
		}
		if m.guard != nil && m.guard.IsLocked(ipNet) {
			m.logger.Warn().Stringer("addr", conn.RemoteAddr()).Msg("refused locked-out peer")
			conn.Close()
			continue
		}
		if m.throttle != nil && m.throttle.IsThrottled(ipNet) {
			m.logger.Warn().Stringer("addr", conn.RemoteAddr()).Msg("refused throttled peer")
			conn.Close()
			continue
		}

		s, err := m.setup(conn)
		if err != nil {
			m.logger.Warn().Err(err).Msg("dropping connection")
			conn.Close()
			continue
		}
		if s.callbacks.Accept != nil {
			s.callbacks.Accept(s)
		}
		m.startIO(s)
	}
}

// Connect queues an outbound connection. The session exists immediately so
// callers can stage writes; the dial happens on the next timer tick, and a
// failure marks the session eof.
func (m *Manager) Connect(addr string, cb Callbacks) (*Session, error) {
	fd := m.AllocateFD()
	s := newSession(fd)
	s.callbacks = cb
	if err := m.Insert(s); err != nil {
		return nil, err
	}
	m.pendingMu.Lock()
	m.pending = append(m.pending, pendingConnect{s: s, addr: addr})
	m.pendingMu.Unlock()
	return s, nil
}

// Run drives the maintenance timers until ctx is done: pending outbound
// dials each tick, lockout pruning every second, throttle reset every ten
// minutes, and the idle check. On exit every session is shut down.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	lastPrune := time.Now()
	lastThrottle := time.Now()
	lastIdle := time.Now()

	for {
		select {
		case <-ctx.Done():
			m.ShutdownAll()
			return
		case now := <-ticker.C:
			m.drainPending()

			if m.guard != nil && now.Sub(lastPrune) >= ddosPruneEvery {
				m.guard.Prune()
				lastPrune = now
			}
			if m.throttle != nil && now.Sub(lastThrottle) >= throttleResetEvery {
				m.throttle.Reset()
				lastThrottle = now
			}
			if now.Sub(lastIdle) >= idleCheckEvery {
				m.checkIdle(now)
				lastIdle = now
			}
		}
	}
}

func (m *Manager) drainPending() {
	m.pendingMu.Lock()
	pending := m.pending
	m.pending = nil
	m.pendingMu.Unlock()

	for _, p := range pending {
		go m.dial(p.s, p.addr)
	}
}

func (m *Manager) dial(s *Session, addr string) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		m.logger.Error().Int("fd", s.fd).Str("addr", addr).Err(err).Msg("connect failed")
		s.SetEOF(EOFWrite)
		m.teardown(s)
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.addr = conn.RemoteAddr()
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		s.addrRaw = protect.WireIP(tcp.IP)
	}
	s.mu.Unlock()
	m.logger.Info().Int("fd", s.fd).Str("addr", addr).Msg("connected")

	// Flush writes staged before the connection was established.
	s.notifyWrite()
	m.startIO(s)
}

func (m *Manager) startIO(s *Session) {
	go m.writeLoop(s)
	go m.readLoop(s)
}

func (m *Manager) readLoop(s *Session) {
	buf := make([]byte, 4096)
	conn := s.connRef()
	if conn == nil {
		m.teardown(s)
		return
	}
	for {
		if s.EOF() != 0 {
			break
		}
		n, err := conn.Read(buf)
		if n > 0 {
			if !s.appendRData(buf[:n]) {
				m.logger.Warn().Int("fd", s.fd).Msg("read buffer overflow, closing")
				s.SetEOF(EOFRead)
				break
			}
			m.parsePending(s)
			s.FlushReadBuffer()
			continue
		}
		if err == io.EOF {
			s.SetEOF(EOFPeer)
		} else if err != nil {
			if s.EOF() == 0 {
				m.logger.Debug().Int("fd", s.fd).Err(err).Msg("read error")
			}
			s.SetEOF(EOFRead)
		}
		break
	}
	m.teardown(s)
}

// parsePending calls the parse callback until it stops making progress or
// asks for more data.
func (m *Manager) parsePending(s *Session) {
	cb := s.parseCallback()
	if cb == nil {
		return
	}
	for {
		avail := s.Available()
		if avail == 0 {
			return
		}
		if cb(s) == ParseMore {
			return
		}
		if s.EOF() != 0 {
			return
		}
		if s.Available() >= avail {
			return
		}
	}
}

func (m *Manager) writeLoop(s *Session) {
	for {
		select {
		case <-s.done:
			return
		case <-s.writeNotify:
			conn := s.connRef()
			if conn == nil {
				continue
			}
			data := s.takeWData()
			if data == nil {
				continue
			}
			if _, err := conn.Write(data); err != nil {
				m.logger.Error().Int("fd", s.fd).Err(err).Msg("write error")
				s.SetEOF(EOFWrite)
				m.teardown(s)
				return
			}
		}
	}
}

// teardown runs the session's end-of-life sequence exactly once: a final
// parse call so the handler can release its state, then the shutdown
// callback, then removal.
func (m *Manager) teardown(s *Session) {
	s.mu.Lock()
	if s.shutdownDone {
		s.mu.Unlock()
		return
	}
	s.shutdownDone = true
	if s.eof == 0 {
		s.eof = EOFServer
	}
	cb := s.callbacks
	conn := s.conn
	s.mu.Unlock()

	if cb.Parse != nil {
		cb.Parse(s)
	}
	if cb.Shutdown != nil {
		cb.Shutdown(s)
	}
	close(s.done)
	if conn != nil {
		conn.Close()
	}
	m.Remove(s.fd)
	m.logger.Info().Int("fd", s.fd).Msg("session closed")
}

// Close marks a session eof and tears it down.
func (m *Manager) Close(fd int, code int) error {
	s, ok := m.Get(fd)
	if !ok {
		return fmt.Errorf("%w: fd=%d", ErrSessionNotFound, fd)
	}
	s.SetEOF(code)
	m.teardown(s)
	return nil
}

func (m *Manager) checkIdle(now time.Time) {
	m.mu.RLock()
	timeout := m.idleTimeout
	m.mu.RUnlock()
	if timeout <= 0 {
		return
	}
	for _, fd := range m.FDs() {
		s, ok := m.Get(fd)
		if !ok {
			continue
		}
		if s.idleSince(now) < timeout {
			continue
		}
		if cb := s.timeoutCallback(); cb != nil {
			cb(s)
		} else {
			s.SetEOF(EOFServer)
		}
		if s.EOF() != 0 {
			m.teardown(s)
		}
	}
}

// ShutdownAll tears down every live session.
func (m *Manager) ShutdownAll() {
	for _, fd := range m.FDs() {
		if s, ok := m.Get(fd); ok {
			s.SetEOF(EOFServer)
			m.teardown(s)
		}
	}
}

func (s *Session) connRef() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) parseCallback() func(*Session) ParseStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callbacks.Parse
}

func (s *Session) timeoutCallback() func(*Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callbacks.Timeout
}
