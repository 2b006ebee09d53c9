package login

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/seolan-project/seolan/internal/codec"
	"github.com/seolan-project/seolan/internal/config"
	"github.com/seolan-project/seolan/internal/events"
	"github.com/seolan-project/seolan/internal/interserver"
)

const (
	linkKeepAliveInterval = 30 * time.Second
	linkReconnectDelay    = 10 * time.Second
	linkConnectTimeout    = 10 * time.Second

	// linkResponseTimeout bounds how long one client waits on the directory
	// before getting a database-error message instead.
	linkResponseTimeout = 10 * time.Second
)

// ErrLinkDown reports that no directory connection is up.
var ErrLinkDown = errors.New("directory link is down")

// CharLink maintains the persistent connection to the character directory:
// dial, credential handshake, keepalives, reconnection. Directory answers
// carry the client session id, which routes them back to the waiting
// request.
type CharLink struct {
	mu        sync.Mutex
	cfg       *config.ServerConfig
	bus       *events.EventBus
	conn      net.Conn
	connected bool

	respTimeout time.Duration

	pendingMu sync.Mutex
	pending   map[uint16]chan []byte
}

// NewCharLink creates a directory link for the configured address.
func NewCharLink(cfg *config.ServerConfig, bus *events.EventBus) *CharLink {
	return &CharLink{
		cfg:         cfg,
		bus:         bus,
		respTimeout: linkResponseTimeout,
		pending:     make(map[uint16]chan []byte),
	}
}

// ManageConnection runs the connect/read/reconnect cycle until ctx is
// cancelled. Meant to run as a goroutine alongside the client listener.
func (l *CharLink) ManageConnection(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.disconnect()
			return
		default:
		}

		if err := l.connect(ctx); err != nil {
			log.Warn().Err(err).Str("addr", l.cfg.CharAddr()).Msg("directory connection failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(linkReconnectDelay):
			}
			continue
		}

		l.readLoop(ctx)
		l.disconnect()

		select {
		case <-ctx.Done():
			return
		case <-time.After(linkReconnectDelay):
		}
	}
}

func (l *CharLink) connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: linkConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", l.cfg.CharAddr())
	if err != nil {
		return fmt.Errorf("failed to dial character directory: %w", err)
	}

	key := codec.StaticKey(l.cfg.XorKey)
	hello := HandshakeFrame(l.cfg.LoginID, l.cfg.LoginPW, key[:])
	if _, err := conn.Write(hello); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send directory handshake: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(linkConnectTimeout))
	result, err := interserver.ReadHandshakeAck(conn)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return err
	}
	if result != 0 {
		conn.Close()
		return fmt.Errorf("directory rejected handshake: result 0x%02X", result)
	}

	l.mu.Lock()
	l.conn = conn
	l.connected = true
	l.mu.Unlock()

	log.Info().Str("addr", l.cfg.CharAddr()).Msg("directory link established")
	l.bus.Emit(ctx, events.Event{
		Type:    events.EventLinkUp,
		Source:  "login",
		Payload: events.LinkPayload{Peer: "char", Addr: l.cfg.CharAddr(), State: events.LinkUp},
	})

	go l.keepAlive(ctx)
	return nil
}

// keepAlive sends the link keepalive record on a fixed interval. Returns
// when the connection drops or ctx is cancelled.
func (l *CharLink) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(linkKeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			if !l.connected || l.conn == nil {
				l.mu.Unlock()
				return
			}
			_, err := l.conn.Write(interserver.Keepalive())
			l.mu.Unlock()
			if err != nil {
				log.Warn().Err(err).Msg("directory keepalive failed")
				return
			}
		}
	}
}

func (l *CharLink) readLoop(ctx context.Context) {
	conn := l.currentConn()
	if conn == nil {
		return
	}

	for {
		rec, err := interserver.ReadRecord(conn, interserver.CharToLoginLens)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("directory link read failed")
			}
			return
		}

		cmd := interserver.Cmd(rec)
		if cmd == interserver.CmdLinkReserved || len(rec) < 4 {
			continue
		}
		l.deliver(binary.LittleEndian.Uint16(rec[2:4]), rec)
	}
}

// deliver hands a directory answer to the request waiting on its session
// id. Answers with no waiter are dropped; the client already got a
// timeout message.
func (l *CharLink) deliver(sessionID uint16, rec []byte) {
	l.pendingMu.Lock()
	ch, ok := l.pending[sessionID]
	if ok {
		delete(l.pending, sessionID)
	}
	l.pendingMu.Unlock()

	if !ok {
		log.Debug().
			Uint16("session", sessionID).
			Str("cmd", fmt.Sprintf("0x%04X", interserver.Cmd(rec))).
			Msg("directory answer had no waiter")
		return
	}
	ch <- rec
}

func (l *CharLink) disconnect() {
	l.mu.Lock()
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	wasConnected := l.connected
	l.connected = false
	l.mu.Unlock()

	l.failPending()

	if wasConnected {
		log.Warn().Msg("directory link lost")
		l.bus.Emit(context.Background(), events.Event{
			Type:    events.EventLinkDown,
			Source:  "login",
			Payload: events.LinkPayload{Peer: "char", Addr: l.cfg.CharAddr(), State: events.LinkDown},
		})
	}
}

// failPending closes every waiting channel so stalled requests fail with
// ErrLinkDown instead of running out the full response timeout.
func (l *CharLink) failPending() {
	l.pendingMu.Lock()
	for sessionID, ch := range l.pending {
		close(ch)
		delete(l.pending, sessionID)
	}
	l.pendingMu.Unlock()
}

// IsConnected reports whether the link handshake has completed.
func (l *CharLink) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *CharLink) currentConn() net.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

// Send writes one record to the directory.
func (l *CharLink) Send(rec []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected || l.conn == nil {
		return ErrLinkDown
	}
	return interserver.WriteRecord(l.conn, rec)
}

// Request sends a record tagged with the client's session id and waits for
// the matching answer. One request per session may be in flight; the
// client protocol is strictly request/reply so a second one is a bug.
func (l *CharLink) Request(sessionID uint16, rec []byte) ([]byte, error) {
	ch := make(chan []byte, 1)

	l.pendingMu.Lock()
	if _, busy := l.pending[sessionID]; busy {
		l.pendingMu.Unlock()
		return nil, fmt.Errorf("session %d already has a directory request in flight", sessionID)
	}
	l.pending[sessionID] = ch
	l.pendingMu.Unlock()

	if err := l.Send(rec); err != nil {
		l.pendingMu.Lock()
		delete(l.pending, sessionID)
		l.pendingMu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(l.respTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrLinkDown
		}
		return resp, nil
	case <-timer.C:
		l.pendingMu.Lock()
		delete(l.pending, sessionID)
		l.pendingMu.Unlock()
		return nil, fmt.Errorf("directory answer for session %d timed out", sessionID)
	}
}
