package mapworker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/seolan-project/seolan/internal/config"
	"github.com/seolan-project/seolan/internal/events"
	"github.com/seolan-project/seolan/internal/interserver"
)

const (
	// Workers retry fast; a directory restart should only cost seconds
	// of routing, not minutes.
	linkReconnectDelay = 1 * time.Second
	linkConnectTimeout = 10 * time.Second
	linkLoadTimeout    = 10 * time.Second
)

// ErrLinkDown reports that no directory connection is up.
var ErrLinkDown = errors.New("directory link is down")

// DirLink maintains the worker's connection to the character directory:
// dial, hello handshake, map announcement, reconnection. Snapshot
// answers route back to waiting loads by session id; every other
// directory record goes to the handler.
type DirLink struct {
	mu        sync.Mutex
	cfg       *config.ServerConfig
	bus       *events.EventBus
	conn      net.Conn
	connected bool
	serverIdx int

	loadTimeout time.Duration
	handle      func(cmd uint16, rec []byte)

	pendingMu sync.Mutex
	pending   map[uint16]chan []byte
}

// NewDirLink creates a directory link. handle receives every record
// that is not a snapshot answer, on the link's read goroutine.
func NewDirLink(cfg *config.ServerConfig, bus *events.EventBus, handle func(cmd uint16, rec []byte)) *DirLink {
	return &DirLink{
		cfg:         cfg,
		bus:         bus,
		serverIdx:   -1,
		loadTimeout: linkLoadTimeout,
		handle:      handle,
		pending:     make(map[uint16]chan []byte),
	}
}

// hostedMaps resolves the map ids this worker announces. An unset list
// means the default start map.
func hostedMaps(cfg *config.ServerConfig) []uint16 {
	if len(cfg.Maps) > 0 {
		return cfg.Maps
	}
	return []uint16{0}
}

func wireIPv4(s string) [4]byte {
	var out [4]byte
	if ip := net.ParseIP(s); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			copy(out[:], v4)
		}
	}
	return out
}

// ManageConnection runs the connect/read/reconnect cycle until ctx is
// cancelled. Meant to run as a goroutine alongside the client listener.
func (l *DirLink) ManageConnection(ctx context.Context) {
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

func (l *DirLink) connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: linkConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", l.cfg.CharAddr())
	if err != nil {
		return fmt.Errorf("failed to dial character directory: %w", err)
	}

	hello := interserver.WorkerHello{
		ID:       l.cfg.CharID,
		Password: l.cfg.CharPW,
		IP:       wireIPv4(l.cfg.MapIP),
		Port:     uint16(l.cfg.MapPort),
	}
	if err := interserver.WriteRecord(conn, hello.Marshal()); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send worker hello: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(linkConnectTimeout))
	rec, err := interserver.ReadRecord(conn, interserver.CharToWorkerLens)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return err
	}
	res, err := interserver.ParseHelloResult(rec)
	if err != nil {
		conn.Close()
		return err
	}
	if res.Result != 0 {
		conn.Close()
		return fmt.Errorf("directory rejected worker hello: result 0x%02X", res.Result)
	}

	maps := hostedMaps(l.cfg)
	if err := interserver.WriteRecord(conn, interserver.MapList{MapIDs: maps}.Marshal()); err != nil {
		conn.Close()
		return fmt.Errorf("failed to announce maps: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.connected = true
	l.serverIdx = int(res.ServerIdx)
	l.mu.Unlock()

	log.Info().Str("addr", l.cfg.CharAddr()).Int("server_idx", int(res.ServerIdx)).
		Int("maps", len(maps)).Msg("directory link established")
	l.bus.Emit(ctx, events.Event{
		Type:    events.EventLinkUp,
		Source:  "map",
		Payload: events.LinkPayload{Peer: "char", Addr: l.cfg.CharAddr(), State: events.LinkUp},
	})
	return nil
}

func (l *DirLink) readLoop(ctx context.Context) {
	conn := l.currentConn()
	if conn == nil {
		return
	}

	for {
		rec, err := interserver.ReadRecord(conn, interserver.CharToWorkerLens)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("directory link read failed")
			}
			return
		}

		cmd := interserver.Cmd(rec)
		if cmd == interserver.CmdCharSnapshot {
			snap, err := interserver.ParseCharSnapshot(rec)
			if err != nil {
				log.Warn().Err(err).Msg("bad snapshot record")
				continue
			}
			l.deliver(snap.SessionID, rec)
			continue
		}
		if l.handle != nil {
			l.handle(cmd, rec)
		}
	}
}

// deliver hands a snapshot to the load waiting on its session id.
// Answers with no waiter are dropped; the client already timed out.
func (l *DirLink) deliver(sessionID uint16, rec []byte) {
	l.pendingMu.Lock()
	ch, ok := l.pending[sessionID]
	if ok {
		delete(l.pending, sessionID)
	}
	l.pendingMu.Unlock()

	if !ok {
		log.Debug().Uint16("session", sessionID).Msg("snapshot had no waiter")
		return
	}
	ch <- rec
}

func (l *DirLink) disconnect() {
	l.mu.Lock()
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	wasConnected := l.connected
	l.connected = false
	l.serverIdx = -1
	l.mu.Unlock()

	l.failPending()

	if wasConnected {
		log.Warn().Msg("directory link lost")
		l.bus.Emit(context.Background(), events.Event{
			Type:    events.EventLinkDown,
			Source:  "map",
			Payload: events.LinkPayload{Peer: "char", Addr: l.cfg.CharAddr(), State: events.LinkDown},
		})
	}
}

// failPending closes every waiting channel so stalled loads fail with
// ErrLinkDown instead of running out the full timeout.
func (l *DirLink) failPending() {
	l.pendingMu.Lock()
	for sessionID, ch := range l.pending {
		close(ch)
		delete(l.pending, sessionID)
	}
	l.pendingMu.Unlock()
}

// IsConnected reports whether the hello handshake has completed.
func (l *DirLink) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// ServerIdx returns the slot the directory assigned, or -1 when down.
func (l *DirLink) ServerIdx() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.serverIdx
}

func (l *DirLink) currentConn() net.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

// Send writes one record to the directory.
func (l *DirLink) Send(rec []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected || l.conn == nil {
		return ErrLinkDown
	}
	return interserver.WriteRecord(l.conn, rec)
}

// Load sends a load record tagged with the client's session id and
// waits for the matching snapshot.
func (l *DirLink) Load(sessionID uint16, rec []byte) ([]byte, error) {
	ch := make(chan []byte, 1)

	l.pendingMu.Lock()
	if _, busy := l.pending[sessionID]; busy {
		l.pendingMu.Unlock()
		return nil, fmt.Errorf("session %d already has a load in flight", sessionID)
	}
	l.pending[sessionID] = ch
	l.pendingMu.Unlock()

	if err := l.Send(rec); err != nil {
		l.pendingMu.Lock()
		delete(l.pending, sessionID)
		l.pendingMu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(l.loadTimeout)
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
		return nil, fmt.Errorf("snapshot for session %d timed out", sessionID)
	}
}
