// Package char implements the character directory: the hub every other
// role connects to. It authenticates the login authority and the map
// workers, owns the character and board tables, routes player logins to
// the worker hosting their map, and relays mail and board traffic.
package char

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/seolan-project/seolan/internal/codec"
	"github.com/seolan-project/seolan/internal/config"
	"github.com/seolan-project/seolan/internal/db"
	"github.com/seolan-project/seolan/internal/events"
	"github.com/seolan-project/seolan/internal/interserver"
	"github.com/seolan-project/seolan/internal/session"
)

// classifyTimeout bounds how long a fresh connection may sit silent
// before sending its first handshake bytes.
const classifyTimeout = 30 * time.Second

// LoginEntry tracks one character routed through a worker. The in-memory
// table is the duplicate-login authority; the DB online flag follows it.
type LoginEntry struct {
	WorkerIdx int
	CharName  string
}

// Server is the character directory.
type Server struct {
	cfg    *config.ServerConfig
	db     *db.Database
	snaps  *db.SnapshotStore
	boards *db.BoardStore
	bus    *events.EventBus
	key    [codec.KeySize]byte

	mu      sync.Mutex
	login   *loginLink
	workers []*Worker
	online  map[uint32]*LoginEntry

	started time.Time
	ctx     context.Context
}

// NewServer wires a character directory. database may be nil, which fails
// account operations and skips persistence; the link layer still works.
func NewServer(cfg *config.ServerConfig, database *db.Database, bus *events.EventBus) *Server {
	s := &Server{
		cfg:    cfg,
		db:     database,
		bus:    bus,
		key:    codec.StaticKey(cfg.XorKey),
		online: make(map[uint32]*LoginEntry),
	}
	if database != nil {
		s.snaps = db.NewSnapshotStore(database)
		s.boards = db.NewBoardStore(database)
	}
	return s
}

// Run binds the directory listener and accepts links until ctx is
// cancelled. Any character left online by a previous crash is reset
// before the first link comes up.
func (s *Server) Run(ctx context.Context) error {
	s.ctx = ctx
	s.started = time.Now()

	if s.db != nil {
		if err := s.db.ResetAllOnline(); err != nil {
			log.Warn().Err(err).Msg("failed to reset online flags")
		}
	}

	lc := session.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", s.cfg.CharAddr())
	if err != nil {
		return fmt.Errorf("failed to bind char listener: %w", err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	s.ctx = ctx
	if s.started.IsZero() {
		s.started = time.Now()
	}

	log.Info().Stringer("addr", ln.Addr()).Msg("char server ready")
	s.bus.Emit(ctx, events.Event{
		Type:    events.EventServerStarted,
		Source:  "char",
		Payload: events.ServerPayload{Role: "char", Addr: ln.Addr().String()},
	})

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Info().Msg("char listener stopping")
				return nil
			default:
				log.Error().Err(err).Msg("failed to accept link")
				continue
			}
		}
		go s.classify(ctx, conn)
	}
}

// classify reads the first bytes of a fresh link and hands it to the
// matching role handler: a static-XORed 0xAA frame carries the login
// authority handshake, a bare LE 0x3000 record a map worker's.
func (s *Server) classify(ctx context.Context, conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(classifyTimeout))

	var head [2]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		conn.Close()
		return
	}

	if head[0] == codec.FrameMagic {
		s.handleLoginLink(ctx, conn, head)
		return
	}

	cmd := uint16(head[0]) | uint16(head[1])<<8
	if cmd == interserver.CmdWorkerHello {
		s.handleWorkerLink(ctx, conn, head)
		return
	}

	log.Warn().Stringer("addr", conn.RemoteAddr()).Uint16("cmd", cmd).Msg("unknown first packet on directory port")
	conn.Close()
}

// rejectHandshake logs, emits, and answers a failed handshake.
func (s *Server) rejectHandshake(conn net.Conn, reason string, ack []byte) {
	log.Warn().Stringer("addr", conn.RemoteAddr()).Str("reason", reason).Msg("handshake rejected")
	s.bus.Emit(s.ctx, events.Event{
		Type:    events.EventHandshakeRejected,
		Source:  "char",
		Payload: events.HandshakeRejectedPayload{Addr: conn.RemoteAddr().String(), Reason: reason},
	})
	if ack != nil {
		conn.Write(ack)
	}
	conn.Close()
}

// Uptime reports how long the directory has been serving.
func (s *Server) Uptime() time.Duration {
	if s.started.IsZero() {
		return 0
	}
	return time.Since(s.started)
}

// LoginLinkUp reports whether the login authority is connected.
func (s *Server) LoginLinkUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.login != nil
}

// WorkerStatus is a point-in-time view of one worker slot.
type WorkerStatus struct {
	ServerIdx int      `json:"server_idx"`
	Addr      string   `json:"addr"`
	Maps      []uint16 `json:"maps"`
	Since     string   `json:"since"`
}

// Workers lists the live worker slots.
func (s *Server) Workers() []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []WorkerStatus
	for _, w := range s.workers {
		if w == nil {
			continue
		}
		maps := make([]uint16, len(w.maps))
		copy(maps, w.maps)
		out = append(out, WorkerStatus{
			ServerIdx: w.idx,
			Addr:      w.conn.RemoteAddr().String(),
			Maps:      maps,
			Since:     w.since.UTC().Format(time.RFC3339),
		})
	}
	return out
}

// OnlineStatus is one routed character.
type OnlineStatus struct {
	CharID    uint32 `json:"char_id"`
	Name      string `json:"name"`
	ServerIdx int    `json:"server_idx"`
}

// Online lists the characters currently routed through workers.
func (s *Server) Online() []OnlineStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]OnlineStatus, 0, len(s.online))
	for id, e := range s.online {
		out = append(out, OnlineStatus{CharID: id, Name: e.CharName, ServerIdx: e.WorkerIdx})
	}
	return out
}

// OnlineCount reports how many characters are routed right now.
func (s *Server) OnlineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.online)
}

// KickChar orders the worker hosting a character to force it offline.
// The online entry stays until the worker reports the logout.
func (s *Server) KickChar(charID uint32) error {
	s.mu.Lock()
	entry, ok := s.online[charID]
	var w *Worker
	if ok {
		w = s.workerAt(entry.WorkerIdx)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("character %d is not online", charID)
	}
	if w == nil {
		return fmt.Errorf("character %d has no live worker", charID)
	}
	return w.send(interserver.Kick{CharID: charID}.Marshal())
}

// claimOnline atomically inserts a LoginEntry unless the character is
// already routed, in which case the existing entry wins.
func (s *Server) claimOnline(charID uint32, entry *LoginEntry) (*LoginEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.online[charID]; ok {
		return prev, false
	}
	s.online[charID] = entry
	return entry, true
}

// releaseOnline drops a LoginEntry and returns it, if present.
func (s *Server) releaseOnline(charID uint32) *LoginEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.online[charID]
	delete(s.online, charID)
	return entry
}

// onlineNames snapshots the routed character names.
func (s *Server) onlineNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.online))
	for _, e := range s.online {
		names = append(names, e.CharName)
	}
	return names
}

// workerAt returns the live worker in a slot. Callers hold s.mu.
func (s *Server) workerAt(idx int) *Worker {
	if idx < 0 || idx >= len(s.workers) {
		return nil
	}
	return s.workers[idx]
}

// hostingWorker returns the live worker hosting a character, if any.
func (s *Server) hostingWorker(charID uint32) *Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.online[charID]
	if !ok {
		return nil
	}
	return s.workerAt(entry.WorkerIdx)
}
