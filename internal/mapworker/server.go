// Package mapworker implements the map worker role: it holds the live
// game sessions, announces its maps to the character directory, and
// admits clients only when the directory has authorized them first.
package mapworker

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/seolan-project/seolan/internal/charstatus"
	"github.com/seolan-project/seolan/internal/codec"
	"github.com/seolan-project/seolan/internal/config"
	"github.com/seolan-project/seolan/internal/events"
	"github.com/seolan-project/seolan/internal/interserver"
	"github.com/seolan-project/seolan/internal/session"
)

const sweepInterval = 30 * time.Second

// Client opcodes, dispatched from payload offset 3 after the static
// XOR pass. The enter opcode matches the redirect the login server
// sent; the client replays it here with its name attached.
const (
	opEnter     = 0x03
	opStats     = 0x08
	opHeartbeat = 0x10
)

var heartbeatReply = []byte{0xAA, 0x00, 0x07, 0x60, 0x00, 0x55, 0xE0, 0xD8, 0xA2, 0xA0}

// EnterFunc receives a freshly loaded character right after the
// directory hand-off. Write notifications are suppressed around the
// call so the whole entry batch flushes to the client as one write.
type EnterFunc func(sess *session.Session, table *codec.Table, rec *charstatus.Record)

// clientState rides on the session Data slot. The record is owned by
// the enter flow until entered is set; after that it is read-only and
// the save loops may pack it concurrently.
type clientState struct {
	name    string
	charID  uint32
	table   codec.Table
	record  *charstatus.Record
	entered bool
}

// Server is the map worker. It speaks the 0xAA client framing on its
// own listener and rides a single DirLink to the character directory.
type Server struct {
	cfg   *config.ServerConfig
	bus   *events.EventBus
	mgr   *session.Manager
	link  *DirLink
	auths *authStore
	key   [codec.KeySize]byte

	mu      sync.Mutex
	clients map[uint32]*session.Session

	enter EnterFunc
	relay func(cmd uint16, rec []byte)

	ctx context.Context
}

func NewServer(cfg *config.ServerConfig, bus *events.EventBus, mgr *session.Manager) *Server {
	s := &Server{
		cfg:     cfg,
		bus:     bus,
		mgr:     mgr,
		auths:   newAuthStore(authTTL),
		key:     codec.StaticKey(cfg.XorKey),
		clients: make(map[uint32]*session.Session),
	}
	s.enter = s.defaultEnter
	s.link = NewDirLink(cfg, bus, s.handleDirRecord)
	return s
}

// Link exposes the directory link for status surfaces.
func (s *Server) Link() *DirLink { return s.link }

// SetEnterFunc replaces the built-in entry batch. The embedded game
// logic hooks in here. Must be called before Run.
func (s *Server) SetEnterFunc(fn EnterFunc) { s.enter = fn }

// SetRelayFunc installs the consumer for board and mail answers
// arriving from the directory.
func (s *Server) SetRelayFunc(fn func(cmd uint16, rec []byte)) {
	s.mu.Lock()
	s.relay = fn
	s.mu.Unlock()
}

// ClientCount returns the number of sessions that finished entering.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// PendingAuths returns the number of unclaimed authorization tokens.
func (s *Server) PendingAuths() int { return s.auths.Len() }

// Run binds the client listener and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lc := session.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", s.cfg.MapAddr())
	if err != nil {
		return fmt.Errorf("failed to bind map listener: %w", err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	s.ctx = ctx
	s.mgr.SetDefaultCallbacks(session.Callbacks{
		Accept:   s.onAccept,
		Parse:    s.onParse,
		Shutdown: s.onShutdown,
	})

	log.Info().Stringer("addr", ln.Addr()).Uints16("maps", hostedMaps(s.cfg)).Msg("map server ready")
	s.bus.Emit(ctx, events.Event{
		Type:    events.EventServerStarted,
		Source:  "map",
		Payload: events.ServerPayload{Role: "map", Addr: ln.Addr().String()},
	})

	go s.mgr.Run(ctx)
	go s.link.ManageConnection(ctx)
	go s.sweepLoop(ctx)
	go s.saveLoop(ctx)

	return s.mgr.Serve(ctx, ln)
}

// onAccept attaches empty state and waits. Unlike the login server
// there is no banner: the redirect already told the client where it
// is, and the first move belongs to its enter packet.
func (s *Server) onAccept(sess *session.Session) {
	sess.SetData(&clientState{})
}

// onParse consumes one 0xAA frame per call. Malformed framing closes
// the session; malformed packet contents inside a valid frame do not.
func (s *Server) onParse(sess *session.Session) session.ParseStatus {
	if sess.EOF() != 0 {
		return session.ParseOK
	}
	avail := sess.Available()
	if avail < codec.HeaderSize {
		return session.ParseMore
	}

	magic, _ := sess.ReadU8(0)
	if magic != codec.FrameMagic {
		log.Warn().Int("fd", sess.FD()).Msg("bad frame magic, closing")
		sess.SetEOF(session.EOFServer)
		return session.ParseOK
	}
	hi, _ := sess.ReadU8(1)
	lo, _ := sess.ReadU8(2)
	plen := int(hi)<<8 | int(lo)
	total := codec.HeaderSize + plen
	if plen == 0 || total > session.MaxRData {
		log.Warn().Int("fd", sess.FD()).Int("len", plen).Msg("bad frame length, closing")
		sess.SetEOF(session.EOFServer)
		return session.ParseOK
	}
	if avail < total {
		return session.ParseMore
	}

	frame := make([]byte, total)
	sess.ReadBytes(0, frame)
	sess.Skip(total)
	s.handleFrame(sess, frame)
	return session.ParseOK
}

func (s *Server) handleFrame(sess *session.Session, frame []byte) {
	codec.CryptStatic(frame, s.key[:])

	cmd := frame[3]
	log.Debug().Int("fd", sess.FD()).Str("cmd", fmt.Sprintf("0x%02X", cmd)).Msg("client packet")

	switch cmd {
	case opEnter:
		s.handleEnter(sess, frame)
	case opHeartbeat:
		send(sess, heartbeatReply)
	default:
		log.Warn().Int("fd", sess.FD()).Str("cmd", fmt.Sprintf("0x%02X", cmd)).Msg("unknown client packet")
	}
}

// handleEnter admits a redirected client: claim the authorization the
// directory planted for its name, pull the character through the link,
// and run the entry batch. Any miss closes the session without a word;
// an unauthorized peer learns nothing about why.
func (s *Server) handleEnter(sess *session.Session, frame []byte) {
	st := state(sess)
	if st.entered {
		log.Warn().Int("fd", sess.FD()).Str("name", st.name).Msg("second enter packet, ignoring")
		return
	}

	// [5] name length, then the name, then the login-side session id.
	if len(frame) < 7 {
		return
	}
	nlen := int(frame[5])
	if nlen < 3 || nlen > interserver.NameLen || 6+nlen+4 > len(frame) {
		log.Warn().Int("fd", sess.FD()).Int("nlen", nlen).Msg("bad enter packet, closing")
		sess.SetEOF(session.EOFServer)
		return
	}
	name := string(frame[6 : 6+nlen])
	loginSID := binary.BigEndian.Uint32(frame[6+nlen : 10+nlen])

	entry, err := s.auths.Claim(name, clientOctets(sess))
	if err != nil {
		log.Warn().Int("fd", sess.FD()).Str("name", name).Stringer("addr", sess.Addr()).
			Err(err).Msg("enter refused")
		s.bus.Emit(s.ctx, events.Event{
			Type:    events.EventHandshakeRejected,
			Source:  "map",
			Payload: events.HandshakeRejectedPayload{Addr: sess.Addr().String(), Reason: err.Error()},
		})
		sess.SetEOF(session.EOFServer)
		return
	}

	sid := uint16(sess.FD())
	loadReq := interserver.LoadChar{SessionID: sid, CharID: entry.CharID, Name: name}
	rec, err := s.link.Load(sid, loadReq.Marshal())
	if err != nil {
		log.Error().Uint32("char_id", entry.CharID).Str("name", name).Err(err).Msg("character load failed")
		st.charID = entry.CharID // shutdown reports the logout
		sess.SetEOF(session.EOFServer)
		return
	}
	snap, err := interserver.ParseCharSnapshot(rec)
	if err != nil {
		log.Error().Uint32("char_id", entry.CharID).Err(err).Msg("bad snapshot record")
		st.charID = entry.CharID
		sess.SetEOF(session.EOFServer)
		return
	}
	record, err := charstatus.Unpack(snap.Compressed)
	if err != nil {
		log.Error().Uint32("char_id", entry.CharID).Err(err).Msg("snapshot did not unpack")
		st.charID = entry.CharID
		sess.SetEOF(session.EOFServer)
		return
	}

	st.name = name
	st.charID = entry.CharID
	st.record = record
	st.table = codec.PopulateTable([]byte(name))
	st.entered = true

	s.mu.Lock()
	s.clients[entry.CharID] = sess
	s.mu.Unlock()

	sess.SetSuppressNotify(true)
	s.enter(sess, &st.table, record)
	sess.SetSuppressNotify(false)

	log.Info().Int("fd", sess.FD()).Str("name", name).Uint32("char_id", entry.CharID).
		Uint32("login_sid", loginSID).Msg("character entered world")
}

// onShutdown settles the session's account with the directory. An
// entered character leaves through a save-and-quit; a claim that never
// finished entering still owes the directory a logout so its online
// entry does not strand.
func (s *Server) onShutdown(sess *session.Session) {
	st, ok := sess.Data().(*clientState)
	if !ok {
		return
	}
	if !st.entered {
		if st.charID != 0 {
			if err := s.link.Send(interserver.Logout{CharID: st.charID}.Marshal()); err != nil {
				log.Warn().Uint32("char_id", st.charID).Err(err).Msg("logout for aborted enter not sent")
			}
		}
		return
	}

	s.mu.Lock()
	if s.clients[st.charID] == sess {
		delete(s.clients, st.charID)
	}
	s.mu.Unlock()

	packed, err := charstatus.Pack(st.record)
	if err != nil {
		log.Error().Uint32("char_id", st.charID).Err(err).Msg("final save did not pack, sending bare logout")
		if err := s.link.Send(interserver.Logout{CharID: st.charID}.Marshal()); err != nil {
			log.Warn().Uint32("char_id", st.charID).Err(err).Msg("logout not sent")
		}
		return
	}
	if err := s.link.Send(interserver.SaveQuit(packed)); err != nil {
		log.Warn().Uint32("char_id", st.charID).Err(err).Msg("save-quit not sent, character state lost")
		return
	}
	log.Info().Str("name", st.name).Uint32("char_id", st.charID).Msg("character left world")
}

// handleDirRecord runs on the link's read goroutine. Snapshot replies
// never reach it; DirLink routes those to the waiting enter flow.
func (s *Server) handleDirRecord(cmd uint16, rec []byte) {
	switch cmd {
	case interserver.CmdMapListAck:
		ack, err := interserver.ParseMapListAck(rec)
		if err != nil {
			return
		}
		if want := len(hostedMaps(s.cfg)); int(ack.Accepted) < want {
			log.Warn().Uint16("accepted", ack.Accepted).Int("announced", want).
				Msg("directory rejected part of the map claim")
		} else {
			log.Debug().Uint16("accepted", ack.Accepted).Msg("map claim accepted")
		}
	case interserver.CmdAuthorize:
		auth, err := interserver.ParseAuthorize(rec)
		if err != nil {
			log.Warn().Err(err).Msg("bad authorize record")
			return
		}
		s.auths.Add(auth.Name, auth.CharID, auth.ClientIP)
		ack := interserver.AuthorizeAck{SessionID: auth.SessionID, CharID: auth.CharID, ClientIP: auth.ClientIP}
		if err := s.link.Send(ack.Marshal()); err != nil {
			log.Warn().Uint32("char_id", auth.CharID).Err(err).Msg("authorize ack not sent")
		}
		log.Debug().Str("name", auth.Name).Uint32("char_id", auth.CharID).Msg("expecting character")
	case interserver.CmdKick:
		kick, err := interserver.ParseKick(rec)
		if err != nil {
			return
		}
		s.kick(kick.CharID)
	default:
		s.mu.Lock()
		relay := s.relay
		s.mu.Unlock()
		if relay != nil {
			relay(cmd, rec)
			return
		}
		log.Debug().Str("cmd", fmt.Sprintf("0x%04X", cmd)).Int("len", len(rec)).Msg("directory answer unhandled")
	}
}

// kick disconnects a character on the directory's order. A kick for a
// character this worker does not host answers with a logout; that is
// how a stranded online entry on the directory heals itself.
func (s *Server) kick(charID uint32) {
	s.mu.Lock()
	sess := s.clients[charID]
	s.mu.Unlock()

	if sess == nil {
		if err := s.link.Send(interserver.Logout{CharID: charID}.Marshal()); err == nil {
			log.Info().Uint32("char_id", charID).Msg("kick for unknown character, reported logout")
		}
		return
	}
	log.Warn().Uint32("char_id", charID).Int("fd", sess.FD()).Msg("kicking character")
	sess.SetEOF(session.EOFServer)
}

// sweepLoop expires unclaimed authorization tokens.
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.auths.Sweep(); n > 0 {
				log.Debug().Int("expired", n).Msg("swept stale authorizations")
			}
		}
	}
}

// saveLoop pushes a periodic snapshot of every entered character to
// the directory so a worker crash loses at most one interval.
func (s *Server) saveLoop(ctx context.Context) {
	secs := s.cfg.SaveTime
	if secs <= 0 {
		secs = 60
	}
	ticker := time.NewTicker(time.Duration(secs) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.saveAll()
		}
	}
}

func (s *Server) saveAll() {
	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.clients))
	for _, sess := range s.clients {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		st, ok := sess.Data().(*clientState)
		if !ok || !st.entered {
			continue
		}
		packed, err := charstatus.Pack(st.record)
		if err != nil {
			log.Error().Uint32("char_id", st.charID).Err(err).Msg("periodic save did not pack")
			continue
		}
		if err := s.link.Send(interserver.SaveChar(packed)); err != nil {
			log.Warn().Uint32("char_id", st.charID).Err(err).Msg("periodic save not sent")
			return
		}
	}
}

// defaultEnter writes the minimal entry batch: the spawn ack with the
// saved position and a stats refresh, both under the character's
// dynamic key. The embedded game logic replaces this with the full
// spawn sequence via SetEnterFunc.
func (s *Server) defaultEnter(sess *session.Session, table *codec.Table, rec *charstatus.Record) {
	m := rec.Main
	x, y := m.X, m.Y
	if x == 0 && y == 0 {
		// rows saved before the first position write land on the town anchor
		x, y = 8, 7
	}

	entry := codec.NewFrame(opEnter).
		WriteU16BE(m.Map).
		WriteU16BE(x).
		WriteU16BE(y).
		WriteU8(m.Sex).
		WriteU8(m.Country).
		WriteU8(byte(len(m.Name))).
		WriteString(m.Name).
		SealDynamic(table)
	send(sess, entry)

	stats := codec.NewFrame(opStats).
		WriteU16BE(m.Level).
		WriteU32BE(m.HP).
		WriteU32BE(m.MP).
		WriteU32BE(m.Exp).
		WriteU32BE(m.Money).
		SealDynamic(table)
	send(sess, stats)
}

// send stages a complete packet on the session's write FIFO.
func send(sess *session.Session, pkt []byte) {
	if err := sess.WriteBytes(0, pkt); err != nil {
		return
	}
	sess.CommitWrite(len(pkt))
}

func state(sess *session.Session) *clientState {
	if st, ok := sess.Data().(*clientState); ok {
		return st
	}
	st := &clientState{}
	sess.SetData(st)
	return st
}

// clientOctets returns the peer's IPv4 octets in address order.
func clientOctets(sess *session.Session) [4]byte {
	raw := sess.AddrRaw()
	return [4]byte{byte(raw), byte(raw >> 8), byte(raw >> 16), byte(raw >> 24)}
}
