package login

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/seolan-project/seolan/internal/codec"
	"github.com/seolan-project/seolan/internal/config"
	"github.com/seolan-project/seolan/internal/db"
	"github.com/seolan-project/seolan/internal/events"
	"github.com/seolan-project/seolan/internal/interserver"
	"github.com/seolan-project/seolan/internal/protect"
	"github.com/seolan-project/seolan/internal/session"
)

// lockoutThreshold is the failed-password count that locks an address out.
const lockoutThreshold = 10

// patchURL is handed to clients whose version does not match.
const patchURL = "http://www.google.com"

// Notices sent during login gating. These bypass the language file.
const (
	maintenanceNotice = "Server is undergoing maintenance. Please visit www.website.com or the facebook group for more details."
	requireRegNotice  = "You must attach your character to an account to play.\n\nPlease visit www.website.com to attach your character to an account."
)

// clientState is the per-session scratch kept between the register packet
// and the avatar packet that finalizes creation.
type clientState struct {
	name string
	pass string
}

// Server is the login authority's public face: version negotiation,
// registration, authentication, password changes, and the meta file
// service, with the character directory doing the account work.
type Server struct {
	cfg   *config.ServerConfig
	msgs  config.Messages
	db    *db.Database
	bus   *events.EventBus
	mgr   *session.Manager
	guard *protect.DDoSGuard
	link  *CharLink
	meta  *MetaService
	key   [codec.KeySize]byte

	lockMu  sync.Mutex
	lockout map[uint32]uint32

	ctx context.Context
}

// NewServer wires a login server. database may be nil, which disables the
// ban, maintenance, and registration gates.
func NewServer(cfg *config.ServerConfig, msgs config.Messages, database *db.Database, bus *events.EventBus, mgr *session.Manager, guard *protect.DDoSGuard) *Server {
	return &Server{
		cfg:     cfg,
		msgs:    msgs,
		db:      database,
		bus:     bus,
		mgr:     mgr,
		guard:   guard,
		link:    NewCharLink(cfg, bus),
		meta:    NewMetaService(cfg.MetaDir, cfg.Meta),
		key:     codec.StaticKey(cfg.XorKey),
		lockout: make(map[uint32]uint32),
	}
}

// Link exposes the directory link, mainly for status surfaces.
func (s *Server) Link() *CharLink { return s.link }

// Run binds the client listener and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lc := session.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", s.cfg.LoginAddr())
	if err != nil {
		return fmt.Errorf("failed to bind login listener: %w", err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	s.ctx = ctx
	s.mgr.SetDefaultCallbacks(session.Callbacks{
		Accept: s.onAccept,
		Parse:  s.onParse,
	})

	log.Info().Stringer("addr", ln.Addr()).Msg("login server ready")
	s.bus.Emit(ctx, events.Event{
		Type:    events.EventServerStarted,
		Source:  "login",
		Payload: events.ServerPayload{Role: "login", Addr: ln.Addr().String()},
	})

	go s.mgr.Run(ctx)
	go s.link.ManageConnection(ctx)

	return s.mgr.Serve(ctx, ln)
}

// onAccept runs the address gates and greets the client with the banner.
func (s *Server) onAccept(sess *session.Session) {
	if tcp, ok := sess.Addr().(*net.TCPAddr); ok && s.db != nil {
		if s.db.IsIPBanned(tcp.IP.String()) {
			log.Info().Stringer("addr", sess.Addr()).Msg("refused banned address")
			sess.SetEOF(session.EOFServer)
			return
		}
	}
	sess.SetData(&clientState{})
	send(sess, Banner)
}

// onParse consumes one 0xAA frame per call. Malformed framing closes the
// session; malformed packet contents inside a valid frame do not.
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
	case opVersion:
		s.handleVersion(sess, frame)
	case opRegister:
		s.handleRegister(sess, frame)
	case opLogin:
		s.handleLogin(sess, frame)
	case opCreateChar:
		s.handleCreateChar(sess, frame)
	case opHeartbeat:
		send(sess, heartbeatReply)
	case opChangePass:
		s.handleChangePass(sess, frame)
	case 0x57, 0x62, 0x71:
		// legacy client chatter, no reply expected
	case opMeta:
		s.handleMeta(sess, frame)
	default:
		log.Warn().Int("fd", sess.FD()).Str("cmd", fmt.Sprintf("0x%02X", cmd)).Msg("unknown client packet")
	}
}

func (s *Server) handleVersion(sess *session.Session, frame []byte) {
	if len(frame) < 9 {
		return
	}
	ver := uint16(frame[4])<<8 | uint16(frame[5])
	deep := uint16(frame[7])<<8 | uint16(frame[8])
	log.Info().Int("fd", sess.FD()).Uint16("client_version", ver).Uint16("patch", deep).Msg("version check")

	if ver == uint16(s.cfg.Version) {
		send(sess, VersionOK(s.cfg.XorKey))
	} else {
		send(sess, VersionPatch(uint16(s.cfg.Version), patchURL))
	}
}

func (s *Server) handleRegister(sess *session.Session, frame []byte) {
	if len(frame) < 6 {
		return
	}
	nameLen := int(frame[5])
	if len(frame) < 6+nameLen+1 {
		return
	}
	name := trimNulls(string(frame[6 : 6+nameLen]))
	if !ValidName(name) {
		s.sendMessage(sess, MsgError, s.msgs[config.MsgErrUser])
		return
	}
	passLen := int(frame[6+nameLen])
	if len(frame) < 7+nameLen+passLen {
		return
	}
	pass := trimNulls(string(frame[7+nameLen : 7+nameLen+passLen]))
	if !ValidPassword(pass) {
		s.sendMessage(sess, MsgPassError, s.msgs[config.MsgErrPass])
		return
	}

	st := state(sess)
	st.name, st.pass = name, pass

	s.forward(sess, interserver.NameCheck{
		SessionID: uint16(sess.FD()),
		Name:      name,
	}.Marshal())
}

func (s *Server) handleLogin(sess *session.Session, frame []byte) {
	if len(frame) < 6 {
		return
	}
	nameLen := int(frame[5])
	if len(frame) < 6+nameLen+1 {
		return
	}
	name := trimNulls(string(frame[6 : 6+nameLen]))
	// historical quirk: login names go through the password validator
	if !ValidPassword(name) {
		s.sendMessage(sess, MsgError, s.msgs[config.MsgErrUser])
		return
	}
	passLen := int(frame[6+nameLen])
	if len(frame) < 7+nameLen+passLen {
		return
	}
	pass := trimNulls(string(frame[7+nameLen : 7+nameLen+passLen]))
	if !ValidPassword(pass) {
		s.sendMessage(sess, MsgPassError, s.msgs[config.MsgErrPass])
		return
	}

	if s.db != nil {
		if s.db.MaintenanceMode() && s.db.CharGMLevel(name) == 0 {
			s.sendMessage(sess, MsgError, maintenanceNotice)
			return
		}
		if s.cfg.RequireReg != 0 && s.db.AccountForChar(name) == 0 {
			s.sendMessage(sess, MsgError, requireRegNotice)
			return
		}
	}

	st := state(sess)
	st.name, st.pass = name, pass

	s.forward(sess, interserver.AuthChar{
		SessionID: uint16(sess.FD()),
		Name:      name,
		Pass:      pass,
		ClientIP:  clientOctets(sess),
	}.Marshal())
}

func (s *Server) handleCreateChar(sess *session.Session, frame []byte) {
	st := state(sess)
	if st.name == "" || st.pass == "" {
		return
	}
	if len(frame) < 13 {
		return
	}

	s.forward(sess, interserver.CreateChar{
		SessionID: uint16(sess.FD()),
		Name:      st.name,
		Pass:      st.pass,
		Face:      frame[6],
		Hair:      frame[7],
		FaceColor: frame[8],
		HairColor: frame[9],
		Sex:       frame[10],
		Totem:     frame[12],
		Country:   byte(time.Now().Nanosecond() % 2),
	}.Marshal())
}

func (s *Server) handleChangePass(sess *session.Session, frame []byte) {
	if len(frame) < 6 {
		return
	}
	nameLen := int(frame[5])
	if nameLen > interserver.NameLen || len(frame) < 6+nameLen+1 {
		return
	}
	name := trimNulls(string(frame[6 : 6+nameLen]))
	if !ValidPassword(name) {
		s.sendMessage(sess, MsgError, s.msgs[config.MsgErrUser])
		return
	}

	oldOff := 6 + nameLen
	oldLen := int(frame[oldOff])
	newOff := oldOff + 1 + oldLen
	if len(frame) <= newOff {
		return
	}
	oldPass := trimNulls(string(frame[oldOff+1 : oldOff+1+oldLen]))
	newLen := int(frame[newOff])
	if len(frame) < newOff+1+newLen {
		return
	}
	newPass := trimNulls(string(frame[newOff+1 : newOff+1+newLen]))

	if !ValidPassword(oldPass) || !ValidPassword(newPass) {
		s.sendMessage(sess, MsgPassError, s.msgs[config.MsgErrPass])
		return
	}

	st := state(sess)
	st.name = name

	s.forward(sess, interserver.ChangePass{
		SessionID: uint16(sess.FD()),
		Name:      name,
		OldPass:   oldPass,
		NewPass:   newPass,
	}.Marshal())
}

func (s *Server) handleMeta(sess *session.Session, frame []byte) {
	if len(frame) < 6 {
		return
	}
	switch frame[5] {
	case 0x00:
		if len(frame) < 7 {
			return
		}
		nameLen := int(frame[6])
		if len(frame) < 7+nameLen {
			return
		}
		name := trimNulls(string(frame[7 : 7+nameLen]))
		pkt, err := s.meta.FilePacket(name, s.key[:])
		if err != nil {
			log.Debug().Str("file", name).Err(err).Msg("meta file unavailable")
			return
		}
		send(sess, pkt)
	case 0x01:
		send(sess, s.meta.ListPacket(s.key[:]))
	}
}

// forward sends a record to the directory and answers the client from the
// response. The wait blocks this session's read goroutine only; the
// client protocol is strictly request/reply so nothing else is pending.
func (s *Server) forward(sess *session.Session, rec []byte) {
	resp, err := s.link.Request(uint16(sess.FD()), rec)
	if err != nil {
		log.Warn().Int("fd", sess.FD()).Err(err).Msg("directory request failed")
		s.sendMessage(sess, MsgError, s.msgs[config.MsgErrDB])
		return
	}
	s.dispatchCharResponse(sess, resp)
}

func (s *Server) dispatchCharResponse(sess *session.Session, rec []byte) {
	switch interserver.Cmd(rec) {
	case interserver.CmdNameResult:
		res, err := interserver.ParseSessionResult(rec)
		if err != nil {
			s.sendMessage(sess, MsgError, s.msgs[config.MsgErrDB])
			return
		}
		switch res.Result {
		case 0x00:
			// a single NUL advances the client to the avatar screen
			s.sendMessage(sess, MsgOK, "\x00")
			s.emitPlayer(events.EventAccountRegistered, sess, state(sess).name)
		case 0x01:
			s.sendMessage(sess, MsgError, s.msgs[config.MsgUserExists])
		default:
			s.sendMessage(sess, MsgError, s.msgs[config.MsgErrDB])
		}

	case interserver.CmdCreateResult:
		res, err := interserver.ParseSessionResult(rec)
		if err != nil {
			s.sendMessage(sess, MsgError, s.msgs[config.MsgErrDB])
			return
		}
		switch res.Result {
		case 0x00:
			s.sendMessage(sess, MsgOK, s.msgs[config.MsgNewChar])
			log.Info().Str("char", state(sess).name).Msg("character created")
			s.emitPlayer(events.EventCharCreated, sess, state(sess).name)
		case 0x01:
			s.sendMessage(sess, MsgError, s.msgs[config.MsgUserExists])
		default:
			s.sendMessage(sess, MsgError, s.msgs[config.MsgErrDB])
		}

	case interserver.CmdAuthResult:
		s.finishAuth(sess, rec)

	case interserver.CmdPassResult:
		res, err := interserver.ParseSessionResult(rec)
		if err != nil {
			s.sendMessage(sess, MsgError, s.msgs[config.MsgErrDB])
			return
		}
		switch res.Result {
		case 0x00:
			s.sendMessage(sess, MsgOK, s.msgs[config.MsgChgPass])
			s.emitPlayer(events.EventPasswordChanged, sess, state(sess).name)
		case 0x01:
			s.sendMessage(sess, MsgError, s.msgs[config.MsgErrDB])
		case 0x02:
			s.sendMessage(sess, MsgError, s.msgs[config.MsgWrongUser])
		case 0x03:
			s.sendMessage(sess, MsgError, s.msgs[config.MsgWrongPass])
		}

	default:
		log.Warn().Str("cmd", fmt.Sprintf("0x%04X", interserver.Cmd(rec))).Msg("unknown directory answer")
	}
}

func (s *Server) finishAuth(sess *session.Session, rec []byte) {
	ar, err := interserver.ParseAuthResult(rec)
	if err != nil {
		s.sendMessage(sess, MsgError, s.msgs[config.MsgErrDB])
		return
	}

	switch ar.Result {
	case 0x00:
		s.authSuccess(sess, ar)
	case 0x01:
		s.sendMessage(sess, MsgError, s.msgs[config.MsgErrDB])
	case 0x02:
		s.sendMessage(sess, MsgError, s.msgs[config.MsgWrongUser])
	case 0x03:
		s.sendMessage(sess, MsgError, s.msgs[config.MsgWrongPass])
		s.addFailure(sess)
	case 0x04:
		s.sendMessage(sess, MsgError, s.msgs[config.MsgBanned])
	case 0x05:
		s.sendMessage(sess, MsgError, s.msgs[config.MsgErrServer])
	case 0x06:
		s.sendMessage(sess, MsgError, s.msgs[config.MsgDblLogin])
	default:
		log.Warn().Int("fd", sess.FD()).Uint8("result", ar.Result).Msg("unknown auth result")
	}
}

// authSuccess emits the session-ok packet and the redirect pointing the
// client at the worker hosting its character.
func (s *Server) authSuccess(sess *session.Session, ar interserver.AuthResult) {
	send(sess, SessionOK(s.key[:]))
	send(sess, Redirect(ar.MapIP, ar.MapPort, ar.CharName, s.cfg.XorKey, uint32(sess.FD())))

	s.clearFailures(sess.AddrRaw())

	if tcp, ok := sess.Addr().(*net.TCPAddr); ok && s.db != nil {
		go s.db.UpdateLastIP(ar.CharName, tcp.IP.String())
	}

	log.Info().Str("char", ar.CharName).Stringer("addr", sess.Addr()).Msg("login authorized")
	s.emitPlayer(events.EventPlayerAuthorized, sess, ar.CharName)
}

// countFailure records one failed password against an address and reports
// whether it crossed the lockout threshold. Crossing resets the counter,
// so the guard's auto-reset window gives the address a fresh start.
func (s *Server) countFailure(raw uint32) (uint32, bool) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	s.lockout[raw]++
	fails := s.lockout[raw]
	if fails >= lockoutThreshold {
		delete(s.lockout, raw)
		return fails, true
	}
	return fails, false
}

func (s *Server) addFailure(sess *session.Session) {
	fails, locked := s.countFailure(sess.AddrRaw())
	if !locked {
		return
	}
	if s.guard != nil {
		s.guard.AddLockout(sess.AddrRaw())
	}
	log.Warn().Stringer("addr", sess.Addr()).Uint32("fails", fails).Msg("address locked out")
	s.bus.Emit(s.ctx, events.Event{
		Type:    events.EventClientLockout,
		Source:  "login",
		Payload: events.LockoutPayload{Addr: sess.Addr().String(), Fails: fails},
	})
}

func (s *Server) clearFailures(raw uint32) {
	s.lockMu.Lock()
	delete(s.lockout, raw)
	s.lockMu.Unlock()
}

func (s *Server) sendMessage(sess *session.Session, code byte, text string) {
	send(sess, BuildMessage(code, text, s.key[:]))
}

func (s *Server) emitPlayer(t events.EventType, sess *session.Session, name string) {
	s.bus.Emit(s.ctx, events.Event{
		Type:   t,
		Source: "login",
		Payload: events.PlayerPayload{
			SessionID: uint16(sess.FD()),
			Name:      name,
			Addr:      sess.Addr().String(),
		},
	})
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

func trimNulls(s string) string {
	return strings.TrimRight(s, "\x00")
}
