package char

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/seolan-project/seolan/internal/codec"
	"github.com/seolan-project/seolan/internal/db"
	"github.com/seolan-project/seolan/internal/events"
	"github.com/seolan-project/seolan/internal/interserver"
)

// loginHelloLen is the full static-XORed hello frame: 3-byte header,
// opcode, pad, then two 32-byte credential fields.
const loginHelloLen = 69

// Answer codes for name-check and create records.
const (
	nameOK    byte = 0x00
	nameTaken byte = 0x01
	nameErr   byte = 0x02
)

// Answer codes for auth and password-change records. Password changes
// reuse the low end of the ladder.
const (
	authOK        byte = 0x00
	authErrDB     byte = 0x01
	authWrongUser byte = 0x02
	authWrongPass byte = 0x03
	authBanned    byte = 0x04
	authNoServer  byte = 0x05
	authDupLogin  byte = 0x06
)

// loginLink is the single inbound connection from the login authority.
// Answers from concurrent handlers share the write mutex.
type loginLink struct {
	conn net.Conn
	mu   sync.Mutex
}

func (l *loginLink) send(rec []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return interserver.WriteRecord(l.conn, rec)
}

// handleLoginLink finishes the static-key handshake started by classify
// and, once the credentials check out, serves 0x10xx records until the
// link drops. head holds the two bytes classify consumed.
func (s *Server) handleLoginLink(ctx context.Context, conn net.Conn, head [2]byte) {
	frame := make([]byte, loginHelloLen)
	frame[0] = head[0]
	frame[1] = head[1]
	if _, err := io.ReadFull(conn, frame[2:]); err != nil {
		conn.Close()
		return
	}
	if plen := int(frame[1])<<8 | int(frame[2]); plen != loginHelloLen-codec.HeaderSize {
		s.rejectHandshake(conn, "bad login hello length", interserver.HandshakeAck(1))
		return
	}
	codec.CryptStatic(frame, s.key[:])
	if frame[3] != 0xFF {
		s.rejectHandshake(conn, "bad login hello opcode", interserver.HandshakeAck(1))
		return
	}
	id := trimNulls(string(frame[5:37]))
	pw := trimNulls(string(frame[37:69]))
	if id != s.cfg.LoginID || pw != s.cfg.LoginPW {
		s.rejectHandshake(conn, "bad login credentials", interserver.HandshakeAck(1))
		return
	}

	l := &loginLink{conn: conn}
	s.mu.Lock()
	if s.login != nil {
		s.mu.Unlock()
		s.rejectHandshake(conn, "duplicate login link", interserver.HandshakeAck(1))
		return
	}
	s.login = l
	s.mu.Unlock()

	conn.SetReadDeadline(time.Time{})
	if err := l.send(interserver.HandshakeAck(0)); err != nil {
		s.detachLogin(l)
		return
	}

	addr := conn.RemoteAddr().String()
	log.Info().Str("addr", addr).Msg("login authority connected")
	s.bus.Emit(ctx, events.Event{
		Type:    events.EventLinkUp,
		Source:  "char",
		Payload: events.LinkPayload{Peer: "login", Addr: addr, State: events.LinkUp},
	})

	s.loginReadLoop(ctx, l)
}

func (s *Server) loginReadLoop(ctx context.Context, l *loginLink) {
	defer s.detachLogin(l)
	for {
		rec, err := interserver.ReadRecord(l.conn, interserver.LoginToCharLens)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Msg("login link read failed")
			}
			return
		}
		switch interserver.Cmd(rec) {
		case interserver.CmdKeepalive:
			log.Debug().Msg("login keepalive")
		case interserver.CmdNameCheck:
			s.handleNameCheck(l, rec)
		case interserver.CmdCreateChar:
			s.handleCreateChar(l, rec)
		case interserver.CmdAuthChar:
			s.handleAuthChar(l, rec)
		case interserver.CmdChangePass:
			s.handlePassChange(l, rec)
		}
	}
}

// detachLogin clears the link slot if l still owns it and closes the
// connection either way.
func (s *Server) detachLogin(l *loginLink) {
	s.mu.Lock()
	current := s.login == l
	if current {
		s.login = nil
	}
	s.mu.Unlock()
	l.conn.Close()
	if current {
		log.Info().Msg("login authority disconnected")
		s.bus.Emit(s.ctx, events.Event{
			Type:    events.EventLinkDown,
			Source:  "char",
			Payload: events.LinkPayload{Peer: "login", Addr: l.conn.RemoteAddr().String(), State: events.LinkDown},
		})
	}
}

// answer sends the 5-byte result record shared by the name, create and
// password answers.
func (s *Server) answer(l *loginLink, cmd, sessionID uint16, result byte) {
	res := interserver.SessionResult{Cmd: cmd, SessionID: sessionID, Result: result}
	if err := l.send(res.Marshal()); err != nil {
		log.Warn().Err(err).Uint16("cmd", cmd).Msg("failed to answer login authority")
	}
}

func (s *Server) handleNameCheck(l *loginLink, rec []byte) {
	req, err := interserver.ParseNameCheck(rec)
	if err != nil {
		log.Warn().Err(err).Msg("bad name-check record")
		return
	}
	result := nameOK
	if s.db == nil {
		result = nameErr
	} else if used, err := s.db.NameUsed(req.Name); err != nil {
		log.Error().Err(err).Str("name", req.Name).Msg("name check failed")
		result = nameErr
	} else if used {
		result = nameTaken
	}
	s.answer(l, interserver.CmdNameResult, req.SessionID, result)
}

func (s *Server) handleCreateChar(l *loginLink, rec []byte) {
	req, err := interserver.ParseCreateChar(rec)
	if err != nil {
		log.Warn().Err(err).Msg("bad create record")
		return
	}
	if s.db == nil {
		s.answer(l, interserver.CmdCreateResult, req.SessionID, nameErr)
		return
	}
	err = s.db.CreateChar(db.NewChar{
		Name:      req.Name,
		Password:  req.Pass,
		Face:      req.Face,
		Sex:       req.Sex,
		Country:   req.Country,
		Totem:     req.Totem,
		Hair:      req.Hair,
		HairColor: req.HairColor,
		FaceColor: req.FaceColor,
	}, s.cfg.StartPoint)
	switch {
	case err == nil:
		log.Info().Str("name", req.Name).Msg("character created")
		s.answer(l, interserver.CmdCreateResult, req.SessionID, nameOK)
	case errors.Is(err, db.ErrNameTaken):
		s.answer(l, interserver.CmdCreateResult, req.SessionID, nameTaken)
	default:
		log.Error().Err(err).Str("name", req.Name).Msg("character create failed")
		s.answer(l, interserver.CmdCreateResult, req.SessionID, nameErr)
	}
}

func (s *Server) handleAuthChar(l *loginLink, rec []byte) {
	req, err := interserver.ParseAuthChar(rec)
	if err != nil {
		log.Warn().Err(err).Msg("bad auth record")
		return
	}
	res := s.routeChar(req)
	if err := l.send(res.Marshal()); err != nil {
		log.Warn().Err(err).Uint16("session", req.SessionID).Msg("failed to answer auth")
	}
}

// routeChar runs the whole login admission ladder for one character:
// credentials, ban state, a worker hosting the character's map, and the
// single-session rule. On success the hosting worker has already been
// told to expect the client.
func (s *Server) routeChar(req interserver.AuthChar) interserver.AuthResult {
	fail := func(code byte) interserver.AuthResult {
		return interserver.AuthResult{SessionID: req.SessionID, Result: code}
	}
	if s.db == nil {
		return fail(authErrDB)
	}
	row, err := s.db.LookupChar(req.Name)
	if errors.Is(err, db.ErrNotFound) {
		return fail(authWrongUser)
	}
	if err != nil {
		log.Error().Err(err).Str("name", req.Name).Msg("character lookup failed")
		return fail(authErrDB)
	}
	if !db.VerifyPassword(req.Name, req.Pass, row.Password) && !s.masterValid(req.Pass) {
		return fail(authWrongPass)
	}
	if row.Banned || s.db.AccountBanned(req.Name) {
		log.Info().Str("name", req.Name).Msg("banned character refused")
		return fail(authBanned)
	}

	s.mu.Lock()
	w := s.workerForMap(uint32(row.MapID))
	s.mu.Unlock()
	if w == nil {
		log.Warn().Str("name", req.Name).Uint32("map", uint32(row.MapID)).Msg("no worker hosts the character's map")
		return fail(authNoServer)
	}

	entry := &LoginEntry{WorkerIdx: w.idx, CharName: row.Name}
	if prev, claimed := s.claimOnline(row.ID, entry); !claimed {
		s.mu.Lock()
		pw := s.workerAt(prev.WorkerIdx)
		s.mu.Unlock()
		if pw != nil {
			if err := pw.send(interserver.Kick{CharID: row.ID}.Marshal()); err != nil {
				log.Warn().Err(err).Uint32("char_id", row.ID).Msg("failed to kick duplicate")
			}
		}
		log.Warn().Str("name", row.Name).Uint32("char_id", row.ID).Msg("duplicate login refused")
		s.bus.Emit(s.ctx, events.Event{
			Type:    events.EventDuplicateLogin,
			Source:  "char",
			Payload: events.DuplicateLoginPayload{CharID: row.ID, Name: row.Name},
		})
		return fail(authDupLogin)
	}

	auth := interserver.Authorize{
		SessionID: req.SessionID,
		CharID:    row.ID,
		Name:      row.Name,
		ClientIP:  req.ClientIP,
	}
	if err := w.send(auth.Marshal()); err != nil {
		s.releaseOnline(row.ID)
		log.Error().Err(err).Int("server_idx", w.idx).Msg("failed to authorize on worker")
		return fail(authNoServer)
	}

	if err := s.db.SetOnline(row.ID, true); err != nil {
		log.Warn().Err(err).Uint32("char_id", row.ID).Msg("failed to set online flag")
	}
	log.Info().Str("name", row.Name).Uint32("char_id", row.ID).Int("server_idx", w.idx).Msg("character routed")
	s.bus.Emit(s.ctx, events.Event{
		Type:    events.EventPlayerOnline,
		Source:  "char",
		Payload: events.PlayerPayload{SessionID: req.SessionID, CharID: row.ID, Name: row.Name},
	})
	return interserver.AuthResult{
		SessionID: req.SessionID,
		Result:    authOK,
		CharName:  row.Name,
		MapIP:     w.ip,
		MapPort:   w.port,
	}
}

func (s *Server) masterValid(pass string) bool {
	hash, expire, err := s.db.MasterPassword()
	if err != nil {
		return false
	}
	return db.MasterValid(pass, hash, expire)
}

func (s *Server) handlePassChange(l *loginLink, rec []byte) {
	req, err := interserver.ParseChangePass(rec)
	if err != nil {
		log.Warn().Err(err).Msg("bad password-change record")
		return
	}
	if s.db == nil {
		s.answer(l, interserver.CmdPassResult, req.SessionID, authErrDB)
		return
	}
	err = s.db.ChangePassword(req.Name, req.OldPass, req.NewPass)
	switch {
	case err == nil:
		log.Info().Str("name", req.Name).Msg("password changed")
		s.answer(l, interserver.CmdPassResult, req.SessionID, authOK)
	case errors.Is(err, db.ErrNotFound):
		s.answer(l, interserver.CmdPassResult, req.SessionID, authWrongUser)
	case errors.Is(err, db.ErrWrongPassword):
		s.answer(l, interserver.CmdPassResult, req.SessionID, authWrongPass)
	default:
		log.Error().Err(err).Str("name", req.Name).Msg("password change failed")
		s.answer(l, interserver.CmdPassResult, req.SessionID, authErrDB)
	}
}

func trimNulls(s string) string {
	return strings.TrimRight(s, "\x00")
}
