package char

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/seolan-project/seolan/internal/charstatus"
	"github.com/seolan-project/seolan/internal/events"
	"github.com/seolan-project/seolan/internal/interserver"
)

const workerHelloLen = 72

// Worker is one attached map worker. idx is its slot in Server.workers
// and doubles as the server index handed back in the hello answer.
// maps is only touched under Server.mu; the write mutex covers conn.
type Worker struct {
	idx   int
	conn  net.Conn
	mu    sync.Mutex
	ip    [4]byte
	port  uint16
	maps  []uint16
	since time.Time
}

func (w *Worker) send(rec []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return interserver.WriteRecord(w.conn, rec)
}

// handleWorkerLink finishes the worker handshake started by classify,
// assigns a slot, and serves 0x30xx records until the link drops.
func (s *Server) handleWorkerLink(ctx context.Context, conn net.Conn, head [2]byte) {
	rec := make([]byte, workerHelloLen)
	rec[0], rec[1] = head[0], head[1]
	if _, err := io.ReadFull(conn, rec[2:]); err != nil {
		conn.Close()
		return
	}
	hello, err := interserver.ParseWorkerHello(rec)
	if err != nil {
		s.rejectHandshake(conn, "bad worker hello", nil)
		return
	}
	if hello.ID != s.cfg.CharID || hello.Password != s.cfg.CharPW {
		s.rejectHandshake(conn, "bad worker credentials", interserver.HelloResult{Result: 1}.Marshal())
		return
	}

	w := &Worker{conn: conn, ip: hello.IP, port: hello.Port, since: time.Now()}
	idx := s.attachWorker(w)
	conn.SetReadDeadline(time.Time{})
	if err := w.send(interserver.HelloResult{Result: 0, ServerIdx: byte(idx)}.Marshal()); err != nil {
		s.detachWorker(w)
		return
	}

	addr := conn.RemoteAddr().String()
	log.Info().Str("addr", addr).Int("server_idx", idx).Msg("map worker attached")
	s.bus.Emit(ctx, events.Event{
		Type:    events.EventWorkerAttached,
		Source:  "char",
		Payload: events.WorkerPayload{ServerIdx: idx, Addr: addr},
	})

	s.workerReadLoop(ctx, w)
}

// attachWorker claims the lowest free slot, growing the table when all
// slots are live. Detached slots are reused so indices stay small.
func (s *Server) attachWorker(w *Worker) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.workers {
		if cur == nil {
			w.idx = i
			s.workers[i] = w
			return i
		}
	}
	w.idx = len(s.workers)
	s.workers = append(s.workers, w)
	return w.idx
}

// detachWorker frees the slot and forgets every character the worker
// was hosting. Their DB online flags are cleared in one statement so a
// worker crash cannot strand characters in the online state.
func (s *Server) detachWorker(w *Worker) {
	s.mu.Lock()
	current := w.idx < len(s.workers) && s.workers[w.idx] == w
	var orphans []uint32
	if current {
		s.workers[w.idx] = nil
		for id, e := range s.online {
			if e.WorkerIdx == w.idx {
				orphans = append(orphans, id)
				delete(s.online, id)
			}
		}
	}
	s.mu.Unlock()
	w.conn.Close()
	if !current {
		return
	}

	if len(orphans) > 0 && s.db != nil {
		if err := s.db.ResetOnlineFor(orphans); err != nil {
			log.Warn().Err(err).Int("chars", len(orphans)).Msg("failed to reset online flags")
		}
	}
	log.Info().Int("server_idx", w.idx).Int("chars", len(orphans)).Msg("map worker detached")
	s.bus.Emit(s.ctx, events.Event{
		Type:    events.EventWorkerDetached,
		Source:  "char",
		Payload: events.WorkerPayload{ServerIdx: w.idx, Addr: w.conn.RemoteAddr().String(), Maps: w.maps},
	})
}

// workerForMap returns the live worker hosting a map, lowest slot
// first. Callers hold s.mu.
func (s *Server) workerForMap(mapID uint32) *Worker {
	for _, w := range s.workers {
		if w == nil {
			continue
		}
		for _, m := range w.maps {
			if uint32(m) == mapID {
				return w
			}
		}
	}
	return nil
}

func (s *Server) workerReadLoop(ctx context.Context, w *Worker) {
	defer s.detachWorker(w)
	for {
		rec, err := interserver.ReadRecord(w.conn, interserver.WorkerToCharLens)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Int("server_idx", w.idx).Msg("worker link read failed")
			}
			return
		}
		switch interserver.Cmd(rec) {
		case interserver.CmdWorkerHello:
			log.Warn().Int("server_idx", w.idx).Msg("repeat hello ignored")
		case interserver.CmdMapList:
			s.handleMapList(w, rec)
		case interserver.CmdAuthorizeAck:
			s.handleAuthorizeAck(w, rec)
		case interserver.CmdLoadChar:
			s.handleLoadChar(w, rec)
		case interserver.CmdSaveChar:
			s.handleSaveChar(w, rec, false)
		case interserver.CmdSaveQuit:
			s.handleSaveChar(w, rec, true)
		case interserver.CmdLogout:
			s.handleLogout(w, rec)
		case interserver.CmdDeletePost:
			s.handleDeletePost(w, rec)
		case interserver.CmdShowBoard:
			s.handleShowBoard(w, rec)
		case interserver.CmdReadPost:
			s.handleReadPost(w, rec)
		case interserver.CmdOnlineListReq:
			s.handleOnlineList(w, rec)
		case interserver.CmdMailWrite:
			s.handleMailWrite(w, rec)
		case interserver.CmdBoardWrite:
			s.handleBoardWrite(w, rec)
		case interserver.CmdMailCheck:
			s.handleMailCheck(w, rec)
		case interserver.CmdReadPostEcho:
			s.broadcastEcho(w, rec)
		}
	}
}

// handleMapList installs a worker's map claims, dropping any id already
// owned by another live worker. The ack carries the accepted count so
// the worker can log the rejects.
func (s *Server) handleMapList(w *Worker, rec []byte) {
	list, err := interserver.ParseMapList(rec)
	if err != nil {
		log.Warn().Err(err).Int("server_idx", w.idx).Msg("bad map list")
		return
	}

	s.mu.Lock()
	accepted := make([]uint16, 0, len(list.MapIDs))
	for _, id := range list.MapIDs {
		if owner := s.mapOwner(id); owner != nil && owner != w {
			log.Warn().Uint16("map", id).Int("server_idx", w.idx).Int("owner_idx", owner.idx).
				Msg("map already claimed")
			continue
		}
		accepted = append(accepted, id)
	}
	w.maps = accepted
	s.mu.Unlock()

	log.Info().Int("server_idx", w.idx).Int("maps", len(accepted)).Int("rejected", len(list.MapIDs)-len(accepted)).
		Msg("map list registered")
	if err := w.send(interserver.MapListAck{Accepted: uint16(len(accepted))}.Marshal()); err != nil {
		log.Warn().Err(err).Int("server_idx", w.idx).Msg("failed to ack map list")
	}
}

// mapOwner returns the live worker claiming a map id. Callers hold s.mu.
func (s *Server) mapOwner(id uint16) *Worker {
	for _, w := range s.workers {
		if w == nil {
			continue
		}
		for _, m := range w.maps {
			if m == id {
				return w
			}
		}
	}
	return nil
}

func (s *Server) handleAuthorizeAck(w *Worker, rec []byte) {
	ack, err := interserver.ParseAuthorizeAck(rec)
	if err != nil {
		log.Warn().Err(err).Int("server_idx", w.idx).Msg("bad authorize ack")
		return
	}
	log.Debug().Uint16("session", ack.SessionID).Uint32("char_id", ack.CharID).
		Int("server_idx", w.idx).Msg("worker accepted authorize")
}

// handleLoadChar answers a snapshot request. Load failures are only
// logged; the worker times the client out on its own.
func (s *Server) handleLoadChar(w *Worker, rec []byte) {
	req, err := interserver.ParseLoadChar(rec)
	if err != nil {
		log.Warn().Err(err).Int("server_idx", w.idx).Msg("bad load record")
		return
	}
	if s.snaps == nil {
		log.Warn().Uint32("char_id", req.CharID).Msg("snapshot load without database")
		return
	}
	record, err := s.snaps.Load(req.CharID)
	if err != nil {
		log.Error().Err(err).Uint32("char_id", req.CharID).Str("name", req.Name).Msg("snapshot load failed")
		return
	}
	compressed, err := charstatus.Pack(record)
	if err != nil {
		log.Error().Err(err).Uint32("char_id", req.CharID).Msg("snapshot pack failed")
		return
	}
	snap := interserver.CharSnapshot{SessionID: req.SessionID, Compressed: compressed}
	if err := w.send(snap.Marshal()); err != nil {
		log.Warn().Err(err).Int("server_idx", w.idx).Msg("failed to send snapshot")
	}
}

// handleSaveChar persists an uploaded snapshot. quit saves also tear
// down the online entry, matching the worker-side quit flow.
func (s *Server) handleSaveChar(w *Worker, rec []byte, quit bool) {
	data, err := interserver.SnapshotData(rec)
	if err != nil {
		log.Warn().Err(err).Int("server_idx", w.idx).Msg("bad save record")
		return
	}
	record, err := charstatus.Unpack(data)
	if err != nil {
		log.Warn().Err(err).Int("server_idx", w.idx).Msg("snapshot rejected")
		return
	}
	if s.snaps != nil {
		if err := s.snaps.Save(record); err != nil {
			log.Error().Err(err).Uint32("char_id", record.Main.ID).Str("name", record.Main.Name).
				Msg("snapshot save failed")
		}
	}
	s.bus.Emit(s.ctx, events.Event{
		Type:   events.EventCharSaved,
		Source: "char",
		Payload: events.CharSavedPayload{
			CharID: record.Main.ID,
			Name:   record.Main.Name,
			Bytes:  len(data),
			Quit:   quit,
		},
	})
	if quit {
		s.finishLogout(record.Main.ID)
	}
}

func (s *Server) handleLogout(w *Worker, rec []byte) {
	out, err := interserver.ParseLogout(rec)
	if err != nil {
		log.Warn().Err(err).Int("server_idx", w.idx).Msg("bad logout record")
		return
	}
	s.finishLogout(out.CharID)
}

// finishLogout clears the online entry and DB flag for a character.
// A missing entry is normal after a worker detach already swept it.
func (s *Server) finishLogout(charID uint32) {
	entry := s.releaseOnline(charID)
	if entry == nil {
		return
	}
	if s.db != nil {
		if err := s.db.SetOnline(charID, false); err != nil {
			log.Warn().Err(err).Uint32("char_id", charID).Msg("failed to clear online flag")
		}
	}
	log.Info().Str("name", entry.CharName).Uint32("char_id", charID).Msg("character logged out")
	s.bus.Emit(s.ctx, events.Event{
		Type:    events.EventPlayerOffline,
		Source:  "char",
		Payload: events.PlayerPayload{CharID: charID, Name: entry.CharName},
	})
}
