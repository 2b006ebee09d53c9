package char

import (
	"github.com/rs/zerolog/log"

	"github.com/seolan-project/seolan/internal/db"
	"github.com/seolan-project/seolan/internal/interserver"
)

// Board id 0 is the personal mailbox; every other id is a shared board.
// Workers send one record shape for both and the directory splits on
// the id, mirroring the Boards/Mail table split.
const mailboxBoard = 0

const (
	deleteOK     byte = 0x00
	deleteFailed byte = 0x01
)

func (s *Server) handleDeletePost(w *Worker, rec []byte) {
	req, err := interserver.ParseDeletePost(rec)
	if err != nil {
		log.Warn().Err(err).Int("server_idx", w.idx).Msg("bad delete record")
		return
	}
	result := deleteOK
	if s.boards == nil {
		result = deleteFailed
	} else if req.NMail != 0 {
		err = s.boards.DeleteMail(req.CharID, req.Post, req.CharID, uint32(req.GMLevel), req.Name)
	} else {
		err = s.boards.DeletePost(req.Board, req.Post, req.CharID, uint32(req.GMLevel))
	}
	if err != nil {
		log.Info().Err(err).Uint16("board", req.Board).Uint16("post", req.Post).
			Str("name", req.Name).Msg("delete refused")
		result = deleteFailed
	}
	ans := interserver.DeletePostResult{Board: req.Board, Result: result}
	if err := w.send(ans.Marshal()); err != nil {
		log.Warn().Err(err).Int("server_idx", w.idx).Msg("failed to answer delete")
	}
}

// handleShowBoard answers with one page of listings. DB failures come
// back as an empty page so the client still gets its screen.
func (s *Server) handleShowBoard(w *Worker, rec []byte) {
	req, err := interserver.ParseShowBoard(rec)
	if err != nil {
		log.Warn().Err(err).Int("server_idx", w.idx).Msg("bad board-list record")
		return
	}
	var summaries []db.PostSummary
	if s.boards != nil {
		if req.Board == mailboxBoard {
			summaries, err = s.boards.ListMail(req.CharID, req.Page)
		} else {
			summaries, err = s.boards.ListPosts(req.Board, req.Page)
		}
		if err != nil {
			log.Error().Err(err).Uint16("board", req.Board).Msg("board list failed")
			summaries = nil
		}
	}
	rows := make([]interserver.BoardRow, len(summaries))
	for i, p := range summaries {
		rows[i] = interserver.BoardRow{PostID: p.Post, Author: p.Author, Title: p.Title}
	}
	ans := interserver.BoardRows{Board: req.Board, CharID: req.CharID, Rows: rows}
	if err := w.send(ans.Marshal()); err != nil {
		log.Warn().Err(err).Int("server_idx", w.idx).Msg("failed to send board rows")
	}
}

func (s *Server) handleReadPost(w *Worker, rec []byte) {
	req, err := interserver.ParseReadPost(rec)
	if err != nil {
		log.Warn().Err(err).Int("server_idx", w.idx).Msg("bad read record")
		return
	}
	if s.boards == nil {
		return
	}
	var post *db.Post
	if req.Board == mailboxBoard {
		post, err = s.boards.ReadMail(req.CharID, req.Post)
	} else {
		post, err = s.boards.ReadPost(req.Board, req.Post)
	}
	if err != nil {
		log.Info().Err(err).Uint16("board", req.Board).Uint16("post", req.Post).Msg("post read failed")
		return
	}
	body := interserver.PostBody{
		CharID: req.CharID,
		Board:  req.Board,
		Post:   post.Post,
		Author: post.Author,
		Title:  post.Title,
		Body:   post.Body,
	}
	if err := w.send(body.Marshal()); err != nil {
		log.Warn().Err(err).Int("server_idx", w.idx).Msg("failed to send post body")
	}
}

func (s *Server) handleOnlineList(w *Worker, rec []byte) {
	req, err := interserver.ParseOnlineListReq(rec)
	if err != nil {
		log.Warn().Err(err).Int("server_idx", w.idx).Msg("bad online-list record")
		return
	}
	ans := interserver.OnlineList{SessionID: req.SessionID, Names: s.onlineNames()}
	if err := w.send(ans.Marshal()); err != nil {
		log.Warn().Err(err).Int("server_idx", w.idx).Msg("failed to send online list")
	}
}

// handleMailWrite stores a mail and pings the recipient's worker when
// the recipient is online. The sender only hears back on success.
func (s *Server) handleMailWrite(w *Worker, rec []byte) {
	req, err := interserver.ParseMailWrite(rec)
	if err != nil {
		log.Warn().Err(err).Int("server_idx", w.idx).Msg("bad mail record")
		return
	}
	if s.db == nil || s.boards == nil {
		return
	}
	to, err := s.db.LookupChar(req.To)
	if err != nil {
		log.Info().Err(err).Str("to", req.To).Str("from", req.From).Msg("mail to unknown character")
		return
	}
	from, err := s.db.LookupChar(req.From)
	if err != nil {
		log.Warn().Err(err).Str("from", req.From).Msg("mail from unknown character")
		return
	}
	if _, err := s.boards.WriteMail(to.ID, from.ID, req.From, req.Title, req.Body); err != nil {
		log.Error().Err(err).Str("to", req.To).Msg("mail write failed")
		return
	}
	if err := w.send(interserver.MailWriteReceipt(from.ID)); err != nil {
		log.Warn().Err(err).Int("server_idx", w.idx).Msg("failed to send mail receipt")
	}
	if host := s.hostingWorker(to.ID); host != nil {
		if err := host.send(interserver.MailNotify(to.ID)); err != nil {
			log.Warn().Err(err).Int("server_idx", host.idx).Msg("failed to notify recipient")
		}
	}
}

func (s *Server) handleBoardWrite(w *Worker, rec []byte) {
	req, err := interserver.ParseBoardWrite(rec)
	if err != nil {
		log.Warn().Err(err).Int("server_idx", w.idx).Msg("bad board-write record")
		return
	}
	if s.boards == nil || req.Board == mailboxBoard {
		return
	}
	if _, err := s.boards.WritePost(req.Board, req.CharID, req.Name, req.Title, req.Body); err != nil {
		log.Error().Err(err).Uint16("board", req.Board).Str("name", req.Name).Msg("board write failed")
		return
	}
	if err := w.send(interserver.BoardWriteReceipt(req.CharID)); err != nil {
		log.Warn().Err(err).Int("server_idx", w.idx).Msg("failed to send board receipt")
	}
}

func (s *Server) handleMailCheck(w *Worker, rec []byte) {
	req, err := interserver.ParseMailCheck(rec)
	if err != nil {
		log.Warn().Err(err).Int("server_idx", w.idx).Msg("bad mail-check record")
		return
	}
	if s.db == nil || s.boards == nil {
		return
	}
	row, err := s.db.LookupChar(req.Name)
	if err != nil {
		log.Info().Err(err).Str("name", req.Name).Msg("mail check for unknown character")
		return
	}
	unread, err := s.boards.UnreadMail(row.ID)
	if err != nil {
		log.Error().Err(err).Str("name", req.Name).Msg("mail check failed")
		return
	}
	var flag uint16
	if unread {
		flag = 1
	}
	ans := interserver.MailCheckResult{CharID: row.ID, Flag: flag}
	if err := w.send(ans.Marshal()); err != nil {
		log.Warn().Err(err).Int("server_idx", w.idx).Msg("failed to answer mail check")
	}
}

// broadcastEcho forwards a read echo to every live worker except the
// one it came from, keeping read markers consistent across workers.
func (s *Server) broadcastEcho(from *Worker, rec []byte) {
	s.mu.Lock()
	targets := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		if w != nil && w != from {
			targets = append(targets, w)
		}
	}
	s.mu.Unlock()
	for _, w := range targets {
		if err := w.send(rec); err != nil {
			log.Warn().Err(err).Int("server_idx", w.idx).Msg("failed to relay echo")
		}
	}
}
