package interserver

import (
	"encoding/binary"
	"fmt"
)

// Mail and board traffic: workers are the user interface, the directory
// owns the rows. Untyped trailing regions are zero padding and are never
// validated.

// DeletePost asks the directory to delete a board post. GMLevel and NMail
// let the directory apply the permission rule without a second lookup.
type DeletePost struct {
	Board   uint16
	Post    uint16
	CharID  uint32
	GMLevel byte
	NMail   byte
	Name    string
}

func (d DeletePost) Marshal() []byte {
	rec := newRecord(CmdDeletePost, 28)
	binary.LittleEndian.PutUint16(rec[2:], d.Board)
	binary.LittleEndian.PutUint16(rec[4:], d.Post)
	binary.LittleEndian.PutUint32(rec[6:], d.CharID)
	rec[10] = d.GMLevel
	rec[11] = d.NMail
	putName(rec[12:28], d.Name)
	return rec
}

func ParseDeletePost(rec []byte) (DeletePost, error) {
	if err := checkRecord(rec, CmdDeletePost, 28); err != nil {
		return DeletePost{}, err
	}
	return DeletePost{
		Board:   binary.LittleEndian.Uint16(rec[2:]),
		Post:    binary.LittleEndian.Uint16(rec[4:]),
		CharID:  binary.LittleEndian.Uint32(rec[6:]),
		GMLevel: rec[10],
		NMail:   rec[11],
		Name:    trimName(rec[12:28]),
	}, nil
}

// DeletePostResult answers a DeletePost. Board-scoped: the worker refreshes
// whoever is viewing that board.
type DeletePostResult struct {
	Board  uint16
	Result byte
}

func (d DeletePostResult) Marshal() []byte {
	rec := newRecord(CmdDeletePostResult, 5)
	binary.LittleEndian.PutUint16(rec[2:], d.Board)
	rec[4] = d.Result
	return rec
}

func ParseDeletePostResult(rec []byte) (DeletePostResult, error) {
	if err := checkRecord(rec, CmdDeletePostResult, 5); err != nil {
		return DeletePostResult{}, err
	}
	return DeletePostResult{
		Board:  binary.LittleEndian.Uint16(rec[2:]),
		Result: rec[4],
	}, nil
}

// ShowBoard asks for a page of board rows.
type ShowBoard struct {
	Board  uint16
	Page   uint16
	CharID uint32
	Name   string
}

func (s ShowBoard) Marshal() []byte {
	rec := newRecord(CmdShowBoard, 38)
	binary.LittleEndian.PutUint16(rec[2:], s.Board)
	binary.LittleEndian.PutUint16(rec[4:], s.Page)
	binary.LittleEndian.PutUint32(rec[6:], s.CharID)
	putName(rec[10:26], s.Name)
	return rec
}

func ParseShowBoard(rec []byte) (ShowBoard, error) {
	if err := checkRecord(rec, CmdShowBoard, 38); err != nil {
		return ShowBoard{}, err
	}
	return ShowBoard{
		Board:  binary.LittleEndian.Uint16(rec[2:]),
		Page:   binary.LittleEndian.Uint16(rec[4:]),
		CharID: binary.LittleEndian.Uint32(rec[6:]),
		Name:   trimName(rec[10:26]),
	}, nil
}

// BoardRow is one listing entry in a BoardRows record.
type BoardRow struct {
	PostID uint16
	Author string
	Title  string
}

const boardRowSize = 2 + NameLen + TitleLen

// BoardRows answers a ShowBoard with a page of listings for one viewer.
type BoardRows struct {
	Board  uint16
	CharID uint32
	Rows   []BoardRow
}

func (b BoardRows) Marshal() []byte {
	rec := newVarRecord(CmdBoardRows, 14+boardRowSize*len(b.Rows))
	binary.LittleEndian.PutUint16(rec[6:], b.Board)
	binary.LittleEndian.PutUint32(rec[8:], b.CharID)
	binary.LittleEndian.PutUint16(rec[12:], uint16(len(b.Rows)))
	for i, row := range b.Rows {
		off := 14 + boardRowSize*i
		binary.LittleEndian.PutUint16(rec[off:], row.PostID)
		putName(rec[off+2:off+2+NameLen], row.Author)
		putName(rec[off+2+NameLen:off+boardRowSize], row.Title)
	}
	return rec
}

func ParseBoardRows(rec []byte) (BoardRows, error) {
	if len(rec) < 14 || Cmd(rec) != CmdBoardRows {
		return BoardRows{}, fmt.Errorf("%w: board rows record", ErrShortRecord)
	}
	count := int(binary.LittleEndian.Uint16(rec[12:]))
	if len(rec) < 14+boardRowSize*count {
		return BoardRows{}, fmt.Errorf("%w: board rows declares %d rows in %d bytes", ErrShortRecord, count, len(rec))
	}
	out := BoardRows{
		Board:  binary.LittleEndian.Uint16(rec[6:]),
		CharID: binary.LittleEndian.Uint32(rec[8:]),
		Rows:   make([]BoardRow, count),
	}
	for i := range out.Rows {
		off := 14 + boardRowSize*i
		out.Rows[i] = BoardRow{
			PostID: binary.LittleEndian.Uint16(rec[off:]),
			Author: trimName(rec[off+2 : off+2+NameLen]),
			Title:  trimName(rec[off+2+NameLen : off+boardRowSize]),
		}
	}
	return out, nil
}

// ReadPost asks for one post body.
type ReadPost struct {
	Board  uint16
	Post   uint16
	CharID uint32
	Name   string
}

func (r ReadPost) Marshal() []byte {
	rec := newRecord(CmdReadPost, 34)
	binary.LittleEndian.PutUint16(rec[2:], r.Board)
	binary.LittleEndian.PutUint16(rec[4:], r.Post)
	binary.LittleEndian.PutUint32(rec[6:], r.CharID)
	putName(rec[10:26], r.Name)
	return rec
}

func ParseReadPost(rec []byte) (ReadPost, error) {
	if err := checkRecord(rec, CmdReadPost, 34); err != nil {
		return ReadPost{}, err
	}
	return ReadPost{
		Board:  binary.LittleEndian.Uint16(rec[2:]),
		Post:   binary.LittleEndian.Uint16(rec[4:]),
		CharID: binary.LittleEndian.Uint32(rec[6:]),
		Name:   trimName(rec[10:26]),
	}, nil
}

// PostBody answers a ReadPost for one reader.
type PostBody struct {
	CharID uint32
	Board  uint16
	Post   uint16
	Author string
	Title  string
	Body   string
}

func (p PostBody) Marshal() []byte {
	body := p.Body
	if len(body) > PostBodyLen {
		body = body[:PostBodyLen]
	}
	rec := newVarRecord(CmdPostBody, 96+len(body))
	binary.LittleEndian.PutUint32(rec[6:], p.CharID)
	binary.LittleEndian.PutUint16(rec[10:], p.Board)
	binary.LittleEndian.PutUint16(rec[12:], p.Post)
	putName(rec[14:30], p.Author)
	putName(rec[30:94], p.Title)
	binary.LittleEndian.PutUint16(rec[94:], uint16(len(body)))
	copy(rec[96:], body)
	return rec
}

func ParsePostBody(rec []byte) (PostBody, error) {
	if len(rec) < 96 || Cmd(rec) != CmdPostBody {
		return PostBody{}, fmt.Errorf("%w: post body record", ErrShortRecord)
	}
	bodyLen := int(binary.LittleEndian.Uint16(rec[94:]))
	if len(rec) < 96+bodyLen {
		return PostBody{}, fmt.Errorf("%w: post body declares %d bytes in %d", ErrShortRecord, bodyLen, len(rec))
	}
	return PostBody{
		CharID: binary.LittleEndian.Uint32(rec[6:]),
		Board:  binary.LittleEndian.Uint16(rec[10:]),
		Post:   binary.LittleEndian.Uint16(rec[12:]),
		Author: trimName(rec[14:30]),
		Title:  trimName(rec[30:94]),
		Body:   string(rec[96 : 96+bodyLen]),
	}, nil
}

// BoardWrite inserts a board post.
type BoardWrite struct {
	Board  uint16
	CharID uint32
	Name   string
	Title  string
	Body   string
}

func (b BoardWrite) Marshal() []byte {
	rec := newRecord(CmdBoardWrite, 4124)
	binary.LittleEndian.PutUint16(rec[2:], b.Board)
	binary.LittleEndian.PutUint32(rec[4:], b.CharID)
	putName(rec[8:24], b.Name)
	putName(rec[24:88], b.Title)
	putName(rec[88:88+PostBodyLen], b.Body)
	return rec
}

func ParseBoardWrite(rec []byte) (BoardWrite, error) {
	if err := checkRecord(rec, CmdBoardWrite, 4124); err != nil {
		return BoardWrite{}, err
	}
	return BoardWrite{
		Board:  binary.LittleEndian.Uint16(rec[2:]),
		CharID: binary.LittleEndian.Uint32(rec[4:]),
		Name:   trimName(rec[8:24]),
		Title:  trimName(rec[24:88]),
		Body:   trimName(rec[88 : 88+PostBodyLen]),
	}, nil
}

// MailWrite sends personal mail from one character to another.
type MailWrite struct {
	To    string
	From  string
	Title string
	Body  string
}

func (m MailWrite) Marshal() []byte {
	rec := newRecord(CmdMailWrite, 4086)
	putName(rec[2:18], m.To)
	putName(rec[18:34], m.From)
	putName(rec[34:98], m.Title)
	putName(rec[98:98+MailBodyLen], m.Body)
	return rec
}

func ParseMailWrite(rec []byte) (MailWrite, error) {
	if err := checkRecord(rec, CmdMailWrite, 4086); err != nil {
		return MailWrite{}, err
	}
	return MailWrite{
		To:    trimName(rec[2:18]),
		From:  trimName(rec[18:34]),
		Title: trimName(rec[34:98]),
		Body:  trimName(rec[98 : 98+MailBodyLen]),
	}, nil
}

// MailCheck queries the new-mail flag for a character name.
type MailCheck struct {
	Name string
}

func (m MailCheck) Marshal() []byte {
	rec := newRecord(CmdMailCheck, 20)
	putName(rec[2:18], m.Name)
	return rec
}

func ParseMailCheck(rec []byte) (MailCheck, error) {
	if err := checkRecord(rec, CmdMailCheck, 20); err != nil {
		return MailCheck{}, err
	}
	return MailCheck{Name: trimName(rec[2:18])}, nil
}

// MailCheckResult answers a MailCheck. Flag 1 means unread mail exists.
type MailCheckResult struct {
	CharID uint32
	Flag   uint16
}

func (m MailCheckResult) Marshal() []byte {
	rec := newRecord(CmdMailCheckResult, 8)
	binary.LittleEndian.PutUint32(rec[2:], m.CharID)
	binary.LittleEndian.PutUint16(rec[6:], m.Flag)
	return rec
}

func ParseMailCheckResult(rec []byte) (MailCheckResult, error) {
	if err := checkRecord(rec, CmdMailCheckResult, 8); err != nil {
		return MailCheckResult{}, err
	}
	return MailCheckResult{
		CharID: binary.LittleEndian.Uint32(rec[2:]),
		Flag:   binary.LittleEndian.Uint16(rec[6:]),
	}, nil
}

// OnlineListReq asks for the online user list on behalf of a worker session.
type OnlineListReq struct {
	SessionID uint16
}

func (o OnlineListReq) Marshal() []byte {
	rec := newRecord(CmdOnlineListReq, 4)
	binary.LittleEndian.PutUint16(rec[2:], o.SessionID)
	return rec
}

func ParseOnlineListReq(rec []byte) (OnlineListReq, error) {
	if err := checkRecord(rec, CmdOnlineListReq, 4); err != nil {
		return OnlineListReq{}, err
	}
	return OnlineListReq{SessionID: binary.LittleEndian.Uint16(rec[2:])}, nil
}

// OnlineList answers an OnlineListReq, echoing the requesting session.
type OnlineList struct {
	SessionID uint16
	Names     []string
}

func (o OnlineList) Marshal() []byte {
	rec := newVarRecord(CmdOnlineList, 10+NameLen*len(o.Names))
	binary.LittleEndian.PutUint16(rec[6:], o.SessionID)
	binary.LittleEndian.PutUint16(rec[8:], uint16(len(o.Names)))
	for i, name := range o.Names {
		putName(rec[10+NameLen*i:10+NameLen*(i+1)], name)
	}
	return rec
}

func ParseOnlineList(rec []byte) (OnlineList, error) {
	if len(rec) < 10 || Cmd(rec) != CmdOnlineList {
		return OnlineList{}, fmt.Errorf("%w: online list record", ErrShortRecord)
	}
	count := int(binary.LittleEndian.Uint16(rec[8:]))
	if len(rec) < 10+NameLen*count {
		return OnlineList{}, fmt.Errorf("%w: online list declares %d names in %d bytes", ErrShortRecord, count, len(rec))
	}
	out := OnlineList{
		SessionID: binary.LittleEndian.Uint16(rec[6:]),
		Names:     make([]string, count),
	}
	for i := range out.Names {
		out.Names[i] = trimName(rec[10+NameLen*i : 10+NameLen*(i+1)])
	}
	return out, nil
}

// BoardWriteReceipt acknowledges a successful board write to its author.
// Failures are logged by the directory and not acked.
func BoardWriteReceipt(charID uint32) []byte {
	return charIDRecord(CmdBoardWriteResult, charID)
}

// MailWriteReceipt acknowledges a successful mail write to its sender.
func MailWriteReceipt(charID uint32) []byte {
	return charIDRecord(CmdMailWriteResult, charID)
}

// MailNotify pings an online recipient that new mail arrived.
func MailNotify(charID uint32) []byte {
	return charIDRecord(CmdMailNotify, charID)
}

func charIDRecord(cmd uint16, charID uint32) []byte {
	rec := newRecord(cmd, 6)
	binary.LittleEndian.PutUint32(rec[2:], charID)
	return rec
}

// RecordCharID extracts the character id from one of the 6-byte receipt
// records, validating its command.
func RecordCharID(rec []byte, cmd uint16) (uint32, error) {
	if err := checkRecord(rec, cmd, 6); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(rec[2:]), nil
}
