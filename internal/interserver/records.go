package interserver

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Keepalive builds the 3-byte link keepalive the login authority sends.
func Keepalive() []byte {
	return newRecord(CmdKeepalive, 3)
}

// HandshakeAck builds the 3-byte answer to the login-authority handshake.
// Result 0x00 accepts the link; anything else rejects it and the directory
// closes the connection.
func HandshakeAck(result byte) []byte {
	return []byte{0x00, 0x10, result}
}

// ReadHandshakeAck reads and validates the 3-byte handshake answer.
func ReadHandshakeAck(r io.Reader) (byte, error) {
	var ack [3]byte
	if _, err := io.ReadFull(r, ack[:]); err != nil {
		return 0, fmt.Errorf("failed to read handshake ack: %w", err)
	}
	if ack[0] != 0x00 || ack[1] != 0x10 {
		return 0, fmt.Errorf("%w: handshake ack %02X%02X", ErrUnknownCommand, ack[0], ack[1])
	}
	return ack[2], nil
}

// NameCheck asks the directory whether a character name is taken.
type NameCheck struct {
	SessionID uint16
	Name      string
}

func (n NameCheck) Marshal() []byte {
	rec := newRecord(CmdNameCheck, 20)
	binary.LittleEndian.PutUint16(rec[2:], n.SessionID)
	putName(rec[4:20], n.Name)
	return rec
}

func ParseNameCheck(rec []byte) (NameCheck, error) {
	if err := checkRecord(rec, CmdNameCheck, 20); err != nil {
		return NameCheck{}, err
	}
	return NameCheck{
		SessionID: binary.LittleEndian.Uint16(rec[2:]),
		Name:      trimName(rec[4:20]),
	}, nil
}

// CreateChar finalizes character creation with the avatar choices.
type CreateChar struct {
	SessionID uint16
	Name      string
	Pass      string
	Face      byte
	Sex       byte
	Country   byte
	Totem     byte
	Hair      byte
	HairColor byte
	FaceColor byte
}

func (c CreateChar) Marshal() []byte {
	rec := newRecord(CmdCreateChar, 43)
	binary.LittleEndian.PutUint16(rec[2:], c.SessionID)
	putName(rec[4:20], c.Name)
	putName(rec[20:36], c.Pass)
	rec[36] = c.Face
	rec[37] = c.Sex
	rec[38] = c.Country
	rec[39] = c.Totem
	rec[40] = c.Hair
	rec[41] = c.HairColor
	rec[42] = c.FaceColor
	return rec
}

func ParseCreateChar(rec []byte) (CreateChar, error) {
	if err := checkRecord(rec, CmdCreateChar, 43); err != nil {
		return CreateChar{}, err
	}
	return CreateChar{
		SessionID: binary.LittleEndian.Uint16(rec[2:]),
		Name:      trimName(rec[4:20]),
		Pass:      trimName(rec[20:36]),
		Face:      rec[36],
		Sex:       rec[37],
		Country:   rec[38],
		Totem:     rec[39],
		Hair:      rec[40],
		HairColor: rec[41],
		FaceColor: rec[42],
	}, nil
}

// AuthChar asks the directory to authenticate and route a character.
type AuthChar struct {
	SessionID uint16
	Name      string
	Pass      string
	ClientIP  [4]byte
}

func (a AuthChar) Marshal() []byte {
	rec := newRecord(CmdAuthChar, 40)
	binary.LittleEndian.PutUint16(rec[2:], a.SessionID)
	putName(rec[4:20], a.Name)
	putName(rec[20:36], a.Pass)
	copy(rec[36:40], a.ClientIP[:])
	return rec
}

func ParseAuthChar(rec []byte) (AuthChar, error) {
	if err := checkRecord(rec, CmdAuthChar, 40); err != nil {
		return AuthChar{}, err
	}
	out := AuthChar{
		SessionID: binary.LittleEndian.Uint16(rec[2:]),
		Name:      trimName(rec[4:20]),
		Pass:      trimName(rec[20:36]),
	}
	copy(out.ClientIP[:], rec[36:40])
	return out, nil
}

// ChangePass asks the directory to change an account password.
type ChangePass struct {
	SessionID uint16
	Name      string
	OldPass   string
	NewPass   string
}

func (c ChangePass) Marshal() []byte {
	rec := newRecord(CmdChangePass, 52)
	binary.LittleEndian.PutUint16(rec[2:], c.SessionID)
	putName(rec[4:20], c.Name)
	putName(rec[20:36], c.OldPass)
	putName(rec[36:52], c.NewPass)
	return rec
}

func ParseChangePass(rec []byte) (ChangePass, error) {
	if err := checkRecord(rec, CmdChangePass, 52); err != nil {
		return ChangePass{}, err
	}
	return ChangePass{
		SessionID: binary.LittleEndian.Uint16(rec[2:]),
		Name:      trimName(rec[4:20]),
		OldPass:   trimName(rec[20:36]),
		NewPass:   trimName(rec[36:52]),
	}, nil
}

// SessionResult is the 5-byte answer shape shared by the name-check,
// creation, and password-change records.
type SessionResult struct {
	Cmd       uint16
	SessionID uint16
	Result    byte
}

func (s SessionResult) Marshal() []byte {
	rec := newRecord(s.Cmd, 5)
	binary.LittleEndian.PutUint16(rec[2:], s.SessionID)
	rec[4] = s.Result
	return rec
}

func ParseSessionResult(rec []byte) (SessionResult, error) {
	if len(rec) != 5 {
		return SessionResult{}, fmt.Errorf("%w: session result has %d bytes, want 5", ErrShortRecord, len(rec))
	}
	return SessionResult{
		Cmd:       Cmd(rec),
		SessionID: binary.LittleEndian.Uint16(rec[2:]),
		Result:    rec[4],
	}, nil
}

// AuthResult answers an AuthChar record. On success MapIP and MapPort point
// the client at the worker hosting its character. MapIP carries the four
// address bytes exactly as stored, so the redirect can echo them verbatim.
type AuthResult struct {
	SessionID uint16
	Result    byte
	CharName  string
	MapIP     [4]byte
	MapPort   uint16
}

func (a AuthResult) Marshal() []byte {
	rec := newRecord(CmdAuthResult, 27)
	binary.LittleEndian.PutUint16(rec[2:], a.SessionID)
	rec[4] = a.Result
	putName(rec[5:21], a.CharName)
	copy(rec[21:25], a.MapIP[:])
	binary.LittleEndian.PutUint16(rec[25:], a.MapPort)
	return rec
}

func ParseAuthResult(rec []byte) (AuthResult, error) {
	if err := checkRecord(rec, CmdAuthResult, 27); err != nil {
		return AuthResult{}, err
	}
	out := AuthResult{
		SessionID: binary.LittleEndian.Uint16(rec[2:]),
		Result:    rec[4],
		CharName:  trimName(rec[5:21]),
		MapPort:   binary.LittleEndian.Uint16(rec[25:]),
	}
	copy(out.MapIP[:], rec[21:25])
	return out, nil
}

// WorkerHello is the map worker handshake: interserver credentials plus the
// address clients should be redirected to.
type WorkerHello struct {
	ID       string
	Password string
	IP       [4]byte
	Port     uint16
}

func (w WorkerHello) Marshal() []byte {
	rec := newRecord(CmdWorkerHello, 72)
	putName(rec[2:34], w.ID)
	putName(rec[34:66], w.Password)
	copy(rec[66:70], w.IP[:])
	binary.LittleEndian.PutUint16(rec[70:], w.Port)
	return rec
}

func ParseWorkerHello(rec []byte) (WorkerHello, error) {
	if err := checkRecord(rec, CmdWorkerHello, 72); err != nil {
		return WorkerHello{}, err
	}
	out := WorkerHello{
		ID:       trimName(rec[2:34]),
		Password: trimName(rec[34:66]),
		Port:     binary.LittleEndian.Uint16(rec[70:]),
	}
	copy(out.IP[:], rec[66:70])
	return out, nil
}

// HelloResult answers a WorkerHello. Result 0 accepts and ServerIdx is the
// assigned worker slot.
type HelloResult struct {
	Result    byte
	ServerIdx byte
}

func (h HelloResult) Marshal() []byte {
	rec := newRecord(CmdHelloResult, 4)
	rec[2] = h.Result
	rec[3] = h.ServerIdx
	return rec
}

func ParseHelloResult(rec []byte) (HelloResult, error) {
	if err := checkRecord(rec, CmdHelloResult, 4); err != nil {
		return HelloResult{}, err
	}
	return HelloResult{Result: rec[2], ServerIdx: rec[3]}, nil
}

// MapList announces the map ids a worker hosts.
type MapList struct {
	MapIDs []uint16
}

func (m MapList) Marshal() []byte {
	rec := newVarRecord(CmdMapList, 6+2*len(m.MapIDs))
	for i, id := range m.MapIDs {
		binary.LittleEndian.PutUint16(rec[6+2*i:], id)
	}
	return rec
}

func ParseMapList(rec []byte) (MapList, error) {
	if len(rec) < 6 || Cmd(rec) != CmdMapList {
		return MapList{}, fmt.Errorf("%w: map list record", ErrShortRecord)
	}
	if (len(rec)-6)%2 != 0 {
		return MapList{}, fmt.Errorf("%w: map list has odd id region (%d bytes)", ErrShortRecord, len(rec)-6)
	}
	ids := make([]uint16, (len(rec)-6)/2)
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint16(rec[6+2*i:])
	}
	return MapList{MapIDs: ids}, nil
}

// MapListAck reports how many map ids the directory accepted.
type MapListAck struct {
	Accepted uint16
}

func (m MapListAck) Marshal() []byte {
	rec := newVarRecord(CmdMapListAck, 8)
	binary.LittleEndian.PutUint16(rec[6:], m.Accepted)
	return rec
}

func ParseMapListAck(rec []byte) (MapListAck, error) {
	if len(rec) != 8 || Cmd(rec) != CmdMapListAck {
		return MapListAck{}, fmt.Errorf("%w: map list ack", ErrShortRecord)
	}
	return MapListAck{Accepted: binary.LittleEndian.Uint16(rec[6:])}, nil
}

// Authorize tells a worker to expect a character from a client address.
type Authorize struct {
	SessionID uint16
	CharID    uint32
	Name      string
	ClientIP  [4]byte
}

func (a Authorize) Marshal() []byte {
	rec := newRecord(CmdAuthorize, 38)
	binary.LittleEndian.PutUint16(rec[2:], a.SessionID)
	binary.LittleEndian.PutUint32(rec[4:], a.CharID)
	putName(rec[8:24], a.Name)
	copy(rec[24:28], a.ClientIP[:])
	return rec
}

func ParseAuthorize(rec []byte) (Authorize, error) {
	if err := checkRecord(rec, CmdAuthorize, 38); err != nil {
		return Authorize{}, err
	}
	out := Authorize{
		SessionID: binary.LittleEndian.Uint16(rec[2:]),
		CharID:    binary.LittleEndian.Uint32(rec[4:]),
		Name:      trimName(rec[8:24]),
	}
	copy(out.ClientIP[:], rec[24:28])
	return out, nil
}

// AuthorizeAck confirms a worker stored an Authorize record.
type AuthorizeAck struct {
	SessionID uint16
	CharID    uint32
	ClientIP  [4]byte
}

func (a AuthorizeAck) Marshal() []byte {
	rec := newRecord(CmdAuthorizeAck, 20)
	binary.LittleEndian.PutUint16(rec[2:], a.SessionID)
	binary.LittleEndian.PutUint32(rec[4:], a.CharID)
	copy(rec[8:12], a.ClientIP[:])
	return rec
}

func ParseAuthorizeAck(rec []byte) (AuthorizeAck, error) {
	if err := checkRecord(rec, CmdAuthorizeAck, 20); err != nil {
		return AuthorizeAck{}, err
	}
	out := AuthorizeAck{
		SessionID: binary.LittleEndian.Uint16(rec[2:]),
		CharID:    binary.LittleEndian.Uint32(rec[4:]),
	}
	copy(out.ClientIP[:], rec[8:12])
	return out, nil
}

// LoadChar asks the directory for a character snapshot.
type LoadChar struct {
	SessionID uint16
	CharID    uint32
	Name      string
}

func (l LoadChar) Marshal() []byte {
	rec := newRecord(CmdLoadChar, 24)
	binary.LittleEndian.PutUint16(rec[2:], l.SessionID)
	binary.LittleEndian.PutUint32(rec[4:], l.CharID)
	putName(rec[8:24], l.Name)
	return rec
}

func ParseLoadChar(rec []byte) (LoadChar, error) {
	if err := checkRecord(rec, CmdLoadChar, 24); err != nil {
		return LoadChar{}, err
	}
	return LoadChar{
		SessionID: binary.LittleEndian.Uint16(rec[2:]),
		CharID:    binary.LittleEndian.Uint32(rec[4:]),
		Name:      trimName(rec[8:24]),
	}, nil
}

// CharSnapshot carries a compressed character snapshot to a worker session.
type CharSnapshot struct {
	SessionID  uint16
	Compressed []byte
}

func (c CharSnapshot) Marshal() []byte {
	rec := newVarRecord(CmdCharSnapshot, 8+len(c.Compressed))
	binary.LittleEndian.PutUint16(rec[6:], c.SessionID)
	copy(rec[8:], c.Compressed)
	return rec
}

func ParseCharSnapshot(rec []byte) (CharSnapshot, error) {
	if len(rec) < 8 || Cmd(rec) != CmdCharSnapshot {
		return CharSnapshot{}, fmt.Errorf("%w: char snapshot record", ErrShortRecord)
	}
	return CharSnapshot{
		SessionID:  binary.LittleEndian.Uint16(rec[6:]),
		Compressed: rec[8:],
	}, nil
}

// SaveChar builds a save record around an already-compressed snapshot.
func SaveChar(compressed []byte) []byte {
	rec := newVarRecord(CmdSaveChar, 6+len(compressed))
	copy(rec[6:], compressed)
	return rec
}

// SaveQuit builds a save-and-quit record around a compressed snapshot.
func SaveQuit(compressed []byte) []byte {
	rec := newVarRecord(CmdSaveQuit, 6+len(compressed))
	copy(rec[6:], compressed)
	return rec
}

// SnapshotData returns the compressed payload of a save or save-and-quit
// record.
func SnapshotData(rec []byte) ([]byte, error) {
	if len(rec) < 6 {
		return nil, fmt.Errorf("%w: snapshot record has %d bytes", ErrShortRecord, len(rec))
	}
	return rec[6:], nil
}

// Logout reports a character logged out without a pending save.
type Logout struct {
	CharID uint32
}

func (l Logout) Marshal() []byte {
	rec := newRecord(CmdLogout, 6)
	binary.LittleEndian.PutUint32(rec[2:], l.CharID)
	return rec
}

func ParseLogout(rec []byte) (Logout, error) {
	if err := checkRecord(rec, CmdLogout, 6); err != nil {
		return Logout{}, err
	}
	return Logout{CharID: binary.LittleEndian.Uint32(rec[2:])}, nil
}

// Kick orders the hosting worker to force a character offline. Sent when a
// second login wins the duplicate-login race.
type Kick struct {
	CharID uint32
}

func (k Kick) Marshal() []byte {
	rec := newRecord(CmdKick, 6)
	binary.LittleEndian.PutUint32(rec[2:], k.CharID)
	return rec
}

func ParseKick(rec []byte) (Kick, error) {
	if err := checkRecord(rec, CmdKick, 6); err != nil {
		return Kick{}, err
	}
	return Kick{CharID: binary.LittleEndian.Uint32(rec[2:])}, nil
}
