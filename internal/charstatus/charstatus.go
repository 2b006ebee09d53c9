// Package charstatus defines the serialized character record exchanged
// between the character directory and map workers. The historical fixed
// 3 MB struct is replaced by a versioned section format; the transport
// stays zlib-compressed either way.
package charstatus

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Magic opens every encoded record.
	Magic = "CSNP"

	// Version is the current section-format version.
	Version uint16 = 1

	// NameLen is the fixed width of character and key names.
	NameLen = 16

	// KeyLen is the fixed width of registry keys.
	KeyLen = 32

	// MaxEncodedSize caps a decoded record.
	MaxEncodedSize = 8 << 20
)

// Section identifiers.
const (
	SecMain     uint8 = 0x01 // core character row
	SecInvent   uint8 = 0x02 // inventory slots
	SecEquip    uint8 = 0x03 // worn equipment
	SecSpells   uint8 = 0x04 // spell book
	SecAethers  uint8 = 0x05 // spell cooldowns
	SecRegistry uint8 = 0x06 // integer registry
	SecRegStr   uint8 = 0x07 // string registry
	SecNPCReg   uint8 = 0x08 // per-NPC registry
	SecQuests   uint8 = 0x09 // quest registry
	SecKills    uint8 = 0x0A // kill counts
	SecLegends  uint8 = 0x0B // legend marks
	SecBanks    uint8 = 0x0C // bank slots
)

var (
	ErrBadSnapshot = errors.New("charstatus: malformed snapshot")
	ErrBadVersion  = errors.New("charstatus: unsupported version")
	ErrTooLarge    = errors.New("charstatus: snapshot exceeds size cap")
)

// Main is the core character row.
type Main struct {
	ID            uint32
	Name          string
	Level         uint16
	Class         uint16
	HP            uint32
	MP            uint32
	Exp           uint32
	Money         uint32
	Sex           uint8
	Country       uint8
	Partner       uint32
	Clan          uint32
	Disguise      uint16
	DisguiseColor uint8
	GMLevel       uint32
	Map           uint16
	X             uint16
	Y             uint16
}

// InventorySlot is one carried item. ItemID 0 marks an empty slot.
type InventorySlot struct {
	Position   uint16
	ItemID     uint32
	Amount     uint16
	Durability uint32
	Custom     uint32
	Protected  uint8
}

// EquipSlot is one worn item keyed by equipment position.
type EquipSlot struct {
	Position   uint16
	ItemID     uint32
	Durability uint32
	Custom     uint32
}

// SpellSlot is one learned spell.
type SpellSlot struct {
	Position uint16
	SpellID  uint32
}

// Aether is a running spell cooldown.
type Aether struct {
	Position uint16
	SpellID  uint32
	Duration uint32
}

// RegistryEntry is a named integer variable.
type RegistryEntry struct {
	Position uint16
	Key      string
	Value    int32
}

// RegistryStringEntry is a named string variable.
type RegistryStringEntry struct {
	Position uint16
	Key      string
	Value    string
}

// NPCRegistryEntry is a per-NPC integer variable.
type NPCRegistryEntry struct {
	Position uint16
	NPCID    uint32
	Key      string
	Value    int32
}

// QuestEntry is one quest-progress row.
type QuestEntry struct {
	Position uint16
	QuestID  uint32
	State    uint32
}

// KillEntry counts kills of one mob type.
type KillEntry struct {
	Position uint16
	MobID    uint32
	Count    uint32
}

// LegendEntry is one legend mark.
type LegendEntry struct {
	Position uint16
	Icon     uint8
	Color    uint8
	Text     string
}

// BankSlot is one banked item stack.
type BankSlot struct {
	Position uint16
	ItemID   uint32
	Amount   uint32
}

// Record is a complete character snapshot.
type Record struct {
	Main      Main
	Inventory []InventorySlot
	Equipment []EquipSlot
	SpellBook []SpellSlot
	Aethers   []Aether
	Registry  []RegistryEntry
	RegStr    []RegistryStringEntry
	NPCReg    []NPCRegistryEntry
	Quests    []QuestEntry
	Kills     []KillEntry
	Legends   []LegendEntry
	Banks     []BankSlot
}

type fieldWriter struct {
	buf *bytes.Buffer
}

func (w fieldWriter) put(v interface{}) {
	binary.Write(w.buf, binary.LittleEndian, v)
}

func (w fieldWriter) putFixed(s string, width int) {
	b := make([]byte, width)
	copy(b, s)
	w.buf.Write(b)
}

func (w fieldWriter) putString(s string) {
	if len(s) > 0xFFFF {
		s = s[:0xFFFF]
	}
	w.put(uint16(len(s)))
	w.buf.WriteString(s)
}

// Encode serializes a record into the section format.
func Encode(rec *Record) []byte {
	buf := &bytes.Buffer{}
	buf.WriteString(Magic)
	binary.Write(buf, binary.LittleEndian, Version)

	writeSection(buf, SecMain, 1, func(w fieldWriter) {
		m := &rec.Main
		w.put(m.ID)
		w.putFixed(m.Name, NameLen)
		w.put(m.Level)
		w.put(m.Class)
		w.put(m.HP)
		w.put(m.MP)
		w.put(m.Exp)
		w.put(m.Money)
		w.put(m.Sex)
		w.put(m.Country)
		w.put(m.Partner)
		w.put(m.Clan)
		w.put(m.Disguise)
		w.put(m.DisguiseColor)
		w.put(m.GMLevel)
		w.put(m.Map)
		w.put(m.X)
		w.put(m.Y)
	})

	writeSection(buf, SecInvent, len(rec.Inventory), func(w fieldWriter) {
		for _, s := range rec.Inventory {
			w.put(s.Position)
			w.put(s.ItemID)
			w.put(s.Amount)
			w.put(s.Durability)
			w.put(s.Custom)
			w.put(s.Protected)
		}
	})

	writeSection(buf, SecEquip, len(rec.Equipment), func(w fieldWriter) {
		for _, s := range rec.Equipment {
			w.put(s.Position)
			w.put(s.ItemID)
			w.put(s.Durability)
			w.put(s.Custom)
		}
	})

	writeSection(buf, SecSpells, len(rec.SpellBook), func(w fieldWriter) {
		for _, s := range rec.SpellBook {
			w.put(s.Position)
			w.put(s.SpellID)
		}
	})

	writeSection(buf, SecAethers, len(rec.Aethers), func(w fieldWriter) {
		for _, s := range rec.Aethers {
			w.put(s.Position)
			w.put(s.SpellID)
			w.put(s.Duration)
		}
	})

	writeSection(buf, SecRegistry, len(rec.Registry), func(w fieldWriter) {
		for _, s := range rec.Registry {
			w.put(s.Position)
			w.putFixed(s.Key, KeyLen)
			w.put(s.Value)
		}
	})

	writeSection(buf, SecRegStr, len(rec.RegStr), func(w fieldWriter) {
		for _, s := range rec.RegStr {
			w.put(s.Position)
			w.putFixed(s.Key, KeyLen)
			w.putString(s.Value)
		}
	})

	writeSection(buf, SecNPCReg, len(rec.NPCReg), func(w fieldWriter) {
		for _, s := range rec.NPCReg {
			w.put(s.Position)
			w.put(s.NPCID)
			w.putFixed(s.Key, KeyLen)
			w.put(s.Value)
		}
	})

	writeSection(buf, SecQuests, len(rec.Quests), func(w fieldWriter) {
		for _, s := range rec.Quests {
			w.put(s.Position)
			w.put(s.QuestID)
			w.put(s.State)
		}
	})

	writeSection(buf, SecKills, len(rec.Kills), func(w fieldWriter) {
		for _, s := range rec.Kills {
			w.put(s.Position)
			w.put(s.MobID)
			w.put(s.Count)
		}
	})

	writeSection(buf, SecLegends, len(rec.Legends), func(w fieldWriter) {
		for _, s := range rec.Legends {
			w.put(s.Position)
			w.put(s.Icon)
			w.put(s.Color)
			w.putString(s.Text)
		}
	})

	writeSection(buf, SecBanks, len(rec.Banks), func(w fieldWriter) {
		for _, s := range rec.Banks {
			w.put(s.Position)
			w.put(s.ItemID)
			w.put(s.Amount)
		}
	})

	return buf.Bytes()
}

// writeSection frames one section: id, byte length, row count, rows.
func writeSection(buf *bytes.Buffer, id uint8, count int, body func(fieldWriter)) {
	buf.WriteByte(id)
	lenAt := buf.Len()
	binary.Write(buf, binary.LittleEndian, uint32(0))
	binary.Write(buf, binary.LittleEndian, uint16(count))

	body(fieldWriter{buf})

	// Patch the byte length now that the section body is written.
	section := buf.Bytes()[lenAt:]
	binary.LittleEndian.PutUint32(section[:4], uint32(len(section)-4))
}

type fieldReader struct {
	r *bytes.Reader
}

func (r fieldReader) get(v interface{}) error {
	return binary.Read(r.r, binary.LittleEndian, v)
}

func (r fieldReader) getFixed(width int) (string, error) {
	b := make([]byte, width)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return "", err
	}
	return trimNul(b), nil
}

func (r fieldReader) getString() (string, error) {
	var n uint16
	if err := r.get(&n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func trimNul(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Decode parses a section-format record. Unknown sections are skipped,
// so newer writers stay readable.
func Decode(data []byte) (*Record, error) {
	if len(data) > MaxEncodedSize {
		return nil, ErrTooLarge
	}
	if len(data) < len(Magic)+2 || string(data[:len(Magic)]) != Magic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadSnapshot)
	}
	version := binary.LittleEndian.Uint16(data[len(Magic):])
	if version != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, version)
	}

	rec := &Record{}
	rest := data[len(Magic)+2:]
	for len(rest) > 0 {
		if len(rest) < 5 {
			return nil, fmt.Errorf("%w: truncated section header", ErrBadSnapshot)
		}
		id := rest[0]
		byteLen := binary.LittleEndian.Uint32(rest[1:5])
		if int(byteLen) < 2 || len(rest) < 5+int(byteLen) {
			return nil, fmt.Errorf("%w: section 0x%02x length %d", ErrBadSnapshot, id, byteLen)
		}
		body := rest[5 : 5+int(byteLen)]
		rest = rest[5+int(byteLen):]

		count := int(binary.LittleEndian.Uint16(body[:2]))
		r := fieldReader{bytes.NewReader(body[2:])}
		if err := readSection(rec, id, count, r); err != nil {
			return nil, fmt.Errorf("%w: section 0x%02x: %v", ErrBadSnapshot, id, err)
		}
	}
	if rec.Main.ID == 0 {
		return nil, fmt.Errorf("%w: missing main section", ErrBadSnapshot)
	}
	return rec, nil
}

func readSection(rec *Record, id uint8, count int, r fieldReader) error {
	switch id {
	case SecMain:
		m := &rec.Main
		if err := r.get(&m.ID); err != nil {
			return err
		}
		name, err := r.getFixed(NameLen)
		if err != nil {
			return err
		}
		m.Name = name
		for _, v := range []interface{}{
			&m.Level, &m.Class, &m.HP, &m.MP, &m.Exp, &m.Money,
			&m.Sex, &m.Country, &m.Partner, &m.Clan,
			&m.Disguise, &m.DisguiseColor, &m.GMLevel,
			&m.Map, &m.X, &m.Y,
		} {
			if err := r.get(v); err != nil {
				return err
			}
		}

	case SecInvent:
		rec.Inventory = make([]InventorySlot, count)
		for i := range rec.Inventory {
			s := &rec.Inventory[i]
			for _, v := range []interface{}{&s.Position, &s.ItemID, &s.Amount, &s.Durability, &s.Custom, &s.Protected} {
				if err := r.get(v); err != nil {
					return err
				}
			}
		}

	case SecEquip:
		rec.Equipment = make([]EquipSlot, count)
		for i := range rec.Equipment {
			s := &rec.Equipment[i]
			for _, v := range []interface{}{&s.Position, &s.ItemID, &s.Durability, &s.Custom} {
				if err := r.get(v); err != nil {
					return err
				}
			}
		}

	case SecSpells:
		rec.SpellBook = make([]SpellSlot, count)
		for i := range rec.SpellBook {
			s := &rec.SpellBook[i]
			if err := r.get(&s.Position); err != nil {
				return err
			}
			if err := r.get(&s.SpellID); err != nil {
				return err
			}
		}

	case SecAethers:
		rec.Aethers = make([]Aether, count)
		for i := range rec.Aethers {
			s := &rec.Aethers[i]
			for _, v := range []interface{}{&s.Position, &s.SpellID, &s.Duration} {
				if err := r.get(v); err != nil {
					return err
				}
			}
		}

	case SecRegistry:
		rec.Registry = make([]RegistryEntry, count)
		for i := range rec.Registry {
			s := &rec.Registry[i]
			if err := r.get(&s.Position); err != nil {
				return err
			}
			key, err := r.getFixed(KeyLen)
			if err != nil {
				return err
			}
			s.Key = key
			if err := r.get(&s.Value); err != nil {
				return err
			}
		}

	case SecRegStr:
		rec.RegStr = make([]RegistryStringEntry, count)
		for i := range rec.RegStr {
			s := &rec.RegStr[i]
			if err := r.get(&s.Position); err != nil {
				return err
			}
			key, err := r.getFixed(KeyLen)
			if err != nil {
				return err
			}
			s.Key = key
			val, err := r.getString()
			if err != nil {
				return err
			}
			s.Value = val
		}

	case SecNPCReg:
		rec.NPCReg = make([]NPCRegistryEntry, count)
		for i := range rec.NPCReg {
			s := &rec.NPCReg[i]
			if err := r.get(&s.Position); err != nil {
				return err
			}
			if err := r.get(&s.NPCID); err != nil {
				return err
			}
			key, err := r.getFixed(KeyLen)
			if err != nil {
				return err
			}
			s.Key = key
			if err := r.get(&s.Value); err != nil {
				return err
			}
		}

	case SecQuests:
		rec.Quests = make([]QuestEntry, count)
		for i := range rec.Quests {
			s := &rec.Quests[i]
			for _, v := range []interface{}{&s.Position, &s.QuestID, &s.State} {
				if err := r.get(v); err != nil {
					return err
				}
			}
		}

	case SecKills:
		rec.Kills = make([]KillEntry, count)
		for i := range rec.Kills {
			s := &rec.Kills[i]
			for _, v := range []interface{}{&s.Position, &s.MobID, &s.Count} {
				if err := r.get(v); err != nil {
					return err
				}
			}
		}

	case SecLegends:
		rec.Legends = make([]LegendEntry, count)
		for i := range rec.Legends {
			s := &rec.Legends[i]
			if err := r.get(&s.Position); err != nil {
				return err
			}
			if err := r.get(&s.Icon); err != nil {
				return err
			}
			if err := r.get(&s.Color); err != nil {
				return err
			}
			text, err := r.getString()
			if err != nil {
				return err
			}
			s.Text = text
		}

	case SecBanks:
		rec.Banks = make([]BankSlot, count)
		for i := range rec.Banks {
			s := &rec.Banks[i]
			for _, v := range []interface{}{&s.Position, &s.ItemID, &s.Amount} {
				if err := r.get(v); err != nil {
					return err
				}
			}
		}

	default:
		// Skip unknown sections.
	}
	return nil
}

// Pack encodes and zlib-compresses a record for the wire.
func Pack(rec *Record) ([]byte, error) {
	raw := Encode(rec)
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unpack decompresses and decodes a wire snapshot.
func Unpack(compressed []byte) (*Record, error) {
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, MaxEncodedSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	if len(raw) > MaxEncodedSize {
		return nil, ErrTooLarge
	}
	return Decode(raw)
}
