package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/seolan-project/seolan/internal/charstatus"
)

// SnapshotStore persists character snapshots across the Character main
// row and the position-keyed sub-tables. A row whose id field is zero
// means "delete this slot"; everything else is an upsert on
// (character, position).
type SnapshotStore struct {
	db *Database
}

// NewSnapshotStore wraps an open database.
func NewSnapshotStore(d *Database) *SnapshotStore {
	return &SnapshotStore{db: d}
}

// sectionRow is one sub-table row extracted from a snapshot.
type sectionRow struct {
	pos  uint16
	del  bool
	vals []interface{}
}

// sectionSpec binds one snapshot section to its table.
type sectionSpec struct {
	table  string
	prefix string   // column prefix, e.g. "Inv"
	cols   []string // data columns beyond ChaId and Position
	rows   func(rec *charstatus.Record) []sectionRow
}

var sectionSpecs = []sectionSpec{
	{
		table: "Inventory", prefix: "Inv",
		cols: []string{"InvItmId", "InvAmount", "InvDurability", "InvCustom", "InvProtected"},
		rows: func(rec *charstatus.Record) []sectionRow {
			out := make([]sectionRow, len(rec.Inventory))
			for i, s := range rec.Inventory {
				out[i] = sectionRow{s.Position, s.ItemID == 0,
					[]interface{}{s.ItemID, s.Amount, s.Durability, s.Custom, s.Protected}}
			}
			return out
		},
	},
	{
		table: "Equipment", prefix: "Eqp",
		cols: []string{"EqpItmId", "EqpDurability", "EqpCustom"},
		rows: func(rec *charstatus.Record) []sectionRow {
			out := make([]sectionRow, len(rec.Equipment))
			for i, s := range rec.Equipment {
				out[i] = sectionRow{s.Position, s.ItemID == 0,
					[]interface{}{s.ItemID, s.Durability, s.Custom}}
			}
			return out
		},
	},
	{
		table: "SpellBook", prefix: "Spl",
		cols: []string{"SplMgcId"},
		rows: func(rec *charstatus.Record) []sectionRow {
			out := make([]sectionRow, len(rec.SpellBook))
			for i, s := range rec.SpellBook {
				out[i] = sectionRow{s.Position, s.SpellID == 0, []interface{}{s.SpellID}}
			}
			return out
		},
	},
	{
		table: "Aethers", prefix: "Aet",
		cols: []string{"AetMgcId", "AetDuration"},
		rows: func(rec *charstatus.Record) []sectionRow {
			out := make([]sectionRow, len(rec.Aethers))
			for i, s := range rec.Aethers {
				out[i] = sectionRow{s.Position, s.SpellID == 0,
					[]interface{}{s.SpellID, s.Duration}}
			}
			return out
		},
	},
	{
		table: "Registry", prefix: "Reg",
		cols: []string{"RegKey", "RegValue"},
		rows: func(rec *charstatus.Record) []sectionRow {
			out := make([]sectionRow, len(rec.Registry))
			for i, s := range rec.Registry {
				out[i] = sectionRow{s.Position, s.Key == "",
					[]interface{}{s.Key, s.Value}}
			}
			return out
		},
	},
	{
		table: "RegistryString", prefix: "Rgs",
		cols: []string{"RgsKey", "RgsValue"},
		rows: func(rec *charstatus.Record) []sectionRow {
			out := make([]sectionRow, len(rec.RegStr))
			for i, s := range rec.RegStr {
				out[i] = sectionRow{s.Position, s.Key == "",
					[]interface{}{s.Key, s.Value}}
			}
			return out
		},
	},
	{
		table: "NPCRegistry", prefix: "Npc",
		cols: []string{"NpcNpcId", "NpcKey", "NpcValue"},
		rows: func(rec *charstatus.Record) []sectionRow {
			out := make([]sectionRow, len(rec.NPCReg))
			for i, s := range rec.NPCReg {
				out[i] = sectionRow{s.Position, s.Key == "",
					[]interface{}{s.NPCID, s.Key, s.Value}}
			}
			return out
		},
	},
	{
		table: "QuestRegistry", prefix: "Qst",
		cols: []string{"QstQstId", "QstState"},
		rows: func(rec *charstatus.Record) []sectionRow {
			out := make([]sectionRow, len(rec.Quests))
			for i, s := range rec.Quests {
				out[i] = sectionRow{s.Position, s.QuestID == 0,
					[]interface{}{s.QuestID, s.State}}
			}
			return out
		},
	},
	{
		table: "Kills", prefix: "Kil",
		cols: []string{"KilMobId", "KilCount"},
		rows: func(rec *charstatus.Record) []sectionRow {
			out := make([]sectionRow, len(rec.Kills))
			for i, s := range rec.Kills {
				out[i] = sectionRow{s.Position, s.MobID == 0,
					[]interface{}{s.MobID, s.Count}}
			}
			return out
		},
	},
	{
		table: "Legends", prefix: "Leg",
		cols: []string{"LegIcon", "LegColor", "LegText"},
		rows: func(rec *charstatus.Record) []sectionRow {
			out := make([]sectionRow, len(rec.Legends))
			for i, s := range rec.Legends {
				out[i] = sectionRow{s.Position, s.Text == "",
					[]interface{}{s.Icon, s.Color, s.Text}}
			}
			return out
		},
	},
	{
		table: "Banks", prefix: "Bnk",
		cols: []string{"BnkItmId", "BnkAmount"},
		rows: func(rec *charstatus.Record) []sectionRow {
			out := make([]sectionRow, len(rec.Banks))
			for i, s := range rec.Banks {
				out[i] = sectionRow{s.Position, s.ItemID == 0,
					[]interface{}{s.ItemID, s.Amount}}
			}
			return out
		},
	},
}

// upsertSQL builds the INSERT .. ON DUPLICATE KEY UPDATE statement for a
// section. The (ChaId, Position) pair is the unique key on every table.
func (sp *sectionSpec) upsertSQL() string {
	cols := append([]string{sp.prefix + "ChaId", sp.prefix + "Position"}, sp.cols...)
	marks := strings.TrimRight(strings.Repeat("?,", len(cols)), ",")
	updates := make([]string, len(sp.cols))
	for i, c := range sp.cols {
		updates[i] = fmt.Sprintf("`%s` = VALUES(`%s`)", c, c)
	}
	return fmt.Sprintf("INSERT INTO `%s` (`%s`) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		sp.table, strings.Join(cols, "`, `"), marks, strings.Join(updates, ", "))
}

func (sp *sectionSpec) deleteSQL() string {
	return fmt.Sprintf("DELETE FROM `%s` WHERE `%sChaId` = ? AND `%sPosition` = ?",
		sp.table, sp.prefix, sp.prefix)
}

// Save writes a snapshot: the Character main row plus every sub-table,
// in one transaction. GM level is admin-owned and never written here.
func (s *SnapshotStore) Save(rec *charstatus.Record) error {
	if rec.Main.ID == 0 {
		return fmt.Errorf("snapshot save: zero character id")
	}
	return s.db.Transaction(func(tx *sql.Tx) error {
		m := &rec.Main
		_, err := tx.Exec(
			"UPDATE `Character` SET `ChaLevel` = ?, `ChaClass` = ?, `ChaHP` = ?, "+
				"`ChaMP` = ?, `ChaExp` = ?, `ChaMoney` = ?, `ChaSex` = ?, `ChaCountry` = ?, "+
				"`ChaPartner` = ?, `ChaClan` = ?, `ChaDisguise` = ?, `ChaDisguiseColor` = ?, "+
				"`ChaMapId` = ?, `ChaX` = ?, `ChaY` = ? WHERE `ChaId` = ?",
			m.Level, m.Class, m.HP, m.MP, m.Exp, m.Money, m.Sex, m.Country,
			m.Partner, m.Clan, m.Disguise, m.DisguiseColor, m.Map, m.X, m.Y, m.ID)
		if err != nil {
			return fmt.Errorf("main row: %w", err)
		}

		for i := range sectionSpecs {
			sp := &sectionSpecs[i]
			for _, row := range sp.rows(rec) {
				if row.del {
					if _, err := tx.Exec(sp.deleteSQL(), m.ID, row.pos); err != nil {
						return fmt.Errorf("%s delete: %w", sp.table, err)
					}
					continue
				}
				args := append([]interface{}{m.ID, row.pos}, row.vals...)
				if _, err := tx.Exec(sp.upsertSQL(), args...); err != nil {
					return fmt.Errorf("%s upsert: %w", sp.table, err)
				}
			}
		}
		return nil
	})
}

// Load assembles a full snapshot for one character id.
func (s *SnapshotStore) Load(charID uint32) (*charstatus.Record, error) {
	rec := &charstatus.Record{}
	m := &rec.Main
	var banned int32
	err := s.db.QueryRow(
		"SELECT `ChaId`, `ChaName`, `ChaLevel`, `ChaClass`, `ChaHP`, `ChaMP`, "+
			"`ChaExp`, `ChaMoney`, `ChaSex`, `ChaCountry`, `ChaPartner`, `ChaClan`, "+
			"`ChaDisguise`, `ChaDisguiseColor`, `ChaGMLevel`, `ChaMapId`, `ChaX`, `ChaY`, "+
			"`ChaBanned` FROM `Character` WHERE `ChaId` = ?",
		charID).Scan(&m.ID, &m.Name, &m.Level, &m.Class, &m.HP, &m.MP,
		&m.Exp, &m.Money, &m.Sex, &m.Country, &m.Partner, &m.Clan,
		&m.Disguise, &m.DisguiseColor, &m.GMLevel, &m.Map, &m.X, &m.Y, &banned)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("main row: %w", err)
	}

	if err := s.loadSections(rec, charID); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SnapshotStore) loadSections(rec *charstatus.Record, charID uint32) error {
	load := func(table, prefix string, cols []string, scan func(*sql.Rows) error) error {
		query := fmt.Sprintf("SELECT `%sPosition`, `%s` FROM `%s` WHERE `%sChaId` = ? ORDER BY `%sPosition`",
			prefix, strings.Join(cols, "`, `"), table, prefix, prefix)
		rows, err := s.db.Query(query, charID)
		if err != nil {
			return fmt.Errorf("%s: %w", table, err)
		}
		defer rows.Close()
		for rows.Next() {
			if err := scan(rows); err != nil {
				return fmt.Errorf("%s: %w", table, err)
			}
		}
		return rows.Err()
	}

	if err := load("Inventory", "Inv",
		[]string{"InvItmId", "InvAmount", "InvDurability", "InvCustom", "InvProtected"},
		func(rows *sql.Rows) error {
			var v charstatus.InventorySlot
			if err := rows.Scan(&v.Position, &v.ItemID, &v.Amount, &v.Durability, &v.Custom, &v.Protected); err != nil {
				return err
			}
			rec.Inventory = append(rec.Inventory, v)
			return nil
		}); err != nil {
		return err
	}

	if err := load("Equipment", "Eqp",
		[]string{"EqpItmId", "EqpDurability", "EqpCustom"},
		func(rows *sql.Rows) error {
			var v charstatus.EquipSlot
			if err := rows.Scan(&v.Position, &v.ItemID, &v.Durability, &v.Custom); err != nil {
				return err
			}
			rec.Equipment = append(rec.Equipment, v)
			return nil
		}); err != nil {
		return err
	}

	if err := load("SpellBook", "Spl", []string{"SplMgcId"},
		func(rows *sql.Rows) error {
			var v charstatus.SpellSlot
			if err := rows.Scan(&v.Position, &v.SpellID); err != nil {
				return err
			}
			rec.SpellBook = append(rec.SpellBook, v)
			return nil
		}); err != nil {
		return err
	}

	if err := load("Aethers", "Aet", []string{"AetMgcId", "AetDuration"},
		func(rows *sql.Rows) error {
			var v charstatus.Aether
			if err := rows.Scan(&v.Position, &v.SpellID, &v.Duration); err != nil {
				return err
			}
			rec.Aethers = append(rec.Aethers, v)
			return nil
		}); err != nil {
		return err
	}

	if err := load("Registry", "Reg", []string{"RegKey", "RegValue"},
		func(rows *sql.Rows) error {
			var v charstatus.RegistryEntry
			if err := rows.Scan(&v.Position, &v.Key, &v.Value); err != nil {
				return err
			}
			rec.Registry = append(rec.Registry, v)
			return nil
		}); err != nil {
		return err
	}

	if err := load("RegistryString", "Rgs", []string{"RgsKey", "RgsValue"},
		func(rows *sql.Rows) error {
			var v charstatus.RegistryStringEntry
			if err := rows.Scan(&v.Position, &v.Key, &v.Value); err != nil {
				return err
			}
			rec.RegStr = append(rec.RegStr, v)
			return nil
		}); err != nil {
		return err
	}

	if err := load("NPCRegistry", "Npc", []string{"NpcNpcId", "NpcKey", "NpcValue"},
		func(rows *sql.Rows) error {
			var v charstatus.NPCRegistryEntry
			if err := rows.Scan(&v.Position, &v.NPCID, &v.Key, &v.Value); err != nil {
				return err
			}
			rec.NPCReg = append(rec.NPCReg, v)
			return nil
		}); err != nil {
		return err
	}

	if err := load("QuestRegistry", "Qst", []string{"QstQstId", "QstState"},
		func(rows *sql.Rows) error {
			var v charstatus.QuestEntry
			if err := rows.Scan(&v.Position, &v.QuestID, &v.State); err != nil {
				return err
			}
			rec.Quests = append(rec.Quests, v)
			return nil
		}); err != nil {
		return err
	}

	if err := load("Kills", "Kil", []string{"KilMobId", "KilCount"},
		func(rows *sql.Rows) error {
			var v charstatus.KillEntry
			if err := rows.Scan(&v.Position, &v.MobID, &v.Count); err != nil {
				return err
			}
			rec.Kills = append(rec.Kills, v)
			return nil
		}); err != nil {
		return err
	}

	if err := load("Legends", "Leg", []string{"LegIcon", "LegColor", "LegText"},
		func(rows *sql.Rows) error {
			var v charstatus.LegendEntry
			if err := rows.Scan(&v.Position, &v.Icon, &v.Color, &v.Text); err != nil {
				return err
			}
			rec.Legends = append(rec.Legends, v)
			return nil
		}); err != nil {
		return err
	}

	if err := load("Banks", "Bnk", []string{"BnkItmId", "BnkAmount"},
		func(rows *sql.Rows) error {
			var v charstatus.BankSlot
			if err := rows.Scan(&v.Position, &v.ItemID, &v.Amount); err != nil {
				return err
			}
			rec.Banks = append(rec.Banks, v)
			return nil
		}); err != nil {
		return err
	}

	return nil
}
