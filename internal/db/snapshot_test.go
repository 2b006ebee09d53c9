package db

import "testing"

func TestUpsertSQLShape(t *testing.T) {
	var inv *sectionSpec
	for i := range sectionSpecs {
		if sectionSpecs[i].table == "SpellBook" {
			inv = &sectionSpecs[i]
		}
	}
	if inv == nil {
		t.Fatal("SpellBook section missing")
	}

	want := "INSERT INTO `SpellBook` (`SplChaId`, `SplPosition`, `SplMgcId`) " +
		"VALUES (?,?,?) ON DUPLICATE KEY UPDATE `SplMgcId` = VALUES(`SplMgcId`)"
	if got := inv.upsertSQL(); got != want {
		t.Fatalf("upsert = %q\nwant %q", got, want)
	}

	wantDel := "DELETE FROM `SpellBook` WHERE `SplChaId` = ? AND `SplPosition` = ?"
	if got := inv.deleteSQL(); got != wantDel {
		t.Fatalf("delete = %q", got)
	}
}

func TestSectionSpecsCoverEverySubTable(t *testing.T) {
	want := []string{
		"Inventory", "Equipment", "SpellBook", "Aethers", "Registry",
		"RegistryString", "NPCRegistry", "QuestRegistry", "Kills", "Legends", "Banks",
	}
	if len(sectionSpecs) != len(want) {
		t.Fatalf("%d sections, want %d", len(sectionSpecs), len(want))
	}
	for i, name := range want {
		if sectionSpecs[i].table != name {
			t.Fatalf("section %d = %s, want %s", i, sectionSpecs[i].table, name)
		}
	}
}
