package config

import (
	"os"
	"path/filepath"
	"testing"
)

const langFixture = `// Login server messages
LGN_ERRSERVER: Server error
LGN_WRONGPASS: Wrong password
LGN_WRONGUSER: Wrong username
LGN_ERRDB: Database error
LGN_USEREXIST: User already exists
LGN_ERRPASS: Bad password format
LGN_ERRUSER: Bad username format
LGN_NEWCHAR: Character created
LGN_CHGPASS: Password changed
LGN_DBLLOGIN: Already logged in
LGN_BANNED: IP is banned
`

func TestParseMessagesAllKeys(t *testing.T) {
	msgs := ParseMessages([]byte(langFixture))
	if msgs != DefaultMessages() {
		t.Fatalf("parsed fixture differs from defaults: %v", msgs)
	}
}

func TestParseMessagesIgnoresCommentsAndUnknown(t *testing.T) {
	msgs := ParseMessages([]byte("// comment\nLGN_BANNED: x\nNOT_A_KEY: y\n"))
	if msgs[MsgBanned] != "x" {
		t.Fatalf("MsgBanned = %q", msgs[MsgBanned])
	}
	if msgs[MsgErrDB] != "" {
		t.Fatalf("unset key should stay empty, got %q", msgs[MsgErrDB])
	}
}

func TestParseMessagesKeyCaseAndPadding(t *testing.T) {
	msgs := ParseMessages([]byte("  lgn_banned :  spaced out  \n"))
	if msgs[MsgBanned] != "spaced out" {
		t.Fatalf("MsgBanned = %q", msgs[MsgBanned])
	}
}

func TestParseMessagesColonInValue(t *testing.T) {
	msgs := ParseMessages([]byte("LGN_ERRDB: Database: offline\n"))
	if msgs[MsgErrDB] != "Database: offline" {
		t.Fatalf("MsgErrDB = %q", msgs[MsgErrDB])
	}
}

func TestDefaultMessagesComplete(t *testing.T) {
	msgs := DefaultMessages()
	for i, m := range msgs {
		if m == "" {
			t.Fatalf("message %d is empty", i)
		}
	}
}

func TestLoadMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lang.yaml")
	if err := os.WriteFile(path, []byte("LGN_BANNED: begone\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	msgs, err := LoadMessages(path)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if msgs[MsgBanned] != "begone" {
		t.Fatalf("MsgBanned = %q", msgs[MsgBanned])
	}
}

func TestLoadMessagesMissingFileFallsBack(t *testing.T) {
	msgs, err := LoadMessages(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected read error")
	}
	if msgs != DefaultMessages() {
		t.Fatal("fallback should be the default messages")
	}
}
