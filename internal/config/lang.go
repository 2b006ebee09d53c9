package config

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
)

// Message indices into a Messages array.
const (
	MsgErrServer = iota // internal server error
	MsgWrongPass        // password mismatch on login
	MsgWrongUser        // unknown character name on login
	MsgErrDB            // database unavailable or query failed
	MsgUserExists       // registration name already taken
	MsgErrPass          // password fails format rules
	MsgErrUser          // name fails format rules
	MsgNewChar          // character created
	MsgChgPass          // password changed
	MsgDblLogin         // character already online
	MsgBanned           // client address is banned

	MessageCount
)

// Messages holds the localised strings the login server sends to clients.
type Messages [MessageCount]string

// langKeys maps lang-file keys to message indices. Keys are matched
// case-insensitively; anything else in the file is ignored.
var langKeys = map[string]int{
	"LGN_ERRSERVER": MsgErrServer,
	"LGN_WRONGPASS": MsgWrongPass,
	"LGN_WRONGUSER": MsgWrongUser,
	"LGN_ERRDB":     MsgErrDB,
	"LGN_USEREXIST": MsgUserExists,
	"LGN_ERRPASS":   MsgErrPass,
	"LGN_ERRUSER":   MsgErrUser,
	"LGN_NEWCHAR":   MsgNewChar,
	"LGN_CHGPASS":   MsgChgPass,
	"LGN_DBLLOGIN":  MsgDblLogin,
	"LGN_BANNED":    MsgBanned,
}

// DefaultMessages returns the compiled-in English strings.
func DefaultMessages() Messages {
	return Messages{
		MsgErrServer:  "Server error",
		MsgWrongPass:  "Wrong password",
		MsgWrongUser:  "Wrong username",
		MsgErrDB:      "Database error",
		MsgUserExists: "User already exists",
		MsgErrPass:    "Bad password format",
		MsgErrUser:    "Bad username format",
		MsgNewChar:    "Character created",
		MsgChgPass:    "Password changed",
		MsgDblLogin:   "Already logged in",
		MsgBanned:     "IP is banned",
	}
}

// ParseMessages reads a flat `KEY: value` lang file. Lines starting with
// `//` are comments. Keys absent from the file stay empty.
func ParseMessages(content []byte) Messages {
	var msgs Messages
	sc := bufio.NewScanner(bytes.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if idx, known := langKeys[strings.ToUpper(strings.TrimSpace(key))]; known {
			msgs[idx] = strings.TrimSpace(val)
		}
	}
	return msgs
}

// LoadMessages parses the lang file at path. A missing or unreadable file
// falls back to the compiled-in English strings.
func LoadMessages(path string) (Messages, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultMessages(), fmt.Errorf("failed to read lang file %s: %w", path, err)
	}
	return ParseMessages(data), nil
}
