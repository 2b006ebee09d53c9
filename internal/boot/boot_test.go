package boot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/seolan-project/seolan/internal/config"
)

func TestParseArgsDefaults(t *testing.T) {
	opts, err := ParseArgs(nil)
	if err != nil {
		t.Fatalf("ParseArgs(nil): %v", err)
	}
	if opts.ConfPath != DefaultConfPath || opts.LangPath != DefaultLangPath {
		t.Fatalf("defaults = %q/%q, want %q/%q", opts.ConfPath, opts.LangPath, DefaultConfPath, DefaultLangPath)
	}
	if opts.Help {
		t.Fatal("bare invocation should not request help")
	}
}

func TestParseArgsPaths(t *testing.T) {
	opts, err := ParseArgs([]string{"--conf", "a.yaml", "--lang", "b.yaml"})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if opts.ConfPath != "a.yaml" || opts.LangPath != "b.yaml" {
		t.Fatalf("paths = %q/%q, want a.yaml/b.yaml", opts.ConfPath, opts.LangPath)
	}
}

func TestParseArgsHelpAliases(t *testing.T) {
	for _, alias := range []string{"--help", "--h", "--?", "/?"} {
		opts, err := ParseArgs([]string{alias})
		if err != nil {
			t.Fatalf("ParseArgs(%s): %v", alias, err)
		}
		if !opts.Help {
			t.Fatalf("%s did not request help", alias)
		}
	}
}

func TestParseArgsMissingValue(t *testing.T) {
	for _, flag := range []string{"--conf", "--lang"} {
		if _, err := ParseArgs([]string{flag}); err == nil {
			t.Fatalf("bare %s should fail", flag)
		}
	}
}

func TestParseArgsUnknown(t *testing.T) {
	if _, err := ParseArgs([]string{"--port", "9"}); err == nil {
		t.Fatal("unknown argument should fail")
	}
}

func TestUsageNamesBinary(t *testing.T) {
	u := Usage("char_server")
	for _, want := range []string{"char_server", DefaultConfPath, DefaultLangPath, "/?"} {
		if !strings.Contains(u, want) {
			t.Fatalf("usage is missing %q:\n%s", want, u)
		}
	}
}

// chdir moves the test into dir and restores the original working
// directory on cleanup, standing in for testing.T.Chdir on toolchains
// that predate it.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatalf("restore wd: %v", err)
		}
	})
}

func TestLoadMissingDefaultConfigFallsBack(t *testing.T) {
	chdir(t, t.TempDir())

	opts, err := ParseArgs(nil)
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}

	cfg, _, err := Load("char_server", opts)
	if err != nil {
		t.Fatalf("Load with missing default config: %v", err)
	}
	if cfg.CharPort != config.DefaultCharPort {
		t.Fatalf("CharPort = %d, want default %d", cfg.CharPort, config.DefaultCharPort)
	}
}

func TestLoadExplicitMissingConfigFails(t *testing.T) {
	chdir(t, t.TempDir())

	opts, err := ParseArgs([]string{"--conf", "nope.yaml"})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}

	if _, _, err := Load("char_server", opts); err == nil {
		t.Fatal("an explicitly named missing config should be fatal")
	}
}

const bootYAML = `
sql_ip: "127.0.0.1"
sql_id: "test"
sql_pw: "test"
sql_db: "testdb"
login_id: "loginid"
login_pw: "loginpw"
login_ip: "127.0.0.1"
login_port: 2100
char_id: "charid"
char_pw: "charpw"
char_ip: "127.0.0.1"
map_ip: "127.0.0.1"
xor_key: "test"
log_level: "warn"
start_point:
  m: 0
  x: 1
  y: 1
`

func TestLoadReadsConfigAndLang(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	confPath := filepath.Join(dir, "server.yaml")
	if err := os.WriteFile(confPath, []byte(bootYAML), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	langPath := filepath.Join(dir, "lang.yaml")
	if err := os.WriteFile(langPath, []byte("// test strings\nLGN_WRONGPASS: Nope\n"), 0644); err != nil {
		t.Fatalf("write lang: %v", err)
	}

	opts, err := ParseArgs([]string{"--conf", confPath, "--lang", langPath})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}

	cfg, msgs, err := Load("login_server", opts)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LoginPort != 2100 {
		t.Fatalf("LoginPort = %d, want 2100", cfg.LoginPort)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("LogLevel = %q, want warn", cfg.LogLevel)
	}
	if msgs[config.MsgWrongPass] != "Nope" {
		t.Fatalf("MsgWrongPass = %q, want Nope", msgs[config.MsgWrongPass])
	}
}
