package config

import (
	"errors"
	"testing"
)

const minimalYAML = `
sql_ip: "127.0.0.1"
sql_id: "test"
sql_pw: "test"
sql_db: "testdb"
login_id: "loginid"
login_pw: "loginpw"
login_ip: "127.0.0.1"
char_id: "charid"
char_pw: "charpw"
char_ip: "127.0.0.1"
map_ip: "127.0.0.1"
xor_key: "test"
start_point:
  m: 0
  x: 1
  y: 1
`

func validConfig() *ServerConfig {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		panic(err)
	}
	return cfg
}

func TestParseMinimalAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.SQLPort != DefaultSQLPort {
		t.Fatalf("SQLPort = %d, want %d", cfg.SQLPort, DefaultSQLPort)
	}
	if cfg.LoginPort != DefaultLoginPort || cfg.CharPort != DefaultCharPort || cfg.MapPort != DefaultMapPort {
		t.Fatalf("ports = %d/%d/%d, want %d/%d/%d",
			cfg.LoginPort, cfg.CharPort, cfg.MapPort,
			DefaultLoginPort, DefaultCharPort, DefaultMapPort)
	}
	if cfg.Version != DefaultVersion {
		t.Fatalf("Version = %d, want %d", cfg.Version, DefaultVersion)
	}
	if cfg.SaveTime != 60 || cfg.RequireReg != 1 || cfg.XPRate != 10 {
		t.Fatalf("game defaults = save %d, reg %d, xp %d", cfg.SaveTime, cfg.RequireReg, cfg.XPRate)
	}
	if cfg.DataDir != "./data/" || cfg.MetaDir != "./data/meta/" {
		t.Fatalf("dir defaults = %q, %q", cfg.DataDir, cfg.MetaDir)
	}
	if cfg.StartPoint != (Point{M: 0, X: 1, Y: 1}) {
		t.Fatalf("StartPoint = %+v", cfg.StartPoint)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML + "\nsql_port: 3307\nlogin_port: 2100\nsave_time: 30\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.SQLPort != 3307 || cfg.LoginPort != 2100 || cfg.SaveTime != 30 {
		t.Fatalf("overrides not applied: %d/%d/%d", cfg.SQLPort, cfg.LoginPort, cfg.SaveTime)
	}
}

func TestParseRejectsBadYAML(t *testing.T) {
	if _, err := Parse([]byte("sql_ip: [unclosed")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseRejectsMissingRequired(t *testing.T) {
	_, err := Parse([]byte("login_ip: \"127.0.0.1\"\n"))
	if err == nil {
		t.Fatal("expected validation error")
	}
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error type = %T", err)
	}
}

func TestValidateFieldLimits(t *testing.T) {
	cases := []struct {
		field  string
		mutate func(*ServerConfig)
	}{
		{"sql_ip", func(c *ServerConfig) { c.SQLIP = "" }},
		{"login_id", func(c *ServerConfig) { c.LoginID = "" }},
		{"char_pw", func(c *ServerConfig) { c.CharPW = longString(CredentialMax + 1) }},
		{"xor_key", func(c *ServerConfig) { c.XorKey = longString(XorKeyMax + 1) }},
		{"meta", func(c *ServerConfig) { c.Meta = make([]string, MetaMax+1) }},
		{"start_point", func(c *ServerConfig) { c.StartPoint = Point{} }},
		{"save_time", func(c *ServerConfig) { c.SaveTime = 0 }},
		{"order", func(c *ServerConfig) { c.Order = "bogus" }},
		{"log_level", func(c *ServerConfig) { c.LogLevel = "loud" }},
		{"mqtt.broker", func(c *ServerConfig) { c.MQTT.Enabled = true }},
	}
	for _, tc := range cases {
		cfg := validConfig()
		tc.mutate(cfg)
		result := Validate(cfg)
		if result.IsValid() {
			t.Fatalf("%s: expected validation error", tc.field)
		}
		found := false
		for _, e := range result.Errors {
			if e.Field == tc.field {
				found = true
			}
		}
		if !found {
			t.Fatalf("%s: not among errors %v", tc.field, result.Errors)
		}
	}
}

func TestValidateWarnings(t *testing.T) {
	cfg := validConfig()
	cfg.XorKey = ""
	cfg.SaveTime = 5
	result := Validate(cfg)
	if !result.IsValid() {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	for _, field := range []string{"xor_key", "save_time"} {
		found := false
		for _, w := range result.Warnings {
			if w.Field == field {
				found = true
			}
		}
		if !found {
			t.Fatalf("%s: warning missing, got %v", field, result.Warnings)
		}
	}
}

func TestValidatePortConflict(t *testing.T) {
	cfg := validConfig()
	cfg.CharPort = cfg.LoginPort
	result := Validate(cfg)
	if result.IsValid() {
		t.Fatal("expected port conflict error")
	}
}

func TestAddrHelpers(t *testing.T) {
	cfg := validConfig()
	if got := cfg.SQLAddr(); got != "127.0.0.1:3306" {
		t.Fatalf("SQLAddr = %q", got)
	}
	if got := cfg.CharAddr(); got != "127.0.0.1:2005" {
		t.Fatalf("CharAddr = %q", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/server.yaml"); err == nil {
		t.Fatal("expected read error")
	}
}

func longString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}
