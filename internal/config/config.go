// Package config handles server configuration and localised message files
// for the login, character, and map binaries.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// MetaMax caps the meta file list.
	MetaMax = 20

	// TownMax caps the town list.
	TownMax = 255

	// XorKeyMax is the longest usable static XOR key.
	XorKeyMax = 9

	// CredentialMax is the wire width of interserver id/password fields.
	CredentialMax = 32

	DefaultSQLPort   = 3306
	DefaultLoginPort = 2000
	DefaultCharPort  = 2005
	DefaultMapPort   = 2001
	DefaultVersion   = 750
)

// Point is a map position: map id plus coordinates.
type Point struct {
	M uint16 `yaml:"m"`
	X uint16 `yaml:"x"`
	Y uint16 `yaml:"y"`
}

// MQTTSettings configures the optional telemetry publisher.
type MQTTSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ServerConfig is the shared YAML configuration all three binaries read.
// Field names follow the established server.yaml schema.
type ServerConfig struct {
	// MySQL
	SQLIP   string `yaml:"sql_ip"`
	SQLPort uint16 `yaml:"sql_port"`
	SQLID   string `yaml:"sql_id"`
	SQLPW   string `yaml:"sql_pw"`
	SQLDB   string `yaml:"sql_db"`

	// Login authority: interserver credentials and listen address.
	LoginID   string `yaml:"login_id"`
	LoginPW   string `yaml:"login_pw"`
	LoginIP   string `yaml:"login_ip"`
	LoginPort uint16 `yaml:"login_port"`

	// Character directory
	CharID   string `yaml:"char_id"`
	CharPW   string `yaml:"char_pw"`
	CharIP   string `yaml:"char_ip"`
	CharPort uint16 `yaml:"char_port"`

	// Map worker: the address clients are redirected to.
	MapIP    string `yaml:"map_ip"`
	MapPort  uint16 `yaml:"map_port"`
	ServerID int    `yaml:"server_id"`

	// Static XOR key, at most nine characters.
	XorKey string `yaml:"xor_key"`

	// Game settings
	StartPoint Point `yaml:"start_point"`
	Version    int   `yaml:"version"`
	Deep       int   `yaml:"deep"`
	RequireReg int   `yaml:"require_reg"`
	SaveTime   int   `yaml:"save_time"`
	XPRate     int   `yaml:"xprate"`
	DropRate   int   `yaml:"droprate"`

	// Meta files and towns
	Meta []string `yaml:"meta"`
	Town []string `yaml:"town"`

	// Map ids a worker announces to the directory. Empty means map 0.
	Maps []uint16 `yaml:"maps"`

	// Directories
	DataDir string `yaml:"data_dir"`
	LuaDir  string `yaml:"lua_dir"`
	MapsDir string `yaml:"maps_dir"`
	MetaDir string `yaml:"meta_dir"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	// Optional operator surfaces. Zero values disable them.
	AdminPort int    `yaml:"admin_port"`
	Console   int    `yaml:"console"`
	AuditDB   string `yaml:"audit_db"`

	MQTT MQTTSettings `yaml:"mqtt"`

	// Access list rules and order policy.
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
	Order string   `yaml:"order"`
}

// DefaultConfig returns a configuration with the established defaults.
func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		SQLPort:    DefaultSQLPort,
		LoginPort:  DefaultLoginPort,
		CharPort:   DefaultCharPort,
		MapPort:    DefaultMapPort,
		Version:    DefaultVersion,
		RequireReg: 1,
		SaveTime:   60,
		XPRate:     10,
		DropRate:   1,
		DataDir:    "./data/",
		LuaDir:     "./data/lua/",
		MapsDir:    "./data/maps/",
		MetaDir:    "./data/meta/",
		LogLevel:   "info",
	}
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*ServerConfig, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate runs full validation and returns the first error, if any.
// Callers that want warnings too use the package-level Validate.
func (c *ServerConfig) Validate() error {
	if result := Validate(c); !result.IsValid() {
		return result.Errors[0]
	}
	return nil
}

// SQLAddr returns the MySQL host:port.
func (c *ServerConfig) SQLAddr() string {
	return fmt.Sprintf("%s:%d", c.SQLIP, c.SQLPort)
}

// LoginAddr returns the login listener host:port.
func (c *ServerConfig) LoginAddr() string {
	return fmt.Sprintf("%s:%d", c.LoginIP, c.LoginPort)
}

// CharAddr returns the directory listener host:port.
func (c *ServerConfig) CharAddr() string {
	return fmt.Sprintf("%s:%d", c.CharIP, c.CharPort)
}

// MapAddr returns the worker client-listener host:port.
func (c *ServerConfig) MapAddr() string {
	return fmt.Sprintf("%s:%d", c.MapIP, c.MapPort)
}
