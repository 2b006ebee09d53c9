package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog"

	"github.com/seolan-project/seolan/internal/protect"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
// Errors block startup; warnings are logged and the server runs anyway.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *ServerConfig) *ValidationResult {
	result := &ValidationResult{}

	validateDatabase(cfg, result)
	validateServers(cfg, result)
	validateGame(cfg, result)
	validateOperator(cfg, result)

	return result
}

func validateDatabase(cfg *ServerConfig, result *ValidationResult) {
	if strings.TrimSpace(cfg.SQLIP) == "" {
		result.AddError("sql_ip", "database host is required")
	}
	if strings.TrimSpace(cfg.SQLID) == "" {
		result.AddError("sql_id", "database user is required")
	}
	if cfg.SQLPW == "" {
		result.AddError("sql_pw", "database password is required")
	}
	if strings.TrimSpace(cfg.SQLDB) == "" {
		result.AddError("sql_db", "database name is required")
	}

	validatePort(int(cfg.SQLPort), "sql_port", result)
}

func validateServers(cfg *ServerConfig, result *ValidationResult) {
	// Interserver credentials travel in fixed 32-byte wire fields.
	creds := []struct {
		field string
		value string
	}{
		{"login_id", cfg.LoginID},
		{"login_pw", cfg.LoginPW},
		{"char_id", cfg.CharID},
		{"char_pw", cfg.CharPW},
	}
	for _, c := range creds {
		if c.value == "" {
			result.AddError(c.field, "interserver credential is required")
		} else if len(c.value) > CredentialMax {
			result.AddError(c.field,
				fmt.Sprintf("too long: %d chars (max %d)", len(c.value), CredentialMax))
		}
	}

	if strings.TrimSpace(cfg.LoginIP) == "" {
		result.AddError("login_ip", "login server address is required")
	}
	if strings.TrimSpace(cfg.CharIP) == "" {
		result.AddError("char_ip", "character server address is required")
	}
	if strings.TrimSpace(cfg.MapIP) == "" {
		result.AddError("map_ip", "map server address is required")
	}

	validatePort(int(cfg.LoginPort), "login_port", result)
	validatePort(int(cfg.CharPort), "char_port", result)
	validatePort(int(cfg.MapPort), "map_port", result)

	// Port conflict detection across the listeners a shared config drives.
	ports := map[int]string{
		int(cfg.LoginPort): "login",
		int(cfg.CharPort):  "char",
		int(cfg.MapPort):   "map",
	}
	want := 3
	if cfg.AdminPort != 0 {
		ports[cfg.AdminPort] = "admin"
		want++
	}
	if len(ports) < want {
		result.AddError("ports", "port conflict detected: listener ports must be unique")
	}

	if _, err := protect.ParseOrder(cfg.Order); err != nil {
		result.AddError("order",
			fmt.Sprintf("unknown order %q (want deny,allow / allow,deny / mutual-failure)", cfg.Order))
	}
}

func validateGame(cfg *ServerConfig, result *ValidationResult) {
	if cfg.StartPoint.M == 0 && cfg.StartPoint.X == 0 && cfg.StartPoint.Y == 0 {
		result.AddError("start_point", "new characters need a spawn point")
	}

	if len(cfg.Meta) > MetaMax {
		result.AddError("meta",
			fmt.Sprintf("too many meta files: %d (max %d)", len(cfg.Meta), MetaMax))
	}
	if len(cfg.Town) > TownMax {
		result.AddError("town",
			fmt.Sprintf("too many towns: %d (max %d)", len(cfg.Town), TownMax))
	}

	if len(cfg.XorKey) > XorKeyMax {
		result.AddError("xor_key",
			fmt.Sprintf("too long: %d chars (max %d)", len(cfg.XorKey), XorKeyMax))
	} else if cfg.XorKey == "" {
		result.AddWarning("xor_key", "empty key leaves client frames unobfuscated")
	}

	if cfg.SaveTime < 1 {
		result.AddError("save_time", "periodic save interval must be at least 1 second")
	} else if cfg.SaveTime < 10 {
		result.AddWarning("save_time",
			fmt.Sprintf("saving every %d seconds will hammer the database", cfg.SaveTime))
	}

	if cfg.XPRate < 0 {
		result.AddError("xprate", "rate cannot be negative")
	}
	if cfg.DropRate < 0 {
		result.AddError("droprate", "rate cannot be negative")
	}

	if cfg.RequireReg != 0 && cfg.RequireReg != 1 {
		result.AddWarning("require_reg",
			fmt.Sprintf("expected 0 or 1, got %d (any non-zero value requires registration)", cfg.RequireReg))
	}

	if cfg.Version == 0 {
		result.AddWarning("version", "client version gate is 0; stock clients will fail the version check")
	}
}

func validateOperator(cfg *ServerConfig, result *ValidationResult) {
	if cfg.AdminPort != 0 {
		validatePort(cfg.AdminPort, "admin_port", result)
	}

	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.Broker) == "" {
			result.AddError("mqtt.broker", "broker address is required when MQTT is enabled")
		}
		if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
			result.AddError("mqtt.port", "invalid MQTT port")
		}
	}

	if cfg.LogLevel != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err != nil {
			result.AddError("log_level", fmt.Sprintf("unknown level %q", cfg.LogLevel))
		}
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
