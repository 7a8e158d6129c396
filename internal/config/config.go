// Package config manages McApp daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Protocol Constants
// -------------------------------------------------------------------------

// Fixed by the MeshCom firmware and the deployment layout. Not configurable.
const (
	// MeshComUDPPort is the UDP port the MeshCom IoT node speaks on.
	MeshComUDPPort = 1799

	// SSEHost is the SSE/HTTP bind address (behind the lighttpd reverse proxy).
	SSEHost = "127.0.0.1"

	// SSEPort is the SSE/HTTP port, tied to the lighttpd proxy rule.
	SSEPort = 2981

	// UpdateRunnerPort is the standalone update runner's HTTP port.
	UpdateRunnerPort = 2985
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete mcapp configuration.
type Config struct {
	// CallSign is the gateway's own callsign (e.g., "DK5EN-99").
	CallSign string `koanf:"call_sign"`

	// UserInfoText is the free-form text returned by the !userinfo command.
	UserInfoText string `koanf:"user_info_text"`

	UDP      UDPConfig      `koanf:"udp"`
	BLE      BLEConfig      `koanf:"ble"`
	Storage  StorageConfig  `koanf:"storage"`
	Location LocationConfig `koanf:"location"`
	Log      LogConfig      `koanf:"log"`
}

// UDPConfig holds the MeshCom UDP transport configuration.
type UDPConfig struct {
	// Target is the MeshCom IoT node hostname or callsign to send frames to.
	Target string `koanf:"target"`
}

// BLEConfig holds the remote BLE adapter service configuration.
type BLEConfig struct {
	// Mode selects the BLE integration: "remote" or "disabled".
	Mode string `koanf:"mode"`

	// URL is the base URL of the remote BLE service.
	URL string `koanf:"url"`

	// APIKey authenticates against the remote BLE service (X-API-Key).
	APIKey string `koanf:"api_key"`
}

// StorageConfig holds the message store configuration.
type StorageConfig struct {
	// DBPath is the SQLite database file path.
	DBPath string `koanf:"db_path"`

	// PruneHours is the retention for chat messages (default 720h = 30 days).
	PruneHours int `koanf:"prune_hours"`

	// PruneHoursPos is the retention for position data (default 192h = 8 days).
	PruneHoursPos int `koanf:"prune_hours_pos"`

	// PruneHoursAck is the retention for ACK rows (default 192h = 8 days).
	PruneHoursAck int `koanf:"prune_hours_ack"`
}

// LocationConfig holds station identity. Coordinates come from the GPS
// device at runtime; only the station name is read from config.
type LocationConfig struct {
	StationName string `koanf:"station_name"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		UDP: UDPConfig{
			Target: "DX0XXX-99",
		},
		BLE: BLEConfig{
			Mode: "remote",
			URL:  "http://127.0.0.1:8081",
		},
		Storage: StorageConfig{
			DBPath:        "/var/lib/mcapp/messages.db",
			PruneHours:    720,
			PruneHoursPos: 192,
			PruneHoursAck: 192,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultPath returns the default config path for the current environment.
// MCAPP_ENV=dev selects the development config.
func DefaultPath() string {
	if os.Getenv("MCAPP_ENV") == "dev" {
		return "/etc/mcapp/config.dev.yaml"
	}
	return "/etc/mcapp/config.yaml"
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for mcapp configuration.
// Variables are named MCAPP_<section>_<key>, e.g., MCAPP_BLE_MODE.
const envPrefix = "MCAPP_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (MCAPP_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	MCAPP_CALL_SIGN    -> call_sign
//	MCAPP_BLE_MODE     -> ble.mode
//	MCAPP_BLE_URL      -> ble.url
//	MCAPP_BLE_API_KEY  -> ble.api_key
//	MCAPP_LOG_LEVEL    -> log.level
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms MCAPP_BLE_API_KEY -> ble.api_key.
// Strips the MCAPP_ prefix, lowercases, and maps section separators.
// Only the first underscore becomes a section dot; the rest stay
// underscores so multi-word keys (api_key, call_sign) survive.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)

	// Top-level keys that contain underscores map as-is.
	switch s {
	case "call_sign", "user_info_text":
		return s
	}

	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"udp.target":              defaults.UDP.Target,
		"ble.mode":                defaults.BLE.Mode,
		"ble.url":                 defaults.BLE.URL,
		"storage.db_path":         defaults.Storage.DBPath,
		"storage.prune_hours":     defaults.Storage.PruneHours,
		"storage.prune_hours_pos": defaults.Storage.PruneHoursPos,
		"storage.prune_hours_ack": defaults.Storage.PruneHoursAck,
		"log.level":               defaults.Log.Level,
		"log.format":              defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyCallSign indicates the gateway callsign is not configured.
	ErrEmptyCallSign = errors.New("call_sign must not be empty")

	// ErrInvalidCallSign indicates the configured callsign is malformed.
	ErrInvalidCallSign = errors.New("call_sign is not a valid callsign")

	// ErrInvalidBLEMode indicates an unrecognized BLE mode.
	ErrInvalidBLEMode = errors.New("ble.mode must be remote or disabled")

	// ErrEmptyDBPath indicates the database path is empty.
	ErrEmptyDBPath = errors.New("storage.db_path must not be empty")

	// ErrInvalidPruneHours indicates a non-positive retention window.
	ErrInvalidPruneHours = errors.New("storage prune hours must be >= 1")
)

// callsignRE matches an amateur radio callsign with optional SSID.
var callsignRE = regexp.MustCompile(`^[A-Z0-9]{2,8}(-\d{1,2})?$`)

// ValidBLEModes lists the recognized BLE mode strings.
var ValidBLEModes = map[string]bool{
	"remote":   true,
	"disabled": true,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.CallSign == "" {
		return ErrEmptyCallSign
	}

	if !callsignRE.MatchString(strings.ToUpper(cfg.CallSign)) {
		return fmt.Errorf("%w: %q", ErrInvalidCallSign, cfg.CallSign)
	}

	if !ValidBLEModes[cfg.BLE.Mode] {
		return fmt.Errorf("%w: %q", ErrInvalidBLEMode, cfg.BLE.Mode)
	}

	if cfg.Storage.DBPath == "" {
		return ErrEmptyDBPath
	}

	if cfg.Storage.PruneHours < 1 || cfg.Storage.PruneHoursPos < 1 || cfg.Storage.PruneHoursAck < 1 {
		return ErrInvalidPruneHours
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
