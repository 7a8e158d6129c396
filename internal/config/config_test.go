package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/dk5en/mcapp/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.UDP.Target != "DX0XXX-99" {
		t.Errorf("UDP.Target = %q, want %q", cfg.UDP.Target, "DX0XXX-99")
	}

	if cfg.BLE.Mode != "remote" {
		t.Errorf("BLE.Mode = %q, want %q", cfg.BLE.Mode, "remote")
	}

	if cfg.BLE.URL != "http://127.0.0.1:8081" {
		t.Errorf("BLE.URL = %q, want %q", cfg.BLE.URL, "http://127.0.0.1:8081")
	}

	if cfg.Storage.DBPath != "/var/lib/mcapp/messages.db" {
		t.Errorf("Storage.DBPath = %q, want %q", cfg.Storage.DBPath, "/var/lib/mcapp/messages.db")
	}

	if cfg.Storage.PruneHours != 720 {
		t.Errorf("Storage.PruneHours = %d, want %d", cfg.Storage.PruneHours, 720)
	}

	if cfg.Storage.PruneHoursPos != 192 {
		t.Errorf("Storage.PruneHoursPos = %d, want %d", cfg.Storage.PruneHoursPos, 192)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
call_sign: "DK5EN-99"
user_info_text: "McApp gateway Munich"
udp:
  target: "OE1XAR-44"
ble:
  mode: "disabled"
storage:
  db_path: "/tmp/test.db"
  prune_hours: 48
log:
  level: "debug"
  format: "text"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.CallSign != "DK5EN-99" {
		t.Errorf("CallSign = %q, want %q", cfg.CallSign, "DK5EN-99")
	}

	if cfg.UDP.Target != "OE1XAR-44" {
		t.Errorf("UDP.Target = %q, want %q", cfg.UDP.Target, "OE1XAR-44")
	}

	if cfg.BLE.Mode != "disabled" {
		t.Errorf("BLE.Mode = %q, want %q", cfg.BLE.Mode, "disabled")
	}

	if cfg.Storage.DBPath != "/tmp/test.db" {
		t.Errorf("Storage.DBPath = %q, want %q", cfg.Storage.DBPath, "/tmp/test.db")
	}

	if cfg.Storage.PruneHours != 48 {
		t.Errorf("Storage.PruneHours = %d, want %d", cfg.Storage.PruneHours, 48)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial YAML: only the callsign and log level are set.
	// Everything else should inherit from defaults.
	yamlContent := `
call_sign: "OE5ABC-12"
log:
  level: "warn"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.CallSign != "OE5ABC-12" {
		t.Errorf("CallSign = %q, want %q", cfg.CallSign, "OE5ABC-12")
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	// Default values should be preserved.
	if cfg.UDP.Target != "DX0XXX-99" {
		t.Errorf("UDP.Target = %q, want default %q", cfg.UDP.Target, "DX0XXX-99")
	}

	if cfg.BLE.Mode != "remote" {
		t.Errorf("BLE.Mode = %q, want default %q", cfg.BLE.Mode, "remote")
	}

	if cfg.Storage.PruneHoursAck != 192 {
		t.Errorf("Storage.PruneHoursAck = %d, want default %d", cfg.Storage.PruneHoursAck, 192)
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, "json")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	valid := func() *config.Config {
		cfg := config.DefaultConfig()
		cfg.CallSign = "DK5EN-99"
		return cfg
	}

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name:    "empty callsign",
			modify:  func(cfg *config.Config) { cfg.CallSign = "" },
			wantErr: config.ErrEmptyCallSign,
		},
		{
			name:    "malformed callsign",
			modify:  func(cfg *config.Config) { cfg.CallSign = "X" },
			wantErr: config.ErrInvalidCallSign,
		},
		{
			name:    "callsign with long ssid",
			modify:  func(cfg *config.Config) { cfg.CallSign = "DK5EN-123" },
			wantErr: config.ErrInvalidCallSign,
		},
		{
			name:    "bad ble mode",
			modify:  func(cfg *config.Config) { cfg.BLE.Mode = "local" },
			wantErr: config.ErrInvalidBLEMode,
		},
		{
			name:    "empty db path",
			modify:  func(cfg *config.Config) { cfg.Storage.DBPath = "" },
			wantErr: config.ErrEmptyDBPath,
		},
		{
			name:    "zero prune hours",
			modify:  func(cfg *config.Config) { cfg.Storage.PruneHours = 0 },
			wantErr: config.ErrInvalidPruneHours,
		},
		{
			name:    "negative pos prune hours",
			modify:  func(cfg *config.Config) { cfg.Storage.PruneHoursPos = -1 },
			wantErr: config.ErrInvalidPruneHours,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "Error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

// writeTemp creates a temporary YAML file and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "mcapp.yaml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
