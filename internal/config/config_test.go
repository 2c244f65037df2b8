package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Transport != TransportAuto {
		t.Errorf("Transport = %q, want empty", cfg.Transport)
	}
	if cfg.Device.TargetName != "AugOS" {
		t.Errorf("Device.TargetName = %q, want %q", cfg.Device.TargetName, "AugOS")
	}
	if cfg.Device.RequestedMTU != 251 {
		t.Errorf("Device.RequestedMTU = %d, want 251", cfg.Device.RequestedMTU)
	}
	if cfg.Link.RadioInterval != 30*time.Second {
		t.Errorf("Link.RadioInterval = %v, want 30s", cfg.Link.RadioInterval)
	}
	if cfg.Link.ResponseTimeout != 4500*time.Millisecond {
		t.Errorf("Link.ResponseTimeout = %v, want 4.5s", cfg.Link.ResponseTimeout)
	}
	if cfg.Link.StopScanOnTimeout {
		t.Error("Link.StopScanOnTimeout should default to false")
	}
	if cfg.Settings.Path == "" {
		t.Error("Settings.Path should not be empty")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
transport: simulated
log_level: debug
device:
  target_name: Core-Dev
  requested_mtu: 185
simulated:
  url: ws://10.0.0.2:9000/core
link:
  radio_interval: 15s
  response_timeout: 2.5s
  stop_scan_on_timeout: true
  inter_chunk_delay: 0s
settings:
  path: /tmp/corelink.db
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Transport != TransportSimulated {
		t.Errorf("Transport = %q, want %q", cfg.Transport, TransportSimulated)
	}
	if cfg.Device.TargetName != "Core-Dev" {
		t.Errorf("Device.TargetName = %q, want %q", cfg.Device.TargetName, "Core-Dev")
	}
	if cfg.Device.RequestedMTU != 185 {
		t.Errorf("Device.RequestedMTU = %d, want 185", cfg.Device.RequestedMTU)
	}
	if cfg.Simulated.URL != "ws://10.0.0.2:9000/core" {
		t.Errorf("Simulated.URL = %q", cfg.Simulated.URL)
	}
	if cfg.Link.RadioInterval != 15*time.Second {
		t.Errorf("Link.RadioInterval = %v, want 15s", cfg.Link.RadioInterval)
	}
	if cfg.Link.ResponseTimeout != 2500*time.Millisecond {
		t.Errorf("Link.ResponseTimeout = %v, want 2.5s", cfg.Link.ResponseTimeout)
	}
	if !cfg.Link.StopScanOnTimeout {
		t.Error("Link.StopScanOnTimeout = false, want true")
	}
	if cfg.Link.InterChunkDelay != 0 {
		t.Errorf("Link.InterChunkDelay = %v, want 0", cfg.Link.InterChunkDelay)
	}
	// Unset fields keep their defaults.
	if cfg.Link.ScanTimeout != 10*time.Second {
		t.Errorf("Link.ScanTimeout = %v, want default 10s", cfg.Link.ScanTimeout)
	}
	if cfg.Device.ServiceUUID == "" {
		t.Error("Device.ServiceUUID lost its default")
	}
	if cfg.Settings.Path != "/tmp/corelink.db" {
		t.Errorf("Settings.Path = %q", cfg.Settings.Path)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	yamlContent := `
settings:
  path: ~/data/settings.db
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	expected := filepath.Join(home, "data/settings.db")
	if cfg.Settings.Path != expected {
		t.Errorf("Settings.Path = %q, want %q", cfg.Settings.Path, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadBadDuration(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("link:\n  radio_interval: soon\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should fail for an unparseable duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "radio transport",
			modify:  func(c *Config) { c.Transport = TransportRadio },
			wantErr: false,
		},
		{
			name:    "invalid transport",
			modify:  func(c *Config) { c.Transport = "usb" },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
		{
			name:    "empty target name",
			modify:  func(c *Config) { c.Device.TargetName = "" },
			wantErr: true,
		},
		{
			name:    "empty service uuid",
			modify:  func(c *Config) { c.Device.ServiceUUID = "" },
			wantErr: true,
		},
		{
			name:    "mtu below minimum",
			modify:  func(c *Config) { c.Device.RequestedMTU = 22 },
			wantErr: true,
		},
		{
			name:    "mtu above maximum",
			modify:  func(c *Config) { c.Device.RequestedMTU = 513 },
			wantErr: true,
		},
		{
			name:    "mtu at bounds",
			modify:  func(c *Config) { c.Device.RequestedMTU = 512 },
			wantErr: false,
		},
		{
			name:    "zero response timeout",
			modify:  func(c *Config) { c.Link.ResponseTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "negative settle",
			modify:  func(c *Config) { c.Link.NotifySettle = -time.Second },
			wantErr: true,
		},
		{
			name:    "zero connect attempts",
			modify:  func(c *Config) { c.Link.ConnectAttempts = 0 },
			wantErr: true,
		},
		{
			name:    "empty simulated url",
			modify:  func(c *Config) { c.Simulated.URL = "" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLinkOptions(t *testing.T) {
	cfg := Default()
	cfg.Device.TargetName = "Core-Dev"
	cfg.Device.RequireLocation = true
	cfg.Link.InterChunkDelay = 0
	cfg.Link.StopScanOnTimeout = true

	opts := cfg.LinkOptions()
	if opts.TargetName != "Core-Dev" || !opts.RequireLocation || !opts.StopScanOnTimeout {
		t.Errorf("LinkOptions() = %+v", opts)
	}
	if opts.InterChunkDelay != 0 {
		t.Errorf("InterChunkDelay = %v, want 0", opts.InterChunkDelay)
	}
	if opts.ResponseTimeout != cfg.Link.ResponseTimeout {
		t.Errorf("ResponseTimeout = %v, want %v", opts.ResponseTimeout, cfg.Link.ResponseTimeout)
	}

	radio := cfg.RadioOptions()
	if radio.ConnectAttempts != 5 || radio.ConnectInterval != 500*time.Millisecond {
		t.Errorf("RadioOptions() = %+v", radio)
	}
	sim := cfg.SimulatedOptions()
	if sim.URL != cfg.Simulated.URL || sim.Name != "Core-Dev" {
		t.Errorf("SimulatedOptions() = %+v", sim)
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "corelink", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# corelink") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Link.ResponseTimeout != 4500*time.Millisecond {
		t.Errorf("written config Link.ResponseTimeout = %v, want 4.5s", cfg.Link.ResponseTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("written config invalid: %v", err)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "corelink")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("transport: radio\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
