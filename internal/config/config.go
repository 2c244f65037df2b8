package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/corelink/internal/ble"
	"github.com/chaz8081/corelink/internal/ble/protocol"
	"github.com/chaz8081/corelink/internal/link"
)

// Transport selection values.
const (
	TransportAuto      = ""
	TransportRadio     = "radio"
	TransportSimulated = "simulated"
)

// Config holds all application configuration.
type Config struct {
	Transport string          `yaml:"transport"` // "radio", "simulated" or "" to follow the simulated_puck setting
	LogLevel  string          `yaml:"log_level"`
	Device    DeviceConfig    `yaml:"device"`
	Simulated SimulatedConfig `yaml:"simulated"`
	Link      LinkConfig      `yaml:"link"`
	Settings  SettingsConfig  `yaml:"settings"`
}

// DeviceConfig identifies the core unit on the radio.
type DeviceConfig struct {
	TargetName         string `yaml:"target_name"`
	ServiceUUID        string `yaml:"service_uuid"`
	CharacteristicUUID string `yaml:"characteristic_uuid"`
	RequestedMTU       int    `yaml:"requested_mtu"`
	BlueZAdapter       string `yaml:"bluez_adapter"`
	RequireLocation    bool   `yaml:"require_location"`
}

// SimulatedConfig holds the local core endpoints.
type SimulatedConfig struct {
	URL        string `yaml:"url"`
	ListenAddr string `yaml:"listen_addr"`
}

// LinkConfig holds supervisor and gateway timings.
type LinkConfig struct {
	RadioInterval              time.Duration `yaml:"radio_interval"`
	SimulatedIdleInterval      time.Duration `yaml:"simulated_idle_interval"`
	SimulatedConnectedInterval time.Duration `yaml:"simulated_connected_interval"`
	ResponseTimeout            time.Duration `yaml:"response_timeout"`
	ScanTimeout                time.Duration `yaml:"scan_timeout"`
	StopScanOnTimeout          bool          `yaml:"stop_scan_on_timeout"`
	ConnectAttempts            int           `yaml:"connect_attempts"`
	ConnectInterval            time.Duration `yaml:"connect_interval"`
	NotifySettle               time.Duration `yaml:"notify_settle"`
	InterChunkDelay            time.Duration `yaml:"inter_chunk_delay"`
	ReassemblyTimeout          time.Duration `yaml:"reassembly_timeout"`
}

// SettingsConfig locates the persistent settings store.
type SettingsConfig struct {
	Path string `yaml:"path"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "corelink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	lo := link.DefaultOptions()

	return &Config{
		Transport: TransportAuto,
		LogLevel:  "info",
		Device: DeviceConfig{
			TargetName:         lo.TargetName,
			ServiceUUID:        ble.ServiceUUID,
			CharacteristicUUID: ble.CharacteristicUUID,
			RequestedMTU:       ble.TargetMTU,
			BlueZAdapter:       "hci0",
		},
		Simulated: SimulatedConfig{
			URL:        ble.DefaultSimulatedURL,
			ListenAddr: "127.0.0.1:8765",
		},
		Link: LinkConfig{
			RadioInterval:              lo.RadioInterval,
			SimulatedIdleInterval:      lo.SimulatedIdleInterval,
			SimulatedConnectedInterval: lo.SimulatedConnectedInterval,
			ResponseTimeout:            lo.ResponseTimeout,
			ScanTimeout:                lo.ScanTimeout,
			ConnectAttempts:            ble.DefaultConnectAttempts,
			ConnectInterval:            ble.DefaultConnectInterval,
			NotifySettle:               lo.NotifySettle,
			InterChunkDelay:            lo.InterChunkDelay,
			ReassemblyTimeout:          lo.ReassemblyTimeout,
		},
		Settings: SettingsConfig{
			Path: filepath.Join(home, ".local", "share", "corelink", "settings.db"),
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in settings.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Settings.Path = expandTilde(cfg.Settings.Path)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportAuto, TransportRadio, TransportSimulated:
	default:
		return fmt.Errorf("transport must be \"radio\", \"simulated\" or empty, got %q", c.Transport)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Device.TargetName == "" {
		return fmt.Errorf("device.target_name must not be empty")
	}
	if c.Device.ServiceUUID == "" || c.Device.CharacteristicUUID == "" {
		return fmt.Errorf("device.service_uuid and device.characteristic_uuid must not be empty")
	}
	if c.Device.RequestedMTU < protocol.DefaultMTU || c.Device.RequestedMTU > protocol.MaxMTU {
		return fmt.Errorf("device.requested_mtu must be between %d and %d, got %d",
			protocol.DefaultMTU, protocol.MaxMTU, c.Device.RequestedMTU)
	}

	if c.Simulated.URL == "" {
		return fmt.Errorf("simulated.url must not be empty")
	}

	l := c.Link
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"radio_interval", l.RadioInterval},
		{"simulated_idle_interval", l.SimulatedIdleInterval},
		{"simulated_connected_interval", l.SimulatedConnectedInterval},
		{"response_timeout", l.ResponseTimeout},
		{"scan_timeout", l.ScanTimeout},
		{"connect_interval", l.ConnectInterval},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("link.%s must be > 0, got %s", p.name, p.d)
		}
	}
	if l.NotifySettle < 0 || l.InterChunkDelay < 0 || l.ReassemblyTimeout < 0 {
		return fmt.Errorf("link.notify_settle, inter_chunk_delay and reassembly_timeout must not be negative")
	}
	if l.ConnectAttempts < 1 {
		return fmt.Errorf("link.connect_attempts must be >= 1, got %d", l.ConnectAttempts)
	}

	return nil
}

// LinkOptions converts the config into connection manager options.
func (c *Config) LinkOptions() link.Options {
	return link.Options{
		TargetName:                 c.Device.TargetName,
		ServiceUUID:                c.Device.ServiceUUID,
		RequestedMTU:               c.Device.RequestedMTU,
		RadioInterval:              c.Link.RadioInterval,
		SimulatedIdleInterval:      c.Link.SimulatedIdleInterval,
		SimulatedConnectedInterval: c.Link.SimulatedConnectedInterval,
		ResponseTimeout:            c.Link.ResponseTimeout,
		ScanTimeout:                c.Link.ScanTimeout,
		StopScanOnTimeout:          c.Link.StopScanOnTimeout,
		NotifySettle:               c.Link.NotifySettle,
		InterChunkDelay:            c.Link.InterChunkDelay,
		ReassemblyTimeout:          c.Link.ReassemblyTimeout,
		RequireLocation:            c.Device.RequireLocation,
	}
}

// RadioOptions converts the config into radio binding options.
func (c *Config) RadioOptions() ble.RadioOptions {
	opts := ble.DefaultRadioOptions()
	opts.ServiceUUID = c.Device.ServiceUUID
	opts.CharacteristicUUID = c.Device.CharacteristicUUID
	opts.ConnectAttempts = c.Link.ConnectAttempts
	opts.ConnectInterval = c.Link.ConnectInterval
	return opts
}

// SimulatedOptions converts the config into simulated binding options.
func (c *Config) SimulatedOptions() ble.SimulatedOptions {
	return ble.SimulatedOptions{
		URL:             c.Simulated.URL,
		Name:            c.Device.TargetName,
		ConnectAttempts: c.Link.ConnectAttempts,
		ConnectInterval: c.Link.ConnectInterval,
	}
}

// WriteDefault writes the default config to DefaultConfigPath. It returns
// ("", nil) without touching anything when the file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking %s: %w", path, err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	header := "# corelink configuration\n# transport: radio | simulated | \"\" (follow the simulated_puck setting)\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a config log level to slog. Unknown values map to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
