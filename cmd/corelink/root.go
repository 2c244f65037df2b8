package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaz8081/corelink/internal/config"
)

var (
	configPath string
	logLevel   string

	// cfg is loaded by the root pre-run hook.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "corelink",
	Short: "Link to a smart-glasses core unit over Bluetooth LE",
	Long: `corelink keeps a single link to a smart-glasses core unit ("puck"), either
over Bluetooth LE or through a simulated core process on a local websocket.

Transport selection:
  transport: radio       always use the Bluetooth radio
  transport: simulated   always use the local core process
  transport: ""          follow the simulated_puck setting (default radio)

Values listed under sealed settings are encrypted at rest when the
CORELINK_SETTINGS_KEY environment variable is set.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(configPath)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("config validation: %w", err)
		}
		if cmd.Flags().Changed("log-level") {
			c.LogLevel = logLevel
		}
		cfg = c

		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)})
		slog.SetDefault(slog.New(handler))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.config/corelink/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		c, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return c, nil
	}

	return config.Default(), nil
}
