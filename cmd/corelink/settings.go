package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/chaz8081/corelink/internal/config"
	"github.com/chaz8081/corelink/internal/settings"
)

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write the default config file if none exists",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.WriteDefault()
		if err != nil {
			return err
		}
		if path == "" {
			fmt.Fprintf(cmd.OutOrStdout(), "config already exists at %s\n", config.DefaultConfigPath())
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

var simulatedPuckCmd = &cobra.Command{
	Use:   "simulated-puck [true|false]",
	Short: "Show or set the simulated_puck setting",
	Long: `Show or set the simulated_puck setting. It selects the simulated transport
when the config file leaves transport empty.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withStore(ctx, func(s settings.Store) error {
			if len(args) == 1 {
				on, err := strconv.ParseBool(args[0])
				if err != nil {
					return fmt.Errorf("simulated-puck: %w", err)
				}
				if err := settings.Save(ctx, s, settings.KeySimulatedPuck, on); err != nil {
					return err
				}
			}
			on, err := settings.Load(ctx, s, settings.KeySimulatedPuck, false)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "simulated_puck = %t\n", on)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(initConfigCmd, simulatedPuckCmd)
}
