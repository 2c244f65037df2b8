package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Keep the core unit connected and print every event",
	Long: `Run the supervisory loop: scan for the core unit, connect, heartbeat it and
reconnect after it drops. Every bus event is printed to stdout as one JSON
line until interrupted.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	evs, unsub := a.bus.Subscribe()
	defer unsub()

	done := make(chan error, 1)
	go func() { done <- a.manager.Run(ctx) }()

	out := cmd.OutOrStdout()
	for {
		select {
		case ev := <-evs:
			if err := writeEvent(out, ev); err != nil {
				return err
			}
		case err := <-done:
			return err
		}
	}
}
