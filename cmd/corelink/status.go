package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/corelink/internal/events"
	"github.com/chaz8081/corelink/internal/router"
)

var (
	statusConnectTimeout time.Duration
	statusWait           time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Connect and print the core unit's status snapshot",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	addConnectFlags(statusCmd, &statusConnectTimeout, &statusWait)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// Subscribe before connecting: the connect pipeline requests status itself.
	evs, unsub := a.bus.Subscribe(events.StatusUpdateReceived)
	defer unsub()

	stop, err := a.start(ctx, statusConnectTimeout)
	if err != nil {
		return err
	}
	defer stop()

	select {
	case ev := <-evs:
		return printStatus(cmd, ev.Payload.(router.StatusUpdate))
	case <-time.After(statusWait):
	}

	if err := retryBusy(ctx, func() error { return a.manager.Gateway().RequestStatus(ctx) }); err != nil {
		return err
	}
	select {
	case ev := <-evs:
		return printStatus(cmd, ev.Payload.(router.StatusUpdate))
	case <-time.After(statusWait):
		return fmt.Errorf("no status received")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func printStatus(cmd *cobra.Command, st router.StatusUpdate) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, st.Status, "", "  "); err != nil {
		return fmt.Errorf("status is not valid JSON: %w", err)
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(cmd.OutOrStdout())
	return err
}

var forgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Forget the remembered core unit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.manager.Forget(context.WithoutCancel(cmd.Context())); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "remembered core unit cleared")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(forgetCmd)
}
