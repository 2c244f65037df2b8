package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/corelink/internal/ble/protocol"
	"github.com/chaz8081/corelink/internal/events"
)

var (
	sendParams         string
	sendConnectTimeout time.Duration
	sendListen         time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send <command>",
	Short: "Send one command to the core unit and print the replies",
	Long: `Connect to the core unit, send a single command and print the events that
follow it for --listen.

Examples:
  corelink send ping
  corelink send enable_sensing --params '{"enabled":true}'
  corelink send start_app --params '{"target":"com.example.captions","repository":""}'`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendParams, "params", "", "command params as a JSON object")
	addConnectFlags(sendCmd, &sendConnectTimeout, &sendListen)
}

func addConnectFlags(cmd *cobra.Command, connect, listen *time.Duration) {
	cmd.Flags().DurationVar(connect, "connect-timeout", 45*time.Second, "how long to wait for the core unit")
	cmd.Flags().DurationVar(listen, "listen", 2*time.Second, "how long to print events after sending")
}

func runSend(cmd *cobra.Command, args []string) error {
	params, err := parseParams(sendParams)
	if err != nil {
		return err
	}
	command := protocol.NewCommand(args[0], params)
	return sendAndListen(cmd, sendConnectTimeout, sendListen, func(ctx context.Context, a *app) error {
		return a.manager.Gateway().Send(ctx, command)
	})
}

// sendAndListen connects, runs send and prints inbound events for listen.
func sendAndListen(cmd *cobra.Command, connect, listen time.Duration, send func(context.Context, *app) error, names ...events.Name) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	stop, err := a.start(ctx, connect)
	if err != nil {
		return err
	}
	defer stop()

	if len(names) == 0 {
		names = []events.Name{
			events.StatusUpdateReceived, events.GlassesDisplayEvent, events.ShowBanner,
			events.SearchResult, events.SearchStop, events.AppInfoResult, events.AppIsDownloaded,
			events.PermissionsNeeded, events.AuthError, events.StatusParseError, events.ProtocolError,
			events.DeviceDisconnected,
		}
	}
	evs, unsub := a.bus.Subscribe(names...)
	defer unsub()

	// The connect pipeline's own status request may still be in flight.
	if err := retryBusy(ctx, func() error { return send(ctx, a) }); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	deadline := time.After(listen)
	for {
		select {
		case ev := <-evs:
			if err := writeEvent(out, ev); err != nil {
				return err
			}
		case <-deadline:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
