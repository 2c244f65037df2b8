package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/corelink/internal/ble"
	"github.com/chaz8081/corelink/internal/events"
	"github.com/chaz8081/corelink/internal/link"
)

var scanTimeout time.Duration

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan once for the core unit and report what was found",
	Long: `Start a single scan. Other peripherals advertising the core unit service are
listed as they are found; the command ends when the core unit connects, the
scan stops, or the timeout passes.`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 15*time.Second, "how long to wait")
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), scanTimeout)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	evs, unsub := a.bus.Subscribe(events.DeviceFound, events.DeviceConnected, events.ScanStopped, events.ShowBanner)
	defer unsub()

	if err := a.manager.Enable(ctx); err != nil {
		return err
	}
	if err := a.manager.StartScan(ctx); err != nil {
		return err
	}
	defer a.manager.Disconnect(context.WithoutCancel(ctx))

	out := cmd.OutOrStdout()
	for {
		select {
		case ev := <-evs:
			switch ev.Name {
			case events.DeviceFound:
				p := ev.Payload.(ble.Peripheral)
				fmt.Fprintf(out, "found  %-20s %-17s rssi=%d\n", p.Name, p.ID, p.RSSI)
			case events.DeviceConnected:
				c := ev.Payload.(link.Connection)
				fmt.Fprintf(out, "connected %s (%s) mtu=%d\n", c.DisplayName, c.DeviceID, c.MTU)
				return nil
			case events.ShowBanner:
				fmt.Fprintf(out, "%s\n", ev.Payload.(events.Banner).Message)
			case events.ScanStopped:
				if a.manager.State() == link.Disconnected {
					fmt.Fprintln(out, "scan stopped, core unit not found")
					return nil
				}
			}
		case <-ctx.Done():
			a.manager.StopScan()
			fmt.Fprintln(out, "timeout, core unit not found")
			return nil
		}
	}
}
