package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chaz8081/corelink/internal/ble/protocol"
	"github.com/chaz8081/corelink/internal/simcore"
)

var (
	simAddr string
	simMTU  int
)

var simcoreCmd = &cobra.Command{
	Use:   "simcore",
	Short: "Serve a simulated core unit on a local websocket",
	Long: `Serve a stand-in core unit for the simulated transport. It answers ping with
a ping and every other command with a status snapshot, keeping simple state
for glasses, apps and the auth key.

Pair it with "transport: simulated" (or the simulated_puck setting) in another
terminal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		addr := simAddr
		if addr == "" {
			addr = cfg.Simulated.ListenAddr
		}
		return simcore.New(simcore.Options{Addr: addr, MTU: simMTU}).ListenAndServe(ctx)
	},
}

func init() {
	rootCmd.AddCommand(simcoreCmd)
	simcoreCmd.Flags().StringVar(&simAddr, "addr", "", "listen address (default: simulated.listen_addr)")
	simcoreCmd.Flags().IntVar(&simMTU, "mtu", protocol.MaxMTU, "MTU used to frame replies")
}
