package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/corelink/internal/events"
	"github.com/chaz8081/corelink/internal/settings"
)

var (
	authLocalOnly      bool
	authConnectTimeout time.Duration
	authListen         time.Duration
)

// authRecord is the locally stored copy of the core unit credentials.
type authRecord struct {
	UserID string `json:"userId"`
	Key    string `json:"authSecretKey"`
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the auth secret key shared with the core unit",
	Long: `Manage the auth secret key. The key is kept in the settings store, sealed
with AES-GCM when CORELINK_SETTINGS_KEY is set, and pushed to the core unit
unless --local-only is given.`,
}

var authSetCmd = &cobra.Command{
	Use:   "set <userId> <key>",
	Short: "Store the key and send it to the core unit",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec := authRecord{UserID: args[0], Key: args[1]}
		if err := withStore(cmd.Context(), func(s settings.Store) error {
			return settings.Save(cmd.Context(), s, settings.KeyAuthSecretKey, rec)
		}); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "auth secret key stored")
		if authLocalOnly {
			return nil
		}
		return sendAndListen(cmd, authConnectTimeout, authListen, func(ctx context.Context, a *app) error {
			return a.manager.Gateway().SetAuthSecretKey(ctx, rec.UserID, rec.Key)
		}, events.AuthError, events.StatusUpdateReceived, events.ShowBanner)
	},
}

var authVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Ask the core unit to verify its stored key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendAndListen(cmd, authConnectTimeout, authListen, func(ctx context.Context, a *app) error {
			return a.manager.Gateway().VerifyAuthSecretKey(ctx)
		}, events.AuthError, events.StatusUpdateReceived, events.ShowBanner)
	},
}

var authDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the stored key here and on the core unit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := withStore(cmd.Context(), func(s settings.Store) error {
			return s.Delete(cmd.Context(), settings.KeyAuthSecretKey)
		}); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "auth secret key deleted")
		if authLocalOnly {
			return nil
		}
		return sendAndListen(cmd, authConnectTimeout, authListen, func(ctx context.Context, a *app) error {
			return a.manager.Gateway().DeleteAuthSecretKey(ctx)
		}, events.AuthError, events.StatusUpdateReceived, events.ShowBanner)
	},
}

var authShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored user ID",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(s settings.Store) error {
			rec, err := settings.Load(cmd.Context(), s, settings.KeyAuthSecretKey, authRecord{})
			if err != nil {
				return err
			}
			if rec.UserID == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "no auth secret key stored")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s, key stored (%d chars)\n", rec.UserID, len(rec.Key))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authSetCmd, authVerifyCmd, authDeleteCmd, authShowCmd)
	authCmd.PersistentFlags().BoolVar(&authLocalOnly, "local-only", false, "only change the local settings store")
	authCmd.PersistentFlags().DurationVar(&authConnectTimeout, "connect-timeout", 45*time.Second, "how long to wait for the core unit")
	authCmd.PersistentFlags().DurationVar(&authListen, "listen", 2*time.Second, "how long to print events after sending")
}

func withStore(ctx context.Context, fn func(settings.Store) error) error {
	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}
