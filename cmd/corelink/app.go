package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/corelink/internal/ble"
	"github.com/chaz8081/corelink/internal/config"
	"github.com/chaz8081/corelink/internal/events"
	"github.com/chaz8081/corelink/internal/link"
	"github.com/chaz8081/corelink/internal/platform"
	"github.com/chaz8081/corelink/internal/settings"
)

// app is the wired link stack shared by the subcommands.
type app struct {
	store   settings.Store
	bus     *events.Bus
	manager *link.Manager
	closers []func() error
}

// consolePermissions asks the operator to grant what the core unit needs.
type consolePermissions struct{}

func (consolePermissions) RequestPermissions() {
	slog.Warn("[APP] core unit needs permissions; grant Bluetooth and location access to this process and retry")
}

func openStore(ctx context.Context, c *config.Config) (settings.Store, error) {
	var inner settings.Store
	db, err := settings.OpenSQLite(c.Settings.Path)
	if err != nil {
		slog.Warn("[APP] settings database unavailable, using memory", "path", c.Settings.Path, "error", err)
		inner = settings.NewMemoryStore()
	} else {
		inner = db
	}
	store, err := settings.SealFromEnv(ctx, inner, settings.KeyAuthSecretKey)
	if err != nil {
		inner.Close()
		return nil, err
	}
	return store, nil
}

// transportKind resolves the configured transport, consulting the
// simulated_puck setting when the config leaves it empty.
func transportKind(ctx context.Context, c *config.Config, store settings.Store) ble.Kind {
	switch c.Transport {
	case config.TransportRadio:
		return ble.KindRadio
	case config.TransportSimulated:
		return ble.KindSimulated
	}
	sim, err := settings.Load(ctx, store, settings.KeySimulatedPuck, false)
	if err != nil {
		slog.Warn("[APP] could not read simulated_puck setting", "error", err)
	}
	if sim {
		return ble.KindSimulated
	}
	return ble.KindRadio
}

func newApp(ctx context.Context, c *config.Config) (*app, error) {
	store, err := openStore(ctx, c)
	if err != nil {
		return nil, err
	}
	a := &app{store: store, bus: events.NewBus()}
	a.closers = append(a.closers, store.Close)

	var (
		transport ble.Transport
		probes    platform.Probes
	)
	switch kind := transportKind(ctx, c, store); kind {
	case ble.KindSimulated:
		transport = ble.NewSimulatedTransport(c.SimulatedOptions())
		probes = platform.Static{Bluetooth: true, Location: true}
	default:
		opts := c.RadioOptions()
		bluez, err := platform.NewBlueZ(c.Device.BlueZAdapter)
		if err != nil {
			slog.Warn("[APP] BlueZ unavailable, skipping capability checks and bonding", "error", err)
		} else {
			probes = bluez
			opts.Bonder = bluez
			a.closers = append(a.closers, bluez.Close)
		}
		transport = ble.NewRadioTransport(ble.NewTinyGoAdapter(), opts)
	}
	slog.Info("[APP] transport selected", "kind", transport.Kind())

	opts := c.LinkOptions()
	opts.Permissions = consolePermissions{}
	a.manager = link.New(transport, a.bus, store, probes, opts)
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// start runs the supervisor in the background and waits until the core
// unit is connected or timeout passes. The returned stop function cancels
// the supervisor and waits for it to exit.
func (a *app) start(ctx context.Context, timeout time.Duration) (stop func(), err error) {
	connected, unsub := a.bus.Subscribe(events.DeviceConnected)
	defer unsub()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.manager.Run(runCtx) }()
	stop = func() {
		cancel()
		if err := <-done; err != nil {
			slog.Warn("[APP] supervisor exited", "error", err)
		}
	}

	select {
	case <-connected:
		return stop, nil
	case err := <-done:
		cancel()
		if err == nil {
			err = ctx.Err()
		}
		return nil, err
	case <-time.After(timeout):
		stop()
		return nil, fmt.Errorf("core unit not connected after %s", timeout)
	case <-ctx.Done():
		stop()
		return nil, ctx.Err()
	}
}

// retryBusy repeats send while another command holds the gateway.
func retryBusy(ctx context.Context, send func() error) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		err := send()
		if !errors.Is(err, link.ErrBusy) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-ticker.C:
		}
	}
}
