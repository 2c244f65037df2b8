package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/corelink/internal/events"
)

// Run drives the supervisory loop until ctx is done. Each tick either
// heartbeats the connected core unit or tries to find one.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Enable(ctx); err != nil {
		return err
	}
	slog.Info("[LINK] supervisor started", "transport", m.transport.Kind())

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("[LINK] supervisor stopping")
			m.StopScan()
			_ = m.Disconnect(context.WithoutCancel(ctx))
			return nil
		case <-timer.C:
		case <-m.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		m.tick(ctx)
		timer.Reset(m.interval())
	}
}

// Enable powers on the transport. Run calls it; callers driving StartScan
// themselves call it first.
func (m *Manager) Enable(ctx context.Context) error {
	if err := m.transport.Enable(ctx); err != nil {
		return fmt.Errorf("link: enable transport: %w", err)
	}
	return nil
}

// Resume wakes the supervisor for an immediate tick when the link is down,
// e.g. when the host application returns to the foreground.
func (m *Manager) Resume() {
	if m.State() == Connected {
		return
	}
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) interval() time.Duration {
	if !m.simulated() {
		return m.opts.RadioInterval
	}
	if m.State() == Connected {
		return m.opts.SimulatedConnectedInterval
	}
	return m.opts.SimulatedIdleInterval
}

func (m *Manager) tick(ctx context.Context) {
	for _, perr := range m.reasm.Sweep() {
		slog.Warn("[LINK] dropping stale reassembly", "device", perr.DeviceID, "received", perr.Received, "expected", perr.Expected)
		m.bus.Publish(events.ProtocolError, perr)
	}

	if m.simulated() {
		m.probe(ctx)
		return
	}

	switch m.State() {
	case Connected:
		if err := m.gateway.RequestStatus(ctx); err != nil && !errors.Is(err, ErrBusy) {
			slog.Warn("[LINK] heartbeat failed", "error", err)
		}
	case Disconnected:
		if err := m.StartScan(ctx); err != nil {
			slog.Info("[LINK] cannot scan", "error", err)
		}
	default:
		slog.Debug("[LINK] tick skipped", "state", m.State())
	}
}
