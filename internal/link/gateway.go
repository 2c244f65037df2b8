package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/corelink/internal/ble/protocol"
)

// ErrBusy is returned when a command is sent while another is awaiting its
// response. The rejected command is not written.
var ErrBusy = errors.New("link: a command is already awaiting a response")

// Gateway sends commands to the core unit. At most one command is in flight;
// any inbound payload confirms it.
type Gateway struct {
	m *Manager

	busy atomic.Bool

	mu     sync.Mutex
	waiter chan bool // true: response seen, false: link lost
}

func newGateway(m *Manager) *Gateway {
	return &Gateway{m: m}
}

// Busy reports whether a command is awaiting its response.
func (g *Gateway) Busy() bool { return g.busy.Load() }

// Send writes cmd and waits for any response. A response timeout is treated
// as loss of the link: the manager is forced to Disconnected and Send
// returns nil. A write failure also disconnects and is returned.
func (g *Gateway) Send(ctx context.Context, cmd protocol.Command) error {
	slog.Info("[GATEWAY] sending", "command", cmd.Command)
	if !g.busy.CompareAndSwap(false, true) {
		slog.Warn("[GATEWAY] command rejected, another is in flight", "command", cmd.Command)
		return ErrBusy
	}
	defer g.busy.Store(false)

	id, mtu, err := g.m.writeTarget()
	if err != nil {
		slog.Warn("[GATEWAY] no link", "command", cmd.Command)
		g.m.bus.Banner("Failed to send "+cmd.Command+": Puck not connected", "error")
		return fmt.Errorf("link: send %s: %w", cmd.Command, err)
	}
	chunks, err := protocol.Encode(cmd, mtu)
	if err != nil {
		slog.Error("[GATEWAY] encode failed", "command", cmd.Command, "mtu", mtu, "error", err)
		g.m.bus.Banner("Failed to send "+cmd.Command+": message too large for the connection", "error")
		return fmt.Errorf("link: send %s: %w", cmd.Command, err)
	}

	wait := g.arm()
	defer g.disarm()

	for i, chunk := range chunks {
		if i > 0 && g.m.opts.InterChunkDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(g.m.opts.InterChunkDelay):
			}
		}
		if err := g.m.transport.WriteChunk(ctx, id, chunk); err != nil {
			slog.Error("[GATEWAY] write failed", "command", cmd.Command, "chunk", i, "error", err)
			g.m.bus.Banner("Write Error - Failed to write data to device: "+err.Error(), "error")
			g.m.forceDisconnect(ctx, "write failure", false)
			return fmt.Errorf("link: write %s: %w", cmd.Command, err)
		}
	}
	slog.Debug("[GATEWAY] sent", "command", cmd.Command, "chunks", len(chunks))

	timer := time.NewTimer(g.m.opts.ResponseTimeout)
	defer timer.Stop()

	select {
	case ok := <-wait:
		if ok {
			slog.Debug("[GATEWAY] response received", "command", cmd.Command)
		}
		return nil
	case <-timer.C:
		slog.Warn("[GATEWAY] no response, treating link as lost", "command", cmd.Command, "timeout", g.m.opts.ResponseTimeout)
		g.m.livenessLost(ctx)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) arm() <-chan bool {
	ch := make(chan bool, 1)
	g.mu.Lock()
	g.waiter = ch
	g.mu.Unlock()
	return ch
}

func (g *Gateway) disarm() {
	g.mu.Lock()
	g.waiter = nil
	g.mu.Unlock()
}

func (g *Gateway) signal(ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.waiter == nil {
		return
	}
	select {
	case g.waiter <- ok:
	default:
	}
	g.waiter = nil
}

// observeResponse confirms the in-flight command, if any.
func (g *Gateway) observeResponse() { g.signal(true) }

// linkLost releases a waiting Send without a response.
func (g *Gateway) linkLost() { g.signal(false) }
