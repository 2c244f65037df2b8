package ble

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/corelink/internal/ble/protocol"
)

// SimulatedDeviceID is the synthetic peripheral the simulated binding reports.
const SimulatedDeviceID = "simulated-core"

// DefaultSimulatedURL is where a local core process listens.
const DefaultSimulatedURL = "ws://127.0.0.1:8765/core"

// SimulatedOptions configures the simulated binding.
type SimulatedOptions struct {
	URL             string
	Name            string // advertised name reported by Scan
	ConnectAttempts int
	ConnectInterval time.Duration
	Dialer          *websocket.Dialer
	Header          http.Header
}

// SimulatedTransport speaks the chunk protocol over a websocket to a locally
// running core process. Each binary message carries exactly one chunk.
type SimulatedTransport struct {
	opts SimulatedOptions

	mu           sync.Mutex
	conn         *websocket.Conn
	notify       chan []byte
	onDisconnect func(id string)

	writeMu sync.Mutex
}

// NewSimulatedTransport returns an unconnected simulated binding.
func NewSimulatedTransport(opts SimulatedOptions) *SimulatedTransport {
	if opts.URL == "" {
		opts.URL = DefaultSimulatedURL
	}
	if opts.Name == "" {
		opts.Name = SimulatedDeviceID
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = DefaultConnectAttempts
	}
	if opts.ConnectInterval <= 0 {
		opts.ConnectInterval = DefaultConnectInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &SimulatedTransport{opts: opts}
}

func (t *SimulatedTransport) Kind() Kind { return KindSimulated }

func (t *SimulatedTransport) Enable(_ context.Context) error { return nil }

// Scan reports the single synthetic peripheral and ends.
func (t *SimulatedTransport) Scan(_ context.Context, _ string) (<-chan Peripheral, error) {
	out := make(chan Peripheral, 1)
	out <- Peripheral{ID: SimulatedDeviceID, Name: t.opts.Name}
	close(out)
	return out, nil
}

func (t *SimulatedTransport) StopScan() error { return nil }

func (t *SimulatedTransport) Connect(ctx context.Context, id string) error {
	if id != SimulatedDeviceID {
		return &TransportError{Op: "connect", DeviceID: id, Err: ErrUnknownDevice}
	}
	t.mu.Lock()
	open := t.conn != nil
	t.mu.Unlock()
	if open {
		return nil
	}

	var conn *websocket.Conn
	var lastErr error
	err := Poll(ctx, t.opts.ConnectAttempts, t.opts.ConnectInterval, func() bool {
		c, resp, err := t.opts.Dialer.DialContext(ctx, t.opts.URL, t.opts.Header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			lastErr = err
			return false
		}
		conn = c
		return true
	})
	if err != nil {
		if lastErr != nil {
			err = errors.Join(err, lastErr)
		}
		return &TransportError{Op: "connect", DeviceID: id, Err: err}
	}

	notify := make(chan []byte, notifyBuffer)
	t.mu.Lock()
	t.conn = conn
	t.notify = notify
	t.mu.Unlock()

	go t.readLoop(conn, notify)
	slog.Info("[SIM] channel open", "url", t.opts.URL)
	return nil
}

func (t *SimulatedTransport) readLoop(conn *websocket.Conn, notify chan []byte) {
	defer close(notify)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			current := t.conn == conn
			if current {
				t.conn = nil
				t.notify = nil
			}
			fn := t.onDisconnect
			t.mu.Unlock()
			if current {
				slog.Warn("[SIM] channel closed", "error", err)
				_ = conn.Close()
				if fn != nil {
					fn(SimulatedDeviceID)
				}
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		select {
		case notify <- data:
		default:
			slog.Warn("[SIM] chunk dropped, reader not keeping up", "len", len(data))
		}
	}
}

// Bond is a no-op: the local channel has no pairing step.
func (t *SimulatedTransport) Bond(_ context.Context, _ string) (bool, error) { return false, nil }

func (t *SimulatedTransport) NegotiateMTU(_ context.Context, _ string, requested int) int {
	switch {
	case requested < protocol.DefaultMTU:
		return protocol.DefaultMTU
	case requested > protocol.MaxMTU:
		return protocol.MaxMTU
	}
	return requested
}

func (t *SimulatedTransport) WriteChunk(_ context.Context, id string, chunk []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return &TransportError{Op: "write", DeviceID: id, Err: ErrNotConnected}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		return &TransportError{Op: "write", DeviceID: id, Err: err}
	}
	return nil
}

func (t *SimulatedTransport) Subscribe(id string) (<-chan []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.notify == nil {
		return nil, &TransportError{Op: "subscribe", DeviceID: id, Err: ErrNotConnected}
	}
	return t.notify, nil
}

func (t *SimulatedTransport) Disconnect(_ context.Context, id string) error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.notify = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	if err := conn.Close(); err != nil {
		return &TransportError{Op: "disconnect", DeviceID: id, Err: err}
	}
	return nil
}

func (t *SimulatedTransport) OnDisconnect(fn func(id string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = fn
}

var _ Transport = (*SimulatedTransport)(nil)
