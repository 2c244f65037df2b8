package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/corelink/internal/ble/protocol"
)

const notifyBuffer = 64

// RadioOptions configures the radio binding.
type RadioOptions struct {
	ServiceUUID        string
	CharacteristicUUID string
	ConnectAttempts    int
	ConnectInterval    time.Duration
	Bonder             Bonder // nil when the platform bonds implicitly
}

// DefaultRadioOptions returns the production defaults.
func DefaultRadioOptions() RadioOptions {
	return RadioOptions{
		ServiceUUID:        ServiceUUID,
		CharacteristicUUID: CharacteristicUUID,
		ConnectAttempts:    DefaultConnectAttempts,
		ConnectInterval:    DefaultConnectInterval,
	}
}

// radioLink is one connected peripheral and its notification stream.
type radioLink struct {
	conn   Connection
	char   Characteristic
	mu     sync.Mutex
	notify chan []byte
	closed bool
}

func (l *radioLink) deliver(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.notify <- cp:
	default:
		slog.Warn("[BLE] notification dropped, reader not keeping up", "len", len(cp))
	}
}

func (l *radioLink) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.notify)
	}
}

// RadioTransport is the Bluetooth LE binding.
type RadioTransport struct {
	adapter Adapter
	opts    RadioOptions

	mu           sync.Mutex
	enabled      bool
	links        map[string]*radioLink
	stopScan     context.CancelFunc
	onDisconnect func(id string)
}

// NewRadioTransport wraps adapter. Zero-valued options take their defaults.
func NewRadioTransport(adapter Adapter, opts RadioOptions) *RadioTransport {
	def := DefaultRadioOptions()
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = def.ServiceUUID
	}
	if opts.CharacteristicUUID == "" {
		opts.CharacteristicUUID = def.CharacteristicUUID
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = def.ConnectAttempts
	}
	if opts.ConnectInterval <= 0 {
		opts.ConnectInterval = def.ConnectInterval
	}
	t := &RadioTransport{
		adapter: adapter,
		opts:    opts,
		links:   make(map[string]*radioLink),
	}
	adapter.OnDisconnect(t.handleDrop)
	return t
}

func (t *RadioTransport) Kind() Kind { return KindRadio }

func (t *RadioTransport) Enable(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled {
		return nil
	}
	if err := t.adapter.Enable(); err != nil {
		return &TransportError{Op: "enable", Err: err}
	}
	t.enabled = true
	return nil
}

func (t *RadioTransport) Scan(ctx context.Context, serviceUUID string) (<-chan Peripheral, error) {
	t.mu.Lock()
	if t.stopScan != nil {
		t.mu.Unlock()
		return nil, ErrScanInProgress
	}
	scanCtx, cancel := context.WithCancel(ctx)
	t.stopScan = cancel
	t.mu.Unlock()

	out := make(chan Peripheral, 16)
	go func() {
		defer close(out)
		defer func() {
			t.mu.Lock()
			t.stopScan = nil
			t.mu.Unlock()
			cancel()
		}()
		err := t.adapter.Scan(scanCtx, serviceUUID, func(p Peripheral) {
			select {
			case out <- p:
			case <-scanCtx.Done():
			}
		})
		if err != nil && scanCtx.Err() == nil {
			slog.Error("[BLE] scan failed", "error", err)
		}
	}()
	return out, nil
}

func (t *RadioTransport) StopScan() error {
	t.mu.Lock()
	cancel := t.stopScan
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (t *RadioTransport) Connect(ctx context.Context, id string) error {
	conn, err := t.adapter.Connect(ctx, id)
	if err != nil {
		return &TransportError{Op: "connect", DeviceID: id, Err: err}
	}
	if err := Poll(ctx, t.opts.ConnectAttempts, t.opts.ConnectInterval, conn.Connected); err != nil {
		_ = conn.Disconnect()
		return &TransportError{Op: "connect", DeviceID: id, Err: err}
	}
	char, err := conn.DiscoverCharacteristic(t.opts.ServiceUUID, t.opts.CharacteristicUUID)
	if err != nil {
		_ = conn.Disconnect()
		return &TransportError{Op: "connect", DeviceID: id, Err: fmt.Errorf("discover characteristic: %w", err)}
	}

	link := &radioLink{conn: conn, char: char, notify: make(chan []byte, notifyBuffer)}
	t.mu.Lock()
	old := t.links[id]
	t.links[id] = link
	t.mu.Unlock()
	if old != nil {
		old.close()
	}
	slog.Info("[BLE] connected", "device", id)
	return nil
}

func (t *RadioTransport) Bond(ctx context.Context, id string) (bool, error) {
	if t.opts.Bonder == nil {
		return false, nil
	}
	bonded, err := t.opts.Bonder.IsBonded(ctx, id)
	if err != nil {
		return false, &TransportError{Op: "bond", DeviceID: id, Err: err}
	}
	if bonded {
		slog.Debug("[BLE] already bonded", "device", id)
		return true, nil
	}
	if err := t.opts.Bonder.CreateBond(ctx, id); err != nil {
		return false, &TransportError{Op: "bond", DeviceID: id, Err: err}
	}
	slog.Info("[BLE] bonded", "device", id)
	return true, nil
}

func (t *RadioTransport) NegotiateMTU(_ context.Context, id string, requested int) int {
	link := t.link(id)
	if link == nil {
		return protocol.DefaultMTU
	}
	mtu, err := link.char.MTU()
	if err != nil || mtu < protocol.DefaultMTU {
		slog.Warn("[BLE] MTU negotiation failed, using minimum", "device", id, "mtu", mtu, "error", err)
		return protocol.DefaultMTU
	}
	if requested > 0 && requested < mtu {
		mtu = requested
	}
	if mtu > protocol.MaxMTU {
		mtu = protocol.MaxMTU
	}
	return mtu
}

func (t *RadioTransport) WriteChunk(_ context.Context, id string, chunk []byte) error {
	link := t.link(id)
	if link == nil {
		return &TransportError{Op: "write", DeviceID: id, Err: ErrNotConnected}
	}
	if err := link.char.Write(chunk); err != nil {
		return &TransportError{Op: "write", DeviceID: id, Err: err}
	}
	return nil
}

func (t *RadioTransport) Subscribe(id string) (<-chan []byte, error) {
	link := t.link(id)
	if link == nil {
		return nil, &TransportError{Op: "subscribe", DeviceID: id, Err: ErrNotConnected}
	}
	if err := link.char.Subscribe(link.deliver); err != nil {
		return nil, &TransportError{Op: "subscribe", DeviceID: id, Err: err}
	}
	return link.notify, nil
}

func (t *RadioTransport) Disconnect(_ context.Context, id string) error {
	t.mu.Lock()
	link, ok := t.links[id]
	delete(t.links, id)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	link.close()
	if err := link.conn.Disconnect(); err != nil {
		return &TransportError{Op: "disconnect", DeviceID: id, Err: err}
	}
	return nil
}

func (t *RadioTransport) OnDisconnect(fn func(id string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = fn
}

// handleDrop runs when the radio reports a lost link.
func (t *RadioTransport) handleDrop(id string) {
	t.mu.Lock()
	link, ok := t.links[id]
	delete(t.links, id)
	fn := t.onDisconnect
	t.mu.Unlock()
	if !ok {
		return
	}
	link.close()
	slog.Warn("[BLE] link dropped", "device", id)
	if fn != nil {
		fn(id)
	}
}

func (t *RadioTransport) link(id string) *radioLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.links[id]
}

var _ Transport = (*RadioTransport)(nil)
