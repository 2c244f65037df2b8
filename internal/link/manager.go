// Package link owns the single connection to the core unit: the connection
// state machine, the supervisory reconnect/heartbeat loop and the
// single-flight command gateway.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/corelink/internal/ble"
	"github.com/chaz8081/corelink/internal/ble/protocol"
	"github.com/chaz8081/corelink/internal/events"
	"github.com/chaz8081/corelink/internal/platform"
	"github.com/chaz8081/corelink/internal/router"
	"github.com/chaz8081/corelink/internal/settings"
)

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Scanning
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrBluetoothOff is returned by StartScan when the adapter is powered down.
	ErrBluetoothOff = errors.New("link: bluetooth is not enabled")
	// ErrLocationOff is returned by StartScan when location is required but unavailable.
	ErrLocationOff = errors.New("link: location is not enabled")
)

const (
	bannerDisconnected = "Puck disconnected"
	simulatedName      = "Simulated Core"
	simulatedRSSI      = -50
)

// Options configures the manager. Zero values take DefaultOptions.
type Options struct {
	TargetName   string
	ServiceUUID  string
	RequestedMTU int

	RadioInterval              time.Duration
	SimulatedIdleInterval      time.Duration
	SimulatedConnectedInterval time.Duration

	ResponseTimeout   time.Duration
	ScanTimeout       time.Duration
	StopScanOnTimeout bool
	NotifySettle      time.Duration
	InterChunkDelay   time.Duration
	ReassemblyTimeout time.Duration
	RequireLocation   bool

	// Permissions handles need_permissions requests from the core unit.
	Permissions router.PermissionRequester
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		TargetName:                 "AugOS",
		ServiceUUID:                ble.ServiceUUID,
		RequestedMTU:               ble.TargetMTU,
		RadioInterval:              30 * time.Second,
		SimulatedIdleInterval:      time.Second,
		SimulatedConnectedInterval: 4 * time.Second,
		ResponseTimeout:            4500 * time.Millisecond,
		ScanTimeout:                10 * time.Second,
		NotifySettle:               500 * time.Millisecond,
		InterChunkDelay:            50 * time.Millisecond,
		ReassemblyTimeout:          10 * time.Second,
	}
}

func (o *Options) fillDefaults() {
	def := DefaultOptions()
	if o.TargetName == "" {
		o.TargetName = def.TargetName
	}
	if o.ServiceUUID == "" {
		o.ServiceUUID = def.ServiceUUID
	}
	if o.RequestedMTU <= 0 {
		o.RequestedMTU = def.RequestedMTU
	}
	if o.RadioInterval <= 0 {
		o.RadioInterval = def.RadioInterval
	}
	if o.SimulatedIdleInterval <= 0 {
		o.SimulatedIdleInterval = def.SimulatedIdleInterval
	}
	if o.SimulatedConnectedInterval <= 0 {
		o.SimulatedConnectedInterval = def.SimulatedConnectedInterval
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = def.ResponseTimeout
	}
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = def.ScanTimeout
	}
	// NotifySettle, InterChunkDelay and ReassemblyTimeout may be zero.
}

// Connection describes the active link.
type Connection struct {
	DeviceID       string `json:"deviceId"`
	DisplayName    string `json:"displayName"`
	SignalStrength int    `json:"signalStrength"`
	MTU            int    `json:"mtuSize"`
	Bonded         bool   `json:"isBonded"`
}

// RememberedDevice is persisted under settings.KeyPreviouslyBondedPuck.
type RememberedDevice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Manager owns the connection to the core unit. All state changes are
// published on the bus.
type Manager struct {
	transport ble.Transport
	bus       *events.Bus
	store     settings.Store
	probes    platform.Probes
	router    *router.Router
	reasm     *protocol.Reassembler
	gateway   *Gateway
	opts      Options

	mu          sync.Mutex
	state       State
	conn        *Connection
	channelOpen bool // simulated: local channel established
	channelMTU  int
	stopScan    context.CancelFunc

	kick chan struct{}
}

// New builds a manager around transport. store and probes may be nil.
func New(transport ble.Transport, bus *events.Bus, store settings.Store, probes platform.Probes, opts Options) *Manager {
	opts.fillDefaults()
	m := &Manager{
		transport: transport,
		bus:       bus,
		store:     store,
		probes:    probes,
		router:    router.New(bus, opts.Permissions),
		reasm:     protocol.NewReassembler(opts.ReassemblyTimeout),
		opts:      opts,
		kick:      make(chan struct{}, 1),
	}
	m.gateway = newGateway(m)
	transport.OnDisconnect(m.handleDrop)
	return m
}

// Gateway returns the command API bound to this manager.
func (m *Manager) Gateway() *Gateway { return m.gateway }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connection returns a copy of the active link, if any.
func (m *Manager) Connection() (Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return Connection{}, false
	}
	return *m.conn, true
}

func (m *Manager) simulated() bool { return m.transport.Kind() == ble.KindSimulated }

// StartScan begins a scan for the target peripheral. It returns once the
// scan is running; a matching peripheral is connected in the background.
// Calls while scanning, connecting or connected are ignored.
func (m *Manager) StartScan(ctx context.Context) error {
	if m.simulated() {
		m.probe(ctx)
		return nil
	}
	if err := m.checkCapabilities(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	if m.state != Disconnected {
		st := m.state
		m.mu.Unlock()
		slog.Debug("[LINK] scan request ignored", "state", st)
		return nil
	}
	m.state = Scanning
	scanCtx, cancel := context.WithCancel(ctx)
	m.stopScan = cancel
	m.mu.Unlock()

	m.bus.Publish(events.ScanStarted, nil)
	slog.Info("[LINK] scanning for core unit", "target", m.opts.TargetName)

	found, err := m.transport.Scan(scanCtx, m.opts.ServiceUUID)
	if err != nil {
		cancel()
		m.mu.Lock()
		m.state = Disconnected
		m.stopScan = nil
		m.mu.Unlock()
		m.bus.Publish(events.ScanStopped, nil)
		return fmt.Errorf("link: scan: %w", err)
	}

	timer := time.AfterFunc(m.opts.ScanTimeout, func() {
		if m.State() != Scanning {
			return
		}
		if m.opts.StopScanOnTimeout {
			slog.Info("[LINK] scan timeout, stopping scan")
			cancel()
			_ = m.transport.StopScan()
			return
		}
		slog.Debug("[LINK] scan timeout elapsed, scan continues")
	})

	go m.watchScan(ctx, found, cancel, timer)
	return nil
}

func (m *Manager) checkCapabilities(ctx context.Context) error {
	if m.probes == nil {
		return nil
	}
	on, err := m.probes.BluetoothEnabled(ctx)
	if err != nil {
		slog.Warn("[LINK] bluetooth state unknown", "error", err)
	} else if !on {
		slog.Info("[LINK] bluetooth is not enabled")
		return ErrBluetoothOff
	}
	if !m.opts.RequireLocation {
		return nil
	}
	on, err = m.probes.LocationEnabled(ctx)
	if err != nil || !on {
		slog.Info("[LINK] location is not enabled", "error", err)
		return ErrLocationOff
	}
	return nil
}

func (m *Manager) watchScan(ctx context.Context, found <-chan ble.Peripheral, cancel context.CancelFunc, timer *time.Timer) {
	defer timer.Stop()
	defer cancel()

	remembered := m.rememberedDevice(ctx)
	for p := range found {
		if p.Name != m.opts.TargetName && (remembered == "" || p.ID != remembered) {
			m.bus.Publish(events.DeviceFound, p)
			continue
		}

		slog.Info("[LINK] found core unit, stopping scan", "device", p.ID, "name", p.Name)
		cancel()
		_ = m.transport.StopScan()

		m.mu.Lock()
		if m.state != Scanning {
			m.mu.Unlock()
			return
		}
		m.state = Connecting
		m.stopScan = nil
		m.mu.Unlock()
		m.bus.Publish(events.ScanStopped, nil)

		if err := m.connect(ctx, p); err != nil {
			slog.Warn("[LINK] connect failed", "device", p.ID, "error", err)
		}
		return
	}

	// Scan ended without a match.
	m.mu.Lock()
	wasScanning := m.state == Scanning
	if wasScanning {
		m.state = Disconnected
		m.stopScan = nil
	}
	m.mu.Unlock()
	if wasScanning {
		m.bus.Publish(events.ScanStopped, nil)
		slog.Info("[LINK] scan stopped")
	}
}

// StopScan ends a running scan.
func (m *Manager) StopScan() {
	m.mu.Lock()
	cancel := m.stopScan
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		_ = m.transport.StopScan()
	}
}

// Connect connects to p directly, without scanning.
func (m *Manager) Connect(ctx context.Context, p ble.Peripheral) error {
	m.mu.Lock()
	if st := m.state; st == Connecting || st == Connected {
		m.mu.Unlock()
		return fmt.Errorf("link: connect %s: already %s", p.ID, st)
	}
	wasScanning := m.state == Scanning
	if wasScanning {
		if m.stopScan != nil {
			m.stopScan()
			m.stopScan = nil
		}
		_ = m.transport.StopScan()
	}
	m.state = Connecting
	m.mu.Unlock()
	if wasScanning {
		m.bus.Publish(events.ScanStopped, nil)
	}
	return m.connect(ctx, p)
}

// connect runs the connect pipeline. The caller has set state to Connecting.
func (m *Manager) connect(ctx context.Context, p ble.Peripheral) error {
	m.bus.Publish(events.ConnectingStatusChanged, events.ConnectingStatus{IsConnecting: true})
	slog.Info("[LINK] connecting", "device", p.ID)

	fail := func(op string, err error, banner string) error {
		_ = m.transport.Disconnect(context.WithoutCancel(ctx), p.ID)
		m.mu.Lock()
		m.state = Disconnected
		m.conn = nil
		m.mu.Unlock()
		m.bus.Banner(banner+err.Error(), "error")
		m.bus.Publish(events.ConnectingStatusChanged, events.ConnectingStatus{IsConnecting: false})
		return fmt.Errorf("link: %s %s: %w", op, p.ID, err)
	}

	if err := m.transport.Connect(ctx, p.ID); err != nil {
		return fail("connect", err, "Error connecting to Puck: ")
	}
	bonded, err := m.transport.Bond(ctx, p.ID)
	if err != nil {
		return fail("bond", err, "Error connecting to Puck: ")
	}
	mtu := m.transport.NegotiateMTU(ctx, p.ID, m.opts.RequestedMTU)
	slog.Info("[LINK] MTU negotiated", "device", p.ID, "mtu", mtu)

	if m.opts.NotifySettle > 0 {
		select {
		case <-ctx.Done():
			return fail("connect", ctx.Err(), "Error connecting to Puck: ")
		case <-time.After(m.opts.NotifySettle):
		}
	}
	notify, err := m.transport.Subscribe(p.ID)
	if err != nil {
		return fail("subscribe", err, "Failed to enable notifications: ")
	}

	conn := Connection{
		DeviceID:       p.ID,
		DisplayName:    p.Name,
		SignalStrength: p.RSSI,
		MTU:            mtu,
		Bonded:         bonded,
	}
	m.reasm.Reset(p.ID)
	m.mu.Lock()
	m.state = Connected
	m.conn = &conn
	m.mu.Unlock()

	go m.readLoop(p.ID, notify)

	slog.Info("[LINK] connected", "device", p.ID, "name", p.Name)
	m.bus.Publish(events.DeviceConnected, conn)
	m.bus.Publish(events.ConnectingStatusChanged, events.ConnectingStatus{IsConnecting: false})
	m.remember(ctx, p)

	if err := m.gateway.RequestStatus(ctx); err != nil {
		slog.Warn("[LINK] initial status request failed", "error", err)
	}
	return nil
}

// ensureChannel opens the simulated channel if needed.
func (m *Manager) ensureChannel(ctx context.Context) error {
	m.mu.Lock()
	open := m.channelOpen
	m.mu.Unlock()
	if open {
		return nil
	}

	id := ble.SimulatedDeviceID
	if err := m.transport.Connect(ctx, id); err != nil {
		return err
	}
	notify, err := m.transport.Subscribe(id)
	if err != nil {
		_ = m.transport.Disconnect(ctx, id)
		return err
	}
	m.reasm.Reset(id)
	m.mu.Lock()
	m.channelOpen = true
	m.channelMTU = m.transport.NegotiateMTU(ctx, id, m.opts.RequestedMTU)
	m.mu.Unlock()

	go m.readLoop(id, notify)
	return nil
}

// probe is the simulated existence check: open the channel and ask for status.
func (m *Manager) probe(ctx context.Context) {
	if err := m.ensureChannel(ctx); err != nil {
		slog.Debug("[LINK] local core not reachable", "error", err)
		return
	}
	if err := m.gateway.RequestStatus(ctx); err != nil && !errors.Is(err, ErrBusy) {
		slog.Debug("[LINK] status probe failed", "error", err)
	}
}

// writeTarget returns where outbound chunks go and at which MTU.
func (m *Manager) writeTarget() (string, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Connected && m.conn != nil {
		return m.conn.DeviceID, m.conn.MTU, nil
	}
	if m.channelOpen {
		return ble.SimulatedDeviceID, m.channelMTU, nil
	}
	return "", 0, ble.ErrNotConnected
}

func (m *Manager) readLoop(id string, notify <-chan []byte) {
	for frame := range notify {
		m.handleFrame(id, frame)
	}
	slog.Debug("[LINK] notification stream closed", "device", id)
}

func (m *Manager) handleFrame(id string, frame []byte) {
	payload, err := m.reasm.Add(id, frame)
	if err != nil {
		slog.Warn("[LINK] protocol error", "device", id, "error", err)
		m.bus.Publish(events.ProtocolError, err)
	}
	if payload != nil {
		m.handlePayload(id, payload)
	}
}

func (m *Manager) handlePayload(id string, p protocol.Payload) {
	if m.simulated() {
		m.markSimulatedConnected(id)
	}
	m.bus.Publish(events.DataReceived, p)
	m.router.Dispatch(p)
	m.gateway.observeResponse()
}

// markSimulatedConnected promotes an open local channel to Connected on the
// first payload from the core process.
func (m *Manager) markSimulatedConnected(id string) {
	m.mu.Lock()
	if m.state == Connected || !m.channelOpen {
		m.mu.Unlock()
		return
	}
	conn := Connection{
		DeviceID:       id,
		DisplayName:    simulatedName,
		SignalStrength: simulatedRSSI,
		MTU:            m.channelMTU,
	}
	m.state = Connected
	m.conn = &conn
	m.mu.Unlock()

	slog.Info("[LINK] local core answered, marking connected")
	m.bus.Publish(events.DeviceConnected, conn)
}

// handleDrop runs when the binding reports a lost link.
func (m *Manager) handleDrop(id string) {
	m.mu.Lock()
	if id == ble.SimulatedDeviceID {
		m.channelOpen = false
	}
	wasConnected := m.state == Connected && m.conn != nil && m.conn.DeviceID == id
	if wasConnected {
		m.state = Disconnected
		m.conn = nil
	}
	m.mu.Unlock()

	m.reasm.Reset(id)
	m.gateway.linkLost()
	if wasConnected {
		slog.Warn("[LINK] core unit disconnected", "device", id)
		m.bus.Banner(bannerDisconnected, "error")
		m.bus.Publish(events.DeviceDisconnected, nil)
	}
}

// forceDisconnect tears the link down after a liveness or write failure. It
// publishes DeviceDisconnected only if the link was Connected, so concurrent
// drop reports produce a single event.
func (m *Manager) forceDisconnect(ctx context.Context, reason string, banner bool) {
	m.mu.Lock()
	var id string
	wasConnected := m.state == Connected && m.conn != nil
	if wasConnected {
		id = m.conn.DeviceID
		m.state = Disconnected
		m.conn = nil
	}
	channel := m.channelOpen
	m.channelOpen = false
	m.mu.Unlock()

	if !wasConnected && !channel {
		return
	}
	if id == "" {
		id = ble.SimulatedDeviceID
	}
	if err := m.transport.Disconnect(context.WithoutCancel(ctx), id); err != nil {
		slog.Warn("[LINK] disconnect failed", "device", id, "error", err)
	}
	m.reasm.Reset(id)

	if wasConnected {
		slog.Warn("[LINK] link lost", "device", id, "reason", reason)
		if banner {
			m.bus.Banner(bannerDisconnected, "error")
		}
		m.bus.Publish(events.DeviceDisconnected, nil)
	}
}

// livenessLost is called when a command got no response in time.
func (m *Manager) livenessLost(ctx context.Context) {
	m.forceDisconnect(ctx, "response timeout", true)
}

// Disconnect closes the link at the user's request.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.StopScan()

	m.mu.Lock()
	var id string
	wasConnected := m.conn != nil
	if wasConnected {
		id = m.conn.DeviceID
	} else if m.channelOpen {
		id = ble.SimulatedDeviceID
	}
	m.state = Disconnected
	m.conn = nil
	m.channelOpen = false
	m.mu.Unlock()

	if id == "" {
		return nil
	}
	m.gateway.linkLost()
	err := m.transport.Disconnect(ctx, id)
	m.reasm.Reset(id)
	if wasConnected {
		slog.Info("[LINK] disconnected", "device", id)
		m.bus.Publish(events.DeviceDisconnected, nil)
	}
	if err != nil {
		return fmt.Errorf("link: disconnect %s: %w", id, err)
	}
	return nil
}

// Forget disconnects and clears the remembered device.
func (m *Manager) Forget(ctx context.Context) error {
	err := m.Disconnect(ctx)
	if m.store != nil {
		if derr := m.store.Delete(ctx, settings.KeyPreviouslyBondedPuck); derr != nil {
			err = errors.Join(err, derr)
		}
	}
	return err
}

func (m *Manager) remember(ctx context.Context, p ble.Peripheral) {
	if m.store == nil || m.simulated() {
		return
	}
	dev := RememberedDevice{ID: p.ID, Name: p.Name}
	if err := settings.Save(ctx, m.store, settings.KeyPreviouslyBondedPuck, dev); err != nil {
		slog.Warn("[LINK] could not remember device", "error", err)
	}
}

func (m *Manager) rememberedDevice(ctx context.Context) string {
	if m.store == nil {
		return ""
	}
	dev, err := settings.Load(ctx, m.store, settings.KeyPreviouslyBondedPuck, RememberedDevice{})
	if err != nil {
		slog.Warn("[LINK] could not read remembered device", "error", err)
	}
	return dev.ID
}
