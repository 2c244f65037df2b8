package link

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/chaz8081/corelink/internal/ble"
	"github.com/chaz8081/corelink/internal/ble/protocol"
	"github.com/chaz8081/corelink/internal/events"
	"github.com/chaz8081/corelink/internal/platform"
	"github.com/chaz8081/corelink/internal/settings"
)

func newTestManager(t *testing.T, tr *mockTransport, opts Options) (*Manager, *events.Bus, settings.Store) {
	t.Helper()
	bus := events.NewBus()
	store := settings.NewMemoryStore()
	m := New(tr, bus, store, platform.Static{Bluetooth: true}, opts)
	return m, bus, store
}

func connectDirect(t *testing.T, m *Manager) {
	t.Helper()
	if err := m.Connect(context.Background(), corePeripheral); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if m.State() != Connected {
		t.Fatalf("state = %s, want connected", m.State())
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		Disconnected: "disconnected",
		Scanning:     "scanning",
		Connecting:   "connecting",
		Connected:    "connected",
	}
	for st, want := range tests {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(st), got, want)
		}
	}
}

func TestScanConnectsToTarget(t *testing.T) {
	tr := newMockTransport(ble.KindRadio)
	tr.peripherals = []ble.Peripheral{{ID: "11:22", Name: "Headphones"}, corePeripheral}
	m, bus, store := newTestManager(t, tr, testOptions())

	ch, unsub := bus.Subscribe()
	defer unsub()

	if err := m.StartScan(context.Background()); err != nil {
		t.Fatalf("StartScan() error: %v", err)
	}
	waitFor(t, ch, events.StatusUpdateReceived)

	// Remember happens before the initial status request is written.
	dev, err := settings.Load(context.Background(), store, settings.KeyPreviouslyBondedPuck, RememberedDevice{})
	if err != nil {
		t.Fatal(err)
	}
	if dev.ID != corePeripheral.ID {
		t.Errorf("remembered device = %q, want %q", dev.ID, corePeripheral.ID)
	}

	conn, ok := m.Connection()
	if !ok {
		t.Fatal("Connection() reported no link")
	}
	if conn.MTU != 185 || conn.DisplayName != "AugOS" || conn.SignalStrength != -60 || !conn.Bonded {
		t.Errorf("Connection() = %+v", conn)
	}

	cmds := tr.sent()
	if len(cmds) == 0 || cmds[0].Command != protocol.CmdRequestStatus {
		t.Errorf("first command = %+v, want request_status", cmds)
	}
}

func TestConnectionReportsBondFromTransport(t *testing.T) {
	tr := newMockTransport(ble.KindRadio)
	tr.bonds = false
	m, _, _ := newTestManager(t, tr, testOptions())
	connectDirect(t, m)

	conn, ok := m.Connection()
	if !ok {
		t.Fatal("Connection() reported no link")
	}
	if conn.Bonded {
		t.Error("Connection().Bonded = true for a radio link that never bonded")
	}
}

func TestConnectEventOrder(t *testing.T) {
	tr := newMockTransport(ble.KindRadio)
	tr.peripherals = []ble.Peripheral{corePeripheral}
	m, bus, _ := newTestManager(t, tr, testOptions())

	ch, unsub := bus.Subscribe(
		events.ScanStarted, events.ScanStopped, events.ConnectingStatusChanged,
		events.DeviceConnected, events.StatusUpdateReceived,
	)
	defer unsub()

	if err := m.StartScan(context.Background()); err != nil {
		t.Fatal(err)
	}

	var got []events.Name
	deadline := time.After(2 * time.Second)
	for len(got) < 6 {
		select {
		case ev := <-ch:
			got = append(got, ev.Name)
		case <-deadline:
			t.Fatalf("timed out, got %v", got)
		}
	}
	want := []events.Name{
		events.ScanStarted, events.ScanStopped, events.ConnectingStatusChanged,
		events.DeviceConnected, events.ConnectingStatusChanged, events.StatusUpdateReceived,
	}
	if !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestConnectDuringScanStopsScan(t *testing.T) {
	tr := newMockTransport(ble.KindRadio)
	tr.holdScan = true
	m, bus, _ := newTestManager(t, tr, testOptions())

	ch, unsub := bus.Subscribe(events.ScanStarted, events.ScanStopped, events.DeviceConnected)
	defer unsub()

	if err := m.StartScan(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, m, Scanning)
	connectDirect(t, m)

	evs := collect(ch, 50*time.Millisecond)
	if n := count(evs, events.ScanStopped); n != 1 {
		t.Errorf("ScanStopped published %d times, want 1", n)
	}
	if len(evs) < 2 || evs[0].Name != events.ScanStarted || evs[1].Name != events.ScanStopped {
		t.Errorf("events = %v, want scanStarted then scanStopped first", evs)
	}
}

func TestScanReportsOtherDevices(t *testing.T) {
	tr := newMockTransport(ble.KindRadio)
	tr.peripherals = []ble.Peripheral{{ID: "11:22", Name: "Watch"}}
	m, bus, _ := newTestManager(t, tr, testOptions())

	ch, unsub := bus.Subscribe(events.DeviceFound, events.ScanStopped)
	defer unsub()

	if err := m.StartScan(context.Background()); err != nil {
		t.Fatal(err)
	}
	ev := waitFor(t, ch, events.DeviceFound)
	if p, ok := ev.Payload.(ble.Peripheral); !ok || p.Name != "Watch" {
		t.Errorf("DeviceFound payload = %#v", ev.Payload)
	}
	waitFor(t, ch, events.ScanStopped)
	waitState(t, m, Disconnected)
	if tr.connects != 0 {
		t.Errorf("connects = %d, want 0", tr.connects)
	}
}

func TestScanMatchesRememberedDevice(t *testing.T) {
	tr := newMockTransport(ble.KindRadio)
	renamed := ble.Peripheral{ID: "AA:BB:CC:DD:EE:FF", Name: "Core-7"}
	tr.peripherals = []ble.Peripheral{renamed}
	m, bus, store := newTestManager(t, tr, testOptions())
	if err := settings.Save(context.Background(), store, settings.KeyPreviouslyBondedPuck, RememberedDevice{ID: renamed.ID}); err != nil {
		t.Fatal(err)
	}

	ch, unsub := bus.Subscribe(events.DeviceConnected)
	defer unsub()
	if err := m.StartScan(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, ch, events.DeviceConnected)
}

func TestStartScanIgnoredWhenConnected(t *testing.T) {
	tr := newMockTransport(ble.KindRadio)
	m, _, _ := newTestManager(t, tr, testOptions())
	connectDirect(t, m)

	if err := m.StartScan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tr.scans != 0 {
		t.Errorf("scans = %d, want 0", tr.scans)
	}
	if m.State() != Connected {
		t.Errorf("state = %s, want connected", m.State())
	}
}

func TestStartScanCapabilityChecks(t *testing.T) {
	tests := []struct {
		name    string
		probes  platform.Static
		require bool
		wantErr error
	}{
		{"bluetooth off", platform.Static{}, false, ErrBluetoothOff},
		{"location off", platform.Static{Bluetooth: true}, true, ErrLocationOff},
		{"location not required", platform.Static{Bluetooth: true}, false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newMockTransport(ble.KindRadio)
			opts := testOptions()
			opts.RequireLocation = tt.require
			m := New(tr, events.NewBus(), nil, tt.probes, opts)

			err := m.StartScan(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("StartScan() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil && tr.scans != 0 {
				t.Errorf("scans = %d, want 0", tr.scans)
			}
		})
	}
}

func TestConnectFailureBanner(t *testing.T) {
	tr := newMockTransport(ble.KindRadio)
	tr.connectErr = errors.New("boom")
	m, bus, _ := newTestManager(t, tr, testOptions())

	ch, unsub := bus.Subscribe(events.ShowBanner, events.ConnectingStatusChanged, events.DeviceConnected)
	defer unsub()

	if err := m.Connect(context.Background(), corePeripheral); err == nil {
		t.Fatal("Connect() expected error")
	}
	if m.State() != Disconnected {
		t.Errorf("state = %s, want disconnected", m.State())
	}

	evs := collect(ch, 50*time.Millisecond)
	if got := banners(evs); !slices.Equal(got, []string{"Error connecting to Puck: boom"}) {
		t.Errorf("banners = %q", got)
	}
	if count(evs, events.DeviceConnected) != 0 {
		t.Error("DeviceConnected published on failure")
	}
	last := evs[len(evs)-1]
	if cs, ok := last.Payload.(events.ConnectingStatus); !ok || cs.IsConnecting {
		t.Errorf("last event = %+v, want connecting=false", last)
	}
}

func TestSubscribeFailureBanner(t *testing.T) {
	tr := newMockTransport(ble.KindRadio)
	tr.subErr = errors.New("cccd write rejected")
	m, bus, _ := newTestManager(t, tr, testOptions())

	ch, unsub := bus.Subscribe(events.ShowBanner)
	defer unsub()

	if err := m.Connect(context.Background(), corePeripheral); err == nil {
		t.Fatal("Connect() expected error")
	}
	ev := waitFor(t, ch, events.ShowBanner)
	if b := ev.Payload.(events.Banner); b.Message != "Failed to enable notifications: cccd write rejected" {
		t.Errorf("banner = %q", b.Message)
	}
	if tr.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", tr.disconnects)
	}
}

func TestHeartbeatTimeoutDisconnectsOnce(t *testing.T) {
	tr := newMockTransport(ble.KindRadio)
	m, bus, _ := newTestManager(t, tr, testOptions())
	connectDirect(t, m)

	ch, unsub := bus.Subscribe(events.DeviceDisconnected, events.ShowBanner, events.ScanStarted, events.ScanStopped)
	defer unsub()

	tr.setReply(nil)
	m.tick(context.Background())

	if m.State() != Disconnected {
		t.Fatalf("state = %s, want disconnected", m.State())
	}
	// A late drop report from the binding must not publish a second event.
	tr.drop(corePeripheral.ID)

	evs := collect(ch, 50*time.Millisecond)
	if n := count(evs, events.DeviceDisconnected); n != 1 {
		t.Errorf("DeviceDisconnected published %d times, want 1", n)
	}
	if got := banners(evs); !slices.Equal(got, []string{"Puck disconnected"}) {
		t.Errorf("banners = %q", got)
	}

	// Next tick rescans.
	m.tick(context.Background())
	waitFor(t, ch, events.ScanStopped)
	if tr.scans != 1 {
		t.Errorf("scans = %d, want 1", tr.scans)
	}
}

func TestRemoteDropPublishesOnce(t *testing.T) {
	tr := newMockTransport(ble.KindRadio)
	m, bus, _ := newTestManager(t, tr, testOptions())
	connectDirect(t, m)

	ch, unsub := bus.Subscribe(events.DeviceDisconnected, events.ShowBanner)
	defer unsub()

	tr.drop(corePeripheral.ID)
	tr.drop(corePeripheral.ID)

	evs := collect(ch, 50*time.Millisecond)
	if n := count(evs, events.DeviceDisconnected); n != 1 {
		t.Errorf("DeviceDisconnected published %d times, want 1", n)
	}
	if got := banners(evs); !slices.Equal(got, []string{"Puck disconnected"}) {
		t.Errorf("banners = %q", got)
	}
	if _, ok := m.Connection(); ok {
		t.Error("Connection() still reports a link")
	}
}

func TestDropForOtherDeviceIgnored(t *testing.T) {
	tr := newMockTransport(ble.KindRadio)
	m, _, _ := newTestManager(t, tr, testOptions())
	connectDirect(t, m)

	tr.drop("00:00:00:00:00:01")
	if m.State() != Connected {
		t.Errorf("state = %s, want connected", m.State())
	}
}

func TestProtocolErrorKeepsLink(t *testing.T) {
	tr := newMockTransport(ble.KindRadio)
	m, bus, _ := newTestManager(t, tr, testOptions())
	connectDirect(t, m)

	ch, unsub := bus.Subscribe(events.ProtocolError, events.StatusParseError)
	defer unsub()

	tr.pushRaw([]byte{0, 0, '{'})
	ev := waitFor(t, ch, events.ProtocolError)
	if !errors.Is(ev.Payload.(error), protocol.ErrBadHeader) {
		t.Errorf("ProtocolError payload = %v", ev.Payload)
	}

	// Complete but undecodable message.
	tr.pushRaw([]byte{0, 1, 'n', 'o', 'p', 'e'})
	ev = waitFor(t, ch, events.ProtocolError)
	if !errors.Is(ev.Payload.(error), protocol.ErrDecode) {
		t.Errorf("ProtocolError payload = %v", ev.Payload)
	}

	if m.State() != Connected {
		t.Errorf("state = %s, want connected", m.State())
	}
}

func TestDiscardedPartialReportedWithNextMessage(t *testing.T) {
	tr := newMockTransport(ble.KindRadio)
	m, bus, _ := newTestManager(t, tr, testOptions())
	connectDirect(t, m)

	ch, unsub := bus.Subscribe(events.ProtocolError, events.DataReceived)
	defer unsub()

	// First chunk of a four-chunk message, then a one-chunk reply.
	tr.pushRaw([]byte{0, 4, '{'})
	tr.pushRaw([]byte{0, 1, '{', '"', 'p', 'i', 'n', 'g', '"', ':', '1', '}'})

	ev := waitFor(t, ch, events.ProtocolError)
	if !errors.Is(ev.Payload.(error), protocol.ErrBadHeader) {
		t.Errorf("ProtocolError payload = %v", ev.Payload)
	}
	ev = waitFor(t, ch, events.DataReceived)
	if p, ok := ev.Payload.(protocol.Payload); !ok || !p.Has("ping") {
		t.Errorf("DataReceived payload = %#v", ev.Payload)
	}
}

func TestInboundRouting(t *testing.T) {
	tr := newMockTransport(ble.KindRadio)
	m, bus, _ := newTestManager(t, tr, testOptions())
	connectDirect(t, m)

	ch, unsub := bus.Subscribe(events.DataReceived, events.ShowBanner)
	defer unsub()

	tr.push(map[string]any{"notify_manager": map[string]any{"message": "Glasses paired", "type": "success"}})
	waitFor(t, ch, events.DataReceived)
	ev := waitFor(t, ch, events.ShowBanner)
	if b := ev.Payload.(events.Banner); b.Message != "Glasses paired" || b.Type != "success" {
		t.Errorf("banner = %+v", b)
	}
}

func TestDisconnectAndForget(t *testing.T) {
	tr := newMockTransport(ble.KindRadio)
	m, bus, store := newTestManager(t, tr, testOptions())
	connectDirect(t, m)

	ch, unsub := bus.Subscribe(events.DeviceDisconnected, events.ShowBanner)
	defer unsub()

	if err := m.Forget(context.Background()); err != nil {
		t.Fatalf("Forget() error: %v", err)
	}
	evs := collect(ch, 50*time.Millisecond)
	if n := count(evs, events.DeviceDisconnected); n != 1 {
		t.Errorf("DeviceDisconnected published %d times, want 1", n)
	}
	if len(banners(evs)) != 0 {
		t.Errorf("user disconnect raised banners %q", banners(evs))
	}
	if _, ok, _ := store.Load(context.Background(), settings.KeyPreviouslyBondedPuck); ok {
		t.Error("remembered device not cleared")
	}
	if m.State() != Disconnected {
		t.Errorf("state = %s, want disconnected", m.State())
	}
}

func TestSimulatedProbeMarksConnected(t *testing.T) {
	tr := newMockTransport(ble.KindSimulated)
	m, bus, store := newTestManager(t, tr, testOptions())

	ch, unsub := bus.Subscribe(events.DeviceConnected)
	defer unsub()

	if got := m.interval(); got != time.Second {
		t.Errorf("idle interval = %v, want 1s", got)
	}
	m.tick(context.Background())

	ev := waitFor(t, ch, events.DeviceConnected)
	conn := ev.Payload.(Connection)
	if conn.DeviceID != ble.SimulatedDeviceID {
		t.Errorf("DeviceID = %q, want %q", conn.DeviceID, ble.SimulatedDeviceID)
	}
	if m.State() != Connected {
		t.Errorf("state = %s, want connected", m.State())
	}
	if got := m.interval(); got != 4*time.Second {
		t.Errorf("connected interval = %v, want 4s", got)
	}
	if cmd := tr.lastCommand(); cmd.Command != protocol.CmdRequestStatus {
		t.Errorf("probe command = %q, want request_status", cmd.Command)
	}
	if _, ok, _ := store.Load(context.Background(), settings.KeyPreviouslyBondedPuck); ok {
		t.Error("simulated device should not be remembered")
	}

	// Subsequent ticks reuse the channel.
	m.tick(context.Background())
	if tr.connects != 1 {
		t.Errorf("connects = %d, want 1", tr.connects)
	}
}

func TestSimulatedSilentCoreStaysDisconnected(t *testing.T) {
	tr := newMockTransport(ble.KindSimulated)
	tr.reply = nil
	m, bus, _ := newTestManager(t, tr, testOptions())

	ch, unsub := bus.Subscribe(events.DeviceConnected, events.DeviceDisconnected)
	defer unsub()

	m.tick(context.Background())
	if evs := collect(ch, 50*time.Millisecond); len(evs) != 0 {
		t.Errorf("unexpected events %v", evs)
	}
	if m.State() != Disconnected {
		t.Errorf("state = %s, want disconnected", m.State())
	}
	// The channel was closed after the timeout and is reopened next tick.
	m.tick(context.Background())
	if tr.connects != 2 {
		t.Errorf("connects = %d, want 2", tr.connects)
	}
}

func TestRadioInterval(t *testing.T) {
	m, _, _ := newTestManager(t, newMockTransport(ble.KindRadio), testOptions())
	if got := m.interval(); got != 30*time.Second {
		t.Errorf("interval = %v, want 30s", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	tr := newMockTransport(ble.KindSimulated)
	m, bus, _ := newTestManager(t, tr, testOptions())

	ch, unsub := bus.Subscribe(events.DeviceConnected)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	waitFor(t, ch, events.DeviceConnected)
	m.Resume()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if m.State() != Disconnected {
		t.Errorf("state = %s, want disconnected", m.State())
	}
}
