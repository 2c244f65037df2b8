package link

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/corelink/internal/ble"
	"github.com/chaz8081/corelink/internal/ble/protocol"
	"github.com/chaz8081/corelink/internal/events"
)

// mockTransport is an in-memory ble.Transport. Outbound chunks are
// reassembled into commands; reply, when set, produces the core unit's
// answer which is framed and pushed back as notifications.
type mockTransport struct {
	kind ble.Kind

	mu          sync.Mutex
	peripherals []ble.Peripheral
	connectErr  error
	subErr      error
	writeErr    error
	mtu         int
	reply       func(protocol.Command) any
	out         *protocol.Reassembler
	commands    []protocol.Command
	chunks      int
	notify      chan []byte
	onDrop      func(string)
	connects    int
	disconnects int
	scans       int
	holdScan    bool // keep the scan open until its context ends
	bonds       bool
}

func newMockTransport(kind ble.Kind) *mockTransport {
	return &mockTransport{
		kind:  kind,
		mtu:   185,
		bonds: kind == ble.KindRadio,
		out:   protocol.NewReassembler(0),
		reply: func(protocol.Command) any {
			return map[string]any{"status": map[string]any{"core_info": map[string]any{"core_battery_level": 80}}}
		},
	}
}

func (t *mockTransport) Kind() ble.Kind               { return t.kind }
func (t *mockTransport) Enable(context.Context) error { return nil }
func (t *mockTransport) StopScan() error              { return nil }

func (t *mockTransport) OnDisconnect(fn func(id string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDrop = fn
}

func (t *mockTransport) Scan(ctx context.Context, _ string) (<-chan ble.Peripheral, error) {
	t.mu.Lock()
	t.scans++
	list := append([]ble.Peripheral(nil), t.peripherals...)
	hold := t.holdScan
	t.mu.Unlock()

	ch := make(chan ble.Peripheral, len(list))
	for _, p := range list {
		ch <- p
	}
	if !hold {
		close(ch)
		return ch, nil
	}
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (t *mockTransport) Connect(_ context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	return t.connectErr
}

func (t *mockTransport) Bond(context.Context, string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bonds, nil
}

func (t *mockTransport) NegotiateMTU(_ context.Context, _ string, requested int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return min(requested, t.mtu)
}

func (t *mockTransport) Subscribe(string) (<-chan []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subErr != nil {
		return nil, t.subErr
	}
	t.notify = make(chan []byte, 256)
	return t.notify, nil
}

func (t *mockTransport) Disconnect(context.Context, string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnects++
	if t.notify != nil {
		close(t.notify)
		t.notify = nil
	}
	return nil
}

func (t *mockTransport) WriteChunk(_ context.Context, id string, chunk []byte) error {
	t.mu.Lock()
	if t.writeErr != nil {
		t.mu.Unlock()
		return t.writeErr
	}
	t.chunks++
	payload, err := t.out.Add(id, chunk)
	if err != nil || payload == nil {
		t.mu.Unlock()
		return err
	}
	cmd, err := protocol.ParseCommand(payload)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.commands = append(t.commands, cmd)
	reply := t.reply
	t.mu.Unlock()

	if reply != nil {
		if v := reply(cmd); v != nil {
			t.push(v)
		}
	}
	return nil
}

// push frames v and delivers it as notifications.
func (t *mockTransport) push(v any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	frames, err := protocol.Encode(v, t.mtu)
	if err != nil || t.notify == nil {
		return
	}
	for _, f := range frames {
		t.notify <- f
	}
}

func (t *mockTransport) pushRaw(frame []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.notify != nil {
		t.notify <- frame
	}
}

// drop simulates the binding reporting a lost link.
func (t *mockTransport) drop(id string) {
	t.mu.Lock()
	fn := t.onDrop
	t.mu.Unlock()
	if fn != nil {
		fn(id)
	}
}

func (t *mockTransport) setReply(fn func(protocol.Command) any) {
	t.mu.Lock()
	t.reply = fn
	t.mu.Unlock()
}

func (t *mockTransport) setWriteErr(err error) {
	t.mu.Lock()
	t.writeErr = err
	t.mu.Unlock()
}

func (t *mockTransport) sent() []protocol.Command {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Command(nil), t.commands...)
}

func (t *mockTransport) lastCommand() protocol.Command {
	cmds := t.sent()
	if len(cmds) == 0 {
		return protocol.Command{}
	}
	return cmds[len(cmds)-1]
}

var errMockWrite = errors.New("characteristic write failed")

func testOptions() Options {
	opts := DefaultOptions()
	opts.NotifySettle = 0
	opts.InterChunkDelay = 0
	opts.ResponseTimeout = 100 * time.Millisecond
	opts.ScanTimeout = time.Hour
	return opts
}

var corePeripheral = ble.Peripheral{ID: "AA:BB:CC:DD:EE:FF", Name: "AugOS", RSSI: -60}

// waitFor reads from ch until an event named name arrives.
func waitFor(t *testing.T, ch <-chan events.Event, name events.Name) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", name)
			return events.Event{}
		}
	}
}

// collect drains ch for d and returns everything seen.
func collect(ch <-chan events.Event, d time.Duration) []events.Event {
	var out []events.Event
	deadline := time.After(d)
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
}

func count(evs []events.Event, name events.Name) int {
	n := 0
	for _, ev := range evs {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func banners(evs []events.Event) []string {
	var out []string
	for _, ev := range evs {
		if b, ok := ev.Payload.(events.Banner); ok && ev.Name == events.ShowBanner {
			out = append(out, b.Message)
		}
	}
	return out
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.State(), want)
}

// decodeParams round-trips params the way the core unit sees them.
func decodeParams(t *testing.T, params map[string]any) map[string]any {
	t.Helper()
	if params == nil {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	return out
}
