// Package ble provides the transport bindings that carry framed chunks
// between this process and the core unit: a Bluetooth LE radio binding and a
// simulated binding that talks to a locally running core process.
package ble

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Core unit GATT identifiers.
const (
	ServiceUUID        = "12345678-1234-5678-1234-56789abcdef0"
	CharacteristicUUID = "abcdef12-3456-789a-bcde-f01234567890"
)

const (
	// TargetMTU is the MTU requested from the radio after connecting.
	TargetMTU = 251

	DefaultConnectAttempts = 5
	DefaultConnectInterval = 500 * time.Millisecond
)

// Kind names a transport binding.
type Kind string

const (
	KindRadio     Kind = "radio"
	KindSimulated Kind = "simulated"
)

var (
	// ErrNotConnected is returned for operations that need an open link.
	ErrNotConnected = errors.New("ble: not connected")
	// ErrConnectTimeout is returned when the link is not confirmed within the retry budget.
	ErrConnectTimeout = errors.New("ble: connection not confirmed")
	// ErrUnknownDevice is returned for a device ID the binding has no link to.
	ErrUnknownDevice = errors.New("ble: unknown device")
	// ErrScanInProgress is returned when Scan is called while a scan is running.
	ErrScanInProgress = errors.New("ble: scan already in progress")
)

// TransportError records a failed binding operation.
type TransportError struct {
	Op       string // "enable", "scan", "connect", "bond", "write", "subscribe", "disconnect"
	DeviceID string
	Err      error
}

func (e *TransportError) Error() string {
	if e.DeviceID == "" {
		return fmt.Sprintf("ble: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ble: %s %s: %v", e.Op, e.DeviceID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Peripheral is one advertisement seen during a scan.
type Peripheral struct {
	ID   string // MAC address on Linux, CoreBluetooth UUID on macOS
	Name string
	RSSI int
}

// Transport is the contract every binding satisfies. Implementations are
// safe for concurrent use.
type Transport interface {
	Kind() Kind

	// Enable powers on the underlying adapter or channel.
	Enable(ctx context.Context) error

	// Scan reports peripherals advertising serviceUUID until ctx is done or
	// StopScan is called, then closes the channel. Duplicates are possible.
	Scan(ctx context.Context, serviceUUID string) (<-chan Peripheral, error)
	StopScan() error

	// Connect opens a link and polls for confirmation within the binding's
	// retry budget, returning ErrConnectTimeout when it never confirms.
	Connect(ctx context.Context, id string) error

	// Bond pairs with the device and reports whether an OS-level bond exists
	// afterwards. It is a no-op when already bonded, and reports false when
	// the binding has no bonding step.
	Bond(ctx context.Context, id string) (bool, error)

	// NegotiateMTU returns the usable MTU, never less than the protocol
	// minimum. Failures fall back to the minimum instead of erroring.
	NegotiateMTU(ctx context.Context, id string, requested int) int

	WriteChunk(ctx context.Context, id string, chunk []byte) error

	// Subscribe enables notifications and returns the raw chunk stream. The
	// channel is closed when the link goes away.
	Subscribe(id string) (<-chan []byte, error)

	Disconnect(ctx context.Context, id string) error

	// OnDisconnect registers fn for links dropped by the remote side or the
	// radio. It is not called for Disconnect.
	OnDisconnect(fn func(id string))
}

// Poll evaluates cond up to attempts times, waiting interval between tries.
// It returns nil as soon as cond reports true and ErrConnectTimeout when the
// attempts run out.
func Poll(ctx context.Context, attempts int, interval time.Duration, cond func() bool) error {
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if cond() {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return ErrConnectTimeout
}
