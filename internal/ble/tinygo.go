package ble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth. Device IDs are MAC addresses on
// Linux (BlueZ) and CoreBluetooth UUIDs on macOS.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	mu           sync.Mutex
	connections  map[string]*tinyGoConnection
	onDisconnect func(id string)
}

// NewTinyGoAdapter uses the host's default adapter.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		if !connected {
			delete(a.connections, id)
		}
		cb := a.onDisconnect
		a.mu.Unlock()
		if !ok {
			return
		}
		conn.up.Store(connected)
		if !connected && cb != nil {
			cb(id)
		}
	})
	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, serviceUUID string, found func(Peripheral)) error {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("parse service UUID: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	err = a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(uuid) {
			return
		}
		found(Peripheral{
			ID:   result.Address.String(),
			Name: result.LocalName(),
			RSSI: int(result.RSSI),
		})
	})
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, id string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(id)

	// adapter.Connect cannot be cancelled; a late success is disconnected.
	type result struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- result{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		conn := &tinyGoConnection{device: r.device}
		conn.up.Store(true)
		a.mu.Lock()
		a.connections[id] = conn
		a.mu.Unlock()
		return conn, nil
	}
}

func (a *TinyGoAdapter) OnDisconnect(cb func(id string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onDisconnect = cb
}

var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	device bluetooth.Device
	up     atomic.Bool
}

func (c *tinyGoConnection) Connected() bool { return c.up.Load() }

func (c *tinyGoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	chrUUID, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("service %s not found", serviceUUID)
	}
	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{chrUUID})
	if err != nil {
		return nil, fmt.Errorf("discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("characteristic %s not found", charUUID)
	}
	return &tinyGoCharacteristic{char: chars[0]}, nil
}

func (c *tinyGoConnection) Disconnect() error {
	c.up.Store(false)
	return c.device.Disconnect()
}

type tinyGoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(cb)
}

func (c *tinyGoCharacteristic) MTU() (int, error) {
	mtu, err := c.char.GetMTU()
	return int(mtu), err
}
