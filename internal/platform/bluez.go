package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBusName     = "org.bluez"
	bluezAdapterIfc  = "org.bluez.Adapter1"
	bluezDeviceIfc   = "org.bluez.Device1"
	propertiesGet    = "org.freedesktop.DBus.Properties.Get"
	geoclueBusName   = "org.freedesktop.GeoClue2"
	defaultAdapterID = "hci0"
)

// BlueZ queries the Linux Bluetooth daemon over the system bus. It also
// performs OS-level bonding for the radio binding.
type BlueZ struct {
	conn    *dbus.Conn
	adapter string
}

// NewBlueZ connects to the system bus. adapter is the controller name, e.g.
// "hci0"; empty selects hci0.
func NewBlueZ(adapter string) (*BlueZ, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("platform: connect system bus: %w", err)
	}
	if adapter == "" {
		adapter = defaultAdapterID
	}
	return &BlueZ{conn: conn, adapter: adapter}, nil
}

// Close releases the bus connection.
func (b *BlueZ) Close() error { return b.conn.Close() }

// AdapterPath returns the object path of a BlueZ controller.
func AdapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// DevicePath returns the object path BlueZ uses for a peripheral address.
func DevicePath(adapter, address string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, strings.ReplaceAll(strings.ToUpper(address), ":", "_")))
}

func (b *BlueZ) BluetoothEnabled(ctx context.Context) (bool, error) {
	var powered bool
	obj := b.conn.Object(bluezBusName, AdapterPath(b.adapter))
	if err := obj.CallWithContext(ctx, propertiesGet, 0, bluezAdapterIfc, "Powered").Store(&powered); err != nil {
		return false, fmt.Errorf("platform: read %s Powered: %w", b.adapter, err)
	}
	return powered, nil
}

// LocationEnabled reports whether a GeoClue2 service is running or can be
// activated on the system bus.
func (b *BlueZ) LocationEnabled(ctx context.Context) (bool, error) {
	var owned bool
	bus := b.conn.BusObject()
	if err := bus.CallWithContext(ctx, "org.freedesktop.DBus.NameHasOwner", 0, geoclueBusName).Store(&owned); err != nil {
		return false, fmt.Errorf("platform: query %s: %w", geoclueBusName, err)
	}
	if owned {
		return true, nil
	}
	var names []string
	if err := bus.CallWithContext(ctx, "org.freedesktop.DBus.ListActivatableNames", 0).Store(&names); err != nil {
		return false, fmt.Errorf("platform: list activatable names: %w", err)
	}
	return slices.Contains(names, geoclueBusName), nil
}

func (b *BlueZ) IsBonded(ctx context.Context, id string) (bool, error) {
	var paired bool
	obj := b.conn.Object(bluezBusName, DevicePath(b.adapter, id))
	if err := obj.CallWithContext(ctx, propertiesGet, 0, bluezDeviceIfc, "Paired").Store(&paired); err != nil {
		return false, fmt.Errorf("platform: read %s Paired: %w", id, err)
	}
	return paired, nil
}

func (b *BlueZ) CreateBond(ctx context.Context, id string) error {
	obj := b.conn.Object(bluezBusName, DevicePath(b.adapter, id))
	if err := obj.CallWithContext(ctx, bluezDeviceIfc+".Pair", 0).Err; err != nil {
		var dbusErr dbus.Error
		if errors.As(err, &dbusErr) && dbusErr.Name == "org.bluez.Error.AlreadyExists" {
			slog.Debug("[BLE] bond already exists", "device", id)
			return nil
		}
		return fmt.Errorf("platform: pair %s: %w", id, err)
	}
	return nil
}

var _ Probes = (*BlueZ)(nil)
