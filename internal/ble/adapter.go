package ble

import "context"

// Characteristic is a GATT characteristic on a connected peripheral.
type Characteristic interface {
	// Write sends data without waiting for a response.
	Write(data []byte) error
	// Subscribe registers a callback for notifications.
	Subscribe(callback func(data []byte)) error
	// MTU reports the ATT MTU negotiated for this link.
	MTU() (int, error)
}

// Connection is an open radio link to one peripheral.
type Connection interface {
	// Connected reports whether the link is currently confirmed up.
	Connected() bool
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	Disconnect() error
}

// Adapter abstracts the host Bluetooth adapter for testing.
type Adapter interface {
	Enable() error
	// Scan blocks, calling found for each advertisement of serviceUUID,
	// until ctx is cancelled.
	Scan(ctx context.Context, serviceUUID string, found func(Peripheral)) error
	Connect(ctx context.Context, id string) (Connection, error)
	// OnDisconnect registers the callback for links dropped by the radio.
	OnDisconnect(callback func(id string))
}

// Bonder pairs with a peripheral at the operating system level.
type Bonder interface {
	IsBonded(ctx context.Context, id string) (bool, error)
	CreateBond(ctx context.Context, id string) error
}
