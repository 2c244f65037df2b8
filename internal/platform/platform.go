// Package platform answers host capability questions the link layer needs
// before it scans: is the Bluetooth adapter powered, is location available.
package platform

import "context"

// Probes reports host capabilities.
type Probes interface {
	BluetoothEnabled(ctx context.Context) (bool, error)
	LocationEnabled(ctx context.Context) (bool, error)
}

// Static returns fixed answers. It serves hosts without BlueZ and tests.
type Static struct {
	Bluetooth bool
	Location  bool
}

func (s Static) BluetoothEnabled(context.Context) (bool, error) { return s.Bluetooth, nil }
func (s Static) LocationEnabled(context.Context) (bool, error)  { return s.Location, nil }

var _ Probes = Static{}
