// Package settings is the persistent key/value store the link layer reads its
// preferences from. Values are JSON encoded.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
)

// Well-known keys.
const (
	KeySimulatedPuck        = "simulated_puck"
	KeyPreviouslyBondedPuck = "previously_bonded_puck"
	KeyAuthSecretKey        = "auth_secret_key"
)

// Store persists raw values by key. Implementations are safe for concurrent use.
type Store interface {
	// Load returns the stored value and whether the key exists.
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Load decodes key into a T, returning def when the key is missing.
func Load[T any](ctx context.Context, s Store, key string, def T) (T, error) {
	raw, ok, err := s.Load(ctx, key)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return def, fmt.Errorf("settings: decode %s: %w", key, err)
	}
	return v, nil
}

// Save encodes v as JSON under key.
func Save[T any](ctx context.Context, s Store, key string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("settings: encode %s: %w", key, err)
	}
	return s.Save(ctx, key, raw)
}
