package settings

import (
	"context"
	"fmt"
	"os"

	"github.com/chaz8081/corelink/internal/secret"
)

// KeyEnv names the environment variable holding the settings passphrase.
const KeyEnv = "CORELINK_SETTINGS_KEY"

const sealInfo = "corelink-settings"

// KeySealSalt holds the random salt the passphrase is stretched with. It is
// created on first use and stored unsealed.
const KeySealSalt = "settings_seal_salt"

// SealedStore encrypts the values of selected keys before they reach the
// underlying store. Other keys pass through unchanged.
type SealedStore struct {
	Store
	key    []byte
	sealed map[string]bool
}

// NewSealedStore wraps inner, sealing the listed keys with a key derived
// from passphrase and the salt stored in inner.
func NewSealedStore(ctx context.Context, inner Store, passphrase []byte, keys ...string) (*SealedStore, error) {
	salt, err := loadSalt(ctx, inner)
	if err != nil {
		return nil, err
	}
	master, err := secret.PassphraseKey(passphrase, salt)
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	k, err := secret.DeriveKey(master, nil, sealInfo)
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	s := &SealedStore{Store: inner, key: k, sealed: make(map[string]bool, len(keys))}
	for _, key := range keys {
		s.sealed[key] = true
	}
	return s, nil
}

func loadSalt(ctx context.Context, s Store) ([]byte, error) {
	salt, ok, err := s.Load(ctx, KeySealSalt)
	if err != nil {
		return nil, fmt.Errorf("settings: load salt: %w", err)
	}
	if ok && len(salt) >= secret.SaltSize {
		return salt, nil
	}
	salt, err = secret.NewSalt()
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	if err := s.Save(ctx, KeySealSalt, salt); err != nil {
		return nil, fmt.Errorf("settings: save salt: %w", err)
	}
	return salt, nil
}

// SealFromEnv wraps inner using the passphrase in CORELINK_SETTINGS_KEY. It
// returns inner unchanged when the variable is unset.
func SealFromEnv(ctx context.Context, inner Store, keys ...string) (Store, error) {
	pass := os.Getenv(KeyEnv)
	if pass == "" {
		return inner, nil
	}
	return NewSealedStore(ctx, inner, []byte(pass), keys...)
}

func (s *SealedStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	raw, ok, err := s.Store.Load(ctx, key)
	if err != nil || !ok || !s.sealed[key] {
		return raw, ok, err
	}
	plain, err := secret.Open(s.key, raw, []byte(key))
	if err != nil {
		return nil, false, fmt.Errorf("settings: unseal %s: %w", key, err)
	}
	return plain, true, nil
}

func (s *SealedStore) Save(ctx context.Context, key string, value []byte) error {
	if !s.sealed[key] {
		return s.Store.Save(ctx, key, value)
	}
	sealed, err := secret.Seal(s.key, value, []byte(key))
	if err != nil {
		return fmt.Errorf("settings: seal %s: %w", key, err)
	}
	return s.Store.Save(ctx, key, sealed)
}
