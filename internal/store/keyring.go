package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// DefaultKeyringService is the service name entries are filed under.
const DefaultKeyringService = "pimhelper"

// Keyring stores each key as a separate secret in the OS credential store.
type Keyring struct {
	service string
	user    string
}

// NewKeyring returns a keyring-backed store. user scopes entries the way the
// storage namespace does for Postgres, so several app registrations can
// share one OS account.
func NewKeyring(service, user string) *Keyring {
	if service == "" {
		service = DefaultKeyringService
	}
	if user == "" {
		user = "default"
	}
	return &Keyring{service: service, user: user}
}

func (k *Keyring) account(key string) string {
	return k.user + ":" + key
}

func (k *Keyring) Get(_ context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		v, err := keyring.Get(k.service, k.account(key))
		if errors.Is(err, keyring.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store: keyring get %s: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

func (k *Keyring) Set(_ context.Context, values map[string]string) error {
	for key, v := range values {
		if err := keyring.Set(k.service, k.account(key), v); err != nil {
			return fmt.Errorf("store: keyring set %s: %w", key, err)
		}
	}
	return nil
}

func (k *Keyring) Remove(_ context.Context, keys ...string) error {
	for _, key := range keys {
		err := keyring.Delete(k.service, k.account(key))
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("store: keyring delete %s: %w", key, err)
		}
	}
	return nil
}
