// Package store persists the small set of host-owned values the token
// manager and broker need across restarts.
package store

import (
	"context"
	"errors"
)

// Persisted keys.
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyTokenExpiry  = "tokenExpiry"
	KeyCodeVerifier = "codeVerifier"
	KeyUserTenant   = "userTenant"
	KeyUserLanguage = "userLanguage"
)

// CredentialKeys lists every key removed on sign-out.
var CredentialKeys = []string{
	KeyAccessToken,
	KeyRefreshToken,
	KeyTokenExpiry,
	KeyCodeVerifier,
	KeyUserTenant,
}

var ErrUnknownBackend = errors.New("store: unknown backend")

// Store is a flat string key-value store. Missing keys are absent from Get's
// result rather than reported as errors.
type Store interface {
	Get(ctx context.Context, keys ...string) (map[string]string, error)
	Set(ctx context.Context, values map[string]string) error
	Remove(ctx context.Context, keys ...string) error
}
