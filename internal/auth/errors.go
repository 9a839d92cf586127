package auth

import (
	"errors"
	"fmt"
)

// ErrAuthentication is the root of every failure that requires the user to
// sign in again.
var ErrAuthentication = errors.New("auth: authentication failed")

var (
	ErrAuthorizationDenied = fmt.Errorf("%w: authorization denied", ErrAuthentication)
	ErrNoAuthorizationCode = fmt.Errorf("%w: no authorization code returned", ErrAuthentication)
	ErrNoAccessToken       = fmt.Errorf("%w: no access token returned", ErrAuthentication)
	ErrCodeVerifierMissing = fmt.Errorf("%w: code verifier not found, start authentication again", ErrAuthentication)
	ErrRefreshFailed       = fmt.Errorf("%w: token refresh failed", ErrAuthentication)
	ErrNoRefreshToken      = fmt.Errorf("%w: no refresh token available", ErrAuthentication)
	ErrSignInTimeout       = fmt.Errorf("%w: sign-in timed out", ErrAuthentication)
	ErrInteractionRequired = fmt.Errorf("%w: interactive sign-in required", ErrAuthentication)
)

var (
	ErrInvalidConfig = errors.New("auth: invalid configuration")
	ErrInvalidState  = errors.New("auth: token state invalid")
)
