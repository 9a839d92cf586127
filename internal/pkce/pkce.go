// Package pkce implements the RFC 7636 proof key for code exchange helpers
// used by the authorization code flow.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	MinLength = 43
	MaxLength = 128

	// DefaultLength matches the shortest verifier the token endpoint accepts.
	DefaultLength = 43

	MethodS256 = "S256"
)

// unreserved characters from RFC 3986 section 2.3
const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

var ErrInvalidLength = errors.New("pkce: verifier length must be within 43..128")

// Pair bundles a verifier with its derived challenge.
type Pair struct {
	Verifier  string
	Challenge string
	Method    string
}

// GenerateVerifier returns a random verifier of the requested length. Bytes
// that would bias the distribution over the 66-symbol charset are rejected.
func GenerateVerifier(length int) (string, error) {
	if length < MinLength || length > MaxLength {
		return "", fmt.Errorf("%w: got %d", ErrInvalidLength, length)
	}
	// largest multiple of len(charset) that fits in a byte
	limit := byte(256 - 256%len(charset))
	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("pkce: read random: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, charset[int(b)%len(charset)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

// DeriveChallenge computes BASE64URL(SHA256(verifier)) without padding.
func DeriveChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// NewPair generates a verifier and its S256 challenge.
func NewPair(length int) (Pair, error) {
	verifier, err := GenerateVerifier(length)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Verifier: verifier, Challenge: DeriveChallenge(verifier), Method: MethodS256}, nil
}
