// Package auth provides secret generation and comparison utilities used by
// the relay, the workstation, and the CLI.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// Minimum secret lengths accepted by the relay and the config layer.
const (
	MinAPIKeyLength  = 32
	MinAuthKeyLength = 16
)

const (
	tunnelIDAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"
	tunnelIDLength   = 12
	maxTunnelIDLen   = 64
)

// GenerateSecret returns a cryptographically random, URL-safe secret built
// from n random bytes.
func GenerateSecret(n int) (string, error) {
	if n <= 0 {
		n = 32
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ConstantTimeEquals compares two secrets without leaking where they differ
// or how long they are. Both sides are hashed first so the comparison always
// runs over equal-length inputs.
func ConstantTimeEquals(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// GenerateTunnelID returns a fresh opaque tunnel identifier.
func GenerateTunnelID() (string, error) {
	return randomSlug(tunnelIDLength)
}

// ValidTunnelID reports whether id is acceptable as a tunnel identifier.
// Reclaim requests carry client-supplied IDs, so they are checked against
// the same shape the relay generates (plus '-' and '_').
func ValidTunnelID(id string) bool {
	if len(id) < 4 || len(id) > maxTunnelIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

func randomSlug(length int) (string, error) {
	const n = byte(len(tunnelIDAlphabet))
	// Rejection threshold avoids modulo bias: largest multiple of n <= 256.
	const maxFair = 256 - (256 % int(n))
	slug := make([]byte, length)
	buf := make([]byte, length+16)
	filled := 0
	for filled < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("crypto/rand: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxFair {
				continue
			}
			slug[filled] = tunnelIDAlphabet[b%n]
			filled++
			if filled == length {
				break
			}
		}
	}
	return string(slug), nil
}
