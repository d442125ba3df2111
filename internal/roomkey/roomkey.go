// Package roomkey generates the short shareable keys that address live
// sessions.
//
// Keys are case-sensitive and drawn from a 62-symbol alphabet; at the default
// length of 8 the space is 62^8 (~2.2e14), so collisions at call-volume scale
// are handled by a small retry loop in the registry rather than here.
package roomkey

import (
	"crypto/rand"
	"fmt"
)

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// DefaultLength is the key length used when callers pass 0. MinLength and
// MaxLength bound the lengths Generate accepts via configuration.
const (
	DefaultLength = 8
	MinLength     = 6
	MaxLength     = 64
)

// Generate returns a random key of the given length (DefaultLength if n <= 0).
func Generate(n int) (string, error) {
	if n <= 0 {
		n = DefaultLength
	}

	// Bytes at or above the largest multiple of len(alphabet) are discarded
	// so every symbol stays equally likely.
	const limit = byte(256 - 256%len(alphabet))

	out := make([]byte, 0, n)
	buf := make([]byte, 2*n)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("roomkey: read random: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// Valid reports whether s could have been produced by Generate with any
// supported length. It is used to reject garbage keys before a registry
// lookup.
func Valid(s string) bool {
	if len(s) < MinLength || len(s) > MaxLength {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		default:
			return false
		}
	}
	return true
}
