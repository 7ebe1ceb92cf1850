// Package ident generates and validates the client-visible transfer
// identifiers that key sessions in the coordination store.
package ident

import (
	"crypto/rand"
	"fmt"
)

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Identifier length bounds accepted on the wire. Generated identifiers are
// shorter (6-8 characters), but clients may bind their own within these limits.
const (
	MinLength = 4
	MaxLength = 64
)

// Generate returns a random identifier of the requested length drawn from the
// identifier alphabet.
func Generate(length int) (string, error) {
	if length < MinLength || length > MaxLength {
		return "", fmt.Errorf("identifier length %d out of range [%d, %d]", length, MinLength, MaxLength)
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}

// Valid reports whether id has an acceptable length and uses only characters
// from the identifier alphabet.
func Valid(id string) bool {
	if len(id) < MinLength || len(id) > MaxLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}
