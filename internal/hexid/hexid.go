// Package hexid generates short opaque hex tokens from a CSPRNG.
package hexid

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
)

// SessionBytes is the entropy of a session ID (12 hex characters).
const SessionBytes = 6

// RequestBytes is the entropy of a request ID (16 hex characters).
const RequestBytes = 8

var ErrInvalidLength = errors.New("hexid: invalid length")

// New returns a lowercase hex string built from n random bytes.
func New(n int) (string, error) {
	if n <= 0 {
		return "", ErrInvalidLength
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
