package auth

import (
	"crypto/rand"
	"encoding/hex"
)

// NewToken returns an opaque, unguessable session token: 32 bytes of
// CSPRNG output, hex-encoded.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
