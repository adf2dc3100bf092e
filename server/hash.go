package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// HashSecret returns the standard-base64 SHA-256 digest of an opaque secret.
// Authorization codes and refresh tokens are stored only in this form so a
// database compromise does not yield usable secrets. No salt is applied:
// secrets carry enough entropy that digest lookup is not a practical attack.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// NewCode generates a 128-bit random authorization code, hex-encoded.
func NewCode() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// NewRefreshSecret generates a 512-bit random refresh token and its digest.
func NewRefreshSecret() (plain, hashed string, err error) {
	buf := make([]byte, 64)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate refresh token: %w", err)
	}
	plain = base64.StdEncoding.EncodeToString(buf)
	return plain, HashSecret(plain), nil
}
