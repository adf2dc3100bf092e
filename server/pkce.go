package server

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

const pkceMethodS256 = "S256"

// ComputeCodeChallengeS256 derives the S256 challenge for a value:
// base64url(SHA256(value)) without padding.
func ComputeCodeChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// NormalizePKCEMethod validates a code_challenge_method and returns its
// canonical form. Only S256 is supported; anything else fails loudly
// rather than silently downgrading.
func NormalizePKCEMethod(method string) (string, error) {
	if !strings.EqualFold(method, pkceMethodS256) {
		return "", fmt.Errorf("server not support code_challenge_method=%s", strings.ToUpper(method))
	}
	return pkceMethodS256, nil
}
