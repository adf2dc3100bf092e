package server

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer mints signed, time-bounded access and identity tokens. The
// signing key, issuer, audiences, and lifetimes are fixed at construction;
// nothing is read from ambient state.
type TokenIssuer struct {
	issuer    string
	audiences []string
	key       []byte
	accessTTL time.Duration
}

// NewTokenIssuer constructs a TokenIssuer from the immutable token config.
func NewTokenIssuer(cfg TokensConfig) *TokenIssuer {
	return &TokenIssuer{
		issuer:    cfg.Issuer,
		audiences: cfg.Audiences,
		key:       []byte(cfg.SigningKey),
		accessTTL: cfg.AccessTTL.Std(),
	}
}

// CreateAccessToken mints an HS256-signed JWT carrying the principal's
// subject id, username, and email, one audience entry per configured
// audience, and any extra claims.
func (ti *TokenIssuer) CreateAccessToken(principal *Principal, extra map[string]any) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":         principal.ID,
		"unique_name": principal.Username,
		"email":       principal.Email,
		"iss":         ti.issuer,
		"aud":         ti.audiences,
		"iat":         jwt.NewNumericDate(now),
		"exp":         jwt.NewNumericDate(now.Add(ti.accessTTL)),
	}
	for k, v := range extra {
		claims[k] = v
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// CreateIDToken mints a minimal identity token: the access-token claim set
// plus a marker claim. No nonce support.
func (ti *TokenIssuer) CreateIDToken(principal *Principal) (string, error) {
	return ti.CreateAccessToken(principal, map[string]any{"id_token": "true"})
}
