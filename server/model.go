package server

import "time"

// Client records a registered relying party. Clients are provisioned from
// configuration and are read-only during request handling.
type Client struct {
	ClientID         string
	ClientSecretHash string
	RedirectURIs     string // delimiter-separated list (newline, space, or semicolon)
	RequirePKCE      bool
	AllowedScopes    string
}

// AuthorizationCode is the stored form of a one-time code. Only the SHA-256
// digest of the code is kept; the plaintext is returned to the caller once
// and never persisted. Records are retained after consumption for audit.
type AuthorizationCode struct {
	CodeHash            string
	ClientID            string
	RedirectURI         string
	SubjectID           string
	ExpiresAt           time.Time
	CodeChallenge       string
	CodeChallengeMethod string
	Scopes              string // space-separated
	Consumed            bool
}

// RefreshToken is the stored form of a refresh token. As with codes, only
// the digest is persisted. A token is single-use: redeeming it revokes the
// record and creates a successor with a fresh secret.
type RefreshToken struct {
	TokenHash string
	ClientID  string
	SubjectID string
	Scopes    string
	CreatedAt time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// Principal is the authenticated subject tokens are issued for. The
// principal store owns creation and lookup; this server only reads it.
type Principal struct {
	ID       string
	Username string
	Email    string
}

// AuthorizeResponse is the JSON body returned by the authorize endpoint.
// The code travels in the response body rather than via redirect.
type AuthorizeResponse struct {
	Code  string `json:"code"`
	State string `json:"state,omitempty"`
}

// TokenResponse matches the token endpoint payload.
type TokenResponse struct {
	AccessToken         string `json:"access_token"`
	TokenType           string `json:"token_type"`
	AccessTokenExpires  int64  `json:"access_token_expires"`
	IDToken             string `json:"id_token,omitempty"`
	RefreshToken        string `json:"refresh_token"`
	RefreshTokenExpires int64  `json:"refresh_token_expires"`
}
