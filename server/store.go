package server

import "context"

// Store persists protocol state: authorization codes and refresh tokens.
// Codes and tokens are looked up by secret digest, never by plaintext, and
// records are retained after consumption or revocation for audit.
//
// ConsumeAuthorizationCode and RevokeRefreshToken are the commit points of
// their flows: each flips its flag with a single conditional update so
// that concurrent redemptions of the same secret see exactly one success.
type Store interface {
	SaveAuthorizationCode(ctx context.Context, code AuthorizationCode) error
	// GetAuthorizationCode returns the unconsumed record for a code
	// digest, or nil when no such record exists.
	GetAuthorizationCode(ctx context.Context, codeHash string) (*AuthorizationCode, error)
	// ConsumeAuthorizationCode marks a code consumed if and only if it is
	// not already; it reports whether this call won the flip.
	ConsumeAuthorizationCode(ctx context.Context, codeHash string) (bool, error)

	SaveRefreshToken(ctx context.Context, token RefreshToken) error
	// GetRefreshToken returns the unrevoked record matching digest and
	// client, or nil when no such record exists.
	GetRefreshToken(ctx context.Context, tokenHash, clientID string) (*RefreshToken, error)
	// RevokeRefreshToken marks a token revoked if and only if it is not
	// already; it reports whether this call won the flip.
	RevokeRefreshToken(ctx context.Context, tokenHash, clientID string) (bool, error)

	Close() error
}
