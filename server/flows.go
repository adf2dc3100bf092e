package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// GrantService owns the protocol state machine: issuing authorization
// codes, exchanging codes and refresh tokens for token pairs, and
// revocation. Failures that callers may not distinguish are collapsed
// into invalid_grant; anything else is a fault surfaced to the handler.
type GrantService struct {
	tokens     TokensConfig
	store      Store
	clients    *ClientRegistry
	principals PrincipalStore
	issuer     *TokenIssuer
	logger     *slog.Logger
}

// NewGrantService wires the engine from its collaborators.
func NewGrantService(cfg TokensConfig, store Store, clients *ClientRegistry, principals PrincipalStore, issuer *TokenIssuer, logger *slog.Logger) *GrantService {
	return &GrantService{
		tokens:     cfg,
		store:      store,
		clients:    clients,
		principals: principals,
		issuer:     issuer,
		logger:     logger,
	}
}

// AuthorizeInput carries the parsed authorize request parameters.
type AuthorizeInput struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Username            string
	Password            string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
}

// ExchangeInput carries the authorization_code grant parameters.
type ExchangeInput struct {
	Code         string
	RedirectURI  string
	ClientID     string
	CodeVerifier string
}

// RefreshInput carries the refresh_token grant parameters.
type RefreshInput struct {
	ClientID     string
	RefreshToken string
}

// IssueCode validates an authorization request, authenticates the
// principal, and persists a one-time code bound to client, redirect URI,
// subject, scopes, and PKCE challenge. The plaintext code is returned to
// the caller and only its digest is stored.
//
// PKCE is mandatory for every client at this step, regardless of the
// client's RequirePKCE flag, and only method S256 is accepted. The stored
// challenge is base64url(SHA256(code_challenge)) of the presented value.
func (g *GrantService) IssueCode(ctx context.Context, in AuthorizeInput) (string, error) {
	if in.ResponseType != "code" {
		return "", oauthErr(http.StatusBadRequest, ErrCodeUnsupportedResponseType, "")
	}

	client, ok := g.clients.Get(in.ClientID)
	if !ok {
		return "", invalidClient()
	}

	if !client.ValidRedirect(in.RedirectURI) {
		return "", oauthErr(http.StatusBadRequest, ErrCodeInvalidRedirectURI, "")
	}

	// Unknown user and wrong password are indistinguishable from the
	// outside: both are a bare invalid_grant.
	principal, err := g.principals.Authenticate(ctx, in.Username, in.Password)
	if err != nil {
		return "", fmt.Errorf("authenticate principal: %w", err)
	}
	if principal == nil {
		return "", invalidGrant(http.StatusUnauthorized, "")
	}

	if in.CodeChallenge == "" {
		return "", invalidRequest("PKCE is required: missing code_challenge")
	}
	if in.CodeChallengeMethod == "" {
		return "", invalidRequest("PKCE is required: missing code_challenge_method")
	}
	method, err := NormalizePKCEMethod(in.CodeChallengeMethod)
	if err != nil {
		return "", invalidRequest(err.Error())
	}

	code, err := NewCode()
	if err != nil {
		return "", err
	}

	record := AuthorizationCode{
		CodeHash:            HashSecret(code),
		ClientID:            in.ClientID,
		RedirectURI:         in.RedirectURI,
		SubjectID:           principal.ID,
		ExpiresAt:           time.Now().Add(g.tokens.CodeTTL.Std()),
		CodeChallenge:       ComputeCodeChallengeS256(in.CodeChallenge),
		CodeChallengeMethod: method,
		Scopes:              client.EffectiveScope(in.Scope),
	}
	if err := g.store.SaveAuthorizationCode(ctx, record); err != nil {
		return "", fmt.Errorf("persist authorization code: %w", err)
	}

	g.logger.Info("authorization code issued",
		"client_id", in.ClientID, "subject", principal.ID, "scopes", record.Scopes)
	return code, nil
}

// ExchangeCode redeems a one-time authorization code for a token pair.
//
// PKCE note: the presented code_verifier is compared byte-for-byte against
// the stored challenge, which was derived as base64url(SHA256(code_challenge))
// at issuance. A client must therefore send
// code_verifier = base64url(SHA256(code_challenge)). This mirrors the
// system this server replaces; both sides of the convention live here and
// in IssueCode.
func (g *GrantService) ExchangeCode(ctx context.Context, in ExchangeInput) (*TokenResponse, error) {
	if in.Code == "" || in.ClientID == "" {
		return nil, invalidRequest("")
	}

	client, ok := g.clients.Get(in.ClientID)
	if !ok {
		return nil, invalidClient()
	}

	record, err := g.store.GetAuthorizationCode(ctx, HashSecret(in.Code))
	if err != nil {
		return nil, fmt.Errorf("load authorization code: %w", err)
	}
	if record == nil || time.Now().After(record.ExpiresAt) ||
		record.ClientID != in.ClientID || record.RedirectURI != in.RedirectURI {
		return nil, invalidGrant(http.StatusBadRequest, "")
	}

	if client.RequirePKCE && record.CodeChallenge != "" {
		if in.CodeVerifier == "" {
			return nil, invalidRequest("missing code_verifier")
		}
		if record.CodeChallengeMethod != pkceMethodS256 {
			return nil, invalidRequest(fmt.Sprintf("server not support code_challenge_method=%s", record.CodeChallengeMethod))
		}
		if in.CodeVerifier != record.CodeChallenge {
			return nil, invalidGrant(http.StatusBadRequest, "PKCE verification failed")
		}
	}

	// Commit point: exactly one concurrent redemption flips the flag.
	won, err := g.store.ConsumeAuthorizationCode(ctx, record.CodeHash)
	if err != nil {
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}
	if !won {
		return nil, invalidGrant(http.StatusBadRequest, "")
	}

	principal, err := g.principals.FindByID(ctx, record.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("resolve principal: %w", err)
	}
	if principal == nil {
		return nil, invalidGrant(http.StatusBadRequest, "user not found")
	}

	resp, err := g.issueTokens(ctx, principal, in.ClientID, record.Scopes)
	if err != nil {
		return nil, err
	}

	g.logger.Info("authorization code exchanged", "client_id", in.ClientID, "subject", principal.ID)
	return resp, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a
// successor with a fresh secret is issued alongside new access tokens.
// Replaying a rotated token fails because its record is already revoked.
func (g *GrantService) Refresh(ctx context.Context, in RefreshInput) (*TokenResponse, error) {
	if in.RefreshToken == "" || in.ClientID == "" {
		return nil, invalidRequest("")
	}

	if _, ok := g.clients.Get(in.ClientID); !ok {
		return nil, invalidClient()
	}

	hash := HashSecret(in.RefreshToken)
	record, err := g.store.GetRefreshToken(ctx, hash, in.ClientID)
	if err != nil {
		return nil, fmt.Errorf("load refresh token: %w", err)
	}
	if record == nil || time.Now().After(record.ExpiresAt) {
		return nil, invalidGrant(http.StatusBadRequest, "")
	}

	// Commit point for rotation.
	won, err := g.store.RevokeRefreshToken(ctx, hash, in.ClientID)
	if err != nil {
		return nil, fmt.Errorf("revoke refresh token: %w", err)
	}
	if !won {
		return nil, invalidGrant(http.StatusBadRequest, "")
	}

	principal, err := g.principals.FindByID(ctx, record.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("resolve principal: %w", err)
	}
	if principal == nil {
		return nil, invalidGrant(http.StatusBadRequest, "user not found")
	}

	resp, err := g.issueTokens(ctx, principal, in.ClientID, record.Scopes)
	if err != nil {
		return nil, err
	}

	g.logger.Info("refresh token rotated", "client_id", in.ClientID, "subject", principal.ID)
	return resp, nil
}

// Revoke marks a refresh token permanently unusable. Unknown clients and
// unknown tokens succeed silently so the endpoint cannot be used to probe
// for token existence.
func (g *GrantService) Revoke(ctx context.Context, refreshToken, clientID string) error {
	if _, ok := g.clients.Get(clientID); !ok {
		return nil
	}
	if _, err := g.store.RevokeRefreshToken(ctx, HashSecret(refreshToken), clientID); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

func (g *GrantService) issueTokens(ctx context.Context, principal *Principal, clientID, scopes string) (*TokenResponse, error) {
	scopeClaim := strings.Join(strings.Fields(scopes), " ")

	access, err := g.issuer.CreateAccessToken(principal, map[string]any{"scope": scopeClaim})
	if err != nil {
		return nil, fmt.Errorf("create access token: %w", err)
	}
	idToken, err := g.issuer.CreateIDToken(principal)
	if err != nil {
		return nil, fmt.Errorf("create id token: %w", err)
	}

	refreshPlain, refreshHash, err := NewRefreshSecret()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	record := RefreshToken{
		TokenHash: refreshHash,
		ClientID:  clientID,
		SubjectID: principal.ID,
		Scopes:    scopeClaim,
		CreatedAt: now,
		ExpiresAt: now.Add(g.tokens.RefreshTTL.Std()),
	}
	if err := g.store.SaveRefreshToken(ctx, record); err != nil {
		return nil, fmt.Errorf("persist refresh token: %w", err)
	}

	return &TokenResponse{
		AccessToken:         access,
		TokenType:           "Bearer",
		AccessTokenExpires:  int64(g.tokens.AccessTTL.Std().Seconds()),
		IDToken:             idToken,
		RefreshToken:        refreshPlain,
		RefreshTokenExpires: int64(g.tokens.RefreshTTL.Std().Seconds()),
	}, nil
}
