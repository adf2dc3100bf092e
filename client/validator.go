// Package client validates authd-issued access tokens in resource servers.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ValidatorConfig configures the token validator. The signing key is the
// same symmetric key the server signs with.
type ValidatorConfig struct {
	Issuer            string
	SigningKey        string
	ExpectedAudiences []string
	Leeway            time.Duration
}

// Validator verifies authd-signed JWT access tokens.
type Validator struct {
	cfg    ValidatorConfig
	parser *jwt.Parser
}

// Claims is a simplified view of validated token claims.
type Claims struct {
	Subject   string
	Issuer    string
	Username  string
	Email     string
	Audiences []string
	Scopes    []string
	IDToken   bool
	ExpiresAt time.Time
	IssuedAt  time.Time
	Raw       map[string]any
}

// NewValidator creates a validator with sane defaults.
func NewValidator(cfg ValidatorConfig) *Validator {
	leeway := cfg.Leeway
	if leeway == 0 {
		leeway = 30 * time.Second
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(leeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Validator{cfg: cfg, parser: jwt.NewParser(opts...)}
}

// Validate checks signature, issuer, audience, and expiry on a raw token.
func (v *Validator) Validate(rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, errors.New("token required")
	}

	claims := jwt.MapClaims{}
	tok, err := v.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		return []byte(v.cfg.SigningKey), nil
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("token invalid")
	}

	return v.mapClaims(claims)
}

func (v *Validator) mapClaims(claims jwt.MapClaims) (*Claims, error) {
	out := &Claims{Raw: claims}

	if sub, err := claims.GetSubject(); err == nil {
		out.Subject = sub
	}
	if iss, err := claims.GetIssuer(); err == nil {
		out.Issuer = iss
	}
	if aud, err := claims.GetAudience(); err == nil {
		out.Audiences = aud
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	if name, ok := claims["unique_name"].(string); ok {
		out.Username = name
	}
	if email, ok := claims["email"].(string); ok {
		out.Email = email
	}
	if scope, ok := claims["scope"].(string); ok {
		out.Scopes = strings.Fields(scope)
	}
	if marker, ok := claims["id_token"].(string); ok {
		out.IDToken = marker == "true"
	}

	if len(v.cfg.ExpectedAudiences) > 0 && !audienceMatch(out.Audiences, v.cfg.ExpectedAudiences) {
		return nil, errors.New("audience mismatch")
	}

	return out, nil
}

// HasScopes ensures the claims include the required scopes.
func (v *Validator) HasScopes(claims *Claims, required ...string) error {
	if len(required) == 0 {
		return nil
	}
	have := make(map[string]struct{}, len(claims.Scopes))
	for _, sc := range claims.Scopes {
		have[sc] = struct{}{}
	}
	for _, need := range required {
		if _, ok := have[need]; !ok {
			return fmt.Errorf("missing scope %s", need)
		}
	}
	return nil
}

// RequireAuth middleware validates tokens and injects claims into context.
func RequireAuth(v *Validator, requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			parts := strings.SplitN(auth, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := v.Validate(parts[1])
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if err := v.HasScopes(claims, requiredScopes...); err != nil {
				http.Error(w, err.Error(), http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext retrieves claims attached by the middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

type claimsKey struct{}

func audienceMatch(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}
