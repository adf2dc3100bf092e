package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testTokensConfig() TokensConfig {
	return TokensConfig{
		Issuer:     "authd-test",
		SigningKey: "0123456789abcdef0123456789abcdef",
		Audiences:  []string{"api"},
		AccessTTL:  Duration(10 * time.Minute),
		RefreshTTL: Duration(24 * time.Hour),
		CodeTTL:    Duration(30 * time.Second),
	}
}

func newTestGrants(t *testing.T, cfg TokensConfig, store Store) *GrantService {
	t.Helper()

	clients, err := NewClientRegistry([]ClientConfig{{
		ClientID:     "c1",
		RedirectURIs: "https://app/cb",
	}})
	if err != nil {
		t.Fatalf("NewClientRegistry: %v", err)
	}
	principals, err := NewStaticPrincipalStore([]PrincipalConfig{{
		ID:       "u1",
		Username: "alice",
		Email:    "alice@example.com",
		Password: "correct-horse",
	}})
	if err != nil {
		t.Fatalf("NewStaticPrincipalStore: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewGrantService(cfg, store, clients, principals, NewTokenIssuer(cfg), logger)
}

func validAuthorizeInput() AuthorizeInput {
	return AuthorizeInput{
		ResponseType:        "code",
		ClientID:            "c1",
		RedirectURI:         "https://app/cb",
		Username:            "alice",
		Password:            "correct-horse",
		CodeChallenge:       "abc",
		CodeChallengeMethod: "S256",
	}
}

func assertOAuthError(t *testing.T, err error, code string, status int) {
	t.Helper()
	var oe *Error
	if !errors.As(err, &oe) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if oe.Code != code {
		t.Fatalf("expected error code %q, got %q", code, oe.Code)
	}
	if oe.Status != status {
		t.Fatalf("expected status %d, got %d", status, oe.Status)
	}
}

func TestIssueCodeRejectsUnsupportedResponseType(t *testing.T) {
	g := newTestGrants(t, testTokensConfig(), NewInMemoryStore())

	in := validAuthorizeInput()
	in.ResponseType = "token"
	_, err := g.IssueCode(context.Background(), in)
	assertOAuthError(t, err, ErrCodeUnsupportedResponseType, http.StatusBadRequest)
}

func TestIssueCodeRejectsUnknownClient(t *testing.T) {
	g := newTestGrants(t, testTokensConfig(), NewInMemoryStore())

	in := validAuthorizeInput()
	in.ClientID = "nope"
	_, err := g.IssueCode(context.Background(), in)
	assertOAuthError(t, err, ErrCodeInvalidClient, http.StatusBadRequest)
}

func TestIssueCodeRejectsUnregisteredRedirect(t *testing.T) {
	g := newTestGrants(t, testTokensConfig(), NewInMemoryStore())

	in := validAuthorizeInput()
	in.RedirectURI = "https://evil/cb"
	_, err := g.IssueCode(context.Background(), in)
	assertOAuthError(t, err, ErrCodeInvalidRedirectURI, http.StatusBadRequest)
}

func TestIssueCodeRejectsBadCredentials(t *testing.T) {
	g := newTestGrants(t, testTokensConfig(), NewInMemoryStore())

	for _, in := range []AuthorizeInput{
		func() AuthorizeInput { i := validAuthorizeInput(); i.Password = "wrong"; return i }(),
		func() AuthorizeInput { i := validAuthorizeInput(); i.Username = "mallory"; return i }(),
	} {
		_, err := g.IssueCode(context.Background(), in)
		assertOAuthError(t, err, ErrCodeInvalidGrant, http.StatusUnauthorized)
	}
}

func TestIssueCodeRequiresPKCE(t *testing.T) {
	store := NewInMemoryStore()
	g := newTestGrants(t, testTokensConfig(), store)

	tests := map[string]AuthorizeInput{
		"missing challenge": func() AuthorizeInput {
			i := validAuthorizeInput()
			i.CodeChallenge = ""
			return i
		}(),
		"missing method": func() AuthorizeInput {
			i := validAuthorizeInput()
			i.CodeChallengeMethod = ""
			return i
		}(),
		"plain method": func() AuthorizeInput {
			i := validAuthorizeInput()
			i.CodeChallengeMethod = "plain"
			return i
		}(),
	}
	for name, in := range tests {
		_, err := g.IssueCode(context.Background(), in)
		assertOAuthError(t, err, ErrCodeInvalidRequest, http.StatusBadRequest)
		if len(store.authCodes) != 0 {
			t.Fatalf("%s: code persisted despite rejected request", name)
		}
	}
}

func TestIssueCodeAcceptsLowercaseS256(t *testing.T) {
	g := newTestGrants(t, testTokensConfig(), NewInMemoryStore())

	in := validAuthorizeInput()
	in.CodeChallengeMethod = "s256"
	if _, err := g.IssueCode(context.Background(), in); err != nil {
		t.Fatalf("IssueCode: %v", err)
	}
}

func TestExchangeCodeHappyPath(t *testing.T) {
	g := newTestGrants(t, testTokensConfig(), NewInMemoryStore())
	ctx := context.Background()

	code, err := g.IssueCode(ctx, validAuthorizeInput())
	if err != nil {
		t.Fatalf("IssueCode: %v", err)
	}

	resp, err := g.ExchangeCode(ctx, ExchangeInput{
		Code:         code,
		RedirectURI:  "https://app/cb",
		ClientID:     "c1",
		CodeVerifier: ComputeCodeChallengeS256("abc"),
	})
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" || resp.IDToken == "" {
		t.Fatalf("incomplete token response: %+v", resp)
	}
	if resp.TokenType != "Bearer" {
		t.Fatalf("expected Bearer token type, got %q", resp.TokenType)
	}
	if resp.AccessTokenExpires != 600 || resp.RefreshTokenExpires != 86400 {
		t.Fatalf("unexpected expiries: %d %d", resp.AccessTokenExpires, resp.RefreshTokenExpires)
	}
}

func TestExchangeCodeIsOneTimeUse(t *testing.T) {
	g := newTestGrants(t, testTokensConfig(), NewInMemoryStore())
	ctx := context.Background()

	code, err := g.IssueCode(ctx, validAuthorizeInput())
	if err != nil {
		t.Fatalf("IssueCode: %v", err)
	}

	in := ExchangeInput{
		Code:         code,
		RedirectURI:  "https://app/cb",
		ClientID:     "c1",
		CodeVerifier: ComputeCodeChallengeS256("abc"),
	}
	if _, err := g.ExchangeCode(ctx, in); err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	_, err = g.ExchangeCode(ctx, in)
	assertOAuthError(t, err, ErrCodeInvalidGrant, http.StatusBadRequest)
}

func TestExchangeCodeRejectsExpiredCode(t *testing.T) {
	cfg := testTokensConfig()
	cfg.CodeTTL = Duration(-time.Second)
	g := newTestGrants(t, cfg, NewInMemoryStore())
	ctx := context.Background()

	code, err := g.IssueCode(ctx, validAuthorizeInput())
	if err != nil {
		t.Fatalf("IssueCode: %v", err)
	}

	_, err = g.ExchangeCode(ctx, ExchangeInput{
		Code:         code,
		RedirectURI:  "https://app/cb",
		ClientID:     "c1",
		CodeVerifier: ComputeCodeChallengeS256("abc"),
	})
	assertOAuthError(t, err, ErrCodeInvalidGrant, http.StatusBadRequest)
}

func TestExchangeCodeRejectsMismatches(t *testing.T) {
	g := newTestGrants(t, testTokensConfig(), NewInMemoryStore())
	ctx := context.Background()

	issue := func(t *testing.T) string {
		t.Helper()
		code, err := g.IssueCode(ctx, validAuthorizeInput())
		if err != nil {
			t.Fatalf("IssueCode: %v", err)
		}
		return code
	}

	t.Run("redirect mismatch", func(t *testing.T) {
		_, err := g.ExchangeCode(ctx, ExchangeInput{
			Code:         issue(t),
			RedirectURI:  "https://other/cb",
			ClientID:     "c1",
			CodeVerifier: ComputeCodeChallengeS256("abc"),
		})
		assertOAuthError(t, err, ErrCodeInvalidGrant, http.StatusBadRequest)
	})

	t.Run("missing verifier", func(t *testing.T) {
		_, err := g.ExchangeCode(ctx, ExchangeInput{
			Code:        issue(t),
			RedirectURI: "https://app/cb",
			ClientID:    "c1",
		})
		assertOAuthError(t, err, ErrCodeInvalidRequest, http.StatusBadRequest)
	})

	t.Run("wrong verifier", func(t *testing.T) {
		_, err := g.ExchangeCode(ctx, ExchangeInput{
			Code:         issue(t),
			RedirectURI:  "https://app/cb",
			ClientID:     "c1",
			CodeVerifier: "abc",
		})
		assertOAuthError(t, err, ErrCodeInvalidGrant, http.StatusBadRequest)
	})

	t.Run("garbage code", func(t *testing.T) {
		_, err := g.ExchangeCode(ctx, ExchangeInput{
			Code:         "deadbeef",
			RedirectURI:  "https://app/cb",
			ClientID:     "c1",
			CodeVerifier: ComputeCodeChallengeS256("abc"),
		})
		assertOAuthError(t, err, ErrCodeInvalidGrant, http.StatusBadRequest)
	})

	t.Run("missing parameters", func(t *testing.T) {
		_, err := g.ExchangeCode(ctx, ExchangeInput{ClientID: "c1"})
		assertOAuthError(t, err, ErrCodeInvalidRequest, http.StatusBadRequest)
	})
}

func TestRefreshRotatesToken(t *testing.T) {
	g := newTestGrants(t, testTokensConfig(), NewInMemoryStore())
	ctx := context.Background()

	code, err := g.IssueCode(ctx, validAuthorizeInput())
	if err != nil {
		t.Fatalf("IssueCode: %v", err)
	}
	first, err := g.ExchangeCode(ctx, ExchangeInput{
		Code:         code,
		RedirectURI:  "https://app/cb",
		ClientID:     "c1",
		CodeVerifier: ComputeCodeChallengeS256("abc"),
	})
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}

	second, err := g.Refresh(ctx, RefreshInput{ClientID: "c1", RefreshToken: first.RefreshToken})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatalf("refresh token was not rotated")
	}
	if second.AccessToken == "" || second.IDToken == "" {
		t.Fatalf("incomplete rotated response: %+v", second)
	}

	// The rotated-out token must be dead.
	_, err = g.Refresh(ctx, RefreshInput{ClientID: "c1", RefreshToken: first.RefreshToken})
	assertOAuthError(t, err, ErrCodeInvalidGrant, http.StatusBadRequest)

	// Its successor keeps working.
	if _, err := g.Refresh(ctx, RefreshInput{ClientID: "c1", RefreshToken: second.RefreshToken}); err != nil {
		t.Fatalf("successor refresh: %v", err)
	}
}

func TestRefreshRejectsExpiredToken(t *testing.T) {
	cfg := testTokensConfig()
	cfg.RefreshTTL = Duration(-time.Second)
	g := newTestGrants(t, cfg, NewInMemoryStore())
	ctx := context.Background()

	code, err := g.IssueCode(ctx, validAuthorizeInput())
	if err != nil {
		t.Fatalf("IssueCode: %v", err)
	}
	resp, err := g.ExchangeCode(ctx, ExchangeInput{
		Code:         code,
		RedirectURI:  "https://app/cb",
		ClientID:     "c1",
		CodeVerifier: ComputeCodeChallengeS256("abc"),
	})
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}

	_, err = g.Refresh(ctx, RefreshInput{ClientID: "c1", RefreshToken: resp.RefreshToken})
	assertOAuthError(t, err, ErrCodeInvalidGrant, http.StatusBadRequest)
}

func TestRefreshRejectsForeignAndUnknownTokens(t *testing.T) {
	g := newTestGrants(t, testTokensConfig(), NewInMemoryStore())
	ctx := context.Background()

	_, err := g.Refresh(ctx, RefreshInput{ClientID: "c1", RefreshToken: "no-such-token"})
	assertOAuthError(t, err, ErrCodeInvalidGrant, http.StatusBadRequest)

	_, err = g.Refresh(ctx, RefreshInput{ClientID: "ghost", RefreshToken: "whatever"})
	assertOAuthError(t, err, ErrCodeInvalidClient, http.StatusBadRequest)

	_, err = g.Refresh(ctx, RefreshInput{ClientID: "c1"})
	assertOAuthError(t, err, ErrCodeInvalidRequest, http.StatusBadRequest)
}

func TestRevokeKillsRefreshToken(t *testing.T) {
	g := newTestGrants(t, testTokensConfig(), NewInMemoryStore())
	ctx := context.Background()

	code, err := g.IssueCode(ctx, validAuthorizeInput())
	if err != nil {
		t.Fatalf("IssueCode: %v", err)
	}
	resp, err := g.ExchangeCode(ctx, ExchangeInput{
		Code:         code,
		RedirectURI:  "https://app/cb",
		ClientID:     "c1",
		CodeVerifier: ComputeCodeChallengeS256("abc"),
	})
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}

	if err := g.Revoke(ctx, resp.RefreshToken, "c1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	_, err = g.Refresh(ctx, RefreshInput{ClientID: "c1", RefreshToken: resp.RefreshToken})
	assertOAuthError(t, err, ErrCodeInvalidGrant, http.StatusBadRequest)
}

func TestRevokeUnknownClientOrTokenSucceeds(t *testing.T) {
	g := newTestGrants(t, testTokensConfig(), NewInMemoryStore())
	ctx := context.Background()

	if err := g.Revoke(ctx, "whatever", "ghost"); err != nil {
		t.Fatalf("revoke for unknown client: %v", err)
	}
	if err := g.Revoke(ctx, "never-issued", "c1"); err != nil {
		t.Fatalf("revoke of unknown token: %v", err)
	}
}

func TestConcurrentExchangeHasSingleWinner(t *testing.T) {
	stores := map[string]Store{"memory": NewInMemoryStore()}
	sqlite, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "authd.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	stores["sqlite"] = sqlite

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			g := newTestGrants(t, testTokensConfig(), store)
			ctx := context.Background()

			code, err := g.IssueCode(ctx, validAuthorizeInput())
			if err != nil {
				t.Fatalf("IssueCode: %v", err)
			}

			const racers = 8
			var wg sync.WaitGroup
			results := make(chan error, racers)
			for i := 0; i < racers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := g.ExchangeCode(ctx, ExchangeInput{
						Code:         code,
						RedirectURI:  "https://app/cb",
						ClientID:     "c1",
						CodeVerifier: ComputeCodeChallengeS256("abc"),
					})
					results <- err
				}()
			}
			wg.Wait()
			close(results)

			wins := 0
			for err := range results {
				if err == nil {
					wins++
					continue
				}
				assertOAuthError(t, err, ErrCodeInvalidGrant, http.StatusBadRequest)
			}
			if wins != 1 {
				t.Fatalf("expected exactly one successful redemption, got %d", wins)
			}
		})
	}
}

func TestConcurrentRefreshHasSingleWinner(t *testing.T) {
	g := newTestGrants(t, testTokensConfig(), NewInMemoryStore())
	ctx := context.Background()

	code, err := g.IssueCode(ctx, validAuthorizeInput())
	if err != nil {
		t.Fatalf("IssueCode: %v", err)
	}
	resp, err := g.ExchangeCode(ctx, ExchangeInput{
		Code:         code,
		RedirectURI:  "https://app/cb",
		ClientID:     "c1",
		CodeVerifier: ComputeCodeChallengeS256("abc"),
	})
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Refresh(ctx, RefreshInput{ClientID: "c1", RefreshToken: resp.RefreshToken})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one successful rotation, got %d", wins)
	}
}
