package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config     Config
	Logger     *slog.Logger
	Store      Store
	Clients    *ClientRegistry
	Principals PrincipalStore
	Issuer     *TokenIssuer
	Grants     *GrantService
	Limiter    *RateLimiter
}

// NewApp wires together the application state from configuration.
func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	var store Store
	if cfg.Storage.Path != "" {
		s, err := OpenSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		store = s
	} else {
		store = NewInMemoryStore()
	}

	clients, err := NewClientRegistry(cfg.Clients)
	if err != nil {
		return nil, err
	}

	principals, err := NewStaticPrincipalStore(cfg.Principals)
	if err != nil {
		return nil, err
	}

	issuer := NewTokenIssuer(cfg.Tokens)
	grants := NewGrantService(cfg.Tokens, store, clients, principals, issuer, logger)

	app := &App{
		Config:     cfg,
		Logger:     logger,
		Store:      store,
		Clients:    clients,
		Principals: principals,
		Issuer:     issuer,
		Grants:     grants,
	}

	if cfg.RateLimit.PerSecond > 0 {
		app.Limiter = NewRateLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst, logger)
	}

	return app, nil
}

// Close releases resources held by the application.
func (a *App) Close() error {
	if a.Limiter != nil {
		a.Limiter.Stop()
	}
	return a.Store.Close()
}

// handleAuthorize implements the authorization endpoint. Credentials come
// in as query parameters and the code comes back in the JSON body; there
// is no login UI and no redirect hop in this deployment.
func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	code, err := a.Grants.IssueCode(r.Context(), AuthorizeInput{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Username:            q.Get("username"),
		Password:            q.Get("password"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Scope:               q.Get("scope"),
	})
	if err != nil {
		a.writeError(w, err)
		return
	}

	// The caller's state is relayed untouched.
	writeJSON(w, AuthorizeResponse{Code: code, State: q.Get("state")})
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.writeError(w, invalidRequest("invalid form"))
		return
	}

	switch r.FormValue("grant_type") {
	case "authorization_code":
		tokens, err := a.Grants.ExchangeCode(r.Context(), ExchangeInput{
			Code:         r.FormValue("code"),
			RedirectURI:  r.FormValue("redirect_uri"),
			ClientID:     r.FormValue("client_id"),
			CodeVerifier: r.FormValue("code_verifier"),
		})
		if err != nil {
			a.writeError(w, err)
			return
		}
		writeJSON(w, tokens)
	case "refresh_token":
		tokens, err := a.Grants.Refresh(r.Context(), RefreshInput{
			ClientID:     r.FormValue("client_id"),
			RefreshToken: r.FormValue("refresh_token"),
		})
		if err != nil {
			a.writeError(w, err)
			return
		}
		writeJSON(w, tokens)
	default:
		a.writeError(w, oauthErr(http.StatusBadRequest, ErrCodeUnsupportedGrantType, ""))
	}
}

// handleRevoke marks a refresh token unusable. Per RFC 7009 the endpoint
// answers 200 whether or not the token (or even the client) exists, so it
// cannot be used to probe; only missing parameters are an error.
func (a *App) handleRevoke(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	refreshToken := q.Get("refresh_token")
	clientID := q.Get("client_id")
	if refreshToken == "" || clientID == "" {
		a.writeError(w, invalidRequest(""))
		return
	}

	if err := a.Grants.Revoke(r.Context(), refreshToken, clientID); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// writeError renders protocol errors with their stable code and keeps
// everything else a generic server_error; internal faults are logged but
// never leaked and never retried here.
func (a *App) writeError(w http.ResponseWriter, err error) {
	var oe *Error
	if errors.As(err, &oe) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(oe.Status)
		body := map[string]string{"error": oe.Code}
		if oe.Description != "" {
			body["error_description"] = oe.Description
		}
		_ = json.NewEncoder(w).Encode(body)
		return
	}

	a.Logger.Error("request failed", "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": ErrCodeServerError})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
