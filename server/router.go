package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with all endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/connect", func(r chi.Router) {
		if a.Limiter != nil {
			r.Use(RateLimitMiddleware(a.Limiter))
		}
		r.Get("/authorize", a.handleAuthorize)
		r.Post("/token", a.handleToken)
		r.Post("/revoke", a.handleRevoke)
	})

	return r
}
