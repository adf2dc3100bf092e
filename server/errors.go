package server

import (
	"fmt"
	"net/http"
)

// Stable OAuth error codes returned to clients.
const (
	ErrCodeUnsupportedResponseType = "unsupported_response_type"
	ErrCodeInvalidClient           = "invalid_client"
	ErrCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrCodeInvalidGrant            = "invalid_grant"
	ErrCodeInvalidRequest          = "invalid_request"
	ErrCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrCodeServerError             = "server_error"
)

// Error carries a stable OAuth error code plus an optional human-readable
// description. Authentication failures deliberately collapse into
// invalid_grant so callers cannot probe which check failed.
type Error struct {
	Code        string
	Description string
	Status      int
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func oauthErr(status int, code, description string) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

func invalidRequest(description string) *Error {
	return oauthErr(http.StatusBadRequest, ErrCodeInvalidRequest, description)
}

func invalidClient() *Error {
	return oauthErr(http.StatusBadRequest, ErrCodeInvalidClient, "")
}

// invalidGrant reports any authentication failure: bad credentials,
// expired/consumed/mismatched codes, revoked tokens, failed PKCE checks.
func invalidGrant(status int, description string) *Error {
	return oauthErr(status, ErrCodeInvalidGrant, description)
}
