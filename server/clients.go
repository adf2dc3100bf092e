package server

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const defaultScopes = "openid profile api"

// ClientRegistry holds registered relying parties, keyed by client id.
// Clients are provisioned from configuration and never mutated while
// serving requests.
type ClientRegistry struct {
	clients map[string]*Client
}

// NewClientRegistry builds the registry from configuration. A plaintext
// client_secret in config is hashed at load time; precomputed
// client_secret_hash values are taken as-is.
func NewClientRegistry(cfgs []ClientConfig) (*ClientRegistry, error) {
	clients := make(map[string]*Client, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.ClientID == "" {
			return nil, errors.New("client_id required")
		}
		secretHash := cfg.ClientSecretHash
		if secretHash == "" && cfg.ClientSecret != "" {
			hashed, err := bcrypt.GenerateFromPassword([]byte(cfg.ClientSecret), bcrypt.DefaultCost)
			if err != nil {
				return nil, err
			}
			secretHash = string(hashed)
		}
		scopes := cfg.AllowedScopes
		if scopes == "" {
			scopes = defaultScopes
		}
		clients[cfg.ClientID] = &Client{
			ClientID:         cfg.ClientID,
			ClientSecretHash: secretHash,
			RedirectURIs:     cfg.RedirectURIs,
			RequirePKCE:      !cfg.DisablePKCE,
			AllowedScopes:    scopes,
		}
	}
	return &ClientRegistry{clients: clients}, nil
}

// Get retrieves a client definition by id.
func (cr *ClientRegistry) Get(id string) (*Client, bool) {
	client, ok := cr.clients[id]
	return client, ok
}

// Add registers a client directly (tests and seed helpers).
func (cr *ClientRegistry) Add(client *Client) {
	cr.clients[client.ClientID] = client
}

// PermittedRedirects splits the stored redirect list into its entries.
func (c *Client) PermittedRedirects() []string {
	return strings.FieldsFunc(c.RedirectURIs, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ' ' || r == ';'
	})
}

// ValidRedirect reports whether a caller-supplied redirect URI exactly
// matches one of the client's permitted entries. An empty redirect URI is
// legal: the code is delivered in the response body, not via redirect.
func (c *Client) ValidRedirect(uri string) bool {
	if uri == "" {
		return true
	}
	for _, allowed := range c.PermittedRedirects() {
		if allowed == uri {
			return true
		}
	}
	return false
}

// EffectiveScope returns the caller-requested scope string, falling back
// to the client's allowed scopes when the caller omits it.
func (c *Client) EffectiveScope(requested string) string {
	if requested != "" {
		return requested
	}
	if c.AllowedScopes != "" {
		return c.AllowedScopes
	}
	return defaultScopes
}
