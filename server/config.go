package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded token and protocol defaults
const (
	DefaultAccessTTL  = 10 * time.Minute
	DefaultRefreshTTL = 24 * time.Hour
	DefaultCodeTTL    = 30 * time.Second

	minSigningKeyBytes = 32
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Tokens     TokensConfig      `yaml:"tokens"`
	Storage    StorageConfig     `yaml:"storage"`
	RateLimit  RateLimitConfig   `yaml:"rate_limit"`
	Clients    []ClientConfig    `yaml:"clients"`
	Principals []PrincipalConfig `yaml:"principals"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string     `yaml:"public_url"`
	DevListenAddr   string     `yaml:"dev_listen_addr"`
	HTTPListenAddr  string     `yaml:"http_listen_addr"`
	HTTPSListenAddr string     `yaml:"https_listen_addr"`
	DevMode         bool       `yaml:"dev_mode"`
	SecretsPath     string     `yaml:"secrets_path"`
	TLS             TLSConfig  `yaml:"tls"`
	CORS            CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig lists origins permitted to call the endpoints from browsers.
type CORSConfig struct {
	ClientOriginURLs []string `yaml:"client_origin_urls"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
}

// TokensConfig is the immutable signing configuration injected into the
// token issuer and the exchange engine at construction time.
type TokensConfig struct {
	Issuer     string   `yaml:"issuer"`
	SigningKey string   `yaml:"signing_key"`
	Audiences  []string `yaml:"audiences"`
	AccessTTL  Duration `yaml:"access_ttl"`
	RefreshTTL Duration `yaml:"refresh_ttl"`
	CodeTTL    Duration `yaml:"code_ttl"`
}

// StorageConfig selects the persistence backend. An empty path keeps all
// protocol state in memory; a path opens a SQLite database there.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// RateLimitConfig throttles the protocol endpoints per remote address.
// A zero PerSecond disables limiting.
type RateLimitConfig struct {
	PerSecond int `yaml:"per_second"`
	Burst     int `yaml:"burst"`
}

// ClientConfig describes a registered OAuth client.
type ClientConfig struct {
	ClientID         string `yaml:"client_id"`
	ClientSecret     string `yaml:"client_secret"`
	ClientSecretHash string `yaml:"client_secret_hash"`
	RedirectURIs     string `yaml:"redirect_uris"`
	DisablePKCE      bool   `yaml:"disable_pkce"`
	AllowedScopes    string `yaml:"allowed_scopes"`
}

// PrincipalConfig seeds the local principal store.
type PrincipalConfig struct {
	ID           string `yaml:"id"`
	Username     string `yaml:"username"`
	Email        string `yaml:"email"`
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"`
}

// Duration decodes YAML values like "30s" or "24h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 63072000,
			},
			CORS: CORSConfig{
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
		},
		Tokens: TokensConfig{
			Issuer:     "authd",
			Audiences:  []string{"api"},
			AccessTTL:  Duration(DefaultAccessTTL),
			RefreshTTL: Duration(DefaultRefreshTTL),
			CodeTTL:    Duration(DefaultCodeTTL),
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHD_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"AUTHD_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"AUTHD_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"AUTHD_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"AUTHD_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHD_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"AUTHD_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"AUTHD_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"AUTHD_TOKENS_ISSUER":            func(v string) { cfg.Tokens.Issuer = v },
		"AUTHD_TOKENS_SIGNING_KEY":       func(v string) { cfg.Tokens.SigningKey = v },
		"AUTHD_TOKENS_AUDIENCES":         func(v string) { cfg.Tokens.Audiences = splitAndTrim(v) },
		"AUTHD_TOKENS_ACCESS_TTL":        func(v string) { cfg.Tokens.AccessTTL = Duration(parseDuration(v, cfg.Tokens.AccessTTL.Std())) },
		"AUTHD_TOKENS_REFRESH_TTL":       func(v string) { cfg.Tokens.RefreshTTL = Duration(parseDuration(v, cfg.Tokens.RefreshTTL.Std())) },
		"AUTHD_TOKENS_CODE_TTL":          func(v string) { cfg.Tokens.CodeTTL = Duration(parseDuration(v, cfg.Tokens.CodeTTL.Std())) },
		"AUTHD_STORAGE_PATH":             func(v string) { cfg.Storage.Path = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL)
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}
	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if c.Tokens.SigningKey == "" {
		slog.Error("Missing required configuration", "field", "tokens.signing_key")
		return errors.New("tokens.signing_key is required")
	}
	if len(c.Tokens.SigningKey) < minSigningKeyBytes {
		slog.Error("Signing key too short", "field", "tokens.signing_key", "min_bytes", minSigningKeyBytes)
		return fmt.Errorf("tokens.signing_key must be at least %d bytes", minSigningKeyBytes)
	}
	if c.Tokens.Issuer == "" {
		return errors.New("tokens.issuer is required")
	}
	if c.Tokens.AccessTTL <= 0 || c.Tokens.RefreshTTL <= 0 || c.Tokens.CodeTTL <= 0 {
		return errors.New("tokens.access_ttl, tokens.refresh_ttl, and tokens.code_ttl must be positive")
	}

	if c.RateLimit.PerSecond < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit values must not be negative")
	}

	for i, client := range c.Clients {
		if client.ClientID == "" {
			slog.Error("Client missing client_id", "index", i)
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
	}

	return nil
}
