package auth

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the configuration surface of the authentication core.
// All values are read from the environment; the four URL/identity fields are
// required and their absence is a configuration error, never silently
// defaulted past a point that would leak internal addresses externally.
type Config struct {
	// ServerURL is the mail/authorization server base URL as reachable from
	// this process. May be an internal address (loopback, private network).
	ServerURL string `env:"SABLEMAIL_SERVER_URL"`

	// PublicURL is the externally reachable base URL of the authorization
	// server, used for browser-facing redirects.
	PublicURL string `env:"SABLEMAIL_PUBLIC_URL"`

	// ClientID is the OAuth client identifier registered with the
	// authorization server.
	ClientID string `env:"SABLEMAIL_OAUTH_CLIENT_ID"`

	// RedirectURI is where the authorization server redirects after consent.
	RedirectURI string `env:"SABLEMAIL_OAUTH_REDIRECT_URI"`

	// Scopes are the OAuth scopes requested on both flows.
	Scopes []string `env:"SABLEMAIL_OAUTH_SCOPES" envSeparator:" " envDefault:"offline_access urn:ietf:params:jmap:core urn:ietf:params:jmap:mail"`

	// SessionSecret is the server secret the session cookie key is derived
	// from. Required when the session manager is used.
	SessionSecret string `env:"SABLEMAIL_SESSION_SECRET"`

	// StateTTL is how long a pending authorization state remains consumable.
	StateTTL time.Duration `env:"SABLEMAIL_OAUTH_STATE_TTL" envDefault:"10m"`

	// SessionTTL is the session cookie lifetime.
	SessionTTL time.Duration `env:"SABLEMAIL_SESSION_TTL" envDefault:"168h"`

	// DiscoveryCacheTTL is how long fetched server metadata is cached.
	DiscoveryCacheTTL time.Duration `env:"SABLEMAIL_DISCOVERY_CACHE_TTL" envDefault:"1h"`

	// RateLimit is requests per second allowed per (IP, action class).
	// Zero disables limiting.
	RateLimit int `env:"SABLEMAIL_RATE_LIMIT" envDefault:"5"`

	// RateBurst is the maximum burst size per (IP, action class).
	RateBurst int `env:"SABLEMAIL_RATE_BURST" envDefault:"10"`
}

// Load reads the configuration from the environment.
// It does not validate; call Validate before use.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration is present and well-formed.
// It fails fast with a configuration error rather than letting a flow
// partially proceed.
func (c *Config) Validate() error {
	var missing []string
	if c.ServerURL == "" {
		missing = append(missing, "SABLEMAIL_SERVER_URL")
	}
	if c.PublicURL == "" {
		missing = append(missing, "SABLEMAIL_PUBLIC_URL")
	}
	if c.ClientID == "" {
		missing = append(missing, "SABLEMAIL_OAUTH_CLIENT_ID")
	}
	if c.RedirectURI == "" {
		missing = append(missing, "SABLEMAIL_OAUTH_REDIRECT_URI")
	}
	if len(missing) > 0 {
		return ErrConfiguration("missing required configuration: " + strings.Join(missing, ", "))
	}

	for _, u := range []struct{ name, value string }{
		{"server URL", c.ServerURL},
		{"public URL", c.PublicURL},
		{"redirect URI", c.RedirectURI},
	} {
		parsed, err := url.Parse(u.value)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return ErrConfiguration(fmt.Sprintf("invalid %s: %q", u.name, u.value))
		}
	}

	return nil
}
