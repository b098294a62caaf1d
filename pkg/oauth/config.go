package oauth

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MikeRobGIT/lodgify-mcp-sub001/pkg/api"
)

// Config contains the OAuth strategy configuration. Endpoint fields may be
// left empty when DiscoveryURL is set; discovery fills them at Initialize.
type Config struct {
	// ClientID is the OAuth client identifier. Required.
	ClientID string

	// ClientSecret is the OAuth client secret. Required for introspection
	// and for confidential-client token exchange.
	ClientSecret string

	// Scopes are the OAuth scopes to request.
	Scopes []string

	// Issuer is the expected token issuer.
	Issuer string

	// AuthURL is the provider's authorization endpoint.
	AuthURL string

	// TokenURL is the provider's token endpoint.
	TokenURL string

	// JWKSURL is the provider's JWKS endpoint for local JWT validation.
	JWKSURL string

	// IntrospectionURL is the provider's token introspection endpoint.
	IntrospectionURL string

	// DiscoveryURL is the OpenID-style discovery document URL. When set,
	// Initialize fetches it once and overwrites AuthURL, TokenURL, JWKSURL,
	// and Issuer.
	DiscoveryURL string

	// Audience is the expected audience claim and the audience parameter
	// added to authorization requests (optional).
	Audience string

	// UseNonce adds an OIDC nonce to authorization requests and verifies it
	// against the returned ID token.
	UseNonce bool

	// SessionTTL bounds the life of an authorization session. Defaults to
	// 10 minutes.
	SessionTTL time.Duration

	// ClockSkew allows for clock drift when validating time claims.
	// Defaults to 60 seconds.
	ClockSkew time.Duration

	// Timeout bounds every outbound provider call. Defaults to 30 seconds.
	Timeout time.Duration

	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Validate checks the configuration and fills defaults in place.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", api.ErrConfiguration)
	}

	if strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("%w: client_id is required", api.ErrConfiguration)
	}

	if c.DiscoveryURL == "" {
		if strings.TrimSpace(c.AuthURL) == "" {
			return fmt.Errorf("%w: auth_url required without discovery", api.ErrConfiguration)
		}
		if strings.TrimSpace(c.TokenURL) == "" {
			return fmt.Errorf("%w: token_url required without discovery", api.ErrConfiguration)
		}
	}

	if c.IntrospectionURL != "" && strings.TrimSpace(c.ClientSecret) == "" {
		return fmt.Errorf("%w: client_secret required for introspection", api.ErrConfiguration)
	}

	if c.SessionTTL <= 0 {
		c.SessionTTL = 10 * time.Minute
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = 60 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	return nil
}
