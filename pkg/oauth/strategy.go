package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/MikeRobGIT/lodgify-mcp-sub001/pkg/api"
)

// endpoints are the provider endpoints in effect. Discovery may overwrite
// the configured values once at Initialize; after that they are read-only.
type endpoints struct {
	authURL          string
	tokenURL         string
	jwksURL          string
	introspectionURL string
	issuer           string
}

// Strategy authenticates requests via OAuth 2.1 with PKCE. It is safe for
// concurrent use after Initialize returns.
type Strategy struct {
	cfg        *Config
	httpClient *http.Client

	mu   sync.RWMutex
	ep   endpoints
	jwks keyfunc.Keyfunc

	sessions *sessionStore
}

var _ api.Strategy = (*Strategy)(nil)

// New creates an OAuth strategy from the supplied configuration.
func New(cfg *Config) (*Strategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Strategy{
		cfg:        cfg,
		httpClient: newHTTPClient(cfg.Timeout),
		ep: endpoints{
			authURL:          cfg.AuthURL,
			tokenURL:         cfg.TokenURL,
			jwksURL:          cfg.JWKSURL,
			introspectionURL: cfg.IntrospectionURL,
			issuer:           cfg.Issuer,
		},
		sessions: newSessionStore(cfg.SessionTTL),
	}, nil
}

// Initialize fetches provider discovery metadata when configured and builds
// the JWKS key set. Failures here are fatal to startup, never deferred to
// the first request.
func (s *Strategy) Initialize(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if s.cfg.DiscoveryURL != "" {
		doc, err := fetchDiscovery(ctx, s.httpClient, s.cfg.DiscoveryURL)
		if err != nil {
			return err
		}

		s.mu.Lock()
		s.ep.authURL = doc.AuthorizationEndpoint
		s.ep.tokenURL = doc.TokenEndpoint
		if doc.JWKSURI != "" {
			s.ep.jwksURL = doc.JWKSURI
		}
		if doc.IntrospectionEndpoint != "" && s.cfg.ClientSecret != "" {
			s.ep.introspectionURL = doc.IntrospectionEndpoint
		}
		if doc.Issuer != "" {
			s.ep.issuer = doc.Issuer
		}
		s.mu.Unlock()
	}

	ep := s.snapshotEndpoints()
	if ep.jwksURL != "" {
		jwks, err := keyfunc.NewDefaultCtx(ctx, []string{ep.jwksURL})
		if err != nil {
			return fmt.Errorf("%w: initializing jwks: %v", api.ErrProvider, err)
		}
		s.mu.Lock()
		s.jwks = jwks
		s.mu.Unlock()
	} else if ep.introspectionURL == "" {
		s.cfg.Logger.Warn("provider exposes neither jwks nor introspection; " +
			"access tokens will be decoded without signature verification")
	}

	return nil
}

// Cleanup releases the JWKS client.
func (s *Strategy) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jwks = nil
	return nil
}

// AuthorizationURL starts an authorization attempt: it generates state,
// nonce, and a PKCE verifier, stores the single-use session, and returns the
// provider authorization URL.
func (s *Strategy) AuthorizationURL(redirectURI string) (string, error) {
	state, err := randomValue()
	if err != nil {
		return "", err
	}

	sess := &session{
		state:       state,
		verifier:    newPKCEVerifier(),
		redirectURI: redirectURI,
		createdAt:   s.sessions.now(),
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(sess.verifier),
	}
	if s.cfg.UseNonce {
		nonce, err := randomValue()
		if err != nil {
			return "", err
		}
		sess.nonce = nonce
		opts = append(opts, oauth2.SetAuthURLParam("nonce", nonce))
	}
	if s.cfg.Audience != "" {
		opts = append(opts, oauth2.SetAuthURLParam("audience", s.cfg.Audience))
	}

	s.sessions.Put(sess)

	return s.oauthConfig(redirectURI).AuthCodeURL(state, opts...), nil
}

// HandleCallback completes an authorization attempt. The session is consumed
// on lookup no matter what happens afterwards, so a state value can succeed
// at most once.
func (s *Strategy) HandleCallback(ctx context.Context, code, state, redirectURI string) (*Token, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	sess, ok := s.sessions.Consume(state)
	if !ok {
		return nil, fmt.Errorf("%w: unknown or expired authorization state", api.ErrInvalidCredential)
	}

	if sess.redirectURI != redirectURI {
		return nil, fmt.Errorf("%w: redirect_uri mismatch", api.ErrInvalidCredential)
	}

	tok, err := s.oauthConfig(redirectURI).Exchange(s.clientContext(ctx), code,
		oauth2.VerifierOption(sess.verifier))
	if err != nil {
		return nil, mapTokenEndpointError(err)
	}

	idToken, _ := tok.Extra("id_token").(string)
	if idToken != "" {
		if err := s.verifyIDToken(idToken, sess.nonce); err != nil {
			return nil, err
		}
	}

	result := &Token{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		IDToken:      idToken,
		Expiry:       tok.Expiry,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		result.Scopes = splitScopes(scope)
	}

	return result, nil
}

// ValidateToken validates an access token, stopping at the first applicable
// tier: JWKS verification, then introspection, then unverified decode.
func (s *Strategy) ValidateToken(ctx context.Context, token string) (*api.AuthUser, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, api.ErrMissingCredential
	}

	switch {
	case s.keySet() != nil:
		return s.validateJWT(token)
	case s.snapshotEndpoints().introspectionURL != "":
		return s.introspect(ctx, token)
	default:
		return s.decodeUnverified(token)
	}
}

// Authenticate extracts the bearer token from the request and validates it.
func (s *Strategy) Authenticate(ctx context.Context, r *http.Request) (*api.AuthUser, error) {
	token, ok := api.BearerToken(r)
	if !ok {
		return nil, api.ErrMissingCredential
	}
	return s.ValidateToken(ctx, token)
}

// CanHandle reports whether the request carries a well-formed bearer header.
func (s *Strategy) CanHandle(r *http.Request) bool {
	_, ok := api.BearerToken(r)
	return ok
}

// Refresh exchanges a provider refresh token for a new access token. The
// provider owns its refresh-token state; only the access token is returned.
func (s *Strategy) Refresh(ctx context.Context, refreshToken string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if refreshToken == "" {
		return "", api.ErrMissingCredential
	}

	src := s.oauthConfig("").TokenSource(s.clientContext(ctx),
		&oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		return "", mapTokenEndpointError(err)
	}
	return tok.AccessToken, nil
}

// verifyIDToken checks the ID token signature against the provider JWKS and
// compares the nonce to the one issued with the authorization request. When
// no JWKS is available the token is decoded unverified so the nonce check
// still runs.
func (s *Strategy) verifyIDToken(idToken, nonce string) error {
	var claims jwt.MapClaims

	if jwks := s.keySet(); jwks != nil {
		tok, err := jwt.Parse(idToken, jwks.Keyfunc,
			jwt.WithValidMethods(signingMethods),
			jwt.WithLeeway(s.cfg.ClockSkew),
		)
		if err != nil {
			return fmt.Errorf("%w: id token: %v", api.ErrInvalidCredential, err)
		}
		claims, _ = tok.Claims.(jwt.MapClaims)
	} else {
		tok, _, err := jwt.NewParser().ParseUnverified(idToken, jwt.MapClaims{})
		if err != nil {
			return fmt.Errorf("%w: id token: %v", api.ErrInvalidCredential, err)
		}
		claims, _ = tok.Claims.(jwt.MapClaims)
	}

	if nonce != "" {
		got, _ := claims["nonce"].(string)
		if got != nonce {
			return fmt.Errorf("%w: id token nonce mismatch", api.ErrInvalidCredential)
		}
	}

	return nil
}

// oauthConfig builds the x/oauth2 configuration for the endpoints currently
// in effect.
func (s *Strategy) oauthConfig(redirectURI string) *oauth2.Config {
	ep := s.snapshotEndpoints()
	return &oauth2.Config{
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  ep.authURL,
			TokenURL: ep.tokenURL,
		},
		RedirectURL: redirectURI,
		Scopes:      s.cfg.Scopes,
	}
}

// clientContext injects the strategy's HTTP client, with its timeout and
// retry transport, into x/oauth2 calls.
func (s *Strategy) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
}

func (s *Strategy) snapshotEndpoints() endpoints {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ep
}

func (s *Strategy) keySet() keyfunc.Keyfunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jwks
}

// mapTokenEndpointError classifies token-endpoint failures: a 4xx rejection
// means the presented grant was bad, anything else is a provider fault.
func mapTokenEndpointError(err error) error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) && rErr.Response != nil &&
		rErr.Response.StatusCode >= 400 && rErr.Response.StatusCode < 500 {
		return fmt.Errorf("%w: token endpoint rejected grant: %v", api.ErrInvalidCredential, err)
	}
	return fmt.Errorf("%w: token endpoint: %v", api.ErrProvider, err)
}
