// Package oauth implements the OAuth 2.1 authorization-code strategy with
// PKCE, plus access-token validation against the provider.
//
// # Authorization flow
//
// AuthorizationURL issues a provider authorization URL bound to a single-use
// session holding the random state, the PKCE verifier, and an optional nonce.
// HandleCallback consumes that session on first presentation of the state
// (success or not), verifies the redirect URI, and exchanges the code plus
// verifier for tokens. When the provider returns an ID token, its signature
// is checked against the provider JWKS and the nonce is compared against the
// session's.
//
// # Access-token validation
//
// ValidateToken stops at the first applicable tier:
//
//  1. JWKS configured: verify as a signed JWT, checking issuer and audience.
//  2. Introspection endpoint known: POST the token with HTTP Basic client
//     credentials and trust active=true.
//  3. Neither: decode without signature verification. This is the least
//     secure path and is flagged with a warning at Initialize; it exists only
//     for providers exposing neither JWKS nor introspection.
//
// # Discovery
//
// When a discovery URL is configured, Initialize fetches the provider
// metadata once and overwrites the authorization, token, and JWKS endpoints
// and the issuer before any request is served. Discovery failures are fatal
// at startup, never deferred to the first request.
//
// Example:
//
//	strategy, err := oauth.New(&oauth.Config{
//	    ClientID:     "lodgify-mcp",
//	    ClientSecret: "client-secret",
//	    DiscoveryURL: "https://idp.example.com/.well-known/openid-configuration",
//	    Scopes:       []string{"openid", "profile"},
//	    Audience:     "https://mcp.example.com",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := strategy.Initialize(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer strategy.Cleanup()
//
//	authURL, err := strategy.AuthorizationURL("https://app.example.com/callback")
//	// Redirect the user, then on the callback route:
//	token, err := strategy.HandleCallback(ctx, code, state, "https://app.example.com/callback")
package oauth
