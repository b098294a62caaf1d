package oauth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MikeRobGIT/lodgify-mcp-sub001/pkg/api"
)

// Token is the result of a successful authorization-code exchange.
type Token struct {
	// AccessToken is the OAuth access token.
	AccessToken string

	// TokenType is the token type, usually "Bearer".
	TokenType string

	// RefreshToken is the provider-issued refresh token (optional).
	RefreshToken string

	// IDToken is the OpenID Connect ID token (optional).
	IDToken string

	// Expiry is when the access token expires.
	Expiry time.Time

	// Scopes are the scopes granted by the provider.
	Scopes []string
}

// userFromClaims normalizes JWT or introspection claims into an AuthUser.
// A missing subject is an invalid credential, not a partial identity.
func userFromClaims(claims jwt.MapClaims) (*api.AuthUser, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: token has no subject", api.ErrInvalidCredential)
	}

	user := &api.AuthUser{
		ID:       sub,
		Provider: api.ProviderOAuth,
	}

	if email, ok := claims["email"].(string); ok {
		user.Email = email
	}
	if name, ok := claims["name"].(string); ok {
		user.Name = name
	}
	if exp, ok := claims["exp"].(float64); ok {
		user.ExpiresAt = time.Unix(int64(exp), 0)
	}
	user.Scopes = scopesFromClaims(claims)

	return user, nil
}

// scopesFromClaims extracts scopes from the common claim shapes: a
// space-separated "scope" string, or "scp"/"scopes" string arrays.
func scopesFromClaims(claims jwt.MapClaims) []string {
	if scope, ok := claims["scope"].(string); ok {
		return splitScopes(scope)
	}
	for _, key := range []string{"scp", "scopes"} {
		if raw, ok := claims[key].([]interface{}); ok {
			var scopes []string
			for _, v := range raw {
				if s, ok := v.(string); ok {
					scopes = append(scopes, s)
				}
			}
			return scopes
		}
	}
	return nil
}

// splitScopes splits a space-separated scope string.
func splitScopes(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// audienceContains reports whether the aud claim (string or array) contains
// the expected audience.
func audienceContains(claims jwt.MapClaims, expected string) bool {
	aud, err := claims.GetAudience()
	if err != nil {
		return false
	}
	for _, a := range aud {
		if a == expected {
			return true
		}
	}
	return false
}
