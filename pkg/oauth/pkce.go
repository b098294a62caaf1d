package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// randomValue returns 32 cryptographically random bytes, base64url encoded
// without padding. Used for authorization state and OIDC nonces.
func randomValue() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("oauth: generating random value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// newPKCEVerifier returns a fresh PKCE code verifier. The S256 challenge is
// derived from it when the authorization URL is built.
func newPKCEVerifier() string {
	return oauth2.GenerateVerifier()
}
