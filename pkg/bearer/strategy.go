// Package bearer implements authentication against a single static bearer
// token. The expected secret is kept only as a SHA-256 digest and presented
// tokens are compared in constant time, so validation latency carries no
// information about where a mismatch occurs.
package bearer

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MikeRobGIT/lodgify-mcp-sub001/pkg/api"
)

// MinSecretLength is the minimum accepted secret length, in bytes.
const MinSecretLength = 32

// weakSubstrings are rejected softly: their presence produces a warning at
// construction, not an error.
var weakSubstrings = []string{
	"password", "secret", "12345", "qwerty", "admin", "letmein", "changeme",
}

// Config contains the bearer strategy configuration.
type Config struct {
	// Secret is the expected bearer token. Required, at least
	// MinSecretLength bytes.
	Secret string

	// UserID is the synthetic identity returned on successful validation.
	// Defaults to "bearer-user".
	UserID string

	// Logger receives construction-time warnings. Defaults to slog.Default().
	Logger *slog.Logger
}

// Strategy validates requests against the configured static token.
// It is immutable after construction and safe for concurrent use.
type Strategy struct {
	digest [sha256.Size]byte
	user   api.AuthUser
}

var _ api.Strategy = (*Strategy)(nil)

// New creates a bearer strategy from the supplied configuration.
// A short secret is a configuration error; a weak-looking secret is only
// warned about.
func New(cfg Config) (*Strategy, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: bearer secret must be at least %d characters",
			api.ErrConfiguration, MinSecretLength)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lowered := strings.ToLower(cfg.Secret)
	for _, weak := range weakSubstrings {
		if strings.Contains(lowered, weak) {
			logger.Warn("bearer secret contains a common weak substring",
				"substring", weak)
			break
		}
	}

	userID := cfg.UserID
	if userID == "" {
		userID = "bearer-user"
	}

	return &Strategy{
		digest: sha256.Sum256([]byte(cfg.Secret)),
		user: api.AuthUser{
			ID:       userID,
			Provider: api.ProviderBearer,
		},
	}, nil
}

// Authenticate extracts the bearer token from the request and validates it.
func (s *Strategy) Authenticate(ctx context.Context, r *http.Request) (*api.AuthUser, error) {
	token, ok := api.BearerToken(r)
	if !ok {
		return nil, api.ErrMissingCredential
	}
	return s.ValidateToken(ctx, token)
}

// ValidateToken digests the presented token and compares it against the
// expected digest in constant time. Static tokens never expire.
func (s *Strategy) ValidateToken(_ context.Context, token string) (*api.AuthUser, error) {
	presented := sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(presented[:], s.digest[:]) != 1 {
		return nil, api.ErrInvalidCredential
	}

	user := s.user
	return &user, nil
}

// CanHandle reports whether the request carries a well-formed bearer header.
func (s *Strategy) CanHandle(r *http.Request) bool {
	_, ok := api.BearerToken(r)
	return ok
}

// Refresh is not supported for static tokens.
func (s *Strategy) Refresh(context.Context, string) (string, error) {
	return "", api.ErrRefreshNotSupported
}

// Initialize is a no-op; the strategy needs no external state.
func (s *Strategy) Initialize(context.Context) error { return nil }

// Cleanup is a no-op.
func (s *Strategy) Cleanup() error { return nil }
