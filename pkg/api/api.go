package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Provider identifies the strategy that validated a credential.
type Provider string

const (
	// ProviderBearer identifies the static bearer-token strategy.
	ProviderBearer Provider = "bearer"

	// ProviderOAuth identifies the OAuth 2.1 strategy.
	ProviderOAuth Provider = "oauth"
)

// AuthUser is the validated identity returned by a strategy.
// It is created on successful validation and never persisted here;
// the request-authorization layer consumes it.
type AuthUser struct {
	// ID is the stable subject identifier. Always non-empty on success.
	ID string

	// Provider names the strategy that produced this identity.
	Provider Provider

	// Email is the user's email address, when the credential carried one.
	Email string

	// Name is the user's display name, when the credential carried one.
	Name string

	// Scopes are the scopes granted to the credential.
	Scopes []string

	// ExpiresAt is when the credential expires. Zero means no expiry.
	ExpiresAt time.Time
}

// Strategy is the contract every authentication strategy satisfies.
type Strategy interface {
	// Authenticate extracts a credential from the request and validates it.
	// Returns ErrMissingCredential when no credential is present.
	Authenticate(ctx context.Context, r *http.Request) (*AuthUser, error)

	// ValidateToken validates a raw token string independent of request
	// parsing. Returns ErrInvalidCredential or ErrExpiredCredential on
	// failure.
	ValidateToken(ctx context.Context, token string) (*AuthUser, error)

	// CanHandle reports whether this strategy recognizes the request's
	// credential. It is cheap, side-effect free, and never panics.
	CanHandle(r *http.Request) bool

	// Refresh exchanges a refresh token for a new access token. Strategies
	// without refresh support return ErrRefreshNotSupported.
	Refresh(ctx context.Context, refreshToken string) (string, error)

	// Initialize is invoked once at process start, before any request is
	// served. Configuration and provider-metadata failures here are fatal.
	Initialize(ctx context.Context) error

	// Cleanup releases resources at process stop.
	Cleanup() error
}

var (
	// ErrMissingCredential indicates the request carries no credential.
	ErrMissingCredential = errors.New("api: missing credential")

	// ErrInvalidCredential indicates a malformed, forged, replayed, or
	// otherwise unacceptable credential.
	ErrInvalidCredential = errors.New("api: invalid credential")

	// ErrExpiredCredential indicates the credential or session is past its TTL.
	ErrExpiredCredential = errors.New("api: expired credential")

	// ErrConfiguration indicates an invalid strategy configuration.
	ErrConfiguration = errors.New("api: invalid configuration")

	// ErrProvider indicates a failure talking to the upstream identity provider.
	ErrProvider = errors.New("api: provider error")

	// ErrRefreshNotSupported indicates the strategy has no refresh support.
	ErrRefreshNotSupported = errors.New("api: refresh not supported")

	// ErrNoStrategy indicates no configured strategy can handle the request.
	ErrNoStrategy = errors.New("api: no strategy for request")
)

// BearerToken extracts a bearer token from the request's Authorization header.
// The header must contain exactly two whitespace-separated fields with a
// case-insensitive "bearer" scheme. A malformed header is reported the same
// way as a missing one so a dispatcher can fall through to another strategy.
func BearerToken(r *http.Request) (string, bool) {
	if r == nil {
		return "", false
	}
	fields := strings.Fields(r.Header.Get("Authorization"))
	if len(fields) != 2 || !strings.EqualFold(fields[0], "bearer") {
		return "", false
	}
	return fields[1], true
}

// Selector dispatches requests to the first strategy that can handle them.
type Selector struct {
	strategies []Strategy
}

// NewSelector builds a Selector from an ordered list of strategies.
func NewSelector(strategies ...Strategy) (*Selector, error) {
	if len(strategies) == 0 {
		return nil, fmt.Errorf("%w: no strategies configured", ErrConfiguration)
	}
	for i, s := range strategies {
		if s == nil {
			return nil, fmt.Errorf("%w: strategy at index %d is nil", ErrConfiguration, i)
		}
	}
	return &Selector{strategies: strategies}, nil
}

// Select returns the first strategy whose CanHandle accepts the request.
func (s *Selector) Select(r *http.Request) (Strategy, bool) {
	for _, st := range s.strategies {
		if st.CanHandle(r) {
			return st, true
		}
	}
	return nil, false
}

// Authenticate dispatches the request to the selected strategy.
// Returns ErrNoStrategy when no strategy recognizes the request.
func (s *Selector) Authenticate(ctx context.Context, r *http.Request) (*AuthUser, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st, ok := s.Select(r)
	if !ok {
		return nil, ErrNoStrategy
	}
	return st.Authenticate(ctx, r)
}

// Initialize runs every strategy's Initialize hook in order.
// The first failure aborts startup and is returned as-is.
func (s *Selector) Initialize(ctx context.Context) error {
	for _, st := range s.strategies {
		if err := st.Initialize(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup runs every strategy's Cleanup hook, collecting all failures.
func (s *Selector) Cleanup() error {
	var errs []error
	for _, st := range s.strategies {
		if err := st.Cleanup(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
