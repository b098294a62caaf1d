// Package tokenstore manages the lifecycle of locally issued refresh tokens:
// creation, single-use rotation, reuse detection, family-wide revocation, and
// time-based garbage collection.
//
// A refresh token is expected to be presented exactly once. When rotation is
// enabled, the first use mints a child token in the same family and revokes
// the parent; any later presentation of the parent is treated as a confirmed
// breach and the whole rotation lineage is revoked defensively. Detection
// deliberately fails closed: ambiguity between expired, revoked, and reused
// is resolved toward rejection.
//
// The in-memory implementation is one store behind the Store interface;
// multi-instance deployments substitute a shared, externally consistent
// backend without changing the rotation algorithm.
package tokenstore

import (
	"errors"
	"time"
)

var (
	// ErrTokenNotFound indicates the presented token id is unknown.
	ErrTokenNotFound = errors.New("tokenstore: unknown refresh token")

	// ErrTokenExpired indicates the token is past its expiry.
	ErrTokenExpired = errors.New("tokenstore: refresh token expired")

	// ErrTokenReused indicates a confirmed reuse breach. The token, and its
	// family when it has one, have been revoked.
	ErrTokenReused = errors.New("tokenstore: refresh token reuse detected")
)

// RefreshToken is a locally issued refresh-token record.
type RefreshToken struct {
	// ID is the opaque random identifier handed to the client as the
	// bearer value.
	ID string

	// UserID is the owning user.
	UserID string

	// ClientID is the owning client.
	ClientID string

	// Scope is the granted scope, space separated (optional).
	Scope string

	// CreatedAt is when the token was minted.
	CreatedAt time.Time

	// ExpiresAt is when the token expires. Always after CreatedAt.
	ExpiresAt time.Time

	// UsedAt is set on the first Use call. Nil until then.
	UsedAt *time.Time

	// ReuseCount counts second-or-later uses tolerated within the
	// configured grace window.
	ReuseCount int

	// Family groups a rotation chain for cascading revocation (optional).
	Family string

	// ParentID is the token this one rotated from (optional).
	ParentID string

	// Revoked is true once the token has been revoked. Never reset.
	Revoked bool

	// RevokedAt is when the token was revoked.
	RevokedAt *time.Time

	// RevokedReason records why the token was revoked.
	RevokedReason string
}

// Config controls per-use-case token lifecycle behavior.
type Config struct {
	// ExpiresIn is the token lifetime.
	ExpiresIn time.Duration

	// RotateOnUse mints a child token and revokes the parent on first use.
	RotateOnUse bool

	// ReuseWindow is the grace period during which a second presentation of
	// an already-used (but not rotated-away) token is tolerated.
	ReuseWindow time.Duration

	// MaxReuse is how many extra uses are tolerated within ReuseWindow
	// before the token is treated as abused.
	MaxReuse int

	// Family groups rotation chains so a breach revokes the whole lineage.
	Family bool
}

// Store is the refresh-token lifecycle contract. The in-memory MemoryStore
// is the default implementation; production deployments under horizontal
// scaling inject a shared external store instead.
type Store interface {
	// Create mints a new token for the user/client pair.
	Create(userID, clientID, scope string, cfg Config) (*RefreshToken, error)

	// Use presents a token. On a rotating first use it returns the freshly
	// minted child; otherwise it returns the token itself. Unknown, revoked,
	// expired, and over-reused tokens fail, revoking as described in the
	// package documentation.
	Use(id string, cfg Config) (*RefreshToken, error)

	// Get returns a snapshot of a token without touching its lifecycle.
	Get(id string) (*RefreshToken, bool)

	// Revoke revokes one token. Idempotent.
	Revoke(id, reason string)

	// RevokeFamily revokes every token in a family.
	RevokeFamily(familyID, reason string)

	// RevokeUserTokens revokes every token owned by a user.
	RevokeUserTokens(userID, reason string)

	// Cleanup removes expired tokens and revoked tokens past the retention
	// grace period. Returns the number of tokens removed.
	Cleanup() int

	// Close stops background maintenance.
	Close()
}
