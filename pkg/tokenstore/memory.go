package tokenstore

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// revokedRetention is how long revoked tokens are kept before cleanup
	// removes them. A delayed reuse attempt inside this window still reads
	// as a breach instead of the less actionable "unknown token".
	revokedRetention = 24 * time.Hour

	// defaultCleanupInterval drives the background sweep.
	defaultCleanupInterval = time.Hour

	// idLogLength is the number of token-id characters included in logs.
	idLogLength = 8
)

// MemoryStore is the in-process Store implementation. Every lifecycle
// operation runs to completion under a single mutex, so no two concurrent
// Use calls can both observe an unused token.
//
// State is process local: rotations on one instance are invisible to
// another, which defeats reuse detection under horizontal scaling. Deploy a
// shared Store implementation in that case.
type MemoryStore struct {
	mu       sync.Mutex
	tokens   map[string]*RefreshToken
	byUser   map[string]map[string]struct{}
	byFamily map[string]map[string]struct{}

	logger    *slog.Logger
	done      chan struct{}
	closeOnce sync.Once

	// now is replaceable in tests.
	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a memory store sweeping expired tokens hourly.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithInterval(defaultCleanupInterval)
}

// NewMemoryStoreWithInterval creates a memory store with a custom background
// cleanup interval.
func NewMemoryStoreWithInterval(interval time.Duration) *MemoryStore {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}

	s := &MemoryStore{
		tokens:   make(map[string]*RefreshToken),
		byUser:   make(map[string]map[string]struct{}),
		byFamily: make(map[string]map[string]struct{}),
		logger:   slog.Default(),
		done:     make(chan struct{}),
		now:      time.Now,
	}

	go s.cleanupLoop(interval)

	return s
}

// SetLogger sets a custom logger.
func (s *MemoryStore) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// Create mints a new token. When cfg.Family is set the token starts a fresh
// family; rotation children inherit their parent's family instead.
func (s *MemoryStore) Create(userID, clientID, scope string, cfg Config) (*RefreshToken, error) {
	if userID == "" {
		return nil, fmt.Errorf("tokenstore: userID cannot be empty")
	}
	if clientID == "" {
		return nil, fmt.Errorf("tokenstore: clientID cannot be empty")
	}
	if cfg.ExpiresIn <= 0 {
		return nil, fmt.Errorf("tokenstore: ExpiresIn must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.createLocked(userID, clientID, scope, cfg, "", "", s.now())
	if err != nil {
		return nil, err
	}
	return snapshot(t), nil
}

// createLocked mints and indexes a token. Callers hold s.mu.
func (s *MemoryStore) createLocked(userID, clientID, scope string, cfg Config, familyID, parentID string, now time.Time) (*RefreshToken, error) {
	id, err := newTokenID()
	if err != nil {
		return nil, err
	}

	if familyID == "" && cfg.Family {
		familyID = uuid.NewString()
	}

	t := &RefreshToken{
		ID:        id,
		UserID:    userID,
		ClientID:  clientID,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: now.Add(cfg.ExpiresIn),
		Family:    familyID,
		ParentID:  parentID,
	}

	s.tokens[id] = t
	if s.byUser[userID] == nil {
		s.byUser[userID] = make(map[string]struct{})
	}
	s.byUser[userID][id] = struct{}{}
	if familyID != "" {
		if s.byFamily[familyID] == nil {
			s.byFamily[familyID] = make(map[string]struct{})
		}
		s.byFamily[familyID][id] = struct{}{}
	}

	s.logger.Debug("minted refresh token",
		"token_prefix", prefix(id),
		"user_id", userID,
		"family_prefix", prefix(familyID),
		"expires_at", t.ExpiresAt)

	return t, nil
}

// Use presents a token. Rotation and family-membership insertion happen under
// one lock hold, so a newly minted child can never escape a concurrent family
// revocation.
func (s *MemoryStore) Use(id string, cfg Config) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	t, ok := s.tokens[id]
	if !ok {
		return nil, ErrTokenNotFound
	}

	if t.Revoked {
		// A revoked token was rotated away and should never reappear.
		// Its presentation implies the old value leaked and is being
		// replayed, so the entire lineage is invalidated.
		s.breachLocked(t, "Breach: revoked token presented", now)
		return nil, ErrTokenReused
	}

	if now.After(t.ExpiresAt) {
		s.revokeLocked(t, "Expired", now)
		return nil, ErrTokenExpired
	}

	if t.UsedAt == nil {
		used := now
		t.UsedAt = &used

		if !cfg.RotateOnUse {
			return snapshot(t), nil
		}

		child, err := s.createLocked(t.UserID, t.ClientID, t.Scope, cfg, t.Family, t.ID, now)
		if err != nil {
			return nil, err
		}
		s.revokeLocked(t, "Rotated", now)
		s.logger.Debug("rotated refresh token",
			"parent_prefix", prefix(t.ID),
			"child_prefix", prefix(child.ID),
			"family_prefix", prefix(t.Family))
		return snapshot(child), nil
	}

	// Second-or-later presentation of a used token.
	elapsed := now.Sub(*t.UsedAt)
	if elapsed > cfg.ReuseWindow {
		s.breachLocked(t, "Breach: reuse outside grace window", now)
		return nil, ErrTokenReused
	}

	t.ReuseCount++
	if t.ReuseCount > cfg.MaxReuse {
		s.breachLocked(t, "Breach: reuse limit exceeded", now)
		return nil, ErrTokenReused
	}

	return snapshot(t), nil
}

// Get returns a snapshot of a token.
func (s *MemoryStore) Get(id string) (*RefreshToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[id]
	if !ok {
		return nil, false
	}
	return snapshot(t), true
}

// Revoke revokes one token. A no-op if the token is unknown or already
// revoked.
func (s *MemoryStore) Revoke(id, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tokens[id]; ok {
		s.revokeLocked(t, reason, s.now())
	}
}

// RevokeFamily revokes every token currently in the family.
func (s *MemoryStore) RevokeFamily(familyID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokeFamilyLocked(familyID, reason, s.now())
}

// RevokeUserTokens revokes every token owned by the user, e.g. on
// logout-everywhere or account compromise.
func (s *MemoryStore) RevokeUserTokens(userID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	count := 0
	for id := range s.byUser[userID] {
		if t, ok := s.tokens[id]; ok && !t.Revoked {
			s.revokeLocked(t, reason, now)
			count++
		}
	}
	if count > 0 {
		s.logger.Info("revoked user refresh tokens",
			"user_id", userID, "tokens_revoked", count, "reason", reason)
	}
}

// breachLocked handles a confirmed reuse breach: the whole family when the
// token has one, otherwise just the token. Callers hold s.mu.
func (s *MemoryStore) breachLocked(t *RefreshToken, reason string, now time.Time) {
	if t.Family != "" {
		s.revokeFamilyLocked(t.Family, reason, now)
	}
	s.revokeLocked(t, reason, now)
	s.logger.Warn("refresh token breach detected",
		"token_prefix", prefix(t.ID),
		"family_prefix", prefix(t.Family),
		"reason", reason)
}

// revokeFamilyLocked revokes every member of a family. Callers hold s.mu.
func (s *MemoryStore) revokeFamilyLocked(familyID, reason string, now time.Time) {
	for id := range s.byFamily[familyID] {
		if t, ok := s.tokens[id]; ok {
			s.revokeLocked(t, "Family revoked: "+reason, now)
		}
	}
}

// revokeLocked marks one token revoked. Idempotent. Callers hold s.mu.
func (s *MemoryStore) revokeLocked(t *RefreshToken, reason string, now time.Time) {
	if t.Revoked {
		return
	}
	revoked := now
	t.Revoked = true
	t.RevokedAt = &revoked
	t.RevokedReason = reason
}

// Cleanup removes tokens past expiry and revoked tokens past the retention
// grace period. Safe to call repeatedly and on an empty store.
func (s *MemoryStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, t := range s.tokens {
		expired := now.After(t.ExpiresAt)
		staleRevoked := t.Revoked && t.RevokedAt != nil &&
			now.Sub(*t.RevokedAt) > revokedRetention
		if !expired && !staleRevoked {
			continue
		}
		s.deleteLocked(id, t)
		removed++
	}

	if removed > 0 {
		s.logger.Debug("cleaned up refresh tokens", "count", removed)
	}
	return removed
}

// deleteLocked removes a token from every index. Callers hold s.mu.
func (s *MemoryStore) deleteLocked(id string, t *RefreshToken) {
	delete(s.tokens, id)
	if ids, ok := s.byUser[t.UserID]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.byUser, t.UserID)
		}
	}
	if t.Family != "" {
		if ids, ok := s.byFamily[t.Family]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(s.byFamily, t.Family)
			}
		}
	}
}

// Close stops the background cleanup goroutine.
func (s *MemoryStore) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Cleanup()
		case <-s.done:
			return
		}
	}
}

// newTokenID returns a 256-bit random identifier, base64url encoded.
func newTokenID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("tokenstore: generating token id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// snapshot copies a record so callers cannot mutate store state.
func snapshot(t *RefreshToken) *RefreshToken {
	c := *t
	if t.UsedAt != nil {
		used := *t.UsedAt
		c.UsedAt = &used
	}
	if t.RevokedAt != nil {
		revoked := *t.RevokedAt
		c.RevokedAt = &revoked
	}
	return &c
}

// prefix truncates an identifier for logging.
func prefix(id string) string {
	if len(id) <= idLogLength {
		return id
	}
	return id[:idLogLength]
}
