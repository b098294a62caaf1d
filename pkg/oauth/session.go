package oauth

import (
	"sync"
	"time"
)

// session is the ephemeral record backing one authorization attempt, keyed
// by its random state value.
type session struct {
	state       string
	verifier    string
	nonce       string
	redirectURI string
	createdAt   time.Time
}

// sessionStore holds pending authorization sessions. Sessions are consumed
// exactly once: Consume deletes the entry the instant its state is presented,
// whether or not the callback ultimately succeeds, to prevent replay.
//
// Expired sessions are evicted opportunistically on every Put; session volume
// is bounded by concurrent login attempts, so no dedicated timer is needed.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
	ttl      time.Duration

	// now is replaceable in tests.
	now func() time.Time
}

func newSessionStore(ttl time.Duration) *sessionStore {
	return &sessionStore{
		sessions: make(map[string]*session),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Put stores a new session and sweeps expired ones.
func (st *sessionStore) Put(s *session) {
	st.mu.Lock()
	defer st.mu.Unlock()

	cutoff := st.now().Add(-st.ttl)
	for state, old := range st.sessions {
		if old.createdAt.Before(cutoff) {
			delete(st.sessions, state)
		}
	}

	st.sessions[s.state] = s
}

// Consume looks up a session by state and deletes it regardless of outcome.
// An absent session and an expired one are indistinguishable to the caller,
// so a probe cannot learn whether a state ever existed.
func (st *sessionStore) Consume(state string) (*session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[state]
	if !ok {
		return nil, false
	}
	delete(st.sessions, state)

	if st.now().Sub(s.createdAt) > st.ttl {
		return nil, false
	}
	return s, true
}

// Len returns the number of pending sessions (for tests).
func (st *sessionStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}
