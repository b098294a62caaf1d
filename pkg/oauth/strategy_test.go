package oauth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MikeRobGIT/lodgify-mcp-sub001/pkg/api"
)

const testRedirectURI = "http://localhost:8080/callback"

func testConfig() *Config {
	return &Config{
		ClientID: "test-client",
		Scopes:   []string{"openid", "profile"},
		AuthURL:  "https://provider.example.com/authorize",
		TokenURL: "https://provider.example.com/token",
		Timeout:  5 * time.Second,
	}
}

func newTestStrategy(t *testing.T, cfg *Config) *Strategy {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

// signTestToken builds an HS256-signed JWT. The signature only matters to
// tests exercising the unverified-decode tier, which ignores it anyway.
func signTestToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return tok
}

func TestConfigValidate(t *testing.T) {
	if err := (&Config{}).Validate(); !errors.Is(err, api.ErrConfiguration) {
		t.Errorf("Expected ErrConfiguration for missing client_id, got %v", err)
	}

	if err := (&Config{ClientID: "c"}).Validate(); !errors.Is(err, api.ErrConfiguration) {
		t.Errorf("Expected ErrConfiguration without endpoints or discovery, got %v", err)
	}

	cfg := &Config{
		ClientID:         "c",
		AuthURL:          "https://p/authorize",
		TokenURL:         "https://p/token",
		IntrospectionURL: "https://p/introspect",
	}
	if err := cfg.Validate(); !errors.Is(err, api.ErrConfiguration) {
		t.Errorf("Expected ErrConfiguration for introspection without secret, got %v", err)
	}

	cfg = &Config{ClientID: "c", DiscoveryURL: "https://p/.well-known/openid-configuration"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.SessionTTL != 10*time.Minute || cfg.ClockSkew != 60*time.Second || cfg.Timeout != 30*time.Second {
		t.Errorf("Expected defaults filled, got %+v", cfg)
	}
	if cfg.Logger == nil {
		t.Error("Expected default logger")
	}
}

func TestAuthorizationURL(t *testing.T) {
	cfg := testConfig()
	cfg.UseNonce = true
	cfg.Audience = "my-api"
	s := newTestStrategy(t, cfg)

	rawURL, err := s.AuthorizationURL(testRedirectURI)
	if err != nil {
		t.Fatalf("AuthorizationURL failed: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("Failed to parse authorization URL: %v", err)
	}
	q := u.Query()

	if got := q.Get("response_type"); got != "code" {
		t.Errorf("Expected response_type=code, got %q", got)
	}
	if got := q.Get("client_id"); got != "test-client" {
		t.Errorf("Expected client_id, got %q", got)
	}
	if got := q.Get("redirect_uri"); got != testRedirectURI {
		t.Errorf("Expected redirect_uri, got %q", got)
	}
	if got := q.Get("scope"); got != "openid profile" {
		t.Errorf("Expected scope, got %q", got)
	}
	if got := q.Get("code_challenge_method"); got != "S256" {
		t.Errorf("Expected code_challenge_method=S256, got %q", got)
	}
	if q.Get("state") == "" || q.Get("code_challenge") == "" {
		t.Error("Expected non-empty state and code_challenge")
	}
	if q.Get("nonce") == "" {
		t.Error("Expected a nonce parameter")
	}
	if got := q.Get("audience"); got != "my-api" {
		t.Errorf("Expected audience parameter, got %q", got)
	}

	// The challenge must be the S256 derivation of the stored verifier.
	sess, ok := s.sessions.Consume(q.Get("state"))
	if !ok {
		t.Fatal("Expected a pending session for the issued state")
	}
	sum := sha256.Sum256([]byte(sess.verifier))
	want := base64.RawURLEncoding.EncodeToString(sum[:])
	if q.Get("code_challenge") != want {
		t.Error("Expected code_challenge derived from the session verifier")
	}
	if sess.nonce != q.Get("nonce") {
		t.Error("Expected session nonce to match the URL parameter")
	}
}

func TestAuthorizationURL_UniquePerCall(t *testing.T) {
	s := newTestStrategy(t, testConfig())

	first, err := s.AuthorizationURL(testRedirectURI)
	if err != nil {
		t.Fatalf("AuthorizationURL failed: %v", err)
	}
	second, err := s.AuthorizationURL(testRedirectURI)
	if err != nil {
		t.Fatalf("AuthorizationURL failed: %v", err)
	}

	fq, _ := url.Parse(first)
	sq, _ := url.Parse(second)
	if fq.Query().Get("state") == sq.Query().Get("state") {
		t.Error("Expected a fresh state per attempt")
	}
	if fq.Query().Get("code_challenge") == sq.Query().Get("code_challenge") {
		t.Error("Expected a fresh PKCE challenge per attempt")
	}
	if s.sessions.Len() != 2 {
		t.Errorf("Expected 2 pending sessions, got %d", s.sessions.Len())
	}
}

// newTokenServer serves a token endpoint that records the exchanged form.
func newTokenServer(t *testing.T, respond map[string]interface{}) (*httptest.Server, *url.Values) {
	t.Helper()

	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("Failed to parse token request form: %v", err)
		}
		got = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(respond)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestHandleCallback(t *testing.T) {
	srv, form := newTokenServer(t, map[string]interface{}{
		"access_token":  "at-123",
		"token_type":    "Bearer",
		"refresh_token": "rt-456",
		"expires_in":    3600,
		"scope":         "openid profile",
	})

	cfg := testConfig()
	cfg.TokenURL = srv.URL
	s := newTestStrategy(t, cfg)

	rawURL, err := s.AuthorizationURL(testRedirectURI)
	if err != nil {
		t.Fatalf("AuthorizationURL failed: %v", err)
	}
	u, _ := url.Parse(rawURL)
	state := u.Query().Get("state")

	tok, err := s.HandleCallback(context.Background(), "auth-code", state, testRedirectURI)
	if err != nil {
		t.Fatalf("HandleCallback failed: %v", err)
	}

	if tok.AccessToken != "at-123" || tok.RefreshToken != "rt-456" {
		t.Errorf("Unexpected token: %+v", tok)
	}
	if len(tok.Scopes) != 2 {
		t.Errorf("Expected granted scopes, got %v", tok.Scopes)
	}

	if got := form.Get("grant_type"); got != "authorization_code" {
		t.Errorf("Expected authorization_code grant, got %q", got)
	}
	if got := form.Get("code"); got != "auth-code" {
		t.Errorf("Expected code forwarded, got %q", got)
	}
	if form.Get("code_verifier") == "" {
		t.Error("Expected the PKCE verifier in the exchange")
	}
	if got := form.Get("redirect_uri"); got != testRedirectURI {
		t.Errorf("Expected redirect_uri forwarded, got %q", got)
	}
}

func TestHandleCallback_StateIsSingleUse(t *testing.T) {
	srv, _ := newTokenServer(t, map[string]interface{}{
		"access_token": "at", "token_type": "Bearer",
	})

	cfg := testConfig()
	cfg.TokenURL = srv.URL
	s := newTestStrategy(t, cfg)

	rawURL, _ := s.AuthorizationURL(testRedirectURI)
	u, _ := url.Parse(rawURL)
	state := u.Query().Get("state")

	if _, err := s.HandleCallback(context.Background(), "code", state, testRedirectURI); err != nil {
		t.Fatalf("First callback failed: %v", err)
	}
	if _, err := s.HandleCallback(context.Background(), "code", state, testRedirectURI); !errors.Is(err, api.ErrInvalidCredential) {
		t.Fatalf("Expected ErrInvalidCredential on replayed state, got %v", err)
	}
}

func TestHandleCallback_UnknownState(t *testing.T) {
	s := newTestStrategy(t, testConfig())

	if _, err := s.HandleCallback(context.Background(), "code", "forged-state", testRedirectURI); !errors.Is(err, api.ErrInvalidCredential) {
		t.Errorf("Expected ErrInvalidCredential, got %v", err)
	}
}

func TestHandleCallback_RedirectMismatchConsumesSession(t *testing.T) {
	s := newTestStrategy(t, testConfig())

	rawURL, _ := s.AuthorizationURL(testRedirectURI)
	u, _ := url.Parse(rawURL)
	state := u.Query().Get("state")

	if _, err := s.HandleCallback(context.Background(), "code", state, "http://evil.example.com/cb"); !errors.Is(err, api.ErrInvalidCredential) {
		t.Fatalf("Expected ErrInvalidCredential on mismatch, got %v", err)
	}

	// The mismatch burned the session; the legitimate URI cannot recover it.
	if _, err := s.HandleCallback(context.Background(), "code", state, testRedirectURI); !errors.Is(err, api.ErrInvalidCredential) {
		t.Fatalf("Expected session to be consumed, got %v", err)
	}
}

func TestHandleCallback_TokenEndpointRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.TokenURL = srv.URL
	s := newTestStrategy(t, cfg)

	rawURL, _ := s.AuthorizationURL(testRedirectURI)
	u, _ := url.Parse(rawURL)
	state := u.Query().Get("state")

	if _, err := s.HandleCallback(context.Background(), "bad-code", state, testRedirectURI); !errors.Is(err, api.ErrInvalidCredential) {
		t.Errorf("Expected ErrInvalidCredential for a rejected grant, got %v", err)
	}
}

func TestHandleCallback_NonceMismatch(t *testing.T) {
	idToken := signTestToken(t, jwt.MapClaims{
		"sub":   "user-1",
		"nonce": "not-the-issued-nonce",
	})
	srv, _ := newTokenServer(t, map[string]interface{}{
		"access_token": "at", "token_type": "Bearer", "id_token": idToken,
	})

	cfg := testConfig()
	cfg.TokenURL = srv.URL
	cfg.UseNonce = true
	s := newTestStrategy(t, cfg)

	rawURL, _ := s.AuthorizationURL(testRedirectURI)
	u, _ := url.Parse(rawURL)
	state := u.Query().Get("state")

	if _, err := s.HandleCallback(context.Background(), "code", state, testRedirectURI); !errors.Is(err, api.ErrInvalidCredential) {
		t.Errorf("Expected ErrInvalidCredential on nonce mismatch, got %v", err)
	}
}

func TestValidateToken_UnverifiedDecode(t *testing.T) {
	cfg := testConfig()
	cfg.Issuer = "https://provider.example.com"
	s := newTestStrategy(t, cfg)

	token := signTestToken(t, jwt.MapClaims{
		"iss":   "https://provider.example.com",
		"sub":   "user-7",
		"scope": "read",
		"exp":   float64(time.Now().Add(time.Hour).Unix()),
	})

	user, err := s.ValidateToken(context.Background(), token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if user.ID != "user-7" || user.Provider != api.ProviderOAuth {
		t.Errorf("Unexpected user: %+v", user)
	}
}

func TestValidateToken_UnverifiedDecodeExpired(t *testing.T) {
	s := newTestStrategy(t, testConfig())

	token := signTestToken(t, jwt.MapClaims{
		"sub": "user-7",
		"exp": float64(time.Now().Add(-time.Hour).Unix()),
	})

	if _, err := s.ValidateToken(context.Background(), token); !errors.Is(err, api.ErrExpiredCredential) {
		t.Errorf("Expected ErrExpiredCredential, got %v", err)
	}
}

func TestValidateToken_IssuerMismatch(t *testing.T) {
	cfg := testConfig()
	cfg.Issuer = "https://provider.example.com"
	s := newTestStrategy(t, cfg)

	token := signTestToken(t, jwt.MapClaims{
		"iss": "https://someone-else.example.com",
		"sub": "user-7",
	})

	if _, err := s.ValidateToken(context.Background(), token); !errors.Is(err, api.ErrInvalidCredential) {
		t.Errorf("Expected ErrInvalidCredential, got %v", err)
	}
}

func TestValidateToken_AudienceMismatch(t *testing.T) {
	cfg := testConfig()
	cfg.Audience = "my-api"
	s := newTestStrategy(t, cfg)

	token := signTestToken(t, jwt.MapClaims{
		"sub": "user-7",
		"aud": "other-api",
	})

	if _, err := s.ValidateToken(context.Background(), token); !errors.Is(err, api.ErrInvalidCredential) {
		t.Errorf("Expected ErrInvalidCredential, got %v", err)
	}
}

func TestValidateToken_Empty(t *testing.T) {
	s := newTestStrategy(t, testConfig())

	if _, err := s.ValidateToken(context.Background(), ""); !errors.Is(err, api.ErrMissingCredential) {
		t.Errorf("Expected ErrMissingCredential, got %v", err)
	}
}

func TestValidateToken_Garbage(t *testing.T) {
	s := newTestStrategy(t, testConfig())

	if _, err := s.ValidateToken(context.Background(), "not-a-jwt"); !errors.Is(err, api.ErrInvalidCredential) {
		t.Errorf("Expected ErrInvalidCredential, got %v", err)
	}
}

func TestValidateToken_Introspection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "test-client" || pass != "shh" {
			t.Error("Expected client credentials via HTTP Basic auth")
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("Failed to parse form: %v", err)
		}
		if r.PostForm.Get("token") != "opaque-token" {
			t.Errorf("Unexpected token %q", r.PostForm.Get("token"))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"active": true,
			"sub":    "user-9",
			"scope":  "read write",
			"exp":    time.Now().Add(time.Hour).Unix(),
		})
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.ClientSecret = "shh"
	cfg.IntrospectionURL = srv.URL
	s := newTestStrategy(t, cfg)

	user, err := s.ValidateToken(context.Background(), "opaque-token")
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if user.ID != "user-9" {
		t.Errorf("Expected user-9, got %q", user.ID)
	}
	if len(user.Scopes) != 2 {
		t.Errorf("Unexpected scopes: %v", user.Scopes)
	}
}

func TestValidateToken_IntrospectionInactive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"active": false})
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.ClientSecret = "shh"
	cfg.IntrospectionURL = srv.URL
	s := newTestStrategy(t, cfg)

	if _, err := s.ValidateToken(context.Background(), "revoked-token"); !errors.Is(err, api.ErrInvalidCredential) {
		t.Errorf("Expected ErrInvalidCredential, got %v", err)
	}
}

func TestAuthenticateAndCanHandle(t *testing.T) {
	cfg := testConfig()
	s := newTestStrategy(t, cfg)

	r, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	if s.CanHandle(r) {
		t.Error("Expected CanHandle false without a bearer header")
	}
	if _, err := s.Authenticate(context.Background(), r); !errors.Is(err, api.ErrMissingCredential) {
		t.Errorf("Expected ErrMissingCredential, got %v", err)
	}

	token := signTestToken(t, jwt.MapClaims{
		"sub": "user-1",
		"exp": float64(time.Now().Add(time.Hour).Unix()),
	})
	r.Header.Set("Authorization", "Bearer "+token)
	if !s.CanHandle(r) {
		t.Error("Expected CanHandle true with a bearer header")
	}

	user, err := s.Authenticate(context.Background(), r)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if user.ID != "user-1" {
		t.Errorf("Expected user-1, got %q", user.ID)
	}
}

func TestRefresh(t *testing.T) {
	srv, form := newTokenServer(t, map[string]interface{}{
		"access_token": "fresh-at", "token_type": "Bearer", "expires_in": 3600,
	})

	cfg := testConfig()
	cfg.TokenURL = srv.URL
	s := newTestStrategy(t, cfg)

	got, err := s.Refresh(context.Background(), "rt-1")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if got != "fresh-at" {
		t.Errorf("Expected fresh access token, got %q", got)
	}
	if form.Get("grant_type") != "refresh_token" || form.Get("refresh_token") != "rt-1" {
		t.Errorf("Unexpected refresh request: %v", *form)
	}
}

func TestRefresh_Empty(t *testing.T) {
	s := newTestStrategy(t, testConfig())

	if _, err := s.Refresh(context.Background(), ""); !errors.Is(err, api.ErrMissingCredential) {
		t.Errorf("Expected ErrMissingCredential, got %v", err)
	}
}

func TestInitialize_Discovery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 "https://discovered.example.com",
			"authorization_endpoint": "https://discovered.example.com/authorize",
			"token_endpoint":         "https://discovered.example.com/token",
			"introspection_endpoint": "https://discovered.example.com/introspect",
		})
	}))
	t.Cleanup(srv.Close)

	var buf bytes.Buffer
	cfg := &Config{
		ClientID:     "test-client",
		DiscoveryURL: srv.URL,
		Logger:       slog.New(slog.NewTextHandler(&buf, nil)),
	}
	s := newTestStrategy(t, cfg)

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	ep := s.snapshotEndpoints()
	if ep.authURL != "https://discovered.example.com/authorize" {
		t.Errorf("Expected discovered auth endpoint, got %q", ep.authURL)
	}
	if ep.tokenURL != "https://discovered.example.com/token" {
		t.Errorf("Expected discovered token endpoint, got %q", ep.tokenURL)
	}
	if ep.issuer != "https://discovered.example.com" {
		t.Errorf("Expected discovered issuer, got %q", ep.issuer)
	}

	// No client secret, so the discovered introspection endpoint is unusable
	// and must not be adopted.
	if ep.introspectionURL != "" {
		t.Errorf("Expected introspection ignored without a client secret, got %q", ep.introspectionURL)
	}

	// Neither JWKS nor introspection: the unverified-decode fallback gets a
	// loud warning at startup.
	if !strings.Contains(buf.String(), "signature verification") {
		t.Error("Expected a warning about unverified token decoding")
	}
}

func TestInitialize_DiscoveryWithSecretAdoptsIntrospection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"authorization_endpoint": "https://d.example.com/authorize",
			"token_endpoint":         "https://d.example.com/token",
			"introspection_endpoint": "https://d.example.com/introspect",
		})
	}))
	t.Cleanup(srv.Close)

	cfg := &Config{ClientID: "c", ClientSecret: "shh", DiscoveryURL: srv.URL}
	s := newTestStrategy(t, cfg)

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if s.snapshotEndpoints().introspectionURL != "https://d.example.com/introspect" {
		t.Error("Expected discovered introspection endpoint adopted")
	}
}

func TestInitialize_DiscoveryFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	cfg := &Config{ClientID: "c", DiscoveryURL: srv.URL}
	s := newTestStrategy(t, cfg)

	if err := s.Initialize(context.Background()); !errors.Is(err, api.ErrProvider) {
		t.Errorf("Expected ErrProvider, got %v", err)
	}
}

func TestInitialize_DiscoveryMissingEndpointsIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"issuer": "https://d.example.com"})
	}))
	t.Cleanup(srv.Close)

	cfg := &Config{ClientID: "c", DiscoveryURL: srv.URL}
	s := newTestStrategy(t, cfg)

	if err := s.Initialize(context.Background()); !errors.Is(err, api.ErrProvider) {
		t.Errorf("Expected ErrProvider, got %v", err)
	}
}
