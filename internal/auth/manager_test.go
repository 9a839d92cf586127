package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"pimhelper.org/internal/pkce"
	"pimhelper.org/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// idp is a fake Azure AD token endpoint plus an authorizer that plays the
// user: it records the challenge from the authorize URL and hands back a code.
type idp struct {
	t          *testing.T
	mu         sync.Mutex
	challenge  string
	authorizes int
	exchanges  int
	refreshes  int
	rejectRef  bool
	accessTok  string
	outcome    Outcome
}

func (p *idp) Authorize(_ context.Context, authURL string) (AuthorizationResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authorizes++
	u, err := url.Parse(authURL)
	if err != nil {
		p.t.Fatalf("authorize url: %v", err)
	}
	q := u.Query()
	p.challenge = q.Get("code_challenge")
	if p.outcome == OutcomeDenied {
		return AuthorizationResult{Outcome: OutcomeDenied, Error: "access_denied", ErrorDescription: "user declined"}, nil
	}
	if q.Get("response_type") == "token" {
		return AuthorizationResult{Outcome: OutcomeAuthorized, AccessToken: p.accessTok, ExpiresIn: 1800}, nil
	}
	return AuthorizationResult{Outcome: OutcomeAuthorized, Code: "code-" + strconv.Itoa(p.authorizes)}, nil
}

func (p *idp) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch r.Form.Get("grant_type") {
	case "authorization_code":
		p.exchanges++
		if got := pkce.DeriveChallenge(r.Form.Get("code_verifier")); got != p.challenge {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant", "error_description": "PKCE mismatch"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  p.accessTok,
			"refresh_token": "rt-1",
			"expires_in":    3600,
			"token_type":    "Bearer",
		})
	case "refresh_token":
		p.refreshes++
		if p.rejectRef {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant", "error_description": "AADSTS70008: refresh token expired"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "refreshed-access",
			"expires_in":   3600,
			"token_type":   "Bearer",
		})
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func signedToken(t *testing.T) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tid":  "tenant-1",
		"upn":  "alice@contoso.com",
		"name": "Alice",
		"oid":  "00000000-0000-0000-0000-0000000000a1",
	}).SignedString([]byte("test"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func newManager(t *testing.T, p *idp, st store.Store, clock *fakeClock, flow Flow) *Manager {
	t.Helper()
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)
	m, err := NewManager(Config{
		ClientID:    "client-1",
		TenantID:    "tenant-1",
		RedirectURL: "http://127.0.0.1:8400/callback",
		Flow:        flow,
	}, st, p,
		WithClock(clock.Now),
		WithHTTPClient(srv.Client()),
		WithEndpoint(oauth2.Endpoint{
			AuthURL:   srv.URL + "/authorize",
			TokenURL:  srv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		}),
	)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func TestIsExpiredBoundaries(t *testing.T) {
	clock := &fakeClock{now: t0}
	st := store.NewMemory()
	expiry := t0.Add(time.Hour)
	_ = st.Set(context.Background(), map[string]string{
		store.KeyAccessToken: "at",
		store.KeyTokenExpiry: strconv.FormatInt(expiry.UnixMilli(), 10),
	})
	m := newManager(t, &idp{t: t}, st, clock, FlowAuthorizationCode)
	if err := m.LoadStoredTokens(context.Background()); err != nil {
		t.Fatalf("LoadStoredTokens: %v", err)
	}

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"61s before expiry", expiry.Add(-61 * time.Second), false},
		{"exactly 60s before expiry", expiry.Add(-60 * time.Second), true},
		{"59s before expiry", expiry.Add(-59 * time.Second), true},
		{"after expiry", expiry.Add(time.Minute), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock.Set(tc.at)
			if got := m.IsExpired(); got != tc.want {
				t.Fatalf("IsExpired()=%v, want %v", got, tc.want)
			}
		})
	}

	clock.Set(expiry.Add(-61 * time.Second))
	if m.State() != StateValid {
		t.Fatalf("state=%s, want valid", m.State())
	}
	clock.Set(expiry.Add(-59 * time.Second))
	if m.State() != StateExpiring {
		t.Fatalf("state=%s, want expiring", m.State())
	}
}

func TestIsExpiredWithoutToken(t *testing.T) {
	m := newManager(t, &idp{t: t}, store.NewMemory(), &fakeClock{now: t0}, FlowAuthorizationCode)
	if !m.IsExpired() {
		t.Fatal("expected expired without token")
	}
	if m.State() != StateUnauthenticated {
		t.Fatalf("state=%s", m.State())
	}
}

func TestLoadDiscardsTokenWithoutExpiry(t *testing.T) {
	st := store.NewMemory()
	_ = st.Set(context.Background(), map[string]string{store.KeyAccessToken: "at", store.KeyRefreshToken: "rt"})
	m := newManager(t, &idp{t: t}, st, &fakeClock{now: t0}, FlowAuthorizationCode)
	if err := m.LoadStoredTokens(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateUnauthenticated {
		t.Fatalf("state=%s, want unauthenticated", m.State())
	}
}

func TestGetValidTokenAuthenticatesWithPKCE(t *testing.T) {
	ctx := context.Background()
	p := &idp{t: t, accessTok: signedToken(t)}
	st := store.NewMemory()
	_ = st.Set(ctx, map[string]string{store.KeyCodeVerifier: "stale-verifier-from-aborted-attempt"})
	clock := &fakeClock{now: t0}
	m := newManager(t, p, st, clock, FlowAuthorizationCode)

	tok, err := m.GetValidToken(ctx)
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if tok != p.accessTok {
		t.Fatalf("unexpected token %q", tok)
	}
	if p.authorizes != 1 || p.exchanges != 1 {
		t.Fatalf("authorizes=%d exchanges=%d", p.authorizes, p.exchanges)
	}

	stored, _ := st.Get(ctx, store.KeyCodeVerifier, store.KeyRefreshToken, store.KeyTokenExpiry, store.KeyUserTenant)
	if _, ok := stored[store.KeyCodeVerifier]; ok {
		t.Fatal("code verifier left in storage after exchange")
	}
	if stored[store.KeyRefreshToken] != "rt-1" {
		t.Fatalf("refresh token not persisted: %v", stored)
	}
	wantExpiry := strconv.FormatInt(t0.Add(time.Hour).UnixMilli(), 10)
	if stored[store.KeyTokenExpiry] != wantExpiry {
		t.Fatalf("expiry=%s, want %s", stored[store.KeyTokenExpiry], wantExpiry)
	}

	info, ok := m.TenantInfo()
	if !ok || info.TenantID != "tenant-1" || info.UserPrincipalName != "alice@contoso.com" || info.UserName != "Alice" {
		t.Fatalf("unexpected tenant info: %+v", info)
	}

	// a second call within validity does not touch the IdP
	if _, err := m.GetValidToken(ctx); err != nil {
		t.Fatal(err)
	}
	if p.authorizes != 1 || p.exchanges != 1 || p.refreshes != 0 {
		t.Fatalf("unexpected IdP traffic: %+v", p)
	}
}

func TestRefreshRejectionClearsStateThenReauthenticates(t *testing.T) {
	ctx := context.Background()
	p := &idp{t: t, accessTok: signedToken(t), rejectRef: true}
	st := store.NewMemory()
	_ = st.Set(ctx, map[string]string{
		store.KeyAccessToken:  "old",
		store.KeyRefreshToken: "revoked",
		store.KeyTokenExpiry:  strconv.FormatInt(t0.Add(-time.Minute).UnixMilli(), 10),
		store.KeyUserTenant:   `{"tenantId":"tenant-1"}`,
	})
	m := newManager(t, p, st, &fakeClock{now: t0}, FlowAuthorizationCode)

	_, err := m.GetValidToken(ctx)
	if !errors.Is(err, ErrRefreshFailed) || !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrRefreshFailed, got %v", err)
	}
	if p.authorizes != 0 {
		t.Fatal("refresh failure must not start interactive sign-in in the same call")
	}
	left, _ := st.Get(ctx, store.CredentialKeys...)
	if len(left) != 0 {
		t.Fatalf("credentials left after failed refresh: %v", left)
	}
	if m.State() != StateUnauthenticated {
		t.Fatalf("state=%s", m.State())
	}

	tok, err := m.GetValidToken(ctx)
	if err != nil {
		t.Fatalf("second GetValidToken: %v", err)
	}
	if tok != p.accessTok || p.authorizes != 1 {
		t.Fatalf("expected interactive sign-in, authorizes=%d", p.authorizes)
	}
}

func TestRefreshKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	ctx := context.Background()
	p := &idp{t: t}
	st := store.NewMemory()
	_ = st.Set(ctx, map[string]string{
		store.KeyAccessToken:  "old",
		store.KeyRefreshToken: "rt-keep",
		store.KeyTokenExpiry:  strconv.FormatInt(t0.Add(30*time.Second).UnixMilli(), 10),
	})
	m := newManager(t, p, st, &fakeClock{now: t0}, FlowAuthorizationCode)

	tok, err := m.GetValidToken(ctx)
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if tok != "refreshed-access" || p.refreshes != 1 {
		t.Fatalf("token=%q refreshes=%d", tok, p.refreshes)
	}
	stored, _ := st.Get(ctx, store.KeyRefreshToken)
	if stored[store.KeyRefreshToken] != "rt-keep" {
		t.Fatalf("refresh token lost: %v", stored)
	}
}

func TestAuthenticateDenied(t *testing.T) {
	p := &idp{t: t, outcome: OutcomeDenied}
	m := newManager(t, p, store.NewMemory(), &fakeClock{now: t0}, FlowAuthorizationCode)
	err := m.Authenticate(context.Background())
	if !errors.Is(err, ErrAuthorizationDenied) || !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthorizationDenied, got %v", err)
	}
	if p.exchanges != 0 {
		t.Fatal("denied flow must not exchange")
	}
}

func TestAuthenticateMissingCode(t *testing.T) {
	st := store.NewMemory()
	authz := AuthorizerFunc(func(context.Context, string) (AuthorizationResult, error) {
		return AuthorizationResult{Outcome: OutcomeAuthorized}, nil
	})
	m, err := NewManager(Config{ClientID: "c", RedirectURL: "http://127.0.0.1/cb"}, st, authz)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Authenticate(context.Background()); !errors.Is(err, ErrNoAuthorizationCode) {
		t.Fatalf("expected ErrNoAuthorizationCode, got %v", err)
	}
}

func TestAuthenticateVerifierMissing(t *testing.T) {
	st := store.NewMemory()
	authz := AuthorizerFunc(func(ctx context.Context, _ string) (AuthorizationResult, error) {
		// simulates another writer wiping storage mid-flow
		_ = st.Remove(ctx, store.KeyCodeVerifier)
		return AuthorizationResult{Outcome: OutcomeAuthorized, Code: "abc"}, nil
	})
	m, err := NewManager(Config{ClientID: "c", RedirectURL: "http://127.0.0.1/cb"}, st, authz)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Authenticate(context.Background()); !errors.Is(err, ErrCodeVerifierMissing) {
		t.Fatalf("expected ErrCodeVerifierMissing, got %v", err)
	}
}

func TestImplicitFlow(t *testing.T) {
	ctx := context.Background()
	p := &idp{t: t, accessTok: signedToken(t)}
	st := store.NewMemory()
	m := newManager(t, p, st, &fakeClock{now: t0}, FlowImplicit)

	tok, err := m.GetValidToken(ctx)
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if tok != p.accessTok {
		t.Fatalf("unexpected token")
	}
	if p.challenge != "" {
		t.Fatal("implicit flow must not send a PKCE challenge")
	}
	if p.exchanges != 0 {
		t.Fatal("implicit flow must not call the token endpoint")
	}
	stored, _ := st.Get(ctx, store.KeyTokenExpiry, store.KeyRefreshToken)
	if stored[store.KeyTokenExpiry] != strconv.FormatInt(t0.Add(30*time.Minute).UnixMilli(), 10) {
		t.Fatalf("unexpected expiry: %v", stored)
	}
	if _, ok := stored[store.KeyRefreshToken]; ok {
		t.Fatal("implicit flow has no refresh token")
	}
}

func TestClearTokensKeepsLanguage(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_ = st.Set(ctx, map[string]string{
		store.KeyAccessToken:  "at",
		store.KeyTokenExpiry:  "1",
		store.KeyUserLanguage: "fr",
	})
	m := newManager(t, &idp{t: t}, st, &fakeClock{now: t0}, FlowAuthorizationCode)
	if err := m.ClearTokens(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := st.Get(ctx, store.KeyAccessToken, store.KeyTokenExpiry, store.KeyUserLanguage)
	if len(got) != 1 || got[store.KeyUserLanguage] != "fr" {
		t.Fatalf("unexpected storage after clear: %v", got)
	}
}

func TestNewManagerValidatesConfig(t *testing.T) {
	authz := AuthorizerFunc(func(context.Context, string) (AuthorizationResult, error) { return AuthorizationResult{}, nil })
	cases := map[string]Config{
		"missing client":   {RedirectURL: "http://127.0.0.1/cb"},
		"missing redirect": {ClientID: "c"},
		"bad flow":         {ClientID: "c", RedirectURL: "http://127.0.0.1/cb", Flow: "device"},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := NewManager(cfg, store.NewMemory(), authz); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

// waitingAuthorizer stands in for a browser nobody answers.
type waitingAuthorizer struct {
	started chan struct{}
	release chan struct{}
	honour  bool
}

func newWaitingAuthorizer(honourCtx bool) *waitingAuthorizer {
	return &waitingAuthorizer{started: make(chan struct{}, 1), release: make(chan struct{}), honour: honourCtx}
}

func (a *waitingAuthorizer) Authorize(ctx context.Context, _ string) (AuthorizationResult, error) {
	a.started <- struct{}{}
	if !a.honour {
		<-a.release
		return AuthorizationResult{Outcome: OutcomeCancelled, Error: "cancelled"}, nil
	}
	select {
	case <-ctx.Done():
		return AuthorizationResult{Outcome: OutcomeCancelled, Error: "cancelled", ErrorDescription: ctx.Err().Error()}, nil
	case <-a.release:
		return AuthorizationResult{Outcome: OutcomeCancelled, Error: "cancelled"}, nil
	}
}

func newWaitingManager(t *testing.T, a *waitingAuthorizer) *Manager {
	t.Helper()
	m, err := NewManager(Config{ClientID: "c", RedirectURL: "http://127.0.0.1/cb"}, store.NewMemory(), a)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestClearAndReauthAbortPendingSignIn(t *testing.T) {
	cases := map[string]func(m *Manager, ctx context.Context) error{
		"clear": func(m *Manager, ctx context.Context) error { return m.ClearTokens(ctx) },
		"force reauth": func(m *Manager, ctx context.Context) error {
			err := m.ForceReauth(ctx)
			if errors.Is(err, ErrAuthorizationDenied) {
				// the replacement sign-in is released below and reads as cancelled
				return nil
			}
			return err
		},
	}
	for name, call := range cases {
		t.Run(name, func(t *testing.T) {
			a := newWaitingAuthorizer(true)
			m := newWaitingManager(t, a)

			background := make(chan error, 1)
			go func() {
				_, err := m.GetValidToken(context.Background())
				background <- err
			}()
			<-a.started
			if m.State() != StateAuthenticating {
				t.Fatalf("state=%s", m.State())
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- call(m, ctx) }()
			if name == "force reauth" {
				// second sign-in started by ForceReauth; let it go
				<-a.started
				close(a.release)
			}

			select {
			case err := <-done:
				if err != nil {
					t.Fatalf("call: %v", err)
				}
			case <-time.After(3 * time.Second):
				t.Fatal("blocked behind the pending sign-in")
			}
			select {
			case err := <-background:
				if !errors.Is(err, ErrAuthorizationDenied) {
					t.Fatalf("background sign-in err=%v", err)
				}
			case <-time.After(time.Second):
				t.Fatal("background sign-in was not cancelled")
			}
		})
	}
}

func TestClearTokensGivesUpAtCallerDeadline(t *testing.T) {
	a := newWaitingAuthorizer(false)
	m := newWaitingManager(t, a)
	t.Cleanup(func() { close(a.release) })

	go func() { _, _ = m.GetValidToken(context.Background()) }()
	<-a.started

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := m.ClearTokens(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("ClearTokens took %s", elapsed)
	}
}

func TestGetValidTokenWithoutInteraction(t *testing.T) {
	ctx := context.Background()

	t.Run("signed out", func(t *testing.T) {
		p := &idp{t: t, accessTok: signedToken(t)}
		m := newManager(t, p, store.NewMemory(), &fakeClock{now: t0}, FlowAuthorizationCode)
		_, err := m.GetValidToken(WithoutInteraction(ctx))
		if !errors.Is(err, ErrInteractionRequired) || !errors.Is(err, ErrAuthentication) {
			t.Fatalf("expected ErrInteractionRequired, got %v", err)
		}
		if p.authorizes != 0 {
			t.Fatalf("authorizes=%d", p.authorizes)
		}
	})

	t.Run("refresh still allowed", func(t *testing.T) {
		p := &idp{t: t}
		st := store.NewMemory()
		_ = st.Set(ctx, map[string]string{
			store.KeyAccessToken:  "old",
			store.KeyRefreshToken: "rt-1",
			store.KeyTokenExpiry:  strconv.FormatInt(t0.Add(-time.Minute).UnixMilli(), 10),
		})
		m := newManager(t, p, st, &fakeClock{now: t0}, FlowAuthorizationCode)
		tok, err := m.GetValidToken(WithoutInteraction(ctx))
		if err != nil {
			t.Fatalf("GetValidToken: %v", err)
		}
		if tok != "refreshed-access" || p.refreshes != 1 || p.authorizes != 0 {
			t.Fatalf("token=%q refreshes=%d authorizes=%d", tok, p.refreshes, p.authorizes)
		}
	})
}
