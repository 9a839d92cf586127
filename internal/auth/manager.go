package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"pimhelper.org/internal/obs"
	"pimhelper.org/internal/pkce"
	"pimhelper.org/internal/store"
)

// ExpirySkew is how long before the real expiry a token stops being used.
const ExpirySkew = 60 * time.Second

// DefaultScopes are the delegated Graph permissions requested at sign-in.
// offline_access is appended so the token endpoint issues a refresh token.
var DefaultScopes = []string{
	"openid",
	"profile",
	"RoleManagement.ReadWrite.Directory",
	"PrivilegedAccess.ReadWrite.AzureResources",
	"RoleAssignmentSchedule.ReadWrite.Directory",
}

// State of the token lifecycle.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateValid
	StateExpiring
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateValid:
		return "valid"
	case StateExpiring:
		return "expiring"
	default:
		return "unknown"
	}
}

// Config describes the app registration.
type Config struct {
	ClientID    string
	TenantID    string
	RedirectURL string
	Scopes      []string
	Flow        Flow
}

func (c Config) validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("%w: client id is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.RedirectURL) == "" {
		return fmt.Errorf("%w: redirect url is required", ErrInvalidConfig)
	}
	if c.Flow != "" && !c.Flow.Valid() {
		return fmt.Errorf("%w: unsupported flow %q", ErrInvalidConfig, c.Flow)
	}
	return nil
}

// Manager owns the access/refresh token pair. GetValidToken is the only call
// most code needs: it refreshes or signs in as required.
type Manager struct {
	cfg        Config
	oauth      *oauth2.Config
	store      store.Store
	authorizer Authorizer
	now        func() time.Time
	httpClient *http.Client
	verifierN  int

	// flow holds one slot while a refresh or interactive sign-in runs, so
	// dependent Graph calls never see a half-written credential. Waiters give
	// up when their own ctx ends.
	flow chan struct{}

	mu             sync.RWMutex
	token          TokenState
	authenticating bool
	cancelSignIn   context.CancelFunc
	loaded         bool
}

// Option configures Manager.
type Option func(*Manager) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) error {
		if fn != nil {
			m.now = fn
		}
		return nil
	}
}

// WithHTTPClient sets the client used for token endpoint calls.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) error {
		m.httpClient = c
		return nil
	}
}

// WithEndpoint replaces the Azure AD endpoint, e.g. for sovereign clouds.
func WithEndpoint(ep oauth2.Endpoint) Option {
	return func(m *Manager) error {
		if ep.AuthURL == "" || ep.TokenURL == "" {
			return fmt.Errorf("%w: endpoint urls are required", ErrInvalidConfig)
		}
		m.oauth.Endpoint = ep
		return nil
	}
}

// WithVerifierLength sets the PKCE verifier length.
func WithVerifierLength(n int) Option {
	return func(m *Manager) error {
		if n < pkce.MinLength || n > pkce.MaxLength {
			return pkce.ErrInvalidLength
		}
		m.verifierN = n
		return nil
	}
}

// NewManager constructs Manager. Stored tokens are loaded lazily on first use.
func NewManager(cfg Config, st store.Store, authorizer Authorizer, opts ...Option) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if authorizer == nil {
		return nil, fmt.Errorf("%w: authorizer is required", ErrInvalidConfig)
	}
	if cfg.Flow == "" {
		cfg.Flow = FlowAuthorizationCode
	}
	tenant := strings.TrimSpace(cfg.TenantID)
	if tenant == "" {
		tenant = "common"
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	scopes = withOfflineAccess(scopes)

	m := &Manager{
		cfg:        cfg,
		store:      st,
		authorizer: authorizer,
		now:        time.Now,
		verifierN:  pkce.DefaultLength,
		flow:       make(chan struct{}, 1),
		oauth: &oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURL,
			Scopes:      scopes,
			Endpoint:    microsoft.AzureADEndpoint(tenant),
		},
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func withOfflineAccess(scopes []string) []string {
	out := make([]string, 0, len(scopes)+1)
	for _, s := range scopes {
		if s == "offline_access" {
			continue
		}
		out = append(out, s)
	}
	return append(out, "offline_access")
}

type interactionKey struct{}

// WithoutInteraction marks ctx so that GetValidToken may refresh but never
// opens an interactive sign-in. Background pollers use it.
func WithoutInteraction(ctx context.Context) context.Context {
	return context.WithValue(ctx, interactionKey{}, false)
}

// InteractionAllowed reports whether ctx permits an interactive sign-in.
func InteractionAllowed(ctx context.Context) bool {
	allowed, ok := ctx.Value(interactionKey{}).(bool)
	return !ok || allowed
}

func (m *Manager) acquireFlow(ctx context.Context) error {
	select {
	case m.flow <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("auth: waiting for pending sign-in: %w", ctx.Err())
	}
}

func (m *Manager) releaseFlow() { <-m.flow }

// abortSignIn cancels an interactive sign-in in progress, if any.
func (m *Manager) abortSignIn() {
	m.mu.Lock()
	cancel := m.cancelSignIn
	m.cancelSignIn = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	obs.Info("auth: aborting pending interactive sign-in", nil)
	cancel()
}

// Flow reports the configured flow.
func (m *Manager) Flow() Flow { return m.cfg.Flow }

// State reports where the lifecycle currently is.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch {
	case m.authenticating:
		return StateAuthenticating
	case m.token.AccessToken == "":
		return StateUnauthenticated
	case m.expiredLocked():
		return StateExpiring
	default:
		return StateValid
	}
}

// IsExpired is true when there is no access token or it is within
// ExpirySkew of its expiry.
func (m *Manager) IsExpired() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expiredLocked()
}

func (m *Manager) expiredLocked() bool {
	if m.token.AccessToken == "" || m.token.Expiry.IsZero() {
		return true
	}
	return !m.now().Before(m.token.Expiry.Add(-ExpirySkew))
}

// Authenticated reports whether a usable token is held right now, without
// triggering refresh or sign-in.
func (m *Manager) Authenticated(ctx context.Context) bool {
	if err := m.ensureLoaded(ctx); err != nil {
		return false
	}
	return !m.IsExpired()
}

// TenantInfo returns identity details decoded from the current token.
func (m *Manager) TenantInfo() (TenantInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token.Tenant == nil {
		return TenantInfo{}, false
	}
	return *m.token.Tenant, true
}

// GetValidToken returns a usable access token, refreshing or signing in when
// the held one is absent or about to expire. A failed refresh clears the
// stored credentials and returns ErrRefreshFailed; the next call signs in.
// Under WithoutInteraction it returns ErrInteractionRequired instead of
// signing in.
func (m *Manager) GetValidToken(ctx context.Context) (string, error) {
	if err := m.ensureLoaded(ctx); err != nil {
		return "", err
	}
	if !InteractionAllowed(ctx) && m.signedOut() {
		return "", ErrInteractionRequired
	}
	if err := m.acquireFlow(ctx); err != nil {
		return "", err
	}
	defer m.releaseFlow()

	if !m.IsExpired() {
		return m.accessToken(), nil
	}
	m.mu.RLock()
	hasRefresh := m.token.RefreshToken != ""
	m.mu.RUnlock()

	if hasRefresh {
		if err := m.refreshLocked(ctx); err != nil {
			return "", err
		}
	} else if !InteractionAllowed(ctx) {
		return "", ErrInteractionRequired
	} else if err := m.authenticateLocked(ctx); err != nil {
		return "", err
	}
	return m.accessToken(), nil
}

// signedOut is true when neither a usable access token nor a refresh token
// is held.
func (m *Manager) signedOut() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token.RefreshToken == "" && m.expiredLocked()
}

func (m *Manager) accessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token.AccessToken
}

// Authenticate runs the interactive flow regardless of the held token.
func (m *Manager) Authenticate(ctx context.Context) error {
	if err := m.acquireFlow(ctx); err != nil {
		return err
	}
	defer m.releaseFlow()
	return m.authenticateLocked(ctx)
}

// ForceReauth drops every stored credential and signs in again. A sign-in
// already waiting on the user is abandoned first.
func (m *Manager) ForceReauth(ctx context.Context) error {
	m.abortSignIn()
	if err := m.acquireFlow(ctx); err != nil {
		return err
	}
	defer m.releaseFlow()
	if err := m.clearLocked(ctx); err != nil {
		return err
	}
	return m.authenticateLocked(ctx)
}

// RefreshAccessToken redeems the stored refresh token.
func (m *Manager) RefreshAccessToken(ctx context.Context) error {
	if err := m.ensureLoaded(ctx); err != nil {
		return err
	}
	if err := m.acquireFlow(ctx); err != nil {
		return err
	}
	defer m.releaseFlow()
	return m.refreshLocked(ctx)
}

// ClearTokens removes all credential keys from memory and durable storage.
// A pending interactive sign-in is cancelled rather than waited for.
func (m *Manager) ClearTokens(ctx context.Context) error {
	m.abortSignIn()
	if err := m.acquireFlow(ctx); err != nil {
		return err
	}
	defer m.releaseFlow()
	return m.clearLocked(ctx)
}

func (m *Manager) clearLocked(ctx context.Context) error {
	m.mu.Lock()
	m.token = TokenState{}
	m.loaded = true
	m.mu.Unlock()
	obs.SetReady(false)
	if err := m.store.Remove(ctx, store.CredentialKeys...); err != nil {
		obs.TokenEvent("clear", "failed")
		return fmt.Errorf("auth: clear stored tokens: %w", err)
	}
	obs.TokenEvent("clear", "ok")
	return nil
}

func (m *Manager) oauthContext(ctx context.Context) context.Context {
	if m.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

func (m *Manager) authenticateLocked(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.authenticating = true
	m.cancelSignIn = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		m.authenticating = false
		m.cancelSignIn = nil
		m.mu.Unlock()
		outcome := "ok"
		if err != nil {
			outcome = "failed"
			if errors.Is(err, ErrAuthorizationDenied) {
				outcome = "denied"
			}
		}
		obs.TokenEvent("authenticate", outcome)
	}()

	// stale verifiers from an aborted attempt must never be reused
	if err := m.clearLocked(ctx); err != nil {
		return err
	}

	state := oauth2.GenerateVerifier()
	var authURL string
	switch m.cfg.Flow {
	case FlowImplicit:
		authURL = m.oauth.AuthCodeURL(state,
			oauth2.SetAuthURLParam("response_type", "token"),
			oauth2.SetAuthURLParam("response_mode", "form_post"),
			oauth2.SetAuthURLParam("nonce", oauth2.GenerateVerifier()),
		)
	default:
		pair, err := pkce.NewPair(m.verifierN)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
		if err := m.store.Set(ctx, map[string]string{store.KeyCodeVerifier: pair.Verifier}); err != nil {
			return fmt.Errorf("auth: store code verifier: %w", err)
		}
		authURL = m.oauth.AuthCodeURL(state,
			oauth2.SetAuthURLParam("response_mode", "query"),
			oauth2.SetAuthURLParam("code_challenge", pair.Challenge),
			oauth2.SetAuthURLParam("code_challenge_method", pair.Method),
		)
	}
	obs.Info("auth: starting interactive sign-in", map[string]any{"flow": string(m.cfg.Flow)})

	res, err := m.authorizer.Authorize(ctx, authURL)
	if err != nil {
		if errors.Is(err, ErrAuthentication) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if err := errorFromResult(res); err != nil {
		return err
	}

	if m.cfg.Flow == FlowImplicit {
		if res.AccessToken == "" {
			return ErrNoAccessToken
		}
		ttl := time.Duration(res.ExpiresIn) * time.Second
		if ttl <= 0 {
			ttl = time.Hour
		}
		return m.storeToken(ctx, &oauth2.Token{AccessToken: res.AccessToken}, ttl, "")
	}

	if res.Code == "" {
		return ErrNoAuthorizationCode
	}
	stored, err := m.store.Get(ctx, store.KeyCodeVerifier)
	if err != nil {
		return fmt.Errorf("auth: load code verifier: %w", err)
	}
	verifier := stored[store.KeyCodeVerifier]
	if verifier == "" {
		return ErrCodeVerifierMissing
	}
	tok, err := m.oauth.Exchange(m.oauthContext(ctx), res.Code, oauth2.VerifierOption(verifier))
	if err != nil {
		return fmt.Errorf("%w: token exchange failed: %s", ErrAuthentication, describeOAuthError(err))
	}
	if tok.AccessToken == "" {
		return ErrNoAccessToken
	}
	if err := m.storeToken(ctx, tok, expiresIn(tok, m.now()), ""); err != nil {
		return err
	}
	if err := m.store.Remove(ctx, store.KeyCodeVerifier); err != nil {
		return fmt.Errorf("auth: remove code verifier: %w", err)
	}
	return nil
}

func (m *Manager) refreshLocked(ctx context.Context) (err error) {
	m.mu.RLock()
	refresh := m.token.RefreshToken
	m.mu.RUnlock()
	if refresh == "" {
		return ErrNoRefreshToken
	}

	tok, err := m.oauth.TokenSource(m.oauthContext(ctx), &oauth2.Token{RefreshToken: refresh}).Token()
	if err != nil {
		obs.TokenEvent("refresh", "failed")
		obs.Warn("auth: token refresh failed, clearing credentials", map[string]any{"error": describeOAuthError(err)})
		if clearErr := m.clearLocked(ctx); clearErr != nil {
			obs.Error("auth: clear after failed refresh", map[string]any{"error": clearErr.Error()})
		}
		return fmt.Errorf("%w: %s", ErrRefreshFailed, describeOAuthError(err))
	}
	if err := m.storeToken(ctx, tok, expiresIn(tok, m.now()), refresh); err != nil {
		return err
	}
	obs.TokenEvent("refresh", "ok")
	return nil
}

// storeToken records tok with expiry now+ttl and persists it. fallbackRefresh
// is kept when the token endpoint does not rotate the refresh token.
func (m *Manager) storeToken(ctx context.Context, tok *oauth2.Token, ttl time.Duration, fallbackRefresh string) error {
	state := TokenState{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       m.now().Add(ttl),
		Tenant:       tenantFromToken(tok.AccessToken),
	}
	if state.RefreshToken == "" {
		state.RefreshToken = fallbackRefresh
	}
	if err := state.Validate(); err != nil {
		return err
	}

	values := map[string]string{
		store.KeyAccessToken: state.AccessToken,
		store.KeyTokenExpiry: strconv.FormatInt(state.Expiry.UnixMilli(), 10),
	}
	if state.RefreshToken != "" {
		values[store.KeyRefreshToken] = state.RefreshToken
	}
	if tenant, err := encodeTenant(state.Tenant); err == nil && tenant != "" {
		values[store.KeyUserTenant] = tenant
	}
	if err := m.store.Set(ctx, values); err != nil {
		return fmt.Errorf("auth: persist tokens: %w", err)
	}

	m.mu.Lock()
	m.token = state
	m.loaded = true
	m.mu.Unlock()
	obs.SetReady(true)
	obs.Debug("auth: tokens stored", map[string]any{
		"access_token": obs.Mask(state.AccessToken),
		"expires_at":   state.Expiry.UTC().Format(time.RFC3339),
		"has_refresh":  state.RefreshToken != "",
	})
	return nil
}

// LoadStoredTokens reads persisted credentials into memory. An access token
// without a parseable expiry is discarded.
func (m *Manager) LoadStoredTokens(ctx context.Context) error {
	stored, err := m.store.Get(ctx, store.KeyAccessToken, store.KeyRefreshToken, store.KeyTokenExpiry, store.KeyUserTenant)
	if err != nil {
		return fmt.Errorf("auth: load stored tokens: %w", err)
	}
	state := TokenState{
		AccessToken:  stored[store.KeyAccessToken],
		RefreshToken: stored[store.KeyRefreshToken],
		Tenant:       decodeTenant(stored[store.KeyUserTenant]),
	}
	if ms, err := strconv.ParseInt(stored[store.KeyTokenExpiry], 10, 64); err == nil && ms > 0 {
		state.Expiry = time.UnixMilli(ms)
	}
	if state.Validate() != nil {
		state.AccessToken = ""
	}
	if state.Tenant == nil && state.AccessToken != "" {
		state.Tenant = tenantFromToken(state.AccessToken)
	}

	m.mu.Lock()
	m.token = state
	m.loaded = true
	expired := m.expiredLocked()
	m.mu.Unlock()
	obs.SetReady(!expired)
	obs.Info("auth: stored tokens loaded", map[string]any{
		"has_access_token":  state.AccessToken != "",
		"has_refresh_token": state.RefreshToken != "",
	})
	return nil
}

func (m *Manager) ensureLoaded(ctx context.Context) error {
	m.mu.RLock()
	loaded := m.loaded
	m.mu.RUnlock()
	if loaded {
		return nil
	}
	return m.LoadStoredTokens(ctx)
}

// expiresIn prefers the raw expires_in so the expiry is computed against
// the manager's clock.
func expiresIn(tok *oauth2.Token, now time.Time) time.Duration {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return time.Duration(v) * time.Second
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	if tok.ExpiresIn > 0 {
		return time.Duration(tok.ExpiresIn) * time.Second
	}
	if !tok.Expiry.IsZero() {
		return tok.Expiry.Sub(now)
	}
	return time.Hour
}

func describeOAuthError(err error) string {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorDescription != "" {
			return re.ErrorDescription
		}
		if re.ErrorCode != "" {
			return re.ErrorCode
		}
	}
	return err.Error()
}
