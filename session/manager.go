package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/meridian-social/meridian/client"
	"github.com/meridian-social/meridian/identity"
	"github.com/meridian-social/meridian/oauth"
	"github.com/meridian-social/meridian/syntax"

	"github.com/hashicorp/go-cleanhttp"
)

type Config struct {
	// Fixed PDS service URL ("https://host" prefix). When set, login skips identity resolution and talks to this host directly.
	Service string

	// OAuth client ID, required for refresh-token grants on OAuth sessions.
	OAuthClientID string

	// User-Agent header for all requests; defaults to a library identifier.
	UserAgent string

	// Per-request timeout for session lifecycle calls; defaults to 15s.
	RequestTimeout time.Duration

	Logger *slog.Logger
}

// Orchestrates the identity resolution chain and the credential lifecycle: login, resume, background refresh, logout.
//
// One Manager per account session. Safe for concurrent use: foreground operations, the background refresh timer, and on-demand refreshes triggered by API calls all coordinate through the credential store and a single in-flight refresh slot.
type Manager struct {
	cfg        Config
	dir        identity.Directory
	store      *CredentialStore
	cb         Callbacks
	logger     *slog.Logger
	httpClient *http.Client

	refreshMu sync.Mutex
	inflight  *refreshCall

	schedMu sync.Mutex
	sched   *refreshScheduler
}

// Directory may be nil, in which case a default caching directory is used. All Callbacks fields are optional.
func NewManager(dir identity.Directory, cb Callbacks, cfg Config) *Manager {
	if dir == nil {
		dir = identity.DefaultDirectory()
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = time.Second * 15
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		dir:    dir,
		store:  NewCredentialStore(),
		cb:     cb,
		logger: logger,
		httpClient: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: cleanhttp.DefaultPooledTransport(),
		},
	}
}

// The credential store backing this manager. Read access (State, Snapshot) is always safe; mutations should go through the Manager operations.
func (m *Manager) Store() *CredentialStore {
	return m.store
}

func (m *Manager) userAgent() string {
	if m.cfg.UserAgent != "" {
		return m.cfg.UserAgent
	}
	return "meridian-sdk"
}

func (m *Manager) api(service string) *client.APIClient {
	return &client.APIClient{
		HTTPClient: m.httpClient,
		Host:       service,
		DefaultHeaders: http.Header{
			"User-Agent": []string{m.userAgent()},
		},
	}
}

// Returns an API client bound to the current session's service host, attaching credentials to each request and transparently refreshing once on expired-token rejections.
func (m *Manager) APIClient() *client.APIClient {
	host := m.cfg.Service
	if snap := m.store.Snapshot(); snap != nil {
		host = snap.Service
	}
	c := m.api(host)
	c.Auth = &sessionAuth{mgr: m}
	return c
}

func (m *Manager) resolveIdentifier(ctx context.Context, identifier string) (*identity.Identity, error) {
	if did, err := syntax.ParseDID(identifier); err == nil {
		return m.dir.LookupDID(ctx, did)
	}
	handle, err := syntax.ParseHandle(identifier)
	if err != nil {
		return nil, fmt.Errorf("identifier is neither a DID nor a handle: %s", identifier)
	}
	return m.dir.LookupHandle(ctx, handle)
}

// Establishes a session with an account password. authFactorToken may be empty; if the server requires a second factor the returned error matches ErrAuthFactorRequired and the caller should re-prompt.
//
// When the identifier is a handle or DID, the full resolution chain locates the account's PDS first; a Config.Service override skips resolution entirely.
func (m *Manager) LoginWithPassword(ctx context.Context, identifier, password, authFactorToken string) error {
	if err := m.store.beginLogin(); err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			m.store.abortLogin()
		}
	}()

	service := m.cfg.Service
	loginID := identifier
	var expectDID syntax.DID
	if service == "" {
		ident, err := m.resolveIdentifier(ctx, identifier)
		if err != nil {
			loginOutcome.WithLabelValues("password", "resolution_error").Inc()
			return err
		}
		service = ident.PDSEndpoint()
		if service == "" {
			loginOutcome.WithLabelValues("password", "resolution_error").Inc()
			return identity.ErrServiceNotDeclared
		}
		expectDID = ident.DID
		loginID = ident.DID.String()
	}

	input := createSessionInput{Identifier: loginID, Password: password}
	if authFactorToken != "" {
		input.AuthFactorToken = &authFactorToken
	}

	var out sessionOutput
	if err := m.api(service).Post(ctx, endpointCreateSession, &input, &out); err != nil {
		var ae *client.APIError
		if errors.As(err, &ae) && ae.Name == errNameAuthFactorRequired {
			loginOutcome.WithLabelValues("password", "auth_factor_required").Inc()
			return fmt.Errorf("%w: %s", ErrAuthFactorRequired, ae.Message)
		}
		loginOutcome.WithLabelValues("password", "error").Inc()
		return err
	}
	if out.Active != nil && !*out.Active {
		loginOutcome.WithLabelValues("password", "error").Inc()
		return fmt.Errorf("account is not active: %s", out.Status)
	}
	did, err := syntax.ParseDID(out.Did)
	if err != nil {
		return fmt.Errorf("invalid DID in session response: %w", err)
	}
	if expectDID != "" && did != expectDID {
		return fmt.Errorf("returned session DID does not match resolved account: %s", out.Did)
	}

	creds := &AccessCredentials{
		DID:          did,
		Service:      service,
		AccessToken:  out.AccessJwt,
		RefreshToken: out.RefreshJwt,
		AuthType:     AuthTypePassword,
		ExpiresAt:    parseTokenExpiry(out.AccessJwt),
	}
	if err := m.store.SetInitial(creds); err != nil {
		return err
	}
	committed = true
	loginOutcome.WithLabelValues("password", "success").Inc()
	m.startScheduler(creds.ExpiresAt)
	m.logger.Info("session established", "did", creds.DID, "service", creds.Service)
	m.cb.authenticated(*creds)
	return nil
}

// Establishes a session through the OAuth authorization-code flow. The browser redirect and PKCE mechanics live behind the AuthFlow collaborator; this method handles discovery (handle to PDS to authorization server) and installs the resulting tokens.
func (m *Manager) LoginWithOAuth(ctx context.Context, handle syntax.Handle, flow oauth.AuthFlow) error {
	if flow == nil {
		panic("session: nil AuthFlow")
	}
	if m.cfg.OAuthClientID == "" {
		return ErrOAuthClientIDRequired
	}
	if err := m.store.beginLogin(); err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			m.store.abortLogin()
		}
	}()

	ident, err := m.dir.LookupHandle(ctx, handle)
	if err != nil {
		loginOutcome.WithLabelValues("oauth", "resolution_error").Inc()
		return err
	}
	service := ident.PDSEndpoint()
	if service == "" {
		loginOutcome.WithLabelValues("oauth", "resolution_error").Inc()
		return identity.ErrServiceNotDeclared
	}

	authURL, err := oauth.ResolveAuthServer(ctx, m.httpClient, service)
	if errors.Is(err, oauth.ErrAuthServerNotFound) {
		// hosts without a protected-resource document act as their own issuer
		authURL = service
	} else if err != nil {
		return err
	}

	grant, err := flow.Authorize(ctx, authURL, handle.String())
	if err != nil {
		loginOutcome.WithLabelValues("oauth", "error").Inc()
		return err
	}
	did, err := syntax.ParseDID(grant.Sub)
	if err != nil {
		return fmt.Errorf("invalid DID in token grant: %w", err)
	}
	if did != ident.DID {
		return fmt.Errorf("token grant DID does not match resolved account: %s", grant.Sub)
	}

	expiresAt := parseTokenExpiry(grant.AccessToken)
	if grant.ExpiresIn > 0 {
		expiresAt = time.Now().Add(time.Duration(grant.ExpiresIn) * time.Second)
	}
	grantAuthURL := grant.AuthServerURL
	if grantAuthURL == "" {
		grantAuthURL = authURL
	}

	creds := &AccessCredentials{
		DID:                 did,
		Service:             service,
		AccessToken:         grant.AccessToken,
		RefreshToken:        grant.RefreshToken,
		AuthType:            AuthTypeOAuth,
		ExpiresAt:           expiresAt,
		AuthServerURL:       grantAuthURL,
		DPoPKey:             grant.DPoPKey,
		DPoPAuthServerNonce: grant.DPoPAuthServerNonce,
	}
	if err := m.store.SetInitial(creds); err != nil {
		return err
	}
	committed = true
	loginOutcome.WithLabelValues("oauth", "success").Inc()
	m.startScheduler(creds.ExpiresAt)
	m.logger.Info("session established", "did", creds.DID, "service", creds.Service, "authServer", creds.AuthServerURL)
	m.cb.authenticated(*creds)
	return nil
}

// Restores a session from persisted token state. The stored access token is validated directly first (the cheapest path); if the server rejects it, the refresh token is used to mint a fresh pair. Only when both fail does resume report failure, leaving the client anonymous.
func (m *Manager) ResumeSession(ctx context.Context, data SessionData) error {
	creds := &AccessCredentials{
		DID:          data.DID,
		Service:      data.Service,
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		AuthType:     AuthTypePassword,
		ExpiresAt:    parseTokenExpiry(data.AccessToken),
	}
	if err := creds.validate(); err != nil {
		return err
	}
	if err := m.store.beginLogin(); err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			m.store.abortLogin()
		}
	}()

	var out getSessionOutput
	checkErr := m.getWithToken(ctx, data.Service, endpointGetSession, data.AccessToken, &out)
	if checkErr == nil && out.Did == data.DID.String() {
		if err := m.store.SetInitial(creds); err != nil {
			return err
		}
		committed = true
		m.startScheduler(creds.ExpiresAt)
		m.logger.Info("session resumed", "did", creds.DID, "service", creds.Service)
		m.cb.authenticated(*creds)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// access token rejected; fall back to the refresh token
	var rout sessionOutput
	if err := m.postWithToken(ctx, data.Service, endpointRefreshSession, data.RefreshToken, &rout); err != nil {
		m.logger.Info("session resume failed", "did", data.DID, "checkErr", checkErr, "refreshErr", err)
		return fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}
	if rout.Did != data.DID.String() {
		return fmt.Errorf("refreshed session DID does not match stored session: %s", rout.Did)
	}
	creds.AccessToken = rout.AccessJwt
	creds.RefreshToken = rout.RefreshJwt
	creds.ExpiresAt = parseTokenExpiry(rout.AccessJwt)
	if err := m.store.SetInitial(creds); err != nil {
		return err
	}
	committed = true
	m.startScheduler(creds.ExpiresAt)
	m.logger.Info("session resumed via refresh token", "did", creds.DID, "service", creds.Service)
	m.cb.authenticated(*creds)
	return nil
}

// Manual refresh trigger, equivalent to a scheduler tick. Concurrent triggers coalesce into a single network refresh; every waiter receives the shared result.
func (m *Manager) RefreshNow(ctx context.Context) error {
	return m.refresh(ctx)
}

// Ends the session: best-effort remote session deletion (failure to reach the server never blocks local logout), credential clear, scheduler shutdown.
func (m *Manager) Logout(ctx context.Context) error {
	snap := m.store.Snapshot()
	if snap == nil {
		return nil
	}

	if snap.AuthType == AuthTypePassword {
		if err := m.postWithToken(ctx, snap.Service, endpointDeleteSession, snap.RefreshToken, nil); err != nil {
			m.logger.Warn("remote session deletion failed", "err", err, "did", snap.DID)
		}
	}

	// clearing first bumps the store generation, so any in-flight refresh result gets discarded rather than resurrecting the session
	m.store.Clear()
	m.stopScheduler(ctx)
	m.logger.Info("session ended", "did", snap.DID, "service", snap.Service)
	m.cb.unauthenticated(snap.DID, snap.Service)
	return nil
}

type refreshCall struct {
	done chan struct{}
	err  error
}

func (m *Manager) refresh(ctx context.Context) error {
	m.refreshMu.Lock()
	if call := m.inflight; call != nil {
		m.refreshMu.Unlock()
		refreshCoalesced.Inc()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	m.inflight = call
	m.refreshMu.Unlock()

	call.err = m.doRefresh(ctx)

	m.refreshMu.Lock()
	m.inflight = nil
	m.refreshMu.Unlock()
	close(call.done)

	if call.err == nil {
		m.kickScheduler()
	}
	return call.err
}

func (m *Manager) doRefresh(ctx context.Context) error {
	snap, gen := m.store.snapshotWithGen()
	if snap == nil {
		return ErrNotAuthenticated
	}
	if !m.store.beginRefresh() {
		return ErrNotAuthenticated
	}
	defer m.store.endRefresh()

	// network I/O happens outside the store lock; the result is committed below under a generation check
	newCreds := *snap
	var err error
	switch snap.AuthType {
	case AuthTypeOAuth:
		var tok *oauth.TokenResponse
		var nonce string
		tok, nonce, err = oauth.RefreshGrant(ctx, m.httpClient, oauth.RefreshRequest{
			AuthServerURL:       snap.AuthServerURL,
			ClientID:            m.cfg.OAuthClientID,
			RefreshToken:        snap.RefreshToken,
			DPoPKey:             snap.DPoPKey,
			DPoPAuthServerNonce: snap.DPoPAuthServerNonce,
		})
		if err == nil {
			newCreds.AccessToken = tok.AccessToken
			newCreds.RefreshToken = tok.RefreshToken
			newCreds.DPoPAuthServerNonce = nonce
			newCreds.ExpiresAt = parseTokenExpiry(tok.AccessToken)
			if tok.ExpiresIn > 0 {
				newCreds.ExpiresAt = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
			}
		}
	default:
		var out sessionOutput
		err = m.postWithToken(ctx, snap.Service, endpointRefreshSession, snap.RefreshToken, &out)
		if err == nil {
			newCreds.AccessToken = out.AccessJwt
			newCreds.RefreshToken = out.RefreshJwt
			newCreds.ExpiresAt = parseTokenExpiry(out.AccessJwt)
		}
	}
	if err != nil {
		return m.handleRefreshFailure(snap, err)
	}

	committed, err := m.store.replaceIfGeneration(&newCreds, gen)
	if err != nil {
		return m.handleRefreshFailure(snap, err)
	}
	if !committed {
		// the session was cleared or replaced while the refresh was in flight (eg, logout); the result must not be reapplied
		refreshOutcome.WithLabelValues("discarded").Inc()
		m.logger.Debug("refresh result discarded; session changed during refresh", "did", snap.DID)
		return ErrNotAuthenticated
	}

	refreshOutcome.WithLabelValues("success").Inc()
	m.logger.Debug("session credentials refreshed", "did", newCreds.DID, "expiresAt", newCreds.ExpiresAt)
	m.cb.credentialsUpdated(newCreds.DID, newCreds.Service, newCreds)
	return nil
}

func (m *Manager) handleRefreshFailure(snap *AccessCredentials, err error) error {
	var ce *ConfigError
	var ae *client.APIError
	switch {
	case errors.Is(err, ErrDIDMismatch):
		// programmer error; propagate without touching state
		m.logger.Error("refresh produced credentials for a different account", "did", snap.DID)
	case errors.As(err, &ce):
		refreshOutcome.WithLabelValues("config_error").Inc()
		m.store.Clear()
		m.logger.Error("session refresh failed local validation; session cleared", "flags", ce.Flags, "did", snap.DID)
		m.cb.refreshFailed(snap.DID, snap.Service, 0, ce.Flags.String())
		m.cb.unauthenticated(snap.DID, snap.Service)
	case errors.As(err, &ae):
		refreshOutcome.WithLabelValues("remote_error").Inc()
		m.store.Clear()
		m.logger.Error("session refresh rejected by server; session cleared", "statusCode", ae.StatusCode, "name", ae.Name, "did", snap.DID)
		m.cb.refreshFailed(snap.DID, snap.Service, ae.StatusCode, ae.Name)
		m.cb.unauthenticated(snap.DID, snap.Service)
	default:
		refreshOutcome.WithLabelValues("transient").Inc()
		m.logger.Warn("transient session refresh failure; existing credentials kept", "err", err, "did", snap.DID)
	}
	return err
}

func (m *Manager) getWithToken(ctx context.Context, service, endpoint, token string, out any) error {
	req := client.APIRequest{
		Method:   http.MethodGet,
		Endpoint: endpoint,
		Headers: http.Header{
			"Accept":        []string{"application/json"},
			"Authorization": []string{"Bearer " + token},
		},
	}
	resp, err := m.api(service).Do(ctx, &req)
	if err != nil {
		return err
	}
	return client.DecodeResponse(resp, out)
}

func (m *Manager) postWithToken(ctx context.Context, service, endpoint, token string, out any) error {
	req := client.APIRequest{
		Method:   http.MethodPost,
		Endpoint: endpoint,
		Headers: http.Header{
			"Accept":        []string{"application/json"},
			"Authorization": []string{"Bearer " + token},
		},
	}
	resp, err := m.api(service).Do(ctx, &req)
	if err != nil {
		return err
	}
	return client.DecodeResponse(resp, out)
}
