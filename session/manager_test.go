package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meridian-social/meridian/identity"
	"github.com/meridian-social/meridian/oauth"
	"github.com/meridian-social/meridian/syntax"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDID = syntax.DID("did:plc:ewvi7nxzyoun6zhxrhs64oiz")

type callbackCounts struct {
	authenticated       atomic.Int64
	credentialsUpdated  atomic.Int64
	refreshFailed       atomic.Int64
	unauthenticated     atomic.Int64
	lastRefreshFailCode atomic.Int64
}

func (c *callbackCounts) callbacks() Callbacks {
	return Callbacks{
		OnAuthenticated: func(creds AccessCredentials) {
			c.authenticated.Add(1)
		},
		OnCredentialsUpdated: func(did syntax.DID, service string, creds AccessCredentials) {
			c.credentialsUpdated.Add(1)
		},
		OnRefreshFailed: func(did syntax.DID, service string, statusCode int, errDetail string) {
			c.refreshFailed.Add(1)
			c.lastRefreshFailCode.Store(int64(statusCode))
		},
		OnUnauthenticated: func(did syntax.DID, service string) {
			c.unauthenticated.Add(1)
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sessionBody(accessJwt, refreshJwt string) map[string]any {
	return map[string]any{
		"accessJwt":  accessJwt,
		"refreshJwt": refreshJwt,
		"handle":     "alice.example.com",
		"did":        testDID.String(),
	}
}

func TestLoginWithPassword(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	accessJwt := signedTestJWT(t, time.Now().Add(2*time.Hour))

	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/"+endpointCreateSession, func(w http.ResponseWriter, r *http.Request) {
		var input createSessionInput
		require.NoError(json.NewDecoder(r.Body).Decode(&input))
		if input.Identifier != "alice.example.com" || input.Password != "hunter2" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "AuthenticationRequired"})
			return
		}
		writeJSON(w, http.StatusOK, sessionBody(accessJwt, "refresh-1"))
	})
	mux.HandleFunc("/xrpc/"+endpointDeleteSession, func(w http.ResponseWriter, r *http.Request) {
		require.Equal("Bearer refresh-1", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var counts callbackCounts
	m := NewManager(nil, counts.callbacks(), Config{Service: srv.URL})

	require.NoError(m.LoginWithPassword(ctx, "alice.example.com", "hunter2", ""))
	assert.Equal(StateAuthenticated, m.Store().State())
	snap := m.Store().Snapshot()
	require.NotNil(snap)
	assert.Equal(testDID, snap.DID)
	assert.Equal(accessJwt, snap.AccessToken)
	assert.Equal("refresh-1", snap.RefreshToken)
	assert.Equal(AuthTypePassword, snap.AuthType)
	assert.False(snap.ExpiresAt.IsZero())
	assert.Equal(int64(1), counts.authenticated.Load())

	// second login without logout is rejected
	assert.ErrorIs(m.LoginWithPassword(ctx, "alice.example.com", "hunter2", ""), ErrAlreadyAuthenticated)

	require.NoError(m.Logout(ctx))
	assert.Equal(StateAnonymous, m.Store().State())
	assert.Nil(m.Store().Snapshot())
	assert.Equal(int64(1), counts.unauthenticated.Load())

	// logout when already anonymous is a no-op
	require.NoError(m.Logout(ctx))
	assert.Equal(int64(1), counts.unauthenticated.Load())
}

func TestLoginWithPasswordBadCredentials(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/"+endpointCreateSession, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "AuthenticationRequired", "message": "invalid identifier or password"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := NewManager(nil, Callbacks{}, Config{Service: srv.URL})
	err := m.LoginWithPassword(ctx, "alice.example.com", "wrong", "")
	assert.Error(err)
	// a failed login rolls the store back so another attempt can run
	assert.Equal(StateAnonymous, m.Store().State())
	assert.NoError(m.store.beginLogin())
}

func TestLoginAuthFactorRequired(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/"+endpointCreateSession, func(w http.ResponseWriter, r *http.Request) {
		var input createSessionInput
		json.NewDecoder(r.Body).Decode(&input)
		if input.AuthFactorToken == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": errNameAuthFactorRequired, "message": "check your email"})
			return
		}
		writeJSON(w, http.StatusOK, sessionBody("access-1", "refresh-1"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := NewManager(nil, Callbacks{}, Config{Service: srv.URL})
	err := m.LoginWithPassword(ctx, "alice.example.com", "hunter2", "")
	assert.ErrorIs(err, ErrAuthFactorRequired)
	assert.Equal(StateAnonymous, m.Store().State())

	// retry with the emailed token succeeds
	assert.NoError(m.LoginWithPassword(ctx, "alice.example.com", "hunter2", "31337-code"))
	assert.Equal(StateAuthenticated, m.Store().State())
}

func TestLoginWithPasswordResolvesHandle(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/"+endpointCreateSession, func(w http.ResponseWriter, r *http.Request) {
		var input createSessionInput
		require.NoError(json.NewDecoder(r.Body).Decode(&input))
		// after resolution, login happens against the account's own PDS by DID
		require.Equal(testDID.String(), input.Identifier)
		writeJSON(w, http.StatusOK, sessionBody("access-1", "refresh-1"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := identity.NewMockDirectory()
	dir.Insert(identity.Identity{
		DID:    testDID,
		Handle: "alice.example.com",
		Services: map[string]identity.Service{
			"atproto_pds": {Type: "AtprotoPersonalDataServer", URL: srv.URL},
		},
	})

	m := NewManager(&dir, Callbacks{}, Config{})
	require.NoError(m.LoginWithPassword(ctx, "alice.example.com", "hunter2", ""))
	snap := m.Store().Snapshot()
	require.NotNil(snap)
	assert.Equal(srv.URL, snap.Service)
}

func TestLoginResolutionNoPDS(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	dir := identity.NewMockDirectory()
	dir.Insert(identity.Identity{
		DID:    testDID,
		Handle: "alice.example.com",
	})

	m := NewManager(&dir, Callbacks{}, Config{})
	err := m.LoginWithPassword(ctx, "alice.example.com", "hunter2", "")
	assert.ErrorIs(err, identity.ErrServiceNotDeclared)
	assert.Equal(StateAnonymous, m.Store().State())
}

func TestRefreshCoalescing(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	var refreshCalls atomic.Int64
	gate := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/"+endpointCreateSession, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sessionBody("access-1", "refresh-1"))
	})
	mux.HandleFunc("/xrpc/"+endpointRefreshSession, func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		<-gate
		require.Equal("Bearer refresh-1", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, sessionBody("access-2", "refresh-2"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var counts callbackCounts
	m := NewManager(nil, counts.callbacks(), Config{Service: srv.URL})
	require.NoError(m.LoginWithPassword(ctx, "alice.example.com", "hunter2", ""))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.RefreshNow(ctx)
		}(i)
	}

	// wait for the first trigger to reach the server, let the others pile up
	// behind the in-flight call, then release it
	for refreshCalls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(time.Millisecond * 20)
	close(gate)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(err)
	}
	assert.Equal(int64(1), refreshCalls.Load())
	assert.Equal(int64(1), counts.credentialsUpdated.Load())

	snap := m.Store().Snapshot()
	require.NotNil(snap)
	assert.Equal("access-2", snap.AccessToken)
	assert.Equal("refresh-2", snap.RefreshToken)
}

func TestRefreshTransientFailureKeepsCredentials(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/"+endpointCreateSession, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sessionBody("access-1", "refresh-1"))
	})
	srv := httptest.NewServer(mux)

	var counts callbackCounts
	m := NewManager(nil, counts.callbacks(), Config{Service: srv.URL})
	require.NoError(m.LoginWithPassword(ctx, "alice.example.com", "hunter2", ""))

	// server goes away entirely; the refresh fails at the transport level
	srv.Close()

	err := m.RefreshNow(ctx)
	assert.Error(err)
	assert.Equal(StateAuthenticated, m.Store().State())
	snap := m.Store().Snapshot()
	require.NotNil(snap)
	assert.Equal("access-1", snap.AccessToken)
	assert.Equal(int64(0), counts.refreshFailed.Load())
	assert.Equal(int64(0), counts.unauthenticated.Load())
}

func TestRefreshRejectedClearsSession(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/"+endpointCreateSession, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sessionBody("access-1", "refresh-1"))
	})
	mux.HandleFunc("/xrpc/"+endpointRefreshSession, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": errNameExpiredToken, "message": "refresh token expired"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var counts callbackCounts
	m := NewManager(nil, counts.callbacks(), Config{Service: srv.URL})
	require.NoError(m.LoginWithPassword(ctx, "alice.example.com", "hunter2", ""))

	err := m.RefreshNow(ctx)
	assert.Error(err)
	assert.Equal(StateAnonymous, m.Store().State())
	assert.Nil(m.Store().Snapshot())
	assert.Equal(int64(1), counts.refreshFailed.Load())
	assert.Equal(int64(http.StatusBadRequest), counts.lastRefreshFailCode.Load())
	assert.Equal(int64(1), counts.unauthenticated.Load())
}

type stubAuthFlow struct{}

func (stubAuthFlow) Authorize(ctx context.Context, authServerURL, loginHint string) (*oauth.TokenGrant, error) {
	return nil, errors.New("authorize should not be reached")
}

func TestLoginWithOAuthRequiresClientID(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	// missing client ID is rejected before any resolution or store mutation
	var counts callbackCounts
	m := NewManager(nil, counts.callbacks(), Config{})
	err := m.LoginWithOAuth(ctx, syntax.Handle("alice.example.com"), stubAuthFlow{})
	assert.ErrorIs(err, ErrOAuthClientIDRequired)
	assert.Equal(StateAnonymous, m.Store().State())
	assert.Equal(int64(0), counts.authenticated.Load())
}

func TestRefreshMalformedResponseClearsSession(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/"+endpointCreateSession, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sessionBody("access-1", "refresh-1"))
	})
	mux.HandleFunc("/xrpc/"+endpointRefreshSession, func(w http.ResponseWriter, r *http.Request) {
		// HTTP 200 but the body is garbage; this is a server fault, not a transient network blip
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("not json{{"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var counts callbackCounts
	m := NewManager(nil, counts.callbacks(), Config{Service: srv.URL})
	require.NoError(m.LoginWithPassword(ctx, "alice.example.com", "hunter2", ""))

	err := m.RefreshNow(ctx)
	assert.Error(err)
	assert.Equal(StateAnonymous, m.Store().State())
	assert.Nil(m.Store().Snapshot())
	assert.Equal(int64(1), counts.refreshFailed.Load())
	assert.Equal(int64(1), counts.unauthenticated.Load())
}

func TestLogoutDuringRefresh(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	var refreshCalls atomic.Int64
	gate := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/"+endpointCreateSession, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sessionBody("access-1", "refresh-1"))
	})
	mux.HandleFunc("/xrpc/"+endpointRefreshSession, func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		<-gate
		writeJSON(w, http.StatusOK, sessionBody("access-2", "refresh-2"))
	})
	mux.HandleFunc("/xrpc/"+endpointDeleteSession, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var counts callbackCounts
	m := NewManager(nil, counts.callbacks(), Config{Service: srv.URL})
	require.NoError(m.LoginWithPassword(ctx, "alice.example.com", "hunter2", ""))

	refreshErr := make(chan error, 1)
	go func() {
		refreshErr <- m.RefreshNow(ctx)
	}()
	for refreshCalls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	// logout lands while the refresh response is still in flight
	require.NoError(m.Logout(ctx))
	assert.Equal(StateAnonymous, m.Store().State())
	close(gate)

	// the refresh result must be discarded, not resurrect the session
	assert.ErrorIs(<-refreshErr, ErrNotAuthenticated)
	assert.Equal(StateAnonymous, m.Store().State())
	assert.Nil(m.Store().Snapshot())
	assert.Equal(int64(0), counts.credentialsUpdated.Load())
}

func TestResumeSession(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/"+endpointGetSession, func(w http.ResponseWriter, r *http.Request) {
		require.Equal("Bearer access-1", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{"handle": "alice.example.com", "did": testDID.String()})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var counts callbackCounts
	m := NewManager(nil, counts.callbacks(), Config{Service: srv.URL})
	err := m.ResumeSession(ctx, SessionData{
		DID:          testDID,
		Service:      srv.URL,
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
	})
	require.NoError(err)
	assert.Equal(StateAuthenticated, m.Store().State())
	snap := m.Store().Snapshot()
	require.NotNil(snap)
	assert.Equal("access-1", snap.AccessToken)
	assert.Equal(int64(1), counts.authenticated.Load())
}

func TestResumeSessionRefreshFallback(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/"+endpointGetSession, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": errNameExpiredToken})
	})
	mux.HandleFunc("/xrpc/"+endpointRefreshSession, func(w http.ResponseWriter, r *http.Request) {
		require.Equal("Bearer refresh-1", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, sessionBody("access-2", "refresh-2"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := NewManager(nil, Callbacks{}, Config{Service: srv.URL})
	err := m.ResumeSession(ctx, SessionData{
		DID:          testDID,
		Service:      srv.URL,
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
	})
	require.NoError(err)
	snap := m.Store().Snapshot()
	require.NotNil(snap)
	assert.Equal("access-2", snap.AccessToken)
	assert.Equal("refresh-2", snap.RefreshToken)
}

func TestResumeSessionExpired(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/"+endpointGetSession, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": errNameExpiredToken})
	})
	mux.HandleFunc("/xrpc/"+endpointRefreshSession, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": errNameExpiredToken})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := NewManager(nil, Callbacks{}, Config{Service: srv.URL})
	err := m.ResumeSession(ctx, SessionData{
		DID:          testDID,
		Service:      srv.URL,
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
	})
	assert.ErrorIs(err, ErrSessionExpired)
	assert.Equal(StateAnonymous, m.Store().State())
}

func TestResumeSessionInvalidData(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	m := NewManager(nil, Callbacks{}, Config{})
	err := m.ResumeSession(ctx, SessionData{DID: testDID})
	var ce *ConfigError
	assert.ErrorAs(err, &ce)
	assert.Equal(StateAnonymous, m.Store().State())
}

func TestAPIClientExpiredTokenRetry(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	var profileCalls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/"+endpointCreateSession, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sessionBody("access-1", "refresh-1"))
	})
	mux.HandleFunc("/xrpc/"+endpointRefreshSession, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sessionBody("access-2", "refresh-2"))
	})
	mux.HandleFunc("/xrpc/com.example.getProfile", func(w http.ResponseWriter, r *http.Request) {
		profileCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer access-2" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": errNameExpiredToken})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"displayName": "Alice"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := NewManager(nil, Callbacks{}, Config{Service: srv.URL})
	require.NoError(m.LoginWithPassword(ctx, "alice.example.com", "hunter2", ""))

	c := m.APIClient()
	assert.Equal(testDID, c.Auth.AccountDID())

	var out map[string]string
	require.NoError(c.Get(ctx, "com.example.getProfile", nil, &out))
	assert.Equal("Alice", out["displayName"])
	// first attempt rejected, then refreshed and retried exactly once
	assert.Equal(int64(2), profileCalls.Load())
	assert.Equal("access-2", m.Store().Snapshot().AccessToken)
}
