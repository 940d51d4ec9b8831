package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/meridian-social/meridian/client"
	"github.com/meridian-social/meridian/oauth"
	"github.com/meridian-social/meridian/syntax"
)

// Attaches the manager's current credentials to outgoing API requests.
//
// Password sessions send the access token as a bearer; OAuth sessions send it DPoP-bound with a per-request proof. On an ExpiredToken rejection a single refresh is attempted and the request is retried once with the new token. The request body must be rewindable (GetBody set, which net/http does for the common buffer types) for the retry to happen.
type sessionAuth struct {
	mgr *Manager
}

var _ client.AuthMethod = (*sessionAuth)(nil)

func (a *sessionAuth) AccountDID() syntax.DID {
	if snap := a.mgr.store.Snapshot(); snap != nil {
		return snap.DID
	}
	return ""
}

func (a *sessionAuth) DoWithAuth(httpReq *http.Request, httpClient *http.Client) (*http.Response, error) {
	snap := a.mgr.store.Snapshot()
	if snap == nil {
		return nil, ErrNotAuthenticated
	}

	resp, err := a.doOnce(httpReq, httpClient, snap)
	if err != nil {
		return nil, err
	}
	if !isExpiredTokenResp(resp) {
		return resp, nil
	}
	resp.Body.Close()

	if err := a.mgr.refresh(httpReq.Context()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}
	snap = a.mgr.store.Snapshot()
	if snap == nil {
		return nil, ErrNotAuthenticated
	}

	retryReq, err := rewindRequest(httpReq)
	if err != nil {
		return nil, err
	}
	return a.doOnce(retryReq, httpClient, snap)
}

func (a *sessionAuth) doOnce(httpReq *http.Request, httpClient *http.Client, creds *AccessCredentials) (*http.Response, error) {
	switch creds.AuthType {
	case AuthTypeOAuth:
		key, err := oauth.DecodeDPoPKey(creds.DPoPKey)
		if err != nil {
			return nil, fmt.Errorf("parsing session DPoP key: %w", err)
		}
		proof, err := oauth.NewDPoPJWT(key, httpReq.Method, httpReq.URL.String(), creds.DPoPAuthServerNonce, creds.AccessToken)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Authorization", "DPoP "+creds.AccessToken)
		httpReq.Header.Set("DPoP", proof)
	default:
		httpReq.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	}
	return httpClient.Do(httpReq)
}

// Checks whether the server rejected the access token as expired. The body is buffered and restored on the response so downstream error decoding still works when the answer is no.
func isExpiredTokenResp(resp *http.Response) bool {
	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusUnauthorized {
		return false
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return false
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return false
	}
	var eb client.ErrorBody
	if err := json.Unmarshal(raw, &eb); err != nil {
		return false
	}
	return eb.Name == errNameExpiredToken
}

func rewindRequest(httpReq *http.Request) (*http.Request, error) {
	retry := httpReq.Clone(httpReq.Context())
	if httpReq.Body == nil {
		return retry, nil
	}
	if httpReq.GetBody == nil {
		return nil, errors.New("request body can not be replayed after token refresh")
	}
	body, err := httpReq.GetBody()
	if err != nil {
		return nil, err
	}
	retry.Body = body
	return retry, nil
}
