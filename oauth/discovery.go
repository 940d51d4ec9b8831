package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
)

// Indicates that the host does not advertise an authorization server (missing or malformed protected-resource document). Callers may fall back to a default authorization server, or to treating the host itself as the issuer.
var ErrAuthServerNotFound = errors.New("authorization server not found")

var ErrInvalidAuthServerMetadata = errors.New("invalid auth server metadata")

type protectedResource struct {
	AuthorizationServers []string `json:"authorization_servers"`
}

// Resolves a resource server URL (eg, PDS URL) to an auth server URL (eg, entryway URL). They might be the same server!
//
// Ensures that the returned URL is valid. Missing or malformed documents yield ErrAuthServerNotFound, not a hard failure.
func ResolveAuthServer(ctx context.Context, c *http.Client, hostURL string) (string, error) {
	hu, err := url.Parse(hostURL)
	if err != nil {
		return "", err
	}
	if hu.Scheme == "" || hu.Hostname() == "" {
		return "", fmt.Errorf("not a valid host URL: %s", hostURL)
	}

	u := hu.Scheme + "://" + hu.Host + "/.well-known/oauth-protected-resource"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", fmt.Errorf("%w: fetching protected resource document: %w", ErrAuthServerNotFound, err)
	}
	defer resp.Body.Close()

	// intentionally check for exactly HTTP 200 (not just 2xx)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: protected resource document status=%d", ErrAuthServerNotFound, resp.StatusCode)
	}

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("%w: reading protected resource document: %w", ErrAuthServerNotFound, err)
	}

	var body protectedResource
	if err := json.Unmarshal(respBytes, &body); err != nil {
		return "", fmt.Errorf("%w: invalid protected resource document: %w", ErrAuthServerNotFound, err)
	}
	if len(body.AuthorizationServers) < 1 {
		return "", fmt.Errorf("%w: no auth server URL in protected resource document", ErrAuthServerNotFound)
	}
	authURL := body.AuthorizationServers[0]
	au, err := url.Parse(authURL)
	if err != nil || au.Scheme == "" || au.Hostname() == "" {
		return "", fmt.Errorf("%w: invalid auth server URL: %s", ErrAuthServerNotFound, authURL)
	}
	return authURL, nil
}

type AuthServerMetadata struct {
	// the "origin" URL of the Authorization Server. Must match the origin of the URL used to fetch the metadata document itself.
	Issuer string `json:"issuer"`

	// endpoint URL for authorization redirects
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// endpoint URL for token requests
	TokenEndpoint string `json:"token_endpoint"`

	ResponseTypesSupported        []string `json:"response_types_supported"`
	GrantTypesSupported           []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
	ScopesSupported               []string `json:"scopes_supported"`

	PushedAuthorizationRequestEndpoint string   `json:"pushed_authorization_request_endpoint"`
	DPoPSigningAlgValuesSupported      []string `json:"dpop_signing_alg_values_supported"`
}

func (m *AuthServerMetadata) Validate() error {
	if m.Issuer == "" {
		return fmt.Errorf("%w: empty issuer", ErrInvalidAuthServerMetadata)
	}
	u, err := url.Parse(m.Issuer)
	if err != nil {
		return fmt.Errorf("%w: issuer URL: %w", ErrInvalidAuthServerMetadata, err)
	}
	if u.Scheme != "https" || u.Path != "" || u.Fragment != "" || u.RawQuery != "" {
		return fmt.Errorf("%w: issuer URL must be a bare https origin", ErrInvalidAuthServerMetadata)
	}
	if m.TokenEndpoint == "" {
		return fmt.Errorf("%w: token_endpoint is required", ErrInvalidAuthServerMetadata)
	}
	if !slices.Contains(m.ResponseTypesSupported, "code") {
		return fmt.Errorf("%w: response_types_supported must include 'code'", ErrInvalidAuthServerMetadata)
	}
	if !slices.Contains(m.GrantTypesSupported, "authorization_code") {
		return fmt.Errorf("%w: grant_types_supported must include 'authorization_code'", ErrInvalidAuthServerMetadata)
	}
	if !slices.Contains(m.GrantTypesSupported, "refresh_token") {
		return fmt.Errorf("%w: grant_types_supported must include 'refresh_token'", ErrInvalidAuthServerMetadata)
	}
	if !slices.Contains(m.CodeChallengeMethodsSupported, "S256") {
		return fmt.Errorf("%w: code_challenge_methods_supported must include 'S256'", ErrInvalidAuthServerMetadata)
	}
	return nil
}

// Fetches and validates the auth server metadata document for the given issuer URL.
func FetchAuthServerMetadata(ctx context.Context, c *http.Client, issuerURL string) (*AuthServerMetadata, error) {
	su, err := url.Parse(issuerURL)
	if err != nil {
		return nil, err
	}
	if su.Scheme == "" || su.Hostname() == "" {
		return nil, fmt.Errorf("not a valid issuer URL: %s", issuerURL)
	}

	u := su.Scheme + "://" + su.Host + "/.well-known/oauth-authorization-server"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching auth server metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error fetching auth server metadata: %d", resp.StatusCode)
	}

	var body AuthServerMetadata
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid auth server metadata: %w", err)
	}
	if err := body.Validate(); err != nil {
		return nil, err
	}
	return &body, nil
}
