package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/meridian-social/meridian/client"

	"github.com/google/go-querystring/query"
)

// Inputs for a refresh-token grant against the session's authorization server.
type RefreshRequest struct {
	AuthServerURL string
	ClientID      string
	RefreshToken  string

	// PEM-encoded DPoP key bound to the session
	DPoPKey string

	// last known DPoP nonce for the auth server; may be empty
	DPoPAuthServerNonce string
}

// Redeems a refresh token for a new token pair.
//
// The auth server metadata is fetched to locate the token endpoint. DPoP nonce rejections ('use_dpop_nonce') are retried once with the server-provided nonce, per the usual dance. The updated nonce is returned alongside the tokens so the caller can persist it.
func RefreshGrant(ctx context.Context, c *http.Client, req RefreshRequest) (*TokenResponse, string, error) {
	key, err := DecodeDPoPKey(req.DPoPKey)
	if err != nil {
		return nil, "", fmt.Errorf("parsing session DPoP key: %w", err)
	}

	meta, err := FetchAuthServerMetadata(ctx, c, req.AuthServerURL)
	if err != nil {
		return nil, "", err
	}

	body := RefreshTokenRequest{
		ClientID:     req.ClientID,
		GrantType:    GrantRefreshToken,
		RefreshToken: req.RefreshToken,
	}
	vals, err := query.Values(body)
	if err != nil {
		return nil, "", err
	}
	bodyBytes := []byte(vals.Encode())

	dpopServerNonce := req.DPoPAuthServerNonce

	var resp *http.Response
	for attempt := 0; attempt < 2; attempt++ {
		dpopJWT, err := NewDPoPJWT(key, "POST", meta.TokenEndpoint, dpopServerNonce, "")
		if err != nil {
			return nil, "", err
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", meta.TokenEndpoint, bytes.NewBuffer(bodyBytes))
		if err != nil {
			return nil, "", err
		}
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		httpReq.Header.Set("DPoP", dpopJWT)

		resp, err = c.Do(httpReq)
		if err != nil {
			return nil, "", err
		}

		// check if a nonce was provided
		if nonce := resp.Header.Get("DPoP-Nonce"); resp.StatusCode == 400 && nonce != "" && nonce != dpopServerNonce {
			dpopServerNonce = nonce
			resp.Body.Close()
			continue
		}
		break
	}

	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		var eb client.ErrorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil {
			slog.Warn("token refresh request failed", "authServer", meta.TokenEndpoint, "statusCode", resp.StatusCode)
			return nil, dpopServerNonce, &client.APIError{StatusCode: resp.StatusCode}
		}
		slog.Warn("token refresh request failed", "authServer", meta.TokenEndpoint, "error", eb.Name, "statusCode", resp.StatusCode)
		return nil, dpopServerNonce, eb.APIError(resp.StatusCode)
	}

	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		// undecodable token response is an auth server fault, typed so callers treat it as a remote rejection
		return nil, dpopServerNonce, &client.APIError{StatusCode: resp.StatusCode, Name: "InvalidResponse", Message: "token response failed to decode: " + err.Error()}
	}

	return &tokenResp, dpopServerNonce, nil
}
