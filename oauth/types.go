package oauth

import (
	"context"
)

const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`

	// account DID the tokens were issued for
	Sub string `json:"sub,omitempty"`
}

type RefreshTokenRequest struct {
	ClientID     string `url:"client_id"`
	GrantType    string `url:"grant_type"`
	RefreshToken string `url:"refresh_token"`
}

// The result of a completed browser authorization exchange, as produced by an AuthFlow implementation.
type TokenGrant struct {
	TokenResponse

	AuthServerURL string

	// opaque PEM-encoded DPoP key bound to the issued tokens
	DPoPKey string

	// last DPoP nonce issued by the auth server during the exchange, if any
	DPoPAuthServerNonce string
}

// External collaborator implementing the authorization-code browser flow (PKCE, state, redirect handling). This package does not implement any of that; it only consumes the resulting tokens.
type AuthFlow interface {
	// Runs the full authorization exchange against the given auth server and returns the issued tokens. loginHint, if non-empty, pre-fills the account identifier on the login page.
	Authorize(ctx context.Context, authServerURL, loginHint string) (*TokenGrant, error)
}
