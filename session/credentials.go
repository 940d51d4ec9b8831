package session

import (
	"time"

	"github.com/meridian-social/meridian/syntax"

	"github.com/golang-jwt/jwt/v5"
)

// How the current session was established, which also determines how it gets refreshed.
type AuthType string

const (
	AuthTypePassword AuthType = "password"
	AuthTypeOAuth    AuthType = "oauth"
)

// The durable authenticated state for one account session.
//
// Values are treated as immutable once handed to the credential store: updates always replace the whole value, never edit fields in place. The store hands out copies, so callers can hold on to a snapshot safely.
type AccessCredentials struct {
	DID          syntax.DID
	Service      string
	AccessToken  string
	RefreshToken string
	AuthType     AuthType

	// when the access token stops being accepted; zero if unknown
	ExpiresAt time.Time

	// OAuth sessions only
	AuthServerURL       string
	DPoPKey             string
	DPoPAuthServerNonce string
}

// The fixed persisted-state shape exchanged with host applications. Storage location and encryption are the host's responsibility.
type SessionData struct {
	DID          syntax.DID `json:"did"`
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken"`
	Service      string     `json:"service"`
}

func (c *AccessCredentials) Data() SessionData {
	return SessionData{
		DID:          c.DID,
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		Service:      c.Service,
	}
}

// Local validation run before the store accepts any credentials value. Returns a *ConfigError carrying every applicable flag, or nil.
func (c *AccessCredentials) validate() error {
	if c == nil {
		return &ConfigError{Flags: FlagNullSession}
	}
	var flags ConfigFlags
	if c.DID == "" {
		flags |= FlagMissingDID
	}
	if c.AccessToken == "" {
		flags |= FlagMissingAccessToken
	}
	if c.RefreshToken == "" {
		flags |= FlagMissingRefreshToken
	}
	if c.Service == "" {
		flags |= FlagMissingService
	}
	if flags != 0 {
		return &ConfigError{Flags: flags}
	}
	return nil
}

// Extracts the expiry timestamp from a JWT-shaped access token without verifying the signature (the token is opaque to us; the expiry is only a scheduling hint). Returns the zero time if the token is not a JWT or carries no expiry.
func parseTokenExpiry(token string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
