package session

import (
	"errors"
	"fmt"
	"strings"
)

// Flags describing what is wrong with a locally-invalid credentials value. Multiple flags may apply simultaneously.
type ConfigFlags uint8

const (
	FlagNullSession ConfigFlags = 1 << iota
	FlagMissingAccessToken
	FlagMissingRefreshToken
	FlagMissingService
	FlagMissingDID
)

func (f ConfigFlags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	if f&FlagNullSession != 0 {
		parts = append(parts, "NullSession")
	}
	if f&FlagMissingAccessToken != 0 {
		parts = append(parts, "MissingAccessToken")
	}
	if f&FlagMissingRefreshToken != 0 {
		parts = append(parts, "MissingRefreshToken")
	}
	if f&FlagMissingService != 0 {
		parts = append(parts, "MissingService")
	}
	if f&FlagMissingDID != 0 {
		parts = append(parts, "MissingDid")
	}
	return strings.Join(parts, "|")
}

// Local validation failure of a credentials value. Always fails fast and is never retried automatically.
type ConfigError struct {
	Flags ConfigFlags
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("session configuration invalid: %s", e.Flags)
}

// The store already holds an authenticated session; callers must log out before logging in again.
var ErrAlreadyAuthenticated = errors.New("already authenticated; log out first")

// No authenticated session is present. During shutdown races this is an expected outcome, not a fault.
var ErrNotAuthenticated = errors.New("not authenticated")

// Replacing credentials with a value for a different account is a programming error, rejected without mutating state.
var ErrDIDMismatch = errors.New("credentials replace would change account DID")

// OAuth login needs a registered client ID for the token grants that follow; checked up front rather than failing at the first refresh.
var ErrOAuthClientIDRequired = errors.New("OAuth client ID not configured")

// The server requires a second authentication factor. Surfaced as a named outcome so callers can re-prompt for the token, distinct from a generic rejection.
var ErrAuthFactorRequired = errors.New("authentication factor token required")

// The session's tokens were no longer accepted and could not be refreshed.
var ErrSessionExpired = errors.New("session expired")
