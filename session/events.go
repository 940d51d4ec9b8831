package session

import (
	"github.com/meridian-social/meridian/syntax"
)

// Lifecycle notification hooks, registered once at manager construction. All fields are optional.
//
// Callbacks are invoked synchronously after the corresponding store mutation has committed, and never while the store lock is held. Implementations that need to do slow work should hand off to their own goroutine.
type Callbacks struct {
	// A session was established (login or resume).
	OnAuthenticated func(creds AccessCredentials)

	// A background or manual refresh replaced the tokens.
	OnCredentialsUpdated func(did syntax.DID, service string, creds AccessCredentials)

	// A refresh failed unrecoverably and the session was cleared. statusCode is zero for local configuration failures.
	OnRefreshFailed func(did syntax.DID, service string, statusCode int, errDetail string)

	// The session ended (logout or unrecoverable refresh failure).
	OnUnauthenticated func(did syntax.DID, service string)
}

func (cb *Callbacks) authenticated(creds AccessCredentials) {
	if cb.OnAuthenticated != nil {
		cb.OnAuthenticated(creds)
	}
}

func (cb *Callbacks) credentialsUpdated(did syntax.DID, service string, creds AccessCredentials) {
	if cb.OnCredentialsUpdated != nil {
		cb.OnCredentialsUpdated(did, service, creds)
	}
}

func (cb *Callbacks) refreshFailed(did syntax.DID, service string, statusCode int, errDetail string) {
	if cb.OnRefreshFailed != nil {
		cb.OnRefreshFailed(did, service, statusCode, errDetail)
	}
}

func (cb *Callbacks) unauthenticated(did syntax.DID, service string) {
	if cb.OnUnauthenticated != nil {
		cb.OnUnauthenticated(did, service)
	}
}
