package session

import (
	"sync"
)

// Lifecycle state of the credential store.
type State string

const (
	StateAnonymous      State = "anonymous"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateRefreshing     State = "refreshing"
)

// Holds the current authentication state for one client instance.
//
// All mutations go through the store's mutex and replace the whole credentials value, so readers always observe either the pre-mutation or post-mutation value in full, never a torn one. Network calls never happen under this lock; callers snapshot, do their I/O, and commit the result.
//
// Every committed mutation bumps an internal generation counter. In-flight work that snapshotted an older generation uses it to detect that the world changed underneath it (eg, logout during a pending refresh) and discards its result instead of reapplying stale state.
type CredentialStore struct {
	mu    sync.RWMutex
	state State
	creds *AccessCredentials
	gen   uint64
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{state: StateAnonymous}
}

func (s *CredentialStore) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Returns a copy of the current credentials, or nil when anonymous. Never blocks on in-flight refresh work.
func (s *CredentialStore) Snapshot() *AccessCredentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds == nil {
		return nil
	}
	cp := *s.creds
	return &cp
}

func (s *CredentialStore) snapshotWithGen() (*AccessCredentials, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds == nil {
		return nil, s.gen
	}
	cp := *s.creds
	return &cp, s.gen
}

// Marks the start of a login attempt. Fails with ErrAlreadyAuthenticated if a session is already established.
func (s *CredentialStore) beginLogin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAuthenticated || s.state == StateRefreshing {
		return ErrAlreadyAuthenticated
	}
	s.state = StateAuthenticating
	return nil
}

// Rolls a failed login attempt back to anonymous.
func (s *CredentialStore) abortLogin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAuthenticating {
		s.state = StateAnonymous
	}
}

// Installs the initial credentials after a successful login or resume. Only valid from the anonymous or authenticating states; an established session must be logged out first.
func (s *CredentialStore) SetInitial(creds *AccessCredentials) error {
	if err := creds.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAuthenticated || s.state == StateRefreshing {
		return ErrAlreadyAuthenticated
	}
	cp := *creds
	s.creds = &cp
	s.state = StateAuthenticated
	s.gen++
	return nil
}

// Atomic swap after a successful refresh. The account identity must be preserved: a replace that would change the DID is a contract violation and is rejected without mutating state.
func (s *CredentialStore) Replace(creds *AccessCredentials) error {
	if err := creds.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds == nil {
		return ErrNotAuthenticated
	}
	if s.creds.DID != creds.DID {
		return ErrDIDMismatch
	}
	cp := *creds
	s.creds = &cp
	s.state = StateAuthenticated
	s.gen++
	return nil
}

// Like Replace, but commits only if no other mutation landed since the given generation was observed. Returns false (without error) when the commit was discarded due to the store having moved on.
func (s *CredentialStore) replaceIfGeneration(creds *AccessCredentials, gen uint64) (bool, error) {
	if err := creds.validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.creds == nil {
		return false, nil
	}
	if s.creds.DID != creds.DID {
		return false, ErrDIDMismatch
	}
	cp := *creds
	s.creds = &cp
	s.state = StateAuthenticated
	s.gen++
	return true, nil
}

// Transitions to anonymous, returning the credentials that were current (or nil). Used by logout and by unrecoverable refresh failure.
func (s *CredentialStore) Clear() *AccessCredentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.creds
	s.creds = nil
	s.state = StateAnonymous
	s.gen++
	return prev
}

// Marks a refresh as in progress. Returns false when there is no authenticated session to refresh.
func (s *CredentialStore) beginRefresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAuthenticated {
		return false
	}
	s.state = StateRefreshing
	return true
}

func (s *CredentialStore) endRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRefreshing {
		s.state = StateAuthenticated
	}
}
