// Package session manages the credential and session lifecycle for one account: password and OAuth login, resume from persisted state, proactive background token refresh, and logout.
//
// The Manager is the entry point. It owns a CredentialStore (the single source of truth for authentication state), a background refresh scheduler, and the callbacks through which host applications observe lifecycle transitions and persist updated session data.
package session
