// Copyright 2026 The CUA Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"fmt"
	"log/slog"
	"sync"
)

// UserType classifies where a user identity is managed.
type UserType int

const (
	// UserDomainOrLocal is an on-premises domain or local machine
	// account.
	UserDomainOrLocal UserType = iota
	// UserAzureAD is a cloud (Entra) account, recognized by the
	// S-1-12-1 SID prefix.
	UserAzureAD
)

// String returns the name used in emitted records.
func (t UserType) String() string {
	if t == UserAzureAD {
		return "AzureAD"
	}
	return "DomainOrLocal"
}

// UserInfo describes the signed-in console user.
type UserInfo struct {
	// SID is the canonical string form of the user's security
	// identifier.
	SID string
	// Username is the display name: principal form
	// (user@tenant.example) for AzureAD, DOMAIN\user otherwise.
	Username string
	// Type classifies the identity source.
	Type UserType
	// CloudObjectID is the decoded directory object id. Set only for
	// AzureAD users whose SID decodes (see CloudObjectID).
	CloudObjectID string
}

// ConnectState mirrors the session connect states the agent cares
// about (WTS_CONNECTSTATE_CLASS values).
type ConnectState int

const (
	StateActive       ConnectState = 0
	StateConnected    ConnectState = 1
	StateConnectQuery ConnectState = 2
	StateShadow       ConnectState = 3
	StateDisconnected ConnectState = 4
	StateIdle         ConnectState = 5
	StateListen       ConnectState = 6
	StateReset        ConnectState = 7
	StateDown         ConnectState = 8
	StateInit         ConnectState = 9
)

// SessionAPI abstracts the session and token operations user
// resolution needs. The production implementation is ConsoleSessions
// (Windows only); tests use fakes.
type SessionAPI interface {
	// ActiveConsoleSession returns the active console session id.
	// The second return is false when no console session exists.
	ActiveConsoleSession() (uint32, bool)

	// SessionConnectState queries the session's connect state. An
	// undersized or malformed query result is an error.
	SessionConnectState(session uint32) (ConnectState, error)

	// QueryUserToken acquires a token for the session's logged-on
	// user. The caller must Close it.
	QueryUserToken(session uint32) (UserToken, error)
}

// UserToken is an acquired user token.
type UserToken interface {
	// UserSID renders the token user's SID in canonical string form.
	UserSID() (string, error)

	// Impersonate assumes the token user's identity on the calling
	// thread. The returned Impersonation must be Closed on every
	// path out of the caller — impersonation is global, per-thread
	// OS state.
	Impersonate() (Impersonation, error)

	Close() error
}

// Impersonation is a held impersonation scope. Username must only be
// called between Impersonate and Close.
type Impersonation interface {
	// Username resolves the signed-in user's display name in the
	// form appropriate to the user type.
	Username(userType UserType) (string, error)

	// Close unconditionally reverts the thread to its original
	// identity.
	Close() error
}

// Resolver resolves the active console user. Resolution is serialized:
// impersonation is per-thread, non-reentrant OS state, so a second
// resolution must not begin until the first has fully reverted.
type Resolver struct {
	api    SessionAPI
	logger *slog.Logger
	mu     sync.Mutex
}

// NewResolver returns a Resolver backed by api.
func NewResolver(api SessionAPI, logger *slog.Logger) *Resolver {
	return &Resolver{api: api, logger: logger}
}

// Resolve returns the signed-in console user, or (nil, nil) when there
// is no active console session or the session is not interactively
// usable. Token acquisition, SID extraction, and username resolution
// failures are hard errors; the impersonation is reverted and the
// token closed before any error is returned.
func (r *Resolver) Resolve() (*UserInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.api.ActiveConsoleSession()
	if !ok {
		return nil, nil
	}

	state, err := r.api.SessionConnectState(session)
	if err != nil {
		return nil, fmt.Errorf("querying connect state for session %d: %w", session, err)
	}
	switch state {
	case StateActive, StateDisconnected:
	default:
		// Not interactively usable. Absence, not an error.
		if r.logger != nil {
			r.logger.Debug("console session not usable", "session", session, "state", int(state))
		}
		return nil, nil
	}

	token, err := r.api.QueryUserToken(session)
	if err != nil {
		return nil, fmt.Errorf("acquiring user token for session %d: %w", session, err)
	}
	defer func() {
		if err := token.Close(); err != nil && r.logger != nil {
			r.logger.Debug("closing user token", "error", err)
		}
	}()

	sid, err := token.UserSID()
	if err != nil {
		return nil, fmt.Errorf("extracting user SID: %w", err)
	}

	userType := UserDomainOrLocal
	if IsCloudSID(sid) {
		userType = UserAzureAD
	}

	impersonation, err := token.Impersonate()
	if err != nil {
		return nil, fmt.Errorf("impersonating session user: %w", err)
	}
	username, usernameErr := impersonation.Username(userType)
	// Revert before inspecting the username result: the thread's
	// identity must be restored on every path out of this call.
	if err := impersonation.Close(); err != nil {
		return nil, fmt.Errorf("reverting impersonation: %w", err)
	}
	if usernameErr != nil {
		return nil, fmt.Errorf("resolving username: %w", usernameErr)
	}

	info := &UserInfo{
		SID:      sid,
		Username: username,
		Type:     userType,
	}
	if userType == UserAzureAD {
		if objectID, ok := CloudObjectID(sid); ok {
			info.CloudObjectID = objectID
		}
	}

	return info, nil
}
