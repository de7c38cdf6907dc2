// Copyright 2026 The CUA Authors
// SPDX-License-Identifier: Apache-2.0

//go:build windows

package identity

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	// wtsConnectState is the WTS_INFO_CLASS selector for a session's
	// connect state.
	wtsConnectState = 8

	// Extended name formats for GetUserNameExW (secext.h).
	nameSamCompatible = 2
	nameUserPrincipal = 8

	// usernameBufferChars sizes the GetUserNameExW buffer.
	usernameBufferChars = 1024
)

var (
	modwtsapi32 = windows.NewLazySystemDLL("wtsapi32.dll")
	modsecur32  = windows.NewLazySystemDLL("secur32.dll")

	procWTSQuerySessionInformationW = modwtsapi32.NewProc("WTSQuerySessionInformationW")
	procGetUserNameExW              = modsecur32.NewProc("GetUserNameExW")
)

// ConsoleSessions returns the production SessionAPI backed by the
// terminal services and token APIs.
func ConsoleSessions() SessionAPI {
	return consoleSessions{}
}

type consoleSessions struct{}

// noSessionSentinel is returned by WTSGetActiveConsoleSessionId when
// no console session exists.
const noSessionSentinel = 0xFFFFFFFF

func (consoleSessions) ActiveConsoleSession() (uint32, bool) {
	session := windows.WTSGetActiveConsoleSessionId()
	if session == noSessionSentinel {
		return 0, false
	}
	return session, true
}

func (consoleSessions) SessionConnectState(session uint32) (ConnectState, error) {
	var buffer *byte
	var bytesReturned uint32

	ok, _, callErr := procWTSQuerySessionInformationW.Call(
		0, // WTS_CURRENT_SERVER_HANDLE
		uintptr(session),
		wtsConnectState,
		uintptr(unsafe.Pointer(&buffer)),
		uintptr(unsafe.Pointer(&bytesReturned)),
	)
	if ok == 0 {
		return 0, fmt.Errorf("WTSQuerySessionInformation: %w", callErr)
	}
	defer windows.WTSFreeMemory(uintptr(unsafe.Pointer(buffer)))

	if buffer == nil || bytesReturned < 4 {
		return 0, fmt.Errorf("WTSQuerySessionInformation: undersized result (%d bytes)", bytesReturned)
	}
	state := *(*int32)(unsafe.Pointer(buffer))
	return ConnectState(state), nil
}

func (consoleSessions) QueryUserToken(session uint32) (UserToken, error) {
	var token windows.Token
	if err := windows.WTSQueryUserToken(session, &token); err != nil {
		return nil, fmt.Errorf("WTSQueryUserToken: %w", err)
	}
	return &windowsToken{token: token}, nil
}

type windowsToken struct {
	token windows.Token
}

func (t *windowsToken) UserSID() (string, error) {
	user, err := t.token.GetTokenUser()
	if err != nil {
		return "", fmt.Errorf("GetTokenInformation(TokenUser): %w", err)
	}
	return user.User.Sid.String(), nil
}

// Impersonate assumes the token user's identity on the current OS
// thread. The goroutine is pinned to the thread for the scope: the
// identity switch is thread state, and Username and the revert must
// observe the same thread.
func (t *windowsToken) Impersonate() (Impersonation, error) {
	runtime.LockOSThread()
	if err := windows.ImpersonateLoggedOnUser(t.token); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("ImpersonateLoggedOnUser: %w", err)
	}
	return &windowsImpersonation{}, nil
}

func (t *windowsToken) Close() error {
	return t.token.Close()
}

type windowsImpersonation struct{}

// Username resolves the display name of the impersonated user:
// principal form (user@tenant.example) for AzureAD, DOMAIN\user
// otherwise.
func (*windowsImpersonation) Username(userType UserType) (string, error) {
	format := uintptr(nameSamCompatible)
	if userType == UserAzureAD {
		format = nameUserPrincipal
	}

	buffer := make([]uint16, usernameBufferChars)
	size := uint32(len(buffer))
	ok, _, callErr := procGetUserNameExW.Call(
		format,
		uintptr(unsafe.Pointer(&buffer[0])),
		uintptr(unsafe.Pointer(&size)),
	)
	if ok == 0 {
		return "", fmt.Errorf("GetUserNameEx: %w", callErr)
	}
	return windows.UTF16ToString(buffer[:size]), nil
}

// Close reverts the thread to its original identity and releases the
// thread pin. Runs on every exit path out of Resolver.Resolve.
func (*windowsImpersonation) Close() error {
	err := windows.RevertToSelf()
	runtime.UnlockOSThread()
	if err != nil {
		return fmt.Errorf("RevertToSelf: %w", err)
	}
	return nil
}
