// Copyright 2026 The CUA Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity correlates the two identity facts the agent emits
// on each qualifying logon/logoff event: the device's Entra join
// identity and the active console user's identity.
//
// Device correlation reads device-join certificates out of the machine
// certificate store in the registry and joins them against the
// CloudDomainJoin tenant metadata. User resolution queries the active
// console session, acquires the session user's token, and resolves the
// display name under scoped impersonation.
//
// Both halves are written against small interfaces (RegistryStore,
// SessionAPI); the Windows implementations live in the *_windows.go
// files and tests substitute in-memory fakes.
package identity
