// Copyright 2026 The CUA Authors
// SPDX-License-Identifier: Apache-2.0

// Package winevent subscribes to the Windows Security event log and
// turns the native, callback-driven notification stream into a typed,
// rate-limited sequence of Event values.
//
// The native layer (EvtSubscribe/EvtRender, build-tagged for Windows)
// renders each delivered event to XML and decodes it into an Event.
// A per-subscription debounce Gate suppresses bursts before the
// caller's handler runs. Handlers run synchronously on the dispatch
// thread the OS owns and must be bounded in duration.
//
// Subscription contexts are owned by a package-level registry keyed by
// an opaque id; only the id crosses the native boundary, never a Go
// pointer. Close removes the registry entry and releases the native
// subscription handle.
package winevent
