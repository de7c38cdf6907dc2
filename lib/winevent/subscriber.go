// Copyright 2026 The CUA Authors
// SPDX-License-Identifier: Apache-2.0

package winevent

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jordangomes/cua/lib/clock"
)

// Handler receives each admitted event. It runs synchronously on the
// OS-owned dispatch thread: keep it bounded in duration, since a slow
// handler delays delivery of subsequent notifications.
type Handler func(Event)

// Subscriber registers interest in Security-log events. The production
// implementation is NewSubscriber (Windows only); tests use fakes.
type Subscriber interface {
	// Subscribe registers the query against the Security channel.
	// Events matching the query are debounced by window (zero
	// disables debouncing) and handed to handler. Registration
	// failure (insufficient privilege, malformed query) is returned
	// to the caller; the process keeps running without the source.
	Subscribe(query string, window time.Duration, handler Handler) (*Subscription, error)
}

// Subscription is an active registration. Close releases the native
// handle and removes the owned context from the registry; it is safe
// to call once per subscription.
type Subscription struct {
	id    uintptr
	close func() error
}

// Close tears the subscription down. Callbacks already in flight on
// the dispatch thread complete; late callbacks after Close miss the
// registry lookup and are ignored.
func (s *Subscription) Close() error {
	unregisterContext(s.id)
	if s.close != nil {
		return s.close()
	}
	return nil
}

// NewTestSubscription wraps a close function in a Subscription without
// a registry entry. For fakes in tests of subscription consumers.
func NewTestSubscription(close func() error) *Subscription {
	return &Subscription{close: close}
}

// subContext owns everything a native dispatch needs: the handler, the
// debounce gate, and the logger. The native layer never holds a Go
// pointer to it — dispatches carry the registry id and look the
// context up, so a context can never be reached after Close.
type subContext struct {
	handler Handler
	gate    *Gate
	logger  *slog.Logger
}

var (
	registryMu sync.Mutex
	registry   = map[uintptr]*subContext{}
	nextID     uintptr
)

// registerContext stores ctx and returns its id.
func registerContext(ctx *subContext) uintptr {
	registryMu.Lock()
	defer registryMu.Unlock()
	nextID++
	registry[nextID] = ctx
	return nextID
}

// lookupContext returns the context for id, or nil after Close.
func lookupContext(id uintptr) *subContext {
	registryMu.Lock()
	defer registryMu.Unlock()
	return registry[id]
}

// unregisterContext removes the context. Exactly one removal per
// subscription, performed by Close.
func unregisterContext(id uintptr) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, id)
}

// dispatch runs one rendered-and-decoded event through the gate and,
// when admitted, the handler. Shared by the native callback and tests.
func (c *subContext) dispatch(event Event) {
	if !c.gate.Allow() {
		return
	}
	c.handler(event)
}

// newSubContext wires a handler with a debounce gate on the given
// clock.
func newSubContext(handler Handler, window time.Duration, clk clock.Clock, logger *slog.Logger) *subContext {
	return &subContext{
		handler: handler,
		gate:    NewGate(window, clk),
		logger:  logger,
	}
}
