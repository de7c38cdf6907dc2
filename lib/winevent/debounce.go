// Copyright 2026 The CUA Authors
// SPDX-License-Identifier: Apache-2.0

package winevent

import (
	"sync"
	"time"

	"github.com/jordangomes/cua/lib/clock"
)

// Gate is a leaky bucket of size one: it admits an invocation, then
// suppresses further invocations until the window has elapsed.
// Suppressed invocations are dropped, never buffered or replayed.
//
// The event log service does not guarantee single-threaded delivery,
// so Allow is safe for concurrent use; the admitted-at timestamp is
// updated under the mutex before the decision is returned and is
// monotonically non-decreasing.
type Gate struct {
	window time.Duration
	clock  clock.Clock

	mu    sync.Mutex
	last  time.Time
	fired bool
}

// NewGate returns a Gate with the given window. A zero window admits
// everything.
func NewGate(window time.Duration, clk clock.Clock) *Gate {
	return &Gate{window: window, clock: clk}
}

// Allow reports whether an invocation may proceed now. On admission
// the gate records the invocation time before releasing its guard.
func (g *Gate) Allow() bool {
	if g.window <= 0 {
		return true
	}

	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.fired && now.Sub(g.last) < g.window {
		return false
	}
	g.fired = true
	g.last = now
	return true
}
