// Copyright 2026 The CUA Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jordangomes/cua/lib/clock"
	"github.com/jordangomes/cua/lib/identity"
	"github.com/jordangomes/cua/lib/record"
	"github.com/jordangomes/cua/lib/winevent"
)

// fakeSubscriber hands the registered handler back to the test and
// tracks teardown. Subscribe runs on the agent's goroutine, so the
// fields are mutex-guarded.
type fakeSubscriber struct {
	err error

	mu      sync.Mutex
	handler winevent.Handler
	query   string
	window  time.Duration
	closed  bool
}

func (f *fakeSubscriber) Subscribe(query string, window time.Duration, handler winevent.Handler) (*winevent.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.query = query
	f.window = window
	f.handler = handler
	f.mu.Unlock()
	return winevent.NewTestSubscription(func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.closed = true
		return nil
	}), nil
}

// Handler spins until the agent has subscribed, then returns the
// registered handler.
func (f *fakeSubscriber) Handler(t *testing.T) winevent.Handler {
	t.Helper()
	for i := 0; i < 1000; i++ {
		f.mu.Lock()
		handler := f.handler
		f.mu.Unlock()
		if handler != nil {
			return handler
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("agent never subscribed")
	return nil
}

func (f *fakeSubscriber) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSubscriber) Params() (string, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.query, f.window
}

type fakeDevices struct {
	infos []identity.JoinInfo
	err   error
}

func (f *fakeDevices) JoinInfos() ([]identity.JoinInfo, error) { return f.infos, f.err }

type fakeUsers struct {
	info *identity.UserInfo
	err  error
}

func (f *fakeUsers) Resolve() (*identity.UserInfo, error) { return f.info, f.err }

// captureEmitter records every emission in order.
type captureEmitter struct {
	mu      sync.Mutex
	logons  []record.LogonEvent
	devices []record.DeviceIdentity
	users   []record.UserIdentity
	noUser  int
}

func (c *captureEmitter) LogonEvent(r record.LogonEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logons = append(c.logons, r)
}

func (c *captureEmitter) DeviceIdentity(r record.DeviceIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices = append(c.devices, r)
}

func (c *captureEmitter) UserIdentity(r record.UserIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users = append(c.users, r)
}

func (c *captureEmitter) NoCurrentUser() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noUser++
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	return Options{
		LogonTypes:           []int{2, 7, 10, 11},
		Debounce:             100 * time.Millisecond,
		WhitelistSIDPrefixes: []string{"S-1-5-96", "S-1-5-90"},
		PollInterval:         100 * time.Millisecond,
	}
}

// startAgent runs the agent until the test finishes and returns once
// the subscription handler is registered.
func startAgent(t *testing.T, a *Agent) (cancel func(), wait func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	return stop, func() error {
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("agent did not stop")
			return nil
		}
	}
}

func logonEvent(sid, username, logonType string) winevent.Event {
	return winevent.Event{
		System: winevent.System{EventID: 4624},
		EventData: &winevent.EventData{Data: []winevent.Field{
			{Name: "TargetUserSid", Value: sid},
			{Name: "TargetUserName", Value: username},
			{Name: "LogonType", Value: logonType},
		}},
	}
}

func TestEndToEndLogonEmission(t *testing.T) {
	t.Parallel()
	subscriber := &fakeSubscriber{}
	emitter := &captureEmitter{}
	devices := &fakeDevices{infos: []identity.JoinInfo{
		{TenantID: "tenant-a", DeviceID: "device-1", RegisteredUser: "alice@example.com"},
		{TenantID: "tenant-b", DeviceID: "", RegisteredUser: "bob@example.com"},
	}}
	users := &fakeUsers{info: &identity.UserInfo{
		SID:           "S-1-12-1-1-2-3-4",
		Username:      "alice@example.com",
		Type:          identity.UserAzureAD,
		CloudObjectID: "01000000-0200-0000-0300-000004000000",
	}}

	a := New(testLogger(), subscriber, devices, users, emitter,
		clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), testOptions())
	cancel, wait := startAgent(t, a)
	defer wait()
	defer cancel()

	// The XML-rendered form of this event is covered by winevent's
	// parser tests; here the decoded Event enters the pipeline.
	handler := subscriber.Handler(t)
	handler(logonEvent("S-1-5-21-1004336348-1177238915-682003330-1013", "alice", "10"))

	want := record.LogonEvent{
		EventType: "Logon",
		UserSID:   "S-1-5-21-1004336348-1177238915-682003330-1013",
		Username:  "alice",
		LogonType: "10",
	}
	if len(emitter.logons) != 1 || emitter.logons[0] != want {
		t.Errorf("logon records: got %+v, want [%+v]", emitter.logons, want)
	}

	// Both join entries are emitted, including the empty-device one.
	if len(emitter.devices) != 2 {
		t.Fatalf("device records: got %d, want 2", len(emitter.devices))
	}
	if emitter.devices[1].DeviceID != "" {
		t.Errorf("second device record id: got %q, want empty", emitter.devices[1].DeviceID)
	}

	if len(emitter.users) != 1 {
		t.Fatalf("user records: got %d, want 1", len(emitter.users))
	}
	if got := emitter.users[0]; got.UserType != "AzureAD" || got.AzureADObjectID == "" {
		t.Errorf("user record: got %+v", got)
	}
}

func TestWhitelistedSIDSuppressesCollection(t *testing.T) {
	t.Parallel()
	subscriber := &fakeSubscriber{}
	emitter := &captureEmitter{}
	devices := &fakeDevices{}
	users := &fakeUsers{}

	a := New(testLogger(), subscriber, devices, users, emitter,
		clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), testOptions())
	cancel, wait := startAgent(t, a)
	defer wait()
	defer cancel()

	handler := subscriber.Handler(t)
	handler(logonEvent("S-1-5-96-0-1", "UMFD-1", "2"))
	handler(logonEvent("S-1-5-90-0-1", "DWM-1", "2"))

	if len(emitter.logons) != 0 || len(emitter.devices) != 0 || len(emitter.users) != 0 || emitter.noUser != 0 {
		t.Errorf("whitelisted SIDs triggered emission: %+v", emitter)
	}
}

func TestMissingEventDataIsDropped(t *testing.T) {
	t.Parallel()
	subscriber := &fakeSubscriber{}
	emitter := &captureEmitter{}

	a := New(testLogger(), subscriber, &fakeDevices{}, &fakeUsers{}, emitter,
		clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), testOptions())
	cancel, wait := startAgent(t, a)
	defer wait()
	defer cancel()

	subscriber.Handler(t)(winevent.Event{System: winevent.System{EventID: 4647}})

	if len(emitter.logons) != 0 {
		t.Errorf("event without data produced records: %+v", emitter.logons)
	}
}

func TestDeviceFailureDoesNotSuppressUserIdentity(t *testing.T) {
	t.Parallel()
	subscriber := &fakeSubscriber{}
	emitter := &captureEmitter{}
	devices := &fakeDevices{err: fmt.Errorf("registry unavailable")}
	users := &fakeUsers{info: &identity.UserInfo{SID: "S-1-5-21-9", Username: `CORP\bob`, Type: identity.UserDomainOrLocal}}

	a := New(testLogger(), subscriber, devices, users, emitter,
		clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), testOptions())
	cancel, wait := startAgent(t, a)
	defer wait()
	defer cancel()

	subscriber.Handler(t)(logonEvent("S-1-5-21-9", "bob", "2"))

	if len(emitter.devices) != 0 {
		t.Errorf("device records emitted despite failure: %+v", emitter.devices)
	}
	if len(emitter.users) != 1 {
		t.Errorf("user records: got %d, want 1", len(emitter.users))
	}
}

func TestNoCurrentUserEmitted(t *testing.T) {
	t.Parallel()
	subscriber := &fakeSubscriber{}
	emitter := &captureEmitter{}

	a := New(testLogger(), subscriber, &fakeDevices{}, &fakeUsers{info: nil}, emitter,
		clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), testOptions())
	cancel, wait := startAgent(t, a)
	defer wait()
	defer cancel()

	subscriber.Handler(t)(logonEvent("S-1-5-21-9", "bob", "2"))

	if emitter.noUser != 1 {
		t.Errorf("NoCurrentUser emissions: got %d, want 1", emitter.noUser)
	}
}

func TestRegistrationFailureKeepsRunning(t *testing.T) {
	t.Parallel()
	subscriber := &fakeSubscriber{err: fmt.Errorf("access denied")}

	a := New(testLogger(), subscriber, &fakeDevices{}, &fakeUsers{}, &captureEmitter{},
		clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), testOptions())
	cancel, wait := startAgent(t, a)

	// The agent stays up without the event source and exits cleanly
	// on cancellation.
	cancel()
	if err := wait(); err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestShutdownClosesSubscription(t *testing.T) {
	t.Parallel()
	subscriber := &fakeSubscriber{}

	a := New(testLogger(), subscriber, &fakeDevices{}, &fakeUsers{}, &captureEmitter{},
		clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), testOptions())
	cancel, wait := startAgent(t, a)
	subscriber.Handler(t)

	cancel()
	if err := wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !subscriber.Closed() {
		t.Error("subscription not closed on shutdown")
	}
}

func TestSubscribeParameters(t *testing.T) {
	t.Parallel()
	subscriber := &fakeSubscriber{}

	a := New(testLogger(), subscriber, &fakeDevices{}, &fakeUsers{}, &captureEmitter{},
		clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), testOptions())
	cancel, wait := startAgent(t, a)
	defer wait()
	defer cancel()
	subscriber.Handler(t)

	query, window := subscriber.Params()
	if window != 100*time.Millisecond {
		t.Errorf("debounce window: got %v, want 100ms", window)
	}
	if query == "" {
		t.Error("empty subscription query")
	}
}
