// Copyright 2026 The CUA Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent wires the Security-log subscription to the identity
// collectors and the record emitter, and owns cooperative shutdown.
//
// Data flows one direction: native notification → classification and
// parsing → debounce → whitelist check → identity collection →
// emission. A failure in any one pass is logged and never terminates
// the agent.
package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jordangomes/cua/lib/clock"
	"github.com/jordangomes/cua/lib/identity"
	"github.com/jordangomes/cua/lib/record"
	"github.com/jordangomes/cua/lib/winevent"
)

// DeviceEnumerator produces device-join records. Implemented by
// identity.Correlator.
type DeviceEnumerator interface {
	JoinInfos() ([]identity.JoinInfo, error)
}

// UserResolver resolves the active console user. Implemented by
// identity.Resolver.
type UserResolver interface {
	Resolve() (*identity.UserInfo, error)
}

// Options carries the agent's tunables.
type Options struct {
	// LogonTypes are the 4624 LogonType values to subscribe to.
	LogonTypes []int

	// Debounce is the minimum interval between accepted event
	// callbacks. Zero disables debouncing.
	Debounce time.Duration

	// WhitelistSIDPrefixes are SID prefixes that never trigger
	// collection (service and virtual accounts).
	WhitelistSIDPrefixes []string

	// PollInterval is the cadence of the shutdown poll loop.
	PollInterval time.Duration
}

// Agent is the orchestrator.
type Agent struct {
	logger     *slog.Logger
	subscriber winevent.Subscriber
	devices    DeviceEnumerator
	users      UserResolver
	emitter    record.Emitter
	clock      clock.Clock
	opts       Options
}

// New assembles an Agent. All collaborators are required except that
// tests may pass nil for collectors they do not exercise.
func New(logger *slog.Logger, subscriber winevent.Subscriber, devices DeviceEnumerator,
	users UserResolver, emitter record.Emitter, clk clock.Clock, opts Options) *Agent {
	return &Agent{
		logger:     logger,
		subscriber: subscriber,
		devices:    devices,
		users:      users,
		emitter:    emitter,
		clock:      clk,
		opts:       opts,
	}
}

// Run subscribes to logon/logoff events and blocks until ctx is
// cancelled. Subscription failure is logged and the agent keeps
// running without the event source — registration failure must never
// take the service down. On shutdown the subscription is closed
// explicitly; in-flight callbacks on the dispatch thread are not
// interrupted.
func (a *Agent) Run(ctx context.Context) error {
	query := winevent.LogonLogoffQuery(a.opts.LogonTypes)

	subscription, err := a.subscriber.Subscribe(query, a.opts.Debounce, a.handleEvent)
	if err != nil {
		a.logger.Error("starting logon watcher", "action", "logon_watcher_start", "error", err)
	} else {
		a.logger.Info("logon watcher started", "action", "logon_watcher_start")
	}

	ticker := a.clock.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("shutdown signal received", "action", "service_shutdown")
			if subscription != nil {
				if err := subscription.Close(); err != nil {
					a.logger.Error("closing subscription", "action", "service_shutdown", "error", err)
				}
			}
			return nil
		case <-ticker.C:
			// Shutdown poll tick; nothing else to do.
		}
	}
}

// handleEvent runs on the native dispatch thread for each admitted
// event. It must stay bounded in duration: a slow pass here delays
// delivery of subsequent notifications.
func (a *Agent) handleEvent(event winevent.Event) {
	if event.EventData == nil {
		a.logger.Warn("event carries no event data",
			"action", "logon_logoff_event", "event_id", event.System.EventID)
		return
	}

	sid, ok := event.EventData.Value("TargetUserSid")
	if !ok {
		return
	}
	if a.whitelisted(sid) {
		return
	}

	username, _ := event.EventData.Value("TargetUserName")
	logonType, _ := event.EventData.Value("LogonType")

	a.emitter.LogonEvent(record.LogonEvent{
		EventType: event.System.Category().String(),
		UserSID:   sid,
		Username:  username,
		LogonType: logonType,
	})

	a.collect()
}

// whitelisted reports whether the SID belongs to a well-known
// non-interactive system account that must never trigger collection.
func (a *Agent) whitelisted(sid string) bool {
	for _, prefix := range a.opts.WhitelistSIDPrefixes {
		if strings.HasPrefix(sid, prefix) {
			return true
		}
	}
	return false
}

// collect runs one identity collection pass. Each half fails
// independently: a device correlation error never suppresses the user
// identity record, and vice versa. Device passes are all-or-nothing —
// on error no partial list is emitted for that cycle.
func (a *Agent) collect() {
	infos, err := a.devices.JoinInfos()
	if err != nil {
		a.logger.Error("collecting device join info", "action", "tenant_info", "error", err)
	} else {
		for _, info := range infos {
			a.emitter.DeviceIdentity(record.DeviceIdentity{
				TenantID:       info.TenantID,
				DeviceID:       info.DeviceID,
				RegisteredUser: info.RegisteredUser,
			})
		}
	}

	user, err := a.users.Resolve()
	switch {
	case err != nil:
		a.logger.Error("resolving current user", "action", "current_user_info", "error", err)
	case user == nil:
		a.emitter.NoCurrentUser()
	default:
		a.emitter.UserIdentity(record.UserIdentity{
			UserSID:         user.SID,
			Username:        user.Username,
			UserType:        user.Type.String(),
			AzureADObjectID: user.CloudObjectID,
		})
	}
}
