// Copyright 2026 The CUA Authors
// SPDX-License-Identifier: Apache-2.0

// Package record defines the structured audit records the agent emits,
// one type per logical action, and the emitter that writes them to the
// structured log and optionally mirrors them into the durable spool.
package record

import "log/slog"

// Action names. These are stable identifiers consumed by downstream
// security pipelines; changing them is a breaking change.
const (
	ActionLogonLogoff = "logon_logoff_event"
	ActionTenantInfo  = "tenant_info"
	ActionUserInfo    = "current_user_info"
)

// LogonEvent records one detected logon/logoff.
type LogonEvent struct {
	// EventType is the classified category name (Logon, Logoff,
	// LogoffInteractive, Unknown).
	EventType string `cbor:"event_type" json:"event_type"`
	UserSID   string `cbor:"user_sid" json:"user_sid"`
	Username  string `cbor:"username" json:"username"`
	// LogonType is the raw LogonType field text; empty for logoffs.
	LogonType string `cbor:"logon_type" json:"logon_type"`
}

// DeviceIdentity records one device-join correlation result.
type DeviceIdentity struct {
	TenantID string `cbor:"tenant_id" json:"tenant_id"`
	// DeviceID is empty when no join certificate matched the tenant.
	DeviceID       string `cbor:"device_id" json:"device_id"`
	RegisteredUser string `cbor:"registered_user" json:"registered_user"`
}

// UserIdentity records the resolved console user.
type UserIdentity struct {
	UserSID  string `cbor:"user_sid" json:"user_sid"`
	Username string `cbor:"username" json:"username"`
	UserType string `cbor:"user_type" json:"user_type"`
	// AzureADObjectID is present only for AzureAD users whose SID
	// decodes to an object identifier.
	AzureADObjectID string `cbor:"azure_ad_object_id,omitempty" json:"azure_ad_object_id,omitempty"`
}

// Emitter receives the records produced by a collection pass.
type Emitter interface {
	LogonEvent(LogonEvent)
	DeviceIdentity(DeviceIdentity)
	UserIdentity(UserIdentity)
	// NoCurrentUser is the non-error "no one is signed in" outcome.
	NoCurrentUser()
}

// Sink is the durable side-channel for emitted records. lib/spool
// implements it; the emitter treats it as optional.
type Sink interface {
	Append(action string, record any) error
}

// LogEmitter writes each record as a structured log line and, when a
// sink is configured, mirrors it into the spool. Spool failures are
// logged and never block emission — the structured log is the primary
// output.
type LogEmitter struct {
	logger *slog.Logger
	sink   Sink
}

// NewLogEmitter returns an emitter writing to logger. sink may be nil.
func NewLogEmitter(logger *slog.Logger, sink Sink) *LogEmitter {
	return &LogEmitter{logger: logger, sink: sink}
}

func (e *LogEmitter) LogonEvent(rec LogonEvent) {
	e.logger.Info("logon/logoff detected",
		"action", ActionLogonLogoff,
		"event_type", rec.EventType,
		"user_sid", rec.UserSID,
		"username", rec.Username,
		"logon_type", rec.LogonType,
	)
	e.spool(ActionLogonLogoff, rec)
}

func (e *LogEmitter) DeviceIdentity(rec DeviceIdentity) {
	e.logger.Info("device join identity",
		"action", ActionTenantInfo,
		"tenant_id", rec.TenantID,
		"device_id", rec.DeviceID,
		"registered_user", rec.RegisteredUser,
	)
	e.spool(ActionTenantInfo, rec)
}

func (e *LogEmitter) UserIdentity(rec UserIdentity) {
	attrs := []any{
		"action", ActionUserInfo,
		"user_sid", rec.UserSID,
		"username", rec.Username,
		"user_type", rec.UserType,
	}
	if rec.AzureADObjectID != "" {
		attrs = append(attrs, "azure_ad_object_id", rec.AzureADObjectID)
	}
	e.logger.Info("current user identity", attrs...)
	e.spool(ActionUserInfo, rec)
}

func (e *LogEmitter) NoCurrentUser() {
	e.logger.Info("no user currently logged in", "action", ActionUserInfo)
}

func (e *LogEmitter) spool(action string, rec any) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Append(action, rec); err != nil {
		e.logger.Error("spooling record", "action", action, "error", err)
	}
}
