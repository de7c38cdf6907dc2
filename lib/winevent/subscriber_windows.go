// Copyright 2026 The CUA Authors
// SPDX-License-Identifier: Apache-2.0

//go:build windows

package winevent

import (
	"fmt"
	"log/slog"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/jordangomes/cua/lib/clock"
)

// Event log API constants (winevt.h).
const (
	evtSubscribeToFutureEvents = 1
	evtRenderEventXML          = 1

	evtSubscribeActionError   = 0
	evtSubscribeActionDeliver = 1
)

// renderBufferChars sizes the EvtRender output buffer. 64 K UTF-16
// code units comfortably holds any Security event XML.
const renderBufferChars = 65000

var (
	modwevtapi = windows.NewLazySystemDLL("wevtapi.dll")

	procEvtSubscribe = modwevtapi.NewProc("EvtSubscribe")
	procEvtRender    = modwevtapi.NewProc("EvtRender")
	procEvtClose     = modwevtapi.NewProc("EvtClose")
)

// eventCallbackPtr is the single trampoline shared by every
// subscription. The OS passes back the registry id we handed to
// EvtSubscribe; the trampoline looks the owned context up and never
// dereferences application memory directly.
var eventCallbackPtr = syscall.NewCallback(handleNativeEvent)

// NewSubscriber returns the production Subscriber backed by the
// Windows event log API. The clock feeds each subscription's debounce
// gate.
func NewSubscriber(logger *slog.Logger, clk clock.Clock) Subscriber {
	return &windowsSubscriber{logger: logger, clock: clk}
}

type windowsSubscriber struct {
	logger *slog.Logger
	clock  clock.Clock
}

// Subscribe registers the query against the Security channel for
// future events. See the Subscriber contract for failure semantics.
func (s *windowsSubscriber) Subscribe(query string, window time.Duration, handler Handler) (*Subscription, error) {
	channelPtr, err := windows.UTF16PtrFromString("Security")
	if err != nil {
		return nil, fmt.Errorf("encoding channel path: %w", err)
	}
	queryPtr, err := windows.UTF16PtrFromString(query)
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}

	id := registerContext(newSubContext(handler, window, s.clock, s.logger))

	handle, _, callErr := procEvtSubscribe.Call(
		0, // session: local machine
		0, // signal event: none, callback delivery
		uintptr(unsafe.Pointer(channelPtr)),
		uintptr(unsafe.Pointer(queryPtr)),
		0,  // bookmark
		id, // context: registry id, not a pointer
		eventCallbackPtr,
		evtSubscribeToFutureEvents,
	)
	if handle == 0 {
		unregisterContext(id)
		return nil, fmt.Errorf("EvtSubscribe: %w", callErr)
	}

	return &Subscription{
		id: id,
		close: func() error {
			ok, _, closeErr := procEvtClose.Call(handle)
			if ok == 0 {
				return fmt.Errorf("EvtClose: %w", closeErr)
			}
			return nil
		},
	}, nil
}

// handleNativeEvent is the EVT_SUBSCRIBE_CALLBACK trampoline. It runs
// on a dispatch thread owned by the event log service. Render and
// decode failures are logged and the event dropped; the handler is
// only invoked for a fully decoded event admitted by the gate.
func handleNativeEvent(action uintptr, userContext uintptr, eventHandle uintptr) uintptr {
	ctx := lookupContext(userContext)
	if ctx == nil {
		// Late dispatch after Close. Nothing owns the context
		// anymore; drop the event.
		return 0
	}

	switch action {
	case evtSubscribeActionDeliver:
		data, err := renderEventXML(eventHandle)
		if err != nil {
			ctx.logger.Error("rendering event", "error", err)
			return 0
		}
		event, err := ParseXML(data)
		if err != nil {
			ctx.logger.Error("decoding event xml", "error", err)
			return 0
		}
		ctx.dispatch(event)
	case evtSubscribeActionError:
		// On error actions the handle parameter carries a status
		// code instead of an event handle.
		ctx.logger.Error("event subscription delivery error",
			"status", fmt.Sprintf("0x%x", eventHandle))
	default:
		ctx.logger.Error("unhandled event subscription action", "action", action)
	}
	return 0
}

// renderEventXML renders the native event handle to its XML document.
func renderEventXML(eventHandle uintptr) ([]byte, error) {
	buffer := make([]uint16, renderBufferChars)
	var bufferUsed, propertyCount uint32

	ok, _, callErr := procEvtRender.Call(
		0, // context: not needed for EvtRenderEventXml
		eventHandle,
		evtRenderEventXML,
		uintptr(len(buffer)*2), // size in bytes
		uintptr(unsafe.Pointer(&buffer[0])),
		uintptr(unsafe.Pointer(&bufferUsed)),
		uintptr(unsafe.Pointer(&propertyCount)),
	)
	if ok == 0 {
		return nil, fmt.Errorf("EvtRender: %w", callErr)
	}

	return []byte(windows.UTF16ToString(buffer)), nil
}
