// Copyright 2026 The CUA Authors
// SPDX-License-Identifier: Apache-2.0

package winevent

import "encoding/xml"

// Event is a single Security-log event decoded from its rendered XML.
// Events are built once per notification and never mutated afterwards.
type Event struct {
	// System carries the event metadata. Only the fields the agent
	// reads are decoded.
	System System `xml:"System"`

	// EventData carries the event's named payload fields. Nil when
	// the event has no EventData element.
	EventData *EventData `xml:"EventData"`
}

// System is the System element of an event.
type System struct {
	// EventID identifies the event type (4624 logon, 4634 logoff,
	// 4647 user-initiated logoff).
	EventID uint32 `xml:"EventID"`
}

// EventData is the EventData element: an ordered list of named values.
type EventData struct {
	Data []Field `xml:"Data"`
}

// Field is one Data child of EventData.
type Field struct {
	Name  string `xml:"Name,attr"`
	Value string `xml:",chardata"`
}

// Value returns the first field with the given name. The second return
// is false when no such field exists.
func (d *EventData) Value(name string) (string, bool) {
	for _, field := range d.Data {
		if field.Name == name {
			return field.Value, true
		}
	}
	return "", false
}

// ParseXML decodes a rendered event XML document into an Event.
func ParseXML(data []byte) (Event, error) {
	var event Event
	if err := xml.Unmarshal(data, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}

// Category is the semantic classification of an event id.
type Category int

const (
	// Unknown is any event id the agent does not classify.
	Unknown Category = iota
	// Logon is event 4624: an account was successfully logged on.
	Logon
	// Logoff is event 4634: an account was logged off.
	Logoff
	// LogoffInteractive is event 4647: user-initiated logoff.
	LogoffInteractive
)

// Classify maps an event id to its Category. Pure function, no failure
// mode: unrecognized ids are Unknown.
func Classify(eventID uint32) Category {
	switch eventID {
	case 4624:
		return Logon
	case 4634:
		return Logoff
	case 4647:
		return LogoffInteractive
	default:
		return Unknown
	}
}

// String returns the category name used in emitted records.
func (c Category) String() string {
	switch c {
	case Logon:
		return "Logon"
	case Logoff:
		return "Logoff"
	case LogoffInteractive:
		return "LogoffInteractive"
	default:
		return "Unknown"
	}
}

// Category classifies the event by its id.
func (s System) Category() Category { return Classify(s.EventID) }
