// Copyright 2026 The CUA Authors
// SPDX-License-Identifier: Apache-2.0

package winevent

import (
	"fmt"
	"strings"
)

// LogonLogoffQuery builds the Security-channel XPath selecting
// successful logons (4624) whose LogonType is in logonTypes, plus
// user-initiated logoffs (4647). The event log service evaluates the
// expression; the agent never sees non-matching events.
func LogonLogoffQuery(logonTypes []int) string {
	predicates := make([]string, 0, len(logonTypes))
	for _, logonType := range logonTypes {
		predicates = append(predicates, fmt.Sprintf("Data[@Name='LogonType']='%d'", logonType))
	}
	return fmt.Sprintf(
		"Event[(System[(EventID='4624')] and EventData[%s]) or System[(EventID='4647')]]",
		strings.Join(predicates, " or "),
	)
}
