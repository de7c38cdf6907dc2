// Copyright 2026 The CUA Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// cloudSIDPrefix identifies Azure AD (Entra) principals. The four
// sub-authorities that follow encode the directory object id.
const cloudSIDPrefix = "S-1-12-1"

// IsCloudSID reports whether the SID belongs to a cloud (Entra)
// principal.
func IsCloudSID(sid string) bool {
	return strings.HasPrefix(sid, cloudSIDPrefix)
}

// CloudObjectID decodes a cloud SID into the canonical directory
// object identifier. The first four numeric sub-authorities after the
// prefix are each encoded as 4 little-endian bytes and the resulting
// 16 bytes read as a UUID. Returns ("", false) when fewer than four
// numeric sub-authorities are present — absence, not an error.
//
// Decoding is deterministic: the same SID always yields the same
// identifier.
func CloudObjectID(sid string) (string, bool) {
	rest := strings.TrimPrefix(sid, cloudSIDPrefix+"-")

	var parts []uint32
	for _, field := range strings.Split(rest, "-") {
		value, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			continue
		}
		parts = append(parts, uint32(value))
	}
	if len(parts) < 4 {
		return "", false
	}

	bytes := make([]byte, 0, 16)
	for _, part := range parts[:4] {
		bytes = binary.LittleEndian.AppendUint32(bytes, part)
	}
	for len(bytes) < 16 {
		// Unreachable with four 4-byte authorities; kept so a short
		// slice can never reach uuid.FromBytes.
		bytes = append(bytes, 0)
	}

	id, err := uuid.FromBytes(bytes)
	if err != nil {
		return "", false
	}
	return id.String(), true
}
