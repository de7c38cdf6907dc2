// Copyright 2026 The CUA Authors
// SPDX-License-Identifier: Apache-2.0

package spool

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/jordangomes/cua/lib/clock"
)

type logonRecord struct {
	EventType string `cbor:"event_type"`
	Username  string `cbor:"username"`
}

func openTestSpool(t *testing.T, maxSegment int64) (*Spool, string) {
	t.Helper()
	dir := t.TempDir()
	spool, err := Open(dir, maxSegment, clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { spool.Close() })
	return spool, dir
}

func sealedSegments(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading spool dir: %v", err)
	}
	var segments []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".cbor.zst") {
			segments = append(segments, filepath.Join(dir, entry.Name()))
		}
	}
	return segments
}

func TestAppendRotateReadRoundTrip(t *testing.T) {
	t.Parallel()
	spool, dir := openTestSpool(t, 1<<20)

	for i, name := range []string{"alice", "bob", "carol"} {
		err := spool.Append("logon_logoff_event", logonRecord{EventType: "Logon", Username: name})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if err := spool.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	segments := sealedSegments(t, dir)
	if len(segments) != 1 {
		t.Fatalf("sealed segments: got %d, want 1", len(segments))
	}

	envelopes, err := ReadSegment(segments[0])
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if len(envelopes) != 3 {
		t.Fatalf("envelopes: got %d, want 3", len(envelopes))
	}

	for i, envelope := range envelopes {
		if envelope.Seq != uint64(i+1) {
			t.Errorf("envelope %d: seq %d, want %d", i, envelope.Seq, i+1)
		}
		if envelope.Action != "logon_logoff_event" {
			t.Errorf("envelope %d: action %q", i, envelope.Action)
		}
	}

	var rec logonRecord
	if err := cbor.Unmarshal(envelopes[1].Record, &rec); err != nil {
		t.Fatalf("decoding record body: %v", err)
	}
	if rec.Username != "bob" {
		t.Errorf("record username: got %q, want bob", rec.Username)
	}
}

func TestRotateEmptyIsNoOp(t *testing.T) {
	t.Parallel()
	spool, dir := openTestSpool(t, 1<<20)

	if err := spool.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if got := sealedSegments(t, dir); len(got) != 0 {
		t.Errorf("sealed segments after empty rotate: got %d, want 0", len(got))
	}
}

func TestSizeTriggeredRotation(t *testing.T) {
	t.Parallel()
	spool, dir := openTestSpool(t, 256)

	// Each envelope is tens of bytes; enough appends must spill into
	// multiple segments.
	for i := 0; i < 50; i++ {
		if err := spool.Append("tenant_info", logonRecord{Username: "padding-padding-padding"}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if err := spool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	segments := sealedSegments(t, dir)
	if len(segments) < 2 {
		t.Fatalf("sealed segments: got %d, want at least 2", len(segments))
	}

	// Sequence numbers continue across segments without gaps.
	var seqs []uint64
	for _, segment := range segments {
		envelopes, err := ReadSegment(segment)
		if err != nil {
			t.Fatalf("ReadSegment(%s): %v", segment, err)
		}
		for _, envelope := range envelopes {
			seqs = append(seqs, envelope.Seq)
		}
	}
	if len(seqs) != 50 {
		t.Fatalf("total envelopes: got %d, want 50", len(seqs))
	}
	for i, seq := range seqs {
		if seq != uint64(i+1) {
			t.Fatalf("seq at %d: got %d, want %d", i, seq, i+1)
		}
	}
}

func TestReadSegmentDetectsCorruption(t *testing.T) {
	t.Parallel()
	spool, dir := openTestSpool(t, 1<<20)
	if err := spool.Append("tenant_info", logonRecord{Username: "alice"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := spool.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	segment := sealedSegments(t, dir)[0]
	data, err := os.ReadFile(segment)
	if err != nil {
		t.Fatalf("reading segment: %v", err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(segment, data, 0600); err != nil {
		t.Fatalf("corrupting segment: %v", err)
	}

	if _, err := ReadSegment(segment); err == nil {
		t.Error("ReadSegment accepted a corrupted segment")
	}
}
