// Copyright 2026 The CUA Authors
// SPDX-License-Identifier: Apache-2.0

// Package spool persists emitted audit records to disk so the trail
// survives log rotation and can be shipped out of band. Records are
// appended to an active segment as length-prefixed, deterministically
// encoded CBOR envelopes; sealed segments are zstd-compressed and
// carry a BLAKE3 digest sidecar for integrity checking.
//
// Sealed segments are written atomically (temporary file, fsync,
// rename) so a reader never sees a partial segment.
package spool

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/jordangomes/cua/lib/clock"
)

// Envelope wraps one spooled record.
type Envelope struct {
	// Seq increases by one per appended record for the lifetime of
	// the spool directory.
	Seq uint64 `cbor:"seq"`
	// Time is when the record was appended.
	Time time.Time `cbor:"time"`
	// Action is the record's action name (see lib/record).
	Action string `cbor:"action"`
	// Record is the CBOR-encoded record body.
	Record cbor.RawMessage `cbor:"record"`
}

// activeName is the in-progress segment file.
const activeName = "active.cbor"

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding: same logical record always produces identical bytes, so
// segment digests are reproducible.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("spool: CBOR encoder initialization failed: " + err.Error())
	}
}

// zstdEncoder and zstdDecoder are reused across calls; both are safe
// for concurrent use via EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("spool: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("spool: zstd decoder initialization failed: " + err.Error())
	}
}

// Spool is an append-only record spool rooted in one directory. Safe
// for concurrent use.
type Spool struct {
	dir        string
	maxSegment int64
	clock      clock.Clock

	mu         sync.Mutex
	active     *os.File
	activeSize int64
	seq        uint64
	sealed     int
}

// Open opens (or creates) a spool in dir. Segments rotate once the
// active file grows past maxSegmentBytes.
func Open(dir string, maxSegmentBytes int64, clk clock.Clock) (*Spool, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}

	active, err := os.OpenFile(filepath.Join(dir, activeName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening active segment: %w", err)
	}
	info, err := active.Stat()
	if err != nil {
		active.Close()
		return nil, fmt.Errorf("stating active segment: %w", err)
	}

	return &Spool{
		dir:        dir,
		maxSegment: maxSegmentBytes,
		clock:      clk,
		active:     active,
		activeSize: info.Size(),
	}, nil
}

// Append encodes the record into an envelope and writes it to the
// active segment, rotating first when the write would overflow the
// segment budget.
func (s *Spool) Append(action string, record any) error {
	body, err := encMode.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	frame, err := encMode.Marshal(Envelope{
		Seq:    s.seq,
		Time:   s.clock.Now(),
		Action: action,
		Record: body,
	})
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	if s.activeSize > 0 && s.activeSize+int64(len(frame))+4 > s.maxSegment {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}

	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(frame)))
	if _, err := s.active.Write(prefix[:]); err != nil {
		return fmt.Errorf("writing frame prefix: %w", err)
	}
	if _, err := s.active.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	s.activeSize += int64(len(frame)) + 4
	return nil
}

// Rotate seals the active segment now. A no-op when the active segment
// is empty.
func (s *Spool) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked()
}

// Close seals any pending records and closes the spool.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rotateLocked(); err != nil {
		s.active.Close()
		return err
	}
	return s.active.Close()
}

// rotateLocked compresses and digests the active segment, writes the
// sealed files atomically, and truncates the active segment.
func (s *Spool) rotateLocked() error {
	if s.activeSize == 0 {
		return nil
	}

	activePath := filepath.Join(s.dir, activeName)
	raw, err := os.ReadFile(activePath)
	if err != nil {
		return fmt.Errorf("reading active segment: %w", err)
	}

	compressed := zstdEncoder.EncodeAll(raw, nil)
	digest := blake3.Sum256(compressed)

	s.sealed++
	base := fmt.Sprintf("segment-%s-%04d", s.clock.Now().UTC().Format("20060102T150405Z"), s.sealed)
	segmentPath := filepath.Join(s.dir, base+".cbor.zst")

	if err := writeFileAtomic(segmentPath, compressed); err != nil {
		return fmt.Errorf("writing sealed segment: %w", err)
	}
	if err := writeFileAtomic(segmentPath+".b3", []byte(hex.EncodeToString(digest[:])+"\n")); err != nil {
		return fmt.Errorf("writing segment digest: %w", err)
	}

	// Reset the active segment. Reopen rather than truncate the
	// existing descriptor: O_APPEND offsets reset with the file.
	if err := s.active.Close(); err != nil {
		return fmt.Errorf("closing active segment: %w", err)
	}
	active, err := os.OpenFile(activePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("reopening active segment: %w", err)
	}
	s.active = active
	s.activeSize = 0
	return nil
}

// writeFileAtomic writes data via a temporary file, fsync, and rename,
// so readers never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return err
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return err
	}
	return nil
}

// ReadSegment opens a sealed segment, verifies its digest sidecar, and
// returns the decoded envelopes in append order.
func ReadSegment(path string) ([]Envelope, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading segment: %w", err)
	}

	sidecar, err := os.ReadFile(path + ".b3")
	if err != nil {
		return nil, fmt.Errorf("reading segment digest: %w", err)
	}
	want := strings.TrimSpace(string(sidecar))
	digest := blake3.Sum256(compressed)
	if got := hex.EncodeToString(digest[:]); got != want {
		return nil, fmt.Errorf("segment digest mismatch: got %s, want %s", got, want)
	}

	raw, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing segment: %w", err)
	}

	return decodeFrames(raw)
}

// decodeFrames splits a raw segment into its length-prefixed envelope
// frames.
func decodeFrames(raw []byte) ([]Envelope, error) {
	var envelopes []Envelope
	for len(raw) > 0 {
		if len(raw) < 4 {
			return nil, fmt.Errorf("truncated frame prefix: %w", io.ErrUnexpectedEOF)
		}
		length := int(binary.LittleEndian.Uint32(raw[:4]))
		raw = raw[4:]
		if length > len(raw) {
			return nil, fmt.Errorf("truncated frame (%d of %d bytes): %w", len(raw), length, io.ErrUnexpectedEOF)
		}

		var envelope Envelope
		if err := cbor.Unmarshal(raw[:length], &envelope); err != nil {
			return nil, fmt.Errorf("decoding envelope: %w", err)
		}
		envelopes = append(envelopes, envelope)
		raw = raw[length:]
	}
	return envelopes, nil
}
