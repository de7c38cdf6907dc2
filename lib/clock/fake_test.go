// Copyright 2026 The CUA Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeNowAdvance(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := Fake(start)

	if got := fake.Now(); !got.Equal(start) {
		t.Errorf("Now: got %v, want %v", got, start)
	}

	fake.Advance(90 * time.Second)
	want := start.Add(90 * time.Second)
	if got := fake.Now(); !got.Equal(want) {
		t.Errorf("Now after Advance: got %v, want %v", got, want)
	}
}

func TestFakeTickerFires(t *testing.T) {
	t.Parallel()
	fake := Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ticker := fake.NewTicker(time.Second)
	defer ticker.Stop()

	fake.Advance(time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire after advancing one interval")
	}

	// Half an interval: no tick.
	fake.Advance(500 * time.Millisecond)
	select {
	case <-ticker.C:
		t.Fatal("ticker fired before the interval elapsed")
	default:
	}
}

func TestFakeTickerStopped(t *testing.T) {
	t.Parallel()
	fake := Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ticker := fake.NewTicker(time.Second)
	ticker.Stop()

	fake.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeSleepReturnsAfterAdvance(t *testing.T) {
	t.Parallel()
	fake := Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	done := make(chan struct{})
	go func() {
		fake.Sleep(time.Second)
		close(done)
	}()

	// Give the sleeper time to register, then release it.
	for i := 0; i < 100; i++ {
		fake.Advance(100 * time.Millisecond)
		select {
		case <-done:
			return
		default:
			time.Sleep(time.Millisecond)
		}
	}
	t.Fatal("Sleep did not return after the clock advanced past its deadline")
}
