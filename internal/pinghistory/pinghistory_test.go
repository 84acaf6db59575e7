// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package pinghistory

import "testing"

func TestPingSentAssignsAscendingSequences(t *testing.T) {
	h := New()
	a := h.PingSent(1.0)
	b := h.PingSent(1.1)
	if b != a+1 {
		t.Fatalf("sequences = %d, %d; want consecutive", a, b)
	}
}

func TestPongReceivedIgnoresEvictedSlot(t *testing.T) {
	h := New()
	seq := h.PingSent(0.0)
	// Advance the ring all the way around so seq's slot is overwritten by a
	// later ping before its pong arrives.
	for i := 0; i < EntryCount; i++ {
		h.PingSent(float64(i) + 1)
	}
	h.PongReceived(seq, 100.0) // stale sequence, must be a silent no-op

	// The slot that used to hold seq now holds the wraparound ping sent at
	// i=255 (sequence 256, sent at float64(255)+1 == 256.0); the late pong
	// for seq must not have been recorded against it.
	e := &h.entries[seq%EntryCount]
	if e.sequence == seq {
		t.Fatalf("slot still reports the stale sequence %d", seq)
	}
	if e.recv == 100.0 {
		t.Fatal("a pong for an evicted sequence was recorded into the new occupant's slot")
	}
}

func TestDeriveNoTrafficYieldsZeroValueStats(t *testing.T) {
	h := New()
	stats := Derive(h, 0, 10, 1.0)
	if stats.LossPercent != 0 {
		t.Fatalf("LossPercent = %v, want 0 with no pings sent", stats.LossPercent)
	}
	if stats.RTTMillis != 10000.0 {
		t.Fatalf("RTTMillis = %v, want the no-data sentinel 10000", stats.RTTMillis)
	}
	if stats.JitterMillis != 0 {
		t.Fatalf("JitterMillis = %v, want 0 with no pongs", stats.JitterMillis)
	}
}

func TestDeriveAllAckedHasZeroLoss(t *testing.T) {
	h := New()
	seq1 := h.PingSent(1.0)
	h.PongReceived(seq1, 1.02)
	seq2 := h.PingSent(2.0)
	h.PongReceived(seq2, 2.03)

	stats := Derive(h, 0.0, 10.0, 1.0)
	if stats.LossPercent != 0 {
		t.Fatalf("LossPercent = %v, want 0 when every ping was acked", stats.LossPercent)
	}
	if stats.RTTMillis <= 0 || stats.RTTMillis > 100 {
		t.Fatalf("RTTMillis = %v, want a small positive value", stats.RTTMillis)
	}
}

func TestDeriveUnackedPingWithinWindowIsLoss(t *testing.T) {
	h := New()
	h.PingSent(1.0) // never acked

	// pingSafety excludes pings sent within the final pingSafety seconds of
	// the window from the loss computation; keep end far enough past 1.0.
	stats := Derive(h, 0.0, 5.0, 1.0)
	if stats.LossPercent != 100 {
		t.Fatalf("LossPercent = %v, want 100 for an unacked ping outside the safety margin", stats.LossPercent)
	}
}

func TestDeriveExcludesPingsWithinSafetyMargin(t *testing.T) {
	h := New()
	h.PingSent(4.5) // sent within the last 1.0s of a [0,5] window

	stats := Derive(h, 0.0, 5.0, 1.0)
	if stats.LossPercent != 0 {
		t.Fatalf("LossPercent = %v, want 0: the only ping sent is inside the safety margin and excluded", stats.LossPercent)
	}
}

func TestClearResetsRing(t *testing.T) {
	h := New()
	h.PingSent(1.0)
	h.Clear()
	stats := Derive(h, 0.0, 10.0, 1.0)
	if stats.LossPercent != 0 || stats.RTTMillis != 10000.0 {
		t.Fatalf("stats after Clear = %+v, want the fresh-history defaults", stats)
	}
}
