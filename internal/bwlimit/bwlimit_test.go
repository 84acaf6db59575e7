// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package bwlimit

import "testing"

func TestWirePacketBits(t *testing.T) {
	if got := WirePacketBits(0); got != (14+20+8+4)*8 {
		t.Fatalf("WirePacketBits(0) = %d", got)
	}
	if got := WirePacketBits(1384); got != (14+20+8+1384+4)*8 {
		t.Fatalf("WirePacketBits(1384) = %d", got)
	}
}

func TestAddPacketUnderBudgetNotOver(t *testing.T) {
	var l Limiter
	l.Reset()
	// 1 kbps allowed, one small packet: well under the 1000-bit budget.
	if over := l.AddPacket(0.0, 1, 100); over {
		t.Fatal("small packet flagged over budget")
	}
}

func TestAddPacketOverBudget(t *testing.T) {
	var l Limiter
	l.Reset()
	// 1 kbps allowed = 1000 bits/second budget; one packet far larger.
	if over := l.AddPacket(0.0, 1, 100000); !over {
		t.Fatal("oversized packet not flagged over budget")
	}
}

func TestAddPacketWindowResets(t *testing.T) {
	var l Limiter
	l.Reset()
	if over := l.AddPacket(0.0, 1, 900); over {
		t.Fatal("900 bits flagged over a 1000-bit budget")
	}
	// Same window (less than Interval elapsed): accumulates and should
	// now trip the budget.
	if over := l.AddPacket(0.5, 1, 900); !over {
		t.Fatal("1800 bits within one window not flagged over budget")
	}
	// A full interval later, the window resets and a small packet alone
	// should not be over budget.
	if over := l.AddPacket(2.0, 1, 100); over {
		t.Fatal("window did not reset after Interval elapsed")
	}
}

func TestUsageKbpsZeroBeforeSample(t *testing.T) {
	var l Limiter
	l.Reset()
	if got := l.UsageKbps(0.0); got != 0 {
		t.Fatalf("UsageKbps before any elapsed time = %v, want 0", got)
	}
}

func TestUsageKbpsTracksTraffic(t *testing.T) {
	var l Limiter
	l.Reset()
	l.AddPacket(0.0, 1000, 8000) // 8000 bits at t=0
	if got := l.UsageKbps(0.2); got <= 0 {
		t.Fatalf("UsageKbps after traffic = %v, want > 0", got)
	}
}
