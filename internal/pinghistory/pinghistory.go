// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package pinghistory implements the 256-slot ping-history ring buffer and
// the route-stats derivation (RTT mean, jitter, loss) over a time window,
// as used by the ping manager for both the relay mesh and any other
// periodic latency probe.
package pinghistory

import "math"

// EntryCount is the number of ring slots.
const EntryCount = 256

// InvalidSequence marks a slot that has never held a ping.
const InvalidSequence = ^uint64(0)

type entry struct {
	sequence uint64
	sent     float64 // seconds, monotonic clock
	recv     float64 // -1 if no pong seen yet
}

// History is a 256-slot ring of (sequence, send-time, recv-time).
type History struct {
	sequence uint64
	entries  [EntryCount]entry
}

// New returns a cleared History.
func New() *History {
	h := &History{}
	h.Clear()
	return h
}

// Clear resets every slot to "never sent".
func (h *History) Clear() {
	h.sequence = 0
	for i := range h.entries {
		h.entries[i] = entry{sequence: InvalidSequence, sent: -1, recv: -1}
	}
}

// PingSent records a new outbound ping at time now and returns its sequence.
func (h *History) PingSent(now float64) uint64 {
	idx := h.sequence % EntryCount
	h.entries[idx] = entry{sequence: h.sequence, sent: now, recv: -1}
	seq := h.sequence
	h.sequence++
	return seq
}

// PongReceived records a pong arrival, if the slot still holds that
// sequence (an evicted/overwritten slot silently ignores a late pong).
func (h *History) PongReceived(sequence uint64, now float64) {
	e := &h.entries[sequence%EntryCount]
	if e.sequence == sequence {
		e.recv = now
	}
}

// Stats is a single peer's derived route statistics over a window.
type Stats struct {
	RTTMillis   float64
	JitterMillis float64
	LossPercent float64
}

// Derive computes Stats over the closed window [start, end], excluding
// pings sent within the final pingSafety seconds of the window from the
// loss computation (they may simply still be in flight).
func Derive(h *History, start, end, pingSafety float64) Stats {
	var stats Stats

	var pingsSent, pongsReceived int
	for i := range h.entries {
		e := &h.entries[i]
		if e.sequence != InvalidSequence && e.sent >= start && e.sent <= end-pingSafety {
			pingsSent++
			if e.recv >= e.sent {
				pongsReceived++
			}
		}
	}
	if pingsSent > 0 {
		stats.LossPercent = 100.0 * (1.0 - float64(pongsReceived)/float64(pingsSent))
	}

	var meanRTT float64
	var numPongs int
	for i := range h.entries {
		e := &h.entries[i]
		if e.sent >= start && e.sent <= end && e.recv > e.sent {
			meanRTT += 1000.0 * (e.recv - e.sent)
			numPongs++
		}
	}
	if numPongs > 0 {
		meanRTT /= float64(numPongs)
	} else {
		meanRTT = 10000.0
	}
	stats.RTTMillis = meanRTT

	var stddev float64
	var numJitterSamples int
	for i := range h.entries {
		e := &h.entries[i]
		if e.sent >= start && e.sent <= end && e.recv > e.sent {
			rtt := 1000.0 * (e.recv - e.sent)
			if rtt >= meanRTT {
				d := rtt - meanRTT
				stddev += d * d
				numJitterSamples++
			}
		}
	}
	if numJitterSamples > 0 {
		stats.JitterMillis = 3.0 * math.Sqrt(stddev/float64(numJitterSamples))
	}

	return stats
}
