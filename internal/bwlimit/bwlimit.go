// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package bwlimit implements the per-session, per-direction bandwidth
// limiter: a one-second sliding accounting window that flags (but does not
// drop) traffic over a session's provisioned kbps budget, plus an
// exponential-moving-average usage estimate for reporting.
package bwlimit

// Interval is the accounting window, in seconds.
const Interval = 1.0

// Limiter tracks bits sent within the current window and a smoothed
// kbps estimate. The zero value is not ready for use; call Reset first.
type Limiter struct {
	bitsSent      uint64
	lastCheckTime float64
	averageKbps   float64
}

// Reset clears the limiter to its initial, never-checked state.
func (l *Limiter) Reset() {
	l.lastCheckTime = -100.0
	l.bitsSent = 0
	l.averageKbps = 0.0
}

// AddPacket accounts packetBits sent at currentTime against kbpsAllowed. It
// reports whether the session is now over budget for the current window;
// callers never drop the packet on this — the budget is advisory, used
// only for reporting and policy decisions upstream.
func (l *Limiter) AddPacket(currentTime float64, kbpsAllowed uint32, packetBits uint32) bool {
	invalid := l.lastCheckTime < 0.0
	if invalid || currentTime-l.lastCheckTime >= Interval-0.001 {
		l.bitsSent = 0
		l.lastCheckTime = currentTime
	}
	l.bitsSent += uint64(packetBits)
	return l.bitsSent > uint64(float64(kbpsAllowed)*1000*Interval)
}

func (l *Limiter) addSample(kbps float64) {
	switch {
	case l.averageKbps == 0.0 && kbps != 0.0:
		l.averageKbps = kbps
		return
	case l.averageKbps != 0.0 && kbps == 0.0:
		l.averageKbps = 0.0
		return
	}
	delta := kbps - l.averageKbps
	if delta < 0.000001 {
		l.averageKbps = kbps
		return
	}
	l.averageKbps += delta * 0.1
}

// UsageKbps returns the smoothed kbps estimate, updating it from the
// current window if more than 100ms has elapsed since the last check.
func (l *Limiter) UsageKbps(currentTime float64) float64 {
	invalid := l.lastCheckTime < 0.0
	if !invalid {
		deltaTime := currentTime - l.lastCheckTime
		if deltaTime > 0.1 {
			kbps := float64(l.bitsSent) / deltaTime / 1000.0
			l.addSample(kbps)
		}
	}
	return l.averageKbps
}

// WirePacketBits estimates the on-wire size of a UDP/IP packet carrying
// packetBytes of payload: Ethernet (14) + IPv4 (20) + UDP (8) header,
// the payload, and a 4-byte frame check sequence, in bits.
func WirePacketBits(packetBytes int) uint32 {
	return uint32((14 + 20 + 8 + packetBytes + 4) * 8)
}
