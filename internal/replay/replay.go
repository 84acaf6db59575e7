// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package replay implements the per-direction 256-entry sliding sequence
// window used to reject replayed session packets.
package replay

// windowSize is the number of tracked sequence slots.
const windowSize = 256

// allOnes marks a slot as never having held a sequence.
const allOnes = ^uint64(0)

// Window is a 256-slot replay-protection window. The zero value is not a
// reset window (its slots read as sequence 0 already seen); use New or call
// Reset before first use. A Window is not safe for concurrent use by more
// than one goroutine at a time; callers serialize access to a session's
// windows under the session table lock.
type Window struct {
	mostRecent uint64
	slots      [windowSize]uint64
}

// New returns a freshly reset Window.
func New() *Window {
	w := &Window{}
	w.Reset()
	return w
}

// Reset restores the window to its initial state: most-recent sequence of
// zero and every slot marked as never-seen.
func (w *Window) Reset() {
	w.mostRecent = 0
	for i := range w.slots {
		w.slots[i] = allOnes
	}
}

// AlreadyReceived reports whether seq would be rejected by Advance without
// mutating the window. Callers call AlreadyReceived first and, if it
// returns false, call Advance.
func (w *Window) AlreadyReceived(seq uint64) bool {
	if seq+windowSize <= w.mostRecent {
		return true
	}
	slot := w.slots[seq%windowSize]
	if slot == allOnes {
		return false
	}
	return slot >= seq
}

// Advance admits seq: it is idempotent for a sequence that has already
// been admitted into the same slot, and updates the most-recent high-water
// mark. Callers must have called AlreadyReceived(seq) first and only call
// Advance when it returned false.
func (w *Window) Advance(seq uint64) {
	if seq > w.mostRecent {
		w.mostRecent = seq
	}
	w.slots[seq%windowSize] = seq
}

// MostRecent returns the highest sequence admitted so far.
func (w *Window) MostRecent() uint64 {
	return w.mostRecent
}
