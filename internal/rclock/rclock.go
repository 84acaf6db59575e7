// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package rclock is the monotonic float64-seconds clock shared by the ping
// history, ping manager and ping scheduler (§3, §4.H, §4.J all express
// their timestamps this way). It is anchored at process start rather than
// the Unix epoch: nothing in §3/§4 compares these timestamps against
// wall-clock time, only against each other.
package rclock

import "time"

var start = time.Now()

// Seconds returns the elapsed time since process start, in seconds, as
// used by pinghistory.PingSent/PongReceived/Derive and pingmgr.
func Seconds() float64 {
	return time.Since(start).Seconds()
}
