// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build !linux

package udpio

import "syscall"

// reusePortControl is unavailable outside Linux; ListenN falls back to a
// single receiver (reusePortSupported is false) rather than silently
// binding N non-reuseport sockets to the same address, which would fail.
func reusePortControl(_, _ string, _ syscall.RawConn) error {
	return nil
}

const reusePortSupported = false
