// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package udpio

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reusePortControl is a net.ListenConfig.Control callback that sets
// SO_REUSEPORT on the raw socket before bind(2), following the teacher's
// own build-tagged pattern for reaching past the net package into raw
// syscall socket options (lib/fs/noatime_linux.go's use of
// golang.org/x/sys/unix for a platform-specific setsockopt-style tweak).
// It lets N independent Receivers share one UDP port, the "multiple
// receivers sharing a reuse-port socket" optimization §5 permits, each
// getting its own kernel-side receive queue instead of contending on one.
func reusePortControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// reusePortSupported reports whether this platform's reusePortControl is a
// real implementation (linux) or a no-op fallback (everywhere else).
const reusePortSupported = true
