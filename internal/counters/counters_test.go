// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package counters

import "testing"

// A single Counters instance is shared across every assertion here because
// New registers its Prometheus vectors against the default registerer;
// constructing a second instance in the same test binary would panic on
// duplicate collector registration.
func TestCounters(t *testing.T) {
	c := New()

	c.Add(ClassRouteRequest, 100)
	c.Add(ClassRouteRequest, 50)
	c.Add(ClassClientToServer, 1000)

	t.Run("SnapshotAndReset", func(t *testing.T) {
		snap := c.SnapshotAndReset()
		if snap.Packets[ClassRouteRequest] != 2 {
			t.Fatalf("RouteRequest packets = %d, want 2", snap.Packets[ClassRouteRequest])
		}
		if snap.Bytes[ClassRouteRequest] != 150 {
			t.Fatalf("RouteRequest bytes = %d, want 150", snap.Bytes[ClassRouteRequest])
		}
		if snap.Packets[ClassClientToServer] != 1 || snap.Bytes[ClassClientToServer] != 1000 {
			t.Fatalf("ClientToServer = %+v", snap)
		}

		second := c.SnapshotAndReset()
		if second.Packets[ClassRouteRequest] != 0 || second.Bytes[ClassRouteRequest] != 0 {
			t.Fatalf("second snapshot not reset: %+v", second)
		}
	})

	t.Run("SnapshotDoesNotReset", func(t *testing.T) {
		c.Add(ClassSessionPing, 64)
		first := c.Snapshot()
		second := c.Snapshot()
		if first.Packets[ClassSessionPing] != 1 || second.Packets[ClassSessionPing] != 1 {
			t.Fatalf("non-resetting Snapshot changed between calls: %+v, %+v", first, second)
		}
	})

	t.Run("ByNameMaps", func(t *testing.T) {
		c.Add(ClassUnknown, 7)
		snap := c.Snapshot()

		packets := snap.PacketsByName()
		bytesByName := snap.BytesByName()
		if packets["unknown"] != 1 {
			t.Fatalf("PacketsByName()[unknown] = %d, want 1", packets["unknown"])
		}
		if bytesByName["unknown"] != 7 {
			t.Fatalf("BytesByName()[unknown] = %d, want 7", bytesByName["unknown"])
		}
	})
}
