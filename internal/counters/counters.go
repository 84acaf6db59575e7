// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package counters implements the data plane's lock-free per-class packet
// and byte counters. The processor only ever does atomic adds; the backend
// client snapshots and resets them once per update cycle. A parallel set
// of Prometheus counters mirrors the same classes for local scraping.
package counters

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Class identifies one packet-class counter pair.
type Class int

const (
	ClassRelayPing Class = iota
	ClassRelayPong
	ClassRouteRequest
	ClassRouteResponse
	ClassContinueRequest
	ClassContinueResponse
	ClassClientToServer
	ClassServerToClient
	ClassSessionPing
	ClassSessionPong
	ClassNearPing
	ClassUnknown
	ClassZeroLength
	numClasses
)

var classNames = [numClasses]string{
	ClassRelayPing:         "relay_ping",
	ClassRelayPong:         "relay_pong",
	ClassRouteRequest:      "route_request",
	ClassRouteResponse:     "route_response",
	ClassContinueRequest:   "continue_request",
	ClassContinueResponse:  "continue_response",
	ClassClientToServer:    "client_to_server",
	ClassServerToClient:    "server_to_client",
	ClassSessionPing:       "session_ping",
	ClassSessionPong:       "session_pong",
	ClassNearPing:          "near_ping",
	ClassUnknown:           "unknown",
	ClassZeroLength:        "zero_length",
}

type classCounter struct {
	packets uint64
	bytes   uint64
}

// Counters holds one atomic (packets, bytes) pair per packet class.
type Counters struct {
	classes [numClasses]classCounter

	metricPackets *prometheus.CounterVec
	metricBytes   *prometheus.CounterVec
}

// New returns a zeroed Counters with its Prometheus vectors registered
// against the default registerer.
func New() *Counters {
	c := &Counters{
		metricPackets: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaynode",
			Subsystem: "dataplane",
			Name:      "packets_total",
		}, []string{"class"}),
		metricBytes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaynode",
			Subsystem: "dataplane",
			Name:      "bytes_total",
		}, []string{"class"}),
	}
	return c
}

// Add records one packet of n bytes against class.
func (c *Counters) Add(class Class, n int) {
	atomic.AddUint64(&c.classes[class].packets, 1)
	atomic.AddUint64(&c.classes[class].bytes, uint64(n))
	name := classNames[class]
	c.metricPackets.WithLabelValues(name).Inc()
	c.metricBytes.WithLabelValues(name).Add(float64(n))
}

// Snapshot is a point-in-time read of every class, packets and bytes.
type Snapshot struct {
	Packets [numClasses]uint64
	Bytes   [numClasses]uint64
}

// SnapshotAndReset atomically reads and zeroes every counter. It is called
// once per backend update cycle so successive reports are deltas, not
// cumulative totals.
func (c *Counters) SnapshotAndReset() Snapshot {
	var s Snapshot
	for i := range c.classes {
		s.Packets[i] = atomic.SwapUint64(&c.classes[i].packets, 0)
		s.Bytes[i] = atomic.SwapUint64(&c.classes[i].bytes, 0)
	}
	return s
}

// Snapshot reads every counter without resetting it, for the status
// endpoint: it must not perturb the deltas the backend update loop computes
// from SnapshotAndReset.
func (c *Counters) Snapshot() Snapshot {
	var s Snapshot
	for i := range c.classes {
		s.Packets[i] = atomic.LoadUint64(&c.classes[i].packets)
		s.Bytes[i] = atomic.LoadUint64(&c.classes[i].bytes)
	}
	return s
}

// PacketsByName reports the packet counts keyed by class name, for JSON
// status reporting.
func (s Snapshot) PacketsByName() map[string]uint64 {
	out := make(map[string]uint64, numClasses)
	for i, name := range classNames {
		out[name] = s.Packets[i]
	}
	return out
}

// BytesByName reports the byte counts keyed by class name, for JSON status
// reporting.
func (s Snapshot) BytesByName() map[string]uint64 {
	out := make(map[string]uint64, numClasses)
	for i, name := range classNames {
		out[name] = s.Bytes[i]
	}
	return out
}
