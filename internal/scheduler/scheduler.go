// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package scheduler implements the relay-mesh ping scheduler (§4.J): a
// 100Hz timer that, under the session table's shared lock, finds every
// peer relay whose last ping has aged past the ping interval and enqueues
// a fresh ping, then releases the lock before sending.
package scheduler

import (
	"context"
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/bridgemesh/relaynode/internal/addr"
	"github.com/bridgemesh/relaynode/internal/pingmgr"
	"github.com/bridgemesh/relaynode/internal/rclock"
	"github.com/bridgemesh/relaynode/internal/session"
)

// TickInterval matches §4.J's 100Hz cadence (10ms).
const TickInterval = 10 * time.Millisecond

// RelayPingType is the packet-type byte for a relay-mesh ping (§4.I type 75).
const RelayPingType = 75

// Sender transmits a raw datagram to a peer; the orchestrator supplies an
// implementation backed by the shared UDP socket. No lock may be held
// across a call to Send (§5).
type Sender interface {
	Send(to addr.Address, packet []byte) error
}

// Scheduler is a long-lived suture.Service driving §4.J.
type Scheduler struct {
	Table   *session.Table
	PingMgr *pingmgr.Manager
	Sender  Sender
	Log     *slog.Logger
}

// New returns a Scheduler ticking over pingMgr under table's lock.
func New(table *session.Table, pingMgr *pingmgr.Manager, sender Sender, log *slog.Logger) *Scheduler {
	return &Scheduler{Table: table, PingMgr: pingMgr, Sender: sender, Log: log}
}

// Serve implements suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick performs one §4.J cycle: find due peers and record outbound pings
// while holding the lock, then send with the lock released.
func (s *Scheduler) tick() {
	now := rclock.Seconds()

	type outbound struct {
		to  addr.Address
		seq uint64
	}

	s.Table.Lock()
	due := s.PingMgr.DuePeers(now)
	pending := make([]outbound, 0, len(due))
	for _, i := range due {
		to, seq := s.PingMgr.RecordPingSent(i, now)
		pending = append(pending, outbound{to: to, seq: seq})
	}
	s.Table.Unlock()

	var packet [9]byte
	packet[0] = RelayPingType
	for _, p := range pending {
		binary.LittleEndian.PutUint64(packet[1:], p.seq)
		if err := s.Sender.Send(p.to, packet[:]); err != nil && s.Log != nil {
			s.Log.Debug("relay ping send failed", "to", p.to.String(), "error", err)
		}
	}
}
