// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package pingmgr implements the relay-mesh ping manager: the set of peer
// relays this node probes, their ping history, and the derived per-peer
// route statistics the backend client reports upstream.
package pingmgr

import (
	"github.com/bridgemesh/relaynode/internal/addr"
	"github.com/bridgemesh/relaynode/internal/pinghistory"
)

// MaxRelays bounds the mesh size; it sizes the pre-allocated history pool
// that makes peer-list swaps allocation-free.
const MaxRelays = 1024

const (
	statsWindowSeconds = 10.0
	pingIntervalSeconds = 0.1
	pingSafetySeconds  = 1.0
)

// Peer describes one entry of a peer list delivered by the backend.
type Peer struct {
	ID      uint64
	Address addr.Address
}

type relay struct {
	id          uint64
	address     addr.Address
	lastPingAt  float64
	historySlot int
}

// Manager owns the relay mesh. It is not safe for concurrent use; callers
// serialize access under the same lock that guards the session table (the
// backend client and ping scheduler both mutate it, the data plane reads it
// on pong).
type Manager struct {
	relays []relay

	pool    [MaxRelays]pinghistory.History
	inUse   [MaxRelays]bool
	freeIdx []int
}

// New returns an empty Manager with a full free list.
func New() *Manager {
	m := &Manager{}
	m.freeIdx = make([]int, MaxRelays)
	for i := range m.freeIdx {
		m.freeIdx[i] = MaxRelays - 1 - i
	}
	return m
}

func (m *Manager) allocSlot() int {
	n := len(m.freeIdx)
	idx := m.freeIdx[n-1]
	m.freeIdx = m.freeIdx[:n-1]
	m.inUse[idx] = true
	m.pool[idx].Clear()
	return idx
}

func (m *Manager) freeSlot(idx int) {
	m.inUse[idx] = false
	m.freeIdx = append(m.freeIdx, idx)
}

// NumRelays returns the current mesh size.
func (m *Manager) NumRelays() int { return len(m.relays) }

// Update replaces the peer list, preserving ping history for peers present
// in both the old and new lists (matched by ID), allocating fresh history
// slots for new peers, and releasing slots for peers that have left. Fresh
// peers get their last-ping-time spread evenly over one ping interval so
// the next scheduler tick does not emit a synchronized burst.
func (m *Manager) Update(peers []Peer, now float64) {
	oldRelays := m.relays
	matched := make([]bool, len(oldRelays))
	foundAt := make([]int, len(peers))

	for i, p := range peers {
		foundAt[i] = -1
		for j, old := range oldRelays {
			if !matched[j] && old.id == p.ID {
				matched[j] = true
				foundAt[i] = j
				break
			}
		}
	}

	// Release slots for peers dropped from the mesh before allocating
	// slots for newly added ones, so a 1:1 swap never runs out of pool
	// capacity.
	for j, old := range oldRelays {
		if !matched[j] {
			m.freeSlot(old.historySlot)
		}
	}

	newCount := 0
	for _, j := range foundAt {
		if j < 0 {
			newCount++
		}
	}

	next := make([]relay, len(peers))
	assigned := 0
	for i, p := range peers {
		if j := foundAt[i]; j >= 0 {
			r := oldRelays[j]
			r.address = p.Address
			next[i] = r
			continue
		}
		slot := m.allocSlot()
		next[i] = relay{
			id:          p.ID,
			address:     p.Address,
			historySlot: slot,
			lastPingAt:  now - pingIntervalSeconds + float64(assigned)*pingIntervalSeconds/float64(newCount),
		}
		assigned++
	}

	m.relays = next
}

// ProcessPong matches from against the mesh by address and records the
// pong arrival against that peer's ping history.
func (m *Manager) ProcessPong(from addr.Address, seq uint64, now float64) {
	for _, r := range m.relays {
		if r.address == from {
			m.pool[r.historySlot].PongReceived(seq, now)
			return
		}
	}
}

// DuePeers returns the indices of relays whose last ping is older than
// pingIntervalSeconds as of now, used by the scheduler tick.
func (m *Manager) DuePeers(now float64) []int {
	var due []int
	for i, r := range m.relays {
		if now-r.lastPingAt >= pingIntervalSeconds {
			due = append(due, i)
		}
	}
	return due
}

// RecordPingSent records an outbound ping for relay index i, returning the
// address to send it to and the sequence to embed.
func (m *Manager) RecordPingSent(i int, now float64) (addr.Address, uint64) {
	r := &m.relays[i]
	seq := m.pool[r.historySlot].PingSent(now)
	r.lastPingAt = now
	return r.address, seq
}

// Stat is one peer's derived route statistics.
type Stat struct {
	ID          uint64
	RTTMillis   float64
	JitterMillis float64
	LossPercent float64
}

// Stats derives route statistics for every peer over the trailing
// statsWindowSeconds, excluding pings sent within the final pingSafety
// seconds from the loss computation.
func (m *Manager) Stats(now float64) []Stat {
	out := make([]Stat, len(m.relays))
	start := now - statsWindowSeconds
	for i, r := range m.relays {
		s := pinghistory.Derive(&m.pool[r.historySlot], start, now, pingSafetySeconds)
		out[i] = Stat{ID: r.id, RTTMillis: s.RTTMillis, JitterMillis: s.JitterMillis, LossPercent: s.LossPercent}
	}
	return out
}

// HistorySlot exposes a relay's history pool index for tests verifying
// pointer-equality across churn.
func (m *Manager) HistorySlot(i int) int {
	return m.relays[i].historySlot
}
