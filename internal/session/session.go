// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package session implements the in-memory session table keyed by
// session_id XOR session_version (Open Question 1: this collides if two
// active sessions' ids differ by exactly the XOR of their versions; the
// reference relay accepts this and so do we).
package session

import (
	"sync"

	"github.com/bridgemesh/relaynode/internal/addr"
	"github.com/bridgemesh/relaynode/internal/bwlimit"
	"github.com/bridgemesh/relaynode/internal/replay"
)

// Key computes the session table key for a given identity.
func Key(sessionID uint64, sessionVersion uint8) uint64 {
	return sessionID ^ uint64(sessionVersion)
}

// Session is the mutable per-flow state. All fields are touched only while
// holding the owning Table's lock.
type Session struct {
	ExpireTimestamp uint64
	SessionID       uint64
	SessionVersion  uint8

	PrevAddress addr.Address // last hop toward the client
	NextAddress addr.Address // next hop toward the server

	PrivateKey [32]byte

	ClientToServerHighWater uint64
	ServerToClientHighWater uint64

	ClientToServerReplay replay.Window
	ServerToClientReplay replay.Window

	KbpsUp   uint32
	KbpsDown uint32

	// UpLimiter accounts ClientToServer traffic (uplink); DownLimiter
	// accounts ServerToClient traffic (downlink). Both start unreset;
	// New initializes them.
	UpLimiter   bwlimit.Limiter
	DownLimiter bwlimit.Limiter
}

// New returns a Session with its expiry/forwarding fields as given and its
// bandwidth limiters reset to their initial never-checked state.
func New(expireTimestamp, sessionID uint64, sessionVersion uint8, prev, next addr.Address, privateKey [32]byte, kbpsUp, kbpsDown uint32) *Session {
	s := &Session{
		ExpireTimestamp: expireTimestamp,
		SessionID:       sessionID,
		SessionVersion:  sessionVersion,
		PrevAddress:     prev,
		NextAddress:     next,
		PrivateKey:      privateKey,
		KbpsUp:          kbpsUp,
		KbpsDown:        kbpsDown,
	}
	s.ClientToServerReplay.Reset()
	s.ServerToClientReplay.Reset()
	s.UpLimiter.Reset()
	s.DownLimiter.Reset()
	return s
}

// Table is the session table: a map from Key(...) to *Session, guarded by a
// single mutex shared with the ping manager's peer list (see §5 of the
// design: table mutation and peer-list mutation are serialized by the same
// lock because the backend update loop touches both). The table never
// deletes entries at runtime; Lookup re-checks expiry against the caller's
// notion of current time.
type Table struct {
	mu sync.Mutex
	m  map[uint64]*Session
}

// NewTable returns an empty session table.
func NewTable() *Table {
	return &Table{m: make(map[uint64]*Session)}
}

// Lock exposes the table's mutex so callers (the packet processor) can hold
// it across a lookup and an in-place mutation without a second map access.
// It is also the lock backend updates take while swapping the ping
// manager's peer list.
func (t *Table) Lock()   { t.mu.Lock() }
func (t *Table) Unlock() { t.mu.Unlock() }

// Lookup returns the session for key, or nil if absent or if its expiry has
// already passed routerNow. Callers must hold the table lock.
func (t *Table) Lookup(key uint64, routerNow uint64) *Session {
	s := t.m[key]
	if s == nil {
		return nil
	}
	if s.ExpireTimestamp < routerNow {
		return nil
	}
	return s
}

// InsertIfAbsent inserts s under key if no session currently occupies it.
// Reports whether the insert happened. Callers must hold the table lock.
func (t *Table) InsertIfAbsent(key uint64, s *Session) bool {
	if _, ok := t.m[key]; ok {
		return false
	}
	t.m[key] = s
	return true
}

// ForEach calls fn for every session in the table, in map iteration order.
// Intended for shutdown-time sweeps only; fn must not mutate the table.
// Callers must hold the table lock.
func (t *Table) ForEach(fn func(key uint64, s *Session)) {
	for k, s := range t.m {
		fn(k, s)
	}
}

// Len reports the number of entries currently held, expired or not. Callers
// must hold the table lock.
func (t *Table) Len() int {
	return len(t.m)
}
