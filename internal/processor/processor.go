// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package processor implements the data-plane core (§4.I): classification
// of inbound UDP datagrams by type byte and the per-type state machine
// that drives session creation, replay protection, header cryptography
// and forwarding. It is the hot path and is written to do exactly one
// map lookup and a handful of field copies under the session table lock
// per packet, with every crypto call and every send done outside it
// (§5's "no mutex held across a sendto, crypto call, or HTTPS interaction").
package processor

import (
	"encoding/binary"
	"log/slog"
	"sync/atomic"

	"github.com/bridgemesh/relaynode/internal/addr"
	"github.com/bridgemesh/relaynode/internal/bwlimit"
	"github.com/bridgemesh/relaynode/internal/counters"
	"github.com/bridgemesh/relaynode/internal/header"
	"github.com/bridgemesh/relaynode/internal/pingmgr"
	"github.com/bridgemesh/relaynode/internal/rclock"
	"github.com/bridgemesh/relaynode/internal/replay"
	"github.com/bridgemesh/relaynode/internal/relaycrypto"
	"github.com/bridgemesh/relaynode/internal/session"
	"github.com/bridgemesh/relaynode/internal/token"
)

// Packet type bytes (§4.I).
const (
	TypeRouteRequest      = 1
	TypeRouteResponse     = 2
	TypeClientToServer    = 3
	TypeServerToClient    = 4
	TypeSessionPing       = 11
	TypeSessionPong       = 12
	TypeContinueRequest   = 13
	TypeContinueResponse  = 14
	TypeRelayPing         = 75
	TypeRelayPong         = 76
	TypeNearPing          = 73
	TypeNearPong          = 74
)

// DefaultMTU bounds forwarded session payloads: ClientToServer/
// ServerToClient packets must fall in (header.Size, header.Size+MTU].
const DefaultMTU = 1384

// Sender transmits a raw datagram to a peer. No lock may be held across a
// call to Send.
type Sender interface {
	Send(to addr.Address, packet []byte) error
}

// Processor is the data-plane core. It is safe for concurrent use by
// multiple receiver goroutines (the permitted multi-receiver optimization
// in §5): all mutable state lives behind Table's lock or atomics.
type Processor struct {
	Table    *session.Table
	PingMgr  *pingmgr.Manager
	Counters *counters.Counters
	Sender   Sender
	Log      *slog.Logger

	RouterPublicKey relaycrypto.PublicKey
	RelayPrivateKey relaycrypto.PrivateKey
	RouterNow       func() uint64

	MTU int

	bwOverages atomic.Uint64
}

// New returns a Processor wired to the given shared session table, ping
// manager, counters and sender.
func New(table *session.Table, pingMgr *pingmgr.Manager, c *counters.Counters, sender Sender, routerPub relaycrypto.PublicKey, relayPriv relaycrypto.PrivateKey, routerNow func() uint64, log *slog.Logger) *Processor {
	return &Processor{
		Table:           table,
		PingMgr:         pingMgr,
		Counters:        c,
		Sender:          sender,
		Log:             log,
		RouterPublicKey: routerPub,
		RelayPrivateKey: relayPriv,
		RouterNow:       routerNow,
		MTU:             DefaultMTU,
	}
}

// BandwidthOverages reports how many forwarded packets have tripped a
// session's provisioned kbps budget (SUPPLEMENTED FEATURES §1). The
// packet is still forwarded; this is observability only.
func (p *Processor) BandwidthOverages() uint64 {
	return p.bwOverages.Load()
}

func (p *Processor) mtu() int {
	if p.MTU > 0 {
		return p.MTU
	}
	return DefaultMTU
}

// HandlePacket classifies and dispatches one inbound datagram from from.
// buf is only valid for the duration of the call if the caller reuses its
// receive buffer; Processor never retains a reference to it past the
// the point where it hands a (sub-)slice to Sender.Send.
func (p *Processor) HandlePacket(from addr.Address, buf []byte) {
	if len(buf) == 0 {
		p.Counters.Add(counters.ClassZeroLength, 0)
		return
	}

	switch buf[0] {
	case TypeRouteRequest:
		p.Counters.Add(counters.ClassRouteRequest, len(buf))
		p.handleRouteRequest(from, buf)
	case TypeRouteResponse:
		p.Counters.Add(counters.ClassRouteResponse, len(buf))
		p.handleResponseClass(buf)
	case TypeClientToServer:
		p.Counters.Add(counters.ClassClientToServer, len(buf))
		p.handleForward(buf, header.ClientToServer, true)
	case TypeServerToClient:
		p.Counters.Add(counters.ClassServerToClient, len(buf))
		p.handleForward(buf, header.ServerToClient, false)
	case TypeSessionPing:
		p.Counters.Add(counters.ClassSessionPing, len(buf))
		p.handleSessionPingPong(buf, header.ClientToServer, true)
	case TypeSessionPong:
		p.Counters.Add(counters.ClassSessionPong, len(buf))
		p.handleSessionPingPong(buf, header.ServerToClient, false)
	case TypeContinueRequest:
		p.Counters.Add(counters.ClassContinueRequest, len(buf))
		p.handleContinueRequest(buf)
	case TypeContinueResponse:
		p.Counters.Add(counters.ClassContinueResponse, len(buf))
		p.handleResponseClass(buf)
	case TypeRelayPing:
		p.Counters.Add(counters.ClassRelayPing, len(buf))
		p.handleRelayPing(from, buf)
	case TypeRelayPong:
		p.Counters.Add(counters.ClassRelayPong, len(buf))
		p.handleRelayPong(from, buf)
	case TypeNearPing:
		p.Counters.Add(counters.ClassNearPing, len(buf))
		p.handleNearPing(from, buf)
	default:
		p.Counters.Add(counters.ClassUnknown, len(buf))
	}
}

func (p *Processor) send(to addr.Address, buf []byte) {
	if err := p.Sender.Send(to, buf); err != nil && p.Log != nil {
		p.Log.Debug("send failed", "to", to.String(), "error", err)
	}
}

// handleRouteRequest implements §4.I type 1.
func (p *Processor) handleRouteRequest(from addr.Address, buf []byte) {
	if len(buf) < 1+2*token.EncryptedRouteSize {
		return
	}
	tok, err := token.ReadEncryptedRoute(buf[1:1+token.EncryptedRouteSize], p.RouterPublicKey, p.RelayPrivateKey)
	if err != nil {
		return
	}
	now := p.RouterNow()
	if tok.ExpireTimestamp < now {
		return
	}

	key := session.Key(tok.SessionID, tok.SessionVersion)
	p.Table.Lock()
	if p.Table.Lookup(key, now) == nil {
		s := session.New(tok.ExpireTimestamp, tok.SessionID, tok.SessionVersion, from, tok.NextAddress, tok.PrivateKey, tok.KbpsUp, tok.KbpsDown)
		p.Table.InsertIfAbsent(key, s)
	}
	p.Table.Unlock()

	out := buf[token.EncryptedRouteSize:]
	out[0] = TypeRouteRequest
	p.send(tok.NextAddress, out)
}

// handleContinueRequest implements §4.I type 13.
func (p *Processor) handleContinueRequest(buf []byte) {
	if len(buf) < 1+2*token.EncryptedContinueSize {
		return
	}
	tok, err := token.ReadEncryptedContinue(buf[1:1+token.EncryptedContinueSize], p.RouterPublicKey, p.RelayPrivateKey)
	if err != nil {
		return
	}
	now := p.RouterNow()
	if tok.ExpireTimestamp < now {
		return
	}

	key := session.Key(tok.SessionID, tok.SessionVersion)
	p.Table.Lock()
	s := p.Table.Lookup(key, now)
	if s == nil {
		p.Table.Unlock()
		return
	}
	if tok.ExpireTimestamp > s.ExpireTimestamp {
		s.ExpireTimestamp = tok.ExpireTimestamp
	}
	next := s.NextAddress
	p.Table.Unlock()

	out := buf[token.EncryptedContinueSize:]
	out[0] = TypeContinueRequest
	p.send(next, out)
}

// handleResponseClass implements §4.I types 2 (RouteResponse) and 14
// (ContinueResponse). Both are preserved bit-exact per Open Question 3:
// the high-water mark is advanced before the AEAD tag is verified, so a
// forged packet from an attacker who knows the session identity can
// advance the counter and cause later legitimate packets to be dropped.
func (p *Processor) handleResponseClass(buf []byte) {
	if len(buf) != header.Size {
		return
	}
	f, err := header.Peek(buf, header.ServerToClient)
	if err != nil {
		return
	}
	now := p.RouterNow()
	key := session.Key(f.SessionID, f.SessionVersion)
	clean := header.CleanSeq(f.Sequence)

	p.Table.Lock()
	s := p.Table.Lookup(key, now)
	if s == nil {
		p.Table.Unlock()
		return
	}
	if clean <= s.ServerToClientHighWater {
		p.Table.Unlock()
		return
	}
	s.ServerToClientHighWater = clean // Open Question 3: set before verify, preserved
	privKey := s.PrivateKey
	prevAddr := s.PrevAddress
	p.Table.Unlock()

	if err := header.Verify(privKey, buf); err != nil {
		return
	}
	p.send(prevAddr, buf)
}

// handleForward implements §4.I types 3 (ClientToServer) and 4
// (ServerToClient): replay-window protected, forwarded in the direction
// the session record indicates. Per §4.I's authoritative action ("replay-
// window admit cleanSeq, verify header") and the source's
// handleClientToServerPacket/handleServerToClientPacket, the replay window
// is admitted and advanced *before* the AEAD tag is verified — a forged-tag
// packet with a guessed session id/version can still poison the window,
// mirroring handleResponseClass's preserved Open Question 3 ordering.
func (p *Processor) handleForward(buf []byte, dir header.Direction, clientToServer bool) {
	if len(buf) <= header.Size || len(buf) > header.Size+p.mtu() {
		return
	}
	f, err := header.Peek(buf, dir)
	if err != nil {
		return
	}
	now := p.RouterNow()
	key := session.Key(f.SessionID, f.SessionVersion)
	clean := header.CleanSeq(f.Sequence)

	p.Table.Lock()
	s := p.Table.Lookup(key, now)
	if s == nil {
		p.Table.Unlock()
		return
	}
	var dest addr.Address
	var window *replay.Window
	if clientToServer {
		window = &s.ClientToServerReplay
		dest = s.NextAddress
	} else {
		window = &s.ServerToClientReplay
		dest = s.PrevAddress
	}
	if window.AlreadyReceived(clean) {
		p.Table.Unlock()
		return
	}
	window.Advance(clean)

	over := p.accountBandwidth(s, clientToServer, len(buf))
	privKey := s.PrivateKey
	p.Table.Unlock()

	if over {
		p.bwOverages.Add(1)
	}

	if err := header.Verify(privKey, buf); err != nil {
		return
	}
	p.send(dest, buf)
}

// accountBandwidth feeds the per-session limiter (SUPPLEMENTED FEATURES
// §1). Callers must hold the table lock. Over-budget traffic is still
// forwarded; the return value only drives a counter.
func (p *Processor) accountBandwidth(s *session.Session, clientToServer bool, packetBytes int) bool {
	now := rclock.Seconds()
	bits := bwlimit.WirePacketBits(packetBytes)
	if clientToServer {
		return s.UpLimiter.AddPacket(now, s.KbpsUp, bits)
	}
	return s.DownLimiter.AddPacket(now, s.KbpsDown, bits)
}

// handleSessionPingPong implements §4.I types 11 (SessionPing) and 12
// (SessionPong): high-water comparison rather than a replay window,
// because these are rare and monotonically advancing. §4.I's authoritative
// action reads "cleanSeq > high-water, set, verify" — the high-water mark
// is set *before* the AEAD tag is verified, same ordering as
// handleResponseClass and handleForward: a forged-tag packet can still
// poison the high-water mark and cause a later legitimate packet to be
// dropped as stale.
func (p *Processor) handleSessionPingPong(buf []byte, dir header.Direction, clientToServer bool) {
	if len(buf) < header.Size || len(buf) > header.Size+32 {
		return
	}
	f, err := header.Peek(buf, dir)
	if err != nil {
		return
	}
	now := p.RouterNow()
	key := session.Key(f.SessionID, f.SessionVersion)
	clean := header.CleanSeq(f.Sequence)

	p.Table.Lock()
	s := p.Table.Lookup(key, now)
	if s == nil {
		p.Table.Unlock()
		return
	}
	var dest addr.Address
	if clientToServer {
		if clean <= s.ClientToServerHighWater {
			p.Table.Unlock()
			return
		}
		s.ClientToServerHighWater = clean
		dest = s.NextAddress
	} else {
		if clean <= s.ServerToClientHighWater {
			p.Table.Unlock()
			return
		}
		s.ServerToClientHighWater = clean
		dest = s.PrevAddress
	}
	privKey := s.PrivateKey
	p.Table.Unlock()

	if err := header.Verify(privKey, buf); err != nil {
		return
	}
	p.send(dest, buf)
}

// handleRelayPing implements §4.I type 75: an unauthenticated relay-mesh
// latency probe, simply echoed back with the reply type byte.
func (p *Processor) handleRelayPing(from addr.Address, buf []byte) {
	if len(buf) != 9 {
		return
	}
	reply := make([]byte, 9)
	copy(reply, buf)
	reply[0] = TypeRelayPong
	p.send(from, reply)
}

// handleRelayPong implements §4.I type 76.
func (p *Processor) handleRelayPong(from addr.Address, buf []byte) {
	if len(buf) != 9 {
		return
	}
	seq := binary.LittleEndian.Uint64(buf[1:9])
	p.Table.Lock()
	p.PingMgr.ProcessPong(from, seq, rclock.Seconds())
	p.Table.Unlock()
}

// handleNearPing implements §4.I type 73: echoes the leading 17 bytes,
// dropping the trailing 16-byte prober signature (Open Question 2: the
// "why 16?" is preserved literally, not invented).
func (p *Processor) handleNearPing(from addr.Address, buf []byte) {
	if len(buf) != 33 {
		return
	}
	reply := make([]byte, 17)
	copy(reply, buf[:17])
	reply[0] = TypeNearPong
	p.send(from, reply)
}
