// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package processor

import (
	"sync"
	"testing"

	"golang.org/x/crypto/curve25519"

	"github.com/bridgemesh/relaynode/internal/addr"
	"github.com/bridgemesh/relaynode/internal/counters"
	"github.com/bridgemesh/relaynode/internal/header"
	"github.com/bridgemesh/relaynode/internal/pingmgr"
	"github.com/bridgemesh/relaynode/internal/relaycrypto"
	"github.com/bridgemesh/relaynode/internal/session"
	"github.com/bridgemesh/relaynode/internal/token"
)

// sharedCounters is constructed once for the whole package's test binary:
// counters.New registers its vectors against the default Prometheus
// registerer, so a second call anywhere in this binary would panic on
// duplicate collector registration.
var sharedCounters = counters.New()

func keyPair(seed byte) (relaycrypto.PublicKey, relaycrypto.PrivateKey) {
	var priv relaycrypto.PrivateKey
	for i := range priv {
		priv[i] = seed + byte(i)
	}
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		panic(err)
	}
	var pub relaycrypto.PublicKey
	copy(pub[:], pubBytes)
	return pub, priv
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
}

type sent struct {
	to     addr.Address
	packet []byte
}

func (f *fakeSender) Send(to addr.Address, packet []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(packet))
	copy(cp, packet)
	f.sent = append(f.sent, sent{to: to, packet: cp})
	return nil
}

func (f *fakeSender) last() sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestProcessor() (*Processor, *fakeSender, relaycrypto.PrivateKey, relaycrypto.PublicKey) {
	routerPub, routerPriv := keyPair(1)
	relayPub, relayPriv := keyPair(2)

	table := session.NewTable()
	pingMgr := pingmgr.New()
	sender := &fakeSender{}

	p := New(table, pingMgr, sharedCounters, sender, routerPub, relayPriv, func() uint64 { return 1000 }, nil)
	return p, sender, routerPriv, relayPub
}

func buildRouteRequest(routerPriv relaycrypto.PrivateKey, relayPub relaycrypto.PublicKey, t token.Route, tail []byte) []byte {
	enc, err := token.WriteEncryptedRoute(t, routerPriv, relayPub)
	if err != nil {
		panic(err)
	}
	buf := make([]byte, 1+len(enc)+len(tail))
	buf[0] = TypeRouteRequest
	copy(buf[1:], enc[:])
	copy(buf[1+len(enc):], tail)
	return buf
}

func TestHandleRouteRequestCreatesSessionAndForwards(t *testing.T) {
	p, sender, routerPriv, relayPub := newTestProcessor()

	next := addr.Address{Kind: addr.IPv4, IP4: [4]byte{10, 0, 0, 5}, Port: 9000}
	var sessionKey [32]byte
	sessionKey[0] = 0x42

	rt := token.Route{
		ExpireTimestamp: 5000,
		SessionID:       100,
		SessionVersion:  0,
		KbpsUp:          1000,
		KbpsDown:        1000,
		NextAddress:     next,
		PrivateKey:      sessionKey,
	}
	// The remaining route chain: one further token-sized block.
	tail := make([]byte, token.EncryptedRouteSize)
	for i := range tail {
		tail[i] = byte(i)
	}
	buf := buildRouteRequest(routerPriv, relayPub, rt, tail)

	from := addr.Address{Kind: addr.IPv4, IP4: [4]byte{203, 0, 113, 1}, Port: 5000}
	p.HandlePacket(from, buf)

	key := session.Key(100, 0)
	p.Table.Lock()
	s := p.Table.Lookup(key, 1000)
	p.Table.Unlock()
	if s == nil {
		t.Fatal("session was not created")
	}
	if s.NextAddress != next || s.PrevAddress != from {
		t.Fatalf("session addresses = %+v", s)
	}

	if sender.count() != 1 {
		t.Fatalf("sent %d packets, want 1", sender.count())
	}
	last := sender.last()
	if last.to != next {
		t.Fatalf("forwarded to %+v, want %+v", last.to, next)
	}
	if last.packet[0] != TypeRouteRequest {
		t.Fatalf("forwarded packet type = %d, want %d", last.packet[0], TypeRouteRequest)
	}
	if string(last.packet[1:]) != string(tail) {
		t.Fatalf("forwarded tail = %x, want %x", last.packet[1:], tail)
	}
}

func TestHandleRouteRequestExpiredTokenDropped(t *testing.T) {
	p, sender, routerPriv, relayPub := newTestProcessor()

	rt := token.Route{
		ExpireTimestamp: 1, // p's RouterNow() always returns 1000
		SessionID:       1,
	}
	buf := buildRouteRequest(routerPriv, relayPub, rt, make([]byte, token.EncryptedRouteSize))

	p.HandlePacket(addr.Address{}, buf)

	if sender.count() != 0 {
		t.Fatalf("sent %d packets for an expired token, want 0", sender.count())
	}
	key := session.Key(1, 0)
	p.Table.Lock()
	s := p.Table.Lookup(key, 1000)
	p.Table.Unlock()
	if s != nil {
		t.Fatal("an expired route token must not create a session")
	}
}

func makeSession(p *Processor, sessionID uint64, privKey [32]byte, prev, next addr.Address, kbpsUp, kbpsDown uint32) {
	key := session.Key(sessionID, 0)
	p.Table.Lock()
	s := session.New(100000, sessionID, 0, prev, next, privKey, kbpsUp, kbpsDown)
	p.Table.InsertIfAbsent(key, s)
	p.Table.Unlock()
}

func TestHandleForwardClientToServer(t *testing.T) {
	p, sender, _, _ := newTestProcessor()

	var privKey [32]byte
	privKey[0] = 9
	prev := addr.Address{Kind: addr.IPv4, IP4: [4]byte{1, 1, 1, 1}, Port: 1111}
	next := addr.Address{Kind: addr.IPv4, IP4: [4]byte{2, 2, 2, 2}, Port: 2222}
	makeSession(p, 55, privKey, prev, next, 100000, 100000)

	buf := make([]byte, header.Size+10)
	seq := header.TagSeq(1, header.ClientToServer, false)
	if err := header.Write(buf, TypeClientToServer, seq, 55, 0, privKey); err != nil {
		t.Fatalf("header.Write: %v", err)
	}

	p.HandlePacket(prev, buf)

	if sender.count() != 1 {
		t.Fatalf("sent %d packets, want 1", sender.count())
	}
	if sender.last().to != next {
		t.Fatalf("forwarded to %+v, want next hop %+v", sender.last().to, next)
	}
}

func TestHandleForwardRejectsReplayedSequence(t *testing.T) {
	p, sender, _, _ := newTestProcessor()

	var privKey [32]byte
	privKey[0] = 3
	prev := addr.Address{Kind: addr.IPv4, IP4: [4]byte{1, 1, 1, 1}, Port: 1111}
	next := addr.Address{Kind: addr.IPv4, IP4: [4]byte{2, 2, 2, 2}, Port: 2222}
	makeSession(p, 77, privKey, prev, next, 100000, 100000)

	buf := make([]byte, header.Size+10)
	seq := header.TagSeq(1, header.ClientToServer, false)
	if err := header.Write(buf, TypeClientToServer, seq, 77, 0, privKey); err != nil {
		t.Fatalf("header.Write: %v", err)
	}

	p.HandlePacket(prev, buf)
	if sender.count() != 1 {
		t.Fatalf("first delivery: sent %d, want 1", sender.count())
	}

	// Replaying the identical datagram must be dropped silently.
	p.HandlePacket(prev, buf)
	if sender.count() != 1 {
		t.Fatalf("after replay: sent %d, want still 1", sender.count())
	}
}

func TestHandleContinueRequestRaisesExpiry(t *testing.T) {
	p, sender, routerPriv, relayPub := newTestProcessor()

	var privKey [32]byte
	next := addr.Address{Kind: addr.IPv4, IP4: [4]byte{8, 8, 8, 8}, Port: 53}
	key := session.Key(200, 0)
	p.Table.Lock()
	s := session.New(1500, 200, 0, addr.Address{}, next, privKey, 1000, 1000)
	p.Table.InsertIfAbsent(key, s)
	p.Table.Unlock()

	ct := token.Continue{ExpireTimestamp: 9000, SessionID: 200, SessionVersion: 0}
	enc, err := token.WriteEncryptedContinue(ct, routerPriv, relayPub)
	if err != nil {
		t.Fatalf("WriteEncryptedContinue: %v", err)
	}
	buf := make([]byte, 1+2*len(enc))
	buf[0] = TypeContinueRequest
	copy(buf[1:], enc[:])

	p.HandlePacket(addr.Address{}, buf)

	p.Table.Lock()
	got := p.Table.Lookup(key, 1000)
	p.Table.Unlock()
	if got == nil || got.ExpireTimestamp != 9000 {
		t.Fatalf("session expiry = %+v, want 9000", got)
	}
	if sender.count() != 1 || sender.last().to != next {
		t.Fatalf("continue request not forwarded to next hop: %+v", sender)
	}
}

func TestHandleRelayPingEchoesPong(t *testing.T) {
	p, sender, _, _ := newTestProcessor()

	from := addr.Address{Kind: addr.IPv4, IP4: [4]byte{4, 4, 4, 4}, Port: 4000}
	buf := make([]byte, 9)
	buf[0] = TypeRelayPing
	buf[1] = 0x11

	p.HandlePacket(from, buf)

	if sender.count() != 1 {
		t.Fatalf("sent %d packets, want 1", sender.count())
	}
	last := sender.last()
	if last.to != from {
		t.Fatalf("pong sent to %+v, want %+v", last.to, from)
	}
	if last.packet[0] != TypeRelayPong {
		t.Fatalf("echoed type = %d, want %d", last.packet[0], TypeRelayPong)
	}
	if last.packet[1] != 0x11 {
		t.Fatalf("echoed sequence byte = %x, want 0x11", last.packet[1])
	}
}

func TestHandleNearPingTruncatesTo17Bytes(t *testing.T) {
	// Open Question 2: the reply drops the trailing 16-byte prober
	// signature, preserved literally rather than "fixed".
	p, sender, _, _ := newTestProcessor()

	from := addr.Address{Kind: addr.IPv4, IP4: [4]byte{5, 5, 5, 5}, Port: 5000}
	buf := make([]byte, 33)
	buf[0] = TypeNearPing
	for i := 1; i < 33; i++ {
		buf[i] = byte(i)
	}

	p.HandlePacket(from, buf)

	if sender.count() != 1 {
		t.Fatalf("sent %d packets, want 1", sender.count())
	}
	last := sender.last()
	if len(last.packet) != 17 {
		t.Fatalf("near-pong length = %d, want 17", len(last.packet))
	}
	if last.packet[0] != TypeNearPong {
		t.Fatalf("near-pong type = %d, want %d", last.packet[0], TypeNearPong)
	}
	for i := 1; i < 17; i++ {
		if last.packet[i] != buf[i] {
			t.Fatalf("byte %d = %x, want %x (echoed from request)", i, last.packet[i], buf[i])
		}
	}
}

func TestHandleResponseClassAdvancesHighWaterBeforeVerify(t *testing.T) {
	// Open Question 3: a packet with a forged (but well-formed) header
	// advances ServerToClientHighWater even though its AEAD tag is
	// garbage, causing a subsequent legitimate packet at or below that
	// sequence to be dropped. This documents the preserved bug rather
	// than treating it as something to fix.
	p, sender, _, _ := newTestProcessor()

	var privKey [32]byte
	privKey[0] = 0x77
	prev := addr.Address{Kind: addr.IPv4, IP4: [4]byte{6, 6, 6, 6}, Port: 6000}
	key := session.Key(300, 0)
	p.Table.Lock()
	s := session.New(100000, 300, 0, prev, addr.Address{}, privKey, 1000, 1000)
	p.Table.InsertIfAbsent(key, s)
	p.Table.Unlock()

	buf := make([]byte, header.Size)
	seq := header.TagSeq(5, header.ServerToClient, true)
	if err := header.Write(buf, TypeRouteResponse, seq, 300, 0, privKey); err != nil {
		t.Fatalf("header.Write: %v", err)
	}
	// Corrupt the AEAD tag so Verify fails, but the header-level fields
	// (sequence, session id) remain well-formed.
	buf[len(buf)-1] ^= 0xFF

	p.HandlePacket(addr.Address{}, buf)
	if sender.count() != 0 {
		t.Fatalf("a tampered packet must never be forwarded, got %d sends", sender.count())
	}

	p.Table.Lock()
	got := p.Table.Lookup(key, 1000)
	hw := got.ServerToClientHighWater
	p.Table.Unlock()
	if hw != 5 {
		t.Fatalf("ServerToClientHighWater = %d, want 5 (advanced before verify failed)", hw)
	}

	// A legitimate packet at the same or a lower sequence is now dropped
	// as a no-op by the high-water check, never reaching Verify.
	buf2 := make([]byte, header.Size)
	if err := header.Write(buf2, TypeRouteResponse, seq, 300, 0, privKey); err != nil {
		t.Fatalf("header.Write: %v", err)
	}
	p.HandlePacket(addr.Address{}, buf2)
	if sender.count() != 0 {
		t.Fatal("a legitimate packet at the now-stale high-water mark must still be dropped")
	}
}

func TestHandleForwardAdvancesReplayWindowBeforeVerify(t *testing.T) {
	// §4.I's authoritative action for ClientToServer/ServerToClient is
	// "replay-window admit cleanSeq, verify header" — admit before verify,
	// so a forged-tag packet still poisons the window and a subsequent
	// legitimate packet at the same sequence is dropped as a replay.
	p, sender, _, _ := newTestProcessor()

	var privKey [32]byte
	privKey[0] = 9
	prev := addr.Address{Kind: addr.IPv4, IP4: [4]byte{7, 7, 7, 7}, Port: 7000}
	next := addr.Address{Kind: addr.IPv4, IP4: [4]byte{8, 8, 8, 8}, Port: 8000}
	makeSession(p, 400, privKey, prev, next, 100000, 100000)

	seq := header.TagSeq(5, header.ClientToServer, false)
	buf := make([]byte, header.Size+10)
	if err := header.Write(buf, TypeClientToServer, seq, 400, 0, privKey); err != nil {
		t.Fatalf("header.Write: %v", err)
	}
	buf[header.Size-1] ^= 0xFF // corrupt the AEAD tag; Verify must fail

	p.HandlePacket(prev, buf)
	if sender.count() != 0 {
		t.Fatalf("a tampered packet must never be forwarded, got %d sends", sender.count())
	}

	// A legitimate packet at the same sequence must now be dropped by the
	// replay window, not forwarded.
	buf2 := make([]byte, header.Size+10)
	if err := header.Write(buf2, TypeClientToServer, seq, 400, 0, privKey); err != nil {
		t.Fatalf("header.Write: %v", err)
	}
	p.HandlePacket(prev, buf2)
	if sender.count() != 0 {
		t.Fatal("a legitimate packet at the now-poisoned sequence must still be dropped as a replay")
	}
}

func TestHandleSessionPingPongSetsHighWaterBeforeVerify(t *testing.T) {
	// §4.I's authoritative action for SessionPing/Pong is "cleanSeq >
	// high-water, set, verify" — set before verify, same ordering as
	// handleResponseClass and handleForward.
	p, sender, _, _ := newTestProcessor()

	var privKey [32]byte
	privKey[0] = 0x44
	next := addr.Address{Kind: addr.IPv4, IP4: [4]byte{9, 9, 9, 9}, Port: 9000}
	makeSession(p, 500, privKey, addr.Address{}, next, 100000, 100000)

	seq := header.TagSeq(5, header.ClientToServer, true)
	buf := make([]byte, header.Size)
	if err := header.Write(buf, TypeSessionPing, seq, 500, 0, privKey); err != nil {
		t.Fatalf("header.Write: %v", err)
	}
	buf[len(buf)-1] ^= 0xFF // corrupt the AEAD tag; Verify must fail

	p.HandlePacket(addr.Address{}, buf)
	if sender.count() != 0 {
		t.Fatalf("a tampered packet must never be forwarded, got %d sends", sender.count())
	}

	p.Table.Lock()
	got := p.Table.Lookup(session.Key(500, 0), 1000)
	hw := got.ClientToServerHighWater
	p.Table.Unlock()
	if hw != 5 {
		t.Fatalf("ClientToServerHighWater = %d, want 5 (set before verify failed)", hw)
	}

	// A legitimate packet at the same or a lower sequence is now dropped
	// as a no-op by the high-water check, never reaching Verify.
	buf2 := make([]byte, header.Size)
	if err := header.Write(buf2, TypeSessionPing, seq, 500, 0, privKey); err != nil {
		t.Fatalf("header.Write: %v", err)
	}
	p.HandlePacket(addr.Address{}, buf2)
	if sender.count() != 0 {
		t.Fatal("a legitimate packet at the now-stale high-water mark must still be dropped")
	}
}
