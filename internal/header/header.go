// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package header implements the 35-byte authenticated session header
// carried by every session-class packet (RouteRequest's tail, RouteResponse,
// ClientToServer, ServerToClient, SessionPing/Pong, ContinueRequest's tail,
// ContinueResponse): type byte, direction/response-class-tagged sequence,
// session identity, and an AEAD tag over an empty plaintext binding the
// header to the session's private key.
package header

import (
	"errors"

	"github.com/bridgemesh/relaynode/internal/cursor"
	"github.com/bridgemesh/relaynode/internal/relaycrypto"
)

// Size is the fixed wire size of a session header.
const Size = 35

// Direction tags who sent the packet.
type Direction uint8

const (
	ClientToServer Direction = 0
	ServerToClient Direction = 1
)

// The top two bits of the 64-bit sequence field are reserved and are never
// observed as sequence value by the replay window or any high-water mark
// comparison. Centralizing the mask here means only this file ever touches
// the bit tricks that the reference relay scatters inline.
const (
	directionBit     uint64 = 1 << 63
	responseClassBit uint64 = 1 << 62
	seqMask          uint64 = ^(directionBit | responseClassBit)
)

// CleanSeq strips the direction and response-class bits, yielding the value
// tracked by replay windows and high-water marks.
func CleanSeq(seq uint64) uint64 {
	return seq & seqMask
}

// TagSeq sets the direction bit (and, for response-class packet types, the
// response-class bit) over a clean sequence value.
func TagSeq(clean uint64, dir Direction, responseClass bool) uint64 {
	seq := clean & seqMask
	if dir == ServerToClient {
		seq |= directionBit
	}
	if responseClass {
		seq |= responseClassBit
	}
	return seq
}

var (
	ErrShortBuffer        = errors.New("header: buffer too short")
	ErrWrongDirection     = errors.New("header: direction bit mismatch")
	ErrWrongResponseClass = errors.New("header: response-class bit mismatch")
	ErrVerifyFailed       = errors.New("header: AEAD verify failed")
)

// Packet type bytes for which §3 sets the response-class bit (bit 62):
// route-response, both session-ping/pong packets, and continue-response.
// Centralized here, alongside the bit mask itself, so Peek is the only
// place that has to know the set.
const (
	packetTypeRouteResponse    uint8 = 2
	packetTypeSessionPing      uint8 = 11
	packetTypeSessionPong      uint8 = 12
	packetTypeContinueResponse uint8 = 14
)

func wantResponseClass(packetType uint8) bool {
	switch packetType {
	case packetTypeRouteResponse, packetTypeSessionPing, packetTypeSessionPong, packetTypeContinueResponse:
		return true
	default:
		return false
	}
}

// Fields are the header's non-cryptographic payload, as returned by Peek.
type Fields struct {
	PacketType     uint8
	Sequence       uint64 // raw, with direction/response-class bits set
	SessionID      uint64
	SessionVersion uint8
}

// Write serializes a full 35-byte header into out, computing the AEAD tag
// over an empty plaintext with associated data = bytes 9..18 (session id +
// version) and nonce = 4 zero bytes followed by the little-endian sequence.
func Write(out []byte, packetType uint8, seq, sessionID uint64, sessionVersion uint8, key [32]byte) error {
	if len(out) < Size {
		return ErrShortBuffer
	}
	w := cursor.NewWriter(out[:Size])
	if err := w.WriteUint8(packetType); err != nil {
		return err
	}
	if err := w.WriteUint64(seq); err != nil {
		return err
	}
	if err := w.WriteUint64(sessionID); err != nil {
		return err
	}
	if err := w.WriteUint8(sessionVersion); err != nil {
		return err
	}
	if err := w.WriteUint8(0); err != nil { // reserved, must be zero on write
		return err
	}

	seal, _, err := relaycrypto.HeaderAEAD(key)
	if err != nil {
		return err
	}
	nonce := sequenceNonce(seq)
	tag := seal(nonce[:], out[9:19])
	return w.WriteBytes(tag)
}

// Peek reads bytes 0..17 of a header without touching the AEAD tag, and
// enforces both tag bits of the sequence field: the direction bit must
// match the direction the caller expects to see, and the response-class
// bit must match the fixed set of packet types §3 defines it for. Both
// checks were debug-only asserts in the reference relay; here they are
// always-on runtime checks, closing a trust boundary at effectively no
// cost (Open Question 4).
func Peek(in []byte, expect Direction) (Fields, error) {
	var f Fields
	if len(in) < Size {
		return f, ErrShortBuffer
	}
	r := cursor.NewReader(in[:19])
	var err error
	if f.PacketType, err = r.ReadUint8(); err != nil {
		return f, err
	}
	if f.Sequence, err = r.ReadUint64(); err != nil {
		return f, err
	}
	if f.SessionID, err = r.ReadUint64(); err != nil {
		return f, err
	}
	if f.SessionVersion, err = r.ReadUint8(); err != nil {
		return f, err
	}

	gotServerToClient := f.Sequence&directionBit != 0
	wantServerToClient := expect == ServerToClient
	if gotServerToClient != wantServerToClient {
		return f, ErrWrongDirection
	}

	gotResponseClass := f.Sequence&responseClassBit != 0
	if gotResponseClass != wantResponseClass(f.PacketType) {
		return f, ErrWrongResponseClass
	}
	return f, nil
}

// Verify recomputes the AEAD over associated data = in[9:19] and nonce =
// (4 zero bytes, sequence LE), checking the 16-byte tag at offset 19. On
// success the ciphertext region (there is none; the header AEAD only
// protects an empty plaintext) is untouched.
func Verify(key [32]byte, in []byte) error {
	if len(in) < Size {
		return ErrShortBuffer
	}
	_, open, err := relaycrypto.HeaderAEAD(key)
	if err != nil {
		return err
	}
	seq := uint64(in[1]) | uint64(in[2])<<8 | uint64(in[3])<<16 | uint64(in[4])<<24 |
		uint64(in[5])<<32 | uint64(in[6])<<40 | uint64(in[7])<<48 | uint64(in[8])<<56
	nonce := sequenceNonce(seq)
	if err := open(nonce[:], in[9:19], in[19:35]); err != nil {
		return ErrVerifyFailed
	}
	return nil
}

func sequenceNonce(seq uint64) [12]byte {
	var n [12]byte
	n[4] = byte(seq)
	n[5] = byte(seq >> 8)
	n[6] = byte(seq >> 16)
	n[7] = byte(seq >> 24)
	n[8] = byte(seq >> 32)
	n[9] = byte(seq >> 40)
	n[10] = byte(seq >> 48)
	n[11] = byte(seq >> 56)
	return n
}
