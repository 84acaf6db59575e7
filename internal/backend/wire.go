// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package backend

import (
	"errors"

	"github.com/bridgemesh/relaynode/internal/addr"
	"github.com/bridgemesh/relaynode/internal/counters"
	"github.com/bridgemesh/relaynode/internal/cursor"
	"github.com/bridgemesh/relaynode/internal/pingmgr"
	"github.com/bridgemesh/relaynode/internal/relaycrypto"
)

// InitRequestMagic identifies an init RPC body; grounded in
// original_source/reference/relay/relay.cpp's relay_init (§4.K).
const InitRequestMagic uint32 = 0x9083708f

// WireVersion is the only version this relay speaks.
const WireVersion uint32 = 0

// TokenSize is the relay's opaque backend-assigned token, distinct from
// route/continue tokens (§4.K init/update carry this one, not §3's).
const TokenSize = 32

var ErrMalformedResponse = errors.New("backend: malformed response")

// EncodeInitRequest builds the relay_init POST body: magic, version, a
// fresh random nonce, the relay's address, and the 32-byte relay token
// box-encrypted with (relayPriv, routerPub).
func EncodeInitRequest(relayAddress string, token [TokenSize]byte, routerPub relaycrypto.PublicKey, relayPriv relaycrypto.PrivateKey) ([]byte, error) {
	nonce, err := relaycrypto.RandomNonce()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 4+4+relaycrypto.BoxNonceSize+4+len(relayAddress)+TokenSize+relaycrypto.BoxOverhead+32)
	w := cursor.NewWriter(buf)
	if err := w.WriteUint32(InitRequestMagic); err != nil {
		return nil, err
	}
	if err := w.WriteUint32(WireVersion); err != nil {
		return nil, err
	}
	if err := w.WriteBytes(nonce[:]); err != nil {
		return nil, err
	}
	if err := w.WriteString(relayAddress); err != nil {
		return nil, err
	}

	sealed := relaycrypto.BoxSeal(nil, token[:], nonce, relayPriv, routerPub)
	if err := w.WriteBytes(sealed); err != nil {
		return nil, err
	}

	return buf[:w.Pos()], nil
}

// InitResponse is the decoded relay_init response (§4.K item 1).
type InitResponse struct {
	Version         uint32
	RouterTimestamp uint64
	NewToken        [TokenSize]byte
}

// DecodeInitResponse parses a relay_init response body.
func DecodeInitResponse(buf []byte) (InitResponse, error) {
	var out InitResponse
	r := cursor.NewReader(buf)
	var err error
	if out.Version, err = r.ReadUint32(); err != nil {
		return out, ErrMalformedResponse
	}
	if out.RouterTimestamp, err = r.ReadUint64(); err != nil {
		return out, ErrMalformedResponse
	}
	tokenBytes, err := r.ReadBytes(TokenSize)
	if err != nil {
		return out, ErrMalformedResponse
	}
	copy(out.NewToken[:], tokenBytes)
	return out, nil
}

// UpdateRequest is everything the periodic relay_update POST reports
// upstream: this relay's address and token, its mesh's ping stats, the
// number of live sessions, a delta snapshot of packet counters, and
// whether this is the final update before the process exits (§4.K item 3).
type UpdateRequest struct {
	RelayAddress string
	Token        [TokenSize]byte
	PingStats    []pingmgr.Stat
	SessionCount uint64
	Counters     counters.Snapshot
	Shutdown     bool
}

// EncodeUpdateRequest builds the relay_update POST body.
func EncodeUpdateRequest(u UpdateRequest) ([]byte, error) {
	size := 4 + 4 + len(u.RelayAddress) + TokenSize + 4 + len(u.PingStats)*(8+4+4+4) + 8 + 4*len(u.Counters.Packets)*16 + 1
	buf := make([]byte, size+64)
	w := cursor.NewWriter(buf)

	if err := w.WriteUint32(WireVersion); err != nil {
		return nil, err
	}
	if err := w.WriteString(u.RelayAddress); err != nil {
		return nil, err
	}
	if err := w.WriteBytes(u.Token[:]); err != nil {
		return nil, err
	}

	if err := w.WriteUint32(uint32(len(u.PingStats))); err != nil {
		return nil, err
	}
	for _, s := range u.PingStats {
		if err := w.WriteUint64(s.ID); err != nil {
			return nil, err
		}
		if err := w.WriteFloat32(float32(s.RTTMillis)); err != nil {
			return nil, err
		}
		if err := w.WriteFloat32(float32(s.JitterMillis)); err != nil {
			return nil, err
		}
		if err := w.WriteFloat32(float32(s.LossPercent)); err != nil {
			return nil, err
		}
	}

	if err := w.WriteUint64(u.SessionCount); err != nil {
		return nil, err
	}

	for i := range u.Counters.Packets {
		if err := w.WriteUint64(u.Counters.Packets[i]); err != nil {
			return nil, err
		}
		if err := w.WriteUint64(u.Counters.Bytes[i]); err != nil {
			return nil, err
		}
	}

	shutdownByte := uint8(0)
	if u.Shutdown {
		shutdownByte = 1
	}
	if err := w.WriteUint8(shutdownByte); err != nil {
		return nil, err
	}

	return buf[:w.Pos()], nil
}

// UpdateResponse is the decoded relay_update response: the new mesh to
// ping, replacing the current one wholesale (§4.H Update).
type UpdateResponse struct {
	Version   uint32
	Timestamp uint64
	Peers     []pingmgr.Peer
}

// DecodeUpdateResponse parses a relay_update response body.
func DecodeUpdateResponse(buf []byte) (UpdateResponse, error) {
	var out UpdateResponse
	r := cursor.NewReader(buf)
	var err error
	if out.Version, err = r.ReadUint32(); err != nil {
		return out, ErrMalformedResponse
	}
	if out.Timestamp, err = r.ReadUint64(); err != nil {
		return out, ErrMalformedResponse
	}
	numRelays, err := r.ReadUint32()
	if err != nil {
		return out, ErrMalformedResponse
	}
	if numRelays > pingmgr.MaxRelays {
		return out, ErrMalformedResponse
	}
	out.Peers = make([]pingmgr.Peer, numRelays)
	for i := range out.Peers {
		id, err := r.ReadUint64()
		if err != nil {
			return out, ErrMalformedResponse
		}
		addrStr, err := r.ReadString()
		if err != nil {
			return out, ErrMalformedResponse
		}
		a, err := addr.Parse(addrStr)
		if err != nil {
			return out, ErrMalformedResponse
		}
		out.Peers[i] = pingmgr.Peer{ID: id, Address: a}
	}
	return out, nil
}
