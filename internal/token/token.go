// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package token implements the plaintext layout and box-encrypted wire
// format of route tokens and continue tokens.
package token

import (
	"github.com/bridgemesh/relaynode/internal/addr"
	"github.com/bridgemesh/relaynode/internal/cursor"
	"github.com/bridgemesh/relaynode/internal/relaycrypto"
)

// Plaintext sizes.
const (
	RoutePlaintextSize    = 77
	ContinuePlaintextSize = 18
)

// Encrypted (wire) sizes: nonce + plaintext + MAC.
const (
	EncryptedRouteSize    = relaycrypto.BoxNonceSize + RoutePlaintextSize + relaycrypto.BoxOverhead    // 117
	EncryptedContinueSize = relaycrypto.BoxNonceSize + ContinuePlaintextSize + relaycrypto.BoxOverhead // 58
)

// Route is the plaintext route token: permission to create or forward a
// session, carrying the next hop and the per-session key.
type Route struct {
	ExpireTimestamp uint64
	SessionID       uint64
	SessionVersion  uint8
	SessionFlags    uint8
	KbpsUp          uint32
	KbpsDown        uint32
	NextAddress     addr.Address
	PrivateKey      [32]byte
}

// Continue is the plaintext continue token: permission to extend an
// existing session's expiry.
type Continue struct {
	ExpireTimestamp uint64
	SessionID       uint64
	SessionVersion  uint8
	SessionFlags    uint8
}

// WriteRoute serializes t into its 77-byte plaintext layout.
func WriteRoute(t Route) ([RoutePlaintextSize]byte, error) {
	var out [RoutePlaintextSize]byte
	w := cursor.NewWriter(out[:])
	if err := w.WriteUint64(t.ExpireTimestamp); err != nil {
		return out, err
	}
	if err := w.WriteUint64(t.SessionID); err != nil {
		return out, err
	}
	if err := w.WriteUint8(t.SessionVersion); err != nil {
		return out, err
	}
	if err := w.WriteUint8(t.SessionFlags); err != nil {
		return out, err
	}
	if err := w.WriteUint32(t.KbpsUp); err != nil {
		return out, err
	}
	if err := w.WriteUint32(t.KbpsDown); err != nil {
		return out, err
	}
	var addrBuf [addr.WireSize]byte
	if err := t.NextAddress.WriteTo(addrBuf[:]); err != nil {
		return out, err
	}
	if err := w.WriteBytes(addrBuf[:]); err != nil {
		return out, err
	}
	if err := w.WriteBytes(t.PrivateKey[:]); err != nil {
		return out, err
	}
	return out, nil
}

// ReadRoute parses a 77-byte plaintext route token.
func ReadRoute(buf []byte) (Route, error) {
	var t Route
	r := cursor.NewReader(buf)
	var err error
	if t.ExpireTimestamp, err = r.ReadUint64(); err != nil {
		return t, err
	}
	if t.SessionID, err = r.ReadUint64(); err != nil {
		return t, err
	}
	if t.SessionVersion, err = r.ReadUint8(); err != nil {
		return t, err
	}
	if t.SessionFlags, err = r.ReadUint8(); err != nil {
		return t, err
	}
	if t.KbpsUp, err = r.ReadUint32(); err != nil {
		return t, err
	}
	if t.KbpsDown, err = r.ReadUint32(); err != nil {
		return t, err
	}
	addrBytes, err := r.ReadBytes(addr.WireSize)
	if err != nil {
		return t, err
	}
	if t.NextAddress, err = addr.ReadFrom(addrBytes); err != nil {
		return t, err
	}
	keyBytes, err := r.ReadBytes(32)
	if err != nil {
		return t, err
	}
	copy(t.PrivateKey[:], keyBytes)
	return t, nil
}

// WriteContinue serializes t into its 18-byte plaintext layout.
func WriteContinue(t Continue) ([ContinuePlaintextSize]byte, error) {
	var out [ContinuePlaintextSize]byte
	w := cursor.NewWriter(out[:])
	if err := w.WriteUint64(t.ExpireTimestamp); err != nil {
		return out, err
	}
	if err := w.WriteUint64(t.SessionID); err != nil {
		return out, err
	}
	if err := w.WriteUint8(t.SessionVersion); err != nil {
		return out, err
	}
	if err := w.WriteUint8(t.SessionFlags); err != nil {
		return out, err
	}
	return out, nil
}

// ReadContinue parses an 18-byte plaintext continue token.
func ReadContinue(buf []byte) (Continue, error) {
	var t Continue
	r := cursor.NewReader(buf)
	var err error
	if t.ExpireTimestamp, err = r.ReadUint64(); err != nil {
		return t, err
	}
	if t.SessionID, err = r.ReadUint64(); err != nil {
		return t, err
	}
	if t.SessionVersion, err = r.ReadUint8(); err != nil {
		return t, err
	}
	if t.SessionFlags, err = r.ReadUint8(); err != nil {
		return t, err
	}
	return t, nil
}

// WriteEncryptedRoute produces the 117-byte wire form: a fresh 24-byte
// nonce followed by the box ciphertext of the 77-byte plaintext token.
func WriteEncryptedRoute(t Route, senderPriv relaycrypto.PrivateKey, receiverPub relaycrypto.PublicKey) ([EncryptedRouteSize]byte, error) {
	var out [EncryptedRouteSize]byte
	plaintext, err := WriteRoute(t)
	if err != nil {
		return out, err
	}
	nonce, err := relaycrypto.RandomNonce()
	if err != nil {
		return out, err
	}
	copy(out[:relaycrypto.BoxNonceSize], nonce[:])
	sealed := relaycrypto.BoxSeal(out[:relaycrypto.BoxNonceSize], plaintext[:], nonce, senderPriv, receiverPub)
	copy(out[:], sealed)
	return out, nil
}

// ReadEncryptedRoute decrypts and parses a 117-byte encrypted route token.
func ReadEncryptedRoute(buf []byte, senderPub relaycrypto.PublicKey, receiverPriv relaycrypto.PrivateKey) (Route, error) {
	var t Route
	if len(buf) != EncryptedRouteSize {
		return t, relaycrypto.ErrShortBuffer
	}
	var nonce [relaycrypto.BoxNonceSize]byte
	copy(nonce[:], buf[:relaycrypto.BoxNonceSize])
	plaintext, err := relaycrypto.BoxOpen(nil, buf[relaycrypto.BoxNonceSize:], nonce, senderPub, receiverPriv)
	if err != nil {
		return t, err
	}
	return ReadRoute(plaintext)
}

// WriteEncryptedContinue produces the 58-byte wire form of a continue token.
func WriteEncryptedContinue(t Continue, senderPriv relaycrypto.PrivateKey, receiverPub relaycrypto.PublicKey) ([EncryptedContinueSize]byte, error) {
	var out [EncryptedContinueSize]byte
	plaintext, err := WriteContinue(t)
	if err != nil {
		return out, err
	}
	nonce, err := relaycrypto.RandomNonce()
	if err != nil {
		return out, err
	}
	copy(out[:relaycrypto.BoxNonceSize], nonce[:])
	sealed := relaycrypto.BoxSeal(out[:relaycrypto.BoxNonceSize], plaintext[:], nonce, senderPriv, receiverPub)
	copy(out[:], sealed)
	return out, nil
}

// ReadEncryptedContinue decrypts and parses a 58-byte encrypted continue token.
func ReadEncryptedContinue(buf []byte, senderPub relaycrypto.PublicKey, receiverPriv relaycrypto.PrivateKey) (Continue, error) {
	var t Continue
	if len(buf) != EncryptedContinueSize {
		return t, relaycrypto.ErrShortBuffer
	}
	var nonce [relaycrypto.BoxNonceSize]byte
	copy(nonce[:], buf[:relaycrypto.BoxNonceSize])
	plaintext, err := relaycrypto.BoxOpen(nil, buf[relaycrypto.BoxNonceSize:], nonce, senderPub, receiverPriv)
	if err != nil {
		return t, err
	}
	return ReadContinue(plaintext)
}
