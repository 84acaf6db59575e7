// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package relaycrypto wraps the primitives the relay needs: an
// authenticated-box AEAD for tokens (curve25519-xsalsa20-poly1305, via
// golang.org/x/crypto/nacl/box), AEAD-ChaCha20-Poly1305-IETF for session
// headers, detached Ed25519 signature helpers, a keyed BLAKE2b framing
// hash, and a CSPRNG helper. The backend client does not sign its payloads
// and the processor does not use the framing hash.
package relaycrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

const (
	// PublicKeySize is the size of an X25519 public key used by the box.
	PublicKeySize = 32
	// PrivateKeySize is the size of an X25519 private key used by the box.
	PrivateKeySize = 32
	// BoxNonceSize is the size of the random nonce prefixed to every
	// box-encrypted payload.
	BoxNonceSize = 24
	// BoxOverhead is the Poly1305 MAC size appended by box.Seal.
	BoxOverhead = box.Overhead
	// HeaderKeySize is the size of a session's per-packet AEAD key.
	HeaderKeySize = chacha20poly1305.KeySize
	// HeaderTagSize is the size of the authentication tag on a session header.
	HeaderTagSize = chacha20poly1305.Overhead
	// FramingHashSize is the size of the optional keyed hash prefix.
	FramingHashSize = 8
)

var (
	ErrOpenFailed   = errors.New("relaycrypto: box open failed")
	ErrShortBuffer  = errors.New("relaycrypto: buffer too short")
	ErrBadKeySize   = errors.New("relaycrypto: wrong key size")
	ErrVerifyFailed = errors.New("relaycrypto: signature verification failed")
)

// PublicKey and PrivateKey are X25519 keys used for the box construction.
type PublicKey [PublicKeySize]byte
type PrivateKey [PrivateKeySize]byte

// RandomBytes fills b with CSPRNG output.
func RandomBytes(b []byte) error {
	_, err := rand.Read(b)
	return err
}

// RandomNonce returns a fresh 24-byte box nonce.
func RandomNonce() ([BoxNonceSize]byte, error) {
	var n [BoxNonceSize]byte
	if err := RandomBytes(n[:]); err != nil {
		return n, err
	}
	return n, nil
}

// BoxSeal encrypts plaintext with the sender's private key and the
// receiver's public key, using the given nonce, and appends the result to
// dst.
func BoxSeal(dst []byte, plaintext []byte, nonce [BoxNonceSize]byte, senderPriv PrivateKey, receiverPub PublicKey) []byte {
	pub := [32]byte(receiverPub)
	priv := [32]byte(senderPriv)
	return box.Seal(dst, plaintext, &nonce, &pub, &priv)
}

// BoxOpen decrypts a box-sealed ciphertext produced by BoxSeal. It returns
// ErrOpenFailed if the MAC does not verify.
func BoxOpen(dst []byte, ciphertext []byte, nonce [BoxNonceSize]byte, senderPub PublicKey, receiverPriv PrivateKey) ([]byte, error) {
	pub := [32]byte(senderPub)
	priv := [32]byte(receiverPriv)
	out, ok := box.Open(dst, ciphertext, &nonce, &pub, &priv)
	if !ok {
		return nil, ErrOpenFailed
	}
	return out, nil
}

// HeaderAEAD builds the ChaCha20-Poly1305-IETF AEAD used for session
// headers, keyed by a session's 32-byte private key.
func HeaderAEAD(key [HeaderKeySize]byte) (func(nonce, additional []byte) []byte, func(nonce, additional, tag []byte) error, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, nil, err
	}
	seal := func(nonce, additional []byte) []byte {
		return aead.Seal(nil, nonce, nil, additional)
	}
	open := func(nonce, additional, tag []byte) error {
		_, err := aead.Open(nil, nonce, tag, additional)
		if err != nil {
			return ErrOpenFailed
		}
		return nil
	}
	return seal, open, nil
}

// Sign produces a detached Ed25519 signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify checks a detached Ed25519 signature.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}

// FramingKey is the key for the optional hashed-framing keyed BLAKE2b hash
// (Open Question 5 / SPEC_FULL supplemented features).
type FramingKey [32]byte

// FramingHash computes the 8-byte keyed BLAKE2b prefix over packet.
func FramingHash(key FramingKey, packet []byte) ([FramingHashSize]byte, error) {
	var out [FramingHashSize]byte
	h, err := blake2b.New(FramingHashSize, key[:])
	if err != nil {
		return out, err
	}
	h.Write(packet)
	copy(out[:], h.Sum(nil))
	return out, nil
}
