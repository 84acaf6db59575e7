// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bridgemesh/relaynode/internal/cursor"
)

func TestClientInitSuccess(t *testing.T) {
	_, relayPriv := derivedKeyPair(10)
	routerPub, _ := derivedKeyPair(20)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/relay_init" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		buf := make([]byte, 4+8+TokenSize)
		wr := cursor.NewWriter(buf)
		_ = wr.WriteUint32(WireVersion)
		_ = wr.WriteUint64(1000)
		var tok [TokenSize]byte
		tok[0] = 0xAB
		_ = wr.WriteBytes(tok[:])
		w.Write(buf)
	}))
	defer srv.Close()

	c := New(srv.URL, "127.0.0.1:22067", routerPub, relayPriv)
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if c.RouterNow() < 1000 {
		t.Fatalf("RouterNow() = %d, want >= 1000", c.RouterNow())
	}
}

func TestClientInitHTTPError(t *testing.T) {
	_, relayPriv := derivedKeyPair(10)
	routerPub, _ := derivedKeyPair(20)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "127.0.0.1:22067", routerPub, relayPriv)
	if err := c.Init(context.Background()); err == nil {
		t.Fatal("Init against a 500 response should have failed")
	}
}

func TestClientUpdateAppliesPeerList(t *testing.T) {
	_, relayPriv := derivedKeyPair(10)
	routerPub, _ := derivedKeyPair(20)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/relay_init":
			buf := make([]byte, 4+8+TokenSize)
			wr := cursor.NewWriter(buf)
			_ = wr.WriteUint32(WireVersion)
			_ = wr.WriteUint64(1000)
			var tok [TokenSize]byte
			_ = wr.WriteBytes(tok[:])
			w.Write(buf)
		case "/relay_update":
			buf := make([]byte, 256)
			wr := cursor.NewWriter(buf)
			_ = wr.WriteUint32(WireVersion)
			_ = wr.WriteUint64(2000)
			_ = wr.WriteUint32(1)
			_ = wr.WriteUint64(7)
			_ = wr.WriteString("192.0.2.9:5000")
			w.Write(buf[:wr.Pos()])
		default:
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "127.0.0.1:22067", routerPub, relayPriv)
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	peers, err := c.Update(context.Background(), nil, 0, sharedCounters.Snapshot(), false)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(peers) != 1 || peers[0].ID != 7 {
		t.Fatalf("peers = %+v", peers)
	}
}
