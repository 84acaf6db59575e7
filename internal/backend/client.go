// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package backend implements the relay's half of the control-plane
// protocol (§4.K): the init/update/shutdown RPC loop over HTTPS, signed
// and encrypted with the same box construction as route tokens, mutating
// the ping manager's mesh and publishing the counter snapshot.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bridgemesh/relaynode/internal/counters"
	"github.com/bridgemesh/relaynode/internal/pingmgr"
	"github.com/bridgemesh/relaynode/internal/relaycrypto"
)

// requestTimeout is the wall-clock timeout for every HTTPS request (§5,
// §6): "HTTPS requests use a 1-second wall-clock timeout."
const requestTimeout = time.Second

var ErrHTTPStatus = errors.New("backend: unexpected HTTP status")

// Client is the relay's backend RPC client. It owns the backend-assigned
// token and the router-time anchor established at Init; both are read by
// the data plane's expiry checks (routerNow) and so are protected by a
// mutex even though only the backend client goroutine ever calls Update.
type Client struct {
	httpClient *http.Client
	baseURL    string

	relayAddress string
	routerPub    relaycrypto.PublicKey
	relayPriv    relaycrypto.PrivateKey

	mu                    sync.Mutex
	token                 [TokenSize]byte
	initTime              time.Time
	initRouterTimestamp   uint64
	initialized           bool
}

// New returns a Client ready to Init against baseURL.
func New(baseURL, relayAddress string, routerPub relaycrypto.PublicKey, relayPriv relaycrypto.PrivateKey) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    baseURL,
		relayAddress: relayAddress,
		routerPub:  routerPub,
		relayPriv:  relayPriv,
	}
}

// RouterNow returns the relay's current estimate of control-plane time
// (§4.K): initializeRouterTimestamp + floor(now - initializeTime). It must
// only be called after a successful Init.
func (c *Client) RouterNow() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return 0
	}
	elapsed := time.Since(c.initTime).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return c.initRouterTimestamp + uint64(elapsed)
}

// Init performs the relay_init RPC once. Callers retry per §4.K's "60
// one-second retries" policy (see Service.Run).
func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	body, err := EncodeInitRequest(c.relayAddress, token, c.routerPub, c.relayPriv)
	if err != nil {
		return fmt.Errorf("backend: encoding init request: %w", err)
	}

	respBody, err := c.post(ctx, "/relay_init", body)
	if err != nil {
		return err
	}

	resp, err := DecodeInitResponse(respBody)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.token = resp.NewToken
	c.initTime = time.Now()
	c.initRouterTimestamp = resp.RouterTimestamp
	c.initialized = true
	c.mu.Unlock()

	return nil
}

// Update performs one relay_update RPC and returns the new peer list the
// backend wants this relay to mesh-ping.
func (c *Client) Update(ctx context.Context, stats []pingmgr.Stat, sessionCount uint64, snap counters.Snapshot, shutdown bool) ([]pingmgr.Peer, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	req := UpdateRequest{
		RelayAddress: c.relayAddress,
		Token:        token,
		PingStats:    stats,
		SessionCount: sessionCount,
		Counters:     snap,
		Shutdown:     shutdown,
	}
	body, err := EncodeUpdateRequest(req)
	if err != nil {
		return nil, fmt.Errorf("backend: encoding update request: %w", err)
	}

	respBody, err := c.post(ctx, "/relay_update", body)
	if err != nil {
		return nil, err
	}

	resp, err := DecodeUpdateResponse(respBody)
	if err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", "network next relay")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d", ErrHTTPStatus, resp.StatusCode)
	}
	return respBody, nil
}
