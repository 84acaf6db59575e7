// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package statussrv is the optional debug/status HTTP endpoint, adapted
// from the teacher's cmd/strelaysrv status.go: a single JSON snapshot of
// uptime, session-table size, mesh size and packet counters. It is
// disabled unless RELAY_STATUS_ADDRESS is set (SUPPLEMENTED FEATURES §3).
package statussrv

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Snapshot is the data statussrv reports; the orchestrator fills it in on
// every request via the Source callback so the HTTP handler never touches
// the session table or ping manager lock directly.
type Snapshot struct {
	NumSessions  int            `json:"numSessions"`
	NumRelays    int            `json:"numRelays"`
	PacketCounts map[string]uint64 `json:"packetCounts"`
	ByteCounts   map[string]uint64 `json:"byteCounts"`
}

// Source produces a fresh Snapshot on demand.
type Source func() Snapshot

// Server is the optional status HTTP server.
type Server struct {
	addr      string
	source    Source
	startTime time.Time
}

// New returns a Server bound to addr, reporting whatever source produces.
func New(addr string, source Source) *Server {
	return &Server{addr: addr, source: source, startTime: time.Now()}
}

// Serve implements suture.Service: it runs the status/metrics HTTP server
// until ctx is cancelled, at which point it shuts the listener down and
// returns nil.
func (s *Server) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:        s.addr,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
	}
	srv.SetKeepAlivesEnabled(false)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	snap := s.source()
	status := map[string]any{
		"uptimeSeconds": int64(time.Since(s.startTime) / time.Second),
		"numSessions":   snap.NumSessions,
		"numRelays":     snap.NumRelays,
		"packetCounts":  snap.PacketCounts,
		"byteCounts":    snap.ByteCounts,
		"goVersion":     runtime.Version(),
		"goOS":          runtime.GOOS,
		"goArch":        runtime.GOARCH,
		"goMaxProcs":    runtime.GOMAXPROCS(-1),
		"goNumRoutine":  runtime.NumGoroutine(),
	}

	bs, err := json.MarshalIndent(status, "", "    ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(bs)
}
