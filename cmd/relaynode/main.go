// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Command relaynode is the orchestrator (§4.M): it parses configuration,
// binds the UDP socket, wires the session table, ping manager, counters,
// packet processor, ping scheduler and backend client together under a
// suture supervision tree, and handles SIGINT/SIGTERM/SIGHUP per §5/§6.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/bridgemesh/relaynode/internal/backend"
	"github.com/bridgemesh/relaynode/internal/config"
	"github.com/bridgemesh/relaynode/internal/counters"
	"github.com/bridgemesh/relaynode/internal/pingmgr"
	"github.com/bridgemesh/relaynode/internal/processor"
	"github.com/bridgemesh/relaynode/internal/rlog"
	"github.com/bridgemesh/relaynode/internal/scheduler"
	"github.com/bridgemesh/relaynode/internal/session"
	"github.com/bridgemesh/relaynode/internal/statussrv"
	"github.com/bridgemesh/relaynode/internal/udpio"

	_ "github.com/bridgemesh/relaynode/lib/automaxprocs"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		// Configuration errors predate logger setup (§7): stderr is the
		// only surface guaranteed to exist.
		os.Stderr.WriteString("relaynode: " + err.Error() + "\n")
		return 1
	}

	if err := rlog.Init(cfg.LogFile, cfg.Debug); err != nil {
		os.Stderr.WriteString("relaynode: " + err.Error() + "\n")
		return 1
	}
	log := rlog.New("relaynode/main")

	conns, err := udpio.ListenN(cfg.RelayAddress, cfg.ReceiverCount, log)
	if err != nil {
		log.Error("binding UDP socket failed", "address", cfg.RelayAddress, "address_count", cfg.ReceiverCount, "error", err)
		return 1
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	conn := conns[0]
	if len(conns) < cfg.ReceiverCount {
		log.Warn("reuseport unsupported on this platform, falling back to a single receiver", "requested", cfg.ReceiverCount)
	}

	table := session.NewTable()
	pingMgr := pingmgr.New()
	cnt := counters.New()

	client := backend.New("https://"+cfg.BackendHostname, cfg.RelayAddress, cfg.RouterPublicKey, cfg.RelayPrivateKey)

	proc := processor.New(table, pingMgr, cnt, conn, cfg.RouterPublicKey, cfg.RelayPrivateKey, client.RouterNow, rlog.New("processor"))
	sched := scheduler.New(table, pingMgr, conn, rlog.New("scheduler"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var exitCode atomic.Int32
	backendSvc := backend.NewService(client, table, pingMgr, cnt, rlog.New("backend"))
	backendSvc.Fatal = func(err error) {
		log.Error("backend fatal", "error", err)
		exitCode.Store(1)
		cancel()
	}

	sup := suture.NewSimple("relaynode")
	for i, c := range conns {
		recv := udpio.NewReceiver(c, proc, rlog.New("udpio").With("receiver", i))
		sup.Add(recv)
	}
	sup.Add(sched)
	sup.Add(backendSvc)

	if cfg.StatusAddress != "" {
		status := statussrv.New(cfg.StatusAddress, func() statussrv.Snapshot {
			table.Lock()
			numSessions := table.Len()
			table.Unlock()
			snap := cnt.Snapshot()
			return statussrv.Snapshot{
				NumSessions:  numSessions,
				NumRelays:    pingMgr.NumRelays(),
				PacketCounts: snap.PacketsByName(),
				ByteCounts:   snap.BytesByName(),
			}
		})
		sup.Add(status)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				log.Info("SIGHUP received, starting shutdown protocol")
				backendSvc.TriggerShutdown()
				go func() {
					<-backendSvc.ShutdownDone()
					log.Info("shutdown protocol complete, exiting")
					cancel()
				}()
			case syscall.SIGINT, syscall.SIGTERM:
				log.Info("signal received, shutting down", "signal", sig.String())
				cancel()
				return
			}
		}
	}()

	if err := sup.Serve(ctx); err != nil {
		log.Error("supervisor exited with error", "error", err)
		if exitCode.Load() == 0 {
			exitCode.Store(1)
		}
	}

	// A brief pause before a clean exit. On SIGHUP ctx is cancelled only
	// after ShutdownDone closes, so the backend's shutdown sequence (up to
	// 90s: 60 retries + 30s sleep) has already finished here; on
	// SIGINT/SIGTERM the cancelled ctx ends that sequence early.
	if exitCode.Load() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	return int(exitCode.Load())
}
