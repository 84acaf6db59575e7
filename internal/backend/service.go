// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bridgemesh/relaynode/internal/counters"
	"github.com/bridgemesh/relaynode/internal/pingmgr"
	"github.com/bridgemesh/relaynode/internal/rclock"
	"github.com/bridgemesh/relaynode/internal/session"
)

const (
	initRetryInterval  = time.Second
	initMaxAttempts    = 60
	updateInterval     = time.Second
	maxConsecutiveFail = 11
	successStreakReset = 10
	shutdownMaxSeconds = 60
	shutdownFinalSleep = 30 * time.Second
)

// Service drives the backend RPC loop as a long-lived task (§4.K, §5): it
// owns no state of its own beyond the retry/success counters, reading and
// mutating the session table and ping manager under the table's shared
// lock (the same lock the data plane takes for its own O(1) operations).
type Service struct {
	Client   *Client
	Table    *session.Table
	PingMgr  *pingmgr.Manager
	Counters *counters.Counters
	Log      *slog.Logger

	// Fatal, if set, is called exactly once with the terminal error when
	// Serve is about to return it (§6: init failure or 11 consecutive
	// update failures). The orchestrator uses it to cancel every other
	// supervised task and pick the process's exit code; suture itself
	// only sees Serve's return value and Complete's signal not to retry.
	Fatal func(error)

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	shutdownDone chan struct{}
	fatal        atomic.Bool
	retired      atomic.Bool
}

// Complete implements suture.IsCompletable (see lib/api's pattern in the
// teacher): once Serve has returned a fatal error, or has run the
// voluntary SIGHUP shutdown protocol to completion, the supervisor must
// not restart this service.
func (s *Service) Complete() bool {
	return s.fatal.Load() || s.retired.Load()
}

func (s *Service) fail(err error) error {
	s.fatal.Store(true)
	if s.Fatal != nil {
		s.Fatal(err)
	}
	return err
}

// NewService wires a backend Service over the shared session table and
// ping manager.
func NewService(client *Client, table *session.Table, pingMgr *pingmgr.Manager, c *counters.Counters, log *slog.Logger) *Service {
	return &Service{
		Client:       client,
		Table:        table,
		PingMgr:      pingMgr,
		Counters:     c,
		Log:          log,
		shutdownCh:   make(chan struct{}),
		shutdownDone: make(chan struct{}),
	}
}

// TriggerShutdown starts the §4.K item 3 shutdown protocol; the SIGHUP
// handler in the orchestrator calls this exactly once.
func (s *Service) TriggerShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// ShutdownDone closes once the §4.K item 3 shutdown protocol has run to
// completion (whether or not the backend acknowledged it). The orchestrator
// waits on this after TriggerShutdown to know when it is safe to tear down
// the rest of the process.
func (s *Service) ShutdownDone() <-chan struct{} {
	return s.shutdownDone
}

// Serve implements suture.Service. It performs Init (retrying up to
// initMaxAttempts times, one second apart — §4.K item 1), then runs the
// update loop until ctx is cancelled or TriggerShutdown fires the
// shutdown protocol. A nonzero return is a fatal backend failure; the
// orchestrator treats it as exit code 1 (§6).
func (s *Service) Serve(ctx context.Context) error {
	if err := s.initWithRetry(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return s.fail(err)
	}
	if s.Log != nil {
		s.Log.Info("backend initialized")
	}

	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()

	var consecFail, successStreak int
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.shutdownCh:
			s.runShutdownSequence(ctx)
			s.retired.Store(true)
			close(s.shutdownDone)
			return nil
		case <-ticker.C:
			if err := s.doUpdate(ctx, false); err != nil {
				consecFail++
				successStreak = 0
				if s.Log != nil {
					s.Log.Warn("backend update failed", "attempt", consecFail, "error", err)
				}
				if consecFail >= maxConsecutiveFail {
					return s.fail(fmt.Errorf("backend: %d consecutive update failures: %w", consecFail, err))
				}
			} else {
				successStreak++
				if successStreak >= successStreakReset {
					consecFail = 0
					successStreak = 0
				}
			}
		}
	}
}

func (s *Service) initWithRetry(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < initMaxAttempts; attempt++ {
		if err := s.Client.Init(ctx); err == nil {
			return nil
		} else {
			lastErr = err
			if s.Log != nil {
				s.Log.Warn("backend init failed", "attempt", attempt+1, "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(initRetryInterval):
		}
	}
	return fmt.Errorf("backend: init failed after %d attempts: %w", initMaxAttempts, lastErr)
}

// doUpdate snapshots stats and counters, posts an update, and applies the
// returned peer list to the ping manager under the shared lock.
func (s *Service) doUpdate(ctx context.Context, shutdown bool) error {
	s.Table.Lock()
	stats := s.PingMgr.Stats(rclock.Seconds())
	sessionCount := uint64(s.Table.Len())
	s.Table.Unlock()

	snap := s.Counters.SnapshotAndReset()

	peers, err := s.Client.Update(ctx, stats, sessionCount, snap, shutdown)
	if err != nil {
		return err
	}

	s.Table.Lock()
	s.PingMgr.Update(peers, rclock.Seconds())
	s.Table.Unlock()
	return nil
}

// runShutdownSequence implements §4.K item 3: keep sending shutdown=true
// updates for up to 60 seconds or until the backend acknowledges one
// (an update call that returns no error); after an acknowledged update it
// sleeps 30 seconds before returning so the process can exit cleanly. If no
// update is acknowledged within the 60 attempts it returns without sleeping.
func (s *Service) runShutdownSequence(ctx context.Context) {
	if s.Log != nil {
		s.Log.Info("starting shutdown update sequence")
	}
	acked := false
	for i := 0; i < shutdownMaxSeconds; i++ {
		if err := s.doUpdate(ctx, true); err == nil {
			acked = true
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
	if acked {
		select {
		case <-ctx.Done():
		case <-time.After(shutdownFinalSleep):
		}
	}
}
