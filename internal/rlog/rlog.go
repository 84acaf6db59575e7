// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package rlog wires the relay's two logging knobs (RELAY_LOG_FILE,
// RELAY_DEBUG) onto the teacher's internal/slogutil formatting handler,
// rather than reimplementing a logger on top of the standard library's
// bare log package.
package rlog

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bridgemesh/relaynode/internal/slogutil"
)

// Init installs the process-wide logger. debugFlag is RELAY_DEBUG's raw
// integer value (§6): the reference relay's surprising polarity is
// preserved on purpose (SPEC_FULL.md, Ambient Stack / Logging) — zero
// (the unset default) means verbose/debug logging, any nonzero value
// raises the floor to info.
func Init(logFile string, debugFlag int) error {
	var out io.Writer = os.Stdout
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("rlog: opening log file: %w", err)
		}
		out = f
	}
	slogutil.SetOutput(out)

	if debugFlag == 0 {
		slogutil.SetDefaultLevel(slog.LevelDebug)
	} else {
		slogutil.SetDefaultLevel(slog.LevelInfo)
	}
	return nil
}

// SetPackageLevel is a programmatic-only override knob (no corresponding
// env var is specified — see SPEC_FULL.md), retained from the teacher for
// operational debugging of a single package at a time.
func SetPackageLevel(pkg string, level slog.Level) {
	slogutil.SetPackageLevel(pkg, level)
}

// New returns a logging adapter registered under descr, matching the
// teacher's per-package registration idiom (slogutil.NewAdapter).
func New(descr string) *slog.Logger {
	slogutil.RegisterPackage(descr)
	return slog.Default()
}
