// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package slogutil

import (
	"io"
	"log/slog"
	"os"
)

var (
	GlobalRecorder = &lineRecorder{level: -1000}
	ErrorRecorder  = &lineRecorder{level: slog.LevelError}
	globalLevels   = &levelTracker{
		levels: make(map[string]slog.Level),
		descrs: make(map[string]string),
	}
	slogDef *slog.Logger
)

// DefaultLineFormat is the textual rendering used unless SetLineFormat
// overrides it: "TIMESTAMP LVL message (key=val, ...)".
var DefaultLineFormat = LineFormat{
	TimestampFormat: "2006-01-02 15:04:05",
	LevelString:     true,
}

// globalFormatter is the single formattingOptions instance shared by every
// handler derived from the default logger via WithAttrs/WithGroup, so that
// SetOutput/SetLineFormat take effect everywhere at once.
var globalFormatter *formattingOptions

func init() {
	var out io.Writer = os.Stdout
	if os.Getenv("LOGGER_DISCARD") != "" {
		// Hack to completely disable logging, for example when running
		// benchmarks.
		out = io.Discard
	}
	globalFormatter = &formattingOptions{
		LineFormat: DefaultLineFormat,
		out:        out,
		recs:       []*lineRecorder{GlobalRecorder, ErrorRecorder},
	}
	slogDef = slog.New(&formattingHandler{opts: globalFormatter})
	slog.SetDefault(slogDef)
}

// SetOutput redirects where formatted log lines are written. Used by
// internal/rlog to honor RELAY_LOG_FILE.
func SetOutput(w io.Writer) {
	globalFormatter.out = w
}
