// Copyright (C) 2024 The relaynode Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package config loads the relay's entire configuration surface from the
// environment (§6), matching the teacher's getEnvDefault-over-os.Getenv
// idiom (cmd/stdiscosrv, cmd/stcrashreceiver) rather than a flag-based or
// file-based config layer, since the spec closes off any other surface
// for the required settings.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"

	"github.com/bridgemesh/relaynode/internal/relaycrypto"
)

// Config is the fully parsed, validated environment configuration.
type Config struct {
	RelayAddress string

	RelayPublicKey  relaycrypto.PublicKey
	RelayPrivateKey relaycrypto.PrivateKey

	RouterPublicKey relaycrypto.PublicKey

	BackendHostname string

	LogFile string
	Debug   int

	// StatusAddress binds the optional debug/status HTTP endpoint
	// (SUPPLEMENTED FEATURES §3). Empty disables it; the spec names no
	// such surface, so it is opt-in only and never required.
	StatusAddress string

	// ReceiverCount selects the §5 "multiple receivers sharing a
	// reuse-port socket" optimization: that many SO_REUSEPORT listeners
	// are bound to RELAY_ADDRESS, each run by its own receiver goroutine.
	// Unset or 1 keeps the default single-receiver behavior.
	ReceiverCount int
}

// Load reads and validates every variable in §6's table. Any missing
// required variable or malformed key is a configuration error: fatal at
// startup per §7, reported here as a returned error for the caller to log
// and exit(1) on.
func Load() (*Config, error) {
	var cfg Config
	var err error

	if cfg.RelayAddress, err = requireEnv("RELAY_ADDRESS"); err != nil {
		return nil, err
	}

	if cfg.RelayPublicKey, err = requireKey("RELAY_PUBLIC_KEY"); err != nil {
		return nil, err
	}
	if cfg.RelayPrivateKey, err = requireKeyPriv("RELAY_PRIVATE_KEY"); err != nil {
		return nil, err
	}
	if cfg.RouterPublicKey, err = requireKey("RELAY_ROUTER_PUBLIC_KEY"); err != nil {
		return nil, err
	}

	if cfg.BackendHostname, err = requireEnv("RELAY_BACKEND_HOSTNAME"); err != nil {
		return nil, err
	}

	cfg.LogFile = os.Getenv("RELAY_LOG_FILE")

	debugStr := os.Getenv("RELAY_DEBUG")
	if debugStr == "" {
		cfg.Debug = 0
	} else {
		cfg.Debug, err = strconv.Atoi(debugStr)
		if err != nil {
			return nil, fmt.Errorf("config: RELAY_DEBUG: %w", err)
		}
	}

	cfg.StatusAddress = os.Getenv("RELAY_STATUS_ADDRESS")

	cfg.ReceiverCount = 1
	if rc := os.Getenv("RELAY_RECEIVER_COUNT"); rc != "" {
		n, err := strconv.Atoi(rc)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("config: RELAY_RECEIVER_COUNT: invalid value %q", rc)
		}
		cfg.ReceiverCount = n
	}

	return &cfg, nil
}

func requireEnv(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("config: %s is required", name)
	}
	return v, nil
}

func requireKey(name string) (relaycrypto.PublicKey, error) {
	var out relaycrypto.PublicKey
	v, err := requireEnv(name)
	if err != nil {
		return out, err
	}
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return out, fmt.Errorf("config: %s: invalid base64: %w", name, err)
	}
	if len(raw) != relaycrypto.PublicKeySize {
		return out, fmt.Errorf("config: %s: expected %d bytes, got %d", name, relaycrypto.PublicKeySize, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func requireKeyPriv(name string) (relaycrypto.PrivateKey, error) {
	var out relaycrypto.PrivateKey
	v, err := requireEnv(name)
	if err != nil {
		return out, err
	}
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return out, fmt.Errorf("config: %s: invalid base64: %w", name, err)
	}
	if len(raw) != relaycrypto.PrivateKeySize {
		return out, fmt.Errorf("config: %s: expected %d bytes, got %d", name, relaycrypto.PrivateKeySize, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
