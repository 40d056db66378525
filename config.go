// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package fwdproxy

import (
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is optional host-side plumbing: spec.md §6 keeps host CLI/config
// out of the core's scope, but the shape of a loadable config (listen
// address, buffer size, relay proxy, sweep cadence) is ambient enough that
// every host needs something like it, so it ships for hosts to use or
// ignore. Grounded on kidoz-vulners-proxy-go/internal/config, which loads
// its service config from TOML the same way.
type Config struct {
	ListenAddr        string  `toml:"listen_addr"`
	UseIPv6           bool    `toml:"use_ipv6"`
	BufferSize        int     `toml:"buffer_size"`
	IdleTimeoutSecs   int     `toml:"idle_timeout_secs"`
	SweepIntervalSecs int     `toml:"sweep_interval_secs"`
	RelayProxyAddr    string  `toml:"relay_proxy_addr"` // "" = no upstream relay
	MaxConnsPerSecond float64 `toml:"max_conns_per_second"`
	MetricsAddr       string  `toml:"metrics_addr"` // "" disables the /metrics endpoint
}

// DefaultConfig mirrors the defaults spec.md calls out inline: an 8 KiB
// buffer and a ~5 minute registry sweep.
func DefaultConfig() Config {
	return Config{
		ListenAddr:        "127.0.0.1:8080",
		BufferSize:        defaultBufSize,
		IdleTimeoutSecs:   0, // 0 disables the connection timeout
		SweepIntervalSecs: 300,
		MaxConnsPerSecond: 0, // 0 disables admission throttling
	}
}

// LoadConfig reads and parses a TOML config file, starting from DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// IdleTimeout returns the configured connection timeout, or 0 if disabled.
// The acceptor applies it once, when a client connection is accepted, as
// an absolute read/write deadline on that connection; traffic does not
// extend it.
func (c Config) IdleTimeout() time.Duration {
	if c.IdleTimeoutSecs <= 0 {
		return 0
	}
	return time.Duration(c.IdleTimeoutSecs) * time.Second
}

// SweepInterval returns the configured registry sweep interval, defaulting
// to 5 minutes if unset, per spec.md §5.
func (c Config) SweepInterval() time.Duration {
	if c.SweepIntervalSecs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.SweepIntervalSecs) * time.Second
}
