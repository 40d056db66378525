// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Command fproxyd hosts the fwdproxy engine as a standalone process. It's a
// thin example host, not part of the library surface: real deployments are
// expected to embed the fwdproxy package directly and wire their own hooks.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hexinfra/fwdproxy"
)

// CLI mirrors kidoz-vulners-proxy-go/internal/config.CLI's shape: a single
// flat struct kong.Parse fills in, with a --config pointing at the TOML file
// carrying everything else.
type CLI struct {
	Config string `help:"Path to a TOML config file." default:""`
	Listen string `help:"Override listen_addr from the config file." default:""`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("fproxyd"),
		kong.Description("Extensible HTTP/1.x forward proxy."),
	)

	cfg := fwdproxy.DefaultConfig()
	if cli.Config != "" {
		loaded, err := fwdproxy.LoadConfig(cli.Config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fproxyd: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if cli.Listen != "" {
		cfg.ListenAddr = cli.Listen
	}

	logger, err := fwdproxy.NewZapLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fproxyd: failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	registry := prometheus.NewRegistry()
	metrics := fwdproxy.NewMetrics(registry)

	var relay *fwdproxy.Destination
	if cfg.RelayProxyAddr != "" {
		host, port, err := splitRelayAddr(cfg.RelayProxyAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fproxyd: bad relay_proxy_addr: %v\n", err)
			os.Exit(1)
		}
		relay = &fwdproxy.Destination{Host: host, Port: port}
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			logger.Logf("fproxyd: metrics listening on %s", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Logf("fproxyd: metrics server exited: %v", err)
			}
		}()
	}

	acceptor := fwdproxy.NewAcceptor(cfg, fwdproxy.Hooks{}, logger, metrics, relay)
	logger.Logf("fproxyd: listening on %s", cfg.ListenAddr)
	if err := acceptor.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "fproxyd: %v\n", err)
		os.Exit(1)
	}
}

func splitRelayAddr(addr string) (string, int, error) {
	i := len(addr) - 1
	for i >= 0 && addr[i] != ':' {
		i--
	}
	var port int
	if i <= 0 {
		return "", 0, fmt.Errorf("expected host:port, got %q", addr)
	}
	if _, err := fmt.Sscanf(addr[i+1:], "%d", &port); err != nil {
		return "", 0, fmt.Errorf("expected host:port, got %q", addr)
	}
	return addr[:i], port, nil
}
