// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package fwdproxy

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Acceptor is the TCP front door described in spec.md §6: it binds a
// listener, hands each accepted connection to a fresh Handler running on
// its own goroutine, and keeps a registry of live connections so it can
// report counts and sweep out anything that's wedged. Grounded on the
// teacher's server accept loop shape (server_tcp.go's Serve method), with
// the registry and sweeper adapted from gorox's connection-counting idiom
// rather than copied verbatim, since the teacher tracks whole Gates, not
// individual proxy connections.
type Acceptor struct {
	Config  Config
	Hooks   Hooks
	Logger  Logger
	Metrics *Metrics
	Relay   *Destination

	listener net.Listener
	limiter  *rate.Limiter // nil disables admission throttling

	mu       sync.Mutex
	conns    map[uint64]*trackedConn
	nextID   uint64
	closing  bool
	closedCh chan struct{}
}

type trackedConn struct {
	id        uint64
	corrID    string
	handler   *Handler
	startedAt time.Time
}

// NewAcceptor builds an Acceptor from cfg. If cfg.MaxConnsPerSecond > 0, an
// admission throttle is installed, grounded on kidoz-vulners-proxy-go's use
// of golang.org/x/time/rate for its inbound rate limiter middleware.
func NewAcceptor(cfg Config, hooks Hooks, logger Logger, metrics *Metrics, relay *Destination) *Acceptor {
	if logger == nil {
		logger = NoopLogger{}
	}
	a := &Acceptor{
		Config:   cfg,
		Hooks:    hooks,
		Logger:   logger,
		Metrics:  metrics,
		Relay:    relay,
		conns:    make(map[uint64]*trackedConn),
		closedCh: make(chan struct{}),
	}
	if cfg.MaxConnsPerSecond > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.MaxConnsPerSecond), int(cfg.MaxConnsPerSecond)+1)
	}
	return a
}

// ListenAndServe binds Config.ListenAddr and serves until Close is called.
func (a *Acceptor) ListenAndServe() error {
	network := "tcp4"
	if a.Config.UseIPv6 {
		network = "tcp"
	}
	ln, err := net.Listen(network, a.Config.ListenAddr)
	if err != nil {
		return ioBroken("failed to listen on "+a.Config.ListenAddr, err)
	}
	return a.Serve(ln)
}

// Serve accepts connections from ln until Close is called. Grounded on the
// teacher's Serve loop: accept in a tight loop, hand off to a goroutine per
// connection, and treat Accept errors as fatal only when the listener is
// gone.
func (a *Acceptor) Serve(ln net.Listener) error {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		ln.Close()
		return nil
	}
	a.listener = ln
	a.mu.Unlock()
	go a.sweepLoop()
	for {
		conn, err := ln.Accept()
		if err != nil {
			a.mu.Lock()
			closing := a.closing
			a.mu.Unlock()
			if closing {
				return nil
			}
			a.Logger.Logf("fwdproxy: accept error: %v", err)
			continue
		}
		if a.limiter != nil && !a.limiter.Allow() {
			conn.Close()
			continue
		}
		go a.serveOne(conn)
	}
}

func (a *Acceptor) serveOne(conn net.Conn) {
	if a.Metrics != nil {
		a.Metrics.ConnectionsTotal.Inc()
	}
	sock := NewSocket(conn)
	if d := a.Config.IdleTimeout(); d > 0 {
		_ = sock.SetDeadline(time.Now().Add(d))
	}
	handler := NewHandler(sock, a.Hooks, a.Logger, a.Metrics, a.Relay)

	id, corrID := a.register(handler)
	defer a.unregister(id)

	a.Logger.Logf("fwdproxy: connection %s accepted from %s", corrID, conn.RemoteAddr())
	handler.Run()
	a.Logger.Logf("fwdproxy: connection %s closed", corrID)
}

// register adds handler to the registry, assigning it a monotonic id and a
// uuid correlation id for log correlation, grounded on the correlation-id
// pattern in Jigsaw-Code-outline-sdk's transport handlers.
func (a *Acceptor) register(handler *Handler) (uint64, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := a.nextID
	corrID := uuid.NewString()
	a.conns[id] = &trackedConn{id: id, corrID: corrID, handler: handler, startedAt: time.Now()}
	return id, corrID
}

func (a *Acceptor) unregister(id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.conns, id)
}

// ActiveConnections returns the number of connections currently being served.
func (a *Acceptor) ActiveConnections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

// sweepLoop periodically closes the client socket of every connection that
// was accepted more than IdleTimeout plus one sweep interval ago and is
// still registered — a backstop for handlers stuck in a blocking call. Age
// is measured from accept time, not from the last activity, and the sweep
// does nothing when IdleTimeout is 0. Grounded on spec.md §5's
// mention of an optional periodic sweep of stale entries.
func (a *Acceptor) sweepLoop() {
	interval := a.Config.SweepInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.closedCh:
			return
		case <-ticker.C:
			a.sweep(interval)
		}
	}
}

func (a *Acceptor) sweep(interval time.Duration) {
	idle := a.Config.IdleTimeout()
	if idle == 0 {
		return
	}
	deadline := time.Now().Add(-(idle + interval))
	a.mu.Lock()
	var stale []*trackedConn
	for _, tc := range a.conns {
		if tc.startedAt.Before(deadline) {
			stale = append(stale, tc)
		}
	}
	a.mu.Unlock()
	for _, tc := range stale {
		a.Logger.Logf("fwdproxy: sweeping stale connection %s", tc.corrID)
		tc.handler.BP.Close()
	}
}

// Close stops accepting new connections and shuts down the sweeper. It does
// not forcibly close in-flight connections.
func (a *Acceptor) Close() error {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return nil
	}
	a.closing = true
	a.mu.Unlock()
	close(a.closedCh)
	if a.listener != nil {
		return a.listener.Close()
	}
	return nil
}
