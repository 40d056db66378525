// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package fwdproxy

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"
)

// Upstream owns at most one PS socket and reuses it across requests that
// target the same (host, port), per spec.md §4.D.
type Upstream struct {
	sock        *Socket
	dest        Destination
	bound       bool
	DialTimeout time.Duration
	Resolver    *net.Resolver // nil uses net.DefaultResolver
}

// NewUpstream returns an Upstream with a sane default dial timeout.
func NewUpstream() *Upstream {
	return &Upstream{DialTimeout: 10 * time.Second}
}

// Socket returns the currently bound PS socket, or nil.
func (u *Upstream) Socket() *Socket { return u.sock }

// Destination returns the (host, port) currently bound, valid only when
// Socket() is non-nil.
func (u *Upstream) Destination() Destination { return u.dest }

// Connect reuses the existing PS socket if it's alive and already bound to
// (host, port); otherwise it closes any existing socket, resolves host,
// and dials each candidate address in order. A connect failure to the
// literal address "::1" is skipped silently so a following IPv4 attempt
// can succeed quietly, matching spec.md §4.D.
func (u *Upstream) Connect(host string, port int) (*Socket, error) {
	dest := Destination{Host: host, Port: port}
	if u.bound && u.dest == dest && u.sock != nil && !u.sock.IsDead() {
		return u.sock, nil
	}
	u.closeCurrent()

	resolver := u.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	ips, err := resolver.LookupIPAddr(context.Background(), host)
	if err != nil {
		return nil, ioBroken("failed to resolve "+host, err)
	}
	if len(ips) == 0 {
		return nil, ioBroken("no addresses for "+host, errors.New("empty resolution"))
	}

	var firstErr error
	for _, ip := range ips {
		addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
		conn, dialErr := net.DialTimeout("tcp", addr, u.DialTimeout)
		if dialErr == nil {
			u.sock = NewSocket(conn)
			u.dest = dest
			u.bound = true
			return u.sock, nil
		}
		if ip.String() == "::1" {
			continue // skip silently, let a subsequent IPv4 attempt succeed quietly
		}
		if firstErr == nil {
			firstErr = dialErr
		}
	}
	if firstErr == nil {
		firstErr = errors.New("all resolved addresses failed")
	}
	return nil, ioBroken("failed to connect to "+dest.String(), firstErr)
}

// Close releases the current PS socket, if any.
func (u *Upstream) Close() error {
	err := u.closeCurrent()
	u.bound = false
	return err
}

func (u *Upstream) closeCurrent() error {
	if u.sock == nil {
		return nil
	}
	err := u.sock.Close()
	u.sock = nil
	return err
}
