// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package fwdproxy

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcceptorServesAndReportsActiveConnections(t *testing.T) {
	addr := originServer(t, func(rl RequestLine, h *Header) string {
		return "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok"
	})

	cfg := DefaultConfig()
	cfg.SweepIntervalSecs = 3600
	a := NewAcceptor(cfg, Hooks{}, NoopLogger{}, nil, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go a.Serve(ln)
	t.Cleanup(func() { a.Close() })

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return a.ActiveConnections() == 1 }, 2*time.Second, 10*time.Millisecond)

	cs := NewSocket(conn)
	require.NoError(t, cs.WriteLine("GET http://"+addr+"/ HTTP/1.1"))
	require.NoError(t, cs.WriteBytes([]byte("Host: "+addr+"\r\nConnection: close\r\n\r\n")))

	sl, err := ParseStatusLine(cs)
	require.NoError(t, err)
	require.Equal(t, 200, sl.Code)
}

func TestAcceptorCloseStopsServing(t *testing.T) {
	cfg := DefaultConfig()
	a := NewAcceptor(cfg, Hooks{}, NoopLogger{}, nil, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	serveDone := make(chan error, 1)
	go func() { serveDone <- a.Serve(ln) }()

	require.NoError(t, a.Close())

	select {
	case err := <-serveDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

func TestAcceptorAdmissionThrottleRejectsBurst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnsPerSecond = 1
	a := NewAcceptor(cfg, Hooks{}, NoopLogger{}, nil, nil)
	require.NotNil(t, a.limiter)

	// rate 1/s with a burst of 2: the third admission in the same instant is refused.
	require.True(t, a.limiter.Allow())
	require.True(t, a.limiter.Allow())
	require.False(t, a.limiter.Allow())
}
