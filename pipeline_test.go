// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package fwdproxy

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

// originServer starts a one-shot TCP server that reads a single HTTP
// request (via this package's own parser, which doubles as a consistency
// check) and writes back the response text in full, then closes.
func originServer(t *testing.T, respond func(rl RequestLine, h *Header) string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		sock := NewSocket(conn)
		rl, err := ParseRequestLine(sock)
		if err != nil {
			return
		}
		hdr, err := ParseHeader(sock)
		if err != nil {
			return
		}
		if cl, ok := hdr.ContentLength(); ok && cl > 0 {
			buf := make([]byte, cl)
			_, _ = sock.ReadBinary(buf)
		}
		_ = sock.WriteBytes([]byte(respond(rl, hdr)))
	}()
	return ln.Addr().String()
}

func TestPipelineFixedLengthRoundTrip(t *testing.T) {
	addr := originServer(t, func(rl RequestLine, h *Header) string {
		return "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nConnection: close\r\n\r\nhello"
	})

	client, bp := net.Pipe()
	defer client.Close()
	handler := NewHandler(NewSocket(bp), Hooks{}, NoopLogger{}, nil, nil)
	done := make(chan struct{})
	go func() { handler.Run(); close(done) }()

	cs := NewSocket(client)
	require.NoError(t, cs.WriteLine("GET http://"+addr+"/path HTTP/1.1"))
	require.NoError(t, cs.WriteBytes([]byte("Host: "+addr+"\r\nConnection: close\r\n\r\n")))

	sl, err := ParseStatusLine(cs)
	require.NoError(t, err)
	require.Equal(t, 200, sl.Code)

	hdr, err := ParseHeader(cs)
	require.NoError(t, err)
	cl, ok := hdr.ContentLength()
	require.True(t, ok)
	require.Equal(t, uint64(5), cl)

	body := make([]byte, 5)
	_, err = cs.ReadBinary(body)
	require.NoError(t, err)
	require.Equal(t, "hello", string(body))

	<-done
}

func TestPipelineChunkedResponse(t *testing.T) {
	addr := originServer(t, func(rl RequestLine, h *Header) string {
		return "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\nConnection: close\r\n\r\n" +
			"5\r\nhello\r\n0\r\n\r\n"
	})

	client, bp := net.Pipe()
	defer client.Close()
	handler := NewHandler(NewSocket(bp), Hooks{}, NoopLogger{}, nil, nil)
	done := make(chan struct{})
	go func() { handler.Run(); close(done) }()

	cs := NewSocket(client)
	require.NoError(t, cs.WriteLine("GET http://"+addr+"/ HTTP/1.1"))
	require.NoError(t, cs.WriteBytes([]byte("Host: "+addr+"\r\nConnection: close\r\n\r\n")))

	_, err := ParseStatusLine(cs)
	require.NoError(t, err)
	hdr, err := ParseHeader(cs)
	require.NoError(t, err)
	require.True(t, hasToken(hdr.TransferEncoding(), "chunked"))

	line, err := cs.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "5", line)

	line, err = cs.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "hello", line)
	line, err = cs.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "0", line)
	line, err = cs.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "", line)

	<-done
}

func TestPipelineOnReceiveRequestHookCanDivertToAbort(t *testing.T) {
	client, bp := net.Pipe()
	defer client.Close()

	hooks := Hooks{
		OnReceiveRequest: func(ex *Exchange) error {
			_ = ex.SendHTTPError(403)
			ex.Abort()
			return nil
		},
	}
	handler := NewHandler(NewSocket(bp), hooks, NoopLogger{}, nil, nil)
	done := make(chan struct{})
	go func() { handler.Run(); close(done) }()

	cs := NewSocket(client)
	require.NoError(t, cs.WriteLine("GET http://example.com/ HTTP/1.1"))
	require.NoError(t, cs.WriteBytes([]byte("Host: example.com\r\n\r\n")))

	sl, err := ParseStatusLine(cs)
	require.NoError(t, err)
	require.Equal(t, 403, sl.Code)

	<-done
}

func TestPipelineAuthenticateHookRejectsWith407(t *testing.T) {
	client, bp := net.Pipe()
	defer client.Close()

	hooks := Hooks{Authenticate: func(ex *Exchange) bool { return false }}
	handler := NewHandler(NewSocket(bp), hooks, NoopLogger{}, nil, nil)
	done := make(chan struct{})
	go func() { handler.Run(); close(done) }()

	cs := NewSocket(client)
	require.NoError(t, cs.WriteLine("GET http://example.com/ HTTP/1.1"))
	require.NoError(t, cs.WriteBytes([]byte("Host: example.com\r\n\r\n")))

	sl, err := ParseStatusLine(cs)
	require.NoError(t, err)
	require.Equal(t, 407, sl.Code)

	<-done
}

func TestPipelineChangeRequestURI(t *testing.T) {
	var sawPath string
	addr := originServer(t, func(rl RequestLine, h *Header) string {
		sawPath = rl.URI
		return "HTTP/1.1 204 No Content\r\nConnection: close\r\n\r\n"
	})

	client, bp := net.Pipe()
	defer client.Close()
	hooks := Hooks{
		OnReceiveRequest: func(ex *Exchange) error {
			return ex.ChangeRequestURI("http://" + addr + "/rewritten")
		},
	}
	handler := NewHandler(NewSocket(bp), hooks, NoopLogger{}, nil, nil)
	done := make(chan struct{})
	go func() { handler.Run(); close(done) }()

	cs := NewSocket(client)
	require.NoError(t, cs.WriteLine("GET http://original.example/original HTTP/1.1"))
	require.NoError(t, cs.WriteBytes([]byte("Host: original.example\r\nConnection: close\r\n\r\n")))

	sl, err := ParseStatusLine(cs)
	require.NoError(t, err)
	require.Equal(t, 204, sl.Code)
	_, err = ParseHeader(cs)
	require.NoError(t, err)
	<-done

	require.Equal(t, "/rewritten", sawPath)
}
