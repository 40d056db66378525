// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package fwdproxy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRequestLine(t *testing.T) {
	sa, sb := socketPipe(t)
	go func() { _ = sb.WriteBytes([]byte("\r\nGET /foo HTTP/1.1\r\n")) }()

	rl, err := ParseRequestLine(sa)
	require.NoError(t, err)
	require.Equal(t, "GET", rl.Method)
	require.Equal(t, "/foo", rl.URI)
	require.Equal(t, "1.1", rl.Version)
	require.Equal(t, "GET /foo HTTP/1.1", rl.String())
}

func TestParseRequestLineMalformed(t *testing.T) {
	sa, sb := socketPipe(t)
	go func() { _ = sb.WriteBytes([]byte("GET /foo\r\n")) }()

	_, err := ParseRequestLine(sa)
	require.True(t, IsProtocolBroken(err))
}

func TestParseStatusLine(t *testing.T) {
	sa, sb := socketPipe(t)
	go func() { _ = sb.WriteBytes([]byte("HTTP/1.1 404 Not Found\r\n")) }()

	sl, err := ParseStatusLine(sa)
	require.NoError(t, err)
	require.Equal(t, "1.1", sl.Version)
	require.Equal(t, 404, sl.Code)
	require.Equal(t, "Not Found", sl.Reason)
	require.Equal(t, "HTTP/1.1 404 Not Found", sl.String())
}

func TestParseStatusLineEmptyReason(t *testing.T) {
	sa, sb := socketPipe(t)
	go func() { _ = sb.WriteBytes([]byte("HTTP/1.1 204\r\n")) }()

	sl, err := ParseStatusLine(sa)
	require.NoError(t, err)
	require.Equal(t, 204, sl.Code)
	require.Equal(t, "", sl.Reason)
}

func TestParseStatusLineBadCode(t *testing.T) {
	sa, sb := socketPipe(t)
	go func() { _ = sb.WriteBytes([]byte("HTTP/1.1 abc Weird\r\n")) }()

	_, err := ParseStatusLine(sa)
	require.True(t, IsProtocolBroken(err))
}

func TestParseHeaderRoundTrip(t *testing.T) {
	raw := "Host: example.com\r\nAccept: text/html\r\nAccept: text/plain\r\n\r\n"
	sa, sb := socketPipe(t)
	go func() { _ = sb.WriteBytes([]byte(raw)) }()

	h, err := ParseHeader(sa)
	require.NoError(t, err)
	require.Equal(t, raw, h.Raw())

	v, ok := h.Get("Accept")
	require.True(t, ok)
	require.Equal(t, "text/html,text/plain", v)

	v, ok = h.Get("Host")
	require.True(t, ok)
	require.Equal(t, "example.com", v)
}

func TestHeaderContentLengthKeepsLastOccurrence(t *testing.T) {
	h := NewHeader()
	h.entries = append(h.entries,
		headerEntry{name: "Content-Length", lower: "content-length", value: "10"},
		headerEntry{name: "Content-Length", lower: "content-length", value: "20"},
	)
	cl, ok := h.ContentLength()
	require.True(t, ok)
	require.Equal(t, uint64(20), cl)
}

func TestHeaderSetPreservesPositionAndCollapsesDuplicates(t *testing.T) {
	h := NewHeader()
	h.Set("Host", "a.com")
	h.Set("Accept", "text/html")
	h.entries = append(h.entries, headerEntry{name: "Accept", lower: "accept", value: "text/plain"})
	h.Set("Accept", "*/*")

	require.Equal(t, "Host: a.com\r\nAccept: */*\r\n\r\n", h.Raw())
}

func TestHeaderDel(t *testing.T) {
	h := NewHeader()
	h.Set("Proxy-Connection", "keep-alive")
	h.Set("Host", "a.com")
	h.Del("Proxy-Connection")
	require.False(t, h.Has("Proxy-Connection"))
	require.Equal(t, "Host: a.com\r\n\r\n", h.Raw())
}

func TestParseHeaderRejectsMissingColon(t *testing.T) {
	sa, sb := socketPipe(t)
	go func() { _ = sb.WriteBytes([]byte("not-a-header-line\r\n\r\n")) }()

	_, err := ParseHeader(sa)
	require.True(t, IsProtocolBroken(err))
}

func TestConnectionTokenHelpers(t *testing.T) {
	h := NewHeader()
	h.Set("Connection", "Keep-Alive, Foo")
	require.ElementsMatch(t, []string{"keep-alive", "foo"}, h.Connection())

	h.Set("Transfer-Encoding", "gzip, chunked")
	require.True(t, hasToken(h.TransferEncoding(), "chunked"))
}
