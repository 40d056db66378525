// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package fwdproxy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeGzipRoundTrip(t *testing.T) {
	body := []byte("the quick brown fox jumps over the lazy dog")
	encoded, err := EncodeContentEncoding("gzip", body)
	require.NoError(t, err)
	require.NotEqual(t, body, encoded)

	decoded, err := DecodeContentEncoding("gzip", encoded)
	require.NoError(t, err)
	require.Equal(t, body, decoded)
}

func TestEncodeDecodeDeflateRoundTrip(t *testing.T) {
	body := []byte("the quick brown fox jumps over the lazy dog")
	encoded, err := EncodeContentEncoding("deflate", body)
	require.NoError(t, err)

	decoded, err := DecodeContentEncoding("deflate", encoded)
	require.NoError(t, err)
	require.Equal(t, body, decoded)
}

func TestDecodeIdentityIsNoop(t *testing.T) {
	body := []byte("unchanged")
	out, err := DecodeContentEncoding("identity", body)
	require.NoError(t, err)
	require.Equal(t, body, out)

	out, err = DecodeContentEncoding("", body)
	require.NoError(t, err)
	require.Equal(t, body, out)
}

func TestDecodeUnsupportedEncoding(t *testing.T) {
	_, err := DecodeContentEncoding("br", []byte("x"))
	require.True(t, IsRuntimeError(err))
}

func TestDecodeInvalidGzipBody(t *testing.T) {
	_, err := DecodeContentEncoding("gzip", []byte("not gzip data"))
	require.True(t, IsRuntimeError(err))
}
