// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package fwdproxy

import (
	"bytes"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

// DecodeContentEncoding materializes body as if Content-Encoding had never
// been applied. It is not used by the default pipeline (which relays
// bytes untouched); it exists for extensions that rewrite bodies, per
// spec.md §4.H.
func DecodeContentEncoding(encoding string, body []byte) ([]byte, error) {
	switch normalizeEncoding(encoding) {
	case "", "identity":
		return body, nil
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, runtimeError("invalid gzip body: " + err.Error())
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, runtimeError("failed to decompress gzip body: " + err.Error())
		}
		return out, nil
	case "deflate":
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, runtimeError("failed to decompress deflate body: " + err.Error())
		}
		return out, nil
	default:
		return nil, runtimeError("unsupported content encoding: " + encoding)
	}
}

// EncodeContentEncoding is the inverse of DecodeContentEncoding, used by
// extensions after rewriting a decoded body (spec.md scenario S7).
func EncodeContentEncoding(encoding string, body []byte) ([]byte, error) {
	switch normalizeEncoding(encoding) {
	case "", "identity":
		return body, nil
	case "gzip":
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, runtimeError("failed to compress gzip body: " + err.Error())
		}
		if err := w.Close(); err != nil {
			return nil, runtimeError("failed to compress gzip body: " + err.Error())
		}
		return buf.Bytes(), nil
	case "deflate":
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, runtimeError("failed to init deflate writer: " + err.Error())
		}
		if _, err := w.Write(body); err != nil {
			return nil, runtimeError("failed to compress deflate body: " + err.Error())
		}
		if err := w.Close(); err != nil {
			return nil, runtimeError("failed to compress deflate body: " + err.Error())
		}
		return buf.Bytes(), nil
	default:
		return nil, runtimeError("unsupported content encoding: " + encoding)
	}
}

func normalizeEncoding(encoding string) string {
	return strings.ToLower(strings.TrimSpace(encoding))
}
