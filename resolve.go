// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package fwdproxy

import (
	"strconv"
	"strings"
)

// Destination is the (host, port) pair a request should be forwarded to.
type Destination struct {
	Host string
	Port int
}

func (d Destination) String() string { return d.Host + ":" + strconv.Itoa(d.Port) }

// ResolveDestination implements spec.md §4.C: derive (host, port) from the
// request line and headers, and — when relay is nil — rewrite rl.URI to
// its path-only form so the origin never sees the absolute-URI form the
// proxy received. When relay is non-nil, the URI is left untouched so the
// upstream relay proxy can see the full absolute-URI form it expects.
func ResolveDestination(rl *RequestLine, h *Header, relay *Destination) (Destination, error) {
	isConnect := rl.Method == "CONNECT"
	defaultPort := 80
	if isConnect {
		defaultPort = 443
	}

	uri := rl.URI
	var authority, path string
	rewriteURI := false

	switch {
	case uri == "*":
		authority = h.Host()
		if authority == "" {
			return Destination{}, protocolBroken("request-target '*' with no Host header")
		}
	case isConnect:
		authority = uri // CONNECT's request-target is authority-form already
	default:
		if idx := strings.Index(uri, "://"); idx >= 0 {
			scheme := uri[:idx]
			rest := uri[idx+3:]
			switch scheme {
			case "http":
			case "https":
				defaultPort = 443
			default:
				return Destination{}, protocolBroken("unsupported scheme: " + scheme)
			}
			if slash := strings.IndexByte(rest, '/'); slash >= 0 {
				authority, path = rest[:slash], rest[slash:]
			} else {
				authority, path = rest, "/"
			}
			rewriteURI = true
		} else {
			authority = h.Host()
			if authority == "" {
				return Destination{}, protocolBroken("relative request-target with no Host header")
			}
			path = uri
		}
	}

	host, port, err := splitHostPort(authority, defaultPort)
	if err != nil {
		return Destination{}, err
	}

	if rewriteURI && relay == nil {
		if path == "" {
			path = "/"
		}
		rl.URI = path
	}
	return Destination{Host: host, Port: port}, nil
}

// splitHostPort parses "host", "host:", or "host:port" (no IPv6 bracket
// support — the proxy's clients are expected to send bracketed literals
// only inside a full IPv6 URI, which this pragmatic forward proxy doesn't
// special-case, matching spec.md's tolerant-not-RFC-complete stance).
func splitHostPort(authority string, defaultPort int) (string, int, error) {
	if authority == "" {
		return "", 0, protocolBroken("empty authority")
	}
	i := strings.LastIndexByte(authority, ':')
	if i < 0 {
		return authority, defaultPort, nil
	}
	host, portText := authority[:i], authority[i+1:]
	if host == "" {
		return "", 0, protocolBroken("empty host in authority: " + authority)
	}
	if portText == "" {
		return host, defaultPort, nil
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, protocolBroken("invalid port in authority: " + authority)
	}
	return host, port, nil
}
