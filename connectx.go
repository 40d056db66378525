// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package fwdproxy

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// RunConnectTunnel implements spec.md §4.G: after BP has been told the
// tunnel is open, pump bytes opaquely in both directions until either side
// closes, then tear down both. Grounded on the teacher's TCPXReverseProxy
// (net_tcpx_proxy.go), which runs the same two-pump shape with one
// goroutine plus the calling goroutine, except gorox handles half-close
// with SetReadDeadline/CloseRead/CloseWrite pairs specific to its own
// connection type; here, closing both sockets once either pump ends is
// what unblocks the other pump's in-flight Read promptly.
func RunConnectTunnel(bp, ps *Socket) {
	var g errgroup.Group
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			bp.Close()
			ps.Close()
		})
	}
	g.Go(func() error {
		_, _ = bp.TunnelUntilClose(ps)
		closeBoth()
		return nil
	})
	g.Go(func() error {
		_, _ = ps.TunnelUntilClose(bp)
		closeBoth()
		return nil
	})
	_ = g.Wait()
}

// WriteConnectEstablished writes the CONNECT success reply, exactly as
// spec.md §4.G specifies: no headers, just the status line and a blank line.
func WriteConnectEstablished(bp *Socket, version string) error {
	return bp.WriteBytes([]byte("HTTP/" + version + " 200 Connection established\r\n\r\n"))
}
