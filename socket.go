// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package fwdproxy

import (
	"net"
	"strconv"
	"time"
)

// defaultBufSize is the size of a Socket's receive buffer. Matches the
// "typically 8 KiB" guidance. The buffer never grows: a line longer than it
// is accumulated across several reads instead.
const defaultBufSize = 8 << 10

// maxLineSize caps how long a line ReadLine will accumulate before giving up,
// so a peer cannot force unbounded memory growth with a line that never ends.
const maxLineSize = 1 << 20

// PacketHandler receives raw body fragments instead of having them forwarded
// to the peer socket. A nil slice signals end of message.
type PacketHandler func(p []byte) error

// Socket wraps one TCP connection with a single receive buffer shared
// between line-oriented and length-bounded reads. buf[pos:end] is exactly
// the unread-but-buffered range: a non-empty range after a line read (or a
// short tunnel) is what spec.md calls "leftover bytes", and the range
// itself — not a separate boolean — is the model: it collapses to empty
// the instant it's consumed.
type Socket struct {
	conn      net.Conn
	buf       []byte
	pos, end  int  // buf[pos:end] holds buffered, unread bytes
	keepAlive bool
	dead      bool
}

// NewSocket wraps conn. TCP_NODELAY is set immediately so interactive
// request/response turnarounds aren't held up by Nagle coalescing.
func NewSocket(conn net.Conn) *Socket {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &Socket{conn: conn, buf: make([]byte, defaultBufSize)}
}

// Conn returns the underlying connection, e.g. for SetReadDeadline by a host.
func (s *Socket) Conn() net.Conn { return s.conn }

// IsDead reports whether the socket has been observed closed or broken.
func (s *Socket) IsDead() bool { return s.dead }

// Close shuts down and closes the underlying connection. Safe to call more
// than once.
func (s *Socket) Close() error {
	if s.dead {
		return nil
	}
	s.dead = true
	if tc, ok := s.conn.(*net.TCPConn); ok {
		tc.SetLinger(0) //nolint:errcheck // best-effort; closing anyway
	}
	return s.conn.Close()
}

// SetKeepAlive enables or disables OS-level TCP keep-alive probing on the
// underlying connection, used by the pipeline when a PS socket becomes
// persistent (spec.md §4.E step 3).
func (s *Socket) SetKeepAlive(on bool) {
	s.keepAlive = on
	if tc, ok := s.conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(on)
	}
}

// SetDeadline is a thin pass-through so hosts can wrap reads/writes with
// OS-level timeouts, per spec.md §5 ("hosts may wrap sockets with OS-level
// timeouts"). Used internally when Config.IdleTimeout is set.
func (s *Socket) SetDeadline(t time.Time) error { return s.conn.SetDeadline(t) }

// fill reads fresh bytes into buf, discarding any previous content (the
// leftover range must already have been consumed by the caller). When the
// read yields no bytes and an error (a peer close included), it marks the
// socket dead and returns (0, err) with the unwrapped read error.
func (s *Socket) fill() (int, error) {
	n, err := s.conn.Read(s.buf)
	if n == 0 && err != nil {
		s.dead = true
		return 0, err
	}
	s.pos, s.end = 0, n
	return n, nil
}

// ReadLine returns one line with the trailing newline stripped. Both LF and
// CRLF terminators are accepted; a stray CR not followed by LF is kept as
// part of the line's content (it is not a terminator by itself).
func (s *Socket) ReadLine() (string, error) {
	var line []byte
	sawAnyByte := false
	for {
		if i := indexByte(s.buf[s.pos:s.end], '\n'); i >= 0 {
			line = append(line, s.buf[s.pos:s.pos+i]...)
			s.pos += i + 1
			// Strip the CR of a CRLF, also when it arrived in an earlier
			// read than its LF.
			if n := len(line); n > 0 && line[n-1] == '\r' {
				line = line[:n-1]
			}
			return string(line), nil
		}
		// No newline buffered yet; drain what we have into line and refill
		// the buffer from the front (its bytes are now owned by line).
		if s.end > s.pos {
			line = append(line, s.buf[s.pos:s.end]...)
			sawAnyByte = true
		}
		s.pos, s.end = 0, 0
		if len(line) > maxLineSize {
			return "", protocolBroken("line exceeds maximum length")
		}
		n, err := s.conn.Read(s.buf)
		if n == 0 {
			s.dead = true
			if !sawAnyByte {
				return "", ioBroken("connection closed before any byte of line was seen", err)
			}
			// Peer closed mid-line: return what we have as a best-effort line.
			return string(line), nil
		}
		s.end = n
	}
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// Read implements io.Reader in terms of ReadBinary.
func (s *Socket) Read(p []byte) (int, error) { return s.ReadBinary(p) }

// ReadBinary fills p with buffered leftover bytes first (no syscall) and
// otherwise performs a fresh read. Returns 0 exactly when the peer closed.
func (s *Socket) ReadBinary(p []byte) (int, error) {
	if s.pos < s.end {
		n := copy(p, s.buf[s.pos:s.end])
		s.pos += n
		return n, nil
	}
	n, err := s.conn.Read(p)
	if n == 0 && err != nil {
		s.dead = true
	}
	return n, nil
}

// leftover returns (and consumes) whatever is currently buffered, without
// touching the wire. Used by tunnel helpers to drain what ReadLine/ReadBinary
// left behind before they read fresh bytes.
func (s *Socket) leftover() []byte {
	if s.pos >= s.end {
		return nil
	}
	b := s.buf[s.pos:s.end]
	s.pos = s.end
	return b
}

// WriteBytes writes p in full.
func (s *Socket) WriteBytes(p []byte) error {
	for len(p) > 0 {
		n, err := s.conn.Write(p)
		if err != nil {
			s.dead = true
			return ioBroken("short write", err)
		}
		p = p[n:]
	}
	return nil
}

// WriteLine writes text followed by CRLF.
func (s *Socket) WriteLine(text string) error {
	return s.WriteBytes(append([]byte(text), '\r', '\n'))
}

// TunnelUntilClose repeatedly reads from s and writes fully to dest until a
// read returns 0 (graceful close). Read errors on s are swallowed; write
// errors on dest propagate. Returns the number of bytes sent.
func (s *Socket) TunnelUntilClose(dest *Socket) (int64, error) {
	var sent int64
	if lo := s.leftover(); len(lo) > 0 {
		if err := dest.WriteBytes(lo); err != nil {
			return sent, err
		}
		sent += int64(len(lo))
	}
	buf := make([]byte, defaultBufSize)
	for {
		n, _ := s.conn.Read(buf) // socket errors from the source are treated as close
		if n == 0 {
			s.dead = true
			return sent, nil
		}
		if err := dest.WriteBytes(buf[:n]); err != nil {
			return sent, err
		}
		sent += int64(n)
	}
}

// TunnelN forwards exactly n bytes to dest. If the buffered range holds more
// than n, only n is written and the rest remains buffered for a later read.
func (s *Socket) TunnelN(dest *Socket, n int64) error {
	return s.tunnelN(n, func(p []byte) error { return dest.WriteBytes(p) })
}

// TunnelToHandler delivers exactly n bytes to handler instead of a socket,
// followed by a final nil-slice call signalling end of message.
func (s *Socket) TunnelToHandler(handler PacketHandler, n int64) error {
	if err := s.tunnelN(n, handler); err != nil {
		return err
	}
	return handler(nil)
}

func (s *Socket) tunnelN(n int64, sink func([]byte) error) error {
	if lo := s.leftover(); len(lo) > 0 {
		take := int64(len(lo))
		if take > n {
			take = n
			// put the rest back as leftover
			s.pos -= len(lo) - int(take)
		}
		if take > 0 {
			if err := sink(lo[:take]); err != nil {
				return err
			}
			n -= take
		}
	}
	buf := make([]byte, defaultBufSize)
	for n > 0 {
		want := int64(len(buf))
		if want > n {
			want = n
		}
		r, err := s.conn.Read(buf[:want])
		if r == 0 {
			s.dead = true
			return ioBroken("premature close while tunneling fixed-length body", err)
		}
		if err := sink(buf[:r]); err != nil {
			return err
		}
		n -= int64(r)
	}
	return nil
}

// TunnelToHandlerUntilClose relays until the source closes, delivering
// fragments to handler, followed by a final nil-slice call.
func (s *Socket) TunnelToHandlerUntilClose(handler PacketHandler) error {
	if lo := s.leftover(); len(lo) > 0 {
		if err := handler(lo); err != nil {
			return err
		}
	}
	buf := make([]byte, defaultBufSize)
	for {
		n, _ := s.conn.Read(buf)
		if n == 0 {
			s.dead = true
			return handler(nil)
		}
		if err := handler(buf[:n]); err != nil {
			return err
		}
	}
}

// chunkSink abstracts over "forward to a socket" and "forward to a packet
// handler" for TunnelChunked, so the chunked-transfer state machine is
// written once.
type chunkSink struct {
	dest    *Socket       // non-nil when forwarding to a socket
	handler PacketHandler // non-nil when forwarding to a handler
}

func (c chunkSink) writeLine(line string) error {
	if c.dest != nil {
		return c.dest.WriteLine(line)
	}
	return nil // packet handlers only see body bytes, not chunk framing
}
func (c chunkSink) writeBytes(p []byte) error {
	if c.dest != nil {
		return c.dest.WriteBytes(p)
	}
	if len(p) > 0 {
		return c.handler(p)
	}
	return nil
}
func (c chunkSink) finish() error {
	if c.handler != nil {
		return c.handler(nil)
	}
	return nil
}

// TunnelChunked relays an RFC 7230 §4.1 chunked body from s to dest.
func (s *Socket) TunnelChunked(dest *Socket) error {
	return s.tunnelChunked(chunkSink{dest: dest})
}

// TunnelChunkedToHandler relays a chunked body's decoded bytes to handler.
func (s *Socket) TunnelChunkedToHandler(handler PacketHandler) error {
	return s.tunnelChunked(chunkSink{handler: handler})
}

func (s *Socket) tunnelChunked(sink chunkSink) error {
	for {
		line, err := s.ReadLine()
		if err != nil {
			return err
		}
		if line == "" {
			return protocolBroken("empty chunk header line")
		}
		if err := sink.writeLine(line); err != nil {
			return err
		}
		sizeText := line
		if i := indexByteEither(line, ';', ' '); i >= 0 {
			sizeText = line[:i]
		}
		size, err := strconv.ParseInt(sizeText, 16, 64)
		if err != nil || size < 0 {
			return protocolBroken("unparseable chunk size: " + sizeText)
		}
		if size == 0 {
			for {
				trailer, err := s.ReadLine()
				if err != nil {
					return err
				}
				if err := sink.writeLine(trailer); err != nil {
					return err
				}
				if trailer == "" {
					break
				}
			}
			return sink.finish()
		}
		if err := s.tunnelN(size, sink.writeBytes); err != nil {
			return err
		}
		crlf, err := s.ReadLine()
		if err != nil {
			return err
		}
		if crlf != "" {
			return protocolBroken("chunk data not followed by CRLF")
		}
		if err := sink.writeLine(""); err != nil {
			return err
		}
	}
}

func indexByteEither(s string, a, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == a || s[i] == b {
			return i
		}
	}
	return -1
}

// errorReasons are the canned reason phrases for send_http_error.
var errorReasons = map[int]string{
	302: "Found",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	407: "Proxy Authentication Required",
	501: "Not Implemented",
}

// SendHTTPError emits a minimal HTTP/1.0 error response with a tiny HTML
// body and Connection: close, per spec.md §6. If code isn't one of the
// canned reasons, the reason phrase is "Error"; SendHTTPErrorf takes an
// explicit one.
func (s *Socket) SendHTTPError(code int) error {
	reason := errorReasons[code]
	if reason == "" {
		reason = "Error"
	}
	return s.SendHTTPErrorf(code, reason)
}

// SendHTTPErrorf is SendHTTPError with an explicit reason phrase.
func (s *Socket) SendHTTPErrorf(code int, reason string) error {
	body := "<html>\n <body>\n  <h1>" + strconv.Itoa(code) + " " + reason + "</h1>\n </body>\n</html>"
	head := "HTTP/1.0 " + strconv.Itoa(code) + " " + reason + "\r\n" +
		"Connection: close\r\n" +
		"Content-Type: text/html\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n"
	return s.WriteBytes([]byte(head + body))
}
