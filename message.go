// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package fwdproxy

import (
	"strconv"
	"strings"
)

// RequestLine is the parsed (method, uri, protocol-version) triple of an
// HTTP request. Mutating any field and calling String regenerates the
// textual form; nothing caches the original bytes once parsed.
type RequestLine struct {
	Method  string
	URI     string
	Version string // numeric suffix of "HTTP/X.Y", e.g. "1.1"
}

func (r RequestLine) String() string {
	return r.Method + " " + r.URI + " HTTP/" + r.Version
}

// ParseRequestLine reads (and discards) any leading empty lines, then parses
// the first non-empty line as a request line.
func ParseRequestLine(sock *Socket) (RequestLine, error) {
	line, err := readNonEmptyLine(sock)
	if err != nil {
		return RequestLine{}, err
	}
	fields := splitSpaces(line)
	if len(fields) != 3 {
		return RequestLine{}, protocolBroken("malformed request line: " + line)
	}
	version, ok := parseHTTPVersion(fields[2])
	if !ok {
		return RequestLine{}, protocolBroken("malformed protocol version: " + fields[2])
	}
	return RequestLine{Method: fields[0], URI: fields[1], Version: version}, nil
}

// StatusLine is the parsed (protocol-version, status-code) pair of an HTTP
// response, plus its reason phrase.
type StatusLine struct {
	Version string
	Code    int
	Reason  string
}

func (s StatusLine) String() string {
	return "HTTP/" + s.Version + " " + strconv.Itoa(s.Code) + " " + s.Reason
}

// ParseStatusLine reads (and discards) leading empty lines, then parses the
// first non-empty line as a status line. The reason phrase may be empty.
func ParseStatusLine(sock *Socket) (StatusLine, error) {
	line, err := readNonEmptyLine(sock)
	if err != nil {
		return StatusLine{}, err
	}
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 {
		return StatusLine{}, protocolBroken("malformed status line: " + line)
	}
	version, ok := parseHTTPVersion(fields[0])
	if !ok {
		return StatusLine{}, protocolBroken("malformed protocol version: " + fields[0])
	}
	if len(fields[1]) != 3 || fields[1][0] < '1' || fields[1][0] > '5' {
		return StatusLine{}, protocolBroken("malformed status code: " + fields[1])
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 599 {
		return StatusLine{}, protocolBroken("malformed status code: " + fields[1])
	}
	reason := ""
	if len(fields) == 3 {
		reason = fields[2]
	}
	return StatusLine{Version: version, Code: code, Reason: reason}, nil
}

func readNonEmptyLine(sock *Socket) (string, error) {
	for {
		line, err := sock.ReadLine()
		if err != nil {
			return "", err
		}
		if line != "" {
			return line, nil
		}
	}
}

func splitSpaces(s string) []string {
	var out []string
	start := -1
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] != ' ' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, s[start:i])
			start = -1
		}
	}
	return out
}

func parseHTTPVersion(tok string) (string, bool) {
	const prefix = "HTTP/"
	if !strings.HasPrefix(tok, prefix) {
		return "", false
	}
	v := tok[len(prefix):]
	if !strings.Contains(v, ".") {
		return "", false
	}
	return v, true
}

// headerEntry is one raw header line as it was received: the case it
// arrived in, its lower-cased name (for lookups), and its value.
type headerEntry struct {
	name  string
	lower string
	value string
}

// Header is an order-preserving header block. It keeps each parsed line's
// name (in the case it arrived in) and trimmed value, in order, and Raw
// writes them back as "Name: value" lines: order and name case survive an
// unmutated round-trip, but whitespace around the colon is normalized, not
// reproduced byte for byte. Get and the typed accessors expose a deduped,
// comma-joined view.
type Header struct {
	entries []headerEntry
}

// NewHeader returns an empty header block, for building responses/requests
// from scratch (e.g. an extension synthesizing a reply).
func NewHeader() *Header { return &Header{} }

// ParseHeader reads header lines from sock until a blank line.
func ParseHeader(sock *Socket) (*Header, error) {
	h := &Header{}
	for {
		line, err := sock.ReadLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			return h, nil
		}
		i := strings.IndexByte(line, ':')
		if i < 0 {
			return nil, protocolBroken("header line has no colon: " + line)
		}
		name := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		h.entries = append(h.entries, headerEntry{name: name, lower: strings.ToLower(name), value: value})
	}
}

// Get returns the deduped value for name: concatenated with "," across
// duplicate occurrences, except Content-Length, which keeps the last one.
func (h *Header) Get(name string) (string, bool) {
	lower := strings.ToLower(name)
	found := false
	var val string
	for _, e := range h.entries {
		if e.lower != lower {
			continue
		}
		if lower == "content-length" {
			val = e.value
		} else if found {
			val = val + "," + e.value
		} else {
			val = e.value
		}
		found = true
	}
	return val, found
}

// Set replaces the header's value in place (preserving its position among
// entries), or appends it if absent. Set(name, "") with wasAbsent semantics
// is not special-cased; call Del to remove a header.
func (h *Header) Set(name, value string) {
	lower := strings.ToLower(name)
	replaced := false
	out := h.entries[:0]
	for _, e := range h.entries {
		if e.lower != lower {
			out = append(out, e)
			continue
		}
		if !replaced {
			out = append(out, headerEntry{name: name, lower: lower, value: value})
			replaced = true
		}
		// further duplicates of the same name are dropped: Set collapses
		// the header block back down to a single line for that name.
	}
	h.entries = out
	if !replaced {
		h.entries = append(h.entries, headerEntry{name: name, lower: lower, value: value})
	}
}

// Del removes every occurrence of name. A no-op if the header isn't present.
func (h *Header) Del(name string) {
	lower := strings.ToLower(name)
	out := h.entries[:0]
	for _, e := range h.entries {
		if e.lower != lower {
			out = append(out, e)
		}
	}
	h.entries = out
}

// Has reports whether name is present at all.
func (h *Header) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// Raw serializes the header block in its original (or as-mutated) order,
// each line terminated by CRLF, followed by the blank-line terminator.
func (h *Header) Raw() string {
	var b strings.Builder
	for _, e := range h.entries {
		b.WriteString(e.name)
		b.WriteString(": ")
		b.WriteString(e.value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}

func splitTokens(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.ToLower(strings.TrimSpace(p)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func hasToken(tokens []string, tok string) bool {
	for _, t := range tokens {
		if t == tok {
			return true
		}
	}
	return false
}

// Connection returns the lower-cased, comma-split tokens of the Connection header.
func (h *Header) Connection() []string {
	v, _ := h.Get("Connection")
	return splitTokens(v)
}

// ProxyConnection returns the lower-cased, comma-split tokens of Proxy-Connection.
func (h *Header) ProxyConnection() []string {
	v, _ := h.Get("Proxy-Connection")
	return splitTokens(v)
}

// TransferEncoding returns the lower-cased, comma-split tokens of Transfer-Encoding.
func (h *Header) TransferEncoding() []string {
	v, _ := h.Get("Transfer-Encoding")
	return splitTokens(v)
}

// ContentLength returns the parsed Content-Length, if present and valid.
func (h *Header) ContentLength() (uint64, bool) {
	v, ok := h.Get("Content-Length")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ContentEncoding returns the raw Content-Encoding value, or "" if absent.
func (h *Header) ContentEncoding() string { v, _ := h.Get("Content-Encoding"); return v }

// Host returns the raw Host header value, or "" if absent.
func (h *Header) Host() string { v, _ := h.Get("Host"); return v }

// Referer returns the raw Referer header value, or "" if absent.
func (h *Header) Referer() string { v, _ := h.Get("Referer"); return v }

// CacheControl returns the raw Cache-Control header value, or "" if absent.
func (h *Header) CacheControl() string { v, _ := h.Get("Cache-Control"); return v }

// Expires returns the raw Expires header value, or "" if absent.
func (h *Header) Expires() string { v, _ := h.Get("Expires"); return v }

// Pragma returns the raw Pragma header value, or "" if absent.
func (h *Header) Pragma() string { v, _ := h.Get("Pragma"); return v }
