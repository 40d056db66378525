// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package fwdproxy

import (
	"errors"
	"fmt"
)

// Kind classifies the errors the pipeline can raise, mirroring the three
// families a proxy step can fail with: transport failure, malformed wire
// data, and caller misuse.
type Kind int8

const (
	// KindIOBroken marks a premature close or a short write on either socket.
	KindIOBroken Kind = iota
	// KindProtocolBroken marks structurally invalid HTTP input.
	KindProtocolBroken
	// KindRuntime marks programmer misuse of the extension surface.
	KindRuntime
)

func (k Kind) String() string {
	switch k {
	case KindIOBroken:
		return "IO_BROKEN"
	case KindProtocolBroken:
		return "HTTP_PROTOCOL_BROKEN"
	case KindRuntime:
		return "RUNTIME_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Error is the single error type the pipeline deals in. Every step that
// fails wraps its cause with a Kind so the engine can decide whether the
// failure is benign (idle close on the very first read) or fatal.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}
func (e *Error) Unwrap() error { return e.Cause }

func ioBroken(msg string, cause error) *Error {
	return &Error{Kind: KindIOBroken, Message: msg, Cause: cause}
}
func protocolBroken(msg string) *Error {
	return &Error{Kind: KindProtocolBroken, Message: msg}
}
func runtimeError(msg string) *Error {
	return &Error{Kind: KindRuntime, Message: msg}
}

// IsIOBroken reports whether err (or anything it wraps) is an IO_BROKEN error.
func IsIOBroken(err error) bool { return hasKind(err, KindIOBroken) }

// IsProtocolBroken reports whether err (or anything it wraps) is HTTP_PROTOCOL_BROKEN.
func IsProtocolBroken(err error) bool { return hasKind(err, KindProtocolBroken) }

// IsRuntimeError reports whether err (or anything it wraps) is a RUNTIME_ERROR.
func IsRuntimeError(err error) bool { return hasKind(err, KindRuntime) }

func hasKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
