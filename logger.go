// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package fwdproxy

import (
	"go.uber.org/zap"
)

// Logger is the injected logging sink every handler is constructed with.
// The core never reaches for a global logger — the "Global logger"
// redesign note in spec.md §9 is satisfied by threading this interface
// through Handler construction instead, mirroring gorox's own injected
// Logger interface (mix_logger.go).
type Logger interface {
	Logf(format string, args ...any)
	Close() error
}

// NoopLogger discards everything. It's the default when a host doesn't
// care to observe the proxy, grounded on gorox's noopLogger.
type NoopLogger struct{}

func (NoopLogger) Logf(string, ...any) {}
func (NoopLogger) Close() error        { return nil }

// zapLogger adapts a zap.SugaredLogger to the Logger interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger builds a production-configured zap logger as the default
// non-noop Logger implementation, grounded on kidoz-vulners-proxy-go's
// zap-backed request logging middleware.
func NewZapLogger() (Logger, error) {
	base, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &zapLogger{s: base.Sugar()}, nil
}

func (z *zapLogger) Logf(format string, args ...any) { z.s.Infof(format, args...) }
func (z *zapLogger) Close() error                    { return z.s.Sync() }
