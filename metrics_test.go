// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package fwdproxy

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsObserveErrorByKind(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.observeError(protocolBroken("bad request line"))
	m.observeError(ioBroken("short read", errors.New("eof")))
	m.observeError(protocolBroken("bad header"))

	require.Equal(t, float64(2), testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("HTTP_PROTOCOL_BROKEN")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("IO_BROKEN")))
}

func TestMetricsObserveErrorIgnoresNil(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.observeError(nil)
	require.Equal(t, float64(0), testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("unknown")))
}

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() { m.observeError(protocolBroken("x")) })
}
