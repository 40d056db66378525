// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Package fwdproxy implements an extensible HTTP/1.x forward proxy: parse
// a request off a client socket, resolve where it's going, relay it to an
// upstream socket, and relay the response back, with CONNECT tunneling and
// hook points for inspecting or rewriting requests and responses along the
// way.
package fwdproxy
