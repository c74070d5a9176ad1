// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides network and HTTP I/O utilities for Gatehouse.
//
// ReadResponse bounds response body reads at MaxResponseSize to prevent
// unbounded memory allocation from a misbehaving server. It is for JSON
// API responses, not for streaming transfers, which should be read
// incrementally.
package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// MaxResponseSize is the bound on JSON API response body reads: 64 MB.
// Cluster API responses are orders of magnitude smaller; the limit is
// generous so that it never interferes with normal operation.
const MaxResponseSize int64 = 64 << 20

// ReadResponse reads a JSON API response body up to MaxResponseSize bytes.
// Use instead of io.ReadAll when reading HTTP response bodies.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// IsExpectedCloseError reports whether err is a normal connection
// termination: EOF, closed connection or pipe, broken pipe, or
// connection reset.
// These occur during console relay teardown when one side disconnects and
// the other side's in-flight read or write fails as a result.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
