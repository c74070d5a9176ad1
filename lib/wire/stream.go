// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"io"
	"sync"
)

// StreamConn adapts a byte stream (net.Conn, tls.Conn, net.Pipe end)
// into a Conn. Writes are serialized so two relay directions can share
// one connection without interleaving frames; reads are expected from
// a single goroutine. Closing the underlying stream unblocks a pending
// ReadMessage with an error, which is how relay teardown propagates.
type StreamConn struct {
	stream io.ReadWriteCloser

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

var _ Conn = (*StreamConn)(nil)

// NewStreamConn wraps stream in a framed-message connection.
func NewStreamConn(stream io.ReadWriteCloser) *StreamConn {
	return &StreamConn{stream: stream}
}

// ReadMessage reads the next frame. Blocks until a frame, close, or
// transport error.
func (c *StreamConn) ReadMessage() (Message, error) {
	return ReadMessage(c.stream)
}

// WriteMessage writes one frame. Safe for concurrent use.
func (c *StreamConn) WriteMessage(message Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteMessage(c.stream, message)
}

// Close closes the underlying stream exactly once. Subsequent calls
// return the first result.
func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.stream.Close()
	})
	return c.closeErr
}
