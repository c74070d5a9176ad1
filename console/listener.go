// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gatehouse-labs/gatehouse/lib/wire"
	"github.com/gatehouse-labs/gatehouse/metrics"
)

// handshakeTimeout bounds how long an inbound connection may sit
// silent before identifying its target guest.
const handshakeTimeout = 10 * time.Second

// Serve accepts console connections on the listener until ctx is
// cancelled. Each connection must open with a handshake frame naming
// the target guest; the session then runs through Attach. Serve owns
// the listener and closes it on return.
func (m *Manager) Serve(ctx context.Context, listener net.Listener) error {
	defer listener.Close()

	var sessionWait sync.WaitGroup
	defer sessionWait.Wait()

	// Cancellation path: closing the listener unblocks Accept.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			listener.Close()
		case <-watchdogDone:
		}
	}()

	m.logger.Info("console listener started", "address", listener.Addr().String())

	for {
		raw, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				m.logger.Info("console listener stopped")
				return nil
			}
			return fmt.Errorf("console: accept: %w", err)
		}

		sessionWait.Add(1)
		go func() {
			defer sessionWait.Done()
			m.serveConnection(ctx, raw)
		}()
	}
}

// serveConnection runs one inbound connection: read the opening
// handshake, then attach.
func (m *Manager) serveConnection(ctx context.Context, raw net.Conn) {
	_ = raw.SetReadDeadline(time.Now().Add(handshakeTimeout))
	user := wire.NewStreamConn(raw)

	opening, err := user.ReadMessage()
	if err != nil {
		m.logger.Debug("console connection dropped before handshake",
			"remote", raw.RemoteAddr().String(), "error", err)
		user.Close()
		return
	}
	if opening.Type != wire.TypeHandshake {
		m.refuse(user, ReasonNotFound)
		return
	}
	handshake, err := wire.ParseHandshake(opening.Payload)
	if err != nil || handshake.VMID <= 0 {
		m.refuse(user, ReasonNotFound)
		return
	}
	_ = raw.SetReadDeadline(time.Time{})

	metrics.ConsoleSessionStarted()
	attachErr := m.Attach(ctx, user, handshake.VMID)
	if attachErr != nil {
		metrics.ConsoleSessionEnded("refused")
		m.logger.Debug("console session refused", "vmid", handshake.VMID, "error", attachErr)
		return
	}
	metrics.ConsoleSessionEnded(ReasonSessionEnded)
}
