// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package console relays interactive console sessions between an end
// user and a guest's console endpoint on the cluster. A session
// resolves the guest's placement, obtains the two credentials the
// endpoint requires (a cluster session cookie and a one-time console
// ticket), dials the endpoint, and forwards frames in both directions
// until either side disconnects.
package console

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/gatehouse-labs/gatehouse/events"
	"github.com/gatehouse-labs/gatehouse/hypervisor"
	"github.com/gatehouse-labs/gatehouse/lib/netutil"
	"github.com/gatehouse-labs/gatehouse/lib/secret"
	"github.com/gatehouse-labs/gatehouse/lib/wire"
)

// Close reasons sent to the end user when a session cannot be
// established or ends. Distinct reasons let the client present the
// failure without parsing error text.
const (
	ReasonAuthFailed      = "auth-failed"
	ReasonNotFound        = "not-found"
	ReasonConsoleRejected = "console-rejected"
	ReasonSessionEnded    = "session-ended"
)

// Cluster is the slice of the hypervisor client a console session
// uses. *hypervisor.Client implements it.
type Cluster interface {
	SessionCookie(ctx context.Context) (*secret.Buffer, error)
	ResolveGuest(ctx context.Context, vmid int) (hypervisor.ClusterResource, error)
	MintConsoleTicket(ctx context.Context, node string, kind hypervisor.ResourceKind, vmid int) (hypervisor.ConsoleTicket, error)
	DialConsole(ctx context.Context, params hypervisor.DialParams) (wire.Conn, error)
}

// Config holds the session manager's collaborators.
type Config struct {
	// Cluster resolves guests and opens outbound console streams.
	Cluster Cluster
	// ConsolePort is the fallback endpoint port when a console
	// ticket does not name one. Defaults to 5900.
	ConsolePort int
	// Events receives a console.opened event per session. May be nil.
	Events *events.Publisher
	// Logger receives operational messages.
	Logger *slog.Logger
}

// Manager establishes and relays console sessions.
type Manager struct {
	cluster     Cluster
	consolePort int
	events      *events.Publisher
	logger      *slog.Logger
}

// New creates a session manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("console: Cluster is required")
	}
	consolePort := cfg.ConsolePort
	if consolePort <= 0 {
		consolePort = 5900
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cluster:     cfg.Cluster,
		consolePort: consolePort,
		events:      cfg.Events,
		logger:      logger,
	}, nil
}

// Attach runs one console session for the given guest over an
// already-established user connection. Setup failures close the user
// connection with a distinct reason before any outbound connection is
// opened. Once the relay starts, all failures become session teardown:
// Attach returns nil and the user sees a session-ended close. Attach
// always closes the user connection before returning.
func (m *Manager) Attach(ctx context.Context, user wire.Conn, vmid int) error {
	logger := m.logger.With("vmid", vmid)

	cookie, err := m.cluster.SessionCookie(ctx)
	if err != nil {
		m.refuse(user, ReasonAuthFailed)
		return fmt.Errorf("console: session cookie: %w", err)
	}
	defer cookie.Close()

	guest, err := m.cluster.ResolveGuest(ctx, vmid)
	if err != nil {
		m.refuse(user, ReasonNotFound)
		return fmt.Errorf("console: resolving guest %d: %w", vmid, err)
	}

	ticket, err := m.cluster.MintConsoleTicket(ctx, guest.Node, guest.Type, vmid)
	if err != nil {
		m.refuse(user, ReasonConsoleRejected)
		return fmt.Errorf("console: console ticket for guest %d: %w", vmid, err)
	}

	port := m.consolePort
	if parsed, parseErr := strconv.Atoi(ticket.Port); parseErr == nil && parsed > 0 {
		port = parsed
	}

	outbound, err := m.cluster.DialConsole(ctx, hypervisor.DialParams{
		Port:   port,
		Node:   guest.Node,
		VMID:   vmid,
		Cookie: cookie,
		Ticket: ticket.Ticket,
	})
	if err != nil {
		m.refuse(user, ReasonConsoleRejected)
		return fmt.Errorf("console: dialing console for guest %d: %w", vmid, err)
	}

	logger.Info("console session started", "node", guest.Node)
	m.events.Publish(events.Event{
		Subject:    events.SubjectConsoleOpened,
		ResourceID: vmid,
	})
	m.relay(logger, user, outbound)
	logger.Info("console session ended")
	return nil
}

// refuse closes the user connection with a reason, without having
// opened anything outbound.
func (m *Manager) refuse(user wire.Conn, reason string) {
	// Best effort: the user may already be gone.
	_ = user.WriteMessage(wire.NewCloseMessage(reason))
	_ = user.Close()
}

// relay forwards frames between the user and the outbound console
// connection until either side closes or errors. Whichever direction
// detects termination first closes the shared done channel; closing
// both connections then unblocks the other direction's pending read.
// Both connections are closed exactly once, and the user is told the
// session ended before their connection drops. Read failures that are
// just the other side hanging up are not worth logging; anything else
// is surfaced at warning level.
func (m *Manager) relay(logger *slog.Logger, user, outbound wire.Conn) {
	done := make(chan struct{})
	var doneOnce sync.Once
	triggerDone := func() { doneOnce.Do(func() { close(done) }) }

	var relayWait sync.WaitGroup

	// User → endpoint.
	relayWait.Add(1)
	go func() {
		defer relayWait.Done()
		defer triggerDone()
		for {
			message, readErr := user.ReadMessage()
			if readErr != nil {
				if !netutil.IsExpectedCloseError(readErr) {
					logger.Warn("user connection read failed", "error", readErr)
				}
				return
			}
			switch message.Type {
			case wire.TypeData, wire.TypeText:
				if writeErr := outbound.WriteMessage(message); writeErr != nil {
					return
				}
			case wire.TypeClose:
				return
			default:
				// Unknown frame types are dropped, not forwarded;
				// the console endpoint only speaks data and text.
			}
		}
	}()

	// Endpoint → user. When the endpoint side ends the session, tell
	// the user before teardown closes their connection. The write is
	// best effort: during a user-initiated teardown it fails against
	// an already-closed connection.
	relayWait.Add(1)
	go func() {
		defer relayWait.Done()
		defer triggerDone()
		for {
			message, readErr := outbound.ReadMessage()
			if readErr != nil {
				if !netutil.IsExpectedCloseError(readErr) {
					logger.Warn("console endpoint read failed", "error", readErr)
				}
				_ = user.WriteMessage(wire.NewCloseMessage(ReasonSessionEnded))
				return
			}
			switch message.Type {
			case wire.TypeData, wire.TypeText:
				if writeErr := user.WriteMessage(message); writeErr != nil {
					return
				}
			case wire.TypeClose:
				_ = user.WriteMessage(wire.NewCloseMessage(ReasonSessionEnded))
				return
			default:
			}
		}
	}()

	<-done

	// Close both connections to unblock whichever direction is still
	// parked in a read. StreamConn closes are idempotent; each
	// connection is closed exactly once here.
	_ = outbound.Close()
	_ = user.Close()
	relayWait.Wait()
}
