// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/gatehouse-labs/gatehouse/lib/secret"
	"github.com/gatehouse-labs/gatehouse/lib/wire"
)

// MintConsoleTicket asks the cluster for a one-time console grant for
// a single guest: a VNC proxy ticket for VMs, a terminal proxy ticket
// for containers. The ticket is bound to that guest and expires
// quickly; mint it immediately before dialing.
func (c *Client) MintConsoleTicket(ctx context.Context, node string, kind ResourceKind, vmid int) (ConsoleTicket, error) {
	form := url.Values{}
	proxy := "termproxy"
	if kind == KindVM {
		proxy = "vncproxy"
		form.Set("websocket", "1")
	}
	path := fmt.Sprintf("/api2/json/nodes/%s/%s/%d/%s", url.PathEscape(node), kind, vmid, proxy)
	body, err := c.post(ctx, path, form)
	if err != nil {
		return ConsoleTicket{}, fmt.Errorf("hypervisor: console ticket request failed: %w", err)
	}
	var ticket ConsoleTicket
	if err := unmarshalData(body, &ticket); err != nil {
		return ConsoleTicket{}, fmt.Errorf("hypervisor: failed to parse console ticket: %w", err)
	}
	return ticket, nil
}

// SessionCookie performs a fresh username/password exchange and
// returns the session ticket for out-of-band use (the console
// endpoint validates it alongside the one-time console ticket). The
// caller owns the returned buffer and must Close it. The client's
// cached session is untouched.
func (c *Client) SessionCookie(ctx context.Context) (*secret.Buffer, error) {
	c.mu.Lock()
	fresh, err := c.authenticate(ctx)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return fresh.ticket, nil
}

// DialParams identifies one console endpoint and the credentials that
// authorize attaching to it.
type DialParams struct {
	// Host is the console endpoint host. If empty, the cluster API
	// host is used.
	Host string
	// Port is the console endpoint port on the node.
	Port int
	// Node and VMID identify the guest.
	Node string
	VMID int
	// Cookie is the cluster session ticket.
	Cookie *secret.Buffer
	// Ticket is the one-time console ticket for this guest.
	Ticket string
}

// DialConsole opens a framed console stream to a guest. It dials the
// node's console endpoint over TLS, sends the authorization handshake,
// and waits for the endpoint's verdict: a handshake echo accepts, a
// close frame rejects. The returned connection carries raw console
// bytes as data messages.
func (c *Client) DialConsole(ctx context.Context, params DialParams) (wire.Conn, error) {
	host := params.Host
	if host == "" {
		parsed, err := url.Parse(c.baseURL)
		if err != nil {
			return nil, fmt.Errorf("hypervisor: invalid base URL: %w", err)
		}
		host = parsed.Hostname()
	}
	address := net.JoinHostPort(host, strconv.Itoa(params.Port))

	dialer := &tls.Dialer{
		Config: &tls.Config{InsecureSkipVerify: c.insecureSkipVerify},
	}
	rawConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: console dial to %s failed: %w: %v", address, ErrConnection, err)
	}

	conn := wire.NewStreamConn(rawConn)
	handshake := wire.Handshake{
		VMID:   params.VMID,
		Node:   params.Node,
		Cookie: params.Cookie.String(),
		Ticket: params.Ticket,
		Port:   params.Port,
	}
	message, err := wire.NewHandshakeMessage(handshake)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("hypervisor: failed to encode console handshake: %w", err)
	}
	if err := conn.WriteMessage(message); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hypervisor: failed to send console handshake: %w: %v", ErrConnection, err)
	}

	reply, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("hypervisor: console handshake reply failed: %w: %v", ErrConnection, err)
	}
	switch reply.Type {
	case wire.TypeHandshake:
		return conn, nil
	case wire.TypeClose:
		conn.Close()
		closeFrame, parseErr := wire.ParseClose(reply.Payload)
		if parseErr != nil {
			return nil, fmt.Errorf("hypervisor: console endpoint rejected the session")
		}
		return nil, fmt.Errorf("hypervisor: console endpoint rejected the session: %s", closeFrame.Reason)
	default:
		conn.Close()
		return nil, fmt.Errorf("hypervisor: unexpected console handshake reply type 0x%02x", reply.Type)
	}
}
