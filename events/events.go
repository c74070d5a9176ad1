// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package events publishes portal lifecycle events to NATS so other
// systems (inventory, billing, chat notifications) can react without
// polling the portal. Publishing is fire-and-forget: a broker outage
// never fails the operation that produced the event.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Event subjects, appended to the configured prefix.
const (
	SubjectRequestSubmitted      = "request.submitted"
	SubjectRequestApproved       = "request.approved"
	SubjectRequestRejected       = "request.rejected"
	SubjectProvisionFailed       = "request.provision_failed"
	SubjectResourceProvisioned   = "resource.provisioned"
	SubjectResourceDeprovisioned = "resource.deprovisioned"
	SubjectConsoleOpened         = "console.opened"
)

// Event is the envelope every published message carries.
type Event struct {
	// Subject is the event kind without the prefix.
	Subject string `json:"subject"`
	// RequestID is set for request workflow events.
	RequestID string `json:"request_id,omitempty"`
	// ResourceID is set once a cluster guest is involved.
	ResourceID int `json:"resource_id,omitempty"`
	// UserID is the acting user (requester, reviewer, or console
	// user depending on the subject).
	UserID string `json:"user_id,omitempty"`
	// At is when the event was published.
	At time.Time `json:"at"`
}

// Config holds the parameters for connecting a publisher.
type Config struct {
	// URL is the NATS server URL. Empty disables publishing; the
	// returned publisher is a no-op.
	URL string
	// SubjectPrefix namespaces all subjects. Defaults to "gatehouse".
	SubjectPrefix string
	// Logger receives connection state and publish failures.
	Logger *slog.Logger
}

// Publisher publishes portal events. A nil *Publisher is valid and
// publishes nothing, so callers never need to guard.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// Connect creates a publisher. With an empty URL it returns nil,
// which is a valid no-op publisher.
func Connect(cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "gatehouse"
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("gatehouse-portal"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info("nats reconnected", "url", conn.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connecting to %s: %w", cfg.URL, err)
	}

	return &Publisher{conn: conn, prefix: prefix, logger: logger}, nil
}

// Publish sends one event. Failures are logged, never returned: event
// delivery is advisory and must not fail portal operations.
func (p *Publisher) Publish(event Event) {
	if p == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("event encode failed", "subject", event.Subject, "error", err)
		return
	}
	if err := p.conn.Publish(p.prefix+"."+event.Subject, payload); err != nil {
		p.logger.Warn("event publish failed", "subject", event.Subject, "error", err)
	}
}

// Close drains and closes the connection. Safe on nil.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("nats drain failed", "error", err)
	}
	p.conn.Close()
}
