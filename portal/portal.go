// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package portal is the HTTP surface of the request/approval system:
// request submission and review, merged resource listings, power
// control, deprovisioning, and operational endpoints. Authentication
// is delegated to a fronting proxy; the portal trusts the identity
// headers it injects and enforces authorization (ownership and admin
// checks) itself.
package portal

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gatehouse-labs/gatehouse/events"
	"github.com/gatehouse-labs/gatehouse/hypervisor"
	"github.com/gatehouse-labs/gatehouse/metrics"
	"github.com/gatehouse-labs/gatehouse/registry"
	"github.com/gatehouse-labs/gatehouse/request"
)

// Identity headers set by the fronting authentication proxy. Requests
// without the user header are rejected; the admin header grants the
// privileged surfaces.
const (
	HeaderUser  = "X-Gatehouse-User"
	HeaderAdmin = "X-Gatehouse-Admin"
)

// Principal is the authenticated caller of one request.
type Principal struct {
	UserID string
	Admin  bool
}

type principalKey struct{}

// principalFrom returns the Principal stored by the authentication
// middleware.
func principalFrom(ctx context.Context) Principal {
	principal, _ := ctx.Value(principalKey{}).(Principal)
	return principal
}

// Cluster is the slice of the hypervisor client the portal reads
// from and controls directly. *hypervisor.Client implements it.
type Cluster interface {
	ListNodes(ctx context.Context) ([]hypervisor.Node, error)
	ListGuests(ctx context.Context) ([]hypervisor.ClusterResource, error)
	ListVMTemplates(ctx context.Context) ([]hypervisor.ClusterResource, error)
	ListContainerTemplates(ctx context.Context, node, storage string) ([]hypervisor.StorageContent, error)
	ResolveGuest(ctx context.Context, vmid int) (hypervisor.ClusterResource, error)
	Power(ctx context.Context, node string, kind hypervisor.ResourceKind, vmid int, action hypervisor.PowerAction) (hypervisor.Task, error)
	MintConsoleTicket(ctx context.Context, node string, kind hypervisor.ResourceKind, vmid int) (hypervisor.ConsoleTicket, error)
}

// Provisioner builds and tears down guests for the portal.
// *provision.Orchestrator implements it.
type Provisioner interface {
	request.Provisioner
	Deprovision(ctx context.Context, vmid int) error
}

// Config holds the portal's collaborators.
type Config struct {
	Requests    *request.Store
	Registry    *registry.Store
	Cluster     Cluster
	Provisioner Provisioner
	// SealingKey is the public key guest credentials are encrypted
	// to at submission time.
	SealingKey string
	// TemplateNode and TemplateStorage name where container OS
	// template archives live for the template listing.
	TemplateNode    string
	TemplateStorage string
	// Events receives lifecycle events. May be nil.
	Events *events.Publisher
	Logger *slog.Logger
}

// Portal routes and serves the HTTP API.
type Portal struct {
	requests    *request.Store
	registry    *registry.Store
	cluster     Cluster
	provisioner Provisioner
	sealingKey  string
	events      *events.Publisher
	logger      *slog.Logger

	templateNode    string
	templateStorage string
}

// New creates a Portal.
func New(cfg Config) (*Portal, error) {
	if cfg.Requests == nil {
		return nil, fmt.Errorf("portal: Requests is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("portal: Registry is required")
	}
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("portal: Cluster is required")
	}
	if cfg.Provisioner == nil {
		return nil, fmt.Errorf("portal: Provisioner is required")
	}
	if cfg.SealingKey == "" {
		return nil, fmt.Errorf("portal: SealingKey is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Portal{
		requests:        cfg.Requests,
		registry:        cfg.Registry,
		cluster:         cfg.Cluster,
		provisioner:     cfg.Provisioner,
		sealingKey:      cfg.SealingKey,
		events:          cfg.Events,
		logger:          logger,
		templateNode:    cfg.TemplateNode,
		templateStorage: cfg.TemplateStorage,
	}, nil
}

// Handler returns the portal's routing table.
func (p *Portal) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern string, handler http.HandlerFunc, admin bool) {
		wrapped := p.authenticate(handler, admin)
		mux.Handle(pattern, metrics.Middleware(pattern, wrapped))
	}

	route("POST /api/requests", p.handleSubmit, false)
	route("GET /api/requests", p.handleListOwnRequests, false)
	route("GET /api/requests/{id}", p.handleGetRequest, false)
	route("GET /api/admin/requests", p.handleListAllRequests, true)
	route("POST /api/admin/requests/{id}/review", p.handleReview, true)

	route("GET /api/resources", p.handleListResources, false)
	route("GET /api/nodes", p.handleListNodes, false)
	route("GET /api/templates/vm", p.handleListVMTemplates, false)
	route("GET /api/templates/container", p.handleListContainerTemplates, false)
	route("POST /api/resources/{vmid}/power/{action}", p.handlePower, false)
	route("POST /api/resources/{vmid}/console/{kind}", p.handleConsoleTicket, false)
	route("DELETE /api/resources/{vmid}", p.handleDeprovision, true)

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

// authenticate resolves the proxy-injected identity headers into a
// Principal, rejecting anonymous calls and, where required, callers
// without the admin grant.
func (p *Portal) authenticate(next http.HandlerFunc, requireAdmin bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := Principal{
			UserID: r.Header.Get(HeaderUser),
			Admin:  r.Header.Get(HeaderAdmin) == "true",
		}
		if principal.UserID == "" {
			writeError(w, http.StatusUnauthorized, "missing identity")
			return
		}
		if requireAdmin && !principal.Admin {
			writeError(w, http.StatusForbidden, "admin required")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next(w, r.WithContext(ctx))
	})
}
