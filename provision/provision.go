// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package provision turns approved requests into live cluster guests.
// The orchestrator allocates a guest ID, drives the creation or clone
// calls, waits on the resulting tasks, and writes the registry record.
// A failure after ID allocation but before the registry write leaves
// a partially-created remote guest; the orchestrator surfaces that as
// an error requiring operator follow-up rather than attempting remote
// cleanup.
package provision

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gatehouse-labs/gatehouse/hypervisor"
	"github.com/gatehouse-labs/gatehouse/lib/sealed"
	"github.com/gatehouse-labs/gatehouse/lib/secret"
	"github.com/gatehouse-labs/gatehouse/registry"
	"github.com/gatehouse-labs/gatehouse/request"
)

// Cluster is the slice of the hypervisor client the orchestrator
// drives. *hypervisor.Client implements it.
type Cluster interface {
	NextID(ctx context.Context) (int, error)
	CreateContainer(ctx context.Context, node string, params hypervisor.ContainerCreate) (hypervisor.Task, error)
	CloneVM(ctx context.Context, node string, params hypervisor.VMClone) (hypervisor.Task, error)
	ConfigureVM(ctx context.Context, node string, vmid int, params hypervisor.VMConfig) error
	ResizeDisk(ctx context.Context, node string, vmid int, disk string, sizeGB int) error
	Power(ctx context.Context, node string, kind hypervisor.ResourceKind, vmid int, action hypervisor.PowerAction) (hypervisor.Task, error)
	DeleteGuest(ctx context.Context, node string, kind hypervisor.ResourceKind, vmid int) (hypervisor.Task, error)
	ResolveGuest(ctx context.Context, vmid int) (hypervisor.ClusterResource, error)
	AwaitTask(ctx context.Context, task hypervisor.Task, watch hypervisor.WatchConfig) error
}

// containerSwapMB is the swap allowance given to every container.
const containerSwapMB = 512

// Config holds the orchestrator's collaborators and placement
// defaults.
type Config struct {
	// Cluster performs the remote calls.
	Cluster Cluster
	// Registry receives a record for every provisioned guest.
	Registry *registry.Store
	// PrivateKey unseals the guest credentials stored with each
	// request. The orchestrator borrows the buffer; the caller
	// retains ownership.
	PrivateKey *secret.Buffer
	// Node is the cluster node guests are placed on.
	Node string
	// Storage is the default storage backing guest disks, used when
	// the request names none.
	Storage string
	// Pool is an optional cluster resource pool new guests join.
	Pool string
	// Watch bounds each task wait.
	Watch hypervisor.WatchConfig
	// StartVMs starts cloned VMs once configured. Containers always
	// start as part of creation.
	StartVMs bool
	// Logger receives operational messages.
	Logger *slog.Logger
}

// Orchestrator provisions guests for approved requests. It implements
// request.Provisioner.
type Orchestrator struct {
	cluster    Cluster
	registry   *registry.Store
	privateKey *secret.Buffer
	node       string
	storage    string
	pool       string
	watch      hypervisor.WatchConfig
	startVMs   bool
	logger     *slog.Logger
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("provision: Cluster is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("provision: Registry is required")
	}
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("provision: PrivateKey is required")
	}
	if cfg.Node == "" {
		return nil, fmt.Errorf("provision: Node is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		cluster:    cfg.Cluster,
		registry:   cfg.Registry,
		privateKey: cfg.PrivateKey,
		node:       cfg.Node,
		storage:    cfg.Storage,
		pool:       cfg.Pool,
		watch:      cfg.Watch,
		startVMs:   cfg.StartVMs,
		logger:     logger,
	}, nil
}

// Provision allocates a guest ID and builds the requested resource,
// returning the ID once the registry record is written. Failures
// propagate unwrapped in meaning: the caller decides how to react,
// the orchestrator only reports.
func (o *Orchestrator) Provision(ctx context.Context, req request.Request) (int, error) {
	vmid, err := o.cluster.NextID(ctx)
	if err != nil {
		return 0, fmt.Errorf("provision: allocating guest id: %w", err)
	}

	logger := o.logger.With("request_id", req.ID, "vmid", vmid, "kind", req.Kind)
	logger.Info("provisioning started", "hostname", req.Hostname)

	switch req.Kind {
	case request.KindContainer:
		err = o.provisionContainer(ctx, vmid, req)
	case request.KindVM:
		err = o.provisionVM(ctx, vmid, req)
	default:
		return 0, fmt.Errorf("provision: unknown kind %q", req.Kind)
	}
	if err != nil {
		// The remote guest may be partially created under this id.
		// There is no automatic remote cleanup; the error message
		// carries the id so an operator can inspect the cluster.
		logger.Error("provisioning failed, guest may be partially created", "error", err)
		return 0, fmt.Errorf("provision: guest %d: %w", vmid, err)
	}

	record := registry.Record{
		ResourceID:    vmid,
		OwnerID:       req.RequesterID,
		Environment:   req.Environment,
		OSDescription: osDescription(req),
		ExpiresAt:     req.ExpiresAt,
		TemplateID:    req.TemplateID,
	}
	if _, err := o.registry.Create(ctx, record); err != nil {
		logger.Error("registry write failed for live guest", "error", err)
		return 0, fmt.Errorf("provision: guest %d created but not registered: %w", vmid, err)
	}

	logger.Info("provisioning finished")
	return vmid, nil
}

// provisionContainer creates and starts a container from an OS
// template archive and waits for the creation task.
func (o *Orchestrator) provisionContainer(ctx context.Context, vmid int, req request.Request) error {
	password, err := o.unsealPassword(req)
	if err != nil {
		return err
	}
	defer password.Close()

	task, err := o.cluster.CreateContainer(ctx, o.node, hypervisor.ContainerCreate{
		VMID:       vmid,
		Hostname:   req.Hostname,
		OSTemplate: req.OSTemplate,
		Cores:      req.Cores,
		MemoryMB:   req.MemoryMB,
		SwapMB:     containerSwapMB,
		DiskGB:     req.RootFSGB,
		Storage:    o.storageFor(req),
		Password:   password.String(),
		Pool:       o.pool,
		Start:      true,
	})
	if err != nil {
		return err
	}
	return o.cluster.AwaitTask(ctx, task, o.watch)
}

// provisionVM clones the source template, waits for the clone, then
// applies sizing and cloud-init credentials before first boot. The
// config call is synchronous for a stopped guest and is not a task.
func (o *Orchestrator) provisionVM(ctx context.Context, vmid int, req request.Request) error {
	task, err := o.cluster.CloneVM(ctx, o.node, hypervisor.VMClone{
		TemplateID: req.TemplateID,
		NewID:      vmid,
		Name:       req.Hostname,
		Storage:    o.storageFor(req),
		Pool:       o.pool,
	})
	if err != nil {
		return err
	}
	if err := o.cluster.AwaitTask(ctx, task, o.watch); err != nil {
		return err
	}

	password, err := o.unsealPassword(req)
	if err != nil {
		return err
	}
	defer password.Close()

	err = o.cluster.ConfigureVM(ctx, o.node, vmid, hypervisor.VMConfig{
		Cores:      req.Cores,
		MemoryMB:   req.MemoryMB,
		CIUser:     req.GuestUser,
		CIPassword: password.String(),
	})
	if err != nil {
		return err
	}

	if req.DiskGB > 0 {
		if err := o.cluster.ResizeDisk(ctx, o.node, vmid, "scsi0", req.DiskGB); err != nil {
			return err
		}
	}

	if o.startVMs {
		if _, err := o.cluster.Power(ctx, o.node, hypervisor.KindVM, vmid, hypervisor.ActionStart); err != nil {
			return err
		}
	}
	return nil
}

// unsealPassword decrypts the request's stored credential. The
// plaintext lives in a locked buffer for the duration of one
// provisioning call and is never logged.
func (o *Orchestrator) unsealPassword(req request.Request) (*secret.Buffer, error) {
	password, err := sealed.Unseal(req.SealedPassword, o.privateKey)
	if err != nil {
		return nil, fmt.Errorf("unsealing guest credential: %w", err)
	}
	return password, nil
}

func (o *Orchestrator) storageFor(req request.Request) string {
	if req.Storage != "" {
		return req.Storage
	}
	return o.storage
}

func osDescription(req request.Request) string {
	if req.Kind == request.KindContainer {
		return req.OSTemplate
	}
	return fmt.Sprintf("clone of template %d", req.TemplateID)
}
