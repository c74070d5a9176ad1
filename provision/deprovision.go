// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"context"
	"fmt"

	"github.com/gatehouse-labs/gatehouse/hypervisor"
)

// Deprovision stops and destroys a registry-managed guest, then
// removes its registry record. Only guests this system provisioned
// can be deprovisioned; a guest without a registry record returns
// registry.ErrNotFound untouched. The record is removed last so a
// failed teardown stays visible and retryable.
func (o *Orchestrator) Deprovision(ctx context.Context, vmid int) error {
	if _, err := o.registry.Get(ctx, vmid); err != nil {
		return err
	}

	guest, err := o.cluster.ResolveGuest(ctx, vmid)
	if err != nil {
		return fmt.Errorf("provision: deprovisioning guest %d: %w", vmid, err)
	}

	logger := o.logger.With("vmid", vmid, "node", guest.Node)
	logger.Info("deprovisioning started", "status", guest.Status)

	if guest.Status == "running" {
		stopTask, err := o.cluster.Power(ctx, guest.Node, guest.Type, vmid, hypervisor.ActionStop)
		if err != nil {
			return fmt.Errorf("provision: stopping guest %d: %w", vmid, err)
		}
		if err := o.cluster.AwaitTask(ctx, stopTask, o.watch); err != nil {
			return fmt.Errorf("provision: stopping guest %d: %w", vmid, err)
		}
	}

	deleteTask, err := o.cluster.DeleteGuest(ctx, guest.Node, guest.Type, vmid)
	if err != nil {
		return fmt.Errorf("provision: deleting guest %d: %w", vmid, err)
	}
	if err := o.cluster.AwaitTask(ctx, deleteTask, o.watch); err != nil {
		return fmt.Errorf("provision: deleting guest %d: %w", vmid, err)
	}

	if err := o.registry.Delete(ctx, vmid); err != nil {
		return fmt.Errorf("provision: guest %d destroyed but still registered: %w", vmid, err)
	}

	logger.Info("deprovisioning finished")
	return nil
}
