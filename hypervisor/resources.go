// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

// ListNodes returns the cluster's nodes with their load summaries.
func (c *Client) ListNodes(ctx context.Context) ([]Node, error) {
	body, err := c.get(ctx, "/api2/json/nodes", nil)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: listing nodes failed: %w", err)
	}
	var nodes []Node
	if err := unmarshalData(body, &nodes); err != nil {
		return nil, fmt.Errorf("hypervisor: failed to parse node listing: %w", err)
	}
	return nodes, nil
}

// ListGuests returns every VM and container in the cluster. The raw
// resource listing also carries storage and node entries; those are
// filtered out here.
func (c *Client) ListGuests(ctx context.Context) ([]ClusterResource, error) {
	query := url.Values{}
	query.Set("type", "vm")
	body, err := c.get(ctx, "/api2/json/cluster/resources", query)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: listing cluster resources failed: %w", err)
	}
	var resources []ClusterResource
	if err := unmarshalData(body, &resources); err != nil {
		return nil, fmt.Errorf("hypervisor: failed to parse resource listing: %w", err)
	}
	guests := resources[:0]
	for _, resource := range resources {
		if resource.Type == KindVM || resource.Type == KindContainer {
			guests = append(guests, resource)
		}
	}
	return guests, nil
}

// ListVMTemplates returns the cluster guests marked as templates,
// the valid clone sources for VM requests.
func (c *Client) ListVMTemplates(ctx context.Context) ([]ClusterResource, error) {
	query := url.Values{}
	query.Set("type", "vm")
	body, err := c.get(ctx, "/api2/json/cluster/resources", query)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: listing cluster resources failed: %w", err)
	}
	var resources []ClusterResource
	if err := unmarshalData(body, &resources); err != nil {
		return nil, fmt.Errorf("hypervisor: failed to parse resource listing: %w", err)
	}
	templates := resources[:0]
	for _, resource := range resources {
		if resource.Type == KindVM && resource.Template == 1 {
			templates = append(templates, resource)
		}
	}
	return templates, nil
}

// ListContainerTemplates returns the container OS template archives
// (vztmpl content) available on a node's storage.
func (c *Client) ListContainerTemplates(ctx context.Context, node, storage string) ([]StorageContent, error) {
	path := fmt.Sprintf("/api2/json/nodes/%s/storage/%s/content",
		url.PathEscape(node), url.PathEscape(storage))
	body, err := c.get(ctx, path, nil)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: listing storage content failed: %w", err)
	}
	var content []StorageContent
	if err := unmarshalData(body, &content); err != nil {
		return nil, fmt.Errorf("hypervisor: failed to parse storage content: %w", err)
	}
	templates := content[:0]
	for _, item := range content {
		if item.Content == "vztmpl" {
			templates = append(templates, item)
		}
	}
	return templates, nil
}

// ResolveGuest finds the guest with the given cluster-wide ID and
// returns its current placement and kind. Returns ErrNotFound when no
// guest has that ID.
func (c *Client) ResolveGuest(ctx context.Context, vmid int) (ClusterResource, error) {
	guests, err := c.ListGuests(ctx)
	if err != nil {
		return ClusterResource{}, err
	}
	for _, guest := range guests {
		if guest.VMID == vmid {
			return guest, nil
		}
	}
	return ClusterResource{}, fmt.Errorf("hypervisor: guest %d: %w", vmid, ErrNotFound)
}

// NextID asks the cluster for the next unused guest ID.
func (c *Client) NextID(ctx context.Context) (int, error) {
	body, err := c.get(ctx, "/api2/json/cluster/nextid", nil)
	if err != nil {
		return 0, fmt.Errorf("hypervisor: fetching next guest id failed: %w", err)
	}
	// The cluster returns the ID as a JSON string.
	var raw string
	if err := unmarshalData(body, &raw); err != nil {
		return 0, fmt.Errorf("hypervisor: failed to parse next guest id: %w", err)
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("hypervisor: next guest id %q is not a number: %w", raw, err)
	}
	return id, nil
}

// CreateContainer creates a container from an OS template archive and
// returns the creation task.
func (c *Client) CreateContainer(ctx context.Context, node string, params ContainerCreate) (Task, error) {
	form := url.Values{}
	form.Set("vmid", strconv.Itoa(params.VMID))
	form.Set("hostname", params.Hostname)
	form.Set("ostemplate", params.OSTemplate)
	form.Set("cores", strconv.Itoa(params.Cores))
	form.Set("memory", strconv.Itoa(params.MemoryMB))
	form.Set("swap", strconv.Itoa(params.SwapMB))
	form.Set("rootfs", fmt.Sprintf("%s:%d", params.Storage, params.DiskGB))
	form.Set("storage", params.Storage)
	form.Set("password", params.Password)
	form.Set("net0", "name=eth0,bridge=vmbr0,ip=dhcp,firewall=1")
	form.Set("unprivileged", "1")
	if params.Pool != "" {
		form.Set("pool", params.Pool)
	}
	if params.Start {
		form.Set("start", "1")
	}

	body, err := c.post(ctx, "/api2/json/nodes/"+url.PathEscape(node)+"/lxc", form)
	if err != nil {
		return Task{}, fmt.Errorf("hypervisor: container create failed: %w", err)
	}
	return c.taskFromResponse(node, body)
}

// CloneVM full-clones a VM template into a new guest and returns the
// clone task. The clone is not started; configuration and disk sizing
// happen before first boot.
func (c *Client) CloneVM(ctx context.Context, node string, params VMClone) (Task, error) {
	form := url.Values{}
	form.Set("newid", strconv.Itoa(params.NewID))
	form.Set("name", params.Name)
	form.Set("full", "1")
	if params.Storage != "" {
		form.Set("storage", params.Storage)
	}
	if params.Pool != "" {
		form.Set("pool", params.Pool)
	}

	path := fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/clone", url.PathEscape(node), params.TemplateID)
	body, err := c.post(ctx, path, form)
	if err != nil {
		return Task{}, fmt.Errorf("hypervisor: vm clone failed: %w", err)
	}
	return c.taskFromResponse(node, body)
}

// ConfigureVM applies sizing and cloud-init credentials to a stopped
// VM. The cluster applies config changes synchronously for a stopped
// guest, so this returns no task.
func (c *Client) ConfigureVM(ctx context.Context, node string, vmid int, params VMConfig) error {
	form := url.Values{}
	if params.Cores > 0 {
		form.Set("cores", strconv.Itoa(params.Cores))
	}
	if params.MemoryMB > 0 {
		form.Set("memory", strconv.Itoa(params.MemoryMB))
	}
	if params.CIUser != "" {
		form.Set("ciuser", params.CIUser)
	}
	if params.CIPassword != "" {
		form.Set("cipassword", params.CIPassword)
	}

	path := fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/config", url.PathEscape(node), vmid)
	if _, err := c.put(ctx, path, form); err != nil {
		return fmt.Errorf("hypervisor: vm config failed: %w", err)
	}
	return nil
}

// ResizeDisk grows a VM's primary disk to the given size in gigabytes.
func (c *Client) ResizeDisk(ctx context.Context, node string, vmid int, disk string, sizeGB int) error {
	form := url.Values{}
	form.Set("disk", disk)
	form.Set("size", strconv.Itoa(sizeGB)+"G")

	path := fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/resize", url.PathEscape(node), vmid)
	if _, err := c.put(ctx, path, form); err != nil {
		return fmt.Errorf("hypervisor: disk resize failed: %w", err)
	}
	return nil
}

// PowerAction is a guest lifecycle command routed to the cluster's
// status endpoint for the guest.
type PowerAction string

const (
	ActionStart    PowerAction = "start"
	ActionStop     PowerAction = "stop"
	ActionShutdown PowerAction = "shutdown"
	ActionReboot   PowerAction = "reboot"
	ActionReset    PowerAction = "reset"
)

// Power issues a lifecycle command against a guest and returns the
// resulting task. Reset is only valid for VMs; the cluster rejects it
// for containers and the rejection surfaces as *APIError.
func (c *Client) Power(ctx context.Context, node string, kind ResourceKind, vmid int, action PowerAction) (Task, error) {
	path := fmt.Sprintf("/api2/json/nodes/%s/%s/%d/status/%s", url.PathEscape(node), kind, vmid, action)
	body, err := c.post(ctx, path, nil)
	if err != nil {
		return Task{}, fmt.Errorf("hypervisor: %s failed: %w", action, err)
	}
	return c.taskFromResponse(node, body)
}

// DeleteGuest destroys a guest and returns the deletion task. The
// guest must already be stopped.
func (c *Client) DeleteGuest(ctx context.Context, node string, kind ResourceKind, vmid int) (Task, error) {
	path := fmt.Sprintf("/api2/json/nodes/%s/%s/%d", url.PathEscape(node), kind, vmid)
	body, err := c.delete(ctx, path)
	if err != nil {
		return Task{}, fmt.Errorf("hypervisor: guest delete failed: %w", err)
	}
	return c.taskFromResponse(node, body)
}

// taskFromResponse extracts the UPID a task-spawning call returns.
func (c *Client) taskFromResponse(node string, body []byte) (Task, error) {
	var upid string
	if err := unmarshalData(body, &upid); err != nil {
		return Task{}, fmt.Errorf("hypervisor: failed to parse task id: %w", err)
	}
	return Task{Node: node, UPID: upid}, nil
}
