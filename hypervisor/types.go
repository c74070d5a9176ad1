// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package hypervisor

// ResourceKind distinguishes the two guest flavors the cluster runs.
type ResourceKind string

const (
	KindVM        ResourceKind = "qemu"
	KindContainer ResourceKind = "lxc"
)

// ClusterResource is one entry from the cluster-wide resource listing,
// filtered to guests (the raw listing also carries storage and nodes).
type ClusterResource struct {
	VMID     int          `json:"vmid"`
	Name     string       `json:"name"`
	Node     string       `json:"node"`
	Type     ResourceKind `json:"type"`
	Status   string       `json:"status"`
	Template int          `json:"template"`
	CPU      float64      `json:"cpu"`
	MaxCPU   int          `json:"maxcpu"`
	Mem      int64        `json:"mem"`
	MaxMem   int64        `json:"maxmem"`
	MaxDisk  int64        `json:"maxdisk"`
	Uptime   int64        `json:"uptime"`
	Pool     string       `json:"pool,omitempty"`
}

// StorageContent is one item in a storage datastore listing. The
// content field distinguishes OS template archives (vztmpl) from
// ISO images, backups, and disk volumes.
type StorageContent struct {
	VolID   string `json:"volid"`
	Content string `json:"content"`
	Format  string `json:"format"`
	Size    int64  `json:"size"`
}

// Node is one entry from the node listing.
type Node struct {
	Name    string  `json:"node"`
	Status  string  `json:"status"`
	CPU     float64 `json:"cpu"`
	MaxCPU  int     `json:"maxcpu"`
	Mem     int64   `json:"mem"`
	MaxMem  int64   `json:"maxmem"`
	Uptime  int64   `json:"uptime"`
	SSLFing string  `json:"ssl_fingerprint,omitempty"`
}

// Task identifies an asynchronous cluster task. The cluster returns a
// UPID string from every task-spawning call; the node it runs on is
// needed to poll its status.
type Task struct {
	Node string
	UPID string
}

// TaskStatus is the polled state of a task. Status is "running" until
// the task finishes, then "stopped"; ExitStatus is only meaningful once
// stopped, and is exactly "OK" on success.
type TaskStatus struct {
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus"`
}

// Done reports whether the task has finished, successfully or not.
func (s TaskStatus) Done() bool {
	return s.Status == "stopped"
}

// OK reports whether a finished task succeeded.
func (s TaskStatus) OK() bool {
	return s.Done() && s.ExitStatus == "OK"
}

// ConsoleTicket is the one-time console grant minted for a single
// guest. The cluster returns the proxy port as a string.
type ConsoleTicket struct {
	Ticket string `json:"ticket"`
	Port   string `json:"port"`
	User   string `json:"user"`
}

// ContainerCreate holds the parameters for creating a container from
// an OS template archive.
type ContainerCreate struct {
	VMID       int
	Hostname   string
	OSTemplate string
	Cores      int
	MemoryMB   int
	SwapMB     int
	DiskGB     int
	Storage    string
	Password   string
	Pool       string
	Start      bool
}

// VMClone holds the parameters for full-cloning a VM template.
type VMClone struct {
	TemplateID int
	NewID      int
	Name       string
	Storage    string
	Pool       string
}

// VMConfig holds the post-clone configuration applied to a VM before
// first boot. Zero-valued fields are omitted from the request.
type VMConfig struct {
	Cores      int
	MemoryMB   int
	CIUser     string
	CIPassword string
}
