// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"sort"

	"github.com/gatehouse-labs/gatehouse/hypervisor"
)

// Resource is one cluster guest as the portal presents it: live state
// from the cluster joined with the registry's ownership metadata.
// Guests the portal never provisioned appear with Managed false and
// empty metadata.
type Resource struct {
	hypervisor.ClusterResource

	// Managed reports whether a registry record exists for the guest.
	Managed       bool
	OwnerID       string
	Environment   string
	OSDescription string
}

// Merge joins a cluster guest listing with registry records, ordered
// by guest ID. Records without a matching live guest are dropped from
// the view; they belong to guests that are mid-provisioning or were
// removed behind the portal's back, and the listing reflects only
// what the cluster reports as existing.
func Merge(guests []hypervisor.ClusterResource, records []Record) []Resource {
	byID := make(map[int]Record, len(records))
	for _, record := range records {
		byID[record.ResourceID] = record
	}

	merged := make([]Resource, 0, len(guests))
	for _, guest := range guests {
		resource := Resource{ClusterResource: guest}
		if record, ok := byID[guest.VMID]; ok {
			resource.Managed = true
			resource.OwnerID = record.OwnerID
			resource.Environment = record.Environment
			resource.OSDescription = record.OSDescription
		}
		merged = append(merged, resource)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].VMID < merged[j].VMID
	})
	return merged
}

// OwnedBy filters a merged listing to the guests owned by one user.
func OwnedBy(resources []Resource, ownerID string) []Resource {
	var owned []Resource
	for _, resource := range resources {
		if resource.Managed && resource.OwnerID == ownerID {
			owned = append(owned, resource)
		}
	}
	return owned
}
