// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package request implements the resource request workflow: users
// submit declarative VM or container requests, administrators review
// them, and an approval drives provisioning. A request is pending
// until reviewed; approval that fails to provision reverts it to
// pending with an explanatory note so it stays re-reviewable.
package request

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	// ErrNotFound means the referenced request does not exist.
	ErrNotFound = errors.New("request: not found")

	// ErrInvalidState means a review was attempted on a request that
	// is not pending. The record is unchanged.
	ErrInvalidState = errors.New("request: not pending")
)

// Status is the review state of a request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Kind selects the provisioning path.
type Kind string

const (
	KindVM        Kind = "vm"
	KindContainer Kind = "container"
)

// Request is one user submission for a compute resource.
type Request struct {
	ID            string
	RequesterID   string
	Justification string
	Kind          Kind
	Hostname      string
	Cores         int
	MemoryMB      int
	Storage       string

	// SealedPassword is the guest credential, encrypted to the
	// portal's sealing key at submission time. The plaintext is
	// never stored.
	SealedPassword string

	// Container fields.
	OSTemplate string
	RootFSGB   int

	// VM fields.
	TemplateID int
	GuestUser  string
	DiskGB     int

	Environment string
	ExpiresAt   *time.Time

	Status        Status
	ReviewerID    string
	ReviewComment string
	ReviewedAt    *time.Time

	// ResourceID is the cluster-assigned guest ID, set only once the
	// request is approved and provisioning succeeded. Zero means not
	// provisioned.
	ResourceID int

	CreatedAt time.Time
}

// Submission holds the user-provided fields of a new request.
type Submission struct {
	RequesterID    string
	Justification  string
	Kind           Kind
	Hostname       string
	Cores          int
	MemoryMB       int
	Storage        string
	SealedPassword string
	OSTemplate     string
	RootFSGB       int
	TemplateID     int
	GuestUser      string
	DiskGB         int
	Environment    string
	ExpiresAt      *time.Time
}

// minJustification keeps one-word justifications out of the review
// queue.
const minJustification = 10

// defaultRootFSGB is the root filesystem size given to container
// requests that leave it unset.
const defaultRootFSGB = 8

// hostnamePattern is an RFC 1123 label: the hostname becomes the
// guest's DNS name on the cluster network.
var hostnamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// Validate checks the submission's required fields, including the
// kind-specific ones: a container needs an OS template reference, a
// VM needs a clone-source template and a guest username.
func (s Submission) Validate() error {
	if s.RequesterID == "" {
		return fmt.Errorf("request: requester is required")
	}
	if len(s.Justification) < minJustification {
		return fmt.Errorf("request: justification must be at least %d characters", minJustification)
	}
	if s.Hostname == "" {
		return fmt.Errorf("request: hostname is required")
	}
	if len(s.Hostname) > 63 || !hostnamePattern.MatchString(s.Hostname) {
		return fmt.Errorf("request: hostname %q is not a valid DNS label", s.Hostname)
	}
	if s.Cores <= 0 {
		return fmt.Errorf("request: cores must be positive")
	}
	if s.MemoryMB <= 0 {
		return fmt.Errorf("request: memory must be positive")
	}
	if s.SealedPassword == "" {
		return fmt.Errorf("request: sealed password is required")
	}
	switch s.Kind {
	case KindContainer:
		if s.OSTemplate == "" {
			return fmt.Errorf("request: container requests require an OS template")
		}
	case KindVM:
		if s.TemplateID <= 0 {
			return fmt.Errorf("request: vm requests require a template id")
		}
		if s.GuestUser == "" {
			return fmt.Errorf("request: vm requests require a guest username")
		}
	default:
		return fmt.Errorf("request: unknown kind %q", s.Kind)
	}
	return nil
}
