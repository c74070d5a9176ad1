// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure taxonomy shared across the portal.
// Callers match with errors.Is; the structured *APIError and
// *TaskFailedError types carry the remote detail and are matched with
// errors.As.
var (
	// ErrConnection means the cluster API could not be reached or
	// authentication to it failed. It is retried only within the task
	// watcher's bounded transient budget, never indefinitely.
	ErrConnection = errors.New("hypervisor: connection failed")

	// ErrNotFound means a referenced resource does not exist on the
	// cluster.
	ErrNotFound = errors.New("hypervisor: resource not found")

	// ErrTimeout means the task watcher gave up waiting. The remote
	// task may still be running; this is a client-side give-up, not
	// a remote cancellation.
	ErrTimeout = errors.New("hypervisor: timed out waiting for task")
)

// APIError is a structured error response from the cluster API.
type APIError struct {
	// StatusCode is the HTTP status of the response.
	StatusCode int
	// Message is the human-readable description from the cluster,
	// taken from the response's "errors" or status line.
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hypervisor: api error (%d): %s", e.StatusCode, e.Message)
}

// TaskFailedError means the cluster reported that an asynchronous task
// itself failed. ExitStatus carries the remote exit reason verbatim.
type TaskFailedError struct {
	UPID       string
	ExitStatus string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("hypervisor: task %s failed: %s", e.UPID, e.ExitStatus)
}
