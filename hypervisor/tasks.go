// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// WatchConfig bounds a task watch. Zero values take the defaults.
type WatchConfig struct {
	// PollInterval is how often the task status is queried.
	PollInterval time.Duration
	// MaxWait is the total time budget before the watch gives up
	// with ErrTimeout.
	MaxWait time.Duration
	// MaxTransientRetries is how many consecutive failed status
	// queries are tolerated before the watch gives up. A successful
	// query resets the counter.
	MaxTransientRetries int
}

func (w WatchConfig) withDefaults() WatchConfig {
	if w.PollInterval <= 0 {
		w.PollInterval = 2 * time.Second
	}
	if w.MaxWait <= 0 {
		w.MaxWait = 10 * time.Minute
	}
	if w.MaxTransientRetries <= 0 {
		w.MaxTransientRetries = 3
	}
	return w
}

// GetTaskStatus queries the current status of a task on its node.
func (c *Client) GetTaskStatus(ctx context.Context, task Task) (TaskStatus, error) {
	path := fmt.Sprintf("/api2/json/nodes/%s/tasks/%s/status", url.PathEscape(task.Node), url.PathEscape(task.UPID))
	body, err := c.get(ctx, path, nil)
	if err != nil {
		return TaskStatus{}, fmt.Errorf("hypervisor: task status query failed: %w", err)
	}
	var status TaskStatus
	if err := unmarshalData(body, &status); err != nil {
		return TaskStatus{}, fmt.Errorf("hypervisor: failed to parse task status: %w", err)
	}
	return status, nil
}

// AwaitTask polls a task until it finishes, the watch budget runs out,
// or ctx is canceled. A finished task with exit status "OK" returns
// nil; any other exit status returns *TaskFailedError. Failed status
// queries are retried up to MaxTransientRetries times in a row, with
// the counter reset by each successful query; exhausting the retries
// propagates the last query error. Exhausting MaxWait returns
// ErrTimeout. The remote task keeps running in every failure case.
func (c *Client) AwaitTask(ctx context.Context, task Task, watch WatchConfig) error {
	watch = watch.withDefaults()

	start := c.clock.Now()
	consecutiveFailures := 0

	for {
		if c.clock.Now().Sub(start) >= watch.MaxWait {
			return fmt.Errorf("hypervisor: task %s still running after %s: %w",
				task.UPID, watch.MaxWait, ErrTimeout)
		}

		status, err := c.GetTaskStatus(ctx, task)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			consecutiveFailures++
			if consecutiveFailures > watch.MaxTransientRetries {
				return fmt.Errorf("hypervisor: task %s: %d consecutive status queries failed: %w",
					task.UPID, consecutiveFailures, err)
			}
			c.logger.Warn("task status query failed, retrying",
				"upid", task.UPID, "attempt", consecutiveFailures, "error", err)
		case status.Done():
			if status.ExitStatus == "OK" {
				return nil
			}
			return &TaskFailedError{UPID: task.UPID, ExitStatus: status.ExitStatus}
		default:
			consecutiveFailures = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(watch.PollInterval):
		}
	}
}
