// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gatehouse-labs/gatehouse/lib/clock"
)

// taskScript serves a scripted sequence of task status responses. Once
// the script is exhausted the final entry repeats.
type taskScript struct {
	mu        sync.Mutex
	responses []func(w http.ResponseWriter)
	polls     int
}

func respondStatus(status, exitStatus string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		if exitStatus == "" {
			fmt.Fprintf(w, `{"data":{"status":%q}}`, status)
			return
		}
		fmt.Fprintf(w, `{"data":{"status":%q,"exitstatus":%q}}`, status, exitStatus)
	}
}

func respondError(code int) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(code)
		fmt.Fprint(w, `{"data":null}`)
	}
}

func (s *taskScript) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	index := s.polls
	s.polls++
	if index >= len(s.responses) {
		index = len(s.responses) - 1
	}
	respond := s.responses[index]
	s.mu.Unlock()
	respond(w)
}

func (s *taskScript) pollCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

func scriptedTask(t *testing.T, responses ...func(w http.ResponseWriter)) (*Client, *taskScript) {
	t.Helper()
	script := &taskScript{responses: responses}
	cluster := newFakeCluster(t)
	cluster.mux.HandleFunc("GET /api2/json/nodes/pve1/tasks/{upid}/status", script.handler)
	return newTestClient(t, cluster, clock.Real()), script
}

// fastWatch polls aggressively so tests finish quickly on the real clock.
var fastWatch = WatchConfig{
	PollInterval:        time.Millisecond,
	MaxWait:             time.Second,
	MaxTransientRetries: 3,
}

func TestAwaitTaskSuccess(t *testing.T) {
	client, script := scriptedTask(t,
		respondStatus("running", ""),
		respondStatus("running", ""),
		respondStatus("stopped", "OK"),
	)

	task := Task{Node: "pve1", UPID: "UPID:pve1:0001:create"}
	if err := client.AwaitTask(t.Context(), task, fastWatch); err != nil {
		t.Fatalf("AwaitTask: %v", err)
	}
	if got := script.pollCount(); got != 3 {
		t.Errorf("polls = %d, want 3", got)
	}
}

func TestAwaitTaskFailureCarriesExitStatus(t *testing.T) {
	client, _ := scriptedTask(t,
		respondStatus("running", ""),
		respondStatus("stopped", "command 'vzctl start' failed: exit code 1"),
	)

	err := client.AwaitTask(t.Context(), Task{Node: "pve1", UPID: "UPID:pve1:0002:start"}, fastWatch)
	var taskErr *TaskFailedError
	if !errors.As(err, &taskErr) {
		t.Fatalf("error = %v, want *TaskFailedError", err)
	}
	if taskErr.ExitStatus != "command 'vzctl start' failed: exit code 1" {
		t.Errorf("ExitStatus = %q", taskErr.ExitStatus)
	}
	if taskErr.UPID != "UPID:pve1:0002:start" {
		t.Errorf("UPID = %q", taskErr.UPID)
	}
}

func TestAwaitTaskRetriesTransientQueryFailures(t *testing.T) {
	client, _ := scriptedTask(t,
		respondError(http.StatusBadGateway),
		respondError(http.StatusBadGateway),
		respondStatus("stopped", "OK"),
	)

	if err := client.AwaitTask(t.Context(), Task{Node: "pve1", UPID: "UPID:pve1:0003:clone"}, fastWatch); err != nil {
		t.Fatalf("AwaitTask: %v", err)
	}
}

func TestAwaitTaskSuccessfulPollResetsRetryBudget(t *testing.T) {
	// Failures never exceed the budget of 3 in a row because a
	// successful poll sits between the two bursts.
	client, _ := scriptedTask(t,
		respondError(http.StatusBadGateway),
		respondError(http.StatusBadGateway),
		respondStatus("running", ""),
		respondError(http.StatusBadGateway),
		respondError(http.StatusBadGateway),
		respondStatus("stopped", "OK"),
	)

	if err := client.AwaitTask(t.Context(), Task{Node: "pve1", UPID: "UPID:pve1:0004:create"}, fastWatch); err != nil {
		t.Fatalf("AwaitTask: %v", err)
	}
}

func TestAwaitTaskGivesUpAfterRetryBudget(t *testing.T) {
	client, _ := scriptedTask(t, respondError(http.StatusBadGateway))

	err := client.AwaitTask(t.Context(), Task{Node: "pve1", UPID: "UPID:pve1:0005:create"}, fastWatch)
	if err == nil {
		t.Fatal("AwaitTask succeeded against a permanently failing status endpoint")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Errorf("error = %v, want wrapped *APIError", err)
	}
}

func TestAwaitTaskTimesOut(t *testing.T) {
	client, _ := scriptedTask(t, respondStatus("running", ""))

	watch := WatchConfig{
		PollInterval:        time.Millisecond,
		MaxWait:             10 * time.Millisecond,
		MaxTransientRetries: 3,
	}
	err := client.AwaitTask(t.Context(), Task{Node: "pve1", UPID: "UPID:pve1:0006:create"}, watch)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
}

func TestAwaitTaskPollsForFullWaitBudget(t *testing.T) {
	script := &taskScript{responses: []func(w http.ResponseWriter){respondStatus("running", "")}}
	cluster := newFakeCluster(t)
	cluster.mux.HandleFunc("GET /api2/json/nodes/pve1/tasks/{upid}/status", script.handler)
	fakeClock := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	client := newTestClient(t, cluster, fakeClock)

	watch := WatchConfig{
		PollInterval:        2 * time.Second,
		MaxWait:             6 * time.Second,
		MaxTransientRetries: 3,
	}
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- client.AwaitTask(t.Context(), Task{Node: "pve1", UPID: "UPID:pve1:0008:create"}, watch)
	}()

	for range 3 {
		fakeClock.BlockUntilWaiters(1)
		fakeClock.Advance(watch.PollInterval)
	}

	select {
	case err := <-watchDone:
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("error = %v, want ErrTimeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("AwaitTask did not return after the wait budget elapsed")
	}
	if got := script.pollCount(); got != 3 {
		t.Errorf("polls = %d, want one per interval in the budget", got)
	}
}

func TestAwaitTaskHonorsContextCancellation(t *testing.T) {
	client, _ := scriptedTask(t, respondStatus("running", ""))

	ctx, cancel := context.WithCancel(t.Context())
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- client.AwaitTask(ctx, Task{Node: "pve1", UPID: "UPID:pve1:0007:create"}, WatchConfig{
			PollInterval: time.Hour,
			MaxWait:      24 * time.Hour,
		})
	}()

	cancel()
	select {
	case err := <-watchDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("AwaitTask did not return after context cancellation")
	}
}
