// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package request

import (
	"context"
	"fmt"
	"sync"
	"time"

	"zombiezen.com/go/sqlite/sqlitex"
)

// Provisioner turns an approved request into a live cluster guest and
// returns its guest ID.
type Provisioner interface {
	Provision(ctx context.Context, request Request) (int, error)
}

// ReviewDecision is one administrator verdict on a pending request.
type ReviewDecision struct {
	ReviewerID string
	Approve    bool
	Comment    string
}

// Review applies a verdict to a pending request. Rejection records
// the reviewer fields and stops. Approval calls the provisioner
// synchronously: on success the request becomes approved with its
// guest ID recorded; on failure the request returns to pending with a
// note appended to the review comment, and the provisioning error is
// returned for the caller to surface.
//
// Reviews of the same request are serialized: of two concurrent
// calls, one applies and the other observes ErrInvalidState with the
// record unchanged. Reviewing a request that is not pending fails the
// same way.
func (s *Store) Review(ctx context.Context, id string, decision ReviewDecision, provisioner Provisioner) (Request, error) {
	if decision.ReviewerID == "" {
		return Request{}, fmt.Errorf("request store: reviewer is required")
	}
	if decision.Approve && provisioner == nil {
		return Request{}, fmt.Errorf("request store: approval requires a provisioner")
	}

	held := s.reviewLocks.lock(id)
	defer s.reviewLocks.unlock(id, held)

	current, err := s.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if current.Status != StatusPending {
		return Request{}, fmt.Errorf("request store: %q is %s: %w", id, current.Status, ErrInvalidState)
	}

	reviewedAt := s.clock.Now().UTC().Truncate(time.Second)

	if !decision.Approve {
		return s.applyReview(ctx, id, StatusRejected, decision.ReviewerID, decision.Comment, reviewedAt, 0)
	}

	resourceID, provisionErr := provisioner.Provision(ctx, current)
	if provisionErr != nil {
		// The request stays pending and re-reviewable. The reviewer
		// fields of the failed attempt are kept so the history is
		// visible.
		note := fmt.Sprintf("%s [automatic provisioning failed: %v; returned to pending for manual review]",
			decision.Comment, provisionErr)
		if _, err := s.applyReview(ctx, id, StatusPending, decision.ReviewerID, note, reviewedAt, 0); err != nil {
			return Request{}, fmt.Errorf("request store: recording provisioning failure: %w (provisioning error: %v)",
				err, provisionErr)
		}
		s.logger.Error("provisioning failed, request reverted to pending",
			"request_id", id, "reviewer", decision.ReviewerID, "error", provisionErr)
		return Request{}, fmt.Errorf("request store: provisioning %q: %w", id, provisionErr)
	}

	updated, err := s.applyReview(ctx, id, StatusApproved, decision.ReviewerID, decision.Comment, reviewedAt, resourceID)
	if err != nil {
		return Request{}, err
	}
	s.logger.Info("request approved",
		"request_id", id, "reviewer", decision.ReviewerID, "resource_id", resourceID)
	return updated, nil
}

// applyReview writes the review outcome in one transaction and
// returns the updated record. The caller holds the per-request lock.
func (s *Store) applyReview(ctx context.Context, id string, status Status, reviewerID, comment string, reviewedAt time.Time, resourceID int) (Request, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request store: review: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return Request{}, fmt.Errorf("request store: begin review transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `UPDATE requests
		SET status = ?, reviewer_id = ?, review_comment = ?, reviewed_at = ?, resource_id = ?
		WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(status), reviewerID, comment, reviewedAt.Unix(), resourceID, id},
		})
	if err != nil {
		return Request{}, fmt.Errorf("request store: update review: %w", err)
	}
	if conn.Changes() != 1 {
		return Request{}, fmt.Errorf("request store: %q: %w", id, ErrNotFound)
	}
	return getLocked(conn, id)
}

// lockTable hands out one mutex per request ID so review transitions
// on the same request are serialized while unrelated requests proceed
// in parallel. Entries are dropped when the last holder releases.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*requestLock
}

type requestLock struct {
	mu   sync.Mutex
	refs int
}

func (t *lockTable) lock(id string) *requestLock {
	t.mu.Lock()
	if t.locks == nil {
		t.locks = make(map[string]*requestLock)
	}
	held := t.locks[id]
	if held == nil {
		held = &requestLock{}
		t.locks[id] = held
	}
	held.refs++
	t.mu.Unlock()

	held.mu.Lock()
	return held
}

func (t *lockTable) unlock(id string, held *requestLock) {
	held.mu.Unlock()

	t.mu.Lock()
	held.refs--
	if held.refs == 0 {
		delete(t.locks, id)
	}
	t.mu.Unlock()
}
