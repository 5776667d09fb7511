// Copyright © 2024 Dubplane <dev@dubplane.io>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package queue dispatches dubbing jobs across workers. It provides the
// backend abstraction with a coordinator-backed distributed implementation,
// an in-process local fallback, an auto-switching wrapper, the policy and
// quota engines, and the per-worker executor loop.
package queue

import (
	"context"
	"time"

	"github.com/dubplane/dubplane/common"
)

// StateHooks is the narrow state-store surface queue backends may touch.
// The store stays authoritative for job metadata; backends only ever need
// the current state plus a way to flip a job to CANCELED.
type StateHooks interface {
	GetJobState(id common.JobID) (common.JobState, bool)
	MarkJobCanceled(id common.JobID, message string) error
}

// SubmitParams carries everything a backend needs to enqueue a job.
type SubmitParams struct {
	JobID    common.JobID
	UserID   string
	UserRole common.UserRole
	Mode     common.JobMode
	Device   common.Device
	Priority int64
}

// ClaimedJob identifies a claim awarded to exactly one worker. The lock
// token stays inside the backend; workers never see it.
type ClaimedJob struct {
	JobID  common.JobID
	UserID string
}

// Backend is the uniform queue surface. Submit/Cancel come from the HTTP
// layer; Claim/BeforeJobRun/AfterJobRun come from executor workers; the
// admin operations come from the admin API.
type Backend interface {
	SubmitJob(p SubmitParams) error
	CancelJob(jobID common.JobID, userID string) error

	// Claim atomically takes the highest-priority pending job, or reports
	// ok=false when nothing is claimable right now.
	Claim() (ClaimedJob, bool, error)

	// BeforeJobRun returns true only if the claimed job may proceed now:
	// not terminal, not canceled, and policy passes against current
	// counters. A denied dispatch is deferred with backoff internally.
	BeforeJobRun(jobID common.JobID, userID string) bool

	// AfterJobRun releases the lock and counters. A failed run may be
	// re-queued with backoff; requeued=true tells the executor to put the
	// job back to QUEUED instead of a terminal state.
	AfterJobRun(jobID common.JobID, userID string, finalState common.JobState, ok bool, errMsg string) (requeued bool)

	CancelRequested(jobID common.JobID) bool

	UserCounts(userID string) (common.Counts, error)
	GlobalCounts() (common.Counts, error)

	AdminSnapshot(limit int) (*common.QueueSnapshot, error)
	AdminSetPriority(jobID common.JobID, priority int64) error
	AdminSetUserQuotas(userID string, maxRunning, maxQueued int64) error

	Status() common.QueueStatus

	// Run owns the backend's background loops until ctx is canceled.
	Run(ctx context.Context)
}

// backoffDelay implements defer-with-backoff: min(cap, base × 2^(n−1))
// for the n-th attempt.
func backoffDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
