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

package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dubplane/dubplane/common"
)

const healthPeriod = 5 * time.Second

// AutoQueue composes the distributed backend and the local fallback. A
// health loop pings the coordinator; submissions and cancels are forwarded
// to whichever backend is currently active. Jobs already claimed keep
// running on the backend that claimed them.
type AutoQueue struct {
	dist   *DistributedQueue
	local  *LocalQueue
	logger common.ILogger

	// useDistributed is the switch the health loop flips.
	useDistributed atomic.Bool

	// claimedOn remembers which backend claimed each in-flight job, so a
	// switch mid-run cannot strand the claiming backend's lock or
	// running-set entry.
	mu        sync.Mutex
	claimedOn map[common.JobID]Backend
}

func NewAutoQueue(dist *DistributedQueue, local *LocalQueue, logger common.ILogger) *AutoQueue {
	a := &AutoQueue{dist: dist, local: local, logger: logger, claimedOn: make(map[common.JobID]Backend)}
	healthy := dist.Healthy()
	a.useDistributed.Store(healthy)
	if healthy {
		local.Suspend()
	}
	return a
}

func (a *AutoQueue) active() Backend {
	if a.useDistributed.Load() {
		return a.dist
	}
	return a.local
}

func (a *AutoQueue) SubmitJob(p SubmitParams) error {
	if err := a.active().SubmitJob(p); err != nil && a.useDistributed.Load() {
		// coordinator failed mid-submit: fall back rather than drop the job
		a.switchTo(false)
		return a.local.SubmitJob(p)
	} else if err != nil {
		return err
	}
	return nil
}

func (a *AutoQueue) CancelJob(jobID common.JobID, userID string) error {
	// cancel on both so the flag is visible wherever the job was claimed
	var distErr error
	if a.useDistributed.Load() {
		distErr = a.dist.CancelJob(jobID, userID)
	}
	localErr := a.local.CancelJob(jobID, userID)
	if distErr != nil {
		return distErr
	}
	return localErr
}

func (a *AutoQueue) CancelRequested(jobID common.JobID) bool {
	if a.useDistributed.Load() && a.dist.CancelRequested(jobID) {
		return true
	}
	return a.local.CancelRequested(jobID)
}

func (a *AutoQueue) Claim() (ClaimedJob, bool, error) {
	backend := a.active()
	job, ok, err := backend.Claim()
	if ok {
		a.mu.Lock()
		a.claimedOn[job.JobID] = backend
		a.mu.Unlock()
	}
	return job, ok, err
}

// claimer resolves the backend holding the job's claim; jobs this process
// never claimed fall through to the active backend.
func (a *AutoQueue) claimer(id common.JobID) Backend {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.claimedOn[id]; ok {
		return b
	}
	return a.active()
}

func (a *AutoQueue) forget(id common.JobID) {
	a.mu.Lock()
	delete(a.claimedOn, id)
	a.mu.Unlock()
}

func (a *AutoQueue) BeforeJobRun(id common.JobID, u string) bool {
	ok := a.claimer(id).BeforeJobRun(id, u)
	if !ok {
		a.forget(id)
	}
	return ok
}

func (a *AutoQueue) AfterJobRun(id common.JobID, u string, st common.JobState, ok bool, errMsg string) bool {
	requeued := a.claimer(id).AfterJobRun(id, u, st, ok, errMsg)
	a.forget(id)
	return requeued
}

func (a *AutoQueue) UserCounts(userID string) (common.Counts, error) {
	return a.active().UserCounts(userID)
}

func (a *AutoQueue) GlobalCounts() (common.Counts, error) { return a.active().GlobalCounts() }

func (a *AutoQueue) AdminSnapshot(limit int) (*common.QueueSnapshot, error) {
	return a.active().AdminSnapshot(limit)
}

func (a *AutoQueue) AdminSetPriority(jobID common.JobID, priority int64) error {
	return a.active().AdminSetPriority(jobID, priority)
}

func (a *AutoQueue) AdminSetUserQuotas(userID string, maxRunning, maxQueued int64) error {
	return a.active().AdminSetUserQuotas(userID, maxRunning, maxQueued)
}

func (a *AutoQueue) Status() common.QueueStatus {
	st := a.active().Status()
	st.Mode = common.EQueueMode.Auto()
	if !a.useDistributed.Load() {
		st.Banner += " (coordinator unavailable)"
	}
	return st
}

// Run drives both backends' loops plus the health loop.
func (a *AutoQueue) Run(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { a.dist.Run(ctx); return nil })
	g.Go(func() error { a.local.Run(ctx); return nil })
	g.Go(func() error { a.healthLoop(ctx); return nil })
	_ = g.Wait()
}

func (a *AutoQueue) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			healthy := a.dist.Healthy()
			if healthy != a.useDistributed.Load() {
				a.switchTo(healthy)
			}
		}
	}
}

func (a *AutoQueue) switchTo(distributed bool) {
	if a.useDistributed.Swap(distributed) == distributed {
		return
	}
	if distributed {
		a.local.Suspend()
		a.logger.Logf(common.LogInfo, "coordinator reachable: switching to the distributed queue")
	} else {
		a.local.Resume()
		a.logger.Logf(common.LogWarning, "coordinator unreachable: switching to the local queue")
	}
}
