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
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/dubplane/dubplane/common"
)

const (
	claimIdleSleep    = 500 * time.Millisecond
	cancelPollPeriod  = 2 * time.Second
	progressPerSecond = 2
)

// Pipeline is the opaque media pipeline collaborator. It reports progress
// through the callback and observes ctx at stage boundaries; cancellation
// is cooperative. Implementations must tolerate redo after a crashed
// worker (at-least-once execution).
type Pipeline interface {
	Run(ctx context.Context, job *common.Job, progress func(common.ProgressEvent)) error
}

// JobStore is the state-store surface the executor writes through.
type JobStore interface {
	GetJob(id common.JobID) (*common.Job, error)
	UpdateJob(id common.JobID, mutate func(*common.Job) error) (*common.Job, error)
}

// Notifier fans progress events out to live subscribers (the SSE stream).
// Nil is fine; events are then only persisted.
type Notifier interface {
	Publish(event common.ProgressEvent)
}

// Executor runs the per-worker claim → before-run → pipeline → after-run
// cycle. Progress writes are rate-limited to avoid write amplification on
// chatty pipelines; terminal events always flush.
type Executor struct {
	backend  Backend
	jobs     JobStore
	pipeline Pipeline
	notifier Notifier
	lcm      common.LifecycleMgr
	logger   common.ILogger
	workers  int
}

func NewExecutor(backend Backend, jobs JobStore, pipeline Pipeline, notifier Notifier, lcm common.LifecycleMgr, logger common.ILogger, workers int) *Executor {
	if workers < 1 {
		workers = 1
	}
	return &Executor{
		backend:  backend,
		jobs:     jobs,
		pipeline: pipeline,
		notifier: notifier,
		lcm:      lcm,
		logger:   logger,
		workers:  workers,
	}
}

// Run starts the worker loops and blocks until ctx is canceled and the
// inflight jobs have finished.
func (e *Executor) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < e.workers; i++ {
		name := fmt.Sprintf("worker-%d", i)
		e.lcm.RegisterWorker(name)
		go func(name string) {
			defer e.lcm.WorkerDone(name)
			e.workerLoop(ctx, name)
			done <- struct{}{}
		}(name)
	}
	for i := 0; i < e.workers; i++ {
		<-done
	}
}

func (e *Executor) workerLoop(ctx context.Context, name string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if e.lcm.IsDraining() {
			return
		}

		claim, ok, err := e.backend.Claim()
		if err != nil || !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(claimIdleSleep):
			}
			continue
		}
		e.logger.Logf(common.LogDebug, "%s claimed job %s", name, claim.JobID)

		if !e.backend.BeforeJobRun(claim.JobID, claim.UserID) {
			continue
		}
		e.runClaimed(ctx, claim)
	}
}

func (e *Executor) runClaimed(ctx context.Context, claim ClaimedJob) {
	job, err := e.jobs.UpdateJob(claim.JobID, func(j *common.Job) error {
		j.State = common.EJobState.Running()
		j.Progress = 0
		j.Message = "started"
		j.Error = ""
		return nil
	})
	if err != nil {
		// most likely a terminal-state conflict (canceled while claiming)
		e.logger.Logf(common.LogWarning, "job %s could not start: %v", claim.JobID, err)
		e.backend.AfterJobRun(claim.JobID, claim.UserID, common.EJobState.Canceled(), false, err.Error())
		return
	}
	e.publish(common.ProgressEvent{
		JobID: claim.JobID.String(), State: job.State, Progress: 0, Message: "started",
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go e.watchCancellation(runCtx, cancel, claim.JobID)

	limiter := rate.NewLimiter(progressPerSecond, 1)
	progress := func(ev common.ProgressEvent) {
		ev.JobID = claim.JobID.String()
		ev.State = common.EJobState.Running()
		terminal := ev.Progress >= 1
		if !terminal && !limiter.Allow() {
			return
		}
		_, uerr := e.jobs.UpdateJob(claim.JobID, func(j *common.Job) error {
			j.Progress = ev.Progress
			if ev.Message != "" {
				j.Message = ev.Message
			}
			return nil
		})
		if uerr == nil {
			e.publish(ev)
		}
	}

	runErr := e.pipeline.Run(runCtx, job, progress)
	e.finish(claim, runCtx, runErr)
}

// finish resolves the terminal state, releases the claim and persists the
// outcome. A failed run that the backend re-queues goes back to QUEUED
// instead of FAILED.
func (e *Executor) finish(claim ClaimedJob, runCtx context.Context, runErr error) {
	var finalState common.JobState
	ok := runErr == nil
	errMsg := ""
	switch {
	case ok:
		finalState = common.EJobState.Done()
	case runCtx.Err() != nil || e.canceledInStore(claim.JobID):
		finalState = common.EJobState.Canceled()
		errMsg = "canceled"
	default:
		finalState = common.EJobState.Failed()
		errMsg = runErr.Error()
	}

	requeued := e.backend.AfterJobRun(claim.JobID, claim.UserID, finalState, ok, errMsg)

	_, err := e.jobs.UpdateJob(claim.JobID, func(j *common.Job) error {
		switch {
		case requeued:
			j.State = common.EJobState.Queued()
			j.Message = "retrying after failure"
			j.Error = errMsg
		case finalState == common.EJobState.Done():
			j.State = finalState
			j.Progress = 1
			j.Message = "completed"
			j.Error = ""
		default:
			j.State = finalState
			j.Error = errMsg
		}
		return nil
	})
	if err != nil {
		e.logger.Logf(common.LogWarning, "job %s final update failed: %v", claim.JobID, err)
		return
	}

	if !requeued {
		event := common.ProgressEvent{JobID: claim.JobID.String(), State: finalState, Error: errMsg}
		if finalState == common.EJobState.Done() {
			event.Progress = 1
			event.Message = "completed"
		}
		e.publish(event)
	}
	e.logger.Logf(common.LogInfo, "job %s finished state=%s requeued=%v", claim.JobID, finalState, requeued)
}

// watchCancellation cancels the pipeline context when the cancel flag
// appears or the store record flips to CANCELED. The pipeline observes it
// at its next stage boundary.
func (e *Executor) watchCancellation(ctx context.Context, cancel context.CancelFunc, jobID common.JobID) {
	ticker := time.NewTicker(cancelPollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.backend.CancelRequested(jobID) || e.canceledInStore(jobID) {
				cancel()
				return
			}
		}
	}
}

func (e *Executor) canceledInStore(jobID common.JobID) bool {
	job, err := e.jobs.GetJob(jobID)
	return err == nil && job.State == common.EJobState.Canceled()
}

func (e *Executor) publish(event common.ProgressEvent) {
	if e.notifier != nil {
		e.notifier.Publish(event)
	}
}
