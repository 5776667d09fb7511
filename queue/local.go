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
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/dubplane/dubplane/common"
)

const (
	localScanPeriod = 2 * time.Second
	localScanLimit  = 200
	localDLQCap     = 200
)

// JobScanner is the bounded-scan callback the local queue polls with.
type JobScanner interface {
	ListQueuedJobs(limit int) ([]*common.Job, error)
}

// localEntry is one job waiting in the in-process pending map.
type localEntry struct {
	params   SubmitParams
	attempts int
	notAfter time.Time // zero, or the backoff due time
}

// LocalQueue is the in-process fallback Backend. It scans the state store
// for QUEUED jobs and schedules them without any cross-process locking,
// which is safe because the state store enforces a single writer anyway.
type LocalQueue struct {
	scanner JobScanner
	hooks   StateHooks
	quota   *QuotaEnforcer
	cfg     *common.ServiceConfig
	logger  common.ILogger

	active atomic.Bool

	mu       sync.Mutex
	pending  map[common.JobID]*localEntry
	claimed  map[common.JobID]*localEntry // claimed but not yet finished
	canceled map[common.JobID]bool
	seen     mapset.Set[string] // scan dedup: forwarded once per observation
	dlq      []common.DLQEntry

	// quota overrides applied through AdminSetUserQuotas while local
	userQuotas map[string]common.Counts // Running=max_running, Queued=max_queued

	// freeBytes is swappable so tests can fake disk pressure.
	freeBytes func(path string) (uint64, error)
}

func NewLocalQueue(scanner JobScanner, hooks StateHooks, quota *QuotaEnforcer, cfg *common.ServiceConfig, logger common.ILogger) *LocalQueue {
	l := &LocalQueue{
		scanner:    scanner,
		hooks:      hooks,
		quota:      quota,
		cfg:        cfg,
		logger:     logger,
		pending:    make(map[common.JobID]*localEntry),
		claimed:    make(map[common.JobID]*localEntry),
		canceled:   make(map[common.JobID]bool),
		seen:       mapset.NewSet[string](),
		userQuotas: make(map[string]common.Counts),
		freeBytes: func(path string) (uint64, error) {
			usage, err := disk.Usage(path)
			if err != nil {
				return 0, err
			}
			return usage.Free, nil
		},
	}
	l.active.Store(true)
	return l
}

// Suspend pauses the scan loop while the distributed backend is active.
func (l *LocalQueue) Suspend() { l.active.Store(false) }

// Resume reactivates scanning after a coordinator outage is detected.
func (l *LocalQueue) Resume() { l.active.Store(true) }

func (l *LocalQueue) SubmitJob(p SubmitParams) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[p.JobID] = &localEntry{params: p}
	l.seen.Add(p.JobID.String())
	metricJobsSubmitted.WithLabelValues(p.Mode.String()).Inc()
	common.AuditEvent(l.logger, "queue.submit", map[string]interface{}{
		"job_id": p.JobID.String(), "user_id": p.UserID, "priority": p.Priority, "backend": "local",
	})
	return nil
}

func (l *LocalQueue) CancelJob(jobID common.JobID, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, jobID)
	l.canceled[jobID] = true
	common.AuditEvent(l.logger, "queue.cancel", map[string]interface{}{
		"job_id": jobID.String(), "user_id": userID, "backend": "local",
	})
	return nil
}

func (l *LocalQueue) CancelRequested(jobID common.JobID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.canceled[jobID]
}

// Claim picks the highest-priority due entry. There is no lock to take;
// within one process the mutex is the mutual exclusion.
func (l *LocalQueue) Claim() (ClaimedJob, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	var best *localEntry
	for _, e := range l.pending {
		if !e.notAfter.IsZero() && now.Before(e.notAfter) {
			continue
		}
		if best == nil || e.params.Priority > best.params.Priority ||
			(e.params.Priority == best.params.Priority && e.params.JobID > best.params.JobID) {
			best = e
		}
	}
	if best == nil {
		return ClaimedJob{}, false, nil
	}
	delete(l.pending, best.params.JobID)
	l.claimed[best.params.JobID] = best
	return ClaimedJob{JobID: best.params.JobID, UserID: best.params.UserID}, true, nil
}

// BeforeJobRun guards reduce to: terminal check, cancel flag, free-disk
// check and the policy evaluation over store-derived counters.
func (l *LocalQueue) BeforeJobRun(jobID common.JobID, userID string) bool {
	if st, found := l.hooks.GetJobState(jobID); found && st.IsTerminal() {
		l.dropClaim(jobID)
		return false
	}
	if l.CancelRequested(jobID) {
		_ = l.hooks.MarkJobCanceled(jobID, "canceled before start")
		l.dropClaim(jobID)
		l.mu.Lock()
		delete(l.canceled, jobID)
		l.mu.Unlock()
		return false
	}

	if free, err := l.freeBytes(l.cfg.OutputDir); err == nil {
		if free < uint64(l.cfg.MinFreeGB)*humanize.GiByte {
			l.logger.Logf(common.LogWarning, "deferring job %s: only %s free on %s",
				jobID, humanize.IBytes(free), l.cfg.OutputDir)
			l.requeue(jobID, userID, "disk_full")
			return false
		}
	}

	l.mu.Lock()
	entry := l.claimed[jobID]
	if entry == nil {
		entry = &localEntry{params: SubmitParams{JobID: jobID, UserID: userID}}
		l.claimed[jobID] = entry
	}
	l.mu.Unlock()

	decision := EvaluateDispatch(l.dispatchInput(entry.params))
	if !decision.OK {
		l.requeue(jobID, userID, "policy")
		return false
	}
	return true
}

func (l *LocalQueue) dispatchInput(p SubmitParams) PolicyInput {
	user, _ := l.UserCounts(p.UserID)
	l.mu.Lock()
	if e, ok := l.claimed[p.JobID]; ok && e.params.UserID == p.UserID && user.Running > 0 {
		user.Running-- // the job being dispatched does not count against its own cap
	}
	l.mu.Unlock()
	global, _ := l.GlobalCounts()
	quota := l.cfg.DefaultQuota
	override := false
	if l.quota != nil {
		quota = l.quota.ResolveQuota(p.UserID)
		override = l.quota.HasOverride(p.UserID)
	}
	l.mu.Lock()
	if uq, ok := l.userQuotas[p.UserID]; ok {
		if uq.Running > 0 {
			quota.MaxConcurrentJobs = uq.Running
		}
		if uq.Queued > 0 {
			quota.MaxQueued = uq.Queued
		}
		override = true
	}
	var highRunning int64
	for id, e := range l.claimed {
		if id != p.JobID && e.params.Mode == common.EJobMode.High() {
			highRunning++
		}
	}
	l.mu.Unlock()
	return PolicyInput{
		Role:            p.UserRole,
		Mode:            p.Mode,
		Device:          p.Device,
		User:            user,
		Global:          global,
		Quota:           quota,
		HighModeRunning: highRunning,
		HighModeCap:     l.cfg.HighModeCap,
		GpuAvailable:    l.cfg.GpuAvailable,
		AdminOverride:   override,
	}
}

// requeue defers a job with the same backoff/DLQ rules as the distributed
// backend, but in process memory.
func (l *LocalQueue) requeue(jobID common.JobID, userID, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.claimed[jobID]
	delete(l.claimed, jobID)
	if e == nil {
		e = l.pending[jobID]
	}
	if e == nil {
		e = &localEntry{params: SubmitParams{JobID: jobID, UserID: userID}}
	}
	e.attempts++
	if e.attempts > l.cfg.MaxAttempts {
		delete(l.pending, jobID)
		l.pushDLQ(common.DLQEntry{
			JobID: jobID.String(), UserID: userID, Reason: reason, At: common.UTCNow(),
		})
		metricJobsDeadLettered.Inc()
		return
	}
	e.notAfter = time.Now().Add(backoffDelay(e.attempts, l.cfg.BaseBackoff, l.cfg.BackoffCap))
	l.pending[jobID] = e
	metricJobsDeferred.Inc()
}

func (l *LocalQueue) pushDLQ(entry common.DLQEntry) {
	l.dlq = append(l.dlq, entry)
	if len(l.dlq) > localDLQCap {
		l.dlq = l.dlq[len(l.dlq)-localDLQCap:]
	}
}

func (l *LocalQueue) dropClaim(jobID common.JobID) {
	l.mu.Lock()
	delete(l.claimed, jobID)
	l.mu.Unlock()
}

func (l *LocalQueue) AfterJobRun(jobID common.JobID, userID string, finalState common.JobState, ok bool, errMsg string) bool {
	l.mu.Lock()
	delete(l.canceled, jobID)
	l.mu.Unlock()

	if !ok && finalState == common.EJobState.Failed() {
		l.requeue(jobID, userID, errMsg)
		l.mu.Lock()
		_, stillPending := l.pending[jobID]
		l.mu.Unlock()
		if stillPending {
			return true
		}
	}
	l.dropClaim(jobID)
	metricJobsFinished.WithLabelValues(finalState.String()).Inc()
	return false
}

func (l *LocalQueue) UserCounts(userID string) (common.Counts, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var c common.Counts
	for _, e := range l.claimed {
		if e.params.UserID == userID {
			c.Running++
		}
	}
	for _, e := range l.pending {
		if e.params.UserID == userID {
			c.Queued++
		}
	}
	return c, nil
}

func (l *LocalQueue) GlobalCounts() (common.Counts, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return common.Counts{
		Running: int64(len(l.claimed)),
		Queued:  int64(len(l.pending)),
	}, nil
}

func (l *LocalQueue) AdminSnapshot(limit int) (*common.QueueSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := &common.QueueSnapshot{
		Status: l.statusLocked(),
		Global: common.Counts{Running: int64(len(l.claimed)), Queued: int64(len(l.pending))},
	}
	for id, e := range l.pending {
		if limit > 0 && len(snap.Entries) >= limit {
			break
		}
		bucket := "pending"
		if !e.notAfter.IsZero() && time.Now().Before(e.notAfter) {
			bucket = "delayed"
		}
		snap.Entries = append(snap.Entries, common.QueueSnapshotEntry{
			JobID:    id.String(),
			UserID:   e.params.UserID,
			Priority: e.params.Priority,
			Bucket:   bucket,
			Attempts: e.attempts,
		})
	}
	for id, e := range l.claimed {
		snap.Entries = append(snap.Entries, common.QueueSnapshotEntry{
			JobID:    id.String(),
			UserID:   e.params.UserID,
			Priority: e.params.Priority,
			Bucket:   "running",
			Attempts: e.attempts,
		})
	}
	snap.DLQ = append(snap.DLQ, l.dlq...)
	return snap, nil
}

func (l *LocalQueue) AdminSetPriority(jobID common.JobID, priority int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.pending[jobID]
	if !ok {
		return common.NewConflictError("job_not_pending", "priority can only be changed while a job is pending")
	}
	e.params.Priority = priority
	return nil
}

func (l *LocalQueue) AdminSetUserQuotas(userID string, maxRunning, maxQueued int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.userQuotas[userID] = common.Counts{Running: maxRunning, Queued: maxQueued}
	return nil
}

func (l *LocalQueue) Status() common.QueueStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusLocked()
}

func (l *LocalQueue) statusLocked() common.QueueStatus {
	banner := fmt.Sprintf("local queue: %d running, %d queued", len(l.claimed), len(l.pending))
	if free, err := l.freeBytes(l.cfg.OutputDir); err == nil {
		banner += fmt.Sprintf(", %s free", humanize.IBytes(free))
	}
	return common.QueueStatus{Mode: common.EQueueMode.Local(), Healthy: true, Banner: banner}
}

// Run polls the state store for QUEUED jobs while active. The seen set
// keeps one observation from being forwarded twice; entries leave the set
// when the job reaches a terminal state.
func (l *LocalQueue) Run(ctx context.Context) {
	ticker := time.NewTicker(localScanPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !l.active.Load() {
				continue
			}
			l.scanOnce()
		}
	}
}

func (l *LocalQueue) scanOnce() {
	jobs, err := l.scanner.ListQueuedJobs(localScanLimit)
	if err != nil {
		l.logger.Logf(common.LogWarning, "local queue scan: %v", err)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, job := range jobs {
		if l.seen.Contains(job.ID.String()) || l.canceled[job.ID] {
			continue
		}
		l.seen.Add(job.ID.String())
		l.pending[job.ID] = &localEntry{params: SubmitParams{
			JobID:    job.ID,
			UserID:   job.OwnerID,
			Mode:     job.Mode,
			Device:   job.Device,
			Priority: job.Priority,
		}}
	}
	metricQueueDepth.WithLabelValues("pending").Set(float64(len(l.pending)))
	metricQueueDepth.WithLabelValues("running").Set(float64(len(l.claimed)))
}

// ForgetJob drops a terminal job from the dedup set so its id could in
// principle be reused after deletion.
func (l *LocalQueue) ForgetJob(jobID common.JobID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen.Remove(jobID.String())
	delete(l.canceled, jobID)
}
