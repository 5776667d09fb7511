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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dubplane/dubplane/common"
	"github.com/dubplane/dubplane/coord"
)

const (
	metaTTL      = 7 * 24 * time.Hour
	cancelTTL    = 30 * time.Minute
	moverPeriod  = time.Second
	moverBatch   = 64
	snapshotCap  = 500
	dlqSeparator = "|"
)

// keySchema builds the coordinator key namespace for one deployment prefix.
type keySchema struct{ prefix string }

func (k keySchema) pending() string             { return k.prefix + ":queue:pending" }
func (k keySchema) delayed() string             { return k.prefix + ":queue:delayed" }
func (k keySchema) running() string             { return k.prefix + ":queue:running" }
func (k keySchema) runningHigh() string         { return k.prefix + ":queue:running:high" }
func (k keySchema) dlq() string                 { return k.prefix + ":queue:dlq" }
func (k keySchema) userRunning(u string) string { return k.prefix + ":user:" + u + ":running" }
func (k keySchema) userQueued(u string) string  { return k.prefix + ":user:" + u + ":queued" }
func (k keySchema) userQuota(u string) string   { return k.prefix + ":user:" + u + ":quota" }
func (k keySchema) lock(id common.JobID) string { return k.prefix + ":job:" + id.String() + ":lock" }
func (k keySchema) cancel(id common.JobID) string {
	return k.prefix + ":job:" + id.String() + ":cancel"
}
func (k keySchema) meta(id common.JobID) string { return k.prefix + ":job:" + id.String() + ":meta" }

// lockPrefix/lockSuffix let the claim script assemble the lock key from the
// sorted-set member.
func (k keySchema) lockPrefix() string { return k.prefix + ":job:" }
func (k keySchema) lockSuffix() string { return ":lock" }

// jobMeta is the coordinator-side job descriptor, stored as a hash so admin
// tooling can inspect it without the state store.
type jobMeta struct {
	JobID    common.JobID
	UserID   string
	UserRole common.UserRole
	Mode     common.JobMode
	Device   common.Device
	Priority int64
	Attempts int
}

func (m jobMeta) fields() map[string]string {
	return map[string]string{
		"job_id":     m.JobID.String(),
		"user_id":    m.UserID,
		"user_role":  m.UserRole.String(),
		"mode":       m.Mode.String(),
		"device":     m.Device.String(),
		"priority":   strconv.FormatInt(m.Priority, 10),
		"created_ms": strconv.FormatInt(time.Now().UnixMilli(), 10),
		"attempts":   strconv.Itoa(m.Attempts),
	}
}

func metaFromFields(f map[string]string) (jobMeta, bool) {
	if len(f) == 0 {
		return jobMeta{}, false
	}
	m := jobMeta{
		JobID:  common.JobID(f["job_id"]),
		UserID: f["user_id"],
	}
	_ = m.UserRole.Parse(f["user_role"])
	_ = m.Mode.Parse(f["mode"])
	_ = m.Device.Parse(f["device"])
	m.Priority, _ = strconv.ParseInt(f["priority"], 10, 64)
	m.Attempts, _ = strconv.Atoi(f["attempts"])
	return m, true
}

// DistributedQueue is the coordinator-backed Backend: priority pending set,
// delayed retries, per-job locks with refresh, per-user counters and a DLQ.
type DistributedQueue struct {
	co     coord.Coordinator
	hooks  StateHooks
	quota  *QuotaEnforcer
	cfg    *common.ServiceConfig
	keys   keySchema
	logger common.ILogger

	mu       sync.Mutex
	tokens   map[common.JobID]string // lock token per job claimed by this process
	refresh  map[common.JobID]func() // per-claim refresh loop cancel
	healthy  bool
	lastPing time.Time
}

func NewDistributedQueue(co coord.Coordinator, hooks StateHooks, quota *QuotaEnforcer, cfg *common.ServiceConfig, logger common.ILogger) *DistributedQueue {
	return &DistributedQueue{
		co:      co,
		hooks:   hooks,
		quota:   quota,
		cfg:     cfg,
		keys:    keySchema{prefix: cfg.CoordinatorPrefix},
		logger:  logger,
		tokens:  make(map[common.JobID]string),
		refresh: make(map[common.JobID]func()),
		healthy: true,
	}
}

// SubmitJob writes the meta hash, adds the job to pending at its priority
// and to the owner's queued set.
func (d *DistributedQueue) SubmitJob(p SubmitParams) error {
	meta := jobMeta{
		JobID:    p.JobID,
		UserID:   p.UserID,
		UserRole: p.UserRole,
		Mode:     p.Mode,
		Device:   p.Device,
		Priority: p.Priority,
	}
	if err := d.co.HSet(d.keys.meta(p.JobID), meta.fields()); err != nil {
		return d.unhealthyErr(err)
	}
	_ = d.co.ExpireKey(d.keys.meta(p.JobID), metaTTL)
	if err := d.co.ZAdd(d.keys.pending(), float64(p.Priority), p.JobID.String()); err != nil {
		return d.unhealthyErr(err)
	}
	if err := d.co.SAdd(d.keys.userQueued(p.UserID), p.JobID.String()); err != nil {
		return d.unhealthyErr(err)
	}
	metricJobsSubmitted.WithLabelValues(p.Mode.String()).Inc()
	common.AuditEvent(d.logger, "queue.submit", map[string]interface{}{
		"job_id": p.JobID.String(), "user_id": p.UserID, "priority": p.Priority,
	})
	return nil
}

// CancelJob sets the short-lived cancel flag and best-effort removes the
// job from pending/delayed. A running job sees the flag at its next
// cancellation check.
func (d *DistributedQueue) CancelJob(jobID common.JobID, userID string) error {
	if err := d.co.Set(d.keys.cancel(jobID), "1", cancelTTL); err != nil {
		return d.unhealthyErr(err)
	}
	_ = d.co.ZRem(d.keys.pending(), jobID.String())
	_ = d.co.ZRem(d.keys.delayed(), jobID.String())
	_ = d.co.SRem(d.keys.userQueued(userID), jobID.String())
	common.AuditEvent(d.logger, "queue.cancel", map[string]interface{}{
		"job_id": jobID.String(), "user_id": userID,
	})
	return nil
}

func (d *DistributedQueue) CancelRequested(jobID common.JobID) bool {
	found, err := d.co.Exists(d.keys.cancel(jobID))
	return err == nil && found
}

// Claim runs the scripted claim-and-lock transaction. The token is kept
// process-local; release and refresh are scoped to it.
func (d *DistributedQueue) Claim() (ClaimedJob, bool, error) {
	token := common.NewLockToken()
	start := time.Now()
	member, ok, err := d.co.ClaimTop(d.keys.pending(), d.keys.lockPrefix(), d.keys.lockSuffix(), token, d.cfg.LockTTL)
	metricClaimLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return ClaimedJob{}, false, d.unhealthyErr(err)
	}
	if !ok {
		return ClaimedJob{}, false, nil
	}
	jobID := common.JobID(member)
	fields, err := d.co.HGetAll(d.keys.meta(jobID))
	if err != nil {
		// transient meta read failure: ClaimTop already removed the member,
		// so put it back (at floor priority, the stored score is gone) and
		// drop the lock rather than lose the job from every set
		_ = d.co.ZAdd(d.keys.pending(), 0, member)
		_, _ = d.co.CompareAndDelete(d.keys.lock(jobID), token)
		return ClaimedJob{}, false, d.unhealthyErr(err)
	}
	meta, found := metaFromFields(fields)
	if !found {
		// orphaned member without meta: drop the lock and skip it
		_, _ = d.co.CompareAndDelete(d.keys.lock(jobID), token)
		return ClaimedJob{}, false, nil
	}
	d.mu.Lock()
	d.tokens[jobID] = token
	d.mu.Unlock()
	return ClaimedJob{JobID: jobID, UserID: meta.UserID}, true, nil
}

// BeforeJobRun applies the dispatch guards in order: terminal state,
// cancel flag, policy against live counters. Passing moves the job into
// the running sets and starts the lock-refresh loop.
func (d *DistributedQueue) BeforeJobRun(jobID common.JobID, userID string) bool {
	if st, found := d.hooks.GetJobState(jobID); found && st.IsTerminal() {
		d.releaseClaim(jobID, userID, false)
		return false
	}

	if d.CancelRequested(jobID) {
		_ = d.hooks.MarkJobCanceled(jobID, "canceled before start")
		d.releaseClaim(jobID, userID, false)
		_ = d.co.Del(d.keys.cancel(jobID), d.keys.meta(jobID))
		return false
	}

	fields, err := d.co.HGetAll(d.keys.meta(jobID))
	meta, found := metaFromFields(fields)
	if err != nil || !found {
		d.releaseClaim(jobID, userID, false)
		return false
	}

	decision := EvaluateDispatch(d.dispatchInput(meta))
	if !decision.OK {
		d.deferJob(meta, strings.Join(decision.Reasons, ","))
		d.releaseClaim(jobID, userID, false)
		return false
	}

	_ = d.co.SRem(d.keys.userQueued(userID), jobID.String())
	_ = d.co.SAdd(d.keys.userRunning(userID), jobID.String())
	_ = d.co.SAdd(d.keys.running(), jobID.String())
	if decision.EffectiveMode == common.EJobMode.High() {
		_ = d.co.SAdd(d.keys.runningHigh(), jobID.String())
	}
	d.startRefreshLoop(jobID)
	return true
}

func (d *DistributedQueue) dispatchInput(meta jobMeta) PolicyInput {
	user, _ := d.UserCounts(meta.UserID)
	global, _ := d.GlobalCounts()
	highRunning, _ := d.co.SCard(d.keys.runningHigh())
	return PolicyInput{
		Role:            meta.UserRole,
		Mode:            meta.Mode,
		Device:          meta.Device,
		User:            user,
		Global:          global,
		Quota:           d.resolveQuota(meta.UserID),
		HighModeRunning: highRunning,
		HighModeCap:     d.cfg.HighModeCap,
		GpuAvailable:    d.cfg.GpuAvailable,
		AdminOverride:   d.quota != nil && d.quota.HasOverride(meta.UserID),
	}
}

// resolveQuota overlays the coordinator-side per-user quota hash (admin
// set_user_quotas) on the store-backed snapshot.
func (d *DistributedQueue) resolveQuota(userID string) common.QuotaSnapshot {
	var quota common.QuotaSnapshot
	if d.quota != nil {
		quota = d.quota.ResolveQuota(userID)
	} else {
		quota = d.cfg.DefaultQuota
	}
	fields, err := d.co.HGetAll(d.keys.userQuota(userID))
	if err != nil || len(fields) == 0 {
		return quota
	}
	if v, err := strconv.ParseInt(fields["max_running"], 10, 64); err == nil && v > 0 {
		quota.MaxConcurrentJobs = v
	}
	if v, err := strconv.ParseInt(fields["max_queued"], 10, 64); err == nil && v > 0 {
		quota.MaxQueued = v
	}
	return quota
}

// AfterJobRun cancels the refresh loop, clears the running sets and
// conditionally deletes the lock. A failed run is re-queued with backoff
// until attempts run out, then dead-lettered.
func (d *DistributedQueue) AfterJobRun(jobID common.JobID, userID string, finalState common.JobState, ok bool, errMsg string) bool {
	fields, _ := d.co.HGetAll(d.keys.meta(jobID))
	meta, haveMeta := metaFromFields(fields)

	_ = d.co.SRem(d.keys.runningHigh(), jobID.String())
	d.releaseClaim(jobID, userID, true)

	if ok || finalState != common.EJobState.Failed() || !haveMeta {
		_ = d.co.Del(d.keys.meta(jobID), d.keys.cancel(jobID))
		metricJobsFinished.WithLabelValues(finalState.String()).Inc()
		return false
	}

	requeued := d.deferJob(meta, errMsg)
	if requeued {
		_ = d.co.SAdd(d.keys.userQueued(userID), jobID.String())
	} else {
		metricJobsFinished.WithLabelValues(finalState.String()).Inc()
	}
	return requeued
}

// releaseClaim stops the refresh loop, removes the job from the running
// sets when asked, and deletes the lock only while this process still
// holds the token.
func (d *DistributedQueue) releaseClaim(jobID common.JobID, userID string, wasRunning bool) {
	d.mu.Lock()
	token := d.tokens[jobID]
	delete(d.tokens, jobID)
	if cancel := d.refresh[jobID]; cancel != nil {
		cancel()
		delete(d.refresh, jobID)
	}
	d.mu.Unlock()

	if wasRunning {
		_ = d.co.SRem(d.keys.running(), jobID.String())
		_ = d.co.SRem(d.keys.userRunning(userID), jobID.String())
	}
	if token != "" {
		_, _ = d.co.CompareAndDelete(d.keys.lock(jobID), token)
	}
}

// deferJob increments attempts and either re-inserts the job into the
// delayed set with exponential backoff or, past MaxAttempts, pushes it to
// the DLQ. Returns true when the job will run again.
func (d *DistributedQueue) deferJob(meta jobMeta, reason string) bool {
	meta.Attempts++
	if meta.Attempts > d.cfg.MaxAttempts {
		entry := strings.Join([]string{
			meta.JobID.String(), meta.UserID, reason,
			common.UTCNow().Format(time.RFC3339),
		}, dlqSeparator)
		_ = d.co.LPush(d.keys.dlq(), entry)
		_ = d.co.Del(d.keys.meta(meta.JobID))
		metricJobsDeadLettered.Inc()
		common.AuditEvent(d.logger, "queue.dead_letter", map[string]interface{}{
			"job_id": meta.JobID.String(), "user_id": meta.UserID, "reason": reason,
		})
		return false
	}
	_ = d.co.HSet(d.keys.meta(meta.JobID), map[string]string{"attempts": strconv.Itoa(meta.Attempts)})
	delay := backoffDelay(meta.Attempts, d.cfg.BaseBackoff, d.cfg.BackoffCap)
	due := float64(time.Now().Add(delay).Unix())
	_ = d.co.ZAdd(d.keys.delayed(), due, meta.JobID.String())
	metricJobsDeferred.Inc()
	d.logger.Logf(common.LogInfo, "deferred job %s attempt %d for %v (%s)",
		meta.JobID, meta.Attempts, delay, reason)
	return true
}

// startRefreshLoop keeps the lock lease alive at LockRefresh cadence
// (≤ TTL/3) for as long as the token still matches.
func (d *DistributedQueue) startRefreshLoop(jobID common.JobID) {
	d.mu.Lock()
	token := d.tokens[jobID]
	if token == "" {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.refresh[jobID] = cancel
	d.mu.Unlock()

	go func() {
		ticker := time.NewTicker(d.cfg.LockRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := d.co.CompareAndExpire(d.keys.lock(jobID), token, d.cfg.LockTTL)
				if err != nil {
					d.markUnhealthy(err)
					continue
				}
				if !ok {
					// lease lost: the token no longer matches
					d.logger.Logf(common.LogWarning, "lost lock lease for job %s", jobID)
					return
				}
			}
		}
	}()
}

func (d *DistributedQueue) UserCounts(userID string) (common.Counts, error) {
	running, err := d.co.SCard(d.keys.userRunning(userID))
	if err != nil {
		return common.Counts{}, d.unhealthyErr(err)
	}
	queued, err := d.co.SCard(d.keys.userQueued(userID))
	if err != nil {
		return common.Counts{}, d.unhealthyErr(err)
	}
	return common.Counts{Running: running, Queued: queued}, nil
}

func (d *DistributedQueue) GlobalCounts() (common.Counts, error) {
	running, err := d.co.SCard(d.keys.running())
	if err != nil {
		return common.Counts{}, d.unhealthyErr(err)
	}
	pending, err := d.co.ZCard(d.keys.pending())
	if err != nil {
		return common.Counts{}, d.unhealthyErr(err)
	}
	delayed, err := d.co.ZCard(d.keys.delayed())
	if err != nil {
		return common.Counts{}, d.unhealthyErr(err)
	}
	return common.Counts{Running: running, Queued: pending + delayed}, nil
}

func (d *DistributedQueue) AdminSnapshot(limit int) (*common.QueueSnapshot, error) {
	if limit <= 0 || limit > snapshotCap {
		limit = snapshotCap
	}
	snap := &common.QueueSnapshot{Status: d.Status()}
	global, err := d.GlobalCounts()
	if err != nil {
		return nil, err
	}
	snap.Global = global

	appendBucket := func(members []coord.ScoredMember, bucket string) {
		for _, sm := range members {
			fields, _ := d.co.HGetAll(d.keys.meta(common.JobID(sm.Member)))
			meta, _ := metaFromFields(fields)
			snap.Entries = append(snap.Entries, common.QueueSnapshotEntry{
				JobID:    sm.Member,
				UserID:   meta.UserID,
				Priority: meta.Priority,
				Bucket:   bucket,
				Attempts: meta.Attempts,
			})
		}
	}

	pending, err := d.co.ZTop(d.keys.pending(), int64(limit))
	if err != nil {
		return nil, d.unhealthyErr(err)
	}
	appendBucket(pending, "pending")

	delayed, err := d.co.ZDue(d.keys.delayed(), float64(time.Now().Add(24*time.Hour).Unix()), int64(limit))
	if err != nil {
		return nil, d.unhealthyErr(err)
	}
	appendBucket(delayed, "delayed")

	running, err := d.co.SMembers(d.keys.running())
	if err != nil {
		return nil, d.unhealthyErr(err)
	}
	for _, member := range running {
		fields, _ := d.co.HGetAll(d.keys.meta(common.JobID(member)))
		meta, _ := metaFromFields(fields)
		snap.Entries = append(snap.Entries, common.QueueSnapshotEntry{
			JobID:    member,
			UserID:   meta.UserID,
			Priority: meta.Priority,
			Bucket:   "running",
			Attempts: meta.Attempts,
		})
	}

	raw, err := d.co.LRange(d.keys.dlq(), 0, int64(limit)-1)
	if err != nil {
		return nil, d.unhealthyErr(err)
	}
	for _, line := range raw {
		parts := strings.SplitN(line, dlqSeparator, 4)
		if len(parts) != 4 {
			continue
		}
		at, _ := time.Parse(time.RFC3339, parts[3])
		snap.DLQ = append(snap.DLQ, common.DLQEntry{
			JobID: parts[0], UserID: parts[1], Reason: parts[2], At: at,
		})
	}
	return snap, nil
}

// AdminSetPriority re-scores a pending job. Non-pending jobs are rejected
// with 409: the running set is not a priority structure, and delayed jobs
// rejoin pending at their stored priority anyway.
func (d *DistributedQueue) AdminSetPriority(jobID common.JobID, priority int64) error {
	_, found, err := d.co.ZScore(d.keys.pending(), jobID.String())
	if err != nil {
		return d.unhealthyErr(err)
	}
	if !found {
		return common.NewConflictError("job_not_pending", "priority can only be changed while a job is pending")
	}
	if err := d.co.ZAdd(d.keys.pending(), float64(priority), jobID.String()); err != nil {
		return d.unhealthyErr(err)
	}
	if err := d.co.HSet(d.keys.meta(jobID), map[string]string{"priority": strconv.FormatInt(priority, 10)}); err != nil {
		return d.unhealthyErr(err)
	}
	common.AuditEvent(d.logger, "queue.set_priority", map[string]interface{}{
		"job_id": jobID.String(), "priority": priority,
	})
	return nil
}

func (d *DistributedQueue) AdminSetUserQuotas(userID string, maxRunning, maxQueued int64) error {
	fields := map[string]string{}
	if maxRunning > 0 {
		fields["max_running"] = strconv.FormatInt(maxRunning, 10)
	}
	if maxQueued > 0 {
		fields["max_queued"] = strconv.FormatInt(maxQueued, 10)
	}
	if len(fields) == 0 {
		return common.NewValidationError("quota", "no quota fields supplied")
	}
	if err := d.co.HSet(d.keys.userQuota(userID), fields); err != nil {
		return d.unhealthyErr(err)
	}
	common.AuditEvent(d.logger, "queue.set_user_quotas", map[string]interface{}{
		"user_id": userID, "max_running": maxRunning, "max_queued": maxQueued,
	})
	return nil
}

func (d *DistributedQueue) Status() common.QueueStatus {
	d.mu.Lock()
	healthy := d.healthy
	d.mu.Unlock()
	banner := "distributed queue"
	if global, err := d.GlobalCounts(); err == nil {
		banner = fmt.Sprintf("distributed queue: %s running, %s queued",
			humanize.Comma(global.Running), humanize.Comma(global.Queued))
	}
	return common.QueueStatus{Mode: common.EQueueMode.Distributed(), Healthy: healthy, Banner: banner}
}

// Healthy reports the result of the most recent coordinator interaction;
// the auto queue's health loop calls Ping through this.
func (d *DistributedQueue) Healthy() bool {
	err := d.co.Ping()
	d.mu.Lock()
	d.healthy = err == nil
	d.lastPing = time.Now()
	d.mu.Unlock()
	return err == nil
}

// Run drives the delayed mover: roughly once a second, due members of the
// delayed set rejoin pending at their stored priority.
func (d *DistributedQueue) Run(ctx context.Context) {
	ticker := time.NewTicker(moverPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.moveDueJobs()
			d.sampleDepth()
		}
	}
}

func (d *DistributedQueue) moveDueJobs() {
	due, err := d.co.ZDue(d.keys.delayed(), float64(time.Now().Unix()), moverBatch)
	if err != nil {
		d.markUnhealthy(err)
		return
	}
	for _, sm := range due {
		jobID := common.JobID(sm.Member)
		fields, _ := d.co.HGetAll(d.keys.meta(jobID))
		meta, found := metaFromFields(fields)
		priority := meta.Priority
		if !found {
			priority = 0
		}
		if err := d.co.ZAdd(d.keys.pending(), float64(priority), sm.Member); err != nil {
			d.markUnhealthy(err)
			return
		}
		_ = d.co.ZRem(d.keys.delayed(), sm.Member)
	}
}

func (d *DistributedQueue) sampleDepth() {
	if pending, err := d.co.ZCard(d.keys.pending()); err == nil {
		metricQueueDepth.WithLabelValues("pending").Set(float64(pending))
	}
	if delayed, err := d.co.ZCard(d.keys.delayed()); err == nil {
		metricQueueDepth.WithLabelValues("delayed").Set(float64(delayed))
	}
	if running, err := d.co.SCard(d.keys.running()); err == nil {
		metricQueueDepth.WithLabelValues("running").Set(float64(running))
	}
}

func (d *DistributedQueue) markUnhealthy(err error) {
	d.mu.Lock()
	d.healthy = false
	d.mu.Unlock()
	d.logger.Logf(common.LogWarning, "coordinator error: %v", err)
}

func (d *DistributedQueue) unhealthyErr(err error) error {
	d.markUnhealthy(err)
	return err
}
