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
	"fmt"
	"sync"
	"time"

	"github.com/dubplane/dubplane/common"
	"github.com/dubplane/dubplane/coord"
)

// QuotaStore is the slice of the state store quota checks read.
type QuotaStore interface {
	GetUserQuota(userID string) (common.QuotaSnapshot, error)
	SumUploadBytes(ownerID string) (int64, error)
	CountJobsCreatedSince(ownerID string, since time.Time) (int64, error)
}

// Reservation undoes a granted quota increment. Release is idempotent and
// must be called on every error path after the grant; deferring it and
// disarming on success is the usual shape.
type Reservation struct {
	once    sync.Once
	release func()
}

func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(r.release)
}

// Disarm makes Release a no-op, for the path where the reserved unit was
// actually consumed.
func (r *Reservation) Disarm() {
	if r == nil {
		return
	}
	r.once.Do(func() {})
}

// QuotaEnforcer performs request-scoped quota checks and two-phase
// reservations. Daily-job counters live in the coordinator when one is
// available (atomic across processes); otherwise a process-local counter
// combined with the state store's job count is used.
type QuotaEnforcer struct {
	co       coord.Coordinator // may be nil (local mode)
	store    QuotaStore
	prefix   string
	defaults common.QuotaSnapshot

	mu           sync.Mutex
	localDaily   map[string]int64 // userID+day → grants made this process
	localDay     string
	pendingBytes map[string]int64 // userID → storage bytes reserved, not yet on disk
}

func NewQuotaEnforcer(co coord.Coordinator, store QuotaStore, prefix string, defaults common.QuotaSnapshot) *QuotaEnforcer {
	return &QuotaEnforcer{
		co:           co,
		store:        store,
		prefix:       prefix,
		defaults:     defaults,
		localDaily:   make(map[string]int64),
		pendingBytes: make(map[string]int64),
	}
}

// ResolveQuota merges per-user overrides onto the configured defaults.
func (q *QuotaEnforcer) ResolveQuota(userID string) common.QuotaSnapshot {
	override, err := q.store.GetUserQuota(userID)
	if err != nil {
		return q.defaults
	}
	return q.defaults.Merge(override)
}

// HasOverride reports whether the user carries an explicit quota override,
// which disables the admin cap bypass.
func (q *QuotaEnforcer) HasOverride(userID string) bool {
	override, err := q.store.GetUserQuota(userID)
	if err != nil {
		return false
	}
	return override != (common.QuotaSnapshot{})
}

func (q *QuotaEnforcer) dailyKey(userID string, now time.Time) string {
	return fmt.Sprintf("%s:user:%s:jobs:%s", q.prefix, userID, now.UTC().Format("20060102"))
}

// ReserveDailyJobs atomically grants n slots of the per-user per-UTC-day
// job budget, or fails with the 429 quota error. The counter expires at
// the next UTC midnight.
func (q *QuotaEnforcer) ReserveDailyJobs(userID string, n int64) (*Reservation, error) {
	quota := q.ResolveQuota(userID)
	limit := quota.JobsPerDay
	if limit <= 0 {
		return &Reservation{release: func() {}}, nil
	}
	now := common.UTCNow()
	reset := common.SecondsUntilUTCMidnight(now)

	if q.co != nil {
		key := q.dailyKey(userID, now)
		ok, current, err := q.co.IncrWithLimit(key, n, limit, time.Duration(reset)*time.Second)
		if err == nil {
			if !ok {
				return nil, common.NewQuotaError("jobs_per_day_limit", limit, limit-current, reset)
			}
			return &Reservation{release: func() { _ = q.co.DecrBy(key, n) }}, nil
		}
		// coordinator down: fall through to the local path
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	day := now.Format("20060102")
	if q.localDay != day {
		q.localDay = day
		q.localDaily = make(map[string]int64)
	}
	persisted, err := q.store.CountJobsCreatedSince(userID, startOfUTCDay(now))
	if err != nil {
		return nil, err
	}
	current := persisted + q.localDaily[userID]
	if current+n > limit {
		return nil, common.NewQuotaError("jobs_per_day_limit", limit, limit-current, reset)
	}
	q.localDaily[userID] += n
	return &Reservation{release: func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.localDay == day {
			q.localDaily[userID] -= n
		}
	}}, nil
}

// ReserveStorageBytes grants n bytes of the user's storage budget against
// used + pending, tracking the pending share in-process until the bytes
// actually land on disk.
func (q *QuotaEnforcer) ReserveStorageBytes(userID string, n int64) (*Reservation, error) {
	quota := q.ResolveQuota(userID)
	limit := quota.MaxStorageBytes
	if limit <= 0 {
		return &Reservation{release: func() {}}, nil
	}
	used, err := q.store.SumUploadBytes(userID)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.pendingBytes[userID]
	if used+pending+n > limit {
		return nil, common.NewQuotaError("storage_limit", limit, limit-used-pending, 0)
	}
	q.pendingBytes[userID] += n
	return &Reservation{release: func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.pendingBytes[userID] -= n
		if q.pendingBytes[userID] <= 0 {
			delete(q.pendingBytes, userID)
		}
	}}, nil
}

// RequireUploadBytes rejects an upload whose declared total exceeds the
// per-upload limit.
func (q *QuotaEnforcer) RequireUploadBytes(userID string, total int64) error {
	quota := q.ResolveQuota(userID)
	if quota.MaxUploadBytes > 0 && total > quota.MaxUploadBytes {
		return common.NewTooLargeError(fmt.Sprintf("upload of %d bytes exceeds the %d byte limit", total, quota.MaxUploadBytes))
	}
	return nil
}

// RequireUploadProgress re-checks the per-upload limit as chunks land, in
// case the limit was lowered mid-upload.
func (q *QuotaEnforcer) RequireUploadProgress(userID string, written int64) error {
	return q.RequireUploadBytes(userID, written)
}

// RequireConcurrentJobs denies dispatch while the user's running count is
// at or over the concurrency cap.
func (q *QuotaEnforcer) RequireConcurrentJobs(userID string, running int64) error {
	quota := q.ResolveQuota(userID)
	if quota.MaxConcurrentJobs > 0 && running >= quota.MaxConcurrentJobs {
		return common.NewQuotaError("max_concurrent_limit", quota.MaxConcurrentJobs, 0, 0)
	}
	return nil
}

func startOfUTCDay(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
