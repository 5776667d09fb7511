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

// Package state is the durable source of truth for jobs, upload sessions,
// idempotency keys and per-user quota overrides. One process writes at a
// time (advisory flock beside the database file, same filesystem); readers
// within that process are concurrent through bbolt's MVCC.
package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/dubplane/dubplane/common"
)

const (
	jobsDBName     = "jobs.db"
	writerLockName = "jobs.db.lock"

	schemaVersion = 2

	// Idempotent submissions replay for this long.
	IdempotencyTTL = 24 * time.Hour
)

var (
	bucketJobs        = []byte("jobs")
	bucketUploads     = []byte("uploads")
	bucketIdempotency = []byte("idempotency")
	bucketQuotas      = []byte("quotas")
	bucketLibrary     = []byte("library")
	bucketMeta        = []byte("meta")

	keySchemaVersion = []byte("schema_version")
)

// ErrNotFound is returned for unknown ids; the HTTP layer maps it to 404.
var ErrNotFound = errors.New("state: record not found")

// Store owns jobs.db. All mutations go through bolt write transactions,
// so the in-memory view a caller holds is never updated on a failed write.
type Store struct {
	db     *bolt.DB
	lock   *flock.Flock
	logger common.ILogger
}

// Open acquires the advisory writer lock and opens (or creates) jobs.db
// under stateDir. Fails with StorageUnavailable when either is not
// possible; callers treat that as fatal at boot.
func Open(stateDir string, logger common.ILogger) (*Store, error) {
	if logger == nil {
		logger = common.NopLogger{}
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, errors.Wrap(common.ErrStorageUnavailable, err.Error())
	}

	// The lock file must live on the same filesystem as the database for
	// the advisory lock to mean anything.
	lock := flock.New(filepath.Join(stateDir, writerLockName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrap(common.ErrStorageUnavailable, err.Error())
	}
	if !locked {
		return nil, errors.Wrap(common.ErrStorageUnavailable, "another process holds the writer lock")
	}

	db, err := bolt.Open(filepath.Join(stateDir, jobsDBName), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		_ = lock.Unlock()
		return nil, errors.Wrap(common.ErrStorageUnavailable, err.Error())
	}

	s := &Store{db: db, lock: lock, logger: logger}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	err := s.db.Close()
	if unlockErr := s.lock.Unlock(); err == nil {
		err = unlockErr
	}
	return err
}

// migrate creates missing buckets and applies additive upgrades. Nothing
// here is ever destructive; the library index is rebuilt rather than
// migrated because it is derived data.
func (s *Store) migrate() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketJobs, bucketUploads, bucketIdempotency, bucketQuotas, bucketLibrary, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrap(err, "create bucket")
			}
		}
		meta := tx.Bucket(bucketMeta)
		current := 0
		if raw := meta.Get(keySchemaVersion); raw != nil {
			fmt.Sscanf(string(raw), "%d", &current)
		}
		if current < schemaVersion {
			if err := rebuildLibraryIndex(tx); err != nil {
				return err
			}
			if err := meta.Put(keySchemaVersion, []byte(fmt.Sprintf("%d", schemaVersion))); err != nil {
				return err
			}
			s.logger.Logf(common.LogInfo, "state: schema migrated %d -> %d", current, schemaVersion)
		}
		return nil
	})
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Jobs

// PutJob upserts a job and keeps the library index in step. CreatedAt is
// stamped on first write; UpdatedAt is monotonic non-decreasing.
func (s *Store) PutJob(job *common.Job) error {
	if job.ID.IsEmpty() {
		return errors.New("state: job id required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		now := common.UTCNow()
		if prev := b.Get([]byte(job.ID)); prev != nil {
			var old common.Job
			if err := json.Unmarshal(prev, &old); err == nil {
				job.CreatedAt = old.CreatedAt
				if now.Before(old.UpdatedAt) {
					now = old.UpdatedAt
				}
			}
		} else if job.CreatedAt.IsZero() {
			job.CreatedAt = now
		}
		job.UpdatedAt = now

		raw, err := json.Marshal(job)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(job.ID), raw); err != nil {
			return err
		}
		return indexJob(tx, job)
	})
}

func (s *Store) GetJob(id common.JobID) (*common.Job, error) {
	var job *common.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketJobs).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		job = &common.Job{}
		return json.Unmarshal(raw, job)
	})
	return job, err
}

// JobFilter narrows ListJobs. Zero values mean "no constraint".
type JobFilter struct {
	OwnerID string
	State   *common.JobState
	Series  string
}

// ListJobs scans newest-first, bounded by limit (0 means 100).
func (s *Store) ListJobs(limit int, filter JobFilter) ([]*common.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var jobs []*common.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, raw []byte) error {
			var job common.Job
			if err := json.Unmarshal(raw, &job); err != nil {
				return err
			}
			if filter.OwnerID != "" && job.OwnerID != filter.OwnerID {
				return nil
			}
			if filter.State != nil && job.State != *filter.State {
				return nil
			}
			if filter.Series != "" && job.Library.SeriesSlug != filter.Series {
				return nil
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortJobsNewestFirst(jobs)
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// ListJobsOlderThan returns jobs not touched since cutoff, oldest first,
// for the retention sweep.
func (s *Store) ListJobsOlderThan(cutoff time.Time, limit int) ([]*common.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var jobs []*common.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, raw []byte) error {
			var job common.Job
			if err := json.Unmarshal(raw, &job); err != nil {
				return err
			}
			if !job.UpdatedAt.Before(cutoff) {
				return nil
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].UpdatedAt.Before(jobs[j].UpdatedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// UpdateJob applies mutate inside the write transaction. State changes are
// validated: terminal states are sticky and transitions follow the job
// lifecycle. UpdatedAt never goes backwards.
func (s *Store) UpdateJob(id common.JobID, mutate func(*common.Job) error) (*common.Job, error) {
	var updated *common.Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		raw := b.Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		var job common.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			return err
		}
		prevState := job.State
		prevUpdated := job.UpdatedAt

		if err := mutate(&job); err != nil {
			return err
		}
		if job.ID != id {
			return errors.New("state: job id is immutable")
		}
		if job.State != prevState && !prevState.MayTransitionTo(job.State) {
			return common.NewConflictError("state_transition",
				fmt.Sprintf("cannot move job from %s to %s", prevState, job.State))
		}

		now := common.UTCNow()
		if now.Before(prevUpdated) {
			now = prevUpdated
		}
		job.UpdatedAt = now

		out, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), out); err != nil {
			return err
		}
		if err := indexJob(tx, &job); err != nil {
			return err
		}
		updated = &job
		return nil
	})
	return updated, err
}

func (s *Store) DeleteJob(id common.JobID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		raw := b.Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		var job common.Job
		if err := json.Unmarshal(raw, &job); err == nil {
			_ = tx.Bucket(bucketLibrary).Delete(libraryKey(&job))
		}
		return b.Delete([]byte(id))
	})
}

// GetJobState is the narrow callback queue backends use; it never exposes
// the rest of the record.
func (s *Store) GetJobState(id common.JobID) (common.JobState, bool) {
	job, err := s.GetJob(id)
	if err != nil {
		return 0, false
	}
	return job.State, true
}

// MarkJobCanceled flips a job to CANCELED if its current state still
// permits it; a terminal state is left untouched.
func (s *Store) MarkJobCanceled(id common.JobID, message string) error {
	_, err := s.UpdateJob(id, func(job *common.Job) error {
		if job.State.IsTerminal() {
			return nil
		}
		job.State = common.EJobState.Canceled()
		if message != "" {
			job.Message = message
		}
		return nil
	})
	return err
}

// ListQueuedJobs is the bounded scan the local queue polls with.
func (s *Store) ListQueuedJobs(limit int) ([]*common.Job, error) {
	queued := common.EJobState.Queued()
	return s.ListJobs(limit, JobFilter{State: &queued})
}

// CountJobsCreatedSince backs the local daily-quota fallback.
func (s *Store) CountJobsCreatedSince(ownerID string, since time.Time) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, raw []byte) error {
			var job common.Job
			if err := json.Unmarshal(raw, &job); err != nil {
				return err
			}
			if job.OwnerID == ownerID && !job.CreatedAt.Before(since) {
				n++
			}
			return nil
		})
	})
	return n, err
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Library index

// The library bucket is a denormalized (series, season, episode) → job id
// mapping used by browse queries; it is derived data, rebuilt from the
// jobs bucket whenever the schema version moves.
func libraryKey(job *common.Job) []byte {
	return []byte(fmt.Sprintf("%s/%05d/%05d", job.Library.SeriesSlug, job.Library.Season, job.Library.Episode))
}

func indexJob(tx *bolt.Tx, job *common.Job) error {
	if job.Library.SeriesSlug == "" {
		return nil
	}
	return tx.Bucket(bucketLibrary).Put(libraryKey(job), []byte(job.ID))
}

func rebuildLibraryIndex(tx *bolt.Tx) error {
	lib := tx.Bucket(bucketLibrary)
	if lib != nil {
		if err := tx.DeleteBucket(bucketLibrary); err != nil {
			return err
		}
	}
	lib, err := tx.CreateBucket(bucketLibrary)
	if err != nil {
		return err
	}
	jobs := tx.Bucket(bucketJobs)
	if jobs == nil {
		return nil
	}
	return jobs.ForEach(func(_, raw []byte) error {
		var job common.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			return nil // skip unreadable records rather than fail the open
		}
		if job.Library.SeriesSlug == "" {
			return nil
		}
		return lib.Put(libraryKey(&job), []byte(job.ID))
	})
}

// ListLibrary returns the jobs of one series ordered by season/episode.
func (s *Store) ListLibrary(seriesSlug string) ([]*common.Job, error) {
	var ids []common.JobID
	var prefix []byte
	if seriesSlug != "" {
		prefix = []byte(seriesSlug + "/")
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLibrary).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			ids = append(ids, common.JobID(v))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	jobs := make([]*common.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(id)
		if err == nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Idempotency keys

type idempotencyRecord struct {
	JobID     common.JobID `json:"job_id"`
	CreatedAt time.Time    `json:"created_at"`
}

func (s *Store) PutIdempotency(key string, jobID common.JobID) error {
	raw, err := json.Marshal(idempotencyRecord{JobID: jobID, CreatedAt: common.UTCNow()})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdempotency).Put([]byte(key), raw)
	})
}

// GetIdempotency returns the job a key maps to, expiring entries older
// than IdempotencyTTL lazily.
func (s *Store) GetIdempotency(key string) (common.JobID, time.Time, bool) {
	var rec idempotencyRecord
	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketIdempotency).Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &rec); err == nil {
			found = true
		}
		return nil
	})
	if !found {
		return "", time.Time{}, false
	}
	if common.UTCNow().Sub(rec.CreatedAt) > IdempotencyTTL {
		_ = s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketIdempotency).Delete([]byte(key))
		})
		return "", time.Time{}, false
	}
	return rec.JobID, rec.CreatedAt, true
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Upload sessions

func (s *Store) PutUpload(rec *common.UploadSession) error {
	if rec.ID == "" {
		return errors.New("state: upload id required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		now := common.UTCNow()
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUploads).Put([]byte(rec.ID), raw)
	})
}

func (s *Store) GetUpload(id string) (*common.UploadSession, error) {
	var rec *common.UploadSession
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketUploads).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		rec = &common.UploadSession{}
		return json.Unmarshal(raw, rec)
	})
	return rec, err
}

// UpdateUpload applies mutate transactionally. Completed sessions are
// immutable.
func (s *Store) UpdateUpload(id string, mutate func(*common.UploadSession) error) (*common.UploadSession, error) {
	var updated *common.UploadSession
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUploads)
		raw := b.Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		var rec common.UploadSession
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if rec.Completed {
			return common.NewConflictError("upload_completed", "completed upload sessions are immutable")
		}
		if err := mutate(&rec); err != nil {
			return err
		}
		rec.UpdatedAt = common.UTCNow()
		out, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), out); err != nil {
			return err
		}
		updated = &rec
		return nil
	})
	return updated, err
}

func (s *Store) DeleteUpload(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUploads).Delete([]byte(id))
	})
}

func (s *Store) ListUploads(ownerID string, includeCompleted bool) ([]*common.UploadSession, error) {
	var out []*common.UploadSession
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUploads).ForEach(func(_, raw []byte) error {
			var rec common.UploadSession
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			if ownerID != "" && rec.OwnerID != ownerID {
				return nil
			}
			if rec.Completed && !includeCompleted {
				return nil
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

// SumUploadBytes backs the storage quota. Every session, open or
// complete, counts at its declared total: the budget tracks committed
// space, not bytes already landed, so a burst of inits cannot admit more
// than the limit. Abandoned sessions give their share back when the
// retention sweeper deletes them.
func (s *Store) SumUploadBytes(ownerID string) (int64, error) {
	var total int64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUploads).ForEach(func(_, raw []byte) error {
			var rec common.UploadSession
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			if rec.OwnerID != ownerID {
				return nil
			}
			total += rec.TotalBytes
			return nil
		})
	})
	return total, err
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Per-user quota overrides

func (s *Store) GetUserQuota(userID string) (common.QuotaSnapshot, error) {
	var q common.QuotaSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketQuotas).Get([]byte(userID))
		if raw == nil {
			return nil // no overrides; zero snapshot means "defaults apply"
		}
		return json.Unmarshal(raw, &q)
	})
	return q, err
}

func (s *Store) UpsertUserQuota(userID string, mutate func(*common.QuotaSnapshot)) (common.QuotaSnapshot, error) {
	var q common.QuotaSnapshot
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuotas)
		if raw := b.Get([]byte(userID)); raw != nil {
			if err := json.Unmarshal(raw, &q); err != nil {
				return err
			}
		}
		mutate(&q)
		raw, err := json.Marshal(&q)
		if err != nil {
			return err
		}
		return b.Put([]byte(userID), raw)
	})
	return q, err
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func sortJobsNewestFirst(jobs []*common.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}
