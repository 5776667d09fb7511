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

package common

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type JobID string

func NewJobID() JobID {
	return JobID(uuid.NewString())
}

func ParseJobID(s string) (JobID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return JobID(u.String()), nil
}

func (j JobID) IsEmpty() bool  { return j == "" }
func (j JobID) String() string { return string(j) }

// NewLockToken returns a fresh opaque token used as the value of a job's
// lock key; release and refresh are scoped to the token, not the key.
func NewLockToken() string {
	return uuid.NewString()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Recognized keys of the Job.Runtime bag. The bag is intentionally
// schemaless; anything outside this list is carried but never interpreted.
const (
	RuntimeKeyPinned      = "pinned"
	RuntimeKeyArchived    = "archived"
	RuntimeKeyResynth     = "resynth"
	RuntimeKeyPrivacyMode = "privacy_mode"
	RuntimeKeyCachePolicy = "cache_policy"
	RuntimeKeyTags        = "tags"
)

// SlugifyTitle turns a series title into the lowercase hyphenated slug
// the library index is keyed by.
func SlugifyTitle(title string) string {
	var b []rune
	lastHyphen := true
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b = append(b, r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b = append(b, '-')
				lastHyphen = true
			}
		}
	}
	for len(b) > 0 && b[len(b)-1] == '-' {
		b = b[:len(b)-1]
	}
	return string(b)
}

// LibraryMetadata places a job into the browsable series/season/episode
// index. Required on submission.
type LibraryMetadata struct {
	SeriesSlug  string `json:"series_slug"`
	SeriesTitle string `json:"series_title"`
	Season      int    `json:"season"`
	Episode     int    `json:"episode"`
}

// Job is the durable record of one dubbing job. The state store is its
// exclusive owner; queue backends only ever see its id plus narrow
// callbacks.
type Job struct {
	ID         JobID      `json:"id"`
	OwnerID    string     `json:"owner_id"`
	VideoPath  string     `json:"video_path"`
	DurationS  float64    `json:"duration_s"`
	Mode       JobMode    `json:"mode"`
	Device     Device     `json:"device"`
	State      JobState   `json:"state"`
	Progress   float64    `json:"progress"`
	Message    string     `json:"message"`
	Error      string     `json:"error,omitempty"`
	Priority   int64      `json:"priority"`
	SrcLang    string     `json:"src_lang"`
	TgtLang    string     `json:"tgt_lang"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	Visibility Visibility `json:"visibility"`

	// Runtime is the schemaless per-job configuration bag (resynth
	// requests, retention pinning, tags...). See the RuntimeKey constants.
	Runtime map[string]interface{} `json:"runtime,omitempty"`

	Library LibraryMetadata `json:"library_metadata"`
}

// RuntimeBool reads a boolean runtime key; absent or non-boolean is false.
func (j *Job) RuntimeBool(key string) bool {
	if j.Runtime == nil {
		return false
	}
	switch v := j.Runtime[key].(type) {
	case bool:
		return v
	default:
		return false
	}
}

// Pinned jobs are exempt from retention sweeps.
func (j *Job) Pinned() bool {
	return j.RuntimeBool(RuntimeKeyPinned) || j.RuntimeBool(RuntimeKeyArchived)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// ChunkInfo records one accepted chunk of a resumable upload.
type ChunkInfo struct {
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
	Sha256 string `json:"sha256"`
}

// UploadSession is the durable record of a resumable chunked upload.
// Metadata lives in the state store; the bytes live in PartPath under the
// confined staging directory until completion renames them to FinalPath.
type UploadSession struct {
	ID             string            `json:"id"`
	OwnerID        string            `json:"owner_id"`
	Filename       string            `json:"filename"`
	TotalBytes     int64             `json:"total_bytes"`
	ChunkBytes     int64             `json:"chunk_bytes"`
	TotalChunks    int               `json:"total_chunks"`
	PartPath       string            `json:"part_path"`
	FinalPath      string            `json:"final_path"`
	Received       map[int]ChunkInfo `json:"received"`
	ReceivedBytes  int64             `json:"received_bytes"`
	Completed      bool              `json:"completed"`
	Encrypted      bool              `json:"encrypted,omitempty"`
	FinalSha256    string            `json:"final_sha256,omitempty"`
	ExpectedSha256 string            `json:"expected_sha256,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// ExpectedChunkSize returns the byte size chunk index must carry: every
// chunk is ChunkBytes long except the last, which carries the remainder.
func (u *UploadSession) ExpectedChunkSize(index int) int64 {
	if index == u.TotalChunks-1 {
		return u.TotalBytes - int64(index)*u.ChunkBytes
	}
	return u.ChunkBytes
}

// MissingChunks returns the sorted indices not yet received.
func (u *UploadSession) MissingChunks() []int {
	missing := make([]int, 0, u.TotalChunks-len(u.Received))
	for i := 0; i < u.TotalChunks; i++ {
		if _, ok := u.Received[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// QuotaSnapshot is the request-scoped merge of role defaults and per-user
// overrides. Zero means "no explicit value"; callers resolve against the
// configured defaults.
type QuotaSnapshot struct {
	MaxUploadBytes    int64 `json:"max_upload_bytes"`
	MaxStorageBytes   int64 `json:"max_storage_bytes"`
	JobsPerDay        int64 `json:"jobs_per_day"`
	MaxConcurrentJobs int64 `json:"max_concurrent_jobs"`
	MaxQueued         int64 `json:"max_queued"`
}

// Merge overlays per-user overrides onto role defaults.
func (q QuotaSnapshot) Merge(override QuotaSnapshot) QuotaSnapshot {
	out := q
	if override.MaxUploadBytes > 0 {
		out.MaxUploadBytes = override.MaxUploadBytes
	}
	if override.MaxStorageBytes > 0 {
		out.MaxStorageBytes = override.MaxStorageBytes
	}
	if override.JobsPerDay > 0 {
		out.JobsPerDay = override.JobsPerDay
	}
	if override.MaxConcurrentJobs > 0 {
		out.MaxConcurrentJobs = override.MaxConcurrentJobs
	}
	if override.MaxQueued > 0 {
		out.MaxQueued = override.MaxQueued
	}
	return out
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Counts reports running/queued totals, globally or per user.
type Counts struct {
	Running int64 `json:"running"`
	Queued  int64 `json:"queued"`
}

// QueueStatus is what the UI shows about the active backend.
type QueueStatus struct {
	Mode    QueueMode `json:"mode"`
	Healthy bool      `json:"healthy"`
	Banner  string    `json:"banner"`
}

// DLQEntry is one dead-lettered job.
type DLQEntry struct {
	JobID  string    `json:"job_id"`
	UserID string    `json:"user_id"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// QueueSnapshotEntry is one pending/running job in the admin snapshot.
type QueueSnapshotEntry struct {
	JobID    string `json:"job_id"`
	UserID   string `json:"user_id"`
	Priority int64  `json:"priority"`
	Bucket   string `json:"bucket"` // pending | delayed | running
	Attempts int    `json:"attempts"`
}

// QueueSnapshot is the admin view of the active backend.
type QueueSnapshot struct {
	Status  QueueStatus          `json:"status"`
	Global  Counts               `json:"global"`
	Entries []QueueSnapshotEntry `json:"entries"`
	DLQ     []DLQEntry           `json:"dlq"`
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// ProgressEvent is one pipeline progress notification, also the payload of
// the job SSE stream.
type ProgressEvent struct {
	JobID    string   `json:"job_id"`
	State    JobState `json:"state"`
	Progress float64  `json:"progress"`
	Message  string   `json:"message,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func (e ProgressEvent) JSON() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// UTCNow is the single clock used for persisted timestamps. TTL arithmetic
// deliberately uses wall-clock UTC, not the monotonic reading.
func UTCNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// SecondsUntilUTCMidnight sizes the TTL of the per-day quota counters.
func SecondsUntilUTCMidnight(now time.Time) int64 {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	secs := int64(midnight.Sub(now) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
