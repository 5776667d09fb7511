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

// Package retention deletes what the service no longer needs: abandoned
// upload sessions, artifacts of old finished jobs, stale log files. Every
// deletion is gated by a containment check against its designated root.
package retention

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dubplane/dubplane/common"
)

const scanBatch = 500

// Result counts what one sweep removed, for logs and tests.
type Result struct {
	Uploads   int
	Jobs      int
	LogFiles  int
	Skipped   int // items aborted by a failed containment check
	BytesFree int64
}

// StateStore is the narrow state surface the sweeper needs; satisfied by
// *state.Store.
type StateStore interface {
	ListUploads(ownerID string, includeCompleted bool) ([]*common.UploadSession, error)
	DeleteUpload(id string) error
	ListJobsOlderThan(cutoff time.Time, limit int) ([]*common.Job, error)
	DeleteJob(id common.JobID) error
}

// Sweeper runs the retention loop. RunOnce is also reachable directly
// from the sweep CLI subcommand.
type Sweeper struct {
	store  StateStore
	cfg    *common.ServiceConfig
	logger common.ILogger

	// now is swappable for tests.
	now func() time.Time
}

func NewSweeper(store StateStore, cfg *common.ServiceConfig, logger common.ILogger) *Sweeper {
	return &Sweeper{store: store, cfg: cfg, logger: logger, now: common.UTCNow}
}

// Run loops until ctx is canceled. The first sweep happens one full
// interval after start, not at boot.
func (s *Sweeper) Run(ctx context.Context) {
	if !s.cfg.RetentionEnabled {
		s.logger.Logf(common.LogInfo, "retention sweeper disabled")
		return
	}
	interval := s.cfg.RetentionInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := s.RunOnce()
			s.logger.Logf(common.LogInfo, "retention sweep: %d uploads, %d jobs, %d logs removed, %d skipped",
				res.Uploads, res.Jobs, res.LogFiles, res.Skipped)
		}
	}
}

// RunOnce performs one complete sweep and reports what it removed.
func (s *Sweeper) RunOnce() Result {
	var res Result
	s.sweepUploads(&res)
	s.sweepJobs(&res)
	s.sweepLogs(&res)
	return res
}

// sweepUploads removes incomplete sessions idle past the upload TTL: the
// staged bytes, the would-be final file, then the record.
func (s *Sweeper) sweepUploads(res *Result) {
	ttl := s.cfg.UploadTTL
	if ttl <= 0 {
		return
	}
	sessions, err := s.store.ListUploads("", false)
	if err != nil {
		s.logger.Logf(common.LogWarning, "retention: listing uploads: %v", err)
		return
	}
	cutoff := s.now().Add(-ttl)
	staging := s.cfg.UploadStagingDir()
	for _, session := range sessions {
		if session.Completed || session.UpdatedAt.After(cutoff) {
			continue
		}
		ok := true
		for _, path := range []string{session.PartPath, session.FinalPath} {
			if path == "" {
				continue
			}
			if !s.removeContained(path, staging, "upload "+session.ID) {
				ok = false
			}
		}
		if !ok {
			res.Skipped++
			continue
		}
		if err := s.store.DeleteUpload(session.ID); err != nil {
			s.logger.Logf(common.LogWarning, "retention: deleting upload record %s: %v", session.ID, err)
			continue
		}
		res.Uploads++
		res.BytesFree += session.ReceivedBytes
		metricSweptItems.WithLabelValues("upload").Inc()
	}
}

// sweepJobs removes artifacts of jobs past the retention window. The
// record is deleted only after every artifact of the job is gone, so a
// partial failure is retried on the next sweep.
func (s *Sweeper) sweepJobs(res *Result) {
	days := s.cfg.RetentionDays
	if days <= 0 {
		return
	}
	cutoff := s.now().AddDate(0, 0, -days)
	jobs, err := s.store.ListJobsOlderThan(cutoff, scanBatch)
	if err != nil {
		s.logger.Logf(common.LogWarning, "retention: listing jobs: %v", err)
		return
	}
	for _, job := range jobs {
		if !job.State.IsTerminal() || job.Pinned() {
			continue
		}
		dir := s.cfg.JobArtifactDir(job.ID)
		if !s.removeContained(dir, s.cfg.OutputDir, "job "+job.ID.String()) {
			res.Skipped++
			continue
		}
		if err := s.store.DeleteJob(job.ID); err != nil {
			s.logger.Logf(common.LogWarning, "retention: deleting job record %s: %v", job.ID, err)
			continue
		}
		res.Jobs++
		metricSweptItems.WithLabelValues("job").Inc()
	}
}

// sweepLogs prunes plain files under the log root older than the log
// retention window. Subdirectories are left alone.
func (s *Sweeper) sweepLogs(res *Result) {
	days := s.cfg.LogRetentionDays
	if days <= 0 || s.cfg.LogDir == "" {
		return
	}
	cutoff := s.now().AddDate(0, 0, -days)
	entries, err := os.ReadDir(s.cfg.LogDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Logf(common.LogWarning, "retention: reading log dir: %v", err)
		}
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.cfg.LogDir, entry.Name())
		if !s.removeContained(path, s.cfg.LogDir, "log "+entry.Name()) {
			res.Skipped++
			continue
		}
		res.LogFiles++
		res.BytesFree += info.Size()
		metricSweptItems.WithLabelValues("log").Inc()
	}
}

// removeContained deletes path only if it resolves strictly inside root.
// Returns true when the path is gone (including "was never there").
// A failed containment check is audited and aborts the item.
func (s *Sweeper) removeContained(path, root, what string) bool {
	contained, err := pathContained(path, root)
	if err != nil {
		s.logger.Logf(common.LogWarning, "retention: resolving %s: %v", what, err)
		return false
	}
	if !contained {
		common.AuditEvent(s.logger, "retention.containment_abort", map[string]interface{}{
			"item": what, "path": path, "root": root,
		})
		return false
	}
	if err := os.RemoveAll(path); err != nil {
		s.logger.Logf(common.LogWarning, "retention: removing %s: %v", what, err)
		return false
	}
	return true
}

// pathContained reports whether path resolves strictly under root after
// following symlinks. A missing path is contained (nothing to delete); a
// missing root is never contained.
func pathContained(path, root string) (bool, error) {
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return false, err
	}
	resolved, err := resolveDeepest(path)
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(resolvedRoot, resolved)
	if err != nil {
		return false, nil
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false, nil
	}
	return true, nil
}

// resolveDeepest resolves symlinks in path, tolerating a missing final
// component: the deepest existing ancestor is resolved and the remainder
// is re-joined unresolved.
func resolveDeepest(path string) (string, error) {
	suffix := ""
	for {
		resolved, err := filepath.EvalSymlinks(path)
		if err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(path)
		if parent == path {
			return "", err
		}
		suffix = filepath.Join(filepath.Base(path), suffix)
		path = parent
	}
}
