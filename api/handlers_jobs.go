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

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/dubplane/dubplane/common"
	"github.com/dubplane/dubplane/queue"
	"github.com/dubplane/dubplane/state"
)

const defaultPriority = 100

type jobCreateRequest struct {
	VideoPath     string `json:"video_path,omitempty"`
	UploadID      string `json:"upload_id,omitempty"`
	Mode          string `json:"mode"`
	Device        string `json:"device,omitempty"`
	SrcLang       string `json:"src_lang"`
	TgtLang       string `json:"tgt_lang"`
	SeriesTitle   string `json:"series_title"`
	SeasonNumber  int    `json:"season_number"`
	EpisodeNumber int    `json:"episode_number"`
	Visibility    string `json:"visibility,omitempty"`
	Priority      *int64 `json:"priority,omitempty"` // honored for admins only
}

func (s *Server) handleJobCreate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.lcm.IsDraining() {
		writeError(w, s.logger, common.NewDrainingError(s.retryAfterSeconds()))
		return
	}
	id := identityFrom(r)

	// an idempotent replay returns the original job before any validation
	// or reservation happens
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" {
		if jobID, _, ok := s.store.GetIdempotency(idemKey); ok {
			writeJSON(w, http.StatusOK, map[string]string{"id": jobID.String()})
			return
		}
	}

	var req jobCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, common.NewValidationError("body", "malformed JSON body"))
		return
	}
	job, err := s.buildJob(id.Username, &req)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	decision, err := s.evaluateSubmission(id.Username, id.Role, job)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	job.Mode = decision.EffectiveMode
	job.Device = decision.EffectiveDevice

	reservation, err := s.quota.ReserveDailyJobs(id.Username, 1)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := s.store.PutJob(job); err != nil {
		reservation.Release()
		writeError(w, s.logger, err)
		return
	}
	err = s.backend.SubmitJob(queue.SubmitParams{
		JobID:    job.ID,
		UserID:   id.Username,
		UserRole: id.Role,
		Mode:     job.Mode,
		Device:   job.Device,
		Priority: job.Priority,
	})
	if err != nil {
		reservation.Release()
		_ = s.store.DeleteJob(job.ID)
		writeError(w, s.logger, err)
		return
	}
	reservation.Disarm()
	if idemKey != "" {
		_ = s.store.PutIdempotency(idemKey, job.ID)
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": job.ID.String()})
}

// buildJob validates the request into a fresh QUEUED job record.
func (s *Server) buildJob(username string, req *jobCreateRequest) (*common.Job, error) {
	var mode common.JobMode
	if err := mode.Parse(req.Mode); err != nil {
		return nil, common.NewValidationError("mode", "mode must be one of low, medium, high")
	}
	device := common.EDevice.Auto()
	if req.Device != "" {
		if err := device.Parse(req.Device); err != nil {
			return nil, common.NewValidationError("device", "device must be one of auto, cpu, gpu")
		}
	}
	visibility := common.EVisibility.Private()
	if req.Visibility != "" {
		if err := visibility.Parse(req.Visibility); err != nil {
			return nil, common.NewValidationError("visibility", "visibility must be private or shared")
		}
	}
	if req.SrcLang == "" || req.TgtLang == "" {
		return nil, common.NewValidationError("lang", "src_lang and tgt_lang are required")
	}
	if req.SeriesTitle == "" {
		return nil, common.NewValidationError("series_title", "series_title is required")
	}
	if req.SeasonNumber < 0 || req.EpisodeNumber < 0 {
		return nil, common.NewValidationError("episode", "season_number and episode_number must not be negative")
	}

	videoPath, err := s.resolveVideoPath(username, req)
	if err != nil {
		return nil, err
	}
	return &common.Job{
		ID:        common.NewJobID(),
		OwnerID:   username,
		VideoPath: videoPath,
		Mode:      mode,
		Device:    device,
		State:     common.EJobState.Queued(),
		Message:   "queued",
		Priority:  defaultPriority,
		SrcLang:   req.SrcLang,
		TgtLang:   req.TgtLang,
		Library: common.LibraryMetadata{
			SeriesSlug:  common.SlugifyTitle(req.SeriesTitle),
			SeriesTitle: req.SeriesTitle,
			Season:      req.SeasonNumber,
			Episode:     req.EpisodeNumber,
		},
		Visibility: visibility,
	}, nil
}

// resolveVideoPath accepts exactly one of video_path (pre-existing input)
// or upload_id (a completed upload owned by the caller).
func (s *Server) resolveVideoPath(username string, req *jobCreateRequest) (string, error) {
	switch {
	case req.UploadID != "" && req.VideoPath != "":
		return "", common.NewValidationError("video", "pass either video_path or upload_id, not both")
	case req.UploadID != "":
		session, err := s.store.GetUpload(req.UploadID)
		if err != nil || session.OwnerID != username {
			return "", common.NewNotFoundError("upload")
		}
		if !session.Completed {
			return "", common.NewConflictError("upload_incomplete", "the upload has not been completed")
		}
		return session.FinalPath, nil
	case req.VideoPath != "":
		return req.VideoPath, nil
	default:
		return "", common.NewValidationError("video", "video_path or upload_id is required")
	}
}

// evaluateSubmission runs the submission policy over live counters.
// Denials surface as their HTTP status; approvals carry the effective
// mode/device after the gates.
func (s *Server) evaluateSubmission(username string, role common.UserRole, job *common.Job) (queue.Decision, error) {
	user, err := s.backend.UserCounts(username)
	if err != nil {
		return queue.Decision{}, err
	}
	global, _ := s.backend.GlobalCounts()
	jobsToday, _ := s.store.CountJobsCreatedSince(username, startOfToday())
	decision := queue.EvaluateSubmission(queue.PolicyInput{
		Role:          role,
		Mode:          job.Mode,
		Device:        job.Device,
		User:          user,
		Global:        global,
		Quota:         s.quota.ResolveQuota(username),
		JobsToday:     jobsToday,
		HighModeCap:   s.cfg.HighModeCap,
		GpuAvailable:  s.cfg.GpuAvailable,
		Draining:      s.lcm.IsDraining(),
		AdminOverride: s.quota.HasOverride(username),
	})
	if !decision.OK {
		return decision, decisionError(decision)
	}
	return decision, nil
}

// decisionError maps a policy denial onto the error the client sees. The
// deny reason is always the last one appended; cap reasons carry their
// limit after a colon.
func decisionError(d queue.Decision) error {
	reason := "submission denied"
	if len(d.Reasons) > 0 {
		reason = d.Reasons[len(d.Reasons)-1]
	}
	switch d.HTTPStatus {
	case http.StatusServiceUnavailable:
		return common.NewDrainingError(30)
	case http.StatusForbidden:
		return common.NewForbiddenError(reason)
	case http.StatusTooManyRequests:
		code, limit := reason, int64(0)
		if i := strings.IndexByte(reason, ':'); i >= 0 {
			code = reason[:i]
			limit, _ = strconv.ParseInt(reason[i+1:], 10, 64)
		}
		return common.NewQuotaError(code, limit, 0, common.SecondsUntilUTCMidnight(common.UTCNow()))
	default:
		return common.NewValidationError("request", reason)
	}
}

func startOfToday() time.Time {
	now := common.UTCNow()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	job, err := s.visibleJob(r, p.ByName("id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	id := identityFrom(r)
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	filter := state.JobFilter{}
	if id.Role != common.EUserRole.Admin() {
		filter.OwnerID = id.Username
	} else if owner := r.URL.Query().Get("owner"); owner != "" {
		filter.OwnerID = owner
	}
	if v := r.URL.Query().Get("state"); v != "" {
		var st common.JobState
		if err := st.Parse(v); err != nil {
			writeError(w, s.logger, common.NewValidationError("state", "unknown job state"))
			return
		}
		filter.State = &st
	}
	jobs, err := s.store.ListJobs(limit, filter)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := identityFrom(r)
	jobID, err := common.ParseJobID(p.ByName("id"))
	if err != nil {
		writeError(w, s.logger, common.NewNotFoundError("job"))
		return
	}
	job, err := s.store.GetJob(jobID)
	if err != nil {
		writeError(w, s.logger, common.NewNotFoundError("job"))
		return
	}
	if !queue.CanCancel(id.Role, id.Username, job.OwnerID) {
		writeError(w, s.logger, common.NewForbiddenError("only the owner or an admin may cancel a job"))
		return
	}
	if job.State.IsTerminal() {
		writeError(w, s.logger, common.NewConflictError("job_finished", "the job already reached a terminal state"))
		return
	}
	if err := s.backend.CancelJob(jobID, id.Username); err != nil {
		writeError(w, s.logger, err)
		return
	}
	// queued jobs flip immediately; running ones flip when the pipeline
	// yields at its next stage boundary
	if job.State == common.EJobState.Queued() {
		if err := s.store.MarkJobCanceled(jobID, "canceled by "+id.Username); err != nil {
			writeError(w, s.logger, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (s *Server) handleLibraryList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	jobs, err := s.store.ListLibrary(r.URL.Query().Get("series"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	id := identityFrom(r)
	visible := jobs[:0]
	for _, job := range jobs {
		if jobVisibleTo(job, id.Username, id.Role) {
			visible = append(visible, job)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"episodes": visible})
}

// handleJobEvents streams progress over SSE until the job reaches a
// terminal state or the client goes away.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	job, err := s.visibleJob(r, p.ByName("id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, s.logger, common.NewValidationError("stream", "streaming unsupported by this connection"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events, cancel := s.hub.Subscribe(job.ID.String())
	defer cancel()

	// snapshot first, so late subscribers see where the job stands
	writeSSE(w, common.ProgressEvent{
		JobID:    job.ID.String(),
		State:    job.State,
		Progress: job.Progress,
		Message:  job.Message,
		Error:    job.Error,
	})
	flusher.Flush()
	if job.State.IsTerminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-events:
			writeSSE(w, event)
			flusher.Flush()
			if event.State.IsTerminal() {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event common.ProgressEvent) {
	fmt.Fprintf(w, "event: progress\ndata: %s\n\n", event.JSON())
}

// visibleJob loads a job and applies the visibility rules: owners and
// admins always see it, others only when it is shared.
func (s *Server) visibleJob(r *http.Request, rawID string) (*common.Job, error) {
	jobID, err := common.ParseJobID(rawID)
	if err != nil {
		return nil, common.NewNotFoundError("job")
	}
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return nil, common.NewNotFoundError("job")
	}
	id := identityFrom(r)
	if !jobVisibleTo(job, id.Username, id.Role) {
		return nil, common.NewNotFoundError("job")
	}
	return job, nil
}

func jobVisibleTo(job *common.Job, username string, role common.UserRole) bool {
	return job.OwnerID == username ||
		role == common.EUserRole.Admin() ||
		job.Visibility == common.EVisibility.Shared()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Admin

func (s *Server) handleAdminQueue(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	snap, err := s.backend.AdminSnapshot(limit)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAdminPriority(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	jobID, err := common.ParseJobID(p.ByName("id"))
	if err != nil {
		writeError(w, s.logger, common.NewNotFoundError("job"))
		return
	}
	var req struct {
		Priority int64 `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, common.NewValidationError("body", "malformed JSON body"))
		return
	}
	if err := s.backend.AdminSetPriority(jobID, req.Priority); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if _, err := s.store.UpdateJob(jobID, func(job *common.Job) error {
		job.Priority = req.Priority
		return nil
	}); err != nil {
		writeError(w, s.logger, err)
		return
	}
	id := identityFrom(r)
	common.AuditEvent(s.logger, "admin.set_priority", map[string]interface{}{
		"job_id": jobID.String(), "priority": req.Priority, "admin": id.Username,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type adminQuotaRequest struct {
	MaxRunning      *int64 `json:"max_running,omitempty"`
	MaxQueued       *int64 `json:"max_queued,omitempty"`
	JobsPerDay      *int64 `json:"jobs_per_day,omitempty"`
	MaxStorageBytes *int64 `json:"max_storage_bytes,omitempty"`
	MaxUploadBytes  *int64 `json:"max_upload_bytes,omitempty"`
}

func (s *Server) handleAdminQuotas(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	userID := p.ByName("user_id")
	var req adminQuotaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, common.NewValidationError("body", "malformed JSON body"))
		return
	}
	quota, err := s.store.UpsertUserQuota(userID, func(q *common.QuotaSnapshot) {
		if req.MaxRunning != nil {
			q.MaxConcurrentJobs = *req.MaxRunning
		}
		if req.MaxQueued != nil {
			q.MaxQueued = *req.MaxQueued
		}
		if req.JobsPerDay != nil {
			q.JobsPerDay = *req.JobsPerDay
		}
		if req.MaxStorageBytes != nil {
			q.MaxStorageBytes = *req.MaxStorageBytes
		}
		if req.MaxUploadBytes != nil {
			q.MaxUploadBytes = *req.MaxUploadBytes
		}
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if req.MaxRunning != nil || req.MaxQueued != nil {
		if err := s.backend.AdminSetUserQuotas(userID, quota.MaxConcurrentJobs, quota.MaxQueued); err != nil {
			writeError(w, s.logger, err)
			return
		}
	}
	id := identityFrom(r)
	common.AuditEvent(s.logger, "admin.set_quotas", map[string]interface{}{
		"user_id": userID, "admin": id.Username,
	})
	writeJSON(w, http.StatusOK, quota)
}
