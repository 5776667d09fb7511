package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubplane/dubplane/auth"
	"github.com/dubplane/dubplane/common"
	"github.com/dubplane/dubplane/queue"
	"github.com/dubplane/dubplane/state"
	"github.com/dubplane/dubplane/upload"
)

const testChunkBytes = 256 << 10 // the clamp floor

type testEnv struct {
	t      *testing.T
	cfg    *common.ServiceConfig
	store  *state.Store
	users  *auth.Store
	tokens *auth.TokenIssuer
	local  *queue.LocalQueue
	lcm    common.LifecycleMgr
	srv    *Server

	access map[string]string
}

// newTestEnv wires a full server over real components: bolt-backed state
// and auth stores, the local queue and the upload manager. Only the
// network listener is replaced by httptest.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := &common.ServiceConfig{
		OutputDir:  dir,
		StateDir:   dir,
		InputDir:   dir,
		LogDir:     dir,
		ListenAddr: "127.0.0.1:0",

		UploadChunkBytes:  testChunkBytes,
		CoordinatorPrefix: "test",

		LockTTL:     time.Minute,
		LockRefresh: 20 * time.Second,
		MaxAttempts: 3,
		BaseBackoff: time.Minute,
		BackoffCap:  time.Minute,

		DrainTimeout: 45 * time.Second,
		WorkerCount:  1,

		DefaultQuota: common.QuotaSnapshot{
			MaxUploadBytes:    1 << 30,
			MaxStorageBytes:   10 << 30,
			JobsPerDay:        25,
			MaxConcurrentJobs: 2,
			MaxQueued:         20,
		},
		HighModeCap:  1,
		GpuAvailable: true,
	}

	store, err := state.Open(cfg.StateDir, common.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	users, err := auth.Open(cfg.StateDir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = users.Close() })

	tokens := auth.NewTokenIssuer([]byte("0123456789abcdef0123456789abcdef"), 0)
	lcm := common.NewLifecycleMgr(cfg.DrainTimeout, common.NopLogger{})
	enforcer := queue.NewQuotaEnforcer(nil, store, cfg.CoordinatorPrefix, cfg.DefaultQuota)
	local := queue.NewLocalQueue(store, store, enforcer, cfg, common.NopLogger{})
	uploads := upload.NewManager(store, enforcer, cfg, common.NopLogger{}, nil, nil)

	e := &testEnv{
		t:      t,
		cfg:    cfg,
		store:  store,
		users:  users,
		tokens: tokens,
		local:  local,
		lcm:    lcm,
		access: make(map[string]string),
	}
	e.srv = NewServer(cfg, common.NopLogger{}, lcm, store, local, enforcer, uploads, users, tokens, NewEventHub())

	for name, role := range map[string]common.UserRole{
		"alice": common.EUserRole.Operator(),
		"bob":   common.EUserRole.Operator(),
		"viola": common.EUserRole.Viewer(),
		"root":  common.EUserRole.Admin(),
	} {
		user, err := users.CreateUser(name, name+"-password", role)
		require.NoError(t, err)
		token, _, err := tokens.Issue(user)
		require.NoError(t, err)
		e.access[name] = token
	}
	return e
}

// do sends a JSON request as the given user (empty user = anonymous).
func (e *testEnv) do(method, path, user string, body interface{}) *httptest.ResponseRecorder {
	e.t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+e.access[user])
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) doRaw(req *http.Request) *httptest.ResponseRecorder {
	e.t.Helper()
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(out))
}

func jobBody(episode int) map[string]interface{} {
	return map[string]interface{}{
		"video_path":     "/media/incoming/episode.mp4",
		"mode":           "medium",
		"src_lang":       "en",
		"tgt_lang":       "de",
		"series_title":   "Signal Hill",
		"season_number":  1,
		"episode_number": episode,
	}
}

func (e *testEnv) createJob(user string, body map[string]interface{}) string {
	e.t.Helper()
	w := e.do(http.MethodPost, "/api/jobs", user, body)
	require.Equal(e.t, http.StatusCreated, w.Code, w.Body.String())
	var res struct {
		ID string `json:"id"`
	}
	decodeBody(e.t, w, &res)
	return res.ID
}

func TestUploadToJobFlow(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(http.MethodPost, "/api/uploads/init", "alice", map[string]interface{}{
		"filename":    "episode.mp4",
		"total_bytes": testChunkBytes,
		"mime":        "video/mp4",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var initRes uploadInitResponse
	decodeBody(t, w, &initRes)
	assert.Equal(t, int64(testChunkBytes), initRes.ChunkBytes)
	assert.Equal(t, 1, initRes.TotalChunks)

	data := bytes.Repeat([]byte{'v'}, testChunkBytes)
	sum := sha256.Sum256(data)
	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/api/uploads/%s/chunk?index=0&offset=0", initRes.UploadID),
		bytes.NewReader(data))
	req.Header.Set("Authorization", "Bearer "+e.access["alice"])
	req.Header.Set("X-Chunk-Sha256", hex.EncodeToString(sum[:]))
	w = e.doRaw(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var chunkRes upload.ChunkResult
	decodeBody(t, w, &chunkRes)
	assert.Equal(t, int64(testChunkBytes), chunkRes.ReceivedBytes)

	w = e.do(http.MethodPost, "/api/uploads/"+initRes.UploadID+"/complete", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var completeRes uploadCompleteResponse
	decodeBody(t, w, &completeRes)
	assert.Equal(t, hex.EncodeToString(sum[:]), completeRes.FinalSha256)

	w = e.do(http.MethodGet, "/api/uploads/"+initRes.UploadID+"/status", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status upload.Status
	decodeBody(t, w, &status)
	assert.Equal(t, "completed", status.State)

	// other users never learn the session exists
	w = e.do(http.MethodGet, "/api/uploads/"+initRes.UploadID+"/status", "bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	body := jobBody(1)
	delete(body, "video_path")
	body["upload_id"] = initRes.UploadID
	id := e.createJob("alice", body)

	w = e.do(http.MethodGet, "/api/jobs/"+id, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var job common.Job
	decodeBody(t, w, &job)
	assert.Equal(t, common.EJobState.Queued(), job.State)
	assert.Equal(t, completeRes.VideoPath, job.VideoPath)
	assert.Equal(t, "signal-hill", job.Library.SeriesSlug)
}

func TestJobCreateRejectsUnfinishedUpload(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(http.MethodPost, "/api/uploads/init", "alice", map[string]interface{}{
		"filename":    "episode.mp4",
		"total_bytes": testChunkBytes,
		"mime":        "video/mp4",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var initRes uploadInitResponse
	decodeBody(t, w, &initRes)

	body := jobBody(1)
	delete(body, "video_path")
	body["upload_id"] = initRes.UploadID
	w = e.do(http.MethodPost, "/api/jobs", "alice", body)
	assert.Equal(t, http.StatusConflict, w.Code)

	body["video_path"] = "/media/incoming/episode.mp4"
	w = e.do(http.MethodPost, "/api/jobs", "alice", body)
	assert.Equal(t, http.StatusBadRequest, w.Code, "either path or upload id, never both")
}

func TestDailyQuotaEnforced(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(http.MethodPost, "/api/admin/quotas/alice", "root",
		map[string]interface{}{"jobs_per_day": 2})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	e.createJob("alice", jobBody(1))
	e.createJob("alice", jobBody(2))

	w = e.do(http.MethodPost, "/api/jobs", "alice", jobBody(3))
	require.Equal(t, http.StatusTooManyRequests, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	var quotaRes struct {
		Code         string `json:"code"`
		Limit        int64  `json:"limit"`
		ResetSeconds int64  `json:"reset_seconds"`
	}
	decodeBody(t, w, &quotaRes)
	assert.Equal(t, "jobs_per_day_limit", quotaRes.Code)
	assert.Equal(t, int64(2), quotaRes.Limit)
	assert.Greater(t, quotaRes.ResetSeconds, int64(0))

	// other users are unaffected by alice's override
	e.createJob("bob", jobBody(4))
}

func TestCancelFlow(t *testing.T) {
	e := newTestEnv(t)
	id := e.createJob("alice", jobBody(1))

	w := e.do(http.MethodPost, "/api/jobs/"+id+"/cancel", "bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "only the owner or an admin may cancel")

	w = e.do(http.MethodPost, "/api/jobs/"+id+"/cancel", "alice", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = e.do(http.MethodGet, "/api/jobs/"+id, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var job common.Job
	decodeBody(t, w, &job)
	assert.Equal(t, common.EJobState.Canceled(), job.State)

	w = e.do(http.MethodPost, "/api/jobs/"+id+"/cancel", "alice", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "terminal jobs cannot be canceled again")
}

func TestAdminPriorityAffectsClaimOrder(t *testing.T) {
	e := newTestEnv(t)
	e.createJob("alice", jobBody(1))
	boosted := e.createJob("alice", jobBody(2))

	w := e.do(http.MethodPost, "/api/admin/jobs/"+boosted+"/priority", "alice",
		map[string]interface{}{"priority": 500})
	assert.Equal(t, http.StatusForbidden, w.Code, "operators cannot reprioritize")

	w = e.do(http.MethodPost, "/api/admin/jobs/"+boosted+"/priority", "root",
		map[string]interface{}{"priority": 500})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	claimed, ok, err := e.local.Claim()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, boosted, claimed.JobID.String())

	w = e.do(http.MethodGet, "/api/jobs/"+boosted, "root", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var job common.Job
	decodeBody(t, w, &job)
	assert.Equal(t, int64(500), job.Priority)

	w = e.do(http.MethodGet, "/api/admin/queue", "root", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap common.QueueSnapshot
	decodeBody(t, w, &snap)
	assert.Len(t, snap.Entries, 2)
}

func TestDrainingRefusesWork(t *testing.T) {
	e := newTestEnv(t)
	e.lcm.BeginDraining()

	w := e.do(http.MethodPost, "/api/jobs", "alice", jobBody(1))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "45", w.Header().Get("Retry-After"))

	w = e.do(http.MethodPost, "/api/uploads/init", "alice", map[string]interface{}{
		"filename": "episode.mp4", "total_bytes": testChunkBytes, "mime": "video/mp4",
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = e.do(http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	// reads keep working so operators can watch the drain
	w = e.do(http.MethodGet, "/api/jobs", "alice", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthAndRoles(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(http.MethodGet, "/api/jobs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	assert.Equal(t, http.StatusUnauthorized, e.doRaw(req).Code)

	w = e.do(http.MethodPost, "/api/jobs", "viola", jobBody(1))
	assert.Equal(t, http.StatusForbidden, w.Code, "viewers cannot submit")

	w = e.do(http.MethodGet, "/api/jobs", "viola", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(http.MethodGet, "/api/admin/queue", "alice", nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "admin surface is admin-only")

	w = e.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code, "health needs no credentials")
}

func TestAPIKeyAuth(t *testing.T) {
	e := newTestEnv(t)
	key, err := e.users.CreateAPIKey("alice", "ci")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("X-Api-Key", key)
	assert.Equal(t, http.StatusOK, e.doRaw(req).Code)

	// the same key is accepted in the bearer slot
	req = httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	assert.Equal(t, http.StatusOK, e.doRaw(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("X-Api-Key", "dp_"+strings.Repeat("0", 32))
	assert.Equal(t, http.StatusUnauthorized, e.doRaw(req).Code)
}

func TestCookieSessionCSRF(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(http.MethodPost, "/auth/login", "", map[string]string{
		"username": "alice", "password": "alice-password",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var login loginResponse
	decodeBody(t, w, &login)
	require.NotEmpty(t, login.CSRF)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)

	withCookies := func(method, path string, body interface{}) *http.Request {
		var rd io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			require.NoError(t, err)
			rd = bytes.NewReader(raw)
		}
		req := httptest.NewRequest(method, path, rd)
		for _, c := range cookies {
			req.AddCookie(c)
		}
		return req
	}

	// reads need no CSRF token
	assert.Equal(t, http.StatusOK, e.doRaw(withCookies(http.MethodGet, "/api/jobs", nil)).Code)

	// mutations without the header are refused
	req := withCookies(http.MethodPost, "/api/jobs", jobBody(1))
	assert.Equal(t, http.StatusForbidden, e.doRaw(req).Code)

	req = withCookies(http.MethodPost, "/api/jobs", jobBody(1))
	req.Header.Set("X-CSRF-Token", login.CSRF)
	assert.Equal(t, http.StatusCreated, e.doRaw(req).Code)

	// rotation burns the presented refresh token
	req = withCookies(http.MethodPost, "/auth/refresh", nil)
	req.Header.Set("X-CSRF-Token", login.CSRF)
	assert.Equal(t, http.StatusOK, e.doRaw(req).Code)

	req = withCookies(http.MethodPost, "/auth/refresh", nil)
	req.Header.Set("X-CSRF-Token", login.CSRF)
	assert.Equal(t, http.StatusUnauthorized, e.doRaw(req).Code, "replaying a rotated token fails")
}

func TestWrongCredentialsStayOpaque(t *testing.T) {
	e := newTestEnv(t)

	for _, body := range []map[string]string{
		{"username": "alice", "password": "wrong-password"},
		{"username": "nobody", "password": "wrong-password"},
	} {
		w := e.do(http.MethodPost, "/auth/login", "", body)
		require.Equal(t, http.StatusUnauthorized, w.Code)
		var res struct {
			Detail string `json:"detail"`
		}
		decodeBody(t, w, &res)
		assert.Equal(t, "invalid credentials", res.Detail,
			"the response never says which part was wrong")
	}
}

func TestIdempotentCreate(t *testing.T) {
	e := newTestEnv(t)

	send := func() *httptest.ResponseRecorder {
		raw, err := json.Marshal(jobBody(1))
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewReader(raw))
		req.Header.Set("Authorization", "Bearer "+e.access["alice"])
		req.Header.Set("Idempotency-Key", "submit-1a2b3c")
		return e.doRaw(req)
	}

	first := send()
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := send()
	require.Equal(t, http.StatusOK, second.Code, "replay returns the original job")

	var a, b struct {
		ID string `json:"id"`
	}
	decodeBody(t, first, &a)
	decodeBody(t, second, &b)
	assert.Equal(t, a.ID, b.ID)

	jobs, err := e.store.ListJobs(0, state.JobFilter{OwnerID: "alice"})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestVisibilityAndLibrary(t *testing.T) {
	e := newTestEnv(t)

	private := e.createJob("alice", jobBody(1))
	sharedBody := jobBody(2)
	sharedBody["visibility"] = "shared"
	shared := e.createJob("alice", sharedBody)

	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/jobs/"+private, "bob", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/jobs/"+shared, "bob", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/jobs/"+private, "root", nil).Code)

	listEpisodes := func(user, path string) []*common.Job {
		w := e.do(http.MethodGet, path, user, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var res struct {
			Episodes []*common.Job `json:"episodes"`
		}
		decodeBody(t, w, &res)
		return res.Episodes
	}

	assert.Len(t, listEpisodes("alice", "/api/library?series=signal-hill"), 2)
	assert.Len(t, listEpisodes("alice", "/api/library"), 2)
	bobSees := listEpisodes("bob", "/api/library?series=signal-hill")
	require.Len(t, bobSees, 1)
	assert.Equal(t, shared, bobSees[0].ID.String())

	// non-admin listings are always owner-scoped
	w := e.do(http.MethodGet, "/api/jobs", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		Jobs []*common.Job `json:"jobs"`
	}
	decodeBody(t, w, &listed)
	assert.Empty(t, listed.Jobs)

	w = e.do(http.MethodGet, "/api/jobs?owner=alice", "root", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &listed)
	assert.Len(t, listed.Jobs, 2)
}

func TestEventStreamSnapshot(t *testing.T) {
	e := newTestEnv(t)
	id := e.createJob("alice", jobBody(1))
	jobID, err := common.ParseJobID(id)
	require.NoError(t, err)
	require.NoError(t, e.store.MarkJobCanceled(jobID, "canceled in test"))

	w := e.do(http.MethodGet, "/events/jobs/"+id, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "event: progress")
	assert.Contains(t, body, id)

	// the stream is subject to the same visibility rules as the job
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/events/jobs/"+id, "bob", nil).Code)
}

func TestHealthEndpoints(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health struct {
		OK      bool   `json:"ok"`
		Version string `json:"version"`
	}
	decodeBody(t, w, &health)
	assert.True(t, health.OK)
	assert.Equal(t, common.DubplaneVersion, health.Version)

	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/readyz", "", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/metrics", "", nil).Code)
}
