package queue

import (
	"sync"
	"time"

	"github.com/dubplane/dubplane/common"
)

const tms = time.Millisecond

func testConfig() *common.ServiceConfig {
	return &common.ServiceConfig{
		OutputDir:  "/tmp/out",
		StateDir:   "/tmp/state",
		InputDir:   "/tmp/in",
		LogDir:     "/tmp/log",
		ListenAddr: "127.0.0.1:0",

		UploadChunkBytes:  1 << 20,
		CoordinatorPrefix: "test",

		LockTTL:     time.Minute,
		LockRefresh: 20 * time.Second,
		MaxAttempts: 3,
		BaseBackoff: 5 * tms,
		BackoffCap:  20 * tms,

		MinFreeGB:   0,
		WorkerCount: 1,

		DefaultQuota: common.QuotaSnapshot{
			MaxUploadBytes:    10 << 30,
			MaxStorageBytes:   100 << 30,
			JobsPerDay:        25,
			MaxConcurrentJobs: 2,
			MaxQueued:         20,
		},
		HighModeCap:  1,
		GpuAvailable: true,
	}
}

// fakeHooks is an in-memory StateHooks for backend tests.
type fakeHooks struct {
	mu       sync.Mutex
	states   map[common.JobID]common.JobState
	canceled []common.JobID
}

func newFakeHooks() *fakeHooks {
	return &fakeHooks{states: make(map[common.JobID]common.JobState)}
}

func (h *fakeHooks) setState(id common.JobID, st common.JobState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states[id] = st
}

func (h *fakeHooks) GetJobState(id common.JobID) (common.JobState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.states[id]
	return st, ok
}

func (h *fakeHooks) MarkJobCanceled(id common.JobID, message string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states[id] = common.EJobState.Canceled()
	h.canceled = append(h.canceled, id)
	return nil
}

// fakeQuotaStore backs a QuotaEnforcer without a real state store.
type fakeQuotaStore struct {
	mu        sync.Mutex
	overrides map[string]common.QuotaSnapshot
	usedBytes map[string]int64
	jobsToday map[string]int64
}

func newFakeQuotaStore() *fakeQuotaStore {
	return &fakeQuotaStore{
		overrides: make(map[string]common.QuotaSnapshot),
		usedBytes: make(map[string]int64),
		jobsToday: make(map[string]int64),
	}
}

func (s *fakeQuotaStore) GetUserQuota(userID string) (common.QuotaSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overrides[userID], nil
}

func (s *fakeQuotaStore) SumUploadBytes(ownerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedBytes[ownerID], nil
}

func (s *fakeQuotaStore) CountJobsCreatedSince(ownerID string, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobsToday[ownerID], nil
}

func submitParams(userID string, priority int64) SubmitParams {
	return SubmitParams{
		JobID:    common.NewJobID(),
		UserID:   userID,
		UserRole: common.EUserRole.Operator(),
		Mode:     common.EJobMode.Medium(),
		Device:   common.EDevice.Cpu(),
		Priority: priority,
	}
}
