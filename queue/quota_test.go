package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubplane/dubplane/common"
	"github.com/dubplane/dubplane/coord"
)

func newTestEnforcer(co coord.Coordinator) (*QuotaEnforcer, *fakeQuotaStore) {
	store := newFakeQuotaStore()
	q := NewQuotaEnforcer(co, store, "test", testConfig().DefaultQuota)
	return q, store
}

func TestResolveQuotaMergesOverrides(t *testing.T) {
	a := assert.New(t)
	q, store := newTestEnforcer(nil)

	quota := q.ResolveQuota("alice")
	a.Equal(int64(25), quota.JobsPerDay)
	a.False(q.HasOverride("alice"))

	store.overrides["alice"] = common.QuotaSnapshot{JobsPerDay: 100}
	quota = q.ResolveQuota("alice")
	a.Equal(int64(100), quota.JobsPerDay)
	a.Equal(int64(2), quota.MaxConcurrentJobs, "unset override fields keep defaults")
	a.True(q.HasOverride("alice"))
}

// N concurrent reservations with a limit of K grant exactly K.
func TestDailyReservationAtomicity(t *testing.T) {
	q, store := newTestEnforcer(coord.NewMemory())
	store.overrides["alice"] = common.QuotaSnapshot{JobsPerDay: 4}

	const attempts = 20
	var granted, denied int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := q.ReserveDailyJobs("alice", 1)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				qe, ok := err.(*common.QuotaError)
				require.True(t, ok)
				assert.Equal(t, "jobs_per_day_limit", qe.Code)
				assert.Equal(t, int64(4), qe.Limit)
				assert.Positive(t, qe.ResetSeconds)
				denied++
				return
			}
			res.Disarm()
			granted++
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(4), granted)
	assert.Equal(t, int64(attempts-4), denied)
}

func TestDailyReservationRelease(t *testing.T) {
	a := assert.New(t)
	q, store := newTestEnforcer(coord.NewMemory())
	store.overrides["alice"] = common.QuotaSnapshot{JobsPerDay: 1}

	res, err := q.ReserveDailyJobs("alice", 1)
	require.NoError(t, err)

	_, err = q.ReserveDailyJobs("alice", 1)
	a.Error(err)

	res.Release()
	res.Release() // idempotent

	res2, err := q.ReserveDailyJobs("alice", 1)
	require.NoError(t, err, "released units are grantable again")
	res2.Disarm()

	_, err = q.ReserveDailyJobs("alice", 1)
	a.Error(err, "disarmed reservations stay consumed")
}

func TestDailyReservationLocalFallback(t *testing.T) {
	a := assert.New(t)
	q, store := newTestEnforcer(nil) // no coordinator at all
	store.overrides["alice"] = common.QuotaSnapshot{JobsPerDay: 3}
	store.jobsToday["alice"] = 2 // already persisted today

	res, err := q.ReserveDailyJobs("alice", 1)
	require.NoError(t, err)

	_, err = q.ReserveDailyJobs("alice", 1)
	a.Error(err, "persisted jobs count against the local fallback")
	res.Release()
}

func TestStorageReservation(t *testing.T) {
	a := assert.New(t)
	q, store := newTestEnforcer(nil)
	store.overrides["alice"] = common.QuotaSnapshot{MaxStorageBytes: 100}
	store.usedBytes["alice"] = 60

	res, err := q.ReserveStorageBytes("alice", 30)
	require.NoError(t, err)

	_, err = q.ReserveStorageBytes("alice", 20)
	require.Error(t, err, "pending bytes count against the budget")
	qe, ok := err.(*common.QuotaError)
	require.True(t, ok)
	a.Equal("storage_limit", qe.Code)
	a.Equal(int64(10), qe.Remaining)

	res.Release()
	res2, err := q.ReserveStorageBytes("alice", 40)
	require.NoError(t, err)
	res2.Release()
}

func TestUploadByteChecks(t *testing.T) {
	a := assert.New(t)
	q, store := newTestEnforcer(nil)
	store.overrides["alice"] = common.QuotaSnapshot{MaxUploadBytes: 1000}

	a.NoError(q.RequireUploadBytes("alice", 1000))
	err := q.RequireUploadBytes("alice", 1001)
	require.Error(t, err)
	apiErr, ok := common.AsAPIError(err)
	require.True(t, ok)
	a.Equal(413, apiErr.Status)

	a.NoError(q.RequireUploadProgress("alice", 500))
}

func TestConcurrentJobsCheck(t *testing.T) {
	a := assert.New(t)
	q, store := newTestEnforcer(nil)
	store.overrides["alice"] = common.QuotaSnapshot{MaxConcurrentJobs: 2}

	a.NoError(q.RequireConcurrentJobs("alice", 1))
	a.Error(q.RequireConcurrentJobs("alice", 2))
}
