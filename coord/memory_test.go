package coord

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetNXAndCompareAndDelete(t *testing.T) {
	a := assert.New(t)
	c := NewMemory()

	ok, err := c.SetNX("lock", "token-1", time.Minute)
	require.NoError(t, err)
	a.True(ok)

	ok, err = c.SetNX("lock", "token-2", time.Minute)
	require.NoError(t, err)
	a.False(ok, "second acquirer must not win")

	// wrong token neither deletes nor refreshes
	ok, err = c.CompareAndDelete("lock", "token-2")
	require.NoError(t, err)
	a.False(ok)
	ok, err = c.CompareAndExpire("lock", "token-2", time.Minute)
	require.NoError(t, err)
	a.False(ok)

	ok, err = c.CompareAndDelete("lock", "token-1")
	require.NoError(t, err)
	a.True(ok)

	ok, err = c.SetNX("lock", "token-2", time.Minute)
	require.NoError(t, err)
	a.True(ok)
}

func TestKeyExpiry(t *testing.T) {
	a := assert.New(t)
	c := NewMemory()

	require.NoError(t, c.Set("k", "v", 10*time.Millisecond))
	_, found, err := c.Get("k")
	require.NoError(t, err)
	a.True(found)

	time.Sleep(25 * time.Millisecond)
	_, found, err = c.Get("k")
	require.NoError(t, err)
	a.False(found, "expired key must read as absent")

	ok, err := c.SetNX("k", "v2", 0)
	require.NoError(t, err)
	a.True(ok, "expired key must be reacquirable")
}

func TestZTopAndZDueOrdering(t *testing.T) {
	a := assert.New(t)
	c := NewMemory()

	require.NoError(t, c.ZAdd("pending", 1, "low"))
	require.NoError(t, c.ZAdd("pending", 9, "high"))
	require.NoError(t, c.ZAdd("pending", 5, "mid"))

	top, err := c.ZTop("pending", 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	a.Equal("high", top[0].Member)
	a.Equal("mid", top[1].Member)

	due, err := c.ZDue("pending", 5, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	a.Equal("low", due[0].Member)
	a.Equal("mid", due[1].Member)
}

func TestClaimTopTakesHighestAndLocks(t *testing.T) {
	a := assert.New(t)
	c := NewMemory()

	require.NoError(t, c.ZAdd("pending", 1, "job-a"))
	require.NoError(t, c.ZAdd("pending", 2, "job-b"))

	member, ok, err := c.ClaimTop("pending", "job:", ":lock", "tok-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	a.Equal("job-b", member)

	// claimed member left the pending set and its lock is held
	_, found, err := c.ZScore("pending", "job-b")
	require.NoError(t, err)
	a.False(found)
	v, found, err := c.Get("job:job-b:lock")
	require.NoError(t, err)
	require.True(t, found)
	a.Equal("tok-1", v)

	member, ok, err = c.ClaimTop("pending", "job:", ":lock", "tok-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	a.Equal("job-a", member)

	_, ok, err = c.ClaimTop("pending", "job:", ":lock", "tok-3", time.Minute)
	require.NoError(t, err)
	a.False(ok, "empty pending set claims nothing")
}

func TestClaimTopHeldLockStaysPending(t *testing.T) {
	a := assert.New(t)
	c := NewMemory()

	require.NoError(t, c.ZAdd("pending", 1, "job-a"))
	ok, err := c.SetNX("job:job-a:lock", "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = c.ClaimTop("pending", "job:", ":lock", "tok", time.Minute)
	require.NoError(t, err)
	a.False(ok)

	score, found, err := c.ZScore("pending", "job-a")
	require.NoError(t, err)
	a.True(found, "unclaimable member must remain pending")
	a.Equal(float64(1), score)
}

// Many workers race for the same pending set; every job must be claimed by
// exactly one of them.
func TestClaimTopMutualExclusion(t *testing.T) {
	c := NewMemory()

	const jobs = 50
	for i := 0; i < jobs; i++ {
		require.NoError(t, c.ZAdd("pending", float64(i), fmt.Sprintf("job-%03d", i)))
	}

	var mu sync.Mutex
	claimed := make(map[string]int)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			token := fmt.Sprintf("worker-%d", worker)
			for {
				member, ok, err := c.ClaimTop("pending", "job:", ":lock", token, time.Minute)
				if err != nil || !ok {
					return
				}
				mu.Lock()
				claimed[member]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, claimed, jobs)
	for member, n := range claimed {
		assert.Equal(t, 1, n, "member %s claimed more than once", member)
	}
}

func TestIncrWithLimit(t *testing.T) {
	a := assert.New(t)
	c := NewMemory()

	ok, current, err := c.IncrWithLimit("quota", 2, 3, time.Minute)
	require.NoError(t, err)
	a.True(ok)
	a.Equal(int64(2), current)

	ok, current, err = c.IncrWithLimit("quota", 2, 3, time.Minute)
	require.NoError(t, err)
	a.False(ok, "reservation past the limit must fail")
	a.Equal(int64(2), current, "failed reservation must not move the counter")

	ok, current, err = c.IncrWithLimit("quota", 1, 3, time.Minute)
	require.NoError(t, err)
	a.True(ok)
	a.Equal(int64(3), current)

	require.NoError(t, c.DecrBy("quota", 1))
	ok, _, err = c.IncrWithLimit("quota", 1, 3, time.Minute)
	require.NoError(t, err)
	a.True(ok, "released units must be reusable")
}

// Concurrent reservations against one counter never overshoot the limit.
func TestIncrWithLimitNeverOvershoots(t *testing.T) {
	c := NewMemory()

	const limit = 10
	var granted int64
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := c.IncrWithLimit("quota", 1, limit, time.Minute)
			require.NoError(t, err)
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), granted)
	_, current, err := c.IncrWithLimit("quota", 1, limit, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(limit), current)
}

func TestHashAndListOps(t *testing.T) {
	a := assert.New(t)
	c := NewMemory()

	require.NoError(t, c.HSet("meta", map[string]string{"owner": "alice", "mode": "high"}))
	require.NoError(t, c.HSet("meta", map[string]string{"mode": "low"}))
	fields, err := c.HGetAll("meta")
	require.NoError(t, err)
	a.Equal("alice", fields["owner"])
	a.Equal("low", fields["mode"])

	require.NoError(t, c.LPush("dlq", "first"))
	require.NoError(t, c.LPush("dlq", "second"))
	entries, err := c.LRange("dlq", 0, -1)
	require.NoError(t, err)
	a.Equal([]string{"second", "first"}, entries)

	members, err := c.SMembers("running")
	require.NoError(t, err)
	a.Empty(members)
	require.NoError(t, c.SAdd("running", "job-a"))
	require.NoError(t, c.SAdd("running", "job-b"))
	n, err := c.SCard("running")
	require.NoError(t, err)
	a.Equal(int64(2), n)
	require.NoError(t, c.SRem("running", "job-a"))
	members, err = c.SMembers("running")
	require.NoError(t, err)
	a.Equal([]string{"job-b"}, members)
}
