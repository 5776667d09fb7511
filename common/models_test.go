package common

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStateRoundTrip(t *testing.T) {
	a := assert.New(t)

	for _, s := range []JobState{
		EJobState.Queued(), EJobState.Running(), EJobState.Done(),
		EJobState.Failed(), EJobState.Canceled(), EJobState.Paused(),
	} {
		b, err := json.Marshal(s)
		require.NoError(t, err)

		var parsed JobState
		require.NoError(t, json.Unmarshal(b, &parsed))
		a.Equal(s, parsed)
	}

	a.Equal("QUEUED", EJobState.Queued().String())
	a.Equal("CANCELED", EJobState.Canceled().String())

	var s JobState
	require.NoError(t, s.Parse("running"))
	a.Equal(EJobState.Running(), s)
}

func TestJobStateTransitions(t *testing.T) {
	a := assert.New(t)

	a.True(EJobState.Queued().MayTransitionTo(EJobState.Running()))
	a.True(EJobState.Queued().MayTransitionTo(EJobState.Canceled()))
	a.False(EJobState.Queued().MayTransitionTo(EJobState.Done()))
	a.True(EJobState.Running().MayTransitionTo(EJobState.Failed()))

	// terminal states are sticky
	for _, terminal := range []JobState{EJobState.Done(), EJobState.Failed(), EJobState.Canceled()} {
		a.True(terminal.IsTerminal())
		a.False(terminal.MayTransitionTo(EJobState.Queued()))
		a.False(terminal.MayTransitionTo(EJobState.Running()))
	}
}

func TestModeDeviceWireFormat(t *testing.T) {
	a := assert.New(t)

	a.Equal("high", EJobMode.High().String())
	a.Equal("auto", EDevice.Auto().String())
	a.Equal("private", EVisibility.Private().String())

	var m JobMode
	require.NoError(t, m.Parse("MEDIUM"))
	a.Equal(EJobMode.Medium(), m)

	var d Device
	require.Error(t, d.Parse("tpu"))
}

func TestExpectedChunkSize(t *testing.T) {
	a := assert.New(t)

	u := &UploadSession{TotalBytes: 5*1048576 + 123, ChunkBytes: 1048576, TotalChunks: 6}
	for i := 0; i < 5; i++ {
		a.Equal(int64(1048576), u.ExpectedChunkSize(i))
	}
	a.Equal(int64(123), u.ExpectedChunkSize(5))
}

func TestMissingChunks(t *testing.T) {
	u := &UploadSession{
		TotalChunks: 5,
		Received: map[int]ChunkInfo{
			2: {Offset: 2 * 1048576, Size: 1048576},
		},
	}
	assert.Equal(t, []int{0, 1, 3, 4}, u.MissingChunks())
}

func TestQuotaSnapshotMerge(t *testing.T) {
	a := assert.New(t)

	base := QuotaSnapshot{MaxUploadBytes: 100, JobsPerDay: 5, MaxConcurrentJobs: 2, MaxQueued: 10, MaxStorageBytes: 1000}
	merged := base.Merge(QuotaSnapshot{JobsPerDay: 50})
	a.Equal(int64(50), merged.JobsPerDay)
	a.Equal(int64(100), merged.MaxUploadBytes)
	a.Equal(int64(2), merged.MaxConcurrentJobs)
}

func TestSecondsUntilUTCMidnight(t *testing.T) {
	a := assert.New(t)

	now := time.Date(2024, 5, 10, 23, 59, 30, 0, time.UTC)
	a.Equal(int64(30), SecondsUntilUTCMidnight(now))

	// never zero, even right at the boundary
	a.GreaterOrEqual(SecondsUntilUTCMidnight(time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)), int64(1))
}

func TestSanitizeLogMessage(t *testing.T) {
	a := assert.New(t)

	a.NotContains(SanitizeLogMessage("authorization: Bearer abc.def.ghi"), "abc.def.ghi")
	a.NotContains(SanitizeLogMessage("key dp_0123456789abcdef used"), "dp_0123456789abcdef")
	a.Equal("nothing secret here", SanitizeLogMessage("nothing secret here"))
}
