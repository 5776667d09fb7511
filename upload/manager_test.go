package upload

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubplane/dubplane/common"
	"github.com/dubplane/dubplane/queue"
	"github.com/dubplane/dubplane/state"
)

const testChunkBytes = minChunkBytes // the clamp floor

func newTestManager(t *testing.T) (*Manager, *state.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := state.Open(dir, common.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := &common.ServiceConfig{
		InputDir:         dir,
		OutputDir:        dir,
		UploadChunkBytes: testChunkBytes,
		DefaultQuota: common.QuotaSnapshot{
			MaxUploadBytes:  1 << 30,
			MaxStorageBytes: 10 << 30,
		},
	}
	quota := queue.NewQuotaEnforcer(nil, store, "test", cfg.DefaultQuota)
	return NewManager(store, quota, cfg, common.NopLogger{}, nil, nil), store
}

// chunkData returns deterministic bytes for chunk index with its hex hash.
func chunkData(index int, size int64) ([]byte, string) {
	data := bytes.Repeat([]byte{byte('a' + index%26)}, int(size))
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:])
}

func initSession(t *testing.T, m *Manager, user string, chunks float64) *common.UploadSession {
	t.Helper()
	total := int64(chunks * float64(testChunkBytes))
	session, err := m.Init(user, "episode.mp4", total, "video/mp4", "")
	require.NoError(t, err)
	return session
}

func sendChunk(t *testing.T, m *Manager, s *common.UploadSession, index int) *ChunkResult {
	t.Helper()
	size := s.ExpectedChunkSize(index)
	data, sum := chunkData(index, size)
	res, err := m.Chunk(s.OwnerID, "10.0.0.1", s.ID, index, int64(index)*s.ChunkBytes, bytes.NewReader(data), sum)
	require.NoError(t, err)
	return res
}

func TestInitValidation(t *testing.T) {
	m, store := newTestManager(t)

	_, err := m.Init("alice", "notes.txt", 100, "", "")
	requireStatus(t, err, 400)

	_, err = m.Init("alice", "movie.mp4", 100, "text/plain", "")
	requireStatus(t, err, 400)

	_, err = m.Init("alice", "movie.mp4", 0, "video/mp4", "")
	requireStatus(t, err, 400)

	_, err = m.Init("alice", "../escape.mp4", testChunkBytes, "video/mp4", "")
	require.NoError(t, err, "path components are stripped, the base name is valid")

	_, err = store.UpsertUserQuota("bob", func(q *common.QuotaSnapshot) { q.MaxUploadBytes = 50 })
	require.NoError(t, err)
	_, err = m.Init("bob", "movie.mp4", 100, "video/mp4", "")
	requireStatus(t, err, 413)
}

func TestInitShapesSession(t *testing.T) {
	a := assert.New(t)
	m, _ := newTestManager(t)

	s := initSession(t, m, "alice", 2.5)
	a.Equal(int64(testChunkBytes), s.ChunkBytes)
	a.Equal(3, s.TotalChunks)
	a.Equal(int64(testChunkBytes)/2, s.ExpectedChunkSize(2), "the last chunk carries the remainder")
	a.Empty(s.Received)
	a.False(s.Completed)
}

func TestChunkDedupAndMismatch(t *testing.T) {
	a := assert.New(t)
	m, _ := newTestManager(t)
	s := initSession(t, m, "alice", 3)

	res := sendChunk(t, m, s, 0)
	a.Equal(int64(testChunkBytes), res.ReceivedBytes)
	a.False(res.Dedup)

	// identical retransmission is accepted without growing the session
	res = sendChunk(t, m, s, 0)
	a.True(res.Dedup)
	a.Equal(int64(testChunkBytes), res.ReceivedBytes)

	// same index, different bytes
	data, sum := chunkData(9, testChunkBytes)
	_, err := m.Chunk("alice", "10.0.0.1", s.ID, 0, 0, bytes.NewReader(data), sum)
	requireStatus(t, err, 409)
}

func TestChunkRangeAndIntegrityChecks(t *testing.T) {
	m, _ := newTestManager(t)
	s := initSession(t, m, "alice", 3)
	data, sum := chunkData(1, testChunkBytes)

	_, err := m.Chunk("alice", "10.0.0.1", s.ID, 1, 0, bytes.NewReader(data), sum)
	requireStatus(t, err, 416) // offset must be index*chunk_bytes

	_, err = m.Chunk("alice", "10.0.0.1", s.ID, 7, 7*testChunkBytes, bytes.NewReader(data), sum)
	requireStatus(t, err, 416) // index out of range

	short, shortSum := chunkData(1, 10)
	_, err = m.Chunk("alice", "10.0.0.1", s.ID, 1, testChunkBytes, bytes.NewReader(short), shortSum)
	requireStatus(t, err, 416) // undersized body

	other, _ := chunkData(2, testChunkBytes)
	_, err = m.Chunk("alice", "10.0.0.1", s.ID, 1, testChunkBytes, bytes.NewReader(other), sum)
	requireStatus(t, err, 400) // body does not hash to the declared sum
}

func TestResumeReportsMissing(t *testing.T) {
	a := assert.New(t)
	m, _ := newTestManager(t)
	s := initSession(t, m, "alice", 5)

	sendChunk(t, m, s, 0)
	sendChunk(t, m, s, 2)

	missing, err := m.Resume("alice", s.ID)
	require.NoError(t, err)
	a.Equal([]int{1, 3, 4}, missing)

	st, err := m.Status("alice", s.ID)
	require.NoError(t, err)
	a.Equal("in_progress", st.State)
	a.Equal(1, st.NextExpectedChunk)
	a.Equal(int64(2*testChunkBytes), st.BytesReceived)
}

func TestCompleteHappyPath(t *testing.T) {
	a := assert.New(t)
	m, _ := newTestManager(t)
	s := initSession(t, m, "alice", 2)

	var whole []byte
	for i := 0; i < s.TotalChunks; i++ {
		data, _ := chunkData(i, s.ExpectedChunkSize(i))
		whole = append(whole, data...)
		sendChunk(t, m, s, i)
	}
	wholeSum := sha256.Sum256(whole)

	done, err := m.Complete("alice", s.ID, hex.EncodeToString(wholeSum[:]))
	require.NoError(t, err)
	a.True(done.Completed)
	a.Equal(hex.EncodeToString(wholeSum[:]), done.FinalSha256)

	onDisk, err := os.ReadFile(done.FinalPath)
	require.NoError(t, err)
	a.Equal(whole, onDisk)
	_, err = os.Stat(s.PartPath)
	a.True(os.IsNotExist(err), "the staging file is renamed away")

	again, err := m.Complete("alice", s.ID, "")
	require.NoError(t, err, "completion is idempotent")
	a.True(again.Completed)

	// completed sessions accept no more chunks
	data, sum := chunkData(0, s.ExpectedChunkSize(0))
	_, err = m.Chunk("alice", "10.0.0.1", s.ID, 0, 0, bytes.NewReader(data), sum)
	requireStatus(t, err, 409)
}

func TestCompleteRefusesMissingChunks(t *testing.T) {
	m, _ := newTestManager(t)
	s := initSession(t, m, "alice", 3)
	sendChunk(t, m, s, 0)

	_, err := m.Complete("alice", s.ID, "")
	requireStatus(t, err, 409)
}

func TestCompleteHashMismatch(t *testing.T) {
	a := assert.New(t)
	m, store := newTestManager(t)
	s := initSession(t, m, "alice", 1)
	sendChunk(t, m, s, 0)

	wrong := sha256.Sum256([]byte("not the file"))
	_, err := m.Complete("alice", s.ID, hex.EncodeToString(wrong[:]))
	requireStatus(t, err, 400)

	_, err = os.Stat(s.PartPath)
	a.True(os.IsNotExist(err), "the rejected staging file is deleted")
	rec, err := store.GetUpload(s.ID)
	require.NoError(t, err)
	a.Empty(rec.Received, "chunks are re-uploadable after the failure")
	a.Zero(rec.ReceivedBytes)
	a.False(rec.Completed)
}

// A session whose staged bytes went bad on disk must be restartable: the
// failed Complete throws the file away, the retried chunk rewrites it
// instead of deduping, and the next Complete succeeds.
func TestCompleteIntegrityFailureResetsSession(t *testing.T) {
	a := assert.New(t)
	m, _ := newTestManager(t)
	s := initSession(t, m, "alice", 1)
	sendChunk(t, m, s, 0)

	data, _ := chunkData(0, testChunkBytes)
	sum := sha256.Sum256(data)
	declared := hex.EncodeToString(sum[:])

	// flip the first byte after the chunk hash was verified
	corrupt := append([]byte{'x'}, data[1:]...)
	require.NoError(t, os.WriteFile(s.PartPath, corrupt, 0o644))

	_, err := m.Complete("alice", s.ID, declared)
	requireStatus(t, err, 400)
	_, err = os.Stat(s.PartPath)
	a.True(os.IsNotExist(err), "the corrupt staging file is deleted")

	res := sendChunk(t, m, s, 0)
	a.False(res.Dedup, "the retried chunk rewrites the bytes")

	done, err := m.Complete("alice", s.ID, declared)
	require.NoError(t, err)
	a.True(done.Completed)
	onDisk, err := os.ReadFile(done.FinalPath)
	require.NoError(t, err)
	a.Equal(data, onDisk)
}

type rejectingValidator struct{}

func (rejectingValidator) Validate(string) error { return errors.New("no video stream found") }

func TestMediaValidationFailureResetsSession(t *testing.T) {
	a := assert.New(t)
	m, store := newTestManager(t)
	m.validator = rejectingValidator{}
	s := initSession(t, m, "alice", 1)
	sendChunk(t, m, s, 0)

	_, err := m.Complete("alice", s.ID, "")
	requireStatus(t, err, 400)

	_, err = os.Stat(s.PartPath)
	a.True(os.IsNotExist(err), "the rejected staging file is deleted")
	rec, err := store.GetUpload(s.ID)
	require.NoError(t, err)
	a.Empty(rec.Received, "chunks are re-uploadable after rejection")
	a.Zero(rec.ReceivedBytes)
	a.False(rec.Completed)
}

// The storage budget counts open sessions at their declared totals, so
// repeated inits cannot commit more bytes than the limit allows.
func TestStorageBudgetCountsDeclaredBytes(t *testing.T) {
	a := assert.New(t)
	m, store := newTestManager(t)
	_, err := store.UpsertUserQuota("carol", func(q *common.QuotaSnapshot) {
		q.MaxStorageBytes = testChunkBytes * 3 / 2
	})
	require.NoError(t, err)

	s := initSession(t, m, "carol", 1)
	_, err = m.Init("carol", "second.mp4", testChunkBytes, "video/mp4", "")
	requireStatus(t, err, 429)

	// other users keep their own budget
	initSession(t, m, "alice", 1)

	// the denied bytes free up once the first session is gone
	require.NoError(t, store.DeleteUpload(s.ID))
	_, err = m.Init("carol", "second.mp4", testChunkBytes, "video/mp4", "")
	a.NoError(err)
}

func TestChunkRateLimit(t *testing.T) {
	m, _ := newTestManager(t)
	m.UserChunkLimit = 0
	m.UserChunkBurst = 1
	s := initSession(t, m, "alice", 3)

	sendChunk(t, m, s, 0)
	data, sum := chunkData(1, testChunkBytes)
	_, err := m.Chunk("alice", "10.0.0.1", s.ID, 1, testChunkBytes, bytes.NewReader(data), sum)
	requireStatus(t, err, 429)
}

func TestSessionsAreOwnerScoped(t *testing.T) {
	m, _ := newTestManager(t)
	s := initSession(t, m, "alice", 1)

	_, err := m.Status("mallory", s.ID)
	requireStatus(t, err, 404)
	_, err = m.Resume("mallory", s.ID)
	requireStatus(t, err, 404)
	_, err = m.Complete("mallory", s.ID, "")
	requireStatus(t, err, 404)
}

func requireStatus(t *testing.T, err error, status int) {
	t.Helper()
	require.Error(t, err)
	apiErr, ok := common.AsAPIError(err)
	require.True(t, ok, "expected an API error, got %v", err)
	require.Equal(t, status, apiErr.Status, "unexpected status for %v", err)
}
