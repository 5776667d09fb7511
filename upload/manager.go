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

// Package upload implements resumable chunked uploads: init / chunk /
// complete / resume / status over a staging directory, with checksum
// verification, chunk-level idempotency and crash-safe finalization.
package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/dubplane/dubplane/common"
	"github.com/dubplane/dubplane/queue"
)

const (
	minChunkBytes = 256 << 10 // 256 KiB
	maxChunkBytes = 20 << 20  // 20 MiB

	partSuffix = ".part"
)

// The per-user and per-IP chunk rates only exist to keep a single client
// from monopolizing the disk; they are generous.
const (
	defaultUserChunkRate  = rate.Limit(20)
	defaultUserChunkBurst = 40
	defaultIPChunkRate    = rate.Limit(50)
	defaultIPChunkBurst   = 100
)

var allowedExtensions = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".mov":  true,
	".webm": true,
	".avi":  true,
	".m4v":  true,
}

var allowedMimeTypes = map[string]bool{
	"video/mp4":                true,
	"video/x-matroska":         true,
	"video/quicktime":          true,
	"video/webm":               true,
	"video/x-msvideo":          true,
	"application/octet-stream": true,
}

// SessionStore is the state-store surface the manager persists through.
type SessionStore interface {
	PutUpload(rec *common.UploadSession) error
	GetUpload(id string) (*common.UploadSession, error)
	UpdateUpload(id string, mutate func(*common.UploadSession) error) (*common.UploadSession, error)
	DeleteUpload(id string) error
}

// QuotaGuard is the quota surface uploads consult. Satisfied by
// *queue.QuotaEnforcer.
type QuotaGuard interface {
	RequireUploadBytes(userID string, total int64) error
	RequireUploadProgress(userID string, written int64) error
	ReserveStorageBytes(userID string, n int64) (*queue.Reservation, error)
}

// MediaValidator probes a finalized file before it becomes a job input.
// The pipeline side owns the actual probing; nil skips validation.
type MediaValidator interface {
	Validate(path string) error
}

// Encryptor produces an encrypted sibling of src and returns its path.
// Nil leaves uploads in plaintext.
type Encryptor interface {
	EncryptFile(src string) (string, error)
}

// ChunkResult is the response body of a chunk upload.
type ChunkResult struct {
	ReceivedBytes int64 `json:"received_bytes"`
	Dedup         bool  `json:"dedup,omitempty"`
}

// Status is the response body of the status endpoint.
type Status struct {
	State             string `json:"state"` // init | in_progress | completed
	BytesReceived     int64  `json:"bytes_received"`
	NextExpectedChunk int    `json:"next_expected_chunk"` // -1 when none
}

// Manager owns the upload session state machine. Sessions are independent
// of each other; within one session a lock serializes chunk writes and
// completion.
type Manager struct {
	store     SessionStore
	quota     QuotaGuard
	cfg       *common.ServiceConfig
	logger    common.ILogger
	validator MediaValidator
	encryptor Encryptor

	// UserChunkLimit / IPChunkLimit may be replaced before first use.
	UserChunkLimit rate.Limit
	UserChunkBurst int
	IPChunkLimit   rate.Limit
	IPChunkBurst   int

	mu           sync.Mutex
	sessionLocks map[string]*sync.Mutex
	userLimiters map[string]*rate.Limiter
	ipLimiters   map[string]*rate.Limiter
}

func NewManager(store SessionStore, quota QuotaGuard, cfg *common.ServiceConfig, logger common.ILogger, validator MediaValidator, encryptor Encryptor) *Manager {
	return &Manager{
		store:          store,
		quota:          quota,
		cfg:            cfg,
		logger:         logger,
		validator:      validator,
		encryptor:      encryptor,
		UserChunkLimit: defaultUserChunkRate,
		UserChunkBurst: defaultUserChunkBurst,
		IPChunkLimit:   defaultIPChunkRate,
		IPChunkBurst:   defaultIPChunkBurst,
		sessionLocks:   make(map[string]*sync.Mutex),
		userLimiters:   make(map[string]*rate.Limiter),
		ipLimiters:     make(map[string]*rate.Limiter),
	}
}

// Init validates the declared upload, reserves quota and persists a fresh
// session with no received chunks.
func (m *Manager) Init(userID, filename string, totalBytes int64, mimeType, expectedSha256 string) (*common.UploadSession, error) {
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." || filename == ".." {
		return nil, common.NewValidationError("filename", "filename is required")
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		return nil, common.NewValidationError("filename", fmt.Sprintf("extension %q is not an accepted video format", ext))
	}
	if mimeType != "" {
		parsed, _, err := mime.ParseMediaType(mimeType)
		if err != nil || !allowedMimeTypes[parsed] {
			return nil, common.NewValidationError("mime", fmt.Sprintf("mime type %q is not accepted", mimeType))
		}
	}
	if totalBytes <= 0 {
		return nil, common.NewValidationError("total_bytes", "total_bytes must be positive")
	}
	if expectedSha256 != "" && !isHexSha256(expectedSha256) {
		return nil, common.NewValidationError("expected_sha256", "expected_sha256 must be 64 lowercase hex characters")
	}
	if err := m.quota.RequireUploadBytes(userID, totalBytes); err != nil {
		return nil, err
	}
	res, err := m.quota.ReserveStorageBytes(userID, totalBytes)
	if err != nil {
		return nil, err
	}
	// the reservation covers the window until the record persists; once
	// stored, SumUploadBytes carries the session at its declared total
	defer res.Release()

	chunkBytes := clampChunkBytes(m.cfg.UploadChunkBytes)
	id := uuid.NewString()
	staging := m.cfg.UploadStagingDir()
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, err
	}
	session := &common.UploadSession{
		ID:             id,
		OwnerID:        userID,
		Filename:       filename,
		TotalBytes:     totalBytes,
		ChunkBytes:     chunkBytes,
		TotalChunks:    int(math.Ceil(float64(totalBytes) / float64(chunkBytes))),
		PartPath:       filepath.Join(staging, id+partSuffix),
		FinalPath:      filepath.Join(staging, id+"_"+filename),
		Received:       make(map[int]common.ChunkInfo),
		ExpectedSha256: strings.ToLower(expectedSha256),
	}
	if err := m.store.PutUpload(session); err != nil {
		return nil, err
	}
	common.AuditEvent(m.logger, "upload.init", map[string]interface{}{
		"upload_id": id, "user_id": userID, "total_bytes": totalBytes, "chunks": session.TotalChunks,
	})
	return session, nil
}

// Chunk verifies and writes one chunk. Re-sending a chunk that matches the
// recorded index+offset+size+hash is a no-op dedup; any disagreement with
// the record is a conflict.
func (m *Manager) Chunk(userID, remoteIP, uploadID string, index int, offset int64, body io.Reader, chunkSha256 string) (*ChunkResult, error) {
	if err := m.allowChunk(userID, remoteIP); err != nil {
		return nil, err
	}
	session, err := m.ownedSession(userID, uploadID)
	if err != nil {
		return nil, err
	}
	if session.Completed {
		return nil, common.NewConflictError("upload_completed", "upload is already completed")
	}
	if index < 0 || index >= session.TotalChunks {
		return nil, common.NewRangeError(fmt.Sprintf("chunk index %d is out of range [0,%d)", index, session.TotalChunks))
	}
	if want := int64(index) * session.ChunkBytes; offset != want {
		return nil, common.NewRangeError(fmt.Sprintf("chunk %d must start at offset %d, got %d", index, want, offset))
	}
	chunkSha256 = strings.ToLower(chunkSha256)
	if !isHexSha256(chunkSha256) {
		return nil, common.NewValidationError("chunk_sha256", "X-Chunk-Sha256 must be 64 lowercase hex characters")
	}

	wantSize := session.ExpectedChunkSize(index)
	data, err := io.ReadAll(io.LimitReader(body, wantSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != wantSize {
		return nil, common.NewRangeError(fmt.Sprintf("chunk %d must be %d bytes, got %d", index, wantSize, len(data)))
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != chunkSha256 {
		return nil, common.NewIntegrityError("chunk body does not match X-Chunk-Sha256")
	}

	lock := m.sessionLock(uploadID)
	lock.Lock()
	defer lock.Unlock()

	// re-read under the lock; a parallel upload of the same chunk may have
	// landed between the ownership check and here
	session, err = m.store.GetUpload(uploadID)
	if err != nil {
		return nil, common.NewNotFoundError("upload")
	}
	if prev, ok := session.Received[index]; ok {
		if prev.Sha256 == chunkSha256 && prev.Size == wantSize && prev.Offset == offset {
			return &ChunkResult{ReceivedBytes: session.ReceivedBytes, Dedup: true}, nil
		}
		return nil, common.NewConflictError("chunk_mismatch",
			fmt.Sprintf("chunk %d was already uploaded with different content", index))
	}
	if err := m.quota.RequireUploadProgress(userID, session.ReceivedBytes+wantSize); err != nil {
		return nil, err
	}

	if err := writeAt(session.PartPath, offset, data); err != nil {
		return nil, err
	}
	updated, err := m.store.UpdateUpload(uploadID, func(rec *common.UploadSession) error {
		if rec.Received == nil {
			rec.Received = make(map[int]common.ChunkInfo)
		}
		rec.Received[index] = common.ChunkInfo{Offset: offset, Size: wantSize, Sha256: chunkSha256}
		rec.ReceivedBytes += wantSize
		return nil
	})
	if err != nil {
		return nil, err
	}
	metricBytesReceived.Add(float64(wantSize))
	common.AuditEvent(m.logger, "upload.chunk", map[string]interface{}{
		"upload_id": uploadID, "user_id": userID, "index": index, "size": wantSize,
	})
	return &ChunkResult{ReceivedBytes: updated.ReceivedBytes}, nil
}

// Complete finalizes the session: all chunks present, on-disk size and
// hash agree, media validation passes, then an atomic rename. Completing
// an already-completed session is idempotent.
func (m *Manager) Complete(userID, uploadID, finalSha256 string) (*common.UploadSession, error) {
	session, err := m.ownedSession(userID, uploadID)
	if err != nil {
		return nil, err
	}
	if session.Completed {
		return session, nil
	}
	finalSha256 = strings.ToLower(finalSha256)
	if finalSha256 != "" && !isHexSha256(finalSha256) {
		return nil, common.NewValidationError("final_sha256", "final_sha256 must be 64 lowercase hex characters")
	}

	lock := m.sessionLock(uploadID)
	lock.Lock()
	defer lock.Unlock()

	session, err = m.store.GetUpload(uploadID)
	if err != nil {
		return nil, common.NewNotFoundError("upload")
	}
	if session.Completed {
		return session, nil
	}
	if missing := session.MissingChunks(); len(missing) > 0 {
		return nil, common.NewConflictError("missing_chunks",
			fmt.Sprintf("%d chunks are still missing, starting at %d", len(missing), missing[0]))
	}
	info, err := os.Stat(session.PartPath)
	if err != nil {
		m.rejectStaged(userID, session, "staged upload file is missing")
		return nil, common.NewIntegrityError("staged upload file is missing")
	}
	if info.Size() != session.TotalBytes {
		m.rejectStaged(userID, session, "staged file size mismatch")
		return nil, common.NewIntegrityError(
			fmt.Sprintf("staged file is %d bytes, expected %d", info.Size(), session.TotalBytes))
	}
	diskSha, err := hashFile(session.PartPath)
	if err != nil {
		return nil, err
	}
	if finalSha256 != "" && diskSha != finalSha256 {
		m.rejectStaged(userID, session, "final hash mismatch")
		return nil, common.NewIntegrityError("file hash does not match final_sha256")
	}
	if session.ExpectedSha256 != "" && diskSha != session.ExpectedSha256 {
		m.rejectStaged(userID, session, "declared hash mismatch")
		return nil, common.NewIntegrityError("file hash does not match the hash declared at init")
	}

	if m.validator != nil {
		if verr := m.validator.Validate(session.PartPath); verr != nil {
			m.rejectStaged(userID, session, verr.Error())
			return nil, common.NewValidationError("media", verr.Error())
		}
	}

	encrypted := false
	stagedPath := session.PartPath
	if m.encryptor != nil {
		encPath, eerr := m.encryptor.EncryptFile(session.PartPath)
		if eerr != nil {
			return nil, eerr
		}
		_ = os.Remove(session.PartPath)
		stagedPath = encPath
		encrypted = true
	}
	if err := os.Rename(stagedPath, session.FinalPath); err != nil {
		return nil, err
	}

	updated, err := m.store.UpdateUpload(uploadID, func(rec *common.UploadSession) error {
		rec.Completed = true
		rec.Encrypted = encrypted
		rec.FinalSha256 = diskSha
		return nil
	})
	if err != nil {
		return nil, err
	}
	metricSessionsCompleted.Inc()
	common.AuditEvent(m.logger, "upload.complete", map[string]interface{}{
		"upload_id": uploadID, "user_id": userID, "final_path": updated.FinalPath, "sha256": diskSha,
	})
	return updated, nil
}

// rejectStaged discards the staged bytes and clears the chunk record so
// the client can restart the upload from chunk zero. Without the reset a
// retransmission of the right bytes would hit the dedup path and never
// rewrite the corrupt disk content.
func (m *Manager) rejectStaged(userID string, session *common.UploadSession, reason string) {
	_ = os.Remove(session.PartPath)
	_, _ = m.store.UpdateUpload(session.ID, func(rec *common.UploadSession) error {
		rec.Received = make(map[int]common.ChunkInfo)
		rec.ReceivedBytes = 0
		return nil
	})
	common.AuditEvent(m.logger, "upload.rejected", map[string]interface{}{
		"upload_id": session.ID, "user_id": userID, "reason": reason,
	})
}

// Resume returns the chunk indices still missing, in ascending order.
func (m *Manager) Resume(userID, uploadID string) ([]int, error) {
	session, err := m.ownedSession(userID, uploadID)
	if err != nil {
		return nil, err
	}
	missing := session.MissingChunks()
	sort.Ints(missing)
	return missing, nil
}

func (m *Manager) Status(userID, uploadID string) (*Status, error) {
	session, err := m.ownedSession(userID, uploadID)
	if err != nil {
		return nil, err
	}
	st := &Status{BytesReceived: session.ReceivedBytes, NextExpectedChunk: -1}
	switch {
	case session.Completed:
		st.State = "completed"
	case len(session.Received) == 0:
		st.State = "init"
	default:
		st.State = "in_progress"
	}
	if !session.Completed {
		if missing := session.MissingChunks(); len(missing) > 0 {
			st.NextExpectedChunk = missing[0]
		}
	}
	return st, nil
}

// ownedSession loads the session and hides other users' sessions behind a
// 404 so ids cannot be probed.
func (m *Manager) ownedSession(userID, uploadID string) (*common.UploadSession, error) {
	session, err := m.store.GetUpload(uploadID)
	if err != nil || session.OwnerID != userID {
		return nil, common.NewNotFoundError("upload")
	}
	return session, nil
}

func (m *Manager) sessionLock(uploadID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.sessionLocks[uploadID]
	if !ok {
		lock = &sync.Mutex{}
		m.sessionLocks[uploadID] = lock
	}
	return lock
}

func (m *Manager) allowChunk(userID, remoteIP string) error {
	m.mu.Lock()
	userLim, ok := m.userLimiters[userID]
	if !ok {
		userLim = rate.NewLimiter(m.UserChunkLimit, m.UserChunkBurst)
		m.userLimiters[userID] = userLim
	}
	ipLim, ok := m.ipLimiters[remoteIP]
	if !ok {
		ipLim = rate.NewLimiter(m.IPChunkLimit, m.IPChunkBurst)
		m.ipLimiters[remoteIP] = ipLim
	}
	m.mu.Unlock()
	if !userLim.Allow() || !ipLim.Allow() {
		return common.NewQuotaError("rate_limit", int64(m.UserChunkBurst), 0, 1)
	}
	return nil
}

func clampChunkBytes(n int64) int64 {
	if n < minChunkBytes {
		return minChunkBytes
	}
	if n > maxChunkBytes {
		return maxChunkBytes
	}
	return n
}

func isHexSha256(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func writeAt(path string, offset int64, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return err
	}
	return f.Sync()
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
