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
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/dubplane/dubplane/common"
)

type uploadInitRequest struct {
	Filename       string `json:"filename"`
	TotalBytes     int64  `json:"total_bytes"`
	Mime           string `json:"mime,omitempty"`
	ExpectedSha256 string `json:"expected_sha256,omitempty"`
}

type uploadInitResponse struct {
	UploadID    string `json:"upload_id"`
	ChunkBytes  int64  `json:"chunk_bytes"`
	TotalChunks int    `json:"total_chunks"`
}

func (s *Server) handleUploadInit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.lcm.IsDraining() {
		writeError(w, s.logger, common.NewDrainingError(s.retryAfterSeconds()))
		return
	}
	var req uploadInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, common.NewValidationError("body", "malformed JSON body"))
		return
	}
	id := identityFrom(r)
	session, err := s.uploads.Init(id.Username, req.Filename, req.TotalBytes, req.Mime, req.ExpectedSha256)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, uploadInitResponse{
		UploadID:    session.ID,
		ChunkBytes:  session.ChunkBytes,
		TotalChunks: session.TotalChunks,
	})
}

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := identityFrom(r)
	index, err := strconv.Atoi(r.URL.Query().Get("index"))
	if err != nil {
		writeError(w, s.logger, common.NewValidationError("index", "index query parameter must be an integer"))
		return
	}
	offset, err := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
	if err != nil {
		writeError(w, s.logger, common.NewValidationError("offset", "offset query parameter must be an integer"))
		return
	}
	sum := r.Header.Get("X-Chunk-Sha256")
	if sum == "" {
		writeError(w, s.logger, common.NewValidationError("chunk_sha256", "X-Chunk-Sha256 header is required"))
		return
	}
	res, err := s.uploads.Chunk(id.Username, clientIPFrom(r), p.ByName("id"), index, offset, r.Body, sum)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type uploadCompleteRequest struct {
	FinalSha256 string `json:"final_sha256,omitempty"`
}

type uploadCompleteResponse struct {
	VideoPath   string `json:"video_path"`
	FinalSha256 string `json:"final_sha256"`
}

func (s *Server) handleUploadComplete(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	var req uploadCompleteRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, s.logger, common.NewValidationError("body", "malformed JSON body"))
			return
		}
	}
	id := identityFrom(r)
	session, err := s.uploads.Complete(id.Username, p.ByName("id"), req.FinalSha256)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadCompleteResponse{
		VideoPath:   session.FinalPath,
		FinalSha256: session.FinalSha256,
	})
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := identityFrom(r)
	status, err := s.uploads.Status(id.Username, p.ByName("id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
