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
	"errors"
	"net/http"

	"github.com/dubplane/dubplane/common"
)

// writeJSON marshals v with the given status. Nil v writes an empty body.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError translates errors at the boundary, exactly once: APIErrors
// (and QuotaErrors) carry their own status and headers, everything else is
// an opaque 500.
func writeError(w http.ResponseWriter, logger common.ILogger, err error) {
	if apiErr, ok := common.AsAPIError(err); ok {
		for k, v := range apiErr.Headers {
			w.Header().Set(k, v)
		}
		writeJSON(w, apiErr.Status, errorBody(err, apiErr))
		return
	}
	logger.Logf(common.LogError, "internal error: %v", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"code": "internal", "detail": "internal server error",
	})
}

// errorBody keeps the QuotaError extras (limit, reset_seconds) when
// present; the embedded APIError supplies code and detail.
func errorBody(err error, apiErr *common.APIError) interface{} {
	var qe *common.QuotaError
	if errors.As(err, &qe) {
		return qe
	}
	return apiErr
}
