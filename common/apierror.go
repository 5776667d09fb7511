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

package common

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// APIError is the result type core components raise instead of using
// errors as control flow: status + machine code + human detail + response
// headers, translated exactly once at the HTTP boundary.
type APIError struct {
	Status  int               `json:"-"`
	Code    string            `json:"code"`
	Detail  string            `json:"detail"`
	Headers map[string]string `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Detail)
}

// AsAPIError unwraps err looking for an *APIError (a *QuotaError matches
// through its embedded APIError).
func AsAPIError(err error) (*APIError, bool) {
	var qe *QuotaError
	if errors.As(err, &qe) {
		return &qe.APIError, true
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

func NewValidationError(field, detail string) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: "validation_" + field, Detail: detail}
}

func NewAuthError(detail string) *APIError {
	return &APIError{Status: http.StatusUnauthorized, Code: "unauthorized", Detail: detail}
}

func NewForbiddenError(detail string) *APIError {
	return &APIError{Status: http.StatusForbidden, Code: "forbidden", Detail: detail}
}

func NewNotFoundError(kind string) *APIError {
	return &APIError{Status: http.StatusNotFound, Code: kind + "_not_found", Detail: kind + " not found"}
}

func NewConflictError(code, detail string) *APIError {
	return &APIError{Status: http.StatusConflict, Code: code, Detail: detail}
}

func NewTooLargeError(detail string) *APIError {
	return &APIError{Status: http.StatusRequestEntityTooLarge, Code: "too_large", Detail: detail}
}

func NewRangeError(detail string) *APIError {
	return &APIError{Status: http.StatusRequestedRangeNotSatisfiable, Code: "bad_range", Detail: detail}
}

func NewIntegrityError(detail string) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: "integrity", Detail: detail}
}

// NewDrainingError carries Retry-After so clients back off during shutdown.
func NewDrainingError(retryAfterSec int64) *APIError {
	return &APIError{
		Status:  http.StatusServiceUnavailable,
		Code:    "draining",
		Detail:  "server is draining; retry later",
		Headers: map[string]string{"Retry-After": strconv.FormatInt(retryAfterSec, 10)},
	}
}

// QuotaError is the 429 shape: {code, limit, remaining, reset_seconds}
// plus a Retry-After header.
type QuotaError struct {
	APIError
	Limit        int64 `json:"limit"`
	Remaining    int64 `json:"remaining"`
	ResetSeconds int64 `json:"reset_seconds"`
}

func NewQuotaError(code string, limit, remaining, resetSeconds int64) *QuotaError {
	if remaining < 0 {
		remaining = 0
	}
	return &QuotaError{
		APIError: APIError{
			Status:  http.StatusTooManyRequests,
			Code:    code,
			Detail:  fmt.Sprintf("quota %s exceeded (limit %d)", code, limit),
			Headers: map[string]string{"Retry-After": strconv.FormatInt(resetSeconds, 10)},
		},
		Limit:        limit,
		Remaining:    remaining,
		ResetSeconds: resetSeconds,
	}
}

// ErrStorageUnavailable wraps state-store open failures: fatal at boot,
// 500 at runtime.
var ErrStorageUnavailable = &APIError{
	Status: http.StatusInternalServerError,
	Code:   "storage_unavailable",
	Detail: "state store unavailable",
}
