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

package queue

import (
	"fmt"
	"net/http"

	"github.com/dubplane/dubplane/common"
)

// PolicyInput is the full context a policy decision may look at. Decisions
// are pure functions over this value; they never mutate state.
type PolicyInput struct {
	Role   common.UserRole
	Mode   common.JobMode
	Device common.Device

	User   common.Counts
	Global common.Counts
	Quota  common.QuotaSnapshot

	JobsToday       int64
	HighModeRunning int64
	HighModeCap     int64
	GpuAvailable    bool
	Draining        bool

	// AdminOverride marks an explicit per-user quota override; admins
	// with an override do not bypass caps.
	AdminOverride bool
}

// Decision is the outcome of a policy evaluation. When OK is false,
// HTTPStatus carries the status the API layer should return (0 for
// dispatch denials, which are deferred rather than surfaced).
type Decision struct {
	OK              bool
	Reasons         []string
	EffectiveMode   common.JobMode
	EffectiveDevice common.Device
	HTTPStatus      int
}

func (in PolicyInput) bypassesCaps() bool {
	return in.Role == common.EUserRole.Admin() && !in.AdminOverride
}

// applyModeGates downgrades mode and device to what the host can actually
// run: auto device resolves against GPU availability, high mode falls back
// to medium when the GPU is absent or the global high-mode cap is reached.
func applyModeGates(in PolicyInput) (common.JobMode, common.Device, []string) {
	mode, device := in.Mode, in.Device
	var reasons []string

	if device == common.EDevice.Auto() {
		if in.GpuAvailable {
			device = common.EDevice.Gpu()
		} else {
			device = common.EDevice.Cpu()
		}
	}
	if device == common.EDevice.Gpu() && !in.GpuAvailable {
		device = common.EDevice.Cpu()
		reasons = append(reasons, "gpu_unavailable")
	}
	if mode == common.EJobMode.High() {
		if !in.GpuAvailable {
			mode = common.EJobMode.Medium()
			reasons = append(reasons, "high_mode_requires_gpu")
		} else if in.HighModeCap > 0 && in.HighModeRunning >= in.HighModeCap {
			mode = common.EJobMode.Medium()
			reasons = append(reasons, "high_mode_cap_reached")
		}
	}
	return mode, device, reasons
}

// EvaluateSubmission decides whether a new job may be accepted. Deny
// reasons map to HTTP statuses: draining 503, role 403, caps 429.
func EvaluateSubmission(in PolicyInput) Decision {
	mode, device, reasons := applyModeGates(in)
	d := Decision{OK: true, Reasons: reasons, EffectiveMode: mode, EffectiveDevice: device}

	if in.Draining {
		return deny(d, "draining", http.StatusServiceUnavailable)
	}
	if !in.Role.AtLeast(common.EUserRole.Operator()) {
		return deny(d, "role_cannot_submit", http.StatusForbidden)
	}
	if in.bypassesCaps() {
		return d
	}
	if in.Quota.MaxQueued > 0 && in.User.Queued >= in.Quota.MaxQueued {
		return deny(d, fmt.Sprintf("max_queued_limit:%d", in.Quota.MaxQueued), http.StatusTooManyRequests)
	}
	if in.Quota.JobsPerDay > 0 && in.JobsToday+1 > in.Quota.JobsPerDay {
		return deny(d, fmt.Sprintf("jobs_per_day_limit:%d", in.Quota.JobsPerDay), http.StatusTooManyRequests)
	}
	return d
}

// EvaluateDispatch decides whether a claimed job may start right now.
// A denial defers the job; it is never surfaced as an HTTP error.
func EvaluateDispatch(in PolicyInput) Decision {
	mode, device, reasons := applyModeGates(in)
	d := Decision{OK: true, Reasons: reasons, EffectiveMode: mode, EffectiveDevice: device}

	if in.bypassesCaps() {
		return d
	}
	if in.Quota.MaxConcurrentJobs > 0 && in.User.Running >= in.Quota.MaxConcurrentJobs {
		return deny(d, fmt.Sprintf("max_concurrent_limit:%d", in.Quota.MaxConcurrentJobs), 0)
	}
	return d
}

// CanCancel gates cancellation: operators cancel their own jobs, admins
// cancel anything.
func CanCancel(role common.UserRole, requesterID, ownerID string) bool {
	if role == common.EUserRole.Admin() {
		return true
	}
	return role.AtLeast(common.EUserRole.Operator()) && requesterID == ownerID
}

func deny(d Decision, reason string, status int) Decision {
	d.OK = false
	d.Reasons = append(d.Reasons, reason)
	d.HTTPStatus = status
	return d
}
