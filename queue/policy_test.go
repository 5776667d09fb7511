package queue

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dubplane/dubplane/common"
)

func operatorInput() PolicyInput {
	return PolicyInput{
		Role:         common.EUserRole.Operator(),
		Mode:         common.EJobMode.Medium(),
		Device:       common.EDevice.Auto(),
		Quota:        common.QuotaSnapshot{JobsPerDay: 25, MaxConcurrentJobs: 2, MaxQueued: 20},
		HighModeCap:  1,
		GpuAvailable: true,
	}
}

func TestModeGates(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*PolicyInput)
		wantMode   common.JobMode
		wantDevice common.Device
	}{
		{
			name:       "auto device resolves to gpu when available",
			mutate:     func(in *PolicyInput) {},
			wantMode:   common.EJobMode.Medium(),
			wantDevice: common.EDevice.Gpu(),
		},
		{
			name:       "auto device resolves to cpu without gpu",
			mutate:     func(in *PolicyInput) { in.GpuAvailable = false },
			wantMode:   common.EJobMode.Medium(),
			wantDevice: common.EDevice.Cpu(),
		},
		{
			name: "high downgrades without gpu",
			mutate: func(in *PolicyInput) {
				in.Mode = common.EJobMode.High()
				in.GpuAvailable = false
			},
			wantMode:   common.EJobMode.Medium(),
			wantDevice: common.EDevice.Cpu(),
		},
		{
			name: "high downgrades at the high-mode cap",
			mutate: func(in *PolicyInput) {
				in.Mode = common.EJobMode.High()
				in.HighModeRunning = 1
			},
			wantMode:   common.EJobMode.Medium(),
			wantDevice: common.EDevice.Gpu(),
		},
		{
			name: "high allowed under the cap",
			mutate: func(in *PolicyInput) {
				in.Mode = common.EJobMode.High()
				in.HighModeRunning = 0
			},
			wantMode:   common.EJobMode.High(),
			wantDevice: common.EDevice.Gpu(),
		},
		{
			name: "explicit gpu request downgraded without gpu",
			mutate: func(in *PolicyInput) {
				in.Device = common.EDevice.Gpu()
				in.GpuAvailable = false
			},
			wantMode:   common.EJobMode.Medium(),
			wantDevice: common.EDevice.Cpu(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := operatorInput()
			tt.mutate(&in)
			d := EvaluateSubmission(in)
			assert.True(t, d.OK)
			assert.Equal(t, tt.wantMode, d.EffectiveMode)
			assert.Equal(t, tt.wantDevice, d.EffectiveDevice)
		})
	}
}

func TestSubmissionDenials(t *testing.T) {
	a := assert.New(t)

	in := operatorInput()
	in.Draining = true
	d := EvaluateSubmission(in)
	a.False(d.OK)
	a.Equal(http.StatusServiceUnavailable, d.HTTPStatus)

	in = operatorInput()
	in.Role = common.EUserRole.Viewer()
	d = EvaluateSubmission(in)
	a.False(d.OK)
	a.Equal(http.StatusForbidden, d.HTTPStatus)

	in = operatorInput()
	in.Role = common.EUserRole.Editor()
	a.False(EvaluateSubmission(in).OK)

	in = operatorInput()
	in.User.Queued = in.Quota.MaxQueued
	d = EvaluateSubmission(in)
	a.False(d.OK)
	a.Equal(http.StatusTooManyRequests, d.HTTPStatus)

	in = operatorInput()
	in.JobsToday = in.Quota.JobsPerDay
	d = EvaluateSubmission(in)
	a.False(d.OK)
	a.Equal(http.StatusTooManyRequests, d.HTTPStatus)
}

func TestAdminBypass(t *testing.T) {
	a := assert.New(t)

	in := operatorInput()
	in.Role = common.EUserRole.Admin()
	in.User.Queued = in.Quota.MaxQueued
	in.JobsToday = in.Quota.JobsPerDay
	a.True(EvaluateSubmission(in).OK, "admins without overrides skip per-user caps")

	in.AdminOverride = true
	a.False(EvaluateSubmission(in).OK, "an explicit override binds admins too")

	// draining is not a cap; it binds admins as well
	in = operatorInput()
	in.Role = common.EUserRole.Admin()
	in.Draining = true
	a.False(EvaluateSubmission(in).OK)
}

func TestDispatchConcurrencyCap(t *testing.T) {
	a := assert.New(t)

	in := operatorInput()
	in.User.Running = 2
	d := EvaluateDispatch(in)
	a.False(d.OK)
	a.Zero(d.HTTPStatus, "dispatch denials defer; they are not HTTP errors")

	in.User.Running = 1
	a.True(EvaluateDispatch(in).OK)

	in.Role = common.EUserRole.Admin()
	in.User.Running = 5
	a.True(EvaluateDispatch(in).OK)
}

func TestCanCancel(t *testing.T) {
	a := assert.New(t)
	a.True(CanCancel(common.EUserRole.Operator(), "alice", "alice"))
	a.False(CanCancel(common.EUserRole.Operator(), "alice", "bob"))
	a.True(CanCancel(common.EUserRole.Admin(), "root", "bob"))
	a.False(CanCancel(common.EUserRole.Viewer(), "alice", "alice"))
}

func TestBackoffDelay(t *testing.T) {
	a := assert.New(t)
	base, cap := 750*tms, 30000*tms
	a.Equal(750*tms, backoffDelay(1, base, cap))
	a.Equal(1500*tms, backoffDelay(2, base, cap))
	a.Equal(3000*tms, backoffDelay(3, base, cap))
	a.Equal(24000*tms, backoffDelay(6, base, cap))
	a.Equal(30000*tms, backoffDelay(7, base, cap), "doubling is capped")
	a.Equal(30000*tms, backoffDelay(50, base, cap))
}
