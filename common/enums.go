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
	"encoding/json"
	"reflect"
	"strings"
	"sync/atomic"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EJobState = JobState(0)

// JobState is the lifecycle state of a dubbing job; the default is Queued.
// On the wire job states are upper-case (e.g. "QUEUED").
type JobState uint32 // Must be 32-bit for atomic operations

func (JobState) Queued() JobState   { return JobState(0) }
func (JobState) Running() JobState  { return JobState(1) }
func (JobState) Done() JobState     { return JobState(2) }
func (JobState) Failed() JobState   { return JobState(3) }
func (JobState) Canceled() JobState { return JobState(4) }
func (JobState) Paused() JobState   { return JobState(5) }

func (js JobState) String() string {
	return strings.ToUpper(EnumHelper{}.StringInteger(js, reflect.TypeOf(js)))
}

func (js *JobState) Parse(s string) error {
	val, err := EnumHelper{}.Parse(reflect.TypeOf(js), s, true)
	if err == nil {
		*js = val.(JobState)
	}
	return err
}

// IsTerminal reports whether a job in this state may never run again.
func (js JobState) IsTerminal() bool {
	return js == EJobState.Done() || js == EJobState.Failed() || js == EJobState.Canceled()
}

// MayTransitionTo enforces QUEUED → RUNNING → {DONE|FAILED|CANCELED},
// with QUEUED → CANCELED allowed without ever running, RUNNING → QUEUED
// for deferred retries, and PAUSED reachable from (and back to) the
// non-terminal states.
func (js JobState) MayTransitionTo(next JobState) bool {
	if js == next {
		return true
	}
	if js.IsTerminal() {
		return false
	}
	switch js {
	case EJobState.Queued():
		return next == EJobState.Running() || next == EJobState.Canceled() || next == EJobState.Paused()
	case EJobState.Running():
		return next.IsTerminal() || next == EJobState.Queued() || next == EJobState.Paused()
	case EJobState.Paused():
		return next == EJobState.Queued() || next == EJobState.Running() || next == EJobState.Canceled()
	}
	return false
}

func (js *JobState) AtomicLoad() JobState {
	return JobState(atomic.LoadUint32((*uint32)(js)))
}

func (js *JobState) AtomicStore(newState JobState) {
	atomic.StoreUint32((*uint32)(js), uint32(newState))
}

func (js JobState) MarshalJSON() ([]byte, error) {
	return json.Marshal(js.String())
}

func (js *JobState) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return js.Parse(s)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EJobMode = JobMode(0)

// JobMode is the pipeline quality tier. Policy may downgrade High to
// Medium when the GPU is unavailable or the high-mode cap is reached.
type JobMode uint8

func (JobMode) Low() JobMode    { return JobMode(0) }
func (JobMode) Medium() JobMode { return JobMode(1) }
func (JobMode) High() JobMode   { return JobMode(2) }

func (jm JobMode) String() string {
	return strings.ToLower(EnumHelper{}.StringInteger(jm, reflect.TypeOf(jm)))
}

func (jm *JobMode) Parse(s string) error {
	val, err := EnumHelper{}.Parse(reflect.TypeOf(jm), s, true)
	if err == nil {
		*jm = val.(JobMode)
	}
	return err
}

func (jm JobMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(jm.String())
}

func (jm *JobMode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return jm.Parse(s)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EDevice = Device(0)

// Device selects the compute device for the pipeline.
type Device uint8

func (Device) Auto() Device { return Device(0) }
func (Device) Cpu() Device  { return Device(1) }
func (Device) Gpu() Device  { return Device(2) }

func (d Device) String() string {
	return strings.ToLower(EnumHelper{}.StringInteger(d, reflect.TypeOf(d)))
}

func (d *Device) Parse(s string) error {
	val, err := EnumHelper{}.Parse(reflect.TypeOf(d), s, true)
	if err == nil {
		*d = val.(Device)
	}
	return err
}

func (d Device) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Device) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.Parse(s)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EVisibility = Visibility(0)

// Visibility is the artifact sharing scope of a job.
type Visibility uint8

func (Visibility) Private() Visibility { return Visibility(0) }
func (Visibility) Shared() Visibility  { return Visibility(1) }

func (v Visibility) String() string {
	return strings.ToLower(EnumHelper{}.StringInteger(v, reflect.TypeOf(v)))
}

func (v *Visibility) Parse(s string) error {
	val, err := EnumHelper{}.Parse(reflect.TypeOf(v), s, true)
	if err == nil {
		*v = val.(Visibility)
	}
	return err
}

func (v Visibility) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

func (v *Visibility) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return v.Parse(s)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EUserRole = UserRole(0)

// UserRole gates what a caller may do: viewers read, editors additionally
// edit transcripts, operators submit and cancel their own jobs, admins
// do everything (and bypass per-user caps unless explicitly overridden).
type UserRole uint8

func (UserRole) Viewer() UserRole   { return UserRole(0) }
func (UserRole) Editor() UserRole   { return UserRole(1) }
func (UserRole) Operator() UserRole { return UserRole(2) }
func (UserRole) Admin() UserRole    { return UserRole(3) }

func (r UserRole) String() string {
	return strings.ToLower(EnumHelper{}.StringInteger(r, reflect.TypeOf(r)))
}

func (r *UserRole) Parse(s string) error {
	val, err := EnumHelper{}.Parse(reflect.TypeOf(r), s, true)
	if err == nil {
		*r = val.(UserRole)
	}
	return err
}

func (r UserRole) AtLeast(min UserRole) bool { return r >= min }

func (r UserRole) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *UserRole) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return r.Parse(s)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EQueueMode = QueueMode(0)

// QueueMode selects which queue backend the service runs with.
type QueueMode uint8

func (QueueMode) Auto() QueueMode        { return QueueMode(0) }
func (QueueMode) Distributed() QueueMode { return QueueMode(1) }
func (QueueMode) Local() QueueMode       { return QueueMode(2) }

func (qm QueueMode) String() string {
	return strings.ToLower(EnumHelper{}.StringInteger(qm, reflect.TypeOf(qm)))
}

func (qm *QueueMode) Parse(s string) error {
	val, err := EnumHelper{}.Parse(reflect.TypeOf(qm), s, true)
	if err == nil {
		*qm = val.(QueueMode)
	}
	return err
}

func (qm QueueMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(qm.String())
}

func (qm *QueueMode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return qm.Parse(s)
}
