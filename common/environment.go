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
	"os"
	"strconv"
	"strings"
)

type EnvironmentVariable struct {
	Name         string
	DefaultValue string
	Description  string
}

// This array needs to be updated when a new public environment variable is added
var VisibleEnvironmentVariables = []EnvironmentVariable{
	EEnvironmentVariable.OutputDir(),
	EEnvironmentVariable.StateDir(),
	EEnvironmentVariable.InputDir(),
	EEnvironmentVariable.LogDir(),
	EEnvironmentVariable.ListenAddr(),
	EEnvironmentVariable.UploadChunkBytes(),
	EEnvironmentVariable.CoordinatorURL(),
	EEnvironmentVariable.CoordinatorPrefix(),
	EEnvironmentVariable.QueueMode(),
	EEnvironmentVariable.LockTTLMs(),
	EEnvironmentVariable.LockRefreshMs(),
	EEnvironmentVariable.MaxAttempts(),
	EEnvironmentVariable.BaseBackoffMs(),
	EEnvironmentVariable.BackoffCapMs(),
	EEnvironmentVariable.DrainTimeoutSec(),
	EEnvironmentVariable.MinFreeGB(),
	EEnvironmentVariable.RetentionEnabled(),
	EEnvironmentVariable.RetentionDays(),
	EEnvironmentVariable.RetentionIntervalSec(),
	EEnvironmentVariable.UploadTTLSec(),
	EEnvironmentVariable.LogRetentionDays(),
	EEnvironmentVariable.JobsPerDay(),
	EEnvironmentVariable.MaxConcurrentJobs(),
	EEnvironmentVariable.MaxQueuedJobs(),
	EEnvironmentVariable.MaxUploadBytes(),
	EEnvironmentVariable.MaxStorageBytes(),
	EEnvironmentVariable.WorkerCount(),
	EEnvironmentVariable.PipelineCmd(),
	EEnvironmentVariable.HighModeCap(),
	EEnvironmentVariable.GpuAvailable(),
	EEnvironmentVariable.CookieSecure(),
	EEnvironmentVariable.TrustProxyHeaders(),
	EEnvironmentVariable.TrustedProxySubnets(),
	EEnvironmentVariable.AllowedSubnets(),
}

var EEnvironmentVariable = EnvironmentVariable{}

func (EnvironmentVariable) OutputDir() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "OUTPUT_DIR",
		DefaultValue: "./data/output",
		Description:  "Root directory for job artifacts. The retention sweeper never deletes outside it.",
	}
}

func (EnvironmentVariable) StateDir() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "STATE_DIR",
		DefaultValue: "./data/state",
		Description:  "Directory holding jobs.db and auth.db.",
	}
}

func (EnvironmentVariable) InputDir() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "INPUT_DIR",
		DefaultValue: "./data/input",
		Description:  "Directory holding the uploads/ staging area.",
	}
}

func (EnvironmentVariable) LogDir() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "LOG_DIR",
		DefaultValue: "./data/logs",
		Description:  "Overrides where the rotating log files are stored, to avoid filling up a disk.",
	}
}

func (EnvironmentVariable) ListenAddr() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "LISTEN_ADDR",
		DefaultValue: ":8080",
		Description:  "Address the HTTP API listens on.",
	}
}

func (EnvironmentVariable) UploadChunkBytes() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "UPLOAD_CHUNK_BYTES",
		DefaultValue: "1048576",
		Description:  "Preferred chunk size handed out by upload init; clamped to [256 KiB, 20 MiB].",
	}
}

func (EnvironmentVariable) CoordinatorURL() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "COORDINATOR_URL",
		Description: "redis:// URL of the keyed coordinator. Empty disables the distributed queue.",
	}
}

func (EnvironmentVariable) CoordinatorPrefix() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "COORDINATOR_PREFIX",
		DefaultValue: "dubplane",
		Description:  "Key namespace prefix on the coordinator.",
	}
}

func (EnvironmentVariable) QueueMode() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "QUEUE_MODE",
		DefaultValue: "auto",
		Description:  "auto | distributed | local.",
	}
}

func (EnvironmentVariable) LockTTLMs() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "LOCK_TTL_MS",
		DefaultValue: "300000",
		Description:  "Job lock lease in milliseconds; minimum 10000.",
	}
}

func (EnvironmentVariable) LockRefreshMs() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "LOCK_REFRESH_MS",
		Description: "Lock heartbeat interval; defaults to a third of LOCK_TTL_MS and is capped there.",
	}
}

func (EnvironmentVariable) MaxAttempts() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "MAX_ATTEMPTS",
		DefaultValue: "8",
		Description:  "Dispatch attempts before a job is dead-lettered.",
	}
}

func (EnvironmentVariable) BaseBackoffMs() EnvironmentVariable {
	return EnvironmentVariable{Name: "BASE_BACKOFF_MS", DefaultValue: "750"}
}

func (EnvironmentVariable) BackoffCapMs() EnvironmentVariable {
	return EnvironmentVariable{Name: "BACKOFF_CAP_MS", DefaultValue: "30000"}
}

func (EnvironmentVariable) DrainTimeoutSec() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "DRAIN_TIMEOUT_SEC",
		DefaultValue: "120",
		Description:  "How long inflight jobs may run after SIGTERM before the process exits anyway.",
	}
}

func (EnvironmentVariable) MinFreeGB() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "MIN_FREE_GB",
		DefaultValue: "2",
		Description:  "Local queue refuses dispatch when free disk under OUTPUT_DIR drops below this.",
	}
}

func (EnvironmentVariable) RetentionEnabled() EnvironmentVariable {
	return EnvironmentVariable{Name: "RETENTION_ENABLED", DefaultValue: "true"}
}

func (EnvironmentVariable) RetentionDays() EnvironmentVariable {
	return EnvironmentVariable{Name: "RETENTION_DAYS", DefaultValue: "30"}
}

func (EnvironmentVariable) RetentionIntervalSec() EnvironmentVariable {
	return EnvironmentVariable{Name: "RETENTION_INTERVAL_SEC", DefaultValue: "3600"}
}

func (EnvironmentVariable) UploadTTLSec() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "UPLOAD_TTL_SEC",
		DefaultValue: "86400",
		Description:  "Idle incomplete upload sessions older than this are pruned.",
	}
}

func (EnvironmentVariable) LogRetentionDays() EnvironmentVariable {
	return EnvironmentVariable{Name: "LOG_RETENTION_DAYS", DefaultValue: "14"}
}

func (EnvironmentVariable) JobsPerDay() EnvironmentVariable {
	return EnvironmentVariable{Name: "JOBS_PER_DAY", DefaultValue: "25"}
}

func (EnvironmentVariable) MaxConcurrentJobs() EnvironmentVariable {
	return EnvironmentVariable{Name: "MAX_CONCURRENT_JOBS", DefaultValue: "2"}
}

func (EnvironmentVariable) MaxQueuedJobs() EnvironmentVariable {
	return EnvironmentVariable{Name: "MAX_QUEUED_JOBS", DefaultValue: "20"}
}

func (EnvironmentVariable) MaxUploadBytes() EnvironmentVariable {
	return EnvironmentVariable{Name: "MAX_UPLOAD_BYTES", DefaultValue: "10737418240"}
}

func (EnvironmentVariable) MaxStorageBytes() EnvironmentVariable {
	return EnvironmentVariable{Name: "MAX_STORAGE_BYTES", DefaultValue: "107374182400"}
}

func (EnvironmentVariable) WorkerCount() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "WORKER_COUNT",
		DefaultValue: "2",
		Description:  "Number of executor workers claiming jobs in this process.",
	}
}

func (EnvironmentVariable) PipelineCmd() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "PIPELINE_CMD",
		DefaultValue: "dubworker",
		Description:  "Worker command executed per job. Receives the input path, artifact dir, languages, mode and device as flags.",
	}
}

func (EnvironmentVariable) HighModeCap() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "HIGH_MODE_CAP",
		DefaultValue: "1",
		Description:  "Global cap on concurrently running high-mode jobs before policy downgrades to medium.",
	}
}

func (EnvironmentVariable) GpuAvailable() EnvironmentVariable {
	return EnvironmentVariable{Name: "GPU_AVAILABLE", DefaultValue: "false"}
}

func (EnvironmentVariable) CookieSecure() EnvironmentVariable {
	return EnvironmentVariable{Name: "COOKIE_SECURE", DefaultValue: "true"}
}

func (EnvironmentVariable) TrustProxyHeaders() EnvironmentVariable {
	return EnvironmentVariable{Name: "TRUST_PROXY_HEADERS", DefaultValue: "false"}
}

func (EnvironmentVariable) TrustedProxySubnets() EnvironmentVariable {
	return EnvironmentVariable{Name: "TRUSTED_PROXY_SUBNETS"}
}

func (EnvironmentVariable) AllowedSubnets() EnvironmentVariable {
	return EnvironmentVariable{Name: "ALLOWED_SUBNETS"}
}

func (EnvironmentVariable) AccessTokenSecret() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "ACCESS_TOKEN_SECRET",
		Description: "HMAC secret for access tokens. Generated and persisted in STATE_DIR when unset.",
	}
}

// GetEnvironmentVariable returns the value of the environment variable, or
// its default if unset.
func GetEnvironmentVariable(env EnvironmentVariable) string {
	value := os.Getenv(env.Name)
	if value == "" {
		return env.DefaultValue
	}
	return value
}

func GetEnvironmentVariableInt64(env EnvironmentVariable) int64 {
	v, err := strconv.ParseInt(GetEnvironmentVariable(env), 10, 64)
	if err != nil {
		v, _ = strconv.ParseInt(env.DefaultValue, 10, 64)
	}
	return v
}

func GetEnvironmentVariableBool(env EnvironmentVariable) bool {
	switch strings.ToLower(GetEnvironmentVariable(env)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
