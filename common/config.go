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
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ServiceConfig is the parsed process configuration. It is assembled once
// from the environment catalog and handed to every component; nothing
// reads os.Getenv after startup.
type ServiceConfig struct {
	OutputDir  string
	StateDir   string
	InputDir   string
	LogDir     string
	ListenAddr string

	UploadChunkBytes int64
	UploadTTL        time.Duration

	CoordinatorURL    string
	CoordinatorPrefix string
	QueueMode         QueueMode

	LockTTL     time.Duration
	LockRefresh time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	BackoffCap  time.Duration

	DrainTimeout time.Duration
	MinFreeGB    int64
	WorkerCount  int
	PipelineCmd  string

	RetentionEnabled  bool
	RetentionDays     int
	RetentionInterval time.Duration
	LogRetentionDays  int

	DefaultQuota QuotaSnapshot
	HighModeCap  int64
	GpuAvailable bool

	CookieSecure        bool
	TrustProxyHeaders   bool
	TrustedProxySubnets []string
	AllowedSubnets      []string
}

const minLockTTL = 10 * time.Second

// LoadServiceConfig reads the environment catalog. It fails (exit code 2
// at the CLI) rather than run with an unusable configuration.
func LoadServiceConfig() (*ServiceConfig, error) {
	cfg := &ServiceConfig{
		OutputDir:  GetEnvironmentVariable(EEnvironmentVariable.OutputDir()),
		StateDir:   GetEnvironmentVariable(EEnvironmentVariable.StateDir()),
		InputDir:   GetEnvironmentVariable(EEnvironmentVariable.InputDir()),
		LogDir:     GetEnvironmentVariable(EEnvironmentVariable.LogDir()),
		ListenAddr: GetEnvironmentVariable(EEnvironmentVariable.ListenAddr()),

		UploadChunkBytes: GetEnvironmentVariableInt64(EEnvironmentVariable.UploadChunkBytes()),
		UploadTTL:        time.Duration(GetEnvironmentVariableInt64(EEnvironmentVariable.UploadTTLSec())) * time.Second,

		CoordinatorURL:    GetEnvironmentVariable(EEnvironmentVariable.CoordinatorURL()),
		CoordinatorPrefix: GetEnvironmentVariable(EEnvironmentVariable.CoordinatorPrefix()),

		LockTTL:     time.Duration(GetEnvironmentVariableInt64(EEnvironmentVariable.LockTTLMs())) * time.Millisecond,
		MaxAttempts: int(GetEnvironmentVariableInt64(EEnvironmentVariable.MaxAttempts())),
		BaseBackoff: time.Duration(GetEnvironmentVariableInt64(EEnvironmentVariable.BaseBackoffMs())) * time.Millisecond,
		BackoffCap:  time.Duration(GetEnvironmentVariableInt64(EEnvironmentVariable.BackoffCapMs())) * time.Millisecond,

		DrainTimeout: time.Duration(GetEnvironmentVariableInt64(EEnvironmentVariable.DrainTimeoutSec())) * time.Second,
		MinFreeGB:    GetEnvironmentVariableInt64(EEnvironmentVariable.MinFreeGB()),
		WorkerCount:  int(GetEnvironmentVariableInt64(EEnvironmentVariable.WorkerCount())),
		PipelineCmd:  GetEnvironmentVariable(EEnvironmentVariable.PipelineCmd()),

		RetentionEnabled:  GetEnvironmentVariableBool(EEnvironmentVariable.RetentionEnabled()),
		RetentionDays:     int(GetEnvironmentVariableInt64(EEnvironmentVariable.RetentionDays())),
		RetentionInterval: time.Duration(GetEnvironmentVariableInt64(EEnvironmentVariable.RetentionIntervalSec())) * time.Second,
		LogRetentionDays:  int(GetEnvironmentVariableInt64(EEnvironmentVariable.LogRetentionDays())),

		DefaultQuota: QuotaSnapshot{
			MaxUploadBytes:    GetEnvironmentVariableInt64(EEnvironmentVariable.MaxUploadBytes()),
			MaxStorageBytes:   GetEnvironmentVariableInt64(EEnvironmentVariable.MaxStorageBytes()),
			JobsPerDay:        GetEnvironmentVariableInt64(EEnvironmentVariable.JobsPerDay()),
			MaxConcurrentJobs: GetEnvironmentVariableInt64(EEnvironmentVariable.MaxConcurrentJobs()),
			MaxQueued:         GetEnvironmentVariableInt64(EEnvironmentVariable.MaxQueuedJobs()),
		},
		HighModeCap:  GetEnvironmentVariableInt64(EEnvironmentVariable.HighModeCap()),
		GpuAvailable: GetEnvironmentVariableBool(EEnvironmentVariable.GpuAvailable()),

		CookieSecure:        GetEnvironmentVariableBool(EEnvironmentVariable.CookieSecure()),
		TrustProxyHeaders:   GetEnvironmentVariableBool(EEnvironmentVariable.TrustProxyHeaders()),
		TrustedProxySubnets: splitCommaList(GetEnvironmentVariable(EEnvironmentVariable.TrustedProxySubnets())),
		AllowedSubnets:      splitCommaList(GetEnvironmentVariable(EEnvironmentVariable.AllowedSubnets())),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if qm := GetEnvironmentVariable(EEnvironmentVariable.QueueMode()); qm != "" {
		if err := cfg.QueueMode.Parse(qm); err != nil {
			return nil, errors.Wrapf(err, "invalid %s", EEnvironmentVariable.QueueMode().Name)
		}
	}

	if cfg.LockTTL < minLockTTL {
		cfg.LockTTL = minLockTTL
	}
	if ms := GetEnvironmentVariableInt64(EEnvironmentVariable.LockRefreshMs()); ms > 0 {
		cfg.LockRefresh = time.Duration(ms) * time.Millisecond
	}
	// The refresh loop must fire comfortably inside the lease.
	if cfg.LockRefresh <= 0 || cfg.LockRefresh > cfg.LockTTL/3 {
		cfg.LockRefresh = cfg.LockTTL / 3
	}
	return cfg, nil
}

func (c *ServiceConfig) validate() error {
	for name, dir := range map[string]string{
		"OUTPUT_DIR": c.OutputDir,
		"STATE_DIR":  c.StateDir,
		"INPUT_DIR":  c.InputDir,
		"LOG_DIR":    c.LogDir,
	} {
		if dir == "" {
			return errors.Errorf("%s must not be empty", name)
		}
	}
	if c.MaxAttempts < 1 {
		return errors.New("MAX_ATTEMPTS must be >= 1")
	}
	if c.WorkerCount < 1 {
		return errors.New("WORKER_COUNT must be >= 1")
	}
	if c.UploadChunkBytes <= 0 {
		return errors.New("UPLOAD_CHUNK_BYTES must be positive")
	}
	return nil
}

// UploadStagingDir is where .part files and finalized uploads live.
func (c *ServiceConfig) UploadStagingDir() string {
	return filepath.Join(c.InputDir, "uploads")
}

// JobArtifactDir is the per-job artifact directory under OUTPUT_DIR.
func (c *ServiceConfig) JobArtifactDir(jobID JobID) string {
	return filepath.Join(c.OutputDir, jobID.String())
}

func splitCommaList(s string) []string {
	if s == "" {
		return nil
	}
	var parts []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
