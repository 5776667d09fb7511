package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubplane/dubplane/common"
)

func TestParseProgressLine(t *testing.T) {
	tests := []struct {
		line string
		frac float64
		msg  string
		ok   bool
	}{
		{"progress 0.25 transcribing audio", 0.25, "transcribing audio", true},
		{"progress 0.5", 0.5, "", true},
		{"progress 1.7 overshoot", 1, "overshoot", true},
		{"progress -0.1", 0, "", true},
		{"progress abc", 0, "", false},
		{"loaded model large-v3", 0, "", false},
		{"", 0, "", false},
	}
	for _, tt := range tests {
		frac, msg, ok := parseProgressLine(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		if tt.ok {
			assert.Equal(t, tt.frac, frac, tt.line)
			assert.Equal(t, tt.msg, msg, tt.line)
		}
	}
}

func testJob() *common.Job {
	return &common.Job{
		ID:        common.NewJobID(),
		OwnerID:   "alice",
		VideoPath: "/media/episode.mp4",
		Mode:      common.EJobMode.Medium(),
		Device:    common.EDevice.Cpu(),
		SrcLang:   "en",
		TgtLang:   "de",
	}
}

// scriptPipeline points PipelineCmd at a generated shell script standing
// in for the worker; the script ignores the flags Run appends.
func scriptPipeline(t *testing.T, script string) *CommandPipeline {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	cfg := &common.ServiceConfig{OutputDir: dir, PipelineCmd: path}
	return NewCommandPipeline(cfg, common.NopLogger{})
}

func TestRunRelaysProgress(t *testing.T) {
	p := scriptPipeline(t, `echo "progress 0.5 tts"
echo "progress 1 muxing"`)

	var events []common.ProgressEvent
	err := p.Run(context.Background(), testJob(), func(ev common.ProgressEvent) {
		events = append(events, ev)
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 0.5, events[0].Progress)
	assert.Equal(t, "tts", events[0].Message)
	assert.Equal(t, float64(1), events[1].Progress)
	assert.Equal(t, "muxing", events[1].Message)
}

func TestRunCreatesArtifactDir(t *testing.T) {
	p := scriptPipeline(t, `true`)
	job := testJob()
	require.NoError(t, p.Run(context.Background(), job, func(common.ProgressEvent) {}))

	info, err := os.Stat(p.cfg.JobArtifactDir(job.ID))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestRunReportsFailure(t *testing.T) {
	p := scriptPipeline(t, `echo "progress 0.2 asr"
exit 3`)

	err := p.Run(context.Background(), testJob(), func(common.ProgressEvent) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
}

func TestRunObservesCancellation(t *testing.T) {
	p := scriptPipeline(t, `sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	err := p.Run(ctx, testJob(), func(common.ProgressEvent) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
