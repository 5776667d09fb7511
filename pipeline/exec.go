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

// Package pipeline bridges the executor to the dubbing worker process.
// The media stages themselves (ASR, translation, TTS, mux) live in that
// worker; this side only launches it, relays its progress lines and maps
// its exit status onto the job outcome.
package pipeline

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/dubplane/dubplane/common"
)

// CommandPipeline runs one worker process per job:
//
//	<cmd> --input <video> --output-dir <dir> --src-lang <l> --tgt-lang <l>
//	      --mode <m> --device <d>
//
// The worker reports progress on stdout, one line per update:
//
//	progress <fraction> [message...]
//
// Anything else on stdout is ignored. Cancellation kills the process
// through the command context.
type CommandPipeline struct {
	cfg    *common.ServiceConfig
	logger common.ILogger
}

func NewCommandPipeline(cfg *common.ServiceConfig, logger common.ILogger) *CommandPipeline {
	return &CommandPipeline{cfg: cfg, logger: logger}
}

func (p *CommandPipeline) Run(ctx context.Context, job *common.Job, progress func(common.ProgressEvent)) error {
	outDir := p.cfg.JobArtifactDir(job.ID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrap(err, "creating artifact dir")
	}

	cmd := exec.CommandContext(ctx, p.cfg.PipelineCmd,
		"--input", job.VideoPath,
		"--output-dir", outDir,
		"--src-lang", job.SrcLang,
		"--tgt-lang", job.TgtLang,
		"--mode", job.Mode.String(),
		"--device", job.Device.String(),
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "attaching worker stdout")
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "starting %s", p.cfg.PipelineCmd)
	}
	p.logger.Logf(common.LogDebug, "job %s: worker pid %d started", job.ID, cmd.Process.Pid)

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if frac, msg, ok := parseProgressLine(scanner.Text()); ok {
			progress(common.ProgressEvent{Progress: frac, Message: msg})
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrapf(err, "%s failed", p.cfg.PipelineCmd)
	}
	return nil
}

// parseProgressLine accepts "progress <fraction> [message...]". The
// fraction is clamped to [0,1]; malformed lines report ok=false.
func parseProgressLine(line string) (float64, string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "progress" {
		return 0, "", false
	}
	frac, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, "", false
	}
	if frac < 0 {
		frac = 0
	} else if frac > 1 {
		frac = 1
	}
	return frac, strings.Join(fields[2:], " "), true
}
