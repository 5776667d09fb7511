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

package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dubplane/dubplane/common"
	"github.com/dubplane/dubplane/retention"
	"github.com/dubplane/dubplane/state"
)

// sweepCmd runs one retention pass and exits; useful from cron or before
// resizing a volume. The serve process runs the same pass periodically.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one retention sweep and exit",
	Run: func(cmd *cobra.Command, args []string) {
		runSweep()
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep() {
	cfg := loadConfigOrExit()
	logger := common.NewServiceLogger(cfg.LogDir, "dubplane-sweep", common.LogInfo)
	defer logger.CloseLog()

	store, err := state.Open(cfg.StateDir, logger)
	if err != nil {
		fatal(ExitStorage, err)
	}
	defer store.Close()

	res := retention.NewSweeper(store, cfg, logger).RunOnce()
	fmt.Printf("swept %d uploads, %d jobs, %d log files (%d skipped), freed %s\n",
		res.Uploads, res.Jobs, res.LogFiles, res.Skipped, humanize.IBytes(uint64(res.BytesFree)))
}
