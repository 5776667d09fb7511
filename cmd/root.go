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
	"os"

	"github.com/spf13/cobra"

	"github.com/dubplane/dubplane/common"
)

// Process exit codes. Runtime failures after a clean start always exit 1;
// the higher codes identify startup problems an operator can act on.
const (
	ExitOK          = 0
	ExitRuntime     = 1
	ExitConfig      = 2
	ExitStorage     = 3
	ExitCoordinator = 4
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "dubplane",
	Version: common.DubplaneVersion,
	Short:   "Multi-tenant media dubbing job service",
	Long: "Dubplane accepts video uploads, queues dubbing jobs across workers\n" +
		"and serves job state, progress streams and the dubbed episode library\n" +
		"over HTTP. Configuration comes from environment variables; run\n" +
		"'dubplane env' to list them.",
	SilenceUsage: true,
}

// Execute is called by main.main(). It only needs to happen once.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitRuntime)
	}
}

// fatal prints the error and exits with the given startup code.
func fatal(code int, err error) {
	fmt.Fprintln(os.Stderr, "dubplane:", err)
	os.Exit(code)
}

// loadConfigOrExit parses the environment catalog, exiting with ExitConfig
// on an unusable configuration.
func loadConfigOrExit() *common.ServiceConfig {
	cfg, err := common.LoadServiceConfig()
	if err != nil {
		fatal(ExitConfig, err)
	}
	return cfg
}
