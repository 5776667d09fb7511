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
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dubplane/dubplane/api"
	"github.com/dubplane/dubplane/auth"
	"github.com/dubplane/dubplane/common"
	"github.com/dubplane/dubplane/coord"
	"github.com/dubplane/dubplane/pipeline"
	"github.com/dubplane/dubplane/queue"
	"github.com/dubplane/dubplane/retention"
	"github.com/dubplane/dubplane/state"
	"github.com/dubplane/dubplane/upload"
)

const tokenSecretFile = "access_token.secret"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server, queue backend, executor workers and sweeper",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() {
	cfg := loadConfigOrExit()
	for _, dir := range []string{cfg.OutputDir, cfg.StateDir, cfg.InputDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fatal(ExitConfig, err)
		}
	}

	logger := common.NewServiceLogger(cfg.LogDir, "dubplane", common.LogInfo)
	defer logger.CloseLog()
	logger.Logf(common.LogInfo, "dubplane %s starting, queue mode %s", common.DubplaneVersion, cfg.QueueMode)

	lcm := common.NewLifecycleMgr(cfg.DrainTimeout, logger)
	common.HookSignals(lcm)

	store, err := state.Open(cfg.StateDir, logger)
	if err != nil {
		fatal(ExitStorage, err)
	}
	defer store.Close()

	users, err := auth.Open(cfg.StateDir, nil)
	if err != nil {
		fatal(ExitStorage, err)
	}
	defer users.Close()

	secret, err := accessTokenSecret(cfg.StateDir)
	if err != nil {
		fatal(ExitStorage, err)
	}
	tokens := auth.NewTokenIssuer(secret, 0)

	backend, enforcer := buildQueue(cfg, store, logger)

	hub := api.NewEventHub()
	executor := queue.NewExecutor(backend, store, pipeline.NewCommandPipeline(cfg, logger), hub, lcm, logger, cfg.WorkerCount)
	uploads := upload.NewManager(store, enforcer, cfg, logger, nil, nil)
	sweeper := retention.NewSweeper(store, cfg, logger)
	server := api.NewServer(cfg, logger, lcm, store, backend, enforcer, uploads, users, tokens, hub)

	ctx := lcm.Context()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		backend.Run(gctx)
		return nil
	})
	g.Go(func() error {
		executor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Run(gctx)
	})

	if err := g.Wait(); err != nil && err != http.ErrServerClosed {
		logger.Logf(common.LogError, "serve failed: %v", err)
		os.Exit(ExitRuntime)
	}
	logger.Logf(common.LogInfo, "dubplane stopped")
}

// buildQueue assembles the backend for the configured queue mode. A
// distributed-mode process refuses to start without a reachable
// coordinator; auto mode degrades to the local queue.
func buildQueue(cfg *common.ServiceConfig, store *state.Store, logger common.ILogger) (queue.Backend, *queue.QuotaEnforcer) {
	var co coord.Coordinator
	if cfg.CoordinatorURL != "" {
		var err error
		co, err = coord.NewRedis(cfg.CoordinatorURL)
		if err != nil {
			if cfg.QueueMode == common.EQueueMode.Distributed() {
				fatal(ExitCoordinator, errors.Wrap(err, "coordinator unreachable"))
			}
			logger.Logf(common.LogWarning, "coordinator unreachable, continuing on the local queue: %v", err)
			co = nil
		}
	} else if cfg.QueueMode == common.EQueueMode.Distributed() {
		fatal(ExitCoordinator, errors.New("QUEUE_MODE=distributed requires COORDINATOR_URL"))
	}

	enforcer := queue.NewQuotaEnforcer(co, store, cfg.CoordinatorPrefix, cfg.DefaultQuota)
	local := queue.NewLocalQueue(store, store, enforcer, cfg, logger)

	var backend queue.Backend = local
	if co != nil {
		dist := queue.NewDistributedQueue(co, store, enforcer, cfg, logger)
		if cfg.QueueMode == common.EQueueMode.Distributed() {
			backend = dist
		} else {
			backend = queue.NewAutoQueue(dist, local, logger)
		}
	}
	return backend, enforcer
}

// accessTokenSecret returns the HMAC secret for access tokens: the
// environment variable when set, otherwise a secret generated once and
// persisted beside the databases so tokens survive restarts.
func accessTokenSecret(stateDir string) ([]byte, error) {
	if v := os.Getenv(common.EEnvironmentVariable.AccessTokenSecret().Name); v != "" {
		return []byte(v), nil
	}
	path := filepath.Join(stateDir, tokenSecretFile)
	if raw, err := os.ReadFile(path); err == nil && len(raw) > 0 {
		return raw, nil
	}
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, err
	}
	secret := []byte(hex.EncodeToString(buf[:]))
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, errors.Wrap(err, "persisting token secret")
	}
	return secret, nil
}
