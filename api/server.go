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

// Package api is the HTTP transport: it maps routes onto the queue, the
// upload manager, the state store and the auth store, translating their
// errors into status codes exactly once at this boundary.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/dubplane/dubplane/auth"
	"github.com/dubplane/dubplane/common"
	"github.com/dubplane/dubplane/queue"
	"github.com/dubplane/dubplane/state"
	"github.com/dubplane/dubplane/upload"
)

// Server wires the HTTP routes to the service components.
type Server struct {
	cfg     *common.ServiceConfig
	logger  common.ILogger
	lcm     common.LifecycleMgr
	store   *state.Store
	backend queue.Backend
	quota   *queue.QuotaEnforcer
	uploads *upload.Manager
	users   *auth.Store
	tokens  *auth.TokenIssuer
	hub     *EventHub

	handler http.Handler
}

func NewServer(cfg *common.ServiceConfig, logger common.ILogger, lcm common.LifecycleMgr,
	store *state.Store, backend queue.Backend, quota *queue.QuotaEnforcer,
	uploads *upload.Manager, users *auth.Store, tokens *auth.TokenIssuer, hub *EventHub) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		lcm:     lcm,
		store:   store,
		backend: backend,
		quota:   quota,
		uploads: uploads,
		users:   users,
		tokens:  tokens,
		hub:     hub,
	}
	s.handler = s.buildHandler()
	return s
}

func (s *Server) buildHandler() http.Handler {
	r := httprouter.New()

	r.POST("/auth/login", s.withClientIP(s.handleLogin))
	r.POST("/auth/refresh", s.withClientIP(s.handleRefresh))
	r.POST("/auth/logout", s.withClientIP(s.handleLogout))

	r.POST("/api/uploads/init", s.authed(common.EUserRole.Operator(), s.handleUploadInit))
	r.POST("/api/uploads/:id/chunk", s.authed(common.EUserRole.Operator(), s.handleUploadChunk))
	r.POST("/api/uploads/:id/complete", s.authed(common.EUserRole.Operator(), s.handleUploadComplete))
	r.GET("/api/uploads/:id/status", s.authed(common.EUserRole.Viewer(), s.handleUploadStatus))

	r.POST("/api/jobs", s.authed(common.EUserRole.Operator(), s.handleJobCreate))
	r.GET("/api/jobs", s.authed(common.EUserRole.Viewer(), s.handleJobList))
	r.GET("/api/jobs/:id", s.authed(common.EUserRole.Viewer(), s.handleJobGet))
	r.POST("/api/jobs/:id/cancel", s.authed(common.EUserRole.Operator(), s.handleJobCancel))

	r.GET("/api/library", s.authed(common.EUserRole.Viewer(), s.handleLibraryList))

	r.GET("/events/jobs/:id", s.authed(common.EUserRole.Viewer(), s.handleJobEvents))

	r.GET("/api/admin/queue", s.authed(common.EUserRole.Admin(), s.handleAdminQueue))
	r.POST("/api/admin/jobs/:id/priority", s.authed(common.EUserRole.Admin(), s.handleAdminPriority))
	r.POST("/api/admin/quotas/:user_id", s.authed(common.EUserRole.Admin(), s.handleAdminQuotas))

	r.GET("/health", s.plain(s.handleHealth))
	r.GET("/healthz", s.plain(s.handleHealth))
	r.GET("/readyz", s.plain(s.handleReady))
	r.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	c := cors.New(cors.Options{
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Api-Key", "X-Chunk-Sha256", "X-CSRF-Token"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

// Handler exposes the routed stack, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is canceled, then shuts down within the drain
// timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Logf(common.LogInfo, "listening on %s", s.cfg.ListenAddr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"version": common.DubplaneVersion,
	})
}

// handleReady reports 503 while draining or while the active backend is
// unhealthy, so load balancers stop routing here.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.lcm.IsDraining() {
		writeError(w, s.logger, common.NewDrainingError(s.retryAfterSeconds()))
		return
	}
	status := s.backend.Status()
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) retryAfterSeconds() int64 {
	secs := int64(s.cfg.DrainTimeout / time.Second)
	if secs < 1 {
		secs = 30
	}
	return secs
}
