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

package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/dubplane/dubplane/common"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	TOTP     string `json:"totp,omitempty"`
}

type loginResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	Role        string    `json:"role"`
	CSRF        string    `json:"csrf"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, common.NewValidationError("body", "malformed JSON body"))
		return
	}
	user, err := s.users.Authenticate(req.Username, req.Password, req.TOTP)
	if err != nil {
		s.logger.Logf(common.LogWarning, "failed login for %s from %s",
			common.SanitizeLogMessage(req.Username), clientIPFrom(r))
		writeError(w, s.logger, err)
		return
	}

	access, expires, err := s.tokens.Issue(user)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	refresh, err := s.users.IssueRefresh(user.Username)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	csrf := newCSRFToken()
	s.setSessionCookies(w, access, refresh, csrf, expires)

	common.AuditEvent(s.logger, "auth.login", map[string]interface{}{
		"user_id": user.Username, "ip": clientIPFrom(r),
	})
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: access,
		ExpiresAt:   expires,
		Role:        user.Role.String(),
		CSRF:        csrf,
	})
}

// handleRefresh rotates the refresh cookie and mints a new access token.
// The CSRF double-submit applies: this endpoint is cookie-authenticated.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.csrfOK(r) {
		writeError(w, s.logger, common.NewForbiddenError("missing or mismatched CSRF token"))
		return
	}
	cookie, err := r.Cookie(refreshCookie)
	if err != nil || cookie.Value == "" {
		writeError(w, s.logger, common.NewAuthError("no refresh token"))
		return
	}
	next, user, err := s.users.RotateRefresh(cookie.Value)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	access, expires, err := s.tokens.Issue(user)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	csrf := newCSRFToken()
	s.setSessionCookies(w, access, next, csrf, expires)
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: access,
		ExpiresAt:   expires,
		Role:        user.Role.String(),
		CSRF:        csrf,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.csrfOK(r) {
		writeError(w, s.logger, common.NewForbiddenError("missing or mismatched CSRF token"))
		return
	}
	if cookie, err := r.Cookie(refreshCookie); err == nil && cookie.Value != "" {
		if rerr := s.users.RevokeRefresh(cookie.Value); rerr != nil {
			writeError(w, s.logger, rerr)
			return
		}
	}
	s.clearSessionCookies(w)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) setSessionCookies(w http.ResponseWriter, access, refresh, csrf string, expires time.Time) {
	secure := s.cfg.CookieSecure
	http.SetCookie(w, &http.Cookie{
		Name: accessCookie, Value: access, Path: "/",
		Expires: expires, HttpOnly: true, Secure: secure, SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name: refreshCookie, Value: refresh, Path: "/auth/",
		HttpOnly: true, Secure: secure, SameSite: http.SameSiteStrictMode,
	})
	// readable on purpose: the page script echoes it into X-CSRF-Token
	http.SetCookie(w, &http.Cookie{
		Name: csrfCookie, Value: csrf, Path: "/",
		Secure: secure, SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookies(w http.ResponseWriter) {
	for _, c := range []struct{ name, path string }{
		{accessCookie, "/"}, {refreshCookie, "/auth/"}, {csrfCookie, "/"},
	} {
		http.SetCookie(w, &http.Cookie{Name: c.name, Value: "", Path: c.path, MaxAge: -1})
	}
}

func newCSRFToken() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf[:])
}
