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
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/dubplane/dubplane/auth"
	"github.com/dubplane/dubplane/common"
)

const (
	accessCookie  = "dp_access"
	refreshCookie = "dp_refresh"
	csrfCookie    = "dp_csrf"
	csrfHeader    = "X-CSRF-Token"
)

type contextKey int

const (
	identityKey contextKey = iota
	clientIPKey
)

// identityFrom returns the authenticated identity the middleware attached.
func identityFrom(r *http.Request) auth.Identity {
	id, _ := r.Context().Value(identityKey).(auth.Identity)
	return id
}

func clientIPFrom(r *http.Request) string {
	ip, _ := r.Context().Value(clientIPKey).(string)
	return ip
}

// plain wraps unauthenticated endpoints; only the subnet filter applies.
func (s *Server) plain(h http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if !s.subnetAllowed(s.clientIP(r)) {
			writeError(w, s.logger, common.NewForbiddenError("address not allowed"))
			return
		}
		h(w, r)
	}
}

// withClientIP attaches the resolved client address; used by the auth
// endpoints which have no identity yet.
func (s *Server) withClientIP(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		ip := s.clientIP(r)
		if !s.subnetAllowed(ip) {
			writeError(w, s.logger, common.NewForbiddenError("address not allowed"))
			return
		}
		h(w, r.WithContext(context.WithValue(r.Context(), clientIPKey, ip)), p)
	}
}

// authed resolves the caller's identity (bearer token, dp_ key, or the UI
// session cookie with a CSRF double-submit) and enforces the minimum role.
func (s *Server) authed(minRole common.UserRole, h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		ip := s.clientIP(r)
		if !s.subnetAllowed(ip) {
			writeError(w, s.logger, common.NewForbiddenError("address not allowed"))
			return
		}
		id, err := s.authenticate(r)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		if !id.Role.AtLeast(minRole) {
			writeError(w, s.logger, common.NewForbiddenError("insufficient role"))
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, id)
		ctx = context.WithValue(ctx, clientIPKey, ip)
		h(w, r.WithContext(ctx), p)
	}
}

func (s *Server) authenticate(r *http.Request) (auth.Identity, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token == header {
			return auth.Identity{}, common.NewAuthError("authorization header must be a bearer token")
		}
		return s.resolveToken(token)
	}
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return s.resolveAPIKey(key)
	}
	if cookie, err := r.Cookie(accessCookie); err == nil {
		if mutating(r.Method) && !s.csrfOK(r) {
			return auth.Identity{}, common.NewForbiddenError("missing or mismatched CSRF token")
		}
		return s.tokens.Verify(cookie.Value)
	}
	return auth.Identity{}, common.NewAuthError("no credentials presented")
}

// resolveToken accepts either a JWT access token or a dp_ API key in the
// bearer slot; clients routinely send keys that way.
func (s *Server) resolveToken(token string) (auth.Identity, error) {
	if strings.HasPrefix(token, auth.APIKeyPrefix) {
		return s.resolveAPIKey(token)
	}
	return s.tokens.Verify(token)
}

func (s *Server) resolveAPIKey(key string) (auth.Identity, error) {
	user, err := s.users.LookupAPIKey(key)
	if err != nil {
		return auth.Identity{}, err
	}
	return auth.Identity{Username: user.Username, Role: user.Role}, nil
}

// csrfOK checks the double submit: the readable cookie must match the
// header the page script echoed back.
func (s *Server) csrfOK(r *http.Request) bool {
	cookie, err := r.Cookie(csrfCookie)
	if err != nil || cookie.Value == "" {
		return false
	}
	return r.Header.Get(csrfHeader) == cookie.Value
}

func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// clientIP resolves the caller's address, honoring X-Forwarded-For only
// when the direct peer is a configured trusted proxy.
func (s *Server) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !s.cfg.TrustProxyHeaders || !ipInSubnets(host, s.cfg.TrustedProxySubnets) {
		return host
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return host
	}
	first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
	if net.ParseIP(first) == nil {
		return host
	}
	return first
}

// subnetAllowed applies the optional allowlist; empty means open.
func (s *Server) subnetAllowed(ip string) bool {
	if len(s.cfg.AllowedSubnets) == 0 {
		return true
	}
	return ipInSubnets(ip, s.cfg.AllowedSubnets)
}

func ipInSubnets(ip string, subnets []string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, cidr := range subnets {
		if !strings.Contains(cidr, "/") {
			if ip == cidr {
				return true
			}
			continue
		}
		if _, ipNet, err := net.ParseCIDR(cidr); err == nil && ipNet.Contains(parsed) {
			return true
		}
	}
	return false
}
