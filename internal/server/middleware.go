// ABOUTME: HTTP middleware: CSRF origin checks, CORS, and per-IP rate gates
// ABOUTME: Client identity for rate limiting comes from X-Real-IP or RemoteAddr

package server

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"

	"github.com/2389/clawhost/internal/auth"
	"github.com/2389/clawhost/internal/ratelimit"
)

// clientIP returns the rate-gate key for a request. The X-Real-IP header is
// trusted because the deployment sits behind controlled ingress; otherwise
// the TCP peer address is used.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateGate rejects requests over the gate's budget with 429.
func (s *Server) rateGate(name string, gate *ratelimit.Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !gate.Allow(clientIP(r)) {
				s.metrics.rateLimited.WithLabelValues(name).Inc()
				s.logger.Warn("rate limit exceeded", "gate", name, "client", clientIP(r))
				http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// csrf rejects state-changing browser requests whose Origin (or Referer)
// is not in the allowed list. Bearer-authenticated requests are exempt:
// bearer credentials are attached by code, not by the browser, so they
// cannot be ridden cross-site.
func (s *Server) csrf(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		if auth.HasBearer(r) {
			next.ServeHTTP(w, r)
			return
		}

		origin := r.Header.Get("Origin")
		if origin == "" {
			if ref := r.Header.Get("Referer"); ref != "" {
				if u, err := url.Parse(ref); err == nil {
					origin = u.Scheme + "://" + u.Host
				}
			}
		}
		if origin == "" || !slices.Contains(s.config.CORS.Origins, origin) {
			s.logger.Warn("cross-origin write rejected", "origin", origin, "path", r.URL.Path)
			http.Error(w, `{"error":"origin not allowed"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cors answers preflights and sets response headers for allowed origins.
// The wildcard origin is refused at config validation time because the API
// uses credentialed requests.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && slices.Contains(s.config.CORS.Origins, origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Vary", "Origin")
			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Session-ID")
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// logCORSPolicy surfaces a misconfigured wildcard; Validate refuses it, but
// an empty origin list is worth a startup note too.
func logCORSPolicy(origins []string, logger *slog.Logger) {
	if len(origins) == 0 {
		logger.Info("no CORS origins configured, browser clients must be same-origin")
		return
	}
	logger.Info("CORS origins configured", "origins", origins)
}
