// ABOUTME: HTTP API handlers for auth, gateway lifecycle, relay, and status checks
// ABOUTME: Maps the typed error taxonomy onto stable HTTP status codes

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/clawhost/internal/auth"
	"github.com/2389/clawhost/internal/gateway"
	"github.com/2389/clawhost/internal/gatewayenv"
	"github.com/2389/clawhost/internal/relay"
	"github.com/2389/clawhost/internal/store"
	"github.com/2389/clawhost/internal/supervisor"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeError maps the error taxonomy to stable status codes so clients can
// tell "retry later" apart from "not allowed" apart from "broken".
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var ve *gatewayenv.ValidationError
	var se *supervisor.Error
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": ve.Error()})
	case errors.Is(err, auth.ErrExchangeRejected):
		s.metrics.authFailures.Inc()
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid session"})
	case errors.Is(err, auth.ErrInstanceLocked):
		s.metrics.authFailures.Inc()
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "instance locked by another user"})
	case errors.Is(err, gateway.ErrForbidden):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not the gateway owner"})
	case errors.Is(err, gateway.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "gateway already running under another owner"})
	case errors.Is(err, gateway.ErrNotRunning):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "gateway is not running"})
	case errors.Is(err, gateway.ErrStartTimeout):
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "gateway did not become healthy in time"})
	case errors.As(err, &se):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "supervisor command failed: " + se.Op})
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"service": "clawhost", "status": "ok"})
}

// handleInstance is public: it reveals only whether anyone holds the lock.
func (s *Server) handleInstance(w http.ResponseWriter, r *http.Request) {
	locked, err := s.lock.IsLocked(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"locked": locked})
}

type loginRequest struct {
	SessionID string `json:"session_id"`
}

type userResponse struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture,omitempty"`
}

func toUserResponse(u *store.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, Name: u.Name, Picture: u.Picture}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil || req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id is required"})
		return
	}

	user, session, err := s.authSvc.Login(r.Context(), req.SessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    session.Token,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   s.config.Auth.CookieSecure(),
		SameSite: cookieSameSite(s.config.Auth.CookieSameSite),
	})
	writeJSON(w, http.StatusOK, map[string]any{"user": toUserResponse(user)})
}

func cookieSameSite(mode string) http.SameSite {
	switch strings.ToLower(mode) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"user": toUserResponse(user)})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.authSvc.Logout(r.Context(), r); err != nil {
		s.writeError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.config.Auth.CookieSecure(),
		SameSite: cookieSameSite(s.config.Auth.CookieSameSite),
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type startRequest struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	Model    string `json:"model"`
}

func (s *Server) handleGatewayStart(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())

	var req startRequest
	if err := readJSON(r, &req); err != nil || req.Provider == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "provider is required"})
		return
	}
	// The emergent provider falls back to the platform key from the
	// environment; every other provider needs a caller-supplied key.
	if req.APIKey == "" && req.Provider != "emergent" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "api_key is required"})
		return
	}

	err := s.manager.Start(r.Context(), identityOf(user), gateway.StartRequest{
		Provider: req.Provider,
		APIKey:   req.APIKey,
		Model:    req.Model,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.gatewayStarts.Inc()

	st, err := s.manager.Status(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(st, true))
}

func (s *Server) handleGatewayStop(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())

	if err := s.manager.Stop(r.Context(), identityOf(user)); err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.gatewayStops.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// statusResponse shapes the asymmetric disclosure: fields the caller may
// not see are omitted entirely rather than zeroed.
func statusResponse(st *gateway.Status, authenticated bool) map[string]any {
	resp := map[string]any{"running": st.Running}
	if !authenticated {
		return resp
	}
	resp["is_owner"] = st.IsOwner
	if !st.Disclosed {
		return resp
	}
	resp["provider"] = st.Provider
	if st.StartedAt != nil {
		resp["started_at"] = st.StartedAt.Format(time.RFC3339)
	}
	if st.PID != 0 {
		resp["pid"] = st.PID
	}
	return resp
}

func (s *Server) handleGatewayStatus(w http.ResponseWriter, r *http.Request) {
	userID := ""
	if user := auth.FromContext(r.Context()); user != nil {
		userID = user.ID
	}

	st, err := s.manager.Status(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(st, userID != ""))
}

func (s *Server) handleGatewayToken(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())

	token, err := s.manager.Token(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleUIProxy forwards owner traffic to the gateway's own web UI. Browser
// credentials for the control plane are stripped before forwarding; the
// gateway must never see them.
func (s *Server) handleUIProxy(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())

	isOwner, err := s.manager.IsOwner(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !isOwner {
		s.writeError(w, gateway.ErrForbidden)
		return
	}

	st, err := s.manager.Status(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !st.Running {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "gateway is not running"})
		return
	}

	s.uiProxy.ServeHTTP(w, r)
}

func newUIProxy(port int) *httputil.ReverseProxy {
	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", port)}
	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.URL.Path = "/" + req.PathValue("path")
		req.Header.Del("Cookie")
		req.Header.Del("Authorization")
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "gateway unreachable"})
	}
	return proxy
}

// handleRelay gates the WebSocket endpoint. WebSocket clients cannot read
// HTTP error bodies, so rejections complete the handshake and close with a
// distinguishing code instead.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	user, err := s.authSvc.Resolve(r.Context(), r)
	if err != nil {
		_ = s.relay.Reject(w, r, relay.CloseUnauthenticated, "not authenticated")
		return
	}

	isOwner, err := s.manager.IsOwner(r.Context(), user.ID)
	if err != nil || !isOwner {
		_ = s.relay.Reject(w, r, relay.CloseNotOwner, "not the gateway owner")
		return
	}

	st, err := s.manager.Status(r.Context(), user.ID)
	if err != nil || !st.Running {
		_ = s.relay.Reject(w, r, relay.CloseGatewayDown, "gateway is not running")
		return
	}

	token, err := s.manager.Token(r.Context(), user.ID)
	if err != nil {
		_ = s.relay.Reject(w, r, relay.CloseGatewayDown, "gateway token unavailable")
		return
	}

	s.metrics.relaySessions.Inc()
	s.metrics.relayActiveConn.Inc()
	defer s.metrics.relayActiveConn.Dec()

	gatewayURL := fmt.Sprintf("ws://127.0.0.1:%d/ws", s.config.Gateway.Port)
	if err := s.relay.Proxy(w, r, gatewayURL, token); err != nil {
		s.logger.Debug("relay session failed", "error", err)
	}
}

func (s *Server) handleMessagingStatus(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "messaging is not configured"})
		return
	}
	st, err := s.watch.Status()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type statusCheckRequest struct {
	ClientName string `json:"client_name"`
}

func (s *Server) handleCreateStatusCheck(w http.ResponseWriter, r *http.Request) {
	var req statusCheckRequest
	if err := readJSON(r, &req); err != nil || strings.TrimSpace(req.ClientName) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "client_name is required"})
		return
	}
	if len(req.ClientName) > 128 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "client_name too long"})
		return
	}

	check := &store.StatusCheck{
		ID:         uuid.New().String(),
		ClientName: req.ClientName,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateStatusCheck(r.Context(), check); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          check.ID,
		"client_name": check.ClientName,
		"timestamp":   check.CreatedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleListStatusChecks(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	if limit < 1 || limit > 1000 {
		limit = 100
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	checks, err := s.store.ListStatusChecks(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(checks))
	for _, c := range checks {
		out = append(out, map[string]any{
			"id":          c.ID,
			"client_name": c.ClientName,
			"timestamp":   c.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
